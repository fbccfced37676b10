package pool

import (
	"context"
	"testing"
	"time"

	"github.com/quantarax/shardhub/internal/wire"
)

func TestChunkPoolAcquireRelease(t *testing.T) {
	p := NewChunkPool(2)

	ctx := context.Background()
	a, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	a[0] = 0xFF

	b, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	if a == b {
		t.Fatal("Acquire() returned the same buffer twice concurrently")
	}

	p.Release(a)
	if a[0] != 0 {
		t.Error("Release() did not zero the chunk buffer")
	}
}

func TestChunkPoolBlocksWhenExhausted(t *testing.T) {
	p := NewChunkPool(1)
	ctx := context.Background()

	buf, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(timeoutCtx); err == nil {
		t.Fatal("Acquire() should block and time out when the pool is exhausted")
	}

	p.Release(buf)
	unblocked, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release failed: %v", err)
	}
	if unblocked != buf {
		t.Error("Acquire() after release should return the just-released buffer")
	}
}

func TestChunkPoolFixedSize(t *testing.T) {
	p := NewChunkPool(3)
	if len(p.free) != 3 {
		t.Fatalf("pool pre-allocated %d buffers, want 3", len(p.free))
	}
	buf, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if len(buf) != wire.ChunkSize {
		t.Errorf("chunk buffer length = %d, want %d", len(buf), wire.ChunkSize)
	}
}

func TestMessagePoolAcquireRelease(t *testing.T) {
	p := NewMessagePool(1, 128)
	ctx := context.Background()

	buf, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	buf = append(buf, []byte("hello")...)

	p.Release(buf)

	back, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release failed: %v", err)
	}
	if len(back) != 0 {
		t.Errorf("Release() should truncate to zero length, got len=%d", len(back))
	}
	if cap(back) < 128 {
		t.Errorf("Release() should preserve capacity, got cap=%d", cap(back))
	}
}
