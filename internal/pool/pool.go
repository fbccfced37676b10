// Package pool provides bounded, blocking-on-exhaustion buffer pools for
// chunk-sized and variable-size message buffers, the Go-channel equivalent
// of a bounded async object pool: a fixed number of buffers are pre-created,
// handed out on acquire, and returned on release rather than allocated and
// freed per message.
package pool

import (
	"context"

	"github.com/quantarax/shardhub/internal/wire"
)

// ChunkPool hands out fixed-size wire.ChunkSize buffers. The pool's maximum
// live count is fixed at construction; Acquire blocks cooperatively once
// exhausted.
type ChunkPool struct {
	free chan *[wire.ChunkSize]byte
}

// NewChunkPool creates a pool of maxSize pre-allocated chunk buffers.
func NewChunkPool(maxSize int) *ChunkPool {
	p := &ChunkPool{free: make(chan *[wire.ChunkSize]byte, maxSize)}
	for i := 0; i < maxSize; i++ {
		var buf [wire.ChunkSize]byte
		p.free <- &buf
	}
	return p
}

// Acquire blocks until a buffer is available or ctx is cancelled.
func (p *ChunkPool) Acquire(ctx context.Context) (*[wire.ChunkSize]byte, error) {
	select {
	case buf := <-p.free:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release zeroes buf and returns it to the pool. Callers should release on
// every exit path, including error returns.
func (p *ChunkPool) Release(buf *[wire.ChunkSize]byte) {
	for i := range buf {
		buf[i] = 0
	}
	p.free <- buf
}

// MessagePool hands out reusable variable-size byte slices; the shard's
// HTTP ingress reads PUT request bodies into them. Released slices are
// truncated to empty, not zeroed.
type MessagePool struct {
	free chan []byte
	cap  int
}

// NewMessagePool creates a pool of maxSize buffers, each with capacity cap.
func NewMessagePool(maxSize, bufCap int) *MessagePool {
	p := &MessagePool{free: make(chan []byte, maxSize), cap: bufCap}
	for i := 0; i < maxSize; i++ {
		p.free <- make([]byte, 0, bufCap)
	}
	return p
}

// Acquire blocks until a buffer is available or ctx is cancelled.
func (p *MessagePool) Acquire(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.free:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release truncates buf to zero length and returns it to the pool.
func (p *MessagePool) Release(buf []byte) {
	p.free <- buf[:0]
}
