package store

import (
	"bytes"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantarax/shardhub/internal/wire"
)

func openTestStore(t *testing.T) *ChunkStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fillChunk(b byte) []byte {
	buf := make([]byte, wire.ChunkSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	var id ChunkId
	id[0] = 0x11

	data := fillChunk(0xAB)
	res, err := s.Put(id, data)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if res != Inserted {
		t.Errorf("Put() result = %v, want Inserted", res)
	}

	got, ok, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !ok {
		t.Fatal("Get() reported not found after Put()")
	}
	if !bytes.Equal(got, data) {
		t.Error("Get() returned bytes that do not match what was Put()")
	}
}

func TestPutIdempotence(t *testing.T) {
	s := openTestStore(t)
	var id ChunkId
	id[0] = 0x22

	first := fillChunk(0x01)
	if _, err := s.Put(id, first); err != nil {
		t.Fatalf("first Put() failed: %v", err)
	}

	second := fillChunk(0x02)
	res, err := s.Put(id, second)
	if err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	if res != AlreadyPresent {
		t.Errorf("second Put() result = %v, want AlreadyPresent", res)
	}

	got, ok, err := s.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get() after duplicate Put() failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, first) {
		t.Error("duplicate Put() must not overwrite the original bytes")
	}
}

func TestPutSizeEnforcement(t *testing.T) {
	s := openTestStore(t)
	var id ChunkId

	_, err := s.Put(id, make([]byte, wire.ChunkSize-1))
	if err == nil {
		t.Fatal("Put() should fail for a payload one byte short of ChunkSize")
	}
	if _, ok := err.(*ErrInvalidSize); !ok {
		t.Errorf("expected *ErrInvalidSize, got %T", err)
	}

	exists, err := s.Exists(id)
	if err != nil {
		t.Fatalf("Exists() failed: %v", err)
	}
	if exists {
		t.Error("a rejected Put() must not open a transaction that inserts a row")
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	var id ChunkId
	id[0] = 0x99

	_, ok, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if ok {
		t.Error("Get() of an absent id should report not found")
	}
}

func TestShardIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	id1, err := s1.ShardIdentity()
	if err != nil {
		t.Fatalf("ShardIdentity() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open() failed: %v", err)
	}
	defer s2.Close()
	id2, err := s2.ShardIdentity()
	if err != nil {
		t.Fatalf("ShardIdentity() after reopen failed: %v", err)
	}

	if id1 != id2 {
		t.Errorf("shard identity changed across restart: %v != %v", id1, id2)
	}
}

// TestDuplicateIngestSuppression hammers one hash with overlapping ingest
// attempts: at no instant may more than one goroutine hold the slot. Winners
// hold the claim for a while so losers genuinely contend with a live holder
// rather than racing an already-released slot.
func TestDuplicateIngestSuppression(t *testing.T) {
	s := openTestStore(t)
	var hash ChunkHash
	hash[0] = 0x55

	const attempts = 20
	var wg sync.WaitGroup
	var held, maxHeld, claimed int32
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if !s.BeginIngest(hash) {
				return
			}
			n := atomic.AddInt32(&held, 1)
			for {
				m := atomic.LoadInt32(&maxHeld)
				if n <= m || atomic.CompareAndSwapInt32(&maxHeld, m, n) {
					break
				}
			}
			atomic.AddInt32(&claimed, 1)
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&held, -1)
			s.EndIngest(hash)
		}()
	}
	close(start)
	wg.Wait()

	if claimed == 0 {
		t.Fatal("no goroutine ever claimed the ingest slot")
	}
	if got := atomic.LoadInt32(&maxHeld); got != 1 {
		t.Fatalf("ingest slot held by %d goroutines at once, want at most 1", got)
	}
}

func TestBeginEndIngest(t *testing.T) {
	s := openTestStore(t)
	var hash ChunkHash
	hash[0] = 0x33

	if !s.BeginIngest(hash) {
		t.Fatal("first BeginIngest() should succeed")
	}
	if s.BeginIngest(hash) {
		t.Fatal("second BeginIngest() for the same hash should fail while the first is in flight")
	}

	s.EndIngest(hash)
	if !s.BeginIngest(hash) {
		t.Fatal("BeginIngest() should succeed again after EndIngest()")
	}
}

func TestHashChunkDeterministic(t *testing.T) {
	data := fillChunk(0x42)
	h1 := HashChunk(data)
	h2 := HashChunk(data)
	if h1 != h2 {
		t.Error("HashChunk() is not deterministic")
	}

	other := fillChunk(0x43)
	if HashChunk(other) == h1 {
		t.Error("distinct chunk contents produced the same hash")
	}
}
