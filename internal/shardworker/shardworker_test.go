package shardworker

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantarax/shardhub/internal/channel"
	"github.com/quantarax/shardhub/internal/observability"
	"github.com/quantarax/shardhub/internal/pool"
	"github.com/quantarax/shardhub/internal/session"
	"github.com/quantarax/shardhub/internal/store"
	"github.com/quantarax/shardhub/internal/wire"
)

// tcpPair returns a connected pair of real loopback TCP connections, needed
// because a simultaneous bidirectional handshake over net.Pipe deadlocks.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() failed: %v", err)
	}
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		server, err = ln.Accept()
	}()

	client, dialErr := net.Dial("tcp", ln.Addr().String())
	if dialErr != nil {
		t.Fatalf("net.Dial() failed: %v", dialErr)
	}
	<-accepted
	if err != nil {
		t.Fatalf("Accept() failed: %v", err)
	}
	return client, server
}

// hubSide completes the hub's half of the handshake/HelloEcho/ShardInfo
// sequence on conn and returns the resulting channel.
func hubSide(t *testing.T, conn net.Conn) *channel.Channel {
	t.Helper()
	var ch *channel.Channel
	var chErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch, chErr = channel.Handshake(conn)
	}()
	<-done
	if chErr != nil {
		t.Fatalf("hub Handshake() failed: %v", chErr)
	}
	if err := session.HelloEcho(ch, channel.MessageTimeout); err != nil {
		t.Fatalf("hub HelloEcho() failed: %v", err)
	}
	if _, err := session.RecvShardInfo(ch, channel.MessageTimeout); err != nil {
		t.Fatalf("hub RecvShardInfo() failed: %v", err)
	}
	return ch
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := observability.NewLogger("shard", "test", nil)
	metrics := observability.NewMetrics()
	chunkPool := pool.NewChunkPool(2)

	return New("unused:0", "worker/1.0", 1024, 8, st, chunkPool, logger, metrics)
}

// startWorker runs w.RunConn on client in the background and, concurrently,
// completes the hub's handshake on server, returning the hub-side channel.
func startWorker(t *testing.T, w *Worker, client, server net.Conn) (hubCh *channel.Channel, cancel func(), wait func()) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())

	var workerErr error
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		workerErr = w.RunConn(ctx, client)
	}()

	hubCh = hubSide(t, server)

	return hubCh, cancelFn, func() {
		<-workerDone
		if workerErr != nil && ctx.Err() == nil {
			t.Errorf("RunConn() returned unexpected error: %v", workerErr)
		}
	}
}

func TestWorkerAnswersPing(t *testing.T) {
	client, server := tcpPair(t)
	defer server.Close()

	w := newTestWorker(t)
	hubCh, cancel, wait := startWorker(t, w, client, server)

	if err := hubCh.Send(wire.Ping{}, channel.MessageTimeout); err != nil {
		t.Fatalf("Send(Ping) failed: %v", err)
	}
	msg, err := hubCh.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("expected Pong: %v", err)
	}
	if _, ok := msg.(wire.Pong); !ok {
		t.Fatalf("expected Pong, got %T", msg)
	}

	cancel()
	wait()
}

func TestWorkerIngestsChunk(t *testing.T) {
	client, server := tcpPair(t)
	defer server.Close()

	w := newTestWorker(t)
	hubCh, cancel, wait := startWorker(t, w, client, server)

	var data [wire.ChunkSize]byte
	for i := range data {
		data[i] = byte(i % 251)
	}
	hash := store.HashChunk(data[:])

	if err := hubCh.Send(wire.PrepareStore{Hash: [16]byte(hash)}, channel.MessageTimeout); err != nil {
		t.Fatalf("Send(PrepareStore) failed: %v", err)
	}
	for i := 0; i < wire.ChunkParts; i++ {
		part := wire.ChunkPart{Hash: [16]byte(hash), PartIndex: uint32(i)}
		copy(part.Bytes[:], data[i*wire.ChunkPartSize:(i+1)*wire.ChunkPartSize])
		if err := hubCh.Send(part, channel.MessageTimeout); err != nil {
			t.Fatalf("Send(ChunkPart %d) failed: %v", i, err)
		}
	}

	msg, err := hubCh.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("expected Ok after ingest: %v", err)
	}
	if _, ok := msg.(wire.Ok); !ok {
		t.Fatalf("expected Ok, got %T", msg)
	}

	cancel()
	wait()
}

func TestWorkerRetrievesChunk(t *testing.T) {
	client, server := tcpPair(t)
	defer server.Close()

	w := newTestWorker(t)

	var data [wire.ChunkSize]byte
	for i := range data {
		data[i] = byte((i * 7) % 251)
	}
	hash := store.HashChunk(data[:])
	if _, err := w.store.Put(store.ChunkId(hash), data[:]); err != nil {
		t.Fatalf("pre-seed Put() failed: %v", err)
	}

	hubCh, cancel, wait := startWorker(t, w, client, server)

	if err := hubCh.Send(wire.PrepareStock{Hash: [16]byte(hash)}, channel.MessageTimeout); err != nil {
		t.Fatalf("Send(PrepareStock) failed: %v", err)
	}

	var got [wire.ChunkSize]byte
	for i := 0; i < wire.ChunkParts; i++ {
		msg, err := hubCh.Recv(2 * time.Second)
		if err != nil {
			t.Fatalf("expected ChunkPart %d: %v", i, err)
		}
		part, ok := msg.(wire.ChunkPart)
		if !ok {
			t.Fatalf("expected ChunkPart, got %T", msg)
		}
		if part.Hash != [16]byte(hash) || int(part.PartIndex) != i {
			t.Fatalf("ChunkPart %d has hash=%x index=%d", i, part.Hash, part.PartIndex)
		}
		copy(got[i*wire.ChunkPartSize:(i+1)*wire.ChunkPartSize], part.Bytes[:])
	}

	if got != data {
		t.Error("retrieved chunk bytes do not match what was stored")
	}

	cancel()
	wait()
}

func TestWorkerShutsDownOnCancel(t *testing.T) {
	client, server := tcpPair(t)
	defer server.Close()

	w := newTestWorker(t)
	hubCh, cancel, wait := startWorker(t, w, client, server)

	cancel()

	msg, err := hubCh.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("expected ShardShutdown: %v", err)
	}
	if _, ok := msg.(wire.ShardShutdown); !ok {
		t.Fatalf("expected ShardShutdown, got %T", msg)
	}

	wait()
}
