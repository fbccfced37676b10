// Package shardworker implements the shard side of the session lifecycle:
// bounded-retry dial, handshake and session-protocol negotiation, a
// dedicated serialized writer, and the read loop that answers Ping inline
// and dispatches chunk ingest/retrieve to handler goroutines. Ingests are
// bounded by the chunk pool; retrievals get one goroutine each.
package shardworker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quantarax/shardhub/internal/channel"
	"github.com/quantarax/shardhub/internal/observability"
	"github.com/quantarax/shardhub/internal/pool"
	"github.com/quantarax/shardhub/internal/session"
	"github.com/quantarax/shardhub/internal/store"
	"github.com/quantarax/shardhub/internal/wire"
)

// DialMaxAttempts and DialRetryDelay bound the startup connection to the hub.
const (
	DialMaxAttempts = 5
	DialRetryDelay  = 10 * time.Second
)

// Worker runs the shard side of one session against a hub.
type Worker struct {
	hubAddr    string
	agent      string
	capacity   uint64
	queueDepth int

	store     *store.ChunkStore
	chunkPool *pool.ChunkPool
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// New creates a Worker. queueDepth bounds the writer's outbound command
// channel.
func New(hubAddr, agent string, capacity uint64, queueDepth int, st *store.ChunkStore, chunkPool *pool.ChunkPool, logger *observability.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		hubAddr:    hubAddr,
		agent:      agent,
		capacity:   capacity,
		queueDepth: queueDepth,
		store:      st,
		chunkPool:  chunkPool,
		logger:     logger,
		metrics:    metrics,
	}
}

// DialWithRetry dials the hub, retrying up to DialMaxAttempts times with
// DialRetryDelay between attempts. It gives up early if ctx is cancelled.
func DialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= DialMaxAttempts; attempt++ {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == DialMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(DialRetryDelay):
		}
	}
	return nil, fmt.Errorf("shardworker: dial %s failed after %d attempts: %w", addr, DialMaxAttempts, lastErr)
}

// writeCommand is one entry in the writer's bounded queue. A nil msg is a
// Flush barrier: the writer acknowledges it once every command queued ahead
// of it has been written.
type writeCommand struct {
	msg    wire.Message
	result chan<- error
}

// Run dials, negotiates the session protocol, then serves until ctx is
// cancelled (returning nil) or the session fails (returning the error).
func (w *Worker) Run(ctx context.Context) error {
	conn, err := DialWithRetry(ctx, w.hubAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	return w.RunConn(ctx, conn)
}

// RunConn negotiates the session protocol over an already-connected conn
// and serves until ctx is cancelled (returning nil) or the session fails:
// a closed connection, a bad frame, or an unexpected message from the hub
// returns an error. Exposed separately from Run so tests can
// supply a prepared connection without a real dial.
func (w *Worker) RunConn(ctx context.Context, conn net.Conn) error {
	ch, err := channel.Handshake(conn)
	if err != nil {
		return fmt.Errorf("shardworker: handshake: %w", err)
	}
	defer ch.Close()

	if err := session.HelloEcho(ch, channel.MessageTimeout); err != nil {
		return fmt.Errorf("shardworker: hello/echo: %w", err)
	}

	identity, err := w.store.ShardIdentity()
	if err != nil {
		return fmt.Errorf("shardworker: shard identity: %w", err)
	}
	var idBytes [16]byte
	copy(idBytes[:], identity[:])

	info := wire.ShardInfo{ID: idBytes, Agent: w.agent, Capacity: w.capacity}
	if err := session.SendShardInfo(ch, info, channel.MessageTimeout); err != nil {
		return fmt.Errorf("shardworker: send ShardInfo: %w", err)
	}

	queue := make(chan writeCommand, w.queueDepth)
	writerDone := make(chan struct{})
	go w.runWriter(ch, queue, writerDone)

	// The session context governs handler goroutines; cancelling it (either
	// from the caller's ctx or from a fatal read error) unblocks their queue
	// sends before the queue is closed.
	sctx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	var handlers sync.WaitGroup

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		<-sctx.Done()
		if ctx.Err() != nil {
			w.announceShutdown(queue)
		}
		// Unblocks the read loop and any in-flight part receive.
		ch.Close()
	}()

	err = w.readLoop(sctx, ch, queue, &handlers)

	cancelSession()
	<-stopDone
	handlers.Wait()
	close(queue)
	<-writerDone

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// announceShutdown queues a ShardShutdown and waits for the writer to flush
// it, bounded by MessageTimeout, so the hub can tear the session down
// cleanly rather than seeing an abrupt close.
func (w *Worker) announceShutdown(queue chan writeCommand) {
	result := make(chan error, 1)
	select {
	case queue <- writeCommand{msg: wire.ShardShutdown{}, result: result}:
		select {
		case <-result:
		case <-time.After(channel.MessageTimeout):
		}
	default:
	}
}

// runWriter consumes the queue until it is closed. After a write failure it
// keeps draining, answering every queued result with the original error, so
// no producer is left waiting on a result that will never come.
func (w *Worker) runWriter(ch *channel.Channel, queue <-chan writeCommand, done chan<- struct{}) {
	defer close(done)
	var failed error
	for cmd := range queue {
		if cmd.msg == nil || failed != nil {
			if cmd.result != nil {
				cmd.result <- failed
			}
			continue
		}
		err := ch.Send(cmd.msg, channel.MessageTimeout)
		if cmd.result != nil {
			cmd.result <- err
		}
		if err != nil {
			failed = err
		}
	}
}

func (w *Worker) enqueue(queue chan<- writeCommand, msg wire.Message) {
	select {
	case queue <- writeCommand{msg: msg}:
	default:
		// Queue is saturated; caller is told nothing, matching the
		// fire-and-forget nature of inline replies (Pong, Ok).
	}
}

func (w *Worker) readLoop(ctx context.Context, ch *channel.Channel, queue chan writeCommand, handlers *sync.WaitGroup) error {
	for {
		msg, err := ch.Recv(0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("shardworker: recv: %w", err)
		}

		switch m := msg.(type) {
		case wire.Ping:
			w.enqueue(queue, wire.Pong{})
		case wire.PrepareStore:
			if err := w.handlePrepareStore(ctx, ch, queue, handlers, m); err != nil {
				return err
			}
		case wire.PrepareStock:
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				w.handlePrepareStock(ctx, queue, m)
			}()
		default:
			return fmt.Errorf("shardworker: unexpected message %T in serving state", msg)
		}
	}
}

// handlePrepareStore runs inline for the duration of the framed part
// exchange (reads must stay serialized on the single channel), then hands
// the assembled buffer to a goroutine that performs the disk write.
func (w *Worker) handlePrepareStore(ctx context.Context, ch *channel.Channel, queue chan writeCommand, handlers *sync.WaitGroup, req wire.PrepareStore) error {
	hash := store.ChunkHash(req.Hash)

	if !w.store.BeginIngest(hash) {
		w.enqueue(queue, wire.AlreadyStoring{Hash: req.Hash})
		return w.drainParts(ch)
	}

	buf, err := w.chunkPool.Acquire(ctx)
	if err != nil {
		w.store.EndIngest(hash)
		return fmt.Errorf("shardworker: acquire chunk buffer: %w", err)
	}

	for i := 0; i < wire.ChunkParts; i++ {
		msg, err := ch.Recv(0)
		if err != nil {
			w.chunkPool.Release(buf)
			w.store.EndIngest(hash)
			return fmt.Errorf("shardworker: recv chunk part: %w", err)
		}
		part, ok := msg.(wire.ChunkPart)
		if !ok || part.Hash != req.Hash || int(part.PartIndex) != i {
			w.chunkPool.Release(buf)
			w.store.EndIngest(hash)
			return fmt.Errorf("shardworker: chunk part out of sequence at index %d", i)
		}
		copy(buf[i*wire.ChunkPartSize:], part.Bytes[:])
	}

	handlers.Add(1)
	go func() {
		defer handlers.Done()
		defer w.chunkPool.Release(buf)
		defer w.store.EndIngest(hash)

		// The part exchange carries no identifier besides the hash, so
		// wire transfers store under it.
		id := store.ChunkId(req.Hash)
		start := time.Now()
		result, err := w.store.Put(id, buf[:])
		if err != nil {
			w.logger.Error(err, "chunk ingest failed")
			return
		}
		w.metrics.RecordChunkIngest(wire.ChunkSize, result == store.AlreadyPresent, time.Since(start).Seconds())
		w.logger.ChunkIngested(w.agent, fmt.Sprintf("%x", id), wire.ChunkSize, result == store.AlreadyPresent)
		w.enqueue(queue, wire.Ok{})
	}()
	return nil
}

// drainParts discards the ChunkParts belonging to a transfer the shard
// already rejected with AlreadyStoring, keeping the stream in sync.
func (w *Worker) drainParts(ch *channel.Channel) error {
	for i := 0; i < wire.ChunkParts; i++ {
		if _, err := ch.Recv(0); err != nil {
			return fmt.Errorf("shardworker: drain chunk part: %w", err)
		}
	}
	return nil
}

// handlePrepareStock serves a retrieval by emitting ChunkParts frames
// through the writer queue, which serializes them against any other
// in-flight handler's writes.
func (w *Worker) handlePrepareStock(ctx context.Context, queue chan writeCommand, req wire.PrepareStock) {
	id := store.ChunkId(req.Hash)
	data, ok, err := w.store.Get(id)
	if err != nil {
		w.logger.Error(err, "chunk retrieval failed")
		return
	}
	if !ok {
		// The wire protocol has no NotFound variant; the hub observes a
		// stalled retrieval and must time it out.
		return
	}

	for i := 0; i < wire.ChunkParts; i++ {
		var part wire.ChunkPart
		part.Hash = req.Hash
		part.PartIndex = uint32(i)
		copy(part.Bytes[:], data[i*wire.ChunkPartSize:(i+1)*wire.ChunkPartSize])

		result := make(chan error, 1)
		select {
		case queue <- writeCommand{msg: part, result: result}:
		case <-ctx.Done():
			return
		}
		if err := <-result; err != nil {
			w.logger.Error(err, "chunk part send failed")
			return
		}
	}

	w.metrics.RecordChunkServed()
	w.logger.ChunkServed(w.agent, fmt.Sprintf("%x", id), len(data))

	done := make(chan error, 1)
	select {
	case queue <- writeCommand{result: done}:
	case <-ctx.Done():
		return
	}
	<-done
}
