// Package hubserver implements the hub side of the shard session lifecycle:
// a rate-limited TCP accept loop, per-peer handshake and session-protocol
// negotiation, catalog registration, and the Ping/Pong keep-alive that
// detects dead shards.
package hubserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantarax/shardhub/internal/catalog"
	"github.com/quantarax/shardhub/internal/channel"
	"github.com/quantarax/shardhub/internal/observability"
	"github.com/quantarax/shardhub/internal/ratelimit"
	"github.com/quantarax/shardhub/internal/session"
	"github.com/quantarax/shardhub/internal/wire"
)

// peerEntry is the per-peer registry row: (shard_id -> cancellation token).
// It exists only once the peer has passed AWAIT_INFO.
type peerEntry struct {
	cancel context.CancelFunc
}

// Server accepts shard connections and drives each through the handshake,
// the session package's Hello/Echo and ShardInfo exchange, catalog
// registration, and the serving loop.
type Server struct {
	listener    net.Listener
	catalog     *catalog.Catalog
	logger      *observability.Logger
	metrics     *observability.Metrics
	rateLimiter *ratelimit.TokenBucket

	pingInterval time.Duration

	mu    sync.RWMutex
	peers map[string]*peerEntry
}

// New creates a Server bound to addr. Accept rate is shaped by rate
// (connections/second) with the given burst.
func New(addr string, cat *catalog.Catalog, logger *observability.Logger, metrics *observability.Metrics, pingInterval time.Duration, rate float64, burst int) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("hubserver: listen %s: %w", addr, err)
	}
	return &Server{
		listener:     ln,
		catalog:      cat,
		logger:       logger,
		metrics:      metrics,
		rateLimiter:  ratelimit.NewTokenBucket(rate, burst),
		pingInterval: pingInterval,
		peers:        make(map[string]*peerEntry),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Run accepts connections until ctx is cancelled. Cancelling ctx cancels
// every live peer's child token, per the hierarchical cancellation model.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		if err := s.rateLimiter.Wait(ctx, 1); err != nil {
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("hubserver: accept: %w", err)
		}

		go s.handlePeer(ctx, conn)
	}
}

func (s *Server) handlePeer(parent context.Context, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	defer conn.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ch, err := channel.Handshake(conn)
	if err != nil {
		s.metrics.RecordHandshakeFailure()
		s.logger.HandshakeFailed(remoteAddr, err)
		return
	}
	defer ch.Close()

	if err := session.HelloEcho(ch, channel.MessageTimeout); err != nil {
		s.metrics.RecordHandshakeFailure()
		s.logger.HandshakeFailed(remoteAddr, err)
		return
	}

	info, err := session.RecvShardInfo(ch, channel.MessageTimeout)
	if err != nil {
		s.metrics.RecordHandshakeFailure()
		s.logger.HandshakeFailed(remoteAddr, err)
		return
	}
	shardID := uuid.UUID(info.ID).String()

	if err := s.catalog.RegisterShard(ctx, shardID, info.Agent, info.Capacity); err != nil {
		s.logger.PeerClosed(remoteAddr, shardID, err.Error())
		s.metrics.RecordCatalogOperation("register_shard", false)
		return
	}
	s.metrics.RecordCatalogOperation("register_shard", true)

	s.register(shardID, cancel)
	defer s.deregister(shardID)

	s.metrics.RecordPeerConnected(true)
	defer s.metrics.RecordPeerClosed()
	s.logger.PeerConnected(remoteAddr, shardID)

	if err := s.serve(ctx, ch, shardID, remoteAddr); err != nil {
		s.logger.PeerClosed(remoteAddr, shardID, err.Error())
		return
	}
	s.logger.PeerClosed(remoteAddr, shardID, "shard shutdown")
}

// serve is the SERVING state: alternate a Ping keep-alive with an unbounded
// recv loop, until ShardShutdown, cancellation, or an I/O error.
func (s *Server) serve(ctx context.Context, ch *channel.Channel, shardID, remoteAddr string) error {
	pongCh := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)

	go s.keepAlive(ch, pongCh, done, shardID, remoteAddr)

	// Cancellation must unblock the unbounded recv below.
	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-done:
		}
	}()

	for {
		msg, err := ch.Recv(0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch msg.(type) {
		case wire.Pong:
			select {
			case pongCh <- struct{}{}:
			default:
			}
		case wire.ShardShutdown:
			return nil
		default:
			return fmt.Errorf("hubserver: unexpected message %T in serving state", msg)
		}
	}
}

func (s *Server) keepAlive(ch *channel.Channel, pongCh chan struct{}, done chan struct{}, shardID, remoteAddr string) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ch.Send(wire.Ping{}, channel.MessageTimeout); err != nil {
				ch.Close()
				return
			}
			select {
			case <-pongCh:
			case <-time.After(channel.MessageTimeout):
				s.metrics.RecordPingTimeout()
				s.logger.PingTimeout(remoteAddr, shardID)
				ch.Close()
				return
			case <-done:
				return
			}
		}
	}
}

func (s *Server) register(shardID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[shardID] = &peerEntry{cancel: cancel}
}

func (s *Server) deregister(shardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, shardID)
}

// PeerCount returns the number of shards currently in the SERVING state.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
