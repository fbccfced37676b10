// Package session implements the post-handshake protocol shared by both the
// hub and the shard: the Hello/Echo liveness attestation and the ShardInfo
// exchange. The keep-alive Ping/Pong loop is driven by each side's own main
// loop (internal/hubserver, internal/shardworker) since its cadence differs
// by role, but both sides share the same messages defined in package wire.
package session

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/quantarax/shardhub/internal/channel"
	"github.com/quantarax/shardhub/internal/wire"
)

// DefaultPingInterval is the hub's recommended keep-alive cadence.
const DefaultPingInterval = 30 * time.Second

// NewStamp generates a fresh random liveness stamp.
func NewStamp() ([16]byte, error) {
	var stamp [16]byte
	if _, err := rand.Read(stamp[:]); err != nil {
		return stamp, fmt.Errorf("session: generate stamp: %w", err)
	}
	return stamp, nil
}

// HelloEcho runs the mutual liveness attestation described in the session
// protocol: both sides send a Hello with a fresh stamp, await the peer's
// Hello, echo it back, then await their own stamp echoed back. It is
// symmetric — the same call is made by both the shard and the hub.
func HelloEcho(ch *channel.Channel, timeout time.Duration) error {
	stamp, err := NewStamp()
	if err != nil {
		return err
	}

	if err := ch.Send(wire.Hello{Stamp: stamp}, timeout); err != nil {
		return fmt.Errorf("session: send Hello: %w", err)
	}

	msg, err := ch.Recv(timeout)
	if err != nil {
		return fmt.Errorf("session: await Hello: %w", err)
	}
	peerHello, ok := msg.(wire.Hello)
	if !ok {
		return fmt.Errorf("session: expected Hello, got %T", msg)
	}

	if err := ch.Send(wire.Echo{Stamp: peerHello.Stamp}, timeout); err != nil {
		return fmt.Errorf("session: send Echo: %w", err)
	}

	msg, err = ch.Recv(timeout)
	if err != nil {
		return fmt.Errorf("session: await Echo: %w", err)
	}
	echo, ok := msg.(wire.Echo)
	if !ok {
		return fmt.Errorf("session: expected Echo, got %T", msg)
	}
	if echo.Stamp != stamp {
		return fmt.Errorf("session: Echo stamp mismatch, liveness not proven")
	}
	return nil
}

// SendShardInfo is the shard's half of the Info exchange.
func SendShardInfo(ch *channel.Channel, info wire.ShardInfo, timeout time.Duration) error {
	if err := ch.Send(info, timeout); err != nil {
		return fmt.Errorf("session: send ShardInfo: %w", err)
	}
	return nil
}

// RecvShardInfo is the hub's half of the Info exchange. Any other message in
// this slot is fatal to the session.
func RecvShardInfo(ch *channel.Channel, timeout time.Duration) (wire.ShardInfo, error) {
	msg, err := ch.Recv(timeout)
	if err != nil {
		return wire.ShardInfo{}, fmt.Errorf("session: await ShardInfo: %w", err)
	}
	info, ok := msg.(wire.ShardInfo)
	if !ok {
		return wire.ShardInfo{}, fmt.Errorf("session: expected ShardInfo, got %T", msg)
	}
	return info, nil
}
