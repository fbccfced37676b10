package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quantarax/shardhub/internal/channel"
	"github.com/quantarax/shardhub/internal/wire"
)

func tcpChannelPair(t *testing.T) (*channel.Channel, *channel.Channel) {
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

	var a, b *channel.Channel
	var aErr, bErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a, aErr = channel.Handshake(client) }()
	go func() { defer wg.Done(); b, bErr = channel.Handshake(server) }()
	wg.Wait()

	if aErr != nil {
		t.Fatalf("client Handshake() failed: %v", aErr)
	}
	if bErr != nil {
		t.Fatalf("server Handshake() failed: %v", bErr)
	}
	return a, b
}

func TestHelloEcho(t *testing.T) {
	a, b := tcpChannelPair(t)
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	var aErr, bErr error
	go func() { defer wg.Done(); aErr = HelloEcho(a, channel.MessageTimeout) }()
	go func() { defer wg.Done(); bErr = HelloEcho(b, channel.MessageTimeout) }()
	wg.Wait()

	if aErr != nil {
		t.Errorf("shard-side HelloEcho() failed: %v", aErr)
	}
	if bErr != nil {
		t.Errorf("hub-side HelloEcho() failed: %v", bErr)
	}
}

func TestShardInfoExchange(t *testing.T) {
	shard, hub := tcpChannelPair(t)
	defer shard.Close()
	defer hub.Close()

	want := wire.ShardInfo{ID: [16]byte{1, 2, 3}, Agent: "worker/1.0", Capacity: 128}

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	go func() {
		defer wg.Done()
		sendErr = SendShardInfo(shard, want, channel.MessageTimeout)
	}()

	got, err := RecvShardInfo(hub, channel.MessageTimeout)
	wg.Wait()
	if sendErr != nil {
		t.Fatalf("SendShardInfo() failed: %v", sendErr)
	}
	if err != nil {
		t.Fatalf("RecvShardInfo() failed: %v", err)
	}
	if got != want {
		t.Errorf("RecvShardInfo() = %+v, want %+v", got, want)
	}
}

func TestRecvShardInfoRejectsWrongMessage(t *testing.T) {
	shard, hub := tcpChannelPair(t)
	defer shard.Close()
	defer hub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = shard.Send(wire.Ping{}, channel.MessageTimeout)
	}()

	_, err := RecvShardInfo(hub, channel.MessageTimeout)
	wg.Wait()
	if err == nil {
		t.Fatal("RecvShardInfo() should fail when the peer sends something other than ShardInfo")
	}
}

func TestHelloEchoStampMismatchIsFatal(t *testing.T) {
	shard, hub := tcpChannelPair(t)
	defer shard.Close()
	defer hub.Close()

	// A peer that sends Hello but echoes the wrong stamp must be rejected.
	done := make(chan error, 1)
	go func() {
		done <- HelloEcho(hub, channel.MessageTimeout)
	}()

	msg, err := shard.Recv(channel.MessageTimeout)
	if err != nil {
		t.Fatalf("Recv() failed: %v", err)
	}
	if _, ok := msg.(wire.Hello); !ok {
		t.Fatalf("expected Hello, got %T", msg)
	}

	if err := shard.Send(wire.Hello{Stamp: [16]byte{9}}, channel.MessageTimeout); err != nil {
		t.Fatalf("Send(Hello) failed: %v", err)
	}
	if _, err := shard.Recv(channel.MessageTimeout); err != nil {
		t.Fatalf("Recv(Echo) failed: %v", err)
	}
	// Send back a deliberately wrong stamp instead of the hub's original one.
	if err := shard.Send(wire.Echo{Stamp: [16]byte{0xFF}}, channel.MessageTimeout); err != nil {
		t.Fatalf("Send(Echo) failed: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("HelloEcho() should fail when the echoed stamp does not match")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HelloEcho() did not return")
	}
}
