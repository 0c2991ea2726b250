package linkmesh

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newConnectedUDPPair returns two UDP sockets on loopback, each
// net.DialUDP'd at the other, matching how a real Client's datagram
// socket is constructed.
func newConnectedUDPPair(t *testing.T) (a, b *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP a: %v", err)
	}
	bListener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP b: %v", err)
	}
	addrA := a.LocalAddr().(*net.UDPAddr)
	addrB := bListener.LocalAddr().(*net.UDPAddr)
	a.Close()
	bListener.Close()

	a, err = net.DialUDP("udp4", addrA, addrB)
	if err != nil {
		t.Fatalf("DialUDP a: %v", err)
	}
	b, err = net.DialUDP("udp4", addrB, addrA)
	if err != nil {
		t.Fatalf("DialUDP b: %v", err)
	}
	return a, b
}

func newTestConnectionPair(t *testing.T) (connA, connB *Connection, closedA, closedB chan CloseReason) {
	t.Helper()

	streamA, streamB := net.Pipe()
	dgramA, dgramB := newConnectedUDPPair(t)

	msgPool := NewMessagePool()
	metricsA, metricsB := NewMetrics(), NewMetrics()
	deps := socketDeps{Buffers: NewBufferPool(), Messages: msgPool}

	idA, idB := uuid.New(), uuid.New()
	remoteA := &Remote{ID: idB, StreamEndpoint: netip.MustParseAddrPort("127.0.0.1:1"), DatagramEndpoint: netip.MustParseAddrPort("127.0.0.1:2")}
	remoteB := &Remote{ID: idA, StreamEndpoint: netip.MustParseAddrPort("127.0.0.1:3"), DatagramEndpoint: netip.MustParseAddrPort("127.0.0.1:4")}

	cfg := defaultConnectionConfig()
	cfg.watchdogCheckPeriod = 10 * time.Millisecond
	cfg.disconnectThreshold = 50 * time.Millisecond
	cfg.heartbeatPeriod = time.Hour // tests don't rely on the real heartbeat schedule

	closedA = make(chan CloseReason, 1)
	closedB = make(chan CloseReason, 1)

	connA = NewConnection(idA, remoteA,
		NewStreamSocket(streamA, idA, deps), NewDatagramSocket(dgramA, idA, false, deps),
		false, msgPool, metricsA, cfg, nil, func(c *Connection, r CloseReason) { closedA <- r })
	connB = NewConnection(idB, remoteB,
		NewStreamSocket(streamB, idB, deps), NewDatagramSocket(dgramB, idB, false, deps),
		false, msgPool, metricsB, cfg, nil, func(c *Connection, r CloseReason) { closedB <- r })

	return connA, connB, closedA, closedB
}

func TestConnectionWatchdogClosesOnSilence(t *testing.T) {
	connA, connB, closedA, _ := newTestConnectionPair(t)
	defer connB.Close(CloseGraceful)

	select {
	case reason := <-closedA:
		if reason != CloseTimeout {
			t.Fatalf("close reason = %v, want %v", reason, CloseTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watchdog timeout close")
	}
	if got := connA.metrics.watchdogTimeouts.Load(); got != 1 {
		t.Errorf("watchdogTimeouts = %d, want 1", got)
	}
}

func TestConnectionHeartbeatSuppressesWatchdog(t *testing.T) {
	connA, connB, closedA, _ := newTestConnectionPair(t)
	defer connA.Close(CloseGraceful)
	defer connB.Close(CloseGraceful)

	// Each side's watchdog is fed by the heartbeats it receives, so both
	// sides send: connB's keep connA alive, and connA's keep connB (and
	// so the shared stream pipe) up.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		msg := connA.msgPool.Acquire(connA.localID, connA.Remote.ID, ChannelUnreliableUnordered, 0)
		_ = connA.Send(ChannelUnreliableUnordered, PacketHeartbeat, msg)
		msgB := connB.msgPool.Acquire(connB.localID, connB.Remote.ID, ChannelUnreliableUnordered, 0)
		_ = connB.Send(ChannelUnreliableUnordered, PacketHeartbeat, msgB)
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case reason := <-closedA:
		t.Fatalf("connection closed unexpectedly with reason %v while heartbeats were flowing", reason)
	default:
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	connA, connB, closedA, _ := newTestConnectionPair(t)
	defer connB.Close(CloseGraceful)

	connA.Close(CloseGraceful)
	connA.Close(CloseGraceful) // must not panic or double-send

	select {
	case reason := <-closedA:
		if reason != CloseGraceful {
			t.Fatalf("close reason = %v, want %v", reason, CloseGraceful)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close callback")
	}
	if !connA.Closed() {
		t.Fatal("expected Closed() to report true after Close")
	}
}

func TestConnectionDisconnectPacketClosesGracefully(t *testing.T) {
	_, connB, closedA, _ := newTestConnectionPair(t)
	defer connB.Close(CloseGraceful)

	msg := connB.msgPool.Acquire(connB.localID, connB.Remote.ID, ChannelReliableOrdered, 0)
	if err := connB.Send(ChannelReliableOrdered, PacketDisconnect, msg); err != nil {
		t.Fatalf("Send DISCONNECT: %v", err)
	}

	select {
	case reason := <-closedA:
		if reason != CloseGraceful {
			t.Fatalf("close reason = %v, want %v", reason, CloseGraceful)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for graceful close after DISCONNECT")
	}
}
