package linkmesh

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newInertConnection builds a real Connection (over loopback sockets)
// whose heartbeat and watchdog are effectively disabled, for tests
// that only care about NetworkEndpoint's bookkeeping around it.
func newInertConnection(t *testing.T, ep *NetworkEndpoint, remote *Remote, onClosed OnConnectionClosedFunc) *Connection {
	t.Helper()
	streamA, streamB := net.Pipe()
	dgramA, dgramB := newConnectedUDPPair(t)
	t.Cleanup(func() { streamB.Close(); dgramB.Close() })

	deps := socketDeps{Buffers: ep.bufPool, Messages: ep.msgPool}
	cfg := ep.cfg.buildConnectionConfig()
	cfg.heartbeatPeriod = time.Hour
	cfg.watchdogCheckPeriod = time.Hour

	return NewConnection(ep.localID, remote,
		NewStreamSocket(streamA, ep.localID, deps), NewDatagramSocket(dgramA, ep.localID, false, deps),
		false, ep.msgPool, ep.metrics, cfg, nil, onClosed)
}

func newTestEndpoint() *NetworkEndpoint {
	cfg := defaultEndpointConfig()
	return newNetworkEndpoint(uuid.New(), cfg, InlineExecutor{})
}

func TestRegisterMessageHandlerDrainsBufferedMessages(t *testing.T) {
	ep := newTestEndpoint()
	remoteID := uuid.New()
	ep.remotes.GetOrCreate(remoteID, netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"))

	for _, payload := range []string{"one", "two", "three"} {
		msg := ep.msgPool.Acquire(remoteID, ep.localID, ChannelReliableOrdered, 0)
		msg.Payload().Write([]byte(payload))
		ep.HandleMessage(remoteID, msg)
	}

	var received []string
	if err := ep.RegisterMessageHandler(remoteID, func(msg *Message) {
		received = append(received, string(msg.Bytes()))
	}, true); err != nil {
		t.Fatalf("RegisterMessageHandler: %v", err)
	}

	if len(received) != 3 {
		t.Fatalf("received %d messages, want 3", len(received))
	}
	for i, want := range []string{"one", "two", "three"} {
		if received[i] != want {
			t.Errorf("received[%d] = %q, want %q (arrival order must be preserved)", i, received[i], want)
		}
	}
}

func TestRegisterMessageHandlerRefusesRemoteAll(t *testing.T) {
	ep := newTestEndpoint()
	if err := ep.RegisterMessageHandler(RemoteAll, func(*Message) {}, true); err == nil {
		t.Fatal("expected an error registering a handler for RemoteAll")
	}
}

func TestRegisterMessageHandlerRefusesUnknownRemote(t *testing.T) {
	ep := newTestEndpoint()
	if err := ep.RegisterMessageHandler(uuid.New(), func(*Message) {}, true); err == nil {
		t.Fatal("expected an error registering a handler for an unknown remote")
	}
}

func TestRegisterMessageHandlerRefusesOverwrite(t *testing.T) {
	ep := newTestEndpoint()
	remoteID := uuid.New()
	ep.remotes.GetOrCreate(remoteID, netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"))

	if err := ep.RegisterMessageHandler(remoteID, func(*Message) {}, true); err != nil {
		t.Fatalf("first RegisterMessageHandler: %v", err)
	}
	if err := ep.RegisterMessageHandler(remoteID, func(*Message) {}, true); err == nil {
		t.Fatal("expected an error overwriting an existing handler with a different function")
	}
}

func TestRegisterMessageHandlerSameFunctionSucceeds(t *testing.T) {
	ep := newTestEndpoint()
	remoteID := uuid.New()
	ep.remotes.GetOrCreate(remoteID, netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"))

	handler := func(*Message) {}
	if err := ep.RegisterMessageHandler(remoteID, handler, true); err != nil {
		t.Fatalf("first RegisterMessageHandler: %v", err)
	}
	if err := ep.RegisterMessageHandler(remoteID, handler, true); err != nil {
		t.Fatalf("re-registering the same function: %v", err)
	}
}

func TestRegisterMessageHandlerDisposesBufferedWhenNotHandled(t *testing.T) {
	ep := newTestEndpoint()
	remoteID := uuid.New()
	ep.remotes.GetOrCreate(remoteID, netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"))

	msg := ep.msgPool.Acquire(remoteID, ep.localID, ChannelReliableOrdered, 0)
	msg.Payload().Write([]byte("discarded"))
	ep.HandleMessage(remoteID, msg)

	var received []string
	if err := ep.RegisterMessageHandler(remoteID, func(msg *Message) {
		received = append(received, string(msg.Bytes()))
	}, false); err != nil {
		t.Fatalf("RegisterMessageHandler: %v", err)
	}

	if len(received) != 0 {
		t.Fatalf("received %v, want none (handleBuffered=false must dispose, not deliver)", received)
	}
}

func TestUnregisterMessageHandlerAllowsReRegistration(t *testing.T) {
	ep := newTestEndpoint()
	remoteID := uuid.New()
	ep.remotes.GetOrCreate(remoteID, netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"))

	if err := ep.RegisterMessageHandler(remoteID, func(*Message) {}, true); err != nil {
		t.Fatalf("RegisterMessageHandler: %v", err)
	}
	ep.UnregisterMessageHandler(remoteID)
	if err := ep.RegisterMessageHandler(remoteID, func(*Message) {}, true); err != nil {
		t.Fatalf("re-RegisterMessageHandler after unregister: %v", err)
	}
}

func TestSendMessageUnknownTargetReturnsFalse(t *testing.T) {
	ep := newTestEndpoint()
	msg := ep.NewMessage(uuid.New(), ChannelReliableOrdered, []byte("x"))
	if ep.SendMessage(ChannelReliableOrdered, msg) {
		t.Fatal("expected SendMessage to return false for an unconnected target")
	}
}

func TestSendMessageBroadcastWithNoConnectionsReturnsFalse(t *testing.T) {
	ep := newTestEndpoint()
	msg := ep.NewMessage(RemoteAll, ChannelReliableOrdered, []byte("x"))
	if ep.SendMessage(ChannelReliableOrdered, msg) {
		t.Fatal("expected broadcast SendMessage to return false with zero connections")
	}
}

func TestLifecycleEventsPublishStartedAndStopped(t *testing.T) {
	ep := newTestEndpoint()
	var events []LifecycleEvent
	ep.Subscribe(func(event LifecycleEvent, remote *Remote) {
		events = append(events, event)
	})
	ep.publish(EventStarted, nil)
	ep.Stop(false)

	if len(events) != 2 || events[0] != EventStarted || events[1] != EventStopped {
		t.Fatalf("events = %v, want [Started Stopped]", events)
	}
}

func TestLifecycleEventString(t *testing.T) {
	cases := map[LifecycleEvent]string{
		EventStarted:            "started",
		EventStopped:            "stopped",
		EventRemoteConnected:    "remote_connected",
		EventRemoteDisconnected: "remote_disconnected",
	}
	for event, want := range cases {
		if got := event.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(event), got, want)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	ep := newTestEndpoint()
	var stops int
	ep.Subscribe(func(event LifecycleEvent, remote *Remote) {
		if event == EventStopped {
			stops++
		}
	})
	ep.Stop(false)
	ep.Stop(false)
	if stops != 1 {
		t.Fatalf("Stopped published %d times, want 1", stops)
	}
}

func TestUnregisterConnectionClearsBufferedMessages(t *testing.T) {
	ep := newTestEndpoint()
	remoteID := uuid.New()
	remote := ep.remotes.GetOrCreate(remoteID, netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"))

	msg := ep.msgPool.Acquire(remoteID, ep.localID, ChannelReliableOrdered, 0)
	msg.Payload().Write([]byte("stale"))
	ep.HandleMessage(remoteID, msg)

	conn := newInertConnection(t, ep, remote, nil)
	ep.unregisterConnection(conn, CloseGraceful)

	ep.mu.RLock()
	_, stillBuffered := ep.pending[remoteID]
	ep.mu.RUnlock()
	if stillBuffered {
		t.Fatal("expected buffered messages to be cleared on disconnect")
	}

	var received []string
	if err := ep.RegisterMessageHandler(remoteID, func(msg *Message) {
		received = append(received, string(msg.Bytes()))
	}, true); err != nil {
		t.Fatalf("RegisterMessageHandler: %v", err)
	}
	if len(received) != 0 {
		t.Fatalf("received %v, want none (stale pre-disconnect messages must not reach a later handler)", received)
	}
}

func TestRegisterConnectionReplacesStaleEntry(t *testing.T) {
	ep := newTestEndpoint()
	remoteID := uuid.New()
	remote := ep.remotes.GetOrCreate(remoteID, netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2"))

	var closedReasons []CloseReason
	onClosed := func(c *Connection, r CloseReason) { closedReasons = append(closedReasons, r) }

	first := newInertConnection(t, ep, remote, onClosed)
	ep.registerConnection(first)

	second := newInertConnection(t, ep, remote, onClosed)
	ep.registerConnection(second)

	ep.mu.RLock()
	current := ep.connections[remoteID]
	ep.mu.RUnlock()
	if current != second {
		t.Fatal("expected the newer Connection to replace the stale one in the table")
	}
	if len(closedReasons) != 1 || closedReasons[0] != CloseReconnected {
		t.Fatalf("closedReasons = %v, want [CloseReconnected]", closedReasons)
	}
}
