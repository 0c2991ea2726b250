package linkmesh

import (
	"fmt"
	"net/netip"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// LifecycleEvent names one of the events a NetworkEndpoint publishes
// to subscribers (spec §9 Design Notes).
type LifecycleEvent int

const (
	EventStarted LifecycleEvent = iota
	EventStopped
	EventRemoteConnected
	EventRemoteDisconnected
)

func (e LifecycleEvent) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventRemoteConnected:
		return "remote_connected"
	case EventRemoteDisconnected:
		return "remote_disconnected"
	default:
		return "unknown_event"
	}
}

// LifecycleListener is notified of a NetworkEndpoint's lifecycle
// events. remote is nil for Started/Stopped.
type LifecycleListener func(event LifecycleEvent, remote *Remote)

// MessageHandler is the application callback registered per remote id
// (spec §4.4 "Handler Table"). Exactly one handler may be registered
// per remote at a time.
type MessageHandler func(msg *Message)

// NetworkEndpoint is the base shared by Client and Server (spec §4.4):
// the remote registry, the per-remote handler table, the per-remote
// buffered-message queues that hold traffic arriving before a handler
// is registered, the active Connections, and the handshake/lifecycle
// plumbing common to both connection roles.
//
// Adapted from the teacher's Host (host.go, now retired) — the shared
// registry-plus-dispatch base beneath ActorHost's cluster role —
// generalized from actor placement to remote connection management.
type NetworkEndpoint struct {
	localID uuid.UUID
	cfg     endpointConfig

	remotes   *RemoteRegistry
	bufPool   *BufferPool
	msgPool   *MessagePool
	executor  Executor
	adminSrv  *AdminServer
	metrics   *Metrics

	mu          sync.RWMutex
	connections map[uuid.UUID]*Connection
	handlers    map[uuid.UUID]MessageHandler
	pending     map[uuid.UUID]*RingBuffer[*Message]

	listenersMu sync.RWMutex
	listeners   []LifecycleListener

	ownsExecutor bool // true: Stop must shut the default ChannelExecutor down itself
	stopped      atomic.Bool
}

func newNetworkEndpoint(localID uuid.UUID, cfg endpointConfig, executor Executor) *NetworkEndpoint {
	ownsExecutor := executor == nil
	if ownsExecutor {
		// A production default must preserve invariant 6 (in-order,
		// non-overlapping per-remote handler delivery); GoExecutor's bare
		// `go fn()` gives neither, so ChannelExecutor's single
		// draining goroutine is the default rather than an opt-in.
		executor = NewChannelExecutor(cfg.initialQueueDepth)
	}
	metrics := NewMetrics()
	ep := &NetworkEndpoint{
		localID:      localID,
		cfg:          cfg,
		remotes:      NewRemoteRegistry(),
		bufPool:      NewBufferPool(),
		msgPool:      NewMessagePool(),
		executor:     executor,
		metrics:      metrics,
		connections:  make(map[uuid.UUID]*Connection),
		handlers:     make(map[uuid.UUID]MessageHandler),
		pending:      make(map[uuid.UUID]*RingBuffer[*Message]),
		ownsExecutor: ownsExecutor,
	}
	metrics.connectionCountFn = func() int {
		ep.mu.RLock()
		defer ep.mu.RUnlock()
		return len(ep.connections)
	}

	if cfg.adminListenAddr != "" {
		ep.adminSrv = NewAdminServer(cfg.adminListenAddr, ep, metrics)
		ep.adminSrv.Start()
	}
	return ep
}

// Subscribe registers fn to be called for every lifecycle event this
// endpoint publishes.
func (ep *NetworkEndpoint) Subscribe(fn LifecycleListener) {
	ep.listenersMu.Lock()
	defer ep.listenersMu.Unlock()
	ep.listeners = append(ep.listeners, fn)
}

func (ep *NetworkEndpoint) publish(event LifecycleEvent, remote *Remote) {
	ep.listenersMu.RLock()
	defer ep.listenersMu.RUnlock()
	for _, l := range ep.listeners {
		l(event, remote)
	}
}

// RegisterMessageHandler installs fn as the handler for remoteID. Any
// messages already buffered for remoteID are either delivered to fn
// through the endpoint's Executor, in arrival order, when
// handleBuffered is true, or disposed when it is false (spec §4.4:
// "each buffered message is either delivered to the new callback (if
// handle_buffered) or disposed").
//
// Registering for RemoteAll or for an unknown remote is refused.
// Overwriting an existing handler is refused unless fn is the same
// function already registered (compared by code pointer, since Go
// func values are otherwise not comparable), in which case this call
// is a no-op success.
func (ep *NetworkEndpoint) RegisterMessageHandler(remoteID uuid.UUID, fn MessageHandler, handleBuffered bool) error {
	if remoteID == RemoteAll {
		return fmt.Errorf("linkmesh: cannot register a handler for RemoteAll")
	}
	if fn == nil {
		return fmt.Errorf("linkmesh: handler must not be nil")
	}
	if ep.remotes.Get(remoteID) == nil {
		return fmt.Errorf("linkmesh: unknown remote %s", remoteID)
	}

	ep.mu.Lock()
	if existing, exists := ep.handlers[remoteID]; exists {
		if reflect.ValueOf(existing).Pointer() != reflect.ValueOf(fn).Pointer() {
			ep.mu.Unlock()
			return fmt.Errorf("linkmesh: a handler is already registered for remote %s", remoteID)
		}
		ep.mu.Unlock()
		return nil
	}
	ep.handlers[remoteID] = fn
	queue := ep.pending[remoteID]
	delete(ep.pending, remoteID)
	ep.mu.Unlock()

	if queue == nil {
		return nil
	}
	buffered := queue.DrainAll()
	if handleBuffered {
		for _, msg := range buffered {
			m := msg
			ep.executor.Post(func() { fn(m) })
		}
	} else {
		for _, msg := range buffered {
			msg.Dispose()
		}
	}
	return nil
}

// UnregisterMessageHandler removes remoteID's handler, if any. Later
// arrivals buffer again until a new handler is registered.
func (ep *NetworkEndpoint) UnregisterMessageHandler(remoteID uuid.UUID) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.handlers, remoteID)
}

// HandleMessage is the Connection-facing entry point for one inbound
// GENERIC message: dispatch to a registered handler via the Executor,
// or buffer it if none is registered yet.
func (ep *NetworkEndpoint) HandleMessage(sourceID uuid.UUID, msg *Message) {
	ep.metrics.messagesReceived.Add(1)
	ep.metrics.bytesReceived.Add(int64(msg.Len()))

	ep.mu.RLock()
	fn, ok := ep.handlers[sourceID]
	ep.mu.RUnlock()

	if ok {
		ep.executor.Post(func() { fn(msg) })
		return
	}

	ep.mu.Lock()
	queue, ok := ep.pending[sourceID]
	if !ok {
		queue = NewRingBuffer[*Message](ep.cfg.initialQueueDepth)
		ep.pending[sourceID] = queue
	}
	ep.mu.Unlock()
	queue.Write(msg)
}

// NewMessage acquires a pooled Message from localID, addressed to
// target on channel, and copies payload into it. A convenience
// wrapper over MessagePool.Acquire for callers outside this package
// that don't otherwise touch MessagePool directly.
func (ep *NetworkEndpoint) NewMessage(target uuid.UUID, channel Channel, payload []byte) *Message {
	msg := ep.msgPool.Acquire(ep.localID, target, channel, len(payload))
	msg.Payload().Write(payload)
	return msg
}

// SendMessage sends msg over channel to msg.Target. RemoteAll fans
// out to every currently connected remote (map iteration order,
// intentionally unspecified — spec §9 Design Notes accepts this).
// Always asynchronous. Returns false (and disposes msg) if the target
// is neither RemoteAll nor a currently connected remote.
func (ep *NetworkEndpoint) SendMessage(channel Channel, msg *Message) bool {
	target := msg.Target

	if target == RemoteAll {
		ep.mu.RLock()
		conns := make([]*Connection, 0, len(ep.connections))
		for _, c := range ep.connections {
			conns = append(conns, c)
		}
		ep.mu.RUnlock()

		if len(conns) == 0 {
			msg.Dispose()
			return false
		}
		for i, c := range conns {
			m := msg
			if i < len(conns)-1 {
				m = ep.msgPool.Acquire(msg.Source, c.Remote.ID, channel, msg.Len())
				m.Payload().Write(msg.Bytes())
			} else {
				m.Target = c.Remote.ID
			}
			ep.sendVia(c, channel, m)
		}
		return true
	}

	ep.mu.RLock()
	c, ok := ep.connections[target]
	ep.mu.RUnlock()
	if !ok {
		msg.Dispose()
		return false
	}
	ep.sendVia(c, channel, msg)
	return true
}

func (ep *NetworkEndpoint) sendVia(c *Connection, channel Channel, msg *Message) {
	ep.metrics.messagesSent.Add(1)
	ep.metrics.bytesSent.Add(int64(msg.Len()))
	if err := c.Send(channel, PacketGeneric, msg); err != nil {
		ep.metrics.sendErrors.Add(1)
	}
}

// registerConnection adds c to the live-connection table (closing any
// previous Connection for the same remote with CloseReconnected) and
// publishes RemoteConnected. Removing the entry again is left to c's
// close callback, which Client and Server supply to NewConnection and
// which calls unregisterConnection.
func (ep *NetworkEndpoint) registerConnection(c *Connection) {
	ep.mu.Lock()
	if old, exists := ep.connections[c.Remote.ID]; exists {
		ep.mu.Unlock()
		old.Close(CloseReconnected)
		ep.mu.Lock()
	}
	ep.connections[c.Remote.ID] = c
	ep.mu.Unlock()

	ep.metrics.handshakesCompleted.Add(1)
	ep.publish(EventRemoteConnected, c.Remote)
}

func (ep *NetworkEndpoint) unregisterConnection(c *Connection, reason CloseReason) {
	ep.mu.Lock()
	if cur, ok := ep.connections[c.Remote.ID]; ok && cur == c {
		delete(ep.connections, c.Remote.ID)
	}
	queue := ep.pending[c.Remote.ID]
	delete(ep.pending, c.Remote.ID)
	ep.mu.Unlock()
	disposeQueue(queue)
	if reason != CloseReconnected {
		ep.publish(EventRemoteDisconnected, c.Remote)
	}
}

// disposeQueue drains queue (if non-nil) and disposes every buffered
// Message, satisfying invariant 2 (every acquired Message disposed
// exactly once) on the disconnect-with-no-handler path.
func disposeQueue(queue *RingBuffer[*Message]) {
	if queue == nil {
		return
	}
	for _, msg := range queue.DrainAll() {
		msg.Dispose()
	}
}

// doHandshake builds and synchronously sends the INITIALIZATION
// packet over a freshly connected stream socket (spec §4.4).
func doHandshake(stream *Socket, localID uuid.UUID, msgPool *MessagePool, streamEP, dgramEP netip.AddrPort) error {
	body := handshakeBody{
		Version:  ProtocolVersion,
		SenderID: localID,
		Stream:   streamEP,
		Datagram: dgramEP,
	}
	payload, err := encodeHandshake(body)
	if err != nil {
		return fmt.Errorf("linkmesh: encode handshake: %w", err)
	}
	msg := msgPool.Acquire(localID, uuid.Nil, ChannelReliableOrdered, len(payload))
	msg.Payload().Write(payload)
	return stream.SendSync(PacketInitialization, msg, netip.AddrPort{})
}

// Stop tears the endpoint down: if graceful, sends DISCONNECT to every
// live connection first; then closes every connection, clears all
// endpoint state, stops the admin server (if any), and publishes
// Stopped. Idempotent.
func (ep *NetworkEndpoint) Stop(graceful bool) {
	if !ep.stopped.CompareAndSwap(false, true) {
		return
	}

	ep.mu.RLock()
	conns := make([]*Connection, 0, len(ep.connections))
	for _, c := range ep.connections {
		conns = append(conns, c)
	}
	ep.mu.RUnlock()

	for _, c := range conns {
		if graceful {
			msg := ep.msgPool.Acquire(ep.localID, c.Remote.ID, ChannelReliableOrdered, 0)
			_ = c.stream.SendSync(PacketDisconnect, msg, c.Remote.StreamEndpoint)
		}
		c.Close(CloseGraceful)
	}

	ep.mu.Lock()
	ep.connections = make(map[uuid.UUID]*Connection)
	ep.handlers = make(map[uuid.UUID]MessageHandler)
	pending := ep.pending
	ep.pending = make(map[uuid.UUID]*RingBuffer[*Message])
	ep.mu.Unlock()
	for _, queue := range pending {
		disposeQueue(queue)
	}
	ep.remotes.Clear()

	if ep.adminSrv != nil {
		ep.adminSrv.Stop()
	}
	if ep.ownsExecutor {
		if stopper, ok := ep.executor.(interface{ Stop() }); ok {
			stopper.Stop()
		}
	}

	ep.publish(EventStopped, nil)
}
