package linkmesh

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CloseReason classifies why a Connection stopped (spec §4.8).
type CloseReason int

const (
	// CloseGraceful means either side initiated an orderly shutdown
	// (DISCONNECT packet, or a local Stop(graceful=true)). The only
	// reason that suppresses a Client's automatic reconnection.
	CloseGraceful CloseReason = iota
	// CloseTimeout means the heartbeat watchdog saw no heartbeat within
	// the disconnect threshold.
	CloseTimeout
	// CloseError means a socket reported a fatal I/O error.
	CloseError
	// CloseReconnected means this Connection was superseded by a fresh
	// one for the same remote id (spec §4.6: a Client establishing a
	// new Connection after a reconnect tears down any stale one).
	CloseReconnected
)

func (r CloseReason) String() string {
	switch r {
	case CloseGraceful:
		return "graceful"
	case CloseTimeout:
		return "timeout"
	case CloseError:
		return "error"
	case CloseReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// OnConnectionMessageFunc delivers one inbound GENERIC message.
type OnConnectionMessageFunc func(c *Connection, msg *Message)

// OnConnectionClosedFunc reports a Connection's terminal state.
type OnConnectionClosedFunc func(c *Connection, reason CloseReason)

// Connection binds one Remote to the pair of sockets carrying traffic
// to and from it (spec §4.5): a stream socket it always owns, and a
// datagram socket it either owns (Client) or shares with every other
// Connection on the same process (Server). It runs the heartbeat
// producer and the watchdog that declares the peer dead after
// sustained silence.
//
// Adapted from the teacher's transportPeer (transport.go) — one
// struct per remote bundling its sockets and per-peer goroutines —
// generalized from a single TCP peer connection to this spec's
// dual-channel, heartbeat-monitored peer.
type Connection struct {
	localID uuid.UUID
	Remote  *Remote

	stream   *Socket
	datagram *Socket
	sharedDatagram bool // true: datagram is the Server's shared socket, never disposed here

	cfg     connectionConfig
	msgPool *MessagePool
	metrics *Metrics

	onMessage OnConnectionMessageFunc
	onClosed  OnConnectionClosedFunc

	lastHeartbeatUnixNano atomic.Int64 // 0 == not yet initialized (spec §9 Open Question)

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewConnection builds a Connection around already-connected sockets
// and starts its heartbeat producer, watchdog, and the sockets'
// own I/O goroutines. stream is always Connection-owned; datagram is
// owned unless sharedDatagram is true.
func NewConnection(
	localID uuid.UUID,
	remote *Remote,
	stream, datagram *Socket,
	sharedDatagram bool,
	msgPool *MessagePool,
	metrics *Metrics,
	cfg connectionConfig,
	onMessage OnConnectionMessageFunc,
	onClosed OnConnectionClosedFunc,
) *Connection {
	c := &Connection{
		localID:        localID,
		Remote:         remote,
		stream:         stream,
		datagram:       datagram,
		sharedDatagram: sharedDatagram,
		cfg:            cfg,
		msgPool:        msgPool,
		metrics:        metrics,
		onMessage:      onMessage,
		onClosed:       onClosed,
		done:           make(chan struct{}),
	}

	stream.SetHandlers(
		func(pt PacketType, sender uuid.UUID, payload []byte) {
			c.handleIncoming(ChannelReliableOrdered, pt, payload)
		},
		nil, // handshake already completed before the Connection exists
		func(err error) { c.Close(CloseError) },
	)
	if !sharedDatagram {
		datagram.SetHandlers(
			func(pt PacketType, sender uuid.UUID, payload []byte) {
				c.handleIncoming(ChannelUnreliableUnordered, pt, payload)
			},
			nil,
			func(err error) { c.Close(CloseError) },
		)
		datagram.Start()
	}
	stream.Start()

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.watchdogLoop()

	return c
}

// HandleSharedDatagramFrame is called by a Server for a frame that
// arrived on the shared datagram socket and was demultiplexed (by
// sender id) to this Connection.
func (c *Connection) HandleSharedDatagramFrame(pt PacketType, payload []byte) {
	c.handleIncoming(ChannelUnreliableUnordered, pt, payload)
}

func (c *Connection) handleIncoming(channel Channel, pt PacketType, payload []byte) {
	switch pt {
	case PacketGeneric:
		msg := c.msgPool.Acquire(c.Remote.ID, c.localID, channel, len(payload))
		msg.Payload().Write(payload)
		if c.onMessage != nil {
			c.onMessage(c, msg)
		} else {
			msg.Dispose()
		}
	case PacketHeartbeat:
		c.lastHeartbeatUnixNano.Store(time.Now().UnixNano())
	case PacketDisconnect:
		c.Close(CloseGraceful)
	case PacketInitialization:
		// A stray repeat handshake after the Connection is already
		// established; the peer's identity and endpoints cannot change
		// mid-connection, so it is simply ignored.
	default:
		slog.Warn("linkmesh: dropped packet of unrecognized type", "remote", c.Remote.ID, "type", pt)
	}
}

// Send routes msg over the socket matching channel: the stream socket
// for ChannelReliableOrdered, the datagram socket for
// ChannelUnreliableUnordered. Channel is a plain int, so any other
// value can be passed; that is a programming error and panics.
func (c *Connection) Send(channel Channel, pt PacketType, msg *Message) error {
	switch channel {
	case ChannelReliableOrdered:
		return c.stream.SendAsync(pt, msg, c.Remote.StreamEndpoint)
	case ChannelUnreliableUnordered:
		return c.datagram.SendAsync(pt, msg, c.Remote.DatagramEndpoint)
	default:
		panic(fmt.Sprintf("linkmesh: invalid channel %d", channel))
	}
}

func (c *Connection) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			msg := c.msgPool.Acquire(c.localID, c.Remote.ID, ChannelUnreliableUnordered, 0)
			if err := c.Send(ChannelUnreliableUnordered, PacketHeartbeat, msg); err != nil {
				slog.Debug("linkmesh: heartbeat send failed", "remote", c.Remote.ID, "error", err)
			} else if c.metrics != nil {
				c.metrics.heartbeatsSent.Add(1)
			}
		case <-c.done:
			return
		}
	}
}

// watchdogLoop polls at cfg.watchdogCheckPeriod and closes the
// Connection with CloseTimeout once cfg.disconnectThreshold elapses
// without a heartbeat. The first tick only seeds lastHeartbeatUnixNano
// rather than comparing against it — a Connection that happens to be
// constructed moments before the very first heartbeat arrives must not
// be torn down for a threshold it was never actually silent for.
func (c *Connection) watchdogLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.watchdogCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := c.lastHeartbeatUnixNano.Load()
			if last == 0 {
				c.lastHeartbeatUnixNano.Store(time.Now().UnixNano())
				continue
			}
			if time.Since(time.Unix(0, last)) > c.cfg.disconnectThreshold {
				if c.metrics != nil {
					c.metrics.watchdogTimeouts.Add(1)
				}
				c.Close(CloseTimeout)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the Connection down: stops the heartbeat/watchdog
// goroutines, closes the stream socket always, closes the datagram
// socket only if this Connection owns it, and reports reason exactly
// once via onClosed. Idempotent.
func (c *Connection) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.stream.Close()
		if !c.sharedDatagram {
			_ = c.datagram.Close()
		}
		if c.onClosed != nil {
			c.onClosed(c, reason)
		}
	})
}

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Wait blocks until the Connection's own goroutines (heartbeat,
// watchdog) and its owned sockets' goroutines have all exited. It
// does not wait on a shared datagram socket, which outlives any one
// Connection.
func (c *Connection) Wait() {
	c.wg.Wait()
	c.stream.Wait()
	if !c.sharedDatagram {
		c.datagram.Wait()
	}
}
