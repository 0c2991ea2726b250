package linkmesh

import (
	"bytes"

	"github.com/google/uuid"
)

// Channel selects the delivery semantics for an outbound Message.
// It is meaningful only in-process: the wire frame never encodes it,
// since the transport that delivered a frame already tells the
// receiver which channel it arrived on.
type Channel int

const (
	// ChannelReliableOrdered routes a Message over the stream (TCP)
	// socket: ordered, retransmitted by the transport.
	ChannelReliableOrdered Channel = iota
	// ChannelUnreliableUnordered routes a Message over the datagram
	// (UDP) socket: best-effort, no reorder protection.
	ChannelUnreliableUnordered
)

func (c Channel) String() string {
	switch c {
	case ChannelReliableOrdered:
		return "reliable-ordered"
	case ChannelUnreliableUnordered:
		return "unreliable-unordered"
	default:
		return "unknown-channel"
	}
}

// PacketType classifies the payload carried by a frame.
type PacketType uint32

const (
	PacketInvalid        PacketType = 0
	PacketInitialization PacketType = 1
	PacketGeneric        PacketType = 2
	PacketHeartbeat      PacketType = 3
	PacketDisconnect     PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case PacketInvalid:
		return "invalid"
	case PacketInitialization:
		return "initialization"
	case PacketGeneric:
		return "generic"
	case PacketHeartbeat:
		return "heartbeat"
	case PacketDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// largeMessageThreshold is the payload size above which Dispose frees
// the backing buffer instead of retaining it for reuse (spec §3).
const largeMessageThreshold = 8 * 1024

// Message is a pooled, reusable envelope for one application payload.
// It is obtained from a MessagePool via acquire, filled by the
// producer, handed to a Socket (which transfers ownership for the
// duration of the send), and returned to the pool via Dispose once
// the transport or a handler is done with it.
//
// A disposed Message must not be touched again — it may be handed to
// a different producer by the very next acquire call.
type Message struct {
	Target  uuid.UUID // zero value (uuid.Nil) is invalid except as RemoteAll
	Source  uuid.UUID
	Channel Channel

	buf *bytes.Buffer // backing payload stream; owned by the pool

	pool *MessagePool
}

// Payload returns the message's backing buffer for the caller to read
// or write. It remains valid until Dispose is called.
func (m *Message) Payload() *bytes.Buffer {
	return m.buf
}

// Bytes returns the buffered payload bytes.
func (m *Message) Bytes() []byte {
	return m.buf.Bytes()
}

// Len returns the current payload length in bytes.
func (m *Message) Len() int {
	return m.buf.Len()
}

// Dispose returns the Message to the pool it was acquired from. It is
// a no-op (and safe) if the Message was constructed without a pool,
// e.g. in tests.
func (m *Message) Dispose() {
	if m.pool != nil {
		m.pool.release(m)
	}
}

// Packet wraps a Message with the PacketType under which it travels
// on the wire.
type Packet struct {
	Type    PacketType
	Message *Message
}
