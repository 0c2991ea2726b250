package linkmesh

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
)

// MessagePool is a concurrency-safe free list of Message objects.
// Adapted from the teacher's sync.Pool-backed actorForwardPool /
// recyclePayload (transport_message.go), generalized from pooling two
// fixed struct types to pooling Message objects together with their
// retained backing buffer.
type MessagePool struct {
	pool sync.Pool
}

// NewMessagePool creates an empty MessagePool.
func NewMessagePool() *MessagePool {
	mp := &MessagePool{}
	mp.pool.New = func() any {
		return &Message{buf: &bytes.Buffer{}}
	}
	return mp
}

// Acquire returns a Message addressed to target from source, tagged
// with channel, whose payload buffer has at least expectedSize bytes
// of spare capacity and zero length. The returned Message belongs to
// this pool: Dispose returns it here.
func (mp *MessagePool) Acquire(source, target uuid.UUID, channel Channel, expectedSize int) *Message {
	m := mp.pool.Get().(*Message)
	m.Source = source
	m.Target = target
	m.Channel = channel
	m.pool = mp
	m.buf.Reset()
	if expectedSize > 0 {
		m.buf.Grow(expectedSize)
	}
	return m
}

// release truncates or frees the Message's backing buffer per spec
// §3 (payloads over largeMessageThreshold free their buffer; smaller
// ones are retained at zero length) and returns the Message to the
// pool. Called only from Message.Dispose.
func (mp *MessagePool) release(m *Message) {
	if m.buf.Cap() > largeMessageThreshold {
		m.buf = &bytes.Buffer{}
	} else {
		m.buf.Reset()
	}
	m.Target = uuid.Nil
	m.Source = uuid.Nil
	mp.pool.Put(m)
}
