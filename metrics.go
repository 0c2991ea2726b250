package linkmesh

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique expvar name prefixes across endpoints,
// so multiple Client/Server instances in the same process (common in
// tests) don't collide trying to publish the same variable name twice.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for one NetworkEndpoint. All
// counters are lock-free (atomic int64) and published to expvar under
// a "linkmesh.<n>." prefix for inspection via /debug/vars.
//
// Adapted from the teacher's Metrics (metrics.go), generalized from
// actor-cluster counters (activations, placement cache, schedules) to
// this spec's connection-lifecycle and traffic counters.
type Metrics struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	sendErrors       atomic.Int64

	handshakesCompleted atomic.Int64
	handshakesRefused   atomic.Int64
	reconnectAttempts   atomic.Int64

	heartbeatsSent   atomic.Int64
	watchdogTimeouts atomic.Int64

	// connectionCountFn returns the current number of live Connections.
	// Set by NetworkEndpoint at construction.
	connectionCountFn func() int
}

// NewMetrics creates a Metrics instance and publishes all counters to
// expvar under a unique prefix.
func NewMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "linkmesh." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("messages_sent", atomicVar(&m.messagesSent))
	publish("messages_received", atomicVar(&m.messagesReceived))
	publish("bytes_sent", atomicVar(&m.bytesSent))
	publish("bytes_received", atomicVar(&m.bytesReceived))
	publish("send_errors", atomicVar(&m.sendErrors))
	publish("handshakes_completed", atomicVar(&m.handshakesCompleted))
	publish("handshakes_refused", atomicVar(&m.handshakesRefused))
	publish("reconnect_attempts", atomicVar(&m.reconnectAttempts))
	publish("heartbeats_sent", atomicVar(&m.heartbeatsSent))
	publish("watchdog_timeouts", atomicVar(&m.watchdogTimeouts))
	publish("connections_active", expvar.Func(func() any {
		if m.connectionCountFn != nil {
			return m.connectionCountFn()
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON
// serialization by AdminServer.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"messages_sent":        m.messagesSent.Load(),
		"messages_received":    m.messagesReceived.Load(),
		"bytes_sent":           m.bytesSent.Load(),
		"bytes_received":       m.bytesReceived.Load(),
		"send_errors":          m.sendErrors.Load(),
		"handshakes_completed": m.handshakesCompleted.Load(),
		"handshakes_refused":   m.handshakesRefused.Load(),
		"reconnect_attempts":   m.reconnectAttempts.Load(),
		"heartbeats_sent":      m.heartbeatsSent.Load(),
		"watchdog_timeouts":    m.watchdogTimeouts.Load(),
	}
	if m.connectionCountFn != nil {
		snap["connections_active"] = int64(m.connectionCountFn())
	}
	return snap
}
