package linkmesh

// Executor runs a callback on whatever thread of execution the
// embedding application considers "foreground" (spec §4.4, §9 Design
// Notes). NetworkEndpoint never calls a registered message handler
// directly from a socket's receive goroutine; it always routes through
// an Executor, so handler code never has to be goroutine-safe against
// arbitrary concurrent sockets.
type Executor interface {
	Post(fn func())
}

// InlineExecutor runs fn synchronously, on the calling goroutine. It
// is the Executor a test harness uses when it wants handler
// invocation to be deterministic and immediately observable (spec §9:
// "a synchronous test implementation").
type InlineExecutor struct{}

// Post implements Executor by calling fn immediately.
func (InlineExecutor) Post(fn func()) { fn() }

// GoExecutor runs fn on its own new goroutine. Message handlers never
// block a socket's receive loop, but with no ordering or non-overlap
// guarantee across Post calls it does not satisfy invariant 6
// (in-order, non-overlapping per-remote delivery) and so is not the
// production default; WithExecutor(GoExecutor{}) opts back into it for
// callers that don't need ordering.
type GoExecutor struct{}

// Post implements Executor by spawning fn in a new goroutine.
func (GoExecutor) Post(fn func()) { go fn() }

// ChannelExecutor posts fn onto a bounded work queue drained by a
// single goroutine, giving callers FIFO handler ordering without the
// unbounded goroutine fan-out of GoExecutor. Grounded on the teacher's
// dispatch-worker channel pattern (transport.go's SetDispatchWorkers /
// dispatch loop), generalized from N worker goroutines pulling off one
// channel to exactly one, since spec invariant 6 requires in-order
// delivery per remote.
type ChannelExecutor struct {
	queue chan func()
	done  chan struct{}
}

// NewChannelExecutor creates a ChannelExecutor with the given queue
// depth and starts its draining goroutine.
func NewChannelExecutor(queueDepth int) *ChannelExecutor {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	e := &ChannelExecutor{
		queue: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *ChannelExecutor) run() {
	for {
		select {
		case fn := <-e.queue:
			fn()
		case <-e.done:
			return
		}
	}
}

// Post enqueues fn, blocking if the queue is currently full.
func (e *ChannelExecutor) Post(fn func()) {
	select {
	case e.queue <- fn:
	case <-e.done:
	}
}

// Stop halts the draining goroutine. Queued-but-undrained callbacks
// are discarded.
func (e *ChannelExecutor) Stop() {
	close(e.done)
}
