package linkmesh

import (
	"sync/atomic"
	"time"
)

// coarseNow is a cached Unix timestamp updated every 500ms by a background
// goroutine. Used in place of time.Now() on the per-frame write-deadline
// refresh in a stream socket's writeLoop to avoid a clock syscall on every
// frame written. The value has whole-second resolution and may be up to
// 500ms stale, so a deadline built on it can fall up to about 1.5s short
// of the 10s send timeout it backs; that timeout tolerates the slop.
var coarseNow atomic.Int64

func init() {
	coarseNow.Store(time.Now().Unix())
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		for range ticker.C {
			coarseNow.Store(time.Now().Unix())
		}
	}()
}
