// Package locker provides the lock implementations the failure detector can
// run with. Anything satisfying sync.Locker works; the two flavours here cover
// goroutines parked by the runtime (Mutex) and cooperative busy-waiting that
// yields the processor between attempts (Yielding).
package locker

import (
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	_ sync.Locker = (*Yielding)(nil)
	_ sync.Locker = (*sync.Mutex)(nil)
)

// NewMutex returns a regular runtime mutex.
func NewMutex() sync.Locker {
	return &sync.Mutex{}
}

// Yielding is a spin lock that calls runtime.Gosched between acquisition
// attempts. The zero value is unlocked.
type Yielding struct {
	state int32
}

func (l *Yielding) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		runtime.Gosched()
	}
}

func (l *Yielding) Unlock() {
	if !atomic.CompareAndSwapInt32(&l.state, 1, 0) {
		panic("locker: unlock of unlocked lock")
	}
}
