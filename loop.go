package dbuspropcache

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Loop is the Go stand-in for a Qt thread running an event loop. A Loop owns
// a goroutine and a queue of posted functions; ThreadViews and the Handles
// bound to them are affine to exactly one Loop and must only be touched from
// the goroutine running that Loop.
//
// Loop mirrors the actor-per-goroutine pattern used elsewhere for D-Bus
// signal dispatch: a buffered channel drained by a single goroutine.
type Loop struct {
	queue     chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	started bool
	goID    int64
}

// NewLoop creates a Loop. Call Run to start draining posted work.
func NewLoop() *Loop {
	return &Loop{
		queue:   make(chan func(), 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Stopped returns a channel that is closed once Run has returned, letting a
// caller wait for the Loop's goroutine to actually finish rather than just
// for Close to have been requested.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Run drains the Loop's work queue on the calling goroutine until Close is
// called. Run captures the calling goroutine's id and the thread-affinity
// check (affine) compares against it.
func (l *Loop) Run() {
	l.mu.Lock()
	l.started = true
	l.goID = currentGoroutineID()
	l.mu.Unlock()
	defer close(l.stopped)

	for {
		select {
		case <-l.done:
			return
		case fn, ok := <-l.queue:
			if !ok {
				return
			}
			fn()
		}
	}
}

// Post enqueues fn to run on the Loop's goroutine. Post is safe to call from
// any goroutine, including the Loop's own. It returns false if the Loop is
// closed and fn will never run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Close stops Run and releases the Loop. Posting after Close is a no-op.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// affine reports whether the calling goroutine is the one running this Loop.
// Before Run has captured an id, every goroutine is considered affine, which
// matches the original's behavior of allowing synchronous initialize() calls
// from the constructing thread before the event loop has processed anything.
func (l *Loop) affine() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return true
	}
	return l.goID == currentGoroutineID()
}

// currentGoroutineID scrapes the calling goroutine's id out of its stack
// trace header ("goroutine 123 [running]:"). This is the standard
// stdlib-only trick for observing goroutine identity; Go deliberately
// exposes no supported API for it.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return -1
	}
	b = b[len(prefix):]
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
