package dbuspropcache

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/dbuspropcache/internal/logging"
)

const (
	// DefaultIdleCapacity is the number of recently-unreferenced backends kept
	// alive, in case they're needed again, before the oldest is torn down.
	DefaultIdleCapacity = 5

	// OwnerAppearedRetryDelay is how long the backend waits after a service
	// gains an owner before issuing GetAll, to give the service a moment to
	// finish starting up.
	OwnerAppearedRetryDelay = 50 * time.Millisecond

	// DefaultWorkerShutdownTimeout bounds how long ShutdownWorker waits for
	// the shared worker Loop to drain before giving up.
	DefaultWorkerShutdownTimeout = 5 * time.Second
)

var (
	workerMu    sync.Mutex
	workerLoop  *Loop
	workerStart sync.Once
)

// ownerAppearedRetryDelayNs and workerShutdownTimeoutNs back
// SetOwnerAppearedRetryDelay/SetWorkerShutdownTimeout, letting
// internal/config's Duration-typed overrides take effect without every
// reader taking a lock.
var (
	ownerAppearedRetryDelayNs = int64(OwnerAppearedRetryDelay)
	workerShutdownTimeoutNs   = int64(DefaultWorkerShutdownTimeout)
)

// SetOwnerAppearedRetryDelay overrides the delay onOwnerChanged waits after
// a service gains an owner before retrying GetAll. Defaults to
// OwnerAppearedRetryDelay.
func SetOwnerAppearedRetryDelay(d time.Duration) {
	atomic.StoreInt64(&ownerAppearedRetryDelayNs, int64(d))
}

func ownerAppearedRetryDelay() time.Duration {
	return time.Duration(atomic.LoadInt64(&ownerAppearedRetryDelayNs))
}

// SetWorkerShutdownTimeout overrides how long ShutdownWorker waits for idle
// backends to finish tearing down and the worker Loop to stop before giving
// up. Defaults to DefaultWorkerShutdownTimeout.
func SetWorkerShutdownTimeout(d time.Duration) {
	atomic.StoreInt64(&workerShutdownTimeoutNs, int64(d))
}

func workerShutdownTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&workerShutdownTimeoutNs))
}

// ensureWorker lazily starts the package-wide worker Loop that every backend
// runs on, mirroring the original's lazily-started, process-wide backendThread.
func ensureWorker() *Loop {
	workerMu.Lock()
	defer workerMu.Unlock()
	if workerLoop == nil {
		workerLoop = NewLoop()
		go workerLoop.Run()
	}
	return workerLoop
}

// ShutdownWorker tears down every idle backend, signals the shared worker
// Loop to stop, and waits up to the configured shutdown timeout for both the
// drain and the stop to finish — mirroring the original's
// cleanupBackendThread, which clears the unused-backend cache before
// joining the worker thread with a bounded wait. It is intended for tests
// and clean process exit; a new call to acquireBackend restarts the worker.
func ShutdownWorker() {
	registry.mu.Lock()
	idle := registry.idle
	registry.idle = nil
	registry.mu.Unlock()

	workerMu.Lock()
	l := workerLoop
	workerLoop = nil
	workerMu.Unlock()
	if l == nil {
		return
	}

	deadline := time.Now().Add(workerShutdownTimeout())

	drained := make(chan struct{})
	go func() {
		for _, b := range idle {
			l.Post(b.teardown)
		}
		l.Post(func() { close(drained) })
	}()
	select {
	case <-drained:
	case <-time.After(time.Until(deadline)):
	}

	l.Close()
	select {
	case <-l.Stopped():
	case <-time.After(time.Until(deadline)):
	}
}

var registry = struct {
	mu   sync.Mutex
	live map[key]*backend
	idle []*backend // most-recently-released first
}{live: make(map[key]*backend)}

// acquireBackend returns the shared backend for target, creating it if
// necessary, and increments its reference count. Callers must call
// releaseBackend when done.
func acquireBackend(target Target) *backend {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if b, ok := registry.live[target.key()]; ok {
		b.refs++
		return b
	}

	for i, b := range registry.idle {
		if b.target.key() == target.key() {
			registry.idle = append(registry.idle[:i], registry.idle[i+1:]...)
			b.refs = 1
			registry.live[target.key()] = b
			return b
		}
	}

	b := newBackend(target)
	b.refs = 1
	registry.live[target.key()] = b
	loop := ensureWorker()
	loop.Post(b.load)
	return b
}

// releaseBackend decrements target's backend's reference count. At zero, the
// backend is moved to the idle list rather than torn down immediately, so a
// subsequent acquireBackend for the same target can reuse it without a fresh
// D-Bus round-trip.
func releaseBackend(b *backend) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	b.refs--
	if b.refs > 0 {
		return
	}
	delete(registry.live, b.target.key())

	registry.idle = append([]*backend{b}, registry.idle...)
	for len(registry.idle) > DefaultIdleCapacity {
		evicted := registry.idle[len(registry.idle)-1]
		registry.idle = registry.idle[:len(registry.idle)-1]
		if l := ensureWorker(); l != nil {
			l.Post(evicted.teardown)
		}
	}
}

// testBackendsEmpty reports whether the live registry is empty, for tests.
func testBackendsEmpty() bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.live) == 0
}

// testClearIdle tears down every idle backend, for tests.
func testClearIdle() {
	registry.mu.Lock()
	idle := registry.idle
	registry.idle = nil
	registry.mu.Unlock()
	l := ensureWorker()
	for _, b := range idle {
		l.Post(b.teardown)
	}
}

// backend holds the authoritative, process-wide state for one Target. All
// mutation happens on the shared worker Loop; data is guarded by mu so other
// goroutines (ThreadView construction) can take a consistent snapshot.
type backend struct {
	target Target
	refs   int // guarded by registry.mu

	mu         sync.Mutex
	properties map[string]dbus.Variant
	err        *Error
	available  bool

	subMu       sync.Mutex
	subscribers map[*threadView]struct{}

	pendingLoad   bool
	loadGen       uint64
	signals       chan *dbus.Signal
	closed        chan struct{}
	watcherActive bool
}

func newBackend(target Target) *backend {
	return &backend{
		target:      target,
		properties:  map[string]dbus.Variant{},
		subscribers: map[*threadView]struct{}{},
		signals:     make(chan *dbus.Signal, 16),
		closed:      make(chan struct{}),
	}
}

// propertiesTarget is this backend's target rewritten to
// org.freedesktop.DBus.Properties, matching propertiesTarget() in the original.
func (b *backend) propertiesTarget() Target {
	return b.target.WithInterface(propertiesInterface)
}

// subscribe registers tv to receive reset/change notifications. It returns
// the current snapshot, taken under the same lock, so the caller's initial
// state is consistent with what it will be notified about from here on.
func (b *backend) subscribe(tv *threadView) (properties map[string]dbus.Variant, err *Error, available bool) {
	b.mu.Lock()
	properties = cloneProperties(b.properties)
	err = b.err
	available = b.available
	b.mu.Unlock()

	b.subMu.Lock()
	b.subscribers[tv] = struct{}{}
	b.subMu.Unlock()
	return
}

func (b *backend) unsubscribe(tv *threadView) {
	b.subMu.Lock()
	delete(b.subscribers, tv)
	b.subMu.Unlock()
}

func (b *backend) notifyReset(properties map[string]dbus.Variant, err *Error) {
	b.subMu.Lock()
	subs := make([]*threadView, 0, len(b.subscribers))
	for tv := range b.subscribers {
		subs = append(subs, tv)
	}
	b.subMu.Unlock()

	for _, tv := range subs {
		tv := tv
		tv.loop.Post(func() { tv.onReset(cloneProperties(properties), err) })
	}
}

func (b *backend) notifyChange(values map[string]dbus.Variant) {
	b.subMu.Lock()
	subs := make([]*threadView, 0, len(b.subscribers))
	for tv := range b.subscribers {
		subs = append(subs, tv)
	}
	b.subMu.Unlock()

	for _, tv := range subs {
		tv := tv
		tv.loop.Post(func() { tv.onChange(cloneProperties(values)) })
	}
}

// load issues GetAll, wiring the owner-watch and PropertiesChanged
// subscriptions the first time it runs. Must run on the worker Loop.
//
// A Target with an empty service, path, or interface refuses to load rather
// than dialing the bus with those empty strings: it resets straight to
// errInvalidTarget, matching the original's is_valid() guard.
func (b *backend) load() {
	if b.pendingLoad {
		return
	}
	if !b.target.IsValid() {
		logging.Default.LoadFailed(context.Background(), b.target.String(), KindInvalidTarget.String(), errInvalidTarget())
		b.doReset(nil, errInvalidTarget())
		return
	}
	b.pendingLoad = true
	b.loadGen++
	gen := b.loadGen
	logging.Default.LoadAttempt(context.Background(), b.target.String())

	if !b.watcherActive {
		b.watcherActive = true
		b.startWatching()
	}

	conn := b.target.Bus()
	msg := b.propertiesTarget().CreateMethodCall("GetAll", b.target.Interface())
	go func() {
		var result map[string]dbus.Variant
		call := conn.SendWithContext(context.Background(), msg, make(chan *dbus.Call, 1))
		reply := <-call.Done
		var loadErr error
		if reply.Err != nil {
			loadErr = reply.Err
		} else if err := reply.Store(&result); err != nil {
			loadErr = err
		}
		ensureWorker().Post(func() { b.loadReply(gen, result, loadErr) })
	}()
}

func (b *backend) loadReply(gen uint64, values map[string]dbus.Variant, loadErr error) {
	if gen != b.loadGen {
		return // superseded by a newer load (owner changed mid-flight)
	}
	b.pendingLoad = false

	if loadErr != nil {
		cacheErr := newErrorFromDBus(loadErr)
		logging.Default.LoadFailed(context.Background(), b.target.String(), cacheErr.Kind.String(), loadErr)
		b.doReset(nil, cacheErr)
		return
	}
	logging.Default.LoadSucceeded(context.Background(), b.target.String(), len(values))
	b.doReset(values, nil)
}

// startWatching subscribes to NameOwnerChanged for this target's service and
// PropertiesChanged for this target's path/interface, dispatching both on a
// single signal channel the way clientTracker/signalForwarder do.
func (b *backend) startWatching() {
	conn := b.target.Bus()
	_ = conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchArg(0, b.target.Service()),
	)
	_ = conn.AddMatchSignal(
		dbus.WithMatchObjectPath(b.target.Path()),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg0Namespace(b.target.Interface()),
	)
	conn.Signal(b.signals)
	go b.dispatchSignals()
}

func (b *backend) dispatchSignals() {
	for {
		select {
		case <-b.closed:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			sig := sig
			ensureWorker().Post(func() { b.handleSignal(sig) })
		}
	}
}

func (b *backend) handleSignal(sig *dbus.Signal) {
	// The connection delivers every matched signal to every backend sharing
	// it, so keep only those addressed to this backend's target.
	switch sig.Name {
	case "org.freedesktop.DBus.NameOwnerChanged":
		if len(sig.Body) > 0 && sig.Body[0] == b.target.Service() {
			b.onOwnerChanged(sig)
		}
	case propertiesInterface + ".PropertiesChanged":
		if sig.Path == b.target.Path() && len(sig.Body) > 0 && sig.Body[0] == b.target.Interface() {
			b.onPropertiesChanged(sig)
		}
	}
}

func (b *backend) onOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	_, okName := sig.Body[0].(string)
	oldOwner, okOld := sig.Body[1].(string)
	newOwner, okNew := sig.Body[2].(string)
	if !okName || !okOld || !okNew {
		return
	}

	if b.pendingLoad {
		b.loadGen++ // cancel the in-flight load; its reply will be ignored
		b.pendingLoad = false
	}

	if newOwner == "" {
		logging.Default.OwnerChanged(context.Background(), b.target.String(), false)
		b.doReset(nil, errServiceDisconnected())
		return
	}

	logging.Default.OwnerChanged(context.Background(), b.target.String(), true)
	l := ensureWorker()
	time.AfterFunc(ownerAppearedRetryDelay(), func() {
		l.Post(b.load)
	})
}

func (b *backend) onPropertiesChanged(sig *dbus.Signal) {
	// Ignore changes while waiting for a GetAll reply: emitting a change here
	// would violate the "fully consistent or fully absent" guarantee, and any
	// values here will also be present in the GetAll reply.
	if b.pendingLoad {
		return
	}
	if len(sig.Body) < 2 {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	b.mu.Lock()
	if !b.available {
		b.mu.Unlock()
		logging.Default.SelfHeal(context.Background(), b.target.String())
		b.load()
		return
	}

	applied := map[string]dbus.Variant{}
	for k, v := range changed {
		// dbus.Variant can wrap a non-comparable dynamic type (a slice-typed
		// property, for instance); comparing with == would panic, so compare
		// the unwrapped values with reflect.DeepEqual instead.
		if existing, ok := b.properties[k]; !ok || !reflect.DeepEqual(existing.Value(), v.Value()) {
			b.properties[k] = v
			applied[k] = v
		}
	}
	b.mu.Unlock()

	if len(applied) > 0 {
		b.notifyChange(applied)
	}
}

// doReset replaces the full property set and (un)availability state,
// notifying every subscribed ThreadView of the new snapshot.
func (b *backend) doReset(properties map[string]dbus.Variant, err *Error) {
	if properties == nil {
		properties = map[string]dbus.Variant{}
	}
	b.mu.Lock()
	b.properties = cloneProperties(properties)
	b.err = err
	b.available = err == nil
	b.mu.Unlock()

	b.notifyReset(properties, err)
}

// teardown releases bus subscriptions. Must run on the worker Loop.
func (b *backend) teardown() {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	b.target.Bus().RemoveSignal(b.signals)
}

func cloneProperties(src map[string]dbus.Variant) map[string]dbus.Variant {
	dst := make(map[string]dbus.Variant, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
