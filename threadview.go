package dbuspropcache

import (
	"reflect"
	"sync"

	"github.com/godbus/dbus/v5"
)

// threadView is the per-(Loop, Target) projection of a backend's state. It is
// only ever read or mutated from its owning Loop's goroutine, so no locking
// is needed on its fields — mirroring QThreadStorage in the original, where
// each thread's map is private to that thread.
type threadView struct {
	loop   *Loop
	target Target

	backend *backend

	properties map[string]dbus.Variant
	err        *Error
	available  bool

	handles map[*Handle]struct{}
}

// loopRegistry holds, for each Loop, the set of threadViews currently live on
// it, keyed by Target. Entries are only ever touched from their own Loop's
// goroutine, so the outer map needs a mutex only to guard concurrent
// first-access from different Loops, not per-entry access.
var loopRegistries = struct {
	mu    sync.Mutex
	byKey map[*Loop]map[key]*threadView
}{byKey: make(map[*Loop]map[key]*threadView)}

// acquireThreadView returns the threadView for (loop, target), creating it
// (and acquiring a backend reference) if this is the first Handle on loop for
// that target. Must be called from loop's own goroutine.
func acquireThreadView(loop *Loop, target Target) *threadView {
	loopRegistries.mu.Lock()
	views, ok := loopRegistries.byKey[loop]
	if !ok {
		views = make(map[key]*threadView)
		loopRegistries.byKey[loop] = views
	}
	loopRegistries.mu.Unlock()

	if tv, ok := views[target.key()]; ok {
		return tv
	}

	b := acquireBackend(target)
	tv := &threadView{
		loop:    loop,
		target:  target,
		backend: b,
		handles: map[*Handle]struct{}{},
	}
	tv.properties, tv.err, tv.available = b.subscribe(tv)
	views[target.key()] = tv
	return tv
}

// release drops tv once its last Handle has closed, unsubscribing from its
// backend and releasing the backend reference.
func (tv *threadView) release() {
	loopRegistries.mu.Lock()
	views := loopRegistries.byKey[tv.loop]
	delete(views, tv.target.key())
	loopRegistries.mu.Unlock()

	tv.backend.unsubscribe(tv)
	releaseBackend(tv.backend)
}

// onReset applies a full reset from the backend, in the exact order the
// original's PropertyCacheThreadData::reset establishes: update state, then
// notify availability/error changes, then the full-map reset, then per-key
// changes, then the ready/lost transition. Runs on tv.loop.
func (tv *threadView) onReset(properties map[string]dbus.Variant, err *Error) {
	wasAvailable := tv.available
	before := tv.properties
	errorChanged := !sameErrorKind(tv.err, err)

	tv.available = err == nil
	tv.err = err
	tv.properties = properties

	if wasAvailable != tv.available {
		tv.broadcastAvailableChanged(tv.available)
	}
	if errorChanged {
		tv.broadcastErrorChanged(err)
	}
	if len(properties) != 0 || len(before) != 0 {
		tv.broadcastPropertiesReset(properties)
	}

	for k, v := range properties {
		// dbus.Variant can wrap a non-comparable dynamic type (a slice-typed
		// property, for instance); comparing with != would panic, so compare
		// the unwrapped values with reflect.DeepEqual instead.
		if bv, ok := before[k]; !ok || !reflect.DeepEqual(bv.Value(), v.Value()) {
			tv.broadcastPropertyChanged(k, v)
		}
	}
	for k := range before {
		if _, ok := properties[k]; !ok {
			tv.broadcastPropertyChanged(k, dbus.Variant{})
		}
	}

	if wasAvailable && !tv.available {
		tv.broadcastLost()
	}
	if !wasAvailable && tv.available {
		tv.broadcastReady()
	}
}

// onChange applies an incremental PropertiesChanged update: every value is
// stored before any notification fires, matching
// PropertyCacheThreadData::changeProperties. Runs on tv.loop.
func (tv *threadView) onChange(values map[string]dbus.Variant) {
	for k, v := range values {
		tv.properties[k] = v
	}
	for k, v := range values {
		tv.broadcastPropertyChanged(k, v)
	}
}

func (tv *threadView) broadcastAvailableChanged(available bool) {
	for h := range tv.handles {
		h.notifyAvailableChanged(available)
	}
}

func (tv *threadView) broadcastErrorChanged(err *Error) {
	for h := range tv.handles {
		h.notifyErrorChanged(err)
	}
}

func (tv *threadView) broadcastPropertiesReset(properties map[string]dbus.Variant) {
	for h := range tv.handles {
		h.notifyPropertiesReset(properties)
	}
}

func (tv *threadView) broadcastPropertyChanged(key string, value dbus.Variant) {
	for h := range tv.handles {
		h.notifyPropertyChanged(key, value)
	}
}

func (tv *threadView) broadcastReady() {
	for h := range tv.handles {
		h.notifyReady()
	}
}

func (tv *threadView) broadcastLost() {
	for h := range tv.handles {
		h.notifyLost()
	}
}

func sameErrorKind(a, b *Error) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Kind == b.Kind
}
