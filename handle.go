package dbuspropcache

import (
	"context"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/nikicat/dbuspropcache/internal/logging"
)

// Handle is the user-facing, thread-bound cache object. A Handle must only
// be used from the goroutine of the Loop it was created on; using it from
// any other goroutine is a programming error that is detected and logged
// rather than corrupting shared state.
type Handle struct {
	id     string
	loop   *Loop
	target Target
	tv     *threadView

	initialized bool

	// OnAvailableChanged, OnErrorChanged, OnPropertyChanged,
	// OnPropertiesReset, OnReady, and OnLost are the Handle's re-emitters.
	// Assign them before calling Initialize. New's automatic Initialize runs
	// as a later task on the Loop, so assigning them immediately after New
	// returns, on the Loop's own goroutine, is early enough.
	OnAvailableChanged func(available bool)
	OnErrorChanged     func(err *Error)
	OnPropertyChanged  func(key string, value dbus.Variant)
	OnPropertiesReset  func(properties map[string]dbus.Variant)
	OnReady            func()
	OnLost             func()
}

// New creates a Handle bound to loop for target. It must be called from
// loop's own goroutine (or before loop.Run starts, from the goroutine that
// will call Run).
//
// Initialize is always deferred via loop.Post, whether the target's
// ThreadView is still loading or already holds state, giving the caller a
// chance to assign the On* callbacks first.
func New(loop *Loop, target Target) *Handle {
	h := &Handle{
		id:     uuid.NewString(),
		loop:   loop,
		target: target,
	}
	h.tv = acquireThreadView(loop, target)
	h.tv.handles[h] = struct{}{}

	loop.Post(func() { h.Initialize() })
	return h
}

// NewSession creates a Handle on the process's shared session bus
// connection, bound to loop.
func NewSession(loop *Loop, service string, path dbus.ObjectPath, interfce string) (*Handle, error) {
	target, err := NewSessionTarget(service, path, interfce)
	if err != nil {
		return nil, err
	}
	return New(loop, target), nil
}

// checkAffinity reports whether the calling goroutine is the Handle's owning
// Loop's goroutine. On mismatch it logs a critical diagnostic, per spec, but
// never corrupts shared state: the caller decides whether to proceed.
func (h *Handle) checkAffinity() bool {
	if h.loop.affine() {
		return true
	}
	logging.Default.ThreadAffinityViolation(context.Background(), h.target.String(), h.id)
	return false
}

// Initialize subscribes the Handle to its ThreadView and replays the
// ThreadView's current state. Only the first call subscribes and emits;
// a later call emits nothing and reports whether the ThreadView now holds
// state (available or failed).
//
// Initialize returns true if data was emitted immediately (the ThreadView
// was already available or failed), false if the ThreadView is still
// loading (the caller will receive signals once the load resolves).
func (h *Handle) Initialize() bool {
	if h.initialized {
		return h.tv.available || h.tv.err != nil
	}
	h.initialized = true

	if h.tv.err != nil {
		h.notifyErrorChanged(h.tv.err)
	}
	if !h.tv.available {
		return h.tv.err != nil
	}

	h.notifyAvailableChanged(true)
	h.notifyPropertiesReset(h.tv.properties)
	for k, v := range h.tv.properties {
		h.notifyPropertyChanged(k, v)
	}
	h.notifyReady()
	return true
}

// IsAvailable reports whether the ThreadView currently holds a full,
// successfully-loaded property set. Returns false until Initialize has run.
func (h *Handle) IsAvailable() bool {
	h.checkAffinity()
	if !h.initialized {
		return false
	}
	return h.tv.available
}

// Err returns the ThreadView's current error, or nil if available or not yet
// initialized.
func (h *Handle) Err() *Error {
	h.checkAffinity()
	if !h.initialized {
		return nil
	}
	return h.tv.err
}

// Get returns the cached value of property, or the zero Variant if it's
// missing or the Handle isn't initialized yet.
func (h *Handle) Get(property string) dbus.Variant {
	h.checkAffinity()
	if !h.initialized {
		return dbus.Variant{}
	}
	return h.tv.properties[property]
}

// Contains reports whether property currently has a cached value.
func (h *Handle) Contains(property string) bool {
	h.checkAffinity()
	if !h.initialized {
		return false
	}
	_, ok := h.tv.properties[property]
	return ok
}

// GetAll returns a copy of every cached property, or an empty map if the
// Handle isn't initialized yet.
func (h *Handle) GetAll() map[string]dbus.Variant {
	h.checkAffinity()
	if !h.initialized {
		return map[string]dbus.Variant{}
	}
	return cloneProperties(h.tv.properties)
}

// Set asynchronously requests that the service change property's value.
// It does not update the cached value directly and does not surface
// errors to the caller: a failure is only logged. The value only changes
// once (and if) the service emits PropertiesChanged.
func (h *Handle) Set(property string, value dbus.Variant) {
	h.checkAffinity()
	msg := h.target.WithInterface(propertiesInterface).CreateMethodCall("Set",
		h.target.Interface(), property, value)
	call := h.target.Bus().SendWithContext(context.Background(), msg, make(chan *dbus.Call, 1))
	go func() {
		reply := <-call.Done
		if reply.Err != nil {
			logging.Default.SetFailed(context.Background(), h.target.String(), h.id, property, reply.Err)
		}
	}()
}

// Close releases the Handle's reference to its ThreadView. After Close, the
// Handle must not be used.
func (h *Handle) Close() {
	delete(h.tv.handles, h)
	if len(h.tv.handles) == 0 {
		h.tv.release()
	}
}

// Get coerces the Handle's cached value of key into T, returning the zero
// value of T if the key is missing, the Handle isn't initialized, or the
// stored variant can't be stored into a T — mirroring the original's
// QVariant::value<T>() default-construct-on-failure behavior, since Go has
// no member-template equivalent of get<T>().
func Get[T any](h *Handle, key string) T {
	var zero T
	v := h.Get(key)
	if v.Value() == nil {
		return zero
	}
	var out T
	if err := dbus.Store([]interface{}{v.Value()}, &out); err != nil {
		return zero
	}
	return out
}

func (h *Handle) notifyAvailableChanged(available bool) {
	if h.OnAvailableChanged != nil {
		h.OnAvailableChanged(available)
	}
}

func (h *Handle) notifyErrorChanged(err *Error) {
	if h.OnErrorChanged != nil {
		h.OnErrorChanged(err)
	}
}

func (h *Handle) notifyPropertyChanged(key string, value dbus.Variant) {
	if h.OnPropertyChanged != nil {
		h.OnPropertyChanged(key, value)
	}
}

func (h *Handle) notifyPropertiesReset(properties map[string]dbus.Variant) {
	if h.OnPropertiesReset != nil {
		h.OnPropertiesReset(cloneProperties(properties))
	}
}

func (h *Handle) notifyReady() {
	if h.OnReady != nil {
		h.OnReady()
	}
}

func (h *Handle) notifyLost() {
	if h.OnLost != nil {
		h.OnLost()
	}
}
