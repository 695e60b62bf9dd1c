package dbuspropcache

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Kind classifies why a Target's properties are unavailable.
type Kind int

const (
	// KindNone means there is no error.
	KindNone Kind = iota
	// KindServiceUnknown means the service is not currently owned on the bus.
	KindServiceUnknown
	// KindUnknownObject means the service does not export the target path.
	KindUnknownObject
	// KindUnknownInterface means the object does not implement the target interface.
	KindUnknownInterface
	// KindTransport covers any other D-Bus failure (timeouts, malformed replies, disconnects).
	KindTransport
	// KindInvalidTarget means the Target's service, path, or interface is empty.
	KindInvalidTarget
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindServiceUnknown:
		return "service-unknown"
	case KindUnknownObject:
		return "unknown-object"
	case KindUnknownInterface:
		return "unknown-interface"
	case KindTransport:
		return "transport"
	case KindInvalidTarget:
		return "invalid-target"
	default:
		return "unknown"
	}
}

// Error is the error type reported by a Handle when properties are unavailable.
// It wraps the underlying *dbus.Error, if any, so callers can still inspect it
// with errors.As.
type Error struct {
	Kind    Kind
	Message string
	cause   *dbus.Error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("dbuspropcache: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil || e.cause == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

const (
	dbusErrServiceUnknown  = "org.freedesktop.DBus.Error.ServiceUnknown"
	dbusErrUnknownObject   = "org.freedesktop.DBus.Error.UnknownObject"
	dbusErrUnknownInterace = "org.freedesktop.DBus.Error.UnknownInterface"
	dbusErrUnknownMethod   = "org.freedesktop.DBus.Error.UnknownMethod"
)

// newErrorFromDBus classifies a *dbus.Error returned by a GetAll/Set call
// into the Kind taxonomy, matching the classification the original
// implementation applies in PropertyCacheBackend::loadReply.
func newErrorFromDBus(err error) *Error {
	if err == nil {
		return nil
	}
	var dbusErr *dbus.Error
	switch e := err.(type) {
	case *dbus.Error:
		dbusErr = e
	case dbus.Error:
		dbusErr = &e
	default:
		return &Error{Kind: KindTransport, Message: err.Error()}
	}
	msg := dbusErr.Error()
	switch dbusErr.Name {
	case dbusErrServiceUnknown:
		return &Error{Kind: KindServiceUnknown, Message: msg, cause: dbusErr}
	case dbusErrUnknownObject:
		return &Error{Kind: KindUnknownObject, Message: msg, cause: dbusErr}
	case dbusErrUnknownInterace, dbusErrUnknownMethod:
		return &Error{Kind: KindUnknownInterface, Message: msg, cause: dbusErr}
	default:
		return &Error{Kind: KindTransport, Message: msg, cause: dbusErr}
	}
}

// errServiceDisconnected is synthesized when a NameOwnerChanged signal
// reports the owner of a watched service went away, matching the original's
// synthesized QDBusError(ServiceUnknown, "DBus service disconnected").
func errServiceDisconnected() *Error {
	return &Error{Kind: KindServiceUnknown, Message: "service disconnected"}
}

// errInvalidTarget is synthesized when a backend's Target fails IsValid, so
// a Handle constructed on an incomplete (bus, service, path, interface)
// tuple refuses to load instead of dialing the bus with empty strings.
func errInvalidTarget() *Error {
	return &Error{Kind: KindInvalidTarget, Message: "target service, path, or interface is empty"}
}
