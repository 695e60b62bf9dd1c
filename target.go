package dbuspropcache

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const propertiesInterface = "org.freedesktop.DBus.Properties"

// Target identifies the (bus, service, path, interface) tuple a Handle
// watches. Target is an immutable value: it is safe to copy, compare with
// ==, and use as a map key.
type Target struct {
	bus      *dbus.Conn
	service  string
	path     dbus.ObjectPath
	interfce string
	busLabel string // stable identity for the bus, used for equality/keying
}

// NewTarget builds a Target for an explicit bus connection.
func NewTarget(bus *dbus.Conn, service string, path dbus.ObjectPath, interfce string) Target {
	return Target{
		bus:      bus,
		service:  service,
		path:     path,
		interfce: interfce,
		busLabel: busLabel(bus),
	}
}

// NewSessionTarget builds a Target on the process's shared session bus
// connection, matching the original's default-bus constructor.
func NewSessionTarget(service string, path dbus.ObjectPath, interfce string) (Target, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return Target{}, fmt.Errorf("dbuspropcache: connecting to session bus: %w", err)
	}
	return NewTarget(conn, service, path, interfce), nil
}

func busLabel(bus *dbus.Conn) string {
	if bus == nil {
		return ""
	}
	return bus.Names()[0]
}

// IsValid reports whether service, path, and interface are all non-empty.
func (t Target) IsValid() bool {
	return t.service != "" && t.path != "" && t.interfce != ""
}

// Bus returns the underlying connection.
func (t Target) Bus() *dbus.Conn { return t.bus }

// Service returns the well-known or unique bus name.
func (t Target) Service() string { return t.service }

// Path returns the object path.
func (t Target) Path() dbus.ObjectPath { return t.path }

// Interface returns the interface name.
func (t Target) Interface() string { return t.interfce }

// WithPath returns a new Target for path, keeping bus, service, and interface.
func (t Target) WithPath(path dbus.ObjectPath) Target {
	t.path = path
	return t
}

// WithInterface returns a new Target for interfce, keeping bus, service, and path.
func (t Target) WithInterface(interfce string) Target {
	t.interfce = interfce
	return t
}

// With returns a new Target for path and interfce, keeping bus and service.
func (t Target) With(path dbus.ObjectPath, interfce string) Target {
	t.path = path
	t.interfce = interfce
	return t
}

// key is the comparable, hashable identity used by the backend and
// thread-view registries. *dbus.Conn pointers are comparable but two
// Targets naming "the session bus" from different call sites should
// collide the way the original's QDBusConnection::name()-based equality
// does, so the key is built from busLabel rather than the pointer.
type key struct {
	bus, service, path, interfce string
}

func (t Target) key() key {
	return key{bus: t.busLabel, service: t.service, path: string(t.path), interfce: t.interfce}
}

// CreateMethodCall builds a method-call message addressed at this Target's
// service, path, and interface for member, grounded on
// Target::createMethodCall/DBusWrapper::toDBusArgVariant in the original. Qt
// distinguishes a generic QVariant from a wire-level QDBusVariant and wraps
// the former in the latter unless it's already wrapped; godbus's
// dbus.Variant plays both roles at once and is always marshalled as a wire
// variant, so the only translation needed here is guarding against a
// dbus.Variant argument that is itself already wrapping another
// dbus.Variant — double-wrapping a pre-wrapped variant is forbidden.
func (t Target) CreateMethodCall(member string, args ...interface{}) *dbus.Message {
	body := make([]interface{}, len(args))
	for i, arg := range args {
		body[i] = collapseDoubleVariant(arg)
	}
	headers := map[dbus.HeaderField]dbus.Variant{
		dbus.FieldPath:        dbus.MakeVariant(t.path),
		dbus.FieldInterface:   dbus.MakeVariant(t.interfce),
		dbus.FieldMember:      dbus.MakeVariant(member),
		dbus.FieldDestination: dbus.MakeVariant(t.service),
	}
	if len(body) > 0 {
		headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(body...))
	}
	return &dbus.Message{
		Type:    dbus.TypeMethodCall,
		Headers: headers,
		Body:    body,
	}
}

// collapseDoubleVariant passes a non-variant argument through unchanged and
// collapses a dbus.Variant whose own Value() is itself a dbus.Variant down
// to a single layer, so CreateMethodCall never emits a doubly-nested
// variant.
func collapseDoubleVariant(arg interface{}) interface{} {
	v, ok := arg.(dbus.Variant)
	if !ok {
		return arg
	}
	if inner, nested := v.Value().(dbus.Variant); nested {
		return inner
	}
	return v
}

// String renders the target the way the original's QDebug operator<< does.
// The bus is shown by its connection's first name; a Target with no
// connection is shown as "SessionBus".
func (t Target) String() string {
	if !t.IsValid() {
		return "DBus(invalid)"
	}
	label := t.busLabel
	switch label {
	case "":
		label = "SessionBus"
	}
	return fmt.Sprintf("DBus(%s, %s, %s, %s)", label, t.service, t.path, t.interfce)
}
