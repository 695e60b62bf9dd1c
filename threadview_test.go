package dbuspropcache

import (
	"reflect"
	"testing"

	"github.com/godbus/dbus/v5"
)

// newTestHandle builds a Handle wired into tv's handle set without going
// through New/acquireThreadView, so threadView notification logic can be
// exercised without a backend or worker Loop.
func newTestHandle(tv *threadView) (*Handle, *[]string) {
	var events []string
	h := &Handle{loop: tv.loop, target: tv.target, tv: tv, initialized: true}
	h.OnAvailableChanged = func(available bool) {
		events = append(events, "available:"+boolStr(available))
	}
	h.OnErrorChanged = func(err *Error) {
		msg := "nil"
		if err != nil {
			msg = err.Kind.String()
		}
		events = append(events, "error:"+msg)
	}
	h.OnPropertyChanged = func(key string, value dbus.Variant) {
		events = append(events, "changed:"+key)
	}
	h.OnPropertiesReset = func(properties map[string]dbus.Variant) {
		events = append(events, "reset")
	}
	h.OnReady = func() { events = append(events, "ready") }
	h.OnLost = func() { events = append(events, "lost") }
	return h, &events
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func newBareThreadView() *threadView {
	return &threadView{
		loop:       NewLoop(),
		properties: map[string]dbus.Variant{},
		handles:    map[*Handle]struct{}{},
	}
}

func TestThreadViewOnResetFirstLoadOrdering(t *testing.T) {
	tv := newBareThreadView()
	h, events := newTestHandle(tv)
	tv.handles[h] = struct{}{}

	tv.onReset(map[string]dbus.Variant{"a": dbus.MakeVariant("1")}, nil)

	want := []string{"available:true", "reset", "changed:a", "ready"}
	if !reflect.DeepEqual(*events, want) {
		t.Errorf("events = %v, want %v", *events, want)
	}
}

func TestThreadViewOnResetFailure(t *testing.T) {
	tv := newBareThreadView()
	h, events := newTestHandle(tv)
	tv.handles[h] = struct{}{}

	err := &Error{Kind: KindServiceUnknown, Message: "gone"}
	tv.onReset(nil, err)

	want := []string{"error:service-unknown"}
	if !reflect.DeepEqual(*events, want) {
		t.Errorf("events = %v, want %v", *events, want)
	}
	if tv.available {
		t.Error("available should be false after a failed reset")
	}
}

func TestThreadViewOnResetLostTransition(t *testing.T) {
	tv := newBareThreadView()
	tv.available = true
	tv.properties = map[string]dbus.Variant{"a": dbus.MakeVariant("1")}

	h, events := newTestHandle(tv)
	tv.handles[h] = struct{}{}

	tv.onReset(nil, errServiceDisconnected())

	want := []string{"available:false", "error:service-unknown", "reset", "changed:a", "lost"}
	if !reflect.DeepEqual(*events, want) {
		t.Errorf("events = %v, want %v", *events, want)
	}
}

func TestThreadViewOnResetRemovedKeyEmitsInvalidVariant(t *testing.T) {
	tv := newBareThreadView()
	tv.available = true
	tv.properties = map[string]dbus.Variant{"a": dbus.MakeVariant("1"), "b": dbus.MakeVariant("2")}

	h, events := newTestHandle(tv)
	tv.handles[h] = struct{}{}

	// "b" is dropped, "a" unchanged, nothing new added.
	tv.onReset(map[string]dbus.Variant{"a": dbus.MakeVariant("1")}, nil)

	found := false
	for _, e := range *events {
		if e == "changed:b" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a changed:b event for the removed key, got %v", *events)
	}
	for _, e := range *events {
		if e == "changed:a" {
			t.Errorf("unchanged key 'a' should not produce a changed event, got %v", *events)
		}
	}
}

func TestThreadViewOnResetNoSpuriousEventsWhenRedundant(t *testing.T) {
	tv := newBareThreadView()
	// steady loaded state: available, no error, no properties.
	tv.available = true

	h, events := newTestHandle(tv)
	tv.handles[h] = struct{}{}

	// a redundant reset carrying the same (empty, nil) state should produce
	// no notifications at all.
	tv.onReset(nil, nil)

	if len(*events) != 0 {
		t.Errorf("expected no events for a no-op reset, got %v", *events)
	}
}

func TestThreadViewOnChangeStoresBeforeNotifying(t *testing.T) {
	tv := newBareThreadView()
	tv.available = true
	tv.properties = map[string]dbus.Variant{"a": dbus.MakeVariant("1")}

	h, events := newTestHandle(tv)
	h.OnPropertyChanged = func(key string, value dbus.Variant) {
		// by the time this fires, the new value must already be visible.
		if got := tv.properties["b"]; got != dbus.MakeVariant("2") {
			t.Errorf("tv.properties[b] = %v before notification fired", got)
		}
		*events = append(*events, "changed:"+key)
	}
	tv.handles[h] = struct{}{}

	tv.onChange(map[string]dbus.Variant{"b": dbus.MakeVariant("2")})

	if len(*events) != 1 || (*events)[0] != "changed:b" {
		t.Errorf("events = %v", *events)
	}
}

func TestThreadViewOnResetHandlesSliceTypedProperty(t *testing.T) {
	tv := newBareThreadView()
	tv.available = true
	tv.properties = map[string]dbus.Variant{"tags": dbus.MakeVariant([]string{"a", "b"})}

	h, events := newTestHandle(tv)
	tv.handles[h] = struct{}{}

	// Comparing dbus.Variant values that wrap slices with == would panic;
	// this exercises onReset's comparison for both an unchanged slice...
	tv.onReset(map[string]dbus.Variant{"tags": dbus.MakeVariant([]string{"a", "b"})}, nil)
	for _, e := range *events {
		if e == "changed:tags" {
			t.Errorf("unchanged slice property should not produce a changed event, got %v", *events)
		}
	}

	// ...and a changed one.
	*events = nil
	tv.onReset(map[string]dbus.Variant{"tags": dbus.MakeVariant([]string{"c"})}, nil)
	found := false
	for _, e := range *events {
		if e == "changed:tags" {
			found = true
		}
	}
	if !found {
		t.Errorf("changed slice property should produce a changed event, got %v", *events)
	}
}

func TestSameErrorKind(t *testing.T) {
	a := &Error{Kind: KindTransport}
	b := &Error{Kind: KindTransport}
	c := &Error{Kind: KindServiceUnknown}

	if !sameErrorKind(nil, nil) {
		t.Error("nil, nil should be the same kind")
	}
	if sameErrorKind(nil, a) || sameErrorKind(a, nil) {
		t.Error("nil vs non-nil should differ")
	}
	if !sameErrorKind(a, b) {
		t.Error("same Kind should match")
	}
	if sameErrorKind(a, c) {
		t.Error("different Kind should not match")
	}
}
