// Package dbusadaptor provides the adaptor-side helper for emitting
// PropertiesChanged signals, the counterpart to the property cache's
// subscriber side.
package dbusadaptor

import (
	"github.com/godbus/dbus/v5"
)

const propertiesInterface = "org.freedesktop.DBus.Properties"

// EmitPropertiesChanged emits PropertiesChanged for path/interfce with
// changed as the changed-properties map. The invalidated-names list is
// always empty: this library never uses PropertiesChanged's invalidation
// half, only full values.
func EmitPropertiesChanged(conn *dbus.Conn, path dbus.ObjectPath, interfce string, changed map[string]dbus.Variant) error {
	return conn.Emit(path, propertiesInterface+".PropertiesChanged",
		interfce, changed, []string{})
}
