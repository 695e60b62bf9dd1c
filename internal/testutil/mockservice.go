package testutil

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

// MockService is a minimal property-bearing D-Bus service, exporting
// whatever properties are passed to NewMockService under a single
// interface, and emitting PropertiesChanged via SetProperty.
type MockService struct {
	conn  *dbus.Conn
	path  dbus.ObjectPath
	iface string
	name  string
	props *prop.Properties
}

// NewMockService exports a service at path/iface on conn with the given
// initial properties, all writable, and requests name on the bus.
func NewMockService(conn *dbus.Conn, name string, path dbus.ObjectPath, iface string, initial map[string]dbus.Variant) (*MockService, error) {
	spec := map[string]map[string]*prop.Prop{iface: {}}
	for key, value := range initial {
		spec[iface][key] = &prop.Prop{
			Value:    value.Value(),
			Writable: true,
			Emit:     prop.EmitTrue,
			Callback: nil,
		}
	}

	props, err := prop.Export(conn, path, spec)
	if err != nil {
		return nil, err
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       iface,
				Properties: props.Introspection(iface),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, err
	}

	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, &dbus.Error{Name: "org.freedesktop.DBus.Error.AddressInUse", Body: []interface{}{name}}
	}

	return &MockService{conn: conn, path: path, iface: iface, name: name, props: props}, nil
}

// SetProperty updates a property's value as the service itself would (not
// a client Set call) and emits PropertiesChanged.
func (m *MockService) SetProperty(propName string, value interface{}) {
	m.props.SetMust(m.iface, propName, value)
}

// Close releases the service's bus name, simulating the service exiting.
func (m *MockService) Close() error {
	_, err := m.conn.ReleaseName(m.name)
	return err
}
