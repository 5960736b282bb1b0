// Package bluez provides read access to the BlueZ object tree on the system
// bus. The connector and resolver only ever consume the PropertySource
// capability, so platforms without a system bus plug in Absent() and run the
// exact same code paths.
package bluez

import (
	"context"
	"errors"

	dbus "github.com/godbus/dbus/v5"
)

const (
	Service              = "org.bluez"
	DeviceInterface      = "org.bluez.Device1"
	AdapterInterface     = "org.bluez.Adapter1"
	GattServiceInterface = "org.bluez.GattService1"

	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	propertiesInterface    = "org.freedesktop.DBus.Properties"
)

// ErrUnsupported is returned by the Absent backend: the platform has no bus
// introspection, so property reads cannot be served.
var ErrUnsupported = errors.New("bluez: bus introspection not supported on this platform")

// Properties is a read-only snapshot of the BlueZ object tree, keyed by
// object path, then by interface name. Callers must not mutate it.
type Properties map[string]map[string]map[string]dbus.Variant

// PropertySource is the capability the resolver and connector depend on.
// Implementations: Monitor (live system-bus cache) and Absent (no-op).
type PropertySource interface {
	// Properties returns the current snapshot of the object tree.
	Properties(ctx context.Context) (Properties, error)

	// DisconnectDevice asks BlueZ to tear down the connection to the
	// device at path.
	DisconnectDevice(ctx context.Context, path string) error
}

type absent struct{}

// Absent returns a PropertySource for platforms without bus introspection.
// Property reads fail with ErrUnsupported and disconnects are no-ops, which
// callers treat as "nothing to clean up".
func Absent() PropertySource { return absent{} }

func (absent) Properties(context.Context) (Properties, error) { return nil, ErrUnsupported }

func (absent) DisconnectDevice(context.Context, string) error { return nil }

// Device returns the Device1 property map for path, if the snapshot has one.
func (p Properties) Device(path string) (map[string]dbus.Variant, bool) {
	ifaces, ok := p[path]
	if !ok {
		return nil, false
	}
	props, ok := ifaces[DeviceInterface]
	return props, ok
}

// Int coerces a numeric variant to int. BlueZ reports RSSI as int16 but
// other numeric widths show up across properties.
func Int(v dbus.Variant, ok bool) (int, bool) {
	if !ok {
		return 0, false
	}
	switch n := v.Value().(type) {
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// String coerces a string variant.
func String(v dbus.Variant, ok bool) (string, bool) {
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

// Bool coerces a boolean variant.
func Bool(v dbus.Variant, ok bool) (bool, bool) {
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}
