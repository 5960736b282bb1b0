// Package device models the identity of a BLE peripheral as seen by the
// connector: stable address, human-readable name, last known signal strength
// and an optional backend detail blob describing where the device lives on
// the local bus.
package device

import (
	"fmt"
	"strings"
)

// UnreachableRSSI is the sentinel signal strength assigned to a device whose
// real RSSI is unknown or whose backend path has disappeared.
const UnreachableRSSI = -1000

// Detail keys used by BlueZ-backed devices.
const (
	DetailPath  = "path"
	DetailProps = "props"
)

// adapterIndexOffset is the position of the adapter index inside a BlueZ
// device path: /org/bluez/hci2/dev_FA_23_9D_AA_45_46
//               0123456789012345
const adapterIndexOffset = 14

// Device identifies a BLE peripheral. Instances are treated as immutable:
// the resolver produces new handles instead of mutating existing ones.
type Device struct {
	Address string
	Name    string
	RSSI    int

	// Details is a backend-specific blob. BlueZ devices carry the object
	// path under DetailPath and the raw Device1 properties under
	// DetailProps.
	Details map[string]interface{}

	UUIDs            []string
	ManufacturerData map[uint16][]byte
}

// Path returns the BlueZ object path of the device, if it has one.
func (d *Device) Path() (string, bool) {
	if d == nil || d.Details == nil {
		return "", false
	}
	path, ok := d.Details[DetailPath].(string)
	return path, ok && path != ""
}

// Description returns the backend path if the device has one, falling back
// to the address. Used in log lines and terminal error messages.
func Description(d *Device) string {
	if d == nil {
		return ""
	}
	if path, ok := d.Path(); ok {
		return path
	}
	return d.Address
}

// Changed reports whether the device identity differs between two handles.
// A changed identity forces the connector to build a new client so no
// partially-initialized transport state is carried over.
func Changed(original, current *Device) bool {
	if original == nil || current == nil {
		return original != current
	}
	if original.Address != current.Address {
		return true
	}
	origPath, origOK := original.Path()
	curPath, curOK := current.Path()
	return origOK && curOK && origPath != curPath
}

// AddressToPath converts a device address to a BlueZ path with an unresolved
// adapter index, suitable for feeding into the resolver.
func AddressToPath(address string) string {
	return "/org/bluez/hciX/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
}

// PossiblePaths enumerates the sibling paths of a BlueZ device path across
// adapter indices 0..8. The path layout is deterministic so the index is
// spliced in at a fixed offset.
func PossiblePaths(path string) []string {
	if len(path) < adapterIndexOffset+2 {
		return nil
	}
	paths := make([]string, 0, 9)
	for i := 0; i < 9; i++ {
		paths = append(paths, fmt.Sprintf("%s%d%s", path[:adapterIndexOffset], i, path[adapterIndexOffset+1:]))
	}
	return paths
}
