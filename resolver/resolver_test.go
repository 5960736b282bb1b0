package resolver

import (
	"context"
	"errors"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaechele/bleak-retry-connector/device"
	"github.com/kaechele/bleak-retry-connector/internal/bluez"
)

// fakeProps serves a fixed property snapshot, optionally failing.
type fakeProps struct {
	props bluez.Properties
	err   error
}

func (f *fakeProps) Properties(context.Context) (bluez.Properties, error) {
	return f.props, f.err
}

func (f *fakeProps) DisconnectDevice(context.Context, string) error { return nil }

func deviceEntry(extra map[string]dbus.Variant) map[string]map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Alias":   dbus.MakeVariant("Test Device"),
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]map[string]dbus.Variant{bluez.DeviceInterface: props}
}

func rssiEntry(rssi int16) map[string]map[string]dbus.Variant {
	return deviceEntry(map[string]dbus.Variant{"RSSI": dbus.MakeVariant(rssi)})
}

const (
	pathHci0 = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
	pathHci1 = "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF"
	pathHci2 = "/org/bluez/hci2/dev_AA_BB_CC_DD_EE_FF"
	pathHci5 = "/org/bluez/hci5/dev_AA_BB_CC_DD_EE_FF"
)

func handleAt(path string, rssi int) *device.Device {
	return &device.Device{
		Address: "AA:BB:CC:DD:EE:FF",
		Name:    "Test Device",
		RSSI:    rssi,
		Details: map[string]interface{}{device.DetailPath: path},
	}
}

// TestFreshenIdempotent verifies that a handle already on the best-signal
// path resolves to "no fresher handle".
func TestFreshenIdempotent(t *testing.T) {
	r := New(&fakeProps{props: bluez.Properties{
		pathHci0: rssiEntry(-50),
		pathHci1: rssiEntry(-70),
	}}, nil)

	fresh := r.Freshen(context.Background(), handleAt(pathHci0, -50))
	assert.Nil(t, fresh)
}

// TestFreshenSwitchThreshold exercises the boundary conditions of the
// switch rule: the candidate must beat the incumbent by more than the
// threshold and must not be weaker than it.
func TestFreshenSwitchThreshold(t *testing.T) {
	tests := []struct {
		name          string
		incumbentRSSI int
		siblingRSSI   int16
		expectSwitch  bool
	}{
		{"well above threshold", -60, -50, true},
		{"just above threshold", -60, -53, true},
		{"exactly at threshold", -60, -54, false},
		{"below threshold", -60, -58, false},
		{"weaker than incumbent", -60, -70, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(&fakeProps{props: bluez.Properties{
				pathHci0: rssiEntry(int16(tt.incumbentRSSI)),
				pathHci1: rssiEntry(tt.siblingRSSI),
			}}, nil)

			fresh := r.Freshen(context.Background(), handleAt(pathHci0, tt.incumbentRSSI))
			if !tt.expectSwitch {
				assert.Nil(t, fresh)
				return
			}
			require.NotNil(t, fresh)
			path, ok := fresh.Path()
			require.True(t, ok)
			assert.Equal(t, pathHci1, path)
			assert.Equal(t, int(tt.siblingRSSI), fresh.RSSI)
		})
	}
}

// TestFreshenVanishedOriginal verifies that once the original path is gone
// from the snapshot, any present sibling is accepted regardless of signal.
func TestFreshenVanishedOriginal(t *testing.T) {
	r := New(&fakeProps{props: bluez.Properties{
		pathHci5: rssiEntry(-40),
	}}, nil)

	fresh := r.Freshen(context.Background(), handleAt(pathHci2, -50))
	require.NotNil(t, fresh)

	path, ok := fresh.Path()
	require.True(t, ok)
	assert.Equal(t, pathHci5, path)
	assert.Equal(t, -40, fresh.RSSI)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", fresh.Address)
	assert.Equal(t, "Test Device", fresh.Name)
}

// TestFreshenVanishedWeakSibling: a vanished original accepts even a sibling
// far weaker than the last known signal.
func TestFreshenVanishedWeakSibling(t *testing.T) {
	r := New(&fakeProps{props: bluez.Properties{
		pathHci1: rssiEntry(-95),
	}}, nil)

	fresh := r.Freshen(context.Background(), handleAt(pathHci0, -40))
	require.NotNil(t, fresh)
	path, _ := fresh.Path()
	assert.Equal(t, pathHci1, path)
}

func TestFreshenPicksStrongestSibling(t *testing.T) {
	r := New(&fakeProps{props: bluez.Properties{
		pathHci1: rssiEntry(-48),
		pathHci2: rssiEntry(-42),
		pathHci5: rssiEntry(-65),
	}}, nil)

	fresh := r.Freshen(context.Background(), handleAt(pathHci0, -60))
	require.NotNil(t, fresh)
	path, _ := fresh.Path()
	assert.Equal(t, pathHci2, path)
	assert.Equal(t, -42, fresh.RSSI)
}

// TestFreshenNonBusHandle: handles without a backend path are never
// freshened.
func TestFreshenNonBusHandle(t *testing.T) {
	r := New(&fakeProps{props: bluez.Properties{pathHci0: rssiEntry(-40)}}, nil)

	fresh := r.Freshen(context.Background(), &device.Device{Address: "AA:BB:CC:DD:EE:FF"})
	assert.Nil(t, fresh)
}

// TestFreshenSwallowsSourceErrors: resolution is a best-effort optimization
// and never propagates property-source failures.
func TestFreshenSwallowsSourceErrors(t *testing.T) {
	r := New(&fakeProps{err: errors.New("bus gone")}, nil)

	assert.NotPanics(t, func() {
		fresh := r.Freshen(context.Background(), handleAt(pathHci0, -50))
		assert.Nil(t, fresh)
	})
}

func TestFreshenAbsentBackend(t *testing.T) {
	r := New(bluez.Absent(), nil)
	assert.Nil(t, r.Freshen(context.Background(), handleAt(pathHci0, -50)))
}

// TestGetDevice resolves by address alone: the synthetic hciX path is never
// present, so the first adapter that knows the device wins.
func TestGetDevice(t *testing.T) {
	r := New(&fakeProps{props: bluez.Properties{
		pathHci1: rssiEntry(-63),
	}}, nil)

	d := r.GetDevice(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.NotNil(t, d)
	path, _ := d.Path()
	assert.Equal(t, pathHci1, path)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.Address)
}

func TestGetDeviceUnknownAddress(t *testing.T) {
	r := New(&fakeProps{props: bluez.Properties{}}, nil)
	assert.Nil(t, r.GetDevice(context.Background(), "11:22:33:44:55:66"))
}

// TestResolveBackendDeviceMaterializesMetadata verifies UUID lists and
// manufacturer data byte arrays survive the variant round trip.
func TestResolveBackendDeviceMaterializesMetadata(t *testing.T) {
	entry := deviceEntry(map[string]dbus.Variant{
		"RSSI":  dbus.MakeVariant(int16(-40)),
		"UUIDs": dbus.MakeVariant([]string{"0000180d-0000-1000-8000-00805f9b34fb"}),
		"ManufacturerData": dbus.MakeVariant(map[uint16]dbus.Variant{
			0x004c: dbus.MakeVariant([]byte{0x02, 0x15}),
		}),
	})
	r := New(&fakeProps{props: bluez.Properties{pathHci5: entry}}, nil)

	d := r.ResolveBackendDevice(context.Background(), pathHci2, 0)
	require.NotNil(t, d)
	assert.Equal(t, []string{"0000180d-0000-1000-8000-00805f9b34fb"}, d.UUIDs)
	assert.Equal(t, map[uint16][]byte{0x004c: {0x02, 0x15}}, d.ManufacturerData)

	props, ok := d.Details[device.DetailProps].(map[string]dbus.Variant)
	require.True(t, ok)
	assert.Contains(t, props, "Address")
}

// TestResolveSiblingWithoutRSSI: a reachable incumbent rejects siblings that
// report no signal strength at all.
func TestResolveSiblingWithoutRSSI(t *testing.T) {
	r := New(&fakeProps{props: bluez.Properties{
		pathHci0: rssiEntry(-50),
		pathHci1: deviceEntry(nil),
	}}, nil)

	assert.Nil(t, r.Freshen(context.Background(), handleAt(pathHci0, -50)))
}
