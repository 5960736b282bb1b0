// Package resolver freshens possibly-stale BLE device handles. BlueZ does
// not emit device callbacks for RSSI-only updates, so a handle can go stale
// while still nominally valid; the resolver re-scans the device's sibling
// paths across all adapters and returns the liveliest copy.
package resolver

import (
	"context"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/kaechele/bleak-retry-connector/device"
	"github.com/kaechele/bleak-retry-connector/internal/bluez"
)

// RSSISwitchThreshold is the margin by which a sibling path's RSSI must beat
// the incumbent before the resolver switches to it. Small fluctuations are
// not worth abandoning an established path over.
const RSSISwitchThreshold = 6

// Resolver looks up devices in a bus-backed property source. Every lookup is
// best-effort: property-source failures are swallowed and reported as "no
// fresher handle".
type Resolver struct {
	props  bluez.PropertySource
	logger *logrus.Logger
}

func New(props bluez.PropertySource, logger *logrus.Logger) *Resolver {
	if props == nil {
		props = bluez.Absent()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{props: props, logger: logger}
}

// Freshen re-resolves a handle to the current best-signal sibling path.
// Returns nil when the handle is not bus-backed or no sibling beats it.
func (r *Resolver) Freshen(ctx context.Context, d *device.Device) *device.Device {
	path, ok := d.Path()
	if !ok {
		return nil
	}
	return r.resolve(ctx, path, d.RSSI, true)
}

// GetDevice looks a device up by address alone. The synthetic path carries
// an unresolved adapter index, so any adapter that knows the device wins.
func (r *Resolver) GetDevice(ctx context.Context, address string) *device.Device {
	return r.resolve(ctx, device.AddressToPath(address), 0, false)
}

// ResolveBackendDevice builds a device handle for a BlueZ object path,
// preferring a better-signal sibling when one exists. rssi is the last known
// signal strength, or 0 when unknown.
func (r *Resolver) ResolveBackendDevice(ctx context.Context, path string, rssi int) *device.Device {
	return r.resolve(ctx, path, rssi, true)
}

func (r *Resolver) resolve(ctx context.Context, devicePath string, rssi int, logDisappearance bool) *device.Device {
	bestPath := devicePath
	deviceRSSI := rssi
	if deviceRSSI == 0 {
		deviceRSSI = device.UnreachableRSSI
	}
	rssiToBeat := deviceRSSI

	props, err := r.props.Properties(ctx)
	if err != nil {
		r.logger.WithError(err).WithField("path", devicePath).Debug("Freshen failed")
		return nil
	}

	if _, ok := props.Device(devicePath); !ok {
		// The device has vanished from its own path, so any present
		// sibling beats it.
		if logDisappearance {
			r.logger.WithField("path", devicePath).Debug("Device has disappeared")
		}
		deviceRSSI = device.UnreachableRSSI
		rssiToBeat = device.UnreachableRSSI
	}

	for _, path := range device.PossiblePaths(devicePath) {
		if path == devicePath {
			continue
		}
		candidate, ok := props.Device(path)
		if !ok {
			continue
		}
		v, present := candidate["RSSI"]
		candRSSI, hasRSSI := bluez.Int(v, present)
		if candRSSI == 0 {
			hasRSSI = false
		}
		// The rejection clauses overlap; they are kept combined as
		// documented rather than simplified. A candidate must beat the
		// incumbent by strictly more than the threshold, and must not be
		// weaker than the best seen so far.
		if rssiToBeat != device.UnreachableRSSI &&
			(!hasRSSI || candRSSI-RSSISwitchThreshold <= deviceRSSI || candRSSI < rssiToBeat) {
			continue
		}
		bestPath = path
		if hasRSSI {
			rssiToBeat = candRSSI
		} else {
			rssiToBeat = device.UnreachableRSSI
		}
		r.logger.WithFields(logrus.Fields{
			"path": path,
			"rssi": candRSSI,
		}).Debug("Found device with better RSSI")
	}

	if bestPath == devicePath {
		return nil
	}

	best, ok := props.Device(bestPath)
	if !ok {
		return nil
	}
	return deviceFromProperties(bestPath, best, rssiToBeat)
}

// deviceFromProperties materializes a fresh handle from a Device1 property
// record. The raw properties travel along in the detail blob so callers can
// inspect backend specifics without another bus round trip.
func deviceFromProperties(path string, props map[string]dbus.Variant, rssi int) *device.Device {
	address, _ := bluez.String(props["Address"], true)
	alias, _ := bluez.String(props["Alias"], true)

	var uuids []string
	if v, ok := props["UUIDs"]; ok {
		uuids, _ = v.Value().([]string)
	}

	var manufacturerData map[uint16][]byte
	if v, ok := props["ManufacturerData"]; ok {
		if raw, ok := v.Value().(map[uint16]dbus.Variant); ok {
			manufacturerData = make(map[uint16][]byte, len(raw))
			for id, data := range raw {
				if b, ok := data.Value().([]byte); ok {
					manufacturerData[id] = b
				}
			}
		}
	}

	return &device.Device{
		Address: address,
		Name:    alias,
		RSSI:    rssi,
		Details: map[string]interface{}{
			device.DetailPath:  path,
			device.DetailProps: props,
		},
		UUIDs:            uuids,
		ManufacturerData: manufacturerData,
	}
}
