package connector

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/kaechele/bleak-retry-connector/device"
	"github.com/kaechele/bleak-retry-connector/internal/bluez"
)

// DeviceIsConnected reports whether the property store shows the device as
// already connected. Best-effort: missing capability, missing path or a
// failed snapshot all read as "not connected".
func DeviceIsConnected(ctx context.Context, props bluez.PropertySource, d *device.Device) bool {
	path, ok := d.Path()
	if !ok {
		return false
	}
	snapshot, err := props.Properties(ctx)
	if err != nil {
		return false
	}
	devProps, ok := snapshot.Device(path)
	if !ok {
		return false
	}
	connected, _ := bluez.Bool(devProps["Connected"], true)
	return connected
}

// CloseStaleConnections force-disconnects a leftover session from a previous
// run. Safe to call when there is nothing to clean up.
func CloseStaleConnections(ctx context.Context, props bluez.PropertySource, d *device.Device, logger *logrus.Logger) {
	if props == nil || !DeviceIsConnected(ctx, props, d) {
		return
	}
	if logger == nil {
		logger = logrus.New()
	}
	logger.WithFields(logrus.Fields{
		"device":      d.Name,
		"description": device.Description(d),
	}).Debug("Unexpectedly connected")
	disconnectStale(ctx, props, d, logger)
}

func disconnectStale(ctx context.Context, props bluez.PropertySource, d *device.Device, logger *logrus.Logger) {
	path, ok := d.Path()
	if !ok {
		return
	}
	if err := props.DisconnectDevice(ctx, path); err != nil {
		logger.WithError(err).WithField("path", path).Debug("Stale session disconnect failed")
	}
}
