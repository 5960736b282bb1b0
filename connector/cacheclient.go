package connector

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kaechele/bleak-retry-connector/device"
	"github.com/kaechele/bleak-retry-connector/internal/bluez"
)

// CachingClient wraps any transport client with service caching, so GATT
// discovery can be skipped across sessions. Before each connect it checks
// whether the remote side still exposes the corresponding service
// registration and drops the cache if it has vanished.
//
// The cache may be invalidated from multiple paths; all mutation is
// mutex-guarded and idempotent.
type CachingClient struct {
	inner  Client
	path   string
	props  bluez.PropertySource
	logger *logrus.Logger

	mu     sync.Mutex
	cached ServiceSet
}

// NewCachingClient decorates inner with service caching for the given
// device. props enables cache-vanish detection and may be nil.
func NewCachingClient(inner Client, d *device.Device, props bluez.PropertySource, logger *logrus.Logger) *CachingClient {
	if logger == nil {
		logger = logrus.New()
	}
	path, _ := d.Path()
	return &CachingClient{
		inner:  inner,
		path:   path,
		props:  props,
		logger: logger,
	}
}

// SetCachedServices replaces the cached service set. Passing nil clears it.
func (c *CachingClient) SetCachedServices(s ServiceSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = s
}

// CachedServices returns the current cache, or nil.
func (c *CachingClient) CachedServices() ServiceSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

// Connect drops a vanished cache, dials through the wrapped client, and
// repopulates the cache from live services after an uncached connect.
func (c *CachingClient) Connect(ctx context.Context, useCache bool) error {
	if c.CachedServices() != nil && c.servicesVanished(ctx) {
		c.logger.Debug("Clearing cached services since they have vanished")
		c.SetCachedServices(nil)
	}

	if err := c.inner.Connect(ctx, useCache); err != nil {
		return err
	}

	if !useCache {
		services, err := c.Services(ctx)
		if err != nil {
			// Services already forced the disconnect.
			return err
		}
		c.SetCachedServices(services)
	}
	return nil
}

// Services returns the cached service set when one exists, otherwise
// delegates to the wrapped client. A failed delegate call forces a
// disconnect so no half-initialized session leaks; this is a hard contract,
// not an optimization.
func (c *CachingClient) Services(ctx context.Context) (ServiceSet, error) {
	if cached := c.CachedServices(); cached != nil {
		c.logger.Debug("Using cached services")
		return cached, nil
	}

	services, err := c.inner.Services(ctx)
	if err != nil {
		c.logger.WithError(err).Debug("Disconnecting since service discovery failed")
		if derr := c.inner.Disconnect(ctx); derr != nil {
			c.logger.WithError(derr).Debug("Disconnect after failed discovery also failed")
		}
		return nil, err
	}
	return services, nil
}

func (c *CachingClient) Disconnect(ctx context.Context) error {
	return c.inner.Disconnect(ctx)
}

// servicesVanished reports whether the remote side no longer exposes any
// GATT service registration under the device's path. When detection is
// unavailable the cache is trusted; when the snapshot fails for any other
// reason the cache is treated as vanished, matching the conservative
// behavior of the bus backend.
func (c *CachingClient) servicesVanished(ctx context.Context) bool {
	if c.props == nil || c.path == "" {
		return false
	}
	snapshot, err := c.props.Properties(ctx)
	if err != nil {
		return !errors.Is(err, bluez.ErrUnsupported)
	}
	for path, ifaces := range snapshot {
		if !strings.HasPrefix(path, c.path) {
			continue
		}
		if _, ok := ifaces[bluez.GattServiceInterface]; ok {
			return false
		}
	}
	return true
}
