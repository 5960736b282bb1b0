// Package connector establishes resilient connections to BLE peripherals.
// A connection attempt can fail in many transient, bus-specific or permanent
// ways; the connector classifies each failure, keeps per-invocation counters
// and retries with the appropriate cooldown until the budget is exhausted.
package connector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kaechele/bleak-retry-connector/device"
	"github.com/kaechele/bleak-retry-connector/internal/bluez"
	"github.com/kaechele/bleak-retry-connector/resolver"
)

// ServiceSet is an opaque handle to resolved GATT services. The connector
// never looks inside it; it only decides whether a cached one may be reused.
type ServiceSet interface{}

// Client is the transport collaborator. Connect must honor the deadline on
// ctx; useCache asks the transport to trust previously cached service data.
type Client interface {
	Connect(ctx context.Context, useCache bool) error
	Disconnect(ctx context.Context) error
	Services(ctx context.Context) (ServiceSet, error)
}

// DisconnectedCallback is invoked when the transport reports that the
// connection was lost.
type DisconnectedCallback func(Client)

// ClientFactory builds a client bound to a device. The disconnected callback
// may be nil; factories must accept it at construction so no notification
// can be lost between construction and registration.
type ClientFactory func(d *device.Device, disconnected DisconnectedCallback) Client

// ServiceCacher is implemented by clients that can carry a service cache
// across sessions, such as CachingClient.
type ServiceCacher interface {
	SetCachedServices(ServiceSet)
	CachedServices() ServiceSet
}

// ConnectOptions tunes one EstablishConnection call. The zero value gets the
// field defaults applied; collaborator fields are optional capabilities that
// simply no-op when absent.
type ConnectOptions struct {
	// MaxAttempts bounds hard failures: timeouts plus generic connect
	// errors. Shorter timeouts with more attempts behave better on the bus
	// than one long attempt.
	MaxAttempts int `default:"4"`

	// MaxTransientErrors bounds transient bus noise. Transient errors are
	// usually resolved by waiting and retrying, so the budget is much more
	// generous than MaxAttempts.
	MaxTransientErrors int `default:"9"`

	// ConnectTimeout bounds the transport's own connect call.
	ConnectTimeout time.Duration `default:"14250ms"`

	// SafetyTimeout is a hard outer bound around the whole attempt. The
	// transport's timeout is not always honored when the bus stalls, so
	// exceeding either one counts as a timeout.
	SafetyTimeout time.Duration `default:"15750ms"`

	// Backoff is the cooldown after a bus protocol desync; the bus library
	// needs wall-clock time to run its cleanup callbacks or the next
	// attempt fails identically.
	Backoff time.Duration `default:"250ms"`

	// CachedServices seeds the client with previously resolved services
	// when reuse is permitted.
	CachedServices ServiceSet

	// Disconnected is handed to the client factory.
	Disconnected DisconnectedCallback

	// DeviceCallback supplies a possibly-different handle before each
	// attempt, for callers that re-discover between attempts.
	DeviceCallback func() *device.Device

	// Resolver freshens stale handles between attempts.
	Resolver *resolver.Resolver

	// Props enables pre-connect stale-session cleanup.
	Props bluez.PropertySource

	Logger *logrus.Logger
}
