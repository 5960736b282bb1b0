// Package goble adapts a go-ble transport to the connector.Client
// collaborator interface, so EstablishConnection can drive real hardware.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/kaechele/bleak-retry-connector/connector"
	"github.com/kaechele/bleak-retry-connector/device"
)

// ErrNotConnected indicates an operation that needs a live connection.
var ErrNotConnected = errors.New("goble: not connected")

// DeviceFactory creates the ble.Device transport. A variable so tests can
// substitute a mock transport.
var DeviceFactory = func() (ble.Device, error) {
	return defaultDevice()
}

// Client drives a single peripheral over go-ble.
type Client struct {
	dev          *device.Device
	logger       *logrus.Logger
	disconnected connector.DisconnectedCallback

	mu      sync.Mutex
	client  ble.Client
	profile *ble.Profile
}

// NewClient builds a client bound to the device. The disconnected callback
// may be nil.
func NewClient(d *device.Device, disconnected connector.DisconnectedCallback, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{dev: d, disconnected: disconnected, logger: logger}
}

// Factory returns a connector.ClientFactory that builds go-ble clients.
func Factory(logger *logrus.Logger) connector.ClientFactory {
	return func(d *device.Device, disconnected connector.DisconnectedCallback) connector.Client {
		return NewClient(d, disconnected, logger)
	}
}

// Connect dials the peripheral. go-ble has no service cache support, so the
// useCache flag is accepted for interface compatibility and ignored.
func (c *Client) Connect(ctx context.Context, _ bool) error {
	transport, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("goble: create transport: %w", err)
	}
	ble.SetDefaultDevice(transport)

	c.logger.WithField("address", c.dev.Address).Debug("Dialing")
	client, err := ble.Dial(ctx, ble.NewAddr(c.dev.Address))
	if err != nil {
		return fmt.Errorf("goble: dial %s: %w", c.dev.Address, err)
	}

	c.mu.Lock()
	c.client = client
	c.profile = nil
	c.mu.Unlock()

	c.watchDisconnect(client)
	return nil
}

// watchDisconnect forwards the transport's disconnect notification. Not all
// go-ble backends expose the Disconnected channel, hence the assertion.
func (c *Client) watchDisconnect(client ble.Client) {
	if c.disconnected == nil {
		return
	}
	notifier, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		c.logger.Debug("Transport does not expose a Disconnected channel")
		return
	}
	go func() {
		<-notifier.Disconnected()
		c.logger.WithField("address", c.dev.Address).Debug("Transport reported disconnect")
		c.disconnected(c)
	}()
}

// Services discovers the peripheral's GATT profile, reusing a profile
// already discovered on this connection.
func (c *Client) Services(_ context.Context) (connector.ServiceSet, error) {
	c.mu.Lock()
	client := c.client
	profile := c.profile
	c.mu.Unlock()

	if client == nil {
		return nil, ErrNotConnected
	}
	if profile != nil {
		return profile, nil
	}

	discovered, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("goble: discover profile: %w", err)
	}

	c.mu.Lock()
	c.profile = discovered
	c.mu.Unlock()
	return discovered, nil
}

// Disconnect tears the connection down. Safe to call when not connected.
func (c *Client) Disconnect(_ context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.profile = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.CancelConnection(); err != nil {
		return fmt.Errorf("goble: cancel connection: %w", err)
	}
	return nil
}
