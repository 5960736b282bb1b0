package connector

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/kaechele/bleak-retry-connector/device"
)

// EstablishConnection drives the connection attempt loop until the client
// connects or the retry budget is exhausted. On exhaustion it returns one of
// NotFoundError, AbortedError or ConnectionError; every lower-level failure
// underneath the budget is recovered locally.
//
// Exactly one live client exists per invocation: a new one is constructed
// only on the first iteration or after the device identity changed, so no
// partially-initialized transport state leaks between attempts.
func EstablishConnection(ctx context.Context, factory ClientFactory, dev *device.Device, name string, opts *ConnectOptions) (Client, error) {
	resolved := ConnectOptions{}
	if opts != nil {
		resolved = *opts
	}
	defaults.SetDefaults(&resolved)
	opts = &resolved

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	st := &AttemptState{}
	canUseCachedServices := true
	createClient := true
	var client Client

	for {
		st.Attempts++
		original := dev

		// The handle can rotate between attempts, e.g. when the caller
		// re-discovers the device.
		if opts.DeviceCallback != nil {
			if d := opts.DeviceCallback(); d != nil {
				dev = d
			}
		}

		if opts.Resolver != nil {
			if fresh := opts.Resolver.Freshen(ctx, dev); fresh != nil {
				dev = fresh
				// The cache may not be valid against a freshened,
				// possibly different, path.
				canUseCachedServices = false
			}
		}

		if !createClient {
			createClient = device.Changed(original, dev)
		}

		description := device.Description(dev)
		log := logger.WithFields(logrus.Fields{
			"device":      name,
			"description": description,
			"attempt":     st.Attempts,
			"rssi":        dev.RSSI,
		})
		log.Debug("Connecting")

		if createClient {
			client = factory(dev, opts.Disconnected)
			if canUseCachedServices && opts.CachedServices != nil {
				if cacher, ok := client.(ServiceCacher); ok {
					cacher.SetCachedServices(opts.CachedServices)
				}
			}
			createClient = false
		}

		// A leftover session from a previous run blocks new connects.
		if opts.Props != nil && DeviceIsConnected(ctx, opts.Props, dev) {
			log.Debug("Unexpectedly connected, closing stale session")
			disconnectStale(ctx, opts.Props, dev, logger)
		}

		err := connectWithSafetyTimeout(ctx, client, opts)
		if err == nil {
			log.Debug("Connected")
			return client, nil
		}

		// Caller cancellation propagates; it is not a failure category.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, err
		}

		decision := Classify(err, st, opts)
		log.WithError(err).WithField("backoff", decision.Backoff).Debug("Failed to connect")

		switch decision.Action {
		case ActionRaise:
			return nil, decision.terminalError(name, description, err)
		case ActionBackoff:
			if serr := sleepContext(ctx, decision.Backoff); serr != nil {
				return nil, serr
			}
		}

		// Let a pending disconnect notification be observed before the
		// next attempt reuses or replaces the client; otherwise a stale
		// disconnect event can be misattributed to the new attempt.
		runtime.Gosched()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// connectWithSafetyTimeout runs the client's connect under two deadlines:
// the transport-specific one and a hard outer safety bound. The transport
// does not always honor its own deadline when the bus stalls, so the safety
// deadline wins even if Connect never returns.
func connectWithSafetyTimeout(ctx context.Context, client Client, opts *ConnectOptions) error {
	safetyCtx, cancelSafety := context.WithTimeout(ctx, opts.SafetyTimeout)
	defer cancelSafety()
	connectCtx, cancelConnect := context.WithTimeout(safetyCtx, opts.ConnectTimeout)
	defer cancelConnect()

	done := make(chan error, 1)
	go func() {
		done <- client.Connect(connectCtx, opts.CachedServices != nil)
	}()

	select {
	case err := <-done:
		return err
	case <-safetyCtx.Done():
		return safetyCtx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
