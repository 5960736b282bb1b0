package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kaechele/bleak-retry-connector/connector"
	"github.com/kaechele/bleak-retry-connector/device"
	"github.com/kaechele/bleak-retry-connector/goble"
	"github.com/kaechele/bleak-retry-connector/internal/bluez"
	"github.com/kaechele/bleak-retry-connector/resolver"
)

func newConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <address>",
		Short: "Connect to a peripheral with retries",
		Args:  cobra.ExactArgs(1),
		RunE:  runConnect,
	}
	cmd.Flags().Int("attempts", 0, "override hard-failure budget")
	cmd.Flags().String("options", "", "YAML file with connection options")
	return cmd
}

// optionsFile is the YAML shape of --options. Durations are strings in
// time.ParseDuration format.
type optionsFile struct {
	MaxAttempts        int    `yaml:"max_attempts"`
	MaxTransientErrors int    `yaml:"max_transient_errors"`
	ConnectTimeout     string `yaml:"connect_timeout"`
	SafetyTimeout      string `yaml:"safety_timeout"`
	Backoff            string `yaml:"backoff"`
}

func loadOptions(path string) (*connector.ConnectOptions, error) {
	opts := &connector.ConnectOptions{}
	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}
	var raw optionsFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse options file: %w", err)
	}

	opts.MaxAttempts = raw.MaxAttempts
	opts.MaxTransientErrors = raw.MaxTransientErrors
	for _, d := range []struct {
		value string
		dst   *time.Duration
	}{
		{raw.ConnectTimeout, &opts.ConnectTimeout},
		{raw.SafetyTimeout, &opts.SafetyTimeout},
		{raw.Backoff, &opts.Backoff},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("parse options file: %w", err)
		}
		*d.dst = parsed
	}
	return opts, nil
}

// propertySource connects to the system bus, falling back to the absent
// capability when no bus is reachable.
func propertySource(logger *logrus.Logger) (bluez.PropertySource, func()) {
	monitor, err := bluez.NewMonitor(logger)
	if err != nil {
		logger.WithError(err).Debug("System bus unavailable, running without bus introspection")
		return bluez.Absent(), func() {}
	}
	return monitor, func() { _ = monitor.Close() }
}

func runConnect(cmd *cobra.Command, args []string) error {
	address := args[0]
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	optionsPath, _ := cmd.Flags().GetString("options")
	opts, err := loadOptions(optionsPath)
	if err != nil {
		return err
	}
	if attempts, _ := cmd.Flags().GetInt("attempts"); attempts > 0 {
		opts.MaxAttempts = attempts
	}

	props, closeProps := propertySource(logger)
	defer closeProps()

	r := resolver.New(props, logger)
	ctx := cmd.Context()

	dev := r.GetDevice(ctx, address)
	if dev == nil {
		dev = &device.Device{Address: address}
	}

	opts.Resolver = r
	opts.Props = props
	opts.Logger = logger

	factory := func(d *device.Device, disconnected connector.DisconnectedCallback) connector.Client {
		return connector.NewCachingClient(goble.NewClient(d, disconnected, logger), d, props, logger)
	}

	start := time.Now()
	client, err := connector.EstablishConnection(ctx, factory, dev, address, opts)
	if err != nil {
		return describeFailure(err)
	}
	defer func() { _ = client.Disconnect(ctx) }()

	color.Green("Connected to %s (%s) in %s", address, device.Description(dev), time.Since(start).Round(time.Millisecond))

	services, err := client.Services(ctx)
	if err != nil {
		return fmt.Errorf("service discovery failed: %w", err)
	}
	if profile, ok := services.(*ble.Profile); ok {
		for _, svc := range profile.Services {
			color.Cyan("service %s (%d characteristics)", svc.UUID, len(svc.Characteristics))
		}
	}
	return nil
}

// describeFailure rewraps a terminal connector error with its category name
// so field reports identify the failure class at a glance.
func describeFailure(err error) error {
	var notFound *connector.NotFoundError
	var aborted *connector.AbortedError
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("device not found: %w", err)
	case errors.As(err, &aborted):
		return fmt.Errorf("connection aborted: %w", err)
	default:
		return err
	}
}
