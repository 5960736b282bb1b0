package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kaechele/bleak-retry-connector/resolver"
)

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <address>",
		Short: "Resolve an address to its current best-signal adapter path",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}
}

func runResolve(cmd *cobra.Command, args []string) error {
	address := args[0]
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	props, closeProps := propertySource(logger)
	defer closeProps()

	r := resolver.New(props, logger)
	dev := r.GetDevice(cmd.Context(), address)
	if dev == nil {
		return fmt.Errorf("no adapter currently knows device %s", address)
	}

	path, _ := dev.Path()
	color.Green("%s", path)
	fmt.Printf("  name: %s\n", dev.Name)
	fmt.Printf("  rssi: %d\n", dev.RSSI)
	for _, uuid := range dev.UUIDs {
		fmt.Printf("  uuid: %s\n", uuid)
	}
	return nil
}
