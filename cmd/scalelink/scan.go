package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bodygraph/scalelink"

	_ "github.com/bodygraph/scalelink/pkg/scales/all"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby BLE devices and which scale adapter claims them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tr, cleanup, err := buildTransport(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := tr.Ready(ctx); err != nil {
			return err
		}

		scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout.Std())
		defer cancel()
		devices, err := tr.Scan(scanCtx)
		if err != nil {
			return err
		}

		adapters := scalelink.NewAdapterSet()
		for dev := range devices {
			label := "-"
			for _, adapter := range adapters {
				if adapter.Matches(dev) {
					label = adapter.Name()
					break
				}
			}
			name := dev.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%-20s rssi=%-5d adapter=%-10s %s\n", dev.Address, dev.RSSI, label, name)
			if len(dev.Services) > 0 {
				logger.WithField("services", strings.Join(dev.Services, ",")).
					WithField("address", dev.Address).Debug("advertised services")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
