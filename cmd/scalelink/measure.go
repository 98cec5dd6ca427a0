package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bodygraph/scalelink/pkg/acquire"
	"github.com/bodygraph/scalelink/pkg/body"

	_ "github.com/bodygraph/scalelink/pkg/scales/all"
)

var flagContinuous bool

// measurementPublisher is satisfied by the proxy transport; measurements go
// back out on the bus for downstream consumers.
type measurementPublisher interface {
	PublishMeasurement(payload []byte) error
}

// measurement is the JSON document printed (and published) per reading.
type measurement struct {
	Time      time.Time `json:"time"`
	Address   string    `json:"address"`
	Adapter   string    `json:"adapter"`
	Broadcast bool      `json:"broadcast"`
	body.Composition
}

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Acquire a measurement from the first recognized scale",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tr, cleanup, err := buildTransport(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		acquirer := acquire.New(tr, logger, acquire.Options{
			TargetAddress:     cfg.TargetAddress,
			ScanTimeout:       cfg.ScanTimeout.Std(),
			ConnectTimeout:    cfg.ConnectTimeout.Std(),
			CompletionTimeout: cfg.CompletionTimeout.Std(),
		})
		publisher, _ := tr.(measurementPublisher)

		for {
			if err := runOnce(ctx, acquirer, publisher); err != nil {
				if !flagContinuous || ctx.Err() != nil {
					return err
				}
				logger.WithError(err).Warn("acquisition failed, retrying")
			}
			if !flagContinuous {
				return nil
			}
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func runOnce(ctx context.Context, acquirer *acquire.Acquirer, publisher measurementPublisher) error {
	res, err := acquirer.Acquire(ctx)
	if err != nil {
		return err
	}

	comp, full := res.Adapter.ComputeMetrics(res.Reading, cfg.Profile())
	if !full {
		logger.WithFields(logrus.Fields{
			"weight_kg": res.Reading.WeightKg,
		}).Warn("composition unavailable, reporting weight only")
	}

	doc := measurement{
		Time:        time.Now().UTC(),
		Address:     res.Device.Address,
		Adapter:     res.Adapter.Name(),
		Broadcast:   res.Broadcast,
		Composition: comp,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	fmt.Println(string(payload))

	if publisher != nil {
		if err := publisher.PublishMeasurement(payload); err != nil {
			logger.WithError(err).Warn("could not publish measurement")
		}
	}
	return nil
}

func init() {
	measureCmd.Flags().BoolVar(&flagContinuous, "continuous", false, "keep acquiring measurements until interrupted")
	rootCmd.AddCommand(measureCmd)
}
