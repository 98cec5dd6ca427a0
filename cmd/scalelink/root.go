package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bodygraph/scalelink/pkg/config"
	"github.com/bodygraph/scalelink/pkg/transport"
	"github.com/bodygraph/scalelink/pkg/transport/local"
	"github.com/bodygraph/scalelink/pkg/transport/proxy"
)

var (
	flagConfig    string
	flagTransport string
	flagTarget    string
	flagLogLevel  string
	flagVerbose   bool

	cfg    *config.Config
	logger = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:           "scalelink",
	Short:         "Read body-composition measurements from BLE smart scales",
	Long:          "scalelink acquires weight and body-composition readings from BLE smart scales,\neither through the local Bluetooth radio or through a remote radio bridged over MQTT.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if flagConfig != "" {
			cfg, err = config.Load(flagConfig)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}

		if flagTransport != "" {
			cfg.Transport = flagTransport
		}
		if flagTarget != "" {
			cfg.TargetAddress = flagTarget
		}
		if flagLogLevel != "" {
			cfg.LogLevel = flagLogLevel
		}
		if flagVerbose {
			cfg.LogLevel = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return configureLogger(cfg.LogLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flagTransport, "transport", "t", "", "transport to use (local or proxy)")
	rootCmd.PersistentFlags().StringVar(&flagTarget, "address", "", "acquire from this device address only")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "shorthand for --log-level debug")
}

func configureLogger(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(parsed)
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// buildTransport constructs the configured transport. The returned cleanup
// releases the transport's resources and is safe to call once.
func buildTransport(ctx context.Context) (transport.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportProxy:
		p := proxy.New(proxy.Options{
			BrokerURL:      cfg.MQTT.Broker,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			DeviceID:       cfg.MQTT.DeviceID,
			ScanTimeout:    cfg.ScanTimeout.Std(),
			ConnectTimeout: cfg.ConnectTimeout.Std(),
		}, logger)
		if err := p.Open(ctx); err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	default:
		l := local.New(local.Options{}, logger)
		return l, func() { _ = l.Close() }, nil
	}
}
