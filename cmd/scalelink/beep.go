package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bodygraph/scalelink/pkg/transport"
)

var (
	flagBeepFreq     int
	flagBeepDuration int
	flagBeepRepeat   int
)

var beepCmd = &cobra.Command{
	Use:   "beep",
	Short: "Sound the remote bridge's buzzer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		tr, cleanup, err := buildTransport(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		beeper, ok := tr.(transport.Beeper)
		if !ok {
			return fmt.Errorf("transport %q has no buzzer; beep needs the proxy transport", cfg.Transport)
		}
		return beeper.Beep(flagBeepFreq, flagBeepDuration, flagBeepRepeat)
	},
}

func init() {
	beepCmd.Flags().IntVar(&flagBeepFreq, "freq", 2000, "tone frequency in Hz")
	beepCmd.Flags().IntVar(&flagBeepDuration, "duration", 150, "tone duration in milliseconds")
	beepCmd.Flags().IntVar(&flagBeepRepeat, "repeat", 1, "number of tones")
	rootCmd.AddCommand(beepCmd)
}
