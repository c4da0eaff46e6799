package cmd

import (
	"errors"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newWatchCommand(newLogger LoggerFactory) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch [address...]",
		Short: "Wait for codes for several addresses, or monitor every supported domain",
		Long: "With addresses, waits for a code for each of them concurrently and reports every\n" +
			"outcome. Without addresses, monitors all supported domains and reports each new\n" +
			"code as it arrives until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, newLogger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if len(args) > 0 {
				pterm.Info.Printfln("Waiting for codes for %d address(es)", len(args))
				return a.runner.WaitAll(ctx, args, timeout)
			}

			if _, err := a.runner.StartMonitor(); err != nil {
				return err
			}
			pterm.Info.Printfln("Monitoring %v every %s, press Ctrl-C to stop", a.cfg.SupportedDomains, a.cfg.MonitorInterval)

			if err := a.runner.WaitWatches(ctx); err != nil && !errors.Is(err, ctx.Err()) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait per address (defaults to --watch-timeout)")
	return cmd
}
