package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/catchall-otp/notify"
	"github.com/dhcgn/catchall-otp/watch"
)

func newCheckCommand(newLogger LoggerFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "check [address]",
		Short: "Look once through recent mail for a verification code",
		Long: "Searches the last --max-age of mail for a verification code sent to address,\n" +
			"or to any address of a supported domain when address is omitted.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, newLogger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			var target string
			if len(args) == 1 {
				target = args[0]
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			spinner := notify.NewSpinner(target, a.cfg.LogLevel)
			result, err := a.runner.Check(ctx, target, watch.WithStateFunc(spinner.Update), watch.WithEmitter(spinner))
			spinner.Stop()
			if err != nil {
				return err
			}

			a.sink.Deliver(notify.Outcome{Target: strings.TrimSpace(target), Result: result})
			return nil
		},
	}
}

func newWaitCommand(newLogger LoggerFactory) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <address>",
		Short: "Wait for a verification code to arrive for one address",
		Long: "Looks through the last --drain-window of mail, then keeps polling until a code\n" +
			"arrives for address or --timeout elapses.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, newLogger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			spinner := notify.NewSpinner(args[0], a.cfg.LogLevel)
			result, err := a.runner.Wait(ctx, args[0], timeout, watch.WithStateFunc(spinner.Update), watch.WithEmitter(spinner))
			spinner.Stop()
			if err != nil {
				return err
			}

			a.sink.Deliver(notify.Outcome{Target: strings.TrimSpace(args[0]), Result: result})
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait (defaults to --watch-timeout)")
	return cmd
}
