package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/catchall-otp/gatekeeper"
	"github.com/dhcgn/catchall-otp/notify"
	"github.com/dhcgn/catchall-otp/runner"
)

func newStatusCommand(newLogger LoggerFactory) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the effective configuration and optionally test the mailbox connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, newLogger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			cfg := a.cfg
			data := pterm.TableData{
				{"Setting", "Value"},
				{"Server", fmt.Sprintf("%s:%d (tls=%t)", cfg.IMAPHost, cfg.IMAPPort, cfg.UseTLS)},
				{"User", cfg.IMAPUser},
				{"Folder", cfg.Folder},
				{"Domains", fmt.Sprint(cfg.SupportedDomains)},
				{"Subjects", fmt.Sprint(cfg.SubjectSignatures)},
				{"Senders", fmt.Sprint(cfg.SenderAllowList)},
				{"Cooldown", cfg.Cooldown.String()},
				{"Poll interval", cfg.PollInterval.String()},
				{"Watch timeout", cfg.WatchTimeout.String()},
			}
			_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()

			if !probe {
				return nil
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			err = a.gate.Do(ctx, func(context.Context, *gatekeeper.Handle) error { return nil })
			printStatus(a.runner.Status())
			if err != nil {
				a.logger.Error("connection probe failed", "err", err)
				pterm.Error.Println(notify.UserMessage(err))
				return fmt.Errorf("connection probe failed")
			}
			pterm.Success.Println("Mailbox connection works")
			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "Open a session to the mailbox to check the credentials")
	return cmd
}

// printStatus renders the session state and every active watch.
func printStatus(s runner.Status) {
	session := s.Session
	pterm.Info.Printfln("Session %s, %d connect(s), %d queued, up %s",
		session.State, session.Connects, session.Queued, s.Uptime.Round(time.Second))
	if !session.BackoffUntil.IsZero() && time.Now().Before(session.BackoffUntil) {
		pterm.Warning.Printfln("Backing off until %s", session.BackoffUntil.Local().Format(time.TimeOnly))
	}

	if session.LastError != nil {
		pterm.Warning.Println("Last connection attempt failed: " + notify.UserMessage(session.LastError))
	}

	if len(s.Watches) == 0 {
		pterm.Info.Println("No active watches")
		return
	}

	data := pterm.TableData{{"Target", "State", "Started", "Deadline", "Found"}}
	for _, w := range s.Watches {
		target := w.Target
		if target == "" {
			target = "all domains"
		}
		deadline := "none"
		if !w.Deadline.IsZero() {
			deadline = w.Deadline.Local().Format(time.TimeOnly)
		}
		data = append(data, []string{
			target,
			string(w.State),
			w.Started.Local().Format(time.TimeOnly),
			deadline,
			strconv.Itoa(w.Found),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
