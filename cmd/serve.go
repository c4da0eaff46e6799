package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/catchall-otp/model"
	"github.com/dhcgn/catchall-otp/notify"
	"github.com/dhcgn/catchall-otp/runner"
	"github.com/dhcgn/catchall-otp/watch"
)

func newServeCommand(newLogger LoggerFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer code requests typed on the console until quit",
		Long: "Starts an interactive session sharing one mailbox connection between requests.\n" +
			"Type help for the list of commands.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, newLogger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c := &console{
				runner:  a.runner,
				sink:    a.sink,
				domains: a.cfg.SupportedDomains,
				out:     cmd.OutOrStdout(),
			}
			c.help()
			return c.serve(ctx, os.Stdin)
		},
	}
}

// consoleRunner is the part of the runner the console drives.
type consoleRunner interface {
	Check(ctx context.Context, target string, opts ...watch.RunOption) (model.WatchResult, error)
	StartWatch(target string, timeout time.Duration) (runner.WatchInfo, error)
	StartMonitor() (runner.WatchInfo, error)
	StopWatch(target string) error
	Status() runner.Status
}

type console struct {
	runner  consoleRunner
	sink    notify.Sink
	domains []string
	out     io.Writer

	wg sync.WaitGroup
}

// serve reads one command per line from in until quit, EOF or ctx is done.
// Lookups run in the background so a slow mailbox never blocks the prompt.
func (c *console) serve(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.dispatch(ctx, line); quit {
				return nil
			}
		}
	}
}

// dispatch runs one console line and reports whether the session should end.
func (c *console) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := strings.ToLower(strings.TrimPrefix(fields[0], "/")), fields[1:]

	switch name {
	case "quit", "exit":
		return true
	case "help":
		c.help()
	case "domains":
		printDomains(c.domains)
	case "status":
		printStatus(c.runner.Status())
	case "otp", "checkotp":
		target := ""
		if len(args) > 0 {
			target = args[0]
		} else if name == "otp" {
			c.fail(usageError("usage: otp <email>"))
			return false
		}
		c.lookup(ctx, target)
	case "watch", "watchotp":
		if len(args) == 0 {
			c.fail(usageError("usage: watch <email> [minutes]"))
			return false
		}
		timeout, err := parseTimeout(args[1:])
		if err != nil {
			c.fail(err)
			return false
		}
		info, err := c.runner.StartWatch(args[0], timeout)
		if err != nil {
			c.fail(err)
			return false
		}
		pterm.Info.Printfln("Watching %s until %s, use stop %s to end early",
			info.Target, info.Deadline.Local().Format(time.TimeOnly), info.Target)
	case "monitor":
		if _, err := c.runner.StartMonitor(); err != nil {
			c.fail(err)
			return false
		}
		pterm.Info.Println("Monitoring all supported domains, use stop to end")
	case "stop", "stopwatch":
		target := ""
		if len(args) > 0 {
			target = args[0]
		}
		if err := c.runner.StopWatch(target); err != nil {
			c.fail(err)
		}
	default:
		c.fail(usageError(fmt.Sprintf("unknown command %q, type help for the list", name)))
	}
	return false
}

func (c *console) lookup(ctx context.Context, target string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		result, err := c.runner.Check(ctx, target)
		if err != nil {
			c.fail(err)
			return
		}
		c.sink.Deliver(notify.Outcome{Target: target, Result: result})
	}()
}

func (c *console) fail(err error) {
	var usage usageError
	switch {
	case errors.As(err, &usage),
		errors.Is(err, runner.ErrAlreadyWatching),
		errors.Is(err, runner.ErrNotWatching),
		errors.Is(err, runner.ErrClosed):
		pterm.Error.Println(err.Error())
	default:
		pterm.Error.Println(notify.UserMessage(err))
	}
}

// usageError is a console input mistake, shown as is.
type usageError string

func (e usageError) Error() string { return string(e) }

func (c *console) help() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  otp <email>              look through recent mail for a code")
	fmt.Fprintln(c.out, "  checkotp                 look for codes sent to any supported address")
	fmt.Fprintln(c.out, "  watch <email> [minutes]  wait in the background for a code")
	fmt.Fprintln(c.out, "  monitor                  report every new code for all domains")
	fmt.Fprintln(c.out, "  stop [email]             stop a watch, or the monitor without email")
	fmt.Fprintln(c.out, "  status                   show the session and active watches")
	fmt.Fprintln(c.out, "  domains                  list the supported domains")
	fmt.Fprintln(c.out, "  quit                     leave")
}

// parseTimeout accepts whole minutes or a Go duration. No argument means
// the configured default.
func parseTimeout(args []string) (time.Duration, error) {
	if len(args) == 0 {
		return 0, nil
	}
	if minutes, err := strconv.Atoi(args[0]); err == nil {
		if minutes <= 0 {
			return 0, usageError(fmt.Sprintf("invalid timeout %q: must be positive", args[0]))
		}
		return time.Duration(minutes) * time.Minute, nil
	}
	d, err := time.ParseDuration(args[0])
	if err != nil || d <= 0 {
		return 0, usageError(fmt.Sprintf("invalid timeout %q: use minutes or a duration like 90s", args[0]))
	}
	return d, nil
}
