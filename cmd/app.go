package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/catchall-otp/config"
	"github.com/dhcgn/catchall-otp/extract"
	"github.com/dhcgn/catchall-otp/filter"
	"github.com/dhcgn/catchall-otp/gatekeeper"
	"github.com/dhcgn/catchall-otp/imap"
	"github.com/dhcgn/catchall-otp/notify"
	"github.com/dhcgn/catchall-otp/runner"
	"github.com/dhcgn/catchall-otp/stats"
	"github.com/dhcgn/catchall-otp/watch"
)

// LoggerFactory builds the process logger from the loaded configuration.
// The returned cleanup closes any log file.
type LoggerFactory func(cfg config.Config) (*slog.Logger, func() error, error)

// Register adds every subcommand to root.
func Register(root *cobra.Command, newLogger LoggerFactory) {
	root.AddCommand(
		newCheckCommand(newLogger),
		newWaitCommand(newLogger),
		newWatchCommand(newLogger),
		newServeCommand(newLogger),
		newStatusCommand(newLogger),
		newScanCommand(newLogger),
		newDomainsCommand(newLogger),
		newKeyringCommand(),
	)
}

// app is everything one invocation needs to talk to the mailbox.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	gate      *gatekeeper.Gatekeeper
	extractor *extract.Extractor
	runner    *runner.Runner
	reporter  *stats.Reporter
	sink      notify.Sink

	cleanupLog func() error
}

func newOfflineApp(cmd *cobra.Command, newLogger LoggerFactory) (*app, error) {
	cfg, err := config.LoadOfflineConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, cleanup, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}
	slog.SetDefault(logger)

	f, err := filter.New(filter.Options{Subjects: cfg.SubjectSignatures, Senders: cfg.SenderAllowList})
	if err != nil {
		_ = cleanup()
		return nil, &config.ConfigurationError{Key: "subjects", Reason: err.Error()}
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		extractor:  extract.New(f, logger),
		sink:       notify.Multi{notify.Console{}, notify.Log{Logger: logger}},
		cleanupLog: cleanup,
	}, nil
}

func newApp(cmd *cobra.Command, newLogger LoggerFactory) (*app, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, cleanup, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, cleanupLog: cleanup}
	if err := a.wire(); err != nil {
		_ = a.close()
		return nil, err
	}

	logger.Info("starting catchall-otp", "host", cfg.IMAPHost, "folder", cfg.Folder, "domains", cfg.SupportedDomains)
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	f, err := filter.New(filter.Options{Subjects: cfg.SubjectSignatures, Senders: cfg.SenderAllowList})
	if err != nil {
		return &config.ConfigurationError{Key: "subjects", Reason: err.Error()}
	}
	a.extractor = extract.New(f, a.logger)

	dialer := gatekeeper.IMAPDialer(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Folder:             cfg.Folder,
		ConnectTimeout:     cfg.ConnectTimeout,
		AuthTimeout:        cfg.AuthTimeout,
		FetchLimit:         cfg.FetchLimit,
	}, a.logger)

	a.gate, err = gatekeeper.New(dialer, gatekeeper.Options{
		Cooldown:     cfg.Cooldown,
		LimitBackoff: cfg.LimitBackoff,
		IdleTimeout:  cfg.IdleTimeout,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("gatekeeper: %w", err)
	}

	controller, err := watch.New(a.gate, a.extractor, watch.Options{
		Domains:      cfg.SupportedDomains,
		DrainWindow:  cfg.DrainWindow,
		PollInterval: cfg.PollInterval,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("watch controller: %w", err)
	}

	a.sink = notify.Multi{notify.Console{}, notify.Log{Logger: a.logger}}
	a.runner, err = runner.New(cfg, a.gate, controller, a.sink, a.logger)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	a.reporter = stats.NewReporter(a.runner, a.logger)
	return nil
}

// close stops watches, logs the stats summary and closes the session.
func (a *app) close() error {
	var firstErr error
	if a.runner != nil {
		if err := a.runner.Close(); err != nil {
			firstErr = err
		}
	}
	if a.gate != nil {
		if err := a.gate.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.cleanupLog != nil {
		if err := a.cleanupLog(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
