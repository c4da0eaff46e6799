// Package notify hands watch outcomes to a human: on the console through
// pterm, or into the log.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/catchall-otp/config"
	"github.com/dhcgn/catchall-otp/imap"
	"github.com/dhcgn/catchall-otp/model"
)

// Outcome is the result of one request for one target.
type Outcome struct {
	// Target is the requested address; empty for the all-domains monitor.
	Target string
	Result model.WatchResult
}

type Sink interface {
	Deliver(o Outcome)
}

// Level is the severity a sink uses to present an outcome.
type Level int

const (
	LevelSuccess Level = iota
	LevelWarning
	LevelInfo
	LevelError
)

// Describe renders o as one line and the level it should be shown at.
func Describe(o Outcome) (Level, string) {
	target := o.Target
	if target == "" {
		target = "any supported address"
	}

	r := o.Result
	switch r.State {
	case model.WatchFound:
		code := r.Code
		line := fmt.Sprintf("Code %s for %s (%q, received %s, %s match, after %s)",
			code.Value, code.SourceRecipient, code.SourceSubject,
			code.ReceivedAt.Local().Format(time.TimeOnly), code.MatchTier, r.Elapsed.Round(time.Millisecond))
		if code.LowConfidence() {
			return LevelWarning, line + ": low confidence, check the email before using it"
		}
		return LevelSuccess, line
	case model.WatchTimedOut:
		return LevelInfo, fmt.Sprintf("No verification code found for %s", target)
	case model.WatchCancelled:
		return LevelInfo, fmt.Sprintf("Stopped watching %s", target)
	default:
		return LevelError, UserMessage(r.Err)
	}
}

// UserMessage turns a failure into text fit for an end user. Transport
// details stay in the log.
func UserMessage(err error) string {
	var (
		cfgErr    *config.ConfigurationError
		domainErr *config.UnsupportedDomainError
	)
	switch {
	case err == nil:
		return "Could not check mail right now. Please try again."
	case errors.As(err, &cfgErr):
		return cfgErr.Error()
	case errors.As(err, &domainErr):
		return domainErr.Error()
	case errors.Is(err, config.ErrAddressRequired), errors.Is(err, config.ErrAddressInvalid):
		return err.Error()
	case errors.Is(err, imap.ErrConnectionLimit):
		return "The mail server is busy. Please try again in a few seconds."
	default:
		return "Could not check mail right now. Please try again."
	}
}

// Console prints outcomes with pterm prefixes.
type Console struct{}

func (Console) Deliver(o Outcome) {
	level, line := Describe(o)
	switch level {
	case LevelSuccess:
		pterm.Success.Println(line)
	case LevelWarning:
		pterm.Warning.Println(line)
	case LevelInfo:
		pterm.Info.Println(line)
	default:
		pterm.Error.Println(line)
	}
}

// Log records outcomes as structured log lines.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Deliver(o Outcome) {
	if l.Logger == nil {
		return
	}
	attrs := []any{"target", o.Target, "state", o.Result.State, "elapsed", o.Result.Elapsed, "cycles", o.Result.Cycles}
	switch o.Result.State {
	case model.WatchFound:
		attrs = append(attrs, "tier", o.Result.Code.MatchTier, "recipient", o.Result.Code.SourceRecipient)
		l.Logger.Info("watch outcome", attrs...)
	case model.WatchFailed:
		l.Logger.Error("watch outcome", append(attrs, "err", o.Result.Err)...)
	default:
		l.Logger.Info("watch outcome", attrs...)
	}
}

// Multi delivers to every sink in order.
type Multi []Sink

func (m Multi) Deliver(o Outcome) {
	for _, s := range m {
		s.Deliver(o)
	}
}

// Func adapts a function to a Sink.
type Func func(Outcome)

func (f Func) Deliver(o Outcome) { f(o) }
