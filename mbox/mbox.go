// Package mbox runs the code extractor over an mbox archive. It is the
// offline counterpart of a watch, used to check which messages the
// extraction patterns recognise.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/catchall-otp/extract"
	"github.com/dhcgn/catchall-otp/imap"
	"github.com/dhcgn/catchall-otp/model"
)

type Options struct {
	// Path is the archive to read; "-" reads standard input.
	Path string
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &fileReader{path: path, logger: logger}, nil
}

// NewStreamReader reads an archive from src; name is only used in logs.
func NewStreamReader(src io.Reader, name string, logger *slog.Logger) Reader {
	return &fileReader{path: name, src: src, logger: logger}
}

type fileReader struct {
	path   string
	src    io.Reader
	logger *slog.Logger
}

// Stream sends every message of the archive to out. UIDs are the 1-based
// position in the archive. A message that cannot be parsed is sent as an
// envelope carrying a *imap.ParseError and the stream continues.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	src := f.src
	if src == nil {
		if f.path == "-" {
			src = os.Stdin
		} else {
			file, err := os.Open(f.path)
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer file.Close()
			src = file
		}
	}
	reader := mboxlib.NewReader(src)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		uid := uint32(idx + 1)
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		msg, err := imap.ParseMessage(raw)
		if err != nil {
			if err := f.emitError(ctx, out, &imap.ParseError{UID: uid, Err: err}); err != nil {
				return err
			}
			continue
		}
		msg.UID = uid

		if err := f.emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Warn("skipping unparseable mbox message", "path", f.path, "err", err)
	}
	return f.emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Match is one message the extractor found a code in.
type Match struct {
	Message model.ParsedMessage
	Code    model.CandidateCode
}

type Report struct {
	Messages    int
	ParseErrors int
	Matches     []Match
	Tiers       map[string]int
	Subjects    map[string]int
}

// Scan streams the archive through the extractor. target works as for a
// watch: empty matches any recipient.
func Scan(ctx context.Context, reader Reader, x *extract.Extractor, target string) (Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan model.Envelope, 32)
	done := make(chan error, 1)
	go func() {
		done <- reader.Stream(ctx, out)
		close(out)
	}()

	report := Report{Tiers: make(map[string]int), Subjects: make(map[string]int)}
	for env := range out {
		if env.Err != nil {
			report.ParseErrors++
			continue
		}
		report.Messages++

		code, ok := x.Extract(env.Message, target)
		if !ok {
			continue
		}
		report.Matches = append(report.Matches, Match{Message: env.Message, Code: code})
		report.Tiers[string(code.MatchTier)]++
		report.Subjects[env.Message.Subject]++
	}

	if err := <-done; err != nil {
		return report, err
	}
	return report, nil
}
