// Package watch drives search, fetch and extract cycles against the shared
// mailbox until a code turns up, the deadline passes or the caller cancels.
//
// A run first drains a short look-back window so that a code which arrived
// just before the request is not missed, then polls for new arrivals. Each
// poll searches from the start of the previous cycle; overlap is harmless
// because already examined messages are skipped.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dhcgn/catchall-otp/extract"
	"github.com/dhcgn/catchall-otp/gatekeeper"
	"github.com/dhcgn/catchall-otp/imap"
	"github.com/dhcgn/catchall-otp/model"
	"github.com/dhcgn/catchall-otp/state"
	"github.com/dhcgn/catchall-otp/stats"
)

const (
	DefaultDrainWindow  = 30 * time.Second
	DefaultPollInterval = time.Second

	// clockSkew tolerates small differences between the mail server's
	// arrival time and the local clock.
	clockSkew = 5 * time.Second

	// OnceRetryLimit is how many busy-server cycles a one-shot request
	// tolerates before it fails.
	OnceRetryLimit = 3
)

type Options struct {
	// Domains restricts requests without a target address.
	Domains      []string
	DrainWindow  time.Duration
	PollInterval time.Duration
}

type Controller struct {
	gate      *gatekeeper.Gatekeeper
	extractor *extract.Extractor
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func New(gate *gatekeeper.Gatekeeper, extractor *extract.Extractor, opts Options, logger *slog.Logger) (*Controller, error) {
	if gate == nil {
		return nil, fmt.Errorf("watch: gatekeeper is nil")
	}
	if extractor == nil {
		return nil, fmt.Errorf("watch: extractor is nil")
	}
	if opts.DrainWindow <= 0 {
		opts.DrainWindow = DefaultDrainWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	domains := make([]string, 0, len(opts.Domains))
	for _, d := range opts.Domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains = append(domains, d)
		}
	}
	opts.Domains = domains

	return &Controller{
		gate:      gate,
		extractor: extractor,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// RunOption customises a single Run.
type RunOption func(*run)

// WithTracker shares a seen-message tracker across runs, so a continuous
// watch does not report the same message twice.
func WithTracker(t state.Tracker) RunOption {
	return func(r *run) { r.tracker = t }
}

// WithEmitter sends progress events to e. It may be given more than once.
func WithEmitter(e stats.Emitter) RunOption {
	return func(r *run) { r.events = append(r.events, e) }
}

// WithStateFunc is called on every state transition.
func WithStateFunc(fn func(model.WatchState)) RunOption {
	return func(r *run) { r.onState = fn }
}

type run struct {
	req      model.WatchRequest
	target   string
	criteria model.SearchCriteria
	tracker  state.Tracker
	events   []stats.Emitter
	onState  func(model.WatchState)
	started  time.Time
	cycles   int
}

// Run executes one watch request and always returns a terminal result. The
// session handle is released before Run returns on every path.
func (c *Controller) Run(ctx context.Context, req model.WatchRequest, opts ...RunOption) model.WatchResult {
	r := &run{
		req:     req,
		target:  strings.ToLower(strings.TrimSpace(req.TargetAddress)),
		started: c.now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracker == nil {
		r.tracker = state.NewMemoryTracker()
	}
	r.criteria = model.SearchCriteria{Recipient: r.target}
	if r.target == "" {
		r.criteria.Domains = c.opts.Domains
	}

	c.transition(r, model.WatchStarting)

	if req.HasDeadline() {
		if !r.started.Before(req.Deadline) {
			return c.finish(r, model.WatchResult{State: model.WatchTimedOut})
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	lookback := req.Lookback
	if lookback <= 0 {
		lookback = c.opts.DrainWindow
	}
	interval := req.PollInterval
	if interval <= 0 {
		interval = c.opts.PollInterval
	}

	c.transition(r, model.WatchDrainingExisting)
	notBefore := r.started.Add(-lookback)

	for {
		if err := ctx.Err(); err != nil {
			return c.finish(r, c.stopped(r, err))
		}

		cycleStart := c.now()
		code, err := c.cycle(ctx, r, notBefore)
		r.cycles++
		c.emit(r, stats.Event{Stage: stats.StageWatch, Type: stats.EventTypeCycle})

		switch {
		case code != nil:
			return c.finish(r, model.WatchResult{State: model.WatchFound, Code: code})
		case err != nil && ctx.Err() != nil:
			return c.finish(r, c.stopped(r, ctx.Err()))
		case err != nil && !retryable(err):
			return c.finish(r, model.WatchResult{State: model.WatchFailed, Err: err})
		case err != nil && req.Once && r.cycles >= OnceRetryLimit:
			return c.finish(r, model.WatchResult{State: model.WatchFailed, Err: err})
		case err != nil:
			if c.logger != nil {
				c.logger.Warn("mailbox busy, retrying next cycle", "target", r.target, "err", err)
			}
		}

		if req.Once && err == nil {
			return c.finish(r, model.WatchResult{State: model.WatchTimedOut})
		}

		if err == nil {
			notBefore = cycleStart
		}
		if r.cycles == 1 {
			c.transition(r, model.WatchPolling)
		}

		if err := sleep(ctx, interval); err != nil {
			return c.finish(r, c.stopped(r, err))
		}
	}
}

// cycle runs one search/fetch/extract pass under a single session turn.
func (c *Controller) cycle(ctx context.Context, r *run, notBefore time.Time) (*model.CandidateCode, error) {
	criteria := r.criteria
	criteria.NotBefore = notBefore

	var found *model.CandidateCode
	err := c.gate.Do(ctx, func(ctx context.Context, h *gatekeeper.Handle) error {
		uids, err := h.Search(ctx, criteria)
		if err != nil {
			c.emit(r, stats.Event{Stage: stats.StageSearch, Type: stats.EventTypeError, Err: err})
			return err
		}
		c.emit(r, stats.Event{Stage: stats.StageSearch, Type: stats.EventTypeSearched, Count: len(uids)})

		fresh := r.tracker.Unseen(uids)
		if len(fresh) == 0 {
			return nil
		}

		messages, err := h.Fetch(ctx, fresh)
		if err != nil {
			c.emit(r, stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Err: err})
			return err
		}
		c.emit(r, stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched, Count: len(messages)})

		for _, msg := range messages {
			r.tracker.MarkSeen(msg.UID)
			if !c.eligible(r, msg, notBefore) {
				c.emit(r, stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped, UID: msg.UID})
				continue
			}
			code, ok := c.extractor.Extract(msg, r.target)
			if !ok {
				c.emit(r, stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeSkipped, UID: msg.UID})
				continue
			}
			c.emit(r, stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeFound, UID: msg.UID, Detail: string(code.MatchTier)})
			found = &code
			return nil
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.emit(r, stats.Event{Stage: stats.StageSession, Type: stats.EventTypeError, Err: err})
		}
		return nil, err
	}
	return found, nil
}

// eligible applies the checks the mail store cannot do: sub-day arrival
// time and, without a target, membership in a supported domain.
func (c *Controller) eligible(r *run, msg model.ParsedMessage, notBefore time.Time) bool {
	if !msg.Date.IsZero() && msg.Date.Before(notBefore.Add(-clockSkew)) {
		return false
	}
	if r.target != "" || len(c.opts.Domains) == 0 {
		return true
	}
	to := strings.ToLower(msg.To)
	for _, d := range c.opts.Domains {
		if strings.Contains(to, "@"+d) {
			return true
		}
	}
	return false
}

func (c *Controller) stopped(r *run, err error) model.WatchResult {
	if errors.Is(err, context.DeadlineExceeded) && r.req.HasDeadline() && !c.now().Before(r.req.Deadline) {
		return model.WatchResult{State: model.WatchTimedOut}
	}
	return model.WatchResult{State: model.WatchCancelled, Err: err}
}

func (c *Controller) finish(r *run, result model.WatchResult) model.WatchResult {
	result.Elapsed = c.now().Sub(r.started)
	result.Cycles = r.cycles
	c.transition(r, result.State)

	switch result.State {
	case model.WatchFound:
		if c.logger != nil {
			c.logger.Info("verification code found", "target", r.target, "tier", result.Code.MatchTier, "elapsed", result.Elapsed, "cycles", result.Cycles)
			c.logger.Debug("verification code value", "target", r.target, "code", result.Code.Value, "subject", result.Code.SourceSubject)
		}
	case model.WatchTimedOut:
		c.emit(r, stats.Event{Stage: stats.StageWatch, Type: stats.EventTypeTimeout})
		if c.logger != nil {
			c.logger.Info("no verification code found", "target", r.target, "elapsed", result.Elapsed, "cycles", result.Cycles)
		}
	case model.WatchCancelled:
		c.emit(r, stats.Event{Stage: stats.StageWatch, Type: stats.EventTypeCancelled})
		if c.logger != nil {
			c.logger.Debug("watch cancelled", "target", r.target, "elapsed", result.Elapsed, "err", result.Err)
		}
	case model.WatchFailed:
		if c.logger != nil {
			c.logger.Error("watch failed", "target", r.target, "elapsed", result.Elapsed, "err", result.Err)
		}
	}
	return result
}

func (c *Controller) transition(r *run, s model.WatchState) {
	if r.onState != nil {
		r.onState(s)
	}
}

func (c *Controller) emit(r *run, evt stats.Event) {
	evt.Target = r.target
	for _, e := range r.events {
		e.EmitEvent(evt)
	}
}

// retryable reports errors that the gatekeeper's backoff resolves on its
// own; everything else ends the watch.
func retryable(err error) bool {
	return errors.Is(err, imap.ErrConnectionLimit)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
