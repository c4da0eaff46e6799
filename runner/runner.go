package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/catchall-otp/config"
	"github.com/dhcgn/catchall-otp/gatekeeper"
	"github.com/dhcgn/catchall-otp/model"
	"github.com/dhcgn/catchall-otp/notify"
	"github.com/dhcgn/catchall-otp/state"
	"github.com/dhcgn/catchall-otp/stats"
	"github.com/dhcgn/catchall-otp/watch"
)

var (
	ErrAlreadyWatching = errors.New("already watching this address")
	ErrNotWatching     = errors.New("not watching this address")
	ErrClosed          = errors.New("runner closed")
)

// monitorKey is the watch table key of the all-domains monitor.
const monitorKey = "*"

// WatchInfo describes an active background watch.
type WatchInfo struct {
	ID         string
	Target     string
	Started    time.Time
	Deadline   time.Time
	State      model.WatchState
	Continuous bool
	Found      int
}

type Status struct {
	Uptime  time.Duration
	Session gatekeeper.Status
	Watches []WatchInfo
}

type watchEntry struct {
	info   WatchInfo
	cancel context.CancelFunc
}

// Runner owns the background watches of one process and fans their events
// out to stats subscribers.
type Runner struct {
	cfg        config.Config
	logger     *slog.Logger
	gate       *gatekeeper.Gatekeeper
	controller *watch.Controller
	sink       notify.Sink

	ctx    context.Context
	cancel context.CancelFunc

	eventsMu     sync.RWMutex
	subscribers  []chan stats.Event
	eventsClosed bool

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	mu      sync.Mutex
	watches map[string]*watchEntry
	closed  bool
	since   time.Time
}

func New(cfg config.Config, gate *gatekeeper.Gatekeeper, controller *watch.Controller, sink notify.Sink, logger *slog.Logger) (*Runner, error) {
	if gate == nil || controller == nil {
		return nil, fmt.Errorf("runner needs a gatekeeper and a watch controller")
	}
	if sink == nil {
		sink = notify.Log{Logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:        cfg,
		logger:     logger,
		gate:       gate,
		controller: controller,
		sink:       sink,
		ctx:        ctx,
		cancel:     cancel,
		watches:    make(map[string]*watchEntry),
		since:      time.Now(),
	}, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// EmitEvent delivers evt to every subscriber. Events after Close are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.eventsClosed {
		return
	}
	for _, ch := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats runs fn on its own copy of the event stream.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.eventsMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.eventsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// Check looks once through the last max-age of mail for target, or for any
// supported address when target is empty.
func (r *Runner) Check(ctx context.Context, target string, opts ...watch.RunOption) (model.WatchResult, error) {
	target, err := r.normalize(target)
	if err != nil {
		return model.WatchResult{}, err
	}
	req := model.WatchRequest{
		TargetAddress: target,
		Lookback:      r.cfg.MaxAge,
		Once:          true,
	}
	return r.run(ctx, req, opts...), nil
}

// Wait polls for a code for target until one arrives or timeout elapses.
func (r *Runner) Wait(ctx context.Context, target string, timeout time.Duration, opts ...watch.RunOption) (model.WatchResult, error) {
	target, err := r.normalize(target)
	if err != nil {
		return model.WatchResult{}, err
	}
	if timeout <= 0 {
		timeout = r.cfg.WatchTimeout
	}
	req := model.WatchRequest{
		TargetAddress: target,
		Deadline:      time.Now().Add(timeout),
		PollInterval:  r.cfg.PollInterval,
	}
	return r.run(ctx, req, opts...), nil
}

// WaitAll runs Wait for every target concurrently and hands each outcome to
// the sink. It returns once all of them finished or ctx is cancelled.
func (r *Runner) WaitAll(ctx context.Context, targets []string, timeout time.Duration) error {
	normalized := make([]string, 0, len(targets))
	for _, t := range targets {
		n, err := r.normalize(t)
		if err != nil {
			return err
		}
		if !slices.Contains(normalized, n) {
			normalized = append(normalized, n)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range normalized {
		g.Go(func() error {
			result, err := r.Wait(gctx, target, timeout)
			if err != nil {
				return err
			}
			r.sink.Deliver(notify.Outcome{Target: target, Result: result})
			return nil
		})
	}
	return g.Wait()
}

// StartWatch watches target in the background until a code is found or
// timeout elapses; the outcome goes to the sink. One watch per target.
func (r *Runner) StartWatch(target string, timeout time.Duration) (WatchInfo, error) {
	target, err := r.normalize(target)
	if err != nil {
		return WatchInfo{}, err
	}
	if target == "" {
		return WatchInfo{}, config.ErrAddressRequired
	}
	if timeout <= 0 {
		timeout = r.cfg.WatchTimeout
	}
	return r.startWatch(target, target, time.Now().Add(timeout), false)
}

// StartMonitor watches every supported domain until stopped, reporting each
// new code as it arrives.
func (r *Runner) StartMonitor() (WatchInfo, error) {
	return r.startWatch(monitorKey, "", time.Time{}, true)
}

// StopWatch cancels the watch for target. An empty target stops the monitor.
func (r *Runner) StopWatch(target string) error {
	key := monitorKey
	if strings.TrimSpace(target) != "" {
		normalized, err := r.normalize(target)
		if err != nil {
			return err
		}
		key = normalized
	}

	r.mu.Lock()
	entry, ok := r.watches[key]
	r.mu.Unlock()
	if !ok {
		return ErrNotWatching
	}
	entry.cancel()
	return nil
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	watches := make([]WatchInfo, 0, len(r.watches))
	for _, entry := range r.watches {
		watches = append(watches, entry.info)
	}
	r.mu.Unlock()

	slices.SortFunc(watches, func(a, b WatchInfo) int {
		return a.Started.Compare(b.Started)
	})

	return Status{
		Uptime:  time.Since(r.since),
		Session: r.gate.Status(),
		Watches: watches,
	}
}

// WaitWatches blocks until no background watch is left or ctx is done.
func (r *Runner) WaitWatches(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.workWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close stops every watch, drains the stats subscribers and returns the
// first subscriber error.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.firstErr()
	}
	r.closed = true
	for _, entry := range r.watches {
		entry.cancel()
	}
	r.mu.Unlock()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()
	r.cancel()

	err := r.firstErr()
	duration := time.Since(r.since)
	if r.logger != nil {
		if err != nil {
			r.logger.Error("runner stopped with error", "duration", duration, "err", err)
		} else {
			r.logger.Info("runner stopped", "duration", duration)
		}
	}
	return err
}

func (r *Runner) startWatch(key, target string, deadline time.Time, continuous bool) (WatchInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return WatchInfo{}, ErrClosed
	}
	if _, exists := r.watches[key]; exists {
		return WatchInfo{}, ErrAlreadyWatching
	}

	ctx, cancel := context.WithCancel(r.ctx)
	entry := &watchEntry{
		info: WatchInfo{
			ID:         uuid.NewString(),
			Target:     target,
			Started:    time.Now(),
			Deadline:   deadline,
			State:      model.WatchStarting,
			Continuous: continuous,
		},
		cancel: cancel,
	}
	r.watches[key] = entry

	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		defer cancel()
		defer r.removeWatch(key, entry)
		r.superviseWatch(ctx, entry)
	}()

	if r.logger != nil {
		r.logger.Info("watch started", "id", entry.info.ID, "target", target, "deadline", deadline, "continuous", continuous)
	}
	return entry.info, nil
}

// superviseWatch runs rounds of the watch controller. A targeted watch ends
// after its first outcome; the monitor keeps going, sharing one tracker so
// each message is reported once.
func (r *Runner) superviseWatch(ctx context.Context, entry *watchEntry) {
	info := entry.info
	tracker := state.NewMemoryTracker()
	opts := []watch.RunOption{
		watch.WithTracker(tracker),
		watch.WithEmitter(watchEmitter{r: r, id: info.ID}),
		watch.WithStateFunc(func(s model.WatchState) {
			r.mu.Lock()
			entry.info.State = s
			r.mu.Unlock()
		}),
	}

	interval := r.cfg.PollInterval
	if info.Continuous {
		interval = r.cfg.MonitorInterval
	}

	for {
		req := model.WatchRequest{
			TargetAddress: info.Target,
			Deadline:      info.Deadline,
			PollInterval:  interval,
		}
		result := r.controller.Run(ctx, req, opts...)

		if result.State == model.WatchFound {
			r.mu.Lock()
			entry.info.Found++
			r.mu.Unlock()
		}

		if !info.Continuous {
			r.sink.Deliver(notify.Outcome{Target: info.Target, Result: result})
			return
		}

		switch result.State {
		case model.WatchFound:
			r.sink.Deliver(notify.Outcome{Target: info.Target, Result: result})
		case model.WatchCancelled:
			r.sink.Deliver(notify.Outcome{Target: info.Target, Result: result})
			return
		case model.WatchFailed:
			r.sink.Deliver(notify.Outcome{Target: info.Target, Result: result})
			if r.logger != nil {
				r.logger.Warn("monitor round failed, retrying", "id", info.ID, "retryIn", interval, "err", result.Err)
			}
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (r *Runner) run(ctx context.Context, req model.WatchRequest, opts ...watch.RunOption) model.WatchResult {
	all := append([]watch.RunOption{watch.WithEmitter(watchEmitter{r: r, id: uuid.NewString()})}, opts...)
	return r.controller.Run(ctx, req, all...)
}

func (r *Runner) normalize(target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", nil
	}
	return r.cfg.ValidateAddress(target)
}

func (r *Runner) removeWatch(key string, entry *watchEntry) {
	r.mu.Lock()
	if r.watches[key] == entry {
		delete(r.watches, key)
	}
	r.mu.Unlock()
	if r.logger != nil {
		r.logger.Debug("watch finished", "id", entry.info.ID, "target", entry.info.Target)
	}
}

func (r *Runner) closeEvents() {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()
	if r.eventsClosed {
		return
	}
	r.eventsClosed = true
	for _, ch := range r.subscribers {
		close(ch)
	}
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// watchEmitter tags events with the watch they belong to.
type watchEmitter struct {
	r  *Runner
	id string
}

func (w watchEmitter) EmitEvent(evt stats.Event) {
	evt.WatchID = w.id
	w.r.EmitEvent(evt)
}
