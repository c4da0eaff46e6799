// Package gatekeeper owns the single mailbox connection shared by every
// watch. Callers take turns in arrival order; a new connection is never
// opened sooner than the configured cooldown after the previous one, and a
// connection-limit refusal from the server pushes the next attempt further
// out.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhcgn/catchall-otp/imap"
	"github.com/dhcgn/catchall-otp/model"
)

const (
	DefaultCooldown     = 2 * time.Second
	DefaultLimitBackoff = 5 * time.Second
)

var (
	ErrClosed   = errors.New("gatekeeper closed")
	ErrReleased = errors.New("session handle already released")
)

// Session is the part of a mailbox connection the gatekeeper hands out.
type Session interface {
	Search(ctx context.Context, criteria model.SearchCriteria) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32) ([]model.ParsedMessage, error)
	Close() error
}

// Dialer opens a new authenticated Session.
type Dialer func(ctx context.Context) (Session, error)

// IMAPDialer adapts imap.Dial to a Dialer.
func IMAPDialer(opts imap.Options, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (Session, error) {
		s, err := imap.Dial(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type Options struct {
	// Cooldown is the minimum time between two connection establishments.
	Cooldown time.Duration
	// LimitBackoff is the wait imposed after the server refused a
	// connection because of its connection limit.
	LimitBackoff time.Duration
	// IdleTimeout closes an unused session after this long. Zero keeps it
	// open until Close.
	IdleTimeout time.Duration
}

// Status is a point-in-time view for status reporting.
type Status struct {
	State        model.SessionState
	Queued       int
	Connects     int
	LastConnect  time.Time
	BackoffUntil time.Time
	LastError    error
}

type waiter struct {
	ready chan struct{}
	done  bool
	err   error
}

type Gatekeeper struct {
	dial    Dialer
	opts    Options
	logger  *slog.Logger
	limiter *rate.Limiter

	mu           sync.Mutex
	held         bool
	queue        []*waiter
	session      Session
	state        model.SessionState
	closed       bool
	backoffUntil time.Time
	lastConnect  time.Time
	connects     int
	lastErr      error
	idleTimer    *time.Timer
	idleGen      uint64
}

func New(dial Dialer, opts Options, logger *slog.Logger) (*Gatekeeper, error) {
	if dial == nil {
		return nil, fmt.Errorf("gatekeeper dialer is nil")
	}
	if opts.Cooldown < 0 || opts.LimitBackoff < 0 || opts.IdleTimeout < 0 {
		return nil, fmt.Errorf("gatekeeper durations must not be negative")
	}

	limit := rate.Inf
	if opts.Cooldown > 0 {
		limit = rate.Every(opts.Cooldown)
	}

	return &Gatekeeper{
		dial:    dial,
		opts:    opts,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		state:   model.SessionIdle,
	}, nil
}

// Acquire waits for this caller's turn and returns a handle on a live
// session, connecting first if needed. The handle must be released on every
// path. When a connection attempt fails, the caller and everyone queued
// behind it receive the error.
func (g *Gatekeeper) Acquire(ctx context.Context) (*Handle, error) {
	if err := g.takeTurn(ctx); err != nil {
		return nil, err
	}

	session, err := g.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	return &Handle{g: g, session: session}, nil
}

// Do runs fn with a held session and always releases it.
func (g *Gatekeeper) Do(ctx context.Context, fn func(context.Context, *Handle) error) error {
	h, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx, h)
}

func (g *Gatekeeper) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		State:        g.state,
		Queued:       len(g.queue),
		Connects:     g.connects,
		LastConnect:  g.lastConnect,
		BackoffUntil: g.backoffUntil,
		LastError:    g.lastErr,
	}
}

// Close fails every queued caller and closes the session once no one holds
// it.
func (g *Gatekeeper) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.failQueueLocked(ErrClosed)
	g.stopIdleLocked()

	if g.held || g.session == nil {
		g.mu.Unlock()
		return nil
	}
	session := g.session
	g.session = nil
	g.state = model.SessionClosing
	g.mu.Unlock()

	err := session.Close()

	g.mu.Lock()
	g.state = model.SessionIdle
	g.mu.Unlock()
	return err
}

func (g *Gatekeeper) takeTurn(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if !g.held && len(g.queue) == 0 {
		g.held = true
		g.stopIdleLocked()
		g.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !w.done {
		g.removeLocked(w)
		return ctx.Err()
	}
	if w.err == nil {
		// The turn arrived while giving up; pass it on.
		g.passTurnLocked()
	}
	return ctx.Err()
}

func (g *Gatekeeper) ensureSession(ctx context.Context) (Session, error) {
	g.mu.Lock()
	if g.session != nil {
		g.state = model.SessionBusy
		session := g.session
		g.mu.Unlock()
		return session, nil
	}
	backoffUntil := g.backoffUntil
	g.mu.Unlock()

	if err := g.waitForSlot(ctx, backoffUntil); err != nil {
		g.mu.Lock()
		g.passTurnLocked()
		g.mu.Unlock()
		return nil, err
	}

	g.mu.Lock()
	g.state = model.SessionConnecting
	g.connects++
	g.lastConnect = time.Now()
	g.mu.Unlock()

	if g.logger != nil {
		g.logger.Debug("opening mailbox session")
	}

	session, err := g.dial(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil && ctx.Err() != nil {
		// Only this caller gave up; the next in line tries on its own.
		g.state = model.SessionIdle
		g.passTurnLocked()
		return nil, err
	}
	if err != nil {
		g.state = model.SessionFailed
		g.lastErr = err
		if errors.Is(err, imap.ErrConnectionLimit) {
			g.backoffUntil = time.Now().Add(g.limitBackoff())
			if g.logger != nil {
				g.logger.Warn("mail server connection limit reached", "retryAfter", g.limitBackoff(), "err", err)
			}
		} else if g.logger != nil {
			g.logger.Warn("mailbox connection failed", "err", err)
		}
		g.failQueueLocked(err)
		g.held = false
		return nil, err
	}

	g.lastErr = nil
	if g.closed {
		g.held = false
		g.state = model.SessionIdle
		go func() { _ = session.Close() }()
		return nil, ErrClosed
	}
	g.session = session
	g.state = model.SessionBusy
	return session, nil
}

// waitForSlot blocks until both the limit backoff and the cooldown allow a
// new connection.
func (g *Gatekeeper) waitForSlot(ctx context.Context, backoffUntil time.Time) error {
	if d := time.Until(backoffUntil); d > 0 {
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}

	r := g.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("cooldown reservation refused")
	}
	if d := r.Delay(); d > 0 {
		if g.logger != nil {
			g.logger.Debug("waiting for connection cooldown", "delay", d)
		}
		if err := sleep(ctx, d); err != nil {
			r.Cancel()
			return err
		}
	}
	return nil
}

func (g *Gatekeeper) release(used Session, broken bool) {
	g.mu.Lock()
	discard := broken && g.session == used
	if discard || g.closed && g.session != nil {
		session := g.session
		g.session = nil
		g.state = model.SessionClosing
		g.mu.Unlock()

		if err := session.Close(); err != nil && g.logger != nil {
			g.logger.Debug("closing mailbox session failed", "err", err)
		}

		g.mu.Lock()
		g.state = model.SessionIdle
	} else if g.session != nil {
		g.state = model.SessionReady
		g.scheduleIdleLocked()
	}
	g.passTurnLocked()
	g.mu.Unlock()
}

// passTurnLocked hands the turn to the oldest waiter or frees it.
func (g *Gatekeeper) passTurnLocked() {
	if len(g.queue) == 0 {
		g.held = false
		return
	}
	w := g.queue[0]
	g.queue = g.queue[1:]
	w.done = true
	close(w.ready)
}

func (g *Gatekeeper) failQueueLocked(err error) {
	for _, w := range g.queue {
		w.done = true
		w.err = err
		close(w.ready)
	}
	g.queue = nil
}

func (g *Gatekeeper) removeLocked(target *waiter) {
	for i, w := range g.queue {
		if w == target {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

func (g *Gatekeeper) scheduleIdleLocked() {
	if g.opts.IdleTimeout <= 0 || len(g.queue) > 0 {
		return
	}
	g.stopIdleLocked()
	gen := g.idleGen
	g.idleTimer = time.AfterFunc(g.opts.IdleTimeout, func() {
		g.closeIdle(gen)
	})
}

func (g *Gatekeeper) stopIdleLocked() {
	g.idleGen++
	if g.idleTimer != nil {
		g.idleTimer.Stop()
		g.idleTimer = nil
	}
}

func (g *Gatekeeper) closeIdle(gen uint64) {
	g.mu.Lock()
	if gen != g.idleGen || g.held || g.session == nil {
		g.mu.Unlock()
		return
	}
	session := g.session
	g.session = nil
	g.held = true
	g.state = model.SessionClosing
	g.mu.Unlock()

	if g.logger != nil {
		g.logger.Debug("closing idle mailbox session", "idle", g.opts.IdleTimeout)
	}
	_ = session.Close()

	g.mu.Lock()
	g.state = model.SessionIdle
	g.passTurnLocked()
	g.mu.Unlock()
}

func (g *Gatekeeper) limitBackoff() time.Duration {
	if g.opts.LimitBackoff <= 0 {
		return DefaultLimitBackoff
	}
	return g.opts.LimitBackoff
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

// Handle is one turn on the shared session. Any failed operation marks the
// session broken so the next turn reconnects.
type Handle struct {
	g       *Gatekeeper
	session Session

	mu       sync.Mutex
	broken   bool
	released bool
}

func (h *Handle) Search(ctx context.Context, criteria model.SearchCriteria) ([]uint32, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	uids, err := h.session.Search(ctx, criteria)
	if err != nil {
		h.markBroken()
	}
	return uids, err
}

func (h *Handle) Fetch(ctx context.Context, uids []uint32) ([]model.ParsedMessage, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	messages, err := h.session.Fetch(ctx, uids)
	if err != nil {
		h.markBroken()
	}
	return messages, err
}

// Release returns the turn. Calling it more than once is harmless.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	broken := h.broken
	h.mu.Unlock()
	h.g.release(h.session, broken)
}

func (h *Handle) check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	return nil
}

func (h *Handle) markBroken() {
	h.mu.Lock()
	h.broken = true
	h.mu.Unlock()
}
