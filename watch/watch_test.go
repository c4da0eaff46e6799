package watch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/catchall-otp/extract"
	"github.com/dhcgn/catchall-otp/filter"
	"github.com/dhcgn/catchall-otp/gatekeeper"
	"github.com/dhcgn/catchall-otp/imap"
	"github.com/dhcgn/catchall-otp/model"
	"github.com/dhcgn/catchall-otp/state"
	"github.com/dhcgn/catchall-otp/stats"
)

// fakeMailbox is an in-memory store. Search ignores NotBefore the same way a
// day-granular SINCE would for anything from today.
type fakeMailbox struct {
	mu        sync.Mutex
	messages  []model.ParsedMessage
	nextUID   uint32
	dials     int
	dialErrs  []error
	searchErr error
}

func (m *fakeMailbox) add(to, body string, date time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUID++
	m.messages = append(m.messages, model.ParsedMessage{
		UID:      m.nextUID,
		Subject:  "Your Uber verification code",
		From:     "Uber <admin@uber.com>",
		To:       to,
		BodyText: body,
		Date:     date,
	})
}

func (m *fakeMailbox) dial(context.Context) (gatekeeper.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.dials
	m.dials++
	if n < len(m.dialErrs) && m.dialErrs[n] != nil {
		return nil, m.dialErrs[n]
	}
	return &fakeSession{box: m}, nil
}

func (m *fakeMailbox) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

type fakeSession struct {
	box *fakeMailbox
}

func (s *fakeSession) Search(_ context.Context, c model.SearchCriteria) ([]uint32, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if s.box.searchErr != nil {
		return nil, &imap.SearchError{Err: s.box.searchErr}
	}
	var uids []uint32
	for _, msg := range s.box.messages {
		to := strings.ToLower(msg.To)
		switch {
		case c.Recipient != "":
			if !strings.Contains(to, c.Recipient) {
				continue
			}
		case len(c.Domains) > 0:
			if !slices.ContainsFunc(c.Domains, func(d string) bool { return strings.Contains(to, d) }) {
				continue
			}
		}
		uids = append(uids, msg.UID)
	}
	return uids, nil
}

func (s *fakeSession) Fetch(_ context.Context, uids []uint32) ([]model.ParsedMessage, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	slices.Reverse(sorted)
	if len(sorted) > imap.DefaultFetchLimit {
		sorted = sorted[:imap.DefaultFetchLimit]
	}
	var out []model.ParsedMessage
	for _, uid := range sorted {
		for _, msg := range s.box.messages {
			if msg.UID == uid {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (s *fakeSession) Close() error { return nil }

func newTestController(t *testing.T, box *fakeMailbox, opts Options) (*Controller, *gatekeeper.Gatekeeper) {
	t.Helper()
	gate, err := gatekeeper.New(box.dial, gatekeeper.Options{LimitBackoff: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gate.Close() })

	f, err := filter.New(filter.Options{
		Subjects: []string{"your uber verification code", "your uber account verification code"},
		Senders:  []string{"admin@uber.com"},
	})
	require.NoError(t, err)

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	c, err := New(gate, extract.New(f, nil), opts, nil)
	require.NoError(t, err)
	return c, gate
}

type stateLog struct {
	mu     sync.Mutex
	states []model.WatchState
}

func (l *stateLog) record(s model.WatchState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) last() model.WatchState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return ""
	}
	return l.states[len(l.states)-1]
}

func (l *stateLog) all() []model.WatchState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.states)
}

func TestRun_FoundWhileDraining(t *testing.T) {
	box := &fakeMailbox{}
	box.add("alice@catchall.test", "Your ride is confirmed. Enter this verification code: 9155 to continue.", time.Now().Add(-5*time.Second))
	c, _ := newTestController(t, box, Options{})

	log := &stateLog{}
	result := c.Run(context.Background(), model.WatchRequest{
		TargetAddress: "alice@catchall.test",
		Deadline:      time.Now().Add(5 * time.Second),
	}, WithStateFunc(log.record))

	require.Equal(t, model.WatchFound, result.State)
	require.NotNil(t, result.Code)
	assert.Equal(t, "9155", result.Code.Value)
	assert.Equal(t, model.TierPriority, result.Code.MatchTier)
	assert.Equal(t, 1, result.Cycles)
	assert.NoError(t, result.Err)
	assert.Equal(t, []model.WatchState{model.WatchStarting, model.WatchDrainingExisting, model.WatchFound}, log.all())
}

func TestRun_NewestFirst(t *testing.T) {
	box := &fakeMailbox{}
	now := time.Now()
	box.add("alice@catchall.test", "Enter this verification code: 1111", now.Add(-20*time.Second))
	box.add("alice@catchall.test", "Enter this verification code: 2222", now.Add(-10*time.Second))
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{TargetAddress: "alice@catchall.test", Once: true})

	require.Equal(t, model.WatchFound, result.State)
	assert.Equal(t, "2222", result.Code.Value)
}

func TestRun_DeadlineInPastNeverConnects(t *testing.T) {
	box := &fakeMailbox{}
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{
		TargetAddress: "alice@catchall.test",
		Deadline:      time.Now().Add(-time.Second),
	})

	assert.Equal(t, model.WatchTimedOut, result.State)
	assert.Nil(t, result.Code)
	assert.Equal(t, 0, result.Cycles)
	assert.Equal(t, 0, box.dialCount())
}

func TestRun_FoundWhilePolling(t *testing.T) {
	box := &fakeMailbox{}
	c, _ := newTestController(t, box, Options{})

	log := &stateLog{}
	done := make(chan model.WatchResult, 1)
	go func() {
		done <- c.Run(context.Background(), model.WatchRequest{
			TargetAddress: "bob@catchall.test",
			Deadline:      time.Now().Add(5 * time.Second),
		}, WithStateFunc(log.record))
	}()

	require.Eventually(t, func() bool { return log.last() == model.WatchPolling }, time.Second, time.Millisecond)
	box.add("bob@catchall.test", "Your verification code is 482193.", time.Now())

	result := <-done
	require.Equal(t, model.WatchFound, result.State)
	assert.Equal(t, "482193", result.Code.Value)
	assert.GreaterOrEqual(t, result.Cycles, 2)
}

func TestRun_TimesOut(t *testing.T) {
	box := &fakeMailbox{}
	box.add("carol@catchall.test", "Enter this verification code: 9155", time.Now())
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{
		TargetAddress: "alice@catchall.test",
		Deadline:      time.Now().Add(60 * time.Millisecond),
	})

	assert.Equal(t, model.WatchTimedOut, result.State)
	assert.Nil(t, result.Code)
	assert.NoError(t, result.Err)
	assert.GreaterOrEqual(t, result.Elapsed, 50*time.Millisecond)
}

func TestRun_CancelReleasesSession(t *testing.T) {
	box := &fakeMailbox{}
	c, gate := newTestController(t, box, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	log := &stateLog{}
	done := make(chan model.WatchResult, 1)
	go func() {
		done <- c.Run(ctx, model.WatchRequest{TargetAddress: "alice@catchall.test"}, WithStateFunc(log.record))
	}()

	require.Eventually(t, func() bool { return log.last() == model.WatchPolling }, time.Second, time.Millisecond)
	cancel()

	result := <-done
	assert.Equal(t, model.WatchCancelled, result.State)
	assert.ErrorIs(t, result.Err, context.Canceled)

	acquireCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	h, err := gate.Acquire(acquireCtx)
	require.NoError(t, err, "a cancelled watch must not keep the session")
	h.Release()
}

func TestRun_SearchFailure(t *testing.T) {
	boom := errors.New("NO [SERVERBUG] search failed")
	box := &fakeMailbox{searchErr: boom}
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{TargetAddress: "alice@catchall.test"})

	require.Equal(t, model.WatchFailed, result.State)
	assert.ErrorIs(t, result.Err, boom)
	var searchErr *imap.SearchError
	assert.ErrorAs(t, result.Err, &searchErr)
}

func TestRun_ConnectionLimitIsRetried(t *testing.T) {
	box := &fakeMailbox{dialErrs: []error{fmt.Errorf("greeting: %w", imap.ErrConnectionLimit)}}
	box.add("alice@catchall.test", "Enter this verification code: 9155", time.Now())
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{
		TargetAddress: "alice@catchall.test",
		Deadline:      time.Now().Add(5 * time.Second),
	})

	require.Equal(t, model.WatchFound, result.State)
	assert.Equal(t, 2, box.dialCount())
	assert.Equal(t, 2, result.Cycles)
}

func TestRun_OnceGivesUpOnPersistentConnectionLimit(t *testing.T) {
	limitErr := fmt.Errorf("greeting: %w", imap.ErrConnectionLimit)
	box := &fakeMailbox{dialErrs: []error{limitErr, limitErr, limitErr, limitErr, limitErr}}
	box.add("alice@catchall.test", "Enter this verification code: 9155", time.Now())
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{TargetAddress: "alice@catchall.test", Once: true})

	require.Equal(t, model.WatchFailed, result.State)
	assert.ErrorIs(t, result.Err, imap.ErrConnectionLimit)
	assert.Equal(t, OnceRetryLimit, result.Cycles)
	assert.Equal(t, OnceRetryLimit, box.dialCount())
}

func TestRun_OnceRetriesConnectionLimitWithinBound(t *testing.T) {
	limitErr := fmt.Errorf("greeting: %w", imap.ErrConnectionLimit)
	box := &fakeMailbox{dialErrs: []error{limitErr}}
	box.add("alice@catchall.test", "Enter this verification code: 9155", time.Now())
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{TargetAddress: "alice@catchall.test", Once: true})

	require.Equal(t, model.WatchFound, result.State)
	assert.Equal(t, "9155", result.Code.Value)
	assert.Equal(t, 2, result.Cycles)
}

func TestRun_AuthFailureFails(t *testing.T) {
	cause := errors.New("invalid credentials")
	box := &fakeMailbox{dialErrs: []error{&imap.ConnectionError{Addr: "imap.test:993", Err: cause}}}
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{TargetAddress: "alice@catchall.test"})

	require.Equal(t, model.WatchFailed, result.State)
	assert.ErrorIs(t, result.Err, cause)
}

func TestRun_IgnoresMessagesBeforeWindow(t *testing.T) {
	box := &fakeMailbox{}
	box.add("alice@catchall.test", "Enter this verification code: 9155", time.Now().Add(-10*time.Minute))
	c, _ := newTestController(t, box, Options{})

	result := c.Run(context.Background(), model.WatchRequest{TargetAddress: "alice@catchall.test", Once: true})
	assert.Equal(t, model.WatchTimedOut, result.State, "a code older than the drain window is stale")

	result = c.Run(context.Background(), model.WatchRequest{
		TargetAddress: "alice@catchall.test",
		Lookback:      time.Hour,
		Once:          true,
	})
	require.Equal(t, model.WatchFound, result.State, "a longer look-back reaches it")
	assert.Equal(t, "9155", result.Code.Value)
}

func TestRun_NoTargetUsesSupportedDomains(t *testing.T) {
	box := &fakeMailbox{}
	now := time.Now()
	box.add("erin@catchall.test", "Enter this verification code: 2222", now.Add(-time.Second))
	// The store's substring match lets this one through; the domain check
	// after fetch must not.
	box.add("catchall.test-team@elsewhere.test", "Enter this verification code: 1111", now)
	c, _ := newTestController(t, box, Options{Domains: []string{"Catchall.test"}})

	result := c.Run(context.Background(), model.WatchRequest{Once: true})

	require.Equal(t, model.WatchFound, result.State)
	assert.Equal(t, "2222", result.Code.Value)
	assert.Equal(t, "erin@catchall.test", result.Code.SourceRecipient)
}

func TestRun_SharedTrackerSkipsReportedMessages(t *testing.T) {
	box := &fakeMailbox{}
	box.add("alice@catchall.test", "Enter this verification code: 9155", time.Now())
	c, _ := newTestController(t, box, Options{})
	tracker := state.NewMemoryTracker()
	req := model.WatchRequest{TargetAddress: "alice@catchall.test", Once: true}

	first := c.Run(context.Background(), req, WithTracker(tracker))
	require.Equal(t, model.WatchFound, first.State)

	second := c.Run(context.Background(), req, WithTracker(tracker))
	assert.Equal(t, model.WatchTimedOut, second.State)
	assert.Equal(t, 1, tracker.Snapshot().Seen)
}

func TestRun_EmitsEvents(t *testing.T) {
	box := &fakeMailbox{}
	box.add("alice@catchall.test", "Enter this verification code: 9155", time.Now())
	c, _ := newTestController(t, box, Options{})
	collector := stats.NewCollector()

	result := c.Run(context.Background(), model.WatchRequest{TargetAddress: "alice@catchall.test", Once: true}, WithEmitter(collector))
	require.Equal(t, model.WatchFound, result.State)

	summary := collector.Snapshot()
	assert.Equal(t, 1, summary.Cycles)
	assert.Equal(t, 1, summary.Searches)
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 1, summary.Found)
	assert.Equal(t, 0, summary.Errors)
}
