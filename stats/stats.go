package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSession Stage = "session"
	StageSearch  Stage = "search"
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageWatch   Stage = "watch"
)

type EventType string

const (
	EventTypeCycle     EventType = "cycle"
	EventTypeSearched  EventType = "searched"
	EventTypeFetched   EventType = "fetched"
	EventTypeSkipped   EventType = "skipped"
	EventTypeFound     EventType = "found"
	EventTypeTimeout   EventType = "timeout"
	EventTypeCancelled EventType = "cancelled"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage   Stage
	Type    EventType
	WatchID string
	Target  string
	UID     uint32
	Count   int
	Err     error
	Detail  string
}

type Summary struct {
	Cycles    int
	Searches  int
	Hits      int
	Fetched   int
	Skipped   int
	Found     int
	Timeouts  int
	Cancelled int
	Errors    int
	LastError error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"cycles", s.Cycles,
		"searches", s.Searches,
		"hits", s.Hits,
		"fetched", s.Fetched,
		"skipped", s.Skipped,
		"found", s.Found,
		"timeouts", s.Timeouts,
		"cancelled", s.Cancelled,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Emitter accepts events from the watch controller.
type Emitter interface {
	EmitEvent(evt Event)
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// EmitEvent lets a Collector be used directly as an Emitter.
func (c *Collector) EmitEvent(evt Event) {
	c.apply(evt)
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeCycle:
		c.summary.Cycles++
	case EventTypeSearched:
		c.summary.Searches++
		c.summary.Hits += evt.Count
	case EventTypeFetched:
		c.summary.Fetched += evt.Count
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeFound:
		c.summary.Found++
	case EventTypeTimeout:
		c.summary.Timeouts++
	case EventTypeCancelled:
		c.summary.Cancelled++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrintTop writes the limit most frequent keys of m to w.
func PrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
