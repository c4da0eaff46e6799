package notify

import (
	"fmt"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/catchall-otp/model"
	"github.com/dhcgn/catchall-otp/stats"
)

// Spinner shows the state of a single interactive watch. It only draws at
// log level info; at other levels log output would interleave with it.
type Spinner struct {
	sp      *pterm.SpinnerPrinter
	target  string
	mu      sync.Mutex
	state   model.WatchState
	cycles  int
	enabled bool
}

func NewSpinner(target, logLevel string) *Spinner {
	s := &Spinner{target: target, enabled: logLevel == "info"}
	if target == "" {
		s.target = "any supported address"
	}
	if s.enabled {
		sp, err := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start(s.text())
		if err != nil {
			s.enabled = false
			return s
		}
		s.sp = sp
	}
	return s
}

// Update is a watch state callback.
func (s *Spinner) Update(state model.WatchState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.refresh()
}

// EmitEvent counts cycles so long polls show progress.
func (s *Spinner) EmitEvent(evt stats.Event) {
	if evt.Type != stats.EventTypeCycle {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.refresh()
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.sp == nil {
		return
	}
	_ = s.sp.Stop()
	s.sp = nil
}

func (s *Spinner) refresh() {
	if !s.enabled || s.sp == nil {
		return
	}
	s.sp.UpdateText(s.text())
}

func (s *Spinner) text() string {
	switch s.state {
	case model.WatchDrainingExisting:
		return fmt.Sprintf("Checking recent mail for %s", s.target)
	case model.WatchPolling:
		return fmt.Sprintf("Waiting for a code for %s (cycle %d)", s.target, s.cycles)
	default:
		return fmt.Sprintf("Connecting to look for %s", s.target)
	}
}
