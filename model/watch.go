package model

import (
	"time"
)

// WatchRequest describes one caller's request for a code.
type WatchRequest struct {
	// TargetAddress restricts matches to one recipient. Empty means any
	// address in the supported domains.
	TargetAddress string
	// Deadline is optional; the zero value polls until cancelled.
	Deadline     time.Time
	PollInterval time.Duration
	// Lookback overrides the drain window for this request.
	Lookback time.Duration
	// Once skips the polling phase after the initial drain.
	Once bool
}

// HasDeadline reports whether the request is bounded in time.
func (r WatchRequest) HasDeadline() bool {
	return !r.Deadline.IsZero()
}

// WatchState is a step of the watch state machine.
type WatchState string

const (
	WatchStarting         WatchState = "starting"
	WatchDrainingExisting WatchState = "draining"
	WatchPolling          WatchState = "polling"
	WatchFound            WatchState = "found"
	WatchTimedOut         WatchState = "timed_out"
	WatchFailed           WatchState = "failed"
	WatchCancelled        WatchState = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s WatchState) Terminal() bool {
	switch s {
	case WatchFound, WatchTimedOut, WatchFailed, WatchCancelled:
		return true
	}
	return false
}

// WatchResult is what a finished watch hands back to its caller.
// Code is set only when State is WatchFound; Err only for WatchFailed
// and WatchCancelled.
type WatchResult struct {
	State   WatchState
	Code    *CandidateCode
	Elapsed time.Duration
	Cycles  int
	Err     error
}

// SessionState is the lifecycle of the shared mailbox connection.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionReady      SessionState = "ready"
	SessionBusy       SessionState = "busy"
	SessionClosing    SessionState = "closing"
	SessionFailed     SessionState = "failed"
)
