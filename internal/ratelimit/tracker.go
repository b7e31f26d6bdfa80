// Package ratelimit tracks the provider API quota per credential and decides
// whether a harvest call may proceed.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/devpulse/harvester/internal/failure"
)

// DefaultUnknownRemaining is assumed when a credential has never reported its
// quota (or state was lost across a restart). It is large enough to not starve
// a first collection but is replaced by the very next real response.
const DefaultUnknownRemaining = 5000

// State is the last observed quota for one credential.
type State struct {
	Remaining int
	ResetAt   time.Time
	Observed  bool
}

// Headers contains the parsed rate-limit response headers.
type Headers struct {
	Remaining int
	ResetUnix int64
	Present   bool
}

// ParseHeaders extracts quota state from provider response headers.
func ParseHeaders(header http.Header) Headers {
	remainingRaw := header.Get("X-RateLimit-Remaining")
	resetRaw := header.Get("X-RateLimit-Reset")
	if remainingRaw == "" && resetRaw == "" {
		return Headers{}
	}

	parsed := Headers{Present: true}
	if remaining, err := strconv.Atoi(remainingRaw); err == nil {
		parsed.Remaining = remaining
	}
	if reset, err := strconv.ParseInt(resetRaw, 10, 64); err == nil {
		parsed.ResetUnix = reset
	}
	return parsed
}

// Tracker holds per-credential quota state. State is only ever updated from
// authoritative provider responses, never guessed.
type Tracker struct {
	mu     sync.Mutex
	states map[string]State

	// Now and Sleep are injected for deterministic tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates an empty quota tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]State),
		Now:    time.Now,
		Sleep:  sleepContext,
	}
}

// Remaining returns the last observed remaining budget for a credential. A
// credential without observations reports the safe default so collection is
// not starved before the first real response.
func (t *Tracker) Remaining(credential string) int {
	state := t.state(credential)
	if !state.Observed {
		return DefaultUnknownRemaining
	}
	return state.Remaining
}

// ResetAt returns the last observed quota reset time, or zero when unknown.
func (t *Tracker) ResetAt(credential string) time.Time {
	return t.state(credential).ResetAt
}

// RecordResponse updates quota state from provider response headers. Headers
// that were absent from the response are ignored.
func (t *Tracker) RecordResponse(credential string, headers Headers) {
	if !headers.Present {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[credential] = State{
		Remaining: headers.Remaining,
		ResetAt:   time.Unix(headers.ResetUnix, 0).UTC(),
		Observed:  true,
	}
}

// Restore seeds quota state persisted outside the process, e.g. the reset
// time stored on the subject record. Restored state counts as observed only
// for its reset time; remaining stays at the safe default until a real
// response arrives.
func (t *Tracker) Restore(credential string, resetAt time.Time) {
	if resetAt.IsZero() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.states[credential]; ok && existing.Observed {
		return
	}
	t.states[credential] = State{
		Remaining: DefaultUnknownRemaining,
		ResetAt:   resetAt.UTC(),
	}
}

// Acquire checks the budget before an API call. Reaching the threshold
// (remaining == threshold) fails; only remaining > threshold passes. When the
// reset time has already elapsed the stale budget no longer applies and the
// call proceeds. On failure a rate-limit error carrying the reset time is
// returned so the caller can reschedule. This is the reschedule form used by
// concurrent harvest workers.
func (t *Tracker) Acquire(credential string, threshold int) error {
	state := t.state(credential)
	if !state.Observed {
		return nil
	}
	if state.Remaining > threshold {
		return nil
	}

	now := t.Now()
	if !state.ResetAt.After(now) {
		return nil
	}
	return failure.NewRateLimit(state.ResetAt)
}

// Wait blocks until the quota resets when the budget is exhausted. This is
// the blocking form for single-shot flows; workers use Acquire instead.
func (t *Tracker) Wait(ctx context.Context, credential string, threshold int) error {
	err := t.Acquire(credential, threshold)
	if err == nil {
		return nil
	}

	resetAt := t.ResetAt(credential)
	waitFor := resetAt.Sub(t.Now())
	if waitFor <= 0 {
		return nil
	}
	return t.Sleep(ctx, waitFor)
}

func (t *Tracker) state(credential string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[credential]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
