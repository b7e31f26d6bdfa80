// Package failure classifies provider and transport errors into actionable
// kinds and tracks per-context failure counters for operational reporting.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Kind is a normalized failure category for a harvest error.
type Kind string

const (
	// KindConnectionClosed indicates the provider closed the connection mid-response.
	KindConnectionClosed Kind = "connection_closed"
	// KindTimeout indicates a request or read deadline expired.
	KindTimeout Kind = "timeout"
	// KindRateLimit indicates the credential's API quota is exhausted.
	KindRateLimit Kind = "rate_limit"
	// KindUnauthorized indicates the credential is invalid or lacks permission.
	KindUnauthorized Kind = "unauthorized"
	// KindNotFound indicates the requested resource does not exist or is hidden.
	KindNotFound Kind = "not_found"
	// KindServerError indicates a provider-side 5xx failure.
	KindServerError Kind = "server_error"
	// KindNetworkError indicates a connectivity failure before a response arrived.
	KindNetworkError Kind = "network_error"
	// KindUnknown indicates an unclassified failure.
	KindUnknown Kind = "unknown"
)

// IsRetryable reports whether retrying the operation can change the outcome.
// NotFound and Unauthorized are terminal for a given resource and credential.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindNotFound, KindUnauthorized:
		return false
	}
	return true
}

// Error is a classified harvest failure. ResetAt is set only for rate-limit
// failures so the scheduler can requeue the job at the quota reset time.
type Error struct {
	Kind    Kind
	ResetAt time.Time
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a classified kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewRateLimit builds a rate-limit failure carrying the quota reset time.
func NewRateLimit(resetAt time.Time) *Error {
	return &Error{
		Kind:    KindRateLimit,
		ResetAt: resetAt,
		Err:     fmt.Errorf("rate limit reached, reset at %s", resetAt.UTC().Format(time.RFC3339)),
	}
}

// StatusError carries an HTTP status from the provider boundary so Classify
// can map it without depending on a concrete client type.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

// Classify maps an error to a failure kind. An already-classified *Error keeps
// its kind. HTTP statuses take precedence over message sniffing: 401/403 map
// to Unauthorized unless the message indicates a quota problem, 404 to
// NotFound, 5xx to ServerError. Everything else falls back to error type and
// message-substring checks.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	var status *StatusError
	if errors.As(err, &status) {
		return classifyStatus(status.StatusCode, status.Message)
	}

	message := strings.ToLower(err.Error())

	if strings.Contains(message, "prematurely closed") ||
		strings.Contains(message, "connection reset") ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindConnectionClosed
	}

	if isTimeout(err) || strings.Contains(message, "timeout") || strings.Contains(message, "timed out") {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkError
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkError
	}
	if strings.Contains(message, "connection") || strings.Contains(message, "network") {
		return KindNetworkError
	}

	return KindUnknown
}

func classifyStatus(statusCode int, message string) Kind {
	switch {
	case statusCode == 401 || statusCode == 403:
		if strings.Contains(strings.ToLower(message), "rate limit") {
			return KindRateLimit
		}
		return KindUnauthorized
	case statusCode == 404:
		return KindNotFound
	case statusCode == 429:
		return KindRateLimit
	case statusCode >= 500:
		return KindServerError
	}
	return KindUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Stats accumulates per-context failure counters for the process lifetime.
// Counters never gate correctness; they exist for reporting only.
type Stats struct {
	mu       sync.Mutex
	counters map[string]map[Kind]int
}

// NewStats creates an empty failure counter set.
func NewStats() *Stats {
	return &Stats{
		counters: make(map[string]map[Kind]int),
	}
}

// Record increments the counter for (context, kind).
func (s *Stats) Record(contextKey string, kind Kind) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind, ok := s.counters[contextKey]
	if !ok {
		byKind = make(map[Kind]int)
		s.counters[contextKey] = byKind
	}
	byKind[kind]++
}

// Snapshot returns a copy of the counters for one context.
func (s *Stats) Snapshot(contextKey string) map[Kind]int {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind, ok := s.counters[contextKey]
	if !ok {
		return map[Kind]int{}
	}
	copied := make(map[Kind]int, len(byKind))
	for kind, count := range byKind {
		copied[kind] = count
	}
	return copied
}

// Total returns the summed failure count for one context.
func (s *Stats) Total(contextKey string) int {
	total := 0
	for _, count := range s.Snapshot(contextKey) {
		total += count
	}
	return total
}

// Reset clears counters for one context.
func (s *Stats) Reset(contextKey string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, contextKey)
}
