package githubapi

import (
	"net/http"
	"time"

	"github.com/devpulse/harvester/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryingTransport retries transient provider failures (connection errors,
// 429 and 5xx responses) before the caller ever sees them. Classified
// failures like rate limits and missing repositories are left to the clients
// above it.
type RetryingTransport struct {
	base        http.RoundTripper
	maxAttempts int
	delays      []time.Duration
	// sleep is injected for testability.
	sleep func(time.Duration)
}

// NewRetryingTransport wraps base with transient retries. A nil base uses the
// default transport.
func NewRetryingTransport(base http.RoundTripper, maxAttempts int, delays []time.Duration) *RetryingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if len(delays) == 0 {
		delays = []time.Duration{time.Second}
	}
	return &RetryingTransport{
		base:        base,
		maxAttempts: maxAttempts,
		delays:      delays,
		sleep:       time.Sleep,
	}
}

// RoundTrip implements http.RoundTripper. Requests without a replayable body
// are attempted once.
func (t *RetryingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("harvester/internal/githubapi").Start(
			ctx,
			"githubapi.transport.round_trip",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
				attribute.Int("github.max_attempts", t.maxAttempts),
			),
		)
		defer span.End()
	}

	replayable := req.Body == nil || req.GetBody != nil

	var resp *http.Response
	var err error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		attemptReq := req.Clone(ctx)
		if attempt > 1 {
			if !replayable {
				break
			}
			if req.GetBody != nil {
				body, bodyErr := req.GetBody()
				if bodyErr != nil {
					return resp, bodyErr
				}
				attemptReq.Body = body
			}
		}

		resp, err = t.base.RoundTrip(attemptReq)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.AddEvent("attempt_failed", trace.WithAttributes(
					attribute.Int("github.attempt", attempt),
				))
			}
			if attempt == t.maxAttempts || !replayable {
				break
			}
			t.sleep(t.delayFor(attempt))
			continue
		}

		if span != nil {
			span.AddEvent("attempt_completed", trace.WithAttributes(
				attribute.Int("github.attempt", attempt),
				attribute.Int("http.status_code", resp.StatusCode),
			))
		}

		if !isTransientStatus(resp.StatusCode) || attempt == t.maxAttempts || !replayable {
			break
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		t.sleep(t.delayFor(attempt))
	}

	if span != nil {
		switch {
		case err != nil:
			span.SetStatus(codes.Error, err.Error())
		case resp != nil && resp.StatusCode >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		default:
			span.SetStatus(codes.Ok, "request completed")
		}
	}
	return resp, err
}

func (t *RetryingTransport) delayFor(attempt int) time.Duration {
	index := attempt - 1
	if index >= len(t.delays) {
		index = len(t.delays) - 1
	}
	return t.delays[index]
}

func isTransientStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}
