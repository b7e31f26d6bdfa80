// Package githubapi is the typed provider boundary: a GraphQL client for
// connection-paginated resources and a REST client for date-filterable ones.
// Payloads are decoded once here; nothing downstream sees untyped maps.
package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devpulse/harvester/internal/failure"
	"github.com/devpulse/harvester/internal/ratelimit"
	"github.com/devpulse/harvester/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultGraphQLEndpoint = "https://api.github.com/graphql"

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// QueryError is one entry of a GraphQL response's errors array.
type QueryError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// GraphQLClient executes GitHub GraphQL queries with per-call credentials,
// reporting rate-limit headers to the tracker after every response.
type GraphQLClient struct {
	endpoint string
	doer     HTTPDoer
	tracker  *ratelimit.Tracker
	timeout  time.Duration
}

// NewGraphQLClient creates a GraphQL client. An empty endpoint uses the
// public GitHub API.
func NewGraphQLClient(endpoint string, doer HTTPDoer, tracker *ratelimit.Tracker, timeout time.Duration) *GraphQLClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultGraphQLEndpoint
	}
	if doer == nil {
		doer = &http.Client{}
	}
	return &GraphQLClient{
		endpoint: endpoint,
		doer:     doer,
		tracker:  tracker,
		timeout:  timeout,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []QueryError    `json:"errors,omitempty"`
}

// Do executes one query and decodes the data payload into target. Transport
// errors, non-200 statuses, and total GraphQL errors (no data) are returned
// classified; partial errors with usable data are tolerated.
func (c *GraphQLClient) Do(ctx context.Context, credential, query string, variables map[string]any, target any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("harvester/internal/githubapi").Start(
			ctx,
			"githubapi.graphql.do",
			trace.WithAttributes(attribute.String("github.endpoint", c.endpoint)),
		)
		defer span.End()
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return failure.New(failure.Classify(err), err)
	}
	defer resp.Body.Close()

	if c.tracker != nil {
		c.tracker.RecordResponse(credential, ratelimit.ParseHeaders(resp.Header))
	}
	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read graphql response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := &failure.StatusError{StatusCode: resp.StatusCode, Message: string(payload)}
		if span != nil {
			span.SetStatus(codes.Error, statusErr.Error())
		}
		return failure.New(failure.Classify(statusErr), statusErr)
	}

	var envelope graphQLEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode graphql envelope: %w", err)
	}

	if len(envelope.Errors) > 0 && len(envelope.Data) == 0 {
		err := classifyQueryErrors(envelope.Errors)
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	if target != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, target); err != nil {
			return fmt.Errorf("decode graphql data: %w", err)
		}
	}

	if span != nil {
		span.SetStatus(codes.Ok, "query completed")
	}
	return nil
}

// classifyQueryErrors maps GraphQL error entries to a failure kind. NOT_FOUND
// types are terminal; everything else is treated as retryable server trouble.
func classifyQueryErrors(queryErrors []QueryError) error {
	first := queryErrors[0]
	err := fmt.Errorf("graphql errors: %s", first.Message)
	switch {
	case strings.EqualFold(first.Type, "NOT_FOUND"):
		return failure.New(failure.KindNotFound, err)
	case strings.EqualFold(first.Type, "RATE_LIMITED"):
		return failure.New(failure.KindRateLimit, err)
	case strings.Contains(strings.ToLower(first.Message), "rate limit"):
		return failure.New(failure.KindRateLimit, err)
	}
	return failure.New(failure.KindServerError, err)
}
