package githubapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/devpulse/harvester/internal/failure"
	"github.com/devpulse/harvester/internal/ratelimit"
)

type fakeGraphQLDoer struct {
	responses []*http.Response
	err       error
	requests  []*http.Request
	bodies    []string
}

func (f *fakeGraphQLDoer) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(body))
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return graphQLResponse(http.StatusOK, `{"data":{}}`, nil), nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func graphQLResponse(statusCode int, body string, headers map[string]string) *http.Response {
	header := make(http.Header)
	for key, value := range headers {
		header.Set(key, value)
	}
	return &http.Response{
		StatusCode: statusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func TestGraphQLDoDecodesData(t *testing.T) {
	t.Parallel()

	doer := &fakeGraphQLDoer{
		responses: []*http.Response{
			graphQLResponse(http.StatusOK, `{"data":{"user":{"pullRequests":{"pageInfo":{"hasNextPage":true,"endCursor":"abc"},"nodes":[{"number":7,"merged":true}]}}}}`, map[string]string{
				"X-RateLimit-Remaining": "4200",
				"X-RateLimit-Reset":     "1739837000",
			}),
		},
	}
	tracker := ratelimit.NewTracker()
	client := NewGraphQLClient("", doer, tracker, 0)

	data, err := client.UserPullRequests(t.Context(), "token", "octocat", "")
	if err != nil {
		t.Fatalf("UserPullRequests() error: %v", err)
	}
	if got := len(data.User.PullRequests.Nodes); got != 1 {
		t.Fatalf("nodes = %d, want 1", got)
	}
	if data.User.PullRequests.Nodes[0].Number != 7 {
		t.Fatalf("number = %d, want 7", data.User.PullRequests.Nodes[0].Number)
	}
	if !data.User.PullRequests.PageInfo.HasNextPage || data.User.PullRequests.PageInfo.EndCursor != "abc" {
		t.Fatalf("pageInfo = %+v, want hasNextPage with cursor abc", data.User.PullRequests.PageInfo)
	}
	if remaining := tracker.Remaining("token"); remaining != 4200 {
		t.Fatalf("tracker remaining = %d, want 4200", remaining)
	}
}

func TestGraphQLDoCursorVariable(t *testing.T) {
	t.Parallel()

	doer := &fakeGraphQLDoer{}
	client := NewGraphQLClient("", doer, nil, 0)

	if _, err := client.UserIssues(t.Context(), "token", "octocat", "cursor-42"); err != nil {
		t.Fatalf("UserIssues() error: %v", err)
	}

	var request struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal([]byte(doer.bodies[0]), &request); err != nil {
		t.Fatalf("unmarshal request body: %v", err)
	}
	if got := request.Variables["after"]; got != "cursor-42" {
		t.Fatalf("after variable = %v, want cursor-42", got)
	}
}

func TestGraphQLDoClassifiesFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		response *http.Response
		err      error
		wantKind failure.Kind
	}{
		{
			name:     "unauthorized_status",
			response: graphQLResponse(http.StatusUnauthorized, `{"message":"Bad credentials"}`, nil),
			wantKind: failure.KindUnauthorized,
		},
		{
			name:     "rate_limited_status",
			response: graphQLResponse(http.StatusForbidden, `{"message":"API rate limit exceeded"}`, nil),
			wantKind: failure.KindRateLimit,
		},
		{
			name:     "server_error_status",
			response: graphQLResponse(http.StatusBadGateway, `oops`, nil),
			wantKind: failure.KindServerError,
		},
		{
			name:     "not_found_query_error",
			response: graphQLResponse(http.StatusOK, `{"errors":[{"message":"Could not resolve","type":"NOT_FOUND"}]}`, nil),
			wantKind: failure.KindNotFound,
		},
		{
			name:     "transport_timeout",
			err:      errors.New("net/http: request timed out"),
			wantKind: failure.KindTimeout,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			doer := &fakeGraphQLDoer{err: tc.err}
			if tc.response != nil {
				doer.responses = []*http.Response{tc.response}
			}
			client := NewGraphQLClient("", doer, nil, 0)

			_, err := client.UserPullRequests(t.Context(), "token", "octocat", "")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := failure.Classify(err); got != tc.wantKind {
				t.Fatalf("Classify() = %s, want %s", got, tc.wantKind)
			}
		})
	}
}

func TestGraphQLDoToleratesPartialErrors(t *testing.T) {
	t.Parallel()

	doer := &fakeGraphQLDoer{
		responses: []*http.Response{
			graphQLResponse(http.StatusOK, `{"data":{"user":{"issues":{"pageInfo":{"hasNextPage":false},"nodes":[{"number":3}]}}},"errors":[{"message":"partial"}]}`, nil),
		},
	}
	client := NewGraphQLClient("", doer, nil, 0)

	data, err := client.UserIssues(t.Context(), "token", "octocat", "")
	if err != nil {
		t.Fatalf("UserIssues() error: %v", err)
	}
	if got := len(data.User.Issues.Nodes); got != 1 {
		t.Fatalf("nodes = %d, want 1", got)
	}
}

func TestContributedRepositoriesUnion(t *testing.T) {
	t.Parallel()

	payload := `{"data":{"user":{"id":"node-1","contributionsCollection":{
		"commitContributionsByRepository":[{"repository":{"name":"alpha","nameWithOwner":"octocat/alpha","owner":{"login":"octocat"},"stargazerCount":12}}],
		"pullRequestContributionsByRepository":[{"repository":{"name":"alpha","nameWithOwner":"octocat/alpha","owner":{"login":"octocat"}}},{"repository":{"name":"beta","nameWithOwner":"hubot/beta","owner":{"login":"hubot"}}}],
		"issueContributionsByRepository":[{"repository":{"name":"gamma","nameWithOwner":"hubot/gamma","owner":{"login":"hubot"}}}]
	}}}}`
	doer := &fakeGraphQLDoer{responses: []*http.Response{graphQLResponse(http.StatusOK, payload, nil)}}
	client := NewGraphQLClient("", doer, nil, 0)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	data, err := client.ContributedRepositories(t.Context(), "token", "octocat", from, from.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("ContributedRepositories() error: %v", err)
	}

	repos := data.AllRepositories()
	if len(repos) != 3 {
		t.Fatalf("repositories = %d, want 3 after dedup", len(repos))
	}
	if data.User.ID != "node-1" {
		t.Fatalf("user id = %q, want node-1", data.User.ID)
	}
}

func TestSplitFullName(t *testing.T) {
	t.Parallel()

	if owner, name, ok := SplitFullName("octocat/hello"); !ok || owner != "octocat" || name != "hello" {
		t.Fatalf("SplitFullName = %q %q %t", owner, name, ok)
	}
	if _, _, ok := SplitFullName("malformed"); ok {
		t.Fatal("SplitFullName accepted malformed input")
	}
	if _, _, ok := SplitFullName("/name"); ok {
		t.Fatal("SplitFullName accepted empty owner")
	}
}
