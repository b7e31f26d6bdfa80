package githubapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devpulse/harvester/internal/failure"
	"github.com/devpulse/harvester/internal/ratelimit"
	"github.com/google/go-github/v75/github"
)

// CommitRef is a lightweight commit reference from the REST commit list.
type CommitRef struct {
	SHA         string
	AuthoredAt  time.Time
	AuthorLogin string
}

// RepoMetadata is the refreshed repository metadata from the REST boundary.
type RepoMetadata struct {
	Owner       string
	Name        string
	Stars       int
	Forks       int
	IsFork      bool
	ParentOwner string
	ParentName  string
}

// RESTClient wraps go-github for the date-filterable endpoints the GraphQL
// connections cannot serve, reporting rate state to the shared tracker.
type RESTClient struct {
	base    *github.Client
	tracker *ratelimit.Tracker
}

// NewRESTClient creates a REST client. A nil base uses the default transport.
func NewRESTClient(base *github.Client, tracker *ratelimit.Tracker) *RESTClient {
	if base == nil {
		base = github.NewClient(nil)
	}
	return &RESTClient{
		base:    base,
		tracker: tracker,
	}
}

// ListRepositoryCommits lists commits on a repository authored by the subject
// since the given time, walking every page. A zero since lists the full
// history.
func (c *RESTClient) ListRepositoryCommits(ctx context.Context, credential, owner, repo, authorLogin string, since time.Time) ([]CommitRef, error) {
	client := c.base.WithAuthToken(credential)

	options := &github.CommitsListOptions{
		Author:      authorLogin,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		options.Since = since.UTC()
	}

	var refs []CommitRef
	for {
		commits, resp, err := client.Repositories.ListCommits(ctx, owner, repo, options)
		c.recordRate(credential, resp)
		if err != nil {
			return refs, classifyRESTError(err)
		}

		for _, commit := range commits {
			ref := CommitRef{SHA: commit.GetSHA()}
			if commit.Commit != nil && commit.Commit.Author != nil {
				ref.AuthoredAt = commit.Commit.Author.GetDate().Time
			}
			if commit.Author != nil {
				ref.AuthorLogin = commit.Author.GetLogin()
			}
			refs = append(refs, ref)
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		options.Page = resp.NextPage
	}
	return refs, nil
}

// GetRepository refreshes repository metadata (stars, forks, fork parent).
func (c *RESTClient) GetRepository(ctx context.Context, credential, owner, repo string) (RepoMetadata, error) {
	client := c.base.WithAuthToken(credential)

	repository, resp, err := client.Repositories.Get(ctx, owner, repo)
	c.recordRate(credential, resp)
	if err != nil {
		return RepoMetadata{}, classifyRESTError(err)
	}

	metadata := RepoMetadata{
		Owner:  owner,
		Name:   repo,
		Stars:  repository.GetStargazersCount(),
		Forks:  repository.GetForksCount(),
		IsFork: repository.GetFork(),
	}
	if parent := repository.GetParent(); parent != nil {
		metadata.ParentName = parent.GetName()
		if parentOwner := parent.GetOwner(); parentOwner != nil {
			metadata.ParentOwner = parentOwner.GetLogin()
		}
	}
	return metadata, nil
}

func (c *RESTClient) recordRate(credential string, resp *github.Response) {
	if c.tracker == nil || resp == nil {
		return
	}
	c.tracker.RecordResponse(credential, ratelimit.Headers{
		Remaining: resp.Rate.Remaining,
		ResetUnix: resp.Rate.Reset.Unix(),
		Present:   true,
	})
}

func classifyRESTError(err error) error {
	var alreadyClassified *failure.Error
	if errors.As(err, &alreadyClassified) {
		return err
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return failure.NewRateLimit(rateErr.Rate.Reset.Time)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return failure.NewRateLimit(time.Now().Add(abuseErr.GetRetryAfter()))
	}

	var responseErr *github.ErrorResponse
	if errors.As(err, &responseErr) && responseErr.Response != nil {
		statusErr := &failure.StatusError{
			StatusCode: responseErr.Response.StatusCode,
			Message:    responseErr.Message,
		}
		return failure.New(failure.Classify(statusErr), statusErr)
	}

	return failure.New(failure.Classify(err), fmt.Errorf("rest call failed: %w", err))
}

// SplitFullName splits an "owner/name" repository identifier.
func SplitFullName(fullName string) (owner, name string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
