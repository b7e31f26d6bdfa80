package collect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/harvester/internal/failure"
	"github.com/devpulse/harvester/internal/githubapi"
	"github.com/devpulse/harvester/internal/store"
)

type graphQLAPI interface {
	ContributedRepositories(ctx context.Context, credential, login string, from, to time.Time) (githubapi.ContributedReposData, error)
	RepositoryCommits(ctx context.Context, credential, owner, name, authorID, cursor string, since time.Time) (githubapi.RepositoryCommitsData, error)
	UserPullRequests(ctx context.Context, credential, login, cursor string) (githubapi.UserPullRequestsData, error)
	UserIssues(ctx context.Context, credential, login, cursor string) (githubapi.UserIssuesData, error)
}

type restAPI interface {
	ListRepositoryCommits(ctx context.Context, credential, owner, repo, authorLogin string, since time.Time) ([]githubapi.CommitRef, error)
	GetRepository(ctx context.Context, credential, owner, repo string) (githubapi.RepoMetadata, error)
}

type factStore interface {
	InsertCommit(ctx context.Context, commit store.Commit) (bool, error)
	InsertPullRequest(ctx context.Context, pr store.PullRequest) (bool, error)
	InsertIssue(ctx context.Context, issue store.Issue) (bool, error)
	SaveRepository(ctx context.Context, repo store.Repository) error
	RepositoriesBySubject(ctx context.Context, subjectID string) ([]store.Repository, error)
	Metadata(ctx context.Context, subjectID string, resource store.Resource) (store.CollectionMetadata, bool, error)
	SaveMetadata(ctx context.Context, metadata store.CollectionMetadata) error
}

type limiter interface {
	Acquire(credential string, threshold int) error
}

// Subject is one harvested provider account.
type Subject struct {
	ID         string
	Login      string
	Credential string
}

// Config bounds a single subject crawl.
type Config struct {
	// RateLimitThreshold is the remaining-call floor below which collection
	// defers to the limit reset.
	RateLimitThreshold int
	// MaxPages caps fetches per connection walk. Pull request and issue walks
	// resume past the cap from the cursor stored in collection metadata;
	// commit walks resume from the cursor stored on each repository record,
	// and commit progress does not advance until every walk completes.
	MaxPages int
	// DiscoveryWindow is how far back repository discovery looks.
	DiscoveryWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimitThreshold <= 0 {
		c.RateLimitThreshold = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = 365 * 24 * time.Hour
	}
	return c
}

// Summary reports what a subject crawl collected.
type Summary struct {
	Repositories int
	Commits      int
	PullRequests int
	Issues       int
	APICalls     int
	FailedRepos  []string
}

// Collector runs the full per-subject harvest pipeline: repository discovery,
// per-repository commit mining, then pull request and issue mining. Each
// resource advances its own collection metadata only after a fully successful
// crawl, so a failed crawl retries from the same starting point.
type Collector struct {
	graphql  graphQLAPI
	rest     restAPI
	facts    factStore
	limiter  limiter
	failures *failure.Stats
	logger   *zap.Logger
	cfg      Config

	now func() time.Time
}

// NewCollector creates a collector over the provider clients and fact store.
func NewCollector(graphql *githubapi.GraphQLClient, rest *githubapi.RESTClient, facts *store.FactStore, limiter limiter, failures *failure.Stats, logger *zap.Logger, cfg Config) *Collector {
	return newCollector(graphql, rest, facts, limiter, failures, logger, cfg)
}

func newCollector(graphql graphQLAPI, rest restAPI, facts factStore, limiter limiter, failures *failure.Stats, logger *zap.Logger, cfg Config) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if failures == nil {
		failures = failure.NewStats()
	}
	return &Collector{
		graphql:  graphql,
		rest:     rest,
		facts:    facts,
		limiter:  limiter,
		failures: failures,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// CollectSubject runs the whole pipeline for one subject. A rate-limit
// failure stops the crawl cleanly and is returned so the caller can
// reschedule at the limit reset; any other per-repository or per-resource
// failure is recorded and isolated so the rest of the crawl proceeds.
func (c *Collector) CollectSubject(ctx context.Context, subject Subject) (Summary, error) {
	cfg := c.cfg
	summary := Summary{}
	startedAt := c.now()

	if err := c.limiter.Acquire(subject.Credential, cfg.RateLimitThreshold); err != nil {
		return summary, fmt.Errorf("acquire rate limit: %w", err)
	}

	repos, authorID, err := c.discoverRepositories(ctx, subject, startedAt, &summary)
	if err != nil {
		c.recordFailure(ctx, subject, store.ResourceRepositories, err)
		return summary, fmt.Errorf("discover repositories: %w", err)
	}

	commitsMeta, _, err := c.facts.Metadata(ctx, subject.ID, store.ResourceCommits)
	if err != nil {
		return summary, fmt.Errorf("load commit metadata: %w", err)
	}
	commitsSince := commitsMeta.LastCollectedAt
	commitPages := 0
	commitsRemaining := 0

	for _, repo := range repos {
		pages, hasMore, err := c.collectRepositoryCommits(ctx, subject, authorID, repo, commitsSince, &summary)
		commitPages += pages
		if hasMore {
			commitsRemaining++
		}
		if err != nil {
			kind := failure.Classify(err)
			if kind == failure.KindRateLimit {
				return summary, fmt.Errorf("collect commits for %s: %w", repo.FullName, err)
			}
			c.failures.Record(failureContext(subject, store.ResourceCommits), kind)
			summary.FailedRepos = append(summary.FailedRepos, repo.FullName)
			c.logger.Warn("repository commit collection failed",
				zap.String("subject", subject.Login),
				zap.String("repository", repo.FullName),
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}
	switch {
	case len(summary.FailedRepos) > 0:
		c.recordFailure(ctx, subject, store.ResourceCommits, fmt.Errorf("%d repositories failed", len(summary.FailedRepos)))
	case commitsRemaining > 0:
		// Capped walks park their cursor on the repository record. Progress
		// must not advance, or the next crawl's since filter would skip the
		// history past the cap.
		c.logger.Info("commit crawl capped, resuming next run",
			zap.String("subject", subject.Login),
			zap.Int("repositories_remaining", commitsRemaining))
	default:
		err := c.advanceMetadata(ctx, subject.ID, store.ResourceCommits, startedAt, func(metadata *store.CollectionMetadata) {
			metadata.TotalAPICalls += commitPages
		})
		if err != nil {
			return summary, fmt.Errorf("advance commit metadata: %w", err)
		}
	}

	if err := c.collectPullRequests(ctx, subject, startedAt, &summary); err != nil {
		kind := failure.Classify(err)
		c.failures.Record(failureContext(subject, store.ResourcePullRequests), kind)
		c.recordFailure(ctx, subject, store.ResourcePullRequests, err)
		if kind == failure.KindRateLimit {
			return summary, fmt.Errorf("collect pull requests: %w", err)
		}
		c.logger.Warn("pull request collection failed",
			zap.String("subject", subject.Login),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	if err := c.collectIssues(ctx, subject, startedAt, &summary); err != nil {
		kind := failure.Classify(err)
		c.failures.Record(failureContext(subject, store.ResourceIssues), kind)
		c.recordFailure(ctx, subject, store.ResourceIssues, err)
		if kind == failure.KindRateLimit {
			return summary, fmt.Errorf("collect issues: %w", err)
		}
		c.logger.Warn("issue collection failed",
			zap.String("subject", subject.Login),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	c.logger.Info("subject crawl finished",
		zap.String("subject", subject.Login),
		zap.Int("repositories", summary.Repositories),
		zap.Int("commits", summary.Commits),
		zap.Int("pull_requests", summary.PullRequests),
		zap.Int("issues", summary.Issues),
		zap.Int("api_calls", summary.APICalls),
		zap.Int("failed_repositories", len(summary.FailedRepos)))
	return summary, nil
}

func (c *Collector) discoverRepositories(ctx context.Context, subject Subject, startedAt time.Time, summary *Summary) ([]store.Repository, string, error) {
	from := startedAt.Add(-c.cfg.DiscoveryWindow)
	data, err := c.graphql.ContributedRepositories(ctx, subject.Credential, subject.Login, from, startedAt)
	summary.APICalls++
	if err != nil {
		return nil, "", err
	}

	// Unfinished commit walks park their cursor on the repository record, so
	// the refreshed record must carry it forward.
	existing, err := c.facts.RepositoriesBySubject(ctx, subject.ID)
	if err != nil {
		return nil, "", err
	}
	cursors := make(map[string]string, len(existing))
	for _, repo := range existing {
		if repo.CommitCursor != "" {
			cursors[repo.FullName] = repo.CommitCursor
		}
	}

	var records []store.Repository
	for _, info := range data.AllRepositories() {
		record := store.Repository{
			SubjectID:   subject.ID,
			Owner:       info.OwnerLogin(),
			Name:        info.Name,
			FullName:    info.NameWithOwner,
			Description: info.Description,
			IsOwned:     strings.EqualFold(info.OwnerLogin(), subject.Login),
			IsFork:      info.IsFork,
			IsPrivate:   info.IsPrivate,
			Language:    info.Language(),
			Stars:       info.StargazerCount,
			Forks:       info.ForkCount,
			CollectedAt: startedAt,
		}
		record.CommitCursor = cursors[record.FullName]
		if record.IsOwned && record.IsFork {
			metadata, err := c.rest.GetRepository(ctx, subject.Credential, record.Owner, record.Name)
			summary.APICalls++
			if err != nil {
				c.failures.Record(failureContext(subject, store.ResourceRepositories), failure.Classify(err))
				c.logger.Warn("repository metadata refresh failed",
					zap.String("subject", subject.Login),
					zap.String("repository", record.FullName),
					zap.Error(err))
			} else {
				record.ParentOwner = metadata.ParentOwner
				record.ParentName = metadata.ParentName
				record.Stars = metadata.Stars
				record.Forks = metadata.Forks
			}
		}
		if err := c.facts.SaveRepository(ctx, record); err != nil {
			return nil, "", err
		}
		summary.Repositories++
		records = append(records, record)
	}

	err = c.advanceMetadata(ctx, subject.ID, store.ResourceRepositories, startedAt, func(metadata *store.CollectionMetadata) {
		metadata.TotalAPICalls++
	})
	if err != nil {
		return nil, "", err
	}
	return records, data.User.ID, nil
}

// collectRepositoryCommits mines one repository's default-branch history. For
// incremental crawls it first probes the cheaper REST list with a since
// filter and skips the paginated walk when nothing new exists. A walk that
// stops at the page cap stores its cursor on the repository record and
// reports hasMore; the next crawl resumes from it instead of probing.
func (c *Collector) collectRepositoryCommits(ctx context.Context, subject Subject, authorID string, repo store.Repository, since time.Time, summary *Summary) (pages int, hasMore bool, err error) {
	if err := c.limiter.Acquire(subject.Credential, c.cfg.RateLimitThreshold); err != nil {
		return 0, false, err
	}

	owner := repo.Owner
	if !since.IsZero() && repo.CommitCursor == "" {
		refs, err := c.rest.ListRepositoryCommits(ctx, subject.Credential, owner, repo.Name, subject.Login, since)
		summary.APICalls++
		pages++
		if err != nil {
			return pages, false, err
		}
		if len(refs) == 0 {
			return pages, false, nil
		}
	}

	fetch := func(ctx context.Context, cursor string) (Page[githubapi.CommitNode], error) {
		data, err := c.graphql.RepositoryCommits(ctx, subject.Credential, owner, repo.Name, authorID, cursor, since)
		if err != nil {
			return Page[githubapi.CommitNode]{}, err
		}
		return Page[githubapi.CommitNode]{Items: data.Commits(), Info: data.Page()}, nil
	}
	fold := func(node githubapi.CommitNode) error {
		inserted, err := c.facts.InsertCommit(ctx, store.Commit{
			SubjectID:    subject.ID,
			SHA:          node.OID,
			RepoOwner:    owner,
			RepoName:     repo.Name,
			Message:      node.Message,
			AuthorName:   node.Author.Name,
			AuthorEmail:  node.Author.Email,
			Additions:    node.Additions,
			Deletions:    node.Deletions,
			ChangedFiles: node.ChangedFiles,
			AuthoredAt:   node.AuthoredDate,
			CollectedAt:  c.now(),
		})
		if err != nil {
			return err
		}
		if inserted {
			summary.Commits++
		}
		return nil
	}

	result, err := Paginate(ctx, repo.CommitCursor, c.cfg.MaxPages, fetch, fold)
	summary.APICalls += result.Pages
	pages += result.Pages
	if err != nil {
		return pages, false, err
	}

	cursor := ""
	if result.HasMore {
		cursor = result.LastCursor
	}
	if cursor != repo.CommitCursor {
		repo.CommitCursor = cursor
		if err := c.facts.SaveRepository(ctx, repo); err != nil {
			return pages, result.HasMore, fmt.Errorf("save commit cursor: %w", err)
		}
	}
	return pages, result.HasMore, nil
}

func (c *Collector) collectPullRequests(ctx context.Context, subject Subject, startedAt time.Time, summary *Summary) error {
	if err := c.limiter.Acquire(subject.Credential, c.cfg.RateLimitThreshold); err != nil {
		return err
	}

	metadata, _, err := c.facts.Metadata(ctx, subject.ID, store.ResourcePullRequests)
	if err != nil {
		return fmt.Errorf("load pull request metadata: %w", err)
	}

	fetch := func(ctx context.Context, cursor string) (Page[githubapi.PullRequestNode], error) {
		data, err := c.graphql.UserPullRequests(ctx, subject.Credential, subject.Login, cursor)
		if err != nil {
			return Page[githubapi.PullRequestNode]{}, err
		}
		connection := data.User.PullRequests
		return Page[githubapi.PullRequestNode]{Items: connection.Nodes, Info: connection.PageInfo}, nil
	}
	fold := func(node githubapi.PullRequestNode) error {
		inserted, err := c.facts.InsertPullRequest(ctx, store.PullRequest{
			SubjectID:         subject.ID,
			RepoOwner:         node.Repository.Owner.Login,
			RepoName:          node.Repository.Name,
			Number:            node.Number,
			Title:             node.Title,
			State:             node.State,
			Merged:            node.Merged,
			IsCrossRepository: node.IsCrossRepository,
			RepoStars:         node.Repository.StargazerCount,
			RepoIsFork:        node.Repository.IsFork,
			ClosedIssuesCount: node.ClosingIssuesReferences.TotalCount,
			Additions:         node.Additions,
			Deletions:         node.Deletions,
			CreatedAt:         node.CreatedAt,
			MergedAt:          node.MergedAt,
			CollectedAt:       c.now(),
		})
		if err != nil {
			return err
		}
		if inserted {
			summary.PullRequests++
		}
		return nil
	}

	result, err := Paginate(ctx, metadata.LastCursor, c.cfg.MaxPages, fetch, fold)
	summary.APICalls += result.Pages
	if err != nil {
		return err
	}

	return c.advanceMetadata(ctx, subject.ID, store.ResourcePullRequests, startedAt, func(metadata *store.CollectionMetadata) {
		if result.LastCursor != "" {
			metadata.LastCursor = result.LastCursor
		}
		metadata.TotalAPICalls += result.Pages
	})
}

func (c *Collector) collectIssues(ctx context.Context, subject Subject, startedAt time.Time, summary *Summary) error {
	if err := c.limiter.Acquire(subject.Credential, c.cfg.RateLimitThreshold); err != nil {
		return err
	}

	metadata, _, err := c.facts.Metadata(ctx, subject.ID, store.ResourceIssues)
	if err != nil {
		return fmt.Errorf("load issue metadata: %w", err)
	}

	fetch := func(ctx context.Context, cursor string) (Page[githubapi.IssueNode], error) {
		data, err := c.graphql.UserIssues(ctx, subject.Credential, subject.Login, cursor)
		if err != nil {
			return Page[githubapi.IssueNode]{}, err
		}
		connection := data.User.Issues
		return Page[githubapi.IssueNode]{Items: connection.Nodes, Info: connection.PageInfo}, nil
	}
	fold := func(node githubapi.IssueNode) error {
		inserted, err := c.facts.InsertIssue(ctx, store.Issue{
			SubjectID:   subject.ID,
			RepoOwner:   node.Repository.Owner.Login,
			RepoName:    node.Repository.Name,
			Number:      node.Number,
			Title:       node.Title,
			State:       node.State,
			CreatedAt:   node.CreatedAt,
			ClosedAt:    node.ClosedAt,
			CollectedAt: c.now(),
		})
		if err != nil {
			return err
		}
		if inserted {
			summary.Issues++
		}
		return nil
	}

	result, err := Paginate(ctx, metadata.LastCursor, c.cfg.MaxPages, fetch, fold)
	summary.APICalls += result.Pages
	if err != nil {
		return err
	}

	return c.advanceMetadata(ctx, subject.ID, store.ResourceIssues, startedAt, func(metadata *store.CollectionMetadata) {
		if result.LastCursor != "" {
			metadata.LastCursor = result.LastCursor
		}
		metadata.TotalAPICalls += result.Pages
	})
}

// advanceMetadata commits crawl progress for one resource. Only fully
// successful crawls reach this, so the stored starting point always describes
// completed work.
func (c *Collector) advanceMetadata(ctx context.Context, subjectID string, resource store.Resource, startedAt time.Time, update func(metadata *store.CollectionMetadata)) error {
	metadata, ok, err := c.facts.Metadata(ctx, subjectID, resource)
	if err != nil {
		return err
	}
	if !ok {
		metadata = store.CollectionMetadata{
			SubjectID: subjectID,
			Resource:  resource,
			CreatedAt: startedAt,
		}
	}
	update(&metadata)
	metadata.LastCollectedAt = startedAt
	metadata.UpdatedAt = c.now()
	metadata.LastError = ""
	metadata.LastErrorAt = time.Time{}
	return c.facts.SaveMetadata(ctx, metadata)
}

// recordFailure stores the failure on the resource's metadata without
// advancing its crawl progress.
func (c *Collector) recordFailure(ctx context.Context, subject Subject, resource store.Resource, cause error) {
	metadata, ok, err := c.facts.Metadata(ctx, subject.ID, resource)
	if err != nil {
		c.logger.Warn("failure bookkeeping skipped",
			zap.String("subject", subject.Login),
			zap.String("resource", string(resource)),
			zap.Error(err))
		return
	}
	now := c.now()
	if !ok {
		metadata = store.CollectionMetadata{
			SubjectID: subject.ID,
			Resource:  resource,
			CreatedAt: now,
		}
	}
	metadata.LastError = cause.Error()
	metadata.LastErrorAt = now
	metadata.UpdatedAt = now
	if err := c.facts.SaveMetadata(ctx, metadata); err != nil {
		c.logger.Warn("failure bookkeeping skipped",
			zap.String("subject", subject.Login),
			zap.String("resource", string(resource)),
			zap.Error(err))
	}
}

func failureContext(subject Subject, resource store.Resource) string {
	return subject.Login + ":" + string(resource)
}
