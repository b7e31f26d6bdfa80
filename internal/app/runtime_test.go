package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/devpulse/harvester/internal/collect"
	"github.com/devpulse/harvester/internal/config"
	"github.com/devpulse/harvester/internal/scheduler"
	"github.com/devpulse/harvester/internal/stats"
	"github.com/devpulse/harvester/internal/statsdb"
	"github.com/devpulse/harvester/internal/store"
)

type fakeHarvester struct {
	summary collect.Summary
	err     error
	calls   int
}

func (f *fakeHarvester) CollectSubject(_ context.Context, _ collect.Subject) (collect.Summary, error) {
	f.calls++
	return f.summary, f.err
}

type memFactReader struct {
	repositories []store.Repository
	commits      []store.Commit
	pullRequests []store.PullRequest
	issues       []store.Issue
	rateLimits   map[string]store.RateLimitState
}

func (m *memFactReader) RepositoriesBySubject(_ context.Context, _ string) ([]store.Repository, error) {
	return m.repositories, nil
}

func (m *memFactReader) CommitsBySubject(_ context.Context, _ string) ([]store.Commit, error) {
	return m.commits, nil
}

func (m *memFactReader) PullRequestsBySubject(_ context.Context, _ string) ([]store.PullRequest, error) {
	return m.pullRequests, nil
}

func (m *memFactReader) IssuesBySubject(_ context.Context, _ string) ([]store.Issue, error) {
	return m.issues, nil
}

func (m *memFactReader) RateLimitState(_ context.Context, subjectID string) (store.RateLimitState, bool, error) {
	state, ok := m.rateLimits[subjectID]
	return state, ok, nil
}

func (m *memFactReader) SaveRateLimitState(_ context.Context, state store.RateLimitState) error {
	if m.rateLimits == nil {
		m.rateLimits = make(map[string]store.RateLimitState)
	}
	m.rateLimits[state.SubjectID] = state
	return nil
}

type memStatsStore struct {
	users        map[string]stats.UserStatistics
	repositories map[string][]stats.RepositoryStatistics
	scores       map[string]stats.Score
	platform     stats.PlatformStatistics
	platformSets int
	saveErr      error
}

func newMemStatsStore() *memStatsStore {
	return &memStatsStore{
		users:        make(map[string]stats.UserStatistics),
		repositories: make(map[string][]stats.RepositoryStatistics),
		scores:       make(map[string]stats.Score),
	}
}

func (m *memStatsStore) SaveUserStatistics(_ context.Context, user stats.UserStatistics) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.users[user.SubjectID] = user
	return nil
}

func (m *memStatsStore) UserStatistics(_ context.Context, subjectID string) (stats.UserStatistics, error) {
	user, ok := m.users[subjectID]
	if !ok {
		return stats.UserStatistics{}, statsdb.ErrNotFound
	}
	return user, nil
}

func (m *memStatsStore) ReplaceRepositoryStatistics(_ context.Context, subjectID string, repositories []stats.RepositoryStatistics) error {
	m.repositories[subjectID] = repositories
	return nil
}

func (m *memStatsStore) RepositoryStatistics(_ context.Context, subjectID string) ([]stats.RepositoryStatistics, error) {
	return m.repositories[subjectID], nil
}

func (m *memStatsStore) SaveScore(_ context.Context, score stats.Score) error {
	m.scores[score.SubjectID] = score
	return nil
}

func (m *memStatsStore) Score(_ context.Context, subjectID string) (stats.Score, error) {
	score, ok := m.scores[subjectID]
	if !ok {
		return stats.Score{}, statsdb.ErrNotFound
	}
	return score, nil
}

func (m *memStatsStore) SavePlatformStatistics(_ context.Context, platform stats.PlatformStatistics) error {
	m.platform = platform
	m.platformSets++
	return nil
}

func (m *memStatsStore) PlatformStatistics(_ context.Context) (stats.PlatformStatistics, error) {
	return m.platform, nil
}

func (m *memStatsStore) AllUserStatistics(_ context.Context) ([]stats.UserStatistics, error) {
	users := make([]stats.UserStatistics, 0, len(m.users))
	for _, user := range m.users {
		users = append(users, user)
	}
	return users, nil
}

func (m *memStatsStore) Compare(_ context.Context, subjectID string) (statsdb.Comparison, error) {
	if _, ok := m.users[subjectID]; !ok {
		return statsdb.Comparison{}, statsdb.ErrNotFound
	}
	return statsdb.Comparison{SubjectID: subjectID, TotalSubjects: len(m.users)}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Collect: config.CollectConfig{
			Workers:         1,
			MaxPages:        5,
			DiscoveryWindow: 365 * 24 * time.Hour,
			HarvestInterval: time.Hour,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			Delays:      []time.Duration{time.Millisecond},
		},
		Platform: config.PlatformConfig{RecomputeThreshold: 1},
		Subjects: []config.SubjectConfig{
			{ID: "subject-1", Login: "octocat", Token: "token-1"},
		},
	}
}

func newTestRuntime(cfg *config.Config, collector harvester, facts factReader, db statsStore) *Runtime {
	runtime := newRuntime(cfg, collector, facts, db, nil, nil, nil)
	runtime.now = func() time.Time {
		return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	}
	return runtime
}

func TestHandleJobPersistsStatisticsAndScore(t *testing.T) {
	t.Parallel()

	authoredAt := time.Date(2026, 4, 10, 23, 30, 0, 0, time.UTC)
	facts := &memFactReader{
		repositories: []store.Repository{
			{SubjectID: "subject-1", Owner: "octocat", Name: "tools", FullName: "octocat/tools", IsOwned: true, Stars: 150},
		},
		commits: []store.Commit{
			{SubjectID: "subject-1", SHA: "c1", RepoOwner: "octocat", RepoName: "tools", Additions: 10, Deletions: 2, AuthoredAt: authoredAt},
		},
		pullRequests: []store.PullRequest{
			{SubjectID: "subject-1", RepoOwner: "octocat", RepoName: "tools", Number: 1, Merged: true},
		},
	}
	db := newMemStatsStore()
	collector := &fakeHarvester{summary: collect.Summary{Repositories: 1, Commits: 1, PullRequests: 1}}
	runtime := newTestRuntime(testConfig(), collector, facts, db)

	job := scheduler.NewJob(scheduler.JobSubjectHarvest, collect.Subject{ID: "subject-1", Login: "octocat", Credential: "token-1"}, scheduler.PriorityHigh, time.Time{})
	if err := runtime.handleJob(context.Background(), job); err != nil {
		t.Fatalf("handleJob() error: %v", err)
	}

	user, ok := db.users["subject-1"]
	if !ok {
		t.Fatalf("expected user statistics to be persisted")
	}
	if user.TotalCommits != 1 || user.NightCommits != 1 {
		t.Fatalf("unexpected user statistics: %+v", user)
	}
	if user.TotalStars != 150 {
		t.Fatalf("TotalStars = %d, want 150", user.TotalStars)
	}

	score, ok := db.scores["subject-1"]
	if !ok {
		t.Fatalf("expected a score to be persisted")
	}
	if score.Impact != 2.0 {
		t.Fatalf("Impact = %v, want 2.0 for a popular owned repository", score.Impact)
	}

	if len(db.repositories["subject-1"]) != 1 {
		t.Fatalf("expected one repository statistic, got %d", len(db.repositories["subject-1"]))
	}
}

func TestHandleJobRecomputesPlatformPastThreshold(t *testing.T) {
	t.Parallel()

	db := newMemStatsStore()
	runtime := newTestRuntime(testConfig(), &fakeHarvester{}, &memFactReader{}, db)

	job := scheduler.NewJob(scheduler.JobSubjectHarvest, collect.Subject{ID: "subject-1", Login: "octocat"}, scheduler.PriorityHigh, time.Time{})
	if err := runtime.handleJob(context.Background(), job); err != nil {
		t.Fatalf("handleJob() error: %v", err)
	}

	// Threshold is 1 and the store went from zero to one user.
	if db.platformSets != 1 {
		t.Fatalf("platform snapshot written %d times, want 1", db.platformSets)
	}
	if db.platform.TotalUserCount != 1 {
		t.Fatalf("TotalUserCount = %d, want 1", db.platform.TotalUserCount)
	}
}

func TestHandleJobSkipsStatisticsOnCollectFailure(t *testing.T) {
	t.Parallel()

	db := newMemStatsStore()
	collector := &fakeHarvester{err: errors.New("boom")}
	runtime := newTestRuntime(testConfig(), collector, &memFactReader{}, db)

	job := scheduler.NewJob(scheduler.JobSubjectHarvest, collect.Subject{ID: "subject-1", Login: "octocat"}, scheduler.PriorityHigh, time.Time{})
	if err := runtime.handleJob(context.Background(), job); err == nil {
		t.Fatalf("expected the collect error to propagate")
	}
	if len(db.users) != 0 || len(db.scores) != 0 {
		t.Fatalf("expected no statistics after a failed collection")
	}
}

func TestHandleJobPropagatesPersistFailure(t *testing.T) {
	t.Parallel()

	db := newMemStatsStore()
	db.saveErr = fmt.Errorf("connection refused")
	runtime := newTestRuntime(testConfig(), &fakeHarvester{}, &memFactReader{}, db)

	job := scheduler.NewJob(scheduler.JobSubjectHarvest, collect.Subject{ID: "subject-1", Login: "octocat"}, scheduler.PriorityHigh, time.Time{})
	if err := runtime.handleJob(context.Background(), job); err == nil {
		t.Fatalf("expected the persistence error to propagate")
	}
}

func TestBootstrapSeedsQueue(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Subjects = append(cfg.Subjects, config.SubjectConfig{ID: "subject-2", Login: "hubber", Token: "token-2"})
	runtime := newTestRuntime(cfg, &fakeHarvester{}, &memFactReader{}, newMemStatsStore())

	runtime.bootstrap(context.Background())
	if got := runtime.queue.Len(); got != 2 {
		t.Fatalf("queue length = %d, want 2", got)
	}
}

func TestBootstrapRestoresPersistedRateLimitState(t *testing.T) {
	t.Parallel()

	resetAt := time.Now().Add(time.Hour)
	runtime := newTestRuntime(testConfig(), &fakeHarvester{}, &memFactReader{
		rateLimits: map[string]store.RateLimitState{
			"subject-1": {
				SubjectID: "subject-1",
				Remaining: 12,
				ResetAt:   resetAt,
			},
		},
	}, newMemStatsStore())
	runtime.now = time.Now

	runtime.bootstrap(context.Background())

	// The reset is an hour in the future, so the job is parked until the
	// reset elapses rather than being ready immediately.
	if got := runtime.queue.Len(); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := runtime.queue.Dequeue(ctx); err == nil {
		t.Fatalf("expected no job to be ready before the rate limit reset")
	}
	if got := runtime.tracker.ResetAt("token-1"); got.IsZero() {
		t.Fatalf("expected the tracker to carry the restored reset time")
	}
}

func TestHandleJobPersistsRateLimitState(t *testing.T) {
	t.Parallel()

	facts := &memFactReader{}
	runtime := newTestRuntime(testConfig(), &fakeHarvester{}, facts, newMemStatsStore())

	job := scheduler.NewJob(scheduler.JobSubjectHarvest, collect.Subject{ID: "subject-1", Login: "octocat", Credential: "token-1"}, scheduler.PriorityHigh, time.Time{})
	if err := runtime.handleJob(context.Background(), job); err != nil {
		t.Fatalf("handleJob() error: %v", err)
	}
	if _, ok := facts.rateLimits["subject-1"]; !ok {
		t.Fatalf("expected rate limit state to be persisted after the harvest")
	}
}
