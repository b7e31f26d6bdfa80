package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/harvester/internal/failure"
	"github.com/devpulse/harvester/internal/githubapi"
	"github.com/devpulse/harvester/internal/store"
)

type fakeGraphQL struct {
	reposJSON    string
	reposErr     error
	commitPages   map[string][]string
	commitErrs    map[string]error
	prPages       []string
	prErr         error
	issuePages    []string
	issueErr      error
	commitCalls   map[string]int
	commitCursors map[string][]string
	prCursors     []string
	issueCursors  []string
}

func newFakeGraphQL() *fakeGraphQL {
	return &fakeGraphQL{
		commitPages:   make(map[string][]string),
		commitErrs:    make(map[string]error),
		commitCalls:   make(map[string]int),
		commitCursors: make(map[string][]string),
	}
}

func (g *fakeGraphQL) ContributedRepositories(_ context.Context, _, _ string, _, _ time.Time) (githubapi.ContributedReposData, error) {
	if g.reposErr != nil {
		return githubapi.ContributedReposData{}, g.reposErr
	}
	var data githubapi.ContributedReposData
	err := json.Unmarshal([]byte(g.reposJSON), &data)
	return data, err
}

func (g *fakeGraphQL) RepositoryCommits(_ context.Context, _, owner, name, _, cursor string, _ time.Time) (githubapi.RepositoryCommitsData, error) {
	key := owner + "/" + name
	call := g.commitCalls[key]
	g.commitCalls[key] = call + 1
	g.commitCursors[key] = append(g.commitCursors[key], cursor)
	if err := g.commitErrs[key]; err != nil {
		return githubapi.RepositoryCommitsData{}, err
	}
	pages := g.commitPages[key]
	if call >= len(pages) {
		return githubapi.RepositoryCommitsData{}, fmt.Errorf("unexpected commit page %d for %s", call, key)
	}
	var data githubapi.RepositoryCommitsData
	err := json.Unmarshal([]byte(pages[call]), &data)
	return data, err
}

func (g *fakeGraphQL) UserPullRequests(_ context.Context, _, _, cursor string) (githubapi.UserPullRequestsData, error) {
	g.prCursors = append(g.prCursors, cursor)
	if g.prErr != nil {
		return githubapi.UserPullRequestsData{}, g.prErr
	}
	call := len(g.prCursors) - 1
	if call >= len(g.prPages) {
		return githubapi.UserPullRequestsData{}, fmt.Errorf("unexpected pull request page %d", call)
	}
	var data githubapi.UserPullRequestsData
	err := json.Unmarshal([]byte(g.prPages[call]), &data)
	return data, err
}

func (g *fakeGraphQL) UserIssues(_ context.Context, _, _, cursor string) (githubapi.UserIssuesData, error) {
	g.issueCursors = append(g.issueCursors, cursor)
	if g.issueErr != nil {
		return githubapi.UserIssuesData{}, g.issueErr
	}
	call := len(g.issueCursors) - 1
	if call >= len(g.issuePages) {
		return githubapi.UserIssuesData{}, fmt.Errorf("unexpected issue page %d", call)
	}
	var data githubapi.UserIssuesData
	err := json.Unmarshal([]byte(g.issuePages[call]), &data)
	return data, err
}

type fakeREST struct {
	refs     map[string][]githubapi.CommitRef
	repoMeta map[string]githubapi.RepoMetadata
	calls    int
}

func (r *fakeREST) ListRepositoryCommits(_ context.Context, _, owner, repo, _ string, _ time.Time) ([]githubapi.CommitRef, error) {
	r.calls++
	return r.refs[owner+"/"+repo], nil
}

func (r *fakeREST) GetRepository(_ context.Context, _, owner, repo string) (githubapi.RepoMetadata, error) {
	if meta, ok := r.repoMeta[owner+"/"+repo]; ok {
		return meta, nil
	}
	return githubapi.RepoMetadata{Owner: owner, Name: repo}, nil
}

type memFacts struct {
	commits  map[string]store.Commit
	prs      map[string]store.PullRequest
	issues   map[string]store.Issue
	repos    map[string]store.Repository
	metadata map[string]store.CollectionMetadata
}

func newMemFacts() *memFacts {
	return &memFacts{
		commits:  make(map[string]store.Commit),
		prs:      make(map[string]store.PullRequest),
		issues:   make(map[string]store.Issue),
		repos:    make(map[string]store.Repository),
		metadata: make(map[string]store.CollectionMetadata),
	}
}

func (f *memFacts) InsertCommit(_ context.Context, commit store.Commit) (bool, error) {
	key := commit.SubjectID + ":" + commit.SHA
	if _, ok := f.commits[key]; ok {
		return false, nil
	}
	f.commits[key] = commit
	return true, nil
}

func (f *memFacts) InsertPullRequest(_ context.Context, pr store.PullRequest) (bool, error) {
	key := pr.SubjectID + ":" + pr.RepoOwner + "/" + pr.RepoName + "#" + strconv.Itoa(pr.Number)
	if _, ok := f.prs[key]; ok {
		return false, nil
	}
	f.prs[key] = pr
	return true, nil
}

func (f *memFacts) InsertIssue(_ context.Context, issue store.Issue) (bool, error) {
	key := issue.SubjectID + ":" + issue.RepoOwner + "/" + issue.RepoName + "#" + strconv.Itoa(issue.Number)
	if _, ok := f.issues[key]; ok {
		return false, nil
	}
	f.issues[key] = issue
	return true, nil
}

func (f *memFacts) SaveRepository(_ context.Context, repo store.Repository) error {
	f.repos[repo.SubjectID+":"+repo.FullName] = repo
	return nil
}

func (f *memFacts) RepositoriesBySubject(_ context.Context, subjectID string) ([]store.Repository, error) {
	var repos []store.Repository
	for _, repo := range f.repos {
		if repo.SubjectID == subjectID {
			repos = append(repos, repo)
		}
	}
	return repos, nil
}

func (f *memFacts) Metadata(_ context.Context, subjectID string, resource store.Resource) (store.CollectionMetadata, bool, error) {
	metadata, ok := f.metadata[subjectID+":"+string(resource)]
	return metadata, ok, nil
}

func (f *memFacts) SaveMetadata(_ context.Context, metadata store.CollectionMetadata) error {
	f.metadata[metadata.SubjectID+":"+string(metadata.Resource)] = metadata
	return nil
}

type fakeLimiter struct {
	err      error
	failFrom int
	calls    int
}

func (l *fakeLimiter) Acquire(string, int) error {
	l.calls++
	if l.err != nil && l.calls >= l.failFrom {
		return l.err
	}
	return nil
}

func repoFixture(nameWithOwner, owner, name string, stars int) string {
	return fmt.Sprintf(`{"repository": {"name": %q, "nameWithOwner": %q, "stargazerCount": %d, "owner": {"login": %q}}}`,
		name, nameWithOwner, stars, owner)
}

func discoveryFixture(repos ...string) string {
	joined := ""
	for i, repo := range repos {
		if i > 0 {
			joined += ","
		}
		joined += repo
	}
	return fmt.Sprintf(`{"user": {"id": "author-1", "contributionsCollection": {"commitContributionsByRepository": [%s]}}}`, joined)
}

func commitPageFixture(hasNext bool, cursor string, shas ...string) string {
	nodes := ""
	for i, sha := range shas {
		if i > 0 {
			nodes += ","
		}
		nodes += fmt.Sprintf(`{"oid": %q, "additions": 1, "authoredDate": "2026-02-01T12:00:00Z"}`, sha)
	}
	return fmt.Sprintf(`{"repository": {"defaultBranchRef": {"target": {"history": {"pageInfo": {"hasNextPage": %t, "endCursor": %q}, "nodes": [%s]}}}}}`,
		hasNext, cursor, nodes)
}

func prPageFixture(hasNext bool, cursor string, numbers ...int) string {
	nodes := ""
	for i, number := range numbers {
		if i > 0 {
			nodes += ","
		}
		nodes += fmt.Sprintf(`{"number": %d, "merged": true, "repository": {"name": "lib", "nameWithOwner": "acme/lib", "owner": {"login": "acme"}}}`, number)
	}
	return fmt.Sprintf(`{"user": {"pullRequests": {"pageInfo": {"hasNextPage": %t, "endCursor": %q}, "nodes": [%s]}}}`,
		hasNext, cursor, nodes)
}

func issuePageFixture(hasNext bool, cursor string, numbers ...int) string {
	nodes := ""
	for i, number := range numbers {
		if i > 0 {
			nodes += ","
		}
		nodes += fmt.Sprintf(`{"number": %d, "repository": {"name": "lib", "nameWithOwner": "acme/lib", "owner": {"login": "acme"}}}`, number)
	}
	return fmt.Sprintf(`{"user": {"issues": {"pageInfo": {"hasNextPage": %t, "endCursor": %q}, "nodes": [%s]}}}`,
		hasNext, cursor, nodes)
}

func newTestCollector(graphql graphQLAPI, rest restAPI, facts factStore, limiter limiter, failures *failure.Stats) *Collector {
	collector := newCollector(graphql, rest, facts, limiter, failures, zap.NewNop(), Config{})
	collector.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	return collector
}

func testSubject() Subject {
	return Subject{ID: "subject-1", Login: "octocat", Credential: "token"}
}

func TestCollectSubjectFullCrawl(t *testing.T) {
	t.Parallel()

	graphql := newFakeGraphQL()
	graphql.reposJSON = discoveryFixture(
		repoFixture("octocat/mine", "octocat", "mine", 150),
		repoFixture("acme/lib", "acme", "lib", 2000),
	)
	graphql.commitPages["octocat/mine"] = []string{
		commitPageFixture(true, "cc1", "sha1", "sha2"),
		commitPageFixture(false, "cc2", "sha3"),
	}
	graphql.commitPages["acme/lib"] = []string{
		commitPageFixture(false, "cc3", "sha4"),
	}
	graphql.prPages = []string{prPageFixture(false, "pr-cursor-1", 7, 8)}
	graphql.issuePages = []string{issuePageFixture(false, "issue-cursor-1", 40)}

	facts := newMemFacts()
	collector := newTestCollector(graphql, &fakeREST{}, facts, &fakeLimiter{}, nil)

	summary, err := collector.CollectSubject(t.Context(), testSubject())
	if err != nil {
		t.Fatalf("CollectSubject() error: %v", err)
	}

	if summary.Repositories != 2 || summary.Commits != 4 || summary.PullRequests != 2 || summary.Issues != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.FailedRepos) != 0 {
		t.Fatalf("expected no failed repositories, got %v", summary.FailedRepos)
	}

	owned, ok := facts.repos["subject-1:octocat/mine"]
	if !ok || !owned.IsOwned {
		t.Fatalf("expected octocat/mine to be saved as owned, got %+v", owned)
	}
	if external := facts.repos["subject-1:acme/lib"]; external.IsOwned {
		t.Fatalf("expected acme/lib to be saved as contributed, not owned")
	}

	for _, resource := range []store.Resource{store.ResourceRepositories, store.ResourceCommits, store.ResourcePullRequests, store.ResourceIssues} {
		metadata, ok := facts.metadata["subject-1:"+string(resource)]
		if !ok {
			t.Fatalf("expected %s metadata after a successful crawl", resource)
		}
		if metadata.LastCollectedAt.IsZero() {
			t.Fatalf("expected %s metadata to carry the crawl timestamp", resource)
		}
	}
	if cursor := facts.metadata["subject-1:pull_requests"].LastCursor; cursor != "pr-cursor-1" {
		t.Fatalf("expected pull request cursor to advance, got %q", cursor)
	}
}

func TestCollectSubjectIsolatesRepositoryFailures(t *testing.T) {
	t.Parallel()

	graphql := newFakeGraphQL()
	graphql.reposJSON = discoveryFixture(
		repoFixture("octocat/gone", "octocat", "gone", 0),
		repoFixture("octocat/alive", "octocat", "alive", 3),
	)
	graphql.commitErrs["octocat/gone"] = failure.New(failure.KindNotFound, fmt.Errorf("repository not found"))
	graphql.commitPages["octocat/alive"] = []string{commitPageFixture(false, "cc1", "sha1", "sha2")}
	graphql.prPages = []string{prPageFixture(false, "pr1")}
	graphql.issuePages = []string{issuePageFixture(false, "is1")}

	facts := newMemFacts()
	failures := failure.NewStats()
	collector := newTestCollector(graphql, &fakeREST{}, facts, &fakeLimiter{}, failures)

	summary, err := collector.CollectSubject(t.Context(), testSubject())
	if err != nil {
		t.Fatalf("expected the crawl to continue past the missing repository, got %v", err)
	}

	if summary.Commits != 2 {
		t.Fatalf("expected the healthy repository's commits to be collected, got %d", summary.Commits)
	}
	if len(summary.FailedRepos) != 1 || summary.FailedRepos[0] != "octocat/gone" {
		t.Fatalf("expected octocat/gone to be reported failed, got %v", summary.FailedRepos)
	}
	if failures.Snapshot("octocat:commits")[failure.KindNotFound] != 1 {
		t.Fatalf("expected a recorded not_found failure, got %v", failures.Snapshot("octocat:commits"))
	}

	metadata := facts.metadata["subject-1:commits"]
	if !metadata.LastCollectedAt.IsZero() {
		t.Fatalf("expected commit metadata progress to stay un-advanced after a partial failure")
	}
	if metadata.LastError == "" {
		t.Fatalf("expected the failure to be recorded on the commit metadata")
	}
}

func TestCollectSubjectResumesPullRequestsFromStoredCursor(t *testing.T) {
	t.Parallel()

	graphql := newFakeGraphQL()
	graphql.reposJSON = discoveryFixture()
	graphql.prPages = []string{prPageFixture(false, "pr-cursor-8", 9)}
	graphql.issuePages = []string{issuePageFixture(false, "")}

	facts := newMemFacts()
	facts.metadata["subject-1:pull_requests"] = store.CollectionMetadata{
		SubjectID:  "subject-1",
		Resource:   store.ResourcePullRequests,
		LastCursor: "pr-cursor-7",
	}

	collector := newTestCollector(graphql, &fakeREST{}, facts, &fakeLimiter{}, nil)
	if _, err := collector.CollectSubject(t.Context(), testSubject()); err != nil {
		t.Fatalf("CollectSubject() error: %v", err)
	}

	if len(graphql.prCursors) == 0 || graphql.prCursors[0] != "pr-cursor-7" {
		t.Fatalf("expected the first pull request fetch to use the stored cursor, got %v", graphql.prCursors)
	}
	if cursor := facts.metadata["subject-1:pull_requests"].LastCursor; cursor != "pr-cursor-8" {
		t.Fatalf("expected the stored cursor to advance, got %q", cursor)
	}
}

func TestCollectSubjectStopsOnRateLimit(t *testing.T) {
	t.Parallel()

	graphql := newFakeGraphQL()
	graphql.reposJSON = discoveryFixture(repoFixture("octocat/mine", "octocat", "mine", 0))

	resetAt := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	limiter := &fakeLimiter{err: failure.NewRateLimit(resetAt), failFrom: 2}

	facts := newMemFacts()
	collector := newTestCollector(graphql, &fakeREST{}, facts, limiter, nil)

	_, err := collector.CollectSubject(t.Context(), testSubject())
	if err == nil {
		t.Fatalf("expected the rate limit to stop the crawl")
	}
	if kind := failure.Classify(err); kind != failure.KindRateLimit {
		t.Fatalf("expected a rate_limit failure, got %s", kind)
	}
	if _, ok := facts.metadata["subject-1:commits"]; ok {
		if !facts.metadata["subject-1:commits"].LastCollectedAt.IsZero() {
			t.Fatalf("expected commit metadata to stay un-advanced after a rate-limit stop")
		}
	}
}

func TestCollectSubjectResumesCappedCommitWalk(t *testing.T) {
	t.Parallel()

	graphql := newFakeGraphQL()
	graphql.reposJSON = discoveryFixture(repoFixture("octocat/deep", "octocat", "deep", 0))
	graphql.commitPages["octocat/deep"] = []string{
		commitPageFixture(true, "cc1", "sha1"),
		commitPageFixture(false, "cc2", "sha2"),
	}
	graphql.prPages = []string{prPageFixture(false, ""), prPageFixture(false, "")}
	graphql.issuePages = []string{issuePageFixture(false, ""), issuePageFixture(false, "")}

	facts := newMemFacts()
	rest := &fakeREST{}
	collector := newCollector(graphql, rest, facts, &fakeLimiter{}, nil, zap.NewNop(), Config{MaxPages: 1})
	collector.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }

	summary, err := collector.CollectSubject(t.Context(), testSubject())
	if err != nil {
		t.Fatalf("first crawl error: %v", err)
	}
	if summary.Commits != 1 {
		t.Fatalf("expected one commit from the capped first crawl, got %d", summary.Commits)
	}
	if metadata, ok := facts.metadata["subject-1:commits"]; ok && !metadata.LastCollectedAt.IsZero() {
		t.Fatalf("expected commit progress to stay un-advanced while pages remain, got %+v", metadata)
	}
	if cursor := facts.repos["subject-1:octocat/deep"].CommitCursor; cursor != "cc1" {
		t.Fatalf("expected the capped walk to park its cursor, got %q", cursor)
	}

	summary, err = collector.CollectSubject(t.Context(), testSubject())
	if err != nil {
		t.Fatalf("second crawl error: %v", err)
	}
	if summary.Commits != 1 {
		t.Fatalf("expected the remaining commit from the second crawl, got %d", summary.Commits)
	}
	if _, ok := facts.commits["subject-1:sha2"]; !ok {
		t.Fatalf("expected the commit past the cap to be collected on resume")
	}
	if cursors := graphql.commitCursors["octocat/deep"]; len(cursors) != 2 || cursors[1] != "cc1" {
		t.Fatalf("expected the second walk to resume from the parked cursor, got %v", cursors)
	}
	if rest.calls != 0 {
		t.Fatalf("expected no since probe while the full crawl is unfinished, got %d", rest.calls)
	}
	if metadata := facts.metadata["subject-1:commits"]; metadata.LastCollectedAt.IsZero() {
		t.Fatalf("expected commit progress to advance once the walk completed")
	}
	if cursor := facts.repos["subject-1:octocat/deep"].CommitCursor; cursor != "" {
		t.Fatalf("expected the parked cursor to clear after completion, got %q", cursor)
	}
}

func TestCollectSubjectSkipsUnchangedRepositories(t *testing.T) {
	t.Parallel()

	graphql := newFakeGraphQL()
	graphql.reposJSON = discoveryFixture(repoFixture("octocat/quiet", "octocat", "quiet", 0))
	graphql.prPages = []string{prPageFixture(false, "")}
	graphql.issuePages = []string{issuePageFixture(false, "")}

	facts := newMemFacts()
	facts.metadata["subject-1:commits"] = store.CollectionMetadata{
		SubjectID:       "subject-1",
		Resource:        store.ResourceCommits,
		LastCollectedAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	rest := &fakeREST{}
	collector := newTestCollector(graphql, rest, facts, &fakeLimiter{}, nil)

	summary, err := collector.CollectSubject(t.Context(), testSubject())
	if err != nil {
		t.Fatalf("CollectSubject() error: %v", err)
	}
	if rest.calls != 1 {
		t.Fatalf("expected one since-filtered probe, got %d", rest.calls)
	}
	if graphql.commitCalls["octocat/quiet"] != 0 {
		t.Fatalf("expected the paginated walk to be skipped for an unchanged repository")
	}
	if summary.Commits != 0 {
		t.Fatalf("expected no commits collected, got %d", summary.Commits)
	}
}
