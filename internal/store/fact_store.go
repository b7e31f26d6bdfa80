package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// FactStoreConfig configures the Redis-backed raw fact store.
type FactStoreConfig struct {
	Namespace string
}

// FactStore is the idempotent raw fact and collection metadata store. Inserts
// are guarded by SetNX so the key itself is the dedup constraint: re-running a
// crawl never overwrites an existing fact.
type FactStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewFactStore creates a Redis-backed fact store.
func NewFactStore(client redis.UniversalClient, cfg FactStoreConfig) *FactStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newFactStoreFromCommander(client, closeFn, cfg)
}

func newFactStoreFromCommander(client redisCommander, closeFn func() error, cfg FactStoreConfig) *FactStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "harvester"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &FactStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Close closes the underlying Redis client.
func (s *FactStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// InsertCommit inserts a commit fact unless its natural key already exists.
// It reports whether a new record was written.
func (s *FactStore) InsertCommit(ctx context.Context, commit Commit) (bool, error) {
	if commit.SubjectID == "" || commit.SHA == "" {
		return false, fmt.Errorf("commit subject and sha are required")
	}
	key := s.commitKey(commit.SubjectID, commit.SHA)
	inserted, err := s.insertDocument(ctx, key, commit)
	if err != nil {
		return false, fmt.Errorf("insert commit: %w", err)
	}
	if inserted {
		if err := s.client.SAdd(ctx, s.indexKey("commits", commit.SubjectID), commit.SHA).Err(); err != nil {
			return false, fmt.Errorf("index commit: %w", err)
		}
	}
	return inserted, nil
}

// CommitExists reports whether the commit natural key is already stored.
func (s *FactStore) CommitExists(ctx context.Context, subjectID, sha string) (bool, error) {
	return s.keyExists(ctx, s.commitKey(subjectID, sha))
}

// CommitsBySubject loads every stored commit fact for a subject.
func (s *FactStore) CommitsBySubject(ctx context.Context, subjectID string) ([]Commit, error) {
	members, err := s.client.SMembers(ctx, s.indexKey("commits", subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list commit index: %w", err)
	}
	commits := make([]Commit, 0, len(members))
	for _, sha := range members {
		var commit Commit
		ok, err := s.loadDocument(ctx, s.commitKey(subjectID, sha), &commit)
		if err != nil {
			return nil, fmt.Errorf("load commit %s: %w", sha, err)
		}
		if ok {
			commits = append(commits, commit)
		}
	}
	return commits, nil
}

// InsertPullRequest inserts a pull request fact unless its natural key exists.
func (s *FactStore) InsertPullRequest(ctx context.Context, pr PullRequest) (bool, error) {
	if pr.SubjectID == "" || pr.RepoOwner == "" || pr.RepoName == "" {
		return false, fmt.Errorf("pull request subject and repository are required")
	}
	member := prMember(pr.RepoOwner, pr.RepoName, pr.Number)
	inserted, err := s.insertDocument(ctx, s.prKey(pr.SubjectID, member), pr)
	if err != nil {
		return false, fmt.Errorf("insert pull request: %w", err)
	}
	if inserted {
		if err := s.client.SAdd(ctx, s.indexKey("prs", pr.SubjectID), member).Err(); err != nil {
			return false, fmt.Errorf("index pull request: %w", err)
		}
	}
	return inserted, nil
}

// PullRequestExists reports whether the pull request natural key is stored.
func (s *FactStore) PullRequestExists(ctx context.Context, subjectID, repoOwner, repoName string, number int) (bool, error) {
	return s.keyExists(ctx, s.prKey(subjectID, prMember(repoOwner, repoName, number)))
}

// PullRequestsBySubject loads every stored pull request fact for a subject.
func (s *FactStore) PullRequestsBySubject(ctx context.Context, subjectID string) ([]PullRequest, error) {
	members, err := s.client.SMembers(ctx, s.indexKey("prs", subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pull request index: %w", err)
	}
	prs := make([]PullRequest, 0, len(members))
	for _, member := range members {
		var pr PullRequest
		ok, err := s.loadDocument(ctx, s.prKey(subjectID, member), &pr)
		if err != nil {
			return nil, fmt.Errorf("load pull request %s: %w", member, err)
		}
		if ok {
			prs = append(prs, pr)
		}
	}
	return prs, nil
}

// InsertIssue inserts an issue fact unless its natural key exists.
func (s *FactStore) InsertIssue(ctx context.Context, issue Issue) (bool, error) {
	if issue.SubjectID == "" || issue.RepoOwner == "" || issue.RepoName == "" {
		return false, fmt.Errorf("issue subject and repository are required")
	}
	member := prMember(issue.RepoOwner, issue.RepoName, issue.Number)
	inserted, err := s.insertDocument(ctx, s.issueKey(issue.SubjectID, member), issue)
	if err != nil {
		return false, fmt.Errorf("insert issue: %w", err)
	}
	if inserted {
		if err := s.client.SAdd(ctx, s.indexKey("issues", issue.SubjectID), member).Err(); err != nil {
			return false, fmt.Errorf("index issue: %w", err)
		}
	}
	return inserted, nil
}

// IssueExists reports whether the issue natural key is stored.
func (s *FactStore) IssueExists(ctx context.Context, subjectID, repoOwner, repoName string, number int) (bool, error) {
	return s.keyExists(ctx, s.issueKey(subjectID, prMember(repoOwner, repoName, number)))
}

// IssuesBySubject loads every stored issue fact for a subject.
func (s *FactStore) IssuesBySubject(ctx context.Context, subjectID string) ([]Issue, error) {
	members, err := s.client.SMembers(ctx, s.indexKey("issues", subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list issue index: %w", err)
	}
	issues := make([]Issue, 0, len(members))
	for _, member := range members {
		var issue Issue
		ok, err := s.loadDocument(ctx, s.issueKey(subjectID, member), &issue)
		if err != nil {
			return nil, fmt.Errorf("load issue %s: %w", member, err)
		}
		if ok {
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// SaveRepository inserts or overwrites a repository record. Repositories are
// the one mutable fact: discovery refreshes provider metadata and commit
// mining rewrites the crawl cursor.
func (s *FactStore) SaveRepository(ctx context.Context, repo Repository) error {
	if repo.SubjectID == "" || repo.Owner == "" || repo.Name == "" {
		return fmt.Errorf("repository subject, owner, and name are required")
	}
	member := repo.Owner + "/" + repo.Name
	payload, err := json.Marshal(repo)
	if err != nil {
		return fmt.Errorf("marshal repository: %w", err)
	}
	if err := s.client.Set(ctx, s.repoKey(repo.SubjectID, member), payload, 0).Err(); err != nil {
		return fmt.Errorf("write repository: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey("repos", repo.SubjectID), member).Err(); err != nil {
		return fmt.Errorf("index repository: %w", err)
	}
	return nil
}

// RepositoriesBySubject loads every stored repository record for a subject.
func (s *FactStore) RepositoriesBySubject(ctx context.Context, subjectID string) ([]Repository, error) {
	members, err := s.client.SMembers(ctx, s.indexKey("repos", subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list repository index: %w", err)
	}
	repos := make([]Repository, 0, len(members))
	for _, member := range members {
		var repo Repository
		ok, err := s.loadDocument(ctx, s.repoKey(subjectID, member), &repo)
		if err != nil {
			return nil, fmt.Errorf("load repository %s: %w", member, err)
		}
		if ok {
			repos = append(repos, repo)
		}
	}
	return repos, nil
}

// Metadata loads collection metadata for (subject, resource). The second
// return reports presence: absence means no successful collection has ever
// completed, i.e. the next crawl is a full one.
func (s *FactStore) Metadata(ctx context.Context, subjectID string, resource Resource) (CollectionMetadata, bool, error) {
	var metadata CollectionMetadata
	ok, err := s.loadDocument(ctx, s.metadataKey(subjectID, resource), &metadata)
	if err != nil {
		return CollectionMetadata{}, false, fmt.Errorf("load collection metadata: %w", err)
	}
	return metadata, ok, nil
}

// SaveMetadata writes collection metadata after a fully successful crawl.
// Failed crawls must not call this: un-advanced metadata is what makes the
// next run retry from the same starting point.
func (s *FactStore) SaveMetadata(ctx context.Context, metadata CollectionMetadata) error {
	if metadata.SubjectID == "" || metadata.Resource == "" {
		return fmt.Errorf("metadata subject and resource are required")
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal collection metadata: %w", err)
	}
	if err := s.client.Set(ctx, s.metadataKey(metadata.SubjectID, metadata.Resource), payload, 0).Err(); err != nil {
		return fmt.Errorf("write collection metadata: %w", err)
	}
	return nil
}

// RateLimitState loads the persisted quota state for a subject. Absence means
// the quota is unknown and the subject can be scheduled immediately.
func (s *FactStore) RateLimitState(ctx context.Context, subjectID string) (RateLimitState, bool, error) {
	var state RateLimitState
	ok, err := s.loadDocument(ctx, s.rateLimitKey(subjectID), &state)
	if err != nil {
		return RateLimitState{}, false, fmt.Errorf("load rate limit state: %w", err)
	}
	return state, ok, nil
}

// SaveRateLimitState records the last observed quota for a subject.
func (s *FactStore) SaveRateLimitState(ctx context.Context, state RateLimitState) error {
	if state.SubjectID == "" {
		return fmt.Errorf("rate limit state subject is required")
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}
	if err := s.client.Set(ctx, s.rateLimitKey(state.SubjectID), payload, 0).Err(); err != nil {
		return fmt.Errorf("write rate limit state: %w", err)
	}
	return nil
}

func (s *FactStore) insertDocument(ctx context.Context, key string, document any) (bool, error) {
	payload, err := json.Marshal(document)
	if err != nil {
		return false, fmt.Errorf("marshal document: %w", err)
	}
	inserted, err := s.client.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("write document: %w", err)
	}
	return inserted, nil
}

func (s *FactStore) loadDocument(ctx context.Context, key string, target any) (bool, error) {
	payload, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(payload), target); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	return true, nil
}

func (s *FactStore) keyExists(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check key: %w", err)
	}
	return count > 0, nil
}

func (s *FactStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *FactStore) commitKey(subjectID, sha string) string {
	return s.prefixed("commit:" + subjectID + ":" + sha)
}

func (s *FactStore) prKey(subjectID, member string) string {
	return s.prefixed("pr:" + subjectID + ":" + member)
}

func (s *FactStore) issueKey(subjectID, member string) string {
	return s.prefixed("issue:" + subjectID + ":" + member)
}

func (s *FactStore) repoKey(subjectID, member string) string {
	return s.prefixed("repo:" + subjectID + ":" + member)
}

func (s *FactStore) metadataKey(subjectID string, resource Resource) string {
	return s.prefixed("meta:" + subjectID + ":" + string(resource))
}

func (s *FactStore) rateLimitKey(subjectID string) string {
	return s.prefixed("ratelimit:" + subjectID)
}

func (s *FactStore) indexKey(collection, subjectID string) string {
	return s.prefixed("index:" + collection + ":" + subjectID)
}

func prMember(owner, name string, number int) string {
	return owner + "/" + name + "#" + strconv.Itoa(number)
}
