// Package store persists raw provider-sourced facts and collection progress
// in a document-oriented Redis layout: one JSON document per fact keyed by its
// natural identifier, one index set per (subject, fact type).
package store

import "time"

// Resource identifies a collectable resource type for collection metadata.
type Resource string

const (
	// ResourceRepositories tracks repository discovery progress.
	ResourceRepositories Resource = "repositories"
	// ResourceCommits tracks commit mining progress.
	ResourceCommits Resource = "commits"
	// ResourcePullRequests tracks pull request mining progress.
	ResourcePullRequests Resource = "pull_requests"
	// ResourceIssues tracks issue mining progress.
	ResourceIssues Resource = "issues"
)

// Commit is an immutable commit fact, keyed by (subject, sha).
type Commit struct {
	SubjectID    string    `json:"subject_id"`
	SHA          string    `json:"sha"`
	RepoOwner    string    `json:"repo_owner"`
	RepoName     string    `json:"repo_name"`
	Message      string    `json:"message"`
	AuthorName   string    `json:"author_name"`
	AuthorEmail  string    `json:"author_email"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	ChangedFiles int       `json:"changed_files"`
	AuthoredAt   time.Time `json:"authored_at"`
	CollectedAt  time.Time `json:"collected_at"`
}

// PullRequest is an immutable pull request fact, keyed by
// (subject, repo, number).
type PullRequest struct {
	SubjectID         string     `json:"subject_id"`
	RepoOwner         string     `json:"repo_owner"`
	RepoName          string     `json:"repo_name"`
	Number            int        `json:"number"`
	Title             string     `json:"title"`
	State             string     `json:"state"`
	Merged            bool       `json:"merged"`
	IsCrossRepository bool       `json:"is_cross_repository"`
	RepoStars         int        `json:"repo_stars"`
	RepoIsFork        bool       `json:"repo_is_fork"`
	ClosedIssuesCount int        `json:"closed_issues_count"`
	Additions         int        `json:"additions"`
	Deletions         int        `json:"deletions"`
	CreatedAt         time.Time  `json:"created_at"`
	MergedAt          *time.Time `json:"merged_at,omitempty"`
	CollectedAt       time.Time  `json:"collected_at"`
}

// Issue is an immutable issue fact, keyed by (subject, repo, number).
type Issue struct {
	SubjectID   string     `json:"subject_id"`
	RepoOwner   string     `json:"repo_owner"`
	RepoName    string     `json:"repo_name"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CollectedAt time.Time  `json:"collected_at"`
}

// Repository is a contributed-repository record keyed by (subject, owner,
// name). Unlike the other facts it is mutable: discovery refreshes the
// provider metadata on every crawl, and CommitCursor carries an unfinished
// history walk forward to the next one.
type Repository struct {
	SubjectID    string    `json:"subject_id"`
	Owner        string    `json:"owner"`
	Name         string    `json:"name"`
	FullName     string    `json:"full_name"`
	Description  string    `json:"description"`
	IsOwned      bool      `json:"is_owned"`
	IsFork       bool      `json:"is_fork"`
	IsPrivate    bool      `json:"is_private"`
	Language     string    `json:"language"`
	ParentOwner  string    `json:"parent_owner,omitempty"`
	ParentName   string    `json:"parent_name,omitempty"`
	Stars        int       `json:"stars"`
	Forks        int       `json:"forks"`
	CommitCursor string    `json:"commit_cursor,omitempty"`
	CollectedAt  time.Time `json:"collected_at"`
}

// RateLimitState is the last observed provider quota for a subject's
// credential. It survives restarts so scheduling can honor a reset that is
// still in the future.
type RateLimitState struct {
	SubjectID string    `json:"subject_id"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CollectionMetadata records per (subject, resource) collection progress. Its
// presence distinguishes a first full crawl from an incremental one.
type CollectionMetadata struct {
	SubjectID       string    `json:"subject_id"`
	Resource        Resource  `json:"resource"`
	LastCursor      string    `json:"last_cursor,omitempty"`
	LastCollectedAt time.Time `json:"last_collected_at"`
	TotalAPICalls   int       `json:"total_api_calls"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitzero"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
