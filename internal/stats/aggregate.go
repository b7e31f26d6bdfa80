// Package stats derives per-subject statistics and scores from the raw fact
// set. Everything here is a pure function of its inputs: re-running an
// aggregation over the same facts produces identical output, which is what
// makes re-aggregation after incremental collection safe.
package stats

import (
	"sort"
	"strings"
	"time"

	"github.com/devpulse/harvester/internal/store"
)

// UserStatistics is the per-subject aggregate over the data period.
type UserStatistics struct {
	SubjectID               string
	Login                   string
	TotalCommits            int
	TotalPullRequests       int
	MergedPullRequests      int
	TotalIssues             int
	TotalAdditions          int
	TotalDeletions          int
	NightCommits            int
	DayCommits              int
	OwnedRepositories       int
	ContributedRepositories int
	TotalStars              int
	TotalForks              int
	PeriodStart             time.Time
	PeriodEnd               time.Time
	ComputedAt              time.Time
}

// RepositoryStatistics is the per (subject, repository) aggregate.
type RepositoryStatistics struct {
	SubjectID    string
	Owner        string
	Name         string
	FullName     string
	IsOwned      bool
	Stars        int
	Forks        int
	UserCommits  int
	UserPRs      int
	UserIssues   int
	LastCommitAt *time.Time
}

// Input is one subject's complete raw fact set.
type Input struct {
	SubjectID    string
	Login        string
	Repositories []store.Repository
	Commits      []store.Commit
	PullRequests []store.PullRequest
	Issues       []store.Issue
}

// nightCommit reports whether the commit was authored between 22:00 and
// 06:00.
func nightCommit(authoredAt time.Time) bool {
	hour := authoredAt.Hour()
	return hour >= 22 || hour < 6
}

// Aggregate folds a subject's raw facts into user and repository statistics.
// Stars and forks are summed over owned repositories only; ownership means
// the repository owner login equals the subject login. Repository statistics
// are ordered by full name so repeated runs emit identical output.
func Aggregate(input Input, periodStart, periodEnd, computedAt time.Time) (UserStatistics, []RepositoryStatistics) {
	user := UserStatistics{
		SubjectID:   input.SubjectID,
		Login:       input.Login,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		ComputedAt:  computedAt,
	}

	byRepo := make(map[string]*RepositoryStatistics)
	repoStats := func(owner, name string) *RepositoryStatistics {
		fullName := owner + "/" + name
		if existing, ok := byRepo[fullName]; ok {
			return existing
		}
		created := &RepositoryStatistics{
			SubjectID: input.SubjectID,
			Owner:     owner,
			Name:      name,
			FullName:  fullName,
			IsOwned:   strings.EqualFold(owner, input.Login),
		}
		byRepo[fullName] = created
		return created
	}

	for _, repo := range input.Repositories {
		entry := repoStats(repo.Owner, repo.Name)
		entry.IsOwned = repo.IsOwned
		entry.Stars = repo.Stars
		entry.Forks = repo.Forks
	}

	for _, commit := range input.Commits {
		user.TotalCommits++
		user.TotalAdditions += commit.Additions
		user.TotalDeletions += commit.Deletions
		if nightCommit(commit.AuthoredAt) {
			user.NightCommits++
		} else {
			user.DayCommits++
		}

		entry := repoStats(commit.RepoOwner, commit.RepoName)
		entry.UserCommits++
		if entry.LastCommitAt == nil || commit.AuthoredAt.After(*entry.LastCommitAt) {
			authoredAt := commit.AuthoredAt
			entry.LastCommitAt = &authoredAt
		}
	}

	for _, pr := range input.PullRequests {
		user.TotalPullRequests++
		if pr.Merged {
			user.MergedPullRequests++
		}
		repoStats(pr.RepoOwner, pr.RepoName).UserPRs++
	}

	for _, issue := range input.Issues {
		user.TotalIssues++
		repoStats(issue.RepoOwner, issue.RepoName).UserIssues++
	}

	repositories := make([]RepositoryStatistics, 0, len(byRepo))
	for _, entry := range byRepo {
		if entry.IsOwned {
			user.OwnedRepositories++
			user.TotalStars += entry.Stars
			user.TotalForks += entry.Forks
		} else {
			user.ContributedRepositories++
		}
		repositories = append(repositories, *entry)
	}
	sort.Slice(repositories, func(i, j int) bool {
		return repositories[i].FullName < repositories[j].FullName
	})
	return user, repositories
}
