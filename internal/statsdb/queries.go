package statsdb

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/devpulse/harvester/internal/stats"
)

// ErrNotFound reports a missing subject row.
var ErrNotFound = errors.New("statsdb: not found")

const upsertUserStatisticsSQL = `
INSERT INTO user_statistics (
    subject_id, login, total_commits, total_pull_requests, merged_pull_requests,
    total_issues, total_additions, total_deletions, night_commits, day_commits,
    owned_repositories, contributed_repositories, total_stars, total_forks,
    period_start, period_end, computed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (subject_id) DO UPDATE SET
    login = EXCLUDED.login,
    total_commits = EXCLUDED.total_commits,
    total_pull_requests = EXCLUDED.total_pull_requests,
    merged_pull_requests = EXCLUDED.merged_pull_requests,
    total_issues = EXCLUDED.total_issues,
    total_additions = EXCLUDED.total_additions,
    total_deletions = EXCLUDED.total_deletions,
    night_commits = EXCLUDED.night_commits,
    day_commits = EXCLUDED.day_commits,
    owned_repositories = EXCLUDED.owned_repositories,
    contributed_repositories = EXCLUDED.contributed_repositories,
    total_stars = EXCLUDED.total_stars,
    total_forks = EXCLUDED.total_forks,
    period_start = EXCLUDED.period_start,
    period_end = EXCLUDED.period_end,
    computed_at = EXCLUDED.computed_at`

// SaveUserStatistics inserts or replaces the subject's aggregate row.
func (s *Store) SaveUserStatistics(ctx context.Context, user stats.UserStatistics) error {
	_, err := s.db.Exec(ctx, upsertUserStatisticsSQL,
		user.SubjectID, user.Login, user.TotalCommits, user.TotalPullRequests, user.MergedPullRequests,
		user.TotalIssues, user.TotalAdditions, user.TotalDeletions, user.NightCommits, user.DayCommits,
		user.OwnedRepositories, user.ContributedRepositories, user.TotalStars, user.TotalForks,
		user.PeriodStart, user.PeriodEnd, user.ComputedAt)
	if err != nil {
		return fmt.Errorf("save user statistics: %w", err)
	}
	return nil
}

const selectUserStatisticsSQL = `
SELECT subject_id, login, total_commits, total_pull_requests, merged_pull_requests,
       total_issues, total_additions, total_deletions, night_commits, day_commits,
       owned_repositories, contributed_repositories, total_stars, total_forks,
       period_start, period_end, computed_at
FROM user_statistics WHERE subject_id = $1`

// UserStatistics loads the subject's aggregate row.
func (s *Store) UserStatistics(ctx context.Context, subjectID string) (stats.UserStatistics, error) {
	var user stats.UserStatistics
	err := s.db.QueryRow(ctx, selectUserStatisticsSQL, subjectID).Scan(
		&user.SubjectID, &user.Login, &user.TotalCommits, &user.TotalPullRequests, &user.MergedPullRequests,
		&user.TotalIssues, &user.TotalAdditions, &user.TotalDeletions, &user.NightCommits, &user.DayCommits,
		&user.OwnedRepositories, &user.ContributedRepositories, &user.TotalStars, &user.TotalForks,
		&user.PeriodStart, &user.PeriodEnd, &user.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return stats.UserStatistics{}, ErrNotFound
	}
	if err != nil {
		return stats.UserStatistics{}, fmt.Errorf("load user statistics: %w", err)
	}
	return user, nil
}

// ReplaceRepositoryStatistics atomically swaps the subject's repository rows
// for the freshly aggregated set.
func (s *Store) ReplaceRepositoryStatistics(ctx context.Context, subjectID string, repositories []stats.RepositoryStatistics) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin repository statistics swap: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM repository_statistics WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("clear repository statistics: %w", err)
	}
	for _, repo := range repositories {
		_, err := tx.Exec(ctx, `
INSERT INTO repository_statistics (
    subject_id, full_name, owner, name, is_owned, stars, forks,
    user_commits, user_prs, user_issues, last_commit_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			repo.SubjectID, repo.FullName, repo.Owner, repo.Name, repo.IsOwned, repo.Stars, repo.Forks,
			repo.UserCommits, repo.UserPRs, repo.UserIssues, repo.LastCommitAt)
		if err != nil {
			return fmt.Errorf("insert repository statistics for %s: %w", repo.FullName, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit repository statistics swap: %w", err)
	}
	return nil
}

const selectRepositoryStatisticsSQL = `
SELECT subject_id, full_name, owner, name, is_owned, stars, forks,
       user_commits, user_prs, user_issues, last_commit_at
FROM repository_statistics WHERE subject_id = $1 ORDER BY full_name`

// RepositoryStatistics loads the subject's per-repository rows.
func (s *Store) RepositoryStatistics(ctx context.Context, subjectID string) ([]stats.RepositoryStatistics, error) {
	rows, err := s.db.Query(ctx, selectRepositoryStatisticsSQL, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load repository statistics: %w", err)
	}
	defer rows.Close()

	var repositories []stats.RepositoryStatistics
	for rows.Next() {
		var repo stats.RepositoryStatistics
		err := rows.Scan(&repo.SubjectID, &repo.FullName, &repo.Owner, &repo.Name, &repo.IsOwned,
			&repo.Stars, &repo.Forks, &repo.UserCommits, &repo.UserPRs, &repo.UserIssues, &repo.LastCommitAt)
		if err != nil {
			return nil, fmt.Errorf("scan repository statistics: %w", err)
		}
		repositories = append(repositories, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repository statistics: %w", err)
	}
	return repositories, nil
}

const upsertScoreSQL = `
INSERT INTO scores (subject_id, activity, diversity, impact, total, computed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (subject_id) DO UPDATE SET
    activity = EXCLUDED.activity,
    diversity = EXCLUDED.diversity,
    impact = EXCLUDED.impact,
    total = EXCLUDED.total,
    computed_at = EXCLUDED.computed_at`

// SaveScore inserts or replaces the subject's score row.
func (s *Store) SaveScore(ctx context.Context, score stats.Score) error {
	_, err := s.db.Exec(ctx, upsertScoreSQL,
		score.SubjectID, score.Activity, score.Diversity, score.Impact, score.Total, score.ComputedAt)
	if err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	return nil
}

// Score loads the subject's score row.
func (s *Store) Score(ctx context.Context, subjectID string) (stats.Score, error) {
	var score stats.Score
	err := s.db.QueryRow(ctx,
		`SELECT subject_id, activity, diversity, impact, total, computed_at FROM scores WHERE subject_id = $1`,
		subjectID).Scan(&score.SubjectID, &score.Activity, &score.Diversity, &score.Impact, &score.Total, &score.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return stats.Score{}, ErrNotFound
	}
	if err != nil {
		return stats.Score{}, fmt.Errorf("load score: %w", err)
	}
	return score, nil
}

const upsertPlatformSQL = `
INSERT INTO platform_statistics (id, avg_commits, avg_pull_requests, avg_issues, avg_stars, total_user_count, computed_at)
VALUES (1, $1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    avg_commits = EXCLUDED.avg_commits,
    avg_pull_requests = EXCLUDED.avg_pull_requests,
    avg_issues = EXCLUDED.avg_issues,
    avg_stars = EXCLUDED.avg_stars,
    total_user_count = EXCLUDED.total_user_count,
    computed_at = EXCLUDED.computed_at`

// SavePlatformStatistics replaces the platform singleton row.
func (s *Store) SavePlatformStatistics(ctx context.Context, platform stats.PlatformStatistics) error {
	_, err := s.db.Exec(ctx, upsertPlatformSQL,
		platform.AvgCommits, platform.AvgPullRequests, platform.AvgIssues, platform.AvgStars,
		platform.TotalUserCount, platform.ComputedAt)
	if err != nil {
		return fmt.Errorf("save platform statistics: %w", err)
	}
	return nil
}

// PlatformStatistics loads the platform singleton row. A missing row returns
// the zero snapshot, which the hysteresis check treats as never computed.
func (s *Store) PlatformStatistics(ctx context.Context) (stats.PlatformStatistics, error) {
	var platform stats.PlatformStatistics
	err := s.db.QueryRow(ctx,
		`SELECT avg_commits, avg_pull_requests, avg_issues, avg_stars, total_user_count, computed_at
		 FROM platform_statistics WHERE id = 1`).Scan(
		&platform.AvgCommits, &platform.AvgPullRequests, &platform.AvgIssues, &platform.AvgStars,
		&platform.TotalUserCount, &platform.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return stats.PlatformStatistics{}, nil
	}
	if err != nil {
		return stats.PlatformStatistics{}, fmt.Errorf("load platform statistics: %w", err)
	}
	return platform, nil
}

const selectAllUserStatisticsSQL = `
SELECT subject_id, login, total_commits, total_pull_requests, merged_pull_requests,
       total_issues, total_additions, total_deletions, night_commits, day_commits,
       owned_repositories, contributed_repositories, total_stars, total_forks,
       period_start, period_end, computed_at
FROM user_statistics ORDER BY subject_id`

// AllUserStatistics loads every subject's aggregate row, for the platform
// recomputation.
func (s *Store) AllUserStatistics(ctx context.Context) ([]stats.UserStatistics, error) {
	rows, err := s.db.Query(ctx, selectAllUserStatisticsSQL)
	if err != nil {
		return nil, fmt.Errorf("load all user statistics: %w", err)
	}
	defer rows.Close()

	var users []stats.UserStatistics
	for rows.Next() {
		var user stats.UserStatistics
		err := rows.Scan(
			&user.SubjectID, &user.Login, &user.TotalCommits, &user.TotalPullRequests, &user.MergedPullRequests,
			&user.TotalIssues, &user.TotalAdditions, &user.TotalDeletions, &user.NightCommits, &user.DayCommits,
			&user.OwnedRepositories, &user.ContributedRepositories, &user.TotalStars, &user.TotalForks,
			&user.PeriodStart, &user.PeriodEnd, &user.ComputedAt)
		if err != nil {
			return nil, fmt.Errorf("scan user statistics: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user statistics: %w", err)
	}
	return users, nil
}

// MetricRank is a subject's standing on one metric.
type MetricRank struct {
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
}

// Comparison is a subject's standing across every ranked metric.
type Comparison struct {
	SubjectID     string     `json:"subject_id"`
	TotalSubjects int        `json:"total_subjects"`
	Commits       MetricRank `json:"commits"`
	PullRequests  MetricRank `json:"pull_requests"`
	Issues        MetricRank `json:"issues"`
	Stars         MetricRank `json:"stars"`
	Score         MetricRank `json:"score"`
}

const comparisonSQL = `
SELECT subject_id, commits_rank, prs_rank, issues_rank, stars_rank, score_rank, total
FROM (
    SELECT u.subject_id,
           RANK() OVER (ORDER BY u.total_commits DESC)          AS commits_rank,
           RANK() OVER (ORDER BY u.total_pull_requests DESC)    AS prs_rank,
           RANK() OVER (ORDER BY u.total_issues DESC)           AS issues_rank,
           RANK() OVER (ORDER BY u.total_stars DESC)            AS stars_rank,
           RANK() OVER (ORDER BY COALESCE(sc.total, 0) DESC)    AS score_rank,
           COUNT(*) OVER ()                                     AS total
    FROM user_statistics u
    LEFT JOIN scores sc USING (subject_id)
) ranked
WHERE subject_id = $1`

// Compare ranks the subject against all subjects on each metric.
func (s *Store) Compare(ctx context.Context, subjectID string) (Comparison, error) {
	var (
		comparison Comparison
		commits    int
		prs        int
		issues     int
		stars      int
		score      int
		total      int
	)
	err := s.db.QueryRow(ctx, comparisonSQL, subjectID).Scan(
		&comparison.SubjectID, &commits, &prs, &issues, &stars, &score, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return Comparison{}, ErrNotFound
	}
	if err != nil {
		return Comparison{}, fmt.Errorf("compare subject: %w", err)
	}

	comparison.TotalSubjects = total
	comparison.Commits = MetricRank{Rank: commits, Percentile: Percentile(commits, total)}
	comparison.PullRequests = MetricRank{Rank: prs, Percentile: Percentile(prs, total)}
	comparison.Issues = MetricRank{Rank: issues, Percentile: Percentile(issues, total)}
	comparison.Stars = MetricRank{Rank: stars, Percentile: Percentile(stars, total)}
	comparison.Score = MetricRank{Rank: score, Percentile: Percentile(score, total)}
	return comparison, nil
}

// Percentile is the share of subjects ranked strictly below the given rank,
// as a percentage with two decimal places.
func Percentile(rank, total int) float64 {
	if total <= 0 || rank <= 0 || rank > total {
		return 0
	}
	return math.Round(float64(total-rank)/float64(total)*10000) / 100
}
