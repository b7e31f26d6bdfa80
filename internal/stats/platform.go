package stats

import (
	"math"
	"time"
)

// DefaultRecomputeThreshold is how many new subjects must appear before the
// platform snapshot is recomputed.
const DefaultRecomputeThreshold = 10

// PlatformStatistics is the singleton cross-subject snapshot. Averages carry
// two decimal places.
type PlatformStatistics struct {
	AvgCommits      float64
	AvgPullRequests float64
	AvgIssues       float64
	AvgStars        float64
	TotalUserCount  int
	ComputedAt      time.Time
}

// PlatformAggregator recomputes the platform snapshot with hysteresis: the
// cross-subject averages are only recomputed once enough new subjects have
// appeared since the previous computation.
type PlatformAggregator struct {
	threshold int
}

// NewPlatformAggregator creates an aggregator. A non-positive threshold uses
// the default.
func NewPlatformAggregator(threshold int) *PlatformAggregator {
	if threshold <= 0 {
		threshold = DefaultRecomputeThreshold
	}
	return &PlatformAggregator{threshold: threshold}
}

// Recompute returns a fresh snapshot and true when the subject count has
// grown by at least the threshold since the previous snapshot; otherwise it
// returns the previous snapshot untouched, timestamp included, and false.
func (a *PlatformAggregator) Recompute(previous PlatformStatistics, users []UserStatistics, now time.Time) (PlatformStatistics, bool) {
	if len(users)-previous.TotalUserCount < a.threshold {
		return previous, false
	}

	var commits, prs, issues, stars int
	for _, user := range users {
		commits += user.TotalCommits
		prs += user.TotalPullRequests
		issues += user.TotalIssues
		stars += user.TotalStars
	}
	count := float64(len(users))
	return PlatformStatistics{
		AvgCommits:      round2(float64(commits) / count),
		AvgPullRequests: round2(float64(prs) / count),
		AvgIssues:       round2(float64(issues) / count),
		AvgStars:        round2(float64(stars) / count),
		TotalUserCount:  len(users),
		ComputedAt:      now,
	}, true
}

// round2 rounds half away from zero to two decimal places.
func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
