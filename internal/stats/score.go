package stats

import (
	"strings"
	"time"

	"github.com/devpulse/harvester/internal/store"
)

// Scoring thresholds. Each component is capped independently; the total is
// their plain sum, at most 9.
const (
	activityMax = 3.0
	impactMax   = 5.0

	tier3Commits = 100
	tier3PRs     = 20
	tier2Commits = 30
	tier2PRs     = 5
	tier1Commits = 5

	diversityHigh   = 10
	diversityMedium = 5
	diversityLow    = 2

	ownedRepoStarFloor    = 100
	externalRepoStarFloor = 1000
	closedIssuesFloor     = 10
)

// Score is the composite contribution score for one subject.
type Score struct {
	SubjectID  string
	Activity   float64
	Diversity  float64
	Impact     float64
	Total      float64
	ComputedAt time.Time
}

// ComputeScore derives the composite score from a subject's aggregated
// repository statistics and raw pull request facts. The result depends only
// on its inputs.
func ComputeScore(subjectID, login string, repositories []RepositoryStatistics, pullRequests []store.PullRequest, computedAt time.Time) Score {
	score := Score{
		SubjectID:  subjectID,
		Activity:   activityScore(repositories),
		Diversity:  diversityScore(len(repositories)),
		Impact:     impactScore(login, repositories, pullRequests),
		ComputedAt: computedAt,
	}
	score.Total = score.Activity + score.Diversity + score.Impact
	return score
}

// activityScore is the maximum tier reached across all repositories the
// subject contributed to. Tier 3 short-circuits the scan.
func activityScore(repositories []RepositoryStatistics) float64 {
	best := 0.0
	for _, repo := range repositories {
		tier := activityTier(repo.UserCommits, repo.UserPRs)
		if tier == activityMax {
			return activityMax
		}
		if tier > best {
			best = tier
		}
	}
	return best
}

func activityTier(commits, prs int) float64 {
	switch {
	case commits >= tier3Commits && prs >= tier3PRs:
		return 3.0
	case commits >= tier2Commits && prs >= tier2PRs:
		return 2.0
	case commits >= tier1Commits || prs >= 1:
		return 1.0
	default:
		return 0.0
	}
}

func diversityScore(repositoryCount int) float64 {
	switch {
	case repositoryCount >= diversityHigh:
		return 1.0
	case repositoryCount >= diversityMedium:
		return 0.7
	case repositoryCount >= diversityLow:
		return 0.4
	default:
		return 0.0
	}
}

// impactScore sums four independent bonuses, then clamps to impactMax:
// an owned repository with significant stars, a merged pull request into a
// popular external repository, merged pull requests that collectively closed
// enough issues, and a cross-repository merged pull request from a fork back
// to its upstream.
func impactScore(login string, repositories []RepositoryStatistics, pullRequests []store.PullRequest) float64 {
	impact := 0.0

	for _, repo := range repositories {
		if repo.IsOwned && repo.Stars >= ownedRepoStarFloor {
			impact += 2.0
			break
		}
	}

	closedIssues := 0
	popularExternal := false
	crossRepository := false
	for _, pr := range pullRequests {
		if !pr.Merged {
			continue
		}
		closedIssues += pr.ClosedIssuesCount
		if pr.RepoStars >= externalRepoStarFloor && !strings.EqualFold(pr.RepoOwner, login) {
			popularExternal = true
		}
		if pr.IsCrossRepository {
			crossRepository = true
		}
	}
	if popularExternal {
		impact += 1.5
	}
	if closedIssues >= closedIssuesFloor {
		impact += 1.0
	}
	if crossRepository {
		impact += 0.5
	}

	return min(impact, impactMax)
}
