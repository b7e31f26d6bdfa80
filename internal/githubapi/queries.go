package githubapi

import (
	"context"
	"time"
)

// PageInfo is GraphQL connection pagination metadata.
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// RepositoryInfo describes one repository a subject contributed to.
type RepositoryInfo struct {
	Name            string `json:"name"`
	NameWithOwner   string `json:"nameWithOwner"`
	Description     string `json:"description"`
	IsFork          bool   `json:"isFork"`
	IsPrivate       bool   `json:"isPrivate"`
	StargazerCount  int    `json:"stargazerCount"`
	ForkCount       int    `json:"forkCount"`
	Owner           Actor  `json:"owner"`
	PrimaryLanguage *struct {
		Name string `json:"name"`
	} `json:"primaryLanguage"`
}

// OwnerLogin returns the repository owner login.
func (r RepositoryInfo) OwnerLogin() string {
	return r.Owner.Login
}

// Language returns the primary language name, or empty when none is set.
func (r RepositoryInfo) Language() string {
	if r.PrimaryLanguage == nil {
		return ""
	}
	return r.PrimaryLanguage.Name
}

// Actor is a user or organization login.
type Actor struct {
	Login string `json:"login"`
}

type repoContribution struct {
	Repository RepositoryInfo `json:"repository"`
}

// ContributedReposData is the decoded contributed-repositories query payload.
type ContributedReposData struct {
	User struct {
		ID                      string `json:"id"`
		ContributionsCollection struct {
			CommitContributionsByRepository      []repoContribution `json:"commitContributionsByRepository"`
			PullRequestContributionsByRepository []repoContribution `json:"pullRequestContributionsByRepository"`
			IssueContributionsByRepository       []repoContribution `json:"issueContributionsByRepository"`
		} `json:"contributionsCollection"`
	} `json:"user"`
}

// AllRepositories unions the commit, pull request, and issue contribution
// repositories, deduplicated by nameWithOwner.
func (d ContributedReposData) AllRepositories() []RepositoryInfo {
	seen := make(map[string]struct{})
	var repos []RepositoryInfo
	collect := func(contributions []repoContribution) {
		for _, contribution := range contributions {
			repo := contribution.Repository
			if _, ok := seen[repo.NameWithOwner]; ok {
				continue
			}
			seen[repo.NameWithOwner] = struct{}{}
			repos = append(repos, repo)
		}
	}
	collection := d.User.ContributionsCollection
	collect(collection.CommitContributionsByRepository)
	collect(collection.PullRequestContributionsByRepository)
	collect(collection.IssueContributionsByRepository)
	return repos
}

// CommitNode is one commit from a repository's default-branch history.
type CommitNode struct {
	OID          string    `json:"oid"`
	Message      string    `json:"message"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	ChangedFiles int       `json:"changedFilesIfAvailable"`
	AuthoredDate time.Time `json:"authoredDate"`
	Author       struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
}

// RepositoryCommitsData is the decoded repository-commits query payload.
type RepositoryCommitsData struct {
	Repository struct {
		DefaultBranchRef *struct {
			Target struct {
				History struct {
					PageInfo PageInfo     `json:"pageInfo"`
					Nodes    []CommitNode `json:"nodes"`
				} `json:"history"`
			} `json:"target"`
		} `json:"defaultBranchRef"`
	} `json:"repository"`
}

// Commits returns the history page nodes; empty for branchless repositories.
func (d RepositoryCommitsData) Commits() []CommitNode {
	if d.Repository.DefaultBranchRef == nil {
		return nil
	}
	return d.Repository.DefaultBranchRef.Target.History.Nodes
}

// Page returns the history page info; zero value for branchless repositories.
func (d RepositoryCommitsData) Page() PageInfo {
	if d.Repository.DefaultBranchRef == nil {
		return PageInfo{}
	}
	return d.Repository.DefaultBranchRef.Target.History.PageInfo
}

// PullRequestNode is one pull request authored by the subject.
type PullRequestNode struct {
	Number            int        `json:"number"`
	Title             string     `json:"title"`
	State             string     `json:"state"`
	Additions         int        `json:"additions"`
	Deletions         int        `json:"deletions"`
	ChangedFiles      int        `json:"changedFiles"`
	Merged            bool       `json:"merged"`
	IsCrossRepository bool       `json:"isCrossRepository"`
	CreatedAt         time.Time  `json:"createdAt"`
	MergedAt          *time.Time `json:"mergedAt"`
	ClosedAt          *time.Time `json:"closedAt"`
	Repository        struct {
		Name           string `json:"name"`
		NameWithOwner  string `json:"nameWithOwner"`
		StargazerCount int    `json:"stargazerCount"`
		IsFork         bool   `json:"isFork"`
		Owner          Actor  `json:"owner"`
	} `json:"repository"`
	Commits struct {
		TotalCount int `json:"totalCount"`
	} `json:"commits"`
	ClosingIssuesReferences struct {
		TotalCount int `json:"totalCount"`
	} `json:"closingIssuesReferences"`
}

// UserPullRequestsData is the decoded user-pull-requests query payload.
type UserPullRequestsData struct {
	User struct {
		PullRequests struct {
			PageInfo PageInfo          `json:"pageInfo"`
			Nodes    []PullRequestNode `json:"nodes"`
		} `json:"pullRequests"`
	} `json:"user"`
}

// IssueNode is one issue authored by the subject.
type IssueNode struct {
	Number     int        `json:"number"`
	Title      string     `json:"title"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"createdAt"`
	ClosedAt   *time.Time `json:"closedAt"`
	Repository struct {
		Name          string `json:"name"`
		NameWithOwner string `json:"nameWithOwner"`
		Owner         Actor  `json:"owner"`
	} `json:"repository"`
}

// UserIssuesData is the decoded user-issues query payload.
type UserIssuesData struct {
	User struct {
		Issues struct {
			PageInfo PageInfo    `json:"pageInfo"`
			Nodes    []IssueNode `json:"nodes"`
		} `json:"issues"`
	} `json:"user"`
}

const contributedReposQuery = `
query($login: String!, $from: DateTime!, $to: DateTime!) {
  user(login: $login) {
    id
    contributionsCollection(from: $from, to: $to) {
      commitContributionsByRepository(maxRepositories: 100) {
        repository {
          name nameWithOwner description isFork isPrivate
          stargazerCount forkCount
          owner { login }
          primaryLanguage { name }
        }
      }
      pullRequestContributionsByRepository(maxRepositories: 100) {
        repository {
          name nameWithOwner description isFork isPrivate
          stargazerCount forkCount
          owner { login }
          primaryLanguage { name }
        }
      }
      issueContributionsByRepository(maxRepositories: 100) {
        repository {
          name nameWithOwner description isFork isPrivate
          stargazerCount forkCount
          owner { login }
          primaryLanguage { name }
        }
      }
    }
  }
}`

const repositoryCommitsQuery = `
query($owner: String!, $name: String!, $authorId: ID!, $after: String, $since: GitTimestamp) {
  repository(owner: $owner, name: $name) {
    defaultBranchRef {
      target {
        ... on Commit {
          history(first: 100, author: {id: $authorId}, after: $after, since: $since) {
            pageInfo { hasNextPage endCursor }
            nodes {
              oid message additions deletions changedFilesIfAvailable
              authoredDate
              author { name email }
            }
          }
        }
      }
    }
  }
}`

const userPullRequestsQuery = `
query($login: String!, $after: String) {
  user(login: $login) {
    pullRequests(first: 50, after: $after, orderBy: {field: CREATED_AT, direction: ASC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        number title state additions deletions changedFiles
        merged isCrossRepository createdAt mergedAt closedAt
        repository {
          name nameWithOwner stargazerCount isFork
          owner { login }
        }
        commits { totalCount }
        closingIssuesReferences { totalCount }
      }
    }
  }
}`

const userIssuesQuery = `
query($login: String!, $after: String) {
  user(login: $login) {
    issues(first: 100, after: $after, orderBy: {field: CREATED_AT, direction: ASC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        number title state createdAt closedAt
        repository {
          name nameWithOwner
          owner { login }
        }
      }
    }
  }
}`

// ContributedRepositories fetches every repository the subject contributed to
// in the [from, to) window via the contributions collection.
func (c *GraphQLClient) ContributedRepositories(ctx context.Context, credential, login string, from, to time.Time) (ContributedReposData, error) {
	var data ContributedReposData
	err := c.Do(ctx, credential, contributedReposQuery, map[string]any{
		"login": login,
		"from":  from.UTC().Format(time.RFC3339),
		"to":    to.UTC().Format(time.RFC3339),
	}, &data)
	return data, err
}

// RepositoryCommits fetches one page of the subject's commits on the
// repository default branch. An empty cursor starts from the newest commit; a
// non-zero since restricts history to commits authored at or after it.
func (c *GraphQLClient) RepositoryCommits(ctx context.Context, credential, owner, name, authorID, cursor string, since time.Time) (RepositoryCommitsData, error) {
	variables := map[string]any{
		"owner":    owner,
		"name":     name,
		"authorId": authorID,
	}
	if cursor != "" {
		variables["after"] = cursor
	}
	if !since.IsZero() {
		variables["since"] = since.UTC().Format(time.RFC3339)
	}
	var data RepositoryCommitsData
	err := c.Do(ctx, credential, repositoryCommitsQuery, variables, &data)
	return data, err
}

// UserPullRequests fetches one page of the subject's pull requests, oldest
// first, so a stored cursor resumes forward into newer items.
func (c *GraphQLClient) UserPullRequests(ctx context.Context, credential, login, cursor string) (UserPullRequestsData, error) {
	variables := map[string]any{"login": login}
	if cursor != "" {
		variables["after"] = cursor
	}
	var data UserPullRequestsData
	err := c.Do(ctx, credential, userPullRequestsQuery, variables, &data)
	return data, err
}

// UserIssues fetches one page of the subject's issues, oldest first.
func (c *GraphQLClient) UserIssues(ctx context.Context, credential, login, cursor string) (UserIssuesData, error) {
	variables := map[string]any{"login": login}
	if cursor != "" {
		variables["after"] = cursor
	}
	var data UserIssuesData
	err := c.Do(ctx, credential, userIssuesQuery, variables, &data)
	return data, err
}
