// Package github implements vcshost.Client against the GitHub API via
// google/go-github, authenticated as a GitHub App installation through
// bradleyfalzon/ghinstallation — the standard pairing for a service that
// must act across many installations without a personal access token.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gh "github.com/google/go-github/v84/github"

	"github.com/greenline/mergequeue/internal/vcshost"
)

// Client implements vcshost.Client for a single GitHub App installation.
type Client struct {
	cl *gh.Client
}

// NewAppClient builds a Client authenticated as a GitHub App installation.
// pemPath is the path to the App's private key.
func NewAppClient(appID, installationID int64, pemPath string) (*Client, error) {
	itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, pemPath)
	if err != nil {
		return nil, fmt.Errorf("init github app transport: %w", err)
	}

	return &Client{cl: gh.NewClient(&http.Client{Transport: itr})}, nil
}

// NewTokenClient builds a Client authenticated with a plain access token,
// for self-hosted/enterprise setups that don't use a GitHub App.
func NewTokenClient(token string) *Client {
	return &Client{cl: gh.NewClient(nil).WithAuthToken(token)}
}

// FormatPRNumber renders a PR number the GitHub way ("#N").
func (c *Client) FormatPRNumber(number int64) string {
	return "#" + strconv.FormatInt(number, 10)
}

// PRCIStatus gates a PR's own head commit via the combined status API, which
// aggregates both classic commit statuses and check runs.
func (c *Client) PRCIStatus(ctx context.Context, repo vcshost.RepoRef, prNumber int64) (vcshost.CIStatus, error) {
	pr, _, err := c.cl.PullRequests.Get(ctx, repo.Owner, repo.Name, int(prNumber))
	if err != nil {
		return vcshost.NotFinished, fmt.Errorf("get PR #%d: %w", prNumber, err)
	}

	if pr.Head == nil || pr.Head.SHA == nil {
		return vcshost.NotFinished, fmt.Errorf("PR #%d has no head sha", prNumber)
	}

	status, _, err := c.cl.Repositories.GetCombinedStatus(ctx, repo.Owner, repo.Name, *pr.Head.SHA, nil)
	if err != nil {
		return vcshost.NotFinished, fmt.Errorf("get combined status for PR #%d: %w", prNumber, err)
	}

	return combinedStateToStatus(status.GetState()), nil
}

// CIStatus resolves the status of a specific Actions workflow run.
func (c *Client) CIStatus(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) (vcshost.CIStatus, error) {
	run, _, err := c.cl.Actions.GetWorkflowRunByID(ctx, repo.Owner, repo.Name, ciNumber)
	if err != nil {
		return vcshost.NotFinished, fmt.Errorf("get workflow run %d: %w", ciNumber, err)
	}

	return runStatusToStatus(run.GetStatus(), run.GetConclusion()), nil
}

// AbortCI cancels a running Actions workflow run.
func (c *Client) AbortCI(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) error {
	_, err := c.cl.Actions.CancelWorkflowRunByID(ctx, repo.Owner, repo.Name, ciNumber)
	if err != nil {
		return fmt.Errorf("cancel workflow run %d: %w", ciNumber, err)
	}

	return nil
}

// SendComment posts an issue comment on a PR (GitHub PRs are issues).
func (c *Client) SendComment(ctx context.Context, repo vcshost.RepoRef, prNumber int64, body string) error {
	_, _, err := c.cl.Issues.CreateComment(ctx, repo.Owner, repo.Name, int(prNumber), &gh.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("comment on PR #%d: %w", prNumber, err)
	}

	return nil
}

func combinedStateToStatus(state string) vcshost.CIStatus {
	switch state {
	case "success":
		return vcshost.Passed
	case "failure", "error":
		return vcshost.Failed
	default:
		return vcshost.NotFinished
	}
}

func runStatusToStatus(status, conclusion string) vcshost.CIStatus {
	if status != "completed" {
		return vcshost.NotFinished
	}

	switch conclusion {
	case "success", "skipped", "neutral":
		return vcshost.Passed
	default:
		return vcshost.Failed
	}
}

// Ensure Client implements vcshost.Client at compile time.
var _ vcshost.Client = (*Client)(nil)
