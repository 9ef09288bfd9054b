// Package gitlab implements vcshost.Client against the GitLab API via
// xanzy/go-gitlab, mirroring the pack's own GitLab engine (a client wrapping
// *gl.Client, one method per capability, errors wrapped with call context).
package gitlab

import (
	"context"
	"fmt"
	"strconv"

	gl "github.com/xanzy/go-gitlab"

	"github.com/greenline/mergequeue/internal/vcshost"
)

// Client implements vcshost.Client for a single GitLab instance (gitlab.com
// or self-hosted, selected by baseURL).
type Client struct {
	cl *gl.Client
}

// New creates a GitLab client authenticated with a personal or project
// access token.
func New(baseURL, token string) (*Client, error) {
	opts := []gl.ClientOptionFunc{}
	if baseURL != "" {
		opts = append(opts, gl.WithBaseURL(baseURL))
	}

	cl, err := gl.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("init gitlab client: %w", err)
	}

	return &Client{cl: cl}, nil
}

// FormatPRNumber renders a merge request number the GitLab way ("!N").
func (c *Client) FormatPRNumber(number int64) string {
	return "!" + strconv.FormatInt(number, 10)
}

func project(repo vcshost.RepoRef) string {
	return repo.Owner + "/" + repo.Name
}

// PRCIStatus reports the status of the merge request's head pipeline.
func (c *Client) PRCIStatus(ctx context.Context, repo vcshost.RepoRef, prNumber int64) (vcshost.CIStatus, error) {
	mr, _, err := c.cl.MergeRequests.GetMergeRequest(project(repo), int(prNumber), nil, gl.WithContext(ctx))
	if err != nil {
		return vcshost.NotFinished, fmt.Errorf("get merge request !%d: %w", prNumber, err)
	}

	if mr.HeadPipeline == nil {
		return vcshost.NotFinished, nil
	}

	return pipelineStatusToStatus(mr.HeadPipeline.Status), nil
}

// CIStatus reports the status of a specific pipeline id.
func (c *Client) CIStatus(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) (vcshost.CIStatus, error) {
	pipeline, _, err := c.cl.Pipelines.GetPipeline(project(repo), int(ciNumber), gl.WithContext(ctx))
	if err != nil {
		return vcshost.NotFinished, fmt.Errorf("get pipeline %d: %w", ciNumber, err)
	}

	return pipelineStatusToStatus(pipeline.Status), nil
}

// AbortCI cancels a running pipeline.
func (c *Client) AbortCI(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) error {
	_, _, err := c.cl.Pipelines.CancelPipelineBuild(project(repo), int(ciNumber), gl.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("cancel pipeline %d: %w", ciNumber, err)
	}

	return nil
}

// SendComment posts a note on a merge request.
func (c *Client) SendComment(ctx context.Context, repo vcshost.RepoRef, prNumber int64, body string) error {
	_, _, err := c.cl.Notes.CreateMergeRequestNote(project(repo), int(prNumber), &gl.CreateMergeRequestNoteOptions{
		Body: &body,
	}, gl.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("comment on !%d: %w", prNumber, err)
	}

	return nil
}

func pipelineStatusToStatus(status string) vcshost.CIStatus {
	switch status {
	case "success", "skipped", "manual":
		return vcshost.Passed
	case "failed", "canceled", "canceling":
		return vcshost.Failed
	default:
		return vcshost.NotFinished
	}
}

// Ensure Client implements vcshost.Client at compile time.
var _ vcshost.Client = (*Client)(nil)
