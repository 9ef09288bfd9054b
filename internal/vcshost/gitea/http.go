package gitea

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/greenline/mergequeue/internal/vcshost"
)

// HTTPClient implements Client and vcshost.Client using Gitea's REST API
// over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP-based Gitea API client.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// do executes an HTTP request with authentication and returns the response.
// The caller is responsible for closing the response body.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	url := c.baseURL + "/api/v1" + path

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}

		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request %s %s: %w", method, path, err)
	}

	return resp, nil
}

// decodeJSON reads the response body and decodes JSON into v.
// It also checks for non-2xx status codes.
func (c *HTTPClient) decodeJSON(resp *http.Response, v any) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)

		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
		}
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// expectStatus checks the response has the expected status code.
func (c *HTTPClient) expectStatus(resp *http.Response, expected int) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != expected {
		bodyBytes, _ := io.ReadAll(resp.Body)

		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
		}
	}

	return nil
}

// APIError represents a non-2xx response from the Gitea API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitea API error (status %d): %s", e.StatusCode, e.Body)
}

// IsNotFound returns true if the error is a 404 response.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)

	return ok && apiErr.StatusCode == http.StatusNotFound
}

// ListUserRepos returns all repositories accessible to the authenticated user.
// Handles pagination.
func (c *HTTPClient) ListUserRepos(ctx context.Context) ([]Repo, error) {
	var allRepos []Repo

	page := 1

	for {
		path := fmt.Sprintf("/user/repos?page=%d&limit=50", page)

		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var repos []Repo
		if err := c.decodeJSON(resp, &repos); err != nil {
			return nil, fmt.Errorf("list user repos: %w", err)
		}

		allRepos = append(allRepos, repos...)

		if len(repos) < 50 {
			break
		}

		page++
	}

	return allRepos, nil
}

// GetRepoTopics returns the topics for a repository.
// Gitea doesn't include topics in the repo listing, so this needs a separate call.
func (c *HTTPClient) GetRepoTopics(ctx context.Context, owner, repo string) ([]string, error) {
	path := fmt.Sprintf("/repos/%s/%s/topics", owner, repo)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Topics []string `json:"topics"`
	}
	if err := c.decodeJSON(resp, &result); err != nil {
		return nil, fmt.Errorf("get topics for %s/%s: %w", owner, repo, err)
	}

	return result.Topics, nil
}

// GetPR returns a single pull request by index.
func (c *HTTPClient) GetPR(ctx context.Context, owner, repo string, index int64) (*PR, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, index)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var pr PR
	if err := c.decodeJSON(resp, &pr); err != nil {
		return nil, fmt.Errorf("get PR #%d in %s/%s: %w", index, owner, repo, err)
	}

	return &pr, nil
}

// CreateComment posts a comment on a pull request.
// POST /repos/{owner}/{repo}/issues/{index}/comments
func (c *HTTPClient) CreateComment(ctx context.Context, owner, repo string, index int64, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, index)

	payload := map[string]string{"body": body}

	resp, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}

	if err := c.expectStatus(resp, http.StatusCreated); err != nil {
		return fmt.Errorf("create comment on PR #%d in %s/%s: %w", index, owner, repo, err)
	}

	return nil
}

// ListBranchProtections lists all branch protection rules for a repository.
// Handles pagination.
func (c *HTTPClient) ListBranchProtections(ctx context.Context, owner, repo string) ([]BranchProtection, error) {
	var allBPs []BranchProtection

	page := 1

	for {
		path := fmt.Sprintf("/repos/%s/%s/branch_protections?page=%d&limit=50", owner, repo, page)

		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var bps []BranchProtection
		if err := c.decodeJSON(resp, &bps); err != nil {
			return nil, fmt.Errorf("list branch protections for %s/%s: %w", owner, repo, err)
		}

		allBPs = append(allBPs, bps...)

		if len(bps) < 50 {
			break
		}

		page++
	}

	return allBPs, nil
}

// EditBranchProtection updates a branch protection rule.
// PATCH /repos/{owner}/{repo}/branch_protections/{name}
func (c *HTTPClient) EditBranchProtection(ctx context.Context, owner, repo, name string, opts EditBranchProtectionOpts) error {
	path := fmt.Sprintf("/repos/%s/%s/branch_protections/%s", owner, repo, name)

	resp, err := c.do(ctx, http.MethodPatch, path, opts)
	if err != nil {
		return err
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)

		return fmt.Errorf("edit branch protection %s in %s/%s: status %d: %s",
			name, owner, repo, resp.StatusCode, string(bodyBytes))
	}

	return nil
}

// ListWebhooks lists all webhooks for a repository. Handles pagination.
func (c *HTTPClient) ListWebhooks(ctx context.Context, owner, repo string) ([]Webhook, error) {
	var allHooks []Webhook

	page := 1

	for {
		path := fmt.Sprintf("/repos/%s/%s/hooks?page=%d&limit=50", owner, repo, page)

		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var hooks []Webhook
		if err := c.decodeJSON(resp, &hooks); err != nil {
			return nil, fmt.Errorf("list webhooks for %s/%s: %w", owner, repo, err)
		}

		allHooks = append(allHooks, hooks...)

		if len(hooks) < 50 {
			break
		}

		page++
	}

	return allHooks, nil
}

// CreateWebhook creates a webhook on a repository.
// POST /repos/{owner}/{repo}/hooks
func (c *HTTPClient) CreateWebhook(ctx context.Context, owner, repo string, opts CreateWebhookOpts) error {
	path := fmt.Sprintf("/repos/%s/%s/hooks", owner, repo)

	resp, err := c.do(ctx, http.MethodPost, path, opts)
	if err != nil {
		return err
	}

	if err := c.expectStatus(resp, http.StatusCreated); err != nil {
		return fmt.Errorf("create webhook in %s/%s: %w", owner, repo, err)
	}

	return nil
}

// CombinedStatus returns the aggregate commit status for a ref.
// GET /repos/{owner}/{repo}/commits/{ref}/status
func (c *HTTPClient) CombinedStatus(ctx context.Context, owner, repo, ref string) (*CombinedStatus, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, repo, ref)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var cs CombinedStatus
	if err := c.decodeJSON(resp, &cs); err != nil {
		return nil, fmt.Errorf("get combined status for %s in %s/%s: %w", ref, owner, repo, err)
	}

	return &cs, nil
}

// GetActionRun returns a Gitea Actions run by id.
// GET /repos/{owner}/{repo}/actions/tasks/{runID}
func (c *HTTPClient) GetActionRun(ctx context.Context, owner, repo string, runID int64) (*ActionRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/tasks/%d", owner, repo, runID)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var run ActionRun
	if err := c.decodeJSON(resp, &run); err != nil {
		return nil, fmt.Errorf("get action run %d in %s/%s: %w", runID, owner, repo, err)
	}

	return &run, nil
}

// CancelActionRun cancels a running Gitea Actions run.
// POST /repos/{owner}/{repo}/actions/tasks/{runID}/cancel
func (c *HTTPClient) CancelActionRun(ctx context.Context, owner, repo string, runID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/tasks/%d/cancel", owner, repo, runID)

	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}

	if err := c.expectStatus(resp, http.StatusNoContent); err != nil {
		if IsNotFound(err) {
			slog.Debug("action run already gone", "owner", owner, "repo", repo, "run", runID)

			return nil
		}

		return fmt.Errorf("cancel action run %d in %s/%s: %w", runID, owner, repo, err)
	}

	return nil
}

// FormatPRNumber renders a PR number the Gitea way ("#N").
func (c *HTTPClient) FormatPRNumber(number int64) string {
	return "#" + strconv.FormatInt(number, 10)
}

// PRCIStatus gates a PR's own head commit, per vcshost.Client.
func (c *HTTPClient) PRCIStatus(ctx context.Context, repo vcshost.RepoRef, prNumber int64) (vcshost.CIStatus, error) {
	pr, err := c.GetPR(ctx, repo.Owner, repo.Name, prNumber)
	if err != nil {
		return vcshost.NotFinished, fmt.Errorf("resolve head of PR #%d: %w", prNumber, err)
	}

	if pr.Head == nil || pr.Head.Sha == "" {
		return vcshost.NotFinished, fmt.Errorf("PR #%d has no head sha", prNumber)
	}

	cs, err := c.CombinedStatus(ctx, repo.Owner, repo.Name, pr.Head.Sha)
	if err != nil {
		return vcshost.NotFinished, err
	}

	return combinedStateToStatus(cs.State), nil
}

// CIStatus resolves the status of a Gitea Actions run by id.
func (c *HTTPClient) CIStatus(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) (vcshost.CIStatus, error) {
	run, err := c.GetActionRun(ctx, repo.Owner, repo.Name, ciNumber)
	if err != nil {
		return vcshost.NotFinished, err
	}

	return actionStatusToStatus(run.Status), nil
}

// AbortCI cancels the Gitea Actions run; failures are not fatal to callers.
func (c *HTTPClient) AbortCI(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) error {
	return c.CancelActionRun(ctx, repo.Owner, repo.Name, ciNumber)
}

// SendComment posts a comment on a PR.
func (c *HTTPClient) SendComment(ctx context.Context, repo vcshost.RepoRef, prNumber int64, body string) error {
	return c.CreateComment(ctx, repo.Owner, repo.Name, prNumber, body)
}

func combinedStateToStatus(state string) vcshost.CIStatus {
	switch state {
	case "success", "warning":
		return vcshost.Passed
	case "failure", "error":
		return vcshost.Failed
	default:
		return vcshost.NotFinished
	}
}

func actionStatusToStatus(status string) vcshost.CIStatus {
	switch status {
	case "success", "skipped":
		return vcshost.Passed
	case "failure", "cancelled":
		return vcshost.Failed
	default:
		return vcshost.NotFinished
	}
}

// Ensure HTTPClient implements both Client and vcshost.Client at compile time.
var (
	_ Client         = (*HTTPClient)(nil)
	_ vcshost.Client = (*HTTPClient)(nil)
)
