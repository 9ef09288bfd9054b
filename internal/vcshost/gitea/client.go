// Package gitea implements vcshost.Client against the Gitea REST API, and
// additionally exposes the wider surface internal/setup and
// internal/discovery need to keep a Gitea repo configured (branch
// protection, webhooks, topic-based discovery) — functionality the
// Coordinator itself never touches.
package gitea

import (
	"context"
	"time"
)

// PR represents a pull request from the Gitea API.
// Field names and JSON tags match the Gitea API response.
type PR struct {
	ID        int64      `json:"id"`
	Index     int64      `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"` // "open", "closed"
	HasMerged bool       `json:"merged"`
	Merged    *time.Time `json:"merged_at"`
	User      *User      `json:"user"`
	Head      *PRRef     `json:"head"`
	Base      *PRRef     `json:"base"`
	HTMLURL   string     `json:"html_url"`
}

// PRRef holds a branch ref and its current SHA.
type PRRef struct {
	Label  string `json:"label"`
	Ref    string `json:"ref"`
	Sha    string `json:"sha"`
	RepoID int64  `json:"repo_id"`
}

// User represents a Gitea user (subset of fields).
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Repo is the subset of Gitea's repository object discovery needs.
type Repo struct {
	FullName    string          `json:"full_name"`
	Name        string          `json:"name"`
	Owner       RepoOwner       `json:"owner"`
	Permissions RepoPermissions `json:"permissions"`
}

// RepoOwner is the owner login of a Repo.
type RepoOwner struct {
	Login string `json:"login"`
}

// RepoPermissions is the caller's access level on a Repo.
type RepoPermissions struct {
	Admin bool `json:"admin"`
}

// CombinedStatus is the aggregate of every commit status posted on a ref,
// per GET /repos/{owner}/{repo}/commits/{ref}/status.
type CombinedStatus struct {
	State    string `json:"state"` // "pending", "success", "failure", "error", "warning"
	Statuses []struct {
		Context string `json:"context"`
		State   string `json:"state"`
	} `json:"statuses"`
}

// ActionRun is the subset of a Gitea Actions run used to resolve CINumber.
type ActionRun struct {
	ID     int64  `json:"id"`
	Status string `json:"status"` // "success", "failure", "cancelled", "running", "waiting", ...
	Event  string `json:"event"`
}

// BranchProtection holds the relevant fields from a branch protection rule.
type BranchProtection struct {
	BranchName          string   `json:"branch_name"`
	RuleName            string   `json:"rule_name"`
	EnableStatusCheck   bool     `json:"enable_status_check"`
	StatusCheckContexts []string `json:"status_check_contexts"`
}

// Webhook represents a Gitea webhook.
type Webhook struct {
	ID     int64             `json:"id"`
	Type   string            `json:"type"`
	Config map[string]string `json:"config"`
	Events []string          `json:"events"`
	Active bool              `json:"active"`
}

// EditBranchProtectionOpts holds options for editing branch protection.
type EditBranchProtectionOpts struct {
	EnableStatusCheck   *bool    `json:"enable_status_check,omitempty"`
	StatusCheckContexts []string `json:"status_check_contexts"`
}

// CreateWebhookOpts holds options for creating a webhook via
// POST /repos/{owner}/{repo}/hooks.
type CreateWebhookOpts struct {
	Type   string            `json:"type"` // "gitea"
	Events []string          `json:"events"`
	Active bool              `json:"active"`
	Config map[string]string `json:"config"`
}

// Client defines the Gitea API surface the mergequeued process uses, beyond
// the five methods required by vcshost.Client.
type Client interface {
	// ListUserRepos returns all repositories accessible to the authenticated
	// user, for topic-based discovery.
	ListUserRepos(ctx context.Context) ([]Repo, error)

	// GetRepoTopics returns the topics for a repository.
	GetRepoTopics(ctx context.Context, owner, repo string) ([]string, error)

	// GetPR returns a single pull request by index.
	GetPR(ctx context.Context, owner, repo string, index int64) (*PR, error)

	// CreateComment posts a comment on a pull request.
	CreateComment(ctx context.Context, owner, repo string, index int64, body string) error

	// ListBranchProtections lists all branch protection rules for a repository.
	ListBranchProtections(ctx context.Context, owner, repo string) ([]BranchProtection, error)

	// EditBranchProtection updates a branch protection rule.
	EditBranchProtection(ctx context.Context, owner, repo, name string, opts EditBranchProtectionOpts) error

	// ListWebhooks lists all webhooks for a repository.
	ListWebhooks(ctx context.Context, owner, repo string) ([]Webhook, error)

	// CreateWebhook creates a webhook on a repository.
	CreateWebhook(ctx context.Context, owner, repo string, opts CreateWebhookOpts) error

	// CombinedStatus returns the aggregate commit status for a ref, used to
	// gate a PR's own head commit before a speculative merge is built.
	CombinedStatus(ctx context.Context, owner, repo, ref string) (*CombinedStatus, error)

	// GetActionRun returns a Gitea Actions run by id, the CINumber a
	// mergequeued commit-status webhook correlates to an enqueue record.
	GetActionRun(ctx context.Context, owner, repo string, runID int64) (*ActionRun, error)

	// CancelActionRun cancels a running Gitea Actions run.
	CancelActionRun(ctx context.Context, owner, repo string, runID int64) error
}
