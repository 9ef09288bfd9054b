package gitea

import (
	"context"
	"fmt"
	"sync"

	"github.com/greenline/mergequeue/internal/vcshost"
)

// MockCall records a single method call made to the mock client.
type MockCall struct {
	Method string
	Args   []any
}

// MockClient is a test double for Client and vcshost.Client that records all
// calls and returns configurable responses. Safe for concurrent use.
type MockClient struct {
	mu    sync.Mutex
	Calls []MockCall

	ListUserReposFn        func(ctx context.Context) ([]Repo, error)
	GetRepoTopicsFn        func(ctx context.Context, owner, repo string) ([]string, error)
	GetPRFn                func(ctx context.Context, owner, repo string, index int64) (*PR, error)
	CreateCommentFn        func(ctx context.Context, owner, repo string, index int64, body string) error
	ListBranchProtectionsFn func(ctx context.Context, owner, repo string) ([]BranchProtection, error)
	EditBranchProtectionFn  func(ctx context.Context, owner, repo, name string, opts EditBranchProtectionOpts) error
	ListWebhooksFn          func(ctx context.Context, owner, repo string) ([]Webhook, error)
	CreateWebhookFn         func(ctx context.Context, owner, repo string, opts CreateWebhookOpts) error
	CombinedStatusFn        func(ctx context.Context, owner, repo, ref string) (*CombinedStatus, error)
	GetActionRunFn          func(ctx context.Context, owner, repo string, runID int64) (*ActionRun, error)
	CancelActionRunFn       func(ctx context.Context, owner, repo string, runID int64) error

	PRCIStatusFn func(ctx context.Context, repo vcshost.RepoRef, prNumber int64) (vcshost.CIStatus, error)
	CIStatusFn   func(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) (vcshost.CIStatus, error)
	AbortCIFn    func(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) error
	SendCommentFn func(ctx context.Context, repo vcshost.RepoRef, prNumber int64, body string) error
}

// Ensure MockClient implements both Client and vcshost.Client at compile time.
var (
	_ Client         = (*MockClient)(nil)
	_ vcshost.Client = (*MockClient)(nil)
)

func (m *MockClient) record(method string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// CallsTo returns all recorded calls to the named method.
func (m *MockClient) CallsTo(method string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []MockCall

	for _, c := range m.Calls {
		if c.Method == method {
			result = append(result, c)
		}
	}

	return result
}

// Reset clears all recorded calls.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
}

func (m *MockClient) ListUserRepos(ctx context.Context) ([]Repo, error) {
	m.record("ListUserRepos")

	if m.ListUserReposFn != nil {
		return m.ListUserReposFn(ctx)
	}

	return nil, nil
}

func (m *MockClient) GetRepoTopics(ctx context.Context, owner, repo string) ([]string, error) {
	m.record("GetRepoTopics", owner, repo)

	if m.GetRepoTopicsFn != nil {
		return m.GetRepoTopicsFn(ctx, owner, repo)
	}

	return nil, nil
}

func (m *MockClient) GetPR(ctx context.Context, owner, repo string, index int64) (*PR, error) {
	m.record("GetPR", owner, repo, index)

	if m.GetPRFn != nil {
		return m.GetPRFn(ctx, owner, repo, index)
	}

	return nil, fmt.Errorf("PR #%d not found", index)
}

func (m *MockClient) CreateComment(ctx context.Context, owner, repo string, index int64, body string) error {
	m.record("CreateComment", owner, repo, index, body)

	if m.CreateCommentFn != nil {
		return m.CreateCommentFn(ctx, owner, repo, index, body)
	}

	return nil
}

func (m *MockClient) ListBranchProtections(ctx context.Context, owner, repo string) ([]BranchProtection, error) {
	m.record("ListBranchProtections", owner, repo)

	if m.ListBranchProtectionsFn != nil {
		return m.ListBranchProtectionsFn(ctx, owner, repo)
	}

	return nil, nil
}

func (m *MockClient) EditBranchProtection(ctx context.Context, owner, repo, name string, opts EditBranchProtectionOpts) error {
	m.record("EditBranchProtection", owner, repo, name, opts)

	if m.EditBranchProtectionFn != nil {
		return m.EditBranchProtectionFn(ctx, owner, repo, name, opts)
	}

	return nil
}

func (m *MockClient) ListWebhooks(ctx context.Context, owner, repo string) ([]Webhook, error) {
	m.record("ListWebhooks", owner, repo)

	if m.ListWebhooksFn != nil {
		return m.ListWebhooksFn(ctx, owner, repo)
	}

	return nil, nil
}

func (m *MockClient) CreateWebhook(ctx context.Context, owner, repo string, opts CreateWebhookOpts) error {
	m.record("CreateWebhook", owner, repo, opts)

	if m.CreateWebhookFn != nil {
		return m.CreateWebhookFn(ctx, owner, repo, opts)
	}

	return nil
}

func (m *MockClient) CombinedStatus(ctx context.Context, owner, repo, ref string) (*CombinedStatus, error) {
	m.record("CombinedStatus", owner, repo, ref)

	if m.CombinedStatusFn != nil {
		return m.CombinedStatusFn(ctx, owner, repo, ref)
	}

	return &CombinedStatus{State: "success"}, nil
}

func (m *MockClient) GetActionRun(ctx context.Context, owner, repo string, runID int64) (*ActionRun, error) {
	m.record("GetActionRun", owner, repo, runID)

	if m.GetActionRunFn != nil {
		return m.GetActionRunFn(ctx, owner, repo, runID)
	}

	return &ActionRun{ID: runID, Status: "success"}, nil
}

func (m *MockClient) CancelActionRun(ctx context.Context, owner, repo string, runID int64) error {
	m.record("CancelActionRun", owner, repo, runID)

	if m.CancelActionRunFn != nil {
		return m.CancelActionRunFn(ctx, owner, repo, runID)
	}

	return nil
}

func (m *MockClient) FormatPRNumber(number int64) string {
	return fmt.Sprintf("#%d", number)
}

func (m *MockClient) PRCIStatus(ctx context.Context, repo vcshost.RepoRef, prNumber int64) (vcshost.CIStatus, error) {
	m.record("PRCIStatus", repo, prNumber)

	if m.PRCIStatusFn != nil {
		return m.PRCIStatusFn(ctx, repo, prNumber)
	}

	return vcshost.Passed, nil
}

func (m *MockClient) CIStatus(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) (vcshost.CIStatus, error) {
	m.record("CIStatus", repo, ciNumber)

	if m.CIStatusFn != nil {
		return m.CIStatusFn(ctx, repo, ciNumber)
	}

	return vcshost.Passed, nil
}

func (m *MockClient) AbortCI(ctx context.Context, repo vcshost.RepoRef, ciNumber int64) error {
	m.record("AbortCI", repo, ciNumber)

	if m.AbortCIFn != nil {
		return m.AbortCIFn(ctx, repo, ciNumber)
	}

	return nil
}

func (m *MockClient) SendComment(ctx context.Context, repo vcshost.RepoRef, prNumber int64, body string) error {
	m.record("SendComment", repo, prNumber, body)

	if m.SendCommentFn != nil {
		return m.SendCommentFn(ctx, repo, prNumber, body)
	}

	return nil
}
