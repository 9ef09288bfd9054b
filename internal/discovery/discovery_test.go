package discovery_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/greenline/mergequeue/internal/config"
	"github.com/greenline/mergequeue/internal/discovery"
	"github.com/greenline/mergequeue/internal/gitop"
	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/registry"
	"github.com/greenline/mergequeue/internal/store"
	"github.com/greenline/mergequeue/internal/vcshost/gitea"
)

// fakeRepoHandle/fakeBranchHandle/fakeGit/fakeStore mirror the doubles in
// internal/registry's tests: discovery drives the registry's Add/Remove, so
// it needs the same minimal Store/Git collaborators, just enough to let
// provisioning succeed without a real mirror or database.

type fakeRepoHandle string

func (h fakeRepoHandle) URL() string { return string(h) }

type fakeBranchHandle string

func (h fakeBranchHandle) Name() string { return string(h) }

type fakeGit struct {
	mu       sync.Mutex
	branches map[string]gitop.CommitID
}

func newFakeGit() *fakeGit {
	return &fakeGit{branches: map[string]gitop.CommitID{"main": "deadbeef"}}
}

func (g *fakeGit) OpenAndUpdate(_ context.Context, url string) (gitop.RepoHandle, error) {
	return fakeRepoHandle(url), nil
}

func (g *fakeGit) GetBranch(_ context.Context, _ gitop.RepoHandle, name string) (gitop.BranchHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.branches[name]; !ok {
		return nil, gitop.ErrBranchNotFound
	}

	return fakeBranchHandle(name), nil
}

func (g *fakeGit) GetBranchTip(_ context.Context, _ gitop.RepoHandle, branch gitop.BranchHandle) (gitop.CommitID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.branches[branch.Name()], nil
}

func (g *fakeGit) CreateBranchAt(_ context.Context, _ gitop.RepoHandle, name string, commit gitop.CommitID, _ bool) (gitop.BranchHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.branches[name] = commit

	return fakeBranchHandle(name), nil
}

func (g *fakeGit) GetCommitInfo(_ context.Context, _ gitop.RepoHandle, _ gitop.CommitID) (gitop.CommitInfo, error) {
	return gitop.CommitInfo{}, nil
}
func (g *fakeGit) ResetBranchTo(_ context.Context, _ gitop.RepoHandle, _ gitop.BranchHandle, _ gitop.CommitID) error {
	return nil
}
func (g *fakeGit) RemoveBranch(_ context.Context, _ gitop.RepoHandle, _ gitop.BranchHandle) error {
	return nil
}
func (g *fakeGit) CanMergeWithoutConflict(_ context.Context, _ gitop.RepoHandle, _, _ gitop.BranchHandle) (bool, error) {
	return true, nil
}
func (g *fakeGit) Merge(_ context.Context, _ gitop.RepoHandle, _, _ gitop.BranchHandle, _ string, _ gitop.Committer) (*gitop.CommitID, error) {
	return nil, nil
}
func (g *fakeGit) Rebase(_ context.Context, _ gitop.RepoHandle, _, _ gitop.BranchHandle, _ gitop.Committer) (*gitop.CommitID, error) {
	return nil, nil
}
func (g *fakeGit) ForcePush(_ context.Context, _ gitop.RepoHandle, _ gitop.BranchHandle) error {
	return nil
}
func (g *fakeGit) FastForwardPush(_ context.Context, _ gitop.RepoHandle, _ gitop.BranchHandle, _ gitop.CommitID) error {
	return nil
}
func (g *fakeGit) ParseCommitID(s string) (gitop.CommitID, error) { return gitop.CommitID(s), nil }

var _ gitop.Operator = (*fakeGit)(nil)

type fakeStore struct {
	mu     sync.Mutex
	repos  map[string]model.Repo
	queues map[string]model.MergeQueue
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{repos: map[string]model.Repo{}, queues: map[string]model.MergeQueue{}}
}

func (s *fakeStore) BeginTx(_ context.Context) (store.Tx, error) { return &fakeTx{s: s}, nil }

type fakeTx struct{ s *fakeStore }

func (t *fakeTx) Commit(_ context.Context) error            { return nil }
func (t *fakeTx) Rollback(_ context.Context) error           { return nil }
func (t *fakeTx) LockQueue(_ context.Context, _ int64) error { return nil }

func (t *fakeTx) GetRepoByURL(_ context.Context, url string) (model.Repo, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	r, ok := t.s.repos[url]
	if !ok {
		return model.Repo{}, store.ErrNotFound
	}

	return r, nil
}

func (t *fakeTx) EnsureRepo(_ context.Context, repo model.Repo) (model.Repo, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if existing, ok := t.s.repos[repo.URL]; ok {
		return existing, nil
	}

	t.s.nextID++
	repo.ID = t.s.nextID
	t.s.repos[repo.URL] = repo

	return repo, nil
}

func (t *fakeTx) EnsureMergeQueue(_ context.Context, mq model.MergeQueue) (model.MergeQueue, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	key := fmt.Sprintf("%d/%s", mq.RepoID, mq.TargetBranch)
	if existing, ok := t.s.queues[key]; ok {
		return existing, nil
	}

	t.s.nextID++
	mq.ID = t.s.nextID
	t.s.queues[key] = mq

	return mq, nil
}

func (t *fakeTx) GetMergeQueueByRepoAndBranch(_ context.Context, repoID int64, targetBranch string) (model.MergeQueue, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	q, ok := t.s.queues[fmt.Sprintf("%d/%s", repoID, targetBranch)]
	if !ok {
		return model.MergeQueue{}, store.ErrNotFound
	}

	return q, nil
}

func (t *fakeTx) GetPR(_ context.Context, _, _ int64) (model.PullRequest, error) {
	return model.PullRequest{}, store.ErrNotFound
}
func (t *fakeTx) GetPRByID(_ context.Context, _ int64) (model.PullRequest, error) {
	return model.PullRequest{}, store.ErrNotFound
}
func (t *fakeTx) GetTailPR(_ context.Context, _ model.MergeQueue) (model.PullRequest, error) {
	return model.PullRequest{}, store.ErrNotFound
}
func (t *fakeTx) GetEnqueuedPRs(_ context.Context, _ int64) ([]store.EnqueuedPR, error) {
	return nil, nil
}
func (t *fakeTx) FindEnqueueRecordByMQCommit(_ context.Context, _ string) (model.EnqueueRecord, error) {
	return model.EnqueueRecord{}, store.ErrNotFound
}
func (t *fakeTx) FindEnqueueRecordByCINumber(_ context.Context, _ int64) (model.EnqueueRecord, error) {
	return model.EnqueueRecord{}, store.ErrNotFound
}
func (t *fakeTx) GetMergeQueueForPR(_ context.Context, _ int64) (model.MergeQueue, error) {
	return model.MergeQueue{}, store.ErrNotFound
}
func (t *fakeTx) AddPR(_ context.Context, pr model.PullRequest) (model.PullRequest, error) {
	return pr, nil
}
func (t *fakeTx) AddEnqueueRecord(_ context.Context, _ model.EnqueueRecord) error { return nil }
func (t *fakeTx) RemoveEnqueueRecord(_ context.Context, _ int64) error           { return nil }
func (t *fakeTx) SaveEnqueueRecord(_ context.Context, _ model.EnqueueRecord) error {
	return nil
}
func (t *fakeTx) SaveMergeQueue(_ context.Context, _ model.MergeQueue) error { return nil }

var _ store.Store = (*fakeStore)(nil)
var _ store.Tx = (*fakeTx)(nil)

func newTestSetup(t *testing.T) (*registry.RepoRegistry, *gitea.MockClient, context.Context) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mock := &gitea.MockClient{}

	cfg := &config.Config{
		DefaultTargetBranch: "main",
		WorkingBranch:       "merge-queue",
		DefaultMergeStyle:   model.MergeStyleMerge,
		Gitea:               config.GiteaConfig{URL: "https://gitea.example.test", Token: "tok"},
		ExternalURL:         "https://mergequeued.example.test",
		WebhookPath:         "/webhook",
		WebhookSecret:       "shh",
	}

	reg := registry.New(&registry.Deps{
		Store:  newFakeStore(),
		Git:    newFakeGit(),
		Config: cfg,
		Gitea:  mock,
	})

	return reg, mock, ctx
}

func giteaRef(owner, name string) config.RepoRef {
	return config.RepoRef{Kind: model.KindGitea, Owner: owner, Name: name}
}

func TestDiscoverOnce_TopicMatching(t *testing.T) {
	reg, mock, ctx := newTestSetup(t)

	mock.ListUserReposFn = func(_ context.Context) ([]gitea.Repo, error) {
		return []gitea.Repo{
			{FullName: "org/app", Owner: gitea.RepoOwner{Login: "org"}, Name: "app", Permissions: gitea.RepoPermissions{Admin: true}},
			{FullName: "org/lib", Owner: gitea.RepoOwner{Login: "org"}, Name: "lib", Permissions: gitea.RepoPermissions{Admin: true}},
			{FullName: "org/docs", Owner: gitea.RepoOwner{Login: "org"}, Name: "docs", Permissions: gitea.RepoPermissions{Admin: true}},
		}, nil
	}
	mock.GetRepoTopicsFn = func(_ context.Context, owner, repo string) ([]string, error) {
		switch owner + "/" + repo {
		case "org/app":
			return []string{"merge-queue", "go"}, nil
		case "org/lib":
			return []string{"nix", "library"}, nil
		case "org/docs":
			return []string{}, nil
		}

		return nil, nil
	}

	deps := &discovery.Deps{
		Gitea:    mock,
		Registry: reg,
		Topic:    "merge-queue",
	}

	if err := discovery.DiscoverOnce(ctx, deps); err != nil {
		t.Fatalf("DiscoverOnce: %v", err)
	}

	if !reg.Contains(giteaRef("org", "app").String()) {
		t.Error("expected org/app to be discovered (has merge-queue topic)")
	}

	if reg.Contains(giteaRef("org", "lib").String()) {
		t.Error("expected org/lib to NOT be discovered (no merge-queue topic)")
	}

	if reg.Contains(giteaRef("org", "docs").String()) {
		t.Error("expected org/docs to NOT be discovered (no topics)")
	}
}

func TestDiscoverOnce_AdminFilter(t *testing.T) {
	reg, mock, ctx := newTestSetup(t)

	mock.ListUserReposFn = func(_ context.Context) ([]gitea.Repo, error) {
		return []gitea.Repo{
			{FullName: "org/admin-repo", Owner: gitea.RepoOwner{Login: "org"}, Name: "admin-repo", Permissions: gitea.RepoPermissions{Admin: true}},
			{FullName: "org/read-repo", Owner: gitea.RepoOwner{Login: "org"}, Name: "read-repo", Permissions: gitea.RepoPermissions{Admin: false, Pull: true}},
		}, nil
	}
	mock.GetRepoTopicsFn = func(_ context.Context, _, _ string) ([]string, error) {
		return []string{"merge-queue"}, nil
	}

	deps := &discovery.Deps{
		Gitea:    mock,
		Registry: reg,
		Topic:    "merge-queue",
	}

	if err := discovery.DiscoverOnce(ctx, deps); err != nil {
		t.Fatalf("DiscoverOnce: %v", err)
	}

	if !reg.Contains(giteaRef("org", "admin-repo").String()) {
		t.Error("expected admin-repo to be discovered")
	}

	if reg.Contains(giteaRef("org", "read-repo").String()) {
		t.Error("expected read-repo to be skipped (no admin)")
	}
}

func TestDiscoverOnce_RemovesRepoThatLostTopic(t *testing.T) {
	reg, mock, ctx := newTestSetup(t)

	mock.ListUserReposFn = func(_ context.Context) ([]gitea.Repo, error) {
		return []gitea.Repo{
			{FullName: "org/app", Owner: gitea.RepoOwner{Login: "org"}, Name: "app", Permissions: gitea.RepoPermissions{Admin: true}},
		}, nil
	}
	mock.GetRepoTopicsFn = func(_ context.Context, _, _ string) ([]string, error) {
		return []string{"merge-queue"}, nil
	}

	deps := &discovery.Deps{
		Gitea:    mock,
		Registry: reg,
		Topic:    "merge-queue",
	}

	if err := discovery.DiscoverOnce(ctx, deps); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	if !reg.Contains(giteaRef("org", "app").String()) {
		t.Fatal("expected org/app after first cycle")
	}

	mock.GetRepoTopicsFn = func(_ context.Context, _, _ string) ([]string, error) {
		return []string{"go"}, nil
	}

	if err := discovery.DiscoverOnce(ctx, deps); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if reg.Contains(giteaRef("org", "app").String()) {
		t.Error("expected org/app to be removed after losing topic")
	}
}

func TestDiscoverOnce_ExplicitRepoNeverRemoved(t *testing.T) {
	reg, mock, ctx := newTestSetup(t)

	mock.ListUserReposFn = func(_ context.Context) ([]gitea.Repo, error) {
		return []gitea.Repo{
			{FullName: "org/app", Owner: gitea.RepoOwner{Login: "org"}, Name: "app", Permissions: gitea.RepoPermissions{Admin: true}},
		}, nil
	}
	mock.GetRepoTopicsFn = func(_ context.Context, _, _ string) ([]string, error) {
		return []string{"merge-queue"}, nil
	}

	deps := &discovery.Deps{
		Gitea:         mock,
		Registry:      reg,
		Topic:         "merge-queue",
		ExplicitRepos: []config.RepoRef{giteaRef("org", "legacy")},
	}

	if err := discovery.DiscoverOnce(ctx, deps); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	if !reg.Contains(giteaRef("org", "app").String()) {
		t.Error("expected org/app (topic-discovered)")
	}

	if !reg.Contains(giteaRef("org", "legacy").String()) {
		t.Error("expected org/legacy (explicit)")
	}

	mock.ListUserReposFn = func(_ context.Context) ([]gitea.Repo, error) {
		return []gitea.Repo{}, nil
	}

	if err := discovery.DiscoverOnce(ctx, deps); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if reg.Contains(giteaRef("org", "app").String()) {
		t.Error("expected org/app to be removed (lost topic)")
	}

	if !reg.Contains(giteaRef("org", "legacy").String()) {
		t.Error("explicit repo should never be removed by discovery")
	}
}

func TestDiscoverOnce_APIFailureKeepsCurrentSet(t *testing.T) {
	reg, mock, ctx := newTestSetup(t)

	mock.ListUserReposFn = func(_ context.Context) ([]gitea.Repo, error) {
		return []gitea.Repo{
			{FullName: "org/app", Owner: gitea.RepoOwner{Login: "org"}, Name: "app", Permissions: gitea.RepoPermissions{Admin: true}},
		}, nil
	}
	mock.GetRepoTopicsFn = func(_ context.Context, _, _ string) ([]string, error) {
		return []string{"merge-queue"}, nil
	}

	deps := &discovery.Deps{Gitea: mock, Registry: reg, Topic: "merge-queue"}
	_ = discovery.DiscoverOnce(ctx, deps)

	if !reg.Contains(giteaRef("org", "app").String()) {
		t.Fatal("setup failed")
	}

	mock.ListUserReposFn = func(_ context.Context) ([]gitea.Repo, error) {
		return nil, fmt.Errorf("connection refused")
	}

	err := discovery.DiscoverOnce(ctx, deps)
	if err == nil {
		t.Fatal("expected error on API failure")
	}

	if !reg.Contains(giteaRef("org", "app").String()) {
		t.Error("expected org/app to remain managed after API failure")
	}
}

func TestDiscoverOnce_PartialTopicFetchKeepsManagedRepo(t *testing.T) {
	reg, mock, ctx := newTestSetup(t)

	mock.ListUserReposFn = func(_ context.Context) ([]gitea.Repo, error) {
		return []gitea.Repo{
			{FullName: "org/app", Owner: gitea.RepoOwner{Login: "org"}, Name: "app", Permissions: gitea.RepoPermissions{Admin: true}},
			{FullName: "org/lib", Owner: gitea.RepoOwner{Login: "org"}, Name: "lib", Permissions: gitea.RepoPermissions{Admin: true}},
		}, nil
	}
	mock.GetRepoTopicsFn = func(_ context.Context, _, _ string) ([]string, error) {
		return []string{"merge-queue"}, nil
	}

	deps := &discovery.Deps{Gitea: mock, Registry: reg, Topic: "merge-queue"}
	_ = discovery.DiscoverOnce(ctx, deps)

	if !reg.Contains(giteaRef("org", "app").String()) || !reg.Contains(giteaRef("org", "lib").String()) {
		t.Fatal("setup failed")
	}

	mock.GetRepoTopicsFn = func(_ context.Context, _, repo string) ([]string, error) {
		if repo == "app" {
			return nil, fmt.Errorf("timeout")
		}

		return []string{"merge-queue"}, nil
	}

	_ = discovery.DiscoverOnce(ctx, deps)

	if !reg.Contains(giteaRef("org", "app").String()) {
		t.Error("org/app should remain managed when its topic fetch failed (conservative reconciliation)")
	}

	if !reg.Contains(giteaRef("org", "lib").String()) {
		t.Error("org/lib should remain managed (topic fetch succeeded)")
	}
}
