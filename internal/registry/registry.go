// Package registry coordinates the lifecycle of managed repos: adding,
// removing, and looking up repos that mergequeued serves. It owns the
// provisioning step (repo/queue rows, branch protection, webhook
// registration) that has to run once before a repo's events can reach the
// Coordinator, and the thread-safe lookup the webhook handler and web
// dashboard need.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/greenline/mergequeue/internal/config"
	"github.com/greenline/mergequeue/internal/gitop"
	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/setup"
	"github.com/greenline/mergequeue/internal/store"
	"github.com/greenline/mergequeue/internal/vcshost/gitea"
)

// ManagedRepo holds the provisioned state for a managed repository.
type ManagedRepo struct {
	Ref   config.RepoRef
	Repo  model.Repo
	Queue model.MergeQueue
}

// Deps holds the shared dependencies the registry needs to provision repos.
type Deps struct {
	Store  store.Store
	Git    gitop.Operator
	Config *config.Config

	// Gitea is optional: present only when the Gitea host is configured,
	// used for branch-protection and webhook auto-setup (spec.md's
	// supplemented "startup reconciliation" feature, Gitea-only like
	// topic discovery).
	Gitea gitea.Client
}

// RepoRegistry manages the set of repos mergequeued actively serves.
// Thread-safe for concurrent use by the webhook handler, web dashboard,
// and discovery loop.
type RepoRegistry struct {
	mu    sync.RWMutex
	repos map[string]*ManagedRepo // keyed by "kind:owner/name"

	deps *Deps
}

// New creates a new RepoRegistry.
func New(deps *Deps) *RepoRegistry {
	return &RepoRegistry{
		repos: make(map[string]*ManagedRepo),
		deps:  deps,
	}
}

// Add provisions a repo and its default merge queue, then makes it visible
// to Lookup/List/Contains. If the repo is already managed, this is a no-op.
// Provisioning runs outside the registry lock to avoid holding it during
// API/DB calls; a losing concurrent Add is simply discarded.
func (r *RepoRegistry) Add(ctx context.Context, ref config.RepoRef) error {
	key := ref.String()

	r.mu.RLock()
	_, exists := r.repos[key]
	r.mu.RUnlock()

	if exists {
		return nil
	}

	if ref.Kind == model.KindGitea && r.deps.Gitea != nil {
		webhookURL := r.deps.Config.ExternalURL + r.deps.Config.WebhookPath

		if err := setup.EnsureRepo(ctx, r.deps.Gitea, ref.Owner, ref.Name, webhookURL, r.deps.Config.WebhookSecret); err != nil {
			slog.Warn("auto-setup failed", "repo", ref, "error", err)
		}
	}

	repoURL := r.deps.Config.RepoURL(ref)

	var (
		managed   model.Repo
		managedMQ model.MergeQueue
	)

	err := store.WithTx(ctx, r.deps.Store, func(tx store.Tx) error {
		repo, err := tx.EnsureRepo(ctx, model.Repo{
			DisplayName: ref.String(),
			URL:         repoURL,
			Owner:       ref.Owner,
			Name:        ref.Name,
			Kind:        ref.Kind,
			MergeStyle:  r.deps.Config.DefaultMergeStyle,
		})
		if err != nil {
			return fmt.Errorf("ensure repo: %w", err)
		}

		mq, err := tx.EnsureMergeQueue(ctx, model.MergeQueue{
			RepoID:        repo.ID,
			TargetBranch:  r.deps.Config.DefaultTargetBranch,
			WorkingBranch: r.deps.Config.WorkingBranch,
		})
		if err != nil {
			return fmt.Errorf("ensure merge queue: %w", err)
		}

		managed = repo
		managedMQ = mq

		return nil
	})
	if err != nil {
		return fmt.Errorf("provision repo %s: %w", ref, err)
	}

	gitRepo, err := r.deps.Git.OpenAndUpdate(ctx, repoURL)
	if err != nil {
		return fmt.Errorf("open mirror for %s: %w", ref, err)
	}

	if err := ensureWorkingBranch(ctx, r.deps.Git, gitRepo, r.deps.Config.DefaultTargetBranch, r.deps.Config.WorkingBranch); err != nil {
		return fmt.Errorf("initialise working branch for %s: %w", ref, err)
	}

	r.mu.Lock()
	if _, exists := r.repos[key]; !exists {
		r.repos[key] = &ManagedRepo{Ref: ref, Repo: managed, Queue: managedMQ}
	}
	r.mu.Unlock()

	slog.Info("added repo to registry", "repo", key)

	return nil
}

// ensureWorkingBranch points the working branch at the target branch's tip
// if the working branch does not exist yet — the startup reconciliation
// step the teacher's merge.CleanupStaleBranches performs, adapted to the
// Git Operator's capability set.
func ensureWorkingBranch(ctx context.Context, git gitop.Operator, repo gitop.RepoHandle, targetBranch, workingBranch string) error {
	if _, err := git.GetBranch(ctx, repo, workingBranch); err == nil {
		return nil
	}

	target, err := git.GetBranch(ctx, repo, targetBranch)
	if err != nil {
		return fmt.Errorf("resolve target branch %s: %w", targetBranch, err)
	}

	tip, err := git.GetBranchTip(ctx, repo, target)
	if err != nil {
		return fmt.Errorf("tip of %s: %w", targetBranch, err)
	}

	if _, err := git.CreateBranchAt(ctx, repo, workingBranch, tip, false); err != nil {
		return fmt.Errorf("create working branch %s: %w", workingBranch, err)
	}

	return nil
}

// Remove stops serving a repo. No-op if the repo is not managed. It leaves
// the repo's row and history in the Store — removal from the registry only
// affects which repos mergequeued actively watches, not queue history.
func (r *RepoRegistry) Remove(ref config.RepoRef) {
	key := ref.String()

	r.mu.Lock()
	_, exists := r.repos[key]
	if exists {
		delete(r.repos, key)
	}
	r.mu.Unlock()

	if exists {
		slog.Info("removed repo from registry", "repo", key)
	}
}

// Lookup returns the ManagedRepo for a given registry key, or nil if not
// managed.
func (r *RepoRegistry) Lookup(key string) (*ManagedRepo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.repos[key]

	return m, ok
}

// LookupInfo returns the provisioned Repo and MergeQueue rows for a managed
// repo, the shape the web dashboard needs without depending on
// *ManagedRepo's internal layout.
func (r *RepoRegistry) LookupInfo(key string) (model.Repo, model.MergeQueue, bool) {
	m, ok := r.Lookup(key)
	if !ok {
		return model.Repo{}, model.MergeQueue{}, false
	}

	return m.Repo, m.Queue, true
}

// ResolveRepoURL implements webhook.RepoResolver.
func (r *RepoRegistry) ResolveRepoURL(kind model.RepoKind, owner, name string) (string, bool) {
	ref := config.RepoRef{Kind: kind, Owner: owner, Name: name}

	m, ok := r.Lookup(ref.String())
	if !ok {
		return "", false
	}

	return m.Repo.URL, true
}

// List returns a snapshot of all currently managed repo refs. Used by the
// web dashboard.
func (r *RepoRegistry) List() []config.RepoRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]config.RepoRef, 0, len(r.repos))
	for _, m := range r.repos {
		refs = append(refs, m.Ref)
	}

	return refs
}

// Contains returns true if the given registry key is currently managed.
func (r *RepoRegistry) Contains(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.repos[key]

	return ok
}

// Keys returns the set of all managed registry keys.
func (r *RepoRegistry) Keys() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make(map[string]struct{}, len(r.repos))
	for k := range r.repos {
		keys[k] = struct{}{}
	}

	return keys
}
