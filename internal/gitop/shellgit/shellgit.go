// Package shellgit implements gitop.Operator by shelling out to the system
// git binary with os/exec, generalizing the pattern the teacher uses in its
// Gitea client's MergeBranches (clone/fetch/merge/push via
// exec.CommandContext with CombinedOutput) into the full Git Operator
// capability set over a persistent local bare mirror per repo.
package shellgit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/greenline/mergequeue/internal/gitop"
)

// Operator is a gitop.Operator backed by the system git binary. Each repo
// is mirrored as a bare repository under BaseDir, named by a hash-free slug
// of its URL so re-runs reuse the same mirror.
type Operator struct {
	BaseDir string
}

// New creates a shellgit.Operator rooted at baseDir. baseDir is created if
// absent.
func New(baseDir string) *Operator {
	return &Operator{BaseDir: baseDir}
}

// repoHandle is the concrete RepoHandle: a path to a local bare mirror.
type repoHandle struct {
	url  string
	path string
}

func (r *repoHandle) URL() string { return r.url }

// branchHandle is the concrete BranchHandle.
type branchHandle struct{ name string }

func (b *branchHandle) Name() string { return b.name }

// Slug deterministically maps a remote URL to a filesystem-safe name,
// shared with libgit so both Operator implementations agree on where a
// given repo's mirror lives on disk.
func Slug(remote string) string {
	u, err := url.Parse(remote)
	slug := remote
	if err == nil {
		slug = strings.TrimSuffix(strings.Trim(u.Host+u.Path, "/"), ".git")
	}

	return strings.NewReplacer("/", "-", ":", "-", "@", "-").Replace(slug)
}

// MirrorDir returns the local bare-mirror path for remote under base.
func MirrorDir(base, remote string) string {
	return filepath.Join(base, Slug(remote)+".git")
}

func (o *Operator) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, out)
	}

	return out, nil
}

// OpenAndUpdate clones into a bare mirror if absent, else fetches all refs.
func (o *Operator) OpenAndUpdate(ctx context.Context, remote string) (gitop.RepoHandle, error) {
	dir := MirrorDir(o.BaseDir, remote)

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(o.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create mirror base dir: %w", err)
		}

		if _, err := o.run(ctx, o.BaseDir, "clone", "--bare", remote, dir); err != nil {
			return nil, fmt.Errorf("clone %s: %w", remote, err)
		}

		slog.Info("cloned repository mirror", "url", remote, "dir", dir)
	} else if err != nil {
		return nil, fmt.Errorf("stat mirror dir: %w", err)
	} else {
		if _, err := o.run(ctx, dir, "fetch", "--prune", "origin", "+refs/heads/*:refs/heads/*"); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", remote, err)
		}
	}

	return &repoHandle{url: remote, path: dir}, nil
}

// dir resolves a mirror's directory from its URL rather than asserting a
// concrete handle type, so callers (including libgit, for the merge/rebase
// operations it delegates here) only need to satisfy gitop.RepoHandle.
func (o *Operator) dir(repo gitop.RepoHandle) string {
	return MirrorDir(o.BaseDir, repo.URL())
}

// GetBranch returns a handle if the branch exists locally.
func (o *Operator) GetBranch(ctx context.Context, repo gitop.RepoHandle, name string) (gitop.BranchHandle, error) {
	_, err := o.run(ctx, o.dir(repo), "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		return nil, gitop.ErrBranchNotFound
	}

	return &branchHandle{name: name}, nil
}

// GetBranchTip returns the commit a branch currently points at.
func (o *Operator) GetBranchTip(ctx context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle) (gitop.CommitID, error) {
	out, err := o.run(ctx, o.dir(repo), "rev-parse", "refs/heads/"+branch.Name())
	if err != nil {
		return "", fmt.Errorf("get tip of %s: %w", branch.Name(), err)
	}

	return gitop.CommitID(strings.TrimSpace(string(out))), nil
}

// CreateBranchAt creates (or overwrites) a local branch at commit.
func (o *Operator) CreateBranchAt(ctx context.Context, repo gitop.RepoHandle, name string, commit gitop.CommitID, overwrite bool) (gitop.BranchHandle, error) {
	if !overwrite {
		if _, err := o.GetBranch(ctx, repo, name); err == nil {
			return nil, gitop.ErrBranchExists
		}
	}

	if _, err := o.run(ctx, o.dir(repo), "branch", "-f", name, string(commit)); err != nil {
		return nil, fmt.Errorf("create branch %s at %s: %w", name, commit, err)
	}

	return &branchHandle{name: name}, nil
}

// GetCommitInfo reads the message and committer identity of a commit.
func (o *Operator) GetCommitInfo(ctx context.Context, repo gitop.RepoHandle, commit gitop.CommitID) (gitop.CommitInfo, error) {
	out, err := o.run(ctx, o.dir(repo), "show", "-s", "--format=%cn%x00%ce%x00%B", string(commit))
	if err != nil {
		return gitop.CommitInfo{}, fmt.Errorf("read commit %s: %w", commit, err)
	}

	parts := strings.SplitN(strings.TrimRight(string(out), "\n"), "\x00", 3)
	if len(parts) != 3 {
		return gitop.CommitInfo{}, fmt.Errorf("unexpected commit format for %s", commit)
	}

	return gitop.CommitInfo{
		Message:   parts[2],
		Committer: gitop.Committer{Name: parts[0], Email: parts[1]},
	}, nil
}

// ResetBranchTo updates a branch ref to point at commit.
func (o *Operator) ResetBranchTo(ctx context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle, commit gitop.CommitID) error {
	if _, err := o.run(ctx, o.dir(repo), "update-ref", "refs/heads/"+branch.Name(), string(commit)); err != nil {
		return fmt.Errorf("reset %s to %s: %w", branch.Name(), commit, err)
	}

	return nil
}

// RemoveBranch deletes a local branch. No-op if already absent.
func (o *Operator) RemoveBranch(ctx context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle) error {
	if _, err := o.run(ctx, o.dir(repo), "branch", "-D", branch.Name()); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}

		return fmt.Errorf("remove branch %s: %w", branch.Name(), err)
	}

	return nil
}

// CanMergeWithoutConflict probes a merge without mutating any ref, using a
// throwaway in-memory tree via merge-tree.
func (o *Operator) CanMergeWithoutConflict(ctx context.Context, repo gitop.RepoHandle, target, source gitop.BranchHandle) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-tree", "--write-tree", target.Name(), source.Name())
	cmd.Dir = o.dir(repo)

	out, err := cmd.CombinedOutput()
	if err == nil {
		return true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}

	return false, fmt.Errorf("probe merge %s into %s: %w\n%s", source.Name(), target.Name(), err, out)
}

// Merge creates a two-parent merge commit of source onto target. Returns
// nil, nil on conflict rather than an error — callers probe first.
func (o *Operator) Merge(ctx context.Context, repo gitop.RepoHandle, target, source gitop.BranchHandle, message string, committer gitop.Committer) (*gitop.CommitID, error) {
	dir := o.dir(repo)

	worktree, cleanup, err := o.withWorktree(ctx, dir, target.Name())
	if err != nil {
		return nil, err
	}
	defer cleanup()

	env := committerEnv(committer)

	cmd := exec.CommandContext(ctx, "git", "merge", "--no-ff", "-m", message, source.Name())
	cmd.Dir = worktree
	cmd.Env = append(os.Environ(), env...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "CONFLICT") || strings.Contains(string(out), "Automatic merge failed") {
			return nil, nil
		}

		return nil, fmt.Errorf("merge %s into %s: %w\n%s", source.Name(), target.Name(), err, out)
	}

	sha, err := o.run(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse merge result: %w", err)
	}

	id := gitop.CommitID(strings.TrimSpace(string(sha)))

	return &id, nil
}

// Rebase replays commits unique to source onto target, returning the new
// tip. Returns nil, nil on conflict.
func (o *Operator) Rebase(ctx context.Context, repo gitop.RepoHandle, target, source gitop.BranchHandle, committer gitop.Committer) (*gitop.CommitID, error) {
	dir := o.dir(repo)

	worktree, cleanup, err := o.withWorktree(ctx, dir, source.Name())
	if err != nil {
		return nil, err
	}
	defer cleanup()

	env := committerEnv(committer)

	cmd := exec.CommandContext(ctx, "git", "rebase", target.Name())
	cmd.Dir = worktree
	cmd.Env = append(os.Environ(), env...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		_, _ = o.run(ctx, worktree, "rebase", "--abort")

		if strings.Contains(string(out), "CONFLICT") {
			return nil, nil
		}

		return nil, fmt.Errorf("rebase %s onto %s: %w\n%s", source.Name(), target.Name(), err, out)
	}

	sha, err := o.run(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse rebase result: %w", err)
	}

	id := gitop.CommitID(strings.TrimSpace(string(sha)))

	return &id, nil
}

// ForcePush force-pushes branch to origin under the same name.
func (o *Operator) ForcePush(ctx context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle) error {
	if _, err := o.run(ctx, o.dir(repo), "push", "--force", "origin", branch.Name()+":refs/heads/"+branch.Name()); err != nil {
		return fmt.Errorf("force-push %s: %w", branch.Name(), err)
	}

	return nil
}

// FastForwardPush advances origin's branch to commit, failing if that is
// not a fast-forward.
func (o *Operator) FastForwardPush(ctx context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle, commit gitop.CommitID) error {
	refspec := fmt.Sprintf("%s:refs/heads/%s", commit, branch.Name())

	if _, err := o.run(ctx, o.dir(repo), "push", "origin", refspec); err != nil {
		return fmt.Errorf("fast-forward push %s to %s: %w", branch.Name(), commit, err)
	}

	return nil
}

// ParseCommitID validates a string as a git object id.
func (o *Operator) ParseCommitID(s string) (gitop.CommitID, error) {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return "", fmt.Errorf("invalid commit id %q", s)
	}

	return gitop.CommitID(s), nil
}

// withWorktree checks out branchName into a scratch worktree so merge/rebase
// can run without disturbing the bare mirror's HEAD, returning the worktree
// path and a cleanup func that removes it.
func (o *Operator) withWorktree(ctx context.Context, mirrorDir, branchName string) (string, func(), error) {
	wtDir, err := os.MkdirTemp("", "mergequeue-worktree-*")
	if err != nil {
		return "", nil, fmt.Errorf("create worktree dir: %w", err)
	}

	noop := func() {}

	if _, err := o.run(ctx, mirrorDir, "worktree", "add", "--force", "-B", branchName+"-wt", wtDir, branchName); err != nil {
		_ = os.RemoveAll(wtDir)
		return "", noop, fmt.Errorf("add worktree for %s: %w", branchName, err)
	}

	cleanup := func() {
		_, _ = o.run(ctx, mirrorDir, "worktree", "remove", "--force", wtDir)
		_ = os.RemoveAll(wtDir)
		_, _ = o.run(ctx, mirrorDir, "branch", "-D", branchName+"-wt")
	}

	return wtDir, cleanup, nil
}

func committerEnv(c gitop.Committer) []string {
	return []string{
		"GIT_AUTHOR_NAME=" + c.Name,
		"GIT_AUTHOR_EMAIL=" + c.Email,
		"GIT_COMMITTER_NAME=" + c.Name,
		"GIT_COMMITTER_EMAIL=" + c.Email,
	}
}

// Ensure Operator implements gitop.Operator at compile time.
var _ gitop.Operator = (*Operator)(nil)
