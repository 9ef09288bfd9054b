// Package gitop defines the Git Operator capability set: a provider-agnostic
// surface over a local mirror of a repository. All mutations are explicit
// and side-effecting on the local mirror; pushing to origin is a distinct,
// explicit operation (spec.md 4.3).
//
// Two implementations exist: shellgit (shells out to the system git binary,
// the way the teacher's gitea.HTTPClient.MergeBranches does) and libgit
// (backed by go-git, an in-process git implementation). The Coordinator
// depends only on this interface.
package gitop

import (
	"context"
	"errors"
	"fmt"
)

// RepoHandle is an opaque handle to a local mirror, returned by Open.
type RepoHandle interface {
	// URL is the origin URL this mirror was opened from.
	URL() string
}

// BranchHandle is an opaque handle to a local branch ref.
type BranchHandle interface {
	// Name is the short branch name ("main", "merge-queue", …).
	Name() string
}

// CommitID is the string form of a commit identifier. It crosses the Store
// boundary only in this form (spec.md 9 — "commit ids cross the Store
// boundary only as their string form").
type CommitID string

func (c CommitID) String() string { return string(c) }

// CommitInfo holds the pieces of a commit needed to recreate it during a
// rebuild (spec.md 4.1.6 step 3: "recover its prior commit message and
// committer identity").
type CommitInfo struct {
	Message   string
	Committer Committer
}

// Committer identifies who authored/committed a speculative merge.
type Committer struct {
	Name  string
	Email string
}

// ErrBranchNotFound is returned by GetBranch and GetBranchTip when the named
// branch does not exist on the local mirror.
var ErrBranchNotFound = errors.New("gitop: branch not found")

// ErrBranchExists is returned by CreateBranchAt when the branch already
// exists and overwrite was not requested.
var ErrBranchExists = errors.New("gitop: branch already exists")

// ConflictError is returned by Merge and Rebase when the operation could not
// be completed due to a content conflict. It is never returned by
// CanMergeWithoutConflict, which reports the same condition as a bool.
type ConflictError struct {
	Target, Source string
	Detail         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict merging %s into %s: %s", e.Source, e.Target, e.Detail)
}

// Operator is the capability set the Coordinator drives. Every method is
// potentially blocking (network fetch/push, subprocess, disk I/O) and must
// be called with a context that can cancel it (spec.md 5).
type Operator interface {
	// OpenAndUpdate clones the repo into the local mirror if absent, else
	// fetches all refs from origin. Idempotent.
	OpenAndUpdate(ctx context.Context, url string) (RepoHandle, error)

	// GetBranch returns a handle to an existing local branch, or
	// ErrBranchNotFound.
	GetBranch(ctx context.Context, repo RepoHandle, name string) (BranchHandle, error)

	// GetBranchTip returns the commit id a branch currently points at.
	GetBranchTip(ctx context.Context, repo RepoHandle, branch BranchHandle) (CommitID, error)

	// CreateBranchAt creates a local branch named name at commit. If
	// overwrite is false and the branch exists, returns ErrBranchExists.
	CreateBranchAt(ctx context.Context, repo RepoHandle, name string, commit CommitID, overwrite bool) (BranchHandle, error)

	// GetCommitInfo returns the message and committer identity of a commit.
	GetCommitInfo(ctx context.Context, repo RepoHandle, commit CommitID) (CommitInfo, error)

	// ResetBranchTo moves a branch ref to commit without touching the
	// working tree beyond the ref (a "ref update only", per spec.md 4.3).
	ResetBranchTo(ctx context.Context, repo RepoHandle, branch BranchHandle, commit CommitID) error

	// RemoveBranch deletes a local branch. No-op if it does not exist.
	RemoveBranch(ctx context.Context, repo RepoHandle, branch BranchHandle) error

	// CanMergeWithoutConflict evaluates, against current tips, whether
	// merging source into target would conflict.
	CanMergeWithoutConflict(ctx context.Context, repo RepoHandle, target, source BranchHandle) (bool, error)

	// Merge creates a two-parent merge commit of source onto target with the
	// given message/committer. Returns nil, nil on conflict (the caller
	// probes with CanMergeWithoutConflict first per spec.md 4.1.5).
	Merge(ctx context.Context, repo RepoHandle, target, source BranchHandle, message string, committer Committer) (*CommitID, error)

	// Rebase replays the commits unique to source onto target, returning the
	// new tip. Returns nil, nil on conflict.
	Rebase(ctx context.Context, repo RepoHandle, target, source BranchHandle, committer Committer) (*CommitID, error)

	// ForcePush force-pushes a local branch to origin under the same name.
	ForcePush(ctx context.Context, repo RepoHandle, branch BranchHandle) error

	// FastForwardPush advances a branch on origin to commit via fast-forward
	// only; it must fail rather than force if the remote tip is not an
	// ancestor of commit. Used exclusively for the target branch (Q4).
	FastForwardPush(ctx context.Context, repo RepoHandle, branch BranchHandle, commit CommitID) error

	// ParseCommitID validates and normalises a string into a CommitID.
	ParseCommitID(s string) (CommitID, error)
}

// PerformMerge composes the Operator's primitives per a repo's merge style
// (spec.md 4.1.5 step 4). It is style-dispatch only; StartAppend /
// Rebuild in the coordinator package own the surrounding protocol (temp
// branch lifecycle, error mapping).
type Style int

const (
	StyleMerge Style = iota
	StyleLinear
	StyleSemiLinear
)

// PerformMerge returns the new tip of target after combining source into it
// per style, or nil on conflict.
func PerformMerge(ctx context.Context, op Operator, repo RepoHandle, style Style, target, source BranchHandle, message string, committer Committer) (*CommitID, error) {
	switch style {
	case StyleLinear:
		return op.Rebase(ctx, repo, target, source, committer)
	case StyleSemiLinear:
		rebased, err := op.Rebase(ctx, repo, target, source, committer)
		if err != nil || rebased == nil {
			return rebased, err
		}

		rebasedBranch, err := op.CreateBranchAt(ctx, repo, "semi-linear-tmp", *rebased, true)
		if err != nil {
			return nil, fmt.Errorf("stage semi-linear rebase result: %w", err)
		}
		defer func() { _ = op.RemoveBranch(ctx, repo, rebasedBranch) }()

		return op.Merge(ctx, repo, target, rebasedBranch, message, committer)
	default:
		return op.Merge(ctx, repo, target, source, message, committer)
	}
}
