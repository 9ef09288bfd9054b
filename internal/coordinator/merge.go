package coordinator

import (
	"context"
	"fmt"

	"github.com/greenline/mergequeue/internal/gitop"
	"github.com/greenline/mergequeue/internal/model"
)

func gitopStyle(s model.MergeStyle) gitop.Style {
	switch s {
	case model.MergeStyleLinear:
		return gitop.StyleLinear
	case model.MergeStyleSemiLinear:
		return gitop.StyleSemiLinear
	default:
		return gitop.StyleMerge
	}
}

// speculativeMerge implements spec.md 4.1.5: merge pr's source-branch onto
// the queue's working branch per the repo's merge style, leaving the
// working branch advanced to the result. Returns ErrMergeConflict (not
// wrapped) if the merge could not be produced; the caller decides whether
// that aborts the event or just drops pr from a rebuild.
func (c *Coordinator) speculativeMerge(
	ctx context.Context,
	repo gitop.RepoHandle,
	style model.MergeStyle,
	kind model.RepoKind,
	workingBranch string,
	pr model.PullRequest,
	committer gitop.Committer,
) (gitop.CommitID, error) {
	w, err := c.git.GetBranch(ctx, repo, workingBranch)
	if err != nil {
		return "", fmt.Errorf("speculative merge: resolve working branch %s: %w", workingBranch, err)
	}

	s, err := c.git.GetBranch(ctx, repo, pr.SourceBranch)
	if err != nil {
		return "", fmt.Errorf("speculative merge: resolve source branch %s: %w", pr.SourceBranch, err)
	}

	ok, err := c.git.CanMergeWithoutConflict(ctx, repo, w, s)
	if err != nil {
		return "", fmt.Errorf("speculative merge: probe pr #%d: %w", pr.Number, err)
	}

	if !ok {
		return "", ErrMergeConflict
	}

	sTip, err := c.git.GetBranchTip(ctx, repo, s)
	if err != nil {
		return "", fmt.Errorf("speculative merge: tip of %s: %w", pr.SourceBranch, err)
	}

	tmpName := fmt.Sprintf("merge-%d", pr.Number)

	tmp, err := c.git.CreateBranchAt(ctx, repo, tmpName, sTip, true)
	if err != nil {
		return "", fmt.Errorf("speculative merge: stage %s: %w", tmpName, err)
	}
	defer func() { _ = c.git.RemoveBranch(ctx, repo, tmp) }()

	message := model.MergeCommitMessage(pr.SourceBranch, workingBranch, kind, pr.Number)

	newTip, err := gitop.PerformMerge(ctx, c.git, repo, gitopStyle(style), w, tmp, message, committer)
	if err != nil {
		return "", fmt.Errorf("speculative merge: perform merge for pr #%d: %w", pr.Number, err)
	}

	if newTip == nil {
		return "", ErrMergeConflict
	}

	if err := c.git.ResetBranchTo(ctx, repo, w, *newTip); err != nil {
		return "", fmt.Errorf("speculative merge: advance %s: %w", workingBranch, err)
	}

	return *newTip, nil
}
