package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/greenline/mergequeue/internal/gitop"
	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/store"
	"github.com/greenline/mergequeue/internal/vcshost"
)

// rebuildItem is one PR to (re-)place on the working branch during a
// rebuild. prior is non-nil for a PR that already held an enqueue-record
// (its committer identity is recovered from its old mq-commit); it is nil
// for the newly-enqueuing PR, whose committer comes from the event itself.
type rebuildItem struct {
	pr        model.PullRequest
	committer gitop.Committer
	prior     *model.EnqueueRecord
}

// rebuild implements spec.md 4.1.6: reset the working branch to anchor's
// mq-commit (or the target branch tip if anchor is none), then replay items
// in order as fresh speculative merges. PRs that conflict are dropped from
// the queue and returned in failed; the caller decides what a conflicting
// new PR means for the event it is handling.
func (c *Coordinator) rebuild(
	ctx context.Context,
	tx store.Tx,
	repo gitop.RepoHandle,
	mq *model.MergeQueue,
	r model.Repo,
	anchor *store.EnqueuedPR,
	items []rebuildItem,
) ([]model.PullRequest, error) {
	kind, style := r.Kind, r.MergeStyle

	host, hostErr := c.hosts.Client(kind)
	if hostErr != nil {
		slog.Warn("rebuild: no vcs host client, skipping best-effort ci aborts", "repo", r.URL, "error", hostErr)
	}

	abortStaleCI := func(rec *model.EnqueueRecord, prNumber int64) {
		if host == nil || rec == nil || rec.CINumber == 0 || rec.Finished {
			return
		}

		ref := vcshost.RepoRef{Owner: r.Owner, Name: r.Name}
		if err := host.AbortCI(ctx, ref, rec.CINumber); err != nil {
			slog.Warn("rebuild: abort stale ci failed", "pr", prNumber, "ci", rec.CINumber, "error", err)
		}
	}

	w, err := c.git.GetBranch(ctx, repo, mq.WorkingBranch)
	if err != nil {
		return nil, fmt.Errorf("rebuild: resolve working branch %s: %w", mq.WorkingBranch, err)
	}

	var base gitop.CommitID

	seq := mq.HeadSeq

	if anchor != nil {
		base, err = c.git.ParseCommitID(anchor.Record.MQCommit)
		if err != nil {
			return nil, fmt.Errorf("rebuild: parse anchor commit for pr #%d: %w", anchor.PR.Number, err)
		}

		seq = anchor.Record.Seq + 1
	} else {
		target, err := c.git.GetBranch(ctx, repo, mq.TargetBranch)
		if err != nil {
			return nil, fmt.Errorf("rebuild: resolve target branch %s: %w", mq.TargetBranch, err)
		}

		base, err = c.git.GetBranchTip(ctx, repo, target)
		if err != nil {
			return nil, fmt.Errorf("rebuild: tip of %s: %w", mq.TargetBranch, err)
		}
	}

	if err := c.git.ResetBranchTo(ctx, repo, w, base); err != nil {
		return nil, fmt.Errorf("rebuild: reset working branch to %s: %w", base, err)
	}

	var failed []model.PullRequest

	for _, item := range items {
		committer := item.committer

		if item.prior != nil {
			info, err := c.git.GetCommitInfo(ctx, repo, gitop.CommitID(item.prior.MQCommit))
			if err != nil {
				return failed, fmt.Errorf("rebuild: recover committer for pr #%d: %w", item.pr.Number, err)
			}

			committer = info.Committer
		}

		newTip, err := c.speculativeMerge(ctx, repo, style, kind, mq.WorkingBranch, item.pr, committer)
		if errors.Is(err, ErrMergeConflict) {
			slog.Info("rebuild dropped conflicting pr", "pr", item.pr.Number, "queue", mq.ID)

			failed = append(failed, item.pr)

			if item.prior != nil {
				abortStaleCI(item.prior, item.pr.Number)

				if rmErr := tx.RemoveEnqueueRecord(ctx, item.pr.ID); rmErr != nil {
					return failed, fmt.Errorf("rebuild: drop pr #%d: %w", item.pr.Number, rmErr)
				}
			}

			continue
		} else if err != nil {
			return failed, fmt.Errorf("rebuild: pr #%d: %w", item.pr.Number, err)
		}

		rec := model.EnqueueRecord{
			PRID:             item.pr.ID,
			Seq:              seq,
			AssociatedBranch: mq.WorkingBranch,
			MQCommit:         string(newTip),
		}

		if item.prior != nil {
			abortStaleCI(item.prior, item.pr.Number)

			if err := tx.SaveEnqueueRecord(ctx, rec); err != nil {
				return failed, fmt.Errorf("rebuild: save enqueue record for pr #%d: %w", item.pr.Number, err)
			}
		} else if err := tx.AddEnqueueRecord(ctx, rec); err != nil {
			return failed, fmt.Errorf("rebuild: add enqueue record for pr #%d: %w", item.pr.Number, err)
		}

		seq++
	}

	mq.TailSeq = seq

	if err := tx.SaveMergeQueue(ctx, *mq); err != nil {
		return failed, fmt.Errorf("rebuild: save queue %d: %w", mq.ID, err)
	}

	if err := c.git.ForcePush(ctx, repo, w); err != nil {
		return failed, fmt.Errorf("rebuild: push working branch %s: %w", mq.WorkingBranch, err)
	}

	return failed, nil
}
