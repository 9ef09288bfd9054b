// Package coordinator implements the Queue Coordinator (spec.md 4.1): the
// four event handlers that drive a merge queue's state machine. Each event
// runs inside a single Store transaction, serialised per merge-queue by an
// advisory lock (spec.md 5). The Coordinator is a stateless function of its
// three collaborators — Store, Git Operator, VCS Host Client — the way the
// teacher's queue.Service is a stateless function of a pgxpool.Pool.
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

// Coordinator holds no state of its own: every operation is scoped to a
// single Store transaction (spec.md 9, "Global state: none").
type Coordinator struct {
	store store.Store
	git   gitop.Operator
	hosts HostResolver
}

// New wires a Coordinator from its three collaborators.
func New(st store.Store, git gitop.Operator, hosts HostResolver) *Coordinator {
	return &Coordinator{store: st, git: git, hosts: hosts}
}

// OnPROpened implements spec.md 4.1.1.
func (c *Coordinator) OnPROpened(ctx context.Context, repoURL string, number, priority int64, sourceBranch, targetBranch string) error {
	return store.WithTx(ctx, c.store, func(tx store.Tx) error {
		repo, err := tx.GetRepoByURL(ctx, repoURL)
		if err != nil {
			return fmt.Errorf("on-pr-opened: lookup repo %s: %w", repoURL, err)
		}

		mq, err := tx.GetMergeQueueByRepoAndBranch(ctx, repo.ID, targetBranch)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Debug("pr opened against branch with no queue, dropping", "repo", repoURL, "branch", targetBranch)
				return nil
			}

			return fmt.Errorf("on-pr-opened: lookup queue for %s: %w", targetBranch, err)
		}

		if err := tx.LockQueue(ctx, mq.ID); err != nil {
			return fmt.Errorf("on-pr-opened: lock queue %d: %w", mq.ID, err)
		}

		pr, err := tx.AddPR(ctx, model.PullRequest{
			RepoID:       repo.ID,
			MergeQueueID: mq.ID,
			Number:       number,
			SourceBranch: sourceBranch,
			TargetBranch: targetBranch,
			Priority:     priority,
		})
		if err != nil {
			return fmt.Errorf("on-pr-opened: add pr #%d: %w", number, err)
		}

		slog.Info("pr opened", "repo", repoURL, "pr", pr.Number, "priority", pr.Priority)

		return nil
	})
}

// OnEnqueueRequest implements spec.md 4.1.2.
func (c *Coordinator) OnEnqueueRequest(ctx context.Context, repoURL string, prNumber int64, committer gitop.Committer) error {
	return store.WithTx(ctx, c.store, func(tx store.Tx) error {
		repo, err := tx.GetRepoByURL(ctx, repoURL)
		if err != nil {
			return fmt.Errorf("on-enqueue-request: lookup repo %s: %w", repoURL, err)
		}

		pr, err := tx.GetPR(ctx, repo.ID, prNumber)
		if err != nil {
			return fmt.Errorf("on-enqueue-request: lookup pr #%d: %w", prNumber, err)
		}

		mq, err := tx.GetMergeQueueForPR(ctx, pr.ID)
		if err != nil {
			return fmt.Errorf("on-enqueue-request: lookup queue for pr #%d: %w", prNumber, err)
		}

		if err := tx.LockQueue(ctx, mq.ID); err != nil {
			return fmt.Errorf("on-enqueue-request: lock queue %d: %w", mq.ID, err)
		}

		enqueued, err := tx.GetEnqueuedPRs(ctx, mq.ID)
		if err != nil {
			return fmt.Errorf("on-enqueue-request: list queue %d: %w", mq.ID, err)
		}

		for _, e := range enqueued {
			if e.PR.ID == pr.ID {
				return ErrAlreadyEnqueued
			}
		}

		host, err := c.hosts.Client(repo.Kind)
		if err != nil {
			return fmt.Errorf("on-enqueue-request: %w", err)
		}

		status, err := host.PRCIStatus(ctx, vcshost.RepoRef{Owner: repo.Owner, Name: repo.Name}, prNumber)
		if err != nil {
			return fmt.Errorf("on-enqueue-request: pr #%d ci status: %w", prNumber, err)
		}

		switch status {
		case vcshost.Failed:
			return ErrCIFailed
		case vcshost.NotFinished:
			return ErrCIStillRunning
		case vcshost.Passed:
		}

		gitRepo, err := c.git.OpenAndUpdate(ctx, repo.URL)
		if err != nil {
			return fmt.Errorf("on-enqueue-request: open mirror %s: %w", repo.URL, err)
		}

		if len(enqueued) == 0 || enqueued[len(enqueued)-1].PR.Priority >= pr.Priority {
			return c.appendPR(ctx, tx, gitRepo, &mq, repo, pr, committer)
		}

		return c.insertByPriority(ctx, tx, gitRepo, &mq, repo, pr, committer, enqueued)
	})
}

// appendPR is the fast path of spec.md 4.1.2: the new PR becomes the new
// tail of the queue.
func (c *Coordinator) appendPR(ctx context.Context, tx store.Tx, repo gitop.RepoHandle, mq *model.MergeQueue, r model.Repo, pr model.PullRequest, committer gitop.Committer) error {
	newTip, err := c.speculativeMerge(ctx, repo, r.MergeStyle, r.Kind, mq.WorkingBranch, pr, committer)
	if err != nil {
		if errors.Is(err, ErrMergeConflict) {
			return ErrMergeConflict
		}

		return fmt.Errorf("append pr #%d: %w", pr.Number, err)
	}

	rec := model.EnqueueRecord{
		PRID:             pr.ID,
		Seq:              mq.TailSeq,
		AssociatedBranch: mq.WorkingBranch,
		MQCommit:         string(newTip),
	}

	if err := tx.AddEnqueueRecord(ctx, rec); err != nil {
		return fmt.Errorf("append pr #%d: save enqueue record: %w", pr.Number, err)
	}

	mq.TailSeq++

	if err := tx.SaveMergeQueue(ctx, *mq); err != nil {
		return fmt.Errorf("append pr #%d: save queue: %w", pr.Number, err)
	}

	w, err := c.git.GetBranch(ctx, repo, mq.WorkingBranch)
	if err != nil {
		return fmt.Errorf("append pr #%d: resolve working branch %s: %w", pr.Number, mq.WorkingBranch, err)
	}

	if err := c.git.ForcePush(ctx, repo, w); err != nil {
		return fmt.Errorf("append pr #%d: push working branch %s: %w", pr.Number, mq.WorkingBranch, err)
	}

	slog.Info("pr appended to queue", "pr", pr.Number, "seq", rec.Seq, "commit", rec.MQCommit)

	return nil
}

// insertByPriority is the slow path of spec.md 4.1.2: find the first
// enqueued PR with lower priority than the new one and rebuild the queue
// from there with the new PR inserted ahead of it.
func (c *Coordinator) insertByPriority(
	ctx context.Context,
	tx store.Tx,
	repo gitop.RepoHandle,
	mq *model.MergeQueue,
	r model.Repo,
	pr model.PullRequest,
	committer gitop.Committer,
	enqueued []store.EnqueuedPR,
) error {
	i := 0
	for i < len(enqueued) && enqueued[i].PR.Priority >= pr.Priority {
		i++
	}

	var anchor *store.EnqueuedPR
	if i > 0 {
		a := enqueued[i-1]
		anchor = &a
	}

	items := make([]rebuildItem, 0, len(enqueued)-i+1)
	items = append(items, rebuildItem{pr: pr, committer: committer})

	for _, e := range enqueued[i:] {
		rec := e.Record
		items = append(items, rebuildItem{pr: e.PR, prior: &rec})
	}

	failed, err := c.rebuild(ctx, tx, repo, mq, r, anchor, items)
	if err != nil {
		return fmt.Errorf("on-enqueue-request: priority rebuild: %w", err)
	}

	for _, f := range failed {
		if f.ID == pr.ID {
			return ErrMergeConflict
		}
	}

	slog.Info("pr inserted by priority", "pr", pr.Number, "priority", pr.Priority, "displaced", len(enqueued)-i)

	return nil
}

// OnCICreated implements spec.md 4.1.3.
func (c *Coordinator) OnCICreated(ctx context.Context, repoURL string, ciNumber int64, associatedCommit string) error {
	return store.WithTx(ctx, c.store, func(tx store.Tx) error {
		if _, err := tx.GetRepoByURL(ctx, repoURL); err != nil {
			return fmt.Errorf("on-ci-created: lookup repo %s: %w", repoURL, err)
		}

		rec, err := tx.FindEnqueueRecordByMQCommit(ctx, associatedCommit)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Debug("ci created for unrelated commit, dropping", "commit", associatedCommit)
				return nil
			}

			return fmt.Errorf("on-ci-created: lookup commit %s: %w", associatedCommit, err)
		}

		mq, err := tx.GetMergeQueueForPR(ctx, rec.PRID)
		if err != nil {
			return fmt.Errorf("on-ci-created: lookup queue for pr-id %d: %w", rec.PRID, err)
		}

		if err := tx.LockQueue(ctx, mq.ID); err != nil {
			return fmt.Errorf("on-ci-created: lock queue %d: %w", mq.ID, err)
		}

		rec.CINumber = ciNumber
		rec.Finished = false

		if err := tx.SaveEnqueueRecord(ctx, rec); err != nil {
			return fmt.Errorf("on-ci-created: save enqueue record: %w", err)
		}

		slog.Info("ci created", "ci", ciNumber, "commit", associatedCommit, "pr-id", rec.PRID)

		return nil
	})
}

// OnCIFinished implements spec.md 4.1.4.
func (c *Coordinator) OnCIFinished(ctx context.Context, repoURL string, ciNumber int64, success bool) error {
	return store.WithTx(ctx, c.store, func(tx store.Tx) error {
		repo, err := tx.GetRepoByURL(ctx, repoURL)
		if err != nil {
			return fmt.Errorf("on-ci-finished: lookup repo %s: %w", repoURL, err)
		}

		rec, err := tx.FindEnqueueRecordByCINumber(ctx, ciNumber)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.Debug("ci finished for unknown ci-number, dropping", "ci", ciNumber)
				return nil
			}

			return fmt.Errorf("on-ci-finished: lookup ci %d: %w", ciNumber, err)
		}

		mq, err := tx.GetMergeQueueForPR(ctx, rec.PRID)
		if err != nil {
			return fmt.Errorf("on-ci-finished: lookup queue for pr-id %d: %w", rec.PRID, err)
		}

		if err := tx.LockQueue(ctx, mq.ID); err != nil {
			return fmt.Errorf("on-ci-finished: lock queue %d: %w", mq.ID, err)
		}

		rec.Finished = true
		rec.Passed = success

		if err := tx.SaveEnqueueRecord(ctx, rec); err != nil {
			return fmt.Errorf("on-ci-finished: save enqueue record: %w", err)
		}

		gitRepo, err := c.git.OpenAndUpdate(ctx, repo.URL)
		if err != nil {
			return fmt.Errorf("on-ci-finished: open mirror %s: %w", repo.URL, err)
		}

		if success {
			return c.headDequeue(ctx, tx, gitRepo, &mq)
		}

		return c.handleCIFailure(ctx, tx, gitRepo, repo, &mq, rec)
	})
}

// headDequeue implements spec.md 4.1.4's success branch: advance the target
// branch past the maximal finished-and-passed prefix of the queue.
func (c *Coordinator) headDequeue(ctx context.Context, tx store.Tx, repo gitop.RepoHandle, mq *model.MergeQueue) error {
	enqueued, err := tx.GetEnqueuedPRs(ctx, mq.ID)
	if err != nil {
		return fmt.Errorf("head dequeue: list queue %d: %w", mq.ID, err)
	}

	var prefix []store.EnqueuedPR

	for _, e := range enqueued {
		if !e.Record.Finished || !e.Record.Passed {
			break
		}

		prefix = append(prefix, e)
	}

	if len(prefix) == 0 {
		return nil
	}

	last := prefix[len(prefix)-1]

	target, err := c.git.GetBranch(ctx, repo, mq.TargetBranch)
	if err != nil {
		return fmt.Errorf("head dequeue: resolve target branch %s: %w", mq.TargetBranch, err)
	}

	commit, err := c.git.ParseCommitID(last.Record.MQCommit)
	if err != nil {
		return fmt.Errorf("head dequeue: parse commit %s: %w", last.Record.MQCommit, err)
	}

	if err := c.git.FastForwardPush(ctx, repo, target, commit); err != nil {
		return fmt.Errorf("head dequeue: fast-forward %s: %w", mq.TargetBranch, err)
	}

	for _, e := range prefix {
		if err := tx.RemoveEnqueueRecord(ctx, e.PR.ID); err != nil {
			return fmt.Errorf("head dequeue: remove enqueue record for pr #%d: %w", e.PR.Number, err)
		}
	}

	mq.HeadSeq = last.Record.Seq + 1

	if err := tx.SaveMergeQueue(ctx, *mq); err != nil {
		return fmt.Errorf("head dequeue: save queue %d: %w", mq.ID, err)
	}

	slog.Info("dequeued passing prefix", "queue", mq.ID, "count", len(prefix), "new-head-seq", mq.HeadSeq)

	return nil
}

// handleCIFailure implements spec.md 4.1.4's failure branch: drop the
// failing PR and rebuild everything behind it.
func (c *Coordinator) handleCIFailure(ctx context.Context, tx store.Tx, repo gitop.RepoHandle, r model.Repo, mq *model.MergeQueue, failedRec model.EnqueueRecord) error {
	failedPR, err := tx.GetPRByID(ctx, failedRec.PRID)
	if err != nil {
		return fmt.Errorf("ci failure: lookup pr-id %d: %w", failedRec.PRID, err)
	}

	if err := tx.RemoveEnqueueRecord(ctx, failedPR.ID); err != nil {
		return fmt.Errorf("ci failure: remove enqueue record for pr #%d: %w", failedPR.Number, err)
	}

	enqueued, err := tx.GetEnqueuedPRs(ctx, mq.ID)
	if err != nil {
		return fmt.Errorf("ci failure: list queue %d: %w", mq.ID, err)
	}

	var (
		anchor *store.EnqueuedPR
		rest   []store.EnqueuedPR
	)

	for i := range enqueued {
		if enqueued[i].Record.Seq < failedRec.Seq {
			a := enqueued[i]
			anchor = &a
		} else {
			rest = append(rest, enqueued[i])
		}
	}

	items := make([]rebuildItem, 0, len(rest))

	for _, e := range rest {
		rec := e.Record
		items = append(items, rebuildItem{pr: e.PR, prior: &rec})
	}

	failed, err := c.rebuild(ctx, tx, repo, mq, r, anchor, items)
	if err != nil {
		return fmt.Errorf("ci failure: rebuild after pr #%d: %w", failedPR.Number, err)
	}

	slog.Info("pr failed ci, queue rebuilt", "pr", failedPR.Number, "dropped", len(failed))

	return nil
}
