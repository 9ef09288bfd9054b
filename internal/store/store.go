// Package store defines the Persistence Store capability set (spec.md 4.2):
// transactional access to repos, merge queues, pull requests and enqueue
// records. The Coordinator is the sole caller; every read/write it performs
// happens inside one Tx per event, so all four tables are observed as of a
// single consistent snapshot.
package store

import (
	"context"
	"errors"

	"github.com/greenline/mergequeue/internal/model"
)

// ErrNotFound is returned by single-row lookups that find nothing. Callers
// that treat "not found" as a legitimate outcome (e.g. CI events for unknown
// commits) check for it with errors.Is.
var ErrNotFound = errors.New("store: not found")

// EnqueuedPR is a PullRequest joined with its EnqueueRecord, the shape
// get-enqueued-prs returns — the Coordinator never wants one without the
// other once a PR is enqueued.
type EnqueuedPR struct {
	PR     model.PullRequest
	Record model.EnqueueRecord
}

// Store opens transactional sessions. Each Tx is scoped to a single
// Coordinator event (spec.md 4.1: "each executes within a single Store
// transaction").
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a scoped transaction exposing every operation spec.md 4.2 lists,
// plus LockQueue for the per-queue advisory lock (spec.md 5).
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// LockQueue acquires a session-duration advisory lock keyed by merge
	// queue id, serialising concurrent handlers on the same (repo, target
	// branch) (spec.md 5). Must be called before any mutation in the
	// transaction that touches the queue.
	LockQueue(ctx context.Context, mergeQueueID int64) error

	GetRepoByURL(ctx context.Context, url string) (model.Repo, error)
	GetMergeQueueByRepoAndBranch(ctx context.Context, repoID int64, targetBranch string) (model.MergeQueue, error)

	// EnsureRepo inserts repo if its URL is not already registered, else
	// returns the existing row unchanged. Used by the repo registry to
	// provision a repo the Coordinator has never seen (spec.md 4.2 has no
	// operation for this; it belongs to setup, not the event handlers).
	EnsureRepo(ctx context.Context, repo model.Repo) (model.Repo, error)

	// EnsureMergeQueue inserts mq if no queue exists for (RepoID,
	// TargetBranch), else returns the existing row unchanged.
	EnsureMergeQueue(ctx context.Context, mq model.MergeQueue) (model.MergeQueue, error)
	GetPR(ctx context.Context, repoID, number int64) (model.PullRequest, error)
	GetPRByID(ctx context.Context, id int64) (model.PullRequest, error)

	// GetTailPR returns the PR at seq = mq.TailSeq-1, or ErrNotFound if the
	// queue is empty.
	GetTailPR(ctx context.Context, mq model.MergeQueue) (model.PullRequest, error)

	// GetEnqueuedPRs returns every PR with a live EnqueueRecord on mq, in
	// ascending seq order (Q2, Q3).
	GetEnqueuedPRs(ctx context.Context, mergeQueueID int64) ([]EnqueuedPR, error)

	FindEnqueueRecordByMQCommit(ctx context.Context, commit string) (model.EnqueueRecord, error)
	FindEnqueueRecordByCINumber(ctx context.Context, ciNumber int64) (model.EnqueueRecord, error)
	GetMergeQueueForPR(ctx context.Context, prID int64) (model.MergeQueue, error)

	// AddPR inserts a PR, idempotent on (repo-id, number): if one already
	// exists it is returned unchanged (spec.md 4.1.1).
	AddPR(ctx context.Context, pr model.PullRequest) (model.PullRequest, error)

	AddEnqueueRecord(ctx context.Context, rec model.EnqueueRecord) error
	RemoveEnqueueRecord(ctx context.Context, prID int64) error

	// Save persists mutated EnqueueRecord and MergeQueue fields (ci-number,
	// finished, passed, head-seq, tail-seq).
	SaveEnqueueRecord(ctx context.Context, rec model.EnqueueRecord) error
	SaveMergeQueue(ctx context.Context, mq model.MergeQueue) error
}

// WithTx runs fn inside a Store transaction, committing on success and
// rolling back on any error or panic — the teacher's withTx shape lifted to
// the Store interface boundary.
func WithTx(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
