package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/store"
)

// BeginTx opens a serializable transaction, matching the teacher's withTx
// isolation level — serializable isolation prevents phantom reads across the
// several reads+writes a single Coordinator event performs.
func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	return &Tx{tx: tx}, nil
}

// Tx implements store.Tx over a pgx.Tx.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}

	return nil
}

// LockQueue acquires a transaction-scoped Postgres advisory lock keyed by
// merge queue id (spec.md 5), released automatically at commit/rollback.
func (t *Tx) LockQueue(ctx context.Context, mergeQueueID int64) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, mergeQueueID); err != nil {
		return fmt.Errorf("lock merge queue %d: %w", mergeQueueID, err)
	}

	return nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}

	return err
}

func (t *Tx) GetRepoByURL(ctx context.Context, url string) (model.Repo, error) {
	var r model.Repo

	row := t.tx.QueryRow(ctx,
		`SELECT id, display_name, url, owner, name, kind, access_token, merge_style FROM repos WHERE url = $1`, url)

	err := row.Scan(&r.ID, &r.DisplayName, &r.URL, &r.Owner, &r.Name, &r.Kind, &r.AccessToken, &r.MergeStyle)
	if err != nil {
		return model.Repo{}, wrapNotFound(fmt.Errorf("get repo by url %q: %w", url, err))
	}

	return r, nil
}

func (t *Tx) GetMergeQueueByRepoAndBranch(ctx context.Context, repoID int64, targetBranch string) (model.MergeQueue, error) {
	var q model.MergeQueue

	row := t.tx.QueryRow(ctx,
		`SELECT id, repo_id, target_branch, working_branch, head_seq, tail_seq
		 FROM merge_queues WHERE repo_id = $1 AND target_branch = $2`, repoID, targetBranch)

	err := row.Scan(&q.ID, &q.RepoID, &q.TargetBranch, &q.WorkingBranch, &q.HeadSeq, &q.TailSeq)
	if err != nil {
		return model.MergeQueue{}, wrapNotFound(fmt.Errorf("get merge queue for repo %d branch %q: %w", repoID, targetBranch, err))
	}

	return q, nil
}

func (t *Tx) EnsureRepo(ctx context.Context, repo model.Repo) (model.Repo, error) {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO repos (display_name, url, owner, name, kind, access_token, merge_style)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
		 RETURNING id, display_name, url, owner, name, kind, access_token, merge_style`,
		repo.DisplayName, repo.URL, repo.Owner, repo.Name, repo.Kind, repo.AccessToken, repo.MergeStyle)

	var out model.Repo

	err := row.Scan(&out.ID, &out.DisplayName, &out.URL, &out.Owner, &out.Name, &out.Kind, &out.AccessToken, &out.MergeStyle)
	if err != nil {
		return model.Repo{}, fmt.Errorf("ensure repo %s: %w", repo.URL, err)
	}

	return out, nil
}

func (t *Tx) EnsureMergeQueue(ctx context.Context, mq model.MergeQueue) (model.MergeQueue, error) {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO merge_queues (repo_id, target_branch, working_branch, head_seq, tail_seq)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (repo_id, target_branch) DO UPDATE SET repo_id = EXCLUDED.repo_id
		 RETURNING id, repo_id, target_branch, working_branch, head_seq, tail_seq`,
		mq.RepoID, mq.TargetBranch, mq.WorkingBranch, mq.HeadSeq, mq.TailSeq)

	var out model.MergeQueue

	err := row.Scan(&out.ID, &out.RepoID, &out.TargetBranch, &out.WorkingBranch, &out.HeadSeq, &out.TailSeq)
	if err != nil {
		return model.MergeQueue{}, fmt.Errorf("ensure merge queue for repo %d branch %q: %w", mq.RepoID, mq.TargetBranch, err)
	}

	return out, nil
}

func (t *Tx) GetPR(ctx context.Context, repoID, number int64) (model.PullRequest, error) {
	var pr model.PullRequest

	row := t.tx.QueryRow(ctx,
		`SELECT id, repo_id, merge_queue_id, number, source_branch, target_branch, priority
		 FROM pull_requests WHERE repo_id = $1 AND number = $2`, repoID, number)

	err := row.Scan(&pr.ID, &pr.RepoID, &pr.MergeQueueID, &pr.Number, &pr.SourceBranch, &pr.TargetBranch, &pr.Priority)
	if err != nil {
		return model.PullRequest{}, wrapNotFound(fmt.Errorf("get PR %d/#%d: %w", repoID, number, err))
	}

	return pr, nil
}

func (t *Tx) GetPRByID(ctx context.Context, id int64) (model.PullRequest, error) {
	var pr model.PullRequest

	row := t.tx.QueryRow(ctx,
		`SELECT id, repo_id, merge_queue_id, number, source_branch, target_branch, priority
		 FROM pull_requests WHERE id = $1`, id)

	err := row.Scan(&pr.ID, &pr.RepoID, &pr.MergeQueueID, &pr.Number, &pr.SourceBranch, &pr.TargetBranch, &pr.Priority)
	if err != nil {
		return model.PullRequest{}, wrapNotFound(fmt.Errorf("get PR by id %d: %w", id, err))
	}

	return pr, nil
}

func (t *Tx) GetTailPR(ctx context.Context, mq model.MergeQueue) (model.PullRequest, error) {
	if mq.Empty() {
		return model.PullRequest{}, store.ErrNotFound
	}

	var pr model.PullRequest

	row := t.tx.QueryRow(ctx,
		`SELECT p.id, p.repo_id, p.merge_queue_id, p.number, p.source_branch, p.target_branch, p.priority
		 FROM pull_requests p
		 JOIN enqueue_records e ON e.pr_id = p.id
		 WHERE e.merge_queue_id = $1 AND e.seq = $2`, mq.ID, mq.TailSeq-1)

	err := row.Scan(&pr.ID, &pr.RepoID, &pr.MergeQueueID, &pr.Number, &pr.SourceBranch, &pr.TargetBranch, &pr.Priority)
	if err != nil {
		return model.PullRequest{}, wrapNotFound(fmt.Errorf("get tail PR for queue %d: %w", mq.ID, err))
	}

	return pr, nil
}

func (t *Tx) GetEnqueuedPRs(ctx context.Context, mergeQueueID int64) ([]store.EnqueuedPR, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT p.id, p.repo_id, p.merge_queue_id, p.number, p.source_branch, p.target_branch, p.priority,
		        e.pr_id, e.seq, e.associated_branch, e.mq_commit, e.ci_number, e.finished, e.passed
		 FROM enqueue_records e
		 JOIN pull_requests p ON p.id = e.pr_id
		 WHERE e.merge_queue_id = $1
		 ORDER BY e.seq ASC`, mergeQueueID)
	if err != nil {
		return nil, fmt.Errorf("list enqueued PRs for queue %d: %w", mergeQueueID, err)
	}
	defer rows.Close()

	var result []store.EnqueuedPR

	for rows.Next() {
		var ep store.EnqueuedPR

		err := rows.Scan(
			&ep.PR.ID, &ep.PR.RepoID, &ep.PR.MergeQueueID, &ep.PR.Number, &ep.PR.SourceBranch, &ep.PR.TargetBranch, &ep.PR.Priority,
			&ep.Record.PRID, &ep.Record.Seq, &ep.Record.AssociatedBranch, &ep.Record.MQCommit, &ep.Record.CINumber, &ep.Record.Finished, &ep.Record.Passed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan enqueued PR row: %w", err)
		}

		result = append(result, ep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enqueued PRs for queue %d: %w", mergeQueueID, err)
	}

	return result, nil
}

func (t *Tx) FindEnqueueRecordByMQCommit(ctx context.Context, commit string) (model.EnqueueRecord, error) {
	var r model.EnqueueRecord

	row := t.tx.QueryRow(ctx,
		`SELECT pr_id, seq, associated_branch, mq_commit, ci_number, finished, passed
		 FROM enqueue_records WHERE mq_commit = $1`, commit)

	err := row.Scan(&r.PRID, &r.Seq, &r.AssociatedBranch, &r.MQCommit, &r.CINumber, &r.Finished, &r.Passed)
	if err != nil {
		return model.EnqueueRecord{}, wrapNotFound(fmt.Errorf("find enqueue record by commit %s: %w", commit, err))
	}

	return r, nil
}

func (t *Tx) FindEnqueueRecordByCINumber(ctx context.Context, ciNumber int64) (model.EnqueueRecord, error) {
	var r model.EnqueueRecord

	row := t.tx.QueryRow(ctx,
		`SELECT pr_id, seq, associated_branch, mq_commit, ci_number, finished, passed
		 FROM enqueue_records WHERE ci_number = $1`, ciNumber)

	err := row.Scan(&r.PRID, &r.Seq, &r.AssociatedBranch, &r.MQCommit, &r.CINumber, &r.Finished, &r.Passed)
	if err != nil {
		return model.EnqueueRecord{}, wrapNotFound(fmt.Errorf("find enqueue record by CI number %d: %w", ciNumber, err))
	}

	return r, nil
}

func (t *Tx) GetMergeQueueForPR(ctx context.Context, prID int64) (model.MergeQueue, error) {
	var q model.MergeQueue

	row := t.tx.QueryRow(ctx,
		`SELECT mq.id, mq.repo_id, mq.target_branch, mq.working_branch, mq.head_seq, mq.tail_seq
		 FROM merge_queues mq
		 JOIN pull_requests p ON p.merge_queue_id = mq.id
		 WHERE p.id = $1`, prID)

	err := row.Scan(&q.ID, &q.RepoID, &q.TargetBranch, &q.WorkingBranch, &q.HeadSeq, &q.TailSeq)
	if err != nil {
		return model.MergeQueue{}, wrapNotFound(fmt.Errorf("get merge queue for PR %d: %w", prID, err))
	}

	return q, nil
}

func (t *Tx) AddPR(ctx context.Context, pr model.PullRequest) (model.PullRequest, error) {
	row := t.tx.QueryRow(ctx,
		`INSERT INTO pull_requests (repo_id, merge_queue_id, number, source_branch, target_branch, priority)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (repo_id, number) DO UPDATE SET repo_id = EXCLUDED.repo_id
		 RETURNING id, repo_id, merge_queue_id, number, source_branch, target_branch, priority`,
		pr.RepoID, pr.MergeQueueID, pr.Number, pr.SourceBranch, pr.TargetBranch, pr.Priority)

	var out model.PullRequest

	err := row.Scan(&out.ID, &out.RepoID, &out.MergeQueueID, &out.Number, &out.SourceBranch, &out.TargetBranch, &out.Priority)
	if err != nil {
		return model.PullRequest{}, fmt.Errorf("add PR #%d: %w", pr.Number, err)
	}

	return out, nil
}

func (t *Tx) AddEnqueueRecord(ctx context.Context, rec model.EnqueueRecord) error {
	mq, err := t.GetMergeQueueForPR(ctx, rec.PRID)
	if err != nil {
		return fmt.Errorf("resolve queue for enqueue record on PR %d: %w", rec.PRID, err)
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO enqueue_records (pr_id, merge_queue_id, seq, associated_branch, mq_commit, ci_number, finished, passed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.PRID, mq.ID, rec.Seq, rec.AssociatedBranch, rec.MQCommit, rec.CINumber, rec.Finished, rec.Passed)
	if err != nil {
		return fmt.Errorf("add enqueue record for PR %d: %w", rec.PRID, err)
	}

	return nil
}

func (t *Tx) RemoveEnqueueRecord(ctx context.Context, prID int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM enqueue_records WHERE pr_id = $1`, prID); err != nil {
		return fmt.Errorf("remove enqueue record for PR %d: %w", prID, err)
	}

	return nil
}

func (t *Tx) SaveEnqueueRecord(ctx context.Context, rec model.EnqueueRecord) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE enqueue_records SET seq = $2, associated_branch = $3, mq_commit = $4,
		        ci_number = $5, finished = $6, passed = $7
		 WHERE pr_id = $1`,
		rec.PRID, rec.Seq, rec.AssociatedBranch, rec.MQCommit, rec.CINumber, rec.Finished, rec.Passed)
	if err != nil {
		return fmt.Errorf("save enqueue record for PR %d: %w", rec.PRID, err)
	}

	return nil
}

func (t *Tx) SaveMergeQueue(ctx context.Context, mq model.MergeQueue) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE merge_queues SET working_branch = $2, head_seq = $3, tail_seq = $4 WHERE id = $1`,
		mq.ID, mq.WorkingBranch, mq.HeadSeq, mq.TailSeq)
	if err != nil {
		return fmt.Errorf("save merge queue %d: %w", mq.ID, err)
	}

	return nil
}

// Ensure Store and Tx implement store.Store / store.Tx at compile time.
var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*Tx)(nil)
)
