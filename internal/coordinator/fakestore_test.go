package coordinator_test

import (
	"context"

	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/store"
)

// fakeStore is an in-memory store.Store/store.Tx: no isolation, no locking
// beyond a no-op LockQueue (tests are single-goroutine), just enough of
// spec.md 4.2's surface for the coordinator to drive. Real transactional
// behaviour against Postgres lives in internal/integration.
type fakeStore struct {
	repos   map[int64]model.Repo
	queues  map[int64]model.MergeQueue
	prs     map[int64]model.PullRequest
	records map[int64]model.EnqueueRecord // keyed by PRID
	nextPR  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:   map[int64]model.Repo{},
		queues:  map[int64]model.MergeQueue{},
		prs:     map[int64]model.PullRequest{},
		records: map[int64]model.EnqueueRecord{},
	}
}

func (s *fakeStore) BeginTx(_ context.Context) (store.Tx, error) {
	return &fakeTx{s: s}, nil
}

type fakeTx struct{ s *fakeStore }

func (t *fakeTx) Commit(_ context.Context) error   { return nil }
func (t *fakeTx) Rollback(_ context.Context) error  { return nil }
func (t *fakeTx) LockQueue(_ context.Context, _ int64) error { return nil }

func (t *fakeTx) GetRepoByURL(_ context.Context, url string) (model.Repo, error) {
	for _, r := range t.s.repos {
		if r.URL == url {
			return r, nil
		}
	}

	return model.Repo{}, store.ErrNotFound
}

func (t *fakeTx) EnsureRepo(_ context.Context, repo model.Repo) (model.Repo, error) {
	for _, r := range t.s.repos {
		if r.URL == repo.URL {
			return r, nil
		}
	}

	t.s.repos[repo.ID] = repo

	return repo, nil
}

func (t *fakeTx) EnsureMergeQueue(_ context.Context, mq model.MergeQueue) (model.MergeQueue, error) {
	for _, q := range t.s.queues {
		if q.RepoID == mq.RepoID && q.TargetBranch == mq.TargetBranch {
			return q, nil
		}
	}

	t.s.queues[mq.ID] = mq

	return mq, nil
}

func (t *fakeTx) GetMergeQueueByRepoAndBranch(_ context.Context, repoID int64, targetBranch string) (model.MergeQueue, error) {
	for _, q := range t.s.queues {
		if q.RepoID == repoID && q.TargetBranch == targetBranch {
			return q, nil
		}
	}

	return model.MergeQueue{}, store.ErrNotFound
}

func (t *fakeTx) GetPR(_ context.Context, repoID, number int64) (model.PullRequest, error) {
	for _, pr := range t.s.prs {
		if pr.RepoID == repoID && pr.Number == number {
			return pr, nil
		}
	}

	return model.PullRequest{}, store.ErrNotFound
}

func (t *fakeTx) GetPRByID(_ context.Context, id int64) (model.PullRequest, error) {
	pr, ok := t.s.prs[id]
	if !ok {
		return model.PullRequest{}, store.ErrNotFound
	}

	return pr, nil
}

func (t *fakeTx) GetTailPR(_ context.Context, mq model.MergeQueue) (model.PullRequest, error) {
	if mq.Empty() {
		return model.PullRequest{}, store.ErrNotFound
	}

	for _, rec := range t.s.records {
		if rec.Seq == mq.TailSeq-1 {
			return t.s.prs[rec.PRID], nil
		}
	}

	return model.PullRequest{}, store.ErrNotFound
}

func (t *fakeTx) GetEnqueuedPRs(_ context.Context, mergeQueueID int64) ([]store.EnqueuedPR, error) {
	var out []store.EnqueuedPR

	for _, pr := range t.s.prs {
		if pr.MergeQueueID != mergeQueueID {
			continue
		}

		rec, ok := t.s.records[pr.ID]
		if !ok {
			continue
		}

		out = append(out, store.EnqueuedPR{PR: pr, Record: rec})
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Record.Seq < out[i].Record.Seq {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out, nil
}

func (t *fakeTx) FindEnqueueRecordByMQCommit(_ context.Context, commit string) (model.EnqueueRecord, error) {
	for _, rec := range t.s.records {
		if rec.MQCommit == commit {
			return rec, nil
		}
	}

	return model.EnqueueRecord{}, store.ErrNotFound
}

func (t *fakeTx) FindEnqueueRecordByCINumber(_ context.Context, ciNumber int64) (model.EnqueueRecord, error) {
	for _, rec := range t.s.records {
		if rec.CINumber == ciNumber {
			return rec, nil
		}
	}

	return model.EnqueueRecord{}, store.ErrNotFound
}

func (t *fakeTx) GetMergeQueueForPR(_ context.Context, prID int64) (model.MergeQueue, error) {
	pr, ok := t.s.prs[prID]
	if !ok {
		return model.MergeQueue{}, store.ErrNotFound
	}

	q, ok := t.s.queues[pr.MergeQueueID]
	if !ok {
		return model.MergeQueue{}, store.ErrNotFound
	}

	return q, nil
}

func (t *fakeTx) AddPR(_ context.Context, pr model.PullRequest) (model.PullRequest, error) {
	for _, existing := range t.s.prs {
		if existing.RepoID == pr.RepoID && existing.Number == pr.Number {
			return existing, nil
		}
	}

	t.s.nextPR++
	pr.ID = t.s.nextPR
	t.s.prs[pr.ID] = pr

	return pr, nil
}

func (t *fakeTx) AddEnqueueRecord(_ context.Context, rec model.EnqueueRecord) error {
	t.s.records[rec.PRID] = rec
	return nil
}

func (t *fakeTx) RemoveEnqueueRecord(_ context.Context, prID int64) error {
	delete(t.s.records, prID)
	return nil
}

func (t *fakeTx) SaveEnqueueRecord(_ context.Context, rec model.EnqueueRecord) error {
	t.s.records[rec.PRID] = rec
	return nil
}

func (t *fakeTx) SaveMergeQueue(_ context.Context, mq model.MergeQueue) error {
	t.s.queues[mq.ID] = mq
	return nil
}

var _ store.Store = (*fakeStore)(nil)
var _ store.Tx = (*fakeTx)(nil)
