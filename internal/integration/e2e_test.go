// Package integration_test contains end-to-end tests that exercise the full
// flow against a real Gitea instance and real PostgreSQL:
// pull_request opened -> mergequeue label -> speculative merge pushed to
// Gitea -> status webhook -> ci finished -> target branch fast-forwarded.
package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/greenline/mergequeue/internal/config"
	"github.com/greenline/mergequeue/internal/coordinator"
	"github.com/greenline/mergequeue/internal/gitop/shellgit"
	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/registry"
	"github.com/greenline/mergequeue/internal/store"
	"github.com/greenline/mergequeue/internal/store/pg"
	"github.com/greenline/mergequeue/internal/testutil"
	"github.com/greenline/mergequeue/internal/vcshost/gitea"
	"github.com/greenline/mergequeue/internal/webhook"
)

// TestFullMergeQueueFlow exercises the complete lifecycle against a real
// Gitea instance:
//
//  1. Create a repo, a PR from feature-1 into main, ci/build=success on the
//     PR's own head (the gate on-enqueue-request checks before merging).
//  2. Register the repo: provisions Store rows, clones a local mirror,
//     creates the working branch.
//  3. Deliver a pull_request "opened" webhook -> PR row created.
//  4. Deliver a pull_request "label_updated" webhook carrying the
//     "mergequeue" label -> speculative merge, pushed to the real Gitea
//     working branch.
//  5. Deliver the matching "status" webhooks (pending, then success) for
//     the CI run on the speculative merge commit -> target branch
//     fast-forwarded past the PR on Gitea.
func TestFullMergeQueueFlow(t *testing.T) {
	giteaServer := testutil.GiteaInstance()
	if giteaServer == nil {
		t.Skip("gitea server not available")
	}

	pool := newTestDB(t)
	pgStore := pg.New(pool)
	ctx := t.Context()

	api := testutil.NewGiteaAPI(giteaServer.URL)
	token := api.CreateToken(t)
	giteaClient := gitea.NewHTTPClient(giteaServer.URL, token)

	const owner = "testuser"
	repoName := "e2e-mq-test"

	api.MustDo(t, "POST", "/user/repos",
		`{"name": "`+repoName+`", "auto_init": false, "default_branch": "main"}`)

	if err := giteaServer.PatchRepoHooks(owner, repoName); err != nil {
		t.Fatalf("patch hooks: %v", err)
	}

	api.MustDo(t, "POST", "/repos/"+owner+"/"+repoName+"/contents/README.md",
		`{"content": "aW5pdA==", "message": "initial commit"}`)

	api.MustDo(t, "POST", "/repos/"+owner+"/"+repoName+"/contents/test.txt",
		`{"content": "dGVzdA==", "message": "add test file", "new_branch": "feature-1"}`)

	prBody := api.MustDo(t, "POST", "/repos/"+owner+"/"+repoName+"/pulls",
		`{"title": "Test PR", "head": "feature-1", "base": "main"}`)

	var pr struct {
		Number int64 `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := json.Unmarshal(prBody, &pr); err != nil {
		t.Fatalf("unmarshal PR: %v", err)
	}

	// Satisfy on-enqueue-request's CI gate on the PR's own head.
	api.MustDo(t, "POST", "/repos/"+owner+"/"+repoName+"/statuses/"+pr.Head.SHA,
		`{"context": "ci/build", "state": "success", "description": "build passed"}`)

	cfg := &config.Config{
		DefaultTargetBranch: "main",
		WorkingBranch:       "merge-queue",
		DefaultMergeStyle:   model.MergeStyleMerge,
		WebhookSecret:       "test-secret",
		WebhookPath:         "/webhook",
		ExternalURL:         "http://127.0.0.1:59999",
		Gitea: config.GiteaConfig{
			URL:   giteaServer.URL,
			Token: token,
		},
	}

	gitOp := shellgit.New(t.TempDir())
	reg := registry.New(&registry.Deps{Store: pgStore, Git: gitOp, Config: cfg, Gitea: giteaClient})

	ref := config.RepoRef{Kind: model.KindGitea, Owner: owner, Name: repoName}
	if err := reg.Add(ctx, ref); err != nil {
		t.Fatalf("register repo: %v", err)
	}

	coord := coordinator.New(pgStore, gitOp, coordinator.HostSet{model.KindGitea: giteaClient})
	mux := webhook.NewMux(webhook.Secrets{Gitea: cfg.WebhookSecret}, reg, coord)

	deliver := func(t *testing.T, event, payload string) {
		t.Helper()

		req := httptest.NewRequest("POST", "/gitea", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Gitea-Event", event)
		req.Header.Set("X-Gitea-Signature", webhook.ComputeSignature([]byte(payload), cfg.WebhookSecret))

		resp := httptest.NewRecorder()
		mux.ServeHTTP(resp, req)

		if resp.Code != 200 {
			t.Fatalf("deliver %s: webhook returned %d: %s", event, resp.Code, resp.Body.String())
		}
	}

	repoFullName := owner + "/" + repoName

	// --- Step 1: pull_request opened -> PR row created ---
	openedPayload := fmt.Sprintf(`{
		"action": "opened",
		"number": %d,
		"pull_request": {
			"base": {"ref": "main"},
			"head": {"ref": "feature-1"},
			"labels": [],
			"user": {"login": %q}
		},
		"repository": {"full_name": %q, "owner": {"login": %q}, "name": %q}
	}`, pr.Number, pr.User.Login, repoFullName, owner, repoName)
	deliver(t, "pull_request", openedPayload)

	// --- Step 2: pull_request label_updated (mergequeue) -> speculative merge, pushed ---
	labelPayload := fmt.Sprintf(`{
		"action": "label_updated",
		"number": %d,
		"pull_request": {
			"base": {"ref": "main"},
			"head": {"ref": "feature-1"},
			"labels": [{"name": "mergequeue"}],
			"user": {"login": %q}
		},
		"repository": {"full_name": %q, "owner": {"login": %q}, "name": %q}
	}`, pr.Number, pr.User.Login, repoFullName, owner, repoName)
	deliver(t, "pull_request", labelPayload)

	// Verify the speculative merge landed on the real Gitea working branch,
	// not just the local mirror: this is the force-push wired up at the end
	// of appendPR/rebuild.
	_, branchBody := api.Do(t, "GET", "/repos/"+owner+"/"+repoName+"/branches/merge-queue", "")

	var workingBranch struct {
		Commit struct {
			ID string `json:"id"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(branchBody, &workingBranch); err != nil {
		t.Fatalf("unmarshal working branch: %v\nbody: %s", err, branchBody)
	}

	if workingBranch.Commit.ID == "" {
		t.Fatal("expected merge-queue branch to exist on Gitea with a commit")
	}

	mergeCommitSHA := workingBranch.Commit.ID

	var rec model.EnqueueRecord

	err := store.WithTx(ctx, pgStore, func(tx store.Tx) error {
		r, err := tx.FindEnqueueRecordByMQCommit(ctx, mergeCommitSHA)
		rec = r

		return err
	})
	if err != nil {
		t.Fatalf("expected enqueue record for pushed commit %s: %v", mergeCommitSHA, err)
	}

	// --- Step 3: status webhooks for CI on the speculative merge commit ---
	// Real external CI (e.g. a GitHub-Actions-style run) keeps the same run
	// id across its pending -> finished transition; a plain Gitea commit
	// status, by contrast, gets a fresh id per post, so the pending/success
	// pair below is delivered with a single id the CI system itself chose
	// rather than round-tripped from Gitea's status API.
	const ciNumber = int64(90001)

	pendingPayload := fmt.Sprintf(`{
		"id": %d,
		"sha": %q,
		"context": "ci/build",
		"state": "pending",
		"repository": {"full_name": %q}
	}`, ciNumber, mergeCommitSHA, repoFullName)
	deliver(t, "status", pendingPayload)

	err = store.WithTx(ctx, pgStore, func(tx store.Tx) error {
		r, err := tx.FindEnqueueRecordByCINumber(ctx, ciNumber)
		rec = r

		return err
	})
	if err != nil {
		t.Fatalf("expected enqueue record for ci %d: %v", ciNumber, err)
	}

	if rec.Finished {
		t.Fatal("expected enqueue record not finished after ci created")
	}

	successPayload := fmt.Sprintf(`{
		"id": %d,
		"sha": %q,
		"context": "ci/build",
		"state": "success",
		"repository": {"full_name": %q}
	}`, ciNumber, mergeCommitSHA, repoFullName)
	deliver(t, "status", successPayload)

	// --- Step 4: target branch fast-forwarded past the PR on real Gitea ---
	_, mainBody := api.Do(t, "GET", "/repos/"+owner+"/"+repoName+"/branches/main", "")

	var mainBranch struct {
		Commit struct {
			ID string `json:"id"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(mainBody, &mainBranch); err != nil {
		t.Fatalf("unmarshal main branch: %v\nbody: %s", err, mainBody)
	}

	if mainBranch.Commit.ID != mergeCommitSHA {
		t.Fatalf("expected main fast-forwarded to %s, got %s", mergeCommitSHA, mainBranch.Commit.ID)
	}

	// Queue should be empty: the enqueue record was removed on dequeue.
	_, mq, ok := reg.LookupInfo(ref.String())
	if !ok {
		t.Fatal("expected repo to still be in the registry")
	}

	var queueEmpty bool

	err = store.WithTx(ctx, pgStore, func(tx store.Tx) error {
		prs, err := tx.GetEnqueuedPRs(ctx, mq.ID)
		if err != nil {
			return err
		}

		queueEmpty = len(prs) == 0

		return nil
	})
	if err != nil {
		t.Fatalf("check queue empty: %v", err)
	}

	if !queueEmpty {
		t.Fatal("expected queue to be empty after dequeue")
	}
}
