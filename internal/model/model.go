// Package model defines the entities and enums shared by the Store, Git
// Operator, VCS Host Client and Coordinator. It holds no behaviour beyond
// small value-type helpers — everything that moves state lives in the
// collaborator packages that consume these types.
package model

import "fmt"

// RepoKind identifies which VCS host a Repo is hosted on.
type RepoKind string

const (
	KindGitea  RepoKind = "gitea"
	KindGitLab RepoKind = "gitlab"
	KindGitHub RepoKind = "github"
)

// MergeStyle selects how a speculative merge is produced (spec.md 4.1.5).
type MergeStyle string

const (
	MergeStyleMerge      MergeStyle = "merge"
	MergeStyleLinear     MergeStyle = "linear"
	MergeStyleSemiLinear MergeStyle = "semi_linear"
)

// Repo is immutable after creation; it has no lifecycle state.
//
// Owner/Name are the host API's path coordinates (spec.md's Repo has no
// such fields, but vcshost.RepoRef needs them and deriving them by parsing
// URL would be fragile across hosts — carried the way the teacher's
// config.RepoRef already splits owner/name explicitly).
type Repo struct {
	ID          int64
	DisplayName string
	URL         string // unique; git remote used by the Git Operator
	Owner       string
	Name        string
	Kind        RepoKind
	AccessToken string // optional
	MergeStyle  MergeStyle
}

// MergeQueue is keyed one-to-one with (RepoID, TargetBranch).
//
// Invariant Q1: HeadSeq <= TailSeq.
// Invariant Q4: WorkingBranch != TargetBranch.
type MergeQueue struct {
	ID            int64
	RepoID        int64
	TargetBranch  string
	WorkingBranch string
	HeadSeq       int64
	TailSeq       int64 // next free slot (spec.md open question, resolved)
}

// Empty reports whether the queue currently holds no enqueued PRs.
func (q MergeQueue) Empty() bool {
	return q.HeadSeq == q.TailSeq
}

// PullRequest is created on pr-opened and mutated by enqueue/rebuild/dequeue.
type PullRequest struct {
	ID           int64
	RepoID       int64
	MergeQueueID int64
	Number       int64 // unique per repo
	SourceBranch string
	TargetBranch string
	Priority     int64 // higher merges first
}

// EnqueueRecord is one-to-one with an enqueued PullRequest (invariant E1).
//
// Invariant E3: Finished implies CINumber is terminal; Passed implies Finished.
type EnqueueRecord struct {
	PRID             int64
	Seq              int64
	AssociatedBranch string // always the queue's working branch
	MQCommit         string // string form of a commit id (gitop.CommitID)
	CINumber         int64  // 0 means "no CI created yet"
	Finished         bool
	Passed           bool
}

// FormatPRRef renders a PR number using the provider-specific convention
// named in spec.md 6 ("#N" for GitHub-style hosts, "!N" for GitLab-style).
func FormatPRRef(kind RepoKind, number int64) string {
	switch kind {
	case KindGitLab:
		return fmt.Sprintf("!%d", number)
	default:
		return fmt.Sprintf("#%d", number)
	}
}

// MergeCommitMessage is the commit message format mandated by spec.md 6.
func MergeCommitMessage(source, working string, kind RepoKind, prNumber int64) string {
	return fmt.Sprintf("Merge %s into %s (%s)", source, working, FormatPRRef(kind, prNumber))
}
