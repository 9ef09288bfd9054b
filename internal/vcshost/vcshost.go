// Package vcshost defines the VCS Host Client capability set (spec.md 4.4):
// a thin surface for formatting PR references and observing/controlling CI
// on a specific provider. Concrete implementations live in gitea, gitlab and
// github subpackages, selected at runtime by model.RepoKind.
package vcshost

import "context"

// CIStatus is the three-value lattice every provider's native status maps
// into (spec.md 4.4): cancelled runs count as Failed, skipped runs as
// Passed.
type CIStatus int

const (
	NotFinished CIStatus = iota
	Passed
	Failed
)

func (s CIStatus) String() string {
	switch s {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	default:
		return "not_finished"
	}
}

// Client is the capability set the Coordinator drives for a single repo.
type Client interface {
	// FormatPRNumber renders a PR number per the provider's convention
	// ("#N" GitHub-style, "!N" GitLab-style).
	FormatPRNumber(number int64) string

	// PRCIStatus reports the CI status gating a PR's own head commit,
	// checked on on-enqueue-request before a speculative merge is produced.
	PRCIStatus(ctx context.Context, repo RepoRef, prNumber int64) (CIStatus, error)

	// CIStatus reports the status of a specific CI run / pipeline id,
	// checked when correlating on-ci-created / on-ci-finished events.
	CIStatus(ctx context.Context, repo RepoRef, ciNumber int64) (CIStatus, error)

	// AbortCI best-effort cancels a running CI pipeline. Never blocks the
	// caller's transaction on provider latency beyond its own context
	// deadline, and its error should be logged, not propagated (spec.md 9).
	AbortCI(ctx context.Context, repo RepoRef, ciNumber int64) error

	// SendComment posts a comment on a PR.
	SendComment(ctx context.Context, repo RepoRef, prNumber int64, body string) error
}

// RepoRef identifies a repository to a provider's API, independent of the
// Store's internal numeric Repo.ID.
type RepoRef struct {
	Owner string
	Name  string
}
