package webhook

import (
	"strconv"
	"strings"

	"github.com/greenline/mergequeue/internal/model"
)

// RepoResolver maps a provider's (kind, owner, name) coordinates to the
// repo URL the Store and Git Operator key on. The registry is the usual
// implementation; tests use a plain map.
type RepoResolver interface {
	ResolveRepoURL(kind model.RepoKind, owner, name string) (string, bool)
}

// MapRepoResolver adapts a static map keyed by "kind:owner/name" to
// RepoResolver, for tests.
type MapRepoResolver map[string]string

func (m MapRepoResolver) ResolveRepoURL(kind model.RepoKind, owner, name string) (string, bool) {
	url, ok := m[string(kind)+":"+owner+"/"+name]
	return url, ok
}

// enqueueLabel is the label that, when applied to a PR/MR, triggers
// on-enqueue-request. mergequeued has no PR-eligibility policy of its own
// (spec.md's explicit Non-goal); this is the one opinionated trigger it
// needs to turn a webhook event into an enqueue request at all.
const enqueueLabel = "mergequeue"

// parsePriority looks for a "priority:<int>" label and returns its value,
// defaulting to 0 when absent or malformed.
func parsePriority(labels []string) int64 {
	for _, l := range labels {
		rest, ok := strings.CutPrefix(l, "priority:")
		if !ok {
			continue
		}

		if n, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return n
		}
	}

	return 0
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}

	return false
}
