// Package webhook implements the HTTP front-end that receives each
// provider's native webhook events and translates them into the four
// Coordinator events (spec.md 6): on-pr-opened, on-enqueue-request,
// on-ci-created, on-ci-finished.
package webhook

import (
	"net/http"

	"github.com/greenline/mergequeue/internal/coordinator"
)

// Secrets holds the per-provider webhook secrets. A provider with an empty
// secret is not mounted.
type Secrets struct {
	Gitea  string
	GitLab string
	GitHub string
}

// NewMux returns an http.Handler serving "/gitea", "/gitlab" and "/github"
// under its root, one per provider, each verifying that provider's native
// signature scheme before translating the payload into Coordinator calls.
// Mount it under a path prefix (e.g. "/webhook/") in the outer mux.
func NewMux(secrets Secrets, resolver RepoResolver, coord *coordinator.Coordinator) http.Handler {
	mux := http.NewServeMux()

	if secrets.Gitea != "" {
		mux.HandleFunc("/gitea", handleGitea(secrets.Gitea, resolver, coord))
	}

	if secrets.GitLab != "" {
		mux.HandleFunc("/gitlab", handleGitLab(secrets.GitLab, resolver, coord))
	}

	if secrets.GitHub != "" {
		mux.HandleFunc("/github", handleGitHub(secrets.GitHub, resolver, coord))
	}

	return mux
}
