package webhook

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v84/github"

	"github.com/greenline/mergequeue/internal/coordinator"
	"github.com/greenline/mergequeue/internal/gitop"
	"github.com/greenline/mergequeue/internal/model"
)

func handleGitHub(secret string, resolver RepoResolver, coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := github.ValidatePayload(r, []byte(secret))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		event, err := github.ParseWebHook(github.WebHookType(r), payload)
		if err != nil {
			slog.Warn("github webhook: malformed payload", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)

			return
		}

		switch event := event.(type) {
		case *github.PullRequestEvent:
			handleGitHubPullRequest(r.Context(), w, event, resolver, coord)
		case *github.StatusEvent:
			handleGitHubStatus(r.Context(), w, event, resolver, coord)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func handleGitHubPullRequest(ctx context.Context, w http.ResponseWriter, event *github.PullRequestEvent, resolver RepoResolver, coord *coordinator.Coordinator) {
	owner := event.GetRepo().GetOwner().GetLogin()
	name := event.GetRepo().GetName()

	repoURL, ok := resolver.ResolveRepoURL(model.KindGitHub, owner, name)
	if !ok {
		slog.Debug("github webhook: pull_request for unmanaged repo", "repo", event.GetRepo().GetFullName())
		w.WriteHeader(http.StatusOK)

		return
	}

	number := int64(event.GetNumber())
	labels := labelNames(event.GetPullRequest().Labels)

	var err error

	switch event.GetAction() {
	case "opened", "reopened":
		err = coord.OnPROpened(ctx, repoURL, number, parsePriority(labels),
			event.GetPullRequest().GetHead().GetRef(), event.GetPullRequest().GetBase().GetRef())
	case "labeled":
		if event.GetLabel().GetName() == enqueueLabel {
			login := event.GetPullRequest().GetUser().GetLogin()
			committer := gitop.Committer{Name: login, Email: login + "@users.noreply.github.com"}
			err = coord.OnEnqueueRequest(ctx, repoURL, number, committer)
		}
	}

	respondToCoordinatorErr(w, err, number)
}

func handleGitHubStatus(ctx context.Context, w http.ResponseWriter, event *github.StatusEvent, resolver RepoResolver, coord *coordinator.Coordinator) {
	if event.GetContext() == ourContext {
		w.WriteHeader(http.StatusOK)
		return
	}

	owner := event.GetRepo().GetOwner().GetLogin()
	name := event.GetRepo().GetName()

	repoURL, ok := resolver.ResolveRepoURL(model.KindGitHub, owner, name)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	ciNumber := event.GetID()
	sha := event.GetSHA()

	var err error

	switch event.GetState() {
	case "pending":
		err = coord.OnCICreated(ctx, repoURL, ciNumber, sha)
	case "success":
		err = coord.OnCIFinished(ctx, repoURL, ciNumber, true)
	case "failure", "error":
		err = coord.OnCIFinished(ctx, repoURL, ciNumber, false)
	}

	if err != nil {
		slog.Error("github webhook: failed processing status event", "ci", ciNumber, "error", err)
	}

	w.WriteHeader(http.StatusOK)
}

func labelNames(labels []*github.Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.GetName())
	}

	return out
}
