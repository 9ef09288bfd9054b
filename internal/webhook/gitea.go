package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/greenline/mergequeue/internal/coordinator"
	"github.com/greenline/mergequeue/internal/gitop"
	"github.com/greenline/mergequeue/internal/model"
)

// giteaPullRequestEvent is the subset of Gitea's pull_request webhook
// payload mergequeued needs.
type giteaPullRequestEvent struct {
	Action      string `json:"action"`
	Number      int64  `json:"number"`
	PullRequest struct {
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name string `json:"name"`
	} `json:"repository"`
}

func (e *giteaPullRequestEvent) labels() []string {
	out := make([]string, 0, len(e.PullRequest.Labels))
	for _, l := range e.PullRequest.Labels {
		out = append(out, l.Name)
	}

	return out
}

// giteaStatusEvent is the subset of Gitea's commit_status webhook payload
// mergequeued needs. Gitea's status API assigns each status post a numeric
// id, which doubles as the CINumber the Coordinator correlates CI events by
// (the same role GitHub's "status" event id plays).
type giteaStatusEvent struct {
	ID         int64  `json:"id"`
	SHA        string `json:"sha"`
	Context    string `json:"context"`
	State      string `json:"state"` // "pending", "success", "failure", "error", "warning"
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ourContext is the status context mergequeued itself would post under,
// ignored here to avoid a feedback loop.
const ourContext = "mergequeue"

func handleGitea(secret string, resolver RepoResolver, coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readAndVerify(w, r, func(body []byte) bool {
			return ValidateSignature(body, r.Header.Get("X-Gitea-Signature"), secret)
		})
		if !ok {
			return
		}

		eventType := r.Header.Get("X-Gitea-Event")

		switch eventType {
		case "pull_request":
			handleGiteaPullRequest(r.Context(), w, body, resolver, coord)
		case "status":
			handleGiteaStatus(r.Context(), w, body, resolver, coord)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func handleGiteaPullRequest(ctx context.Context, w http.ResponseWriter, body []byte, resolver RepoResolver, coord *coordinator.Coordinator) {
	var event giteaPullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Warn("gitea webhook: malformed pull_request payload", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)

		return
	}

	repoURL, ok := resolver.ResolveRepoURL(model.KindGitea, event.Repository.Owner.Login, event.Repository.Name)
	if !ok {
		slog.Debug("gitea webhook: pull_request for unmanaged repo", "repo", event.Repository.FullName)
		w.WriteHeader(http.StatusOK)

		return
	}

	var err error

	switch event.Action {
	case "opened", "reopened":
		err = coord.OnPROpened(ctx, repoURL, event.Number, parsePriority(event.labels()), event.PullRequest.Head.Ref, event.PullRequest.Base.Ref)
	case "label_updated":
		if hasLabel(event.labels(), enqueueLabel) {
			committer := gitop.Committer{Name: event.PullRequest.User.Login, Email: event.PullRequest.User.Login + "@users.noreply.gitea"}
			err = coord.OnEnqueueRequest(ctx, repoURL, event.Number, committer)
		}
	}

	respondToCoordinatorErr(w, err, event.Number)
}

func handleGiteaStatus(ctx context.Context, w http.ResponseWriter, body []byte, resolver RepoResolver, coord *coordinator.Coordinator) {
	var event giteaStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Warn("gitea webhook: malformed status payload", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)

		return
	}

	if event.Context == ourContext {
		w.WriteHeader(http.StatusOK)

		return
	}

	repoURL, ok := resolver.ResolveRepoURL(model.KindGitea, ownerFromFullName(event.Repository.FullName), nameFromFullName(event.Repository.FullName))
	if !ok {
		w.WriteHeader(http.StatusOK)

		return
	}

	var err error

	switch event.State {
	case "pending":
		err = coord.OnCICreated(ctx, repoURL, event.ID, event.SHA)
	case "success", "warning":
		err = coord.OnCIFinished(ctx, repoURL, event.ID, true)
	case "failure", "error":
		err = coord.OnCIFinished(ctx, repoURL, event.ID, false)
	}

	if err != nil {
		slog.Error("gitea webhook: failed processing status event", "ci", event.ID, "error", err)
	}

	w.WriteHeader(http.StatusOK)
}

// readAndVerify reads the request body and checks it against verify,
// writing the appropriate error response and returning ok=false on
// failure.
func readAndVerify(w http.ResponseWriter, r *http.Request, verify func([]byte) bool) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}

	if !verify(body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	return body, true
}

// respondToCoordinatorErr maps coordinator sentinel errors to a response;
// any of them represent a legitimate, already-logged-by-the-caller outcome
// rather than a webhook delivery failure, so the provider should still see
// 200 and not retry.
func respondToCoordinatorErr(w http.ResponseWriter, err error, prNumber int64) {
	if err != nil {
		slog.Warn("webhook: coordinator event failed", "pr", prNumber, "error", err)
	}

	w.WriteHeader(http.StatusOK)
}

func ownerFromFullName(fullName string) string {
	owner, _, _ := strings.Cut(fullName, "/")
	return owner
}

func nameFromFullName(fullName string) string {
	_, name, _ := strings.Cut(fullName, "/")
	return name
}
