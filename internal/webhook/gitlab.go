package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/greenline/mergequeue/internal/coordinator"
	"github.com/greenline/mergequeue/internal/gitop"
	"github.com/greenline/mergequeue/internal/model"
)

// gitlabMergeRequestEvent is the subset of GitLab's "Merge Request Hook"
// payload mergequeued needs.
type gitlabMergeRequestEvent struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
		Namespace         string `json:"namespace"`
		Name              string `json:"name"`
	} `json:"project"`
	ObjectAttributes struct {
		IID          int64    `json:"iid"`
		Action       string   `json:"action"` // "open", "reopen", "update", ...
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
	} `json:"object_attributes"`
	Labels []struct {
		Title string `json:"title"`
	} `json:"labels"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

func (e *gitlabMergeRequestEvent) labels() []string {
	out := make([]string, 0, len(e.Labels))
	for _, l := range e.Labels {
		out = append(out, l.Title)
	}

	return out
}

// gitlabPipelineEvent is the subset of GitLab's "Pipeline Hook" payload
// mergequeued needs. A pipeline's numeric id is the CINumber.
type gitlabPipelineEvent struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		ID     int64  `json:"id"`
		SHA    string `json:"sha"`
		Status string `json:"status"` // "pending", "running", "success", "failed", "canceled", "skipped"
	} `json:"object_attributes"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
		Namespace         string `json:"namespace"`
		Name              string `json:"name"`
	} `json:"project"`
}

func handleGitLab(secret string, resolver RepoResolver, coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readAndVerify(w, r, func(_ []byte) bool {
			return ValidateGitLabToken(r.Header.Get("X-Gitlab-Token"), secret)
		})
		if !ok {
			return
		}

		var probe struct {
			ObjectKind string `json:"object_kind"`
		}

		if err := json.Unmarshal(body, &probe); err != nil {
			slog.Warn("gitlab webhook: malformed payload", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)

			return
		}

		switch probe.ObjectKind {
		case "merge_request":
			handleGitLabMergeRequest(r.Context(), w, body, resolver, coord)
		case "pipeline":
			handleGitLabPipeline(r.Context(), w, body, resolver, coord)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func handleGitLabMergeRequest(ctx context.Context, w http.ResponseWriter, body []byte, resolver RepoResolver, coord *coordinator.Coordinator) {
	var event gitlabMergeRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Warn("gitlab webhook: malformed merge_request payload", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)

		return
	}

	repoURL, ok := resolver.ResolveRepoURL(model.KindGitLab, event.Project.Namespace, event.Project.Name)
	if !ok {
		slog.Debug("gitlab webhook: merge_request for unmanaged repo", "repo", event.Project.PathWithNamespace)
		w.WriteHeader(http.StatusOK)

		return
	}

	var err error

	switch event.ObjectAttributes.Action {
	case "open", "reopen":
		err = coord.OnPROpened(ctx, repoURL, event.ObjectAttributes.IID, parsePriority(event.labels()), event.ObjectAttributes.SourceBranch, event.ObjectAttributes.TargetBranch)
	case "update":
		if hasLabel(event.labels(), enqueueLabel) {
			committer := gitop.Committer{Name: event.User.Username, Email: event.User.Username + "@users.noreply.gitlab"}
			err = coord.OnEnqueueRequest(ctx, repoURL, event.ObjectAttributes.IID, committer)
		}
	}

	respondToCoordinatorErr(w, err, event.ObjectAttributes.IID)
}

func handleGitLabPipeline(ctx context.Context, w http.ResponseWriter, body []byte, resolver RepoResolver, coord *coordinator.Coordinator) {
	var event gitlabPipelineEvent
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Warn("gitlab webhook: malformed pipeline payload", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)

		return
	}

	repoURL, ok := resolver.ResolveRepoURL(model.KindGitLab, event.Project.Namespace, event.Project.Name)
	if !ok {
		w.WriteHeader(http.StatusOK)

		return
	}

	var err error

	switch event.ObjectAttributes.Status {
	case "pending", "running":
		err = coord.OnCICreated(ctx, repoURL, event.ObjectAttributes.ID, event.ObjectAttributes.SHA)
	case "success", "skipped":
		err = coord.OnCIFinished(ctx, repoURL, event.ObjectAttributes.ID, true)
	case "failed", "canceled":
		err = coord.OnCIFinished(ctx, repoURL, event.ObjectAttributes.ID, false)
	}

	if err != nil {
		slog.Error("gitlab webhook: failed processing pipeline event", "ci", event.ObjectAttributes.ID, "error", err)
	}

	w.WriteHeader(http.StatusOK)
}
