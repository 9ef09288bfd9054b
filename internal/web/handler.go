// Package web provides the server-rendered HTML dashboard for mergequeued.
// No JavaScript frameworks — pages are functional with JS disabled, using
// <meta http-equiv="refresh"> for auto-refresh.
package web

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/greenline/mergequeue/internal/config"
	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/store"
	"github.com/greenline/mergequeue/internal/vcshost/gitea"
)

//go:embed templates/*.html templates/*.css
var templateFS embed.FS

// funcMap provides template helper functions.
var funcMap = template.FuncMap{
	"inc":      func(i int) int { return i + 1 },
	"relative": func(t time.Time) string { return RelativeTime(t, time.Now()) },
}

var templates = template.Must(
	template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/*.html"),
)

// RepoOverview holds the data for one repo in the overview page.
type RepoOverview struct {
	Kind      model.RepoKind
	Owner     string
	Name      string
	QueueSize int
}

// OverviewData is the template data for the overview page.
type OverviewData struct {
	Repos           []RepoOverview
	RefreshInterval int // seconds
}

// RepoDetailEntry holds one queue entry for the repo detail page.
type RepoDetailEntry struct {
	PRRef    string // "#42" or "!42" per host convention
	PRNumber int64
	State    string
}

// RepoDetailData is the template data for the repo detail page.
type RepoDetailData struct {
	Kind            model.RepoKind
	Owner           string
	Name            string
	TargetBranch    string
	Entries         []RepoDetailEntry
	RefreshInterval int // seconds
}

// PRDetailData is the template data for the PR detail page.
type PRDetailData struct {
	Kind            model.RepoKind
	Owner           string
	Name            string
	PRRef           string
	PRNumber        int64
	Title           string
	Author          string
	State           string
	Position        int
	CIState         string // "not started", "running", "passed", "failed"
	InQueue         bool
	RefreshInterval int // seconds
}

// RepoLister abstracts how the dashboard gets the current managed repo set
// and looks up its provisioned Store rows, without depending on
// *registry.RepoRegistry's internal layout. The RepoRegistry (dynamic) and
// static lists (tests) both implement it.
type RepoLister interface {
	List() []config.RepoRef
	Contains(key string) bool
	LookupInfo(key string) (model.Repo, model.MergeQueue, bool)
}

// Deps holds the dependencies the web handlers need.
type Deps struct {
	Store           store.Store
	Repos           RepoLister
	Gitea           gitea.Client // optional: used for PR title/author on Gitea repos
	RefreshInterval int          // seconds
}

// NewMux creates an http.ServeMux with the dashboard routes registered.
func NewMux(deps *Deps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/static/style.css", staticCSSHandler)
	mux.HandleFunc("/", overviewHandler(deps))
	mux.HandleFunc("/repo/", repoHandler(deps))

	return mux
}

// staticCSSHandler serves the shared stylesheet from the embedded FS.
func staticCSSHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := templateFS.ReadFile("templates/style.css")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}

// overviewHandler serves the overview page at GET /.
func overviewHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		ctx := r.Context()
		data := OverviewData{RefreshInterval: deps.RefreshInterval}

		for _, ref := range deps.Repos.List() {
			overview := RepoOverview{Kind: ref.Kind, Owner: ref.Owner, Name: ref.Name}

			repo, mq, ok := deps.Repos.LookupInfo(ref.String())
			if !ok {
				data.Repos = append(data.Repos, overview)
				continue
			}

			queued, err := countEnqueued(ctx, deps.Store, mq.ID)
			if err != nil {
				slog.Error("failed to count enqueued PRs", "repo", ref, "error", err)
				data.Repos = append(data.Repos, overview)
				continue
			}

			_ = repo
			overview.QueueSize = queued
			data.Repos = append(data.Repos, overview)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if err := templates.ExecuteTemplate(w, "overview.html", data); err != nil {
			slog.Error("failed to render overview", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}

// repoHandler serves repo and PR detail pages:
//   - GET /repo/{kind}/{owner}/{name} — repo queue listing
//   - GET /repo/{kind}/{owner}/{name}/pr/{number} — PR detail
func repoHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/repo/")

		kind, rest, ok := strings.Cut(path, "/")
		if !ok {
			http.NotFound(w, r)
			return
		}

		owner, rest, ok := strings.Cut(rest, "/")
		if !ok || owner == "" {
			http.NotFound(w, r)
			return
		}

		var (
			name        string
			prNumberStr string
		)

		if idx := strings.Index(rest, "/"); idx >= 0 {
			name = rest[:idx]
			suffix := rest[idx+1:] // e.g. "pr/42"

			prPrefix, numStr, hasPR := strings.Cut(suffix, "/")
			if !hasPR || prPrefix != "pr" || numStr == "" {
				http.NotFound(w, r)
				return
			}

			prNumberStr = numStr
		} else {
			name = rest
		}

		if name == "" {
			http.NotFound(w, r)
			return
		}

		ref := config.RepoRef{Kind: model.RepoKind(kind), Owner: owner, Name: name}

		if !deps.Repos.Contains(ref.String()) {
			http.NotFound(w, r)
			return
		}

		if prNumberStr != "" {
			servePRDetail(w, r, deps, ref, prNumberStr)
		} else {
			serveRepoDetail(w, r, deps, ref)
		}
	}
}

// serveRepoDetail renders the repo queue listing page.
func serveRepoDetail(w http.ResponseWriter, r *http.Request, deps *Deps, ref config.RepoRef) {
	ctx := r.Context()

	_, mq, ok := deps.Repos.LookupInfo(ref.String())
	if !ok {
		http.NotFound(w, r)
		return
	}

	var prs []store.EnqueuedPR

	err := store.WithTx(ctx, deps.Store, func(tx store.Tx) error {
		var err error
		prs, err = tx.GetEnqueuedPRs(ctx, mq.ID)

		return err
	})
	if err != nil {
		slog.Error("failed to list enqueued PRs", "repo", ref, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	data := RepoDetailData{
		Kind:            ref.Kind,
		Owner:           ref.Owner,
		Name:            ref.Name,
		TargetBranch:    mq.TargetBranch,
		RefreshInterval: deps.RefreshInterval,
	}

	for _, enq := range prs {
		data.Entries = append(data.Entries, RepoDetailEntry{
			PRRef:    model.FormatPRRef(ref.Kind, enq.PR.Number),
			PRNumber: enq.PR.Number,
			State:    entryState(enq.Record),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := templates.ExecuteTemplate(w, "repo.html", data); err != nil {
		slog.Error("failed to render repo detail", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// servePRDetail renders the PR detail page.
func servePRDetail(w http.ResponseWriter, r *http.Request, deps *Deps, ref config.RepoRef, prNumberStr string) {
	prNumber, err := strconv.ParseInt(prNumberStr, 10, 64)
	if err != nil || prNumber <= 0 {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()

	repo, mq, ok := deps.Repos.LookupInfo(ref.String())
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := PRDetailData{
		Kind:            ref.Kind,
		Owner:           ref.Owner,
		Name:            ref.Name,
		PRRef:           model.FormatPRRef(ref.Kind, prNumber),
		PRNumber:        prNumber,
		Title:           "—",
		Author:          "—",
		RefreshInterval: deps.RefreshInterval,
	}

	var (
		pr     model.PullRequest
		record model.EnqueueRecord
		found  bool
	)

	err = store.WithTx(ctx, deps.Store, func(tx store.Tx) error {
		p, err := tx.GetPR(ctx, repo.ID, prNumber)
		if err == store.ErrNotFound {
			return nil
		}

		if err != nil {
			return err
		}

		prs, err := tx.GetEnqueuedPRs(ctx, mq.ID)
		if err != nil {
			return err
		}

		for i, enq := range prs {
			if enq.PR.Number != prNumber {
				continue
			}

			pr = p
			record = enq.Record
			found = true
			data.Position = i + 1

			break
		}

		return nil
	})
	if err != nil {
		slog.Error("failed to load PR", "pr", prNumber, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	if !found {
		data.InQueue = false
		renderPR(w, data)

		return
	}

	data.InQueue = true
	data.State = entryState(record)
	data.CIState = ciState(record)

	_ = pr

	if deps.Gitea != nil && ref.Kind == model.KindGitea {
		fetchGiteaPRMeta(ctx, deps.Gitea, &data)
	}

	renderPR(w, data)
}

func renderPR(w http.ResponseWriter, data PRDetailData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := templates.ExecuteTemplate(w, "pr.html", data); err != nil {
		slog.Error("failed to render PR detail", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func fetchGiteaPRMeta(ctx context.Context, client gitea.Client, data *PRDetailData) {
	pr, err := client.GetPR(ctx, data.Owner, data.Name, data.PRNumber)
	if err != nil {
		slog.Warn("failed to fetch PR from Gitea", "pr", data.PRNumber, "error", err)
		return
	}

	data.Title = pr.Title
	if pr.User != nil {
		data.Author = pr.User.Login
	}
}

// entryState reports a PR's merge-queue state the way the dashboard shows
// it: "queued" before a speculative merge exists, "testing" while CI runs
// on it, "failed" if its last CI run did not pass.
func entryState(rec model.EnqueueRecord) string {
	switch {
	case rec.MQCommit == "":
		return "queued"
	case rec.Finished && !rec.Passed:
		return "failed"
	case rec.Finished && rec.Passed:
		return "passed"
	default:
		return "testing"
	}
}

func ciState(rec model.EnqueueRecord) string {
	switch {
	case rec.CINumber == 0:
		return "not started"
	case !rec.Finished:
		return "running"
	case rec.Passed:
		return "passed"
	default:
		return "failed"
	}
}

func countEnqueued(ctx context.Context, st store.Store, mergeQueueID int64) (int, error) {
	var n int

	err := store.WithTx(ctx, st, func(tx store.Tx) error {
		prs, err := tx.GetEnqueuedPRs(ctx, mergeQueueID)
		if err != nil {
			return err
		}

		n = len(prs)

		return nil
	})

	return n, err
}
