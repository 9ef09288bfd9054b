package coordinator_test

import (
	"context"
	"fmt"

	"github.com/greenline/mergequeue/internal/gitop"
)

// fakeGit is a minimal in-memory gitop.Operator: commits carry a full file
// snapshot, and conflict detection does a real three-way compare against the
// nearest common ancestor. It exists so coordinator tests can assert on
// merge/conflict outcomes without a system git binary, the way the gitea
// package's mock.go stands in for HTTP.
type fakeGit struct {
	repos map[string]*fakeRepoState
	seq   int
}

type fakeRepoState struct {
	branches map[string]gitop.CommitID
	commits  map[gitop.CommitID]*fakeCommit
}

type fakeCommit struct {
	parents   []gitop.CommitID
	files     map[string]string
	message   string
	committer gitop.Committer
}

func newFakeGit() *fakeGit {
	return &fakeGit{repos: map[string]*fakeRepoState{}}
}

// seedRepo registers a repo with an initial commit on branch name,
// returning that commit id for tests to branch off of.
func (g *fakeGit) seedRepo(url, initialBranch string, files map[string]string) gitop.CommitID {
	id := g.nextID()

	g.repos[url] = &fakeRepoState{
		branches: map[string]gitop.CommitID{initialBranch: id},
		commits: map[gitop.CommitID]*fakeCommit{
			id: {files: cloneFiles(files), message: "initial commit", committer: gitop.Committer{Name: "seed", Email: "seed@example.com"}},
		},
	}

	return id
}

// branchFrom creates a new branch at base with an additional commit
// applying changes on top.
func (g *fakeGit) branchFrom(url, name string, base gitop.CommitID, changes map[string]string) gitop.CommitID {
	r := g.repos[url]

	files := cloneFiles(r.commits[base].files)
	for k, v := range changes {
		files[k] = v
	}

	id := g.nextID()
	r.commits[id] = &fakeCommit{parents: []gitop.CommitID{base}, files: files, message: "test commit", committer: gitop.Committer{Name: "author", Email: "author@example.com"}}
	r.branches[name] = id

	return id
}

func (g *fakeGit) nextID() gitop.CommitID {
	g.seq++
	return gitop.CommitID(fmt.Sprintf("c%d", g.seq))
}

func cloneFiles(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

type fakeRepoHandle struct{ url string }

func (h *fakeRepoHandle) URL() string { return h.url }

type fakeBranchHandle struct{ name string }

func (h *fakeBranchHandle) Name() string { return h.name }

func (g *fakeGit) OpenAndUpdate(_ context.Context, url string) (gitop.RepoHandle, error) {
	if _, ok := g.repos[url]; !ok {
		return nil, fmt.Errorf("fakeGit: unknown repo %s", url)
	}

	return &fakeRepoHandle{url: url}, nil
}

func (g *fakeGit) state(repo gitop.RepoHandle) *fakeRepoState {
	return g.repos[repo.(*fakeRepoHandle).url]
}

func (g *fakeGit) GetBranch(_ context.Context, repo gitop.RepoHandle, name string) (gitop.BranchHandle, error) {
	if _, ok := g.state(repo).branches[name]; !ok {
		return nil, gitop.ErrBranchNotFound
	}

	return &fakeBranchHandle{name: name}, nil
}

func (g *fakeGit) GetBranchTip(_ context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle) (gitop.CommitID, error) {
	id, ok := g.state(repo).branches[branch.Name()]
	if !ok {
		return "", gitop.ErrBranchNotFound
	}

	return id, nil
}

func (g *fakeGit) CreateBranchAt(_ context.Context, repo gitop.RepoHandle, name string, commit gitop.CommitID, overwrite bool) (gitop.BranchHandle, error) {
	st := g.state(repo)

	if !overwrite {
		if _, ok := st.branches[name]; ok {
			return nil, gitop.ErrBranchExists
		}
	}

	st.branches[name] = commit

	return &fakeBranchHandle{name: name}, nil
}

func (g *fakeGit) GetCommitInfo(_ context.Context, repo gitop.RepoHandle, commit gitop.CommitID) (gitop.CommitInfo, error) {
	c, ok := g.state(repo).commits[commit]
	if !ok {
		return gitop.CommitInfo{}, fmt.Errorf("fakeGit: unknown commit %s", commit)
	}

	return gitop.CommitInfo{Message: c.message, Committer: c.committer}, nil
}

func (g *fakeGit) ResetBranchTo(_ context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle, commit gitop.CommitID) error {
	g.state(repo).branches[branch.Name()] = commit
	return nil
}

func (g *fakeGit) RemoveBranch(_ context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle) error {
	delete(g.state(repo).branches, branch.Name())
	return nil
}

// mergeBase walks first-parent-or-either-parent history to find a shared
// ancestor. Good enough for the small synthetic DAGs these tests build.
func (g *fakeGit) mergeBase(st *fakeRepoState, a, b gitop.CommitID) gitop.CommitID {
	ancestors := map[gitop.CommitID]bool{}

	var walk func(id gitop.CommitID)
	walk = func(id gitop.CommitID) {
		if ancestors[id] {
			return
		}

		ancestors[id] = true

		for _, p := range st.commits[id].parents {
			walk(p)
		}
	}
	walk(a)

	var find func(id gitop.CommitID) gitop.CommitID
	seen := map[gitop.CommitID]bool{}

	find = func(id gitop.CommitID) gitop.CommitID {
		if seen[id] {
			return ""
		}

		seen[id] = true

		if ancestors[id] {
			return id
		}

		for _, p := range st.commits[id].parents {
			if r := find(p); r != "" {
				return r
			}
		}

		return ""
	}

	return find(b)
}

// threeWayMerge returns the merged file set and false if target and source
// changed the same file to different values since base.
func (g *fakeGit) threeWayMerge(st *fakeRepoState, base, target, source gitop.CommitID) (map[string]string, bool) {
	baseFiles := st.commits[base].files
	targetFiles := st.commits[target].files
	sourceFiles := st.commits[source].files

	out := cloneFiles(targetFiles)

	for path, sv := range sourceFiles {
		bv, inBase := baseFiles[path]
		tv, inTarget := targetFiles[path]

		sourceChanged := !inBase || bv != sv
		if !sourceChanged {
			continue
		}

		targetChanged := inTarget && (!inBase || bv != tv)
		if targetChanged && tv != sv {
			return nil, false
		}

		out[path] = sv
	}

	return out, true
}

func (g *fakeGit) CanMergeWithoutConflict(_ context.Context, repo gitop.RepoHandle, target, source gitop.BranchHandle) (bool, error) {
	st := g.state(repo)
	t := st.branches[target.Name()]
	s := st.branches[source.Name()]
	base := g.mergeBase(st, t, s)

	_, ok := g.threeWayMerge(st, base, t, s)

	return ok, nil
}

func (g *fakeGit) Merge(_ context.Context, repo gitop.RepoHandle, target, source gitop.BranchHandle, message string, committer gitop.Committer) (*gitop.CommitID, error) {
	st := g.state(repo)
	t := st.branches[target.Name()]
	s := st.branches[source.Name()]
	base := g.mergeBase(st, t, s)

	files, ok := g.threeWayMerge(st, base, t, s)
	if !ok {
		return nil, nil
	}

	id := g.nextID()
	st.commits[id] = &fakeCommit{parents: []gitop.CommitID{t, s}, files: files, message: message, committer: committer}

	return &id, nil
}

func (g *fakeGit) Rebase(_ context.Context, repo gitop.RepoHandle, target, source gitop.BranchHandle, committer gitop.Committer) (*gitop.CommitID, error) {
	st := g.state(repo)
	t := st.branches[target.Name()]
	s := st.branches[source.Name()]
	base := g.mergeBase(st, t, s)

	files, ok := g.threeWayMerge(st, base, t, s)
	if !ok {
		return nil, nil
	}

	id := g.nextID()
	st.commits[id] = &fakeCommit{parents: []gitop.CommitID{t}, files: files, message: st.commits[s].message, committer: committer}

	return &id, nil
}

func (g *fakeGit) ForcePush(_ context.Context, _ gitop.RepoHandle, _ gitop.BranchHandle) error {
	return nil
}

func (g *fakeGit) FastForwardPush(_ context.Context, repo gitop.RepoHandle, branch gitop.BranchHandle, commit gitop.CommitID) error {
	st := g.state(repo)
	st.branches[branch.Name()] = commit

	return nil
}

func (g *fakeGit) ParseCommitID(s string) (gitop.CommitID, error) {
	return gitop.CommitID(s), nil
}

var _ gitop.Operator = (*fakeGit)(nil)
