package coordinator

import (
	"fmt"

	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/vcshost"
)

// HostResolver selects the VCS Host Client for a repo's kind. Repos on
// different hosts can be served by the same Coordinator instance.
type HostResolver interface {
	Client(kind model.RepoKind) (vcshost.Client, error)
}

// HostSet is the straightforward HostResolver: one client per kind, wired up
// once at startup from config.
type HostSet map[model.RepoKind]vcshost.Client

// Client looks up the client registered for kind.
func (h HostSet) Client(kind model.RepoKind) (vcshost.Client, error) {
	c, ok := h[kind]
	if !ok {
		return nil, fmt.Errorf("coordinator: no vcs host client configured for %q", kind)
	}

	return c, nil
}
