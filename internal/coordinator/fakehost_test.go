package coordinator_test

import (
	"context"

	"github.com/greenline/mergequeue/internal/vcshost"
)

// fakeHost is an in-memory vcshost.Client keyed by PR number / ci-number,
// mirroring the gitea package's MockClient pattern.
type fakeHost struct {
	prStatus map[int64]vcshost.CIStatus
	ciStatus map[int64]vcshost.CIStatus
	comments []string
	aborted  []int64
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		prStatus: map[int64]vcshost.CIStatus{},
		ciStatus: map[int64]vcshost.CIStatus{},
	}
}

func (h *fakeHost) FormatPRNumber(number int64) string { return "#" + itoa(number) }

func (h *fakeHost) PRCIStatus(_ context.Context, _ vcshost.RepoRef, prNumber int64) (vcshost.CIStatus, error) {
	return h.prStatus[prNumber], nil
}

func (h *fakeHost) CIStatus(_ context.Context, _ vcshost.RepoRef, ciNumber int64) (vcshost.CIStatus, error) {
	return h.ciStatus[ciNumber], nil
}

func (h *fakeHost) AbortCI(_ context.Context, _ vcshost.RepoRef, ciNumber int64) error {
	h.aborted = append(h.aborted, ciNumber)
	return nil
}

func (h *fakeHost) SendComment(_ context.Context, _ vcshost.RepoRef, _ int64, body string) error {
	h.comments = append(h.comments, body)
	return nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}

	neg := n < 0
	if neg {
		n = -n
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	if neg {
		i--
		buf[i] = '-'
	}

	return string(buf[i:])
}

var _ vcshost.Client = (*fakeHost)(nil)
