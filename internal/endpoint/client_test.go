package endpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/cluman/internal/eventbus"
)

func newGuardTestClient(t *testing.T) *Client {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	c, err := New(Config{NodeName: "n1", Hosts: []string{"tcp://127.0.0.1:1"}}, bus, zerolog.Nop())
	require.NoError(t, err)
	return c
}

// TestGuard_ClassifiesProtocolErrorsByHTTPStatus exercises §4.1's result
// code taxonomy end to end: a daemon error classified by containerd/errdefs
// must come back out of guard() as the matching ResultCode, not collapse
// to CodeError the way a bare client.IsErrNotFound check would.
func TestGuard_ClassifiesProtocolErrorsByHTTPStatus(t *testing.T) {
	c := newGuardTestClient(t)

	cases := []struct {
		name string
		err  error
		want ResultCode
	}{
		{"not-found", errdefs.ErrNotFound.WithMessage("no such container"), CodeNotFound},
		{"conflict", errdefs.ErrConflict.WithMessage("name already in use"), CodeConflict},
		{"not-modified", errdefs.ErrNotModified.WithMessage("container already started"), CodeNotModified},
		{"generic", errors.New("boom"), CodeError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.guard(context.Background(), "c1", true, func(ctx context.Context) error {
				return tc.err
			})
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Code)
		})
	}
}
