package imagetag

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/cluman/internal/discovery"
	"github.com/galadd/cluman/internal/endpoint"
	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/job"
	"github.com/galadd/cluman/internal/model"
	"github.com/galadd/cluman/internal/registryclient"
	_ "github.com/galadd/cluman/internal/update" // self-registers the rolling-update job types
	"github.com/galadd/cluman/internal/version"
)

type stubService struct {
	containers []model.Container
}

func (s *stubService) ID() string   { return "testcluster" }
func (s *stubService) Online() bool { return true }
func (s *stubService) ListContainers(ctx context.Context, all bool) ([]model.Container, *endpoint.CallError) {
	return s.containers, nil
}
func (s *stubService) InspectContainer(ctx context.Context, id string) (*model.Container, *endpoint.CallError) {
	return nil, nil
}
func (s *stubService) CreateContainer(ctx context.Context, spec model.CreateSpec) (string, *endpoint.CallError) {
	return "", nil
}
func (s *stubService) StartContainer(ctx context.Context, id string) *endpoint.CallError { return nil }
func (s *stubService) StopContainer(ctx context.Context, id string, t int) *endpoint.CallError {
	return nil
}
func (s *stubService) RenameContainer(ctx context.Context, id, newName string) *endpoint.CallError {
	return nil
}
func (s *stubService) DeleteContainer(ctx context.Context, id string, force bool) *endpoint.CallError {
	return nil
}
func (s *stubService) PullImage(ctx context.Context, ref model.ImageRef, sink func(string)) *endpoint.CallError {
	return nil
}
func (s *stubService) TagImage(ctx context.Context, src model.ImageRef, tag string) *endpoint.CallError {
	return nil
}
func (s *stubService) RemoveImage(ctx context.Context, ref model.ImageRef) *endpoint.CallError {
	return nil
}

var _ discovery.Service = (*stubService)(nil)

func TestReconcileOne_SelectsLatestViaAliasAndCachesDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(`{"name":"library/app","tags":["1.0","1.1","2.0_rc","latest"]}`))
		case r.Method == http.MethodHead:
			w.Header().Set("Docker-Content-Digest", "sha256:abc123")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	cmp := version.NewBuilder().AddLatest("latest").AddSuffix("rc").AddSuffix("GA").Build()
	svc := &stubService{containers: []model.Container{
		{ID: "c1", Name: "app-container", Image: model.ImageRef{Name: "app", Tag: "1.0"}},
	}}
	bus := eventbus.New()
	defer bus.Close()
	var n int
	engine := job.New(bus, zerolog.Nop(),
		func(ctx context.Context, name string) (any, error) { return svc, nil },
		func() string { n++; return fmt.Sprintf("tagjob-%d", n) },
	)

	r := New(
		[]Pattern{{ClusterName: "testcluster", Repository: "library/app", RegistryHost: srv.URL, Strategy: "stopThenStartAll"}},
		cmp,
		engine,
		func(ctx context.Context, name string) (discovery.Service, error) { return svc, nil },
		func(host string) *registryclient.Client { return registryclient.New(host, 0) },
		time.Hour,
		zerolog.Nop(),
	)

	require.NoError(t, r.reconcileOne(context.Background(), r.patterns[0]))

	digest, tag, ok := r.Cached(srv.URL, "library/app")
	require.True(t, ok)
	assert.Equal(t, "latest", tag)
	assert.Equal(t, "sha256:abc123", digest)
}

func TestReconcileOne_NoOutdatedContainerSkipsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(`{"name":"library/app","tags":["1.0"]}`))
		case r.Method == http.MethodHead:
			w.Header().Set("Docker-Content-Digest", "sha256:abc123")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	svc := &stubService{containers: []model.Container{
		{ID: "c1", Name: "app-container", Image: model.ImageRef{Name: "app", Tag: "1.0"}},
	}}
	bus := eventbus.New()
	defer bus.Close()
	engine := job.New(bus, zerolog.Nop(), nil, func() string { return "unused" })

	r := New(
		[]Pattern{{ClusterName: "testcluster", Repository: "library/app", RegistryHost: srv.URL, Strategy: "stopThenStartAll"}},
		nil,
		engine,
		func(ctx context.Context, name string) (discovery.Service, error) { return svc, nil },
		nil,
		time.Hour,
		zerolog.Nop(),
	)

	require.NoError(t, r.reconcileOne(context.Background(), r.patterns[0]))
	assert.Empty(t, engine.List())
}

func TestRunOnce_SkipsPatternOnRegistryFailureWithoutAborting(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	engine := job.New(bus, zerolog.Nop(), nil, func() string { return "unused" })

	r := New(
		[]Pattern{{ClusterName: "testcluster", Repository: "library/missing", RegistryHost: "http://127.0.0.1:0", Strategy: "stopThenStartAll"}},
		nil,
		engine,
		func(ctx context.Context, name string) (discovery.Service, error) { return nil, fmt.Errorf("unreachable") },
		nil,
		time.Hour,
		zerolog.Nop(),
	)

	// must not panic and must return without blocking despite the failure.
	r.RunOnce(context.Background())
}
