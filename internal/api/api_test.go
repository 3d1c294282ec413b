package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadd/cluman/internal/container"
	"github.com/galadd/cluman/internal/discovery"
	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/job"
	"github.com/galadd/cluman/internal/kv"
	"github.com/galadd/cluman/internal/model"
	"github.com/galadd/cluman/internal/node"
	"github.com/galadd/cluman/internal/source"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	nodes, err := node.New(context.Background(), store, bus)
	require.NoError(t, err)
	clusters, err := discovery.New(context.Background(), store, bus, nodes, zerolog.Nop())
	require.NoError(t, err)
	containers, err := container.New(context.Background(), store, bus)
	require.NoError(t, err)
	src := source.New(nodes, clusters, containers)

	var n int
	jobs := job.New(bus, zerolog.Nop(), nil, func() string { n++; return "job-test" })

	return New(clusters, nodes, src, jobs, zerolog.Nop())
}

func TestPutThenListClusters_RoundTrips(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/clusters/prod", strings.NewReader(`{}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/clusters")
	require.NoError(t, err)
	defer resp.Body.Close()
	var clusters []model.ClusterConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clusters))
	require.Len(t, clusters, 1)
	assert.Equal(t, "prod", clusters[0].Name)
}

func TestDeleteCluster_RemovesIt(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	putReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/clusters/staging", strings.NewReader(`{}`))
	resp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	resp.Body.Close()

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/clusters/staging", nil)
	resp, err = http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/clusters")
	require.NoError(t, err)
	defer resp.Body.Close()
	var clusters []model.ClusterConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clusters))
	assert.Empty(t, clusters)
}

func TestAttachNode_ForbidNodeAdditionReturnsConflict(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.clusters.GetOrCreateCluster(ctx, model.ClusterConfig{
		Name:     "locked",
		Features: []model.ClusterFeature{model.FeatureForbidNodeAddition},
	})
	require.NoError(t, err)
	_, err = srv.nodes.Register(ctx, "n1", "tcp://10.0.0.1:2375")
	require.NoError(t, err)
	_, err = srv.clusters.SetNodeCluster(ctx, "n1", "locked")
	require.NoError(t, err)
	_, err = srv.nodes.Register(ctx, "n2", "tcp://10.0.0.2:2375")
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/clusters/locked/nodes/n2", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetJob_UnknownIDReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJob_UnknownTypeReturnsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(`{"type":"job.doesNotExist","params":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSource_RoundTripsViaPost(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	putReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/clusters/prod", strings.NewReader(`{}`))
	resp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/clusters/prod/source")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var cluster model.RootSourceCluster
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cluster))
	assert.Equal(t, "prod", cluster.Name)
}

func TestGetSource_UnknownClusterReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/clusters/missing/source")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
