// Package discovery implements spec.md component F: the cluster/group
// registry and the get_service resolution that hands callers a single
// Service regardless of whether the name behind it is one SWARM daemon or
// a logical group fanning out to several child clusters.
//
// Supplemented from original_source's DiscoveryStorage/DockerServices: a
// SWARM cluster's Service is one aggregate endpoint.Client constructed
// once and cached; a group's Service is a fan-out multiplexer over its
// children's own Services. The multiplexer has no analogue in the
// teacher's single-endpoint runtime.go and is new code.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/galadd/cluman/internal/endpoint"
	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/kv"
	"github.com/galadd/cluman/internal/metrics"
	"github.com/galadd/cluman/internal/model"
	"github.com/galadd/cluman/internal/node"
)

const kvPrefix = "/clusters/"

// ClusterEventKind distinguishes events published on "cluster-events".
type ClusterEventKind string

const (
	ClusterCreated ClusterEventKind = "CLUSTER_CREATED"
	ClusterDeleted ClusterEventKind = "CLUSTER_DELETED"
)

// ClusterEvent is the payload published on the "cluster-events" topic.
type ClusterEvent struct {
	Kind    ClusterEventKind
	Cluster model.ClusterConfig
}

// Service is the subset of endpoint.Client's surface that both a single
// daemon and a fan-out group can satisfy. *endpoint.Client implements it
// structurally; no adapter is needed for the leaf case.
type Service interface {
	ID() string
	Online() bool
	ListContainers(ctx context.Context, all bool) ([]model.Container, *endpoint.CallError)
	InspectContainer(ctx context.Context, id string) (*model.Container, *endpoint.CallError)
	CreateContainer(ctx context.Context, spec model.CreateSpec) (string, *endpoint.CallError)
	StartContainer(ctx context.Context, id string) *endpoint.CallError
	StopContainer(ctx context.Context, id string, timeoutBeforeKillSec int) *endpoint.CallError
	RenameContainer(ctx context.Context, id, newName string) *endpoint.CallError
	DeleteContainer(ctx context.Context, id string, force bool) *endpoint.CallError
	PullImage(ctx context.Context, ref model.ImageRef, sink func(line string)) *endpoint.CallError
	TagImage(ctx context.Context, src model.ImageRef, targetTag string) *endpoint.CallError
	RemoveImage(ctx context.Context, ref model.ImageRef) *endpoint.CallError
}

var _ Service = (*endpoint.Client)(nil)

// Registry owns cluster/group configuration and resolves it to Services.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*model.ClusterConfig
	services map[string]Service

	nodes *node.Registry
	store *kv.Store
	bus   *eventbus.Bus
	log   zerolog.Logger

	metrics *metrics.Metrics
}

// SetMetrics wires a metrics bundle into every endpoint.Client this
// registry constructs from here on; clusters already resolved keep
// running without metrics until their cached Service is invalidated.
func (r *Registry) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// New loads persisted cluster configs and returns a ready Registry.
func New(ctx context.Context, store *kv.Store, bus *eventbus.Bus, nodes *node.Registry, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		clusters: make(map[string]*model.ClusterConfig),
		services: make(map[string]Service),
		nodes:    nodes,
		store:    store,
		bus:      bus,
		log:      log,
	}
	entries, err := store.List(ctx, kvPrefix)
	if err != nil {
		return nil, fmt.Errorf("discovery: load from kv: %w", err)
	}
	for _, raw := range entries {
		var cfg model.ClusterConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			continue
		}
		r.clusters[cfg.Name] = &cfg
	}
	return r, nil
}

// GetCluster returns a copy of the named cluster's config, or a zero
// ClusterConfig and false.
func (r *Registry) GetCluster(name string) (model.ClusterConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[name]
	if !ok {
		return model.ClusterConfig{}, false
	}
	return *c, true
}

// ListClusters returns a snapshot of every known cluster/group.
func (r *Registry) ListClusters() []model.ClusterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ClusterConfig, 0, len(r.clusters))
	for _, c := range r.clusters {
		out = append(out, *c)
	}
	return out
}

// GetOrCreateCluster returns the named cluster if present, otherwise
// creates it from cfg and persists it, publishing CLUSTER_CREATED.
func (r *Registry) GetOrCreateCluster(ctx context.Context, cfg model.ClusterConfig) (model.ClusterConfig, error) {
	r.mu.Lock()
	if existing, ok := r.clusters[cfg.Name]; ok {
		r.mu.Unlock()
		return *existing, nil
	}
	stored := cfg
	r.clusters[cfg.Name] = &stored
	r.mu.Unlock()

	if err := r.flush(ctx, stored); err != nil {
		return stored, fmt.Errorf("discovery: flush %s to kv: %w", cfg.Name, err)
	}
	r.publish(ClusterEvent{Kind: ClusterCreated, Cluster: stored})
	return stored, nil
}

// DeleteCluster removes a cluster/group's config and invalidates its
// cached Service. Children are left untouched; callers detach them first
// if the hierarchy requires it.
func (r *Registry) DeleteCluster(ctx context.Context, name string) error {
	r.mu.Lock()
	c, ok := r.clusters[name]
	if ok {
		delete(r.clusters, name)
		delete(r.services, name)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := r.store.Delete(ctx, kvPrefix+name)
	r.publish(ClusterEvent{Kind: ClusterDeleted, Cluster: *c})
	if err != nil {
		return fmt.Errorf("discovery: delete %s from kv: %w", name, err)
	}
	return nil
}

// SetNodeCluster assigns node to cluster, first validating the
// FORBID_NODE_ADDITION feature invariant (§8): a cluster declaring it
// rejects any node assignment once it already has one. Clearing a node's
// cluster (cluster=="") is always allowed.
func (r *Registry) SetNodeCluster(ctx context.Context, nodeName, clusterName string) (model.Node, error) {
	if clusterName != "" {
		cfg, ok := r.GetCluster(clusterName)
		if !ok {
			return model.Node{}, fmt.Errorf("discovery: cluster %s not found", clusterName)
		}
		if cfg.HasFeature(model.FeatureForbidNodeAddition) && len(r.nodes.ListByCluster(clusterName)) > 0 {
			return model.Node{}, fmt.Errorf("discovery: cluster %s forbids node addition", clusterName)
		}
	}
	return r.nodes.SetCluster(ctx, nodeName, clusterName)
}

// GetService resolves name to a Service, constructing and caching it on
// first use. A SWARM/leaf cluster resolves to a single endpoint.Client; a
// group (non-empty Children) resolves to a multiplexer over its
// children's own Services, recursively.
func (r *Registry) GetService(ctx context.Context, name string) (Service, error) {
	r.mu.RLock()
	if svc, ok := r.services[name]; ok {
		r.mu.RUnlock()
		return svc, nil
	}
	cfg, ok := r.clusters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("discovery: cluster %s not found", name)
	}

	var svc Service
	var err error
	if cfg.IsGroup() {
		svc, err = r.buildGroupService(ctx, *cfg)
	} else {
		svc, err = r.buildLeafService(*cfg)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.services[name] = svc
	r.mu.Unlock()
	return svc, nil
}

func (r *Registry) buildLeafService(cfg model.ClusterConfig) (Service, error) {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		for _, n := range r.nodes.ListByCluster(cfg.Name) {
			hosts = append(hosts, n.Endpoint)
		}
	}
	var opts []endpoint.Option
	if r.metrics != nil {
		opts = append(opts, endpoint.WithMetrics(r.metrics))
	}
	return endpoint.New(endpoint.Config{
		ClusterName:        cfg.Name,
		Hosts:              hosts,
		DockerTimeoutSec:   cfg.DockerTimeoutSec,
		CacheAfterWriteSec: cfg.CacheAfterWriteSec,
	}, r.bus, r.log, opts...)
}

func (r *Registry) buildGroupService(ctx context.Context, cfg model.ClusterConfig) (Service, error) {
	children := make([]Service, 0, len(cfg.Children))
	for _, childName := range cfg.Children {
		child, err := r.GetService(ctx, childName)
		if err != nil {
			return nil, fmt.Errorf("discovery: resolve child %s of group %s: %w", childName, cfg.Name, err)
		}
		children = append(children, child)
	}
	return &multiplexer{id: cfg.Name, children: children}, nil
}

func (r *Registry) flush(ctx context.Context, cfg model.ClusterConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("discovery: marshal %s: %w", cfg.Name, err)
	}
	return r.store.Put(ctx, kvPrefix+cfg.Name, data)
}

func (r *Registry) publish(ev ClusterEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Topic: "cluster-events", Payload: ev})
}
