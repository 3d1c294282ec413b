// Package node implements the fleet-wide node registry of spec.md
// component E: the set of known nodes with their endpoint URIs, health and
// cluster assignment, persisted under "<prefix>/nodes/<name>".
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/kv"
	"github.com/galadd/cluman/internal/model"
)

const kvPrefix = "/nodes/"

// Registry owns the in-memory node map, write-through to the KV store and
// publishes attach/detach/health events on the "node-events" topic.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node

	store *kv.Store
	bus   *eventbus.Bus
}

// New loads any persisted nodes from store and returns a ready Registry.
func New(ctx context.Context, store *kv.Store, bus *eventbus.Bus) (*Registry, error) {
	r := &Registry{nodes: make(map[string]*model.Node), store: store, bus: bus}
	entries, err := store.List(ctx, kvPrefix)
	if err != nil {
		return nil, fmt.Errorf("node: load from kv: %w", err)
	}
	for _, raw := range entries {
		var n model.Node
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		r.nodes[n.Name] = &n
	}
	return r, nil
}

// NodeEventKind distinguishes the events this registry publishes.
type NodeEventKind string

const (
	NodeAttached NodeEventKind = "attach"
	NodeDetached NodeEventKind = "detach"
	NodeHealth   NodeEventKind = "health"
)

// NodeEvent is the payload published on the "node-events" topic.
type NodeEvent struct {
	Kind NodeEventKind
	Node model.Node
}

// Get returns a copy of the named node, or a zero Node and false.
func (r *Registry) Get(name string) (model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return model.Node{}, false
	}
	return *n, true
}

// List returns a snapshot of every known node.
func (r *Registry) List() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// ListByCluster returns every node currently assigned to cluster.
func (r *Registry) ListByCluster(cluster string) []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Node
	for _, n := range r.nodes {
		if n.Cluster == cluster {
			out = append(out, *n)
		}
	}
	return out
}

// Register creates or updates a node record and flushes it to the KV
// store, memory-first then KV per §5's write-through rule: on KV failure
// the in-memory mutation is retained, not rolled back, and the error is
// returned.
func (r *Registry) Register(ctx context.Context, name, endpoint string) (model.Node, error) {
	r.mu.Lock()
	n, existed := r.nodes[name]
	if !existed {
		n = &model.Node{Name: name}
		r.nodes[name] = n
	}
	n.Endpoint = endpoint
	n.State = model.NodeUnknown
	snapshot := *n
	r.mu.Unlock()

	if err := r.flush(ctx, snapshot); err != nil {
		return snapshot, err
	}
	r.publish(NodeEvent{Kind: NodeAttached, Node: snapshot})
	return snapshot, nil
}

// ReportHealth updates a node's health snapshot and publishes a health
// event.
func (r *Registry) ReportHealth(ctx context.Context, name string, health model.NodeHealth) error {
	r.mu.Lock()
	n, ok := r.nodes[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("node: %s not found", name)
	}
	health.UpdatedAt = time.Now()
	n.Health = health
	if health.Reachable {
		n.State = model.NodeHealthy
	} else {
		n.State = model.NodeUnhealthy
	}
	snapshot := *n
	r.mu.Unlock()

	if err := r.flush(ctx, snapshot); err != nil {
		return err
	}
	r.publish(NodeEvent{Kind: NodeHealth, Node: snapshot})
	return nil
}

// SetCluster assigns or clears (cluster=="") a node's cluster membership.
// Validation of cluster features (FORBID_NODE_ADDITION) happens in the
// discovery package, which calls this after approving the change — a node
// belongs to at most one cluster (§8 invariant).
func (r *Registry) SetCluster(ctx context.Context, name, cluster string) (model.Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[name]
	if !ok {
		r.mu.Unlock()
		return model.Node{}, fmt.Errorf("node: %s not found", name)
	}
	n.Cluster = cluster
	snapshot := *n
	r.mu.Unlock()

	if err := r.flush(ctx, snapshot); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

// Remove deletes a node's record and fires a detach event.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	n, ok := r.nodes[name]
	if ok {
		delete(r.nodes, name)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := r.store.Delete(ctx, kvPrefix+name); err != nil {
		return fmt.Errorf("node: delete %s from kv: %w", name, err)
	}
	r.publish(NodeEvent{Kind: NodeDetached, Node: *n})
	return nil
}

func (r *Registry) flush(ctx context.Context, n model.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("node: marshal %s: %w", n.Name, err)
	}
	if err := r.store.Put(ctx, kvPrefix+n.Name, data); err != nil {
		// memory already updated; next reconciliation pass re-flushes.
		return fmt.Errorf("node: flush %s to kv: %w", n.Name, err)
	}
	return nil
}

func (r *Registry) publish(ev NodeEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Topic: "node-events", Payload: ev})
}
