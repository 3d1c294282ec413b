// Package container implements the fleet-wide container registry of
// spec.md component G: a container-id -> registration index, KV-persisted
// under "<prefix>/containers/<id>", kept consistent with daemon events.
// Grounded on ContainerStorageImpl.java generalized from the teacher's
// single-bucket BoltStore into the shared kv.Store abstraction.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/kv"
	"github.com/galadd/cluman/internal/model"
)

const kvPrefix = "/containers/"

// lockShards give get_or_create its per-container-ID serialization
// (§5: "mutations for a given container ID are serialized via a per-key
// lock; cross-key order is not constrained") without needing a full
// Mutex-per-key map that never shrinks.
type lockShards struct {
	shards [64]sync.Mutex
}

func (l *lockShards) lock(id string) func() {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	m := &l.shards[h%uint32(len(l.shards))]
	m.Lock()
	return m.Unlock
}

// Registry is the in-memory, KV-persisted fleet container index.
type Registry struct {
	mu         sync.RWMutex
	containers map[string]*model.Container
	locks      lockShards

	store *kv.Store
	bus   *eventbus.Bus
}

// New loads any persisted registrations from store.
func New(ctx context.Context, store *kv.Store, bus *eventbus.Bus) (*Registry, error) {
	r := &Registry{containers: make(map[string]*model.Container), store: store, bus: bus}
	entries, err := store.List(ctx, kvPrefix)
	if err != nil {
		return nil, fmt.Errorf("container: load from kv: %w", err)
	}
	for _, raw := range entries {
		var c model.Container
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		r.containers[c.ID] = &c
	}
	return r, nil
}

// List returns a snapshot of every known container.
func (r *Registry) List() []model.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, *c)
	}
	return out
}

// Get returns the registration for id, or a zero Container and false.
func (r *Registry) Get(id string) (model.Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[id]
	if !ok {
		return model.Container{}, false
	}
	return *c, true
}

// Find resolves a name-or-id-prefix: exact ID match first, then any
// registration whose ID has that prefix or whose name equals it.
func (r *Registry) Find(nameOrIDPrefix string) (model.Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.containers[nameOrIDPrefix]; ok {
		return *c, true
	}
	for _, c := range r.containers {
		if strings.HasPrefix(c.ID, nameOrIDPrefix) || c.Name == nameOrIDPrefix {
			return *c, true
		}
	}
	return model.Container{}, false
}

// ListByNode returns every container registered on the named node.
func (r *Registry) ListByNode(nodeName string) []model.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Container
	for _, c := range r.containers {
		if c.Node == nodeName {
			out = append(out, *c)
		}
	}
	return out
}

// GetOrCreate atomically creates a registration for base's ID iff absent,
// flushing to KV on creation and publishing a CREATE log/event. If a
// registration for the ID already exists, it is returned unchanged.
func (r *Registry) GetOrCreate(ctx context.Context, base model.Container, node string) (model.Container, error) {
	unlock := r.locks.lock(base.ID)
	defer unlock()

	r.mu.RLock()
	existing, ok := r.containers[base.ID]
	r.mu.RUnlock()
	if ok {
		return *existing, nil
	}

	base.Node = node
	r.mu.Lock()
	r.containers[base.ID] = &base
	r.mu.Unlock()

	if err := r.flush(ctx, base); err != nil {
		// memory mutation retained; next reconciliation pass re-flushes.
		return base, fmt.Errorf("container: flush %s to kv: %w", base.ID, err)
	}
	r.publish(ContainerEvent{Kind: EventCreate, Container: base})
	return base, nil
}

// Remove deletes a registration's KV subtree then removes it from the
// in-memory map; KV failures are tolerated with a logged warning by the
// caller, since the in-memory state is already consistent.
func (r *Registry) Remove(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	r.mu.RLock()
	c, ok := r.containers[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	err := r.store.DeletePrefix(ctx, kvPrefix+id)
	r.mu.Lock()
	delete(r.containers, id)
	r.mu.Unlock()
	r.publish(ContainerEvent{Kind: EventDestroy, Container: *c})
	if err != nil {
		return fmt.Errorf("container: delete %s from kv: %w", id, err)
	}
	return nil
}

// RemoveNode bulk-removes every registration on the named node, e.g. on
// node removal.
func (r *Registry) RemoveNode(ctx context.Context, nodeName string) error {
	r.mu.RLock()
	var ids []string
	for id, c := range r.containers {
		if c.Node == nodeName {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Remove(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ApplyEvent updates or removes a registration in response to a daemon
// event, implementing the eventual-consistency rule of §4.2.
func (r *Registry) ApplyEvent(ctx context.Context, kind string, c model.Container) error {
	switch kind {
	case "destroy", "die":
		if kind == "die" {
			r.updateStatus(ctx, c.ID, "exited")
			return nil
		}
		return r.Remove(ctx, c.ID)
	case "create", "start", "stop":
		_, err := r.GetOrCreate(ctx, c, c.Node)
		if err != nil {
			return err
		}
		return r.updateStatus(ctx, c.ID, kind)
	default:
		return nil
	}
}

func (r *Registry) updateStatus(ctx context.Context, id, status string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	c.Status = status
	snapshot := *c
	r.mu.Unlock()

	return r.flush(ctx, snapshot)
}

// Reconcile repairs drift against a fresh full listing from one node's
// endpoint, per §4.2's periodic full-reconciliation rule.
func (r *Registry) Reconcile(ctx context.Context, nodeName string, live []model.Container) error {
	liveIDs := make(map[string]struct{}, len(live))
	for _, c := range live {
		liveIDs[c.ID] = struct{}{}
		if _, err := r.GetOrCreate(ctx, c, nodeName); err != nil {
			return err
		}
	}
	for _, known := range r.ListByNode(nodeName) {
		if _, ok := liveIDs[known.ID]; !ok {
			if err := r.Remove(ctx, known.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) flush(ctx context.Context, c model.Container) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("container: marshal %s: %w", c.ID, err)
	}
	return r.store.Put(ctx, kvPrefix+c.ID, data)
}

// ContainerEventKind distinguishes events published on "container-events".
type ContainerEventKind string

const (
	EventCreate  ContainerEventKind = "CREATE"
	EventDestroy ContainerEventKind = "DESTROY"
)

// ContainerEvent is the payload published on the "container-events" topic.
type ContainerEvent struct {
	Kind      ContainerEventKind
	Container model.Container
}

func (r *Registry) publish(ev ContainerEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Topic: "container-events", Payload: ev})
}
