// Package source implements spec.md component H: serializing the current
// cluster/node/container graph into the declarative root-source document
// and applying an imported document back as concrete mutations against
// the node, discovery and container registries.
package source

import (
	"context"
	"fmt"

	"github.com/galadd/cluman/internal/container"
	"github.com/galadd/cluman/internal/discovery"
	"github.com/galadd/cluman/internal/model"
	"github.com/galadd/cluman/internal/node"
)

// Service exports/imports the root-source document.
type Service struct {
	nodes      *node.Registry
	clusters   *discovery.Registry
	containers *container.Registry
}

// New constructs a Service over the three registries it reconciles.
func New(nodes *node.Registry, clusters *discovery.Registry, containers *container.Registry) *Service {
	return &Service{nodes: nodes, clusters: clusters, containers: containers}
}

// GetRootSource exports the full current desired-state document.
func (s *Service) GetRootSource() model.RootSource {
	var doc model.RootSource
	for _, cfg := range s.clusters.ListClusters() {
		entry := model.RootSourceCluster{ClusterConfig: cfg}
		for _, n := range s.nodes.ListByCluster(cfg.Name) {
			nodeEntry := model.RootSourceNode{Name: n.Name, Endpoint: n.Endpoint}
			for _, c := range s.containers.ListByNode(n.Name) {
				nodeEntry.Containers = append(nodeEntry.Containers, model.RootSourceContainer{
					ID: c.ID,
					CreateSpec: model.CreateSpec{
						Name:    c.Name,
						Image:   c.Image,
						Ports:   c.Ports,
						Command: c.Command,
						Env:     c.Env,
						Host:    c.Host,
						Labels:  c.Labels,
					},
				})
			}
			entry.Nodes = append(entry.Nodes, nodeEntry)
		}
		doc.Clusters = append(doc.Clusters, entry)
	}
	return doc
}

// SetRootSource applies doc as a set of mutations: each cluster is
// created first if absent (an existing cluster's config is left
// unchanged), then its nodes attached, then each node's
// containers registered. A FORBID_NODE_ADDITION violation on any node
// aborts the import with that node's error — callers importing into an
// already-populated cluster should check its features first.
func (s *Service) SetRootSource(ctx context.Context, doc model.RootSource) error {
	for _, cluster := range doc.Clusters {
		if _, err := s.clusters.GetOrCreateCluster(ctx, cluster.ClusterConfig); err != nil {
			return fmt.Errorf("source: create cluster %s: %w", cluster.Name, err)
		}
		for _, n := range cluster.Nodes {
			if _, err := s.nodes.Register(ctx, n.Name, n.Endpoint); err != nil {
				return fmt.Errorf("source: register node %s: %w", n.Name, err)
			}
			if _, err := s.clusters.SetNodeCluster(ctx, n.Name, cluster.Name); err != nil {
				return fmt.Errorf("source: attach node %s to %s: %w", n.Name, cluster.Name, err)
			}
			for _, ce := range n.Containers {
				base := model.Container{
					ID:      ce.ID,
					Name:    ce.Name,
					Image:   ce.Image,
					Ports:   ce.Ports,
					Command: ce.Command,
					Env:     ce.Env,
					Host:    ce.Host,
					Labels:  ce.Labels,
				}
				if _, err := s.containers.GetOrCreate(ctx, base, n.Name); err != nil {
					return fmt.Errorf("source: register container %s on %s: %w", ce.Name, n.Name, err)
				}
			}
		}
	}
	return nil
}
