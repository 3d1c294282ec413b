// Package model holds the data shapes shared across the control plane:
// nodes, clusters, containers, image references and the declarative root
// source document. Cross-package references are by name, never by pointer,
// so cluster/node/endpoint cycles are broken at the registry lookup sites
// instead of being baked into the data.
package model

import "time"

// NodeState reflects the last health report received for a node.
type NodeState string

const (
	NodeHealthy   NodeState = "healthy"
	NodeUnhealthy NodeState = "unhealthy"
	NodeUnknown   NodeState = "unknown"
)

// NodeHealth is a snapshot of the metrics a node last reported.
type NodeHealth struct {
	UpdatedAt    time.Time `json:"updated_at"`
	SystemJiffies int64    `json:"system_jiffies"`
	MemoryBytes  int64     `json:"memory_bytes"`
	Reachable    bool      `json:"reachable"`
}

// Node is a single container-hosting machine known to the fleet.
type Node struct {
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	Cluster  string            `json:"cluster,omitempty"`
	State    NodeState         `json:"state"`
	Health   NodeHealth        `json:"health"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// ClusterFeature is a named capability switch on a cluster.
type ClusterFeature string

const (
	FeatureSwarm              ClusterFeature = "SWARM"
	FeatureForbidNodeAddition ClusterFeature = "FORBID_NODE_ADDITION"
)

// ClusterConfig is the persisted configuration of a cluster/group.
type ClusterConfig struct {
	Name             string            `json:"name"`
	Title            string            `json:"title,omitempty"`
	Description      string            `json:"description,omitempty"`
	ImageFilter      string            `json:"image_filter,omitempty"`
	Features         []ClusterFeature  `json:"features,omitempty"`
	Hosts            []string          `json:"hosts,omitempty"`
	AllowedRegistries []string         `json:"allowed_registries,omitempty"`
	DockerTimeoutSec int               `json:"docker_timeout_sec,omitempty"`
	CacheAfterWriteSec int             `json:"cache_after_write_sec,omitempty"`
	Children         []string          `json:"children,omitempty"`
}

// HasFeature reports whether the cluster declares the given feature.
func (c *ClusterConfig) HasFeature(f ClusterFeature) bool {
	for _, x := range c.Features {
		if x == f {
			return true
		}
	}
	return false
}

// IsGroup reports whether this is a logical aggregate (non-empty Children)
// rather than a concrete SWARM/single-node cluster.
func (c *ClusterConfig) IsGroup() bool {
	return len(c.Children) > 0
}

// PortMapping is a single published port.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// HostConfig is the create-spec subset the update engine needs to recreate
// a container identically on a new image.
type HostConfig struct {
	RestartPolicy string `json:"restart_policy,omitempty"`
	NetworkMode   string `json:"network_mode,omitempty"`
	CPUShares     int64  `json:"cpu_shares,omitempty"`
	MemoryBytes   int64  `json:"memory_bytes,omitempty"`
	TimeBeforeKillSec int `json:"time_before_kill_sec,omitempty"`
}

// ImageRef is the four-component structured image identity of §3: a
// reference compares equal to another iff all four fields agree.
type ImageRef struct {
	Registry   string `json:"registry,omitempty"`
	Repository string `json:"repository,omitempty"`
	Name       string `json:"name"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// Equal implements the §3 equality rule on all four components.
func (r ImageRef) Equal(o ImageRef) bool {
	return r.Registry == o.Registry && r.Repository == o.Repository &&
		r.Name == o.Name && r.Tag == o.Tag && r.Digest == o.Digest
}

// IsDigestPinned reports whether the reference names an opaque digest
// instead of a tag, which excludes it from rolling-update candidacy.
func (r ImageRef) IsDigestPinned() bool {
	return r.Tag == "" && r.Digest != ""
}

// String renders the canonical "registry/repository/name:tag" or
// "...@digest" form used for daemon calls and logging.
func (r ImageRef) String() string {
	base := r.Name
	if r.Repository != "" {
		base = r.Repository + "/" + base
	}
	if r.Registry != "" {
		base = r.Registry + "/" + base
	}
	if r.Digest != "" {
		return base + "@" + r.Digest
	}
	if r.Tag != "" {
		return base + ":" + r.Tag
	}
	return base
}

// Container is the last-known attributes of a single fleet container.
//
// (node, name) must be unique among running containers; the canonical
// cluster-wide unique name is "<node-name>/<container-name>" (resolving
// DESIGN NOTES' open question on naming collisions).
type Container struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Node        string            `json:"node"`
	Image       ImageRef          `json:"image"`
	ImageID     string            `json:"image_id,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Host        HostConfig        `json:"host_config,omitempty"`
	Status      string            `json:"status,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// QualifiedName is the canonical cluster-wide unique container name.
func (c *Container) QualifiedName() string {
	return c.Node + "/" + c.Name
}

// CreateSpec is what a caller supplies to create a container; it is also
// what the root source document embeds per container.
type CreateSpec struct {
	Name    string            `json:"name,omitempty"`
	Image   ImageRef          `json:"image"`
	Ports   []PortMapping     `json:"ports,omitempty"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Host    HostConfig        `json:"host_config,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// RootSourceContainer pairs a create-spec with its last-observed id, for
// export round-tripping.
type RootSourceContainer struct {
	CreateSpec
	ID string `json:"id,omitempty"`
}

// RootSourceNode is a node entry inside a cluster in the root source tree.
type RootSourceNode struct {
	Name       string                 `json:"name"`
	Endpoint   string                 `json:"endpoint"`
	Containers []RootSourceContainer  `json:"containers,omitempty"`
}

// RootSourceCluster is a cluster entry in the root source tree.
type RootSourceCluster struct {
	ClusterConfig
	Nodes []RootSourceNode `json:"nodes,omitempty"`
}

// RootSource is the declarative document describing the control plane's
// entire desired state, imported via SetRootSource and exported via
// GetRootSource.
type RootSource struct {
	Clusters []RootSourceCluster `json:"clusters"`
}
