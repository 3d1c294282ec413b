// Package endpoint implements the Docker-daemon endpoint client of
// spec.md §4.1: a single HTTP client addressed at exactly one node or one
// cluster-level aggregate, with offline tracking, adaptive timeouts, a
// short-TTL info cache and streaming decoders. It is grounded on the
// teacher's runtime.go (moby/moby/client wiring) generalized with the
// availability/timeout machinery of DockerServiceImpl.java.
package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
	"github.com/rs/zerolog"

	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/metrics"
	"github.com/galadd/cluman/internal/model"
)

// EventKind distinguishes the three event kinds an endpoint publishes on
// its "docker-service.<id>" topic.
type EventKind string

const (
	EventOnline      EventKind = "ONLINE"
	EventOffline     EventKind = "OFFLINE"
	EventInfoChanged EventKind = "INFO_CHANGED"
)

// StatusEvent is the payload published for ONLINE/OFFLINE/INFO_CHANGED.
type StatusEvent struct {
	EndpointID string
	Kind       EventKind
	Cause      *OfflineCause
	Info       *DaemonInfo
}

// DaemonInfo is the result of GetInfo, merged with node-registry health
// (agent-side metrics win on non-null fields).
type DaemonInfo struct {
	Name          string
	ServerVersion string
	Nodes         []NodeInfo
}

// NodeInfo is a single node as reported by an aggregate (SWARM) endpoint.
type NodeInfo struct {
	Name        string
	Address     string
	CPUJiffies  int64
	MemoryBytes int64
	Reachable   bool
}

// Config configures a single Client.
type Config struct {
	// Exactly one of ClusterName/NodeName must be set.
	ClusterName string
	NodeName    string

	Hosts              []string // first is used; rest are logged as ignored
	DockerTimeoutSec   int
	CacheAfterWriteSec int
}

// Client talks to exactly one container-daemon HTTP endpoint.
type Client struct {
	id          string
	isAggregate bool
	maxTimeout  time.Duration

	cli *client.Client
	log zerolog.Logger
	bus *eventbus.Bus

	offline *offlineTracker
	info    *infoCache

	metrics *metrics.Metrics
}

// Option configures optional Client behavior beyond Config's required
// addressing/transport fields.
type Option func(*Client)

// WithMetrics wires a metrics bundle into the client's online gauge and
// offline-transition counter. Optional; without it no metrics are recorded.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New constructs a Client per §4.1's addressing rule: exactly one of
// cluster-name/node-name is set at construction.
func New(cfg Config, bus *eventbus.Bus, log zerolog.Logger, opts ...Option) (*Client, error) {
	hasCluster := cfg.ClusterName != ""
	hasNode := cfg.NodeName != ""
	if hasCluster == hasNode {
		return nil, fmt.Errorf("endpoint: exactly one of cluster-name/node-name must be set (invariant violation)")
	}
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("endpoint: no hosts configured")
	}
	if len(cfg.Hosts) > 1 {
		log.Warn().Strs("ignored_hosts", cfg.Hosts[1:]).Msg("endpoint: multiple hosts configured, using the first")
	}

	id := cfg.NodeName
	isAggregate := false
	if hasCluster {
		id = cfg.ClusterName
		isAggregate = true
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Hosts[0]),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("endpoint: create docker client for %s: %w", id, err)
	}

	c := &Client{
		id:          id,
		isAggregate: isAggregate,
		maxTimeout:  computeMaxTimeout(cfg.DockerTimeoutSec),
		cli:         cli,
		log:         log.With().Str("endpoint", id).Logger(),
		bus:         bus,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.offline = newOfflineTracker(c.maxTimeout,
		func() {
			c.log.Info().Msg("endpoint back online")
			c.publish(StatusEvent{EndpointID: id, Kind: EventOnline})
			if c.metrics != nil {
				c.metrics.EndpointOnline.WithLabelValues(id).Set(1)
			}
		},
		func(cause *OfflineCause) {
			c.log.Warn().Err(cause.LastError).Dur("cooldown", cause.Cooldown).Msg("endpoint offline")
			c.publish(StatusEvent{EndpointID: id, Kind: EventOffline, Cause: cause})
			if c.metrics != nil {
				c.metrics.EndpointOnline.WithLabelValues(id).Set(0)
				c.metrics.OfflineTransitions.WithLabelValues(id).Inc()
			}
		},
	)

	ttl := cfg.CacheAfterWriteSec
	if ttl <= 0 {
		ttl = 5
	}
	c.info = newInfoCache(time.Duration(ttl)*time.Second, c.fetchInfo, func(old, new *DaemonInfo) {
		c.publish(StatusEvent{EndpointID: id, Kind: EventInfoChanged, Info: new})
	})

	return c, nil
}

// ID is the cluster or node name this client addresses.
func (c *Client) ID() string { return c.id }

// Online reports whether the endpoint is outside any offline cooldown: the
// slot is empty, or its cause's cooldown deadline has passed.
func (c *Client) Online() bool {
	return c.offline.checkBeforeCall(time.Now()) == nil
}

func (c *Client) publish(ev StatusEvent) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Topic: "docker-service." + c.id, Payload: ev})
}

// guard implements the offline-fast-fail + success/failure recording
// wrapper shared by every non-streaming operation.
func (c *Client) guard(ctx context.Context, entity string, fast bool, op func(ctx context.Context) error) *CallError {
	now := time.Now()
	if cause := c.offline.checkBeforeCall(now); cause != nil {
		return newError(CodeOffline, entity, "endpoint is within its offline cooldown")
	}

	timeout := c.timeoutClass(fast)
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(opCtx)
	if err == nil {
		c.offline.recordSuccess()
		return nil
	}

	if isConnectivityError(err) || opCtx.Err() == context.DeadlineExceeded {
		c.offline.recordFailure(err)
		if opCtx.Err() == context.DeadlineExceeded {
			return newError(CodeTimeout, entity, err.Error())
		}
		return newError(CodeError, entity, err.Error())
	}

	// Protocol error: decoded 4xx/5xx from the daemon. Does not toggle
	// offline state. The moby client classifies daemon errors via
	// containerd/errdefs; errhttp.ToHTTP recovers the HTTP status that
	// classification corresponds to, so one codeFromHTTPStatus call
	// handles NOT_FOUND/CONFLICT/NOT_MODIFIED uniformly instead of a
	// separate IsErrXxx branch per code.
	return newError(codeFromHTTPStatus(errhttp.ToHTTP(err)), entity, err.Error())
}

// --- container operations -------------------------------------------------

func (c *Client) ListContainers(ctx context.Context, all bool) ([]model.Container, *CallError) {
	var out []container.Summary
	cerr := c.guard(ctx, "list_containers", true, func(ctx context.Context) error {
		res, err := c.cli.ContainerList(ctx, client.ContainerListOptions{All: all})
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if cerr != nil {
		return nil, cerr
	}
	containers := make([]model.Container, 0, len(out))
	for _, cs := range out {
		containers = append(containers, toModelContainer(cs))
	}
	return containers, nil
}

// InspectContainer degrades to (nil, nil) on decode failures per §4.1/§7:
// the daemon sometimes returns malformed 200s during delete races, and
// callers treat that as "gone" rather than as an error.
func (c *Client) InspectContainer(ctx context.Context, id string) (*model.Container, *CallError) {
	var info container.InspectResponse
	var decodeFailed bool
	cerr := c.guard(ctx, id, true, func(ctx context.Context) error {
		res, err := c.cli.ContainerInspect(ctx, id)
		if err != nil {
			if isDecodeError(err) {
				decodeFailed = true
				return nil
			}
			return err
		}
		info = res
		return nil
	})
	if cerr != nil {
		return nil, cerr
	}
	if decodeFailed {
		return nil, nil
	}
	m := inspectToModel(info)
	return &m, nil
}

func (c *Client) CreateContainer(ctx context.Context, spec model.CreateSpec) (string, *CallError) {
	var id string
	cerr := c.guard(ctx, spec.Name, false, func(ctx context.Context) error {
		cfg, hostCfg, err := toContainerConfig(spec)
		if err != nil {
			return err
		}
		resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	return id, cerr
}

func (c *Client) StartContainer(ctx context.Context, id string) *CallError {
	return c.guard(ctx, id, false, func(ctx context.Context) error {
		return c.cli.ContainerStart(ctx, id, client.ContainerStartOptions{})
	})
}

func (c *Client) StopContainer(ctx context.Context, id string, timeoutBeforeKillSec int) *CallError {
	return c.guard(ctx, id, false, func(ctx context.Context) error {
		t := timeoutBeforeKillSec
		return c.cli.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &t})
	})
}

func (c *Client) KillContainer(ctx context.Context, id, signal string) *CallError {
	return c.guard(ctx, id, false, func(ctx context.Context) error {
		return c.cli.ContainerKill(ctx, id, signal)
	})
}

func (c *Client) RestartContainer(ctx context.Context, id string, timeoutSec int) *CallError {
	return c.guard(ctx, id, false, func(ctx context.Context) error {
		t := timeoutSec
		return c.cli.ContainerRestart(ctx, id, client.ContainerStopOptions{Timeout: &t})
	})
}

func (c *Client) RenameContainer(ctx context.Context, id, newName string) *CallError {
	return c.guard(ctx, id, false, func(ctx context.Context) error {
		return c.cli.ContainerRename(ctx, id, newName)
	})
}

func (c *Client) UpdateContainer(ctx context.Context, id string, host model.HostConfig) *CallError {
	return c.guard(ctx, id, false, func(ctx context.Context) error {
		_, err := c.cli.ContainerUpdate(ctx, id, container.UpdateConfig{
			Resources: container.Resources{
				CPUShares: host.CPUShares,
				Memory:    host.MemoryBytes,
			},
		})
		return err
	})
}

func (c *Client) DeleteContainer(ctx context.Context, id string, force bool) *CallError {
	return c.guard(ctx, id, false, func(ctx context.Context) error {
		return c.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: force})
	})
}

// --- image operations ------------------------------------------------------

func (c *Client) ListImages(ctx context.Context, filter string) ([]image.Summary, *CallError) {
	var out []image.Summary
	cerr := c.guard(ctx, filter, true, func(ctx context.Context) error {
		res, err := c.cli.ImageList(ctx, client.ImageListOptions{})
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, cerr
}

// PullImage streams progress lines to sink; it is a slow, potentially
// blob-pulling mutation and uses the slow timeout class (the endpoint's
// max timeout, at least 100s).
func (c *Client) PullImage(ctx context.Context, ref model.ImageRef, sink func(line string)) *CallError {
	return c.guard(ctx, ref.String(), false, func(ctx context.Context) error {
		rc, err := c.cli.ImagePull(ctx, ref.String(), client.ImagePullOptions{})
		if err != nil {
			return err
		}
		defer rc.Close()
		return decodeLines(rc, sink)
	})
}

func (c *Client) GetImageInfo(ctx context.Context, ref model.ImageRef) (*image.InspectResponse, *CallError) {
	var out image.InspectResponse
	cerr := c.guard(ctx, ref.String(), true, func(ctx context.Context) error {
		res, err := c.cli.ImageInspect(ctx, ref.String())
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return &out, cerr
}

func (c *Client) TagImage(ctx context.Context, src model.ImageRef, targetTag string) *CallError {
	return c.guard(ctx, src.String(), false, func(ctx context.Context) error {
		target := src
		target.Tag = targetTag
		return c.cli.ImageTag(ctx, src.String(), target.String())
	})
}

func (c *Client) RemoveImage(ctx context.Context, ref model.ImageRef) *CallError {
	return c.guard(ctx, ref.String(), false, func(ctx context.Context) error {
		_, err := c.cli.ImageRemove(ctx, ref.String(), client.ImageRemoveOptions{})
		return err
	})
}

// --- network operations -----------------------------------------------------

func (c *Client) ListNetworks(ctx context.Context) ([]network.Summary, *CallError) {
	var out []network.Summary
	cerr := c.guard(ctx, "", true, func(ctx context.Context) error {
		res, err := c.cli.NetworkList(ctx, client.NetworkListOptions{})
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, cerr
}

func (c *Client) CreateNetwork(ctx context.Context, name string) *CallError {
	return c.guard(ctx, name, false, func(ctx context.Context) error {
		_, err := c.cli.NetworkCreate(ctx, name, client.NetworkCreateOptions{})
		return err
	})
}

// --- info -------------------------------------------------------------------

// GetInfo returns the short-TTL-cached daemon info, merged with node health
// from nodeHealth: for a reachable node, each non-zero registry value
// replaces the daemon's own (agent-side wins).
func (c *Client) GetInfo(nodeHealth map[string]model.NodeHealth) (*DaemonInfo, error) {
	info, err := c.info.Get()
	if err != nil || info == nil {
		return info, err
	}
	merged := *info
	merged.Nodes = make([]NodeInfo, len(info.Nodes))
	copy(merged.Nodes, info.Nodes)
	for i, n := range merged.Nodes {
		if h, ok := nodeHealth[n.Name]; ok && h.Reachable {
			if h.SystemJiffies != 0 {
				merged.Nodes[i].CPUJiffies = h.SystemJiffies
			}
			if h.MemoryBytes != 0 {
				merged.Nodes[i].MemoryBytes = h.MemoryBytes
			}
			merged.Nodes[i].Reachable = true
		}
	}
	return &merged, nil
}

func (c *Client) fetchInfo() (*DaemonInfo, error) {
	var out *DaemonInfo
	cerr := c.guard(context.Background(), c.id, true, func(ctx context.Context) error {
		res, err := c.cli.Info(ctx)
		if err != nil {
			return err
		}
		out = &DaemonInfo{Name: res.Name, ServerVersion: res.ServerVersion}
		return nil
	})
	if cerr != nil {
		return nil, cerr
	}
	return out, nil
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

// EventsType re-exports the daemon event envelope for stream.go without
// pulling moby types into callers that only need JSON decoding.
type EventsType = events.Message
