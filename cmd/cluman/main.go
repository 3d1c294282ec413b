// Command cluman is the control-plane process: it boots the node,
// discovery, container and job subsystems, starts the REST API and the
// background pollers/reconcilers, and serves until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/galadd/cluman/internal/api"
	"github.com/galadd/cluman/internal/config"
	"github.com/galadd/cluman/internal/container"
	"github.com/galadd/cluman/internal/discovery"
	"github.com/galadd/cluman/internal/endpoint"
	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/imagetag"
	"github.com/galadd/cluman/internal/job"
	"github.com/galadd/cluman/internal/kv"
	"github.com/galadd/cluman/internal/metrics"
	"github.com/galadd/cluman/internal/model"
	"github.com/galadd/cluman/internal/node"
	"github.com/galadd/cluman/internal/registryclient"
	"github.com/galadd/cluman/internal/source"
	"github.com/galadd/cluman/internal/update" // self-registers the rolling-update job types
	"github.com/galadd/cluman/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cluman",
	Short: "cluman manages a fleet of Docker daemons behind one control plane",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (YAML/JSON/TOML)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control-plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return run(cmd.Context(), cfg)
	},
}

func run(ctx context.Context, cfg *config.Config) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(logLevel(cfg.LogLevel)).
		With().Timestamp().Logger()

	store, err := kv.Open(cfg.KVPath)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer store.Close()

	bus := eventbus.New()
	defer bus.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	nodes, err := node.New(ctx, store, bus)
	if err != nil {
		return fmt.Errorf("load node registry: %w", err)
	}
	clusters, err := discovery.New(ctx, store, bus, nodes, log.With().Str("component", "discovery").Logger())
	if err != nil {
		return fmt.Errorf("load cluster registry: %w", err)
	}
	clusters.SetMetrics(m)
	containers, err := container.New(ctx, store, bus)
	if err != nil {
		return fmt.Errorf("load container registry: %w", err)
	}
	src := source.New(nodes, clusters, containers)

	resolveService := func(ctx context.Context, name string) (any, error) {
		return clusters.GetService(ctx, name)
	}
	jobs := job.New(bus, log.With().Str("component", "job").Logger(), resolveService, uuid.NewString)
	jobs.SetMetrics(m)
	update.SetMetrics(m)

	reconciler := imagetag.New(
		imageTagPatterns(cfg),
		version.Default,
		jobs,
		func(ctx context.Context, name string) (discovery.Service, error) { return clusters.GetService(ctx, name) },
		func(host string) *registryclient.Client { return registryclient.New(host, 0) },
		cfg.ImageTagReconcileInterval,
		log.With().Str("component", "imagetag").Logger(),
	)

	clients := newEndpointClients(nodes, bus, log, m)
	update.SetNamer(container.NewNameService(clients.listContainers))

	poller := container.NewPoller(
		containers,
		func() []string {
			var names []string
			for _, n := range nodes.List() {
				names = append(names, n.Name)
			}
			return names
		},
		clients.listContainers,
		30*time.Second,
		log.With().Str("component", "container-poller").Logger(),
	)

	watcher := container.NewWatcher(
		containers,
		clients.subscribeEvents,
		5*time.Second,
		log.With().Str("component", "container-watcher").Logger(),
	)

	srv := api.New(clusters, nodes, src, jobs, log.With().Str("component", "api").Logger())
	srv.SetClusterDefaults(cfg.DockerTimeoutSec, cfg.CacheAfterWriteSec)
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); reconciler.Run(runCtx) }()
	go func() { defer wg.Done(); poller.Run(runCtx) }()
	go func() { defer wg.Done(); watchNodes(runCtx, nodes, bus, watcher) }()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("cluman: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("cluman: shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("cluman: http server failed")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()
	return nil
}

// endpointClients lazily constructs and caches one endpoint.Client per
// node, shared by the container poller's live listing and the event
// watcher's subscriptions so both halves of §4.2's consistency path (the
// low-latency event stream and the periodic reconciliation backstop)
// reuse the same per-node daemon connection.
type endpointClients struct {
	mu      sync.Mutex
	nodes   *node.Registry
	bus     *eventbus.Bus
	log     zerolog.Logger
	metrics *metrics.Metrics
	clients map[string]*endpoint.Client
}

func newEndpointClients(nodes *node.Registry, bus *eventbus.Bus, log zerolog.Logger, m *metrics.Metrics) *endpointClients {
	return &endpointClients{nodes: nodes, bus: bus, log: log, metrics: m, clients: make(map[string]*endpoint.Client)}
}

func (e *endpointClients) get(name string) (*endpoint.Client, error) {
	n, ok := e.nodes.Get(name)
	if !ok {
		return nil, fmt.Errorf("node %s not registered", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cli, ok := e.clients[name]; ok {
		return cli, nil
	}
	cli, err := endpoint.New(endpoint.Config{NodeName: name, Hosts: []string{n.Endpoint}}, e.bus, e.log, endpoint.WithMetrics(e.metrics))
	if err != nil {
		return nil, err
	}
	e.clients[name] = cli
	return cli, nil
}

// listContainers implements container.NodeSource for the poller.
func (e *endpointClients) listContainers(ctx context.Context, name string) ([]model.Container, error) {
	cli, err := e.get(name)
	if err != nil {
		return nil, err
	}
	live, cerr := cli.ListContainers(ctx, true)
	if cerr != nil {
		return nil, cerr
	}
	return live, nil
}

// subscribeEvents implements container.EventSource for the watcher: it
// drains one node's daemon event stream, decoding each container event
// for sink to apply.
func (e *endpointClients) subscribeEvents(ctx context.Context, name string, sink func(kind string, c model.Container)) error {
	cli, err := e.get(name)
	if err != nil {
		return err
	}
	res := cli.SubscribeEvents(ctx, "", "", func(ev endpoint.EventsType) {
		if kind, c, ok := endpoint.ContainerEventFromMessage(ev); ok {
			sink(kind, c)
		}
	})
	if res.Code == endpoint.CodeCancelled {
		return nil
	}
	if res.Code != endpoint.CodeOK {
		return fmt.Errorf("endpoint: subscribe events: %s", res.Message)
	}
	return nil
}

// watchNodes starts a live event subscription for every currently known
// node, then keeps the watcher's node set in sync with node attach/detach
// events published on the "node-events" bus topic until ctx is cancelled.
func watchNodes(ctx context.Context, nodes *node.Registry, bus *eventbus.Bus, watcher *container.Watcher) {
	for _, n := range nodes.List() {
		watcher.Watch(ctx, n.Name)
	}

	sub := bus.Subscribe(16, eventbus.DropOldest, "node-events")
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			ne, ok := ev.Payload.(node.NodeEvent)
			if !ok {
				continue
			}
			switch ne.Kind {
			case node.NodeAttached:
				watcher.Watch(ctx, ne.Node.Name)
			case node.NodeDetached:
				watcher.Unwatch(ne.Node.Name)
			}
		}
	}
}

func imageTagPatterns(cfg *config.Config) []imagetag.Pattern {
	patterns := make([]imagetag.Pattern, 0, len(cfg.ImageTagPatterns))
	for _, p := range cfg.ImageTagPatterns {
		patterns = append(patterns, imagetag.Pattern{
			ClusterName:  p.ClusterName,
			Repository:   p.Repository,
			RegistryHost: p.RegistryHost,
			Strategy:     p.Strategy,
			HealthCheck:  p.HealthCheck,
		})
	}
	return patterns
}

func logLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
