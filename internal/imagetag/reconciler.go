// Package imagetag implements the periodic tag reconciler of spec.md
// component K: for each configured image pattern, query the registry for
// tags, pick the maximum under the version comparator, and emit an
// update job when a candidate container is running a tag other than
// that maximum.
// Grounded on original_source's UpdateToTagScheduledJob.java, driven by
// a ticker the way the teacher's reconciler.go drives its own loop.
package imagetag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galadd/cluman/internal/discovery"
	"github.com/galadd/cluman/internal/job"
	"github.com/galadd/cluman/internal/model"
	"github.com/galadd/cluman/internal/registryclient"
	"github.com/galadd/cluman/internal/version"
)

// Pattern configures one image this reconciler watches.
type Pattern struct {
	ClusterName   string
	Repository    string // e.g. "library/nginx"
	RegistryHost  string // empty selects registryclient's Docker Hub default
	Strategy      string // job.updateContainers.<strategy> suffix
	HealthCheck   bool
}

// cacheEntry is the last (id, tag) this reconciler resolved for a
// (registry, repository) pair, per §4.7.
type cacheEntry struct {
	digest string
	tag    string
}

// Reconciler periodically compares registry tags against running
// containers and submits update jobs for drifted ones.
type Reconciler struct {
	patterns []Pattern
	cmp      *version.Comparator
	engine   *job.Engine
	resolve  func(ctx context.Context, clusterName string) (discovery.Service, error)
	newClient func(host string) *registryclient.Client

	mu    sync.Mutex
	cache map[string]cacheEntry

	log      zerolog.Logger
	interval time.Duration
}

// New constructs a Reconciler. resolve looks up a cluster's
// discovery.Service; newClient constructs a registryclient.Client for a
// given registry host (injected so tests can substitute a fake server).
func New(
	patterns []Pattern,
	cmp *version.Comparator,
	engine *job.Engine,
	resolve func(ctx context.Context, clusterName string) (discovery.Service, error),
	newClient func(host string) *registryclient.Client,
	interval time.Duration,
	log zerolog.Logger,
) *Reconciler {
	if cmp == nil {
		cmp = version.Default
	}
	if newClient == nil {
		newClient = func(host string) *registryclient.Client { return registryclient.New(host, 0) }
	}
	return &Reconciler{
		patterns:  patterns,
		cmp:       cmp,
		engine:    engine,
		resolve:   resolve,
		newClient: newClient,
		cache:     make(map[string]cacheEntry),
		log:       log,
		interval:  interval,
	}
}

// Run ticks every interval until ctx is cancelled, running one
// reconciliation pass per tick. Overlapping runs are not possible: each
// tick blocks until the previous pass's RunOnce returns.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single reconciliation pass over every configured
// pattern. A registry failure for one pattern is logged and skipped
// without aborting the remaining patterns (§4.7: "missing registry
// responses skip without failing the cycle").
func (r *Reconciler) RunOnce(ctx context.Context) {
	for _, p := range r.patterns {
		if err := r.reconcileOne(ctx, p); err != nil {
			r.log.Warn().Err(err).Str("repository", p.Repository).Msg("imagetag: skipping pattern this cycle")
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, p Pattern) error {
	client := r.newClient(p.RegistryHost)
	tags, err := client.ListTags(ctx, p.Repository)
	if err != nil {
		return fmt.Errorf("list tags: %w", err)
	}
	latest := r.cmp.Max(tags)
	if latest == nil {
		return fmt.Errorf("registry returned no tags")
	}

	digest, err := client.ManifestDigest(ctx, p.Repository, *latest)
	if err != nil {
		return fmt.Errorf("fetch manifest digest for %s: %w", *latest, err)
	}

	cacheKey := p.RegistryHost + "/" + p.Repository
	r.mu.Lock()
	r.cache[cacheKey] = cacheEntry{digest: digest, tag: *latest}
	r.mu.Unlock()

	svc, err := r.resolve(ctx, p.ClusterName)
	if err != nil || svc == nil {
		return fmt.Errorf("resolve cluster %s: %w", p.ClusterName, err)
	}

	running, cerr := svc.ListContainers(ctx, true)
	if cerr != nil {
		return fmt.Errorf("list_containers: %w", cerr)
	}
	if !hasOutdatedCandidate(running, p.Repository, *latest) {
		return nil
	}

	_, err = r.engine.Create(ctx, "job.updateContainers."+p.Strategy, map[string]any{
		"cluster":              p.ClusterName,
		"image":                "*" + lastSegment(p.Repository) + "*",
		"target_version":       *latest,
		"health_check_enabled": p.HealthCheck,
	})
	if err != nil {
		return fmt.Errorf("submit update job: %w", err)
	}
	return nil
}

func hasOutdatedCandidate(containers []model.Container, repository, latest string) bool {
	for _, c := range containers {
		if c.Image.IsDigestPinned() {
			continue
		}
		if !strings.Contains(repository, c.Image.Name) && !strings.Contains(c.Image.Name, repository) {
			continue
		}
		if c.Image.Tag != latest {
			return true
		}
	}
	return false
}

func lastSegment(repository string) string {
	if idx := strings.LastIndex(repository, "/"); idx >= 0 {
		return repository[idx+1:]
	}
	return repository
}

// Cached returns the last resolved (digest, tag) for a (registryHost,
// repository) pair, for diagnostics and tests.
func (r *Reconciler) Cached(registryHost, repository string) (digest, tag string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[registryHost+"/"+repository]
	return e.digest, e.tag, ok
}
