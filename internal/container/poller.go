package container

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/galadd/cluman/internal/model"
)

// NodeSource resolves a node name to the live container listing observed
// at its endpoint. Errors are logged and skipped for that tick — a single
// unreachable node never blocks reconciliation of the rest of the fleet.
type NodeSource func(ctx context.Context, nodeName string) ([]model.Container, error)

// Poller periodically reconciles the registry against every node's live
// container listing. Grounded on the teacher's reconciler.go ticker loop,
// generalized from one daemon to the whole fleet.
type Poller struct {
	registry *Registry
	nodes    func() []string
	fetch    NodeSource
	interval time.Duration
	log      zerolog.Logger
}

// NewPoller constructs a Poller. nodes lists the node names to sweep each
// tick; fetch resolves one node's live containers.
func NewPoller(registry *Registry, nodes func() []string, fetch NodeSource, interval time.Duration, log zerolog.Logger) *Poller {
	return &Poller{registry: registry, nodes: nodes, fetch: fetch, interval: interval, log: log}
}

// Run ticks every interval until ctx is cancelled, sweeping once
// immediately on entry.
func (p *Poller) Run(ctx context.Context) {
	p.sweep(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	for _, name := range p.nodes() {
		live, err := p.fetch(ctx, name)
		if err != nil {
			p.log.Warn().Err(err).Str("node", name).Msg("container poller: skipping node this cycle")
			continue
		}
		if err := p.registry.Reconcile(ctx, name, live); err != nil {
			p.log.Warn().Err(err).Str("node", name).Msg("container poller: reconcile failed")
		}
	}
}
