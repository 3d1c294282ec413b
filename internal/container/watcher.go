package container

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galadd/cluman/internal/model"
)

// EventSource opens a live daemon-event subscription for one node,
// invoking sink for every decoded container event. It returns when ctx is
// cancelled or the underlying stream ends; a non-nil error on a non-clean
// end triggers a reconnect after Watcher's retry delay.
type EventSource func(ctx context.Context, nodeName string, sink func(kind string, c model.Container)) error

// Watcher is the primary, low-latency half of §4.2's consistency path:
// one live event subscription per node, applying every decoded daemon
// event to the registry via ApplyEvent as it arrives. Poller remains the
// periodic drift backstop — the gap a dropped/reconnecting subscription
// leaves is exactly what the backstop exists to repair, not a substitute
// for this path.
type Watcher struct {
	registry   *Registry
	subscribe  EventSource
	retryDelay time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewWatcher constructs a Watcher. subscribe is invoked once per Watch
// call and re-invoked after retryDelay each time it returns (cleanly or
// with an error) while the node is still being watched.
func NewWatcher(registry *Registry, subscribe EventSource, retryDelay time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{
		registry:   registry,
		subscribe:  subscribe,
		retryDelay: retryDelay,
		log:        log,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Watch starts nodeName's subscription loop unless one is already
// running.
func (w *Watcher) Watch(ctx context.Context, nodeName string) {
	w.mu.Lock()
	if _, running := w.cancels[nodeName]; running {
		w.mu.Unlock()
		return
	}
	nodeCtx, cancel := context.WithCancel(ctx)
	w.cancels[nodeName] = cancel
	w.mu.Unlock()

	go w.run(nodeCtx, nodeName)
}

// Unwatch stops nodeName's subscription loop, if one is running.
func (w *Watcher) Unwatch(nodeName string) {
	w.mu.Lock()
	cancel, running := w.cancels[nodeName]
	delete(w.cancels, nodeName)
	w.mu.Unlock()
	if running {
		cancel()
	}
}

func (w *Watcher) run(ctx context.Context, nodeName string) {
	defer func() {
		w.mu.Lock()
		delete(w.cancels, nodeName)
		w.mu.Unlock()
	}()

	for ctx.Err() == nil {
		err := w.subscribe(ctx, nodeName, func(kind string, c model.Container) {
			c.Node = nodeName
			if aerr := w.registry.ApplyEvent(ctx, kind, c); aerr != nil {
				w.log.Warn().Err(aerr).Str("node", nodeName).Str("kind", kind).
					Msg("container watcher: apply event failed")
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.log.Warn().Err(err).Str("node", nodeName).
				Msg("container watcher: subscription ended, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retryDelay):
		}
	}
}
