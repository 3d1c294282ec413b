package container

import (
	"context"
	"fmt"
)

// NameService is the §4.2 companion to the registry: it supplies a unique
// container name on create when the caller's preferred name is already in
// use on the target node. It queries the endpoint for the node's current
// names (via the same NodeSource the poller/watcher use) and appends a
// numeric suffix to base until one is unused.
type NameService struct {
	fetch NodeSource
}

// NewNameService constructs a NameService over fetch, a live container
// listing for one node.
func NewNameService(fetch NodeSource) *NameService {
	return &NameService{fetch: fetch}
}

// Allocate returns base unchanged if no live container on node already
// holds it, otherwise base-2, base-3, ... up to the first free suffix. An
// empty base defaults to "container".
func (n *NameService) Allocate(ctx context.Context, node, base string) (string, error) {
	if base == "" {
		base = "container"
	}
	live, err := n.fetch(ctx, node)
	if err != nil {
		return "", fmt.Errorf("container: naming service: list %s: %w", node, err)
	}
	used := make(map[string]bool, len(live))
	for _, c := range live {
		used[c.Name] = true
	}
	if !used[base] {
		return base, nil
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if !used[candidate] {
			return candidate, nil
		}
	}
}
