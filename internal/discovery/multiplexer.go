package discovery

import (
	"context"

	"github.com/galadd/cluman/internal/endpoint"
	"github.com/galadd/cluman/internal/model"
)

// multiplexer fans a logical group's Service calls out to its children.
// Listing operations aggregate every reachable child. Operations that
// target a single container id go to the first child whose inspect finds
// that id; image operations are tried against each child in turn until
// one succeeds. A child that returns an error is skipped, and the last
// error is returned only when no child handled the call. This matches
// DockerServices' "first service that knows about it" resolution for
// groups.
type multiplexer struct {
	id       string
	children []Service
}

func (m *multiplexer) ID() string { return m.id }

// Online reports true if any child is reachable.
func (m *multiplexer) Online() bool {
	for _, c := range m.children {
		if c.Online() {
			return true
		}
	}
	return false
}

func (m *multiplexer) ListContainers(ctx context.Context, all bool) ([]model.Container, *endpoint.CallError) {
	var out []model.Container
	var lastErr *endpoint.CallError
	for _, c := range m.children {
		list, cerr := c.ListContainers(ctx, all)
		if cerr != nil {
			lastErr = cerr
			continue
		}
		out = append(out, list...)
	}
	if out == nil && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (m *multiplexer) InspectContainer(ctx context.Context, id string) (*model.Container, *endpoint.CallError) {
	var lastErr *endpoint.CallError
	for _, c := range m.children {
		res, cerr := c.InspectContainer(ctx, id)
		if cerr != nil {
			lastErr = cerr
			continue
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, lastErr
}

// CreateContainer has no natural target among children for a group; the
// caller must resolve the owning cluster/node before creating and call
// that leaf Service directly. Routed here for interface completeness
// only, it always fails loudly rather than guessing a child.
func (m *multiplexer) CreateContainer(ctx context.Context, spec model.CreateSpec) (string, *endpoint.CallError) {
	return "", &endpoint.CallError{
		Code:    endpoint.CodeError,
		Entity:  spec.Name,
		Message: "cannot create a container against a group service; resolve a leaf cluster first",
	}
}

func (m *multiplexer) StartContainer(ctx context.Context, id string) *endpoint.CallError {
	return m.fanOutByID(id, func(c Service) *endpoint.CallError { return c.StartContainer(ctx, id) })
}

func (m *multiplexer) StopContainer(ctx context.Context, id string, timeoutBeforeKillSec int) *endpoint.CallError {
	return m.fanOutByID(id, func(c Service) *endpoint.CallError {
		return c.StopContainer(ctx, id, timeoutBeforeKillSec)
	})
}

func (m *multiplexer) RenameContainer(ctx context.Context, id, newName string) *endpoint.CallError {
	return m.fanOutByID(id, func(c Service) *endpoint.CallError { return c.RenameContainer(ctx, id, newName) })
}

func (m *multiplexer) DeleteContainer(ctx context.Context, id string, force bool) *endpoint.CallError {
	return m.fanOutByID(id, func(c Service) *endpoint.CallError { return c.DeleteContainer(ctx, id, force) })
}

func (m *multiplexer) PullImage(ctx context.Context, ref model.ImageRef, sink func(line string)) *endpoint.CallError {
	var lastErr *endpoint.CallError
	for _, c := range m.children {
		if cerr := c.PullImage(ctx, ref, sink); cerr != nil {
			lastErr = cerr
			continue
		}
		return nil
	}
	return lastErr
}

func (m *multiplexer) TagImage(ctx context.Context, src model.ImageRef, targetTag string) *endpoint.CallError {
	return m.tryInOrder(func(c Service) *endpoint.CallError { return c.TagImage(ctx, src, targetTag) })
}

func (m *multiplexer) RemoveImage(ctx context.Context, ref model.ImageRef) *endpoint.CallError {
	return m.tryInOrder(func(c Service) *endpoint.CallError { return c.RemoveImage(ctx, ref) })
}

// tryInOrder applies op to each child until one succeeds, used for image
// operations where no InspectImage probe exists to pick the owning child
// ahead of time.
func (m *multiplexer) tryInOrder(op func(Service) *endpoint.CallError) *endpoint.CallError {
	var lastErr *endpoint.CallError
	for _, c := range m.children {
		if cerr := op(c); cerr != nil {
			lastErr = cerr
			continue
		}
		return nil
	}
	return lastErr
}

// fanOutByID inspects first to find which child actually has id, then
// applies op to that child; avoids mutating the wrong child when ids
// only coincidentally collide across clusters.
func (m *multiplexer) fanOutByID(id string, op func(Service) *endpoint.CallError) *endpoint.CallError {
	var lastErr *endpoint.CallError
	for _, c := range m.children {
		res, cerr := c.InspectContainer(context.Background(), id)
		if cerr != nil {
			lastErr = cerr
			continue
		}
		if res == nil {
			continue
		}
		return op(c)
	}
	if lastErr != nil {
		return lastErr
	}
	return &endpoint.CallError{Code: endpoint.CodeNotFound, Entity: id, Message: "not found in any child of group"}
}
