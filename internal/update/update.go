// Package update implements the rolling-update strategies of spec.md
// component J: a shared per-container pipeline (load-image, stop, create,
// start, post-check; the current container's health is not checked
// before it is stopped) driven by three orderings, each
// registered as a job type with internal/job. Grounded on
// original_source's UpdateContainersConfiguration.java/UpdateTest.java;
// the filter-and-candidate selection mirrors that class's
// filterContainers, the strategies mirror its update-plan orderings.
package update

import (
	"context"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/galadd/cluman/internal/discovery"
	"github.com/galadd/cluman/internal/job"
	"github.com/galadd/cluman/internal/model"
)

// Strategy names, used verbatim as the job-type suffix
// "job.updateContainers.<strategy>".
const (
	StrategyStopThenStartEach = "stopThenStartEach"
	StrategyStartThenStopEach = "startThenStopEach"
	StrategyStopThenStartAll  = "stopThenStartAll"
)

// Candidate is a container selected for update, paired with the image
// reference it should end up running.
type Candidate struct {
	Current model.Container
	Target  model.ImageRef
}

// HealthChecker polls a container until it is healthy or ctx expires.
// The default implementation treats "running" status as healthy; a real
// deployment substitutes a probe grounded on the container's declared
// health check.
type HealthChecker interface {
	WaitHealthy(ctx context.Context, svc discovery.Service, containerID string) error
}

type statusHealthChecker struct{}

func (statusHealthChecker) WaitHealthy(ctx context.Context, svc discovery.Service, containerID string) error {
	for {
		c, cerr := svc.InspectContainer(ctx, containerID)
		if cerr != nil {
			return cerr
		}
		if c != nil && c.Status == "running" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// DefaultHealthChecker is used when a job doesn't supply its own.
var DefaultHealthChecker HealthChecker = statusHealthChecker{}

// FilterCandidates applies the §4.6 filter predicate: the operator
// pattern must match the container's image reference (glob syntax via
// doublestar, e.g. "testimage:*"), the current reference must differ
// from target by tag (image IDs are not compared), and digest-pinned
// references are always excluded.
func FilterCandidates(containers []model.Container, pattern string, targetVersion string) []Candidate {
	var out []Candidate
	for _, c := range containers {
		if c.Image.IsDigestPinned() {
			continue
		}
		matched, err := doublestar.Match(pattern, c.Image.String())
		if err != nil || !matched {
			continue
		}
		target := c.Image
		target.Tag = targetVersion
		if target.Equal(c.Image) {
			continue
		}
		out = append(out, Candidate{Current: c, Target: target})
	}
	return out
}

// Options configures a single rolling-update run.
type Options struct {
	HealthCheckEnabled bool
	RollbackEnabled    bool
	TimeBeforeKillSec  int
	Checker            HealthChecker
}

func (o Options) checker() HealthChecker {
	if o.Checker != nil {
		return o.Checker
	}
	return DefaultHealthChecker
}

// runStep wraps a pipeline step with the progress line UpdateTest.java's
// fixtures expect to see for each phase.
func runStep(jc *job.Context, containerName, verb string, op func() error) error {
	jc.Progress("%s: %s", verb, containerName)
	return op()
}

func recreateSpec(c model.Container, target model.ImageRef) model.CreateSpec {
	return model.CreateSpec{
		Name:    c.Name,
		Image:   target,
		Ports:   c.Ports,
		Command: c.Command,
		Env:     c.Env,
		Host:    c.Host,
		Labels:  c.Labels,
	}
}

// pullAndCreate runs the shared load-image + create steps, returning the
// new container's id. The old container still holds cand.Current.Name on
// the daemon at this point (stopping never frees a name, only removal
// does), so the new container is created under a namerHook-allocated
// stand-in name when a namer is wired; callers rename it back to the
// canonical name once the old container is deleted.
func pullAndCreate(jc *job.Context, svc discovery.Service, cand Candidate) (string, error) {
	ctx := jc.Context()
	if cerr := svc.PullImage(ctx, cand.Target, func(string) {}); cerr != nil {
		return "", fmt.Errorf("load-image %s: %w", cand.Target.String(), cerr)
	}
	spec := recreateSpec(cand.Current, cand.Target)
	if namerHook != nil {
		name, err := namerHook.Allocate(ctx, cand.Current.Node, cand.Current.Name+"-new")
		if err != nil {
			return "", fmt.Errorf("allocate name for %s: %w", cand.Current.Name, err)
		}
		spec.Name = name
	}
	id, cerr := svc.CreateContainer(ctx, spec)
	if cerr != nil {
		return "", fmt.Errorf("create %s: %w", cand.Current.Name, cerr)
	}
	return id, nil
}

// finishRename restores the new container's canonical name once the old
// container it replaced has been deleted and so no longer holds it.
func finishRename(jc *job.Context, svc discovery.Service, cand Candidate, newID string) {
	if namerHook == nil {
		return
	}
	if cerr := svc.RenameContainer(jc.Context(), newID, cand.Current.Name); cerr != nil {
		jc.Progress("rename %s to %s failed: %v", newID, cand.Current.Name, cerr)
	}
}

func postCheck(jc *job.Context, svc discovery.Service, opts Options, newID string) error {
	if !opts.HealthCheckEnabled {
		return nil
	}
	return opts.checker().WaitHealthy(jc.Context(), svc, newID)
}

// rollback reverses a failed update per §4.6: stop the new container if
// it was started, then start the old one back up.
func rollback(jc *job.Context, svc discovery.Service, cand Candidate, newID string) {
	ctx := jc.Context()
	if newID != "" {
		jc.Progress("rollback: stopping new container for %s", cand.Current.Name)
		_ = svc.StopContainer(ctx, newID, 0)
		_ = svc.DeleteContainer(ctx, newID, true)
	}
	jc.Progress("rollback: restarting %s", cand.Current.Name)
	_ = svc.StartContainer(ctx, cand.Current.ID)
}
