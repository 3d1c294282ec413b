package update

import (
	"context"
	"fmt"
	"time"

	"github.com/galadd/cluman/internal/discovery"
	"github.com/galadd/cluman/internal/job"
	"github.com/galadd/cluman/internal/metrics"
)

func init() {
	job.Register(strategyDefinition(StrategyStopThenStartEach, runStopThenStartEach))
	job.Register(strategyDefinition(StrategyStartThenStopEach, runStartThenStopEach))
	job.Register(strategyDefinition(StrategyStopThenStartAll, runStopThenStartAll))
}

// metricsHook is set once at bootstrap via SetMetrics; nil until then, in
// which case duration recording is skipped. Package-level because job
// Definitions self-register at init() time before any wiring has a chance
// to inject dependencies — the same constraint job.Register itself works
// under.
var metricsHook *metrics.Metrics

// SetMetrics wires the process's metrics bundle into every update-strategy
// job definition's duration histogram. Call once at startup.
func SetMetrics(m *metrics.Metrics) { metricsHook = m }

// Namer resolves a name guaranteed unique among node's live containers,
// given a preferred base. Satisfied by *container.NameService; set once at
// startup via SetNamer. Package-level for the same init()-ordering reason
// as metricsHook.
type Namer interface {
	Allocate(ctx context.Context, node, base string) (string, error)
}

var namerHook Namer

// SetNamer wires the naming service every strategy uses to avoid a
// create-time name collision with the old container it is replacing (which
// still holds its name on the daemon until it is deleted). Call once at
// startup.
func SetNamer(n Namer) { namerHook = n }

func strategyDefinition(name string, run func(jc *job.Context, svc discovery.Service, candidates []Candidate, opts Options) error) job.Definition {
	return job.Definition{
		Type:       "job.updateContainers." + name,
		Repeatable: false,
		Params: []job.ParamSpec{
			{Name: "cluster", Type: job.ParamString, Required: true},
			{Name: "image", Type: job.ParamString, Required: true},
			{Name: "target_version", Type: job.ParamString, Required: true},
			{Name: "health_check_enabled", Type: job.ParamBool, Required: false},
			{Name: "percentage", Type: job.ParamInt, Required: false},
			{Name: "time_before_kill", Type: job.ParamInt, Required: false},
		},
		Run: func(jc *job.Context) error {
			anySvc, err := jc.Service()
			if err != nil {
				return fmt.Errorf("resolve cluster service: %w", err)
			}
			if anySvc == nil {
				return fmt.Errorf("cluster parameter did not resolve to a service")
			}
			svc, ok := anySvc.(discovery.Service)
			if !ok {
				return fmt.Errorf("cluster parameter resolved to an unexpected service type")
			}

			pattern, _ := jc.Params["image"].(string)
			targetVersion, _ := jc.Params["target_version"].(string)
			healthCheck, _ := jc.Params["health_check_enabled"].(bool)
			timeBeforeKill, _ := jc.Params["time_before_kill"].(int)
			// percentage is accepted and stored but never read, per
			// spec.md's open question — it is reserved for future
			// rollout-budget semantics.

			all, cerr := svc.ListContainers(jc.Context(), true)
			if cerr != nil {
				return fmt.Errorf("list_containers: %w", cerr)
			}
			candidates := FilterCandidates(all, pattern, targetVersion)
			jc.Progress("selected %d candidate(s) for update to %s", len(candidates), targetVersion)

			start := time.Now()
			runErr := run(jc, svc, candidates, Options{HealthCheckEnabled: healthCheck, RollbackEnabled: true, TimeBeforeKillSec: timeBeforeKill})
			if metricsHook != nil {
				metricsHook.RollingUpdateSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
			}
			return runErr
		},
	}
}

// runStopThenStartEach: for each candidate, stop(old) -> create -> start(new)
// -> verify; the next candidate starts only after verify passes.
func runStopThenStartEach(jc *job.Context, svc discovery.Service, candidates []Candidate, opts Options) error {
	ctx := jc.Context()
	for _, cand := range candidates {
		if jc.Cancelled() {
			return ctx.Err()
		}
		if err := runStep(jc, cand.Current.Name, "stop", func() error {
			if cerr := svc.StopContainer(ctx, cand.Current.ID, opts.TimeBeforeKillSec); cerr != nil {
				return cerr
			}
			return nil
		}); err != nil {
			return fmt.Errorf("stop %s: %w", cand.Current.Name, err)
		}

		newID, err := pullAndCreate(jc, svc, cand)
		if err != nil {
			if opts.RollbackEnabled {
				rollback(jc, svc, cand, "")
			}
			return err
		}
		if err := runStep(jc, cand.Current.Name, "start", func() error {
			if cerr := svc.StartContainer(ctx, newID); cerr != nil {
				return cerr
			}
			return nil
		}); err != nil {
			if opts.RollbackEnabled {
				rollback(jc, svc, cand, newID)
			}
			return fmt.Errorf("start %s: %w", cand.Current.Name, err)
		}
		if err := postCheck(jc, svc, opts, newID); err != nil {
			if opts.RollbackEnabled {
				rollback(jc, svc, cand, newID)
			}
			return fmt.Errorf("post-check %s: %w", cand.Current.Name, err)
		}
		_ = svc.DeleteContainer(ctx, cand.Current.ID, true)
		finishRename(jc, svc, cand, newID)
		jc.Progress("updated %s -> %s", cand.Current.Name, cand.Target.String())
	}
	return nil
}

// runStartThenStopEach: for each candidate, create -> start(new) -> verify
// -> stop+remove(old). Preserves service availability during the window.
func runStartThenStopEach(jc *job.Context, svc discovery.Service, candidates []Candidate, opts Options) error {
	ctx := jc.Context()
	for _, cand := range candidates {
		if jc.Cancelled() {
			return ctx.Err()
		}
		newID, err := pullAndCreate(jc, svc, cand)
		if err != nil {
			return err
		}
		if err := runStep(jc, cand.Current.Name, "start", func() error {
			if cerr := svc.StartContainer(ctx, newID); cerr != nil {
				return cerr
			}
			return nil
		}); err != nil {
			if opts.RollbackEnabled {
				rollback(jc, svc, cand, newID)
			}
			return fmt.Errorf("start %s: %w", cand.Current.Name, err)
		}
		if err := postCheck(jc, svc, opts, newID); err != nil {
			if opts.RollbackEnabled {
				rollback(jc, svc, cand, newID)
			}
			return fmt.Errorf("post-check %s: %w", cand.Current.Name, err)
		}
		if err := runStep(jc, cand.Current.Name, "stop", func() error {
			if cerr := svc.StopContainer(ctx, cand.Current.ID, opts.TimeBeforeKillSec); cerr != nil {
				return cerr
			}
			return nil
		}); err != nil {
			return fmt.Errorf("stop old %s: %w", cand.Current.Name, err)
		}
		_ = svc.DeleteContainer(ctx, cand.Current.ID, true)
		finishRename(jc, svc, cand, newID)
		jc.Progress("updated %s -> %s", cand.Current.Name, cand.Target.String())
	}
	return nil
}

// runStopThenStartAll: phase 1 stops every old container, phase 2
// creates+starts every new one, phase 3 verifies all. Fastest but opens a
// service gap between phase 1 and phase 2.
func runStopThenStartAll(jc *job.Context, svc discovery.Service, candidates []Candidate, opts Options) error {
	ctx := jc.Context()

	for _, cand := range candidates {
		if err := runStep(jc, cand.Current.Name, "stop", func() error {
			if cerr := svc.StopContainer(ctx, cand.Current.ID, opts.TimeBeforeKillSec); cerr != nil {
				return cerr
			}
			return nil
		}); err != nil {
			return fmt.Errorf("stop %s: %w", cand.Current.Name, err)
		}
	}

	newIDs := make(map[string]string, len(candidates))
	for _, cand := range candidates {
		newID, err := pullAndCreate(jc, svc, cand)
		if err != nil {
			return err
		}
		if err := runStep(jc, cand.Current.Name, "start", func() error {
			if cerr := svc.StartContainer(ctx, newID); cerr != nil {
				return cerr
			}
			return nil
		}); err != nil {
			return fmt.Errorf("start %s: %w", cand.Current.Name, err)
		}
		newIDs[cand.Current.Name] = newID
	}

	for _, cand := range candidates {
		newID := newIDs[cand.Current.Name]
		if err := postCheck(jc, svc, opts, newID); err != nil {
			if opts.RollbackEnabled {
				rollback(jc, svc, cand, newID)
			}
			return fmt.Errorf("post-check %s: %w", cand.Current.Name, err)
		}
		_ = svc.DeleteContainer(ctx, cand.Current.ID, true)
		finishRename(jc, svc, cand, newID)
		jc.Progress("updated %s -> %s", cand.Current.Name, cand.Target.String())
	}
	return nil
}
