// Package job implements the background-work engine of spec.md component
// I: typed job definitions self-register at init() time, instances run a
// well-defined CREATED→STARTED→RUNNING→{COMPLETED,FAILED,CANCELLED}
// lifecycle, and progress is both tailed in memory and broadcast on the
// event bus. Grounded on original_source's JobBean/JobContext/JobInstance
// (referenced by UpdateToTagScheduledJob.java and UpdateTest.java),
// expressed the way the teacher's reconciler.go drives its own background
// ticker loop.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galadd/cluman/internal/eventbus"
	"github.com/galadd/cluman/internal/metrics"
)

// ParamType is the declared type of a job parameter, used for coercion
// from the map[string]any a caller supplies.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
	ParamInt    ParamType = "int"
)

// ParamSpec declares one parameter a job type accepts.
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
}

// Definition is a registered job type.
type Definition struct {
	Type       string
	Repeatable bool
	Params     []ParamSpec
	Run        func(jc *Context) error
}

var (
	registryMu sync.Mutex
	registry   = map[string]Definition{}
)

// Register adds a job type to the process-wide registry. Intended to be
// called from an init() in the package implementing the job type; it
// panics on a duplicate type name, the same contract database/sql's
// driver registry uses.
func Register(def Definition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[def.Type]; exists {
		panic(fmt.Sprintf("job: type %q already registered", def.Type))
	}
	registry[def.Type] = def
}

func lookup(jobType string) (Definition, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	def, ok := registry[jobType]
	return def, ok
}

// Status is a position in the instance lifecycle.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusStarted   Status = "STARTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// maxTailLines bounds the backlog replayed to a subscriber joining late.
const maxTailLines = 200

// Instance is one run of a job type.
type Instance struct {
	ID     string
	Type   string
	Params map[string]any

	mu     sync.RWMutex
	status Status
	tail   []string
	err    error

	createdAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Status returns the instance's current lifecycle state.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Err returns the failure reason, if the instance ended FAILED.
func (i *Instance) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.err
}

// Tail returns a snapshot of the last progress lines, bounded by
// maxTailLines.
func (i *Instance) Tail() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, len(i.tail))
	copy(out, i.tail)
	return out
}

// Cancel requests cooperative cancellation; it is idempotent and returns
// immediately without waiting for the instance to reach CANCELLED.
func (i *Instance) Cancel() {
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done returns a channel closed when the instance reaches a terminal
// state, the Go idiom for the spec's at_end future.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) setStatus(s Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

// Context is the job-scope handle passed to a Definition's Run function:
// progress reporting, cancellation visibility and context-bound service
// resolution (currently: the endpoint client named by the "cluster"
// parameter).
type Context struct {
	ctx    context.Context
	inst   *Instance
	engine *Engine
	Params map[string]any
	Log    zerolog.Logger
}

// Context returns the underlying cancellable context, to pass to any
// daemon operation the tasklet invokes.
func (c *Context) Context() context.Context { return c.ctx }

// Cancelled reports whether cancellation has been requested.
func (c *Context) Cancelled() bool { return c.ctx.Err() != nil }

// Progress appends a formatted line to the instance's tail and publishes
// it on the instance's event-bus topic.
func (c *Context) Progress(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.inst.mu.Lock()
	c.inst.tail = append(c.inst.tail, line)
	if len(c.inst.tail) > maxTailLines {
		c.inst.tail = c.inst.tail[len(c.inst.tail)-maxTailLines:]
	}
	c.inst.mu.Unlock()
	c.engine.publishProgress(c.inst.ID, line)
}

// Service resolves the endpoint/discovery service bound to the "cluster"
// parameter. It returns (nil, nil) when the parameter is absent — per
// spec.md §4.5, operations requiring it then fail their tasklet, not the
// whole job.
func (c *Context) Service() (any, error) {
	name, _ := c.Params["cluster"].(string)
	if name == "" || c.engine.resolveService == nil {
		return nil, nil
	}
	return c.engine.resolveService(c.ctx, name)
}

// ServiceResolver resolves a cluster/group name to its discovery.Service.
// Kept as `any` here so this package never imports internal/discovery;
// callers that need the concrete type assert it themselves.
type ServiceResolver func(ctx context.Context, clusterName string) (any, error)

// Engine runs job instances and enforces the repeatable-type gating rule.
type Engine struct {
	mu        sync.Mutex
	instances map[string]*Instance
	// activeScope tracks, per non-repeatable type, the scope key of its
	// one permitted non-terminal instance.
	activeScope map[string]string

	bus            *eventbus.Bus
	log            zerolog.Logger
	resolveService ServiceResolver
	newID          func() string
	metrics        *metrics.Metrics
}

// SetMetrics wires a metrics bundle into the engine's completed/failed
// counters. Optional; nil (the default) disables recording.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// New constructs an Engine. newID generates instance IDs (injected so
// tests are deterministic); callers typically pass uuid.NewString.
func New(bus *eventbus.Bus, log zerolog.Logger, resolveService ServiceResolver, newID func() string) *Engine {
	return &Engine{
		instances:      make(map[string]*Instance),
		activeScope:    make(map[string]string),
		bus:            bus,
		log:            log,
		resolveService: resolveService,
		newID:          newID,
	}
}

// Get returns the instance for id, or (nil, false).
func (e *Engine) Get(id string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	return inst, ok
}

// List returns a snapshot of every known instance.
func (e *Engine) List() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	return out
}

// scopeKey identifies the repeatable-gating scope: the "cluster"
// parameter if present, else the empty scope (process-wide).
func scopeKey(params map[string]any) string {
	name, _ := params["cluster"].(string)
	return name
}

// Create validates params against jobType's schema, coerces them, checks
// repeatable gating, and starts the instance's goroutine. It returns
// immediately, without waiting for that goroutine, so the instance may
// still be CREATED; callers await completion via inst.Done().
func (e *Engine) Create(ctx context.Context, jobType string, rawParams map[string]any) (*Instance, error) {
	def, ok := lookup(jobType)
	if !ok {
		return nil, fmt.Errorf("job: unknown type %q", jobType)
	}

	params, err := bindParams(def, rawParams)
	if err != nil {
		return nil, err
	}

	key := scopeKey(params)
	e.mu.Lock()
	if !def.Repeatable {
		if existingID, busy := e.activeScope[jobType+"\x00"+key]; busy {
			if inst, ok := e.instances[existingID]; ok && !inst.Status().terminal() {
				e.mu.Unlock()
				return nil, fmt.Errorf("job: type %q already has a non-terminal instance in scope %q", jobType, key)
			}
		}
	}

	id := e.newID()
	runCtx, cancel := context.WithCancel(ctx)
	inst := &Instance{
		ID:        id,
		Type:      jobType,
		Params:    params,
		status:    StatusCreated,
		createdAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.instances[id] = inst
	if !def.Repeatable {
		e.activeScope[jobType+"\x00"+key] = id
	}
	e.mu.Unlock()

	jc := &Context{ctx: runCtx, inst: inst, engine: e, Params: params, Log: e.log.With().Str("job", id).Str("type", jobType).Logger()}
	go e.run(def, inst, jc)
	return inst, nil
}

// Cancel requests cancellation of a running instance by id.
func (e *Engine) Cancel(id string) error {
	inst, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("job: instance %s not found", id)
	}
	inst.Cancel()
	return nil
}

func (e *Engine) run(def Definition, inst *Instance, jc *Context) {
	inst.setStatus(StatusStarted)
	e.publishStatus(inst, StatusStarted)
	inst.setStatus(StatusRunning)
	e.publishStatus(inst, StatusRunning)

	err := def.Run(jc)

	final := StatusCompleted
	switch {
	case jc.Cancelled():
		final = StatusCancelled
	case err != nil:
		final = StatusFailed
		inst.mu.Lock()
		inst.err = err
		inst.mu.Unlock()
	}
	inst.setStatus(final)
	e.publishStatus(inst, final)
	if e.metrics != nil {
		switch final {
		case StatusCompleted:
			e.metrics.JobsCompleted.WithLabelValues(inst.Type).Inc()
		case StatusFailed:
			e.metrics.JobsFailed.WithLabelValues(inst.Type).Inc()
		}
	}
	close(inst.done)
}

// StatusEvent is the payload published on a job's "job.<id>" topic for
// every lifecycle transition.
type StatusEvent struct {
	InstanceID string
	Status     Status
}

// ProgressEvent is the payload published on "job.<id>" for each progress
// line.
type ProgressEvent struct {
	InstanceID string
	Line       string
}

func (e *Engine) publishStatus(inst *Instance, s Status) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Topic: "job." + inst.ID, Payload: StatusEvent{InstanceID: inst.ID, Status: s}})
}

func (e *Engine) publishProgress(id, line string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Topic: "job." + id, Payload: ProgressEvent{InstanceID: id, Line: line}})
}

// bindParams validates required parameters are present and coerces each
// value to its declared type; conversion failures are fatal (§4.5).
func bindParams(def Definition, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	for _, spec := range def.Params {
		v, present := out[spec.Name]
		if !present {
			if spec.Required {
				return nil, fmt.Errorf("job: missing required parameter %q", spec.Name)
			}
			continue
		}
		coerced, err := coerce(v, spec.Type)
		if err != nil {
			return nil, fmt.Errorf("job: parameter %q: %w", spec.Name, err)
		}
		out[spec.Name] = coerced
	}
	return out, nil
}

func coerce(v any, t ParamType) (any, error) {
	switch t {
	case ParamString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", v)
	case ParamBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch b {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, fmt.Errorf("expected bool, got %T", v)
	case ParamInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case float64:
			return int(n), nil
		}
		return nil, fmt.Errorf("expected int, got %T", v)
	default:
		return v, nil
	}
}
