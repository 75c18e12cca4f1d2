package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/internal/store"
	"github.com/rendis/flowchat/internal/validation"
	"github.com/rendis/flowchat/internal/variables"
	"github.com/rendis/flowchat/pkg/schema"
)

// Defaults for Config.
const (
	DefaultPoolSize     = 10
	DefaultMaxSteps     = 1000
	DefaultInputTimeout = 30 * time.Minute
)

// Messages recorded in outputParams for engine-level failures.
const (
	cycleGuardMessage  = "Maximum execution count exceeded"
	inputTimeoutFormat = "user input not received within %s"
)

// Config holds configuration for the engine.
type Config struct {
	PoolSize       int                   // max concurrently executing runs
	MaxSteps       int                   // node executions per run before the cycle guard fails it
	InputTimeout   time.Duration         // user_input wait
	Retry          RetryPolicy           // chat completion retries
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
	Logger         *slog.Logger
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.InputTimeout <= 0 {
		c.InputTimeout = DefaultInputTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// RunCounters counts run lifecycle transitions since the engine started.
type RunCounters struct {
	Started   int64 `json:"started"`
	Suspended int64 `json:"suspended"`
	Resumed   int64 `json:"resumed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Metrics is a point-in-time view of engine activity.
type Metrics struct {
	Pool    PoolMetrics    `json:"pool"`
	Runs    RunCounters    `json:"runs"`
	Waiting int            `json:"waiting"`
	Breaker map[string]any `json:"breaker"`
}

// Engine orchestrates workflow runs: it owns their lifecycle, executes their
// nodes on a bounded worker pool and parks them while they wait for input.
type Engine struct {
	store     store.Store
	completer ChatCompleter
	transport Transport
	validator *validation.DefinitionValidator
	jq        *expressions.JQ
	fsm       *RunFSM
	pool      *WorkerPool
	breaker   *CircuitBreaker
	waits     *inputRegistry
	cfg       Config
	logger    *slog.Logger
	counters  RunCounters

	baseCtx context.Context
	cancel  context.CancelFunc

	// graphMu guards graphs.
	graphMu sync.Mutex
	graphs  map[int64]*Graph
}

// New creates an Engine. completer and transport may be nil: runs then fail
// at the first model call, and chat events are discarded.
func New(s store.Store, completer ChatCompleter, transport Transport, cfg Config) (*Engine, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	cfg = cfg.withDefaults()
	if transport == nil {
		transport = nopTransport{}
	}

	jq := expressions.NewJQ()
	dv, err := validation.NewDefinitionValidator(jq)
	if err != nil {
		return nil, err
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	breaker := NewCircuitBreaker("chat completion", cbConfig)
	breaker.now = cfg.Now

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     s,
		completer: completer,
		transport: transport,
		validator: dv,
		jq:        jq,
		fsm:       NewRunFSM(transport, cfg.Logger),
		pool:      NewWorkerPool(cfg.PoolSize),
		breaker:   breaker,
		waits:     newInputRegistry(),
		cfg:       cfg,
		logger:    cfg.Logger,
		baseCtx:   baseCtx,
		cancel:    cancel,
		graphs:    make(map[int64]*Graph),
	}
	e.registerCounters()
	return e, nil
}

func (e *Engine) registerCounters() {
	count := func(field *int64) TransitionHook {
		return func(int64, schema.RunStatus, schema.RunStatus) error {
			atomic.AddInt64(field, 1)
			return nil
		}
	}
	e.fsm.OnAfter(schema.RunPending, schema.RunRunning, count(&e.counters.Started))
	e.fsm.OnAfter(schema.RunRunning, schema.RunWaiting, count(&e.counters.Suspended))
	e.fsm.OnAfter(schema.RunWaiting, schema.RunRunning, count(&e.counters.Resumed))
	e.fsm.OnAfter(schema.RunRunning, schema.RunCompleted, count(&e.counters.Completed))
	for _, from := range []schema.RunStatus{schema.RunPending, schema.RunRunning, schema.RunWaiting} {
		e.fsm.OnAfter(from, schema.RunFailed, count(&e.counters.Failed))
	}
}

func (e *Engine) now() time.Time { return e.cfg.Now() }

// --- Definitions ---

// DefineWorkflow validates a raw definition document and stores it. The
// validation result is returned in both cases so callers can show warnings.
func (e *Engine) DefineWorkflow(ctx context.Context, raw []byte) (*schema.Definition, *schema.ValidationResult, error) {
	def, result, err := e.validator.ParseAndValidate(raw)
	if err != nil {
		return nil, result, err
	}
	if _, err := CompileGraph(def); err != nil {
		return nil, result, err
	}
	if err := e.store.CreateDefinition(ctx, def); err != nil {
		return nil, result, err
	}
	logging.LogWith(ctx, e.logger).Info("workflow defined",
		slog.Int64("definition_id", def.ID), slog.String("name", def.Name),
		slog.Int("warnings", len(result.Warnings)))
	return def, result, nil
}

// ValidateWorkflow validates a raw definition document without storing it.
func (e *Engine) ValidateWorkflow(raw []byte) (*schema.Definition, *schema.ValidationResult, error) {
	return e.validator.ParseAndValidate(raw)
}

// GetDefinition returns a stored definition.
func (e *Engine) GetDefinition(ctx context.Context, id int64) (*schema.Definition, error) {
	return e.store.GetDefinition(ctx, id)
}

// ListDefinitions lists stored definitions, newest first.
func (e *Engine) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.Definition, error) {
	return e.store.ListDefinitions(ctx, filter)
}

// DeleteDefinition soft-deletes a definition. Runs already dispatched keep
// their compiled graph and finish normally.
func (e *Engine) DeleteDefinition(ctx context.Context, id int64) error {
	if err := e.store.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	e.graphMu.Lock()
	delete(e.graphs, id)
	e.graphMu.Unlock()
	return nil
}

// graph returns the compiled graph of a stored definition, compiling and
// caching it on first use.
func (e *Engine) graph(ctx context.Context, definitionID int64) (*Graph, error) {
	e.graphMu.Lock()
	g, ok := e.graphs[definitionID]
	e.graphMu.Unlock()
	if ok {
		return g, nil
	}

	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	g, err = CompileGraph(def)
	if err != nil {
		return nil, err
	}

	e.graphMu.Lock()
	e.graphs[definitionID] = g
	e.graphMu.Unlock()
	return g, nil
}

// --- Runs ---

// StartRun creates a pending instance of a definition and dispatches it.
// The run executes asynchronously; poll GetInstance or follow the chat
// transport for progress.
func (e *Engine) StartRun(ctx context.Context, definitionID int64, input map[string]any) (*schema.RunInstance, error) {
	g, err := e.graph(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	inst := &schema.RunInstance{
		DefinitionID: definitionID,
		Name:         g.Definition.Name,
		Status:       schema.RunPending,
		InputParams:  input,
		CreatedAt:    e.now(),
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	if err := e.enqueue(inst, g); err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithInstanceID(ctx, inst.ID), e.logger).Info("run dispatched",
		slog.Int64("definition_id", definitionID))
	return inst, nil
}

// enqueue submits a pending run to the worker pool.
func (e *Engine) enqueue(inst *schema.RunInstance, g *Graph) error {
	err := e.pool.Submit(e.baseCtx, inst.ID, func(ctx context.Context) error {
		return e.begin(logging.WithInstanceID(ctx, inst.ID), inst, g)
	})
	if errors.Is(err, ErrPoolShutdown) {
		return schema.NewError(schema.ErrCodeConflict, "engine is shutting down").WithCause(err)
	}
	return err
}

// begin seeds the variables of a pending run and drives it from its start
// node.
func (e *Engine) begin(ctx context.Context, inst *schema.RunInstance, g *Graph) error {
	ec := newExecutionContext(inst, g)
	if err := ec.Vars.Initialize(g.Definition.Variables, inst.InputParams); err != nil {
		e.failRun(ctx, ec, g.StartKey, err)
		return err
	}

	if err := e.transition(ctx, ec, schema.RunRunning); err != nil {
		e.failRun(ctx, ec, g.StartKey, err)
		return err
	}
	now := e.now()
	status := schema.RunRunning
	if err := e.store.UpdateInstance(ctx, ec.InstanceID, store.InstanceUpdate{
		Status:           &status,
		StartedAt:        &now,
		VariableSnapshot: ec.Vars.Snapshot(),
	}); err != nil {
		e.failRun(ctx, ec, g.StartKey, err)
		return err
	}
	logging.LogWith(ctx, e.logger).Info("run started")

	return e.drive(ctx, ec, g.StartKey)
}

// drive executes nodes from key until the run terminates or suspends.
func (e *Engine) drive(ctx context.Context, ec *ExecutionContext, key string) error {
	for key != "" {
		if ec.Steps >= e.cfg.MaxSteps {
			err := schema.NewError(schema.ErrCodeCycleGuard, cycleGuardMessage).
				WithDetails(map[string]any{"max_steps": e.cfg.MaxSteps})
			e.failRun(ctx, ec, key, err)
			return err
		}
		ec.Steps++

		v, ok := ec.Graph.node(key)
		if !ok {
			err := schema.NewErrorf(schema.ErrCodeDefinition, "unknown node %q", key)
			e.failRun(ctx, ec, key, err)
			return err
		}

		res, err := e.runNode(ctx, ec, v)
		if err != nil {
			e.failRun(ctx, ec, key, err)
			return err
		}
		if res.Suspend {
			return e.suspend(ctx, ec, key)
		}

		if key, err = e.nextNodeKey(logging.WithNodeKey(ctx, key), ec, v, res); err != nil {
			e.failRun(ctx, ec, v.spec().Key, err)
			return err
		}
	}
	e.completeRun(ctx, ec)
	return nil
}

// runNode executes one node, merges its variable updates and appends its
// execution log entry. A failed node is logged before its error is returned.
func (e *Engine) runNode(ctx context.Context, ec *ExecutionContext, v nodeVariant) (*NodeResult, error) {
	node := v.spec()
	ctx = logging.WithNodeKey(ctx, node.Key)
	log := logging.LogWith(ctx, e.logger)

	current := node.Key
	if err := e.store.UpdateInstance(ctx, ec.InstanceID, store.InstanceUpdate{CurrentNodeKey: &current}); err != nil {
		return nil, err
	}

	input := ec.Vars.Snapshot()
	started := e.now()
	log.Debug("node started", slog.String("type", string(node.Type)))

	res, err := e.dispatch(ctx, ec, v)
	if err != nil {
		err = nodeError(err, node.Key)
		log.Error("node failed", slog.String("type", string(node.Type)), slog.String("error", err.Error()))
		if logErr := e.appendLog(ctx, ec, node, schema.LogFailed, started, input, nil, err.Error()); logErr != nil {
			log.Error("execution log not written", slog.String("error", logErr.Error()))
		}
		return nil, err
	}
	if res.Suspend {
		return res, nil
	}

	ec.Vars.MergeAll(res.UpdatedVariables)
	if err := e.appendLog(ctx, ec, node, schema.LogSuccess, started, input, outputData(res), ""); err != nil {
		return nil, err
	}
	if err := e.store.UpdateInstance(ctx, ec.InstanceID, store.InstanceUpdate{VariableSnapshot: ec.Vars.Snapshot()}); err != nil {
		return nil, err
	}
	log.Debug("node finished", slog.String("type", string(node.Type)),
		slog.Int64("duration_ms", e.now().Sub(started).Milliseconds()))
	return res, nil
}

func outputData(res *NodeResult) map[string]any {
	out := make(map[string]any, len(res.UpdatedVariables)+1)
	for k, v := range res.UpdatedVariables {
		out[k] = v
	}
	if res.SelectedBranch != "" {
		out["selectedBranch"] = res.SelectedBranch
	}
	return out
}

func (e *Engine) appendLog(ctx context.Context, ec *ExecutionContext, node *schema.Node, status schema.LogStatus, started time.Time, input, output map[string]any, errMsg string) error {
	now := e.now()
	return e.store.AppendLog(ctx, &schema.ExecutionLogEntry{
		InstanceID:   ec.InstanceID,
		NodeKey:      node.Key,
		NodeType:     node.Type,
		Status:       status,
		DurationMs:   now.Sub(started).Milliseconds(),
		InputData:    input,
		OutputData:   output,
		ErrorMessage: errMsg,
		CreatedAt:    now,
	})
}

// suspend parks a run on the user_input node key: the worker is released
// and the registered continuation resumes it when input arrives.
func (e *Engine) suspend(ctx context.Context, ec *ExecutionContext, key string) error {
	if err := e.transition(ctx, ec, schema.RunWaiting); err != nil {
		e.waits.take(ec.InstanceID)
		e.failRun(ctx, ec, key, err)
		return err
	}
	status := schema.RunWaiting
	if err := e.store.UpdateInstance(ctx, ec.InstanceID, store.InstanceUpdate{
		Status:           &status,
		VariableSnapshot: ec.Vars.Snapshot(),
	}); err != nil {
		e.waits.take(ec.InstanceID)
		e.failRun(ctx, ec, key, err)
		return err
	}
	logging.LogWith(logging.WithNodeKey(ctx, key), e.logger).Info("run waiting for user input",
		slog.Duration("timeout", e.cfg.InputTimeout))
	return nil
}

// SubmitUserInput hands text to the run waiting on instanceID. It returns
// false when no run is waiting on that id or its wait has expired; an
// expired wait fails the run.
func (e *Engine) SubmitUserInput(ctx context.Context, instanceID int64, text string) bool {
	ctx = logging.WithInstanceID(ctx, instanceID)
	p, ok := e.waits.take(instanceID)
	if !ok {
		logging.LogWith(ctx, e.logger).Debug("input rejected: run is not waiting")
		return false
	}
	if !e.now().Before(p.wait.Deadline) {
		e.dispatchExpiry(p)
		return false
	}

	err := e.pool.Submit(e.baseCtx, instanceID, func(ctx context.Context) error {
		return e.resume(logging.WithInstanceID(ctx, instanceID), p, text)
	})
	if err != nil {
		e.waits.register(p)
		logging.LogWith(ctx, e.logger).Warn("input rejected", slog.String("error", err.Error()))
		return false
	}
	return true
}

// resume is the second half of a user_input node.
func (e *Engine) resume(ctx context.Context, p *pendingInput, text string) error {
	ec := p.ec
	node := p.node.spec()
	nodeCtx := logging.WithNodeKey(ctx, node.Key)

	if err := e.store.DeleteWait(ctx, ec.InstanceID); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		logging.LogWith(nodeCtx, e.logger).Warn("wait record not removed", slog.String("error", err.Error()))
	}
	if err := e.transition(ctx, ec, schema.RunRunning); err != nil {
		e.failRun(ctx, ec, node.Key, err)
		return err
	}
	status := schema.RunRunning
	if err := e.store.UpdateInstance(ctx, ec.InstanceID, store.InstanceUpdate{Status: &status}); err != nil {
		e.failRun(ctx, ec, node.Key, err)
		return err
	}
	logging.LogWith(nodeCtx, e.logger).Info("run resumed")

	input := ec.Vars.Snapshot()
	res := e.acceptInput(ec, p.node, text)
	ec.Vars.MergeAll(res.UpdatedVariables)
	if err := e.appendLog(nodeCtx, ec, node, schema.LogSuccess, p.wait.CreatedAt, input, outputData(res), ""); err != nil {
		e.failRun(ctx, ec, node.Key, err)
		return err
	}
	if err := e.store.UpdateInstance(ctx, ec.InstanceID, store.InstanceUpdate{VariableSnapshot: ec.Vars.Snapshot()}); err != nil {
		e.failRun(ctx, ec, node.Key, err)
		return err
	}

	next, err := e.nextNodeKey(nodeCtx, ec, p.node, res)
	if err != nil {
		e.failRun(ctx, ec, node.Key, err)
		return err
	}
	return e.drive(ctx, ec, next)
}

// ExpireWaits fails every waiting run whose deadline is not after now and
// returns how many were expired. The failures execute on the worker pool.
func (e *Engine) ExpireWaits(ctx context.Context, now time.Time) int {
	expired := e.waits.takeExpired(now)
	for _, p := range expired {
		e.dispatchExpiry(p)
	}
	if len(expired) > 0 {
		logging.LogWith(ctx, e.logger).Info("expired input waits", slog.Int("count", len(expired)))
	}
	return len(expired)
}

func (e *Engine) dispatchExpiry(p *pendingInput) {
	id := p.ec.InstanceID
	err := e.pool.Submit(e.baseCtx, id, func(ctx context.Context) error {
		e.expire(logging.WithInstanceID(ctx, id), p)
		return nil
	})
	if err != nil {
		// Pool is shutting down: the persisted wait is picked up by Recover.
		e.waits.register(p)
	}
}

// expire fails a run whose input wait timed out. The wait record is
// removed and the user_input node gets a failed log entry.
func (e *Engine) expire(ctx context.Context, p *pendingInput) {
	ec := p.ec
	node := p.node.spec()
	nodeCtx := logging.WithNodeKey(ctx, node.Key)
	err := schema.NewErrorf(schema.ErrCodeTimeout, inputTimeoutFormat, e.cfg.InputTimeout).WithNode(node.Key)

	if delErr := e.store.DeleteWait(ctx, ec.InstanceID); delErr != nil && !schema.IsCode(delErr, schema.ErrCodeNotFound) {
		logging.LogWith(nodeCtx, e.logger).Warn("wait record not removed", slog.String("error", delErr.Error()))
	}
	if logErr := e.appendLog(nodeCtx, ec, node, schema.LogFailed, p.wait.CreatedAt, ec.Vars.Snapshot(), nil, err.Error()); logErr != nil {
		logging.LogWith(nodeCtx, e.logger).Error("execution log not written", slog.String("error", logErr.Error()))
	}
	e.failRun(ctx, ec, node.Key, err)
}

// transition moves the run through the FSM and records the new status on
// its context.
func (e *Engine) transition(ctx context.Context, ec *ExecutionContext, to schema.RunStatus) error {
	if err := e.fsm.Transition(ctx, ec.InstanceID, ec.Status, to); err != nil {
		return err
	}
	ec.Status = to
	return nil
}

// completeRun terminates a run as completed. Its output parameters are the
// final variables.
func (e *Engine) completeRun(ctx context.Context, ec *ExecutionContext) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, e.logger)
	if err := e.transition(ctx, ec, schema.RunCompleted); err != nil {
		log.Error("complete transition rejected", slog.String("error", err.Error()))
		return
	}

	now := e.now()
	status := schema.RunCompleted
	vars := ec.Vars.Snapshot()
	if err := e.store.UpdateInstance(ctx, ec.InstanceID, store.InstanceUpdate{
		Status:           &status,
		VariableSnapshot: vars,
		OutputParams:     vars,
		FinishedAt:       &now,
	}); err != nil {
		log.Error("completed run not persisted", slog.String("error", err.Error()))
	}
	log.Info("run completed", slog.Int("steps", ec.Steps))
}

// failRun terminates a run as failed and records an error summary in its
// output parameters. Persistence ignores cancellation of ctx so a run
// aborted by shutdown still records why.
func (e *Engine) failRun(ctx context.Context, ec *ExecutionContext, nodeKey string, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(logging.WithNodeKey(ctx, nodeKey), e.logger)
	if ec.Status.Terminal() {
		return
	}
	if err := e.transition(ctx, ec, schema.RunFailed); err != nil {
		log.Error("fail transition rejected", slog.String("error", err.Error()))
		return
	}

	now := e.now()
	status := schema.RunFailed
	if err := e.store.UpdateInstance(ctx, ec.InstanceID, store.InstanceUpdate{
		Status:           &status,
		VariableSnapshot: ec.Vars.Snapshot(),
		OutputParams:     failureOutput(cause, nodeKey),
		FinishedAt:       &now,
	}); err != nil {
		log.Error("failed run not persisted", slog.String("error", err.Error()))
	}
	log.Error("run failed", slog.String("code", schema.ErrorCode(cause)), slog.String("error", cause.Error()))
}

func failureOutput(err error, nodeKey string) map[string]any {
	msg := err.Error()
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		msg = fe.Message
	}
	return map[string]any{
		"error":   msg,
		"code":    schema.ErrorCode(err),
		"nodeKey": nodeKey,
	}
}

// nodeError attaches nodeKey to err, wrapping errors that are not
// FlowErrors. Cancellation becomes INTERRUPTED.
func nodeError(err error, nodeKey string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.NodeKey == "" {
			fe.NodeKey = nodeKey
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeInterrupted, "run interrupted").WithNode(nodeKey).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeCollaborator, err.Error()).WithNode(nodeKey).WithCause(err)
}

// --- Queries ---

// GetInstance returns a run instance.
func (e *Engine) GetInstance(ctx context.Context, id int64) (*schema.RunInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// ListInstances lists run instances, newest first.
func (e *Engine) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.RunInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

// ListExecutionLogs returns the execution log of a run in execution order.
func (e *Engine) ListExecutionLogs(ctx context.Context, instanceID int64) ([]*schema.ExecutionLogEntry, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListLogs(ctx, instanceID)
}

// Waiting reports whether a run is parked on user input.
func (e *Engine) Waiting(instanceID int64) bool {
	return e.waits.has(instanceID)
}

// Metrics returns a snapshot of engine activity.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		Pool: e.pool.Metrics(),
		Runs: RunCounters{
			Started:   atomic.LoadInt64(&e.counters.Started),
			Suspended: atomic.LoadInt64(&e.counters.Suspended),
			Resumed:   atomic.LoadInt64(&e.counters.Resumed),
			Completed: atomic.LoadInt64(&e.counters.Completed),
			Failed:    atomic.LoadInt64(&e.counters.Failed),
		},
		Waiting: e.waits.len(),
		Breaker: e.breaker.Stats(),
	}
}

// --- Lifecycle ---

// Recover restores runs left unfinished by a previous process: pending runs
// are dispatched again, running runs fail as interrupted, waiting runs are
// re-registered from their persisted wait (or failed if it expired in the
// meantime).
func (e *Engine) Recover(ctx context.Context) error {
	log := logging.LogWith(ctx, e.logger)

	// Snapshot every group before dispatching anything: a requeued run moves
	// through running and waiting and must not be picked up twice.
	pending, err := e.listByStatus(ctx, schema.RunPending)
	if err != nil {
		return err
	}
	running, err := e.listByStatus(ctx, schema.RunRunning)
	if err != nil {
		return err
	}
	waiting, err := e.listByStatus(ctx, schema.RunWaiting)
	if err != nil {
		return err
	}
	waits, err := e.store.ListWaits(ctx)
	if err != nil {
		return err
	}
	byInstance := make(map[int64]*schema.PendingWait, len(waits))
	for _, w := range waits {
		byInstance[w.InstanceID] = w
	}
	expired, err := e.store.ListExpiredWaits(ctx, e.now())
	if err != nil {
		return err
	}
	isExpired := make(map[int64]bool, len(expired))
	for _, w := range expired {
		isExpired[w.InstanceID] = true
	}

	for _, inst := range running {
		e.failDetached(ctx, inst, inst.CurrentNodeKey,
			schema.NewError(schema.ErrCodeInterrupted, "run interrupted by engine restart"))
	}

	restored := 0
	for _, inst := range waiting {
		if err := e.restoreWait(ctx, inst, byInstance[inst.ID], isExpired[inst.ID]); err != nil {
			log.Warn("waiting run not restored", slog.Int64("instance_id", inst.ID), slog.String("error", err.Error()))
			continue
		}
		restored++
	}

	for _, inst := range pending {
		g, err := e.graph(ctx, inst.DefinitionID)
		if err != nil {
			e.failDetached(ctx, inst, "", err)
			continue
		}
		if err := e.enqueue(inst, g); err != nil {
			return err
		}
	}

	log.Info("recovery finished",
		slog.Int("requeued", len(pending)),
		slog.Int("interrupted", len(running)),
		slog.Int("restored_waits", restored))
	return nil
}

func (e *Engine) listByStatus(ctx context.Context, status schema.RunStatus) ([]*schema.RunInstance, error) {
	return e.store.ListInstances(ctx, store.InstanceFilter{Status: &status})
}

func (e *Engine) restoreWait(ctx context.Context, inst *schema.RunInstance, wait *schema.PendingWait, expired bool) error {
	if wait == nil {
		err := schema.NewError(schema.ErrCodeInterrupted, "waiting run has no wait record")
		e.failDetached(ctx, inst, inst.CurrentNodeKey, err)
		return err
	}
	g, err := e.graph(ctx, inst.DefinitionID)
	if err != nil {
		e.failDetached(ctx, inst, wait.NodeKey, err)
		return err
	}
	v, ok := g.node(wait.NodeKey)
	n, isInput := v.(*userInputNode)
	if !ok || !isInput {
		err := schema.NewErrorf(schema.ErrCodeDefinition, "wait node %q is not a user_input node", wait.NodeKey)
		e.failDetached(ctx, inst, wait.NodeKey, err)
		return err
	}

	logs, err := e.store.ListLogs(ctx, inst.ID)
	if err != nil {
		return err
	}
	p := &pendingInput{ec: restoreExecutionContext(inst, g, len(logs)+1), node: n, wait: *wait}
	if expired {
		e.dispatchExpiry(p)
		return nil
	}
	e.waits.register(p)
	return nil
}

// failDetached fails a run that has no live execution context.
func (e *Engine) failDetached(ctx context.Context, inst *schema.RunInstance, nodeKey string, cause error) {
	ec := &ExecutionContext{
		InstanceID: inst.ID,
		Vars:       variables.FromSnapshot(inst.VariableSnapshot),
		Status:     inst.Status,
	}
	e.failRun(logging.WithInstanceID(ctx, inst.ID), ec, nodeKey, cause)
}

// Shutdown stops accepting work and waits for active runs to finish. Runs
// still queued stay pending and waiting runs stay waiting; Recover picks
// both up on the next start. If ctx ends first, active runs are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pool.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}
