package stagedflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the number of instances that may run at once when
// RunnerOptions.MaxConcurrent is not set.
const DefaultMaxConcurrent = 100

// RunnerOptions configures a new runner
type RunnerOptions struct {
	Registry      *Registry
	Store         *Store
	Ledger        Ledger
	Handlers      []Handler
	Logger        *slog.Logger
	StepLogger    StepLogger
	Callbacks     Callbacks
	MaxConcurrent int64
	SummaryFunc   SummaryFunc
}

// Runner drives workflow instances through the steps of their templates.
// Each instance is run by a single goroutine, so its transitions are strictly
// sequential; different instances run concurrently up to MaxConcurrent.
type Runner struct {
	registry   *Registry
	store      *Store
	ledger     Ledger
	handlers   map[string]Handler
	logger     *slog.Logger
	stepLogger StepLogger
	callbacks  Callbacks
	summary    SummaryFunc
	sem        *semaphore.Weighted

	// Lifetime context of all runs. Cancelled only when Shutdown gives up
	// waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mutex          sync.Mutex
	cancelRequests map[string]bool
	done           map[string]chan struct{}
	isShutdown     bool
	wg             sync.WaitGroup

	now func() time.Time
}

// NewRunner creates a new runner
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.Ledger == nil {
		opts.Ledger = NewMemoryLedger()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.SummaryFunc == nil {
		opts.SummaryFunc = DefaultSummary
	}

	handlers := make(map[string]Handler, len(opts.Handlers))
	for _, h := range opts.Handlers {
		if h == nil {
			return nil, fmt.Errorf("nil handler")
		}
		if _, exists := handlers[h.Name()]; exists {
			return nil, fmt.Errorf("duplicate handler %q", h.Name())
		}
		handlers[h.Name()] = h
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		registry:       opts.Registry,
		store:          opts.Store,
		ledger:         opts.Ledger,
		handlers:       handlers,
		logger:         opts.Logger,
		stepLogger:     opts.StepLogger,
		callbacks:      opts.Callbacks,
		summary:        opts.SummaryFunc,
		sem:            semaphore.NewWeighted(opts.MaxConcurrent),
		ctx:            ctx,
		cancel:         cancel,
		cancelRequests: map[string]bool{},
		done:           map[string]chan struct{}{},
		now:            time.Now,
	}, nil
}

// Store returns the store holding the runner's instances
func (r *Runner) Store() *Store {
	return r.store
}

// Ledger returns the ledger terminal instances are appended to
func (r *Runner) Ledger() Ledger {
	return r.ledger
}

// Registry returns the template registry
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Start creates a pending instance of the named template and runs it in the
// background. It returns as soon as the instance exists in the store.
func (r *Runner) Start(ctx context.Context, templateName string, input map[string]any) (string, error) {
	return r.start(ctx, templateName, input, "")
}

// Retry starts a new instance with the template and input of a failed
// instance. The failed instance is left unchanged. Instances archived from
// the store are looked up in the ledger.
func (r *Runner) Retry(ctx context.Context, id string) (string, error) {
	inst, err := r.store.Get(id)
	if errors.Is(err, ErrNotFound) {
		inst, err = r.archived(ctx, id)
	}
	if err != nil {
		return "", err
	}
	if inst.Status != StatusFailed {
		return "", &InvalidStateError{InstanceID: id, Operation: "retry", Status: inst.Status}
	}
	return r.start(ctx, inst.TemplateName, inst.Input, inst.ID)
}

// archived returns the ledger snapshot of an instance no longer in the store
func (r *Runner) archived(ctx context.Context, id string) (*Instance, error) {
	entries, err := r.ledger.Query(ctx, LedgerFilter{})
	if err != nil {
		return nil, err
	}
	for e := range entries {
		if e.Instance != nil && e.Instance.ID == id {
			return e.Instance, nil
		}
	}
	return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
}

// Cancel requests cooperative cancellation of an instance. The request is
// honored before the next step begins; a step already in flight runs to
// completion. Cancelling a terminal instance is a no-op.
func (r *Runner) Cancel(id string) error {
	inst, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return nil
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// The run may have finished since the status was read
	if _, running := r.done[id]; running {
		r.cancelRequests[id] = true
	}
	return nil
}

// Wait blocks until the instance is terminal and returns its final state.
func (r *Runner) Wait(ctx context.Context, id string) (*Instance, error) {
	r.mutex.Lock()
	done, running := r.done[id]
	r.mutex.Unlock()

	if running {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.store.Get(id)
}

// Shutdown stops accepting new instances and waits for the ones in flight to
// finish. If ctx expires first, the context of every running handler is
// cancelled and the ctx error is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mutex.Lock()
	r.isShutdown = true
	r.mutex.Unlock()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return fmt.Errorf("runner shutdown: %w", ctx.Err())
	}
}

func (r *Runner) start(ctx context.Context, templateName string, input map[string]any, retryOf string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t, err := r.registry.Get(templateName)
	if err != nil {
		return "", err
	}
	for _, step := range t.Steps() {
		if _, ok := r.handlers[step.HandlerName()]; !ok {
			return "", fmt.Errorf("template %q step %q: %w %q",
				t.Name(), step.ID, ErrUnknownHandler, step.HandlerName())
		}
	}

	inst := newInstance(t, input, retryOf, r.now())

	r.mutex.Lock()
	if r.isShutdown {
		r.mutex.Unlock()
		return "", ErrRunnerShuttingDown
	}
	r.wg.Add(1)
	r.done[inst.ID] = make(chan struct{})
	r.mutex.Unlock()

	r.store.create(inst)
	r.logger.Info("instance created",
		"instance_id", inst.ID,
		"template", t.Name(),
		"retry_of", retryOf)

	go r.run(t, inst.ID)
	return inst.ID, nil
}

func (r *Runner) run(t *Template, id string) {
	defer r.wg.Done()
	defer func() {
		r.mutex.Lock()
		close(r.done[id])
		delete(r.done, id)
		delete(r.cancelRequests, id)
		r.mutex.Unlock()
	}()

	logger := r.logger.With("instance_id", id, "template", t.Name())
	ctx := WithLogger(WithInstanceID(r.ctx, id), logger)

	// A pending instance waits here for a free slot
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.finish(ctx, t, id, StatusFailed, -1, nil, ClassifyError(err))
		return
	}
	defer r.sem.Release(1)

	runEvent := &RunEvent{
		InstanceID:   id,
		TemplateName: t.Name(),
		StartTime:    r.now(),
		StepCount:    t.Len(),
	}
	r.callbacks.BeforeRun(ctx, runEvent)

	final := r.execute(ctx, t, id, logger)

	runEvent.Status = final.Status
	runEvent.RetryOf = final.RetryOf
	runEvent.EndTime = r.now()
	runEvent.Duration = runEvent.EndTime.Sub(runEvent.StartTime)
	runEvent.Result = final.Result
	if final.Error != nil {
		runEvent.Error = NewStepError(final.Error.Kind, final.Error.Message)
	}
	r.callbacks.AfterRun(ctx, runEvent)
}

// execute runs the steps of the instance in order and returns its terminal
// state.
func (r *Runner) execute(ctx context.Context, t *Template, id string, logger *slog.Logger) *Instance {
	var lastResult any
	for i := 0; i < t.Len(); i++ {
		if r.cancelRequested(id) {
			logger.Info("cancellation honored", "step_index", i)
			return r.finish(ctx, t, id, StatusCancelled, i, nil, nil)
		}

		step := t.Step(i)
		status := StatusRunning
		if step.External {
			status = StatusAwaitingExternalAction
		}
		now := r.now()
		inst, err := r.store.update(id, EventStepStarted, func(inst *Instance) {
			inst.Status = status
			inst.CurrentStepIndex = i
			inst.CurrentStepID = step.ID
			if inst.StartedAt.IsZero() {
				inst.StartedAt = now
			}
		})
		if err != nil {
			logger.Error("failed to start step", "step", step.ID, "error", err)
			return r.finish(ctx, t, id, StatusFailed, i, nil, ClassifyError(err))
		}
		logger.Info("step started", "step", step.ID, "step_index", i, "status", status)

		result, err := r.executeStep(ctx, t, inst, &step, i)
		if err != nil {
			stepErr := ClassifyError(err)
			logger.Warn("step failed",
				"step", step.ID,
				"kind", stepErr.Kind,
				"error", stepErr.Message)
			return r.finish(ctx, t, id, StatusFailed, i, nil, stepErr)
		}

		if _, err := r.store.update(id, EventStepCompleted, func(inst *Instance) {
			inst.Status = StatusRunning
			inst.StepResults[step.ID] = copyValue(result)
		}); err != nil {
			logger.Error("failed to record step result", "step", step.ID, "error", err)
			return r.finish(ctx, t, id, StatusFailed, i, nil, ClassifyError(err))
		}
		logger.Info("step completed", "step", step.ID, "step_index", i)
		lastResult = result
	}
	return r.finish(ctx, t, id, StatusSucceeded, t.Len()-1, lastResult, nil)
}

// executeStep invokes the handler of one step with callbacks and step
// logging around it.
func (r *Runner) executeStep(ctx context.Context, t *Template, inst *Instance, step *StepDefinition, index int) (any, error) {
	handler, ok := r.handlers[step.HandlerName()]
	if !ok {
		return nil, fmt.Errorf("step %q: %w %q", step.ID, ErrUnknownHandler, step.HandlerName())
	}
	ctx = WithLogger(ctx, LoggerFromContext(ctx).With("step", step.ID))
	req := newStepRequest(inst, step, index)

	startTime := r.now()
	stepEvent := &StepEvent{
		InstanceID:   inst.ID,
		TemplateName: t.Name(),
		StepID:       step.ID,
		StepIndex:    index,
		Handler:      handler.Name(),
		Parameters:   req.Step.Parameters,
		StartTime:    startTime,
	}
	r.callbacks.BeforeStep(ctx, stepEvent)

	result, err := safeExecute(ctx, handler, req)
	endTime := r.now()

	stepEvent.Result = result
	stepEvent.EndTime = endTime
	stepEvent.Duration = endTime.Sub(startTime)
	stepEvent.Error = err
	r.callbacks.AfterStep(ctx, stepEvent)

	logEntry := &StepLogEntry{
		InstanceID:   inst.ID,
		TemplateName: t.Name(),
		StepID:       step.ID,
		StepIndex:    index,
		Handler:      handler.Name(),
		Parameters:   req.Step.Parameters,
		Result:       result,
		StartTime:    startTime,
		Duration:     stepEvent.Duration.Seconds(),
	}
	if err != nil {
		logEntry.Error = err.Error()
		logEntry.ErrorKind = ErrorKind(err)
	}
	if logErr := r.stepLogger.LogStep(ctx, logEntry); logErr != nil {
		r.logger.Error("failed to log step", "instance_id", inst.ID, "step", step.ID, "error", logErr)
	}
	return result, err
}

func safeExecute(ctx context.Context, handler Handler, req *StepRequest) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = NewStepError(ErrorKindUnknown, fmt.Sprintf("handler %s panicked: %v", handler.Name(), p))
		}
	}()
	return handler.Execute(ctx, req)
}

// finish moves the instance to a terminal status. The ledger entry is
// appended before the store publishes the transition, so a listener seeing
// EventInstanceFinished can already find the entry in the ledger.
func (r *Runner) finish(ctx context.Context, t *Template, id string, status Status, index int, result any, stepErr *StepExecutionError) *Instance {
	current, err := r.store.Get(id)
	if err != nil {
		r.logger.Error("failed to load instance", "instance_id", id, "error", err)
		return &Instance{ID: id, TemplateName: t.Name(), Status: status}
	}

	final := current.Clone()
	final.Status = status
	final.CompletedAt = r.now()
	if index > final.CurrentStepIndex {
		final.CurrentStepIndex = index
		final.CurrentStepID = t.Step(index).ID
	}
	switch status {
	case StatusSucceeded:
		final.Result = result
	case StatusFailed:
		final.Error = &InstanceError{Kind: stepErr.Kind, Message: stepErr.Message}
	}

	entry := LedgerEntry{
		Instance:   final.Clone(),
		Summary:    r.summary(t, final),
		RecordedAt: final.CompletedAt,
	}
	// The run context may be cancelled by Shutdown; the entry is written anyway
	appendErr := r.ledger.Append(context.WithoutCancel(ctx), entry)

	if _, err := r.store.update(id, EventInstanceFinished, func(inst *Instance) {
		*inst = *final.Clone()
	}); err != nil {
		r.logger.Error("failed to finish instance", "instance_id", id, "error", err)
	}

	logger := LoggerFromContext(ctx)
	attrs := []any{"status", status, "step_index", final.CurrentStepIndex}
	if final.Error != nil {
		attrs = append(attrs, "kind", final.Error.Kind)
	}
	logger.Info("instance finished", attrs...)

	if appendErr != nil {
		var perr *PersistenceError
		if !errors.As(appendErr, &perr) {
			perr = &PersistenceError{InstanceID: id, Err: appendErr}
		}
		logger.Error("failed to append ledger entry", "error", perr)
		r.store.notify(EventPersistenceFailed, final, perr)
	}
	return final
}

func (r *Runner) cancelRequested(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.cancelRequests[id]
}
