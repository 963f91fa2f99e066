// Package pipeline schedules analysis stages over a shared execution
// context and folds their results into a single report.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow/internal/model"
)

// RunRecorder persists run tracking. Every method except CompleteRun is
// best-effort: failures are logged and the run carries on.
type RunRecorder interface {
	CreateRun(ctx context.Context, inputs map[string]any) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	RecordStage(ctx context.Context, stage model.RunStage) error
	CompleteRun(ctx context.Context, runID string, report *model.Report) error
	FailRun(ctx context.Context, runID string, reason string) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder persists runs, stage results and reports through r.
func WithRecorder(r RunRecorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithStageObserver attaches stage callbacks to every run.
func WithStageObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithScheduling passes options through to the per-run Scheduler.
func WithScheduling(opts ...SchedulerOption) Option {
	return func(c *Coordinator) { c.schedOpts = append(c.schedOpts, opts...) }
}

// Coordinator owns a fixed set of stage definitions and runs them end to end.
type Coordinator struct {
	defs       []StageDefinition
	registry   *Registry
	levels     []Level
	seeds      []string
	outputs    map[string]bool
	aggregator *Aggregator
	recorder   RunRecorder
	observer   Observer
	schedOpts  []SchedulerOption
}

// New validates defs against reg and precomputes the execution levels.
// Misconfiguration is reported as ErrConfig.
func New(defs []StageDefinition, reg *Registry, agg *Aggregator, opts ...Option) (*Coordinator, error) {
	if reg == nil {
		return nil, eris.Wrap(ErrConfig, "pipeline: nil registry")
	}
	if agg == nil {
		return nil, eris.Wrap(ErrConfig, "pipeline: nil aggregator")
	}
	seeds, err := validateDefinitions(defs, reg)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]bool, len(defs))
	for _, d := range defs {
		outputs[d.OutputKey] = true
	}
	if !outputs[agg.Primary()] {
		return nil, eris.Wrapf(ErrConfig, "pipeline: primary key %q is not produced by any stage", agg.Primary())
	}

	c := &Coordinator{
		defs:       append([]StageDefinition(nil), defs...),
		registry:   reg,
		levels:     BuildLevels(defs),
		seeds:      seeds,
		outputs:    outputs,
		aggregator: agg,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Levels returns the precomputed execution plan.
func (c *Coordinator) Levels() []Level {
	return c.levels
}

// SeedKeys returns the context keys Orchestrate requires from the caller.
func (c *Coordinator) SeedKeys() []string {
	return append([]string(nil), c.seeds...)
}

// Orchestrate runs every stage against inputs and returns the aggregated
// report. Any stage failure aborts the run with a *StageError and no report
// is produced or persisted.
func (c *Coordinator) Orchestrate(ctx context.Context, inputs map[string]any) (*model.Report, error) {
	for _, d := range c.defs {
		if _, ok := c.registry.Lookup(d.Handler); !ok {
			return nil, eris.Wrapf(ErrConfig, "pipeline: stage %q: no handler registered as %q", d.Name, d.Handler)
		}
	}
	if err := c.checkInputs(inputs); err != nil {
		return nil, err
	}

	log := zap.L().With(zap.Int("stages", len(c.defs)), zap.Int("levels", len(c.levels)))
	start := time.Now()

	runID := c.createRun(ctx, inputs)
	if runID != "" {
		log = log.With(zap.String("run_id", runID))
	}
	log.Info("pipeline: starting run")

	obs := c.observerFor(runID)
	opts := append(append([]SchedulerOption(nil), c.schedOpts...), WithObserver(obs))
	sched := NewScheduler(c.registry, opts...)

	c.setStatus(ctx, runID, model.RunStatusRunning)
	ec := NewExecutionContext(inputs)
	if err := sched.Run(ctx, c.levels, ec); err != nil {
		c.failRun(ctx, runID, err)
		log.Error("pipeline: run failed", zap.Error(err),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return nil, err
	}

	c.setStatus(ctx, runID, model.RunStatusAggregating)
	report, err := c.aggregate(ec)
	if err != nil {
		c.failRun(ctx, runID, err)
		log.Error("pipeline: aggregation failed", zap.Error(err))
		return nil, err
	}
	report.Metadata.RunID = runID

	if c.recorder != nil && runID != "" {
		if err := c.recorder.CompleteRun(ctx, runID, report); err != nil {
			err = eris.Wrap(err, "pipeline: persist report")
			c.failRun(ctx, runID, err)
			log.Error("pipeline: persist report failed", zap.Error(err))
			return nil, err
		}
	}

	log.Info("pipeline: run complete",
		zap.Strings("stages_executed", report.Metadata.StagesExecuted),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return report, nil
}

// checkInputs verifies that inputs seed every key the stages read from the
// caller and do not pre-empt any stage output.
func (c *Coordinator) checkInputs(inputs map[string]any) error {
	for _, k := range c.seeds {
		v, ok := inputs[k]
		if !ok || v == nil {
			return eris.Wrapf(ErrInvalidInput, "pipeline: missing input %q", k)
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return eris.Wrapf(ErrInvalidInput, "pipeline: input %q is blank", k)
		}
	}
	for k := range inputs {
		if c.outputs[k] {
			return eris.Wrapf(ErrInvalidInput, "pipeline: input %q collides with a stage output", k)
		}
	}
	return nil
}

func (c *Coordinator) aggregate(ec *ExecutionContext) (report *model.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = nil
			err = eris.Wrapf(ErrAggregation, "pipeline: aggregate panicked: %v", r)
		}
	}()
	return c.aggregator.Aggregate(ec), nil
}

func (c *Coordinator) createRun(ctx context.Context, inputs map[string]any) string {
	if c.recorder == nil {
		return ""
	}
	run, err := c.recorder.CreateRun(ctx, inputs)
	if err != nil {
		zap.L().Warn("pipeline: failed to create run record", zap.Error(err))
		return ""
	}
	return run.ID
}

func (c *Coordinator) setStatus(ctx context.Context, runID string, status model.RunStatus) {
	if c.recorder == nil || runID == "" {
		return
	}
	if err := c.recorder.UpdateRunStatus(ctx, runID, status); err != nil {
		zap.L().Warn("pipeline: failed to update status",
			zap.String("run_id", runID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) failRun(ctx context.Context, runID string, cause error) {
	if c.recorder == nil || runID == "" {
		return
	}
	// The run context may already be cancelled; record the failure anyway.
	if err := c.recorder.FailRun(context.WithoutCancel(ctx), runID, cause.Error()); err != nil {
		zap.L().Warn("pipeline: failed to mark run failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (c *Coordinator) observerFor(runID string) Observer {
	var obs observers
	if c.observer != nil {
		obs = append(obs, c.observer)
	}
	if c.recorder != nil && runID != "" {
		obs = append(obs, &stageRecorder{recorder: c.recorder, runID: runID})
	}
	return obs
}

// stageRecorder persists each finished stage.
type stageRecorder struct {
	recorder RunRecorder
	runID    string
}

func (r *stageRecorder) StageStarted(context.Context, StageDefinition) {}

func (r *stageRecorder) StageFinished(ctx context.Context, res model.StageResult) {
	if err := r.recorder.RecordStage(context.WithoutCancel(ctx), res.Record(r.runID)); err != nil {
		zap.L().Warn("pipeline: failed to record stage",
			zap.String("run_id", r.runID),
			zap.String("stage", res.Stage),
			zap.Error(err),
		)
	}
}

type observers []Observer

func (o observers) StageStarted(ctx context.Context, def StageDefinition) {
	for _, x := range o {
		x.StageStarted(ctx, def)
	}
}

func (o observers) StageFinished(ctx context.Context, res model.StageResult) {
	for _, x := range o {
		x.StageFinished(ctx, res)
	}
}
