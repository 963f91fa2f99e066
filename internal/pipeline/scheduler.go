package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dealflow/internal/model"
)

// Observer receives a callback around every stage invocation. Calls for
// stages of a parallel level may arrive concurrently.
type Observer interface {
	StageStarted(ctx context.Context, def StageDefinition)
	StageFinished(ctx context.Context, res model.StageResult)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLevelTimeout bounds how long a single level may run. Zero disables it.
func WithLevelTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.levelTimeout = d }
}

// WithCancelOnFailure cancels the remaining stages of a parallel level as
// soon as one of them fails. By default every sibling runs to completion.
func WithCancelOnFailure(on bool) SchedulerOption {
	return func(s *Scheduler) { s.cancelOnFailure = on }
}

// WithObserver attaches stage callbacks.
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) { s.observer = o }
}

// Scheduler drives levels of stages against an ExecutionContext.
type Scheduler struct {
	registry        *Registry
	levelTimeout    time.Duration
	cancelOnFailure bool
	observer        Observer
}

// NewScheduler returns a scheduler resolving handlers from reg.
func NewScheduler(reg *Registry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{registry: reg}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run executes levels in order. A level's outputs are committed to ec only
// once every stage in it has succeeded; the first failure stops the run and
// is returned as a *StageError.
func (s *Scheduler) Run(ctx context.Context, levels []Level, ec *ExecutionContext) error {
	var previous any
	for i, lvl := range levels {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "pipeline: run cancelled")
		}

		results := s.runLevel(ctx, i, lvl, ec, previous)
		if failed := firstFailure(results); failed != nil {
			zap.L().Error("pipeline: level failed, discarding its results",
				zap.Int("level", i),
				zap.String("stage", failed.Stage),
				zap.Error(failed.Err),
			)
			return &StageError{Stage: failed.Stage, Err: failed.Err}
		}

		committed := make([]string, 0, len(results))
		for j, res := range results {
			def := lvl.Stages[j]
			if err := ec.Set(def.OutputKey, res.Value); err != nil {
				return &StageError{Stage: def.Name, Err: err}
			}
			committed = append(committed, def.Name)
		}
		ec.markExecuted(committed...)

		if lvl.Mode == Sequential {
			previous = results[0].Value
		}
	}
	ec.markFinished(time.Now().UTC())
	return nil
}

func (s *Scheduler) runLevel(ctx context.Context, idx int, lvl Level, ec *ExecutionContext, previous any) []model.StageResult {
	if s.levelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.levelTimeout)
		defer cancel()
	}

	snapshot := ec.Snapshot()
	results := make([]model.StageResult, len(lvl.Stages))

	log := zap.L().With(zap.Int("level", idx), zap.String("mode", string(lvl.Mode)))
	start := time.Now()

	if lvl.Mode == Sequential {
		def := lvl.Stages[0]
		results[0] = s.runStage(ctx, def, inputFor(def, snapshot, previous))
		log.Debug("pipeline: level complete", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		return results
	}

	g := new(errgroup.Group)
	gctx := ctx
	if s.cancelOnFailure {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(len(lvl.Stages))

	for i, def := range lvl.Stages {
		g.Go(func() error {
			results[i] = s.runStage(gctx, def, inputFor(def, snapshot, nil))
			if s.cancelOnFailure && !results[i].Succeeded() {
				return results[i].Err
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("pipeline: parallel level complete",
		zap.Int("stages", len(lvl.Stages)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return results
}

func inputFor(def StageDefinition, snapshot map[string]any, previous any) Input {
	in := Input{Previous: previous, Context: snapshot}
	if def.InputFromPrevious && previous != nil {
		in.Value = previous
		return in
	}
	if def.InputKey != "" {
		in.Value = snapshot[def.InputKey]
	}
	return in
}

// runStage invokes one handler and converts every way it can end, panics
// included, into a StageResult.
func (s *Scheduler) runStage(ctx context.Context, def StageDefinition, in Input) (res model.StageResult) {
	log := zap.L().With(zap.String("stage", def.Name))
	res = model.StageResult{Stage: def.Name, StartedAt: time.Now().UTC()}

	if s.observer != nil {
		s.observer.StageStarted(ctx, def)
	}
	defer func() {
		if r := recover(); r != nil {
			res.Value = nil
			res.Err = eris.Errorf("pipeline: stage %s panicked: %v", def.Name, r)
		}
		res.Duration = time.Since(res.StartedAt)
		if res.Err != nil {
			res.Outcome = model.OutcomeFailure
			res.Error = res.Err.Error()
			log.Error("pipeline: stage failed",
				zap.Int64("duration_ms", res.Duration.Milliseconds()),
				zap.Error(res.Err),
			)
		} else {
			res.Outcome = model.OutcomeSuccess
			log.Info("pipeline: stage complete",
				zap.Int64("duration_ms", res.Duration.Milliseconds()),
				zap.String("result", model.Summarize(res.Value)),
			)
		}
		if s.observer != nil {
			s.observer.StageFinished(ctx, res)
		}
	}()

	h, ok := s.registry.Lookup(def.Handler)
	if !ok {
		res.Err = eris.Wrapf(ErrConfig, "pipeline: no handler registered as %q", def.Handler)
		return res
	}
	if in.Value == nil {
		res.Err = eris.Wrapf(ErrNoInput, "pipeline: stage %s: no value at %q", def.Name, def.InputKey)
		return res
	}

	log.Debug("pipeline: stage starting", zap.String("input", model.Summarize(in.Value)))
	v, err := h.Invoke(ctx, in)
	if err != nil {
		res.Err = err
		return res
	}
	if v == nil {
		res.Err = eris.Errorf("pipeline: stage %s returned no result", def.Name)
		return res
	}
	res.Value = v
	return res
}

// firstFailure returns the first failed result in declaration order,
// preferring a root cause over siblings that only saw a cancellation.
func firstFailure(results []model.StageResult) *model.StageResult {
	var cancelled *model.StageResult
	for i := range results {
		r := &results[i]
		if r.Succeeded() {
			continue
		}
		if errors.Is(r.Err, context.Canceled) {
			if cancelled == nil {
				cancelled = r
			}
			continue
		}
		return r
	}
	return cancelled
}
