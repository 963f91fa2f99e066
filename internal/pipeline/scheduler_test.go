package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_WriteOnce(t *testing.T) {
	seed := map[string]any{"pitch_id": "p1"}
	ec := NewExecutionContext(seed)
	seed["pitch_id"] = "mutated"

	v, ok := ec.Get("pitch_id")
	require.True(t, ok)
	assert.Equal(t, "p1", v)

	require.NoError(t, ec.Set("out", 1))
	require.Error(t, ec.Set("out", 2))
	require.Error(t, ec.Set("pitch_id", "again"))

	v, _ = ec.Get("out")
	assert.Equal(t, 1, v)
	assert.Equal(t, []string{"out", "pitch_id"}, ec.Keys())

	snap := ec.Snapshot()
	snap["extra"] = true
	_, ok = ec.Get("extra")
	assert.False(t, ok)
}

func TestScheduler_ParallelThenSequential(t *testing.T) {
	capture := &captureInputs{}
	handlers := fourStageHandlers()
	for name, h := range handlers {
		handlers[name] = capture.wrap(name, h)
	}
	reg := registryOf(t, handlers)
	events := &eventLog{}
	sched := NewScheduler(reg, WithObserver(events))
	ec := NewExecutionContext(inputs())

	err := sched.Run(context.Background(), BuildLevels(fourStageDefs()), ec)

	require.NoError(t, err)
	assert.Equal(t, []string{"investor_profile", "pitch_processing", "thesis_matching", "investment_summary"}, ec.Executed())
	assert.False(t, ec.Finished().IsZero())
	for _, k := range []string{"investor_settings", "pitch_processing", "thesis_matching", "investment_summary"} {
		_, ok := ec.Get(k)
		assert.True(t, ok, "context should hold %s", k)
	}

	// Parallel stages read their own keys and see only the seed inputs.
	in, ok := capture.input("investor_profile")
	require.True(t, ok)
	assert.Equal(t, "inv-1", in.Value)
	assert.Nil(t, in.Previous)
	assert.NotContains(t, in.Context, "pitch_processing")

	// Sequential stages see every parallel output, and the prior stage's result.
	in, ok = capture.input("thesis_matching")
	require.True(t, ok)
	assert.Equal(t, "pitch-1", in.Value)
	assert.Contains(t, in.Context, "investor_settings")
	assert.Contains(t, in.Context, "pitch_processing")
	assert.Nil(t, in.Previous)

	in, ok = capture.input("investment_summary")
	require.True(t, ok)
	assert.Contains(t, in.Context, "thesis_matching")
	thesis, _ := ec.Get("thesis_matching")
	assert.Equal(t, thesis, in.Previous)

	assert.Len(t, events.started, 4)
	assert.Len(t, events.finished, 4)
}

func TestScheduler_InputFromPrevious(t *testing.T) {
	capture := &captureInputs{}
	reg := registryOf(t, map[string]Handler{
		"first":  capture.wrap("first", returning("first-result")),
		"second": capture.wrap("second", returning("second-result")),
	})
	defs := []StageDefinition{
		{Name: "first", Mode: Sequential, InputKey: "seed", OutputKey: "a", Handler: "first"},
		{Name: "second", Mode: Sequential, InputKey: "seed", OutputKey: "b", Handler: "second", InputFromPrevious: true},
	}
	ec := NewExecutionContext(map[string]any{"seed": "s"})

	require.NoError(t, NewScheduler(reg).Run(context.Background(), BuildLevels(defs), ec))

	in, _ := capture.input("second")
	assert.Equal(t, "first-result", in.Value)
	assert.Equal(t, "first-result", in.Previous)
}

func TestScheduler_ParallelStagesRunConcurrently(t *testing.T) {
	var inflight, peak atomic.Int32
	gate := make(chan struct{})
	slow := HandlerFunc(func(ctx context.Context, in Input) (any, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == 3 {
			close(gate)
		}
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
		}
		inflight.Add(-1)
		return in.Value, nil
	})
	reg := registryOf(t, map[string]Handler{"slow": slow})
	defs := []StageDefinition{
		{Name: "a", Mode: Parallel, InputKey: "in", OutputKey: "a", Handler: "slow"},
		{Name: "b", Mode: Parallel, InputKey: "in", OutputKey: "b", Handler: "slow"},
		{Name: "c", Mode: Parallel, InputKey: "in", OutputKey: "c", Handler: "slow"},
	}

	err := NewScheduler(reg).Run(context.Background(), BuildLevels(defs), NewExecutionContext(map[string]any{"in": 1}))

	require.NoError(t, err)
	assert.Equal(t, int32(3), peak.Load())
}

func TestScheduler_ParallelFailureDiscardsLevel(t *testing.T) {
	boom := errors.New("analysis service unavailable")
	var siblingDone atomic.Bool
	reg := registryOf(t, map[string]Handler{
		"ok": HandlerFunc(func(context.Context, Input) (any, error) {
			time.Sleep(20 * time.Millisecond)
			siblingDone.Store(true)
			return "sibling", nil
		}),
		"bad": failing(boom),
		"seq": returning("never"),
	})
	defs := []StageDefinition{
		{Name: "good", Mode: Parallel, InputKey: "in", OutputKey: "good", Handler: "ok"},
		{Name: "broken", Mode: Parallel, InputKey: "in", OutputKey: "broken", Handler: "bad"},
		{Name: "after", Mode: Sequential, InputKey: "in", OutputKey: "after", Handler: "seq"},
	}
	ec := NewExecutionContext(map[string]any{"in": 1})

	err := NewScheduler(reg).Run(context.Background(), BuildLevels(defs), ec)

	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "broken", se.Stage)
	assert.ErrorIs(t, err, ErrStageFailed)
	assert.ErrorIs(t, err, boom)

	// The sibling ran to completion but its result was never committed.
	assert.True(t, siblingDone.Load())
	_, ok := ec.Get("good")
	assert.False(t, ok)
	_, ok = ec.Get("after")
	assert.False(t, ok)
	assert.Empty(t, ec.Executed())
	assert.True(t, ec.Finished().IsZero())
}

func TestScheduler_CancelOnFailure(t *testing.T) {
	boom := errors.New("boom")
	reg := registryOf(t, map[string]Handler{
		"wait": HandlerFunc(func(ctx context.Context, _ Input) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		}),
		"bad": HandlerFunc(func(context.Context, Input) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, boom
		}),
	})
	defs := []StageDefinition{
		{Name: "waiter", Mode: Parallel, InputKey: "in", OutputKey: "w", Handler: "wait"},
		{Name: "broken", Mode: Parallel, InputKey: "in", OutputKey: "b", Handler: "bad"},
	}

	start := time.Now()
	err := NewScheduler(reg, WithCancelOnFailure(true)).
		Run(context.Background(), BuildLevels(defs), NewExecutionContext(map[string]any{"in": 1}))

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	var se *StageError
	require.ErrorAs(t, err, &se)
	// The root cause is reported, not the cancelled sibling declared first.
	assert.Equal(t, "broken", se.Stage)
}

func TestScheduler_LevelTimeout(t *testing.T) {
	reg := registryOf(t, map[string]Handler{
		"hang": HandlerFunc(func(ctx context.Context, _ Input) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	defs := []StageDefinition{{Name: "hang", Mode: Sequential, InputKey: "in", OutputKey: "out", Handler: "hang"}}

	err := NewScheduler(reg, WithLevelTimeout(20*time.Millisecond)).
		Run(context.Background(), BuildLevels(defs), NewExecutionContext(map[string]any{"in": 1}))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_StageFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		inputs  map[string]any
		wantIs  error
		errMsg  string
	}{
		{
			name:    "missing input",
			handler: returning("x"),
			inputs:  map[string]any{},
			wantIs:  ErrNoInput,
		},
		{
			name:    "nil result",
			handler: returning(nil),
			inputs:  map[string]any{"in": 1},
			errMsg:  "returned no result",
		},
		{
			name: "panic",
			handler: HandlerFunc(func(context.Context, Input) (any, error) {
				panic("nil map write")
			}),
			inputs: map[string]any{"in": 1},
			errMsg: "panicked: nil map write",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registryOf(t, map[string]Handler{"h": tt.handler})
			defs := []StageDefinition{{Name: "only", Mode: Sequential, InputKey: "in", OutputKey: "out", Handler: "h"}}
			events := &eventLog{}

			err := NewScheduler(reg, WithObserver(events)).
				Run(context.Background(), BuildLevels(defs), NewExecutionContext(tt.inputs))

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrStageFailed)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.errMsg != "" {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
			require.Len(t, events.finished, 1)
			assert.False(t, events.finished[0].Succeeded())
			assert.NotEmpty(t, events.finished[0].Error)
		})
	}
}

func TestScheduler_CancelledContext(t *testing.T) {
	reg := registryOf(t, map[string]Handler{"h": returning(1)})
	defs := []StageDefinition{{Name: "only", Mode: Sequential, InputKey: "in", OutputKey: "out", Handler: "h"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewScheduler(reg).Run(ctx, BuildLevels(defs), NewExecutionContext(map[string]any{"in": 1}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
	var se *StageError
	assert.False(t, errors.As(err, &se), "cancellation is not a stage failure")
}
