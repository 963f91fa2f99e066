package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/dealflow/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- RunRecorder Mock ---

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) CreateRun(ctx context.Context, inputs map[string]any) (*model.Run, error) {
	args := m.Called(ctx, inputs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockRecorder) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	args := m.Called(ctx, runID, status)
	return args.Error(0)
}

func (m *mockRecorder) RecordStage(ctx context.Context, stage model.RunStage) error {
	args := m.Called(ctx, stage)
	return args.Error(0)
}

func (m *mockRecorder) CompleteRun(ctx context.Context, runID string, report *model.Report) error {
	args := m.Called(ctx, runID, report)
	return args.Error(0)
}

func (m *mockRecorder) FailRun(ctx context.Context, runID string, reason string) error {
	args := m.Called(ctx, runID, reason)
	return args.Error(0)
}

// --- handlers ---

// returning is a handler that echoes a fixed value.
func returning(v any) Handler {
	return HandlerFunc(func(context.Context, Input) (any, error) {
		return v, nil
	})
}

// failing is a handler that always fails with err.
func failing(err error) Handler {
	return HandlerFunc(func(context.Context, Input) (any, error) {
		return nil, err
	})
}

// captureInputs records the Input each named stage saw.
type captureInputs struct {
	mu  sync.Mutex
	got map[string]Input
}

func (c *captureInputs) wrap(name string, h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, in Input) (any, error) {
		c.mu.Lock()
		if c.got == nil {
			c.got = make(map[string]Input)
		}
		c.got[name] = in
		c.mu.Unlock()
		return h.Invoke(ctx, in)
	})
}

func (c *captureInputs) input(name string) (Input, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.got[name]
	return in, ok
}

// eventLog collects observer callbacks.
type eventLog struct {
	mu       sync.Mutex
	started  []string
	finished []model.StageResult
}

func (e *eventLog) StageStarted(_ context.Context, def StageDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, def.Name)
}

func (e *eventLog) StageFinished(_ context.Context, res model.StageResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, res)
}

// fourStageDefs mirrors the production layout: two parallel stages feeding
// two sequential ones, the last of which is primary.
func fourStageDefs() []StageDefinition {
	return []StageDefinition{
		{Name: "investor_profile", Mode: Parallel, InputKey: "investor_id", OutputKey: "investor_settings", Handler: "investor_profile"},
		{Name: "pitch_processing", Mode: Parallel, InputKey: "pitch_id", OutputKey: "pitch_processing", Handler: "pitch_processing"},
		{Name: "thesis_matching", Mode: Sequential, InputKey: "pitch_id", OutputKey: "thesis_matching", Handler: "thesis_matching"},
		{Name: "investment_summary", Mode: Sequential, InputKey: "pitch_id", OutputKey: "investment_summary", Handler: "investment_summary"},
	}
}

func registryOf(t *testing.T, handlers map[string]Handler) *Registry {
	t.Helper()
	reg := NewRegistry()
	for name, h := range handlers {
		require.NoError(t, reg.Register(name, h))
	}
	return reg
}

func fourStageHandlers() map[string]Handler {
	return map[string]Handler{
		"investor_profile": returning(map[string]any{
			"investor_id":     "inv-1",
			"full_text":       "Seed-stage fintech investor",
			"structured_data": map[string]any{"Industry": "Fintech"},
		}),
		"pitch_processing": returning(map[string]any{
			"pitch_deck_data": map[string]any{"Company": "Acme"},
			"Signal Strength": map[string]any{"rating": "High"},
		}),
		"thesis_matching": returning(map[string]any{
			"ThesisMatching":    map[string]any{"Industry": map[string]any{"Match": "Yes"}},
			"InvestmentSummary": map[string]any{"SignalStrength": map[string]any{"Score": "8"}},
		}),
		"investment_summary": returning(map[string]any{
			"Executive Summary":    "Acme is a strong fit.",
			"Final Recommendation": "Invest",
		}),
	}
}

func inputs() map[string]any {
	return map[string]any{"pitch_id": "pitch-1", "investor_id": "inv-1"}
}
