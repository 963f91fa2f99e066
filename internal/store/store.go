package store

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealflow/internal/model"
)

// ErrNotFound is returned when a record or run does not exist.
var ErrNotFound = eris.New("store: not found")

// RecordKind names a table of source records the stages read and annotate.
type RecordKind string

const (
	KindPitch    RecordKind = "pitch"
	KindInvestor RecordKind = "investor"
)

// Analysis columns written back by the stages.
const (
	FieldInvestorSettings   = "investor_settings_agent"
	FieldExternalValidation = "external_validation_agent"
	FieldFinalPitchDeck     = "final_pitch_deck_agent"
	FieldThesisSettings     = "thesis_settings_agent"
	FieldInvestmentSummary  = "investment_summary_agent"
)

// recordTable maps a RecordKind to its table and the columns SaveField may
// write. Column names never come from callers unchecked.
type recordTable struct {
	name     string
	idColumn string
	writable []string
}

var recordTables = map[RecordKind]recordTable{
	KindPitch: {
		name:     "pitch_decks",
		idColumn: "pitch_id",
		writable: []string{
			FieldExternalValidation,
			FieldFinalPitchDeck,
			FieldThesisSettings,
			FieldInvestmentSummary,
		},
	},
	KindInvestor: {
		name:     "investor_profiles",
		idColumn: "investor_id",
		writable: []string{FieldInvestorSettings},
	},
}

func tableFor(kind RecordKind, field string) (recordTable, error) {
	t, ok := recordTables[kind]
	if !ok {
		return recordTable{}, eris.Errorf("store: unknown record kind %q", kind)
	}
	if field != "" && !slices.Contains(t.writable, field) {
		return recordTable{}, eris.Errorf("store: field %q is not writable on %s", field, t.name)
	}
	return t, nil
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// RecordStore reads source records and writes analysis results back to them.
type RecordStore interface {
	LoadRecord(ctx context.Context, kind RecordKind, id string) (map[string]any, error)
	SaveField(ctx context.Context, kind RecordKind, id, field string, value any) error
}

// RunStore tracks pipeline runs, their stages and the final report.
type RunStore interface {
	CreateRun(ctx context.Context, inputs map[string]any) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	RecordStage(ctx context.Context, stage model.RunStage) error
	CompleteRun(ctx context.Context, runID string, report *model.Report) error
	FailRun(ctx context.Context, runID string, reason string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	ListStages(ctx context.Context, runID string) ([]model.RunStage, error)
}

// Store is the full persistence interface.
type Store interface {
	RecordStore
	RunStore

	Migrate(ctx context.Context) error
	Close() error
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
