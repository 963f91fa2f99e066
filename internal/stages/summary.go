package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/dealflow/internal/pipeline"
	"github.com/sells-group/dealflow/internal/store"
)

const summarySystemPrompt = `You are a senior investment associate writing executive summaries for an investment committee. You are specific, cite figures from the material you are given, and answer with a single JSON object in the requested shape.`

const summaryPrompt = `Write the executive summary of this startup for the investor below.

%[1]q is the startup's name. %[2]q is a one-paragraph recommendation: invest, pass or dig deeper, and why.
Every other field is a short paragraph grounded in the material below.

Answer with JSON in exactly this shape:
%[3]s

Investor profile:
%[4]s

Pitch analysis:
%[5]s

Thesis match:
%[6]s

Pitch deck text:
%[7]s`

// InvestmentSummary writes the executive summary that becomes the report.
type InvestmentSummary struct {
	store   store.RecordStore
	analyst *Analyst
}

// NewInvestmentSummary returns the investment_summary handler.
func NewInvestmentSummary(st store.RecordStore, a *Analyst) *InvestmentSummary {
	return &InvestmentSummary{store: st, analyst: a}
}

// Invoke combines every earlier result into the executive summary.
func (h *InvestmentSummary) Invoke(ctx context.Context, in pipeline.Input) (any, error) {
	id, err := recordID(in.Value, "pitch_id")
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("stage", StageInvestmentSummary), zap.String("pitch_id", id))

	text, err := loadPitchText(ctx, h.store, id)
	if err != nil {
		return nil, err
	}

	thesis := contextRecord(in, KeyThesisMatching)
	if thesis == nil {
		if m, ok := in.Previous.(map[string]any); ok {
			thesis = m
		}
	}

	prompt := fmt.Sprintf(summaryPrompt,
		FieldExecutiveSummary, FieldFinalRecommendation,
		summarySchema.Skeleton(),
		field(contextRecord(in, KeyInvestorSettings), "full_text"),
		asJSON(pitchAnalysis(contextRecord(in, KeyPitchProcessing))),
		asJSON(thesis),
		truncate(text, maxPitchChars/2),
	)

	doc, err := h.analyst.AskDocument(ctx, call{
		stage:       StageInvestmentSummary,
		system:      summarySystemPrompt,
		prompt:      prompt,
		temperature: temperature(0.2),
	}, summarySchema)
	if err != nil {
		return nil, err
	}

	result := map[string]any(doc)
	if err := h.store.SaveField(ctx, store.KindPitch, id, store.FieldInvestmentSummary, result); err != nil {
		log.Warn("stages: failed to save investment summary", zap.Error(err))
	}

	log.Info("stages: investment summary written",
		zap.String("startup", doc.Text("", FieldExecutiveSummary)),
	)
	return result, nil
}
