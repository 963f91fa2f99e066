package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/dealflow/internal/pipeline"
	"github.com/sells-group/dealflow/internal/store"
)

const thesisSystemPrompt = `You are an investment analyst matching startups to investor theses. You compare what the pitch offers with what the investor looks for, field by field, and answer with a single JSON object in the requested shape.`

const thesisPrompt = `Compare this startup with the investor's thesis.

In %[1]q every field is an object {"Pitch": "...", "Investor": "...", "Match": "..."} stating what the pitch says, what the investor wants and how well they align.
In %[2]q every field is an object {"Score": "0-10", "Comments": "..."}.
In %[3]q every field is a short assessment; FinalThesisMatchScore is a score out of 100 with one sentence of reasoning.

Answer with JSON in exactly this shape:
%[4]s

Investor profile:
%[5]s

Investor criteria:
%[6]s

Pitch analysis:
%[7]s

Pitch deck text:
%[8]s`

// ThesisMatching scores a pitch against the investor's thesis.
type ThesisMatching struct {
	store   store.RecordStore
	analyst *Analyst
}

// NewThesisMatching returns the thesis_matching handler.
func NewThesisMatching(st store.RecordStore, a *Analyst) *ThesisMatching {
	return &ThesisMatching{store: st, analyst: a}
}

// Invoke reads the investor and pitch results already in the context and
// asks for a field-by-field thesis match.
func (h *ThesisMatching) Invoke(ctx context.Context, in pipeline.Input) (any, error) {
	id, err := recordID(in.Value, "pitch_id")
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("stage", StageThesisMatching), zap.String("pitch_id", id))

	text, err := loadPitchText(ctx, h.store, id)
	if err != nil {
		return nil, err
	}

	investor := contextRecord(in, KeyInvestorSettings)
	pitch := contextRecord(in, KeyPitchProcessing)
	if investor == nil || pitch == nil {
		log.Warn("stages: thesis matching without earlier results",
			zap.Bool("investor", investor != nil),
			zap.Bool("pitch", pitch != nil),
		)
	}

	prompt := fmt.Sprintf(thesisPrompt,
		SectionThesisMatching, SectionInvestmentSummary, SectionFinalMatch,
		thesisSchema.Skeleton(),
		field(investor, "full_text"),
		asJSON(investor["structured_data"]),
		asJSON(pitchAnalysis(pitch)),
		truncate(text, maxPitchChars/2),
	)

	doc, err := h.analyst.AskDocument(ctx, call{
		stage:  StageThesisMatching,
		system: thesisSystemPrompt,
		prompt: prompt,
	}, thesisSchema)
	if err != nil {
		return nil, err
	}

	result := map[string]any(doc)
	if err := h.store.SaveField(ctx, store.KindPitch, id, store.FieldThesisSettings, result); err != nil {
		log.Warn("stages: failed to save thesis match", zap.Error(err))
	}

	log.Info("stages: thesis matched",
		zap.String("score", doc.Text(SectionFinalMatch, "FinalThesisMatchScore")),
	)
	return result, nil
}

// pitchAnalysis drops bookkeeping keys from a pitch_processing result.
func pitchAnalysis(pitch map[string]any) map[string]any {
	if pitch == nil {
		return nil
	}
	out := make(map[string]any, len(pitch))
	for k, v := range pitch {
		if k == "pitch_id" || k == "save_status" {
			continue
		}
		out[k] = v
	}
	return out
}
