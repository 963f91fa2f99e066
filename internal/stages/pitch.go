package stages

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow/internal/model"
	"github.com/sells-group/dealflow/internal/pipeline"
	"github.com/sells-group/dealflow/internal/store"
)

const pitchSystemPrompt = `You are a venture analyst reviewing startup pitch decks. You extract facts exactly as stated, write "N/A" for anything the deck does not say, and answer with a single JSON object in the requested shape.`

const pitchDetailsPrompt = `Extract the key facts from this pitch deck, then validate them against what is generally known about the industry and assess the product's technical maturity.

Answer with JSON in exactly this shape:
%s

Pitch deck text:
%s`

const pitchAssessmentPrompt = `Using the analysis of this startup below, rate its Signal Strength (problem validation and traction), Innovation Index (technology and differentiation) and Market Pulse (market size, timing and business model). Each rating is one of Weak, Moderate or Strong, with a short assessment justifying it.

Answer with JSON in exactly this shape:
%s

Analysis:
%s`

// maxPitchChars caps how much deck text goes into a prompt.
const maxPitchChars = 60000

// PitchProcessing extracts structured facts from a pitch deck and rates it.
type PitchProcessing struct {
	store   store.RecordStore
	analyst *Analyst
}

// NewPitchProcessing returns the pitch_processing handler.
func NewPitchProcessing(st store.RecordStore, a *Analyst) *PitchProcessing {
	return &PitchProcessing{store: st, analyst: a}
}

// Invoke runs the detail and assessment calls for one deck and saves each
// answer onto the pitch record.
func (h *PitchProcessing) Invoke(ctx context.Context, in pipeline.Input) (any, error) {
	id, err := recordID(in.Value, "pitch_id")
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("stage", StagePitchProcessing), zap.String("pitch_id", id))

	text, err := loadPitchText(ctx, h.store, id)
	if err != nil {
		return nil, err
	}

	details, err := h.analyst.AskDocument(ctx, call{
		stage:  StagePitchProcessing,
		system: pitchSystemPrompt,
		prompt: fmt.Sprintf(pitchDetailsPrompt, pitchDetailsSchema.Skeleton(), truncate(text, maxPitchChars)),
	}, pitchDetailsSchema)
	if err != nil {
		return nil, err
	}
	status := h.save(ctx, log, id, store.FieldExternalValidation, details)

	assessment, err := h.analyst.AskDocument(ctx, call{
		stage:  StagePitchProcessing,
		system: pitchSystemPrompt,
		prompt: fmt.Sprintf(pitchAssessmentPrompt, pitchAssessmentSchema.Skeleton(), asJSON(map[string]any(details))),
	}, pitchAssessmentSchema)
	if err != nil {
		return nil, err
	}
	if s := h.save(ctx, log, id, store.FieldFinalPitchDeck, assessment); s == saveFailed {
		status = saveFailed
	}

	result := make(map[string]any, len(details)+len(assessment)+2)
	for k, v := range details {
		result[k] = v
	}
	for k, v := range assessment {
		result[k] = v
	}
	result["pitch_id"] = id
	result["save_status"] = status

	log.Info("stages: pitch deck processed",
		zap.String("startup", details.Text(SectionPitchDeckData, "Startup Name")),
	)
	return result, nil
}

func (h *PitchProcessing) save(ctx context.Context, log *zap.Logger, id, field string, doc model.Document) string {
	if err := h.store.SaveField(ctx, store.KindPitch, id, field, map[string]any(doc)); err != nil {
		log.Warn("stages: failed to save pitch analysis", zap.String("field", field), zap.Error(err))
		return saveFailed
	}
	return saveSucceeded
}

// loadPitchText returns the deck text stored on a pitch record.
func loadPitchText(ctx context.Context, st store.RecordStore, id string) (string, error) {
	rec, err := st.LoadRecord(ctx, store.KindPitch, id)
	if err != nil {
		return "", eris.Wrapf(err, "stages: load pitch %s", id)
	}
	text, _ := rec["extracted_text"].(string)
	if strings.TrimSpace(text) == "" {
		return "", eris.Errorf("stages: pitch %s has no extracted text", id)
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
