// Package stages holds the four analysis stages of a dealflow run and the
// rules that fold their results into a report.
package stages

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/dealflow/internal/pipeline"
	"github.com/sells-group/dealflow/internal/store"
)

// Stage and handler names.
const (
	StageInvestorProfile   = "investor_profile"
	StagePitchProcessing   = "pitch_processing"
	StageThesisMatching    = "thesis_matching"
	StageInvestmentSummary = "investment_summary"
)

// Execution context keys.
const (
	KeyInvestorID        = "investor_id"
	KeyPitchID           = "pitch_id"
	KeyInvestorSettings  = "investor_settings"
	KeyPitchProcessing   = "pitch_processing"
	KeyThesisMatching    = "thesis_matching"
	KeyInvestmentSummary = "investment_summary"
)

// Report sections composed from secondary results.
const (
	ReportPitchAnalysis   = "PitchAnalysis"
	ReportInvestorProfile = "InvestorProfile"
)

const (
	saveSucceeded = "success"
	saveFailed    = "failed"
)

// Definitions returns the analysis workflow: the investor and pitch stages
// run together, then thesis matching, then the investment summary.
func Definitions() []pipeline.StageDefinition {
	return []pipeline.StageDefinition{
		{Name: StageInvestorProfile, Mode: pipeline.Parallel, InputKey: KeyInvestorID, OutputKey: KeyInvestorSettings, Handler: StageInvestorProfile},
		{Name: StagePitchProcessing, Mode: pipeline.Parallel, InputKey: KeyPitchID, OutputKey: KeyPitchProcessing, Handler: StagePitchProcessing},
		{Name: StageThesisMatching, Mode: pipeline.Sequential, InputKey: KeyPitchID, OutputKey: KeyThesisMatching, Handler: StageThesisMatching},
		{Name: StageInvestmentSummary, Mode: pipeline.Sequential, InputKey: KeyPitchID, OutputKey: KeyInvestmentSummary, Handler: StageInvestmentSummary},
	}
}

// Register adds every stage handler to reg.
func Register(reg *pipeline.Registry, st store.RecordStore, a *Analyst) error {
	handlers := []struct {
		name string
		h    pipeline.Handler
	}{
		{StageInvestorProfile, NewInvestorProfile(st, a)},
		{StagePitchProcessing, NewPitchProcessing(st, a)},
		{StageThesisMatching, NewThesisMatching(st, a)},
		{StageInvestmentSummary, NewInvestmentSummary(st, a)},
	}
	for _, h := range handlers {
		if err := reg.Register(h.name, h.h); err != nil {
			return eris.Wrap(err, "stages: register handlers")
		}
	}
	return nil
}

// NewAggregator builds the report from the investment summary, adding the
// thesis match, the pitch analysis and the investor profile.
func NewAggregator() *pipeline.Aggregator {
	return pipeline.NewAggregator(KeyInvestmentSummary,
		pipeline.Secondary{Key: KeyThesisMatching, Rules: []pipeline.SectionRule{
			pipeline.Copy(SectionThesisMatching),
			pipeline.Copy(SectionInvestmentSummary),
			pipeline.Copy(SectionFinalMatch),
		}},
		pipeline.Secondary{Key: KeyPitchProcessing, Rules: []pipeline.SectionRule{
			{Section: ReportPitchAnalysis, Build: pitchAnalysisSection},
		}},
		pipeline.Secondary{Key: KeyInvestorSettings, Rules: []pipeline.SectionRule{
			{Section: ReportInvestorProfile, Build: investorProfileSection},
		}},
	)
}

// pitchAnalysisSection prefers the extracted deck facts and otherwise keeps
// the first available rating, labelled with its pillar.
func pitchAnalysisSection(src map[string]any) (any, bool) {
	if v, ok := src[SectionPitchDeckData]; ok && v != nil {
		return v, true
	}
	for _, k := range []string{SectionSignalStrength, SectionInnovationIndex, SectionMarketPulse} {
		if v, ok := src[k]; ok && v != nil {
			return map[string]any{k: v}, true
		}
	}
	return nil, false
}

// investorProfileSection keeps the investor's id with either their stated
// preferences or, failing that, the written profile.
func investorProfileSection(src map[string]any) (any, bool) {
	out := make(map[string]any, 2)
	if id, ok := src[KeyInvestorID]; ok {
		out[KeyInvestorID] = id
	}
	if v, ok := src["structured_data"]; ok {
		out["preferences"] = v
	} else if v, ok := src["full_text"]; ok {
		out["summary"] = v
	}
	return out, len(out) > 0
}
