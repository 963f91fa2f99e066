package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow/internal/pipeline"
	"github.com/sells-group/dealflow/internal/store"
)

const investorSystemPrompt = `You are an experienced investment professional specializing in investor profiling. You know the venture capital ecosystem and the nuances of investor types, strategies and decision making, and you distill complex information into concise, actionable summaries.`

// investorPromptGroups lays out the profile prompt: heading, then label and
// record column pairs.
var investorPromptGroups = []struct {
	heading string
	fields  [][2]string
}{
	{"Investor Type & Background", [][2]string{
		{"Investor Type", "investor_type"},
		{"Name", "investor_name"},
		{"Investment Experience", "investment_experience"},
		{"Previous Background", "background"},
	}},
	{"Investment Thesis", [][2]string{
		{"Primary Impact Areas", "primary_impact_areas"},
		{"Focus Areas", "investment_focus_areas"},
		{"Geographical Preferences", "geographical_preferences"},
		{"Startup Stages", "startup_stages"},
		{"Business Models", "business_models"},
		{"Return Expectations", "target_roi"},
		{"Exit Horizon", "exit_horizon"},
	}},
	{"Investment Preferences & Criteria", [][2]string{
		{"Minimum Check Size", "check_size_min"},
		{"Maximum Check Size", "check_size_max"},
		{"Preferred Ownership Stake", "preferred_ownership"},
		{"Traction & Growth Metrics", "revenue_milestones"},
		{"Monthly Recurring Revenue", "monthly_recurring_revenue"},
		{"Traction Revenue Market", "traction_revenue_market"},
		{"TAM", "tam"},
		{"SAM", "sam"},
		{"SOM", "som"},
		{"Technology & Scalability Preferences", "technology_scalability"},
		{"Past Investments", "past_investments"},
	}},
}

// profileWords is the target length of an investor profile.
const profileWords = 500

// InvestorProfile summarizes an investor's record into a written profile.
type InvestorProfile struct {
	store   store.RecordStore
	analyst *Analyst
}

// NewInvestorProfile returns the investor_profile handler.
func NewInvestorProfile(st store.RecordStore, a *Analyst) *InvestorProfile {
	return &InvestorProfile{store: st, analyst: a}
}

// Invoke loads the investor, asks for a profile and saves it back onto the
// record. A failed save is reported in save_status, not as an error.
func (h *InvestorProfile) Invoke(ctx context.Context, in pipeline.Input) (any, error) {
	id, err := recordID(in.Value, "investor_id")
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("stage", StageInvestorProfile), zap.String("investor_id", id))

	rec, err := h.store.LoadRecord(ctx, store.KindInvestor, id)
	if err != nil {
		return nil, eris.Wrapf(err, "stages: load investor %s", id)
	}

	text, err := h.analyst.Ask(ctx, call{
		stage:       StageInvestorProfile,
		system:      investorSystemPrompt,
		prompt:      investorPrompt(rec),
		temperature: temperature(0.2),
	})
	if err != nil {
		return nil, err
	}

	words := len(strings.Fields(text))
	log.Info("stages: investor profile generated", zap.Int("word_count", words))

	result := map[string]any{
		"investor_id":     id,
		"full_text":       text,
		"structured_data": rec,
		"word_count":      words,
		"save_status":     saveSucceeded,
	}

	saved := map[string]any{
		"investor_id": id,
		"summary":     text,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.store.SaveField(ctx, store.KindInvestor, id, store.FieldInvestorSettings, saved); err != nil {
		log.Warn("stages: failed to save investor profile", zap.Error(err))
		result["save_status"] = saveFailed
	}
	return result, nil
}

func investorPrompt(rec map[string]any) string {
	var b strings.Builder
	b.WriteString("Create a comprehensive investor profile summary based on the following details.\n")
	for _, g := range investorPromptGroups {
		fmt.Fprintf(&b, "\n**%s**\n", g.heading)
		for _, f := range g.fields {
			fmt.Fprintf(&b, "- **%s:** %s\n", f[0], field(rec, f[1]))
		}
	}
	fmt.Fprintf(&b, `
Format the profile as structured markdown, make educated inferences from the
investor's background and type, and keep it to about %d words. Include an
Overview and the investor's areas of interest and expertise. Make it engaging
and actionable for founders seeking funding.
`, profileWords)
	return b.String()
}
