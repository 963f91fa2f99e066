package stages

import "github.com/sells-group/dealflow/internal/extract"

// Section and field names shared by the schemas and the aggregation rules.
const (
	SectionPitchDeckData     = "pitch_deck_data"
	SectionSignalStrength    = "Signal Strength"
	SectionInnovationIndex   = "Innovation Index"
	SectionMarketPulse       = "Market Pulse"
	SectionThesisFitScore    = "Thesis Fit Score"
	SectionThesisMatching    = "ThesisMatching"
	SectionInvestmentSummary = "InvestmentSummary"
	SectionFinalMatch        = "FinalInvestmentMatchAnalysis"

	FieldExecutiveSummary    = "Executive Summary"
	FieldFinalRecommendation = "Final Recommendation"
)

// pitchDetailsSchema is the shape of the detail-extraction call on a deck.
var pitchDetailsSchema = extract.Schema{
	Name: "pitch_details",
	Sections: []extract.Section{
		{Name: SectionPitchDeckData, Fields: []string{
			"Startup Name", "Industry", "Startup Stage", "Funding Goal",
			"Business Model", "Core Technology", "Revenue Model", "Burn Rate",
			"Projected 12M Revenue", "Customer Base", "Churn Rate", "TAM", "SAM", "SOM",
		}},
		{Name: "external_validation", Fields: []string{
			"Industry Failure Patterns", "Market Size Validation",
			"Revenue Model Comparison", "Competitive Landscape", "Regulatory Barriers",
		}},
		{Name: "tech_maturity", Fields: []string{
			"AI Adoption in Industry", "Tech Stack Comparison", "Product Readiness",
		}},
	},
}

// pitchAssessmentSchema rates the deck on the three pillars.
var pitchAssessmentSchema = extract.Schema{
	Name: "pitch_assessment",
	Sections: []extract.Section{
		{Name: SectionSignalStrength, Fields: []string{"rating", "assessment"}},
		{Name: SectionInnovationIndex, Fields: []string{"rating", "assessment"}},
		{Name: SectionMarketPulse, Fields: []string{"rating", "assessment"}},
	},
}

// thesisSchema compares the pitch against the investor's thesis. Every
// ThesisMatching field holds {Pitch, Investor, Match}; every
// InvestmentSummary field holds {Score, Comments}.
var thesisSchema = extract.Schema{
	Name: "thesis_matching",
	Sections: []extract.Section{
		{Name: SectionThesisMatching, Fields: []string{
			"Industry", "Geography", "Stage", "Funding Ask", "Check Size",
			"Exit Horizon", "Technology", "Business Model", "Competitors",
		}},
		{Name: SectionInvestmentSummary, Fields: []string{
			"SignalStrength", "InnovationIndex", "MarketPulse", "ThesisFitScore",
		}},
		{Name: SectionFinalMatch, Fields: []string{
			"FinalThesisMatchScore", "InvestorType", "InvestmentStage", "FundingAsk",
			"Technology", "Geography", "MarketSize", "CompetitiveLandscape", "RegulatoryControls",
		}},
	},
}

// summarySchema is the executive summary handed back as the report body.
var summarySchema = extract.Schema{
	Name:   "investment_summary",
	Fields: []string{FieldExecutiveSummary, FieldFinalRecommendation},
	Sections: []extract.Section{
		{Name: SectionSignalStrength, Fields: []string{
			"Problem Overview", "Validation & Supporting Data", "External Research",
			"Data Matching", "Conclusion",
		}},
		{Name: SectionInnovationIndex, Fields: []string{
			"Solution Overview", "Technology & Differentiation", "MVP Stage",
			"Competitive Edge", "External Benchmarks", "Conclusion",
		}},
		{Name: SectionMarketPulse, Fields: []string{
			"Market Opportunity", "TAM/SAM/SOM", "Growth Trends", "Business Model & Traction",
			"Revenue Model", "Financial Metrics", "External Validation", "Conclusion",
		}},
		{Name: SectionThesisFitScore, Fields: []string{
			"Investor Criteria & Match Breakdown", "Industry Alignment",
			"Geographical & Stage Fit", "Funding & Exit", "Technology & Business Model",
			"Overall Fit Score",
		}},
	},
}
