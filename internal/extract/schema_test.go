package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealflow/internal/model"
)

func TestSchema_Validate(t *testing.T) {
	require.NoError(t, assessmentSchema.Validate())

	tests := []struct {
		name   string
		schema Schema
		errMsg string
	}{
		{"empty field", Schema{Name: "s", Fields: []string{" "}}, "empty field name"},
		{"duplicate top level", Schema{
			Name:     "s",
			Fields:   []string{"A"},
			Sections: []Section{{Name: "A", Fields: []string{"x"}}},
		}, `duplicate top-level name "A"`},
		{"empty section", Schema{Name: "s", Sections: []Section{{Name: ""}}}, "empty section name"},
		{"duplicate sub-field", Schema{
			Name:     "s",
			Sections: []Section{{Name: "A", Fields: []string{"x", "x"}}},
		}, `duplicate field "x"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSchema_Paths(t *testing.T) {
	assert.Equal(t, []string{
		"Final Recommendation",
		"Signal Strength.rating", "Signal Strength.assessment",
		"Innovation Index.rating", "Innovation Index.assessment",
		"Market Pulse.rating", "Market Pulse.assessment",
	}, assessmentSchema.Paths())
}

func TestSchema_FallbackAndMissing(t *testing.T) {
	fb := assessmentSchema.Fallback()
	assert.Equal(t, FallbackMarker, fb.Text("", "Final Recommendation"))
	assert.Equal(t, FallbackMarker, fb.Text("Market Pulse", "rating"))
	assert.ElementsMatch(t, assessmentSchema.Paths(), assessmentSchema.Missing(fb))

	doc := model.Document{
		"Final Recommendation": "Invest",
		"Signal Strength":      map[string]any{"rating": "High", "assessment": ""},
		"Innovation Index":     map[string]any{"rating": "Low", "assessment": FallbackMarker},
	}
	assert.Equal(t, []string{
		"Signal Strength.assessment",
		"Innovation Index.assessment",
		"Market Pulse.rating",
		"Market Pulse.assessment",
	}, assessmentSchema.Missing(doc))
}

func TestSchema_Skeleton(t *testing.T) {
	sk := assessmentSchema.Skeleton()

	m, ok := decodeObject(sk)
	require.True(t, ok, "skeleton must be valid JSON: %s", sk)
	assert.Len(t, m, 4)
	assert.Equal(t, "...", m["Final Recommendation"])
	assert.Equal(t, map[string]any{"rating": "...", "assessment": "..."}, m["Signal Strength"])

	// Declaration order is preserved in the rendered text.
	assert.Less(t, strings.Index(sk, "Signal Strength"), strings.Index(sk, "Innovation Index"))
	assert.Less(t, strings.Index(sk, "Innovation Index"), strings.Index(sk, "Market Pulse"))
}

func TestSchema_SkeletonQuotesNames(t *testing.T) {
	s := Schema{Name: "q", Fields: []string{`Say "hi"`}}
	m, ok := decodeObject(s.Skeleton())
	require.True(t, ok)
	assert.Equal(t, "...", m[`Say "hi"`])
}
