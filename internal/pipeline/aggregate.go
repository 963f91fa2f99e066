package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dealflow/internal/model"
)

const (
	// SummaryTextKey holds a primary result that could not be decoded.
	SummaryTextKey = "Summary Text"
	// PrimaryMetadataKey receives a "metadata" section from the primary
	// result so the report metadata block never clobbers it.
	PrimaryMetadataKey = "primary_metadata"
)

// PlaceholderSection is the report body used when the primary result is empty.
var PlaceholderSection = map[string]any{"Executive Summary": "No detailed summary available"}

// SectionRule composes one report section from a secondary result.
type SectionRule struct {
	Section string
	Build   func(src map[string]any) (any, bool)
}

// Secondary names a context key folded into the report after the primary.
// With no rules every top-level key of the value is offered as a section.
type Secondary struct {
	Key   string
	Rules []SectionRule
}

// Copy returns a rule that carries section name over unchanged.
func Copy(name string) SectionRule {
	return CopyAs(name, name)
}

// CopyAs returns a rule that carries src[from] over as section to.
func CopyAs(to, from string) SectionRule {
	return SectionRule{
		Section: to,
		Build: func(src map[string]any) (any, bool) {
			v, ok := src[from]
			return v, ok && v != nil
		},
	}
}

// Aggregator folds an ExecutionContext into a Report. Sections are
// first-writer-wins: the primary result first, then each secondary in
// declared order.
type Aggregator struct {
	primary     string
	secondaries []Secondary
}

// NewAggregator returns an aggregator whose report is based on the value
// at primary.
func NewAggregator(primary string, secondaries ...Secondary) *Aggregator {
	return &Aggregator{primary: primary, secondaries: secondaries}
}

// Primary returns the context key the report is based on.
func (a *Aggregator) Primary() string { return a.primary }

// Aggregate builds the report. It does not fail: malformed secondary values
// and rules that panic are skipped with a warning. The report shares no
// mutable state with ec, so aggregating the same context twice produces
// identical reports.
func (a *Aggregator) Aggregate(ec *ExecutionContext) *model.Report {
	log := zap.L().With(zap.String("primary", a.primary))

	pv, _ := ec.Get(a.primary)
	report := &model.Report{Sections: a.base(pv)}
	if v, ok := report.Sections[model.MetadataKey]; ok {
		delete(report.Sections, model.MetadataKey)
		if _, clash := report.Sections[PrimaryMetadataKey]; !clash {
			report.Sections[PrimaryMetadataKey] = v
		}
	}

	for _, sec := range a.secondaries {
		if sec.Key == a.primary {
			continue
		}
		raw, ok := ec.Get(sec.Key)
		if !ok || raw == nil {
			log.Debug("aggregate: secondary not in context", zap.String("key", sec.Key))
			continue
		}
		src, ok := asMap(raw)
		if !ok {
			log.Warn("aggregate: skipping malformed secondary",
				zap.String("key", sec.Key),
				zap.String("value", model.Summarize(raw)),
			)
			continue
		}

		rules := sec.Rules
		if len(rules) == 0 {
			rules = copyAll(src)
		}
		for _, rule := range rules {
			if report.Has(rule.Section) {
				continue
			}
			v, ok := applyRule(rule, src, sec.Key)
			if !ok {
				continue
			}
			report.Sections[rule.Section] = deepCopy(v)
		}
	}

	report.Metadata = model.ReportMetadata{
		ProcessingTimestamp: ec.finishedOr(time.Now().UTC()),
		StagesExecuted:      ec.Executed(),
	}

	log.Info("aggregate: report built",
		zap.Int("sections", len(report.Sections)),
		zap.Strings("stages", report.Metadata.StagesExecuted),
	)
	return report
}

// base turns the primary value into the report's starting sections.
func (a *Aggregator) base(v any) map[string]any {
	if isEmpty(v) {
		zap.L().Warn("aggregate: primary result empty, using placeholder", zap.String("key", a.primary))
		return deepCopy(PlaceholderSection).(map[string]any)
	}
	m, ok := asMap(v)
	if ok && len(m) > 0 {
		return deepCopy(m).(map[string]any)
	}
	if ok {
		zap.L().Warn("aggregate: primary result has no sections, using placeholder", zap.String("key", a.primary))
		return deepCopy(PlaceholderSection).(map[string]any)
	}
	text, ok := v.(string)
	if !ok {
		text = fmt.Sprint(v)
	}
	zap.L().Warn("aggregate: primary result is not structured, wrapping as text",
		zap.String("key", a.primary),
		zap.Int("chars", len(text)),
	)
	return map[string]any{SummaryTextKey: text}
}

// applyRule runs rule.Build, treating a panic as "no section".
func applyRule(rule SectionRule, src map[string]any, key string) (v any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("aggregate: section rule panicked, skipping",
				zap.String("key", key),
				zap.String("section", rule.Section),
				zap.Any("panic", r),
			)
			v, ok = nil, false
		}
	}()
	return rule.Build(src)
}

func copyAll(src map[string]any) []SectionRule {
	rules := make([]SectionRule, 0, len(src))
	for _, k := range sortedKeys(src) {
		rules = append(rules, Copy(k))
	}
	return rules
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// asMap returns v as a record. Strings are decoded as JSON objects.
func asMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, true
	case model.Document:
		return val, true
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(val)), &m); err != nil || m == nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case map[string]any:
		return len(val) == 0
	case model.Document:
		return len(val) == 0
	default:
		return false
	}
}

// deepCopy clones the JSON-shaped containers in v.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = deepCopy(x)
		}
		return out
	case model.Document:
		return deepCopy(map[string]any(val))
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = deepCopy(x)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
