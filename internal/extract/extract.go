package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/dealflow/internal/model"
)

// Strategy names the layer that produced the base document.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyBounded  Strategy = "bounded"
	StrategySections Strategy = "sections"
	StrategyFields   Strategy = "fields"
	StrategyFallback Strategy = "fallback"
)

// maxCandidates caps how many opening braces the bounded strategy will try.
const maxCandidates = 32

// Outcome describes how a document was recovered.
type Outcome struct {
	Strategy  Strategy
	Recovered []string // paths filled by field-level search
	Fallbacks []string // paths filled with FallbackMarker
}

// Extract parses raw into a document that satisfies schema. It never fails:
// anything no strategy can recover is set to FallbackMarker.
func Extract(raw string, schema Schema) model.Document {
	doc, _ := ExtractDetailed(raw, schema)
	return doc
}

// ExtractDetailed is Extract plus a report of which layers did the work.
func ExtractDetailed(raw string, schema Schema) (doc model.Document, out Outcome) {
	log := zap.L().With(zap.String("schema", schema.Name))

	defer func() {
		if r := recover(); r != nil {
			log.Warn("extract: recovered from panic, using fallback document",
				zap.Any("panic", r),
			)
			doc = schema.Fallback()
			out = Outcome{Strategy: StrategyFallback, Fallbacks: schema.Paths()}
		}
	}()

	base, strategy := parseWhole(raw)
	if base == nil {
		base = make(map[string]any)
		strategy = StrategyFields
	}
	if n := fillSections(base, raw, schema); n > 0 && strategy == StrategyFields {
		strategy = StrategySections
	}

	out.Strategy = strategy
	doc = complete(base, raw, schema, &out)
	if len(out.Fallbacks) == len(schema.Paths()) && len(out.Fallbacks) > 0 {
		out.Strategy = StrategyFallback
	}

	switch {
	case len(out.Fallbacks) > 0:
		log.Warn("extract: fields filled with fallback marker",
			zap.String("strategy", string(out.Strategy)),
			zap.Strings("fallbacks", out.Fallbacks),
			zap.Int("raw_len", len(raw)),
		)
	case out.Strategy != StrategyDirect:
		log.Info("extract: document recovered",
			zap.String("strategy", string(out.Strategy)),
			zap.Int("recovered_fields", len(out.Recovered)),
		)
	default:
		log.Debug("extract: parsed document directly")
	}
	return doc, out
}

// parseWhole runs the whole-document strategies in order.
func parseWhole(raw string) (map[string]any, Strategy) {
	if m, ok := parseDirect(raw); ok {
		return m, StrategyDirect
	}
	if m, ok := parseBounded(raw); ok {
		return m, StrategyBounded
	}
	return nil, ""
}

// parseDirect parses the entire text as a JSON object.
func parseDirect(raw string) (map[string]any, bool) {
	return decodeObject(strings.TrimSpace(raw))
}

// parseBounded finds the outermost brace-delimited region, tolerating prose
// and fences around it, repairs it and parses it. Each opening brace is tried
// as a candidate in turn so that braces in leading prose do not hide the
// real object. Braces nested inside a candidate are never tried on their own.
func parseBounded(raw string) (map[string]any, bool) {
	text := stripFences(raw)
	tried := 0
	for i := 0; i < len(text) && tried < maxCandidates; i++ {
		if text[i] != '{' {
			continue
		}
		tried++
		end, _ := matchingEnd(text, i)
		candidate := text[i:end]
		if m, ok := decodeObject(candidate); ok && len(m) > 0 {
			return m, true
		}
		if m, ok := decodeObject(repair(candidate)); ok && len(m) > 0 {
			return m, true
		}
		i = end - 1
	}
	return nil, false
}

// fillSections locates each required section that base lacks as a record
// and parses its region on its own. It returns how many sections it filled.
func fillSections(base map[string]any, raw string, schema Schema) int {
	filled := 0
	for _, sec := range schema.Sections {
		if _, ok := asRecord(base[sec.Name]); ok {
			continue
		}
		region, ok := sectionRegion(raw, sec.Name)
		if !ok {
			continue
		}
		m, ok := decodeObject(region)
		if !ok {
			m, ok = decodeObject(repair(region))
		}
		if !ok {
			continue
		}
		if prev, exists := base[sec.Name]; exists && prev != nil {
			zap.L().Warn("extract: replacing non-record section value",
				zap.String("section", sec.Name),
				zap.String("type", fmt.Sprintf("%T", prev)),
			)
		}
		base[sec.Name] = m
		filled++
	}
	return filled
}

// sectionRegion returns the brace-delimited value of "<name>": { ... } in raw.
// A region cut off by the end of the text is returned as-is for repair.
func sectionRegion(raw, name string) (string, bool) {
	re := regexp.MustCompile(`"` + regexp.QuoteMeta(name) + `"\s*:\s*\{`)
	loc := re.FindStringIndex(raw)
	if loc == nil {
		return "", false
	}
	open := loc[1] - 1
	end, _ := matchingEnd(raw, open)
	return raw[open:end], true
}

// sectionScope returns the text from the section's key to the end of its
// region, used to bind repeated sub-field names to the right section.
func sectionScope(raw, name string) string {
	re := regexp.MustCompile(`"` + regexp.QuoteMeta(name) + `"\s*:`)
	loc := re.FindStringIndex(raw)
	if loc == nil {
		return ""
	}
	rest := raw[loc[1]:]
	open := strings.IndexAny(rest, "{\"")
	if open < 0 || rest[open] != '{' {
		return rest
	}
	end, _ := matchingEnd(rest, open)
	return rest[:end]
}

// fieldPattern matches "<field>": "<value>" and captures the raw value.
func fieldPattern(field string) *regexp.Regexp {
	return regexp.MustCompile(`"` + regexp.QuoteMeta(field) + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
}

// findField searches text for a "<field>": "<value>" fragment.
func findField(text, field string) (string, bool) {
	if text == "" {
		return "", false
	}
	re := fieldPattern(field)
	m := re.FindStringSubmatch(text)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return "", false
	}
	var v string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &v); err != nil {
		return m[1], true
	}
	return v, true
}

// span is a byte range [start, end) of raw.
type span struct{ start, end int }

// sectionSpans returns the key-to-closing-brace range of every required
// section found in raw.
func sectionSpans(raw string, schema Schema) []span {
	var spans []span
	for _, sec := range schema.Sections {
		re := regexp.MustCompile(`"` + regexp.QuoteMeta(sec.Name) + `"\s*:\s*\{`)
		loc := re.FindStringIndex(raw)
		if loc == nil {
			continue
		}
		end, _ := matchingEnd(raw, loc[1]-1)
		spans = append(spans, span{start: loc[0], end: end})
	}
	return spans
}

// findFieldOutside is findField over raw, skipping matches that sit inside
// any of spans so one section's value is never copied into another.
func findFieldOutside(raw, field string, spans []span) (string, bool) {
	if raw == "" {
		return "", false
	}
	for _, loc := range fieldPattern(field).FindAllStringIndex(raw, -1) {
		if inside(loc[0], spans) {
			continue
		}
		if v, ok := findField(raw[loc[0]:loc[1]], field); ok {
			return v, true
		}
	}
	return "", false
}

func inside(off int, spans []span) bool {
	for _, sp := range spans {
		if off >= sp.start && off < sp.end {
			return true
		}
	}
	return false
}

// complete builds the returned document: values from base where present,
// then field-level search, then the fallback marker. Keys outside the schema
// are carried over untouched.
func complete(base map[string]any, raw string, schema Schema, out *Outcome) model.Document {
	doc := make(model.Document, len(base)+len(schema.Fields)+len(schema.Sections))
	for k, v := range base {
		doc[k] = v
	}
	spans := sectionSpans(raw, schema)

	for _, f := range schema.Fields {
		if present(base[f]) {
			continue
		}
		if v, ok := findFieldOutside(raw, f, spans); ok {
			doc[f] = v
			out.Recovered = append(out.Recovered, f)
			continue
		}
		doc[f] = FallbackMarker
		out.Fallbacks = append(out.Fallbacks, f)
	}

	for _, sec := range schema.Sections {
		src, _ := asRecord(base[sec.Name])
		rec := make(map[string]any, len(sec.Fields)+len(src))
		for k, v := range src {
			rec[k] = v
		}

		var scope string
		for _, f := range sec.Fields {
			if present(src[f]) {
				continue
			}
			if scope == "" {
				scope = sectionScope(raw, sec.Name)
			}
			path := sec.Name + "." + f
			if v, ok := findField(scope, f); ok {
				rec[f] = v
				out.Recovered = append(out.Recovered, path)
				continue
			}
			if v, ok := findFieldOutside(raw, f, spans); ok {
				rec[f] = v
				out.Recovered = append(out.Recovered, path)
				continue
			}
			rec[f] = FallbackMarker
			out.Fallbacks = append(out.Fallbacks, path)
		}
		doc[sec.Name] = rec
	}
	return doc
}

func asRecord(v any) (map[string]any, bool) {
	switch rec := v.(type) {
	case map[string]any:
		return rec, true
	case model.Document:
		return rec, true
	default:
		return nil, false
	}
}
