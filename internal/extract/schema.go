// Package extract recovers schema-complete documents from untrusted
// analysis-service output.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealflow/internal/model"
)

// FallbackMarker is written into every required field that no strategy
// could recover.
const FallbackMarker = "Unable to extract"

// Section is a required top-level record and its required sub-fields.
type Section struct {
	Name   string
	Fields []string
}

// Schema describes the shape a Document must have on return from Extract.
// Fields are required top-level scalars; Sections are required records.
type Schema struct {
	Name     string
	Fields   []string
	Sections []Section
}

// Validate rejects schemas with empty or duplicated names.
func (s Schema) Validate() error {
	seen := make(map[string]bool)
	for _, f := range s.Fields {
		if strings.TrimSpace(f) == "" {
			return eris.Errorf("extract: schema %q: empty field name", s.Name)
		}
		if seen[f] {
			return eris.Errorf("extract: schema %q: duplicate top-level name %q", s.Name, f)
		}
		seen[f] = true
	}
	for _, sec := range s.Sections {
		if strings.TrimSpace(sec.Name) == "" {
			return eris.Errorf("extract: schema %q: empty section name", s.Name)
		}
		if seen[sec.Name] {
			return eris.Errorf("extract: schema %q: duplicate top-level name %q", s.Name, sec.Name)
		}
		seen[sec.Name] = true

		sub := make(map[string]bool, len(sec.Fields))
		for _, f := range sec.Fields {
			if strings.TrimSpace(f) == "" {
				return eris.Errorf("extract: schema %q: section %q: empty field name", s.Name, sec.Name)
			}
			if sub[f] {
				return eris.Errorf("extract: schema %q: section %q: duplicate field %q", s.Name, sec.Name, f)
			}
			sub[f] = true
		}
	}
	return nil
}

// Paths lists every required field as "Field" or "Section.Field".
func (s Schema) Paths() []string {
	var paths []string
	paths = append(paths, s.Fields...)
	for _, sec := range s.Sections {
		for _, f := range sec.Fields {
			paths = append(paths, sec.Name+"."+f)
		}
	}
	return paths
}

// Fallback returns a document with every required field set to FallbackMarker.
func (s Schema) Fallback() model.Document {
	doc := make(model.Document, len(s.Fields)+len(s.Sections))
	for _, f := range s.Fields {
		doc[f] = FallbackMarker
	}
	for _, sec := range s.Sections {
		rec := make(map[string]any, len(sec.Fields))
		for _, f := range sec.Fields {
			rec[f] = FallbackMarker
		}
		doc[sec.Name] = rec
	}
	return doc
}

// Missing lists the required paths of doc that hold the fallback marker or
// are absent altogether.
func (s Schema) Missing(doc model.Document) []string {
	var missing []string
	for _, f := range s.Fields {
		if !recovered(doc[f]) {
			missing = append(missing, f)
		}
	}
	for _, sec := range s.Sections {
		rec, _ := doc.Section(sec.Name)
		for _, f := range sec.Fields {
			if !recovered(rec[f]) {
				missing = append(missing, sec.Name+"."+f)
			}
		}
	}
	return missing
}

// Skeleton renders the schema as a JSON object with placeholder values, in
// declaration order. Used to tell the analysis service what shape to answer in.
func (s Schema) Skeleton() string {
	var b strings.Builder
	b.WriteString("{\n")
	n := len(s.Fields) + len(s.Sections)
	i := 0
	sep := func() {
		i++
		if i < n {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	for _, f := range s.Fields {
		b.WriteString("  " + quote(f) + ": \"...\"")
		sep()
	}
	for _, sec := range s.Sections {
		b.WriteString("  " + quote(sec.Name) + ": {\n")
		for j, f := range sec.Fields {
			b.WriteString("    " + quote(f) + ": \"...\"")
			if j < len(sec.Fields)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString("  }")
		sep()
	}
	b.WriteString("}")
	return b.String()
}

func quote(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}

func recovered(v any) bool {
	if !present(v) {
		return false
	}
	s, ok := v.(string)
	return !ok || s != FallbackMarker
}

// present reports whether v counts as extracted content.
func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	default:
		return true
	}
}
