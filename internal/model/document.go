package model

// Document is a structured record recovered from an analysis response.
// Values are JSON-shaped: strings, numbers, bools, []any and map[string]any.
type Document map[string]any

// Section returns the named top-level record, if present and record-shaped.
func (d Document) Section(name string) (map[string]any, bool) {
	v, ok := d[name]
	if !ok {
		return nil, false
	}
	switch sec := v.(type) {
	case map[string]any:
		return sec, true
	case Document:
		return sec, true
	default:
		return nil, false
	}
}

// Text returns section.field as a string, or "" when absent or not a string.
// An empty section name reads a top-level field.
func (d Document) Text(section, field string) string {
	if section == "" {
		s, _ := d[field].(string)
		return s
	}
	sec, ok := d.Section(section)
	if !ok {
		return ""
	}
	s, _ := sec[field].(string)
	return s
}
