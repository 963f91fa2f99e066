package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// MetadataKey is the top-level key the report metadata block is written under.
const MetadataKey = "metadata"

// Report is the aggregated output of a successful pipeline run. It serialises
// flat: every section at the top level plus a "metadata" block.
type Report struct {
	Sections map[string]any
	Metadata ReportMetadata
}

// ReportMetadata records when the report was produced and from which stages.
type ReportMetadata struct {
	ProcessingTimestamp time.Time `json:"processing_timestamp" yaml:"processing_timestamp"`
	StagesExecuted      []string  `json:"stages_executed" yaml:"stages_executed"`
	RunID               string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
}

// Has reports whether the report already defines a top-level section.
func (r *Report) Has(section string) bool {
	_, ok := r.Sections[section]
	return ok
}

// Flatten returns the report as a single map, sections plus metadata.
func (r Report) Flatten() map[string]any {
	out := make(map[string]any, len(r.Sections)+1)
	for k, v := range r.Sections {
		out[k] = v
	}
	out[MetadataKey] = r.Metadata
	return out
}

// MarshalJSON implements json.Marshaler.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Flatten())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Report) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "report: decode")
	}

	r.Sections = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == MetadataKey {
			if err := json.Unmarshal(v, &r.Metadata); err != nil {
				return eris.Wrap(err, "report: decode metadata")
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return eris.Wrapf(err, "report: decode section %s", k)
		}
		r.Sections[k] = val
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r Report) MarshalYAML() (any, error) {
	return r.Flatten(), nil
}
