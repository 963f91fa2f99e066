package stages

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealflow/internal/model"
	"github.com/sells-group/dealflow/internal/pipeline"
)

// unknown stands in for record fields that are empty or absent.
const unknown = "Unknown"

// recordID normalizes a stage input into a record identifier. Strings and
// JSON numbers are accepted, as are records carrying one of keys.
func recordID(v any, keys ...string) (string, error) {
	switch val := v.(type) {
	case string:
		if s := strings.TrimSpace(val); s != "" {
			return s, nil
		}
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return strconv.FormatInt(int64(val), 10), nil
		}
	case json.Number:
		return val.String(), nil
	case map[string]any:
		for _, k := range append(keys, "id") {
			if inner, ok := val[k]; ok {
				return recordID(inner)
			}
		}
	}
	return "", eris.Wrapf(pipeline.ErrNoInput, "stages: unusable record id %v", v)
}

// field renders rec[key] for a prompt.
func field(rec map[string]any, key string) string {
	v, ok := rec[key]
	if !ok || v == nil {
		return unknown
	}
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = string(val)
	default:
		s = fmt.Sprint(val)
	}
	if strings.TrimSpace(s) == "" {
		return unknown
	}
	return s
}

// asJSON renders v as indented JSON for inclusion in a prompt. Stored JSON
// text is passed through.
func asJSON(v any) string {
	switch val := v.(type) {
	case nil:
		return "{}"
	case string:
		if strings.TrimSpace(val) == "" {
			return "{}"
		}
		return val
	case []byte:
		return asJSON(string(val))
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// contextRecord returns the map stored under key in a stage's context
// snapshot, if any.
func contextRecord(in pipeline.Input, key string) map[string]any {
	v, ok := in.Context[key]
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return val
	case model.Document:
		return val
	case string:
		var m map[string]any
		if json.Unmarshal([]byte(val), &m) == nil {
			return m
		}
	}
	return nil
}
