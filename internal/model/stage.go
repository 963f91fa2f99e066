package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Outcome is the terminal state of a stage invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// StageResult is produced once per stage invocation and never mutated after.
type StageResult struct {
	Stage     string        `json:"stage"`
	Outcome   Outcome       `json:"outcome"`
	Value     any           `json:"-"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports whether the stage finished with a usable value.
func (r StageResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Record converts the result into its persisted form.
func (r StageResult) Record(runID string) RunStage {
	return RunStage{
		RunID:      runID,
		Stage:      r.Stage,
		Outcome:    r.Outcome,
		Error:      r.Error,
		Summary:    Summarize(r.Value),
		DurationMs: r.Duration.Milliseconds(),
		StartedAt:  r.StartedAt,
	}
}

// Summarize renders a short, log-friendly description of a stage value.
func Summarize(v any) string {
	switch val := v.(type) {
	case nil:
		return "none"
	case string:
		if len(val) > 100 {
			return fmt.Sprintf("string (%d chars): %s...", len(val), cut(val, 100))
		}
		return "string: " + val
	case map[string]any:
		return summarizeKeys(val)
	case Document:
		return summarizeKeys(val)
	default:
		return fmt.Sprintf("type: %T", v)
	}
}

// cut returns at most n bytes of s without splitting a rune.
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func summarizeKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	shown := keys
	if len(shown) > 5 {
		shown = shown[:5]
	}
	return fmt.Sprintf("map with %d keys: %s", len(keys), strings.Join(shown, ", "))
}
