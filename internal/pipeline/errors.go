package pipeline

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrConfig marks a pipeline that cannot be constructed or run as
	// declared: missing handler, duplicate output key, bad dependency.
	ErrConfig = eris.New("pipeline: invalid configuration")

	// ErrInvalidInput marks initial inputs that do not seed every key the
	// first stages read.
	ErrInvalidInput = eris.New("pipeline: invalid input")

	// ErrStageFailed is wrapped by every StageError.
	ErrStageFailed = eris.New("pipeline: stage failed")

	// ErrNoInput is returned for a stage whose input value is missing.
	ErrNoInput = eris.New("pipeline: stage input missing")

	// ErrAggregation marks a failure inside report aggregation.
	ErrAggregation = eris.New("pipeline: aggregation failed")
)

// StageError reports which stage aborted a run and why.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s failed: %v", e.Stage, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailed, e.Err}
}
