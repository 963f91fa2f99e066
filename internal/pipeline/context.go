package pipeline

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ExecutionContext is the key/value store threaded through one run. Every
// key is written at most once.
type ExecutionContext struct {
	mu       sync.RWMutex
	values   map[string]any
	executed []string
	finished time.Time
}

// NewExecutionContext returns a context seeded with a copy of inputs.
func NewExecutionContext(inputs map[string]any) *ExecutionContext {
	values := make(map[string]any, len(inputs))
	maps.Copy(values, inputs)
	return &ExecutionContext{values: values}
}

// Get returns the value stored at key.
func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores v at key. Writing a key that already holds a value is an error.
func (c *ExecutionContext) Set(key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; ok {
		return eris.Errorf("pipeline: context key %q already written", key)
	}
	c.values[key] = v
	return nil
}

// Snapshot returns a shallow copy of the current values.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	maps.Copy(out, c.values)
	return out
}

// Keys returns the stored keys, sorted.
func (c *ExecutionContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// markExecuted appends stage names to the executed list.
func (c *ExecutionContext) markExecuted(stages ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, stages...)
}

// Executed returns the names of stages whose output was committed, in the
// order they were committed.
func (c *ExecutionContext) Executed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.executed...)
}

func (c *ExecutionContext) markFinished(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = t
}

// finishedOr returns the finish time, recording t first if none is set yet.
func (c *ExecutionContext) finishedOr(t time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished.IsZero() {
		c.finished = t
	}
	return c.finished
}

// Finished returns when the schedule completed, or the zero time if it has
// not.
func (c *ExecutionContext) Finished() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finished
}
