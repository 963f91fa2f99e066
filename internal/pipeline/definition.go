package pipeline

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
)

// Mode says how a stage is scheduled.
type Mode string

const (
	// Parallel stages all run together in the first level.
	Parallel Mode = "parallel"
	// Sequential stages each get a level of their own, in declaration order.
	Sequential Mode = "sequential"
)

// StageDefinition declares one stage. Handler names an entry in the Registry.
type StageDefinition struct {
	Name      string
	Mode      Mode
	InputKey  string
	OutputKey string
	Handler   string

	// InputFromPrevious feeds a sequential stage the prior stage's result
	// instead of the context value at InputKey.
	InputFromPrevious bool
}

// Input is what a Handler receives.
type Input struct {
	// Value is the stage's input: the context value at InputKey, or the
	// previous stage's result for InputFromPrevious stages.
	Value any
	// Previous is the result of the preceding sequential stage, if any.
	Previous any
	// Context is a read-only snapshot of the execution context taken when
	// the stage's level started.
	Context map[string]any
}

// Handler performs one stage of analysis.
type Handler interface {
	Invoke(ctx context.Context, in Input) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (any, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, in Input) (any, error) {
	return f(ctx, in)
}

// Registry maps handler names to implementations. It is filled once at
// startup and read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under name. Registering a name twice is an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return eris.Wrap(ErrConfig, "pipeline: register handler with empty name")
	}
	if h == nil {
		return eris.Wrapf(ErrConfig, "pipeline: register nil handler %q", name)
	}
	if _, ok := r.handlers[name]; ok {
		return eris.Wrapf(ErrConfig, "pipeline: handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Level is a group of stages executed as one unit.
type Level struct {
	Mode   Mode
	Stages []StageDefinition
}

// BuildLevels groups defs into the execution plan: one level holding every
// parallel stage, then one level per sequential stage in declaration order.
func BuildLevels(defs []StageDefinition) []Level {
	var levels []Level

	var parallel []StageDefinition
	for _, d := range defs {
		if d.Mode == Parallel {
			parallel = append(parallel, d)
		}
	}
	if len(parallel) > 0 {
		levels = append(levels, Level{Mode: Parallel, Stages: parallel})
	}

	for _, d := range defs {
		if d.Mode == Sequential {
			levels = append(levels, Level{Mode: Sequential, Stages: []StageDefinition{d}})
		}
	}
	return levels
}

// validateDefinitions checks defs against reg and returns the keys that
// must be supplied by the caller.
func validateDefinitions(defs []StageDefinition, reg *Registry) ([]string, error) {
	if len(defs) == 0 {
		return nil, eris.Wrap(ErrConfig, "pipeline: no stages declared")
	}

	names := make(map[string]bool, len(defs))
	producer := make(map[string]int, len(defs)) // output key -> declaration index
	for i, d := range defs {
		switch {
		case d.Name == "":
			return nil, eris.Wrapf(ErrConfig, "pipeline: stage %d has no name", i)
		case d.OutputKey == "":
			return nil, eris.Wrapf(ErrConfig, "pipeline: stage %q has no output key", d.Name)
		case d.Mode != Parallel && d.Mode != Sequential:
			return nil, eris.Wrapf(ErrConfig, "pipeline: stage %q has unknown mode %q", d.Name, d.Mode)
		case d.InputKey == "" && !d.InputFromPrevious:
			return nil, eris.Wrapf(ErrConfig, "pipeline: stage %q has no input key", d.Name)
		}
		if names[d.Name] {
			return nil, eris.Wrapf(ErrConfig, "pipeline: duplicate stage name %q", d.Name)
		}
		names[d.Name] = true
		if prev, ok := producer[d.OutputKey]; ok {
			return nil, eris.Wrapf(ErrConfig, "pipeline: stages %q and %q share output key %q",
				defs[prev].Name, d.Name, d.OutputKey)
		}
		producer[d.OutputKey] = i
		if _, ok := reg.Lookup(d.Handler); !ok {
			return nil, eris.Wrapf(ErrConfig, "pipeline: stage %q: no handler registered as %q", d.Name, d.Handler)
		}
	}

	seen := make(map[string]bool)
	var seeds []string
	for i, d := range defs {
		if d.InputFromPrevious && d.Mode == Parallel {
			return nil, eris.Wrapf(ErrConfig, "pipeline: parallel stage %q cannot read the previous result", d.Name)
		}
		if d.InputKey == "" {
			continue
		}
		if p, ok := producer[d.InputKey]; ok {
			if d.Mode == Parallel {
				return nil, eris.Wrapf(ErrConfig, "pipeline: parallel stage %q reads %q produced by stage %q",
					d.Name, d.InputKey, defs[p].Name)
			}
			// Parallel output is always committed before any sequential level.
			if defs[p].Mode == Sequential && p >= i {
				return nil, eris.Wrapf(ErrConfig, "pipeline: stage %q reads %q before stage %q produces it",
					d.Name, d.InputKey, defs[p].Name)
			}
			continue
		}
		if !seen[d.InputKey] {
			seen[d.InputKey] = true
			seeds = append(seeds, d.InputKey)
		}
	}
	return seeds, nil
}
