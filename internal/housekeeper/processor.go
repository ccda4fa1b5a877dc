package housekeeper

import (
	"context"
	"fmt"
	"sort"
)

// Processor executes tasks of a single type. Process should return promptly once ctx is done.
type Processor interface {
	TaskType() TaskType
	Process(ctx context.Context, task Task) error
}

type funcProcessor struct {
	taskType TaskType
	fn       func(ctx context.Context, task Task) error
}

func (p funcProcessor) TaskType() TaskType { return p.taskType }

func (p funcProcessor) Process(ctx context.Context, task Task) error { return p.fn(ctx, task) }

// ProcessorFunc builds a Processor from a function
func ProcessorFunc(t TaskType, fn func(ctx context.Context, task Task) error) Processor {
	return funcProcessor{taskType: t, fn: fn}
}

// UnknownTaskTypeError is returned for tasks whose type has no registered processor.
type UnknownTaskTypeError struct {
	Type TaskType
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("unsupported task type %s", e.Type)
}

// Registry maps task types to processors. It is immutable once built.
type Registry struct {
	processors map[TaskType]Processor
}

// NewRegistry fails when two processors claim the same type
func NewRegistry(processors ...Processor) (*Registry, error) {
	m := make(map[TaskType]Processor, len(processors))
	for _, p := range processors {
		if p == nil {
			return nil, fmt.Errorf("nil processor")
		}
		t := p.TaskType()
		if _, dup := m[t]; dup {
			return nil, fmt.Errorf("duplicate processor for task type %s", t)
		}
		m[t] = p
	}
	return &Registry{processors: m}, nil
}

func (r *Registry) Lookup(t TaskType) (Processor, error) {
	if p, ok := r.processors[t]; ok {
		return p, nil
	}
	return nil, &UnknownTaskTypeError{Type: t}
}

// Types returns the registered task types in sorted order
func (r *Registry) Types() []TaskType {
	out := make([]TaskType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
