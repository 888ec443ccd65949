package prefab

import (
	"fmt"
	"sort"

	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/replica/behaviors"
	"github.com/amerkoleci/rbfx/internal/trace"
)

// Constructor builds one behavior instance from its prefab options.
type Constructor func(spec BehaviorSpec) (replica.Behavior, error)

// Factory maps behavior type names to constructors.
type Factory struct {
	constructors map[string]Constructor
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// DefaultFactory knows the stock behaviors.
func DefaultFactory() *Factory {
	f := NewFactory()
	f.Register(behaviors.TransformTypeName, func(spec BehaviorSpec) (replica.Behavior, error) {
		t := behaviors.NewTransform(spec.capacity())
		t.TrackOnly = spec.TrackOnly
		return t, nil
	})
	f.Register(behaviors.LabelTypeName, func(spec BehaviorSpec) (replica.Behavior, error) {
		return behaviors.NewLabel(spec.Text), nil
	})
	f.Register(behaviors.InputTypeName, func(spec BehaviorSpec) (replica.Behavior, error) {
		return behaviors.NewInputFeedback(spec.capacity()), nil
	})
	return f
}

// Register installs ctor under name, replacing any previous constructor.
func (f *Factory) Register(name string, ctor Constructor) {
	f.constructors[name] = ctor
}

// Known reports whether name has a constructor.
func (f *Factory) Known(name string) bool {
	_, ok := f.constructors[name]
	return ok
}

// Types lists the registered behavior type names.
func (f *Factory) Types() []string {
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the behavior described by spec.
func (f *Factory) Build(spec BehaviorSpec) (replica.Behavior, error) {
	ctor, ok := f.constructors[spec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBehavior, spec.Type)
	}
	b, err := ctor(spec)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", spec.Type, err)
	}
	return b, nil
}

func (s BehaviorSpec) capacity() int {
	if s.Capacity > 0 {
		return s.Capacity
	}
	return trace.DefaultCapacity
}
