// Package prefab loads prefab definitions and turns them into replicated
// objects. A definition names the object kind and the ordered behavior list;
// that order fixes each behavior's bit on every peer.
package prefab

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/scene"
)

var (
	ErrUnknownPrefab   = errors.New("prefab: unknown prefab")
	ErrUnknownBehavior = errors.New("prefab: unknown behavior type")
	ErrInvalid         = errors.New("prefab: invalid definition")
)

const (
	KindStatic   = "static"
	KindBehavior = "behavior"
)

// BehaviorSpec is one entry of a prefab's behavior list.
type BehaviorSpec struct {
	Type      string `yaml:"type"`
	TrackOnly bool   `yaml:"track_only,omitempty"`
	Text      string `yaml:"text,omitempty"`
	Capacity  int    `yaml:"capacity,omitempty"`
}

// Definition describes one prefab.
type Definition struct {
	Name      string         `yaml:"name"`
	Kind      string         `yaml:"kind"`
	Behaviors []BehaviorSpec `yaml:"behaviors,omitempty"`
}

type document struct {
	Prefabs []Definition `yaml:"prefabs"`
}

// Library holds validated prefab definitions. It implements
// replica.PrefabResolver.
type Library struct {
	factory *Factory
	prefabs map[replica.PrefabRef]Definition
}

// NewLibrary returns an empty library building behaviors with factory.
func NewLibrary(factory *Factory) *Library {
	if factory == nil {
		factory = DefaultFactory()
	}
	return &Library{factory: factory, prefabs: make(map[replica.PrefabRef]Definition)}
}

// ParseYAML builds a library from a YAML document with a top-level
// `prefabs` list.
func ParseYAML(data []byte, factory *Factory) (*Library, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	lib := NewLibrary(factory)
	for _, def := range doc.Prefabs {
		if err := lib.Add(def); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// LoadFile reads a YAML prefab document from path.
func LoadFile(path string, factory *Factory) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prefabs: %w", err)
	}
	return ParseYAML(data, factory)
}

// Add validates and stores def.
func (l *Library) Add(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: prefab without name", ErrInvalid)
	}
	ref := replica.PrefabRef(def.Name)
	if _, exists := l.prefabs[ref]; exists {
		return fmt.Errorf("%w: duplicate prefab %q", ErrInvalid, def.Name)
	}
	switch def.Kind {
	case KindStatic:
		if len(def.Behaviors) > 0 {
			return fmt.Errorf("%w: static prefab %q declares behaviors", ErrInvalid, def.Name)
		}
	case KindBehavior:
		if len(def.Behaviors) > replica.MaxBehaviors {
			return fmt.Errorf("%w: prefab %q has %d behaviors", replica.ErrTooManyBehaviors, def.Name, len(def.Behaviors))
		}
		for _, spec := range def.Behaviors {
			if !l.factory.Known(spec.Type) {
				return fmt.Errorf("%w: %q in prefab %q", ErrUnknownBehavior, spec.Type, def.Name)
			}
		}
	default:
		return fmt.Errorf("%w: prefab %q has kind %q", ErrInvalid, def.Name, def.Kind)
	}
	l.prefabs[ref] = def
	return nil
}

// Lookup returns the definition for ref.
func (l *Library) Lookup(ref replica.PrefabRef) (Definition, bool) {
	def, ok := l.prefabs[ref]
	return def, ok
}

// Names lists the prefabs in name order.
func (l *Library) Names() []replica.PrefabRef {
	names := make([]replica.PrefabRef, 0, len(l.prefabs))
	for ref := range l.prefabs {
		names = append(names, ref)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ObjectKind maps the definition kind onto the object kind.
func (d Definition) ObjectKind() replica.Kind {
	if d.Kind == KindStatic {
		return replica.KindStatic
	}
	return replica.KindBehavior
}

// InstantiatePrefab builds the behaviors of ref in definition order.
func (l *Library) InstantiatePrefab(ref replica.PrefabRef, _ scene.Node) ([]replica.Behavior, error) {
	def, ok := l.prefabs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrefab, ref)
	}
	out := make([]replica.Behavior, 0, len(def.Behaviors))
	for _, spec := range def.Behaviors {
		b, err := l.factory.Build(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Spawn creates a node under parent and a server-initialized object bound
// to it. The object is registered in env.Registry.
func (l *Library) Spawn(env replica.Environment, parent scene.Node, ref replica.PrefabRef, name string) (replica.Object, error) {
	def, ok := l.prefabs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrefab, ref)
	}
	node := parent.CreateChild(name)
	id := env.Registry.Allocate()

	var obj interface {
		replica.Object
		SetClientPrefab(replica.PrefabRef) error
	}
	switch def.ObjectKind() {
	case replica.KindStatic:
		obj = replica.NewStaticObject(id, node, env)
	default:
		composite := replica.NewBehaviorObject(id, node, env)
		behaviors, err := l.InstantiatePrefab(ref, node)
		if err != nil {
			node.Remove()
			return nil, err
		}
		for _, b := range behaviors {
			if err := composite.AttachBehavior(b); err != nil {
				node.Remove()
				return nil, err
			}
		}
		obj = composite
	}
	if err := obj.SetClientPrefab(ref); err != nil {
		node.Remove()
		return nil, err
	}
	if err := obj.InitializeOnServer(); err != nil {
		node.Remove()
		return nil, err
	}
	if err := env.Registry.Add(obj); err != nil {
		node.Remove()
		return nil, err
	}
	return obj, nil
}

// Layout returns the behavior type names of ref indexed by bit.
func (l *Library) Layout(ref replica.PrefabRef) ([]string, error) {
	def, ok := l.prefabs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrefab, ref)
	}
	out := make([]string, len(def.Behaviors))
	for i, spec := range def.Behaviors {
		out[i] = spec.Type
	}
	return out, nil
}

var _ replica.PrefabResolver = (*Library)(nil)
