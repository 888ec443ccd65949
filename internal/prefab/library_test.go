package prefab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/replica/behaviors"
	"github.com/amerkoleci/rbfx/internal/scene"
)

const sample = `
prefabs:
  - name: marker
    kind: static
  - name: avatar
    kind: behavior
    behaviors:
      - type: transform
        track_only: true
      - type: input
      - type: label
        text: player
`

func TestParseYAMLPreservesBehaviorOrder(t *testing.T) {
	lib, err := ParseYAML([]byte(sample), nil)
	require.NoError(t, err)
	assert.Equal(t, []replica.PrefabRef{"avatar", "marker"}, lib.Names())

	layout, err := lib.Layout("avatar")
	require.NoError(t, err)
	assert.Equal(t, []string{"transform", "input", "label"}, layout)

	built, err := lib.InstantiatePrefab("avatar", nil)
	require.NoError(t, err)
	require.Len(t, built, 3)
	transform, ok := built[0].(*behaviors.Transform)
	require.True(t, ok)
	assert.True(t, transform.TrackOnly)
	assert.Equal(t, "player", built[2].(*behaviors.Label).Text())
}

func TestParseYAMLRejectsInvalidDefinitions(t *testing.T) {
	cases := map[string]struct {
		doc  string
		want error
	}{
		"unknown behavior": {"prefabs:\n  - name: a\n    kind: behavior\n    behaviors:\n      - type: rocket\n", ErrUnknownBehavior},
		"unknown kind":     {"prefabs:\n  - name: a\n    kind: fluid\n", ErrInvalid},
		"duplicate":        {"prefabs:\n  - name: a\n    kind: static\n  - name: a\n    kind: static\n", ErrInvalid},
		"static behaviors": {"prefabs:\n  - name: a\n    kind: static\n    behaviors:\n      - type: label\n", ErrInvalid},
		"missing name":     {"prefabs:\n  - kind: static\n", ErrInvalid},
		"bad yaml":         {"prefabs: [", ErrInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tc.doc), nil)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTooManyBehaviorsInDefinition(t *testing.T) {
	lib := NewLibrary(nil)
	def := Definition{Name: "swarm", Kind: KindBehavior}
	for i := 0; i <= replica.MaxBehaviors; i++ {
		def.Behaviors = append(def.Behaviors, BehaviorSpec{Type: behaviors.LabelTypeName})
	}
	assert.ErrorIs(t, lib.Add(def), replica.ErrTooManyBehaviors)
}

func TestSpawnRegistersInitializedObject(t *testing.T) {
	lib, err := ParseYAML([]byte(sample), nil)
	require.NoError(t, err)
	registry := replica.NewRegistry()
	graph := scene.NewGraph()
	env := replica.Environment{Registry: registry, Prefabs: lib}

	obj, err := lib.Spawn(env, graph.Root(), "avatar", "player-1")
	require.NoError(t, err)
	assert.Equal(t, replica.KindBehavior, obj.Kind())
	assert.True(t, obj.Initialized())
	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, "player-1", obj.Node().Name())

	composite := obj.(*replica.BehaviorObject)
	assert.Len(t, composite.Behaviors(), 3)
	assert.ErrorIs(t, composite.SetClientPrefab("marker"), replica.ErrPrefabFrozen)

	marker, err := lib.Spawn(env, graph.Root(), "marker", "m")
	require.NoError(t, err)
	assert.Equal(t, replica.KindStatic, marker.Kind())

	_, err = lib.Spawn(env, graph.Root(), "missing", "x")
	assert.ErrorIs(t, err, ErrUnknownPrefab)
	assert.Equal(t, 2, graph.Count())
}

func TestFactoryRegistersCustomBehaviors(t *testing.T) {
	f := DefaultFactory()
	assert.Equal(t, []string{"input", "label", "transform"}, f.Types())
	f.Register("beacon", func(BehaviorSpec) (replica.Behavior, error) {
		return behaviors.NewLabel("beacon"), nil
	})
	assert.True(t, f.Known("beacon"))
	_, err := f.Build(BehaviorSpec{Type: "nope"})
	assert.ErrorIs(t, err, ErrUnknownBehavior)
}
