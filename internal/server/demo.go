package server

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/amerkoleci/rbfx/internal/replica"
	"github.com/amerkoleci/rbfx/internal/replica/behaviors"
	"github.com/amerkoleci/rbfx/internal/trace"
)

// AvatarSpeed is how far an avatar moves per second at full input.
const AvatarSpeed = 4.0

// DemoConfig describes the objects a server spawns on startup: a static
// marker with movers orbiting it.
type DemoConfig struct {
	Marker replica.PrefabRef
	Prefab replica.PrefabRef
	Count  int
	Radius float64
	// Speed is the orbit speed in radians per second.
	Speed float64
}

type mover struct {
	id    replica.ObjectID
	phase float64
	laps  int
}

type demo struct {
	cfg     DemoConfig
	anchor  replica.ObjectID
	movers  []*mover
	elapsed float64
}

// StartDemo spawns the demo objects. It must run before the loop starts or on
// the simulation goroutine.
func (h *Hub) StartDemo(cfg DemoConfig) error {
	if cfg.Count <= 0 || cfg.Prefab == "" {
		return nil
	}
	d := &demo{cfg: cfg}
	if cfg.Marker != "" {
		anchor, err := h.Spawn(cfg.Marker, replica.InvalidObjectID, "arena")
		if err != nil {
			return fmt.Errorf("spawn demo marker: %w", err)
		}
		d.anchor = anchor.ID()
	}
	for i := 0; i < cfg.Count; i++ {
		obj, err := h.Spawn(cfg.Prefab, d.anchor, fmt.Sprintf("%s-%d", cfg.Prefab, i))
		if err != nil {
			return fmt.Errorf("spawn demo mover %d: %w", i, err)
		}
		d.movers = append(d.movers, &mover{id: obj.ID(), phase: 2 * math.Pi * float64(i) / float64(cfg.Count)})
	}
	h.demo = d
	d.place(h, 0)
	return nil
}

func (d *demo) advance(h *Hub, frame trace.Frame, dt float64) {
	d.elapsed += dt
	d.place(h, frame)
}

func (d *demo) place(h *Hub, frame trace.Frame) {
	var center mgl64.Vec3
	if anchor, ok := h.registry.Get(d.anchor); ok {
		center = anchor.Node().WorldPosition()
	}
	live := d.movers[:0]
	for _, m := range d.movers {
		obj, ok := h.registry.Get(m.id)
		if !ok {
			continue
		}
		live = append(live, m)
		angle := m.phase + d.cfg.Speed*d.elapsed
		pos := center.Add(mgl64.Vec3{d.cfg.Radius * math.Cos(angle), 0, d.cfg.Radius * math.Sin(angle)})
		obj.Node().SetWorldPosition(pos)
		obj.Node().SetWorldRotation(mgl64.QuatRotate(-angle, mgl64.Vec3{0, 1, 0}))

		laps := int((angle - m.phase) / (2 * math.Pi))
		if laps != m.laps || frame == 0 {
			m.laps = laps
			if label, ok := findBehavior[*behaviors.Label](obj); ok {
				label.SetText(fmt.Sprintf("%s lap %d", obj.Node().Name(), laps))
			}
		}
	}
	d.movers = live
}

// driveAvatars moves every avatar by the latest input its owner reported.
func (h *Hub) driveAvatars(dt float64) {
	for _, id := range h.avatars {
		obj, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		input, ok := findBehavior[*behaviors.InputFeedback](obj)
		if !ok {
			continue
		}
		dir, ok := input.LatestInput()
		if !ok || dir.Len() == 0 {
			continue
		}
		if dir.Len() > 1 {
			dir = dir.Normalize()
		}
		node := obj.Node()
		node.SetWorldPosition(node.WorldPosition().Add(dir.Mul(AvatarSpeed * dt)))
	}
}

func findBehavior[T replica.Behavior](obj replica.Object) (T, bool) {
	composite, ok := obj.(*replica.BehaviorObject)
	if !ok {
		var zero T
		return zero, false
	}
	return replica.FindBehavior[T](composite)
}
