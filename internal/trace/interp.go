package trace

import "github.com/go-gl/mathgl/mgl64"

// LerpFloat linearly interpolates two scalars.
func LerpFloat(from, to float64, t float64) float64 {
	return from + (to-from)*t
}

// LerpVec3 interpolates two vectors component-wise.
func LerpVec3(from, to mgl64.Vec3, t float64) mgl64.Vec3 {
	return from.Add(to.Sub(from).Mul(t))
}

// SlerpQuat interpolates two rotations along the shortest arc.
func SlerpQuat(from, to mgl64.Quat, t float64) mgl64.Quat {
	if from.Dot(to) < 0 {
		to = to.Scale(-1)
	}
	return mgl64.QuatSlerp(from, to, t).Normalize()
}

// NewVec3 constructs a position trace.
func NewVec3(capacity int) *Trace[mgl64.Vec3] {
	return New(capacity, LerpVec3)
}

// NewQuat constructs a rotation trace.
func NewQuat(capacity int) *Trace[mgl64.Quat] {
	return New(capacity, SlerpQuat)
}
