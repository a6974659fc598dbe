package geom

import "math"

// Vec3 is a point or direction in world space. X runs east, Z runs south,
// Y is height.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.Dot(v))
}

// IsFinite reports whether all components are finite numbers.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Rect is an axis-aligned rectangle on the XZ ground plane with inclusive
// min/exclusive max corners.
type Rect struct {
	MinX float64
	MinZ float64
	MaxX float64
	MaxZ float64
}

func (r Rect) Width() float64 {
	return r.MaxX - r.MinX
}

func (r Rect) Depth() float64 {
	return r.MaxZ - r.MinZ
}

func (r Rect) CenterX() float64 {
	return (r.MinX + r.MaxX) * 0.5
}

func (r Rect) CenterZ() float64 {
	return (r.MinZ + r.MaxZ) * 0.5
}

func (r Rect) Contains(x, z float64) bool {
	return x >= r.MinX && x < r.MaxX && z >= r.MinZ && z < r.MaxZ
}

// IsFinite reports whether all corners are finite numbers.
func (r Rect) IsFinite() bool {
	return isFinite(r.MinX) && isFinite(r.MinZ) && isFinite(r.MaxX) && isFinite(r.MaxZ)
}

// Quadrants splits the rectangle into four equal quadrants ordered
// NW, NE, SW, SE. North is -Z, west is -X. The quadrants tile the parent
// exactly: shared edges reuse the midpoint values, outer edges reuse the
// parent corners.
func (r Rect) Quadrants() [4]Rect {
	midX := r.CenterX()
	midZ := r.CenterZ()
	return [4]Rect{
		{MinX: r.MinX, MinZ: r.MinZ, MaxX: midX, MaxZ: midZ}, // NW
		{MinX: midX, MinZ: r.MinZ, MaxX: r.MaxX, MaxZ: midZ}, // NE
		{MinX: r.MinX, MinZ: midZ, MaxX: midX, MaxZ: r.MaxZ}, // SW
		{MinX: midX, MinZ: midZ, MaxX: r.MaxX, MaxZ: r.MaxZ}, // SE
	}
}

// DistanceToPoint returns the distance from p to the closest point of the
// axis-aligned box spanned by the rectangle and the [minY, maxY] height slab.
func (r Rect) DistanceToPoint(p Vec3, minY, maxY float64) float64 {
	dx := math.Max(0, math.Max(r.MinX-p.X, p.X-r.MaxX))
	dz := math.Max(0, math.Max(r.MinZ-p.Z, p.Z-r.MaxZ))
	dy := math.Max(0, math.Max(minY-p.Y, p.Y-maxY))
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Plane is a half space in Hessian normal form: points p with
// Dot(Normal, p) + D >= 0 are inside.
type Plane struct {
	Normal Vec3
	D      float64
}

// DistanceTo returns the signed distance from the plane to p.
func (pl Plane) DistanceTo(p Vec3) float64 {
	return pl.Normal.Dot(p) + pl.D
}

// Frustum is a camera view volume bounded by six inward-facing planes,
// near and far included.
type Frustum struct {
	Planes [6]Plane
}

// IntersectsSphere reports whether a sphere touches the frustum volume. A
// sphere fully behind any plane is rejected.
func (f *Frustum) IntersectsSphere(center Vec3, radius float64) bool {
	for _, pl := range f.Planes {
		if pl.DistanceTo(center) < -radius {
			return false
		}
	}
	return true
}
