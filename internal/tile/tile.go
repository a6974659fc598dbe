// Package tile models one terrain patch: its grid identity, lifecycle state
// and the bookkeeping the LOD coordinator reads each frame.
package tile

import (
	"fmt"
	"math"
	"sync/atomic"

	"terrastream/internal/geom"
	"terrastream/internal/heightmap"
)

// State is a tile's lifecycle stage. Reads are safe from any goroutine; the
// streaming service and the tile's own methods are the only writers.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateGenerating
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateGenerating:
		return "generating"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Coord identifies a tile in the implicit quadtree grid. Level 0 is the root
// grid; each level halves the tile edge.
type Coord struct {
	X     int
	Z     int
	Level int
}

// ID returns the deterministic tile identity derived from the grid coordinate.
func (c Coord) ID() string {
	return fmt.Sprintf("%d_%d_%d", c.X, c.Z, c.Level)
}

// Children returns the four child coordinates in NW, NE, SW, SE order.
func (c Coord) Children() [4]Coord {
	x := c.X * 2
	z := c.Z * 2
	l := c.Level + 1
	return [4]Coord{
		{X: x, Z: z, Level: l},
		{X: x + 1, Z: z, Level: l},
		{X: x, Z: z + 1, Level: l},
		{X: x + 1, Z: z + 1, Level: l},
	}
}

// Direction indexes a tile's neighbor slots.
type Direction int

const (
	North Direction = iota // -Z
	South                  // +Z
	East                   // +X
	West                   // -X
)

// Offset returns the grid delta for the direction.
func (d Direction) Offset() (dx, dz int) {
	switch d {
	case North:
		return 0, -1
	case South:
		return 0, 1
	case East:
		return 1, 0
	default:
		return -1, 0
	}
}

// boundingSphereFactor is half the diagonal of a unit square, so
// size * factor encloses the whole tile footprint.
const boundingSphereFactor = 0.866

// Tile is one terrain patch. Apart from the state word, all fields belong to
// the coordinator goroutine.
type Tile struct {
	Coord  Coord
	Bounds geom.Rect

	state atomic.Int32

	// grid is installed on the frame thread when streaming completes.
	grid *heightmap.Grid

	DistanceToCamera float64
	Visible          bool

	// Neighbors are weak same-level links for seam/skirt stitching,
	// refreshed every frame from the visible set. Never ownership.
	Neighbors [4]*Tile

	// Roughness is the adaptive-LOD input reported by the generator.
	Roughness float64
}

// New creates an unloaded tile covering bounds at the given coordinate.
func New(coord Coord, bounds geom.Rect) *Tile {
	return &Tile{Coord: coord, Bounds: bounds}
}

func (t *Tile) State() State {
	return State(t.state.Load())
}

// SetState transitions the lifecycle state. Only the streaming service and
// the tile's own methods may call this.
func (t *Tile) SetState(s State) {
	t.state.Store(int32(s))
}

// ID returns the deterministic tile identity.
func (t *Tile) ID() string {
	return t.Coord.ID()
}

// Size returns the tile edge length in world units.
func (t *Tile) Size() float64 {
	return t.Bounds.Width()
}

// heightSpan returns the vertical extent of loaded data, or a flat slab at
// zero while no samples exist.
func (t *Tile) heightSpan() (minY, maxY float64) {
	if g := t.grid; g != nil && t.State() == StateReady {
		return float64(g.Min), float64(g.Max)
	}
	return 0, 0
}

// UpdateLOD refreshes the camera distance and visibility flags in place.
// Visibility combines the view distance cutoff with the bounding-sphere
// frustum test when a frustum is supplied.
func (t *Tile) UpdateLOD(camera geom.Vec3, frustum *geom.Frustum, viewDistance float64) {
	minY, maxY := t.heightSpan()
	t.DistanceToCamera = t.Bounds.DistanceToPoint(camera, minY, maxY)

	visible := t.DistanceToCamera <= viewDistance
	if visible && frustum != nil {
		center := geom.Vec3{
			X: t.Bounds.CenterX(),
			Y: (minY + maxY) * 0.5,
			Z: t.Bounds.CenterZ(),
		}
		visible = frustum.IntersectsSphere(center, t.Size()*boundingSphereFactor)
	}
	t.Visible = visible
}

// Subdivide produces the four child tiles covering the NW, NE, SW and SE
// quadrants at level+1. The children tile the parent bounds exactly.
func (t *Tile) Subdivide() [4]*Tile {
	quads := t.Bounds.Quadrants()
	coords := t.Coord.Children()
	var children [4]*Tile
	for i := range children {
		children[i] = New(coords[i], quads[i])
	}
	return children
}

// Collapse releases the tile's loaded data and neighbor links, returning it
// to the unloaded state. Any in-flight streaming request is left to finish
// and be discarded by the requester.
func (t *Tile) Collapse() {
	t.grid = nil
	t.Roughness = 0
	for i := range t.Neighbors {
		t.Neighbors[i] = nil
	}
	t.SetState(StateUnloaded)
}

// Install attaches generated height samples and marks the tile render-ready.
// Must run on the frame thread.
func (t *Tile) Install(grid *heightmap.Grid) {
	t.grid = grid
	if grid != nil {
		t.Roughness = grid.Roughness
		t.SetState(StateReady)
		return
	}
	t.SetState(StateError)
}

// IsReadyForRender reports whether the tile has usable height data.
func (t *Tile) IsReadyForRender() bool {
	return t.State() == StateReady && t.grid != nil
}

// ContainsPoint reports whether the world position lies inside the tile
// footprint.
func (t *Tile) ContainsPoint(x, z float64) bool {
	return t.Bounds.Contains(x, z)
}

// HeightAt samples the loaded grid bilinearly at a world position. The
// second return is false when the tile has no data or the point lies
// outside its bounds.
func (t *Tile) HeightAt(x, z float64) (float64, bool) {
	g := t.grid
	if g == nil || t.State() != StateReady || !t.ContainsPoint(x, z) {
		return 0, false
	}

	fx := (x - t.Bounds.MinX) / t.Bounds.Width() * float64(g.Resolution)
	fz := (z - t.Bounds.MinZ) / t.Bounds.Depth() * float64(g.Resolution)
	col := int(math.Floor(fx))
	row := int(math.Floor(fz))
	tx := fx - float64(col)
	tz := fz - float64(row)

	h00 := float64(g.Sample(col, row))
	h10 := float64(g.Sample(col+1, row))
	h01 := float64(g.Sample(col, row+1))
	h11 := float64(g.Sample(col+1, row+1))

	top := h00 + (h10-h00)*tx
	bottom := h01 + (h11-h01)*tx
	return top + (bottom-top)*tz, true
}

// TriangleCount returns the renderable triangle count for the loaded mesh.
func (t *Tile) TriangleCount() int {
	g := t.grid
	if g == nil || t.State() != StateReady {
		return 0
	}
	return g.Resolution * g.Resolution * 2
}

// MemoryUsage returns the approximate bytes held by the tile's sample data.
func (t *Tile) MemoryUsage() int64 {
	if g := t.grid; g != nil {
		return g.MemoryUsage()
	}
	return 0
}

// IsFinite reports whether the tile geometry is usable. Non-finite bounds or
// a negative level mark a corrupt node that must be skipped, not processed.
func (t *Tile) IsFinite() bool {
	return t.Coord.Level >= 0 && t.Bounds.IsFinite() && t.Bounds.Width() > 0
}
