// Package lod owns the terrain quadtree and the per-frame level-of-detail
// decisions: budgeted subdivide/collapse traversal, visibility computation,
// neighbor linking for seam stitching, and prioritized streaming requests.
package lod

import (
	"log"
	"math"
	"time"

	"terrastream/internal/config"
	"terrastream/internal/geom"
	"terrastream/internal/stream"
	"terrastream/internal/tile"
)

// Streamer is the asynchronous tile loader contract consumed by the
// coordinator. Requests are fire-and-forget; completions arrive during
// Update on the coordinator's goroutine.
type Streamer interface {
	Request(t *tile.Tile, priority stream.Priority, onComplete stream.CompleteFunc)
	Update(deltaTime float64)
	UpdatePredictiveLoading(position, velocity geom.Vec3, maxDistance float64)
	Clear()
	Dispose()
	GetStats() stream.Stats
}

// HeightSampler supplies the coarse fallback height for queries over regions
// with no loaded tile data. Implementations must never return NaN.
type HeightSampler interface {
	HeightAt(x, z float64) float64
}

// Reseeder is implemented by samplers whose output is seed-keyed, so a seed
// change through SetConfig can re-key generation before the rebuild.
type Reseeder interface {
	Reseed(seed int64)
}

// Streaming priority breakpoints: distance bands paired with the target
// detail level decide how urgently a tile is fetched.
const (
	immediateDistance = 2000.0
	highDistance      = 6000.0
	mediumDistance    = 15000.0
)

// Coordinator drives the terrain quadtree. It is single-threaded and
// cooperative: the host calls Update once per displayed frame and reads the
// resulting tile sets. Multiple coordinators can coexist; there is no shared
// package state.
type Coordinator struct {
	cfg      config.Config
	streamer Streamer
	sampler  HeightSampler

	roots []*SpatialNode

	// tiles tracks every live tile by coordinate. A streaming completion
	// whose tile is no longer the tracked entry is stale and discarded.
	tiles map[tile.Coord]*tile.Tile

	visible        []*tile.Tile
	renderable     []*tile.Tile
	visibleByCoord map[tile.Coord]*tile.Tile

	lastCamera geom.Vec3
	velocity   geom.Vec3
	hasCamera  bool

	stale uint64
	stats Stats
}

// NewCoordinator wires a coordinator over a streaming provider and a
// fallback height sampler. The configuration is copied and normalized;
// later external mutation of cfg has no effect.
func NewCoordinator(cfg *config.Config, streamer Streamer, sampler HeightSampler) *Coordinator {
	c := &Coordinator{
		streamer:       streamer,
		sampler:        sampler,
		tiles:          make(map[tile.Coord]*tile.Tile),
		visibleByCoord: make(map[tile.Coord]*tile.Tile),
	}
	if cfg != nil {
		c.cfg = *cfg
		c.cfg.LOD.Distances = append([]float64(nil), cfg.LOD.Distances...)
	} else {
		c.cfg = *config.Default()
	}
	c.cfg.Normalize()
	return c
}

// Config returns a copy of the active configuration.
func (c *Coordinator) Config() config.Config {
	cfg := c.cfg
	cfg.LOD.Distances = append([]float64(nil), c.cfg.LOD.Distances...)
	return cfg
}

// Initialize builds the N x N root grid at level 0 centered on the world
// origin and immediately requests every root tile at IMMEDIATE priority so
// the initial view populates without waiting for a subdivision pass.
func (c *Coordinator) Initialize() {
	c.clearTree()

	n := c.cfg.LOD.RootGridSize
	size := c.cfg.LOD.BaseTileSize
	min := -(n / 2)

	for gz := 0; gz < n; gz++ {
		for gx := 0; gx < n; gx++ {
			coord := tile.Coord{X: min + gx, Z: min + gz, Level: 0}
			bounds := geom.Rect{
				MinX: float64(coord.X) * size,
				MinZ: float64(coord.Z) * size,
				MaxX: float64(coord.X+1) * size,
				MaxZ: float64(coord.Z+1) * size,
			}
			t := tile.New(coord, bounds)
			c.roots = append(c.roots, NewNode(t, nil))
			c.tiles[coord] = t
			c.streamer.Request(t, stream.PriorityImmediate, c.onTileComplete)
		}
	}
}

// onTileComplete is the streaming completion hook. Completions for tiles the
// coordinator no longer tracks (the node collapsed or the tree was cleared
// while the request was in flight) are discarded without touching live
// state.
func (c *Coordinator) onTileComplete(t *tile.Tile, err error) {
	live, ok := c.tiles[t.Coord]
	if !ok || live != t {
		c.stale++
		return
	}
	if err != nil {
		log.Printf("tile %s load failed: %v", t.ID(), err)
	}
}

// Update is the single per-frame entry point: it ticks the streaming
// service, runs the budgeted LOD traversal, recomputes the visible and
// renderable sets with neighbor links, and refreshes the stats snapshot.
// Faults are isolated per node; Update never panics outward and never
// blocks.
func (c *Coordinator) Update(camera geom.Vec3, frustum *geom.Frustum, deltaTime float64) {
	start := time.Now()
	if !camera.IsFinite() {
		log.Printf("ignoring update with non-finite camera position %+v", camera)
		return
	}

	// deltaTime of zero carries no motion information; keep the previous
	// velocity instead of dividing by zero.
	if deltaTime > 0 && c.hasCamera {
		c.velocity = camera.Sub(c.lastCamera).Scale(1 / deltaTime)
	}
	c.lastCamera = camera
	c.hasCamera = true

	c.streamer.Update(deltaTime)

	if !c.cfg.LOD.EnableFrustumCulling {
		frustum = nil
	}

	budget := c.cfg.LOD.FrameBudget.Duration()
	budgetExhausted := false
	for _, root := range c.roots {
		if !c.traverse(root, camera, frustum, start, budget) {
			budgetExhausted = true
			break
		}
	}

	c.rebuildVisibility(camera, frustum)
	c.linkNeighbors()

	if c.cfg.LOD.EnablePredictiveLoading {
		c.streamer.UpdatePredictiveLoading(camera, c.velocity, c.cfg.LOD.RequestDistance)
	}

	c.refreshStats(time.Since(start), budgetExhausted)
}

// traverse applies the LOD decision to one node and recurses. The time
// budget is a soft bound checked between nodes: it caps total traversal time
// without bounding a single node's cost. Returns false once the budget is
// exhausted so callers stop descending.
func (c *Coordinator) traverse(node *SpatialNode, camera geom.Vec3, frustum *geom.Frustum, start time.Time, budget time.Duration) bool {
	if time.Since(start) > budget {
		return false
	}

	t := node.Tile()
	if !t.IsFinite() {
		log.Printf("skipping subtree %s: non-finite geometry", t.ID())
		return true
	}

	t.UpdateLOD(camera, frustum, c.cfg.LOD.ViewDistance)

	// Off-screen regions give their detail back eagerly and are not
	// descended into.
	if !t.Visible {
		if !node.IsLeaf() {
			c.collapseNode(node)
		}
		return true
	}

	if node.IsLeaf() {
		if c.shouldSubdivide(t) && t.Coord.Level+1 < c.cfg.LOD.MaxLevels {
			for _, child := range c.subdivideNode(node) {
				if !c.traverse(child, camera, frustum, start, budget) {
					return false
				}
			}
			return true
		}
	} else {
		if c.shouldCollapse(node, camera, frustum) {
			c.collapseNode(node)
			return true
		}
		for _, child := range node.Children() {
			if !c.traverse(child, camera, frustum, start, budget) {
				return false
			}
		}
		return true
	}

	// Still a leaf: fetch its data once it is close enough to matter.
	// Error tiles are re-requested the same way so a transient provider
	// failure heals on a later frame.
	if st := t.State(); (st == tile.StateUnloaded || st == tile.StateError) &&
		t.DistanceToCamera <= c.cfg.LOD.RequestDistance {
		c.streamer.Request(t, c.requestPriority(t), c.onTileComplete)
	}
	return true
}

// subdivideThreshold returns the camera distance below which a node at the
// given level subdivides. Levels past the end of the table never subdivide.
func (c *Coordinator) subdivideThreshold(level int) float64 {
	d := c.cfg.LOD.Distances
	if level < 0 || level >= len(d) || d[level] <= 0 {
		return math.Inf(1)
	}
	return d[level]
}

func (c *Coordinator) shouldSubdivide(t *tile.Tile) bool {
	threshold := c.subdivideThreshold(t.Coord.Level)
	if math.IsInf(threshold, 1) {
		return false
	}
	if c.cfg.LOD.AdaptiveLOD {
		threshold *= 1 + t.Roughness/100
		if c.errorMetric(t) <= c.cfg.LOD.ErrorThreshold {
			return false
		}
	}
	return t.DistanceToCamera < threshold
}

// errorMetric approximates perceived geometric error: rough, large, close
// tiles score high; smooth or distant ones score low.
func (c *Coordinator) errorMetric(t *tile.Tile) float64 {
	dist := math.Max(t.DistanceToCamera, 1)
	return (t.Roughness / 100) * t.Size() / dist
}

// shouldCollapse holds only when every child sits beyond the collapse
// threshold, which is the subdivide threshold scaled by the hysteresis
// factor. A node hovering at the subdivide boundary therefore never
// oscillates.
func (c *Coordinator) shouldCollapse(node *SpatialNode, camera geom.Vec3, frustum *geom.Frustum) bool {
	threshold := c.subdivideThreshold(node.Tile().Coord.Level)
	if math.IsInf(threshold, 1) {
		// The level can no longer subdivide at all (the table shrank
		// through SetConfig); holding detail serves nothing.
		return true
	}
	collapseAt := threshold * c.cfg.LOD.CollapseFactor
	for _, child := range node.Children() {
		ct := child.Tile()
		ct.UpdateLOD(camera, frustum, c.cfg.LOD.ViewDistance)
		if ct.DistanceToCamera <= collapseAt {
			return false
		}
	}
	return true
}

func (c *Coordinator) subdivideNode(node *SpatialNode) []*SpatialNode {
	children := node.Subdivide()
	for _, child := range children {
		c.tiles[child.Tile().Coord] = child.Tile()
	}
	return children
}

func (c *Coordinator) collapseNode(node *SpatialNode) {
	for _, child := range node.Children() {
		c.forgetSubtree(child)
	}
	node.Collapse()
}

// forgetSubtree unregisters every tile under node so late streaming
// completions for them resolve as stale.
func (c *Coordinator) forgetSubtree(node *SpatialNode) {
	for _, child := range node.Children() {
		c.forgetSubtree(child)
	}
	t := node.Tile()
	if live, ok := c.tiles[t.Coord]; ok && live == t {
		delete(c.tiles, t.Coord)
	}
}

// requestPriority maps (distance, target level) onto the four-tier ladder.
// Roots bootstrap at IMMEDIATE so an empty view fills first.
func (c *Coordinator) requestPriority(t *tile.Tile) stream.Priority {
	d := t.DistanceToCamera
	level := t.Coord.Level
	switch {
	case level == 0, d < immediateDistance && level >= 2:
		return stream.PriorityImmediate
	case d < highDistance && level >= 1:
		return stream.PriorityHigh
	case d < mediumDistance:
		return stream.PriorityMedium
	default:
		return stream.PriorityLow
	}
}

// rebuildVisibility recollects the visible and renderable sets over the
// post-traversal tree shape. Leaves are re-evaluated here so the sets stay
// consistent even when the traversal budget cut the walk short.
func (c *Coordinator) rebuildVisibility(camera geom.Vec3, frustum *geom.Frustum) {
	c.visible = c.visible[:0]
	c.renderable = c.renderable[:0]
	clear(c.visibleByCoord)

	for _, root := range c.roots {
		c.collectVisible(root, camera, frustum)
	}
}

func (c *Coordinator) collectVisible(node *SpatialNode, camera geom.Vec3, frustum *geom.Frustum) {
	if !node.IsLeaf() {
		for _, child := range node.Children() {
			c.collectVisible(child, camera, frustum)
		}
		return
	}

	t := node.Tile()
	if !t.IsFinite() {
		return
	}
	t.UpdateLOD(camera, frustum, c.cfg.LOD.ViewDistance)
	if !t.Visible {
		return
	}
	c.visible = append(c.visible, t)
	c.visibleByCoord[t.Coord] = t
	if t.IsReadyForRender() {
		c.renderable = append(c.renderable, t)
	}
}

// linkNeighbors records weak same-level neighbor references on every visible
// leaf. The renderer uses them to stitch skirts between tiles meshed at
// different detail levels.
func (c *Coordinator) linkNeighbors() {
	for _, t := range c.visible {
		for dir := tile.North; dir <= tile.West; dir++ {
			dx, dz := dir.Offset()
			coord := tile.Coord{X: t.Coord.X + dx, Z: t.Coord.Z + dz, Level: t.Coord.Level}
			t.Neighbors[dir] = c.visibleByCoord[coord]
		}
	}
}

// VisibleTiles returns this frame's visible leaves regardless of readiness.
// The returned slice is a snapshot; callers must not mutate the tiles.
func (c *Coordinator) VisibleTiles() []*tile.Tile {
	return append([]*tile.Tile(nil), c.visible...)
}

// RenderableTiles returns the visible leaves whose data is ready to draw.
func (c *Coordinator) RenderableTiles() []*tile.Tile {
	return append([]*tile.Tile(nil), c.renderable...)
}

// HeightAt samples the most detailed visible, data-bearing tile containing
// the point, falling back to a single coarse generator sample for unloaded
// regions. The result is always finite.
func (c *Coordinator) HeightAt(x, z float64) float64 {
	var best *tile.Tile
	for _, root := range c.roots {
		c.findDetail(root, x, z, &best)
	}
	if best != nil {
		if h, ok := best.HeightAt(x, z); ok {
			return h
		}
	}

	h := c.sampler.HeightAt(x, z)
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0
	}
	return h
}

func (c *Coordinator) findDetail(node *SpatialNode, x, z float64, best **tile.Tile) {
	t := node.Tile()
	if !t.ContainsPoint(x, z) {
		return
	}
	if t.Visible && t.IsReadyForRender() {
		if *best == nil || t.Coord.Level > (*best).Coord.Level {
			*best = t
		}
	}
	for _, child := range node.Children() {
		c.findDetail(child, x, z, best)
	}
}

// SetConfig merges a partial configuration. Changing the terrain seed
// invalidates every generated tile, so the whole tree is cleared and
// rebuilt.
func (c *Coordinator) SetConfig(patch config.Patch) {
	seedChanged := patch.Apply(&c.cfg)
	if !seedChanged {
		return
	}
	if r, ok := c.sampler.(Reseeder); ok {
		r.Reseed(c.cfg.Terrain.Seed)
	}
	c.streamer.Clear()
	c.Initialize()
}

// ClearTerrain tears down the tree and drops queued streaming work.
func (c *Coordinator) ClearTerrain() {
	c.clearTree()
	c.streamer.Clear()
}

// Dispose releases the tree and shuts the streaming service down.
func (c *Coordinator) Dispose() {
	c.clearTree()
	c.streamer.Dispose()
}

func (c *Coordinator) clearTree() {
	for _, root := range c.roots {
		root.Collapse()
		root.Dispose()
	}
	c.roots = nil
	clear(c.tiles)
	c.visible = c.visible[:0]
	c.renderable = c.renderable[:0]
	clear(c.visibleByCoord)
}
