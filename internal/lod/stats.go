package lod

import (
	"time"

	"terrastream/internal/stream"
	"terrastream/internal/tile"
)

// Stats is the per-frame coordinator snapshot, refreshed at the end of every
// Update.
type Stats struct {
	TotalNodes       int
	VisibleTiles     int
	RenderableTiles  int
	LoadingTiles     int
	Triangles        int64
	MemoryBytes      int64
	FrameTime        time.Duration
	BudgetExhausted  bool
	StaleCompletions uint64
	Streaming        stream.Stats
}

func (c *Coordinator) refreshStats(frameTime time.Duration, budgetExhausted bool) {
	s := Stats{
		VisibleTiles:     len(c.visible),
		RenderableTiles:  len(c.renderable),
		FrameTime:        frameTime,
		BudgetExhausted:  budgetExhausted,
		StaleCompletions: c.stale,
		Streaming:        c.streamer.GetStats(),
	}
	for _, root := range c.roots {
		s.TotalNodes += root.CountNodes()
	}
	for _, t := range c.visible {
		switch t.State() {
		case tile.StateLoading, tile.StateGenerating:
			s.LoadingTiles++
		}
	}
	for _, t := range c.renderable {
		s.Triangles += int64(t.TriangleCount())
		s.MemoryBytes += t.MemoryUsage()
	}
	c.stats = s
}

// GetStats returns the snapshot from the most recent Update.
func (c *Coordinator) GetStats() Stats {
	return c.stats
}
