// Package metrics exports coordinator statistics to Prometheus. The LOD
// core stays metrics-free; the host feeds snapshots in through Observe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"terrastream/internal/lod"
)

var (
	terrainNodeCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_node_count",
		Help: "The number of live quadtree nodes.",
	})

	terrainVisibleTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_visible_tiles",
		Help: "The number of visible leaf tiles this frame.",
	})

	terrainRenderableTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_renderable_tiles",
		Help: "The number of visible tiles with loaded data.",
	})

	terrainLoadingTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_loading_tiles",
		Help: "The number of visible tiles still streaming in.",
	})

	terrainTriangles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_triangle_count",
		Help: "The triangle count across renderable tiles.",
	})

	terrainMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_memory_bytes",
		Help: "The approximate heap bytes held by renderable tile data.",
	})

	terrainFrameSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "terrain_update_seconds",
		Help:    "The LOD update duration.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	terrainBudgetExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_budget_exhausted_total",
		Help: "The total number of updates cut short by the frame budget.",
	})

	terrainStaleCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_stale_completions_total",
		Help: "The total number of streaming completions discarded as stale.",
	})

	streamRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_stream_requests_total",
		Help: "The total number of tile load requests.",
	})

	streamCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_stream_completed_total",
		Help: "The total number of tile loads completed.",
	})

	streamFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_stream_failed_total",
		Help: "The total number of tile loads that failed.",
	})

	streamCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_stream_cache_hits_total",
		Help: "The total number of tile loads served from the sample cache.",
	})

	streamQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_stream_queued",
		Help: "The number of queued tile load requests.",
	})

	streamInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "terrain_stream_inflight",
		Help: "The number of tile loads currently generating.",
	})
)

// Observer converts coordinator snapshots into metric updates. Counters are
// derived from the monotonic totals in consecutive snapshots, so feed every
// snapshot from a single goroutine.
type Observer struct {
	last lod.Stats
}

func NewObserver() *Observer {
	return &Observer{}
}

// Observe publishes one stats snapshot.
func (o *Observer) Observe(s lod.Stats) {
	terrainNodeCount.Set(float64(s.TotalNodes))
	terrainVisibleTiles.Set(float64(s.VisibleTiles))
	terrainRenderableTiles.Set(float64(s.RenderableTiles))
	terrainLoadingTiles.Set(float64(s.LoadingTiles))
	terrainTriangles.Set(float64(s.Triangles))
	terrainMemoryBytes.Set(float64(s.MemoryBytes))
	terrainFrameSeconds.Observe(s.FrameTime.Seconds())
	if s.BudgetExhausted {
		terrainBudgetExhaustedTotal.Inc()
	}

	streamQueued.Set(float64(s.Streaming.Queued))
	streamInflight.Set(float64(s.Streaming.Inflight))
	terrainStaleCompletionsTotal.Add(delta(s.StaleCompletions, o.last.StaleCompletions))
	streamRequestsTotal.Add(delta(s.Streaming.Requested, o.last.Streaming.Requested))
	streamCompletedTotal.Add(delta(s.Streaming.Completed, o.last.Streaming.Completed))
	streamFailedTotal.Add(delta(s.Streaming.Failed, o.last.Streaming.Failed))
	streamCacheHitsTotal.Add(delta(s.Streaming.CacheHits, o.last.Streaming.CacheHits))
	o.last = s
}

func delta(now, prev uint64) float64 {
	if now < prev {
		return float64(now)
	}
	return float64(now - prev)
}
