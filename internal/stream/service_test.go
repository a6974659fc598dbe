package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrastream/internal/config"
	"terrastream/internal/geom"
	"terrastream/internal/heightmap"
	"terrastream/internal/tile"
)

// fakeGen is a controllable Generator. When gate is non-nil every Grid call
// waits until the gate closes; done (if non-nil) receives after each return.
type fakeGen struct {
	mu    sync.Mutex
	calls int
	fail  bool
	gate  chan struct{}
	done  chan struct{}
}

func (g *fakeGen) Seed() int64 { return 1 }

func (g *fakeGen) Grid(bounds geom.Rect, resolution int) (*heightmap.Grid, error) {
	if g.gate != nil {
		<-g.gate
	}
	g.mu.Lock()
	g.calls++
	fail := g.fail
	g.mu.Unlock()
	defer func() {
		if g.done != nil {
			g.done <- struct{}{}
		}
	}()
	if fail {
		return nil, errors.New("synthetic generation failure")
	}
	return testGrid(7), nil
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func streamCfg(maxLoads int) config.StreamingConfig {
	return config.StreamingConfig{
		MaxConcurrentLoads: maxLoads,
		PredictiveLead:     config.Duration(2 * time.Second),
	}
}

func newTile(x, z, level int) *tile.Tile {
	size := 1000.0
	return tile.New(
		tile.Coord{X: x, Z: z, Level: level},
		geom.Rect{
			MinX: float64(x) * size,
			MinZ: float64(z) * size,
			MaxX: float64(x+1) * size,
			MaxZ: float64(z+1) * size,
		},
	)
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestRequestLoadsTile(t *testing.T) {
	gen := &fakeGen{}
	s := New(gen, nil, streamCfg(2), 2)
	defer s.Dispose()

	tl := newTile(0, 0, 0)
	var completed *tile.Tile
	s.Request(tl, PriorityHigh, func(t *tile.Tile, err error) {
		completed = t
	})
	require.Equal(t, tile.StateLoading, tl.State())

	waitIdle(t, s)
	assert.Equal(t, tile.StateReady, tl.State())
	assert.Same(t, tl, completed)
	assert.True(t, tl.IsReadyForRender())

	stats := s.GetStats()
	assert.Equal(t, uint64(1), stats.Requested)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.Inflight)
}

func TestRequestDeduplicatesLiveRequests(t *testing.T) {
	gen := &fakeGen{}
	s := New(gen, nil, streamCfg(1), 2)
	defer s.Dispose()

	tl := newTile(0, 0, 0)
	s.Request(tl, PriorityHigh, nil)
	s.Request(tl, PriorityImmediate, nil)
	s.Request(tl, PriorityLow, nil)

	waitIdle(t, s)
	assert.Equal(t, uint64(1), s.GetStats().Requested)
	assert.Equal(t, 1, gen.callCount())
}

func TestCompletionDeliveredOnUpdateGoroutine(t *testing.T) {
	gen := &fakeGen{done: make(chan struct{}, 1)}
	s := New(gen, nil, streamCfg(1), 2)
	defer s.Dispose()

	tl := newTile(0, 0, 0)
	called := false
	s.Request(tl, PriorityHigh, func(*tile.Tile, error) { called = true })
	s.Update(0)

	// The worker has produced the grid but nothing may touch the tile until
	// the next Update drains the completion.
	<-gen.done
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, tile.StateGenerating, tl.State())
	assert.False(t, called)

	s.Update(0)
	assert.Equal(t, tile.StateReady, tl.State())
	assert.True(t, called)
}

func TestPriorityOrderWithFIFOTieBreak(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGen{gate: gate}
	s := New(gen, nil, streamCfg(1), 2)
	defer s.Dispose()

	var order []string
	record := func(t *tile.Tile, err error) { order = append(order, t.ID()) }

	blocker := newTile(9, 9, 0)
	s.Request(blocker, PriorityImmediate, record)
	s.Update(0) // the single worker slot is now occupied

	s.Request(newTile(0, 0, 1), PriorityLow, record)
	s.Request(newTile(1, 0, 1), PriorityImmediate, record)
	s.Request(newTile(2, 0, 1), PriorityMedium, record)
	s.Request(newTile(3, 0, 1), PriorityMedium, record)

	close(gate)
	waitIdle(t, s)

	require.Equal(t, []string{
		blocker.ID(),
		"1_0_1", // immediate
		"2_0_1", // medium, requested before 3_0_1
		"3_0_1",
		"0_0_1", // low
	}, order)
}

func TestGenerationFailureMarksTileError(t *testing.T) {
	gen := &fakeGen{fail: true}
	s := New(gen, nil, streamCfg(1), 2)
	defer s.Dispose()

	tl := newTile(0, 0, 0)
	var gotErr error
	s.Request(tl, PriorityHigh, func(t *tile.Tile, err error) { gotErr = err })

	waitIdle(t, s)
	assert.Equal(t, tile.StateError, tl.State())
	assert.Error(t, gotErr)
	assert.Equal(t, uint64(1), s.GetStats().Failed)

	// The tile is requestable again once the provider recovers.
	gen.mu.Lock()
	gen.fail = false
	gen.mu.Unlock()
	s.Request(tl, PriorityHigh, nil)
	waitIdle(t, s)
	assert.Equal(t, tile.StateReady, tl.State())
}

func TestCacheHitSkipsGeneration(t *testing.T) {
	gen := &fakeGen{}
	store := NewMemoryStore(8)
	s := New(gen, store, streamCfg(1), 2)
	defer s.Dispose()

	tl := newTile(4, 4, 2)
	require.NoError(t, store.Save(fmt.Sprintf("s%d_%s", gen.Seed(), tl.ID()), testGrid(99)))

	s.Request(tl, PriorityHigh, nil)
	waitIdle(t, s)

	assert.Equal(t, tile.StateReady, tl.State())
	assert.Equal(t, 0, gen.callCount(), "cached tile should not regenerate")
	assert.Equal(t, uint64(1), s.GetStats().CacheHits)
}

func TestClearDropsQueuedRequests(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGen{gate: gate}
	s := New(gen, nil, streamCfg(1), 2)
	defer s.Dispose()

	blocker := newTile(9, 9, 0)
	s.Request(blocker, PriorityImmediate, nil)
	s.Update(0)

	queued := newTile(0, 0, 1)
	s.Request(queued, PriorityLow, nil)
	s.Clear()

	assert.Equal(t, tile.StateUnloaded, queued.State())
	assert.Equal(t, 0, s.GetStats().Queued)

	// The in-flight blocker still finishes and delivers.
	close(gate)
	waitIdle(t, s)
	assert.Equal(t, tile.StateReady, blocker.State())
	assert.Equal(t, 1, gen.callCount(), "cleared request must not generate")
}

func TestPredictiveLoadingBoostsNearbyRequests(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGen{gate: gate}
	s := New(gen, nil, streamCfg(1), 2)
	defer s.Dispose()

	var order []string
	record := func(t *tile.Tile, err error) { order = append(order, t.ID()) }

	blocker := newTile(9, 9, 0)
	s.Request(blocker, PriorityImmediate, record)
	s.Update(0)

	far := newTile(50, 50, 1) // ~70km out, stays low priority
	near := newTile(2, 0, 1)  // ahead of the camera's motion
	s.Request(far, PriorityLow, record)
	s.Request(near, PriorityLow, record)

	// A stationary camera boosts nothing.
	s.UpdatePredictiveLoading(geom.Vec3{}, geom.Vec3{}, 5000)
	assert.Equal(t, uint64(0), s.GetStats().Expedited)

	// Moving east at 500 u/s with a 2s lead predicts x=1000, next to `near`.
	s.UpdatePredictiveLoading(geom.Vec3{}, geom.Vec3{X: 500}, 5000)
	assert.Equal(t, uint64(1), s.GetStats().Expedited)

	close(gate)
	waitIdle(t, s)
	require.Equal(t, []string{blocker.ID(), near.ID(), far.ID()}, order)
}

func TestDisposeRejectsNewRequests(t *testing.T) {
	gen := &fakeGen{}
	s := New(gen, nil, streamCfg(1), 2)
	s.Dispose()

	tl := newTile(0, 0, 0)
	s.Request(tl, PriorityHigh, nil)
	assert.Equal(t, tile.StateUnloaded, tl.State())
	assert.Equal(t, uint64(0), s.GetStats().Requested)
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "immediate", PriorityImmediate.String())
	assert.Equal(t, "low", PriorityLow.String())
}
