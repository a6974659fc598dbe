// Package stream resolves prioritized tile load requests asynchronously.
// Requests are fire-and-forget: generation runs on a bounded worker pool and
// results are handed back on the caller's goroutine during Update, so the
// render loop never observes a mutation from another thread.
package stream

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"

	"terrastream/internal/config"
	"terrastream/internal/geom"
	"terrastream/internal/heightmap"
	"terrastream/internal/tile"
)

// Priority orders pending load requests. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// CompleteFunc is invoked on the Update goroutine once a request resolves.
// err is non-nil when generation failed; the tile is then left in the Error
// state for a later frame to retry.
type CompleteFunc func(t *tile.Tile, err error)

// Generator produces sample grids for tile bounds.
type Generator interface {
	Seed() int64
	Grid(bounds geom.Rect, resolution int) (*heightmap.Grid, error)
}

// Stats are opaque pass-through counters for the coordinator snapshot.
type Stats struct {
	Requested uint64
	Completed uint64
	Failed    uint64
	CacheHits uint64
	Expedited uint64
	Queued    int
	Inflight  int
}

type request struct {
	tile       *tile.Tile
	priority   Priority
	onComplete CompleteFunc
	seq        uint64
	index      int
}

type completion struct {
	req       *request
	grid      *heightmap.Grid
	err       error
	fromCache bool
}

// Service is the tile streaming provider. Request and Update must be called
// from the same goroutine; everything else is internal worker concurrency.
type Service struct {
	gen        Generator
	store      SampleStore
	resolution int
	lead       float64

	sem       *semaphore.Weighted
	completed chan completion
	quit      chan struct{}

	mu       sync.Mutex
	queue    requestQueue
	pending  map[string]*request
	seq      uint64
	inflight int
	closed   bool
	stats    Stats
}

// New wires a streaming service over the given generator. store may be nil
// to disable sample caching.
func New(gen Generator, store SampleStore, cfg config.StreamingConfig, resolution int) *Service {
	maxLoads := cfg.MaxConcurrentLoads
	if maxLoads < 1 {
		maxLoads = 1
	}
	return &Service{
		gen:        gen,
		store:      store,
		resolution: resolution,
		lead:       cfg.PredictiveLead.Duration().Seconds(),
		sem:        semaphore.NewWeighted(int64(maxLoads)),
		completed:  make(chan completion, 256),
		quit:       make(chan struct{}),
		pending:    make(map[string]*request),
	}
}

// Request queues an asynchronous load for the tile. Duplicate requests for a
// tile with a live request are suppressed here, not by the caller.
func (s *Service) Request(t *tile.Tile, priority Priority, onComplete CompleteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	id := t.ID()
	if _, ok := s.pending[id]; ok {
		return
	}

	t.SetState(tile.StateLoading)
	s.seq++
	req := &request{
		tile:       t,
		priority:   priority,
		onComplete: onComplete,
		seq:        s.seq,
	}
	s.pending[id] = req
	heap.Push(&s.queue, req)
	s.stats.Requested++
}

// Update drains finished generations onto the caller goroutine, then
// dispatches queued requests up to the concurrency cap. Never blocks.
func (s *Service) Update(deltaTime float64) {
	_ = deltaTime

	for {
		select {
		case comp := <-s.completed:
			s.finish(comp)
		default:
			s.dispatch()
			return
		}
	}
}

func (s *Service) finish(comp completion) {
	s.mu.Lock()
	delete(s.pending, comp.req.tile.ID())
	s.inflight--
	if comp.err != nil {
		s.stats.Failed++
	} else {
		s.stats.Completed++
		if comp.fromCache {
			s.stats.CacheHits++
		}
	}
	s.mu.Unlock()

	if comp.err != nil {
		comp.req.tile.SetState(tile.StateError)
	} else {
		comp.req.tile.Install(comp.grid)
	}
	if comp.req.onComplete != nil {
		comp.req.onComplete(comp.req.tile, comp.err)
	}

	s.dispatch()
}

func (s *Service) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for s.queue.Len() > 0 && s.sem.TryAcquire(1) {
		req := heap.Pop(&s.queue).(*request)
		s.inflight++
		go s.generate(req)
	}
}

func (s *Service) generate(req *request) {
	defer s.sem.Release(1)

	t := req.tile
	t.SetState(tile.StateGenerating)

	key := s.cacheKey(t)
	if s.store != nil {
		grid, ok, err := s.store.Load(key)
		if err != nil {
			log.Printf("tile %s cache read: %v", t.ID(), err)
		}
		if ok {
			s.deliver(completion{req: req, grid: grid, fromCache: true})
			return
		}
	}

	grid, err := s.gen.Grid(t.Bounds, s.resolution)
	if err == nil && s.store != nil {
		if saveErr := s.store.Save(key, grid); saveErr != nil {
			log.Printf("tile %s cache write: %v", t.ID(), saveErr)
		}
	}
	s.deliver(completion{req: req, grid: grid, err: err})
}

func (s *Service) deliver(comp completion) {
	select {
	case s.completed <- comp:
	case <-s.quit:
	}
}

func (s *Service) cacheKey(t *tile.Tile) string {
	return fmt.Sprintf("s%d_%s", s.gen.Seed(), t.ID())
}

// UpdatePredictiveLoading boosts queued requests whose tiles lie near the
// projected camera position, so motion toward a region pulls its tiles
// forward before they enter the subdivide radius.
func (s *Service) UpdatePredictiveLoading(position, velocity geom.Vec3, maxDistance float64) {
	// A stationary camera predicts its own position, which the priority
	// ladder already covers; skip the queue reshuffle.
	if s.lead <= 0 || velocity.Length() == 0 {
		return
	}
	predicted := position.Add(velocity.Scale(s.lead))
	if !predicted.IsFinite() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	boosted := false
	for _, req := range s.queue {
		if req.priority >= PriorityHigh {
			continue
		}
		d := req.tile.Bounds.DistanceToPoint(predicted, 0, 0)
		if d <= maxDistance {
			req.priority = PriorityHigh
			s.stats.Expedited++
			boosted = true
		}
	}
	if boosted {
		heap.Init(&s.queue)
	}
}

// Clear drops all queued requests. Work already running is left to finish
// and deliver; its completions still fire.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.queue {
		delete(s.pending, req.tile.ID())
		req.tile.SetState(tile.StateUnloaded)
	}
	s.queue = nil
}

// Dispose clears pending work and stops accepting requests. In-flight
// generations unblock against the quit channel and are dropped.
func (s *Service) Dispose() {
	s.Clear()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("sample store close: %v", err)
		}
	}
}

// GetStats returns a snapshot of the service counters.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.stats
	snapshot.Queued = s.queue.Len()
	snapshot.Inflight = s.inflight
	return snapshot
}

// WaitIdle blocks until no request is queued or in flight, draining
// completions as they arrive. Intended for hosts and tests, not the frame
// loop.
func (s *Service) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.queue.Len() == 0 && s.inflight == 0
		s.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case comp := <-s.completed:
			s.finish(comp)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// requestQueue is a max-heap on (priority, FIFO sequence).
type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	req := x.(*request)
	req.index = len(*q)
	*q = append(*q, req)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return req
}
