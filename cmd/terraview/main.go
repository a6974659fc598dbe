package main

import (
	"context"
	"flag"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"terrastream/internal/config"
	"terrastream/internal/geom"
	"terrastream/internal/heightmap"
	"terrastream/internal/lod"
	"terrastream/internal/metrics"
	"terrastream/internal/stream"
)

func main() {
	var cfgPath string
	var metricsAddr string
	flag.StringVar(&cfgPath, "config", "", "path to terrain configuration file")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for the Prometheus endpoint, empty to disable")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	gen := heightmap.NewGenerator(cfg.Terrain)
	store, err := newStore(cfg.Streaming)
	if err != nil {
		log.Fatalf("initialise sample store: %v", err)
	}

	svc := stream.New(gen, store, cfg.Streaming, cfg.LOD.TileResolution)
	coord := lod.NewCoordinator(cfg, svc, gen)
	coord.Initialize()
	defer coord.Dispose()

	ctx, cancel := signalContext()
	defer cancel()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	run(ctx, coord)
}

func newStore(cfg config.StreamingConfig) (stream.SampleStore, error) {
	if cfg.CacheDir == "" {
		return stream.NewMemoryStore(cfg.CacheEntries), nil
	}
	return stream.NewDiskStore(cfg.CacheDir, cfg.CacheEntries)
}

// run flies a camera along a slow orbit over the terrain at a fixed step,
// logging coordinator stats once a second. It stands in for a render loop.
func run(ctx context.Context, coord *lod.Coordinator) {
	const step = time.Second / 60
	obs := metrics.NewObserver()
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	logEvery := time.NewTicker(time.Second)
	defer logEvery.Stop()

	elapsed := 0.0
	for {
		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			return
		case <-ticker.C:
			elapsed += step.Seconds()
			camera := orbitCamera(elapsed)
			camera.Y = coord.HeightAt(camera.X, camera.Z) + 600
			coord.Update(camera, nil, step.Seconds())
			obs.Observe(coord.GetStats())
		case <-logEvery.C:
			s := coord.GetStats()
			log.Printf("nodes=%d visible=%d renderable=%d loading=%d tris=%d mem=%.1fMiB frame=%s queued=%d inflight=%d",
				s.TotalNodes, s.VisibleTiles, s.RenderableTiles, s.LoadingTiles,
				s.Triangles, float64(s.MemoryBytes)/(1<<20), s.FrameTime,
				s.Streaming.Queued, s.Streaming.Inflight)
		}
	}
}

func orbitCamera(elapsed float64) geom.Vec3 {
	const radius = 6000.0
	angle := elapsed * 0.05
	return geom.Vec3{
		X: radius * math.Cos(angle),
		Z: radius * math.Sin(angle),
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}

		// Ensure the process terminates if shutdown stalls.
		time.AfterFunc(10*time.Second, func() {
			log.Printf("forced shutdown after timeout")
			os.Exit(1)
		})
	}()

	return ctx, cancel
}
