package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	want := Default()
	if cfg.Terrain.Seed != want.Terrain.Seed {
		t.Fatalf("default seed = %d, want %d", cfg.Terrain.Seed, want.Terrain.Seed)
	}
	if cfg.LOD.MaxLevels != want.LOD.MaxLevels {
		t.Fatalf("default max levels = %d, want %d", cfg.LOD.MaxLevels, want.LOD.MaxLevels)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terrain.json")
	data := `{
		"terrain": {"seed": 99, "frequency": 0.001, "amplitude": 500, "octaves": 4, "persistence": 0.5, "lacunarity": 2.0},
		"lod": {"maxLevels": 8, "distances": [4000, 2000, 1000], "frameBudget": "6ms"},
		"streaming": {"maxConcurrentLoads": 2, "predictiveLead": "1s"}
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Terrain.Seed != 99 {
		t.Errorf("seed = %d, want 99", cfg.Terrain.Seed)
	}
	if cfg.LOD.MaxLevels != 8 {
		t.Errorf("max levels = %d, want 8", cfg.LOD.MaxLevels)
	}
	if len(cfg.LOD.Distances) != 3 || cfg.LOD.Distances[2] != 1000 {
		t.Errorf("distances = %v, want [4000 2000 1000]", cfg.LOD.Distances)
	}
	if cfg.LOD.FrameBudget.Duration() != 6*time.Millisecond {
		t.Errorf("frame budget = %v, want 6ms", cfg.LOD.FrameBudget.Duration())
	}
	if cfg.Streaming.PredictiveLead.Duration() != time.Second {
		t.Errorf("predictive lead = %v, want 1s", cfg.Streaming.PredictiveLead.Duration())
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terrain.yaml")
	data := `
terrain:
  seed: 7
  frequency: 0.0005
lod:
  rootGridSize: 5
  frameBudget: 3ms
streaming:
  maxConcurrentLoads: 8
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Terrain.Seed != 7 {
		t.Errorf("seed = %d, want 7", cfg.Terrain.Seed)
	}
	if cfg.LOD.RootGridSize != 5 {
		t.Errorf("root grid size = %d, want 5", cfg.LOD.RootGridSize)
	}
	if cfg.LOD.FrameBudget.Duration() != 3*time.Millisecond {
		t.Errorf("frame budget = %v, want 3ms", cfg.LOD.FrameBudget.Duration())
	}
	if cfg.Streaming.MaxConcurrentLoads != 8 {
		t.Errorf("max concurrent loads = %d, want 8", cfg.Streaming.MaxConcurrentLoads)
	}
}

func TestLoadRejectsNegativeFrequency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"terrain": {"frequency": -1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative frequency")
	}
}

func TestNormalizeClampsOutOfRangeValues(t *testing.T) {
	cfg := Default()
	cfg.Terrain.Octaves = 99
	cfg.LOD.RootGridSize = 0
	cfg.LOD.TileResolution = 100000
	cfg.LOD.MaxLevels = -3
	cfg.LOD.CollapseFactor = 0.5
	cfg.LOD.RequestDistance = 0
	cfg.Streaming.MaxConcurrentLoads = 0
	cfg.Normalize()

	if cfg.Terrain.Octaves != 12 {
		t.Errorf("octaves clamped to %d, want 12", cfg.Terrain.Octaves)
	}
	if cfg.LOD.RootGridSize != 1 {
		t.Errorf("root grid size clamped to %d, want 1", cfg.LOD.RootGridSize)
	}
	if cfg.LOD.TileResolution != 512 {
		t.Errorf("tile resolution clamped to %d, want 512", cfg.LOD.TileResolution)
	}
	if cfg.LOD.MaxLevels != 1 {
		t.Errorf("max levels clamped to %d, want 1", cfg.LOD.MaxLevels)
	}
	if cfg.LOD.CollapseFactor != 1.5 {
		t.Errorf("collapse factor clamped to %v, want 1.5", cfg.LOD.CollapseFactor)
	}
	if cfg.LOD.RequestDistance != cfg.LOD.ViewDistance {
		t.Errorf("request distance = %v, want view distance %v", cfg.LOD.RequestDistance, cfg.LOD.ViewDistance)
	}
	if cfg.Streaming.MaxConcurrentLoads != 1 {
		t.Errorf("max concurrent loads clamped to %d, want 1", cfg.Streaming.MaxConcurrentLoads)
	}
}

func TestPatchApply(t *testing.T) {
	cfg := Default()

	seed := int64(4242)
	view := 9000.0
	adaptive := true
	changed := Patch{
		Seed:         &seed,
		ViewDistance: &view,
		AdaptiveLOD:  &adaptive,
		Distances:    []float64{3000, 1500},
	}.Apply(cfg)

	if !changed {
		t.Fatal("seed change not reported")
	}
	if cfg.Terrain.Seed != 4242 {
		t.Errorf("seed = %d, want 4242", cfg.Terrain.Seed)
	}
	if cfg.LOD.ViewDistance != 9000 {
		t.Errorf("view distance = %v, want 9000", cfg.LOD.ViewDistance)
	}
	// RequestDistance follows a view distance change unless set explicitly.
	if cfg.LOD.RequestDistance != 9000 {
		t.Errorf("request distance = %v, want 9000", cfg.LOD.RequestDistance)
	}
	if !cfg.LOD.AdaptiveLOD {
		t.Error("adaptive LOD not applied")
	}
	if len(cfg.LOD.Distances) != 2 {
		t.Errorf("distances = %v, want 2 entries", cfg.LOD.Distances)
	}

	if (Patch{Seed: &seed}).Apply(cfg) {
		t.Fatal("re-applying the same seed reported a change")
	}
}

func TestPatchKeepsExplicitRequestDistance(t *testing.T) {
	cfg := Default()
	cfg.Normalize()
	cfg.LOD.RequestDistance = 12000

	view := 40000.0
	Patch{ViewDistance: &view}.Apply(cfg)
	if cfg.LOD.RequestDistance != 12000 {
		t.Fatalf("explicit request distance = %v after view patch, want 12000", cfg.LOD.RequestDistance)
	}

	// A request distance that tracked the view distance follows it.
	cfg.LOD.RequestDistance = cfg.LOD.ViewDistance
	view = 50000.0
	Patch{ViewDistance: &view}.Apply(cfg)
	if cfg.LOD.RequestDistance != 50000 {
		t.Fatalf("tracking request distance = %v after view patch, want 50000", cfg.LOD.RequestDistance)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"250ms"`)); err != nil {
		t.Fatalf("unmarshal string duration: %v", err)
	}
	if d.Duration() != 250*time.Millisecond {
		t.Fatalf("duration = %v, want 250ms", d.Duration())
	}

	if err := d.UnmarshalJSON([]byte(`1500000`)); err != nil {
		t.Fatalf("unmarshal numeric duration: %v", err)
	}

	out, err := Duration(time.Second).MarshalJSON()
	if err != nil {
		t.Fatalf("marshal duration: %v", err)
	}
	if string(out) != `"1s"` {
		t.Fatalf("marshalled duration = %s, want \"1s\"", out)
	}
}
