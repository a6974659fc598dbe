package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a JSON/YAML-friendly wrapper around time.Duration that accepts
// human readable strings such as "4ms" in configuration files while still
// allowing numeric representations when necessary.
type Duration time.Duration

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration using the canonical string representation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration from either a string (e.g. "250ms") or a
// numeric value representing nanoseconds. Empty strings and null values decode
// to zero.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("duration: empty value")
	}
	if string(b) == "null" {
		*d = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("duration: decode string: %w", err)
		}
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*d = Duration(time.Duration(f))
		return nil
	}
	return fmt.Errorf("duration: invalid value %s", string(b))
}

// MarshalYAML mirrors the JSON representation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML decodes a duration from a string or nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	return fmt.Errorf("duration: invalid value %q", value.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: parse %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config captures the tunable parameters for the terrain LOD coordinator and
// its streaming provider.
type Config struct {
	Terrain   TerrainConfig   `json:"terrain" yaml:"terrain"`
	LOD       LODConfig       `json:"lod" yaml:"lod"`
	Streaming StreamingConfig `json:"streaming" yaml:"streaming"`
}

// TerrainConfig drives the seed-keyed heightmap synthesis.
type TerrainConfig struct {
	Seed        int64   `json:"seed" yaml:"seed"`
	Frequency   float64 `json:"frequency" yaml:"frequency"`
	Amplitude   float64 `json:"amplitude" yaml:"amplitude"`
	Octaves     int     `json:"octaves" yaml:"octaves"`
	Persistence float64 `json:"persistence" yaml:"persistence"`
	Lacunarity  float64 `json:"lacunarity" yaml:"lacunarity"`
}

// LODConfig controls the quadtree shape and the per-frame traversal.
type LODConfig struct {
	// RootGridSize is N for the N x N grid of level-0 root tiles built at
	// initialization, centered on the world origin.
	RootGridSize int `json:"rootGridSize" yaml:"rootGridSize"`

	// BaseTileSize is the edge length of a level-0 tile in world units.
	BaseTileSize float64 `json:"baseTileSize" yaml:"baseTileSize"`

	// TileResolution is the number of quads per tile edge; a tile carries
	// (TileResolution+1)^2 height samples.
	TileResolution int `json:"tileResolution" yaml:"tileResolution"`

	// MaxLevels bounds the node level: a node subdivides only while
	// level+1 < MaxLevels.
	MaxLevels int `json:"maxLevels" yaml:"maxLevels"`

	// Distances[i] is the camera distance below which a level-i node
	// subdivides. Levels past the end of the table never subdivide.
	Distances []float64 `json:"distances" yaml:"distances"`

	// CollapseFactor scales the subdivide threshold into the stricter
	// collapse threshold. Must stay above 1 or subdivision oscillates at
	// the boundary.
	CollapseFactor float64 `json:"collapseFactor" yaml:"collapseFactor"`

	ViewDistance    float64 `json:"viewDistance" yaml:"viewDistance"`
	RequestDistance float64 `json:"requestDistance" yaml:"requestDistance"`
	ErrorThreshold  float64 `json:"errorThreshold" yaml:"errorThreshold"`

	// FrameBudget is the soft cap on traversal time per update, checked
	// between nodes.
	FrameBudget Duration `json:"frameBudget" yaml:"frameBudget"`

	EnableFrustumCulling    bool `json:"enableFrustumCulling" yaml:"enableFrustumCulling"`
	AdaptiveLOD             bool `json:"adaptiveLod" yaml:"adaptiveLod"`
	EnablePredictiveLoading bool `json:"enablePredictiveLoading" yaml:"enablePredictiveLoading"`
}

// StreamingConfig controls the asynchronous tile loader.
type StreamingConfig struct {
	MaxConcurrentLoads int `json:"maxConcurrentLoads" yaml:"maxConcurrentLoads"`

	// CacheDir enables the on-disk sample cache when non-empty.
	CacheDir string `json:"cacheDir" yaml:"cacheDir"`

	// CacheEntries caps the in-memory sample cache.
	CacheEntries int `json:"cacheEntries" yaml:"cacheEntries"`

	// PredictiveLead is how far ahead along the camera velocity vector the
	// predictive loader projects.
	PredictiveLead Duration `json:"predictiveLead" yaml:"predictiveLead"`
}

// Load reads configuration from a JSON or YAML file. An empty path returns
// defaults. Out-of-range values are clamped, not rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Terrain: TerrainConfig{
			Seed:        1337,
			Frequency:   0.0004,
			Amplitude:   900,
			Octaves:     5,
			Persistence: 0.48,
			Lacunarity:  2.0,
		},
		LOD: LODConfig{
			RootGridSize:   3,
			BaseTileSize:   8192,
			TileResolution: 64,
			MaxLevels:      6,
			Distances:      []float64{5000, 2500, 1200, 600, 300},
			CollapseFactor: 1.5,
			ViewDistance:   25000,
			ErrorThreshold: 1,
			FrameBudget:    Duration(4 * time.Millisecond),
		},
		Streaming: StreamingConfig{
			MaxConcurrentLoads: 4,
			CacheEntries:       256,
			PredictiveLead:     Duration(2 * time.Second),
		},
	}
}

// Validate rejects configurations that cannot be repaired by clamping.
func (c *Config) Validate() error {
	if c.Terrain.Frequency < 0 {
		return errors.New("terrain.frequency cannot be negative")
	}
	if c.LOD.BaseTileSize < 0 {
		return errors.New("lod.baseTileSize cannot be negative")
	}
	for i, d := range c.LOD.Distances {
		if math.IsNaN(d) || d < 0 {
			return fmt.Errorf("lod.distances[%d] must be a non-negative number", i)
		}
	}
	return nil
}

// Normalize clamps out-of-range options to their nearest valid value so a
// sloppy configuration degrades instead of failing initialization.
func (c *Config) Normalize() {
	if c.Terrain.Octaves < 1 {
		c.Terrain.Octaves = 1
	}
	if c.Terrain.Octaves > 12 {
		c.Terrain.Octaves = 12
	}
	if c.Terrain.Persistence <= 0 {
		c.Terrain.Persistence = 0.5
	}
	if c.Terrain.Lacunarity <= 1 {
		c.Terrain.Lacunarity = 2.0
	}
	if c.Terrain.Frequency == 0 {
		c.Terrain.Frequency = Default().Terrain.Frequency
	}

	if c.LOD.RootGridSize < 1 {
		c.LOD.RootGridSize = 1
	}
	if c.LOD.RootGridSize > 9 {
		c.LOD.RootGridSize = 9
	}
	if c.LOD.BaseTileSize == 0 {
		c.LOD.BaseTileSize = Default().LOD.BaseTileSize
	}
	if c.LOD.TileResolution < 2 {
		c.LOD.TileResolution = 2
	}
	if c.LOD.TileResolution > 512 {
		c.LOD.TileResolution = 512
	}
	if c.LOD.MaxLevels < 1 {
		c.LOD.MaxLevels = 1
	}
	if c.LOD.MaxLevels > 16 {
		c.LOD.MaxLevels = 16
	}
	if c.LOD.CollapseFactor <= 1 {
		c.LOD.CollapseFactor = 1.5
	}
	if c.LOD.ViewDistance <= 0 {
		c.LOD.ViewDistance = Default().LOD.ViewDistance
	}
	if c.LOD.RequestDistance <= 0 {
		c.LOD.RequestDistance = c.LOD.ViewDistance
	}
	if c.LOD.ErrorThreshold < 0 {
		c.LOD.ErrorThreshold = 0
	}
	if c.LOD.FrameBudget <= 0 {
		c.LOD.FrameBudget = Default().LOD.FrameBudget
	}

	if c.Streaming.MaxConcurrentLoads < 1 {
		c.Streaming.MaxConcurrentLoads = 1
	}
	if c.Streaming.CacheEntries < 0 {
		c.Streaming.CacheEntries = 0
	}
	if c.Streaming.PredictiveLead < 0 {
		c.Streaming.PredictiveLead = 0
	}
}

// Patch is a partial configuration merged over an existing Config. Nil fields
// leave the current value untouched.
type Patch struct {
	Seed                    *int64
	MaxLevels               *int
	ViewDistance            *float64
	ErrorThreshold          *float64
	EnableFrustumCulling    *bool
	AdaptiveLOD             *bool
	EnablePredictiveLoading *bool
	Distances               []float64
	FrameBudget             *Duration
}

// Apply merges the patch into cfg and re-normalizes. It reports whether the
// terrain seed changed, which invalidates all generated data.
func (p Patch) Apply(cfg *Config) (seedChanged bool) {
	if p.Seed != nil && *p.Seed != cfg.Terrain.Seed {
		cfg.Terrain.Seed = *p.Seed
		seedChanged = true
	}
	if p.MaxLevels != nil {
		cfg.LOD.MaxLevels = *p.MaxLevels
	}
	if p.ViewDistance != nil {
		// A request distance that merely tracked the view distance keeps
		// tracking it; an explicitly smaller one is preserved.
		if cfg.LOD.RequestDistance == cfg.LOD.ViewDistance {
			cfg.LOD.RequestDistance = 0
		}
		cfg.LOD.ViewDistance = *p.ViewDistance
	}
	if p.ErrorThreshold != nil {
		cfg.LOD.ErrorThreshold = *p.ErrorThreshold
	}
	if p.EnableFrustumCulling != nil {
		cfg.LOD.EnableFrustumCulling = *p.EnableFrustumCulling
	}
	if p.AdaptiveLOD != nil {
		cfg.LOD.AdaptiveLOD = *p.AdaptiveLOD
	}
	if p.EnablePredictiveLoading != nil {
		cfg.LOD.EnablePredictiveLoading = *p.EnablePredictiveLoading
	}
	if p.Distances != nil {
		cfg.LOD.Distances = append([]float64(nil), p.Distances...)
	}
	if p.FrameBudget != nil {
		cfg.LOD.FrameBudget = *p.FrameBudget
	}
	cfg.Normalize()
	return seedChanged
}
