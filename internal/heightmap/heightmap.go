// Package heightmap synthesizes deterministic terrain height samples from
// hashed fractal value noise. The same seed and coordinates always produce
// the same surface, so tiles can be regenerated at any time.
package heightmap

import (
	"fmt"
	"math"
	"sync/atomic"

	"terrastream/internal/config"
	"terrastream/internal/geom"
)

// Grid holds the height samples for one tile: (Resolution+1)^2 values in
// row-major order, north row first.
type Grid struct {
	Heights    []float32
	Resolution int
	Min        float32
	Max        float32

	// Roughness is the mean absolute slope across the grid scaled to
	// roughly 0..100, consumed by adaptive LOD.
	Roughness float64
}

// MemoryUsage returns the approximate heap footprint of the grid in bytes.
func (g *Grid) MemoryUsage() int64 {
	return int64(len(g.Heights))*4 + 64
}

// Sample returns the height at grid cell (col, row) with clamped indices.
func (g *Grid) Sample(col, row int) float32 {
	stride := g.Resolution + 1
	col = clampInt(col, 0, g.Resolution)
	row = clampInt(row, 0, g.Resolution)
	return g.Heights[row*stride+col]
}

// Generator creates repeatable terrain heights using hashed value noise.
// The seed may be swapped at runtime; generation workers read it atomically.
type Generator struct {
	cfg  config.TerrainConfig
	seed atomic.Int64
}

func NewGenerator(cfg config.TerrainConfig) *Generator {
	g := &Generator{cfg: cfg}
	g.seed.Store(cfg.Seed)
	return g
}

// Seed returns the seed the generator is currently keyed on.
func (g *Generator) Seed() int64 {
	return g.seed.Load()
}

// Reseed re-keys the generator. Callers owning derived data must invalidate
// it themselves; heights produced before and after a reseed do not mix.
func (g *Generator) Reseed(seed int64) {
	g.seed.Store(seed)
}

// HeightAt samples the surface height at a single world position. This is
// cheap enough for per-query fallback use and never returns NaN.
func (g *Generator) HeightAt(x, z float64) float64 {
	return g.fractalNoise(x, z) * g.cfg.Amplitude
}

// Grid fills a complete sample grid covering bounds. resolution is the quad
// count per edge, so the grid carries (resolution+1)^2 samples.
func (g *Generator) Grid(bounds geom.Rect, resolution int) (*Grid, error) {
	if resolution < 1 {
		return nil, fmt.Errorf("grid resolution %d out of range", resolution)
	}
	if !bounds.IsFinite() || bounds.Width() <= 0 || bounds.Depth() <= 0 {
		return nil, fmt.Errorf("grid bounds %+v degenerate", bounds)
	}

	stride := resolution + 1
	heights := make([]float32, stride*stride)
	stepX := bounds.Width() / float64(resolution)
	stepZ := bounds.Depth() / float64(resolution)

	minH := float32(math.Inf(1))
	maxH := float32(math.Inf(-1))
	for row := 0; row < stride; row++ {
		z := bounds.MinZ + float64(row)*stepZ
		for col := 0; col < stride; col++ {
			x := bounds.MinX + float64(col)*stepX
			h := float32(g.HeightAt(x, z))
			heights[row*stride+col] = h
			if h < minH {
				minH = h
			}
			if h > maxH {
				maxH = h
			}
		}
	}

	grid := &Grid{
		Heights:    heights,
		Resolution: resolution,
		Min:        minH,
		Max:        maxH,
	}
	grid.Roughness = roughness(heights, resolution, stepX)
	return grid, nil
}

// roughness estimates the mean absolute slope between adjacent samples,
// scaled so typical terrain lands in 0..100.
func roughness(heights []float32, resolution int, step float64) float64 {
	if step <= 0 || resolution < 1 {
		return 0
	}
	stride := resolution + 1
	sum := 0.0
	count := 0
	for row := 0; row < stride; row++ {
		for col := 0; col < resolution; col++ {
			idx := row*stride + col
			sum += math.Abs(float64(heights[idx+1] - heights[idx]))
			count++
		}
	}
	for row := 0; row < resolution; row++ {
		for col := 0; col < stride; col++ {
			idx := row*stride + col
			sum += math.Abs(float64(heights[idx+stride] - heights[idx]))
			count++
		}
	}
	if count == 0 {
		return 0
	}
	slope := sum / float64(count) / step
	r := slope * 200
	if r > 100 {
		r = 100
	}
	return r
}

func (g *Generator) fractalNoise(x, y float64) float64 {
	frequency := g.cfg.Frequency
	amplitude := 1.0
	noiseSum := 0.0
	maxAmplitude := 0.0

	for i := 0; i < g.cfg.Octaves; i++ {
		noise := g.valueNoise(x*frequency, y*frequency)
		noiseSum += noise * amplitude
		maxAmplitude += amplitude
		amplitude *= g.cfg.Persistence
		frequency *= g.cfg.Lacunarity
	}

	if maxAmplitude == 0 {
		return 0
	}
	return noiseSum / maxAmplitude
}

func (g *Generator) valueNoise(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := x0 + 1
	y1 := y0 + 1

	sx := smooth(x - float64(x0))
	sy := smooth(y - float64(y0))

	seed := g.seed.Load()
	n0 := random2D(x0, y0, seed)
	n1 := random2D(x1, y0, seed)
	ix0 := lerp(n0, n1, sx)

	n2 := random2D(x0, y1, seed)
	n3 := random2D(x1, y1, seed)
	ix1 := lerp(n2, n3, sx)

	return lerp(ix0, ix1, sy)
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

func random2D(x, y int, seed int64) float64 {
	return float64(hash3(x, y, int(seed))&0xFFFF)/0x8000 - 1.0
}

func hash3(x, y, z int) uint32 {
	h := uint32(x*374761393 + y*668265263 + z*2147483647)
	h = (h ^ (h >> 13)) * 1274126177
	return h ^ (h >> 16)
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
