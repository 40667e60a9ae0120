package tile

import (
	"fmt"
	"image"
)

// Defaults for Options
const (
	DefaultOutput   = "output/mosaic_result.jpg"
	DefaultDensity  = 100
	DefaultBlend    = 0.15
	DefaultTileSize = 50
	DefaultVariety  = 5
)

// Color is a representative color: mean R, G, B in [0,255].
type Color [3]float64

// Tile is an S×S square tile and its representative color.
type Tile struct {
	Path  string
	Image *image.NRGBA
	Color Color
}

// Catalog holds every tile accepted by the indexer, in encounter order.
type Catalog struct {
	Size  int
	Tiles []*Tile
}

// Len returns the number of tiles in the catalog
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Tiles)
}

// Colors returns the representative colors, index-aligned with Tiles.
func (c *Catalog) Colors() []Color {
	colors := make([]Color, len(c.Tiles))
	for i, t := range c.Tiles {
		colors[i] = t.Color
	}
	return colors
}

// LoadResult is the outcome of loading one candidate file: either Tile is set
// or Err explains why the file was rejected.
type LoadResult struct {
	Path string
	Tile *Tile
	Err  error
}

// Loaded reports whether the file produced a tile.
func (r LoadResult) Loaded() bool {
	return r.Tile != nil && r.Err == nil
}

// Options contains all configuration for building a mosaic
type Options struct {
	Target   string
	Tiles    string
	Output   string
	Density  int
	Blend    float64
	TileSize int
	Variety  int
	Message  string

	Workers  int    // 0 means runtime.NumCPU
	Seed     uint64 // 0 picks a random seed
	CacheDir string // empty disables the catalog cache
}

// DefaultOptions returns Options with every tunable at its default.
func DefaultOptions() Options {
	return Options{
		Output:   DefaultOutput,
		Density:  DefaultDensity,
		Blend:    DefaultBlend,
		TileSize: DefaultTileSize,
		Variety:  DefaultVariety,
	}
}

// Validate checks the numeric ranges. Paths are checked by the caller.
func (o *Options) Validate() error {
	if o.Density <= 0 {
		return fmt.Errorf("density must be greater than 0, got %d", o.Density)
	}
	if o.Blend < 0 || o.Blend > 1 {
		return fmt.Errorf("blend must be between 0 and 1, got %g", o.Blend)
	}
	if o.TileSize <= 0 {
		return fmt.Errorf("tile size must be greater than 0, got %d", o.TileSize)
	}
	if o.Variety < 1 {
		return fmt.Errorf("variety must be at least 1, got %d", o.Variety)
	}
	if o.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", o.Workers)
	}
	return nil
}
