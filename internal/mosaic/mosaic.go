// Package mosaic assembles a photo mosaic from a target image and a tile
// catalog: it picks a near-matching tile for every grid cell, pastes it into
// a canvas, then blends and watermarks the result.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"

	"github.com/kiesman99/mosaic/pkg/tile"
	"github.com/rs/zerolog"
)

var (
	// ErrEmptyCatalog means no tile survived indexing.
	ErrEmptyCatalog = errors.New("no valid tile images found")

	// ErrInvalidTarget means the target cannot produce a grid at least one
	// row tall.
	ErrInvalidTarget = errors.New("invalid target image")
)

// CatalogError reports an empty catalog together with why each candidate
// was rejected.
type CatalogError struct {
	Dir      string
	Rejected []tile.LoadResult
	Total    int
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("no valid tile images found in %s (%d files checked, %d rejected)",
		e.Dir, e.Total, len(e.Rejected))
}

func (e *CatalogError) Unwrap() error {
	return ErrEmptyCatalog
}

// CheckCatalog returns a *CatalogError when catalog holds no tiles.
func CheckCatalog(catalog *tile.Catalog, report *tile.IndexReport) error {
	if catalog.Len() > 0 {
		return nil
	}
	if report == nil {
		return ErrEmptyCatalog
	}
	return &CatalogError{
		Dir:      report.Dir,
		Rejected: report.Rejected,
		Total:    report.Total,
	}
}

// Result contains the finished mosaic
type Result struct {
	Image    *image.NRGBA
	Columns  int
	Rows     int
	TileSize int
	Usage    []int // times each catalog tile was placed, index-aligned with the catalog
}

// Builder performs mosaic assembly for one set of options
type Builder struct {
	opts    tile.Options
	log     zerolog.Logger
	workers int
}

// New creates a builder. Only the numeric options and Message are used; the
// paths are the caller's concern.
func New(opts tile.Options, log zerolog.Logger) *Builder {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Builder{
		opts:    opts,
		log:     log,
		workers: workers,
	}
}

// Build composes the mosaic and applies blending and the watermark.
func (b *Builder) Build(ctx context.Context, target image.Image, catalog *tile.Catalog) (*Result, error) {
	canvas, err := b.Compose(ctx, target, catalog)
	if err != nil {
		return nil, err
	}

	if b.opts.Blend > 0 {
		if err := Blend(canvas.Image, canvas.BlendSource, b.opts.Blend); err != nil {
			return nil, fmt.Errorf("failed to blend: %w", err)
		}
		b.log.Debug().Float64("blend", b.opts.Blend).Msg("blended with target")
	}

	if b.opts.Message != "" {
		if err := Watermark(canvas.Image, b.opts.Message); err != nil {
			b.log.Warn().Err(err).Msg("could not add text")
		} else {
			b.log.Info().Str("message", b.opts.Message).Msg("added message")
		}
	}

	usage := make([]int, catalog.Len())
	for _, idx := range canvas.Choices {
		usage[idx]++
	}

	return &Result{
		Image:    canvas.Image,
		Columns:  canvas.Columns,
		Rows:     canvas.Rows,
		TileSize: canvas.TileSize,
		Usage:    usage,
	}, nil
}
