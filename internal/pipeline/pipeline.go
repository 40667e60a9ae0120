// Package pipeline runs a complete mosaic build from files on disk to a
// written output image.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/kiesman99/mosaic/internal/mosaic"
	"github.com/kiesman99/mosaic/pkg/tile"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Summary describes a finished run
type Summary struct {
	Output   string
	Columns  int
	Rows     int
	Width    int
	Height   int
	Accepted int
	Rejected int
	Cached   bool
	Elapsed  time.Duration
}

// Runner handles the main build flow
type Runner struct {
	fs  afero.Fs
	log zerolog.Logger
}

// NewRunner creates a new runner instance
func NewRunner(fs afero.Fs, log zerolog.Logger) *Runner {
	return &Runner{
		fs:  fs,
		log: log,
	}
}

// Run indexes the tiles, builds the mosaic and writes it to opts.Output.
// Nothing is written unless every step before the write succeeds.
func (r *Runner) Run(ctx context.Context, opts tile.Options) (*Summary, error) {
	start := time.Now()

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Target == "" {
		return nil, errors.New("target image is required")
	}
	if opts.Tiles == "" {
		return nil, errors.New("tiles directory is required")
	}
	if opts.Output == "" {
		return nil, errors.New("output path is required")
	}
	if err := tile.CheckFormat(opts.Output); err != nil {
		return nil, err
	}

	processor := tile.NewProcessor(r.fs, r.log, opts.Workers)
	var cache *tile.Cache
	if opts.CacheDir != "" {
		cache = tile.NewCache(r.fs, opts.CacheDir)
	}

	catalog, report, err := processor.IndexCached(ctx, cache, opts.Tiles, opts.TileSize)
	if err != nil {
		return nil, err
	}
	r.log.Info().
		Int("accepted", report.Accepted).
		Int("rejected", len(report.Rejected)).
		Bool("cached", report.Cached).
		Msg("tiles loaded")
	if rejectErr := report.Err(); rejectErr != nil {
		r.log.Debug().Err(rejectErr).Msg("rejected tiles")
	}
	if err := mosaic.CheckCatalog(catalog, report); err != nil {
		return nil, err
	}

	target, err := r.loadTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	result, err := mosaic.New(opts, r.log).Build(ctx, target, catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to build mosaic: %w", err)
	}

	if err := tile.WriteImage(r.fs, opts.Output, result.Image); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", opts.Output, err)
	}

	b := result.Image.Bounds()
	summary := &Summary{
		Output:   opts.Output,
		Columns:  result.Columns,
		Rows:     result.Rows,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Accepted: report.Accepted,
		Rejected: len(report.Rejected),
		Cached:   report.Cached,
		Elapsed:  time.Since(start),
	}
	r.log.Info().
		Str("output", summary.Output).
		Int("width", summary.Width).
		Int("height", summary.Height).
		Dur("elapsed", summary.Elapsed).
		Msg("done")
	return summary, nil
}

func (r *Runner) loadTarget(path string) (image.Image, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open target image: %w", err)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode target image %s: %w", path, err)
	}
	return img, nil
}
