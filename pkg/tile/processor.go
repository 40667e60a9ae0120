package tile

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// ErrUnsupportedExtension marks files skipped by the extension pre-filter.
var ErrUnsupportedExtension = errors.New("unsupported file extension")

var tileExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// Supported reports whether name carries one of the accepted raster
// extensions. The check is case-insensitive and never looks at content.
func Supported(name string) bool {
	return tileExtensions[strings.ToLower(filepath.Ext(name))]
}

// Processor handles tile loading and indexing
type Processor struct {
	fs      afero.Fs
	log     zerolog.Logger
	workers int
}

// NewProcessor creates a new tile processor. workers <= 0 uses one worker
// per CPU.
func NewProcessor(fs afero.Fs, log zerolog.Logger, workers int) *Processor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Processor{
		fs:      fs,
		log:     log,
		workers: workers,
	}
}

// IndexReport summarises an indexing run
type IndexReport struct {
	Dir      string
	Total    int
	Accepted int
	Rejected []LoadResult
	Cached   bool
}

// Err combines every rejection reason, or returns nil if nothing was rejected.
func (r *IndexReport) Err() error {
	var err error
	for _, res := range r.Rejected {
		err = multierr.Append(err, fmt.Errorf("%s: %w", filepath.Base(res.Path), res.Err))
	}
	return err
}

// Candidates lists the regular files directly inside dir, sorted by name.
func (p *Processor) Candidates(dir string) ([]os.FileInfo, error) {
	entries, err := afero.ReadDir(p.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiles directory: %w", err)
	}
	files := entries[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, e)
	}
	return files, nil
}

// Index loads every candidate file in dir as a size×size tile. Files that
// cannot be used are recorded in the report and never abort the run; only a
// failure to list dir or a cancelled context is returned as an error.
func (p *Processor) Index(ctx context.Context, dir string, size int) (*Catalog, *IndexReport, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("tile size must be greater than 0, got %d", size)
	}

	files, err := p.Candidates(dir)
	if err != nil {
		return nil, nil, err
	}

	type indexed struct {
		order int
		LoadResult
	}

	p.log.Info().Str("dir", dir).Int("candidates", len(files)).Int("size", size).Msg("loading tiles")

	results := pool.NewWithResults[indexed]().WithMaxGoroutines(p.workers)
	for i, fi := range files {
		path := filepath.Join(dir, fi.Name())
		if !Supported(path) {
			results.Go(func() indexed {
				return indexed{order: i, LoadResult: LoadResult{Path: path, Err: ErrUnsupportedExtension}}
			})
			continue
		}
		results.Go(func() indexed {
			if err := ctx.Err(); err != nil {
				return indexed{order: i, LoadResult: LoadResult{Path: path, Err: err}}
			}
			return indexed{order: i, LoadResult: p.LoadTile(path, size)}
		})
	}
	loaded := results.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Workers finish in any order; restore the directory order.
	sort.Slice(loaded, func(a, b int) bool { return loaded[a].order < loaded[b].order })

	catalog := &Catalog{Size: size}
	report := &IndexReport{Dir: dir, Total: len(loaded)}
	for _, res := range loaded {
		if res.Loaded() {
			catalog.Tiles = append(catalog.Tiles, res.Tile)
			continue
		}
		report.Rejected = append(report.Rejected, res.LoadResult)
		p.log.Debug().Str("file", res.Path).Err(res.Err).Msg("skipping tile")
	}
	report.Accepted = len(catalog.Tiles)

	return catalog, report, nil
}

// LoadTile decodes a single file and normalises it into a tile.
func (p *Processor) LoadTile(path string, size int) (res LoadResult) {
	res.Path = path
	if !Supported(path) {
		res.Err = ErrUnsupportedExtension
		return res
	}

	// A malformed image may make the decoder or resampler panic; that only
	// rejects this file.
	defer func() {
		if r := recover(); r != nil {
			res.Tile = nil
			res.Err = fmt.Errorf("failed to process image: %v", r)
		}
	}()

	f, err := p.fs.Open(path)
	if err != nil {
		res.Err = fmt.Errorf("failed to open image: %w", err)
		return res
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		res.Err = fmt.Errorf("failed to decode image: %w", err)
		return res
	}

	t, err := NewTile(path, img, size)
	if err != nil {
		res.Err = err
		return res
	}
	res.Tile = t
	return res
}

// NewTile center-crops img to a square, scales it to size×size with a
// Lanczos filter, and computes its representative color.
func NewTile(path string, img image.Image, size int) (*Tile, error) {
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("image has no pixels")
	}
	fitted := imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	Opaque(fitted)
	return &Tile{
		Path:  path,
		Image: fitted,
		Color: AverageColor(fitted),
	}, nil
}

// Opaque drops the alpha channel by forcing every pixel fully opaque.
func Opaque(img *image.NRGBA) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = 0xff
		}
	}
}

// AverageColor returns the mean of each channel over all pixels.
func AverageColor(img *image.NRGBA) Color {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return Color{}
	}

	var rSum, gSum, bSum uint64
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			rSum += uint64(row[i])
			gSum += uint64(row[i+1])
			bSum += uint64(row[i+2])
		}
	}

	return Color{
		float64(rSum) / float64(n),
		float64(gSum) / float64(n),
		float64(bSum) / float64(n),
	}
}
