package mosaic

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/kiesman99/mosaic/pkg/tile"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/image/draw"
)

// Canvas is the assembled, not yet finished mosaic
type Canvas struct {
	Image       *image.NRGBA
	BlendSource *image.NRGBA // target resized to the canvas size
	Columns     int
	Rows        int
	TileSize    int
	Choices     []int // catalog index placed in each cell, row-major
}

// GridSize returns the grid dimensions for a target of the given bounds:
// density columns and round(density*h/w) rows.
func GridSize(bounds image.Rectangle, density int) (columns, rows int, err error) {
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: target has no pixels", ErrInvalidTarget)
	}
	if density <= 0 {
		return 0, 0, fmt.Errorf("density must be greater than 0, got %d", density)
	}
	rows = int(math.Round(float64(density) * float64(h) / float64(w)))
	if rows < 1 {
		return 0, 0, fmt.Errorf("%w: a %dx%d target gives a grid with no rows at density %d",
			ErrInvalidTarget, w, h, density)
	}
	return density, rows, nil
}

// Compose fills a canvas with one catalog tile per grid cell. Rows are
// processed concurrently; each row writes only its own strip of the canvas
// and draws from its own random stream derived from the seed.
func (b *Builder) Compose(ctx context.Context, target image.Image, catalog *tile.Catalog) (*Canvas, error) {
	if catalog.Len() == 0 {
		return nil, ErrEmptyCatalog
	}
	size := b.opts.TileSize
	if catalog.Size != size {
		return nil, fmt.Errorf("catalog tile size %d does not match requested tile size %d", catalog.Size, size)
	}

	cols, rows, err := GridSize(target.Bounds(), b.opts.Density)
	if err != nil {
		return nil, err
	}

	b.log.Info().Int("columns", cols).Int("rows", rows).Int("tiles", catalog.Len()).Msg("building grid")

	grid := imaging.Resize(target, cols, rows, imaging.Lanczos)
	tile.Opaque(grid)
	source := imaging.Resize(target, cols*size, rows*size, imaging.Lanczos)
	tile.Opaque(source)
	canvas := imaging.New(cols*size, rows*size, color.NRGBA{A: 0xff})

	colors := catalog.Colors()
	k := min(b.opts.Variety, len(colors))
	choices := make([]int, cols*rows)

	seed := b.opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	step := int64(rows/10 + 1)
	var done atomic.Int64

	p := pool.New().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(b.workers)
	for y := 0; y < rows; y++ {
		p.Go(func(ctx context.Context) error {
			rng := rand.New(rand.NewPCG(seed, uint64(y)))
			for x := 0; x < cols; x++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				idx := Select(tile.ColorOf(grid.NRGBAAt(x, y)), colors, k, rng)
				choices[y*cols+x] = idx

				r := image.Rect(x*size, y*size, (x+1)*size, (y+1)*size)
				draw.Draw(canvas, r, catalog.Tiles[idx].Image, image.Point{}, draw.Src)
			}

			if n := done.Add(1); n%step == 0 || n == int64(rows) {
				b.log.Info().Msgf("Progress: %d%%", n*100/int64(rows))
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return &Canvas{
		Image:       canvas,
		BlendSource: source,
		Columns:     cols,
		Rows:        rows,
		TileSize:    size,
		Choices:     choices,
	}, nil
}
