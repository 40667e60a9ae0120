package mosaic

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"unicode/utf8"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// Watermark placement, measured from the bottom-right corner of the canvas
// to the top-left of the text. It does not scale with the canvas.
const (
	WatermarkOffsetX = 150
	WatermarkOffsetY = 30
	WatermarkSize    = 12.0 // points at 72 DPI
)

// Blend linearly interpolates every pixel of canvas towards source:
// canvas*(1-alpha) + source*alpha. alpha <= 0 leaves canvas untouched and
// alpha >= 1 replaces it with source.
func Blend(canvas, source *image.NRGBA, alpha float64) error {
	if canvas.Bounds().Size() != source.Bounds().Size() {
		return fmt.Errorf("blend source is %v, canvas is %v", source.Bounds().Size(), canvas.Bounds().Size())
	}
	if alpha <= 0 {
		return nil
	}
	alpha = min(alpha, 1)

	w, h := canvas.Bounds().Dx(), canvas.Bounds().Dy()
	for y := 0; y < h; y++ {
		dst := canvas.Pix[y*canvas.Stride : y*canvas.Stride+w*4]
		src := source.Pix[y*source.Stride : y*source.Stride+w*4]
		if alpha == 1 {
			copy(dst, src)
			continue
		}
		for i := 0; i < len(dst); i += 4 {
			for c := 0; c < 3; c++ {
				v := float64(dst[i+c])*(1-alpha) + float64(src[i+c])*alpha
				dst[i+c] = uint8(v + 0.5)
			}
		}
	}
	return nil
}

var watermarkFont = sync.OnceValues(func() (*truetype.Font, error) {
	return freetype.ParseFont(goregular.TTF)
})

// Watermark draws message in white near the bottom-right corner of canvas.
func Watermark(canvas draw.Image, message string) error {
	if !utf8.ValidString(message) {
		return errors.New("message is not valid UTF-8")
	}

	f, err := watermarkFont()
	if err != nil {
		return fmt.Errorf("failed to load font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(72)
	ctx.SetFont(f)
	ctx.SetFontSize(WatermarkSize)
	ctx.SetClip(canvas.Bounds())
	ctx.SetDst(canvas)
	ctx.SetSrc(image.White)
	ctx.SetHinting(font.HintingFull)

	b := canvas.Bounds()
	ascent := int(ctx.PointToFixed(WatermarkSize) >> 6)
	pt := freetype.Pt(b.Max.X-WatermarkOffsetX, b.Max.Y-WatermarkOffsetY+ascent)
	if _, err := ctx.DrawString(message, pt); err != nil {
		return fmt.Errorf("failed to draw message: %w", err)
	}
	return nil
}
