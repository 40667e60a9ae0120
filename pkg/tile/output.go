package tile

import (
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
	"github.com/xfmoulet/qoi"
)

// JPEGQuality is used whenever the output format takes a quality setting.
const JPEGQuality = 95

// ErrUnsupportedFormat means no encoder matches the output extension.
var ErrUnsupportedFormat = errors.New("unsupported output format")

func isQOI(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".qoi")
}

// CheckFormat reports whether name's extension selects a known encoder.
func CheckFormat(name string) error {
	if isQOI(name) {
		return nil
	}
	if _, err := imaging.FormatFromFilename(name); err != nil {
		return fmt.Errorf("%w: cannot choose output format for %q", ErrUnsupportedFormat, name)
	}
	return nil
}

// Encode writes img to w in the format implied by name's extension.
func Encode(w io.Writer, img image.Image, name string) error {
	if isQOI(name) {
		return qoi.Encode(w, img)
	}

	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		return fmt.Errorf("%w: cannot choose output format for %q", ErrUnsupportedFormat, name)
	}
	return imaging.Encode(w, img, format, imaging.JPEGQuality(JPEGQuality))
}

// WriteImage encodes img into a temporary file next to path and renames it
// into place, so a failed write never leaves a partial file at path. The
// parent directory is created if needed.
func WriteImage(fs afero.Fs, path string, img image.Image) (err error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := afero.TempFile(fs, dir, ".mosaic-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			fs.Remove(tmpName)
		}
	}()

	if err := Encode(tmp, img, path); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush image: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move image into place: %w", err)
	}
	return nil
}
