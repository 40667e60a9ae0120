package tile

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// ErrCacheMiss is returned by Cache.Load when no entry exists for a key.
var ErrCacheMiss = errors.New("catalog cache miss")

const cacheVersion = 1

// Cache persists indexed catalogs as zstd-compressed gob streams, keyed by
// the content of the tiles directory.
type Cache struct {
	fs  afero.Fs
	dir string
}

// NewCache creates a cache rooted at dir.
func NewCache(fs afero.Fs, dir string) *Cache {
	return &Cache{fs: fs, dir: dir}
}

type cacheEntry struct {
	Version int
	Size    int
	Tiles   []cachedTile
}

type cachedTile struct {
	Path  string
	Pix   []byte
	Color Color
}

// CacheKey identifies a tiles directory at a given tile size. It changes when
// any candidate file is added, removed, resized or touched.
func CacheKey(dir string, size int, files []os.FileInfo) string {
	h := sha256.New()
	fmt.Fprintf(h, "v%d\x00%s\x00%d\x00", cacheVersion, filepath.Clean(dir), size)
	var buf [16]byte
	for _, fi := range files {
		h.Write([]byte(fi.Name()))
		binary.LittleEndian.PutUint64(buf[:8], uint64(fi.Size()))
		binary.LittleEndian.PutUint64(buf[8:], uint64(fi.ModTime().UnixNano()))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".catalog.zst")
}

// Load returns the catalog stored under key.
func (c *Cache) Load(key string) (*Catalog, error) {
	f, err := c.fs.Open(c.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var entry cacheEntry
	if err := gob.NewDecoder(dec).Decode(&entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	if entry.Version != cacheVersion {
		return nil, ErrCacheMiss
	}

	catalog := &Catalog{Size: entry.Size, Tiles: make([]*Tile, 0, len(entry.Tiles))}
	for _, t := range entry.Tiles {
		if len(t.Pix) != 4*entry.Size*entry.Size {
			return nil, fmt.Errorf("corrupt cache entry: tile %s has %d bytes", t.Path, len(t.Pix))
		}
		catalog.Tiles = append(catalog.Tiles, &Tile{
			Path: t.Path,
			Image: &image.NRGBA{
				Pix:    t.Pix,
				Stride: 4 * entry.Size,
				Rect:   image.Rect(0, 0, entry.Size, entry.Size),
			},
			Color: t.Color,
		})
	}
	return catalog, nil
}

// Store writes catalog under key, replacing any previous entry.
func (c *Cache) Store(key string, catalog *Catalog) (err error) {
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(c.fs, c.dir, ".catalog-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			c.fs.Remove(tmpName)
		}
	}()

	entry := cacheEntry{Version: cacheVersion, Size: catalog.Size}
	for _, t := range catalog.Tiles {
		entry.Tiles = append(entry.Tiles, cachedTile{Path: t.Path, Pix: t.Image.Pix, Color: t.Color})
	}

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := gob.NewEncoder(enc).Encode(&entry); err != nil {
		enc.Close()
		tmp.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return c.fs.Rename(tmpName, c.path(key))
}

// IndexCached serves dir from cache when the directory is unchanged since it
// was stored, and otherwise indexes it and stores the result. A nil cache
// just indexes. Cache failures are logged and never fail the call.
func (p *Processor) IndexCached(ctx context.Context, cache *Cache, dir string, size int) (*Catalog, *IndexReport, error) {
	if cache == nil {
		return p.Index(ctx, dir, size)
	}

	files, err := p.Candidates(dir)
	if err != nil {
		return nil, nil, err
	}
	key := CacheKey(dir, size, files)

	catalog, err := cache.Load(key)
	switch {
	case err == nil:
		p.log.Info().Str("dir", dir).Int("tiles", catalog.Len()).Msg("loaded tiles from cache")
		return catalog, &IndexReport{
			Dir:      dir,
			Total:    len(files),
			Accepted: catalog.Len(),
			Cached:   true,
		}, nil
	case !errors.Is(err, ErrCacheMiss):
		p.log.Warn().Err(err).Msg("ignoring catalog cache")
	}

	catalog, report, err := p.Index(ctx, dir, size)
	if err != nil {
		return nil, nil, err
	}
	if catalog.Len() > 0 {
		if err := cache.Store(key, catalog); err != nil {
			p.log.Warn().Err(err).Msg("failed to store catalog cache")
		}
	}
	return catalog, report, nil
}
