package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/kiesman99/mosaic/internal/api"
	"github.com/kiesman99/mosaic/internal/mosaic"
	"github.com/kiesman99/mosaic/pkg/tile"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

// Request limits
const (
	MaxUploadBytes  = 32 << 20
	MaxDensity      = 400
	MaxTileSize     = 256
	MaxCanvasPixels = 10000 * 10000

	DefaultMaxTargetPixels = 50_000_000
	DefaultMaxCatalogs     = 4
)

// Config configures a Server
type Config struct {
	Version  string
	TilesDir string
	CacheDir string
	Workers  int
	Fs       afero.Fs
	Logger   zerolog.Logger

	// BaseContext bounds catalog indexing; it should live as long as the
	// server. Defaults to context.Background().
	BaseContext context.Context

	MaxTargetPixels int // decoded upload size limit, 0 = DefaultMaxTargetPixels
	MaxCatalogs     int // tile sizes kept indexed, 0 = DefaultMaxCatalogs
}

// Server implements api.ServerInterface
type Server struct {
	startTime time.Time
	cfg       Config
	processor *tile.Processor
	cache     *tile.Cache

	indexing singleflight.Group

	mu       sync.Mutex
	catalogs map[int]*tile.Catalog
	recent   []int // tile sizes in catalogs, least recently used first
}

// NewServer creates a new server instance. Catalogs are indexed on first use
// for each tile size and then shared read-only between requests; only the
// most recently used MaxCatalogs sizes stay resident.
func NewServer(cfg Config) *Server {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.MaxTargetPixels <= 0 {
		cfg.MaxTargetPixels = DefaultMaxTargetPixels
	}
	if cfg.MaxCatalogs <= 0 {
		cfg.MaxCatalogs = DefaultMaxCatalogs
	}
	s := &Server{
		startTime: time.Now(),
		cfg:       cfg,
		processor: tile.NewProcessor(cfg.Fs, cfg.Logger, cfg.Workers),
		catalogs:  make(map[int]*tile.Catalog),
	}
	if cfg.CacheDir != "" {
		s.cache = tile.NewCache(cfg.Fs, cfg.CacheDir)
	}
	return s
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.cfg.Version,
		TilesDir:  &s.cfg.TilesDir,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.cfg.Logger.Error().Err(err).Msg("error encoding health response")
	}
}

// CreateMosaic builds a mosaic from the target image in the request body
func (s *Server) CreateMosaic(w http.ResponseWriter, r *http.Request, params api.CreateMosaicParams) {
	requestID := uuid.NewString()
	log := s.cfg.Logger.With().Str("request_id", requestID).Logger()

	opts, format := s.convertToOptions(params)
	if field, err := s.validateOptions(opts, format); err != nil {
		s.writeValidationErrorResponse(w, field, err.Error(), &requestID)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, api.INVALIDIMAGE,
			"Could not read request body", &requestID, nil)
		return
	}
	header, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, api.INVALIDIMAGE,
			"Request body is not a supported image", &requestID, nil)
		return
	}
	if int64(header.Width)*int64(header.Height) > int64(s.cfg.MaxTargetPixels) {
		s.writeValidationErrorResponse(w, "body",
			fmt.Sprintf("target image too large: %dx%d exceeds %d pixels", header.Width, header.Height, s.cfg.MaxTargetPixels), &requestID)
		return
	}

	target, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, api.INVALIDIMAGE,
			"Request body is not a supported image", &requestID, nil)
		return
	}

	cols, rows, err := mosaic.GridSize(target.Bounds(), opts.Density)
	if err != nil {
		s.handleBuildError(w, err, &requestID)
		return
	}
	if int64(cols*opts.TileSize)*int64(rows*opts.TileSize) > MaxCanvasPixels {
		s.writeValidationErrorResponse(w, "density",
			fmt.Sprintf("requested mosaic too large: %dx%d", cols*opts.TileSize, rows*opts.TileSize), &requestID)
		return
	}

	catalog, err := s.catalog(r.Context(), opts.TileSize)
	if err != nil {
		s.handleBuildError(w, err, &requestID)
		return
	}

	result, err := mosaic.New(opts, log).Build(r.Context(), target, catalog)
	if err != nil {
		s.handleBuildError(w, err, &requestID)
		return
	}

	name := "mosaic.png"
	contentType := "image/png"
	if format == api.Jpeg {
		name = "mosaic.jpg"
		contentType = "image/jpeg"
	}
	var buf bytes.Buffer
	if err := tile.Encode(&buf, result.Image, name); err != nil {
		s.handleBuildError(w, err, &requestID)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Mosaic-Grid", fmt.Sprintf("%dx%d", result.Columns, result.Rows))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("error writing response")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, MaxUploadBytes)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// convertToOptions applies request parameters over the defaults
func (s *Server) convertToOptions(params api.CreateMosaicParams) (tile.Options, api.MosaicFormat) {
	opts := tile.DefaultOptions()
	opts.Workers = s.cfg.Workers

	if params.Density != nil {
		opts.Density = *params.Density
	}
	if params.Blend != nil {
		opts.Blend = *params.Blend
	}
	if params.TileSize != nil {
		opts.TileSize = *params.TileSize
	}
	if params.Variety != nil {
		opts.Variety = *params.Variety
	}
	if params.Message != nil {
		opts.Message = *params.Message
	}
	if params.Seed != nil {
		opts.Seed = *params.Seed
	}

	format := api.Png
	if params.Format != nil {
		format = *params.Format
	}
	return opts, format
}

// validateOptions returns the offending field and why
func (s *Server) validateOptions(opts tile.Options, format api.MosaicFormat) (string, error) {
	switch {
	case opts.Density <= 0 || opts.Density > MaxDensity:
		return "density", fmt.Errorf("density must be between 1 and %d", MaxDensity)
	case opts.Blend < 0 || opts.Blend > 1:
		return "blend", fmt.Errorf("blend must be between 0 and 1")
	case opts.TileSize <= 0 || opts.TileSize > MaxTileSize:
		return "tile_size", fmt.Errorf("tile_size must be between 1 and %d", MaxTileSize)
	case opts.Variety < 1:
		return "variety", fmt.Errorf("variety must be at least 1")
	case format != api.Png && format != api.Jpeg:
		return "format", fmt.Errorf("invalid format: %s", format)
	}
	return "", opts.Validate()
}

// catalog returns the shared catalog for size. Concurrent requests for a cold
// size share one indexing run, which is bound to the server context rather
// than any single request. Empty catalogs are not kept.
func (s *Server) catalog(ctx context.Context, size int) (*tile.Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c := s.cachedCatalog(size); c != nil {
		return c, nil
	}

	ch := s.indexing.DoChan(strconv.Itoa(size), func() (interface{}, error) {
		c, report, err := s.processor.IndexCached(s.cfg.BaseContext, s.cache, s.cfg.TilesDir, size)
		if err != nil {
			return nil, err
		}
		s.cfg.Logger.Info().Int("size", size).Int("accepted", report.Accepted).
			Int("rejected", len(report.Rejected)).Msg("indexed tiles")

		if err := mosaic.CheckCatalog(c, report); err != nil {
			return nil, err
		}
		s.storeCatalog(size, c)
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tile.Catalog), nil
	}
}

func (s *Server) cachedCatalog(size int) *tile.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.catalogs[size]
	if ok {
		s.touch(size)
	}
	return c
}

func (s *Server) storeCatalog(size int, c *tile.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.catalogs[size] = c
	s.touch(size)
	for len(s.recent) > s.cfg.MaxCatalogs {
		evicted := s.recent[0]
		s.recent = s.recent[1:]
		delete(s.catalogs, evicted)
		s.cfg.Logger.Debug().Int("size", evicted).Msg("evicted tile catalog")
	}
}

// touch moves size to the most recently used end. Callers hold s.mu.
func (s *Server) touch(size int) {
	for i, v := range s.recent {
		if v == size {
			s.recent = append(s.recent[:i], s.recent[i+1:]...)
			break
		}
	}
	s.recent = append(s.recent, size)
}

// handleBuildError maps build errors to API responses
func (s *Server) handleBuildError(w http.ResponseWriter, err error, requestID *string) {
	var catErr *mosaic.CatalogError
	switch {
	case errors.As(err, &catErr):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, api.EMPTYCATALOG,
			catErr.Error(), requestID, map[string]interface{}{
				"files_checked": catErr.Total,
				"rejected":      len(catErr.Rejected),
			})
	case errors.Is(err, mosaic.ErrEmptyCatalog):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, api.EMPTYCATALOG,
			err.Error(), requestID, nil)
	case errors.Is(err, mosaic.ErrInvalidTarget):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, api.INVALIDTARGET,
			err.Error(), requestID, nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// The timeout middleware answers with 504; the client may already be gone.
		s.cfg.Logger.Warn().Err(err).Str("request_id", *requestID).Msg("mosaic request abandoned")
	default:
		s.cfg.Logger.Error().Err(err).Str("request_id", *requestID).Msg("mosaic build failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, api.INTERNALERROR,
			"Internal server error", requestID, nil)
	}
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}

	if details != nil {
		response.Details = &details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// writeValidationErrorResponse writes a validation error response
func (s *Server) writeValidationErrorResponse(w http.ResponseWriter, field, message string, requestID *string) {
	response := api.ValidationErrorResponse{
		Error:     api.VALIDATIONERROR,
		Message:   message,
		RequestId: requestID,
		ValidationErrors: []api.ValidationError{
			{
				Field:   field,
				Message: message,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(response)
}

// ParamErrorHandler turns query binding failures into validation errors.
func (s *Server) ParamErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	field := "request"
	var paramErr *api.InvalidParamFormatError
	if errors.As(err, &paramErr) {
		field = paramErr.ParamName
	}
	s.writeValidationErrorResponse(w, field, err.Error(), nil)
}

var _ api.ServerInterface = (*Server)(nil)
