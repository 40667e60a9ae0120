// Package api defines the HTTP surface of the mosaic server: request and
// response types, the ServerInterface the server implements, and chi
// routing with query parameter binding.
package api

import "time"

// Defines values for HealthResponseStatus.
const (
	Healthy   HealthResponseStatus = "healthy"
	Unhealthy HealthResponseStatus = "unhealthy"
)

// Defines values for MosaicFormat.
const (
	Jpeg MosaicFormat = "jpeg"
	Png  MosaicFormat = "png"
)

// Defines values for error codes.
const (
	VALIDATIONERROR = "VALIDATION_ERROR"
	INVALIDIMAGE    = "INVALID_IMAGE"
	INVALIDTARGET   = "INVALID_TARGET"
	EMPTYCATALOG    = "EMPTY_CATALOG"
	INTERNALERROR   = "INTERNAL_ERROR"
)

// HealthResponseStatus defines model for HealthResponse.Status.
type HealthResponseStatus string

// MosaicFormat defines model for the output image format.
type MosaicFormat string

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Uptime    *int                 `json:"uptime,omitempty"`
	Version   *string              `json:"version,omitempty"`
	TilesDir  *string              `json:"tiles_dir,omitempty"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Error     string                  `json:"error"`
	Message   string                  `json:"message"`
	RequestId *string                 `json:"request_id,omitempty"`
	Details   *map[string]interface{} `json:"details,omitempty"`
}

// ValidationError defines model for a single invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrorResponse defines model for ValidationErrorResponse.
type ValidationErrorResponse struct {
	Error            string            `json:"error"`
	Message          string            `json:"message"`
	RequestId        *string           `json:"request_id,omitempty"`
	ValidationErrors []ValidationError `json:"validation_errors"`
}

// CreateMosaicParams defines parameters for CreateMosaic.
type CreateMosaicParams struct {
	Density  *int          `form:"density,omitempty" json:"density,omitempty"`
	Blend    *float64      `form:"blend,omitempty" json:"blend,omitempty"`
	TileSize *int          `form:"tile_size,omitempty" json:"tile_size,omitempty"`
	Variety  *int          `form:"variety,omitempty" json:"variety,omitempty"`
	Message  *string       `form:"message,omitempty" json:"message,omitempty"`
	Seed     *uint64       `form:"seed,omitempty" json:"seed,omitempty"`
	Format   *MosaicFormat `form:"format,omitempty" json:"format,omitempty"`
}
