package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/kiesman99/mosaic/internal/api"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

// tileFs returns a filesystem with n solid tiles under /tiles
func tileFs(t *testing.T, n int) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	fs.MkdirAll("/tiles", 0o755)
	for i := 0; i < n; i++ {
		c := color.NRGBA{R: uint8(i * 20), G: uint8(255 - i*20), B: uint8(i * 7), A: 255}
		data := encodePNG(t, imaging.New(30, 24, c))
		if err := afero.WriteFile(fs, fmt.Sprintf("/tiles/tile%02d.png", i), data, 0o644); err != nil {
			t.Fatalf("Failed to write tile: %v", err)
		}
	}
	afero.WriteFile(fs, "/tiles/notes.txt", []byte("not a tile"), 0o644)
	return fs
}

func targetPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 255 / w), uint8(y * 255 / h), 90, 255})
		}
	}
	return encodePNG(t, img)
}

// oversizedPNGHeader returns a PNG whose header claims w×h pixels but which
// carries no image data.
func oversizedPNGHeader(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := encodePNG(t, imaging.New(1, 1, color.NRGBA{A: 255}))
	// signature(8) length(4) "IHDR"(4) data(13) crc(4)
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data[:33]
}

func testConfig(fs afero.Fs) Config {
	return Config{
		Version:  "2.0.0-test",
		TilesDir: "/tiles",
		Workers:  2,
		Fs:       fs,
		Logger:   zerolog.Nop(),
	}
}

func startServer(cfg Config, timeout time.Duration) (*httptest.Server, *Server) {
	apiServer := NewServer(cfg)
	return httptest.NewServer(NewRouter(apiServer, timeout)), apiServer
}

// Test server setup
func setupTestServer(t *testing.T, fs afero.Fs) (*httptest.Server, *Server) {
	t.Helper()
	return startServer(testConfig(fs), 30*time.Second)
}

func postMosaic(t *testing.T, url, query string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/v1/mosaic?"+query, "image/png", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var errorResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	code, _ := errorResp["error"].(string)
	return code
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 1))
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var healthResp api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if healthResp.Status != api.Healthy {
		t.Errorf("Expected status 'healthy', got %s", healthResp.Status)
	}
	if healthResp.Version == nil || *healthResp.Version != "2.0.0-test" {
		t.Errorf("Expected version '2.0.0-test', got %v", healthResp.Version)
	}
	if healthResp.TilesDir == nil || *healthResp.TilesDir != "/tiles" {
		t.Errorf("Expected tiles_dir '/tiles', got %v", healthResp.TilesDir)
	}
	if healthResp.Uptime == nil || *healthResp.Uptime < 0 {
		t.Errorf("Expected valid uptime, got %v", healthResp.Uptime)
	}
	if time.Since(healthResp.Timestamp) > time.Minute {
		t.Errorf("Timestamp seems too old: %v", healthResp.Timestamp)
	}
}

func TestLegacyHealthRedirect(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 1))
	defer server.Close()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMovedPermanently {
		t.Errorf("Expected status 301, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/v1/health" {
		t.Errorf("Expected redirect to /api/v1/health, got %q", loc)
	}
}

func TestMosaicEndpoint_Success(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 12))
	defer server.Close()

	resp := postMosaic(t, server.URL, "density=10&tile_size=10&seed=7", targetPNG(t, 200, 100))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "image/png" {
		t.Errorf("Expected Content-Type image/png, got %s", contentType)
	}
	if grid := resp.Header.Get("X-Mosaic-Grid"); grid != "10x5" {
		t.Errorf("Expected X-Mosaic-Grid 10x5, got %q", grid)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Response is not a valid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("Expected 100x50 mosaic, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestMosaicEndpoint_JPEG(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 4))
	defer server.Close()

	resp := postMosaic(t, server.URL, "density=4&tile_size=8&format=jpeg", targetPNG(t, 80, 80))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "image/jpeg" {
		t.Errorf("Expected Content-Type image/jpeg, got %s", contentType)
	}
	data, _ := io.ReadAll(resp.Body)
	if len(data) < 2 || data[0] != 0xff || data[1] != 0xd8 {
		t.Error("Response does not appear to be a JPEG file")
	}
}

func TestMosaicEndpoint_SeedIsReproducible(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 12))
	defer server.Close()

	target := targetPNG(t, 120, 60)
	var bodies [2][]byte
	for i := range bodies {
		resp := postMosaic(t, server.URL, "density=12&tile_size=6&variety=4&seed=99", target)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		bodies[i], _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if !bytes.Equal(bodies[0], bodies[1]) {
		t.Error("Expected identical output for identical seeds")
	}
}

func TestMosaicEndpoint_SharesCatalogPerTileSize(t *testing.T) {
	server, apiServer := setupTestServer(t, tileFs(t, 3))
	defer server.Close()

	target := targetPNG(t, 60, 60)
	for _, query := range []string{"density=3&tile_size=5", "density=2&tile_size=5", "density=2&tile_size=9"} {
		resp := postMosaic(t, server.URL, query, target)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", query, resp.StatusCode)
		}
	}

	apiServer.mu.Lock()
	defer apiServer.mu.Unlock()
	if len(apiServer.catalogs) != 2 {
		t.Errorf("Expected 2 indexed catalogs, got %d", len(apiServer.catalogs))
	}
	if c := apiServer.catalogs[5]; c == nil || c.Len() != 3 {
		t.Errorf("Expected 3 tiles at size 5, got %v", c)
	}
}

func TestMosaicEndpoint_ValidationErrors(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 2))
	defer server.Close()

	target := targetPNG(t, 40, 40)

	testCases := []struct {
		name  string
		query string
		field string
	}{
		{"Zero density", "density=0", "density"},
		{"Density too high", "density=100000", "density"},
		{"Blend above one", "blend=1.5", "blend"},
		{"Negative blend", "blend=-0.1", "blend"},
		{"Tile size too large", "tile_size=4096", "tile_size"},
		{"Zero variety", "variety=0", "variety"},
		{"Unknown format", "format=gif", "format"},
		{"Unparseable density", "density=lots", "density"},
		{"Unparseable seed", "seed=-1", "seed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postMosaic(t, server.URL, tc.query, target)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("Expected status 400, got %d. Body: %s", resp.StatusCode, string(body))
			}

			var errorResp api.ValidationErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errorResp.Error != api.VALIDATIONERROR {
				t.Errorf("Expected error code %s, got %s", api.VALIDATIONERROR, errorResp.Error)
			}
			if len(errorResp.ValidationErrors) != 1 || errorResp.ValidationErrors[0].Field != tc.field {
				t.Errorf("Expected a validation error for %s, got %+v", tc.field, errorResp.ValidationErrors)
			}
		})
	}
}

func TestMosaicEndpoint_InvalidImage(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 2))
	defer server.Close()

	for name, body := range map[string][]byte{
		"text":      []byte("definitely not an image"),
		"empty":     nil,
		"truncated": targetPNG(t, 40, 40)[:30],
	} {
		t.Run(name, func(t *testing.T) {
			resp := postMosaic(t, server.URL, "", body)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
			if code := errorCode(t, resp); code != api.INVALIDIMAGE {
				t.Errorf("Expected error code %s, got %s", api.INVALIDIMAGE, code)
			}
		})
	}
}

func TestMosaicEndpoint_InvalidTarget(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 2))
	defer server.Close()

	// 1000x2 at density 10 rounds to zero rows
	resp := postMosaic(t, server.URL, "density=10", encodePNG(t, imaging.New(1000, 2, color.NRGBA{A: 255})))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != api.INVALIDTARGET {
		t.Errorf("Expected error code %s, got %s", api.INVALIDTARGET, code)
	}
}

func TestMosaicEndpoint_EmptyCatalog(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 0))
	defer server.Close()

	resp := postMosaic(t, server.URL, "density=4&tile_size=8", targetPNG(t, 40, 40))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", resp.StatusCode)
	}

	var errorResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if errorResp.Error != api.EMPTYCATALOG {
		t.Errorf("Expected error code %s, got %s", api.EMPTYCATALOG, errorResp.Error)
	}
	if errorResp.Details == nil {
		t.Fatal("Expected details with the rejected file count")
	}
	if rejected, _ := (*errorResp.Details)["rejected"].(float64); rejected != 1 {
		t.Errorf("Expected 1 rejected file, got %v", (*errorResp.Details)["rejected"])
	}
}

func TestMosaicEndpoint_MissingTilesDir(t *testing.T) {
	server, _ := setupTestServer(t, afero.NewMemMapFs())
	defer server.Close()

	resp := postMosaic(t, server.URL, "density=4&tile_size=8", targetPNG(t, 40, 40))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != api.INTERNALERROR {
		t.Errorf("Expected error code %s, got %s", api.INTERNALERROR, code)
	}
}

func TestCORSHeaders(t *testing.T) {
	server, _ := setupTestServer(t, tileFs(t, 1))
	defer server.Close()

	req, err := http.NewRequest("OPTIONS", server.URL+"/api/v1/mosaic", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected Access-Control-Allow-Origin: *")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Error("Expected Access-Control-Allow-Methods to include POST")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Expose-Headers"), "X-Mosaic-Grid") {
		t.Error("Expected Access-Control-Expose-Headers to include X-Mosaic-Grid")
	}
}

func TestMosaicEndpoint_CatalogCacheIsBounded(t *testing.T) {
	cfg := testConfig(tileFs(t, 5))
	cfg.MaxCatalogs = 3
	server, apiServer := startServer(cfg, 30*time.Second)
	defer server.Close()

	target := targetPNG(t, 20, 20)
	for size := 1; size <= 10; size++ {
		resp := postMosaic(t, server.URL, fmt.Sprintf("density=2&tile_size=%d", size), target)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("tile_size=%d: expected status 200, got %d", size, resp.StatusCode)
		}
	}

	apiServer.mu.Lock()
	defer apiServer.mu.Unlock()
	if len(apiServer.catalogs) != 3 || len(apiServer.recent) != 3 {
		t.Fatalf("Expected 3 catalogs retained, got %d (%v)", len(apiServer.catalogs), apiServer.recent)
	}
	for _, size := range []int{8, 9, 10} {
		if _, ok := apiServer.catalogs[size]; !ok {
			t.Errorf("Expected recently used size %d to be retained", size)
		}
	}
}

func TestMosaicEndpoint_CatalogHitRefreshesRecency(t *testing.T) {
	cfg := testConfig(tileFs(t, 2))
	cfg.MaxCatalogs = 2
	server, apiServer := startServer(cfg, 30*time.Second)
	defer server.Close()

	target := targetPNG(t, 20, 20)
	for _, size := range []int{4, 5, 4, 6} {
		resp := postMosaic(t, server.URL, fmt.Sprintf("density=2&tile_size=%d", size), target)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("tile_size=%d: expected status 200, got %d", size, resp.StatusCode)
		}
	}

	apiServer.mu.Lock()
	defer apiServer.mu.Unlock()
	if _, ok := apiServer.catalogs[4]; !ok {
		t.Error("Expected size 4 to survive after being reused")
	}
	if _, ok := apiServer.catalogs[5]; ok {
		t.Error("Expected size 5 to be evicted")
	}
}

func TestMosaicEndpoint_EmptyCatalogIsNotRetained(t *testing.T) {
	fs := tileFs(t, 0)
	server, apiServer := setupTestServer(t, fs)
	defer server.Close()

	target := targetPNG(t, 40, 40)
	resp := postMosaic(t, server.URL, "density=4&tile_size=8", target)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", resp.StatusCode)
	}

	data := encodePNG(t, imaging.New(10, 10, color.NRGBA{R: 90, A: 255}))
	if err := afero.WriteFile(fs, "/tiles/late.png", data, 0o644); err != nil {
		t.Fatalf("Failed to write tile: %v", err)
	}

	resp = postMosaic(t, server.URL, "density=4&tile_size=8", target)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 after adding a tile, got %d", resp.StatusCode)
	}

	apiServer.mu.Lock()
	defer apiServer.mu.Unlock()
	if c := apiServer.catalogs[8]; c == nil || c.Len() != 1 {
		t.Errorf("Expected a 1-tile catalog at size 8, got %v", c)
	}
}

func TestMosaicEndpoint_TargetTooLarge(t *testing.T) {
	cfg := testConfig(tileFs(t, 2))
	cfg.MaxTargetPixels = 1000
	limited, _ := startServer(cfg, 30*time.Second)
	defer limited.Close()

	defaults, _ := setupTestServer(t, tileFs(t, 2))
	defer defaults.Close()

	testCases := []struct {
		name string
		url  string
		body []byte
	}{
		{"Above configured limit", limited.URL, targetPNG(t, 40, 40)},
		{"Header claims 12000x12000", defaults.URL, oversizedPNGHeader(t, 12000, 12000)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postMosaic(t, tc.url, "", tc.body)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", resp.StatusCode)
			}
			var errorResp api.ValidationErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errorResp.Error != api.VALIDATIONERROR {
				t.Errorf("Expected error code %s, got %s", api.VALIDATIONERROR, errorResp.Error)
			}
			if len(errorResp.ValidationErrors) != 1 || errorResp.ValidationErrors[0].Field != "body" {
				t.Errorf("Expected a validation error for body, got %+v", errorResp.ValidationErrors)
			}
		})
	}
}

func TestMosaicEndpoint_Timeout(t *testing.T) {
	server, _ := startServer(testConfig(tileFs(t, 2)), time.Nanosecond)
	defer server.Close()

	resp := postMosaic(t, server.URL, "density=4&tile_size=8", targetPNG(t, 40, 40))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("Expected status 504, got %d", resp.StatusCode)
	}
	if body, _ := io.ReadAll(resp.Body); len(body) != 0 {
		t.Errorf("Expected an empty timeout response, got %q", body)
	}
}
