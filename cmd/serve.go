package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/mosaic/internal/server"
)

// Version is reported by the health endpoint.
const Version = "2.0.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the mosaic API",
	Long: `Start an HTTP server that builds mosaics from uploaded images.

POST an image to /api/v1/mosaic and receive the mosaic in the response. The
tile directory is indexed once per tile size on first use.

Examples:
  # Start server on default port 8080
  mosaic serve --tiles ./tiles

  # Start server on custom port with a tile cache
  mosaic serve --tiles ./tiles --port 3000 --cache-dir /var/cache/mosaic

  # Start server with custom bind address
  mosaic serve --tiles ./tiles --bind 0.0.0.0 --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 2*time.Minute, "request timeout")

	// Tile configuration
	serveCmd.Flags().String("tiles", "", "directory of tile images (required)")
	serveCmd.Flags().String("cache-dir", "", "directory for the indexed tile cache (empty disables it)")
	serveCmd.Flags().Int("workers", 0, "concurrent workers per request (0 = number of CPUs)")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("server.tiles", serveCmd.Flags().Lookup("tiles"))
	viper.BindPFlag("server.cache-dir", serveCmd.Flags().Lookup("cache-dir"))
	viper.BindPFlag("server.workers", serveCmd.Flags().Lookup("workers"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")
	tilesDir := viper.GetString("server.tiles")

	if tilesDir == "" {
		return fmt.Errorf("tiles directory is required (use --tiles)")
	}

	addr := fmt.Sprintf("%s:%d", bind, port)
	log := newLogger(cmd)

	// Cancelled on SIGINT/SIGTERM; also stops any catalog indexing in flight.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiServer := server.NewServer(server.Config{
		Version:  Version,
		TilesDir: tilesDir,
		CacheDir: viper.GetString("server.cache-dir"),
		Workers:  viper.GetInt("server.workers"),
		Fs:       afero.NewOsFs(),
		Logger:   log,

		BaseContext: ctx,
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.NewRouter(apiServer, timeout),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().
		Str("addr", addr).
		Str("tiles", tilesDir).
		Str("health", fmt.Sprintf("http://%s/api/v1/health", addr)).
		Str("mosaic", fmt.Sprintf("http://%s/api/v1/mosaic", addr)).
		Msg("starting mosaic server")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}
