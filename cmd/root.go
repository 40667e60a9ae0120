package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kiesman99/mosaic/internal/logging"
	"github.com/kiesman99/mosaic/internal/mosaic"
	"github.com/kiesman99/mosaic/internal/pipeline"
	"github.com/kiesman99/mosaic/pkg/tile"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mosaic",
	Short: "Build a photo mosaic from a directory of tile images",
	Long: `mosaic rebuilds a target image out of many small tile images.

The target is divided into a grid; every cell is replaced by the tile whose
average color is closest to that cell. Tiles are read from a directory of
JPEG, PNG or BMP files and cropped square. The result can be blended with the
original and stamped with a short message.

Examples:
  # Build a mosaic with the defaults
  mosaic --target photo.jpg --tiles ./tiles

  # Finer grid, smaller tiles, no blending
  mosaic --target photo.jpg --tiles ./tiles --density 150 --tile-size 32 --blend 0 -o out/fine.png

  # More variety between neighbouring cells, reproducible result
  mosaic --target photo.jpg --tiles ./tiles --variety 10 --seed 42

  # Reuse the indexed tiles across runs
  mosaic --target photo.jpg --tiles ./tiles --cache-dir ~/.cache/mosaic

  # Start HTTP server
  mosaic serve --tiles ./tiles --port 8080`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("target") && !viper.IsSet("target") && len(args) == 0 {
			return cmd.Help()
		}
		return runMosaic(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mosaic.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error|disabled)")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	// Inputs and output
	rootCmd.Flags().String("target", "", "image to rebuild as a mosaic (required)")
	rootCmd.Flags().String("tiles", "", "directory of tile images (required)")
	rootCmd.Flags().StringP("output", "o", tile.DefaultOutput, "output file; format follows the extension (jpg|png|bmp|qoi)")

	// Mosaic options
	rootCmd.Flags().Int("density", tile.DefaultDensity, "number of tiles across the target")
	rootCmd.Flags().Float64("blend", tile.DefaultBlend, "opacity of the original image over the mosaic, 0 to 1")
	rootCmd.Flags().Int("tile-size", tile.DefaultTileSize, "edge length of each tile in pixels")
	rootCmd.Flags().Int("variety", tile.DefaultVariety, "pick randomly among this many closest tiles")
	rootCmd.Flags().String("message", "", "watermark text drawn in the bottom-right corner")

	// Runtime options
	rootCmd.Flags().Int("workers", 0, "concurrent workers (0 = number of CPUs)")
	rootCmd.Flags().Uint64("seed", 0, "random seed for tile selection (0 = random)")
	rootCmd.Flags().String("cache-dir", "", "directory for the indexed tile cache (empty disables it)")

	rootCmd.Flags().SetNormalizeFunc(flagAliases)

	for _, name := range []string{
		"target", "tiles", "output", "density", "blend", "tile-size",
		"variety", "message", "workers", "seed", "cache-dir",
	} {
		viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
}

// flagAliases maps the short historical flag names onto their current ones.
func flagAliases(f *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "random":
		name = "variety"
	case "msg":
		name = "message"
	case "tilesize", "tile_size":
		name = "tile-size"
	}
	return pflag.NormalizedName(name)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".mosaic" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mosaic")
	}

	// MOSAIC_TILE_SIZE, MOSAIC_LOG_LEVEL, ...
	viper.SetEnvPrefix("mosaic")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("log-level", logging.EnvLogLevel)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// optionsFrom collects mosaic options from flags, environment and config.
func optionsFrom(v *viper.Viper) tile.Options {
	return tile.Options{
		Target:   v.GetString("target"),
		Tiles:    v.GetString("tiles"),
		Output:   v.GetString("output"),
		Density:  v.GetInt("density"),
		Blend:    v.GetFloat64("blend"),
		TileSize: v.GetInt("tile-size"),
		Variety:  v.GetInt("variety"),
		Message:  v.GetString("message"),
		Workers:  v.GetInt("workers"),
		Seed:     v.GetUint64("seed"),
		CacheDir: v.GetString("cache-dir"),
	}
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	level := viper.GetString("log-level")
	if _, ok := logging.ParseLevel(level); !ok && level != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: unknown log level %q, using info\n", level)
	}
	return logging.New(cmd.ErrOrStderr(), level)
}

func runMosaic(cmd *cobra.Command, args []string) error {
	opts := optionsFrom(viper.GetViper())
	if opts.Target == "" && len(args) > 0 {
		opts.Target = args[0]
	}

	if opts.Target == "" {
		return fmt.Errorf("target image is required (use --target)")
	}
	if opts.Tiles == "" {
		return fmt.Errorf("tiles directory is required (use --tiles)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(afero.NewOsFs(), newLogger(cmd))
	summary, err := runner.Run(ctx, opts)
	if err != nil {
		var catErr *mosaic.CatalogError
		if errors.As(err, &catErr) {
			return fmt.Errorf("%w: add .jpg, .jpeg, .png or .bmp images to %s", err, catErr.Dir)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Saved %dx%d mosaic (%dx%d tiles) to %s in %s\n",
		summary.Width, summary.Height, summary.Columns, summary.Rows,
		summary.Output, summary.Elapsed.Round(time.Millisecond))
	return nil
}
