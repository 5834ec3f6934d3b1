package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/soma-tiles/tma/internal/cache"
	"github.com/soma-tiles/tma/internal/config"
	"github.com/soma-tiles/tma/internal/resultstore"
	"github.com/soma-tiles/tma/internal/table"
)

var (
	// configPath is the --config flag value
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tma",
	Short: "TMA neighborhood enrichment analysis",
	Long: `tma turns histoCAT single-cell exports of tissue microarrays into per-spot
neighborhood enrichment tables.

The pipeline stages can run one by one or all together:
  ingest     aggregate histoCAT ROI exports into expression and metadata tables
  qc         flag lost and undersized cells
  roi        rewrite cell IDs with corrected ROI numbers
  gate       assign phenotype clusters with Gaussian-mixture gating
  neighbors  run the permutation test per spot and cluster
  heatmap    mask non-significant fractions and export heatmaps

Every stage reads the previous stage's output from the configured output directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tma.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log permutation progress")
}

// app holds the components shared by the stage commands.
type app struct {
	cfg    *config.Config
	cache  *cache.Manager
	loader *table.Loader
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Neighborhood.Verbose = true
	}
	return newAppWithConfig(cfg)
}

func newAppWithConfig(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		FrameCacheSize:   cfg.Cache.FrameCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	return &app{
		cfg:    cfg,
		cache:  cacheManager,
		loader: table.NewLoader(cacheManager),
	}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		log.Printf("Failed to close cache: %v", err)
	}
}

// openStore opens the run store and fails runs whose process on this host has exited.
func (a *app) openStore() (*resultstore.Store, error) {
	store, err := resultstore.NewStore(a.cfg.Resolve(a.cfg.Store.SQLitePath))
	if err != nil {
		return nil, err
	}
	if n, err := store.MarkRunningAsFailed("interrupted", ownerAlive); err != nil {
		log.Printf("[resultstore] failed to mark interrupted runs: %v", err)
	} else if n > 0 {
		log.Printf("[resultstore] marked %d interrupted runs as failed", n)
	}
	return store, nil
}

// withApp adapts a stage function to a cobra RunE.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
