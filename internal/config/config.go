// Package config handles configuration loading for the TMA analysis pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stage names, in pipeline order.
const (
	StageIngest    = "ingest"
	StageQC        = "qc"
	StageROI       = "roi"
	StageGate      = "gate"
	StageNeighbors = "neighbors"
	StageHeatmap   = "heatmap"
)

// AllStages lists every stage in execution order.
var AllStages = []string{StageIngest, StageQC, StageROI, StageGate, StageNeighbors, StageHeatmap}

// Config represents the pipeline configuration.
type Config struct {
	Paths        PathsConfig        `yaml:"paths"`
	Stages       []string           `yaml:"stages"`
	Ingest       IngestConfig       `yaml:"ingest"`
	QC           QCConfig           `yaml:"qc"`
	ROI          ROIConfig          `yaml:"roi"`
	Gating       GatingConfig       `yaml:"gating"`
	Neighborhood NeighborhoodConfig `yaml:"neighborhood"`
	Heatmap      HeatmapConfig      `yaml:"heatmap"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
}

// PathsConfig locates inputs and outputs. Relative paths are resolved against BaseDir;
// a relative BaseDir is resolved against the directory of the config file.
type PathsConfig struct {
	BaseDir   string `yaml:"base_dir"`
	InputDir  string `yaml:"input_dir"`
	OutputDir string `yaml:"output_dir"`
}

// IngestConfig contains histoCAT export aggregation settings.
type IngestConfig struct {
	MaskMarker      string   `yaml:"mask_marker"`
	MarkerPrefix    string   `yaml:"marker_prefix"`
	MarkerColumns   []string `yaml:"marker_columns"`
	MetadataColumns []string `yaml:"metadata_columns"`
	Compression     string   `yaml:"compression"` // "", "gz" or "zst"
}

// QCConfig contains quality-control settings.
type QCConfig struct {
	AreaColumn    string  `yaml:"area_column"`
	AreaThreshold float64 `yaml:"area_threshold"`
	LostCellsFile string  `yaml:"lost_cells_file"`
}

// ROIConfig contains ROI correction settings.
type ROIConfig struct {
	MappingFile string `yaml:"mapping_file"`
	Column      string `yaml:"column"`
}

// GatingConfig contains Gaussian-mixture gating settings.
type GatingConfig struct {
	GroupColumn string            `yaml:"group_column"`
	Seed        int64             `yaml:"seed"`
	MaxIter     int               `yaml:"max_iter"`
	Tol         float64           `yaml:"tol"`
	Rounds      []GatingRound     `yaml:"rounds"`
	Rename      map[string]string `yaml:"rename"`
}

// GatingRound is one gating step of the plan.
type GatingRound struct {
	Name        string   `yaml:"name"`
	Columns     []string `yaml:"columns"`
	Components  int      `yaml:"components"`
	Parent      string   `yaml:"parent"`
	ParentLabel string   `yaml:"parent_label"`
}

// NeighborhoodConfig contains the permutation-test settings.
type NeighborhoodConfig struct {
	SpotColumn      string   `yaml:"spot_column"`
	ClusterColumn   string   `yaml:"cluster_column"`
	NeighborPrefix  string   `yaml:"neighbor_prefix"`
	NeighborColumns []string `yaml:"neighbor_columns"`
	Permutations    int      `yaml:"permutations"`
	Seed            *int64   `yaml:"seed"`
	Workers         int      `yaml:"workers"`
	Verbose         bool     `yaml:"verbose"`
}

// HeatmapConfig contains significance-masking and rendering settings.
type HeatmapConfig struct {
	Alpha             float64  `yaml:"alpha"`
	FDR               bool     `yaml:"fdr"`
	Exclude           []string `yaml:"exclude"`
	AnnotationFile    string   `yaml:"annotation_file"`
	AnnotationColumns []string `yaml:"annotation_columns"`
	SiteColumn        string   `yaml:"site_column"`
	Colormap          string   `yaml:"colormap"`
	CellSize          int      `yaml:"cell_size"`
}

// StoreConfig contains result-store settings.
type StoreConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageSizeMB     int `yaml:"image_size_mb"`
	ImageTTLMinutes int `yaml:"image_ttl_minutes"`
	FrameCacheSize  int `yaml:"frame_cache_size"`
}

// Load reads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if cfg.Paths.BaseDir != "" && !filepath.IsAbs(cfg.Paths.BaseDir) {
		cfg.Paths.BaseDir = filepath.Join(filepath.Dir(path), cfg.Paths.BaseDir)
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			BaseDir:   ".",
			InputDir:  "histocat",
			OutputDir: "output",
		},
		Stages: append([]string(nil), AllStages...),
		Ingest: IngestConfig{
			MaskMarker:   "nucleiMask",
			MarkerPrefix: "Cell_",
		},
		QC: QCConfig{
			AreaColumn: "Area",
		},
		ROI: ROIConfig{
			Column: "ROI",
		},
		Gating: GatingConfig{
			GroupColumn: "Plate",
			MaxIter:     500,
			Tol:         1e-9,
		},
		Neighborhood: NeighborhoodConfig{
			SpotColumn:     "group_id",
			ClusterColumn:  "cluster",
			NeighborPrefix: "neighbour",
			Permutations:   1000,
		},
		Heatmap: HeatmapConfig{
			Alpha:      0.05,
			Exclude:    []string{"Others"},
			SiteColumn: "Site",
			Colormap:   "enrichment",
			CellSize:   18,
		},
		Store: StoreConfig{
			SQLitePath:    "tma_runs.sqlite",
			RetentionDays: 30,
		},
		Cache: CacheConfig{
			ImageSizeMB:     64,
			ImageTTLMinutes: 10,
			FrameCacheSize:  16,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Paths.BaseDir == "" {
		cfg.Paths.BaseDir = defaults.Paths.BaseDir
	}
	if cfg.Paths.InputDir == "" {
		cfg.Paths.InputDir = defaults.Paths.InputDir
	}
	if cfg.Paths.OutputDir == "" {
		cfg.Paths.OutputDir = defaults.Paths.OutputDir
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = defaults.Stages
	}
	if cfg.Ingest.MaskMarker == "" {
		cfg.Ingest.MaskMarker = defaults.Ingest.MaskMarker
	}
	if cfg.Ingest.MarkerPrefix == "" && len(cfg.Ingest.MarkerColumns) == 0 {
		cfg.Ingest.MarkerPrefix = defaults.Ingest.MarkerPrefix
	}
	if cfg.QC.AreaColumn == "" {
		cfg.QC.AreaColumn = defaults.QC.AreaColumn
	}
	if cfg.ROI.Column == "" {
		cfg.ROI.Column = defaults.ROI.Column
	}
	if cfg.Gating.GroupColumn == "" {
		cfg.Gating.GroupColumn = defaults.Gating.GroupColumn
	}
	if cfg.Gating.MaxIter == 0 {
		cfg.Gating.MaxIter = defaults.Gating.MaxIter
	}
	if cfg.Gating.Tol == 0 {
		cfg.Gating.Tol = defaults.Gating.Tol
	}
	if cfg.Neighborhood.SpotColumn == "" {
		cfg.Neighborhood.SpotColumn = defaults.Neighborhood.SpotColumn
	}
	if cfg.Neighborhood.ClusterColumn == "" {
		cfg.Neighborhood.ClusterColumn = defaults.Neighborhood.ClusterColumn
	}
	if cfg.Neighborhood.NeighborPrefix == "" && len(cfg.Neighborhood.NeighborColumns) == 0 {
		cfg.Neighborhood.NeighborPrefix = defaults.Neighborhood.NeighborPrefix
	}
	if cfg.Neighborhood.Permutations == 0 {
		cfg.Neighborhood.Permutations = defaults.Neighborhood.Permutations
	}
	if cfg.Heatmap.Alpha == 0 {
		cfg.Heatmap.Alpha = defaults.Heatmap.Alpha
	}
	if cfg.Heatmap.Exclude == nil {
		cfg.Heatmap.Exclude = defaults.Heatmap.Exclude
	}
	if cfg.Heatmap.SiteColumn == "" {
		cfg.Heatmap.SiteColumn = defaults.Heatmap.SiteColumn
	}
	if cfg.Heatmap.Colormap == "" {
		cfg.Heatmap.Colormap = defaults.Heatmap.Colormap
	}
	if cfg.Heatmap.CellSize == 0 {
		cfg.Heatmap.CellSize = defaults.Heatmap.CellSize
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.FrameCacheSize == 0 {
		cfg.Cache.FrameCacheSize = defaults.Cache.FrameCacheSize
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string

	known := make(map[string]bool, len(AllStages))
	for _, s := range AllStages {
		known[s] = true
	}
	for _, s := range c.Stages {
		if !known[s] {
			problems = append(problems, fmt.Sprintf("unknown stage %q", s))
		}
	}

	if c.Neighborhood.Permutations < 0 {
		problems = append(problems, "neighborhood.permutations must not be negative")
	}
	if c.Neighborhood.Workers < 0 {
		problems = append(problems, "neighborhood.workers must not be negative")
	}
	if c.Heatmap.Alpha <= 0 || c.Heatmap.Alpha > 1 {
		problems = append(problems, fmt.Sprintf("heatmap.alpha must be in (0, 1], got %g", c.Heatmap.Alpha))
	}
	if c.Heatmap.CellSize < 0 {
		problems = append(problems, "heatmap.cell_size must not be negative")
	}
	switch c.Ingest.Compression {
	case "", "gz", "zst":
	default:
		problems = append(problems, fmt.Sprintf("ingest.compression must be gz or zst, got %q", c.Ingest.Compression))
	}

	rounds := make(map[string]bool, len(c.Gating.Rounds))
	for i, r := range c.Gating.Rounds {
		if r.Name == "" {
			problems = append(problems, fmt.Sprintf("gating.rounds[%d] has no name", i))
		}
		if len(r.Columns) == 0 {
			problems = append(problems, fmt.Sprintf("gating round %q has no columns", r.Name))
		}
		if r.Components < 0 {
			problems = append(problems, fmt.Sprintf("gating round %q has negative components", r.Name))
		}
		if r.Parent != "" && !rounds[r.Parent] {
			problems = append(problems, fmt.Sprintf("gating round %q references unknown or later parent %q", r.Name, r.Parent))
		}
		rounds[r.Name] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Enabled reports whether a stage is configured to run.
func (c *Config) Enabled(stage string) bool {
	for _, s := range c.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Resolve returns p resolved against the base directory. Empty and absolute paths are
// returned unchanged.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.BaseDir, p)
}

// InputDir returns the resolved histoCAT export directory.
func (c *Config) InputDir() string { return c.Resolve(c.Paths.InputDir) }

// OutputDir returns the resolved output directory.
func (c *Config) OutputDir() string { return c.Resolve(c.Paths.OutputDir) }

// OutputPath returns the resolved path of an output file.
func (c *Config) OutputPath(name string) string {
	return filepath.Join(c.OutputDir(), name)
}
