package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soma-tiles/tma/internal/config"
	"github.com/soma-tiles/tma/internal/resultstore"
)

var (
	runStages    []string
	runNoStore   bool
	permutations int
	seedFlag     int64
	workers      int
	heatmapRun   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enabled pipeline stages in order",
	Long: `Run every enabled stage in pipeline order: ingest, qc, roi, gate, neighbors, heatmap.

Stages come from the config file unless --stages is given. The neighborhood analysis
is recorded in the run store.

Examples:
  tma run
  tma run --config study.yaml
  tma run --stages gate,neighbors,heatmap --seed 42`,
	RunE: withApp(runRun),
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Aggregate histoCAT ROI exports",
	Long: `Read every histoCAT ROI export below the input directory and write one expression
table per plate plus a combined metadata table into the output directory.

Examples:
  tma ingest
  tma ingest --config study.yaml`,
	RunE: withApp(runIngestCmd),
}

var qcCmd = &cobra.Command{
	Use:   "qc",
	Short: "Flag lost and undersized cells",
	Long: `Mark cells listed in the lost-cell file, and cells whose area is below the
configured threshold, as lost in the metadata table.

Examples:
  tma qc`,
	RunE: withApp(runQCCmd),
}

var roiCmd = &cobra.Command{
	Use:   "roi",
	Short: "Correct ROI numbers in cell IDs",
	Long: `Rewrite cell IDs and the ROI column of the metadata and expression tables with
the ROI numbers of the configured mapping table.

Examples:
  tma roi`,
	RunE: withApp(runROICmd),
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Assign phenotype clusters by Gaussian-mixture gating",
	Long: `Gate the non-lost cells group by group with the configured rounds and write the
resulting cluster names into the metadata table.

Examples:
  tma gate`,
	RunE: withApp(runGateCmd),
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors",
	Short: "Run the neighborhood permutation test",
	Long: `For every spot and every cluster in it, compare the observed neighbor composition
with label permutations of the spot and write the p-value and fraction tables.

Examples:
  tma neighbors
  tma neighbors --permutations 5000 --seed 7 --workers 8`,
	RunE: withApp(runNeighborsCmd),
}

var acrossCmd = &cobra.Command{
	Use:   "across <cluster>",
	Short: "Tabulate one cluster's neighbor composition across spots",
	Long: `Write the observed neighbor fractions of one cluster in every spot where it occurs.
Neighbors belonging to the cluster itself are left out.

Examples:
  tma across Epi`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runAcrossCmd),
}

var heatmapCmd = &cobra.Command{
	Use:   "heatmap",
	Short: "Mask non-significant fractions and export heatmaps",
	Long: `Read the neighborhood tables, keep the fractions whose p-value passes alpha and
write a Morpheus table, per-site profile distances and a PNG heatmap.

Examples:
  tma heatmap
  tma heatmap --run 3f0c2b9e-...`,
	RunE: withApp(runHeatmapCmd),
}

func init() {
	runCmd.Flags().StringSliceVar(&runStages, "stages", nil, "Stages to run (default: from config)")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "Do not record the run in the run store")

	for _, cmd := range []*cobra.Command{runCmd, neighborsCmd} {
		cmd.Flags().IntVarP(&permutations, "permutations", "n", 0, "Permutations per spot and cluster (default: from config)")
		cmd.Flags().Int64Var(&seedFlag, "seed", 0, "Random seed (default: from config, else time based)")
		cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Spots analyzed concurrently (default: one per CPU)")
	}
	neighborsCmd.Flags().BoolVar(&runNoStore, "no-store", false, "Do not record the run in the run store")

	heatmapCmd.Flags().StringVar(&heatmapRun, "run", "", "Read the tables of a stored run instead of the output directory")

	rootCmd.AddCommand(runCmd, ingestCmd, qcCmd, roiCmd, gateCmd, neighborsCmd, acrossCmd, heatmapCmd)
}

// applyNeighborFlags overrides the neighborhood settings with explicitly set flags.
func applyNeighborFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("permutations") {
		if permutations <= 0 {
			return fmt.Errorf("--permutations must be positive, got %d", permutations)
		}
		cfg.Neighborhood.Permutations = permutations
	}
	if flags.Changed("seed") {
		seed := seedFlag
		cfg.Neighborhood.Seed = &seed
	}
	if flags.Changed("workers") {
		if workers < 0 {
			return fmt.Errorf("--workers must not be negative, got %d", workers)
		}
		cfg.Neighborhood.Workers = workers
	}
	return nil
}

func runRun(cmd *cobra.Command, a *app, args []string) error {
	if len(runStages) > 0 {
		a.cfg.Stages = runStages
		if err := a.cfg.Validate(); err != nil {
			return err
		}
	}
	if err := applyNeighborFlags(cmd, a.cfg); err != nil {
		return err
	}

	var store *resultstore.Store
	if !runNoStore && a.cfg.Enabled(config.StageNeighbors) {
		s, err := a.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	runID, err := a.runPipeline(cmd.Context(), store)
	if err != nil {
		return err
	}
	if store != nil {
		if n, err := store.DeleteExpiredRuns(a.cfg.Store.RetentionDays); err != nil {
			log.Printf("[resultstore] failed to prune expired runs: %v", err)
		} else if n > 0 {
			fmt.Printf("Pruned %d expired runs\n", n)
		}
	}
	if runID != "" {
		fmt.Printf("Run %s completed (stages: %s)\n", runID, strings.Join(a.cfg.Stages, ", "))
	} else {
		fmt.Printf("Stages completed: %s\n", strings.Join(a.cfg.Stages, ", "))
	}
	return nil
}

func runIngestCmd(cmd *cobra.Command, a *app, args []string) error {
	res, err := a.runIngest(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %d cells from %d plates into %s\n", res.Metadata.Len(), len(res.Plates), a.cfg.OutputDir())
	return nil
}

func runQCCmd(cmd *cobra.Command, a *app, args []string) error {
	sum, err := a.runQC(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Cells:        %d\n", sum.Cells)
	fmt.Printf("Listed lost:  %d (%d unknown IDs)\n", sum.Listed, sum.Unknown)
	fmt.Printf("Small area:   %d\n", sum.SmallArea)
	fmt.Printf("Lost total:   %d\n", sum.Lost)
	return nil
}

func runROICmd(cmd *cobra.Command, a *app, args []string) error {
	if err := a.runROI(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("ROI IDs updated in %s\n", a.cfg.OutputDir())
	return nil
}

func runGateCmd(cmd *cobra.Command, a *app, args []string) error {
	sum, err := a.runGate(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Gated %d of %d cells in %d groups\n", sum.Gated, sum.Cells, sum.Groups)
	for _, name := range sortedCounts(sum.Clusters) {
		fmt.Printf("  %-30s %d\n", displayCluster(name), sum.Clusters[name])
	}
	return nil
}

func runNeighborsCmd(cmd *cobra.Command, a *app, args []string) error {
	if err := applyNeighborFlags(cmd, a.cfg); err != nil {
		return err
	}
	var store *resultstore.Store
	if !runNoStore {
		s, err := a.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}

	res, runID, err := a.runNeighbors(cmd.Context(), recorder(store), []string{config.StageNeighbors})
	if err != nil {
		return err
	}
	d := res.Diagnostics
	fmt.Printf("Spots: %d, clusters: %d, cells: %d\n", d.Spots, d.Clusters, d.Cells)
	fmt.Printf("Empty neighbor sets: %d, unmatched identifiers: %d\n", d.EmptyNeighborSets, d.UnmatchedIdentifiers)
	if runID != "" {
		fmt.Printf("Run ID: %s\n", runID)
	}
	return nil
}

func runAcrossCmd(cmd *cobra.Command, a *app, args []string) error {
	p, path, err := a.runAcross(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d spots, %d neighbor categories -> %s\n", p.Cluster, len(p.Spots), len(p.Categories), path)
	return nil
}

func runHeatmapCmd(cmd *cobra.Command, a *app, args []string) error {
	var store *resultstore.Store
	if heatmapRun != "" {
		s, err := a.openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}
	pvals, fracs, err := a.loadReports(store, heatmapRun)
	if err != nil {
		return err
	}
	out, err := a.runHeatmap(pvals, fracs)
	if err != nil {
		return err
	}
	fmt.Printf("Morpheus table: %s\n", out.Morpheus)
	if out.Distances != "" {
		fmt.Printf("Distances:      %s\n", out.Distances)
	}
	if out.Image != "" {
		fmt.Printf("Heatmap:        %s\n", out.Image)
	}
	return nil
}
