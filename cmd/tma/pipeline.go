package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/soma-tiles/tma/internal/config"
	"github.com/soma-tiles/tma/internal/gating"
	"github.com/soma-tiles/tma/internal/heatmap"
	"github.com/soma-tiles/tma/internal/ingest"
	"github.com/soma-tiles/tma/internal/neighborhood"
	"github.com/soma-tiles/tma/internal/qc"
	"github.com/soma-tiles/tma/internal/resultstore"
	"github.com/soma-tiles/tma/internal/roi"
	"github.com/soma-tiles/tma/internal/table"
)

// Output files written into the output directory.
const (
	pvaluesFile   = "neighborhood_pvalues.csv"
	fractionsFile = "neighborhood_fractions.csv"
	morpheusFile  = "neighborhood_heatmap_morpheus.csv"
	distanceFile  = "neighborhood_profile_distances.csv"
	heatmapFile   = "neighborhood_heatmap.png"
)

var errNoRounds = errors.New("gating: no rounds configured")

func acrossFile(cluster string) string {
	return "neighborhood_across_" + strings.NewReplacer("/", "-", " ", "_").Replace(cluster) + ".csv"
}

func (a *app) metadataPath() string {
	return a.cfg.OutputPath(ingest.MetadataFile)
}

func (a *app) loadMetadata() (*table.Frame, error) {
	return a.loader.Load(a.metadataPath(), table.ReadOptions{})
}

func (a *app) saveMetadata(meta *table.Frame) error {
	return a.loader.Save(a.metadataPath(), meta)
}

// expressionPaths returns the per-plate expression tables of the plates in meta.
func (a *app) expressionPaths(meta *table.Frame) ([]string, error) {
	plates, err := meta.Column("Plate")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range plates {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, a.cfg.OutputPath(ingest.ExpressionFile(p, a.cfg.Ingest.Compression)))
	}
	sort.Strings(out)
	return out, nil
}

func (a *app) runIngest(ctx context.Context) (*ingest.Result, error) {
	res, err := ingest.Run(ctx, a.cfg.InputDir(), ingest.Options{
		MaskMarker:      a.cfg.Ingest.MaskMarker,
		MarkerColumns:   a.cfg.Ingest.MarkerColumns,
		MarkerPrefix:    a.cfg.Ingest.MarkerPrefix,
		MetadataColumns: a.cfg.Ingest.MetadataColumns,
	}, a.loader)
	if err != nil {
		return nil, err
	}
	paths, err := res.Write(a.cfg.OutputDir(), a.cfg.Ingest.Compression, a.loader)
	if err != nil {
		return nil, err
	}
	log.Printf("[ingest] wrote %d tables to %s", len(paths), a.cfg.OutputDir())
	return res, nil
}

func (a *app) runQC(ctx context.Context) (qc.Summary, error) {
	meta, err := a.loadMetadata()
	if err != nil {
		return qc.Summary{}, err
	}
	sum, err := qc.Apply(meta, qc.Options{
		AreaColumn:    a.cfg.QC.AreaColumn,
		AreaThreshold: a.cfg.QC.AreaThreshold,
		LostCellsFile: a.cfg.Resolve(a.cfg.QC.LostCellsFile),
	})
	if err != nil {
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, a.saveMetadata(meta)
}

func (a *app) runROI(ctx context.Context) error {
	if a.cfg.ROI.MappingFile == "" {
		log.Printf("[roi] no mapping file configured, skipping")
		return nil
	}
	mf, err := a.loader.Load(a.cfg.Resolve(a.cfg.ROI.MappingFile), table.ReadOptions{})
	if err != nil {
		return fmt.Errorf("failed to read ROI mapping: %w", err)
	}
	mapping, err := roi.ParseMapping(mf)
	if err != nil {
		return err
	}

	meta, err := a.loadMetadata()
	if err != nil {
		return err
	}
	paths, err := a.expressionPaths(meta)
	if err != nil {
		return err
	}
	exprs := make([]*table.Frame, len(paths))
	for i, p := range paths {
		if exprs[i], err = a.loader.Load(p, table.ReadOptions{}); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := roi.Correct(meta, a.cfg.ROI.Column, mapping, exprs...); err != nil {
		return err
	}
	for i, p := range paths {
		if err := a.loader.Save(p, exprs[i]); err != nil {
			return err
		}
	}
	return a.saveMetadata(meta)
}

func gatingPlan(cfg config.GatingConfig) (gating.Plan, error) {
	if len(cfg.Rounds) == 0 {
		return gating.Plan{}, errNoRounds
	}
	plan := gating.Plan{Rename: cfg.Rename}
	for _, r := range cfg.Rounds {
		plan.Rounds = append(plan.Rounds, gating.Round{
			Name:        r.Name,
			Columns:     r.Columns,
			Components:  r.Components,
			Parent:      r.Parent,
			ParentLabel: r.ParentLabel,
		})
	}
	return plan, plan.Validate()
}

func (a *app) runGate(ctx context.Context) (*gating.Summary, error) {
	plan, err := gatingPlan(a.cfg.Gating)
	if err != nil {
		return nil, err
	}
	meta, err := a.loadMetadata()
	if err != nil {
		return nil, err
	}
	paths, err := a.expressionPaths(meta)
	if err != nil {
		return nil, err
	}
	var expr *table.Frame
	for _, p := range paths {
		f, err := a.loader.Load(p, table.ReadOptions{})
		if err != nil {
			return nil, err
		}
		if expr == nil {
			expr = f
		} else {
			expr.Concat(f)
		}
	}
	if expr == nil {
		return nil, fmt.Errorf("gating: no expression tables for %s", a.metadataPath())
	}

	sum, err := gating.Run(ctx, expr, meta, plan, gating.Options{
		GroupColumn:   a.cfg.Gating.GroupColumn,
		SpotColumn:    a.cfg.Neighborhood.SpotColumn,
		ClusterColumn: a.cfg.Neighborhood.ClusterColumn,
		MaxIter:       a.cfg.Gating.MaxIter,
		Tol:           a.cfg.Gating.Tol,
		Seed:          a.cfg.Gating.Seed,
	})
	if err != nil {
		return nil, err
	}
	return sum, a.saveMetadata(meta)
}

func (a *app) schema() neighborhood.Schema {
	return neighborhood.Schema{
		SpotColumn:      a.cfg.Neighborhood.SpotColumn,
		ClusterColumn:   a.cfg.Neighborhood.ClusterColumn,
		NeighborColumns: a.cfg.Neighborhood.NeighborColumns,
		NeighborPrefix:  a.cfg.Neighborhood.NeighborPrefix,
	}
}

func (a *app) loadCells() ([]neighborhood.Cell, error) {
	meta, err := a.loadMetadata()
	if err != nil {
		return nil, err
	}
	return neighborhood.CellsFromFrame(meta, a.schema())
}

// runRecorder is the part of the run store used to record a neighborhood analysis.
type runRecorder interface {
	CreateRun(params resultstore.RunParams) (*resultstore.Run, error)
	MarkRunStarted(runID string) error
	UpdateRunStatus(runID string, status resultstore.RunStatus, errMsg string) error
	UpdateRunDiagnostics(runID string, d neighborhood.Diagnostics) error
	SaveResult(runID string, res *neighborhood.Result) error
}

// recorder returns store as a runRecorder, or nil when there is no store.
func recorder(store *resultstore.Store) runRecorder {
	if store == nil {
		return nil
	}
	return store
}

// runNeighbors runs the permutation analysis, writes both tables and records the run
// in rec. rec may be nil.
func (a *app) runNeighbors(ctx context.Context, rec runRecorder, stages []string) (*neighborhood.Result, string, error) {
	nc := a.cfg.Neighborhood
	if rec == nil {
		res, err := a.analyze(ctx)
		return res, "", err
	}

	host, pid := runOwner()
	run, err := rec.CreateRun(resultstore.RunParams{
		Input:         a.metadataPath(),
		Stages:        stages,
		SpotColumn:    nc.SpotColumn,
		ClusterColumn: nc.ClusterColumn,
		Permutations:  nc.Permutations,
		Seed:          nc.Seed,
		Workers:       nc.Workers,
		Host:          host,
		PID:           pid,
	})
	if err != nil {
		return nil, "", err
	}
	runID := run.ID

	// fail moves the run to a terminal state before err is returned.
	fail := func(err error) (*neighborhood.Result, string, error) {
		status := resultstore.RunStatusFailed
		if errors.Is(err, context.Canceled) {
			status = resultstore.RunStatusCancelled
		}
		if uerr := rec.UpdateRunStatus(runID, status, err.Error()); uerr != nil {
			log.Printf("[resultstore] failed to update run %s: %v", runID, uerr)
		}
		return nil, runID, err
	}

	if err := rec.MarkRunStarted(runID); err != nil {
		return fail(err)
	}
	res, err := a.analyze(ctx)
	if err != nil {
		return fail(err)
	}
	if err := rec.SaveResult(runID, res); err != nil {
		return fail(fmt.Errorf("failed to save results: %w", err))
	}
	if err := rec.UpdateRunDiagnostics(runID, res.Diagnostics); err != nil {
		return fail(fmt.Errorf("failed to save diagnostics: %w", err))
	}
	if err := rec.UpdateRunStatus(runID, resultstore.RunStatusCompleted, ""); err != nil {
		return fail(err)
	}
	log.Printf("[resultstore] run %s completed", runID)
	return res, runID, nil
}

func (a *app) analyze(ctx context.Context) (*neighborhood.Result, error) {
	nc := a.cfg.Neighborhood
	cells, err := a.loadCells()
	if err != nil {
		return nil, err
	}
	res, err := neighborhood.Analyze(ctx, cells, neighborhood.Options{
		Permutations: nc.Permutations,
		Seed:         nc.Seed,
		Verbose:      nc.Verbose,
		Workers:      nc.Workers,
		Progress: func(done, total int) {
			if done == total || done%25 == 0 {
				log.Printf("[neighborhood] %d/%d spots", done, total)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	d := res.Diagnostics
	log.Printf("[neighborhood] %d spots, %d clusters, %d cells; %d empty neighbor sets, %d unmatched identifiers",
		d.Spots, d.Clusters, d.Cells, d.EmptyNeighborSets, d.UnmatchedIdentifiers)

	if err := a.loader.Save(a.cfg.OutputPath(pvaluesFile), res.PValues.Frame(nc.SpotColumn)); err != nil {
		return nil, err
	}
	if err := a.loader.Save(a.cfg.OutputPath(fractionsFile), res.Fractions.Frame(nc.SpotColumn)); err != nil {
		return nil, err
	}
	return res, nil
}

func (a *app) runAcross(cluster string) (*neighborhood.Profile, string, error) {
	cells, err := a.loadCells()
	if err != nil {
		return nil, "", err
	}
	p := neighborhood.AcrossSpots(cells, cluster)
	if len(p.Spots) == 0 {
		return nil, "", fmt.Errorf("cluster %q does not occur in any spot", cluster)
	}
	path := a.cfg.OutputPath(acrossFile(cluster))
	if err := a.loader.Save(path, p.Frame(a.cfg.Neighborhood.SpotColumn)); err != nil {
		return nil, "", err
	}
	return p, path, nil
}

// loadReports reads both result tables, from the store when runID is set and from
// the output directory otherwise.
func (a *app) loadReports(store *resultstore.Store, runID string) (pvals, fracs *neighborhood.Report, err error) {
	if runID != "" {
		res, err := store.LoadResult(runID)
		if err != nil {
			return nil, nil, err
		}
		if res == nil {
			return nil, nil, fmt.Errorf("run %s has no stored results", runID)
		}
		return res.PValues, res.Fractions, nil
	}

	spot := a.cfg.Neighborhood.SpotColumn
	pf, err := a.loader.Load(a.cfg.OutputPath(pvaluesFile), table.ReadOptions{})
	if err != nil {
		return nil, nil, err
	}
	if pvals, err = neighborhood.ReportFromFrame(pf, spot, neighborhood.FillPValue); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", pvaluesFile, err)
	}
	ff, err := a.loader.Load(a.cfg.OutputPath(fractionsFile), table.ReadOptions{})
	if err != nil {
		return nil, nil, err
	}
	if fracs, err = neighborhood.ReportFromFrame(ff, spot, neighborhood.FillFraction); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", fractionsFile, err)
	}
	return pvals, fracs, nil
}

// heatmapOutputs lists the files written by runHeatmap.
type heatmapOutputs struct {
	Morpheus  string
	Distances string
	Image     string
}

func (a *app) runHeatmap(pvals, fracs *neighborhood.Report) (*heatmapOutputs, error) {
	hc := a.cfg.Heatmap
	opts := heatmap.Options{
		Alpha:      hc.Alpha,
		FDR:        hc.FDR,
		Exclude:    hc.Exclude,
		SpotColumn: a.cfg.Neighborhood.SpotColumn,
	}
	if hc.AnnotationFile != "" {
		ann, err := a.loader.Load(a.cfg.Resolve(hc.AnnotationFile), table.ReadOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to read annotation: %w", err)
		}
		opts.Annotation = ann
		opts.AnnotationColumns = hc.AnnotationColumns
	}

	s, err := heatmap.Summarize(pvals, fracs, opts)
	if err != nil {
		return nil, err
	}

	out := &heatmapOutputs{Morpheus: a.cfg.OutputPath(morpheusFile)}
	if err := a.loader.Save(out.Morpheus, s.Frame()); err != nil {
		return nil, err
	}

	if hasColumn(s.AnnotationColumns, hc.SiteColumn) {
		ds, err := heatmap.ProfileDistances(s, hc.SiteColumn)
		if err != nil {
			return nil, err
		}
		out.Distances = a.cfg.OutputPath(distanceFile)
		if err := a.loader.Save(out.Distances, heatmap.DistanceFrame(ds)); err != nil {
			return nil, err
		}
	}

	if len(s.Rows) == 0 || len(s.Clusters) == 0 {
		log.Printf("[heatmap] nothing left to draw after exclusions")
		return out, nil
	}
	renderer, err := heatmap.NewRenderer(heatmap.RenderConfig{
		CellSize: hc.CellSize,
		Colormap: hc.Colormap,
		Labels:   true,
	}, a.cache)
	if err != nil {
		return nil, err
	}
	data, err := renderer.Render(s)
	if err != nil {
		return nil, err
	}
	out.Image = a.cfg.OutputPath(heatmapFile)
	if err := os.MkdirAll(filepath.Dir(out.Image), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(out.Image, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write heatmap: %w", err)
	}
	log.Printf("[heatmap] %d rows x %d clusters -> %s", len(s.Rows), len(s.Clusters), out.Image)
	return out, nil
}

func hasColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

// runPipeline runs the enabled stages in pipeline order.
func (a *app) runPipeline(ctx context.Context, store *resultstore.Store) (string, error) {
	var runID string
	var res *neighborhood.Result
	for _, stage := range config.AllStages {
		if !a.cfg.Enabled(stage) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return runID, err
		}
		log.Printf("Running stage %s", stage)

		var err error
		switch stage {
		case config.StageIngest:
			_, err = a.runIngest(ctx)
		case config.StageQC:
			var sum qc.Summary
			sum, err = a.runQC(ctx)
			if err == nil {
				log.Printf("[qc] %d of %d cells lost", sum.Lost, sum.Cells)
			}
		case config.StageROI:
			err = a.runROI(ctx)
		case config.StageGate:
			_, err = a.runGate(ctx)
		case config.StageNeighbors:
			res, runID, err = a.runNeighbors(ctx, recorder(store), a.cfg.Stages)
		case config.StageHeatmap:
			if res == nil {
				// Neighbors ran earlier; read its tables back.
				var pvals, fracs *neighborhood.Report
				if pvals, fracs, err = a.loadReports(nil, ""); err == nil {
					res = &neighborhood.Result{PValues: pvals, Fractions: fracs}
				}
			}
			if err == nil {
				_, err = a.runHeatmap(res.PValues, res.Fractions)
			}
		}
		if err != nil {
			return runID, fmt.Errorf("stage %s: %w", stage, err)
		}
	}
	return runID, nil
}
