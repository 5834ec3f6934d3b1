// Package ingest aggregates per-ROI histoCAT exports into per-plate expression tables
// and one combined cell metadata table.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/soma-tiles/tma/internal/table"
)

// ErrNoExports is returned when the input directory holds no ROI export.
var ErrNoExports = errors.New("ingest: no histoCAT exports found")

// MetadataFile is the name of the combined metadata output.
const MetadataFile = "tma_metadata.csv"

// Options selects the exports and splits their columns.
type Options struct {
	// MaskMarker selects export directories by substring, e.g. "nucleiMask".
	MaskMarker string
	// MarkerColumns lists the expression columns. When empty, every column starting
	// with MarkerPrefix is used.
	MarkerColumns []string
	MarkerPrefix  string
	// MetadataColumns lists the metadata columns. When empty, every non-marker column
	// except ImageId is used.
	MetadataColumns []string
}

// Export is one ROI directory of a histoCAT output.
type Export struct {
	Dir   string
	Plate string
	ROI   string
}

// CSVPath returns the path of the ROI's single-cell table.
func (e Export) CSVPath() string {
	return filepath.Join(e.Dir, e.ROI+".csv")
}

// ParseExportName extracts plate and ROI from a directory name such as
// "20190101_TMA1Plate_3_nucleiMask": the plate is characters 2..5 of the second
// field and the ROI is the third field.
func ParseExportName(name string) (plate, roi string, err error) {
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("export %q: expected at least 3 '_' separated fields", name)
	}
	if len(parts[1]) < 6 {
		return "", "", fmt.Errorf("export %q: plate field %q too short", name, parts[1])
	}
	plate, roi = parts[1][2:6], parts[2]
	if roi == "" {
		return "", "", fmt.Errorf("export %q: empty ROI field", name)
	}
	return plate, roi, nil
}

// Discover lists the export directories under root in sorted name order.
func Discover(root, marker string) ([]Export, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}

	var out []Export
	for _, e := range entries {
		if !e.IsDir() || !strings.Contains(e.Name(), marker) {
			continue
		}
		plate, roi, err := ParseExportName(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, Export{Dir: filepath.Join(root, e.Name()), Plate: plate, ROI: roi})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w in %s (marker %q)", ErrNoExports, root, marker)
	}
	sort.Slice(out, func(i, j int) bool { return filepath.Base(out[i].Dir) < filepath.Base(out[j].Dir) })
	return out, nil
}

// Result holds the aggregated tables.
type Result struct {
	// Plates lists the plates in first-seen order.
	Plates     []string
	Expression map[string]*table.Frame
	Metadata   *table.Frame
}

// ExpressionFile returns the output name of a plate's expression table.
func ExpressionFile(plate, compression string) string {
	name := plate + "_nuclei_log_normed.csv"
	if compression != "" {
		name += "." + compression
	}
	return name
}

// Run reads every export under root. Cell IDs become {plate}_{roi}_{localId}.
func Run(ctx context.Context, root string, opts Options, loader *table.Loader) (*Result, error) {
	exports, err := Discover(root, opts.MaskMarker)
	if err != nil {
		return nil, err
	}

	res := &Result{Expression: make(map[string]*table.Frame)}
	for _, ex := range exports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// histoCAT writes ImageId first; the local cell ID is the second column.
		f, err := loader.Load(ex.CSVPath(), table.ReadOptions{IndexColumn: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to read export %s: %w", ex.Dir, err)
		}
		expr, meta, err := split(f, opts)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", ex.Dir, err)
		}

		ids := make([]string, f.Len())
		for i := range ids {
			ids[i] = ex.Plate + "_" + ex.ROI + "_" + f.ID(i)
		}
		_ = expr.SetIndex(ids)
		_ = meta.SetIndex(ids)
		meta.AddColumn("ROI", ex.ROI)
		meta.AddColumn("Plate", ex.Plate)

		if acc, ok := res.Expression[ex.Plate]; ok {
			acc.Concat(expr)
		} else {
			log.Printf("[ingest] plate %s: %s", ex.Plate, filepath.Base(ex.Dir))
			res.Plates = append(res.Plates, ex.Plate)
			res.Expression[ex.Plate] = expr
		}
		if res.Metadata == nil {
			res.Metadata = meta
		} else {
			res.Metadata.Concat(meta)
		}
	}

	log.Printf("[ingest] %d exports, %d plates, %d cells", len(exports), len(res.Plates), res.Metadata.Len())
	return res, nil
}

// split separates marker columns from metadata columns.
func split(f *table.Frame, opts Options) (expr, meta *table.Frame, err error) {
	markers := opts.MarkerColumns
	if len(markers) == 0 {
		for _, c := range f.Columns() {
			if opts.MarkerPrefix != "" && strings.HasPrefix(c, opts.MarkerPrefix) {
				markers = append(markers, c)
			}
		}
		if len(markers) == 0 {
			return nil, nil, fmt.Errorf("no marker columns with prefix %q", opts.MarkerPrefix)
		}
	}

	metaCols := opts.MetadataColumns
	if len(metaCols) == 0 {
		isMarker := make(map[string]bool, len(markers))
		for _, m := range markers {
			isMarker[m] = true
		}
		for _, c := range f.Columns() {
			if !isMarker[c] && c != "ImageId" {
				metaCols = append(metaCols, c)
			}
		}
	}

	if expr, err = f.Project(markers); err != nil {
		return nil, nil, err
	}
	if meta, err = f.Project(metaCols); err != nil {
		return nil, nil, err
	}
	expr.IndexName, meta.IndexName = "CellId", "CellId"
	return expr, meta, nil
}

// Write saves the expression tables and the metadata table into dir and returns the
// written paths.
func (r *Result) Write(dir, compression string, loader *table.Loader) ([]string, error) {
	var paths []string
	for _, plate := range r.Plates {
		p := filepath.Join(dir, ExpressionFile(plate, compression))
		if err := loader.Save(p, r.Expression[plate]); err != nil {
			return nil, fmt.Errorf("failed to write plate %s: %w", plate, err)
		}
		paths = append(paths, p)
	}
	p := filepath.Join(dir, MetadataFile)
	if err := loader.Save(p, r.Metadata); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	return append(paths, p), nil
}
