// Package roi rewrites cell identifiers from the imaging ROI numbering to the ROI
// numbering of the stitched (ashlar) slide.
package roi

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/soma-tiles/tma/internal/table"
)

// TargetColumn is the mapping column holding the corrected ROI.
const TargetColumn = "Ashlar_ROI"

// ErrUnmapped is returned for a (plate, ROI) pair absent from the mapping.
var ErrUnmapped = errors.New("roi: unmapped ROI")

// Mapping maps (plate, imaged ROI) to the corrected ROI.
type Mapping struct {
	byPlate map[string]map[string]string
}

// ParseMapping builds a mapping from a table with one column per plate (named after
// the plate, e.g. TMA1) and a TargetColumn.
func ParseMapping(f *table.Frame) (*Mapping, error) {
	if err := f.Require("roi mapping", TargetColumn); err != nil {
		return nil, err
	}
	m := &Mapping{byPlate: make(map[string]map[string]string)}
	for _, plate := range f.Columns() {
		if plate == TargetColumn {
			continue
		}
		rois := make(map[string]string, f.Len())
		for i := 0; i < f.Len(); i++ {
			from := normalize(f.Get(i, plate))
			if from == "" {
				continue
			}
			to := normalize(f.Get(i, TargetColumn))
			if to == "" {
				return nil, fmt.Errorf("roi mapping row %d: empty %s for %s ROI %s", i+1, TargetColumn, plate, from)
			}
			if prev, dup := rois[from]; dup && prev != to {
				return nil, fmt.Errorf("roi mapping: %s ROI %s maps to both %s and %s", plate, from, prev, to)
			}
			rois[from] = to
		}
		m.byPlate[plate] = rois
	}
	return m, nil
}

// Lookup returns the corrected ROI.
func (m *Mapping) Lookup(plate, roi string) (string, error) {
	to, ok := m.byPlate[plate][normalize(roi)]
	if !ok {
		return "", fmt.Errorf("%w: plate %s ROI %s", ErrUnmapped, plate, roi)
	}
	return to, nil
}

// normalize renders integral numbers without a fraction so "3" and "3.0" agree.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	v := table.ParseFloat(s)
	if math.IsNaN(v) {
		return s
	}
	if v == math.Trunc(v) {
		return strconv.FormatInt(int64(v), 10)
	}
	return s
}

// Correct rewrites the IDs {plate}_{roi}_{cell} of the metadata table and of every
// expression table to {plate}_{corrected}_{cell}, and stores the corrected ROI in
// roiColumn. The imaged ROI is read from roiColumn, or from the ID when the column is
// absent. Expression rows without metadata are an error.
func Correct(meta *table.Frame, roiColumn string, m *Mapping, exprs ...*table.Frame) error {
	hasROI := meta.HasColumn(roiColumn)
	renamed := make(map[string]string, meta.Len())
	ids := make([]string, meta.Len())
	corrected := make([]string, meta.Len())

	for i := 0; i < meta.Len(); i++ {
		id := meta.ID(i)
		parts := strings.SplitN(id, "_", 3)
		if len(parts) != 3 {
			return fmt.Errorf("cell ID %q is not {plate}_{roi}_{cell}", id)
		}
		imaged := parts[1]
		if hasROI {
			imaged = meta.Get(i, roiColumn)
		}
		to, err := m.Lookup(parts[0], imaged)
		if err != nil {
			return fmt.Errorf("cell %s: %w", id, err)
		}
		ids[i] = parts[0] + "_" + to + "_" + parts[2]
		corrected[i] = to
		renamed[id] = ids[i]
	}

	for n, expr := range exprs {
		next := make([]string, expr.Len())
		for i := range next {
			to, ok := renamed[expr.ID(i)]
			if !ok {
				return fmt.Errorf("expression table %d: %w: %s has no metadata", n, table.ErrUnknownRow, expr.ID(i))
			}
			next[i] = to
		}
		if err := expr.SetIndex(next); err != nil {
			return err
		}
	}

	if err := meta.SetIndex(ids); err != nil {
		return err
	}
	for i, to := range corrected {
		meta.Set(i, roiColumn, to)
	}
	log.Printf("[roi] corrected %d cell IDs across %d expression tables", len(ids), len(exprs))
	return nil
}
