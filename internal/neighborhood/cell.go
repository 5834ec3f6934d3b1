// Package neighborhood estimates spatial neighborhood enrichment between phenotype
// clusters.
//
// Each spot (one tissue core image) is analyzed separately. The neighbors of every
// cell in a cluster are pooled into the cluster's neighbor set, the phenotype
// composition of that set is compared against a null model in which the phenotype
// labels of the spot are randomly permuted, and an empirical p-value is reported per
// neighbor phenotype. Neighbor adjacency is precomputed upstream (histoCAT) and is
// always intra-spot.
package neighborhood

import (
	"errors"
	"fmt"
	"strings"

	"github.com/soma-tiles/tma/internal/table"
)

var (
	// ErrSchemaMismatch indicates the input table lacks a required column. It is fatal
	// and reported before any processing starts.
	ErrSchemaMismatch = errors.New("neighborhood: input schema mismatch")
	// ErrEmptyNeighborSet indicates none of a cluster's neighbor IDs matched a cell of
	// the spot. The cluster's result is zero-filled.
	ErrEmptyNeighborSet = errors.New("neighborhood: empty neighbor set")
	// ErrUnmatchedIdentifier indicates a neighbor ID with no metadata row, usually a
	// cell removed by quality control. Such IDs are dropped and counted.
	ErrUnmatchedIdentifier = errors.New("neighborhood: unmatched neighbor identifier")
)

// SchemaError describes the columns missing from the input table.
type SchemaError struct {
	Missing []string
	Reason  string
}

func (e *SchemaError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("neighborhood: input schema mismatch: %s", e.Reason)
	}
	return fmt.Sprintf("neighborhood: input schema mismatch: missing columns %s", strings.Join(e.Missing, ", "))
}

// Is reports ErrSchemaMismatch as the sentinel for this error.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// Cell is one row of the per-cell metadata table.
type Cell struct {
	// ID is the fully qualified cell identifier, {plate}_{spot}_{localId}.
	ID      string
	Spot    string
	Cluster string
	// Neighbors holds the raw neighbor slots: local cell IDs, NaN for a missing
	// value and 0 for an empty slot.
	Neighbors []float64
}

// Schema names the columns the analysis reads.
type Schema struct {
	SpotColumn    string
	ClusterColumn string
	// NeighborColumns lists the neighbor-ID columns explicitly. When empty, every
	// column whose name contains NeighborPrefix is used.
	NeighborColumns []string
	NeighborPrefix  string
}

// DefaultSchema matches the histoCAT-derived metadata tables.
func DefaultSchema() Schema {
	return Schema{
		SpotColumn:     "group_id",
		ClusterColumn:  "cluster",
		NeighborPrefix: "neighbour",
	}
}

// Resolve validates the schema against a table and returns the neighbor columns to read.
func (s Schema) Resolve(f *table.Frame) ([]string, error) {
	var missing []string
	for _, c := range []string{s.SpotColumn, s.ClusterColumn} {
		if c == "" || !f.HasColumn(c) {
			missing = append(missing, c)
		}
	}

	neighborCols := s.NeighborColumns
	if len(neighborCols) == 0 {
		if s.NeighborPrefix == "" {
			return nil, &SchemaError{Reason: "no neighbor columns or neighbor prefix configured"}
		}
		neighborCols = f.ColumnsContaining(s.NeighborPrefix)
		if len(neighborCols) == 0 {
			missing = append(missing, s.NeighborPrefix+"*")
		}
	} else {
		for _, c := range neighborCols {
			if !f.HasColumn(c) {
				missing = append(missing, c)
			}
		}
	}

	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}
	return neighborCols, nil
}

// CellsFromFrame converts a metadata table into cells, validating the schema first.
// Rows with an empty spot are skipped. Rows with an empty cluster (ungated or lost
// cells) are kept as unlabeled cells: their empty label is shuffled with the others,
// but they never form a cluster and never count as a neighbor category.
func CellsFromFrame(f *table.Frame, s Schema) ([]Cell, error) {
	neighborCols, err := s.Resolve(f)
	if err != nil {
		return nil, err
	}

	spotIdx, _ := f.ColumnIndex(s.SpotColumn)
	clusterIdx, _ := f.ColumnIndex(s.ClusterColumn)
	nIdx := make([]int, len(neighborCols))
	for i, c := range neighborCols {
		nIdx[i], _ = f.ColumnIndex(c)
	}

	cells := make([]Cell, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		row := f.Row(i)
		spot := strings.TrimSpace(row[spotIdx])
		cluster := strings.TrimSpace(row[clusterIdx])
		if spot == "" {
			continue
		}
		neighbors := make([]float64, len(nIdx))
		for j, k := range nIdx {
			neighbors[j] = table.ParseFloat(row[k])
		}
		cells = append(cells, Cell{
			ID:        f.ID(i),
			Spot:      spot,
			Cluster:   cluster,
			Neighbors: neighbors,
		})
	}
	return cells, nil
}
