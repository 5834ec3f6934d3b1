package neighborhood

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Fill values for (spot, category, cluster) cells without a computed value.
const (
	FillPValue   = 1.0
	FillFraction = 0.0
)

// Row is one (spot, neighbor category) line of a report.
type Row struct {
	Spot     string
	Category string
	// Values is aligned with Report.Clusters.
	Values []float64
}

// Report is a p-value or fraction table: rows are neighbor categories grouped by spot,
// columns are target clusters.
type Report struct {
	Clusters []string
	Rows     []Row
}

// Value returns the entry for (spot, category, cluster).
func (r *Report) Value(spot, category, cluster string) (float64, bool) {
	col := sort.SearchStrings(r.Clusters, cluster)
	if col >= len(r.Clusters) || r.Clusters[col] != cluster {
		return 0, false
	}
	for _, row := range r.Rows {
		if row.Spot == spot && row.Category == category {
			return row.Values[col], true
		}
	}
	return 0, false
}

// Spots returns the distinct spots in row order.
func (r *Report) Spots() []string {
	var out []string
	for i, row := range r.Rows {
		if i == 0 || r.Rows[i-1].Spot != row.Spot {
			out = append(out, row.Spot)
		}
	}
	return out
}

// Diagnostics counts the soft anomalies met during an analysis.
type Diagnostics struct {
	Spots                int `json:"spots"`
	Clusters             int `json:"clusters"`
	Cells                int `json:"cells"`
	EmptyNeighborSets    int `json:"empty_neighbor_sets"`
	UnmatchedIdentifiers int `json:"unmatched_identifiers"`
}

// Result holds both output tables of an analysis.
type Result struct {
	PValues     *Report
	Fractions   *Report
	Diagnostics Diagnostics
}

type spotOutcome struct {
	spot     string
	clusters []*ClusterResult
}

// Analyze runs the permutation test for every (spot, cluster) pair. Spots are analyzed
// concurrently; for a fixed seed the result does not depend on the worker count.
// Missing p-values are filled with 1 and missing fractions with 0, including clusters
// that do not occur in a spot. Unlabeled cells take part in the shuffles only.
func Analyze(ctx context.Context, cells []Cell, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	bySpot := groupBy(cells, func(c Cell) string { return c.Spot })
	spots := sortedKeys(bySpot)

	workers := opts.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	outcomes := make([]spotOutcome, len(spots))
	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, spot := range spots {
		g.Go(func() error {
			spotCells := bySpot[spot]
			byCluster := groupBy(spotCells, func(c Cell) string { return c.Cluster })
			clusters := sortedKeys(byCluster)

			out := spotOutcome{spot: spot, clusters: make([]*ClusterResult, 0, len(clusters))}
			for _, cluster := range clusters {
				if cluster == "" {
					continue
				}
				res, err := Permute(gctx, byCluster[cluster], spotCells, opts)
				if err != nil {
					return fmt.Errorf("spot %s cluster %s: %w", spot, cluster, err)
				}
				out.clusters = append(out.clusters, res)
			}
			outcomes[i] = out

			mu.Lock()
			done++
			if opts.Progress != nil {
				opts.Progress(done, len(spots))
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("neighborhood analysis failed: %w", err)
	}

	res := assemble(outcomes)
	res.Diagnostics.Cells = len(cells)
	log.Printf("[neighborhood] analyzed %d spots, %d clusters (%d empty neighbor sets, %d unmatched neighbor IDs)",
		res.Diagnostics.Spots, res.Diagnostics.Clusters,
		res.Diagnostics.EmptyNeighborSets, res.Diagnostics.UnmatchedIdentifiers)
	return res, nil
}

// assemble builds the two reports, pre-sized from the outcomes.
func assemble(outcomes []spotOutcome) *Result {
	clusterSet := make(map[string]struct{})
	nRows := 0
	var diag Diagnostics
	spotCategories := make([][]string, len(outcomes))

	for i, o := range outcomes {
		cats := make(map[string]struct{})
		for _, cr := range o.clusters {
			clusterSet[cr.Cluster] = struct{}{}
			diag.Clusters++
			diag.UnmatchedIdentifiers += cr.Unmatched
			if cr.Empty() {
				diag.EmptyNeighborSets++
			}
			for _, c := range cr.Observed.Categories {
				cats[c] = struct{}{}
			}
		}
		spotCategories[i] = sortedKeys(cats)
		nRows += len(cats)
	}
	diag.Spots = len(outcomes)

	clusters := sortedKeys(clusterSet)
	colOf := make(map[string]int, len(clusters))
	for i, c := range clusters {
		colOf[c] = i
	}

	pvals := &Report{Clusters: clusters, Rows: make([]Row, 0, nRows)}
	fracs := &Report{Clusters: clusters, Rows: make([]Row, 0, nRows)}
	for i, o := range outcomes {
		rowOf := make(map[string]int, len(spotCategories[i]))
		base := len(pvals.Rows)
		for j, cat := range spotCategories[i] {
			rowOf[cat] = base + j
			pvals.Rows = append(pvals.Rows, Row{Spot: o.spot, Category: cat, Values: filled(len(clusters), FillPValue)})
			fracs.Rows = append(fracs.Rows, Row{Spot: o.spot, Category: cat, Values: filled(len(clusters), FillFraction)})
		}
		for _, cr := range o.clusters {
			col := colOf[cr.Cluster]
			for k, cat := range cr.Observed.Categories {
				r := rowOf[cat]
				pvals.Rows[r].Values[col] = cr.PValues[k]
				fracs.Rows[r].Values[col] = cr.Observed.Values[k]
			}
		}
	}

	return &Result{PValues: pvals, Fractions: fracs, Diagnostics: diag}
}

// Profile is the neighbor composition of one cluster across spots.
type Profile struct {
	Cluster    string
	Categories []string
	Spots      []string
	// Values[i][j] is the fraction of category j among the neighbors in spot i.
	Values [][]float64
}

// AcrossSpots computes, for the target cluster, the observed neighbor distribution in
// every spot where the cluster occurs. Neighbors that are themselves members of the
// cluster are excluded. Missing categories are 0.
func AcrossSpots(cells []Cell, target string) *Profile {
	p := &Profile{Cluster: target}
	if target == "" {
		return p
	}
	bySpot := groupBy(cells, func(c Cell) string { return c.Spot })

	var dists []Distribution
	catSet := make(map[string]struct{})
	for _, spot := range sortedKeys(bySpot) {
		spotCells := bySpot[spot]
		var members []Cell
		for _, c := range spotCells {
			if c.Cluster == target {
				members = append(members, c)
			}
		}
		if len(members) == 0 {
			continue
		}
		d, _, _ := Fractions(NeighborIDs(members, true), Labels(spotCells))
		for _, c := range d.Categories {
			catSet[c] = struct{}{}
		}
		p.Spots = append(p.Spots, spot)
		dists = append(dists, d)
	}

	p.Categories = sortedKeys(catSet)
	p.Values = make([][]float64, len(dists))
	for i, d := range dists {
		row := make([]float64, len(p.Categories))
		for j, c := range p.Categories {
			row[j], _ = d.Get(c)
		}
		p.Values[i] = row
	}
	return p
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func groupBy(cells []Cell, key func(Cell) string) map[string][]Cell {
	m := make(map[string][]Cell)
	for _, c := range cells {
		k := key(c)
		m[k] = append(m[k], c)
	}
	return m
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
