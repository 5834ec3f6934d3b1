// Package heatmap summarizes neighborhood reports for visual inspection: it masks
// non-significant fractions, exports a Morpheus-ready table, compares spot profiles
// and renders PNG heatmaps.
package heatmap

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/soma-tiles/tma/internal/neighborhood"
	"github.com/soma-tiles/tma/internal/table"
)

// ErrMismatch is returned when the p-value and fraction reports do not line up.
var ErrMismatch = errors.New("heatmap: p-value and fraction reports do not match")

// CategoryColumn holds the neighbor category in exported tables.
const CategoryColumn = "cluster"

// Options configures Summarize.
type Options struct {
	// Alpha is the significance level; fractions with p > Alpha are masked to 0.
	Alpha float64
	// FDR masks on Benjamini-Hochberg adjusted p-values instead of raw ones.
	FDR bool
	// Exclude drops these labels both as neighbor categories and as clusters.
	Exclude []string
	// SpotColumn names the spot identifier in exported tables.
	SpotColumn string
	// Annotation, indexed by spot, supplies AnnotationColumns for every row.
	Annotation        *table.Frame
	AnnotationColumns []string
}

// Row is one (spot, category) line of a summary.
type Row struct {
	Spot     string
	Category string
	// Values is aligned with Summary.Clusters.
	Values      []float64
	Annotations []string
}

// Key returns the row label used in exported tables.
func (r Row) Key() string {
	return r.Spot + "_" + r.Category
}

// Summary holds significance-masked fractions.
type Summary struct {
	Clusters          []string
	AnnotationColumns []string
	SpotColumn        string
	Rows              []Row
}

// Summarize masks the fractions whose p-value is above alpha.
func Summarize(pvals, fracs *neighborhood.Report, opts Options) (*Summary, error) {
	if opts.Alpha <= 0 {
		opts.Alpha = 0.05
	}
	if opts.SpotColumn == "" {
		opts.SpotColumn = "group_id"
	}
	if err := checkAligned(pvals, fracs); err != nil {
		return nil, err
	}
	if opts.Annotation != nil {
		if err := opts.Annotation.Require("annotation", opts.AnnotationColumns...); err != nil {
			return nil, err
		}
	}

	p := flatten(pvals)
	if opts.FDR {
		p = benjaminiHochberg(p)
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, e := range opts.Exclude {
		excluded[e] = true
	}
	var keep []int
	s := &Summary{SpotColumn: opts.SpotColumn, AnnotationColumns: opts.AnnotationColumns}
	for j, c := range fracs.Clusters {
		if !excluded[c] {
			keep = append(keep, j)
			s.Clusters = append(s.Clusters, c)
		}
	}

	nc := len(fracs.Clusters)
	for i, fr := range fracs.Rows {
		if excluded[fr.Category] {
			continue
		}
		row := Row{Spot: fr.Spot, Category: fr.Category, Values: make([]float64, len(keep))}
		for k, j := range keep {
			if p[i*nc+j] <= opts.Alpha {
				row.Values[k] = fr.Values[j]
			}
		}
		if opts.Annotation != nil {
			row.Annotations = make([]string, len(opts.AnnotationColumns))
			if a, ok := opts.Annotation.Lookup(fr.Spot); ok {
				for k, c := range opts.AnnotationColumns {
					row.Annotations[k] = opts.Annotation.Get(a, c)
				}
			}
		}
		s.Rows = append(s.Rows, row)
	}
	return s, nil
}

func checkAligned(pvals, fracs *neighborhood.Report) error {
	if len(pvals.Clusters) != len(fracs.Clusters) {
		return fmt.Errorf("%w: %d vs %d clusters", ErrMismatch, len(pvals.Clusters), len(fracs.Clusters))
	}
	for i, c := range pvals.Clusters {
		if fracs.Clusters[i] != c {
			return fmt.Errorf("%w: cluster %d is %s vs %s", ErrMismatch, i, c, fracs.Clusters[i])
		}
	}
	if len(pvals.Rows) != len(fracs.Rows) {
		return fmt.Errorf("%w: %d vs %d rows", ErrMismatch, len(pvals.Rows), len(fracs.Rows))
	}
	for i, r := range pvals.Rows {
		f := fracs.Rows[i]
		if r.Spot != f.Spot || r.Category != f.Category {
			return fmt.Errorf("%w: row %d is %s/%s vs %s/%s", ErrMismatch, i, r.Spot, r.Category, f.Spot, f.Category)
		}
	}
	return nil
}

func flatten(r *neighborhood.Report) []float64 {
	out := make([]float64, 0, len(r.Rows)*len(r.Clusters))
	for _, row := range r.Rows {
		out = append(out, row.Values...)
	}
	return out
}

// benjaminiHochberg adjusts p-values for the false discovery rate, keeping the input order.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	fdr := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		orig := idx[i]
		adjusted := pvals[orig] * float64(n) / float64(i+1)
		if adjusted > 1 {
			adjusted = 1
		}
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		fdr[orig] = adjusted
	}
	return fdr
}

// Frame returns the Morpheus table: one column per (spot, category) row, and one row
// each for the spot, the category, the annotations and every cluster.
func (s *Summary) Frame() *table.Frame {
	columns := make([]string, 0, 2+len(s.AnnotationColumns)+len(s.Clusters))
	columns = append(columns, s.SpotColumn, CategoryColumn)
	columns = append(columns, s.AnnotationColumns...)
	columns = append(columns, s.Clusters...)

	f := table.NewFrame("index", columns)
	values := make([]string, len(columns))
	for _, r := range s.Rows {
		values = values[:0]
		values = append(values, r.Spot, r.Category)
		if r.Annotations != nil {
			values = append(values, r.Annotations...)
		} else {
			values = append(values, make([]string, len(s.AnnotationColumns))...)
		}
		for _, v := range r.Values {
			values = append(values, table.FormatFloat(v))
		}
		_ = f.Append(r.Key(), values)
	}
	return f.Transpose("")
}

// Distances holds pairwise profile distances for one neighbor category.
type Distances struct {
	Category string
	Within   []float64
	Across   []float64
}

// WithinMean returns the mean within-site distance, or NaN if there is none.
func (d Distances) WithinMean() float64 { return mean(d.Within) }

// AcrossMean returns the mean across-site distance, or NaN if there is none.
func (d Distances) AcrossMean() float64 { return mean(d.Across) }

func mean(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return stat.Mean(x, nil)
}

// ProfileDistances compares, for each neighbor category, the cluster profiles of every
// pair of spots by Euclidean distance and splits the non-zero distances by whether the
// two spots share a site. siteColumn must be one of the summary's annotation columns.
func ProfileDistances(s *Summary, siteColumn string) ([]Distances, error) {
	site := -1
	for i, c := range s.AnnotationColumns {
		if c == siteColumn {
			site = i
		}
	}
	if site < 0 {
		return nil, fmt.Errorf("heatmap: site column %q is not an annotation column", siteColumn)
	}

	byCategory := make(map[string][]Row)
	for _, r := range s.Rows {
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	out := make([]Distances, 0, len(categories))
	for _, c := range categories {
		rows := byCategory[c]
		d := Distances{Category: c}
		for i := 0; i < len(rows); i++ {
			for j := i + 1; j < len(rows); j++ {
				dist := floats.Distance(rows[i].Values, rows[j].Values, 2)
				if dist <= 0 {
					continue
				}
				if annotation(rows[i], site) == annotation(rows[j], site) {
					d.Within = append(d.Within, dist)
				} else {
					d.Across = append(d.Across, dist)
				}
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func annotation(r Row, i int) string {
	if i < len(r.Annotations) {
		return r.Annotations[i]
	}
	return ""
}

// DistanceFrame tabulates distance counts and means per category.
func DistanceFrame(ds []Distances) *table.Frame {
	f := table.NewFrame(CategoryColumn, []string{"within_n", "within_mean", "across_n", "across_mean"})
	for _, d := range ds {
		_ = f.Append(d.Category, []string{
			fmt.Sprint(len(d.Within)), table.FormatFloat(d.WithinMean()),
			fmt.Sprint(len(d.Across)), table.FormatFloat(d.AcrossMean()),
		})
	}
	return f
}
