package neighborhood

import (
	"fmt"
	"math"
	"sort"

	"github.com/soma-tiles/tma/internal/table"
)

// CategoryIndex is the index column name of written reports.
const CategoryIndex = "category"

// Frame renders the report as a table: index = neighbor category, one column per
// cluster, and the spot identifier in spotColumn.
func (r *Report) Frame(spotColumn string) *table.Frame {
	columns := make([]string, 0, len(r.Clusters)+1)
	columns = append(columns, r.Clusters...)
	columns = append(columns, spotColumn)

	f := table.NewFrame(CategoryIndex, columns)
	values := make([]string, len(columns))
	for _, row := range r.Rows {
		for i, v := range row.Values {
			values[i] = table.FormatFloat(v)
		}
		values[len(columns)-1] = row.Spot
		_ = f.Append(row.Category, values)
	}
	return f
}

// ReportFromFrame parses a table written by Report.Frame. Empty cells take fill.
func ReportFromFrame(f *table.Frame, spotColumn string, fill float64) (*Report, error) {
	if err := f.Require("report", spotColumn); err != nil {
		return nil, err
	}

	var clusters []string
	for _, c := range f.Columns() {
		if c != spotColumn {
			clusters = append(clusters, c)
		}
	}
	if !sort.StringsAreSorted(clusters) {
		sort.Strings(clusters)
	}

	r := &Report{Clusters: clusters, Rows: make([]Row, 0, f.Len())}
	for i := 0; i < f.Len(); i++ {
		values := make([]float64, len(clusters))
		for j, c := range clusters {
			v := f.Float(i, c)
			if math.IsNaN(v) {
				v = fill
			}
			if v < 0 || v > 1 {
				return nil, fmt.Errorf("row %d (%s): value %g for cluster %s outside [0, 1]", i, f.ID(i), v, c)
			}
			values[j] = v
		}
		r.Rows = append(r.Rows, Row{Spot: f.Get(i, spotColumn), Category: f.ID(i), Values: values})
	}
	return r, nil
}

// Frame renders the profile: index = spot, one column per neighbor category.
func (p *Profile) Frame(spotColumn string) *table.Frame {
	f := table.NewFrame(spotColumn, p.Categories)
	values := make([]string, len(p.Categories))
	for i, spot := range p.Spots {
		for j, v := range p.Values[i] {
			values[j] = table.FormatFloat(v)
		}
		_ = f.Append(spot, values)
	}
	return f
}
