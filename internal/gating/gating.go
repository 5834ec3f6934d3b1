package gating

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/soma-tiles/tma/internal/qc"
	"github.com/soma-tiles/tma/internal/table"
)

// Round is one gate of the plan. A round with a Parent only gates the cells whose
// label in the parent round equals ParentLabel.
type Round struct {
	Name        string
	Columns     []string
	Components  int
	Parent      string
	ParentLabel string
}

// Plan is an ordered list of rounds and the renaming of joined labels.
type Plan struct {
	Rounds []Round
	// Rename maps a joined label ("a|b|c") to the final cluster name. Labels
	// without an entry are kept as they are.
	Rename map[string]string
}

// Validate checks round names, columns and parent references.
func (p Plan) Validate() error {
	if len(p.Rounds) == 0 {
		return errors.New("gating: plan has no rounds")
	}
	seen := make(map[string]bool, len(p.Rounds))
	for _, r := range p.Rounds {
		if r.Name == "" || seen[r.Name] {
			return fmt.Errorf("gating: round name %q empty or repeated", r.Name)
		}
		if len(r.Columns) == 0 {
			return fmt.Errorf("gating: round %s has no columns", r.Name)
		}
		if r.Parent != "" && !seen[r.Parent] {
			return fmt.Errorf("gating: round %s depends on %s, which does not precede it", r.Name, r.Parent)
		}
		seen[r.Name] = true
	}
	return nil
}

// Columns returns every expression column the plan reads.
func (p Plan) Columns() []string {
	set := make(map[string]bool)
	var out []string
	for _, r := range p.Rounds {
		for _, c := range r.Columns {
			if !set[c] {
				set[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Options configures Run.
type Options struct {
	// GroupColumn splits cells into independently gated groups (e.g. patient). Empty
	// gates all cells together.
	GroupColumn string
	// SpotColumn is filled with {Plate}_{ROI} when the metadata lacks it.
	SpotColumn    string
	ClusterColumn string
	MaxIter       int
	Tol           float64
	Seed          int64
}

// Summary reports the outcome of Run.
type Summary struct {
	Groups   int
	Cells    int
	Gated    int
	Clusters map[string]int
}

// Run gates the non-lost cells of meta group by group and writes the cluster names
// into ClusterColumn. Lost cells get an empty cluster.
func Run(ctx context.Context, expr, meta *table.Frame, plan Plan, opts Options) (*Summary, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if opts.ClusterColumn == "" {
		opts.ClusterColumn = "cluster"
	}
	if err := expr.Require("expression", plan.Columns()...); err != nil {
		return nil, err
	}
	if opts.GroupColumn != "" {
		if err := meta.Require("metadata", opts.GroupColumn); err != nil {
			return nil, err
		}
	}
	if opts.SpotColumn != "" && !meta.HasColumn(opts.SpotColumn) {
		if err := meta.Require("metadata", "Plate", "ROI"); err != nil {
			return nil, fmt.Errorf("cannot derive %s: %w", opts.SpotColumn, err)
		}
		for i := 0; i < meta.Len(); i++ {
			meta.Set(i, opts.SpotColumn, meta.Get(i, "Plate")+"_"+meta.Get(i, "ROI"))
		}
	}

	values := make(map[string][]float64)
	for _, c := range plan.Columns() {
		values[c], _ = expr.FloatColumn(c)
	}

	groups := make(map[string][]int)
	exprRow := make([]int, meta.Len())
	cells := 0
	for i := 0; i < meta.Len(); i++ {
		if meta.HasColumn(qc.LostColumn) && meta.Get(i, qc.LostColumn) != qc.Kept {
			continue
		}
		j, ok := expr.Lookup(meta.ID(i))
		if !ok {
			return nil, fmt.Errorf("%w: %s has no expression values", table.ErrUnknownRow, meta.ID(i))
		}
		exprRow[i] = j
		g := ""
		if opts.GroupColumn != "" {
			g = meta.Get(i, opts.GroupColumn)
		}
		groups[g] = append(groups[g], i)
		cells++
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	clusters := make([]string, meta.Len())
	sum := &Summary{Groups: len(groups), Cells: cells, Clusters: make(map[string]int)}
	for _, g := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows := groups[g]
		labels, err := gateGroup(g, rows, exprRow, values, plan, opts)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g, err)
		}
		for k, i := range rows {
			name := strings.Join(labels[k], "|")
			if renamed, ok := plan.Rename[name]; ok {
				name = renamed
			}
			clusters[i] = name
			sum.Clusters[name]++
			sum.Gated++
		}
		log.Printf("[gating] group %q: %d cells", g, len(rows))
	}

	for i, c := range clusters {
		meta.Set(i, opts.ClusterColumn, c)
	}
	log.Printf("[gating] %d groups, %d cells gated into %d clusters", sum.Groups, sum.Gated, len(sum.Clusters))
	return sum, nil
}

// gateGroup returns, for each row of the group, its label in every round (empty when
// the round did not apply).
func gateGroup(group string, rows, exprRow []int, values map[string][]float64, plan Plan, opts Options) ([][]string, error) {
	labels := make([][]string, len(rows))
	for k := range labels {
		labels[k] = make([]string, len(plan.Rounds))
	}
	roundIdx := make(map[string]int, len(plan.Rounds))

	for r, round := range plan.Rounds {
		roundIdx[round.Name] = r
		var members []int
		var x [][]float64
		for k, i := range rows {
			if round.Parent != "" && labels[k][roundIdx[round.Parent]] != round.ParentLabel {
				continue
			}
			row := make([]float64, len(round.Columns))
			ok := true
			for c, col := range round.Columns {
				row[c] = values[col][exprRow[i]]
				if math.IsNaN(row[c]) {
					ok = false
					break
				}
			}
			if ok {
				members = append(members, k)
				x = append(x, row)
			}
		}
		if len(x) == 0 {
			continue
		}

		g := GMM{
			Components: round.Components,
			MaxIter:    opts.MaxIter,
			Tol:        opts.Tol,
			Seed:       roundSeed(opts.Seed, group, round.Name),
		}
		out, err := g.Gate(x, round.Columns[0])
		if errors.Is(err, ErrTooFewCells) {
			log.Printf("[gating] WARN: group %q round %s: %v, left ungated", group, round.Name, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("round %s: %w", round.Name, err)
		}
		for n, k := range members {
			labels[k][r] = out[n]
		}
	}
	return labels, nil
}

func roundSeed(seed int64, group, round string) int64 {
	h := fnv.New64a()
	h.Write([]byte(group))
	h.Write([]byte{0})
	h.Write([]byte(round))
	return seed ^ int64(h.Sum64())
}
