// Package gating assigns phenotype clusters by iterative Gaussian-mixture gating of
// marker intensities.
package gating

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrTooFewCells is returned when a mixture has more components than data points.
var ErrTooFewCells = errors.New("gating: fewer cells than mixture components")

const (
	regCovar = 1e-6
	eps      = 2.220446049250313e-16
)

// GMM configures a diagonal-covariance Gaussian mixture fitted by EM.
type GMM struct {
	// Components is 2 or 3; zero means 2 and larger values fall back to 3.
	Components int
	MaxIter    int
	Tol        float64
	Seed       int64
	// NInit is the number of EM restarts; the fit with the best lower bound is kept.
	// Zero means 5.
	NInit int
}

func (g GMM) withDefaults() (GMM, error) {
	switch {
	case g.Components == 0:
		g.Components = 2
	case g.Components == 1 || g.Components < 0:
		return g, fmt.Errorf("gating: %d mixture components, need at least 2", g.Components)
	case g.Components > 3:
		log.Printf("[gating] WARN: %d components not supported, reverting to 3", g.Components)
		g.Components = 3
	}
	if g.MaxIter <= 0 {
		g.MaxIter = 500
	}
	if g.Tol <= 0 {
		g.Tol = 1e-9
	}
	if g.NInit <= 0 {
		g.NInit = 5
	}
	return g, nil
}

// Descriptors returns the level names of a k-component gate, lowest first.
func Descriptors(k int) []string {
	if k == 2 {
		return []string{"low", "high"}
	}
	return []string{"low", "med", "high"}
}

// Model is a fitted mixture.
type Model struct {
	Weights []float64
	Means   [][]float64
	Vars    [][]float64

	Iterations int
	Converged  bool
	// LowerBound is the mean log-likelihood of the training data.
	LowerBound float64
}

// Fit runs EM on x (rows are cells) NInit times, each start seeded k-means++ style,
// and returns the fit with the highest lower bound.
func (g GMM) Fit(x [][]float64) (*Model, error) {
	g, err := g.withDefaults()
	if err != nil {
		return nil, err
	}
	k := g.Components
	if len(x) < k {
		return nil, fmt.Errorf("%w: %d cells, %d components", ErrTooFewCells, len(x), k)
	}

	rng := rand.New(rand.NewSource(g.Seed))
	var best *Model
	for n := 0; n < g.NInit; n++ {
		m := g.run(x, seedResponsibilities(x, k, rng))
		if best == nil || m.LowerBound > best.LowerBound {
			best = m
		}
	}
	if !best.Converged {
		log.Printf("[gating] WARN: EM did not converge after %d iterations", best.Iterations)
	}
	return best, nil
}

func (g GMM) run(x [][]float64, resp [][]float64) *Model {
	k, d := g.Components, len(x[0])
	m := &Model{
		Weights: make([]float64, k),
		Means:   make([][]float64, k),
		Vars:    make([][]float64, k),
	}
	for j := 0; j < k; j++ {
		m.Means[j] = make([]float64, d)
		m.Vars[j] = make([]float64, d)
	}
	m.maximize(x, resp)

	lb := math.Inf(-1)
	for it := 1; it <= g.MaxIter; it++ {
		prev := lb
		lb = m.expect(x, resp)
		m.maximize(x, resp)
		m.Iterations = it
		if math.Abs(lb-prev) < g.Tol {
			m.Converged = true
			break
		}
	}
	m.LowerBound = lb
	return m
}

// seedResponsibilities picks k centers by D² sampling and assigns every row to its
// nearest center.
func seedResponsibilities(x [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := [][]float64{x[rng.Intn(len(x))]}
	dist := make([]float64, len(x))
	for len(centers) < k {
		for i, row := range x {
			dist[i] = nearest(row, centers).dist
		}
		next := rng.Intn(len(x))
		if total := floats.Sum(dist); total > 0 {
			r := rng.Float64() * total
			for i, dd := range dist {
				if r < dd {
					next = i
					break
				}
				r -= dd
			}
		}
		centers = append(centers, x[next])
	}

	resp := make([][]float64, len(x))
	for i, row := range x {
		resp[i] = make([]float64, k)
		resp[i][nearest(row, centers).idx] = 1
	}
	return resp
}

type hit struct {
	idx  int
	dist float64
}

// nearest returns the closest center and its squared distance.
func nearest(row []float64, centers [][]float64) hit {
	h := hit{dist: math.Inf(1)}
	for j, c := range centers {
		dd := floats.Distance(row, c, 2)
		if dd*dd < h.dist {
			h = hit{idx: j, dist: dd * dd}
		}
	}
	return h
}

// Predict returns the most likely component of every row.
func (m *Model) Predict(x [][]float64) []int {
	labels := make([]int, len(x))
	buf := make([]float64, len(m.Weights))
	for i, row := range x {
		m.logJoint(row, buf)
		labels[i] = floats.MaxIdx(buf)
	}
	return labels
}

// expect updates resp in place and returns the mean log-likelihood.
func (m *Model) expect(x [][]float64, resp [][]float64) float64 {
	buf := make([]float64, len(m.Weights))
	total := 0.0
	for i, row := range x {
		m.logJoint(row, buf)
		lse := floats.LogSumExp(buf)
		for j, v := range buf {
			resp[i][j] = math.Exp(v - lse)
		}
		total += lse
	}
	return total / float64(len(x))
}

func (m *Model) maximize(x [][]float64, resp [][]float64) {
	n := float64(len(x))
	for j := range m.Weights {
		nk := 10 * eps
		mean := m.Means[j]
		for dd := range mean {
			mean[dd] = 0
		}
		for i, row := range x {
			nk += resp[i][j]
			floats.AddScaled(mean, resp[i][j], row)
		}
		floats.Scale(1/nk, mean)

		v := m.Vars[j]
		for dd := range v {
			v[dd] = 0
		}
		for i, row := range x {
			for dd, val := range row {
				diff := val - mean[dd]
				v[dd] += resp[i][j] * diff * diff
			}
		}
		for dd := range v {
			v[dd] = v[dd]/nk + regCovar
		}
		m.Weights[j] = nk / n
	}
}

func (m *Model) logJoint(row []float64, out []float64) {
	for j, w := range m.Weights {
		lp := math.Log(w)
		for dd, val := range row {
			lp += distuv.Normal{Mu: m.Means[j][dd], Sigma: math.Sqrt(m.Vars[j][dd])}.LogProb(val)
		}
		out[j] = lp
	}
}

// rankComponents orders the components present in labels by the median of each data
// column, compared column by column.
func rankComponents(x [][]float64, labels []int, k int) []int {
	d := len(x[0])
	medians := make([][]float64, k)
	var present []int
	for j := 0; j < k; j++ {
		medians[j] = make([]float64, d)
		for dd := 0; dd < d; dd++ {
			var vals []float64
			for i, l := range labels {
				if l == j {
					vals = append(vals, x[i][dd])
				}
			}
			if len(vals) == 0 {
				break
			}
			sort.Float64s(vals)
			medians[j][dd] = stat.Quantile(0.5, stat.LinInterp, vals, nil)
			if dd == 0 {
				present = append(present, j)
			}
		}
	}

	sort.SliceStable(present, func(a, b int) bool {
		ma, mb := medians[present[a]], medians[present[b]]
		for dd := range ma {
			if ma[dd] != mb[dd] {
				return ma[dd] < mb[dd]
			}
		}
		return false
	})
	return present
}

// Gate fits a mixture to x and names every row "<name>_<level>", levels ordered by
// the component medians.
func (g GMM) Gate(x [][]float64, name string) ([]string, error) {
	g, err := g.withDefaults()
	if err != nil {
		return nil, err
	}
	m, err := g.Fit(x)
	if err != nil {
		return nil, err
	}
	labels := m.Predict(x)

	levels := Descriptors(g.Components)
	names := make(map[int]string, g.Components)
	for rank, comp := range rankComponents(x, labels, g.Components) {
		names[comp] = name + "_" + levels[rank]
	}
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = names[l]
	}
	return out, nil
}
