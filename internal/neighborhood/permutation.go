package neighborhood

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// DefaultPermutations is the number of label permutations per (spot, cluster) pair.
const DefaultPermutations = 1000

// Options controls the permutation test.
type Options struct {
	// Permutations is the number of trials T. Zero means DefaultPermutations.
	Permutations int
	// Seed makes runs reproducible. Each (spot, cluster) pair derives its own random
	// stream from it, so results do not depend on Workers. Nil seeds from the clock.
	Seed *int64
	// Verbose logs the permuted fractions every 100 trials.
	Verbose bool
	// Workers bounds the number of spots analyzed concurrently. Zero means one per CPU.
	Workers int
	// Progress, when set, is called after each spot completes.
	Progress func(done, total int)
}

func (o Options) validate() error {
	if o.Permutations < 0 {
		return fmt.Errorf("permutations must not be negative, got %d", o.Permutations)
	}
	if o.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", o.Workers)
	}
	return nil
}

func (o Options) trials() int {
	if o.Permutations == 0 {
		return DefaultPermutations
	}
	return o.Permutations
}

// rngFor returns the random stream of one (spot, cluster) pair.
func (o Options) rngFor(spot, cluster string) *rand.Rand {
	base := time.Now().UnixNano()
	if o.Seed != nil {
		base = *o.Seed
	}
	h := fnv.New64a()
	h.Write([]byte(spot))
	h.Write([]byte{0})
	h.Write([]byte(cluster))
	return rand.New(rand.NewSource(base ^ int64(h.Sum64())))
}

// ClusterResult is the permutation test outcome for one cluster of one spot.
type ClusterResult struct {
	Spot    string
	Cluster string
	// Observed is the neighbor phenotype distribution; empty if no neighbor matched.
	Observed Distribution
	// PValues is aligned with Observed.Categories.
	PValues []float64
	// Matched and Unmatched count neighbor IDs found / not found in the spot.
	Matched   int
	Unmatched int
	Trials    int
}

// Empty reports whether the cluster had no matched neighbors.
func (r *ClusterResult) Empty() bool {
	return r.Matched == 0
}

// Permute runs the permutation test for the target cells of one cluster against all
// cells of their spot. The observed neighbor set includes other members of the target
// cluster. In every trial the cluster labels of the spot are shuffled uniformly while
// the neighbor IDs stay fixed; the p-value of a category is the fraction of trials in
// which its permuted fraction is >= the observed fraction. Small p-values indicate
// enrichment. Unlabeled cells keep their place in the shuffle; neighbors that draw an
// empty label are left out of that trial's denominator.
func Permute(ctx context.Context, target, spot []Cell, opts Options) (*ClusterResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(target) == 0 {
		return &ClusterResult{}, nil
	}
	res := &ClusterResult{
		Spot:    target[0].Spot,
		Cluster: target[0].Cluster,
		Trials:  opts.trials(),
	}

	neighbors := NeighborIDs(target, false)
	observed, unmatched, err := Fractions(neighbors, Labels(spot))
	res.Unmatched = unmatched
	if errors.Is(err, ErrEmptyNeighborSet) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Observed = observed

	// Encode labels as category codes (-1 for unlabeled) and neighbors as spot
	// positions so a trial is a shuffle plus a counting pass.
	categories := spotCategories(spot)
	code := make(map[string]int, len(categories))
	for i, c := range categories {
		code[c] = i
	}
	labels := make([]int, len(spot))
	pos := make(map[string]int, len(spot))
	for i, c := range spot {
		labels[i] = unlabeled
		if k, ok := code[c.Cluster]; ok {
			labels[i] = k
		}
		pos[c.ID] = i
	}
	matched := make([]int, 0, len(neighbors))
	for _, id := range neighbors {
		if p, ok := pos[id]; ok {
			matched = append(matched, p)
		}
	}
	res.Matched = len(matched)

	counts := make([]int, len(categories))
	obsTotal := tally(counts, labels, matched)
	obsCodes := make([]int, observed.Len())
	obsCounts := make([]int, observed.Len())
	for i, c := range observed.Categories {
		obsCodes[i] = code[c]
		obsCounts[i] = counts[code[c]]
	}

	rng := opts.rngFor(res.Spot, res.Cluster)
	hits := make([]int, observed.Len())
	for trial := 0; trial < res.Trials; trial++ {
		if trial%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		rng.Shuffle(len(labels), func(i, j int) {
			labels[i], labels[j] = labels[j], labels[i]
		})
		total := tally(counts, labels, matched)
		// counts[c]/total >= obsCounts[i]/obsTotal, compared exactly.
		if total > 0 {
			for i, c := range obsCodes {
				if counts[c]*obsTotal >= obsCounts[i]*total {
					hits[i]++
				}
			}
		}

		if opts.Verbose && trial%100 == 0 {
			log.Printf("[neighborhood] %s/%s iteration %d: %s",
				res.Spot, res.Cluster, trial, formatCounts(categories, counts, total))
		}
	}

	res.PValues = make([]float64, len(hits))
	for i, h := range hits {
		res.PValues[i] = float64(h) / float64(res.Trials)
	}
	return res, nil
}

const unlabeled = -1

// tally counts the labels drawn by the matched positions and returns how many of them
// carry a label.
func tally(counts, labels, matched []int) int {
	for i := range counts {
		counts[i] = 0
	}
	total := 0
	for _, p := range matched {
		if l := labels[p]; l != unlabeled {
			counts[l]++
			total++
		}
	}
	return total
}

func spotCategories(spot []Cell) []string {
	seen := make(map[string]struct{})
	for _, c := range spot {
		if c.Cluster != "" {
			seen[c.Cluster] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func formatCounts(categories []string, counts []int, total int) string {
	var b strings.Builder
	for i, c := range categories {
		if counts[i] == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%.3f", c, float64(counts[i])/float64(total))
	}
	return b.String()
}
