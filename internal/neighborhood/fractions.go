package neighborhood

import (
	"sort"
)

// Distribution is a phenotype fraction vector sorted by label.
type Distribution struct {
	Categories []string
	Values     []float64
}

// Len returns the number of categories.
func (d Distribution) Len() int {
	return len(d.Categories)
}

// Get returns the fraction for a category, and whether the category is present.
func (d Distribution) Get(category string) (float64, bool) {
	i := sort.SearchStrings(d.Categories, category)
	if i < len(d.Categories) && d.Categories[i] == category {
		return d.Values[i], true
	}
	return 0, false
}

// Map returns the distribution as a category->fraction map.
func (d Distribution) Map() map[string]float64 {
	m := make(map[string]float64, len(d.Categories))
	for i, c := range d.Categories {
		m[c] = d.Values[i]
	}
	return m
}

// Fractions computes the phenotype distribution among neighbor IDs. labels maps cell
// ID to phenotype. IDs missing from labels are dropped and counted as unmatched; IDs
// of unlabeled cells are dropped without being counted. If no labeled ID remains, the
// distribution is empty and ErrEmptyNeighborSet is returned.
func Fractions(ids []string, labels map[string]string) (Distribution, int, error) {
	counts := make(map[string]int)
	matched, unmatched := 0, 0
	for _, id := range ids {
		label, ok := labels[id]
		if !ok {
			unmatched++
			continue
		}
		if label == "" {
			continue
		}
		counts[label]++
		matched++
	}
	if matched == 0 {
		return Distribution{}, unmatched, ErrEmptyNeighborSet
	}

	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	values := make([]float64, len(categories))
	for i, c := range categories {
		values[i] = float64(counts[c]) / float64(matched)
	}
	return Distribution{Categories: categories, Values: values}, unmatched, nil
}

// Labels builds the cell ID -> phenotype map for a set of cells.
func Labels(cells []Cell) map[string]string {
	m := make(map[string]string, len(cells))
	for _, c := range cells {
		m[c.ID] = c.Cluster
	}
	return m
}
