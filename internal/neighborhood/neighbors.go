package neighborhood

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// NeighborIDs pools the neighbor slots of cells into a sorted list of fully qualified
// cell IDs. Missing values and the zero sentinel are dropped. Values are deduplicated
// before truncation to an integer, so distinct values that truncate alike (7 and 7.4)
// yield the same ID twice. The spot prefix is taken from the first cell's ID. With
// excludeSelf, IDs of the input cells themselves are removed from the result. An empty
// result means no neighbors were recorded.
func NeighborIDs(cells []Cell, excludeSelf bool) []string {
	if len(cells) == 0 {
		return nil
	}

	local := make(map[float64]struct{})
	for _, c := range cells {
		for _, v := range c.Neighbors {
			if math.IsNaN(v) || math.IsInf(v, 0) || v == 0 {
				continue
			}
			local[v] = struct{}{}
		}
	}

	values := make([]float64, 0, len(local))
	for v := range local {
		values = append(values, v)
	}
	sort.Float64s(values)

	prefix := SpotPrefix(cells[0].ID)
	var self map[string]struct{}
	if excludeSelf {
		self = make(map[string]struct{}, len(cells))
		for _, c := range cells {
			self[c.ID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		id := prefix + "_" + strconv.FormatInt(int64(v), 10)
		if excludeSelf {
			if _, ok := self[id]; ok {
				continue
			}
		}
		ids = append(ids, id)
	}
	return ids
}

// SpotPrefix returns the {plate}_{spot} part of a cell ID.
func SpotPrefix(cellID string) string {
	parts := strings.SplitN(cellID, "_", 3)
	if len(parts) < 2 {
		return cellID
	}
	return parts[0] + "_" + parts[1]
}
