// Package qc flags cells lost during cyclic imaging or segmented too small to trust.
package qc

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"

	"github.com/soma-tiles/tma/internal/table"
)

// LostColumn is the metadata column holding the QC verdict.
const LostColumn = "labeled_as_lost"

// Verdicts stored in LostColumn.
const (
	Lost = "Yes"
	Kept = "No"
)

// Summary counts the cells flagged by each rule.
type Summary struct {
	Cells     int
	Listed    int
	Unknown   int
	SmallArea int
	Lost      int
}

// Ensure adds LostColumn, defaulting every cell to Kept.
func Ensure(meta *table.Frame) {
	idx := meta.AddColumn(LostColumn, Kept)
	for i := 0; i < meta.Len(); i++ {
		if meta.Row(i)[idx] == "" {
			meta.Set(i, LostColumn, Kept)
		}
	}
}

// MarkLost flags the listed cell IDs as lost. It returns the number of IDs flagged and
// the number not present in the table.
func MarkLost(meta *table.Frame, ids []string) (marked, unknown int) {
	Ensure(meta)
	for _, id := range ids {
		i, ok := meta.Lookup(id)
		if !ok {
			unknown++
			continue
		}
		meta.Set(i, LostColumn, Lost)
		marked++
	}
	return marked, unknown
}

// AreaThreshold flags cells whose area is strictly below threshold. Cells with a
// missing area are left as they are.
func AreaThreshold(meta *table.Frame, column string, threshold float64) (int, error) {
	if err := meta.Require("metadata", column); err != nil {
		return 0, err
	}
	Ensure(meta)
	n := 0
	for i := 0; i < meta.Len(); i++ {
		a := meta.Float(i, column)
		if !math.IsNaN(a) && a < threshold {
			meta.Set(i, LostColumn, Lost)
			n++
		}
	}
	return n, nil
}

// CountLost returns the number of cells flagged as lost.
func CountLost(meta *table.Frame) int {
	n := 0
	for i := 0; i < meta.Len(); i++ {
		if meta.Get(i, LostColumn) == Lost {
			n++
		}
	}
	return n
}

// ReadIDs reads one cell ID per line; blank lines and lines starting with '#' are skipped.
func ReadIDs(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cell IDs: %w", err)
	}
	return ids, nil
}

// Options configures Apply.
type Options struct {
	AreaColumn    string
	AreaThreshold float64
	// LostCellsFile optionally lists cells detected as lost upstream.
	LostCellsFile string
}

// Apply runs every configured rule on the metadata table.
func Apply(meta *table.Frame, opts Options) (Summary, error) {
	s := Summary{Cells: meta.Len()}
	Ensure(meta)

	if opts.LostCellsFile != "" {
		f, err := os.Open(opts.LostCellsFile)
		if err != nil {
			return s, fmt.Errorf("failed to open lost cell list: %w", err)
		}
		ids, err := ReadIDs(f)
		f.Close()
		if err != nil {
			return s, err
		}
		s.Listed, s.Unknown = MarkLost(meta, ids)
	}

	if opts.AreaThreshold > 0 {
		n, err := AreaThreshold(meta, opts.AreaColumn, opts.AreaThreshold)
		if err != nil {
			return s, err
		}
		s.SmallArea = n
	}

	s.Lost = CountLost(meta)
	log.Printf("[qc] %d cells: %d listed lost (%d unknown IDs), %d below area %g, %d lost in total",
		s.Cells, s.Listed, s.Unknown, s.SmallArea, opts.AreaThreshold, s.Lost)
	return s, nil
}
