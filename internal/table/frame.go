// Package table provides the in-memory tables exchanged between analysis stages.
//
// A Frame is a string-typed, row-major table with a named index column, mirroring the
// CSV tables written by the imaging pipeline: the index holds cell identifiers
// (or phenotype categories for result tables) and every other column is addressed by
// name. Numeric access parses on demand; missing values read as NaN.
package table

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrMissingColumns indicates a table does not carry a required column.
	ErrMissingColumns = errors.New("table: missing required columns")
	// ErrUnknownRow indicates a lookup by index value found no row.
	ErrUnknownRow = errors.New("table: unknown row")
)

// MissingColumnsError lists the required columns absent from a table.
type MissingColumnsError struct {
	Table   string
	Missing []string
}

func (e *MissingColumnsError) Error() string {
	name := e.Table
	if name == "" {
		name = "table"
	}
	return fmt.Sprintf("%s: missing required columns: %s", name, strings.Join(e.Missing, ", "))
}

// Is reports ErrMissingColumns as the sentinel for this error.
func (e *MissingColumnsError) Is(target error) bool {
	return target == ErrMissingColumns
}

// Frame is an indexed table of string cells.
type Frame struct {
	IndexName string

	columns []string
	colIdx  map[string]int
	index   []string
	rowIdx  map[string]int
	rows    [][]string
}

// NewFrame creates an empty frame with the given columns.
func NewFrame(indexName string, columns []string) *Frame {
	f := &Frame{
		IndexName: indexName,
		colIdx:    make(map[string]int, len(columns)),
		rowIdx:    make(map[string]int),
	}
	for _, c := range columns {
		f.AddColumn(c, "")
	}
	return f
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.rows)
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.columns))
	copy(out, f.columns)
	return out
}

// Index returns the index values in row order. The slice must not be modified.
func (f *Frame) Index() []string {
	return f.index
}

// ID returns the index value of row i.
func (f *Frame) ID(i int) string {
	return f.index[i]
}

// HasColumn reports whether the frame has the named column.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.colIdx[name]
	return ok
}

// ColumnIndex returns the position of a column.
func (f *Frame) ColumnIndex(name string) (int, bool) {
	i, ok := f.colIdx[name]
	return i, ok
}

// Require checks that every named column exists.
func (f *Frame) Require(table string, columns ...string) error {
	var missing []string
	for _, c := range columns {
		if !f.HasColumn(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Table: table, Missing: missing}
	}
	return nil
}

// ColumnsContaining returns the columns whose names contain substr, in column order.
func (f *Frame) ColumnsContaining(substr string) []string {
	var out []string
	for _, c := range f.columns {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

// AddColumn appends a column filled with fill and returns its position. An existing
// column is left untouched.
func (f *Frame) AddColumn(name, fill string) int {
	if i, ok := f.colIdx[name]; ok {
		return i
	}
	f.columns = append(f.columns, name)
	f.colIdx[name] = len(f.columns) - 1
	for i := range f.rows {
		f.rows[i] = append(f.rows[i], fill)
	}
	return len(f.columns) - 1
}

// DropColumns removes the named columns; unknown names are ignored.
func (f *Frame) DropColumns(names ...string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	keep := make([]int, 0, len(f.columns))
	var columns []string
	for i, c := range f.columns {
		if !drop[c] {
			keep = append(keep, i)
			columns = append(columns, c)
		}
	}
	if len(keep) == len(f.columns) {
		return
	}
	for r, row := range f.rows {
		next := make([]string, len(keep))
		for j, i := range keep {
			next[j] = row[i]
		}
		f.rows[r] = next
	}
	f.columns = columns
	f.colIdx = make(map[string]int, len(columns))
	for i, c := range columns {
		f.colIdx[c] = i
	}
}

// Append adds a row. values must match the column count.
func (f *Frame) Append(id string, values []string) error {
	if len(values) != len(f.columns) {
		return fmt.Errorf("row %q has %d values, expected %d", id, len(values), len(f.columns))
	}
	row := make([]string, len(values))
	copy(row, values)
	f.rows = append(f.rows, row)
	f.index = append(f.index, id)
	if _, dup := f.rowIdx[id]; !dup {
		f.rowIdx[id] = len(f.rows) - 1
	}
	return nil
}

// AppendRecord adds a row from a column->value map; absent columns are left empty
// and unknown keys are added as new columns.
func (f *Frame) AppendRecord(id string, record map[string]string) {
	for k := range record {
		if !f.HasColumn(k) {
			f.AddColumn(k, "")
		}
	}
	values := make([]string, len(f.columns))
	for k, v := range record {
		values[f.colIdx[k]] = v
	}
	// Append cannot fail: values is sized from the columns.
	_ = f.Append(id, values)
}

// Lookup returns the position of the first row with the given index value.
func (f *Frame) Lookup(id string) (int, bool) {
	i, ok := f.rowIdx[id]
	return i, ok
}

// Row returns the values of row i. The slice must not be modified.
func (f *Frame) Row(i int) []string {
	return f.rows[i]
}

// Get returns the value at row i in the named column, or "" if the column is absent.
func (f *Frame) Get(i int, column string) string {
	j, ok := f.colIdx[column]
	if !ok {
		return ""
	}
	return f.rows[i][j]
}

// Set writes a value, adding the column if needed.
func (f *Frame) Set(i int, column, value string) {
	j := f.AddColumn(column, "")
	f.rows[i][j] = value
}

// Float parses the value at row i in the named column.
func (f *Frame) Float(i int, column string) float64 {
	return ParseFloat(f.Get(i, column))
}

// Column returns a copy of a column's values.
func (f *Frame) Column(name string) ([]string, error) {
	j, ok := f.colIdx[name]
	if !ok {
		return nil, &MissingColumnsError{Missing: []string{name}}
	}
	out := make([]string, len(f.rows))
	for i, row := range f.rows {
		out[i] = row[j]
	}
	return out, nil
}

// FloatColumn parses a column into floats; missing values become NaN.
func (f *Frame) FloatColumn(name string) ([]float64, error) {
	vals, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = ParseFloat(v)
	}
	return out, nil
}

// SetIndex replaces the index values. ids must have one entry per row.
func (f *Frame) SetIndex(ids []string) error {
	if len(ids) != len(f.rows) {
		return fmt.Errorf("index has %d values, frame has %d rows", len(ids), len(f.rows))
	}
	f.index = make([]string, len(ids))
	copy(f.index, ids)
	f.rowIdx = make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := f.rowIdx[id]; !dup {
			f.rowIdx[id] = i
		}
	}
	return nil
}

// Filter returns a new frame with the rows for which keep returns true.
func (f *Frame) Filter(keep func(i int) bool) *Frame {
	out := NewFrame(f.IndexName, f.columns)
	for i := range f.rows {
		if keep(i) {
			_ = out.Append(f.index[i], f.rows[i])
		}
	}
	return out
}

// Select returns the rows with the given index values, in the given order.
func (f *Frame) Select(ids []string) (*Frame, error) {
	out := NewFrame(f.IndexName, f.columns)
	for _, id := range ids {
		i, ok := f.rowIdx[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRow, id)
		}
		_ = out.Append(id, f.rows[i])
	}
	return out, nil
}

// Project returns a frame restricted to the named columns.
func (f *Frame) Project(columns []string) (*Frame, error) {
	if err := f.Require("", columns...); err != nil {
		return nil, err
	}
	out := NewFrame(f.IndexName, columns)
	values := make([]string, len(columns))
	for i, row := range f.rows {
		for j, c := range columns {
			values[j] = row[f.colIdx[c]]
		}
		_ = out.Append(f.index[i], values)
	}
	return out, nil
}

// Concat appends the rows of other, aligning columns by name. Columns only present
// in one of the frames are filled with "".
func (f *Frame) Concat(other *Frame) {
	for _, c := range other.columns {
		f.AddColumn(c, "")
	}
	for i, row := range other.rows {
		values := make([]string, len(f.columns))
		for j, c := range other.columns {
			values[f.colIdx[c]] = row[j]
		}
		_ = f.Append(other.index[i], values)
	}
}

// Transpose swaps rows and columns. The old index becomes the header.
func (f *Frame) Transpose(indexName string) *Frame {
	out := NewFrame(indexName, f.index)
	for j, c := range f.columns {
		values := make([]string, len(f.rows))
		for i, row := range f.rows {
			values[i] = row[j]
		}
		_ = out.Append(c, values)
	}
	return out
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := NewFrame(f.IndexName, f.columns)
	out.rows = make([][]string, 0, len(f.rows))
	for i, row := range f.rows {
		_ = out.Append(f.index[i], row)
	}
	return out
}

// ParseFloat parses a table cell. Empty cells and NA markers read as NaN.
func ParseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "nan", "na", "n/a", "null", "none":
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// FormatFloat renders a float the way it is written to CSV; NaN becomes an empty cell.
func FormatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
