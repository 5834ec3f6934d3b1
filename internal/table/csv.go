package table

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ReadOptions controls how a CSV file is turned into a Frame.
type ReadOptions struct {
	// IndexColumn is the position of the column used as the row index (pandas index_col).
	IndexColumn int
}

// ReadCSV parses a CSV stream with a header row.
func ReadCSV(r io.Reader, opts ReadOptions) (*Frame, error) {
	cr := csv.NewReader(bufio.NewReaderSize(r, 256*1024))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty csv: no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if opts.IndexColumn < 0 || opts.IndexColumn >= len(header) {
		return nil, fmt.Errorf("index column %d out of range for %d columns", opts.IndexColumn, len(header))
	}

	columns := make([]string, 0, len(header)-1)
	for i, h := range header {
		if i != opts.IndexColumn {
			columns = append(columns, strings.TrimPrefix(h, "\ufeff"))
		}
	}
	f := NewFrame(strings.TrimPrefix(header[opts.IndexColumn], "\ufeff"), columns)

	values := make([]string, len(columns))
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("csv line %d has %d fields, header has %d", line, len(rec), len(header))
		}
		j := 0
		for i, v := range rec {
			if i == opts.IndexColumn {
				continue
			}
			values[j] = v
			j++
		}
		if err := f.Append(rec[opts.IndexColumn], values); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// WriteCSV writes the frame with its index as the first column.
func WriteCSV(w io.Writer, f *Frame) error {
	cw := csv.NewWriter(w)
	header := make([]string, 0, len(f.columns)+1)
	header = append(header, f.IndexName)
	header = append(header, f.columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i, row := range f.rows {
		rec[0] = f.index[i]
		copy(rec[1:], row)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadFile reads a CSV table; `.gz` and `.zst` files are decompressed transparently.
func ReadFile(path string, opts ReadOptions) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case ".zst":
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	f, err := ReadCSV(r, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// WriteFile writes a CSV table, compressing by extension like ReadFile.
func WriteFile(path string, f *Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(file, 256*1024)
	var w io.Writer = bw
	var closer io.Closer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		gz := gzip.NewWriter(bw)
		w, closer = gz, gz
	case ".zst":
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w, closer = zw, zw
	}

	werr := WriteCSV(w, f)
	if closer != nil {
		if err := closer.Close(); werr == nil {
			werr = err
		}
	}
	if err := bw.Flush(); werr == nil {
		werr = err
	}
	if err := file.Close(); werr == nil {
		werr = err
	}
	if werr != nil {
		return fmt.Errorf("failed to write %s: %w", path, werr)
	}
	return nil
}
