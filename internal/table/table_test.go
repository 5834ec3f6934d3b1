package table

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCSV = `CellId,group_id,cluster,neighbour_1,neighbour_2
TMA1_5_1,TMA1_5,A,4,0
TMA1_5_2,TMA1_5,A,,
TMA1_5_4,TMA1_5,B,1,2
`

func mustRead(t *testing.T, content string) *Frame {
	t.Helper()

	f, err := ReadCSV(strings.NewReader(content), ReadOptions{})
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	return f
}

func TestReadCSV(t *testing.T) {
	f := mustRead(t, sampleCSV)

	if f.IndexName != "CellId" {
		t.Errorf("unexpected index name %q", f.IndexName)
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", f.Len())
	}
	if got := f.ColumnsContaining("neighbour"); len(got) != 2 {
		t.Errorf("expected 2 neighbour columns, got %v", got)
	}
	i, ok := f.Lookup("TMA1_5_4")
	if !ok {
		t.Fatal("expected TMA1_5_4 to be indexed")
	}
	if got := f.Get(i, "cluster"); got != "B" {
		t.Errorf("unexpected cluster %q", got)
	}
	if !math.IsNaN(f.Float(1, "neighbour_1")) {
		t.Errorf("expected empty cell to parse as NaN")
	}
}

func TestReadCSV_IndexColumn(t *testing.T) {
	f, err := ReadCSV(strings.NewReader("ImageId,CellId,Area\n1,7,12.5\n1,8,3\n"), ReadOptions{IndexColumn: 1})
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if f.IndexName != "CellId" || f.ID(0) != "7" {
		t.Fatalf("unexpected index: %s=%v", f.IndexName, f.Index())
	}
	if cols := f.Columns(); len(cols) != 2 || cols[0] != "ImageId" || cols[1] != "Area" {
		t.Fatalf("unexpected columns %v", cols)
	}
}

func TestReadCSV_RaggedRow(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("a,b\n1,2,3\n"), ReadOptions{})
	if err == nil {
		t.Fatal("expected error for ragged row")
	}
}

func TestRequire(t *testing.T) {
	f := mustRead(t, sampleCSV)

	if err := f.Require("metadata", "group_id", "cluster"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := f.Require("metadata", "cluster", "Plate", "ROI")
	if !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("expected ErrMissingColumns, got %v", err)
	}
	var mc *MissingColumnsError
	if !errors.As(err, &mc) || len(mc.Missing) != 2 {
		t.Fatalf("expected two missing columns, got %v", err)
	}
}

func TestFrameOperations(t *testing.T) {
	t.Run("selectAndProject", func(t *testing.T) {
		f := mustRead(t, sampleCSV)
		sub, err := f.Select([]string{"TMA1_5_4", "TMA1_5_1"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sub.ID(0) != "TMA1_5_4" || sub.Len() != 2 {
			t.Fatalf("unexpected selection %v", sub.Index())
		}
		proj, err := sub.Project([]string{"cluster"})
		if err != nil {
			t.Fatalf("Project: %v", err)
		}
		if len(proj.Columns()) != 1 || proj.Get(1, "cluster") != "A" {
			t.Fatalf("unexpected projection %v", proj.Columns())
		}
		if _, err := f.Select([]string{"nope"}); !errors.Is(err, ErrUnknownRow) {
			t.Fatalf("expected ErrUnknownRow, got %v", err)
		}
	})

	t.Run("concatAlignsColumns", func(t *testing.T) {
		a := NewFrame("id", []string{"x", "y"})
		_ = a.Append("1", []string{"1", "2"})
		b := NewFrame("id", []string{"y", "z"})
		_ = b.Append("2", []string{"3", "4"})
		a.Concat(b)
		if a.Len() != 2 || a.Get(1, "y") != "3" || a.Get(1, "x") != "" || a.Get(0, "z") != "" {
			t.Fatalf("unexpected concat result: %v rows=%d", a.Columns(), a.Len())
		}
	})

	t.Run("dropAndTranspose", func(t *testing.T) {
		f := mustRead(t, sampleCSV)
		f.DropColumns("neighbour_1", "neighbour_2", "missing")
		tr := f.Transpose("field")
		if tr.Len() != 2 || tr.ID(1) != "cluster" || tr.Get(1, "TMA1_5_4") != "B" {
			t.Fatalf("unexpected transpose: %v", tr.Index())
		}
	})

	t.Run("cloneIsDeep", func(t *testing.T) {
		f := mustRead(t, sampleCSV)
		c := f.Clone()
		c.Set(0, "cluster", "Z")
		if f.Get(0, "cluster") != "A" {
			t.Fatal("mutating a clone changed the original")
		}
	})
}

func TestWriteReadRoundTripCompressed(t *testing.T) {
	f := mustRead(t, sampleCSV)
	dir := t.TempDir()

	for _, name := range []string{"plain.csv", "gz.csv.gz", "zst.csv.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "nested", name)
			if err := WriteFile(path, f); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			got, err := ReadFile(path, ReadOptions{})
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			var want, have bytes.Buffer
			_ = WriteCSV(&want, f)
			_ = WriteCSV(&have, got)
			if want.String() != have.String() {
				t.Fatalf("round trip mismatch:\n%s\nvs\n%s", want.String(), have.String())
			}
		})
	}
}

type mapCache map[string]*Frame

func (m mapCache) GetFrame(key string) (*Frame, bool) { f, ok := m[key]; return f, ok }
func (m mapCache) SetFrame(key string, f *Frame)      { m[key] = f }
func (m mapCache) InvalidateFrame(key string)         { delete(m, key) }

func TestLoaderUsesCache(t *testing.T) {
	cache := mapCache{}
	loader := NewLoader(cache)
	path := filepath.Join(t.TempDir(), "meta.csv")

	if err := loader.Save(path, mustRead(t, sampleCSV)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(cache) != 1 {
		t.Fatalf("expected saved frame to be cached, have %d entries", len(cache))
	}

	f, err := loader.Load(path, ReadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.Set(0, "cluster", "mutated")

	again, err := loader.Load(path, ReadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.Get(0, "cluster") != "A" {
		t.Fatal("cached frame was mutated through a loaded copy")
	}
}
