package heatmap

import (
	"bytes"
	"errors"
	"image/png"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/soma-tiles/tma/internal/cache"
	"github.com/soma-tiles/tma/internal/neighborhood"
	"github.com/soma-tiles/tma/internal/table"
)

func testReports() (pvals, fracs *neighborhood.Report) {
	clusters := []string{"A", "B", "Others"}
	pvals = &neighborhood.Report{Clusters: clusters, Rows: []neighborhood.Row{
		{Spot: "P1_5", Category: "A", Values: []float64{0.01, 0.5, 0.02}},
		{Spot: "P1_5", Category: "B", Values: []float64{0.03, 1, 0.9}},
		{Spot: "P1_5", Category: "Others", Values: []float64{0.01, 0.01, 0.01}},
		{Spot: "P1_7", Category: "A", Values: []float64{0.2, 0.04, 1}},
	}}
	fracs = &neighborhood.Report{Clusters: clusters, Rows: []neighborhood.Row{
		{Spot: "P1_5", Category: "A", Values: []float64{0.6, 0.3, 0.5}},
		{Spot: "P1_5", Category: "B", Values: []float64{0.4, 0.7, 0.25}},
		{Spot: "P1_5", Category: "Others", Values: []float64{0, 0, 0.25}},
		{Spot: "P1_7", Category: "A", Values: []float64{1, 0.8, 0}},
	}}
	return pvals, fracs
}

func TestSummarize(t *testing.T) {
	pvals, fracs := testReports()
	ann, err := table.ReadCSV(strings.NewReader("group_id,Site,organ\nP1_5,S1,liver\n"), table.ReadOptions{})
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}

	s, err := Summarize(pvals, fracs, Options{
		Alpha:             0.05,
		Exclude:           []string{"Others"},
		Annotation:        ann,
		AnnotationColumns: []string{"Site"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if !reflect.DeepEqual(s.Clusters, []string{"A", "B"}) {
		t.Fatalf("unexpected clusters %v", s.Clusters)
	}
	want := [][]float64{{0.6, 0}, {0.4, 0}, {0, 0.8}}
	if len(s.Rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(s.Rows))
	}
	for i, w := range want {
		if !reflect.DeepEqual(s.Rows[i].Values, w) {
			t.Errorf("row %s: expected %v, got %v", s.Rows[i].Key(), w, s.Rows[i].Values)
		}
	}
	if s.Rows[0].Annotations[0] != "S1" || s.Rows[2].Annotations[0] != "" {
		t.Errorf("unexpected annotations %v / %v", s.Rows[0].Annotations, s.Rows[2].Annotations)
	}

	f := s.Frame()
	if !reflect.DeepEqual(f.Index(), []string{"group_id", "cluster", "Site", "A", "B"}) {
		t.Fatalf("unexpected Morpheus rows %v", f.Index())
	}
	if !reflect.DeepEqual(f.Columns(), []string{"P1_5_A", "P1_5_B", "P1_7_A"}) {
		t.Fatalf("unexpected Morpheus columns %v", f.Columns())
	}
	if i, _ := f.Lookup("B"); f.Get(i, "P1_7_A") != "0.8" {
		t.Errorf("expected 0.8 for P1_7_A/B, got %q", f.Get(i, "P1_7_A"))
	}
}

func TestSummarize_FDR(t *testing.T) {
	pvals, fracs := testReports()
	raw, err := Summarize(pvals, fracs, Options{Alpha: 0.05})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	adj, err := Summarize(pvals, fracs, Options{Alpha: 0.05, FDR: true})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	count := func(s *Summary) int {
		n := 0
		for _, r := range s.Rows {
			for _, v := range r.Values {
				if v != 0 {
					n++
				}
			}
		}
		return n
	}
	if count(adj) >= count(raw) {
		t.Errorf("expected FDR adjustment to mask more entries: %d vs %d", count(adj), count(raw))
	}
}

func TestSummarize_Mismatch(t *testing.T) {
	pvals, fracs := testReports()
	fracs.Rows[1].Category = "C"
	if _, err := Summarize(pvals, fracs, Options{}); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}

	pvals, fracs = testReports()
	fracs.Clusters = []string{"A", "Others", "B"}
	if _, err := Summarize(pvals, fracs, Options{}); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch for cluster order, got %v", err)
	}
}

func TestBenjaminiHochberg(t *testing.T) {
	got := benjaminiHochberg([]float64{0.01, 0.04, 0.03, 0.5})
	want := []float64{0.04, 0.04 * 4 / 3, 0.04 * 4 / 3, 0.5}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("benjaminiHochberg = %v, want %v", got, want)
		}
	}
	if benjaminiHochberg(nil) != nil {
		t.Error("expected nil for no p-values")
	}
}

func TestProfileDistances(t *testing.T) {
	s := &Summary{
		Clusters:          []string{"A", "B"},
		AnnotationColumns: []string{"Site"},
		Rows: []Row{
			{Spot: "s1", Category: "A", Values: []float64{0, 0}, Annotations: []string{"X"}},
			{Spot: "s2", Category: "A", Values: []float64{3, 4}, Annotations: []string{"X"}},
			{Spot: "s3", Category: "A", Values: []float64{0, 0}, Annotations: []string{"Y"}},
			{Spot: "s1", Category: "B", Values: []float64{1, 1}, Annotations: []string{"X"}},
		},
	}
	ds, err := ProfileDistances(s, "Site")
	if err != nil {
		t.Fatalf("ProfileDistances: %v", err)
	}
	if len(ds) != 2 || ds[0].Category != "A" {
		t.Fatalf("unexpected categories %+v", ds)
	}
	if !reflect.DeepEqual(ds[0].Within, []float64{5}) || !reflect.DeepEqual(ds[0].Across, []float64{5}) {
		t.Errorf("unexpected distances %+v", ds[0])
	}
	if !math.IsNaN(ds[1].WithinMean()) {
		t.Errorf("expected NaN mean for a single spot, got %g", ds[1].WithinMean())
	}

	f := DistanceFrame(ds)
	if f.Len() != 2 || f.Get(0, "within_mean") != "5" || f.Get(1, "within_n") != "0" {
		t.Errorf("unexpected distance frame rows %v / %v", f.Row(0), f.Row(1))
	}

	if _, err := ProfileDistances(s, "organ"); err == nil {
		t.Error("expected error for unknown site column")
	}
}

func TestRenderer(t *testing.T) {
	pvals, fracs := testReports()
	s, err := Summarize(pvals, fracs, Options{Alpha: 0.05})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	cm, err := cache.NewManager(cache.Config{ImageCacheSizeMB: 8})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer cm.Close()

	r, err := NewRenderer(RenderConfig{CellSize: 10}, cm)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	data, err := r.Render(s)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 30 || b.Dy() != 40 {
		t.Fatalf("expected 30x40 image, got %v", b)
	}
	// Masked cells use the lowest colour of the map: white.
	if cr, cg, cb, _ := img.At(15, 5).RGBA(); cr>>8 != 255 || cg>>8 != 255 || cb>>8 != 255 {
		t.Errorf("expected white for a masked cell, got %d %d %d", cr>>8, cg>>8, cb>>8)
	}

	key := r.cacheKey(s)
	cached, ok := cm.GetImage(key)
	if !ok || !bytes.Equal(cached, data) {
		t.Fatal("expected rendered image in cache")
	}
	again, err := r.Render(s)
	if err != nil || !bytes.Equal(again, data) {
		t.Fatalf("expected cached render, err=%v", err)
	}

	labelled, err := NewRenderer(RenderConfig{CellSize: 10, Labels: true}, nil)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	if _, err := labelled.Render(s); err != nil {
		t.Fatalf("Render with labels: %v", err)
	}

	if _, err := NewRenderer(RenderConfig{Colormap: "rainbow"}, nil); err == nil {
		t.Error("expected error for unknown colormap")
	}
	if _, err := labelled.Render(&Summary{}); err == nil {
		t.Error("expected error for empty summary")
	}
}
