package neighborhood

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/soma-tiles/tma/internal/table"
)

var nan = math.NaN()

func cell(id, cluster string, neighbors ...float64) Cell {
	return Cell{ID: id, Spot: SpotPrefix(id), Cluster: cluster, Neighbors: neighbors}
}

func seed(v int64) *int64 { return &v }

// enrichedSpot has three A cells whose only neighbors are the three B cells.
func enrichedSpot() []Cell {
	return []Cell{
		cell("P1_5_1", "A", 4, 0),
		cell("P1_5_2", "A", 5, nan),
		cell("P1_5_3", "A", 6, 0),
		cell("P1_5_4", "B", 0, 0),
		cell("P1_5_5", "B", nan, nan),
		cell("P1_5_6", "B", 0, nan),
	}
}

func TestNeighborIDs(t *testing.T) {
	cells := []Cell{
		cell("TMA1_3_1", "A", 10, 2, 0),
		cell("TMA1_3_2", "A", 9, nan, 2),
		cell("TMA1_3_9", "A", 1, 0, 0),
	}

	t.Run("flattensDropsSentinelsAndSorts", func(t *testing.T) {
		got := NeighborIDs(cells, false)
		want := []string{"TMA1_3_1", "TMA1_3_2", "TMA1_3_9", "TMA1_3_10"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("NeighborIDs = %v, want %v", got, want)
		}
	})

	t.Run("excludeSelf", func(t *testing.T) {
		got := NeighborIDs(cells, true)
		want := []string{"TMA1_3_10"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("NeighborIDs(excludeSelf) = %v, want %v", got, want)
		}
		self := map[string]bool{}
		for _, c := range cells {
			self[c.ID] = true
		}
		for _, id := range got {
			if self[id] {
				t.Errorf("self-excluded set contains member %s", id)
			}
		}
	})

	t.Run("noNeighbors", func(t *testing.T) {
		got := NeighborIDs([]Cell{cell("TMA1_3_1", "A", 0, nan)}, false)
		if len(got) != 0 {
			t.Fatalf("expected empty neighbor set, got %v", got)
		}
		if NeighborIDs(nil, true) != nil {
			t.Fatal("expected nil for no cells")
		}
	})

	t.Run("deduplicatesBeforeTruncating", func(t *testing.T) {
		got := NeighborIDs([]Cell{
			cell("TMA1_3_1", "A", 7.4, 7.0, 2),
			cell("TMA1_3_2", "A", 7.0, 7.4),
		}, false)
		want := []string{"TMA1_3_2", "TMA1_3_7", "TMA1_3_7"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("NeighborIDs = %v, want %v", got, want)
		}
	})
}

func TestSpotPrefix(t *testing.T) {
	tests := map[string]string{
		"TMA1_5_12": "TMA1_5",
		"P1_5_1":    "P1_5",
		"nounder":   "nounder",
	}
	for in, want := range tests {
		if got := SpotPrefix(in); got != want {
			t.Errorf("SpotPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFractions(t *testing.T) {
	labels := map[string]string{"s_1": "B", "s_2": "A", "s_3": "B", "s_4": "C"}

	t.Run("sumsToOneAndSorted", func(t *testing.T) {
		d, unmatched, err := Fractions([]string{"s_1", "s_2", "s_3", "s_4", "s_99"}, labels)
		if err != nil {
			t.Fatalf("Fractions: %v", err)
		}
		if unmatched != 1 {
			t.Errorf("expected 1 unmatched ID, got %d", unmatched)
		}
		if !reflect.DeepEqual(d.Categories, []string{"A", "B", "C"}) {
			t.Fatalf("unexpected categories %v", d.Categories)
		}
		sum := 0.0
		for _, v := range d.Values {
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("fractions sum to %g", sum)
		}
		if v, _ := d.Get("B"); v != 0.5 {
			t.Errorf("expected B=0.5, got %g", v)
		}
	})

	t.Run("unlabeledNeighborsAreNotUnmatched", func(t *testing.T) {
		d, unmatched, err := Fractions([]string{"s_1", "s_5"}, map[string]string{"s_1": "B", "s_5": ""})
		if err != nil || unmatched != 0 {
			t.Fatalf("Fractions: %v, %d unmatched", err, unmatched)
		}
		if !reflect.DeepEqual(d.Categories, []string{"B"}) || d.Values[0] != 1 {
			t.Fatalf("unexpected distribution %+v", d)
		}
	})

	t.Run("emptyNeighborSet", func(t *testing.T) {
		d, unmatched, err := Fractions([]string{"x_1", "x_2"}, labels)
		if !errors.Is(err, ErrEmptyNeighborSet) {
			t.Fatalf("expected ErrEmptyNeighborSet, got %v", err)
		}
		if d.Len() != 0 || unmatched != 2 {
			t.Fatalf("expected empty distribution and 2 unmatched, got %v / %d", d, unmatched)
		}
	})
}

func TestPermute_EnrichedScenario(t *testing.T) {
	spot := enrichedSpot()
	res, err := Permute(context.Background(), spot[:3], spot, Options{Permutations: 1000, Seed: seed(7)})
	if err != nil {
		t.Fatalf("Permute: %v", err)
	}
	if !reflect.DeepEqual(res.Observed.Categories, []string{"B"}) || res.Observed.Values[0] != 1 {
		t.Fatalf("unexpected observed distribution %+v", res.Observed)
	}
	// All three neighbors are B only when the shuffle puts the B labels exactly on
	// them: 1 in C(6,3) = 20 trials.
	p := res.PValues[0]
	if p < 0 || p > 0.15 {
		t.Fatalf("expected an enrichment p-value near 0.05, got %g", p)
	}

	again, err := Permute(context.Background(), spot[:3], spot, Options{Permutations: 1000, Seed: seed(7)})
	if err != nil {
		t.Fatalf("Permute: %v", err)
	}
	if again.PValues[0] != p {
		t.Fatalf("expected reproducible p-value, got %g then %g", p, again.PValues[0])
	}
}

func TestPermute_SingleTrialIsBinary(t *testing.T) {
	spot := enrichedSpot()
	for s := int64(0); s < 20; s++ {
		res, err := Permute(context.Background(), spot[:3], spot, Options{Permutations: 1, Seed: seed(s)})
		if err != nil {
			t.Fatalf("Permute: %v", err)
		}
		for _, p := range res.PValues {
			if p != 0 && p != 1 {
				t.Fatalf("seed %d: expected p in {0,1} for one trial, got %g", s, p)
			}
		}
	}
}

func TestPermute_TiesCountTowardsPValue(t *testing.T) {
	// Every cell is A, so every permutation reproduces the observed fractions exactly.
	spot := []Cell{
		cell("P1_1_1", "A", 2),
		cell("P1_1_2", "A", 1),
		cell("P1_1_3", "A", 1),
	}
	res, err := Permute(context.Background(), spot, spot, Options{Permutations: 50, Seed: seed(1)})
	if err != nil {
		t.Fatalf("Permute: %v", err)
	}
	if res.PValues[0] != 1 {
		t.Fatalf("expected ties to count, p = %g", res.PValues[0])
	}
}

func TestPermute_EmptyAndCancelled(t *testing.T) {
	spot := enrichedSpot()

	res, err := Permute(context.Background(), spot[3:], spot, Options{Seed: seed(1)})
	if err != nil {
		t.Fatalf("Permute: %v", err)
	}
	if !res.Empty() || len(res.PValues) != 0 {
		t.Fatalf("expected empty result for cluster without neighbors, got %+v", res)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Permute(ctx, spot[:3], spot, Options{Seed: seed(1)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	_, err = Permute(context.Background(), spot[:3], spot, Options{Permutations: -1})
	if err == nil || !strings.Contains(err.Error(), "must not be negative") {
		t.Fatalf("expected negative permutations to be rejected, got %v", err)
	}
	res, err = Permute(context.Background(), spot[:3], spot, Options{Permutations: 0, Seed: seed(1)})
	if err != nil || res.Trials != DefaultPermutations {
		t.Fatalf("expected zero permutations to mean the default, got %+v %v", res, err)
	}
}

func TestPermute_UnlabeledCellsStayInShuffle(t *testing.T) {
	// The A cell's neighbors are one B cell and one unlabeled cell. The observed B
	// fraction (1) is matched only when the shuffle leaves A on the A cell itself.
	spot := []Cell{
		cell("P1_2_1", "A", 2, 3),
		cell("P1_2_2", "B"),
		cell("P1_2_3", ""),
	}
	res, err := Permute(context.Background(), spot[:1], spot, Options{Permutations: 3000, Seed: seed(5)})
	if err != nil {
		t.Fatalf("Permute: %v", err)
	}
	if !reflect.DeepEqual(res.Observed.Categories, []string{"B"}) || res.Observed.Values[0] != 1 {
		t.Fatalf("unexpected observed distribution %+v", res.Observed)
	}
	if res.Matched != 2 || res.Unmatched != 0 {
		t.Fatalf("expected both neighbors matched, got %d matched / %d unmatched", res.Matched, res.Unmatched)
	}
	if p := res.PValues[0]; math.Abs(p-1.0/3) > 0.05 {
		t.Fatalf("expected p-value near 1/3, got %g", p)
	}

	all, err := Analyze(context.Background(), spot, Options{Permutations: 20, Seed: seed(5)})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !reflect.DeepEqual(all.PValues.Clusters, []string{"A", "B"}) {
		t.Fatalf("expected no column for unlabeled cells, got %v", all.PValues.Clusters)
	}
	for _, row := range all.PValues.Rows {
		if row.Category == "" {
			t.Fatalf("expected no row for unlabeled cells, got %+v", all.PValues.Rows)
		}
	}
	if p := AcrossSpots(spot, ""); len(p.Spots) != 0 {
		t.Fatalf("expected no profile for the empty label, got %+v", p)
	}
}

func TestAnalyze_SingleSpot(t *testing.T) {
	res, err := Analyze(context.Background(), enrichedSpot(), Options{Permutations: 200, Seed: seed(3)})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !reflect.DeepEqual(res.PValues.Clusters, []string{"A", "B"}) {
		t.Fatalf("unexpected clusters %v", res.PValues.Clusters)
	}
	if len(res.PValues.Rows) != 1 || res.PValues.Rows[0].Category != "B" {
		t.Fatalf("expected a single neighbor category row, got %+v", res.PValues.Rows)
	}
	// Cluster B has no recorded neighbors: its column is neutral.
	if v, _ := res.PValues.Value("P1_5", "B", "B"); v != FillPValue {
		t.Errorf("expected p-value fill for empty cluster, got %g", v)
	}
	if v, _ := res.Fractions.Value("P1_5", "B", "B"); v != FillFraction {
		t.Errorf("expected fraction fill for empty cluster, got %g", v)
	}
	if v, _ := res.Fractions.Value("P1_5", "B", "A"); v != 1 {
		t.Errorf("expected A's B fraction to be 1, got %g", v)
	}
	if res.Diagnostics.EmptyNeighborSets != 1 || res.Diagnostics.Clusters != 2 || res.Diagnostics.Spots != 1 {
		t.Errorf("unexpected diagnostics %+v", res.Diagnostics)
	}
}

func TestAnalyze_NonOverlappingSpots(t *testing.T) {
	cells := append(enrichedSpot(),
		cell("P1_7_1", "C", 2),
		cell("P1_7_2", "D", 1),
	)
	res, err := Analyze(context.Background(), cells, Options{Permutations: 100, Seed: seed(11), Workers: 2})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if !reflect.DeepEqual(res.PValues.Clusters, []string{"A", "B", "C", "D"}) {
		t.Fatalf("expected the union of clusters, got %v", res.PValues.Clusters)
	}
	if !reflect.DeepEqual(res.PValues.Spots(), []string{"P1_5", "P1_7"}) {
		t.Fatalf("unexpected spots %v", res.PValues.Spots())
	}
	// Clusters absent from a spot are filled, never NaN.
	for _, rep := range []*Report{res.PValues, res.Fractions} {
		for _, row := range rep.Rows {
			for _, v := range row.Values {
				if math.IsNaN(v) || v < 0 || v > 1 {
					t.Fatalf("invalid value %g in row %+v", v, row)
				}
			}
		}
	}
	if v, _ := res.PValues.Value("P1_5", "B", "C"); v != FillPValue {
		t.Errorf("expected p-value fill for cluster C in spot P1_5, got %g", v)
	}
	if v, _ := res.Fractions.Value("P1_7", "D", "A"); v != FillFraction {
		t.Errorf("expected fraction fill for cluster A in spot P1_7, got %g", v)
	}
	if v, _ := res.Fractions.Value("P1_7", "D", "C"); v != 1 {
		t.Errorf("expected C's D fraction to be 1, got %g", v)
	}
}

func TestAnalyze_DeterministicAcrossWorkers(t *testing.T) {
	var cells []Cell
	for s, spot := range []string{"T1_1", "T1_2", "T1_3", "T2_1"} {
		for i := 1; i <= 30; i++ {
			cluster := []string{"Epi", "Stromal", "CD45_CD8"}[(i+s)%3]
			cells = append(cells, cell(spot+"_"+itoa(i), cluster, float64(i%30+1), float64((i+7)%30+1), 0))
		}
	}

	var progress []int
	opts := Options{Permutations: 300, Seed: seed(42), Workers: 1, Progress: func(done, total int) {
		progress = append(progress, done)
	}}
	serial, err := Analyze(context.Background(), cells, opts)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(progress) != 4 || progress[3] != 4 {
		t.Errorf("unexpected progress callbacks %v", progress)
	}

	opts.Workers = 4
	opts.Progress = nil
	parallel, err := Analyze(context.Background(), cells, opts)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !reflect.DeepEqual(serial.PValues, parallel.PValues) || !reflect.DeepEqual(serial.Fractions, parallel.Fractions) {
		t.Fatal("expected identical reports for a fixed seed regardless of worker count")
	}
}

func TestAnalyze_CategoryOrderInvariance(t *testing.T) {
	base := enrichedSpot()
	renamed := make([]Cell, len(base))
	for i, c := range base {
		c.Cluster = map[string]string{"A": "Z", "B": "Y"}[c.Cluster]
		renamed[i] = c
	}

	a, err := Permute(context.Background(), base[:3], base, Options{Permutations: 500, Seed: seed(5)})
	if err != nil {
		t.Fatalf("Permute: %v", err)
	}
	b, err := Permute(context.Background(), renamed[:3], renamed, Options{Permutations: 500, Seed: seed(5)})
	if err != nil {
		t.Fatalf("Permute: %v", err)
	}
	// Relabelling changes the seed stream, so compare with a tolerance.
	if math.Abs(a.PValues[0]-b.PValues[0]) > 0.05 {
		t.Fatalf("p-values should not depend on label names: %g vs %g", a.PValues[0], b.PValues[0])
	}
}

func TestAcrossSpots(t *testing.T) {
	cells := append(enrichedSpot(),
		cell("P1_7_1", "A", 2, 3),
		cell("P1_7_2", "A", 1),
		cell("P1_7_3", "C", 0),
		cell("P1_9_1", "C", 0),
	)
	p := AcrossSpots(cells, "A")

	if !reflect.DeepEqual(p.Spots, []string{"P1_5", "P1_7"}) {
		t.Fatalf("expected spots without A to be skipped, got %v", p.Spots)
	}
	if !reflect.DeepEqual(p.Categories, []string{"B", "C"}) {
		t.Fatalf("expected self-excluded categories, got %v", p.Categories)
	}
	if p.Values[1][1] != 1 || p.Values[1][0] != 0 {
		t.Fatalf("unexpected P1_7 profile %v", p.Values[1])
	}

	f := p.Frame("group_id")
	if f.Len() != 2 || f.IndexName != "group_id" {
		t.Fatalf("unexpected profile frame: %d rows, index %q", f.Len(), f.IndexName)
	}
}

func TestCellsFromFrame(t *testing.T) {
	csv := `CellId,group_id,cluster,Area,neighbour_1,neighbour_2
P1_5_1,P1_5,A,20,4,0
P1_5_4,P1_5,B,21,,
P1_5_8,P1_5,,19,1,
`
	f, err := table.ReadCSV(strings.NewReader(csv), table.ReadOptions{})
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}

	t.Run("defaultSchema", func(t *testing.T) {
		cells, err := CellsFromFrame(f, DefaultSchema())
		if err != nil {
			t.Fatalf("CellsFromFrame: %v", err)
		}
		if len(cells) != 3 || cells[2].Cluster != "" || cells[2].Spot != "P1_5" {
			t.Fatalf("expected the unlabelled cell to be kept, got %+v", cells)
		}
		if len(cells[0].Neighbors) != 2 || cells[0].Neighbors[0] != 4 || !math.IsNaN(cells[1].Neighbors[0]) {
			t.Fatalf("unexpected neighbor slots %v / %v", cells[0].Neighbors, cells[1].Neighbors)
		}
	})

	t.Run("missingColumns", func(t *testing.T) {
		s := DefaultSchema()
		s.SpotColumn = "spot"
		s.NeighborColumns = []string{"neighbour_1", "neighbour_9"}
		_, err := CellsFromFrame(f, s)
		if !errors.Is(err, ErrSchemaMismatch) {
			t.Fatalf("expected ErrSchemaMismatch, got %v", err)
		}
		var se *SchemaError
		if !errors.As(err, &se) || !reflect.DeepEqual(se.Missing, []string{"spot", "neighbour_9"}) {
			t.Fatalf("unexpected schema error %v", err)
		}
	})

	t.Run("noNeighborColumns", func(t *testing.T) {
		s := DefaultSchema()
		s.NeighborPrefix = "adjacent"
		if _, err := CellsFromFrame(f, s); !errors.Is(err, ErrSchemaMismatch) {
			t.Fatalf("expected ErrSchemaMismatch, got %v", err)
		}
	})
}

func TestReportFrameRoundTrip(t *testing.T) {
	res, err := Analyze(context.Background(), enrichedSpot(), Options{Permutations: 50, Seed: seed(9)})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	f := res.PValues.Frame("group_id")
	if f.IndexName != CategoryIndex || !f.HasColumn("group_id") {
		t.Fatalf("unexpected frame layout %q %v", f.IndexName, f.Columns())
	}
	back, err := ReportFromFrame(f, "group_id", FillPValue)
	if err != nil {
		t.Fatalf("ReportFromFrame: %v", err)
	}
	if !reflect.DeepEqual(back, res.PValues) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", back, res.PValues)
	}
}

func BenchmarkPermute(b *testing.B) {
	var spot []Cell
	for i := 1; i <= 2000; i++ {
		cluster := []string{"Epi", "Stromal", "CD45_CD4", "CD45_CD8", "Others"}[i%5]
		spot = append(spot, cell("T1_1_"+itoa(i), cluster, float64((i*7)%2000+1), float64((i*13)%2000+1), 0))
	}
	var target []Cell
	for _, c := range spot {
		if c.Cluster == "Epi" {
			target = append(target, c)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Permute(context.Background(), target, spot, Options{Seed: seed(0)}); err != nil {
			b.Fatal(err)
		}
	}
}

func itoa(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return digits[i : i+1]
	}
	return itoa(i/10) + digits[i%10:i%10+1]
}
