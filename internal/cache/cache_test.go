package cache

import (
	"testing"
	"time"

	"github.com/soma-tiles/tma/internal/table"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(Config{
		ImageCacheSizeMB: 8,
		ImageTTL:         time.Minute,
		FrameCacheSize:   2,
	})
	if err != nil {
		t.Fatalf("failed to create cache manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestImageKey(t *testing.T) {
	t.Run("stable", func(t *testing.T) {
		if ImageKey("heatmap", "a", "b") != ImageKey("heatmap", "a", "b") {
			t.Fatal("expected stable key for identical parts")
		}
	})

	t.Run("partBoundaries", func(t *testing.T) {
		if ImageKey("heatmap", "ab", "c") == ImageKey("heatmap", "a", "bc") {
			t.Fatal("expected part boundaries to change the key")
		}
	})

	t.Run("kindPrefix", func(t *testing.T) {
		key := ImageKey("heatmap", "x")
		if key[:8] != "heatmap:" {
			t.Fatalf("expected kind prefix, got %q", key)
		}
	})
}

func TestImageRoundTrip(t *testing.T) {
	m := newTestManager(t)

	if _, ok := m.GetImage("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
	if err := m.SetImage("k", []byte("png")); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	got, ok := m.GetImage("k")
	if !ok || string(got) != "png" {
		t.Fatalf("unexpected image cache entry: %q ok=%v", got, ok)
	}
}

func TestFrameCacheEvictsOldest(t *testing.T) {
	m := newTestManager(t)

	for _, key := range []string{"a", "b", "c"} {
		m.SetFrame(key, table.NewFrame("cell", []string{"x"}))
	}
	if _, ok := m.GetFrame("a"); ok {
		t.Error("expected oldest frame to be evicted")
	}
	if _, ok := m.GetFrame("c"); !ok {
		t.Error("expected newest frame to be cached")
	}

	m.InvalidateFrame("c")
	if _, ok := m.GetFrame("c"); ok {
		t.Error("expected invalidated frame to be gone")
	}
}
