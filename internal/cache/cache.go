// Package cache provides caching for rendered images and parsed tables.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soma-tiles/tma/internal/table"
)

// Config contains cache configuration.
type Config struct {
	ImageCacheSizeMB int
	ImageTTL         time.Duration
	FrameCacheSize   int
}

// Manager manages the image and frame caches.
type Manager struct {
	imageCache *bigcache.BigCache
	frameCache *lru.Cache[string, *table.Frame]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ImageTTL <= 0 {
		cfg.ImageTTL = 10 * time.Minute
	}
	if cfg.FrameCacheSize <= 0 {
		cfg.FrameCacheSize = 16
	}

	imageCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ImageTTL,
		CleanWindow:        cfg.ImageTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       512 * 1024, // heatmaps are larger than map tiles
		HardMaxCacheSize:   cfg.ImageCacheSizeMB,
		Verbose:            false,
	}

	imageCache, err := bigcache.New(context.Background(), imageCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	frameCache, err := lru.New[string, *table.Frame](cfg.FrameCacheSize)
	if err != nil {
		imageCache.Close()
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	return &Manager{
		imageCache: imageCache,
		frameCache: frameCache,
	}, nil
}

// GetImage retrieves a rendered image from cache.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.imageCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetImage stores a rendered image in cache.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.imageCache.Set(key, data)
}

// GetFrame retrieves a parsed table.
func (m *Manager) GetFrame(key string) (*table.Frame, bool) {
	return m.frameCache.Get(key)
}

// SetFrame stores a parsed table.
func (m *Manager) SetFrame(key string, f *table.Frame) {
	m.frameCache.Add(key, f)
}

// InvalidateFrame drops a parsed table, e.g. after its file was rewritten.
func (m *Manager) InvalidateFrame(key string) {
	m.frameCache.Remove(key)
}

// ImageKey generates a cache key for a rendered image from its content parts.
func ImageKey(kind string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))[:24]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"image_cache_len": m.imageCache.Len(),
		"image_cache_cap": m.imageCache.Capacity(),
		"frame_cache_len": m.frameCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.frameCache.Purge()
	return m.imageCache.Close()
}
