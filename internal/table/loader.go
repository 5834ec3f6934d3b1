package table

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// FrameCache stores parsed frames between pipeline stages.
type FrameCache interface {
	GetFrame(key string) (*Frame, bool)
	SetFrame(key string, f *Frame)
	InvalidateFrame(key string)
}

// Loader reads and writes tables, keeping parsed frames in an optional cache so a
// stage reading the previous stage's output does not parse it again.
type Loader struct {
	cache FrameCache
}

// NewLoader creates a loader. cache may be nil.
func NewLoader(cache FrameCache) *Loader {
	return &Loader{cache: cache}
}

// Load reads a table. The returned frame is owned by the caller.
func (l *Loader) Load(path string, opts ReadOptions) (*Frame, error) {
	key, err := cacheKey(path, opts)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		if f, ok := l.cache.GetFrame(key); ok {
			return f.Clone(), nil
		}
	}

	f, err := ReadFile(path, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("[table] loaded %s: %d rows, %d columns", path, f.Len(), len(f.columns))

	if l.cache != nil {
		l.cache.SetFrame(key, f.Clone())
	}
	return f, nil
}

// Save writes a table and primes the cache with it.
func (l *Loader) Save(path string, f *Frame) error {
	if l.cache != nil {
		if key, err := cacheKey(path, ReadOptions{}); err == nil {
			l.cache.InvalidateFrame(key)
		}
	}
	if err := WriteFile(path, f); err != nil {
		return err
	}
	log.Printf("[table] wrote %s: %d rows, %d columns", path, f.Len(), len(f.columns))

	if l.cache != nil {
		key, err := cacheKey(path, ReadOptions{})
		if err != nil {
			return err
		}
		l.cache.SetFrame(key, f.Clone())
	}
	return nil
}

// cacheKey identifies a file version: absolute path, size and modification time.
func cacheKey(path string, opts ReadOptions) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%d|%d|%d", abs, opts.IndexColumn, st.Size(), st.ModTime().UnixNano()), nil
}
