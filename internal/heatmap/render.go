package heatmap

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"log"
	"strconv"
	"sync"

	"github.com/fogleman/gg"

	"github.com/soma-tiles/tma/internal/cache"
	"github.com/soma-tiles/tma/pkg/colormap"
)

// RenderConfig contains renderer configuration.
type RenderConfig struct {
	// CellSize is the edge length of one heatmap cell in pixels.
	CellSize int
	Colormap string
	// Labels draws row and column labels.
	Labels bool
}

const (
	charWidth = 7
	labelPad  = 6
)

// Renderer draws summaries as PNG heatmaps.
type Renderer struct {
	config     RenderConfig
	cmap       colormap.Colormap
	cache      *cache.Manager
	bufferPool sync.Pool
}

// NewRenderer creates a renderer. imageCache may be nil.
func NewRenderer(cfg RenderConfig, imageCache *cache.Manager) (*Renderer, error) {
	if cfg.CellSize <= 0 {
		cfg.CellSize = 18
	}
	if cfg.Colormap == "" {
		cfg.Colormap = "enrichment"
	}
	cmap, err := colormap.ByName(cfg.Colormap)
	if err != nil {
		return nil, err
	}
	return &Renderer{
		config: cfg,
		cmap:   cmap,
		cache:  imageCache,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}, nil
}

// Render draws one row per (spot, category) and one column per cluster, coloured by
// the masked fraction. Identical summaries are served from the image cache.
func (r *Renderer) Render(s *Summary) ([]byte, error) {
	key := r.cacheKey(s)
	if r.cache != nil {
		if data, ok := r.cache.GetImage(key); ok {
			return data, nil
		}
	}

	if len(s.Rows) == 0 || len(s.Clusters) == 0 {
		return nil, fmt.Errorf("heatmap: nothing to render (%d rows, %d clusters)", len(s.Rows), len(s.Clusters))
	}

	cell := float64(r.config.CellSize)
	left, top := 0.0, 0.0
	if r.config.Labels {
		left = float64(maxLen(s.Rows, func(row Row) string { return row.Key() })*charWidth + 2*labelPad)
		top = float64(maxLen(s.Clusters, func(c string) string { return c })*charWidth + 2*labelPad)
	}
	width := int(left + cell*float64(len(s.Clusters)))
	height := int(top + cell*float64(len(s.Rows)))

	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.Clear()

	for i, row := range s.Rows {
		y := top + float64(i)*cell
		for j, v := range row.Values {
			dc.SetColor(r.cmap.At(v))
			dc.DrawRectangle(left+float64(j)*cell, y, cell, cell)
			dc.Fill()
		}
	}

	// Separate spots with a rule.
	dc.SetColor(color.Gray{Y: 160})
	dc.SetLineWidth(1)
	for i := 1; i < len(s.Rows); i++ {
		if s.Rows[i].Spot != s.Rows[i-1].Spot {
			y := top + float64(i)*cell
			dc.DrawLine(left, y, float64(width), y)
			dc.Stroke()
		}
	}

	if r.config.Labels {
		dc.SetColor(color.Black)
		for i, row := range s.Rows {
			dc.DrawStringAnchored(row.Key(), left-labelPad, top+(float64(i)+0.5)*cell, 1, 0.5)
		}
		for j, c := range s.Clusters {
			x := left + (float64(j)+0.5)*cell
			dc.Push()
			dc.RotateAbout(gg.Radians(-90), x, top-labelPad)
			dc.DrawStringAnchored(c, x, top-labelPad, 0, 0.5)
			dc.Pop()
		}
	}

	data, err := r.encode(dc)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.SetImage(key, data); err != nil {
			log.Printf("[heatmap] failed to cache image: %v", err)
		}
	}
	return data, nil
}

func (r *Renderer) cacheKey(s *Summary) string {
	parts := make([]string, 0, 3+len(s.Clusters)+len(s.Rows)*(1+len(s.Clusters)))
	parts = append(parts, r.config.Colormap, strconv.Itoa(r.config.CellSize), strconv.FormatBool(r.config.Labels))
	parts = append(parts, s.Clusters...)
	for _, row := range s.Rows {
		parts = append(parts, row.Key())
		for _, v := range row.Values {
			parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	return cache.ImageKey("heatmap", parts...)
}

func (r *Renderer) encode(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func maxLen[T any](items []T, label func(T) string) int {
	n := 0
	for _, it := range items {
		if l := len(label(it)); l > n {
			n = l
		}
	}
	return n
}
