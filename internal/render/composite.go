package render

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"

	"weight-atlas/internal/frames"
	"weight-atlas/internal/grid"
	"weight-atlas/internal/scene"
)

// Options configures a Renderer.
type Options struct {
	Width        int
	Height       int
	ShowOutlines bool
	ShowLabels   bool
	LabelSize    float64 // points
}

// DefaultOptions renders 1280x720 with outlines and labels.
func DefaultOptions() Options {
	return Options{Width: 1280, Height: 720, ShowOutlines: true, ShowLabels: true, LabelSize: 12}
}

// Input is one draw request.
type Input struct {
	View     grid.Rect // world window mapped onto the image
	Snapshot *scene.Snapshot
	PrevMix  float64 // weight of the previous frame, 0 shows only the active one
	Colormap Colormap
	Layers   []*grid.SpatialLayer // outlined and labelled
	Cells    []grid.Rect          // optional culling overlay
}

var (
	outlineColor = color.RGBA{255, 255, 255, 90}
	cellColor    = color.RGBA{255, 200, 0, 255}
	labelBack    = color.RGBA{0, 0, 0, 140}
)

// Renderer draws scene snapshots. It is safe for concurrent use.
type Renderer struct {
	opts Options

	mu   sync.Mutex // font faces are not safe for concurrent use
	face font.Face  // nil when the font could not be loaded
	pool *Pool      // nil renders the heatmap on the calling goroutine
}

// NewRenderer creates a renderer and loads the label font.
func NewRenderer(opts Options) *Renderer {
	if opts.Width <= 0 || opts.Height <= 0 {
		d := DefaultOptions()
		opts.Width, opts.Height = d.Width, d.Height
	}
	if opts.LabelSize <= 0 {
		opts.LabelSize = 12
	}

	r := &Renderer{opts: opts}
	if opts.ShowLabels {
		r.face = loadFace(opts.LabelSize)
	}
	return r
}

func loadFace(size float64) font.Face {
	parsed, err := opentype.Parse(goregular.TTF)
	if err != nil {
		log.Printf("⚠️ Failed to parse label font: %v", err)
		return nil
	}
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		log.Printf("⚠️ Failed to create label font face: %v", err)
		return nil
	}
	return face
}

// UsePool spreads heatmap rows over p. Call before the renderer is shared.
func (r *Renderer) UsePool(p *Pool) { r.pool = p }

// Options returns the renderer options.
func (r *Renderer) Options() Options { return r.opts }

// Render draws in.Snapshot into a new image.
func (r *Renderer) Render(in Input) *image.RGBA {
	ras := NewRaster(r.opts.Width, r.opts.Height, nil)
	cm := in.Colormap
	if cm.Limit == 0 {
		cm = NewColormap(1)
	}
	ras.Clear(cm.Background)

	if in.View.Empty() {
		return ras.Image()
	}
	if in.Snapshot != nil {
		r.heatmap(ras, in, cm)
	}
	for _, c := range in.Cells {
		x, y, w, h := r.toScreen(in.View, c)
		ras.DrawRectOutline(x, y, w, h, cellColor)
	}
	if r.opts.ShowOutlines || r.opts.ShowLabels {
		r.overlay(ras, in)
	}
	return ras.Image()
}

func (r *Renderer) heatmap(ras *Raster, in Input, cm Colormap) {
	a, p := in.Snapshot.Active(), in.Snapshot.Previous()
	if a == nil {
		return
	}
	remap := in.Snapshot.Remap()
	mix := math.Max(0, math.Min(1, in.PrevMix))
	if p == nil {
		mix = 0
	}

	sx := in.View.Width() / float64(r.opts.Width)
	sy := in.View.Height() / float64(r.opts.Height)

	r.pool.Rows(r.opts.Height, func(y0, y1 int) {
		for py := y0; py < y1; py++ {
			wy := in.View.Y1 + (float64(py)+0.5)*sy
			for px := 0; px < r.opts.Width; px++ {
				wx := in.View.X1 + (float64(px)+0.5)*sx

				fc, fr := a.Region.WorldToLocal(wx, wy)
				cv, cok := a.At(sample(fc), sample(fr))

				var pv float32
				pok := false
				if mix > 0 {
					pc, pr := remap.Apply(fc, fr)
					pv, pok = p.At(sample(pc), sample(pr))
				}

				switch {
				case cok && pok:
					ras.SetPixel(px, py, lerp(cm.Map(cv), cm.Map(pv), mix))
				case cok:
					ras.SetPixel(px, py, cm.Map(cv))
				case pok:
					ras.SetPixel(px, py, cm.Map(pv))
				}
			}
		}
	})
}

func sample(v float64) int {
	return int(math.Floor(v + 1e-9))
}

// overlay draws layer outlines and names with gg.
func (r *Renderer) overlay(ras *Raster, in Input) {
	dc := gg.NewContextForRGBA(ras.Image())
	dc.SetLineWidth(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.face != nil {
		dc.SetFontFace(r.face)
	}

	for _, l := range in.Layers {
		x, y, w, h := r.toScreen(in.View, l.Bounds())
		if w < 2 || h < 2 {
			continue
		}
		if r.opts.ShowOutlines {
			dc.SetColor(outlineColor)
			dc.DrawRectangle(float64(x)+0.5, float64(y)+0.5, float64(w-1), float64(h-1))
			dc.Stroke()
		}
		if r.opts.ShowLabels && r.face != nil {
			tw, th := dc.MeasureString(l.Name)
			if tw+8 > float64(w) || th+6 > float64(h) {
				continue
			}
			lx, ly := max(x, 0), max(y, 0)
			ras.DrawFilledRectBlend(lx, ly, int(tw)+8, int(th)+6, labelBack)
			dc.SetColor(color.White)
			dc.DrawStringAnchored(l.Name, float64(lx)+4, float64(ly)+3, 0, 1)
		}
	}
}

// toScreen maps a world rectangle onto pixel coordinates of the image.
func (r *Renderer) toScreen(view, world grid.Rect) (x, y, w, h int) {
	sx := float64(r.opts.Width) / view.Width()
	sy := float64(r.opts.Height) / view.Height()
	x1 := math.Floor((world.X1 - view.X1) * sx)
	y1 := math.Floor((world.Y1 - view.Y1) * sy)
	x2 := math.Ceil((world.X2 - view.X1) * sx)
	y2 := math.Ceil((world.Y2 - view.Y1) * sy)

	// keep huge zoomed-in rectangles within int range
	const limit = 1 << 24
	clamp := func(v float64) int { return int(math.Max(-limit, math.Min(limit, v))) }
	return clamp(x1), clamp(y1), clamp(x2) - clamp(x1), clamp(y2) - clamp(y1)
}

// EncodePNG writes img as a PNG tuned for speed over size.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

// FrameImage renders a single frame at its native resolution, one pixel per
// sample. Useful for debugging extraction.
func FrameImage(f *frames.Frame, cm Colormap) *image.RGBA {
	ras := NewRaster(max(f.Cols, 1), max(f.Rows, 1), nil)
	ras.Clear(cm.Background)
	for row := 0; row < f.Rows; row++ {
		for col := 0; col < f.Cols; col++ {
			if v, ok := f.At(col, row); ok {
				ras.SetPixel(col, row, cm.Map(v))
			}
		}
	}
	return ras.Image()
}
