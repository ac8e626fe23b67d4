package render

import (
	"image"
	"image/color"
)

// Raster writes straight into an RGBA pixel buffer. The heatmap touches every
// pixel, which is too slow through gg's path API.
type Raster struct {
	img    *image.RGBA
	width  int
	height int
}

// NewRaster creates a raster over img, or over a new image when img is nil.
func NewRaster(width, height int, img *image.RGBA) *Raster {
	if img == nil || img.Bounds().Dx() != width || img.Bounds().Dy() != height {
		img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	return &Raster{img: img, width: width, height: height}
}

// Image returns the underlying image.
func (r *Raster) Image() *image.RGBA { return r.img }

// Clear fills the buffer with c.
func (r *Raster) Clear(c color.RGBA) {
	pix := r.img.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
	}
}

// SetPixel writes one pixel; out-of-range coordinates are ignored.
func (r *Raster) SetPixel(x, y int, c color.RGBA) {
	if x < 0 || x >= r.width || y < 0 || y >= r.height {
		return
	}
	i := r.img.PixOffset(x, y)
	p := r.img.Pix
	p[i], p[i+1], p[i+2], p[i+3] = c.R, c.G, c.B, c.A
}

// FillSpan writes c to pixels [x1, x2) of row y.
func (r *Raster) FillSpan(x1, x2, y int, c color.RGBA) {
	if y < 0 || y >= r.height {
		return
	}
	x1, x2 = max(0, x1), min(r.width, x2)
	p := r.img.Pix
	for i := r.img.PixOffset(x1, y); x1 < x2; x1, i = x1+1, i+4 {
		p[i], p[i+1], p[i+2], p[i+3] = c.R, c.G, c.B, c.A
	}
}

// DrawFilledRect fills the clipped rectangle.
func (r *Raster) DrawFilledRect(x, y, w, h int, c color.RGBA) {
	for py := max(0, y); py < min(r.height, y+h); py++ {
		r.FillSpan(x, x+w, py, c)
	}
}

// DrawFilledRectBlend fills the clipped rectangle, blending by c.A.
func (r *Raster) DrawFilledRectBlend(x, y, w, h int, c color.RGBA) {
	if c.A == 255 {
		r.DrawFilledRect(x, y, w, h, c)
		return
	}
	if c.A == 0 {
		return
	}

	x1, y1 := max(0, x), max(0, y)
	x2, y2 := min(r.width, x+w), min(r.height, y+h)
	a := float64(c.A) / 255
	p := r.img.Pix
	for py := y1; py < y2; py++ {
		i := r.img.PixOffset(x1, py)
		for px := x1; px < x2; px, i = px+1, i+4 {
			p[i] = uint8(float64(c.R)*a + float64(p[i])*(1-a))
			p[i+1] = uint8(float64(c.G)*a + float64(p[i+1])*(1-a))
			p[i+2] = uint8(float64(c.B)*a + float64(p[i+2])*(1-a))
			p[i+3] = 255
		}
	}
}

// DrawRectOutline draws a one pixel border inside the rectangle.
func (r *Raster) DrawRectOutline(x, y, w, h int, c color.RGBA) {
	if w <= 0 || h <= 0 {
		return
	}
	r.FillSpan(x, x+w, y, c)
	r.FillSpan(x, x+w, y+h-1, c)
	for py := max(0, y); py < min(r.height, y+h); py++ {
		r.SetPixel(x, py, c)
		r.SetPixel(x+w-1, py, c)
	}
}
