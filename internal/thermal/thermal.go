// Package thermal renders a simulated thermal view of a visible-light frame.
package thermal

import (
	"image"
	"image/color"

	"gonum.org/v1/plot/palette"
)

// Renderer maps frame luminance onto a heat colormap
type Renderer struct {
	lut [256]color.RGBA
}

// NewRenderer builds a 256-entry jet-style lookup table running from blue
// through cyan, green and yellow to red
func NewRenderer() *Renderer {
	colors := palette.Rainbow(256, palette.Blue, palette.Red, 1, 1, 1).Colors()

	r := &Renderer{}
	for i := range r.lut {
		r.lut[i] = color.RGBAModel.Convert(colors[i]).(color.RGBA)
	}
	return r
}

// Color returns the colormap entry for an 8-bit intensity
func (r *Renderer) Color(v uint8) color.RGBA {
	return r.lut[v]
}

// Render converts img to grayscale, stretches the intensities to the full
// 0-255 range and applies the colormap. A flat image maps to the coldest
// color.
func (r *Renderer) Render(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := make([]uint8, w*h)

	lo, hi := uint8(255), uint8(0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			gray[y*w+x] = v
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	span := int(hi) - int(lo)
	for i, v := range gray {
		var n uint8
		if span > 0 {
			n = uint8((int(v) - int(lo)) * 255 / span)
		}
		c := r.lut[n]
		o := i * 4
		out.Pix[o] = c.R
		out.Pix[o+1] = c.G
		out.Pix[o+2] = c.B
		out.Pix[o+3] = c.A
	}
	return out
}
