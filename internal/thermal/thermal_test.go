package thermal

import (
	"image"
	"image/color"
	"testing"
)

func dominant(c color.RGBA) string {
	switch {
	case c.B > c.R && c.B > c.G:
		return "blue"
	case c.G > c.R && c.G > c.B:
		return "green"
	case c.R > c.G && c.R > c.B:
		return "red"
	}
	return "mixed"
}

func TestColormapRunsColdToHot(t *testing.T) {
	r := NewRenderer()

	tests := []struct {
		v    uint8
		want string
	}{
		{0, "blue"},
		{128, "green"},
		{255, "red"},
	}
	for _, tt := range tests {
		if got := dominant(r.Color(tt.v)); got != tt.want {
			t.Errorf("Color(%d) = %v, want %s dominant", tt.v, r.Color(tt.v), tt.want)
		}
	}
}

func TestRenderStretchesRange(t *testing.T) {
	r := NewRenderer()

	img := image.NewGray(image.Rect(10, 10, 14, 12))
	for x := 10; x < 14; x++ {
		img.SetGray(x, 10, color.Gray{Y: 100})
		img.SetGray(x, 11, color.Gray{Y: 150})
	}

	out := r.Render(img)
	if out.Bounds() != image.Rect(0, 0, 4, 2) {
		t.Fatalf("Render() bounds = %v", out.Bounds())
	}
	if got := out.RGBAAt(0, 0); got != r.Color(0) {
		t.Errorf("darkest pixel = %v, want %v", got, r.Color(0))
	}
	if got := out.RGBAAt(3, 1); got != r.Color(255) {
		t.Errorf("brightest pixel = %v, want %v", got, r.Color(255))
	}
}

func TestRenderFlatImage(t *testing.T) {
	r := NewRenderer()

	img := image.NewUniform(color.Gray{Y: 77})
	src := image.NewRGBA(image.Rect(0, 0, 3, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			src.Set(x, y, img.C)
		}
	}

	out := r.Render(src)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			if got := out.RGBAAt(x, y); got != r.Color(0) {
				t.Fatalf("pixel (%d,%d) = %v, want coldest color", x, y, got)
			}
		}
	}
}
