// Package identity assigns persistent IDs to person detections across frames
// using appearance signatures.
package identity

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Spatial-NVR/watchpost/internal/detection"
)

const (
	// HueBins and SatBins define the HSV histogram layout
	HueBins = 16
	SatBins = 8

	// HistogramSize is the number of bins in a signature histogram
	HistogramSize = HueBins * SatBins

	patchWidth  = 64
	patchHeight = 128

	histogramWeight = 0.6
	aspectWeight    = 0.2
	heightWeight    = 0.2
)

// Signature is a compact appearance descriptor for re-identification
type Signature struct {
	Histogram []float64 `json:"-"`
	Height    float64   `json:"height"`
	Width     float64   `json:"width"`
	Aspect    float64   `json:"aspect"`
}

// NewSignature builds a signature from a histogram and box size. The
// histogram is normalized in place; ok is false when it is empty.
func NewSignature(hist []float64, width, height float64) (Signature, bool) {
	if len(hist) == 0 || width <= 0 || height <= 0 {
		return Signature{}, false
	}
	if !normalize(hist) {
		return Signature{}, false
	}
	return Signature{
		Histogram: hist,
		Height:    height,
		Width:     width,
		Aspect:    aspectRatio(height, width),
	}, true
}

func aspectRatio(height, width float64) float64 {
	if width == 0 {
		return 0
	}
	return height / width
}

// normalize scales hist to sum 1 and reports whether that was possible
func normalize(hist []float64) bool {
	sum := floats.Sum(hist)
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return false
	}
	floats.Scale(1/sum, hist)
	return true
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// ExtractSignature computes the appearance signature of the pixels inside box.
// It returns false when the clipped box is degenerate or no pixels could be
// read.
func ExtractSignature(img image.Image, box detection.Box) (Signature, bool) {
	if img == nil {
		return Signature{}, false
	}

	clipped := box.Clip(img.Bounds())
	if clipped.Empty() {
		return Signature{}, false
	}

	crop := cropImage(img, clipped.Rect())
	if crop == nil {
		return Signature{}, false
	}

	patch := resize.Resize(patchWidth, patchHeight, crop, resize.Bilinear)
	hist := colorHistogram(patch)

	return NewSignature(hist, float64(clipped.Width), float64(clipped.Height))
}

func cropImage(img image.Image, r image.Rectangle) image.Image {
	if si, ok := img.(subImager); ok {
		sub := si.SubImage(r)
		if sub.Bounds().Empty() {
			return nil
		}
		return sub
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// colorHistogram returns the raw hue/saturation histogram of img
func colorHistogram(img image.Image) []float64 {
	hist := make([]float64, HistogramSize)
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			h, s := hueSat(img.At(x, y))
			hb := int(h / 360 * HueBins)
			if hb >= HueBins {
				hb = HueBins - 1
			}
			sb := int(s * SatBins)
			if sb >= SatBins {
				sb = SatBins - 1
			}
			hist[hb*SatBins+sb]++
		}
	}
	return hist
}

// hueSat converts a color to HSV hue in [0,360) and saturation in [0,1]
func hueSat(c color.Color) (float64, float64) {
	r32, g32, b32, _ := c.RGBA()
	r := float64(r32) / 0xffff
	g := float64(g32) / 0xffff
	b := float64(b32) / 0xffff

	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	delta := maxC - minC

	if maxC == 0 || delta == 0 {
		return 0, 0
	}

	var h float64
	switch maxC {
	case r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}

	return h, delta / maxC
}

// HistogramCorrelation returns the Pearson correlation of two histograms.
// Identical histograms always correlate at 1, including flat ones.
func HistogramCorrelation(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	if floats.Equal(a, b) {
		return 1
	}
	corr := stat.Correlation(a, b, nil)
	if math.IsNaN(corr) {
		return 0
	}
	return corr
}

// Similarity scores two signatures in [0,1]. It returns 0 when either is nil.
func Similarity(a, b *Signature) float64 {
	if a == nil || b == nil {
		return 0
	}

	histScore := math.Max(0, HistogramCorrelation(a.Histogram, b.Histogram))
	aspectScore := math.Max(0, 1-math.Abs(a.Aspect-b.Aspect))

	var heightScore float64
	if hi := math.Max(a.Height, b.Height); hi > 0 {
		heightScore = math.Min(a.Height, b.Height) / hi
	}

	// Explicit conversions keep each product rounded so the sum is not fused.
	score := float64(histogramWeight*histScore) + float64(aspectWeight*aspectScore) + float64(heightWeight*heightScore)
	return math.Min(1, math.Max(0, score))
}

// blend moves the signature toward obs with weight w for the observation
func (s *Signature) blend(obs Signature, w float64) {
	old := 1 - w
	if len(s.Histogram) == len(obs.Histogram) {
		floats.Scale(old, s.Histogram)
		floats.AddScaled(s.Histogram, w, obs.Histogram)
		normalize(s.Histogram)
	}
	s.Height = old*s.Height + w*obs.Height
	s.Width = old*s.Width + w*obs.Width
	s.Aspect = aspectRatio(s.Height, s.Width)
}

func (s Signature) clone() Signature {
	c := s
	c.Histogram = append([]float64(nil), s.Histogram...)
	return c
}
