// Package detection provides the detection types and detector backends consumed by the
// analytics pipelines
package detection

import (
	"context"
	"image"
	"sort"
	"strings"
	"time"
)

// LabelPerson is the class label the identity tracker consumes
const LabelPerson = "person"

// Box is a bounding box in pixel coordinates
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image rectangle
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// BoxFromRect converts an image rectangle to a box
func BoxFromRect(r image.Rectangle) Box {
	r = r.Canon()
	return Box{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Clip clamps the box to the frame bounds. Boxes fully outside the frame
// collapse to zero size.
func (b Box) Clip(bounds image.Rectangle) Box {
	return BoxFromRect(b.Rect().Intersect(bounds))
}

// Empty reports whether the box has no area
func (b Box) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Center returns the center point of the box
func (b Box) Center() image.Point {
	return image.Pt(b.X+b.Width/2, b.Y+b.Height/2)
}

// Area returns the box area in pixels
func (b Box) Area() int {
	if b.Empty() {
		return 0
	}
	return b.Width * b.Height
}

// IoU calculates Intersection over Union with another box
func (b Box) IoU(other Box) float64 {
	inter := b.Rect().Intersect(other.Rect())
	if inter.Empty() {
		return 0
	}

	intersection := float64(inter.Dx() * inter.Dy())
	union := float64(b.Area()+other.Area()) - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// Detection represents a single detection in one frame
type Detection struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        Box       `json:"box"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsPerson reports whether the detection is of the person class
func (d Detection) IsPerson() bool {
	return strings.EqualFold(d.Label, LabelPerson)
}

// Center returns the center point of the detection box
func (d Detection) Center() image.Point {
	return d.Box.Center()
}

// Detector defines the interface for object detection backends
type Detector interface {
	// Name returns the detector name
	Name() string

	// Detect runs detection on a frame. Returned boxes are clipped to the
	// frame bounds and already confidence and overlap filtered.
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// FilterConfidence drops detections below the minimum confidence
func FilterConfidence(dets []Detection, minConfidence float64) []Detection {
	result := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= minConfidence {
			result = append(result, d)
		}
	}
	return result
}

// SuppressOverlaps drops any detection whose box overlaps a higher
// confidence detection of the same label by more than threshold IoU
func SuppressOverlaps(dets []Detection, threshold float64) []Detection {
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if strings.EqualFold(k.Label, d.Label) && k.Box.IoU(d.Box) > threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

