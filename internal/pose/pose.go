// Package pose defines body-landmark sets produced by an external pose
// estimator and a client for that estimator.
package pose

import (
	"context"
	"image"
)

// Landmark indices of the 33-point MediaPipe pose topology
const (
	Nose          = 0
	LeftShoulder  = 11
	RightShoulder = 12
	LeftElbow     = 13
	RightElbow    = 14
	LeftWrist     = 15
	RightWrist    = 16
	LeftHip       = 23
	RightHip      = 24
	LeftKnee      = 25
	RightKnee     = 26
	LeftAnkle     = 27
	RightAnkle    = 28

	// NumLandmarks is the landmark count of a full pose
	NumLandmarks = 33
)

// Landmark is a body point in normalized [0,1] frame-relative coordinates
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Visibility float64 `json:"visibility"`
}

// Pose is an ordered landmark set for one person
type Pose struct {
	Landmarks []Landmark `json:"landmarks"`
}

// At returns the landmark at idx, or false when the pose has no such point.
func (p *Pose) At(idx int) (Landmark, bool) {
	if p == nil || idx < 0 || idx >= len(p.Landmarks) {
		return Landmark{}, false
	}
	return p.Landmarks[idx], true
}

// Visible returns the landmarks whose visibility exceeds threshold
func (p *Pose) Visible(threshold float64) []Landmark {
	if p == nil {
		return nil
	}
	result := make([]Landmark, 0, len(p.Landmarks))
	for _, lm := range p.Landmarks {
		if lm.Visibility > threshold {
			result = append(result, lm)
		}
	}
	return result
}

// Estimator produces a pose for the most prominent person in a frame.
// A nil pose with a nil error means no person was found.
type Estimator interface {
	Estimate(ctx context.Context, img image.Image) (*Pose, error)
}
