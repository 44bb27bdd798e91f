package motion

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/Spatial-NVR/watchpost/internal/pose"
	"github.com/Spatial-NVR/watchpost/internal/ringbuf"
)

// Thresholds holds the classification tuning. Coordinates are normalized,
// y grows downward.
type Thresholds struct {
	Visibility          float64 `yaml:"visibility" json:"visibility"`
	MinVisibleLandmarks int     `yaml:"min_visible_landmarks" json:"min_visible_landmarks"`
	DisplacementWindow  int     `yaml:"displacement_window" json:"displacement_window"`
	ActivityWindow      int     `yaml:"activity_window" json:"activity_window"`
	Sitting             float64 `yaml:"sitting" json:"sitting"`
	KneeBend            float64 `yaml:"knee_bend" json:"knee_bend"`
	Running             float64 `yaml:"running" json:"running"`
	Walking             float64 `yaml:"walking" json:"walking"`
	JumpVertical        float64 `yaml:"jump_vertical" json:"jump_vertical"`
	JumpHorizontal      float64 `yaml:"jump_horizontal" json:"jump_horizontal"`
	// Bending is negative by default, so nil marks it unset
	Bending *float64 `yaml:"bending,omitempty" json:"bending,omitempty"`
}

// DefaultThresholds returns the default tuning
func DefaultThresholds() Thresholds {
	return Thresholds{
		Visibility:          0.5,
		MinVisibleLandmarks: 10,
		DisplacementWindow:  5,
		ActivityWindow:      3,
		Sitting:             0.05,
		KneeBend:            0.15,
		Running:             0.07,
		Walking:             0.02,
		JumpVertical:        0.06,
		JumpHorizontal:      0.04,
		Bending:             ptr(-0.05),
	}
}

// WithDefaults fills every unset field from DefaultThresholds
func (t Thresholds) WithDefaults() Thresholds {
	def := DefaultThresholds()
	if t.Visibility <= 0 {
		t.Visibility = def.Visibility
	}
	if t.MinVisibleLandmarks < 1 {
		t.MinVisibleLandmarks = def.MinVisibleLandmarks
	}
	if t.DisplacementWindow < 1 {
		t.DisplacementWindow = def.DisplacementWindow
	}
	if t.ActivityWindow < 1 {
		t.ActivityWindow = def.ActivityWindow
	}
	if t.Sitting <= 0 {
		t.Sitting = def.Sitting
	}
	if t.KneeBend <= 0 {
		t.KneeBend = def.KneeBend
	}
	if t.Running <= 0 {
		t.Running = def.Running
	}
	if t.Walking <= 0 {
		t.Walking = def.Walking
	}
	if t.JumpVertical <= 0 {
		t.JumpVertical = def.JumpVertical
	}
	if t.JumpHorizontal <= 0 {
		t.JumpHorizontal = def.JumpHorizontal
	}
	if t.Bending == nil {
		t.Bending = def.Bending
	}
	return t
}

func ptr(v float64) *float64 {
	return &v
}

// Point is a normalized frame coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Posture holds the joint-derived signals of one frame
type Posture struct {
	// SittingScore is hipY - kneeY
	SittingScore float64
	// KneeBend is kneeY - ankleY
	KneeBend float64
	// BodyVertical is hipY - shoulderY
	BodyVertical float64
}

// PostureOf derives posture signals from left/right averaged hip, knee,
// ankle and shoulder heights. It returns false when any of those joints is
// missing from the pose.
func PostureOf(p *pose.Pose) (Posture, bool) {
	hip, ok1 := avgY(p, pose.LeftHip, pose.RightHip)
	knee, ok2 := avgY(p, pose.LeftKnee, pose.RightKnee)
	ankle, ok3 := avgY(p, pose.LeftAnkle, pose.RightAnkle)
	shoulder, ok4 := avgY(p, pose.LeftShoulder, pose.RightShoulder)
	if !(ok1 && ok2 && ok3 && ok4) {
		return Posture{}, false
	}

	return Posture{
		SittingScore: hip - knee,
		KneeBend:     knee - ankle,
		BodyVertical: hip - shoulder,
	}, true
}

func avgY(p *pose.Pose, left, right int) (float64, bool) {
	l, ok := p.At(left)
	if !ok {
		return 0, false
	}
	r, ok := p.At(right)
	if !ok {
		return 0, false
	}
	return (l.Y + r.Y) / 2, true
}

func centroid(lms []pose.Landmark) Point {
	var c Point
	for _, lm := range lms {
		c.X += lm.X
		c.Y += lm.Y
	}
	n := float64(len(lms))
	return Point{X: c.X / n, Y: c.Y / n}
}

// Classifier tracks one subject's motion state. It is not safe for
// concurrent use; each pipeline owns its own classifier.
type Classifier struct {
	th            Thresholds
	prevCenter    *Point
	displacements *ringbuf.Ring[float64]
	activities    *ringbuf.Ring[Activity]
	current       Activity
}

// NewClassifier creates a classifier; unset thresholds take the defaults.
func NewClassifier(th Thresholds) *Classifier {
	th = th.WithDefaults()

	return &Classifier{
		th:            th,
		displacements: ringbuf.New[float64](th.DisplacementWindow),
		activities:    ringbuf.New[Activity](th.ActivityWindow),
		current:       NoPoseDetected,
	}
}

// Classify consumes one frame's pose and returns the smoothed activity.
// A nil pose means the estimator found nobody.
func (c *Classifier) Classify(p *pose.Pose) Activity {
	if p == nil || len(p.Landmarks) == 0 {
		c.prevCenter = nil
		c.current = NoPoseDetected
		return c.current
	}

	visible := p.Visible(c.th.Visibility)
	if len(visible) < c.th.MinVisibleLandmarks {
		c.prevCenter = nil
		c.current = LimitedVisibility
		return c.current
	}

	center := centroid(visible)

	posture, ok := PostureOf(p)
	if !ok {
		c.current = Standing
		return c.current
	}

	raw := Standing
	if c.prevCenter != nil {
		dx := center.X - c.prevCenter.X
		dy := center.Y - c.prevCenter.Y
		c.displacements.Push(math.Hypot(dx, dy))
		avg := stat.Mean(c.displacements.Values(), nil)
		raw = c.decide(posture, avg, dx, dy)
	}

	c.activities.Push(raw)
	c.current = Majority(c.activities.Values())
	c.prevCenter = &center

	return c.current
}

// decide applies the rules in priority order; the first match wins.
func (c *Classifier) decide(p Posture, avgDisplacement, dx, dy float64) Activity {
	switch {
	case p.SittingScore > c.th.Sitting:
		return Sitting
	case p.KneeBend > c.th.KneeBend:
		return Crouching
	case avgDisplacement > c.th.Running:
		return Running
	case avgDisplacement > c.th.Walking:
		return Walking
	case math.Abs(dy) > c.th.JumpVertical && math.Abs(dx) < c.th.JumpHorizontal:
		return Jumping
	case p.BodyVertical < *c.th.Bending:
		return Bending
	default:
		return Standing
	}
}

// Current returns the last emitted activity
func (c *Classifier) Current() Activity {
	return c.current
}

// History returns the raw labels in the smoothing window, oldest first
func (c *Classifier) History() []Activity {
	return c.activities.Values()
}

// Reset clears all motion state
func (c *Classifier) Reset() {
	c.prevCenter = nil
	c.displacements.Clear()
	c.activities.Clear()
	c.current = NoPoseDetected
}
