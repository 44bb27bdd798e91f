// Package motion classifies a tracked person's posture and movement from a
// sequence of pose landmarks.
package motion

import "fmt"

// Activity is a discrete posture/motion state
type Activity int

const (
	Standing Activity = iota
	Sitting
	Crouching
	Running
	Walking
	Jumping
	Bending
	LimitedVisibility
	NoPoseDetected
)

var activityNames = map[Activity]string{
	Standing:          "Standing",
	Sitting:           "Sitting",
	Crouching:         "Crouching",
	Running:           "Running",
	Walking:           "Walking",
	Jumping:           "Jumping",
	Bending:           "Bending",
	LimitedVisibility: "Limited Visibility",
	NoPoseDetected:    "No Pose Detected",
}

// String returns the display label
func (a Activity) String() string {
	if name, ok := activityNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Activity(%d)", int(a))
}

// MarshalText encodes the activity as its display label
func (a Activity) MarshalText() ([]byte, error) {
	if _, ok := activityNames[a]; !ok {
		return nil, fmt.Errorf("unknown activity %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText decodes a display label
func (a *Activity) UnmarshalText(text []byte) error {
	for k, v := range activityNames {
		if v == string(text) {
			*a = k
			return nil
		}
	}
	return fmt.Errorf("unknown activity %q", text)
}

// Degraded reports whether the state means no usable pose was available
func (a Activity) Degraded() bool {
	return a == LimitedVisibility || a == NoPoseDetected
}

// Majority returns the most frequent label. Among equally frequent labels
// the most recently inserted one wins. An empty window yields Standing.
func Majority(labels []Activity) Activity {
	if len(labels) == 0 {
		return Standing
	}

	counts := make(map[Activity]int, len(labels))
	for _, l := range labels {
		counts[l]++
	}

	best := labels[len(labels)-1]
	for i := len(labels) - 2; i >= 0; i-- {
		if counts[labels[i]] > counts[best] {
			best = labels[i]
		}
	}
	return best
}
