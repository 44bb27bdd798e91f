package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Spatial-NVR/watchpost/internal/capture"
	"github.com/Spatial-NVR/watchpost/internal/core"
	"github.com/Spatial-NVR/watchpost/internal/detection"
	"github.com/Spatial-NVR/watchpost/internal/identity"
	"github.com/Spatial-NVR/watchpost/internal/motion"
	"github.com/Spatial-NVR/watchpost/internal/pose"
	"github.com/Spatial-NVR/watchpost/internal/thermal"
	"github.com/Spatial-NVR/watchpost/internal/weapons"
)

// Stream names
const (
	StreamObject   = "object"
	StreamThermal  = "thermal"
	StreamActivity = "activity"
	StreamWeapon   = "weapon"
)

// TrackedObject is a detection with its identity, if it is a person
type TrackedObject struct {
	detection.Detection
	PersonID *identity.PersonID `json:"person_id,omitempty"`
	Outcome  identity.Outcome   `json:"outcome,omitempty"`
}

// ObjectAnnotation is published for every object frame
type ObjectAnnotation struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Objects   []TrackedObject `json:"objects"`
}

// ObjectStage detects objects and assigns identities to people
type ObjectStage struct {
	detector detection.Detector
	tracker  *identity.Tracker
}

// NewObjectStage creates the object stage
func NewObjectStage(detector detection.Detector, tracker *identity.Tracker) *ObjectStage {
	return &ObjectStage{detector: detector, tracker: tracker}
}

// Process implements Stage
func (s *ObjectStage) Process(ctx context.Context, frame capture.Frame) (image.Image, any, error) {
	dets, err := s.detector.Detect(ctx, frame.Image)
	if err != nil {
		return frame.Image, nil, fmt.Errorf("object detection: %w", err)
	}

	byDetection := make(map[string]identity.Assignment)
	for _, a := range s.tracker.Track(frame.Image, dets, frame.Timestamp) {
		byDetection[a.DetectionID] = a
	}

	ann := ObjectAnnotation{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Objects:   make([]TrackedObject, 0, len(dets)),
	}
	for _, d := range dets {
		obj := TrackedObject{Detection: d}
		if a, ok := byDetection[d.ID]; ok {
			id := a.PersonID
			obj.PersonID = &id
			obj.Outcome = a.Outcome
		}
		ann.Objects = append(ann.Objects, obj)
	}
	return frame.Image, ann, nil
}

// ThermalStage renders the simulated thermal view
type ThermalStage struct {
	renderer *thermal.Renderer
}

// NewThermalStage creates the thermal stage
func NewThermalStage(renderer *thermal.Renderer) *ThermalStage {
	return &ThermalStage{renderer: renderer}
}

// Process implements Stage
func (s *ThermalStage) Process(_ context.Context, frame capture.Frame) (image.Image, any, error) {
	return s.renderer.Render(frame.Image), nil, nil
}

// WeaponAnnotation is published for every weapon frame
type WeaponAnnotation struct {
	Seq       uint64                `json:"seq"`
	Timestamp time.Time             `json:"timestamp"`
	Weapons   []detection.Detection `json:"weapons"`
	Alerts    []weapons.Alert       `json:"alerts,omitempty"`
}

// WeaponStage runs the weapon detector and feeds the monitor
type WeaponStage struct {
	detector detection.Detector
	monitor  *weapons.Monitor
}

// NewWeaponStage creates the weapon stage
func NewWeaponStage(detector detection.Detector, monitor *weapons.Monitor) *WeaponStage {
	return &WeaponStage{detector: detector, monitor: monitor}
}

// Process implements Stage
func (s *WeaponStage) Process(ctx context.Context, frame capture.Frame) (image.Image, any, error) {
	ann, err := s.scan(ctx, StreamWeapon, frame)
	if err != nil {
		return frame.Image, nil, err
	}
	return frame.Image, ann, nil
}

// scan detects weapons in frame and records them under stream
func (s *WeaponStage) scan(ctx context.Context, stream string, frame capture.Frame) (WeaponAnnotation, error) {
	dets, err := s.detector.Detect(ctx, frame.Image)
	if err != nil {
		return WeaponAnnotation{}, fmt.Errorf("weapon detection: %w", err)
	}

	return WeaponAnnotation{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Weapons:   s.monitor.Filter(dets),
		Alerts:    s.monitor.Observe(ctx, stream, dets, frame.Timestamp),
	}, nil
}

// ActivityStatus is the current smoothed activity
type ActivityStatus struct {
	Activity  motion.Activity   `json:"activity"`
	History   []motion.Activity `json:"history"`
	Landmarks int               `json:"landmarks"`
	Seq       uint64            `json:"seq"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ActivityAnnotation is published for every activity frame
type ActivityAnnotation struct {
	ActivityStatus
	Weapons *WeaponAnnotation `json:"weapons,omitempty"`
}

// ActivityStage estimates the pose of the main subject and classifies its
// motion. It optionally scans the same frame for weapons.
type ActivityStage struct {
	estimator  pose.Estimator
	classifier *motion.Classifier
	weapons    *WeaponStage
	bus        Publisher

	mu     sync.RWMutex
	status ActivityStatus
}

// NewActivityStage creates the activity stage. weapons and bus may be nil.
func NewActivityStage(estimator pose.Estimator, classifier *motion.Classifier, weapons *WeaponStage, bus Publisher) *ActivityStage {
	return &ActivityStage{
		estimator:  estimator,
		classifier: classifier,
		weapons:    weapons,
		bus:        bus,
		status:     ActivityStatus{Activity: motion.NoPoseDetected},
	}
}

// Process implements Stage. An estimator failure leaves the classifier
// state untouched.
func (s *ActivityStage) Process(ctx context.Context, frame capture.Frame) (image.Image, any, error) {
	p, err := s.estimator.Estimate(ctx, frame.Image)
	if err != nil {
		return frame.Image, nil, fmt.Errorf("pose estimation: %w", err)
	}

	activity := s.classifier.Classify(p)
	status := ActivityStatus{
		Activity:  activity,
		History:   s.classifier.History(),
		Landmarks: len(p.Visible(0.5)),
		Seq:       frame.Seq,
		UpdatedAt: frame.Timestamp,
	}

	s.mu.Lock()
	changed := s.status.Activity != activity
	s.status = status
	s.mu.Unlock()

	if changed && s.bus != nil {
		_ = s.bus.Publish(core.SubjectActivity, status)
	}

	ann := ActivityAnnotation{ActivityStatus: status}
	if s.weapons != nil {
		w, err := s.weapons.scan(ctx, StreamActivity, frame)
		if err != nil {
			return frame.Image, ann, err
		}
		ann.Weapons = &w
	}
	return frame.Image, ann, nil
}

// Status returns the latest activity
func (s *ActivityStage) Status() ActivityStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.History = append([]motion.Activity(nil), s.status.History...)
	return st
}
