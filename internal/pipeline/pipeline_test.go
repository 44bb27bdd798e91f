package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
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

func sceneImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	fill(img, img.Bounds(), color.RGBA{R: 128, G: 128, B: 128, A: 255})
	fill(img, image.Rect(40, 40, 80, 200), color.RGBA{R: 220, G: 20, B: 20, A: 255})
	fill(img, image.Rect(200, 40, 240, 200), color.RGBA{R: 20, G: 20, B: 220, A: 255})
	return img
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

type recordingStage struct {
	mu   sync.Mutex
	seqs []uint64
	err  error
	ann  any
}

func (s *recordingStage) Process(_ context.Context, frame capture.Frame) (image.Image, any, error) {
	s.mu.Lock()
	s.seqs = append(s.seqs, frame.Seq)
	s.mu.Unlock()
	if s.err != nil {
		return nil, nil, s.err
	}
	return frame.Image, s.ann, nil
}

type fakeOutput struct {
	mu     sync.Mutex
	frames [][]byte
}

func (o *fakeOutput) UpdateJPEG(b []byte) {
	o.mu.Lock()
	o.frames = append(o.frames, b)
	o.mu.Unlock()
}

type published struct {
	subject string
	data    any
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *fakeBus) Publish(subject string, data any) error {
	b.mu.Lock()
	b.msgs = append(b.msgs, published{subject, data})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s []string
	for _, m := range b.msgs {
		s = append(s, m.subject)
	}
	return s
}

type fakeHub struct {
	types []string
}

func (h *fakeHub) Broadcast(msgType string, _ any) {
	h.types = append(h.types, msgType)
}

type fakeDetector struct {
	dets []detection.Detection
	err  error
}

func (d *fakeDetector) Detect(context.Context, image.Image) ([]detection.Detection, error) {
	return d.dets, d.err
}

func (d *fakeDetector) Name() string { return "fake" }

type fakeEstimator struct {
	pose *pose.Pose
	err  error
}

func (e *fakeEstimator) Estimate(context.Context, image.Image) (*pose.Pose, error) {
	return e.pose, e.err
}

func frameAt(seq uint64) capture.Frame {
	return capture.Frame{Image: sceneImage(), Seq: seq, Timestamp: time.Unix(1700000000, 0)}
}

func TestRunnerSkipsToNewestFrame(t *testing.T) {
	slot := capture.NewSlot()
	stage := &recordingStage{}
	r := NewRunner(RunnerConfig{Name: StreamObject}, slot, stage, nil, nil, nil)

	if r.Step(context.Background()) {
		t.Fatal("Step on an empty slot should do nothing")
	}

	img := sceneImage()
	for i := 0; i < 3; i++ {
		slot.Store(img, time.Now())
	}
	if !r.Step(context.Background()) {
		t.Fatal("Expected a frame to be processed")
	}
	if r.Step(context.Background()) {
		t.Error("Step without a new frame should not reprocess")
	}

	for i := 0; i < 3; i++ {
		slot.Store(img, time.Now())
	}
	r.Step(context.Background())

	if len(stage.seqs) != 2 || stage.seqs[0] != 3 || stage.seqs[1] != 6 {
		t.Errorf("processed seqs = %v, want [3 6]", stage.seqs)
	}
	stats := r.Stats()
	if stats.Processed != 2 || stats.Skipped != 2 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunnerEmits(t *testing.T) {
	slot := capture.NewSlot()
	out := &fakeOutput{}
	bus := &fakeBus{}
	hub := &fakeHub{}
	stage := &recordingStage{ann: map[string]int{"n": 1}}
	r := NewRunner(RunnerConfig{Name: StreamObject, JPEGQuality: 70}, slot, stage, out, bus, hub)

	slot.Store(sceneImage(), time.Now())
	r.Step(context.Background())

	if len(out.frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(out.frames))
	}
	decoded, err := jpeg.Decode(bytes.NewReader(out.frames[0]))
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	if decoded.Bounds() != sceneImage().Bounds() {
		t.Errorf("decoded bounds = %v", decoded.Bounds())
	}
	if got := bus.subjects(); len(got) != 1 || got[0] != core.AnnotationSubject(StreamObject) {
		t.Errorf("published subjects = %v", got)
	}
	if len(hub.types) != 1 || hub.types[0] != StreamObject {
		t.Errorf("broadcast types = %v", hub.types)
	}
}

func TestRunnerStageErrorStillStreams(t *testing.T) {
	slot := capture.NewSlot()
	out := &fakeOutput{}
	bus := &fakeBus{}
	stage := &recordingStage{err: errors.New("backend down")}
	r := NewRunner(RunnerConfig{Name: StreamWeapon}, slot, stage, out, bus, nil)

	slot.Store(sceneImage(), time.Now())
	if !r.Step(context.Background()) {
		t.Fatal("failed frame should still count as processed")
	}
	if len(out.frames) != 1 {
		t.Error("raw frame should be streamed when the stage fails")
	}
	if len(bus.subjects()) != 0 {
		t.Error("no annotation should be published for a failed frame")
	}
	if r.Stats().Errors != 1 {
		t.Errorf("errors = %d", r.Stats().Errors)
	}
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	slot := capture.NewSlot()
	stage := &recordingStage{}
	r := NewRunner(RunnerConfig{Name: StreamThermal, PollInterval: time.Millisecond}, slot, stage, nil, nil, nil)
	slot.Store(sceneImage(), time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for r.Stats().Processed == 0 {
		select {
		case <-deadline:
			t.Fatal("frame was not processed")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestObjectStage(t *testing.T) {
	det := &fakeDetector{dets: []detection.Detection{
		{ID: "d1", Label: "person", Confidence: 0.9, Box: detection.Box{X: 40, Y: 40, Width: 40, Height: 160}},
		{ID: "d2", Label: "person", Confidence: 0.8, Box: detection.Box{X: 200, Y: 40, Width: 40, Height: 160}},
		{ID: "d3", Label: "chair", Confidence: 0.7, Box: detection.Box{X: 120, Y: 150, Width: 30, Height: 30}},
	}}
	tracker := identity.NewTracker(identity.DefaultConfig())
	stage := NewObjectStage(det, tracker)

	var first ObjectAnnotation
	for i := uint64(1); i <= 2; i++ {
		img, ann, err := stage.Process(context.Background(), frameAt(i))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if img == nil {
			t.Fatal("Expected an annotated image")
		}
		got := ann.(ObjectAnnotation)
		if len(got.Objects) != 3 {
			t.Fatalf("Expected 3 objects, got %d", len(got.Objects))
		}
		if got.Objects[0].PersonID == nil || got.Objects[1].PersonID == nil {
			t.Fatal("person detections must carry an identity")
		}
		if got.Objects[2].PersonID != nil {
			t.Error("non-person detection must not carry an identity")
		}
		if i == 1 {
			first = got
			continue
		}
		if *got.Objects[0].PersonID != *first.Objects[0].PersonID ||
			*got.Objects[1].PersonID != *first.Objects[1].PersonID {
			t.Error("identities should be stable across frames")
		}
		if got.Objects[0].Outcome != identity.OutcomeMatched {
			t.Errorf("second frame outcome = %s", got.Objects[0].Outcome)
		}
	}

	if *first.Objects[0].PersonID == *first.Objects[1].PersonID {
		t.Error("distinct people should get distinct identities")
	}
	if tracker.Len() != 2 {
		t.Errorf("tracker holds %d identities, want 2", tracker.Len())
	}
}

func TestObjectStageDetectorError(t *testing.T) {
	stage := NewObjectStage(&fakeDetector{err: detection.ErrBackend}, identity.NewTracker(identity.DefaultConfig()))
	img, ann, err := stage.Process(context.Background(), frameAt(1))
	if !errors.Is(err, detection.ErrBackend) {
		t.Errorf("err = %v", err)
	}
	if img == nil || ann != nil {
		t.Error("failed frame should pass the raw image without annotation")
	}
}

func TestThermalStage(t *testing.T) {
	renderer := thermal.NewRenderer()
	img, ann, err := NewThermalStage(renderer).Process(context.Background(), frameAt(1))
	if err != nil || ann != nil {
		t.Fatalf("unexpected result: %v %v", ann, err)
	}
	if img.Bounds() != sceneImage().Bounds() {
		t.Errorf("bounds = %v", img.Bounds())
	}
}

func TestWeaponStage(t *testing.T) {
	det := &fakeDetector{dets: []detection.Detection{
		{ID: "k", Label: "knife", Confidence: 0.8, Box: detection.Box{X: 10, Y: 10, Width: 20, Height: 20}},
		{ID: "p", Label: "person", Confidence: 0.9, Box: detection.Box{X: 40, Y: 40, Width: 40, Height: 160}},
	}}
	monitor := weapons.NewMonitor(weapons.MonitorConfig{Cooldown: time.Minute, HistorySize: 10}, nil, nil, nil)
	stage := NewWeaponStage(det, monitor)

	_, ann, err := stage.Process(context.Background(), frameAt(1))
	if err != nil {
		t.Fatal(err)
	}
	got := ann.(WeaponAnnotation)
	if len(got.Weapons) != 1 || got.Weapons[0].Label != "knife" {
		t.Errorf("weapons = %+v", got.Weapons)
	}
	if len(got.Alerts) != 1 {
		t.Errorf("alerts = %+v", got.Alerts)
	}

	_, ann, _ = stage.Process(context.Background(), frameAt(2))
	if a := ann.(WeaponAnnotation).Alerts; len(a) != 0 {
		t.Errorf("cooldown should suppress the second alert, got %+v", a)
	}
	if monitor.History().Len() != 2 {
		t.Errorf("history length = %d, want 2", monitor.History().Len())
	}
}

func uprightPose() *pose.Pose {
	lms := make([]pose.Landmark, pose.NumLandmarks)
	for i := range lms {
		lms[i] = pose.Landmark{X: 0.4, Y: 0.5, Visibility: 0.9}
	}
	for idx, y := range map[int]float64{
		pose.LeftShoulder: 0.3, pose.RightShoulder: 0.3,
		pose.LeftHip: 0.5, pose.RightHip: 0.5,
		pose.LeftKnee: 0.7, pose.RightKnee: 0.7,
		pose.LeftAnkle: 0.9, pose.RightAnkle: 0.9,
	} {
		lms[idx].Y = y
	}
	return &pose.Pose{Landmarks: lms}
}

func TestActivityStage(t *testing.T) {
	est := &fakeEstimator{}
	bus := &fakeBus{}
	stage := NewActivityStage(est, motion.NewClassifier(motion.DefaultThresholds()), nil, bus)

	if stage.Status().Activity != motion.NoPoseDetected {
		t.Errorf("initial activity = %v", stage.Status().Activity)
	}

	_, ann, err := stage.Process(context.Background(), frameAt(1))
	if err != nil {
		t.Fatal(err)
	}
	if a := ann.(ActivityAnnotation); a.Activity != motion.NoPoseDetected {
		t.Errorf("empty frame activity = %v", a.Activity)
	}
	if len(bus.subjects()) != 0 {
		t.Error("unchanged activity should not be published")
	}

	est.pose = uprightPose()
	if _, _, err := stage.Process(context.Background(), frameAt(2)); err != nil {
		t.Fatal(err)
	}
	st := stage.Status()
	if st.Activity != motion.Standing || st.Seq != 2 || st.Landmarks != pose.NumLandmarks {
		t.Errorf("status = %+v", st)
	}
	if got := bus.subjects(); len(got) != 1 || got[0] != core.SubjectActivity {
		t.Errorf("published = %v", got)
	}

	est.err = errors.New("timeout")
	if _, _, err := stage.Process(context.Background(), frameAt(3)); err == nil {
		t.Error("estimator failure should be reported")
	}
	if st := stage.Status(); st.Activity != motion.Standing || st.Seq != 2 {
		t.Errorf("failed frame changed status: %+v", st)
	}
}

func TestActivityStageScansWeapons(t *testing.T) {
	det := &fakeDetector{dets: []detection.Detection{
		{ID: "g", Label: "gun", Confidence: 0.9, Box: detection.Box{X: 10, Y: 10, Width: 20, Height: 20}},
	}}
	monitor := weapons.NewMonitor(weapons.MonitorConfig{HistorySize: 10}, nil, nil, nil)
	stage := NewActivityStage(&fakeEstimator{}, motion.NewClassifier(motion.Thresholds{}), NewWeaponStage(det, monitor), nil)

	_, ann, err := stage.Process(context.Background(), frameAt(1))
	if err != nil {
		t.Fatal(err)
	}
	w := ann.(ActivityAnnotation).Weapons
	if w == nil || len(w.Alerts) != 1 || w.Alerts[0].Stream != StreamActivity {
		t.Errorf("weapons = %+v", w)
	}
}
