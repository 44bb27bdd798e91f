package identity

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/Spatial-NVR/watchpost/internal/detection"
)

// sceneImage returns a 640x480 gray frame with a red block at (100,100)-(150,250)
// and a blue block at (400,100)-(450,250).
func sceneImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	fill(img, img.Bounds(), color.RGBA{R: 128, G: 128, B: 128, A: 255})
	fill(img, image.Rect(100, 100, 150, 250), color.RGBA{R: 220, G: 20, B: 20, A: 255})
	fill(img, image.Rect(400, 100, 450, 250), color.RGBA{R: 20, G: 20, B: 220, A: 255})
	return img
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

var (
	redBox  = detection.Box{X: 100, Y: 100, Width: 50, Height: 150}
	blueBox = detection.Box{X: 400, Y: 100, Width: 50, Height: 150}
)

func person(id string, box detection.Box) detection.Detection {
	return detection.Detection{ID: id, Label: detection.LabelPerson, Confidence: 0.9, Box: box}
}

func oneHot(bin int) []float64 {
	h := make([]float64, HistogramSize)
	h[bin] = 1
	return h
}

func mustSignature(t *testing.T, hist []float64, width, height float64) Signature {
	t.Helper()
	sig, ok := NewSignature(hist, width, height)
	if !ok {
		t.Fatalf("NewSignature(%v, %v) failed", width, height)
	}
	return sig
}

func TestSimilarity_Identical(t *testing.T) {
	img := sceneImage()
	sig, ok := ExtractSignature(img, redBox)
	if !ok {
		t.Fatal("ExtractSignature failed for a valid box")
	}

	other := sig.clone()
	if got := Similarity(&sig, &other); math.Abs(got-1) > 1e-9 {
		t.Errorf("Similarity of identical signatures = %v, want 1", got)
	}

	flat := make([]float64, HistogramSize)
	for i := range flat {
		flat[i] = 1
	}
	a := mustSignature(t, flat, 10, 20)
	b := a.clone()
	if got := Similarity(&a, &b); got != 1 {
		t.Errorf("Similarity of identical flat signatures = %v, want 1", got)
	}
}

func TestSimilarity_Absent(t *testing.T) {
	sig := mustSignature(t, oneHot(3), 50, 100)

	if got := Similarity(&sig, nil); got != 0 {
		t.Errorf("Similarity(sig, nil) = %v, want 0", got)
	}
	if got := Similarity(nil, &sig); got != 0 {
		t.Errorf("Similarity(nil, sig) = %v, want 0", got)
	}
}

func TestSimilarity_Terms(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Signature
		expected float64
	}{
		{
			name:     "same histogram, shape differs fully",
			a:        Signature{Histogram: oneHot(5), Height: 100, Width: 50, Aspect: 2},
			b:        Signature{Histogram: oneHot(5), Height: 25, Width: 25, Aspect: 1},
			expected: 0.65,
		},
		{
			name:     "different histogram, same shape",
			a:        Signature{Histogram: oneHot(5), Height: 100, Width: 50, Aspect: 2},
			b:        Signature{Histogram: oneHot(90), Height: 100, Width: 50, Aspect: 2},
			expected: 0.4,
		},
		{
			name:     "half height",
			a:        Signature{Histogram: oneHot(5), Height: 100, Width: 50, Aspect: 2},
			b:        Signature{Histogram: oneHot(5), Height: 50, Width: 25, Aspect: 2},
			expected: 0.9,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Similarity(&tc.a, &tc.b)
			if math.Abs(got-tc.expected) > 1e-9 {
				t.Errorf("Similarity = %v, want %v", got, tc.expected)
			}
			if rev := Similarity(&tc.b, &tc.a); math.Abs(rev-got) > 1e-12 {
				t.Errorf("Similarity not symmetric: %v vs %v", got, rev)
			}
		})
	}
}

func TestExtractSignature(t *testing.T) {
	img := sceneImage()

	tests := []struct {
		name string
		box  detection.Box
		ok   bool
	}{
		{"valid box", redBox, true},
		{"partially outside", detection.Box{X: 620, Y: 460, Width: 50, Height: 50}, true},
		{"zero width", detection.Box{X: 10, Y: 10, Width: 0, Height: 50}, false},
		{"zero height", detection.Box{X: 10, Y: 10, Width: 50, Height: 0}, false},
		{"outside frame", detection.Box{X: 700, Y: 500, Width: 10, Height: 10}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sig, ok := ExtractSignature(img, tc.box)
			if ok != tc.ok {
				t.Fatalf("ExtractSignature ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if len(sig.Histogram) != HistogramSize {
				t.Errorf("Expected %d bins, got %d", HistogramSize, len(sig.Histogram))
			}
			if sum := floats.Sum(sig.Histogram); math.Abs(sum-1) > 1e-9 {
				t.Errorf("Histogram sums to %v, want 1", sum)
			}
		})
	}

	if _, ok := ExtractSignature(nil, redBox); ok {
		t.Error("Expected nil image to yield no signature")
	}
}

func TestExtractSignature_ClippedShape(t *testing.T) {
	sig, ok := ExtractSignature(sceneImage(), detection.Box{X: 600, Y: 400, Width: 100, Height: 200})
	if !ok {
		t.Fatal("ExtractSignature failed")
	}
	if sig.Width != 40 || sig.Height != 80 || sig.Aspect != 2 {
		t.Errorf("Expected clipped 40x80 aspect 2, got %vx%v aspect %v", sig.Width, sig.Height, sig.Aspect)
	}
}

// plainImage hides SubImage so the copy path is exercised.
type plainImage struct{ image.Image }

func TestExtractSignature_WithoutSubImage(t *testing.T) {
	img := sceneImage()
	direct, _ := ExtractSignature(img, redBox)
	copied, ok := ExtractSignature(plainImage{img}, redBox)
	if !ok {
		t.Fatal("ExtractSignature failed on an image without SubImage")
	}
	if got := Similarity(&direct, &copied); math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected identical signatures from both crop paths, got similarity %v", got)
	}
}

func TestNewSignature_ZeroWidthAspect(t *testing.T) {
	if aspectRatio(10, 0) != 0 {
		t.Error("Aspect ratio with zero width should be 0")
	}
	if _, ok := NewSignature(make([]float64, HistogramSize), 10, 10); ok {
		t.Error("Expected empty histogram to be rejected")
	}
}

func TestAssign_ThresholdIsStrict(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()

	first := tr.assignSignature("a", mustSignature(t, oneHot(5), 50, 100), image.Pt(10, 10), now)
	if first.Outcome != OutcomeCreated {
		t.Fatalf("Expected first observation to create an identity, got %s", first.Outcome)
	}

	// Similarity is exactly 0.65: same histogram, aspect 2 vs 1, height 100 vs 25.
	boundary := mustSignature(t, oneHot(5), 25, 25)
	rec, _ := tr.Get(first.PersonID)
	if s := Similarity(&rec.Signature, &boundary); s != 0.65 {
		t.Fatalf("Test setup: expected similarity exactly 0.65, got %v", s)
	}

	second := tr.assignSignature("b", boundary, image.Pt(20, 20), now)
	if second.Outcome != OutcomeCreated {
		t.Errorf("Score at threshold must not match, got %s", second.Outcome)
	}
	if second.PersonID == first.PersonID {
		t.Error("Expected a new identity at the threshold")
	}
}

func TestAssign_AboveThresholdMatches(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()

	first := tr.assignSignature("a", mustSignature(t, oneHot(5), 50, 100), image.Pt(0, 0), now)
	got := tr.assignSignature("b", mustSignature(t, oneHot(5), 25, 26), image.Pt(5, 5), now)

	if got.Outcome != OutcomeMatched || got.PersonID != first.PersonID {
		t.Errorf("Expected match to %d, got %+v", first.PersonID, got)
	}
	if got.Score <= 0.65 {
		t.Errorf("Expected score above threshold, got %v", got.Score)
	}
}

func TestAssign_StableAcrossFrames(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	img := sceneImage()
	start := time.Now()

	first := tr.Assign(img, person("d0", redBox), start)
	if first.Outcome != OutcomeCreated {
		t.Fatalf("Expected new identity, got %s", first.Outcome)
	}

	for i := 1; i <= 12; i++ {
		got := tr.Assign(img, person("d", redBox), start.Add(time.Duration(i)*100*time.Millisecond))
		if got.PersonID != first.PersonID {
			t.Fatalf("Frame %d: expected stable id %d, got %d", i, first.PersonID, got.PersonID)
		}
		if got.Outcome != OutcomeMatched {
			t.Fatalf("Frame %d: expected match, got %s", i, got.Outcome)
		}
	}

	rec, ok := tr.Get(first.PersonID)
	if !ok {
		t.Fatal("Record missing")
	}
	if rec.MatchCount != 12 {
		t.Errorf("Expected match count 12, got %d", rec.MatchCount)
	}
	if tr.Len() != 1 {
		t.Errorf("Expected a single identity, got %d", tr.Len())
	}
}

func TestAssign_DistinctPeople(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	img := sceneImage()
	now := time.Now()

	got := tr.Track(img, []detection.Detection{
		person("red", redBox),
		{ID: "car", Label: "car", Box: detection.Box{X: 0, Y: 0, Width: 30, Height: 30}},
		person("blue", blueBox),
	}, now)

	if len(got) != 2 {
		t.Fatalf("Expected assignments for the 2 person detections only, got %d", len(got))
	}
	if got[0].DetectionID != "red" || got[1].DetectionID != "blue" {
		t.Errorf("Unexpected detection order: %+v", got)
	}
	if got[0].PersonID == got[1].PersonID {
		t.Error("Differently colored people must not share an identity")
	}
	if tr.Len() != 2 {
		t.Errorf("Expected 2 identities, got %d", tr.Len())
	}
}

func TestAssign_TieGoesToEarliest(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()

	sig := mustSignature(t, oneHot(7), 50, 100)
	tr.records = []*Record{
		{ID: 1, Signature: sig.clone(), LastSeen: now},
		{ID: 2, Signature: sig.clone(), LastSeen: now},
	}
	tr.lastID.Store(2)

	got := tr.assignSignature("x", sig.clone(), image.Pt(0, 0), now)
	if got.PersonID != 1 {
		t.Fatalf("Expected tie to resolve to the earliest record, got %d", got.PersonID)
	}
	if got.Outcome != OutcomeMatched {
		t.Errorf("Expected match, got %s", got.Outcome)
	}
}

func TestAssign_Fallback(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	img := sceneImage()
	now := time.Now()

	a := tr.Assign(img, person("a", detection.Box{X: 10, Y: 10, Width: 0, Height: 40}), now)
	b := tr.Assign(img, person("b", detection.Box{X: 900, Y: 900, Width: 40, Height: 40}), now)

	for _, got := range []Assignment{a, b} {
		if got.Outcome != OutcomeFallback {
			t.Errorf("Expected fallback, got %s", got.Outcome)
		}
	}
	if a.PersonID == b.PersonID {
		t.Error("Fallback ids must be unique")
	}
	if tr.Len() != 0 {
		t.Errorf("Fallback ids must not be registered, registry has %d", tr.Len())
	}
}

func TestAssign_BlendsSignature(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	t0 := time.Now()

	base := mustSignature(t, oneHot(5), 50, 100)
	created := tr.assignSignature("a", base, image.Pt(1, 1), t0)

	obs := mustSignature(t, oneHot(5), 40, 80)
	t1 := t0.Add(time.Second)
	tr.assignSignature("b", obs, image.Pt(9, 9), t1)

	rec, _ := tr.Get(created.PersonID)
	// First re-match uses the capped weight 0.3.
	if want := 0.7*100 + 0.3*80; math.Abs(rec.Signature.Height-want) > 1e-9 {
		t.Errorf("Blended height = %v, want %v", rec.Signature.Height, want)
	}
	if want := 0.7*50 + 0.3*40; math.Abs(rec.Signature.Width-want) > 1e-9 {
		t.Errorf("Blended width = %v, want %v", rec.Signature.Width, want)
	}
	if want := rec.Signature.Height / rec.Signature.Width; math.Abs(rec.Signature.Aspect-want) > 1e-12 {
		t.Errorf("Aspect not recomputed: %v, want %v", rec.Signature.Aspect, want)
	}
	if sum := floats.Sum(rec.Signature.Histogram); math.Abs(sum-1) > 1e-9 {
		t.Errorf("Blended histogram sums to %v", sum)
	}
	if rec.MatchCount != 1 {
		t.Errorf("Expected match count 1, got %d", rec.MatchCount)
	}
	if !rec.LastSeen.Equal(t1) || rec.Position != image.Pt(9, 9) {
		t.Errorf("Expected last seen/position overwritten, got %v %v", rec.LastSeen, rec.Position)
	}
}

func TestLearningRate(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	tests := []struct {
		matches  int
		expected float64
	}{
		{0, 0.3},
		{1, 0.3},
		{3, 0.3},
		{4, 0.25},
		{10, 0.1},
	}

	for _, tc := range tests {
		if got := tr.learningRate(tc.matches); math.Abs(got-tc.expected) > 1e-12 {
			t.Errorf("learningRate(%d) = %v, want %v", tc.matches, got, tc.expected)
		}
	}
}

func TestSweep_StalenessWindow(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()

	old := tr.assignSignature("old", mustSignature(t, oneHot(1), 50, 100), image.Pt(0, 0), now.Add(-31*time.Second))
	fresh := tr.assignSignature("fresh", mustSignature(t, oneHot(100), 50, 100), image.Pt(0, 0), now.Add(-29*time.Second))

	if removed := tr.Sweep(now); removed != 1 {
		t.Errorf("Expected 1 eviction, got %d", removed)
	}
	if _, ok := tr.Get(old.PersonID); ok {
		t.Error("Record last seen 31s ago should be evicted")
	}
	if _, ok := tr.Get(fresh.PersonID); !ok {
		t.Error("Record last seen 29s ago should be retained")
	}
}

func TestSweep_IDsNeverReused(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()
	sig := func() Signature { return mustSignature(t, oneHot(9), 50, 100) }

	a := tr.assignSignature("a", sig(), image.Pt(0, 0), now)
	tr.Sweep(now.Add(time.Minute))

	b := tr.assignSignature("b", sig(), image.Pt(0, 0), now.Add(time.Minute))
	tr.Sweep(now.Add(2 * time.Minute))

	c := tr.assignSignature("c", sig(), image.Pt(0, 0), now.Add(2*time.Minute))

	if !(a.PersonID < b.PersonID && b.PersonID < c.PersonID) {
		t.Errorf("Expected strictly increasing ids, got %d, %d, %d", a.PersonID, b.PersonID, c.PersonID)
	}
	for _, got := range []Assignment{b, c} {
		if got.Outcome != OutcomeCreated {
			t.Errorf("Expected a new identity after eviction, got %s", got.Outcome)
		}
	}
}

func TestSnapshot(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()

	tr.assignSignature("a", mustSignature(t, oneHot(1), 50, 100), image.Pt(3, 4), now)
	tr.assignSignature("b", mustSignature(t, oneHot(60), 50, 100), image.Pt(5, 6), now)

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(snap))
	}
	if snap[0].ID >= snap[1].ID {
		t.Errorf("Expected insertion order, got %d then %d", snap[0].ID, snap[1].ID)
	}
	if snap[0].Position != image.Pt(3, 4) || !snap[0].LastSeen.Equal(now) {
		t.Errorf("Unexpected snapshot: %+v", snap[0])
	}
}

func TestOnCreate(t *testing.T) {
	tr := NewTracker(DefaultConfig())

	var created []PersonID
	tr.OnCreate(func(s RecordSnapshot) { created = append(created, s.ID) })

	sig := mustSignature(t, oneHot(2), 50, 100)
	tr.assignSignature("a", sig.clone(), image.Pt(0, 0), time.Now())
	tr.assignSignature("b", sig.clone(), image.Pt(0, 0), time.Now())

	if len(created) != 1 {
		t.Errorf("Expected one creation callback, got %d", len(created))
	}
}

func TestSetConfig(t *testing.T) {
	tr := NewTracker(Config{})
	if tr.Config() != DefaultConfig() {
		t.Errorf("Expected zero config to take defaults, got %+v", tr.Config())
	}

	tr.SetConfig(Config{MatchThreshold: 0.8, Staleness: time.Minute})
	cfg := tr.Config()
	if cfg.MatchThreshold != 0.8 || cfg.Staleness != time.Minute {
		t.Errorf("Config not applied: %+v", cfg)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Errorf("Expected default sweep interval, got %v", cfg.SweepInterval)
	}
}

func TestTracker_ConcurrentPasses(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	img := sceneImage()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			box := redBox
			if i%2 == 1 {
				box = blueBox
			}
			for j := 0; j < 20; j++ {
				tr.Assign(img, person("d", box), now)
				if j%5 == 0 {
					tr.Sweep(now)
					_ = tr.Snapshot()
				}
			}
		}(i)
	}
	wg.Wait()

	if tr.Len() != 2 {
		t.Errorf("Expected 2 identities after concurrent passes, got %d", tr.Len())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	tr := NewTracker(Config{SweepInterval: 10 * time.Millisecond, Staleness: time.Millisecond})
	tr.assignSignature("a", mustSignature(t, oneHot(1), 50, 100), image.Pt(0, 0), time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tr.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.Len() != 0 {
		t.Error("Expected periodic sweep to evict the stale record")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
