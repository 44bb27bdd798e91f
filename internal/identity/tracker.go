package identity

import (
	"context"
	"image"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/watchpost/internal/detection"
)

// PersonID is a process-wide identifier. Values are never reused.
type PersonID uint64

// String returns the decimal form of the ID
func (id PersonID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Outcome describes how an assignment was made
type Outcome string

const (
	// OutcomeMatched means the detection was attached to an existing identity
	OutcomeMatched Outcome = "matched"
	// OutcomeCreated means a new identity was registered
	OutcomeCreated Outcome = "created"
	// OutcomeFallback means no signature could be extracted; the ID is
	// disposable and was not registered
	OutcomeFallback Outcome = "fallback"
)

// Assignment pairs a detection with its persistent identity
type Assignment struct {
	DetectionID string   `json:"detection_id"`
	PersonID    PersonID `json:"person_id"`
	Outcome     Outcome  `json:"outcome"`
	Score       float64  `json:"score,omitempty"`
}

// Record is a tracked person
type Record struct {
	ID         PersonID
	Signature  Signature
	LastSeen   time.Time
	Position   image.Point
	MatchCount int
}

// RecordSnapshot is the externally visible view of a record
type RecordSnapshot struct {
	ID         PersonID    `json:"id"`
	LastSeen   time.Time   `json:"last_seen"`
	Position   image.Point `json:"position"`
	MatchCount int         `json:"match_count"`
}

func (r *Record) snapshot() RecordSnapshot {
	return RecordSnapshot{
		ID:         r.ID,
		LastSeen:   r.LastSeen,
		Position:   r.Position,
		MatchCount: r.MatchCount,
	}
}

// Config holds tracker tuning
type Config struct {
	// MatchThreshold is the similarity a candidate must strictly exceed
	MatchThreshold float64
	// Staleness is how long an unseen identity survives
	Staleness time.Duration
	// SweepInterval is the cadence of Run
	SweepInterval time.Duration
	// MaxLearningRate caps the weight of a new observation when blending
	MaxLearningRate float64
}

// DefaultConfig returns the default tracker configuration
func DefaultConfig() Config {
	return Config{
		MatchThreshold:  0.65,
		Staleness:       30 * time.Second,
		SweepInterval:   5 * time.Second,
		MaxLearningRate: 0.3,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MatchThreshold <= 0 {
		c.MatchThreshold = def.MatchThreshold
	}
	if c.Staleness <= 0 {
		c.Staleness = def.Staleness
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.MaxLearningRate <= 0 || c.MaxLearningRate > 1 {
		c.MaxLearningRate = def.MaxLearningRate
	}
}

// Tracker is the shared identity registry. All access goes through its
// methods; every update of a record happens under one lock.
type Tracker struct {
	mu      sync.Mutex
	records []*Record // insertion order
	cfg     Config

	lastID atomic.Uint64

	onCreate func(RecordSnapshot)
	logger   *slog.Logger
}

// NewTracker creates an empty registry
func NewTracker(cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:    cfg,
		logger: slog.Default().With("component", "identity_tracker"),
	}
}

// OnCreate registers a callback invoked after a new identity is registered.
// It must be set before the tracker is shared.
func (t *Tracker) OnCreate(fn func(RecordSnapshot)) {
	t.onCreate = fn
}

// SetConfig replaces the tuning at runtime
func (t *Tracker) SetConfig(cfg Config) {
	cfg.applyDefaults()
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// Config returns the current tuning
func (t *Tracker) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *Tracker) nextID() PersonID {
	return PersonID(t.lastID.Add(1))
}

// Track runs one tracking pass over a frame's detections. Only person
// detections receive an assignment.
func (t *Tracker) Track(img image.Image, dets []detection.Detection, now time.Time) []Assignment {
	assignments := make([]Assignment, 0, len(dets))
	for _, d := range dets {
		if !d.IsPerson() {
			continue
		}
		assignments = append(assignments, t.Assign(img, d, now))
	}
	return assignments
}

// Assign attaches a person detection to the best matching identity or
// registers a new one. It never fails: when no signature can be extracted
// the detection gets a disposable ID.
func (t *Tracker) Assign(img image.Image, d detection.Detection, now time.Time) Assignment {
	sig, ok := ExtractSignature(img, d.Box)
	if !ok {
		id := t.nextID()
		t.logger.Debug("Signature unavailable, using fallback id",
			"detection_id", d.ID, "person_id", id, "box", d.Box)
		return Assignment{DetectionID: d.ID, PersonID: id, Outcome: OutcomeFallback}
	}

	return t.assignSignature(d.ID, sig, d.Center(), now)
}

func (t *Tracker) assignSignature(detectionID string, sig Signature, pos image.Point, now time.Time) Assignment {
	t.mu.Lock()

	var best *Record
	bestScore := math.Inf(-1)
	for _, r := range t.records {
		score := Similarity(&r.Signature, &sig)
		if score > bestScore {
			best, bestScore = r, score
		}
	}

	if best != nil && bestScore > t.cfg.MatchThreshold {
		w := t.learningRate(best.MatchCount)
		best.Signature.blend(sig, w)
		best.MatchCount++
		best.LastSeen = now
		best.Position = pos
		id := best.ID
		t.mu.Unlock()

		return Assignment{DetectionID: detectionID, PersonID: id, Outcome: OutcomeMatched, Score: bestScore}
	}

	rec := &Record{
		ID:        t.nextID(),
		Signature: sig.clone(),
		LastSeen:  now,
		Position:  pos,
	}
	t.records = append(t.records, rec)
	snap := rec.snapshot()
	t.mu.Unlock()

	t.logger.Info("New identity registered", "person_id", rec.ID, "best_score", math.Max(bestScore, 0))
	if t.onCreate != nil {
		t.onCreate(snap)
	}

	return Assignment{DetectionID: detectionID, PersonID: rec.ID, Outcome: OutcomeCreated}
}

// learningRate is the observation weight for a record matched n times before
func (t *Tracker) learningRate(n int) float64 {
	if n <= 0 {
		return t.cfg.MaxLearningRate
	}
	return math.Min(t.cfg.MaxLearningRate, 1/float64(n))
}

// Sweep evicts identities unseen for longer than the staleness window and
// returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.records[:0]
	removed := 0
	for _, r := range t.records {
		if now.Sub(r.LastSeen) > t.cfg.Staleness {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(t.records); i++ {
		t.records[i] = nil
	}
	t.records = kept

	if removed > 0 {
		t.logger.Debug("Evicted stale identities", "removed", removed, "remaining", len(t.records))
	}
	return removed
}

// Run sweeps the registry on a fixed cadence until ctx is cancelled
func (t *Tracker) Run(ctx context.Context) {
	interval := t.Config().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
			if next := t.Config().SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Snapshot returns the registry ordered by insertion
func (t *Tracker) Snapshot() []RecordSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]RecordSnapshot, len(t.records))
	for i, r := range t.records {
		result[i] = r.snapshot()
	}
	return result
}

// Get returns a copy of the record with the given ID
func (t *Tracker) Get(id PersonID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.records {
		if r.ID == id {
			c := *r
			c.Signature = r.Signature.clone()
			return c, true
		}
	}
	return Record{}, false
}

// Len returns the number of registered identities
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
