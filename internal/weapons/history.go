// Package weapons watches detector output for weapon classes and raises
// alerts.
package weapons

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/Spatial-NVR/watchpost/internal/ringbuf"
)

// HistorySize is the number of sightings kept in memory
const HistorySize = 100

// TimestampLayout is the wall-clock format used in sighting records
const TimestampLayout = "2006-01-02 15:04:05"

// Mapping maps lowercase detector labels to weapon types
type Mapping map[string]string

// DefaultMapping returns the built-in weapon classes
func DefaultMapping() Mapping {
	return Mapping{
		"knife":    "knife",
		"scissors": "Sharp Object",
		"gun":      "gun",
	}
}

// Lookup returns the weapon type for a detector label
func (m Mapping) Lookup(label string) (string, bool) {
	t, ok := m[strings.ToLower(label)]
	return t, ok
}

// Sighting is one weapon detection
type Sighting struct {
	Timestamp  time.Time
	WeaponType string
	Label      string
	Confidence float64
}

// MarshalJSON renders the sighting with a wall-clock timestamp
func (s Sighting) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp  string  `json:"timestamp"`
		WeaponType string  `json:"weapon_type"`
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}{
		Timestamp:  s.Timestamp.Format(TimestampLayout),
		WeaponType: s.WeaponType,
		Label:      s.Label,
		Confidence: s.Confidence,
	})
}

// History is a bounded, lock-guarded log of recent sightings
type History struct {
	mu   sync.Mutex
	ring *ringbuf.Ring[Sighting]
}

// NewHistory creates a history holding at most size sightings
func NewHistory(size int) *History {
	if size <= 0 {
		size = HistorySize
	}
	return &History{ring: ringbuf.New[Sighting](size)}
}

// Add appends a sighting, evicting the oldest when full
func (h *History) Add(s Sighting) {
	h.mu.Lock()
	h.ring.Push(s)
	h.mu.Unlock()
}

// Snapshot returns the sightings oldest first
func (h *History) Snapshot() []Sighting {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.Values()
}

// Latest returns the most recent sighting
func (h *History) Latest() (Sighting, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.Last()
}

// Len returns the number of stored sightings
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.Len()
}
