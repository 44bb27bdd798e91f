package weapons

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Spatial-NVR/watchpost/internal/core"
	"github.com/Spatial-NVR/watchpost/internal/detection"
	"github.com/Spatial-NVR/watchpost/internal/events"
)

// Alert is raised for a weapon sighting outside the cooldown window
type Alert struct {
	Stream     string        `json:"stream"`
	WeaponType string        `json:"weapon_type"`
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	Box        detection.Box `json:"box"`
	Timestamp  time.Time     `json:"timestamp"`
	EventID    string        `json:"event_id,omitempty"`
}

// Notifier delivers alerts to an external system
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// EventStore persists alerts
type EventStore interface {
	CreateWeaponEvent(ctx context.Context, stream, weaponType string, confidence float64, ts time.Time) (*events.Event, error)
}

// Publisher publishes alerts on the event bus
type Publisher interface {
	Publish(subject string, data any) error
}

// MonitorConfig holds monitor tuning
type MonitorConfig struct {
	Mapping       Mapping
	MinConfidence float64
	// Cooldown suppresses repeated alerts of the same weapon type
	Cooldown    time.Duration
	HistorySize int
}

// Monitor filters detections for weapons, records every sighting and
// raises rate-limited alerts
type Monitor struct {
	cfg      MonitorConfig
	history  *History
	store    EventStore
	bus      Publisher
	notifier Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// NewMonitor creates a monitor. store, bus and notifier are optional.
func NewMonitor(cfg MonitorConfig, store EventStore, bus Publisher, notifier Notifier) *Monitor {
	if len(cfg.Mapping) == 0 {
		cfg.Mapping = DefaultMapping()
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	return &Monitor{
		cfg:       cfg,
		history:   NewHistory(cfg.HistorySize),
		store:     store,
		bus:       bus,
		notifier:  notifier,
		logger:    slog.Default().With("component", "weapon_monitor"),
		lastAlert: make(map[string]time.Time),
	}
}

// History returns the sighting log
func (m *Monitor) History() *History {
	return m.history
}

// Filter returns the detections that map to a weapon class
func (m *Monitor) Filter(dets []detection.Detection) []detection.Detection {
	var result []detection.Detection
	for _, d := range detection.FilterConfidence(dets, m.cfg.MinConfidence) {
		if _, ok := m.cfg.Mapping.Lookup(d.Label); ok {
			result = append(result, d)
		}
	}
	return result
}

// Observe records weapon sightings among dets and returns the alerts raised.
// Delivery failures are logged; they never fail the frame.
func (m *Monitor) Observe(ctx context.Context, stream string, dets []detection.Detection, now time.Time) []Alert {
	var alerts []Alert
	for _, d := range m.Filter(dets) {
		weaponType, _ := m.cfg.Mapping.Lookup(d.Label)
		m.history.Add(Sighting{
			Timestamp:  now,
			WeaponType: weaponType,
			Label:      d.Label,
			Confidence: d.Confidence,
		})

		if !m.claim(weaponType, now) {
			continue
		}

		alert := Alert{
			Stream:     stream,
			WeaponType: weaponType,
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        d.Box,
			Timestamp:  now,
		}
		m.deliver(ctx, &alert)
		alerts = append(alerts, alert)
	}
	return alerts
}

// claim reports whether an alert for weaponType may fire now
func (m *Monitor) claim(weaponType string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastAlert[weaponType]; ok && now.Sub(last) < m.cfg.Cooldown {
		return false
	}
	m.lastAlert[weaponType] = now
	return true
}

func (m *Monitor) deliver(ctx context.Context, alert *Alert) {
	m.logger.Warn("Weapon detected", "stream", alert.Stream, "type", alert.WeaponType, "confidence", alert.Confidence)

	if m.store != nil {
		ev, err := m.store.CreateWeaponEvent(ctx, alert.Stream, alert.WeaponType, alert.Confidence, alert.Timestamp)
		if err != nil {
			m.logger.Error("Failed to persist weapon event", "error", err)
		} else {
			alert.EventID = ev.ID
		}
	}

	if m.bus != nil {
		if err := m.bus.Publish(core.SubjectWeaponAlert, alert); err != nil {
			m.logger.Error("Failed to publish weapon alert", "error", err)
		}
	}

	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, *alert); err != nil {
			m.logger.Error("Failed to send weapon notification", "error", err)
		}
	}
}
