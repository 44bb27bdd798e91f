// Package events persists alerts raised by the analytics pipelines
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventWeapon          EventType = "weapon"
	EventIdentityCreated EventType = "identity_created"
)

// Event is a persisted alert
type Event struct {
	ID           string          `json:"id"`
	Stream       string          `json:"stream"`
	EventType    EventType       `json:"event_type"`
	Label        string          `json:"label,omitempty"`
	Confidence   float64         `json:"confidence"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Acknowledged bool            `json:"acknowledged"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListOptions represents filters for querying events
type ListOptions struct {
	Stream    string    `json:"stream,omitempty"`
	EventType EventType `json:"event_type,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}
