package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/watchpost/internal/database"
)

// ErrNotFound is returned when an event does not exist
var ErrNotFound = errors.New("event not found")

const eventColumns = `id, stream, event_type, label, confidence, metadata, timestamp, acknowledged, created_at`

// Service manages events
type Service struct {
	db          *database.DB
	logger      *slog.Logger
	subscribers []chan *Event
	mu          sync.RWMutex
}

// NewService creates a new event service
func NewService(db *database.DB) *Service {
	return &Service{
		db:     db,
		logger: slog.Default().With("component", "event_service"),
	}
}

// Subscribe returns a channel that receives new events. Slow subscribers
// miss events rather than block writers.
func (s *Service) Subscribe() chan *Event {
	ch := make(chan *Event, 100)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (s *Service) Unsubscribe(ch chan *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Create stores a new event and fans it out to subscribers
func (s *Service) Create(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = event.CreatedAt
	}

	var metadata any
	if len(event.Metadata) > 0 {
		metadata = string(event.Metadata)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Stream, event.EventType, event.Label, event.Confidence, metadata,
		event.Timestamp.UnixMilli(), boolToInt(event.Acknowledged), event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	s.notifySubscribers(event)

	s.logger.Info("Event created", "id", event.ID, "type", event.EventType, "stream", event.Stream, "label", event.Label)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	event := &Event{}
	var label, metadata sql.NullString
	var confidence sql.NullFloat64
	var timestamp, createdAt int64
	var acknowledged int

	if err := row.Scan(&event.ID, &event.Stream, &event.EventType, &label, &confidence,
		&metadata, &timestamp, &acknowledged, &createdAt); err != nil {
		return nil, err
	}

	event.Label = label.String
	event.Confidence = confidence.Float64
	if metadata.Valid {
		event.Metadata = json.RawMessage(metadata.String)
	}
	event.Timestamp = time.UnixMilli(timestamp)
	event.CreatedAt = time.UnixMilli(createdAt)
	event.Acknowledged = acknowledged == 1
	return event, nil
}

// Get retrieves an event by ID
func (s *Service) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// List retrieves events newest first, with the total matching count
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Event, int, error) {
	var where []string
	var args []any

	if opts.Stream != "" {
		where = append(where, "stream = ?")
		args = append(args, opts.Stream)
	}
	if opts.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, opts.EventType)
	}
	if !opts.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, opts.StartTime.UnixMilli())
	}
	if !opts.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, opts.EndTime.UnixMilli())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := 50
	if opts.Limit > 0 && opts.Limit <= 1000 {
		limit = opts.Limit
	}
	query := "SELECT " + eventColumns + " FROM events" + clause + " ORDER BY timestamp DESC, created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}
	return events, total, rows.Err()
}

// Acknowledge marks an event as seen
func (s *Service) Acknowledge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE events SET acknowledged = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Prune deletes events older than before and returns how many were removed
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Pruned events", "removed", n, "before", before)
	}
	return n, nil
}

// RunRetention prunes events older than retention once an hour until ctx
// is cancelled, checkpointing the WAL after a pass that removed rows
func (s *Service) RunRetention(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := s.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("Retention pass failed", "error", err)
		}
		if n > 0 {
			if err := s.db.Checkpoint(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("WAL checkpoint failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CreateWeaponEvent records a weapon sighting
func (s *Service) CreateWeaponEvent(ctx context.Context, stream, weaponType string, confidence float64, ts time.Time) (*Event, error) {
	event := &Event{
		Stream:     stream,
		EventType:  EventWeapon,
		Label:      weaponType,
		Confidence: confidence,
		Timestamp:  ts,
	}
	if err := s.Create(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// CreateIdentityEvent records the registration of a new person identity
func (s *Service) CreateIdentityEvent(ctx context.Context, stream string, personID uint64, metadata any, ts time.Time) (*Event, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	event := &Event{
		Stream:     stream,
		EventType:  EventIdentityCreated,
		Label:      fmt.Sprintf("person %d", personID),
		Confidence: 1,
		Metadata:   raw,
		Timestamp:  ts,
	}
	if err := s.Create(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Service) notifySubscribers(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
