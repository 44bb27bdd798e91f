// Package api serves the MJPEG feeds, the JSON API and the websocket hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Spatial-NVR/watchpost/internal/events"
	"github.com/Spatial-NVR/watchpost/internal/identity"
	"github.com/Spatial-NVR/watchpost/internal/logging"
	"github.com/Spatial-NVR/watchpost/internal/pipeline"
	"github.com/Spatial-NVR/watchpost/internal/weapons"
)

// Feed paths, keyed by pipeline stream name
var feedPaths = map[string]string{
	pipeline.StreamObject:   "/video_feed",
	pipeline.StreamThermal:  "/video_feed_thermal",
	pipeline.StreamActivity: "/activity_feed",
	pipeline.StreamWeapon:   "/weapon_detection_feed",
}

// ActivitySource reports the current activity label
type ActivitySource interface {
	Status() pipeline.ActivityStatus
}

// StatsSource reports pipeline counters
type StatsSource interface {
	Name() string
	Stats() pipeline.Stats
}

// EventStore is the persisted alert log
type EventStore interface {
	List(ctx context.Context, opts events.ListOptions) ([]*events.Event, int, error)
	Get(ctx context.Context, id string) (*events.Event, error)
	Acknowledge(ctx context.Context, id string) error
}

// Options wires the server to its data sources. Nil sources disable their
// routes.
type Options struct {
	Tracker   *identity.Tracker
	Activity  ActivitySource
	Weapons   *weapons.History
	Events    EventStore
	Logs      *logging.Buffer
	Hub       *Hub
	Feeds     map[string]http.Handler
	Pipelines []StatsSource
	// Checks are run by the health endpoint
	Checks         map[string]func(context.Context) error
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server handles HTTP requests
type Server struct {
	opts Options
}

// NewServer creates a server
func NewServer(opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Server{opts: opts}
}

// Routes returns the HTTP handler
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.handleIndex)
	for stream, path := range feedPaths {
		if h, ok := s.opts.Feeds[stream]; ok {
			r.Handle(path, h)
		}
	}
	if s.opts.Weapons != nil {
		r.Get("/detection_history", s.handleDetectionHistory)
	}
	if s.opts.Hub != nil {
		r.Get("/ws", s.opts.Hub.HandleWebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/health", s.handleHealth)
		if s.opts.Tracker != nil {
			r.Get("/identities", s.handleListIdentities)
			r.Get("/identities/{id}", s.handleGetIdentity)
		}
		if s.opts.Activity != nil {
			r.Get("/activity", s.handleActivity)
		}
		if s.opts.Events != nil {
			r.Get("/events", s.handleListEvents)
			r.Get("/events/{id}", s.handleGetEvent)
			r.Post("/events/{id}/acknowledge", s.handleAcknowledgeEvent)
		}
		if s.opts.Logs != nil {
			r.Get("/logs", s.handleLogs)
		}
	})

	return r
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>watchpost</title>
<style>
body { background: #111; color: #eee; font-family: sans-serif; }
.feeds { display: grid; grid-template-columns: repeat(2, 1fr); gap: 12px; }
.feeds img { width: 100%; background: #000; }
</style>
</head>
<body>
<h1>watchpost</h1>
<div class="feeds">
<figure><img src="/video_feed" alt="object"><figcaption>Object detection</figcaption></figure>
<figure><img src="/video_feed_thermal" alt="thermal"><figcaption>Thermal</figcaption></figure>
<figure><img src="/activity_feed" alt="activity"><figcaption>Activity</figcaption></figure>
<figure><img src="/weapon_detection_feed" alt="weapon"><figcaption>Weapon detection</figcaption></figure>
</div>
<h2>Activity: <span id="activity">-</span></h2>
<h2>Weapon detections</h2>
<ul id="history"></ul>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (e) => {
  const msg = JSON.parse(e.data);
  if (msg.type === "activity" && msg.data) {
    document.getElementById("activity").textContent = msg.data.activity;
  }
};
async function refresh() {
  const res = await fetch("/detection_history");
  if (!res.ok) return;
  const body = await res.json();
  const list = document.getElementById("history");
  list.innerHTML = "";
  for (const d of body.detections.slice().reverse()) {
    const li = document.createElement("li");
    li.textContent = d.timestamp + " " + d.weapon_type + " (" + d.confidence.toFixed(2) + ")";
    list.appendChild(li);
  }
}
setInterval(refresh, 2000);
refresh();
</script>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

// handleDetectionHistory keeps the bare {"detections": [...]} shape that
// dashboards poll
func (s *Server) handleDetectionHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detections": s.opts.Weapons.Snapshot(),
	})
}

type healthResponse struct {
	Status     string                    `json:"status"`
	Checks     map[string]string         `json:"checks"`
	Identities int                       `json:"identities"`
	Pipelines  map[string]pipeline.Stats `json:"pipelines"`
	WSClients  int                       `json:"ws_clients"`
	LastWeapon *weapons.Sighting         `json:"last_weapon,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Checks:    make(map[string]string),
		Pipelines: make(map[string]pipeline.Stats),
	}

	for name, check := range s.opts.Checks {
		if err := check(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	for _, p := range s.opts.Pipelines {
		resp.Pipelines[p.Name()] = p.Stats()
	}
	if s.opts.Tracker != nil {
		resp.Identities = s.opts.Tracker.Len()
	}
	if s.opts.Hub != nil {
		resp.WSClients = s.opts.Hub.ClientCount()
	}
	if s.opts.Weapons != nil {
		if last, ok := s.opts.Weapons.Latest(); ok {
			resp.LastWeapon = &last
		}
	}

	OK(w, resp)
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	OK(w, s.opts.Tracker.Snapshot())
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		BadRequest(w, "invalid identity id")
		return
	}

	rec, ok := s.opts.Tracker.Get(identity.PersonID(id))
	if !ok {
		NotFound(w, "identity not found")
		return
	}
	OK(w, identity.RecordSnapshot{
		ID:         rec.ID,
		LastSeen:   rec.LastSeen,
		Position:   rec.Position,
		MatchCount: rec.MatchCount,
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	OK(w, s.opts.Activity.Status())
}

const maxPerPage = 500

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		BadRequest(w, "invalid page")
		return
	}
	perPage, err := intParam(q.Get("per_page"), 50)
	if err != nil || perPage < 1 || perPage > maxPerPage {
		BadRequest(w, "per_page must be between 1 and 500")
		return
	}

	opts := events.ListOptions{
		Stream:    q.Get("stream"),
		EventType: events.EventType(q.Get("type")),
		Limit:     perPage,
		Offset:    (page - 1) * perPage,
	}
	if opts.StartTime, err = timeParam(q.Get("since")); err != nil {
		BadRequest(w, "since must be an RFC 3339 timestamp")
		return
	}
	if opts.EndTime, err = timeParam(q.Get("until")); err != nil {
		BadRequest(w, "until must be an RFC 3339 timestamp")
		return
	}

	list, total, err := s.opts.Events.List(r.Context(), opts)
	if err != nil {
		InternalError(w, "failed to list events")
		return
	}
	List(w, list, total, page, perPage)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.opts.Events.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, events.ErrNotFound) {
		NotFound(w, "event not found")
		return
	}
	if err != nil {
		InternalError(w, "failed to load event")
		return
	}
	OK(w, ev)
}

func (s *Server) handleAcknowledgeEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.opts.Events.Acknowledge(r.Context(), id)
	if errors.Is(err, events.ErrNotFound) {
		NotFound(w, "event not found")
		return
	}
	if err != nil {
		InternalError(w, "failed to acknowledge event")
		return
	}
	OK(w, map[string]string{"id": id, "status": "acknowledged"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), 100)
	if err != nil || limit < 1 {
		BadRequest(w, "invalid limit")
		return
	}
	filter := logging.Filter{
		MinLevel:  logging.ParseLevel(q.Get("level")),
		Component: q.Get("component"),
	}

	OK(w, s.opts.Logs.Recent(limit, filter))
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
