// Package main runs the watchpost analytics service
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/Spatial-NVR/watchpost/internal/api"
	"github.com/Spatial-NVR/watchpost/internal/capture"
	"github.com/Spatial-NVR/watchpost/internal/config"
	"github.com/Spatial-NVR/watchpost/internal/core"
	"github.com/Spatial-NVR/watchpost/internal/database"
	"github.com/Spatial-NVR/watchpost/internal/detection"
	"github.com/Spatial-NVR/watchpost/internal/events"
	"github.com/Spatial-NVR/watchpost/internal/identity"
	"github.com/Spatial-NVR/watchpost/internal/logging"
	"github.com/Spatial-NVR/watchpost/internal/motion"
	"github.com/Spatial-NVR/watchpost/internal/pipeline"
	"github.com/Spatial-NVR/watchpost/internal/pose"
	"github.com/Spatial-NVR/watchpost/internal/thermal"
	"github.com/Spatial-NVR/watchpost/internal/weapons"
)

const (
	version         = "0.1.0"
	defaultDataPath = "/data"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Bootstrap logging; the level is refined once the config is loaded
	var level slog.LevelVar
	if os.Getenv("LOG_LEVEL") == "debug" {
		level.Set(slog.LevelDebug)
	}
	logBuffer := logging.NewBuffer(1000)
	logger := slog.New(logging.NewStreamHandler(logBuffer, os.Stdout, &level))
	slog.SetDefault(logger)

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := findConfigFile(dataPath)

	cfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	snap := cfg.Snapshot()
	level.Set(logging.ParseLevel(snap.System.Logging.Level))
	if n := snap.System.Logging.BufferSize; n > 0 && n != 1000 {
		logBuffer = logging.NewBuffer(n)
		logger = slog.New(logging.NewStreamHandler(logBuffer, os.Stdout, &level))
		slog.SetDefault(logger)
	}

	slog.Info("Starting watchpost",
		"version", version,
		"name", snap.System.Name,
		"config_path", configPath,
		"data_path", snap.System.DataPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	db, err := database.Open(database.DefaultConfig(snap.System.DataPath))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	eventService := events.NewService(db)

	// Event bus
	bus, err := core.NewEventBus(core.EventBusConfig{
		Host: snap.System.NATS.Host,
		Port: snap.System.NATS.Port,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer bus.Stop()

	hub := api.NewHub()

	// Notifications
	var notifier weapons.Notifier
	if mq := snap.Notifications.MQTT; mq.Enabled {
		n, err := weapons.NewMQTTNotifier(weapons.MQTTConfig{
			Host:     mq.Host,
			Port:     mq.Port,
			Username: mq.Username,
			Password: mq.Password,
			Topic:    mq.Topic,
			ClientID: "watchpost-" + snap.System.Name,
		})
		if err != nil {
			// Alerts are still persisted and published without MQTT
			slog.Warn("MQTT notifications disabled", "error", err)
		} else {
			defer n.Close()
			notifier = n
		}
	}

	// Analytics components
	tracker := identity.NewTracker(trackerConfig(snap))
	tracker.OnCreate(func(rec identity.RecordSnapshot) {
		if _, err := eventService.CreateIdentityEvent(ctx, pipeline.StreamObject, uint64(rec.ID), rec, rec.LastSeen); err != nil {
			slog.Error("Failed to persist identity event", "person_id", rec.ID, "error", err)
		}
		if err := bus.Publish(core.SubjectIdentityCreated, rec); err != nil {
			slog.Debug("Failed to publish identity event", "error", err)
		}
	})

	monitor := weapons.NewMonitor(weapons.MonitorConfig{
		Mapping:       weapons.Mapping(snap.Weapons.Classes),
		MinConfidence: snap.Detectors.Weapon.MinConfidence,
		Cooldown:      snap.Weapons.Cooldown,
		HistorySize:   snap.Weapons.HistorySize,
	}, eventService, bus, notifier)

	objectDetector, err := newDetector("object", snap.Detectors.Object, snap.Streams.JPEGQuality)
	if err != nil {
		return err
	}
	weaponDetector, err := newDetector("weapon", snap.Detectors.Weapon, snap.Streams.JPEGQuality)
	if err != nil {
		return err
	}
	estimator, err := pose.NewClient(pose.ClientConfig{
		URL:                    snap.Detectors.Pose.URL,
		Timeout:                snap.Detectors.Pose.Timeout,
		Scale:                  snap.Detectors.Pose.Scale,
		MinDetectionConfidence: snap.Detectors.Pose.MinDetectionConfidence,
		MinTrackingConfidence:  snap.Detectors.Pose.MinTrackingConfidence,
	})
	if err != nil {
		return fmt.Errorf("failed to create pose client: %w", err)
	}

	// Capture
	slot := capture.NewSlot()
	producer := capture.NewProducer(frameSource(snap), slot, snap.Camera.FPS)

	// Pipelines
	weaponStage := pipeline.NewWeaponStage(weaponDetector, monitor)
	activityStage := pipeline.NewActivityStage(estimator, motion.NewClassifier(snap.Motion), weaponStage, bus)

	stages := []struct {
		name  string
		stage pipeline.Stage
	}{
		{pipeline.StreamObject, pipeline.NewObjectStage(objectDetector, tracker)},
		{pipeline.StreamThermal, pipeline.NewThermalStage(thermal.NewRenderer())},
		{pipeline.StreamActivity, activityStage},
		{pipeline.StreamWeapon, weaponStage},
	}

	feeds := make(map[string]http.Handler)
	var runners []*pipeline.Runner
	var stats []api.StatsSource
	for _, s := range stages {
		stream := mjpeg.NewStream()
		feeds[s.name] = stream
		r := pipeline.NewRunner(pipeline.RunnerConfig{
			Name:        s.name,
			JPEGQuality: snap.Streams.JPEGQuality,
		}, slot, s.stage, stream, bus, hub)
		runners = append(runners, r)
		stats = append(stats, r)
	}

	// Hot reload
	cfg.OnChange(func(c *config.Config) {
		s := c.Snapshot()
		tracker.SetConfig(trackerConfig(s))
		level.Set(logging.ParseLevel(s.System.Logging.Level))
		slog.Info("Applied configuration change",
			"match_threshold", s.Tracking.MatchThreshold,
			"log_level", s.System.Logging.Level,
		)
	})
	if err := cfg.Watch(ctx); err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	}

	// Background workers
	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	spawn(hub.Run)
	spawn(tracker.Run)
	spawn(producer.Run)
	for _, r := range runners {
		spawn(r.Run)
	}
	spawn(func(ctx context.Context) {
		eventService.RunRetention(ctx, snap.Events.Retention())
	})
	spawn(func(ctx context.Context) {
		forwardEvents(ctx, eventService, hub)
	})

	// HTTP
	server := api.NewServer(api.Options{
		Tracker:   tracker,
		Activity:  activityStage,
		Weapons:   monitor.History(),
		Events:    eventService,
		Logs:      logBuffer,
		Hub:       hub,
		Feeds:     feeds,
		Pipelines: stats,
		Checks: map[string]func(context.Context) error{
			"database":  db.Health,
			"event_bus": bus.HealthCheck,
		},
	})

	httpServer := &http.Server{
		Addr:        snap.System.HTTP.Addr(),
		Handler:     server.Routes(),
		ReadTimeout: 15 * time.Second,
		// MJPEG feeds stream until the client disconnects
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	cancel()
	wg.Wait()

	slog.Info("Shutdown complete")
	return nil
}

func trackerConfig(c *config.Config) identity.Config {
	return identity.Config{
		MatchThreshold:  c.Tracking.MatchThreshold,
		Staleness:       c.Tracking.Staleness,
		SweepInterval:   c.Tracking.SweepInterval,
		MaxLearningRate: c.Tracking.MaxLearningRate,
	}
}

func newDetector(name string, c config.DetectorConfig, quality int) (*detection.Client, error) {
	client, err := detection.NewClient(detection.ClientConfig{
		Name:          name,
		URL:           c.URL,
		Timeout:       c.Timeout,
		MinConfidence: c.MinConfidence,
		NMSThreshold:  c.NMSThreshold,
		Classes:       c.Classes,
		JPEGQuality:   quality,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s detector: %w", name, err)
	}
	return client, nil
}

func frameSource(c *config.Config) capture.Source {
	if c.Camera.SnapshotURL != "" {
		return capture.NewSnapshotSource(c.Camera.SnapshotURL, c.Camera.Timeout)
	}
	return capture.NewGo2RTCSource(c.Camera.Go2RTCURL, c.Camera.Stream, c.Camera.Timeout)
}

// forwardEvents pushes persisted alerts to websocket clients
func forwardEvents(ctx context.Context, svc *events.Service, hub *api.Hub) {
	ch := svc.Subscribe()
	defer svc.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			hub.Broadcast(string(api.MessageTypeEvent), ev)
		}
	}
}

// findConfigFile looks for the config file in the usual locations
func findConfigFile(dataPath string) string {
	if p := os.Getenv("WATCHPOST_CONFIG"); p != "" {
		return p
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
