// Package pipeline runs independent analysis passes over the shared
// latest-frame slot and republishes their output.
package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/watchpost/internal/capture"
	"github.com/Spatial-NVR/watchpost/internal/core"
)

// Stage analyses one frame. It returns the image to stream, an optional
// annotation to publish, and an error for the frame. A failing stage may
// still return an image.
type Stage interface {
	Process(ctx context.Context, frame capture.Frame) (image.Image, any, error)
}

// Output receives encoded frames; *mjpeg.Stream satisfies it
type Output interface {
	UpdateJPEG(jpeg []byte)
}

// Publisher publishes annotations on the event bus
type Publisher interface {
	Publish(subject string, data any) error
}

// Broadcaster pushes annotations to websocket clients
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// Stats reports runner counters
type Stats struct {
	Processed uint64 `json:"processed"`
	Skipped   uint64 `json:"skipped"`
	Errors    uint64 `json:"errors"`
}

// RunnerConfig configures a Runner
type RunnerConfig struct {
	Name        string
	JPEGQuality int
	// PollInterval is how long to wait when no new frame is available
	PollInterval time.Duration
}

// Runner feeds the newest frame to a stage at the stage's own pace.
// Frames that arrive while the stage is busy are skipped.
type Runner struct {
	cfg    RunnerConfig
	slot   *capture.Slot
	stage  Stage
	out    Output
	bus    Publisher
	hub    Broadcaster
	logger *slog.Logger

	lastSeq   uint64
	processed atomic.Uint64
	skipped   atomic.Uint64
	errors    atomic.Uint64
}

// NewRunner creates a runner. out, bus and hub are optional.
func NewRunner(cfg RunnerConfig, slot *capture.Slot, stage Stage, out Output, bus Publisher, hub Broadcaster) *Runner {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return &Runner{
		cfg:    cfg,
		slot:   slot,
		stage:  stage,
		out:    out,
		bus:    bus,
		hub:    hub,
		logger: slog.Default().With("component", "pipeline", "stream", cfg.Name),
	}
}

// Name returns the stream name
func (r *Runner) Name() string {
	return r.cfg.Name
}

// Run processes frames until ctx is cancelled
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("Pipeline started")
	defer r.logger.Info("Pipeline stopped")

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	for ctx.Err() == nil {
		if r.Step(ctx) {
			continue
		}
		timer.Reset(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// Step processes the newest frame if one arrived since the last step and
// reports whether it did
func (r *Runner) Step(ctx context.Context) bool {
	if r.slot.Seq() == r.lastSeq {
		return false
	}
	frame, ok := r.slot.Latest()
	if !ok || frame.Seq == r.lastSeq {
		return false
	}
	if r.lastSeq > 0 && frame.Seq > r.lastSeq+1 {
		r.skipped.Add(frame.Seq - r.lastSeq - 1)
	}
	r.lastSeq = frame.Seq

	img, annotation, err := r.stage.Process(ctx, frame)
	if err != nil {
		r.errors.Add(1)
		r.logger.Warn("Frame processing failed", "seq", frame.Seq, "error", err)
	}
	if img == nil {
		img = frame.Image
	}

	r.emit(img, annotation)
	r.processed.Add(1)
	return true
}

func (r *Runner) emit(img image.Image, annotation any) {
	if r.out != nil {
		data, err := encodeJPEG(img, r.cfg.JPEGQuality)
		if err != nil {
			r.logger.Error("Failed to encode frame", "error", err)
		} else {
			r.out.UpdateJPEG(data)
		}
	}

	if annotation == nil {
		return
	}
	if r.bus != nil {
		if err := r.bus.Publish(core.AnnotationSubject(r.cfg.Name), annotation); err != nil {
			r.logger.Debug("Failed to publish annotation", "error", err)
		}
	}
	if r.hub != nil {
		r.hub.Broadcast(r.cfg.Name, annotation)
	}
}

// Stats returns runner counters
func (r *Runner) Stats() Stats {
	return Stats{
		Processed: r.processed.Load(),
		Skipped:   r.skipped.Load(),
		Errors:    r.errors.Load(),
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
