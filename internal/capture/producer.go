package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Producer continuously grabs frames from a source into a slot
type Producer struct {
	source   Source
	slot     *Slot
	interval time.Duration
	logger   *slog.Logger

	grabbed atomic.Uint64
	failed  atomic.Uint64
}

// ProducerStats reports capture counters
type ProducerStats struct {
	Grabbed uint64 `json:"grabbed"`
	Failed  uint64 `json:"failed"`
}

// NewProducer creates a producer capturing at fps frames per second
func NewProducer(source Source, slot *Slot, fps int) *Producer {
	// Default to 5 FPS if not specified or invalid
	if fps <= 0 {
		fps = 5
	}
	return &Producer{
		source:   source,
		slot:     slot,
		interval: time.Second / time.Duration(fps),
		logger:   slog.Default().With("component", "capture"),
	}
}

// Run grabs frames until ctx is cancelled. Failed grabs are logged and the
// next tick tries again.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			img, err := p.source.Grab(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if p.failed.Add(1)%50 == 1 {
					p.logger.Warn("Failed to grab frame", "error", err, "failures", p.failed.Load())
				}
				continue
			}
			p.slot.Store(img, time.Now())
			p.grabbed.Add(1)
		}
	}
}

// Stats returns capture counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Grabbed: p.grabbed.Load(),
		Failed:  p.failed.Load(),
	}
}
