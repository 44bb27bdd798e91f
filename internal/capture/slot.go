// Package capture feeds camera frames into a single shared latest-frame slot.
package capture

import (
	"image"
	"image/draw"
	"sync"
	"time"
)

// Frame is one captured image
type Frame struct {
	Image     image.Image
	Seq       uint64
	Timestamp time.Time
}

// Slot holds only the newest frame. Stores overwrite unconditionally;
// readers never wait for a particular frame.
type Slot struct {
	mu    sync.Mutex
	frame Frame
}

// NewSlot creates an empty slot
func NewSlot() *Slot {
	return &Slot{}
}

// Store replaces the current frame and returns its sequence number
func (s *Slot) Store(img image.Image, ts time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frame = Frame{
		Image:     img,
		Seq:       s.frame.Seq + 1,
		Timestamp: ts,
	}
	return s.frame.Seq
}

// Latest returns a private copy of the newest frame. ok is false until the
// first frame arrives.
func (s *Slot) Latest() (Frame, bool) {
	s.mu.Lock()
	f := s.frame
	s.mu.Unlock()

	if f.Image == nil {
		return Frame{}, false
	}
	f.Image = cloneImage(f.Image)
	return f, true
}

// Seq returns the sequence number of the newest frame, 0 when empty
func (s *Slot) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.Seq
}

func cloneImage(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
