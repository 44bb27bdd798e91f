package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnexpectedStatus is returned when the snapshot endpoint answers non-200
var ErrUnexpectedStatus = errors.New("unexpected status code")

// Source produces frames on demand
type Source interface {
	Grab(ctx context.Context) (image.Image, error)
}

// SnapshotSource fetches JPEG snapshots over HTTP
type SnapshotSource struct {
	url        string
	httpClient *http.Client
}

// NewSnapshotSource creates a source for a plain snapshot URL
func NewSnapshotSource(snapshotURL string, timeout time.Duration) *SnapshotSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SnapshotSource{
		url:        snapshotURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewGo2RTCSource creates a source reading frames of a go2rtc stream
func NewGo2RTCSource(baseURL, stream string, timeout time.Duration) *SnapshotSource {
	// go2rtc uses lowercase stream names
	name := strings.ToLower(strings.ReplaceAll(stream, " ", "_"))
	u := fmt.Sprintf("%s/api/frame.jpeg?src=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(name))
	return NewSnapshotSource(u, timeout)
}

// URL returns the snapshot URL
func (s *SnapshotSource) URL() string {
	return s.url
}

// Grab fetches and decodes one snapshot
func (s *SnapshotSource) Grab(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}
