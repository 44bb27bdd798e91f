package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBackend is returned when the detector backend reports a failure
var ErrBackend = errors.New("detector backend error")

// Client is an HTTP client for an external detector backend
type Client struct {
	mu         sync.RWMutex
	name       string
	httpClient *http.Client
	baseURL    string
	cfg        ClientConfig
	logger     *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Name          string
	URL           string
	Timeout       time.Duration
	MinConfidence float64
	NMSThreshold  float64
	Classes       []string
	JPEGQuality   int
}

// NewClient creates a new detector backend client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("detector %q: url is required", cfg.Name)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 85
	}
	if cfg.Name == "" {
		cfg.Name = "detector"
	}

	return &Client{
		name: cfg.Name,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.URL,
		cfg:     cfg,
		logger:  slog.Default().With("component", "detector_client", "detector", cfg.Name),
	}, nil
}

// Name returns the detector name
func (c *Client) Name() string {
	return c.name
}

type detectRequest struct {
	ImageData     string   `json:"image_data"`
	MinConfidence float64  `json:"min_confidence"`
	NMSThreshold  float64  `json:"nms_threshold,omitempty"`
	Classes       []string `json:"classes,omitempty"`
}

type detectResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Detections []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		BBox       struct {
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"bbox"`
	} `json:"detections"`
	ProcessTimeMs float64 `json:"process_time_ms"`
}

// Detect sends a frame to the backend and returns clipped detections
func (c *Client) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	start := time.Now()

	dets, err := c.detect(ctx, img)
	if err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	return dets, nil
}

func (c *Client) detect(ctx context.Context, img image.Image) ([]Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	jsonBody, err := json.Marshal(detectRequest{
		ImageData:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		MinConfidence: c.cfg.MinConfidence,
		NMSThreshold:  c.cfg.NMSThreshold,
		Classes:       c.cfg.Classes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status code %d", ErrBackend, resp.StatusCode)
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !result.Success {
		return nil, fmt.Errorf("%w: %s", ErrBackend, result.Error)
	}

	bounds := img.Bounds()
	now := time.Now()

	detections := make([]Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		box := Box{
			X:      int(d.BBox.X),
			Y:      int(d.BBox.Y),
			Width:  int(d.BBox.Width),
			Height: int(d.BBox.Height),
		}.Clip(bounds)

		detections = append(detections, Detection{
			ID:         uuid.New().String(),
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        box,
			Timestamp:  now,
		})
	}

	detections = FilterConfidence(detections, c.cfg.MinConfidence)
	if c.cfg.NMSThreshold > 0 {
		detections = SuppressOverlaps(detections, c.cfg.NMSThreshold)
	}

	c.logger.Debug("Detection completed",
		"detections", len(detections),
		"backend_ms", result.ProcessTimeMs,
	)

	return detections, nil
}

// Stats returns client statistics
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if ok := requests - errors; ok > 0 {
		avgLatency = c.totalLatency / time.Duration(ok)
	}
	return
}
