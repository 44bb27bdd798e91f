package pose

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"time"

	"github.com/nfnt/resize"
)

// ClientConfig holds pose estimator client configuration
type ClientConfig struct {
	URL     string
	Timeout time.Duration
	// Scale downsamples frames before upload; landmarks are normalized so
	// they stay valid for the full-size frame.
	Scale                  float64
	MinDetectionConfidence float64
	MinTrackingConfidence  float64
}

// Client is an HTTP client for an external pose estimator
type Client struct {
	httpClient *http.Client
	baseURL    string
	cfg        ClientConfig
	logger     *slog.Logger
}

// NewClient creates a pose estimator client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("pose estimator url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Scale <= 0 || cfg.Scale > 1 {
		cfg.Scale = 0.5
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.URL,
		cfg:        cfg,
		logger:     slog.Default().With("component", "pose_client"),
	}, nil
}

// Estimate sends the frame to the estimator and returns the detected pose
func (c *Client) Estimate(ctx context.Context, img image.Image) (*Pose, error) {
	b := img.Bounds()
	w := uint(float64(b.Dx()) * c.cfg.Scale)
	if w == 0 {
		w = 1
	}
	small := resize.Resize(w, 0, img, resize.Bilinear)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"image_data":               base64.StdEncoding.EncodeToString(buf.Bytes()),
		"min_detection_confidence": c.cfg.MinDetectionConfidence,
		"min_tracking_confidence":  c.cfg.MinTrackingConfidence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pose", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pose request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result struct {
		Success   bool       `json:"success"`
		Error     string     `json:"error"`
		Landmarks []Landmark `json:"landmarks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("pose estimation failed: %s", result.Error)
	}

	if len(result.Landmarks) == 0 {
		return nil, nil
	}

	return &Pose{Landmarks: result.Landmarks}, nil
}
