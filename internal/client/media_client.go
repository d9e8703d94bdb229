package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evalpanel/api/internal/config"
)

// VideoCombiner defines the interface for video post-processing operations
type VideoCombiner interface {
	Concatenate(ctx context.Context, req *ConcatRequest) (*ConcatResult, error)
	HealthCheck(ctx context.Context) error
}

// MediaClient implements VideoCombiner for the ffmpeg microservice
type MediaClient struct {
	httpClient *http.Client
	baseURL    string
}

// ConcatRequest represents the request for video concatenation. Videos are
// joined in slice order.
type ConcatRequest struct {
	VideoURLs []string `json:"video_urls"`
	OutputKey string   `json:"output_key"`
}

// ConcatResult represents the response from concatenation
type ConcatResult struct {
	OutputURL string  `json:"output_url"`
	Duration  float64 `json:"duration"`
	Size      int64   `json:"size"`
}

// NewMediaClient creates a new media processing client
func NewMediaClient(cfg *config.MediaConfig) *MediaClient {
	return &MediaClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// Concatenate joins multiple videos into one and stores the result at the
// given output key.
func (c *MediaClient) Concatenate(ctx context.Context, req *ConcatRequest) (*ConcatResult, error) {
	if len(req.VideoURLs) == 0 {
		return nil, fmt.Errorf("no videos to concatenate")
	}

	var result ConcatResult
	if err := c.post(ctx, "/concat", req, &result); err != nil {
		return nil, err
	}
	if result.OutputURL == "" {
		return nil, fmt.Errorf("concatenation returned no output url")
	}
	return &result, nil
}

// HealthCheck checks if the media service is available
func (c *MediaClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response
func (c *MediaClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: "media", StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *MediaClient) IsConfigured() bool {
	return c.baseURL != ""
}
