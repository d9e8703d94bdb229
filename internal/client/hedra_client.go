package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/evalpanel/api/internal/config"
)

// VideoSynthesizer defines the talking-head video generation operation.
type VideoSynthesizer interface {
	Synthesize(ctx context.Context, req *VideoRequest) (*VideoResult, error)
}

// VideoRequest carries the inputs for one avatar video: the speech audio and
// the persona portrait.
type VideoRequest struct {
	AudioData        []byte
	AudioContentType string
	ImageData        []byte
	ImageContentType string
}

// VideoResult is a synthesized video payload.
type VideoResult struct {
	Data        []byte
	ContentType string
}

// HedraClient implements VideoSynthesizer for the Hedra API. Generation is
// asynchronous on Hedra's side: upload both assets, start a generation, then
// poll until it completes and download the output.
type HedraClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewHedraClient creates a new Hedra API client
func NewHedraClient(cfg *config.HedraConfig) *HedraClient {
	return &HedraClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		pollInterval: time.Duration(cfg.PollInterval) * time.Second,
		pollTimeout:  time.Duration(cfg.PollTimeout) * time.Second,
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *HedraClient) IsConfigured() bool {
	return c.apiKey != ""
}

type assetResponse struct {
	ID string `json:"id"`
}

type generationRequest struct {
	Type            string `json:"type"`
	StartKeyframeID string `json:"start_keyframe_id"`
	AudioID         string `json:"audio_id"`
}

type generationResponse struct {
	ID string `json:"id"`
}

type generationStatus struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	URL      string `json:"url"`
	ErrorMsg string `json:"error_message"`
}

// Synthesize runs the full asset-upload / generate / poll / download cycle.
func (c *HedraClient) Synthesize(ctx context.Context, vreq *VideoRequest) (*VideoResult, error) {
	audioID, err := c.uploadAsset(ctx, "audio", "speech.mp3", vreq.AudioData, vreq.AudioContentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio asset: %w", err)
	}

	imageID, err := c.uploadAsset(ctx, "image", "portrait.png", vreq.ImageData, vreq.ImageContentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload image asset: %w", err)
	}

	generationID, err := c.startGeneration(ctx, audioID, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to start generation: %w", err)
	}

	videoURL, err := c.pollGeneration(ctx, generationID)
	if err != nil {
		return nil, err
	}

	return c.download(ctx, videoURL)
}

// uploadAsset creates an asset record and uploads its bytes.
func (c *HedraClient) uploadAsset(ctx context.Context, assetType, filename string, data []byte, contentType string) (string, error) {
	createBody, err := json.Marshal(map[string]string{
		"name": filename,
		"type": assetType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal asset request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/web-app/public/assets", bytes.NewReader(createBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	var asset assetResponse
	if err := c.do(req, &asset); err != nil {
		return "", err
	}
	if asset.ID == "" {
		return "", fmt.Errorf("asset creation returned no id")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	uploadURL := fmt.Sprintf("%s/web-app/public/assets/%s/upload", c.baseURL, asset.ID)
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-API-Key", c.apiKey)

	if err := c.do(req, nil); err != nil {
		return "", err
	}
	return asset.ID, nil
}

// startGeneration kicks off a character video generation.
func (c *HedraClient) startGeneration(ctx context.Context, audioID, imageID string) (string, error) {
	genBody, err := json.Marshal(generationRequest{
		Type:            "video",
		StartKeyframeID: imageID,
		AudioID:         audioID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/web-app/public/generations", bytes.NewReader(genBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	var gen generationResponse
	if err := c.do(req, &gen); err != nil {
		return "", err
	}
	if gen.ID == "" {
		return "", fmt.Errorf("generation returned no id")
	}
	return gen.ID, nil
}

// pollGeneration polls until the generation finishes or the poll budget runs
// out, returning the download URL.
func (c *HedraClient) pollGeneration(ctx context.Context, generationID string) (string, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.getGenerationStatus(ctx, generationID)
		if err != nil {
			return "", err
		}

		switch status.Status {
		case "complete":
			if status.URL == "" {
				return "", fmt.Errorf("generation %s complete but no url", generationID)
			}
			return status.URL, nil
		case "error":
			return "", fmt.Errorf("generation %s failed: %s", generationID, status.ErrorMsg)
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("generation %s timed out after %s", generationID, c.pollTimeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *HedraClient) getGenerationStatus(ctx context.Context, generationID string) (*generationStatus, error) {
	url := fmt.Sprintf("%s/web-app/public/generations/%s/status", c.baseURL, generationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	var status generationStatus
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// download fetches the finished video.
func (c *HedraClient) download(ctx context.Context, url string) (*VideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "hedra", StatusCode: resp.StatusCode, Message: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read video body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("downloaded video is empty")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	return &VideoResult{Data: data, ContentType: contentType}, nil
}

// do executes a request and decodes a JSON response when result is non-nil.
func (c *HedraClient) do(req *http.Request, result interface{}) error {
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
		return &APIError{Provider: "hedra", StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
