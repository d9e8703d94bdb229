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

// TextGenerator defines the generation and supervision operations the
// pipeline needs from the LLM provider. Response ids chain follow-up calls
// to the same remote conversation context.
type TextGenerator interface {
	UploadFile(ctx context.Context, filename string, data []byte) (string, error)
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
	Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error)
}

// GenerateRequest asks for evaluation text in a persona's voice.
type GenerateRequest struct {
	Prompt             string
	Instructions       string
	PreviousResponseID string
	FileID             string
}

// GenerateResult is the text artifact plus the handle for chained calls.
type GenerateResult struct {
	Text       string
	ResponseID string
}

// ReviewRequest asks the supervisor model to judge generated text.
type ReviewRequest struct {
	Text               string
	Instructions       string
	PreviousResponseID string
}

// ReviewResult is the supervisor's structured verdict.
type ReviewResult struct {
	Approved       bool
	CorrectLength  bool
	RequestRestart bool
	RubricScores   map[string]int
	AverageScore   float64
	Feedback       string
	ResponseID     string
}

// OpenAIClient implements TextGenerator against a Responses-style API.
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewOpenAIClient creates a new OpenAI API client
func NewOpenAIClient(cfg *config.OpenAIConfig) *OpenAIClient {
	return &OpenAIClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *OpenAIClient) IsConfigured() bool {
	return c.apiKey != ""
}

type responsesRequest struct {
	Model              string          `json:"model"`
	Input              []inputMessage  `json:"input"`
	Instructions       string          `json:"instructions,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	Text               *textFormatSpec `json:"text,omitempty"`
}

type inputMessage struct {
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

type textFormatSpec struct {
	Format formatSpec `json:"format"`
}

type formatSpec struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict bool            `json:"strict,omitempty"`
}

type responsesResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

var generationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"evaluation_text": {"type": "string"}
	},
	"required": ["evaluation_text"],
	"additionalProperties": false
}`)

var reviewSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"is_approved": {"type": "boolean"},
		"is_correct_length": {"type": "boolean"},
		"request_restart": {"type": "boolean"},
		"rubric_scores": {
			"type": "object",
			"properties": {
				"clarity": {"type": "integer"},
				"persona_fit": {"type": "integer"},
				"insight": {"type": "integer"},
				"delivery": {"type": "integer"}
			},
			"required": ["clarity", "persona_fit", "insight", "delivery"],
			"additionalProperties": false
		},
		"average_score": {"type": "number"},
		"feedback": {"type": ["string", "null"]}
	},
	"required": ["is_approved", "is_correct_length", "request_restart", "rubric_scores", "average_score", "feedback"],
	"additionalProperties": false
}`)

// UploadFile uploads a document so generation calls can reference it.
func (c *OpenAIClient) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("purpose", "assistants"); err != nil {
		return "", fmt.Errorf("failed to write purpose field: %w", err)
	}
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{Provider: "openai", StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var fileResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &fileResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal file response: %w", err)
	}
	if fileResp.ID == "" {
		return "", fmt.Errorf("file upload returned no id")
	}
	return fileResp.ID, nil
}

// Generate produces evaluation text under the given persona instructions.
func (c *OpenAIClient) Generate(ctx context.Context, genReq *GenerateRequest) (*GenerateResult, error) {
	content := []inputContent{{Type: "input_text", Text: genReq.Prompt}}
	if genReq.FileID != "" {
		content = append(content, inputContent{Type: "input_file", FileID: genReq.FileID})
	}

	reqBody := responsesRequest{
		Model:              c.model,
		Input:              []inputMessage{{Role: "user", Content: content}},
		Instructions:       genReq.Instructions,
		PreviousResponseID: genReq.PreviousResponseID,
		Text: &textFormatSpec{Format: formatSpec{
			Type:   "json_schema",
			Name:   "evaluation",
			Schema: generationSchema,
			Strict: true,
		}},
	}

	raw, responseID, err := c.createResponse(ctx, &reqBody)
	if err != nil {
		return nil, err
	}

	var out struct {
		EvaluationText string `json:"evaluation_text"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generation output: %w", err)
	}
	if out.EvaluationText == "" {
		return nil, fmt.Errorf("generation output was empty")
	}

	return &GenerateResult{Text: out.EvaluationText, ResponseID: responseID}, nil
}

// Review asks the supervisor model for a structured verdict on the text.
func (c *OpenAIClient) Review(ctx context.Context, revReq *ReviewRequest) (*ReviewResult, error) {
	prompt := "Please review the following evaluation text:\n\n" + revReq.Text

	reqBody := responsesRequest{
		Model:              c.model,
		Input:              []inputMessage{{Role: "user", Content: []inputContent{{Type: "input_text", Text: prompt}}}},
		Instructions:       revReq.Instructions,
		PreviousResponseID: revReq.PreviousResponseID,
		Text: &textFormatSpec{Format: formatSpec{
			Type:   "json_schema",
			Name:   "evaluation_review",
			Schema: reviewSchema,
			Strict: true,
		}},
	}

	raw, responseID, err := c.createResponse(ctx, &reqBody)
	if err != nil {
		return nil, err
	}

	var out struct {
		IsApproved      bool           `json:"is_approved"`
		IsCorrectLength bool           `json:"is_correct_length"`
		RequestRestart  bool           `json:"request_restart"`
		RubricScores    map[string]int `json:"rubric_scores"`
		AverageScore    float64        `json:"average_score"`
		Feedback        string         `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal review output: %w", err)
	}

	return &ReviewResult{
		Approved:       out.IsApproved,
		CorrectLength:  out.IsCorrectLength,
		RequestRestart: out.RequestRestart,
		RubricScores:   out.RubricScores,
		AverageScore:   out.AverageScore,
		Feedback:       out.Feedback,
		ResponseID:     responseID,
	}, nil
}

// createResponse posts to /responses and returns the first output text plus
// the response id.
func (c *OpenAIClient) createResponse(ctx context.Context, reqBody *responsesRequest) (string, string, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", &APIError{Provider: "openai", StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var parsed responsesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return "", "", fmt.Errorf("openai response error: %s", parsed.Error.Message)
	}
	if parsed.ID == "" {
		return "", "", fmt.Errorf("response missing id")
	}

	for _, item := range parsed.Output {
		for _, content := range item.Content {
			if content.Type == "output_text" && content.Text != "" {
				return content.Text, parsed.ID, nil
			}
		}
	}
	return "", "", fmt.Errorf("no text output in response %s", parsed.ID)
}
