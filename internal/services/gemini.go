package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"chatrelay-backend/internal/models"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.0-flash"

	maxResponseBody = 4 << 20
)

// GeminiClient calls the Gemini generateContent REST endpoint directly, with
// the API key as the "key" query parameter.
type GeminiClient struct {
	httpClient  *http.Client
	baseURL     string
	model       string
	apiKey      string
	temperature float64
}

func NewGeminiClient(httpClient *http.Client, apiKey, model, baseURL string, temperature float64) *GeminiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiClient{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		apiKey:      apiKey,
		temperature: temperature,
	}
}

func (c *GeminiClient) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

// geminiResponse uses pointers throughout so that absent fields can be told
// apart from empty ones.
type geminiResponse struct {
	Candidates *[]struct {
		Content *struct {
			Parts *[]struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func buildGeminiRequest(p Prompt, temperature float64) geminiRequest {
	req := geminiRequest{
		Contents:         make([]geminiContent, 0, len(p.Turns)),
		GenerationConfig: geminiGenerationConfig{Temperature: temperature},
	}
	if p.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: p.System}}}
	}
	for _, t := range p.Turns {
		req.Contents = append(req.Contents, geminiContent{
			Role:  geminiRole(t.Role),
			Parts: []geminiPart{{Text: t.Text}},
		})
	}
	return req
}

// Gemini names the assistant side "model".
func geminiRole(r models.Role) string {
	if r == models.RoleAssistant {
		return "model"
	}
	return "user"
}

// decodeGeminiResponse extracts candidates[0].content.parts[0].text.
func decodeGeminiResponse(body []byte) (string, *DecodeError) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &DecodeError{Reason: ReasonMalformedBody, Detail: err.Error()}
	}
	if resp.Candidates == nil || len(*resp.Candidates) == 0 {
		return "", &DecodeError{Reason: ReasonNoCandidates}
	}
	first := (*resp.Candidates)[0]
	if first.Content == nil {
		return "", &DecodeError{Reason: ReasonNoContent}
	}
	if first.Content.Parts == nil || len(*first.Content.Parts) == 0 {
		return "", &DecodeError{Reason: ReasonNoParts}
	}
	text := (*first.Content.Parts)[0].Text
	if text == nil {
		return "", &DecodeError{Reason: ReasonNoText}
	}
	return *text, nil
}

func (c *GeminiClient) endpoint() string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
}

func (c *GeminiClient) Generate(ctx context.Context, p Prompt) (string, error) {
	payload, err := json.Marshal(buildGeminiRequest(p, c.temperature))
	if err != nil {
		return "", fmt.Errorf("failed to encode gemini request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(c.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", transportError(c.Name(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(c.Name(), resp.StatusCode, string(body))
	}

	text, derr := decodeGeminiResponse(body)
	if derr != nil {
		return "", decodeError(c.Name(), derr.Reason, derr.Detail)
	}
	return text, nil
}
