package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"chatrelay-backend/internal/models"
)

// GeminiSDKClient reaches Gemini through the official Go SDK. The SDK retries
// 503 responses on its own, so it is an opt-in alternative to GeminiClient.
type GeminiSDKClient struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGeminiSDKClient(ctx context.Context, apiKey, model, endpoint string, temperature float64) (*GeminiSDKClient, error) {
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}

	return &GeminiSDKClient{
		client:      client,
		model:       model,
		temperature: float32(temperature),
	}, nil
}

func (c *GeminiSDKClient) Name() string { return "gemini-sdk" }

func (c *GeminiSDKClient) Close() error {
	return c.client.Close()
}

func (c *GeminiSDKClient) Generate(ctx context.Context, p Prompt) (string, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(c.temperature)
	if p.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}

	history, last := splitChatHistory(p.Turns)
	cs := model.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", classifyGeminiSDKError(c.Name(), err)
	}

	text, derr := extractSDKReply(resp)
	if derr != nil {
		return "", decodeError(c.Name(), derr.Reason, derr.Detail)
	}
	return text, nil
}

// splitChatHistory turns all but the last turn into SDK history. The last
// turn is the message sent by SendMessage.
func splitChatHistory(turns []models.Turn) ([]*genai.Content, string) {
	if len(turns) == 0 {
		return nil, ""
	}
	history := make([]*genai.Content, 0, len(turns)-1)
	for _, t := range turns[:len(turns)-1] {
		history = append(history, &genai.Content{
			Role:  geminiRole(t.Role),
			Parts: []genai.Part{genai.Text(t.Text)},
		})
	}
	return history, turns[len(turns)-1].Text
}

func extractSDKReply(resp *genai.GenerateContentResponse) (string, *DecodeError) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", &DecodeError{Reason: ReasonNoCandidates}
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", &DecodeError{Reason: ReasonNoContent}
	}
	if len(cand.Content.Parts) == 0 {
		return "", &DecodeError{Reason: ReasonNoParts}
	}
	t, ok := cand.Content.Parts[0].(genai.Text)
	if !ok {
		return "", &DecodeError{Reason: ReasonNoText, Detail: fmt.Sprintf("first part is %T", cand.Content.Parts[0])}
	}
	return string(t), nil
}

func classifyGeminiSDKError(provider string, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return decodeError(provider, ReasonBlocked, err.Error())
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return statusError(provider, gerr.Code, gerr.Body)
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPCode() > 0 {
		return statusError(provider, apiErr.HTTPCode(), apiErr.Error())
	}

	return transportError(provider, err)
}
