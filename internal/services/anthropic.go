package services

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"chatrelay-backend/internal/models"
)

const anthropicMaxTokens = 1024

type AnthropicClient struct {
	client      anthropic.Client
	model       anthropic.Model
	temperature float64
}

// NewAnthropicClient disables SDK retries so each relay makes one attempt.
func NewAnthropicClient(httpClient *http.Client, apiKey, model, baseURL string, temperature float64) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaude3_7SonnetLatest
	}

	return &AnthropicClient{
		client:      anthropic.NewClient(opts...),
		model:       m,
		temperature: temperature,
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func buildAnthropicParams(p Prompt, model anthropic.Model, temperature float64) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(p.Turns))
	for _, t := range p.Turns {
		block := anthropic.NewTextBlock(t.Text)
		if t.Role == models.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       model,
		MaxTokens:   anthropicMaxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(temperature),
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}
	return params
}

func (c *AnthropicClient) Generate(ctx context.Context, p Prompt) (string, error) {
	msg, err := c.client.Messages.New(ctx, buildAnthropicParams(p, c.model, c.temperature))
	if err != nil {
		return "", classifyAnthropicError(c.Name(), err)
	}

	text, derr := extractAnthropicReply(msg)
	if derr != nil {
		return "", decodeError(c.Name(), derr.Reason, derr.Detail)
	}
	return text, nil
}

// extractAnthropicReply returns the first text block of the message.
func extractAnthropicReply(msg *anthropic.Message) (string, *DecodeError) {
	if msg == nil {
		return "", &DecodeError{Reason: ReasonNoContent}
	}
	if len(msg.Content) == 0 {
		return "", &DecodeError{Reason: ReasonNoParts}
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", &DecodeError{Reason: ReasonNoText, Detail: "first block is " + msg.Content[0].Type}
}

func classifyAnthropicError(provider string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return statusError(provider, apiErr.StatusCode, apiErr.RawJSON())
	}

	if isJSONDecodeError(err) {
		return decodeError(provider, ReasonMalformedBody, err.Error())
	}

	return transportError(provider, err)
}
