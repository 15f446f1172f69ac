package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"chatrelay-backend/internal/models"
)

type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAIClient(httpClient *http.Client, apiKey, model, baseURL string, temperature float64) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: float32(temperature),
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

func buildOpenAIMessages(p Prompt) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(p.Turns)+1)
	if p.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	for _, t := range p.Turns {
		role := openai.ChatMessageRoleUser
		if t.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	return msgs
}

func (c *OpenAIClient) Generate(ctx context.Context, p Prompt) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    buildOpenAIMessages(p),
		Temperature: c.temperature,
	})
	if err != nil {
		return "", classifyOpenAIError(c.Name(), err)
	}

	if len(resp.Choices) == 0 {
		return "", decodeError(c.Name(), ReasonNoCandidates, "")
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAIError(provider string, err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(provider, reqErr.HTTPStatusCode, string(reqErr.Body))
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return statusError(provider, apiErr.HTTPStatusCode, apiErr.Message)
	}

	if isJSONDecodeError(err) {
		return decodeError(provider, ReasonMalformedBody, err.Error())
	}

	return transportError(provider, err)
}

func isJSONDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
