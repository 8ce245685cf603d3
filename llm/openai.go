package llm

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

const summaryInstructions = `You are given the transcript of a phone call between an AI assistant and a person at a business.
Summarize what was learned in at most five short bullet points.
Only include facts that were actually said. Do not guess or invent information.`

// OpenAIClient produces call summaries with a chat completion model.
type OpenAIClient struct {
	Client             *openai.Client
	SystemInstructions string
	Model              string
	Timeout            time.Duration
}

func NewOpenAIClient(apiKey string, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}
	return NewOpenAIClientWithConfig(openai.DefaultConfig(apiKey), model)
}

// NewOpenAIClientWithConfig allows pointing the client at a different base URL.
func NewOpenAIClientWithConfig(cfg openai.ClientConfig, model string) (*OpenAIClient, error) {
	if model == "" {
		return nil, errors.New("model is required")
	}
	return &OpenAIClient{
		Client:             openai.NewClientWithConfig(cfg),
		SystemInstructions: summaryInstructions,
		Model:              model,
		Timeout:            30 * time.Second,
	}, nil
}

// Summarize sends the flattened transcript and returns the model's summary.
func (c *OpenAIClient) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", errors.New("empty transcript")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	resp, err := c.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.SystemInstructions},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
