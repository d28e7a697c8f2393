package inference

import (
	"context"
	"strings"
)

// CompleteOptions tunes a single completion.
type CompleteOptions struct {
	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// MaxTokens caps the reply. Zero uses the provider default.
	MaxTokens int

	// System replaces the client's system prompt for this call.
	System string
}

// PromptClient turns a chat Provider into a single-prompt completer.
type PromptClient struct {
	provider Provider
	system   string
}

// NewPromptClient wraps provider. system, if given, is sent ahead of every
// prompt that does not set its own.
func NewPromptClient(provider Provider, system ...string) *PromptClient {
	return &PromptClient{provider: provider, system: strings.Join(system, "\n\n")}
}

// Complete sends prompt and returns the trimmed reply text.
func (c *PromptClient) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	system := c.system
	if opts.System != "" {
		system = opts.System
	}

	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, NewSystemMessage(system))
	}
	msgs = append(msgs, NewUserMessage(prompt))

	resp, err := c.provider.Chat(ctx, &ChatRequest{
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Provider returns the wrapped provider.
func (c *PromptClient) Provider() Provider {
	return c.provider
}
