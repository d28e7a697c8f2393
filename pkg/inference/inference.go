// Package inference is the completion collaborator: it sends prompts to a
// remote language model and returns the generated text.
//
// Providers share one interface so Gemini, any OpenAI-compatible endpoint,
// or a Chain of them can back the model gateway interchangeably.
//
// Example usage:
//
//	provider, _ := inference.NewGemini(
//	    inference.WithAPIKey(os.Getenv("GEMINI_API_KEY")),
//	)
//	defer provider.Close()
//
//	completer := inference.NewPromptClient(provider)
//	text, _ := completer.Complete(ctx, "What is a hash map?", inference.CompleteOptions{})
package inference

import "context"

// Provider generates chat completions.
type Provider interface {
	// Chat generates a response from a sequence of messages.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Health checks provider connectivity and API key validity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// ChatRequest for chat completions.
type ChatRequest struct {
	// Messages is the conversation, system instructions included.
	Messages []Message

	// Model overrides the default model.
	Model string

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature controls randomness. Nil uses the provider default,
	// so an explicit zero can request deterministic decoding.
	Temperature *float64
}

// ChatResponse from chat completion.
type ChatResponse struct {
	// Message is the assistant's response.
	Message Message

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Usage tracks token consumption.
	Usage Usage

	// Model used for generation.
	Model string

	// LatencyMs is the response time in milliseconds.
	LatencyMs int64
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Float returns a pointer to v, for ChatRequest.Temperature.
func Float(v float64) *float64 {
	return &v
}
