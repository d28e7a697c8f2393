package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teslashibe/voicebot/pkg/inference"
)

// DefaultTopics is the keyword vocabulary of the assistant's domain:
// programming and computer science.
var DefaultTopics = []string{
	"algorithm", "api", "array", "backend", "bash", "binary", "bug", "c++",
	"class", "code", "coding", "compiler", "computer", "css", "data structure",
	"database", "debug", "docker", "frontend", "function", "git", "golang",
	"graph", "hash", "html", "http", "java", "javascript", "kotlin", "kubernetes",
	"linked list", "linux", "loop", "machine learning", "network", "object",
	"oop", "pointer", "program", "python", "queue", "react", "recursion",
	"regex", "rust", "software", "sort", "sql", "stack", "string", "swift",
	"typescript", "variable",
}

// Classification call budget.
const (
	classifyMaxTokens = 5
	classifyPrompt    = `You decide whether a question belongs to programming, software engineering or computer science.
Answer with exactly one word: TRUE if it does, FALSE if it does not.

Question: %s`
)

// Completer is the remote completion collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts inference.CompleteOptions) (string, error)
}

// Validator decides whether a query is in scope before a model call is spent.
type Validator struct {
	topics    []string
	completer Completer
	logger    *slog.Logger
}

// NewValidator creates a validator over topics. An empty list uses
// DefaultTopics. completer may be nil, in which case anything without a
// keyword hit is accepted.
func NewValidator(completer Completer, topics []string, logger *slog.Logger) *Validator {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	normalized := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			normalized = append(normalized, t)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		topics:    normalized,
		completer: completer,
		logger:    logger.With("component", "gateway.validator"),
	}
}

// MatchKeyword reports whether text contains any topic keyword,
// case-insensitively.
func (v *Validator) MatchKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range v.topics {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// InScope runs the keyword fast path, then escalates to a deterministic
// TRUE/FALSE classification. A failed classification counts as in scope.
func (v *Validator) InScope(ctx context.Context, text string) bool {
	if v.MatchKeyword(text) {
		return true
	}
	if v.completer == nil {
		return true
	}

	answer, err := v.completer.Complete(ctx, fmt.Sprintf(classifyPrompt, text), inference.CompleteOptions{
		Temperature: inference.Float(0),
		MaxTokens:   classifyMaxTokens,
	})
	if err != nil {
		v.logger.Warn("topic classification failed, allowing query", "error", err)
		return true
	}
	return strings.Contains(strings.ToLower(answer), "true")
}

// Topics returns the normalized vocabulary.
func (v *Validator) Topics() []string {
	out := make([]string, len(v.topics))
	copy(out, v.topics)
	return out
}
