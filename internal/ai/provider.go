package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest carries everything one call needs. Model name and
// credential travel with the request rather than the provider instance,
// so a single provider serves many models and callers.
type ChatRequest struct {
	Model    string
	APIKey   string
	Messages []Message
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}
