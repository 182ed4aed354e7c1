package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is optional; the engine falls back to a single Chat call
// for providers that cannot stream.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Route mirrors the upstream provider-routing options: pin an explicit
// provider order, or let the gateway pick with an optional sort strategy.
type Route struct {
	Order          []string
	Sort           string
	AllowFallbacks bool
}
