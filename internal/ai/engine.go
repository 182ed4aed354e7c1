package ai

import (
	"context"
	"strings"

	"branchchat/internal/chat"
)

// Engine adapts the provider registry to the lifecycle manager's Generator
// contract. History messages are flattened to their text for the upstream
// request.
//
// The hosted chat providers only ever emit text deltas, so Engine never
// produces reasoning or tool events itself. Those event kinds exist for
// tool-capable engines the registry may host; downstream consumers handle
// them regardless of which Generator is wired in.
type Engine struct {
	registry     *Registry
	provider     string
	defaultModel string
}

func NewEngine(registry *Registry, provider, defaultModel string) *Engine {
	return &Engine{registry: registry, provider: provider, defaultModel: defaultModel}
}

func (e *Engine) Generate(ctx context.Context, req chat.GenerateRequest) (<-chan chat.GenEvent, <-chan error) {
	events := make(chan chat.GenEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		model := strings.TrimSpace(req.Model)
		if model == "" {
			model = e.defaultModel
		}

		provider, err := e.registry.Get(ctx, e.provider, model, routeFromPreferences(req.Preferences))
		if err != nil {
			errs <- err
			return
		}

		history := flattenHistory(req.History)

		if sp, ok := provider.(StreamProvider); ok {
			chunks, perrs := sp.StreamChat(ctx, history)
			for c := range chunks {
				events <- chat.GenEvent{Type: chat.EventTextDelta, Text: c}
			}
			select {
			case err := <-perrs:
				if err != nil {
					errs <- err
				}
			default:
			}
			return
		}

		reply, err := provider.Chat(ctx, history)
		if err != nil {
			errs <- err
			return
		}
		events <- chat.GenEvent{Type: chat.EventTextDelta, Text: reply}
	}()

	return events, errs
}

func routeFromPreferences(p *chat.ProviderPreferences) *Route {
	if p == nil {
		return nil
	}
	r := &Route{}
	switch p.Mode {
	case "specific":
		if p.Provider != "" {
			r.Order = []string{p.Provider}
		}
	default: // auto
		r.Sort = p.Sort
		r.AllowFallbacks = true
	}
	return r
}

func flattenHistory(history []chat.Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		var b strings.Builder
		for _, p := range m.Content {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		out = append(out, Message{Role: m.Role, Content: b.String()})
	}
	return out
}
