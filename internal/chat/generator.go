package chat

import (
	"context"
	"encoding/json"
)

type GenEventType string

const (
	EventTextDelta  GenEventType = "text-delta"
	EventReasoning  GenEventType = "reasoning"
	EventToolCall   GenEventType = "tool-call"
	EventToolResult GenEventType = "tool-result"
	EventStepFinish GenEventType = "step-finish"
	EventDone       GenEventType = "done"
	EventError      GenEventType = "error"
)

// GenEvent is one increment of an in-progress generation. Tool call events
// carry the full part; tool results carry just the call id and output.
type GenEvent struct {
	Type       GenEventType    `json:"type"`
	Text       string          `json:"text,omitempty"`
	Part       *Part           `json:"part,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// GenerateRequest hands the generation engine the conversation's active path
// plus routing hints. History is root-to-leaf and already includes the user
// message that triggered this cycle.
type GenerateRequest struct {
	ConversationID string
	Model          string
	Preferences    *ProviderPreferences
	History        []Message
}

// Generator produces assistant output incrementally. Both channels close
// when generation ends; a value on the error channel terminates the cycle.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (<-chan GenEvent, <-chan error)
}

// Broadcaster distributes generation progress to live listeners. The
// lifecycle manager drives it directly so listeners keep receiving events
// after the originating HTTP client goes away. Implementations must not
// block.
type Broadcaster interface {
	Register(conversationID string)
	Broadcast(conversationID string, ev GenEvent)
	Complete(conversationID string)
	Error(conversationID string, message string)
}

// NopBroadcaster is used when no live listener transport is wired, e.g. in
// the queue worker.
type NopBroadcaster struct{}

func (NopBroadcaster) Register(string)            {}
func (NopBroadcaster) Broadcast(string, GenEvent) {}
func (NopBroadcaster) Complete(string)            {}
func (NopBroadcaster) Error(string, string)       {}
