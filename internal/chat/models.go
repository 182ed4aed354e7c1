package chat

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ConversationStatus string

const (
	StatusIdle      ConversationStatus = "idle"
	StatusStreaming ConversationStatus = "streaming"
	StatusError     ConversationStatus = "error"
)

// DefaultTitle is the placeholder assigned at creation. Title auto-derivation
// only fires while the title still holds this value.
const DefaultTitle = "New Conversation"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tool part states, mirrored from the wire format the UI consumes.
const (
	StateInputStreaming  = "input-streaming"
	StateInputAvailable  = "input-available"
	StateOutputAvailable = "output-available"
	StateOutputError     = "output-error"
)

// ProviderPreferences controls upstream provider routing for a conversation.
// Mode is "auto" or "specific"; Provider and Sort are optional.
type ProviderPreferences struct {
	Mode     string `json:"mode"`
	Provider string `json:"provider,omitempty"`
	Sort     string `json:"sort,omitempty"`
}

func (p *ProviderPreferences) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *ProviderPreferences) Scan(value any) error {
	if value == nil {
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("provider preferences: cannot scan %T", value)
	}
	return json.Unmarshal(b, p)
}

// Part is one typed segment of a message body: plain text, reasoning, or a
// tool invocation carrying its call id and state. The store treats parts as
// opaque except for locating a tool part by ToolCallID.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// Parts is stored as a single JSON text column.
type Parts []Part

func (p Parts) Value() (driver.Value, error) {
	if p == nil {
		p = Parts{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Parts) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("parts: unsupported scan source")
	}
	return json.Unmarshal(b, p)
}

// TextPart builds a plain text content part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

type Conversation struct {
	ID          string               `gorm:"primaryKey;size:64" json:"id"`
	Title       string               `gorm:"size:255;not null" json:"title"`
	Model       *string              `gorm:"size:128" json:"model"`
	Preferences *ProviderPreferences `gorm:"type:text" json:"provider_preferences,omitempty"`
	Status      ConversationStatus   `gorm:"size:16;not null" json:"status"`
	Pinned      bool                 `gorm:"not null;default:false" json:"pinned"`

	// ActiveLeafID marks the tip of the branch currently shown to the user.
	// The displayed path is derived by walking parent links up from it.
	ActiveLeafID *string `gorm:"size:64" json:"active_leaf_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// Message is one node of a conversation tree. ParentID is a self-reference
// within the same conversation; nil means root. Branching never deletes or
// mutates existing rows; edits and regenerates insert new siblings.
type Message struct {
	ID             string  `gorm:"primaryKey;size:64" json:"id"`
	ConversationID string  `gorm:"size:64;not null;index" json:"conversation_id"`
	Role           string  `gorm:"size:16;not null" json:"role"`
	ParentID       *string `gorm:"size:64;index" json:"parent_id"`
	Content        Parts   `gorm:"type:text;not null" json:"content"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

// UpdateConversation carries the mutable conversation fields; nil means
// leave unchanged.
type UpdateConversation struct {
	Title       *string
	Model       *string
	Preferences *ProviderPreferences
	Pinned      *bool
}
