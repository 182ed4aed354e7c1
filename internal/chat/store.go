package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"branchchat/internal/common"

	"gorm.io/gorm"
)

// Store is the durable record of conversations and their message trees.
// Branch-creating operations only ever insert new rows; nothing here deletes
// a message except a full conversation cascade.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateConversation inserts a conversation via the explicit path.
// Returns ErrConflict when the id is already taken.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation) error {
	applyConversationDefaults(conv)

	err := s.db.WithContext(ctx).Create(conv).Error
	if err == nil {
		return nil
	}

	// The driver error for a duplicate key varies by dialect; a fetch
	// settles whether the id collided or the write genuinely failed.
	var existing Conversation
	getErr := s.db.WithContext(ctx).First(&existing, "id = ?", conv.ID).Error
	if getErr == nil {
		return ErrConflict
	}
	return err
}

// EnsureConversation inserts the conversation if the id is unseen, or
// returns the existing row. Lazy creation races with explicit creation, so a
// duplicate id is not an error here; the created flag is true for exactly
// one of any set of concurrent attempts.
func (s *Store) EnsureConversation(ctx context.Context, conv *Conversation) (*Conversation, bool, error) {
	applyConversationDefaults(conv)

	err := s.db.WithContext(ctx).Create(conv).Error
	if err == nil {
		return conv, true, nil
	}

	var existing Conversation
	getErr := s.db.WithContext(ctx).First(&existing, "id = ?", conv.ID).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func applyConversationDefaults(conv *Conversation) {
	if conv.ID == "" {
		conv.ID = common.MustNewULID()
	}
	if conv.Title == "" {
		conv.Title = DefaultTitle
	}
	if conv.Status == "" {
		conv.Status = StatusIdle
	}
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns all conversations, most recently touched first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, upd UpdateConversation) (*Conversation, error) {
	updates := map[string]any{}
	if upd.Title != nil {
		updates["title"] = *upd.Title
	}
	if upd.Model != nil {
		updates["model"] = *upd.Model
	}
	if upd.Preferences != nil {
		updates["preferences"] = upd.Preferences
	}
	if upd.Pinned != nil {
		updates["pinned"] = *upd.Pinned
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	updates["updated_at"] = time.Now()

	var conv Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conv, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Model(&Conversation{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&conv, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes the conversation and cascades to all of its
// messages. This is the only path that ever deletes message rows.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendUserMessage inserts a user message under the given parent and bumps
// the conversation's updated_at. The parent, when set, must be an existing
// message in the same conversation.
func (s *Store) AppendUserMessage(ctx context.Context, msg *Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("%w: conversation id required", ErrValidation)
	}
	if msg.ID == "" {
		msg.ID = common.MustNewULID()
	}
	msg.Role = RoleUser

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := conversationExists(tx, msg.ConversationID); err != nil {
			return err
		}
		if err := parentInConversation(tx, msg.ConversationID, msg.ParentID); err != nil {
			return err
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return touchConversation(tx, msg.ConversationID)
	})
}

// UpsertAssistantMessage writes the assistant message for one generation
// cycle. The id is assigned once at generation start; each progressive save
// replaces the content of that exact row and never touches sibling assistant
// messages.
func (s *Store) UpsertAssistantMessage(ctx context.Context, conversationID, messageID string, parts Parts, parentID *string) (*Message, error) {
	if conversationID == "" || messageID == "" {
		return nil, fmt.Errorf("%w: conversation id and message id required", ErrValidation)
	}

	var out Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := conversationExists(tx, conversationID); err != nil {
			return err
		}

		var existing Message
		err := tx.First(&existing, "id = ?", messageID).Error
		switch {
		case err == nil:
			if existing.ConversationID != conversationID {
				return ErrNotFound
			}
			if err := tx.Model(&Message{}).Where("id = ?", messageID).
				Updates(map[string]any{"content": parts, "updated_at": time.Now()}).Error; err != nil {
				return err
			}
			existing.Content = parts
			out = existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := parentInConversation(tx, conversationID, parentID); err != nil {
				return err
			}
			out = Message{
				ID:             messageID,
				ConversationID: conversationID,
				Role:           RoleAssistant,
				ParentID:       parentID,
				Content:        parts,
			}
			if err := tx.Create(&out).Error; err != nil {
				return err
			}
		default:
			return err
		}
		return touchConversation(tx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachToolResult locates, among the conversation's assistant messages
// (most recent first), the first pending tool part whose call id matches,
// marks it output-available and stores the result. Returns whether any part
// was updated. The scan stops at the first message that contained a match.
func (s *Store) AttachToolResult(ctx context.Context, conversationID, toolCallID string, result json.RawMessage) (bool, error) {
	if conversationID == "" || toolCallID == "" {
		return false, fmt.Errorf("%w: conversation id and tool call id required", ErrValidation)
	}

	updated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := conversationExists(tx, conversationID); err != nil {
			return err
		}

		var msgs []Message
		if err := tx.Where("conversation_id = ? AND role = ?", conversationID, RoleAssistant).
			Order("created_at DESC, id DESC").
			Find(&msgs).Error; err != nil {
			return err
		}

		for i := range msgs {
			changed := false
			for j := range msgs[i].Content {
				part := &msgs[i].Content[j]
				if part.ToolCallID == toolCallID && part.State != StateOutputAvailable {
					part.State = StateOutputAvailable
					part.Output = result
					changed = true
				}
			}
			if changed {
				if err := tx.Model(&Message{}).Where("id = ?", msgs[i].ID).
					Updates(map[string]any{"content": msgs[i].Content, "updated_at": time.Now()}).Error; err != nil {
					return err
				}
				updated = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *Store) SetStatus(ctx context.Context, conversationID string, status ConversationStatus) error {
	res := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActiveLeaf repoints the conversation at a message it owns.
func (s *Store) SetActiveLeaf(ctx context.Context, conversationID, messageID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg Message
		if err := tx.First(&msg, "id = ?", messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if msg.ConversationID != conversationID {
			return ErrNotFound
		}
		res := tx.Model(&Conversation{}).Where("id = ?", conversationID).
			Update("active_leaf_id", messageID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns every message of the conversation in creation order.
// ULIDs sort by creation time, so the id is a stable tie-break within a
// timestamp.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := conversationExists(s.db.WithContext(ctx), conversationID); err != nil {
		return nil, err
	}
	var msgs []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func conversationExists(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&Conversation{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func parentInConversation(tx *gorm.DB, conversationID string, parentID *string) error {
	if parentID == nil {
		return nil
	}
	var parent Message
	if err := tx.First(&parent, "id = ?", *parentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: parent message %s", ErrNotFound, *parentID)
		}
		return err
	}
	if parent.ConversationID != conversationID {
		return fmt.Errorf("%w: parent message %s", ErrNotFound, *parentID)
	}
	return nil
}

func touchConversation(tx *gorm.DB, id string) error {
	return tx.Model(&Conversation{}).Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}
