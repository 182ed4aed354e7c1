package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// sqlite allows one writer; a single pooled connection keeps concurrent
	// test writes serialized instead of failing with lock errors.
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := gdb.AutoMigrate(&Conversation{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(gdb)
}

func strptr(s string) *string { return &s }

func seedConversation(t *testing.T, s *Store, id string) *Conversation {
	t.Helper()
	conv := &Conversation{ID: id}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("seed conversation %s: %v", id, err)
	}
	return conv
}

// seedMessage writes a message row directly so fixtures control role and
// creation time; ordering-sensitive tests space the timestamps out.
func seedMessage(t *testing.T, s *Store, convID, id, role string, parentID *string, text string, at time.Time) *Message {
	t.Helper()
	msg := &Message{
		ID:             id,
		ConversationID: convID,
		Role:           role,
		ParentID:       parentID,
		Content:        Parts{TextPart(text)},
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := s.db.Create(msg).Error; err != nil {
		t.Fatalf("seed message %s: %v", id, err)
	}
	return msg
}

func messageIDs(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
