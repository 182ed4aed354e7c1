package chat

import (
	"context"
	"log"
)

// ActivePath reconstructs the root-to-leaf message sequence the conversation
// is currently pointing at.
//
// With no active leaf recorded (conversations that predate branching, or
// that never had a branch selected) the whole message list in creation order
// is the path. A dangling parent reference mid-walk truncates the path at
// the last resolvable node instead of failing the read.
func (s *Store) ActivePath(ctx context.Context, conversationID string) ([]Message, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.ActiveLeafID == nil {
		return msgs, nil
	}

	byID := make(map[string]*Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	leaf, ok := byID[*conv.ActiveLeafID]
	if !ok {
		// The leaf pointer itself is dangling. Degrade to the linear view.
		log.Printf("[ActivePath] conversation=%s active leaf %s missing, falling back to full list",
			conversationID, *conv.ActiveLeafID)
		return msgs, nil
	}

	return walkToRoot(conversationID, byID, leaf), nil
}

// PathTo returns the root-to-node path for an arbitrary message, with the
// same truncation-on-corruption behavior as ActivePath. The lifecycle
// manager uses it to assemble generation history anchored at a user message
// that is not yet the active leaf.
func (s *Store) PathTo(ctx context.Context, conversationID, messageID string) ([]Message, error) {
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}
	target, ok := byID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return walkToRoot(conversationID, byID, target), nil
}

func walkToRoot(conversationID string, byID map[string]*Message, from *Message) []Message {
	var reversed []Message
	for cur := from; ; {
		reversed = append(reversed, *cur)
		if cur.ParentID == nil {
			break
		}
		next, ok := byID[*cur.ParentID]
		if !ok {
			log.Printf("[ActivePath] conversation=%s dangling parent %s at message %s, truncating path",
				conversationID, *cur.ParentID, cur.ID)
			break
		}
		cur = next
	}

	path := make([]Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	return path
}

// SwitchBranch relocates the active leaf to the deepest point of the
// selected message's subtree and returns the new leaf id.
//
// When a node has several children the descent always follows the
// most-recently-created child, so switching lands on the continuation the
// user most recently produced. The choice is deterministic: creation time,
// then id, which for ULIDs preserves creation order within a timestamp.
func (s *Store) SwitchBranch(ctx context.Context, conversationID, messageID string) (string, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return "", err
	}
	if msg.ConversationID != conversationID {
		return "", ErrNotFound
	}

	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return "", err
	}

	// ListMessages is ordered by (created_at, id) ascending, so the last
	// child in each slice is the most recent one.
	children := make(map[string][]string, len(msgs))
	for i := range msgs {
		if msgs[i].ParentID != nil {
			children[*msgs[i].ParentID] = append(children[*msgs[i].ParentID], msgs[i].ID)
		}
	}

	leafID := messageID
	for {
		kids := children[leafID]
		if len(kids) == 0 {
			break
		}
		leafID = kids[len(kids)-1]
	}

	if err := s.SetActiveLeaf(ctx, conversationID, leafID); err != nil {
		return "", err
	}
	return leafID, nil
}
