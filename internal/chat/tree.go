package chat

// Tree is the in-memory adjacency built from a flat message list. The
// persisted form is parent pointers only; callers that need sibling
// navigation or repeated path lookups materialize a Tree once per read
// instead of round-tripping to the store.
type Tree struct {
	messages   []Message
	byID       map[string]*Message
	childrenOf map[string][]string // keyed by parent id, "" for roots
	activeLeaf string
}

// SiblingInfo describes a message's position within its sibling group.
// CurrentIndex is 1-based for direct display ("2/3").
type SiblingInfo struct {
	Total        int      `json:"total"`
	CurrentIndex int      `json:"current_index"`
	SiblingIDs   []string `json:"sibling_ids"`
}

// BuildTree indexes the messages by id and by parent. Children keep the
// input order, which ListMessages guarantees is creation order. O(n).
func BuildTree(messages []Message, activeLeafID *string) *Tree {
	t := &Tree{
		messages:   messages,
		byID:       make(map[string]*Message, len(messages)),
		childrenOf: make(map[string][]string),
	}
	if activeLeafID != nil {
		t.activeLeaf = *activeLeafID
	}
	for i := range messages {
		m := &messages[i]
		t.byID[m.ID] = m
		key := ""
		if m.ParentID != nil {
			key = *m.ParentID
		}
		t.childrenOf[key] = append(t.childrenOf[key], m.ID)
	}
	return t
}

// ActivePath walks parent links up from the active leaf and returns the
// root-to-leaf sequence. Same degradation rules as the store-side resolver:
// no leaf means the full linear list, a dangling reference truncates.
func (t *Tree) ActivePath() []Message {
	if t.activeLeaf == "" {
		return t.messages
	}
	cur, ok := t.byID[t.activeLeaf]
	if !ok {
		return t.messages
	}

	var reversed []Message
	for {
		reversed = append(reversed, *cur)
		if cur.ParentID == nil {
			break
		}
		next, ok := t.byID[*cur.ParentID]
		if !ok {
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

// SiblingInfo returns navigation info for the message's sibling group, or
// nil when the group has a single member and no navigation UI is needed.
func (t *Tree) SiblingInfo(messageID string) *SiblingInfo {
	msg, ok := t.byID[messageID]
	if !ok {
		return nil
	}
	key := ""
	if msg.ParentID != nil {
		key = *msg.ParentID
	}
	siblings := t.childrenOf[key]
	if len(siblings) <= 1 {
		return nil
	}
	idx := -1
	for i, id := range siblings {
		if id == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	return &SiblingInfo{
		Total:        len(siblings),
		CurrentIndex: idx + 1,
		SiblingIDs:   append([]string(nil), siblings...),
	}
}

// ParentForBranch returns the anchor to create a sibling under when the user
// edits or regenerates the given message. Nil means the message is a root.
func (t *Tree) ParentForBranch(messageID string) *string {
	msg, ok := t.byID[messageID]
	if !ok {
		return nil
	}
	return msg.ParentID
}
