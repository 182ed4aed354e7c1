package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeGen replays a scripted event sequence and records the request it saw.
type fakeGen struct {
	mu      sync.Mutex
	lastReq GenerateRequest
	events  []GenEvent
	err     error
}

func (f *fakeGen) Generate(ctx context.Context, req GenerateRequest) (<-chan GenEvent, <-chan error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()

	events := make(chan GenEvent, len(f.events)+1)
	errs := make(chan error, 1)
	for _, ev := range f.events {
		events <- ev
	}
	close(events)
	if f.err != nil {
		errs <- f.err
	}
	close(errs)
	return events, errs
}

func (f *fakeGen) last() GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

// recordingBroadcaster checks the lifecycle manager drives live listeners.
type recordingBroadcaster struct {
	mu         sync.Mutex
	registered []string
	events     int
	completed  int
	failed     int
}

func (r *recordingBroadcaster) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, id)
}
func (r *recordingBroadcaster) Broadcast(string, GenEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
}
func (r *recordingBroadcaster) Complete(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}
func (r *recordingBroadcaster) Error(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func textDeltas(chunks ...string) []GenEvent {
	out := make([]GenEvent, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, GenEvent{Type: EventTextDelta, Text: c})
	}
	return out
}

func drainEvents(t *testing.T, events <-chan GenEvent) []GenEvent {
	t.Helper()
	var out []GenEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func TestSubmitCreatesConversationAndPersists(t *testing.T) {
	s := openTestDB(t)
	gen := &fakeGen{events: textDeltas("Hello ", "world")}
	svc := NewService(s, gen, nil)
	ctx := context.Background()

	res, err := svc.ProcessTurn(ctx, TurnRequest{
		ConversationID: "conv1",
		Action:         ActionSubmit,
		Parts:          Parts{TextPart("What is Go?")},
	})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if !res.IsNewConversation {
		t.Fatalf("expected lazy conversation creation")
	}
	if res.Conversation.Title != "What is Go?" {
		t.Fatalf("title = %q, want derived from first message", res.Conversation.Title)
	}

	events := drainEvents(t, res.Events)
	if len(events) == 0 || events[len(events)-1].Type != EventDone {
		t.Fatalf("last event = %+v, want done", events[len(events)-1])
	}

	conv, err := s.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Status != StatusIdle {
		t.Fatalf("status = %q, want idle after completion", conv.Status)
	}
	if conv.ActiveLeafID == nil || *conv.ActiveLeafID != res.AssistantMessageID {
		t.Fatalf("active leaf = %v, want the assistant message", conv.ActiveLeafID)
	}

	msgs, _ := s.ListMessages(ctx, "conv1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want user + assistant", messageIDs(msgs))
	}
	assistant, _ := s.GetMessage(ctx, res.AssistantMessageID)
	if assistant.ParentID == nil || *assistant.ParentID != res.UserMessageID {
		t.Fatalf("assistant parent = %v, want %s", assistant.ParentID, res.UserMessageID)
	}
	if got := assistant.Content[0].Text; got != "Hello world" {
		t.Fatalf("assistant text = %q, want consolidated deltas", got)
	}
}

func TestSubmitContinuesActiveBranch(t *testing.T) {
	s := openTestDB(t)
	linearFixture(t, s) // leaf at a2
	gen := &fakeGen{events: textDeltas("sure")}
	svc := NewService(s, gen, nil)

	res, err := svc.ProcessTurn(context.Background(), TurnRequest{
		ConversationID: "conv1",
		Action:         ActionSubmit,
		Parts:          Parts{TextPart("and then?")},
	})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	drainEvents(t, res.Events)

	user, _ := s.GetMessage(context.Background(), res.UserMessageID)
	if user.ParentID == nil || *user.ParentID != "a2" {
		t.Fatalf("user parent = %v, want the previous active leaf a2", user.ParentID)
	}
}

func TestEditCreatesSiblingNotOverwrite(t *testing.T) {
	s := openTestDB(t)
	linearFixture(t, s)
	gen := &fakeGen{events: textDeltas("new answer")}
	svc := NewService(s, gen, nil)
	ctx := context.Background()

	// edit u2: the replacement is a sibling, parented under a1 like u2 was
	res, err := svc.ProcessTurn(ctx, TurnRequest{
		ConversationID: "conv1",
		Action:         ActionEdit,
		Parts:          Parts{TextPart("second question, reworded")},
		ParentID:       strptr("a1"),
	})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	drainEvents(t, res.Events)

	msgs, _ := s.ListMessages(ctx, "conv1")
	if len(msgs) != 6 {
		t.Fatalf("messages = %v, want the original 4 plus 2 new", messageIDs(msgs))
	}
	// original nodes untouched
	orig, _ := s.GetMessage(ctx, "u2")
	if orig.Content[0].Text != "second question" {
		t.Fatalf("original message mutated: %q", orig.Content[0].Text)
	}

	tree := BuildTree(msgs, strptr(res.AssistantMessageID))
	info := tree.SiblingInfo(res.UserMessageID)
	if info == nil || info.Total != 2 || info.CurrentIndex != 2 {
		t.Fatalf("edited message sibling info = %+v, want 2/2", info)
	}
	path := tree.ActivePath()
	got := messageIDs(path)
	if len(got) != 4 || got[2] != res.UserMessageID || got[3] != res.AssistantMessageID {
		t.Fatalf("active path = %v, want it to follow the edit", got)
	}
}

func TestRegenerateAddsSiblingAnswer(t *testing.T) {
	s := openTestDB(t)
	linearFixture(t, s)
	gen := &fakeGen{events: textDeltas("take two")}
	svc := NewService(s, gen, nil)
	ctx := context.Background()

	res, err := svc.ProcessTurn(ctx, TurnRequest{
		ConversationID: "conv1",
		Action:         ActionRegenerate,
		ParentID:       strptr("u2"),
	})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	if res.UserMessageID != "" {
		t.Fatalf("regenerate must not create a user message, got %q", res.UserMessageID)
	}
	drainEvents(t, res.Events)

	// generation history is anchored at the existing user message
	hist := gen.last().History
	if len(hist) == 0 || hist[len(hist)-1].ID != "u2" {
		t.Fatalf("history tail = %v, want u2", messageIDs(hist))
	}

	msgs, _ := s.ListMessages(ctx, "conv1")
	if len(msgs) != 5 {
		t.Fatalf("messages = %v, want one new assistant sibling", messageIDs(msgs))
	}
	tree := BuildTree(msgs, strptr(res.AssistantMessageID))
	info := tree.SiblingInfo(res.AssistantMessageID)
	if info == nil || info.Total != 2 || info.CurrentIndex != 2 {
		t.Fatalf("regenerated answer sibling info = %+v, want 2/2", info)
	}

	conv, _ := s.GetConversation(ctx, "conv1")
	if conv.ActiveLeafID == nil || *conv.ActiveLeafID != res.AssistantMessageID {
		t.Fatalf("active leaf = %v, want the new answer", conv.ActiveLeafID)
	}
}

func TestActionFallbackInfersRegenerate(t *testing.T) {
	cases := []struct {
		name string
		req  TurnRequest
		want Action
	}{
		{"explicit submit", TurnRequest{Action: ActionSubmit}, ActionSubmit},
		{"explicit edit", TurnRequest{Action: ActionEdit}, ActionEdit},
		{"unknown with parent and no text", TurnRequest{Action: "resend", ParentID: strptr("m")}, ActionRegenerate},
		{"missing with parent and no text", TurnRequest{ParentID: strptr("m")}, ActionRegenerate},
		{"missing with text", TurnRequest{Parts: Parts{TextPart("hi")}}, ActionSubmit},
		{"unknown with parent but text present", TurnRequest{Action: "resend", ParentID: strptr("m"), Parts: Parts{TextPart("hi")}}, ActionSubmit},
	}
	for _, tc := range cases {
		if got := resolveAction(tc.req); got != tc.want {
			t.Errorf("%s: resolveAction = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTurnValidation(t *testing.T) {
	s := openTestDB(t)
	svc := NewService(s, &fakeGen{}, nil)
	ctx := context.Background()

	_, err := svc.ProcessTurn(ctx, TurnRequest{Parts: Parts{TextPart("hi")}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("missing conversation id err = %v, want ErrValidation", err)
	}

	_, err = svc.ProcessTurn(ctx, TurnRequest{ConversationID: "c", Action: ActionRegenerate})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("regenerate without parent err = %v, want ErrValidation", err)
	}

	_, err = svc.ProcessTurn(ctx, TurnRequest{ConversationID: "c", Action: ActionSubmit})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("submit without text err = %v, want ErrValidation", err)
	}
}

func TestTitleDerivation(t *testing.T) {
	if got := deriveTitle(Parts{TextPart("short")}); got != "short" {
		t.Fatalf("deriveTitle = %q", got)
	}
	long := strings.Repeat("é", 60)
	got := deriveTitle(Parts{TextPart(long)})
	if got != strings.Repeat("é", 50)+"..." {
		t.Fatalf("deriveTitle truncated wrong: %q (len %d)", got, len([]rune(got)))
	}

	s := openTestDB(t)
	gen := &fakeGen{events: textDeltas("ok")}
	svc := NewService(s, gen, nil)
	ctx := context.Background()

	res, err := svc.ProcessTurn(ctx, TurnRequest{
		ConversationID: "conv1", Action: ActionSubmit,
		Parts: Parts{TextPart("First message")},
	})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	drainEvents(t, res.Events)

	res, err = svc.ProcessTurn(ctx, TurnRequest{
		ConversationID: "conv1", Action: ActionSubmit,
		Parts: Parts{TextPart("Second message")},
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	drainEvents(t, res.Events)

	conv, _ := s.GetConversation(ctx, "conv1")
	if conv.Title != "First message" {
		t.Fatalf("title = %q, derivation must fire only once", conv.Title)
	}
}

func TestGenerationErrorMarksConversation(t *testing.T) {
	s := openTestDB(t)
	gen := &fakeGen{err: errors.New("upstream exploded")}
	bcast := &recordingBroadcaster{}
	svc := NewService(s, gen, bcast)
	ctx := context.Background()

	res, err := svc.ProcessTurn(ctx, TurnRequest{
		ConversationID: "conv1", Action: ActionSubmit,
		Parts: Parts{TextPart("hi")},
	})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	events := drainEvents(t, res.Events)
	last := events[len(events)-1]
	if last.Type != EventError || last.Error == "" {
		t.Fatalf("last event = %+v, want error", last)
	}

	conv, _ := s.GetConversation(ctx, "conv1")
	if conv.Status != StatusError {
		t.Fatalf("status = %q, want error", conv.Status)
	}
	// the user message survives the failed cycle
	msgs, _ := s.ListMessages(ctx, "conv1")
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("messages = %v, want just the user message", messageIDs(msgs))
	}

	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	if bcast.failed != 1 || bcast.completed != 0 {
		t.Fatalf("broadcaster: failed=%d completed=%d, want the error relayed", bcast.failed, bcast.completed)
	}
}

func TestClientDisconnectDoesNotAbortPersistence(t *testing.T) {
	s := openTestDB(t)
	gen := &fakeGen{events: textDeltas("slow ", "but ", "durable")}
	svc := NewService(s, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := svc.ProcessTurn(ctx, TurnRequest{
		ConversationID: "conv1", Action: ActionSubmit,
		Parts: Parts{TextPart("stay with me")},
	})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	// the client goes away mid-stream
	cancel()
	drainEvents(t, res.Events)

	conv, _ := s.GetConversation(context.Background(), "conv1")
	if conv.Status != StatusIdle {
		t.Fatalf("status = %q, want idle despite the disconnect", conv.Status)
	}
	assistant, err := s.GetMessage(context.Background(), res.AssistantMessageID)
	if err != nil {
		t.Fatalf("assistant message missing after disconnect: %v", err)
	}
	if assistant.Content[0].Text != "slow but durable" {
		t.Fatalf("assistant text = %q", assistant.Content[0].Text)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	s := openTestDB(t)
	gen := &fakeGen{events: []GenEvent{
		{Type: EventTextDelta, Text: "Let me check. "},
		{Type: EventToolCall, Part: &Part{
			Type: "tool", ToolCallID: "call-1", ToolName: "weather",
			State: StateInputAvailable, Input: []byte(`{"city":"Oslo"}`),
		}},
		{Type: EventToolResult, ToolCallID: "call-1", Result: []byte(`{"temp":-3}`)},
		{Type: EventStepFinish},
		{Type: EventTextDelta, Text: "It is cold."},
	}}
	svc := NewService(s, gen, nil)
	ctx := context.Background()

	res, err := svc.ProcessTurn(ctx, TurnRequest{
		ConversationID: "conv1", Action: ActionSubmit,
		Parts: Parts{TextPart("weather in Oslo?")},
	})
	if err != nil {
		t.Fatalf("process turn: %v", err)
	}
	drainEvents(t, res.Events)

	assistant, err := s.GetMessage(ctx, res.AssistantMessageID)
	if err != nil {
		t.Fatalf("assistant row: %v", err)
	}
	if len(assistant.Content) != 3 {
		t.Fatalf("parts = %+v, want text + tool + text", assistant.Content)
	}
	tool := assistant.Content[1]
	if tool.ToolCallID != "call-1" || tool.State != StateOutputAvailable {
		t.Fatalf("tool part = %+v, want output-available", tool)
	}
	if string(tool.Output) != `{"temp":-3}` {
		t.Fatalf("tool output = %s", tool.Output)
	}
	if assistant.Content[2].Text != "It is cold." {
		t.Fatalf("trailing text = %q", assistant.Content[2].Text)
	}
}

func TestAsyncRetryOfSameSubmitIsIdempotent(t *testing.T) {
	s := openTestDB(t)
	svc := NewService(s, &fakeGen{events: textDeltas("later")}, nil)
	ctx := context.Background()

	key := "same-key"
	req := TurnRequest{
		ConversationID: "conv1", Action: ActionSubmit,
		MessageID: "u-client-1",
		Parts:     Parts{TextPart("do it later")},
	}
	job, created, err := svc.ProcessTurnAsync(ctx, req, &key)
	if err != nil {
		t.Fatalf("first async turn: %v", err)
	}
	if !created {
		t.Fatalf("first async turn must create the job")
	}

	// the exact same request retried: same key, same client message id
	again, created, err := svc.ProcessTurnAsync(ctx, req, &key)
	if err != nil {
		t.Fatalf("retried async turn: %v", err)
	}
	if created || again.ID != job.ID {
		t.Fatalf("retry got job %s created=%v, want the original %s", again.ID, created, job.ID)
	}

	msgs, _ := s.ListMessages(ctx, "conv1")
	if len(msgs) != 1 {
		t.Fatalf("retry duplicated the user message: %v", messageIDs(msgs))
	}
}

func TestAsyncJobLifecycle(t *testing.T) {
	s := openTestDB(t)
	gen := &fakeGen{events: textDeltas("queued answer")}
	svc := NewService(s, gen, nil)
	ctx := context.Background()

	key := "once"
	job, created, err := svc.ProcessTurnAsync(ctx, TurnRequest{
		ConversationID: "conv1", Action: ActionSubmit,
		Parts: Parts{TextPart("do it later")},
	}, &key)
	if err != nil {
		t.Fatalf("async turn: %v", err)
	}
	if !created {
		t.Fatalf("first async turn must create the job")
	}

	// retried request with the same key reuses the job and does not append
	// another user message
	again, created, err := svc.ProcessTurnAsync(ctx, TurnRequest{
		ConversationID: "conv1", Action: ActionRegenerate,
		ParentID: strptr(job.AnchorID),
	}, &key)
	if err != nil {
		t.Fatalf("retried async turn: %v", err)
	}
	if created || again.ID != job.ID {
		t.Fatalf("retry got job %s created=%v, want the original %s", again.ID, created, job.ID)
	}

	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}
	done, _ := s.GetJob(ctx, job.ID)
	if done.Status != JobSucceeded || done.ResultMessageID == nil || *done.ResultMessageID != job.AssistantMessageID {
		t.Fatalf("job after run: %+v", done)
	}
	assistant, err := s.GetMessage(ctx, job.AssistantMessageID)
	if err != nil {
		t.Fatalf("assistant row: %v", err)
	}
	if assistant.Content[0].Text != "queued answer" {
		t.Fatalf("assistant text = %q", assistant.Content[0].Text)
	}

	// a redelivered job upserts the same row instead of duplicating it
	before, _ := s.ListMessages(ctx, job.ConversationID)
	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("redelivered run: %v", err)
	}
	after, _ := s.ListMessages(ctx, job.ConversationID)
	if len(after) != len(before) {
		t.Fatalf("redelivery grew the tree: %d -> %d messages", len(before), len(after))
	}
}
