package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"branchchat/internal/common"
)

type Action string

const (
	ActionSubmit     Action = "submit"
	ActionEdit       Action = "edit"
	ActionRegenerate Action = "regenerate"
)

const titleMaxLen = 50

// TurnRequest is one user action entering the lifecycle manager.
type TurnRequest struct {
	ConversationID string
	Action         Action
	// MessageID optionally carries the client-assigned id of the user
	// message so the client and store agree on ids.
	MessageID string
	Parts     Parts
	// ParentID: for submit an explicit override of the active leaf, for
	// edit the node before the edited message, for regenerate the existing
	// user message to answer again.
	ParentID    *string
	Model       string
	Preferences *ProviderPreferences
}

// TurnResult reports what the turn persisted and streams generation
// progress. Events closes when the cycle finishes; the final event is either
// done or error. Persistence does not depend on the channel being drained.
type TurnResult struct {
	Conversation       *Conversation
	IsNewConversation  bool
	Action             Action
	UserMessageID      string // empty for regenerate
	AssistantMessageID string
	Events             <-chan GenEvent
}

// Service orchestrates one request/response cycle against the store,
// choosing the branching semantics per action type.
type Service struct {
	store *Store
	gen   Generator
	bcast Broadcaster
}

func NewService(store *Store, gen Generator, bcast Broadcaster) *Service {
	if bcast == nil {
		bcast = NopBroadcaster{}
	}
	return &Service{store: store, gen: gen, bcast: bcast}
}

func (s *Service) Store() *Store { return s.store }

// ProcessTurn persists the user side of the turn, kicks off generation on a
// context detached from the caller, and returns immediately. The caller's
// disconnect cancels nothing: message save, status updates and the active
// leaf repoint all run to completion server-side.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	conv, isNew, action, anchorID, userMessageID, err := s.prepareTurn(ctx, req)
	if err != nil {
		return nil, err
	}

	assistantID := common.MustNewULID()
	out := make(chan GenEvent, 64)

	genCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(out)
		s.finishCycle(genCtx, conv, assistantID, anchorID, req, out)
	}()

	return &TurnResult{
		Conversation:       conv,
		IsNewConversation:  isNew,
		Action:             action,
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantID,
		Events:             out,
	}, nil
}

// ProcessTurnAsync persists the user side of the turn and records a
// generation job for the queue worker instead of generating inline. The
// returned bool is false when an idempotency key matched an earlier job.
func (s *Service) ProcessTurnAsync(ctx context.Context, req TurnRequest, idempotencyKey *string) (*Job, bool, error) {
	// The key is checked before the turn runs: a retried request must reuse
	// the whole earlier cycle, not just the job row, or the user message
	// would be appended a second time.
	if idempotencyKey != nil && *idempotencyKey != "" {
		existing, err := s.store.GetJobByIdempotencyKey(ctx, *idempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	conv, _, _, anchorID, _, err := s.prepareTurn(ctx, req)
	if err != nil {
		return nil, false, err
	}

	jobID := common.MustNewULID()
	job := &Job{
		ID:                 jobID,
		ConversationID:     conv.ID,
		AnchorID:           anchorID,
		AssistantMessageID: common.MustNewULID(),
		IdempotencyKey:     idempotencyKey,
		Status:             JobQueued,
	}
	return s.store.CreateJobOrGetExisting(ctx, job)
}

// RunJob executes a queued generation cycle. Called by the worker.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	if err := s.store.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	conv, err := s.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		_ = s.store.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	anchor := job.AnchorID
	if err := s.completeGeneration(ctx, conv, job.AssistantMessageID, &anchor, TurnRequest{}, nil); err != nil {
		_ = s.store.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}
	return s.store.MarkJobSucceeded(ctx, jobID, job.AssistantMessageID)
}

// prepareTurn runs everything up to generation: action resolution, lazy
// conversation creation, user message append, title derivation and the
// status flip to streaming. Returns the anchor the assistant message will be
// parented under.
func (s *Service) prepareTurn(ctx context.Context, req TurnRequest) (conv *Conversation, isNew bool, action Action, anchorID, userMessageID string, err error) {
	if req.ConversationID == "" {
		err = fmt.Errorf("%w: conversation id required", ErrValidation)
		return
	}

	action = resolveAction(req)

	if action == ActionRegenerate && req.ParentID == nil {
		err = fmt.Errorf("%w: regenerate requires a parent message id", ErrValidation)
		return
	}
	if action != ActionRegenerate && firstText(req.Parts) == "" {
		err = fmt.Errorf("%w: message text required", ErrValidation)
		return
	}

	seed := &Conversation{ID: req.ConversationID, Preferences: req.Preferences}
	if req.Model != "" {
		m := req.Model
		seed.Model = &m
	}
	conv, isNew, err = s.store.EnsureConversation(ctx, seed)
	if err != nil {
		return
	}

	switch action {
	case ActionRegenerate:
		// No new user message: the existing one is the anchor and the new
		// assistant message becomes its latest sibling response.
		var anchor *Message
		anchor, err = s.store.GetMessage(ctx, *req.ParentID)
		if err != nil {
			return
		}
		if anchor.ConversationID != conv.ID {
			err = ErrNotFound
			return
		}
		anchorID = anchor.ID

	case ActionSubmit, ActionEdit:
		parentID := req.ParentID
		if action == ActionSubmit && parentID == nil {
			// Continue the branch the user is looking at.
			parentID = conv.ActiveLeafID
		}
		msg := &Message{
			ID:             req.MessageID,
			ConversationID: conv.ID,
			ParentID:       parentID,
			Content:        req.Parts,
		}
		if err = s.store.AppendUserMessage(ctx, msg); err != nil {
			return
		}
		userMessageID = msg.ID
		anchorID = msg.ID

		s.maybeDeriveTitle(ctx, conv, req.Parts)
	}

	if err = s.store.SetStatus(ctx, conv.ID, StatusStreaming); err != nil {
		return
	}
	return
}

// resolveAction applies the defensive fallback for malformed requests: an
// unknown or missing action flag with an empty user message but a parent id
// present can only sensibly mean regenerate.
func resolveAction(req TurnRequest) Action {
	switch req.Action {
	case ActionSubmit, ActionEdit, ActionRegenerate:
		return req.Action
	}
	if req.ParentID != nil && firstText(req.Parts) == "" {
		return ActionRegenerate
	}
	return ActionSubmit
}

func (s *Service) maybeDeriveTitle(ctx context.Context, conv *Conversation, parts Parts) {
	if conv.Title != DefaultTitle {
		return
	}
	title := deriveTitle(parts)
	if title == "" {
		return
	}
	updated, err := s.store.UpdateConversation(ctx, conv.ID, UpdateConversation{Title: &title})
	if err != nil {
		log.Printf("[ProcessTurn] conversation=%s title derivation failed: %v", conv.ID, err)
		return
	}
	conv.Title = updated.Title
}

func deriveTitle(parts Parts) string {
	text := firstText(parts)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= titleMaxLen {
		return text
	}
	return string(runes[:titleMaxLen]) + "..."
}

func firstText(parts Parts) string {
	for _, p := range parts {
		if p.Type == "text" {
			return strings.TrimSpace(p.Text)
		}
	}
	return ""
}

// finishCycle wraps completeGeneration with the terminal event for inline
// (SSE) turns.
func (s *Service) finishCycle(ctx context.Context, conv *Conversation, assistantID string, anchorID string, req TurnRequest, out chan<- GenEvent) {
	anchor := anchorID
	var parentID *string
	if anchor != "" {
		parentID = &anchor
	}
	if err := s.completeGeneration(ctx, conv, assistantID, parentID, req, out); err != nil {
		emit(out, GenEvent{Type: EventError, MessageID: assistantID, Error: err.Error()})
		return
	}
	emit(out, GenEvent{Type: EventDone, MessageID: assistantID})
}

// completeGeneration drives one generation cycle to durable completion:
// consume engine events, consolidate them into a single assistant message
// row (progressively upserted under its stable id), attach tool results,
// then repoint the active leaf and settle the conversation status. Generation
// and tool failures end as status=error on the conversation; persistence
// failures propagate.
func (s *Service) completeGeneration(ctx context.Context, conv *Conversation, assistantID string, parentID *string, req TurnRequest, out chan<- GenEvent) error {
	s.bcast.Register(conv.ID)

	parts, genErr := s.consume(ctx, conv, assistantID, parentID, req, out)
	if genErr != nil {
		log.Printf("[Generate] conversation=%s assistant=%s failed: %v", conv.ID, assistantID, genErr)
		if err := s.store.SetStatus(ctx, conv.ID, StatusError); err != nil {
			log.Printf("[Generate] conversation=%s status update failed: %v", conv.ID, err)
		}
		s.bcast.Error(conv.ID, genErr.Error())
		return genErr
	}

	if _, err := s.store.UpsertAssistantMessage(ctx, conv.ID, assistantID, parts, parentID); err != nil {
		_ = s.store.SetStatus(ctx, conv.ID, StatusError)
		s.bcast.Error(conv.ID, err.Error())
		return err
	}
	if err := s.store.SetActiveLeaf(ctx, conv.ID, assistantID); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, conv.ID, StatusIdle); err != nil {
		return err
	}
	s.bcast.Complete(conv.ID)
	return nil
}

// consume folds the engine's event stream into an ordered parts slice,
// saving progress after every step so a crash mid-generation loses at most
// the current step.
func (s *Service) consume(ctx context.Context, conv *Conversation, assistantID string, parentID *string, req TurnRequest, out chan<- GenEvent) (Parts, error) {
	anchor := ""
	if parentID != nil {
		anchor = *parentID
	}
	history, err := s.store.PathTo(ctx, conv.ID, anchor)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" && conv.Model != nil {
		model = *conv.Model
	}
	prefs := req.Preferences
	if prefs == nil {
		prefs = conv.Preferences
	}

	events, errs := s.gen.Generate(ctx, GenerateRequest{
		ConversationID: conv.ID,
		Model:          model,
		Preferences:    prefs,
		History:        history,
	})

	var parts Parts
	for ev := range events {
		emit(out, ev)
		s.bcast.Broadcast(conv.ID, ev)

		switch ev.Type {
		case EventTextDelta:
			parts = appendText(parts, "text", ev.Text)
		case EventReasoning:
			parts = appendText(parts, "reasoning", ev.Text)
		case EventToolCall:
			if ev.Part != nil {
				parts = append(parts, *ev.Part)
				if _, err := s.store.UpsertAssistantMessage(ctx, conv.ID, assistantID, parts, parentID); err != nil {
					return nil, err
				}
			}
		case EventToolResult:
			// Persist the pending part first so the attach has a row to hit.
			if _, err := s.store.UpsertAssistantMessage(ctx, conv.ID, assistantID, parts, parentID); err != nil {
				return nil, err
			}
			ok, err := s.store.AttachToolResult(ctx, conv.ID, ev.ToolCallID, ev.Result)
			if err != nil {
				return nil, err
			}
			if !ok {
				log.Printf("[Generate] conversation=%s no pending tool part for call %s", conv.ID, ev.ToolCallID)
			}
			// Mirror the attach into the working copy so later upserts
			// don't revert the part to pending.
			for i := range parts {
				if parts[i].ToolCallID == ev.ToolCallID && parts[i].State != StateOutputAvailable {
					parts[i].State = StateOutputAvailable
					parts[i].Output = ev.Result
				}
			}
		case EventStepFinish:
			if _, err := s.store.UpsertAssistantMessage(ctx, conv.ID, assistantID, parts, parentID); err != nil {
				return nil, err
			}
		}
	}

	if err, ok := <-errs; ok && err != nil {
		return nil, err
	}
	return parts, nil
}

// appendText extends the trailing part of the given type or opens a new one,
// so interleaved text and tool parts keep their order.
func appendText(parts Parts, typ, text string) Parts {
	if n := len(parts); n > 0 && parts[n-1].Type == typ {
		parts[n-1].Text += text
		return parts
	}
	return append(parts, Part{Type: typ, Text: text})
}

// emit never blocks: turn listeners are best-effort, the store is the
// authority and the broadcaster keeps a replay buffer for live views.
func emit(out chan<- GenEvent, ev GenEvent) {
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
	}
}
