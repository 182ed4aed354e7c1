package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"branchchat/internal/chat"
	"branchchat/internal/common"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const heartbeatInterval = 15 * time.Second

type turnReq struct {
	ConversationID string                    `json:"conversation_id" binding:"required"`
	Action         string                    `json:"action"`
	MessageID      string                    `json:"message_id"`
	Text           string                    `json:"text"`
	Parts          chat.Parts                `json:"parts"`
	ParentID       *string                   `json:"parent_id"`
	Model          string                    `json:"model"`
	Preferences    *chat.ProviderPreferences `json:"provider_preferences"`
}

func (r *turnReq) toTurnRequest() chat.TurnRequest {
	parts := r.Parts
	if len(parts) == 0 && strings.TrimSpace(r.Text) != "" {
		parts = chat.Parts{chat.TextPart(r.Text)}
	}
	return chat.TurnRequest{
		ConversationID: r.ConversationID,
		Action:         chat.Action(r.Action),
		MessageID:      r.MessageID,
		Parts:          parts,
		ParentID:       r.ParentID,
		Model:          r.Model,
		Preferences:    r.Preferences,
	}
}

// SendTurn runs one request/response cycle and streams progress over SSE.
// Persistence is detached from this connection: dropping it stops the stream,
// not the generation.
func (h *Handler) SendTurn(c *gin.Context) {
	var req turnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.Svc.ProcessTurn(c.Request.Context(), req.toTurnRequest())
	if err != nil {
		storeFail(c, err)
		return
	}

	if res.IsNewConversation && h.Catalog != nil {
		provider := ""
		if req.Preferences != nil {
			provider = req.Preferences.Provider
		}
		go func(model, provider string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Catalog.RecordLastUsed(ctx, model, provider); err != nil {
				log.Printf("[SendTurn] last-used record failed: %v", err)
			}
		}(req.Model, provider)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}
	writeJSON := sseWriter(c, flusher)

	writeJSON("start", gin.H{
		"type":                 "start",
		"conversation":         res.Conversation,
		"is_new_conversation":  res.IsNewConversation,
		"action":               res.Action,
		"user_message_id":      res.UserMessageID,
		"assistant_message_id": res.AssistantMessageID,
	})

	streamEvents(c, flusher, res.Events)
}

// SendTurnAsync persists the user side of the turn and enqueues generation.
// An Idempotency-Key header makes retried requests land on the same job.
func (h *Handler) SendTurnAsync(c *gin.Context) {
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async queue not configured")
		return
	}

	var req turnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	job, created, err := h.Svc.ProcessTurnAsync(c.Request.Context(), req.toTurnRequest(), idempoKeyPtr)
	if err != nil {
		storeFail(c, err)
		return
	}

	// Enqueue only when a new job was created.
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			log.Printf("[SendTurnAsync] publish failed conversation=%s job=%s err=%v", req.ConversationID, job.ID, err)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{
		"job_id":               job.ID,
		"assistant_message_id": job.AssistantMessageID,
		"created":              created,
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.Svc.Store().GetJob(c.Request.Context(), jobID)
	if err != nil {
		storeFail(c, err)
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"conversation_id":   j.ConversationID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

// StreamConversation attaches to an in-progress (or just-finished) generation
// for the conversation and replays buffered events before following live
// ones. Lets a reloaded tab resume watching a stream it did not start.
func (h *Handler) StreamConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	events, cancel, ok := h.Streams.Subscribe(conversationID, uuid.NewString())
	if !ok {
		common.Fail(c, http.StatusNotFound, 40402, "no active stream")
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, okk := c.Writer.(http.Flusher)
	if !okk {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	streamEvents(c, flusher, events)
}

func sseWriter(c *gin.Context, flusher http.Flusher) func(event string, payload any) {
	return func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}
}

// streamEvents relays generation events until the channel closes, with a
// heartbeat ticker keeping intermediaries from timing the connection out.
func streamEvents(c *gin.Context, flusher http.Flusher, events <-chan chat.GenEvent) {
	writeJSON := sseWriter(c, flusher)
	ctx := c.Request.Context()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeJSON(string(ev.Type), ev)
			if ev.Type == chat.EventDone || ev.Type == chat.EventError {
				return
			}

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			return
		}
	}
}
