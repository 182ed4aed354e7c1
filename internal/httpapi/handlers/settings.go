package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"branchchat/internal/common"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const settingsMaxBytes = 1 << 20

// Settings are an opaque JSON object owned by the client (theme, default
// routing, UI preferences). The server validates the shape and stores the
// blob; it never interprets individual keys.
func (h *Handler) GetSettings(c *gin.Context) {
	if h.Redis == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50303, "settings store not configured")
		return
	}

	b, err := h.Redis.GetSettings(c.Request.Context())
	if err != nil {
		if errors.Is(err, redis.Nil) {
			common.OK(c, gin.H{"settings": json.RawMessage(`{}`)})
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"settings": json.RawMessage(b)})
}

// UpdateSettings merges the request body into the stored object, so clients
// can update a single key without resending the rest.
func (h *Handler) UpdateSettings(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, settingsMaxBytes))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid body")
		return
	}
	patch, ok := asJSONObject(raw)
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10005, "settings must be a json object")
		return
	}
	if len(patch) == 0 {
		common.Fail(c, http.StatusBadRequest, 10005, "no settings to update")
		return
	}
	if h.Redis == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50303, "settings store not configured")
		return
	}

	ctx := c.Request.Context()
	merged := map[string]json.RawMessage{}
	if prev, err := h.Redis.GetSettings(ctx); err == nil {
		if m, ok := asJSONObject(prev); ok {
			merged = m
		}
	} else if !errors.Is(err, redis.Nil) {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	for k, v := range patch {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if err := h.Redis.SetSettings(ctx, out); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"settings": json.RawMessage(out)})
}

func asJSONObject(b []byte) (map[string]json.RawMessage, bool) {
	t := bytes.TrimSpace(b)
	if len(t) == 0 || t[0] != '{' {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(t, &m); err != nil {
		return nil, false
	}
	return m, true
}
