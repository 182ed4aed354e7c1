package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"branchchat/internal/common"

	"github.com/gin-gonic/gin"
)

// ListModels proxies the cached upstream model catalog plus the last-used
// model/provider defaults for seeding the picker.
func (h *Handler) ListModels(c *gin.Context) {
	if h.Catalog == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50302, "model catalog not configured")
		return
	}

	payload, err := h.Catalog.Models(c.Request.Context())
	if err != nil {
		log.Printf("[ListModels] fetch failed: %v", err)
		common.Fail(c, http.StatusBadGateway, 50201, "model catalog unavailable")
		return
	}

	lastUsed, err := h.Catalog.GetLastUsed(c.Request.Context())
	if err != nil {
		log.Printf("[ListModels] last-used read failed: %v", err)
	}

	common.OK(c, gin.H{
		"catalog":   json.RawMessage(payload),
		"last_used": lastUsed,
	})
}
