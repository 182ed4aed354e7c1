package handlers

import (
	"log"
	"net/http"

	"branchchat/internal/chat"
	"branchchat/internal/common"

	"github.com/gin-gonic/gin"
)

type createConversationReq struct {
	ID          string                    `json:"id"`
	Title       string                    `json:"title"`
	Model       *string                   `json:"model"`
	Preferences *chat.ProviderPreferences `json:"provider_preferences"`
}

// CreateConversation creates a conversation eagerly. Most clients skip this
// and let the first /chat turn create it lazily; the explicit form exists for
// imports and pre-provisioned ids.
func (h *Handler) CreateConversation(c *gin.Context) {
	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	conv := &chat.Conversation{
		ID:          req.ID,
		Title:       req.Title,
		Model:       req.Model,
		Preferences: req.Preferences,
	}
	if err := h.Svc.Store().CreateConversation(c.Request.Context(), conv); err != nil {
		storeFail(c, err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.Svc.Store().ListConversations(c.Request.Context())
	if err != nil {
		storeFail(c, err)
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}

// GetConversation returns the conversation, every message it holds, the
// active path ids, and sibling navigation info for messages that have
// alternatives. The client renders the path and uses the sibling info for
// the "< 2/3 >" switcher.
func (h *Handler) GetConversation(c *gin.Context) {
	id := c.Param("id")

	conv, err := h.Svc.Store().GetConversation(c.Request.Context(), id)
	if err != nil {
		storeFail(c, err)
		return
	}
	msgs, err := h.Svc.Store().ListMessages(c.Request.Context(), id)
	if err != nil {
		storeFail(c, err)
		return
	}

	tree := chat.BuildTree(msgs, conv.ActiveLeafID)
	path := tree.ActivePath()
	activePathIDs := make([]string, 0, len(path))
	for _, m := range path {
		activePathIDs = append(activePathIDs, m.ID)
	}

	siblings := make(map[string]*chat.SiblingInfo)
	for _, m := range msgs {
		if info := tree.SiblingInfo(m.ID); info != nil {
			siblings[m.ID] = info
		}
	}

	common.OK(c, gin.H{
		"conversation":    conv,
		"messages":        msgs,
		"active_path_ids": activePathIDs,
		"siblings":        siblings,
	})
}

type updateConversationReq struct {
	Title       *string                   `json:"title"`
	Model       *string                   `json:"model"`
	Preferences *chat.ProviderPreferences `json:"provider_preferences"`
	Pinned      *bool                     `json:"pinned"`
}

func (h *Handler) UpdateConversation(c *gin.Context) {
	id := c.Param("id")

	var req updateConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	conv, err := h.Svc.Store().UpdateConversation(c.Request.Context(), id, chat.UpdateConversation{
		Title:       req.Title,
		Model:       req.Model,
		Preferences: req.Preferences,
		Pinned:      req.Pinned,
	})
	if err != nil {
		storeFail(c, err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.Svc.Store().DeleteConversation(c.Request.Context(), id); err != nil {
		storeFail(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": id})
}

type switchBranchReq struct {
	MessageID string `json:"message_id" binding:"required"`
}

// SwitchBranch repoints the active leaf at the deepest descendant of the
// chosen sibling, so the whole downstream branch comes back into view.
func (h *Handler) SwitchBranch(c *gin.Context) {
	id := c.Param("id")

	var req switchBranchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	leafID, err := h.Svc.Store().SwitchBranch(c.Request.Context(), id, req.MessageID)
	if err != nil {
		storeFail(c, err)
		return
	}
	log.Printf("[SwitchBranch] conversation=%s message=%s leaf=%s", id, req.MessageID, leafID)
	common.OK(c, gin.H{"active_leaf_id": leafID})
}
