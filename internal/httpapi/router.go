package httpapi

import (
	"net/http"

	"branchchat/internal/common"
	"branchchat/internal/config"
	"branchchat/internal/httpapi/handlers"
	"branchchat/internal/httpapi/middleware"

	"github.com/gin-gonic/gin"
)

func NewRouter(h *handlers.Handler, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)

	api := r.Group("/")
	if cfg.JWTSecret != "" {
		api.Use(middleware.AuthRequired(cfg.JWTSecret))
	}

	api.GET("/models", h.ListModels)

	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)

	api.POST("/conversations", h.CreateConversation)
	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:id", h.GetConversation)
	api.PATCH("/conversations/:id", h.UpdateConversation)
	api.DELETE("/conversations/:id", h.DeleteConversation)
	api.POST("/conversations/:id/switch-branch", h.SwitchBranch)

	api.POST("/chat", h.SendTurn)
	api.POST("/chat/async", h.SendTurnAsync)
	api.GET("/chat/jobs/:job_id", h.GetChatJob)
	api.GET("/chat/stream/:conversation_id", h.StreamConversation)

	return r
}
