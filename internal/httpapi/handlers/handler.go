package handlers

import (
	"errors"
	"net/http"

	"branchchat/internal/catalog"
	"branchchat/internal/chat"
	"branchchat/internal/common"
	"branchchat/internal/config"
	"branchchat/internal/store/rabbitmq"
	"branchchat/internal/store/redisstore"
	"branchchat/internal/stream"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	Svc     *chat.Service
	Streams *stream.Manager
	Rabbit  *rabbitmq.Publisher // nil when the queue is not configured
	Catalog *catalog.Service    // nil when redis is not configured
	Redis   *redisstore.Store   // nil when redis is not configured
	Cfg     config.Config
}

func NewHandler(svc *chat.Service, streams *stream.Manager, rabbit *rabbitmq.Publisher, cat *catalog.Service, rds *redisstore.Store, cfg config.Config) *Handler {
	return &Handler{Svc: svc, Streams: streams, Rabbit: rabbit, Catalog: cat, Redis: rds, Cfg: cfg}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// storeFail maps the store's sentinel errors to the response envelope.
func storeFail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "not found")
	case errors.Is(err, chat.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, chat.ErrConflict):
		common.Fail(c, http.StatusConflict, 40901, "already exists")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
