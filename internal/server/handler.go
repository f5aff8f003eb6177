package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hiop5155/chat-app/internal/auth"
	"github.com/hiop5155/chat-app/internal/service"
	"github.com/hiop5155/chat-app/internal/ws"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	msgSvc *service.MessageService
	hub    *ws.Hub
}

func NewHandler(msgSvc *service.MessageService, hub *ws.Hub) *Handler {
	return &Handler{msgSvc: msgSvc, hub: hub}
}

// ListMessages 返回完整历史，按创建时间升序。
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.msgSvc.List(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// CreateMessage 校验并保存消息，成功后广播给所有在线连接。
func (h *Handler) CreateMessage(c *gin.Context) {
	user, ok := auth.GetUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}
	var req service.SubmitInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Submit(c.Request.Context(), user, req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason, "field": verr.Field})
			return
		}
		log.Error().Err(err).Uint("user_id", user.ID).Str("type", req.Type).Msg("create message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create message"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Online 返回当前实时连接数（按连接计，不按用户去重）。
func (h *Handler) Online(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": h.hub.Online()})
}
