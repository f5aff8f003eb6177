package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hiop5155/chat-app/internal/auth"
	"github.com/hiop5155/chat-app/internal/config"
	"github.com/hiop5155/chat-app/internal/metrics"
	"github.com/hiop5155/chat-app/internal/mw"
	"github.com/hiop5155/chat-app/internal/service"
	"github.com/hiop5155/chat-app/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, gdb *gorm.DB, hub *ws.Hub, msgSvc *service.MessageService, rl *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.CORSOrigins))
	if rl != nil {
		r.Use(mw.RateLimit(rl))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(msgSvc, hub)
	requireUser := auth.AuthMiddleware(cfg.JWTSecret, gdb)

	api := r.Group("/api/v1")
	api.Use(requireUser)
	api.GET("/messages", h.ListMessages)
	api.POST("/messages", h.CreateMessage)
	api.GET("/online", h.Online)

	r.GET("/ws", requireUser, ws.Serve(hub, msgSvc, cfg.WSSendBuffer))
	return r
}
