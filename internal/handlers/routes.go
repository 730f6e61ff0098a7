package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meshcall/internal/middleware"
)

// RouterConfig carries what routing needs from the server config.
type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
}

// NewRouter wires every mailbox route onto a fresh gin engine.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(cfg.JWTSecret))

		api.POST("/rooms", auth, h.CreateRoom)
		api.GET("/rooms/:roomId", h.GetRoom)
		api.DELETE("/rooms/:roomId", auth, h.DeleteRoom)
		api.POST("/rooms/:roomId/join", auth, h.JoinRoom)
		api.POST("/rooms/:roomId/leave", auth, h.LeaveRoom)
		api.GET("/rooms/:roomId/participants", auth, h.Participants)

		api.POST("/rooms/:roomId/signals", auth, h.SendSignal)
		api.GET("/rooms/:roomId/signals", auth, h.GetSignals)
		api.POST("/signals/ack", auth, h.AcknowledgeSignals)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/rooms/:roomId", auth, h.Subscribe)
	}

	return router
}
