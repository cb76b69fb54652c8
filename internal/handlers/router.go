package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/middleware"
)

// NewRouter wires the gateway's REST and websocket routes.
func NewRouter(cfg *config.Config, g *Gateway) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		// Room with participants (public)
		apiGroup.GET("/rooms/:roomId", g.GetRoom)

		// End the call (requires JWT, initiator only)
		apiGroup.DELETE("/rooms/:roomId", auth, g.DeleteRoom)
	}

	wsGroup := router.Group("/ws", auth)
	{
		wsGroup.GET("/signal/:roomId", g.HandleSignaling)
		wsGroup.GET("/calls", g.HandleCalls)
	}

	return router
}
