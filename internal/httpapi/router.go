package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/liuq19/chatflow/internal/common"
	"github.com/liuq19/chatflow/internal/config"
	"github.com/liuq19/chatflow/internal/httpapi/handlers"
	"github.com/liuq19/chatflow/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// accounts
	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)

	// chat (JWT required)
	authGroup.POST("/chat/turn/stream", h.StreamTurn)
	authGroup.GET("/chat/sessions", h.ListRecentSessions)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListSessionMessages)

	return r
}
