package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/qiyuhang/multisolve/internal/common"
	"github.com/qiyuhang/multisolve/internal/httpapi/handlers"
	"github.com/qiyuhang/multisolve/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, rl *middleware.RateLimiter) *gin.Engine {
	if h.Cfg.Mode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(h.Log))
	r.Use(middleware.RequestID())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	r.POST("/users", h.CreateUser)
	r.POST("/login", h.Login)
	r.POST("/logout", h.Logout)

	// Every route below carries an identity: registered from the auth
	// cookie, or anonymous minted on first contact.
	resolved := r.Group("/")
	resolved.Use(h.Resolver.Resolve())

	resolved.GET("/me", h.Me)

	// Every route that invokes a model is metered; plain reads and deletes
	// are not.
	resolved.POST("/solve", rl.Limit(), h.Solve)

	resolved.GET("/chat/:chat_id", h.GetChat)
	resolved.PUT("/chat/edit", rl.Limit(), h.EditResponse)
	resolved.POST("/chat/feedback", rl.Limit(), h.Feedback)
	resolved.DELETE("/chat/:chat_id", h.DeleteChat)

	registered := resolved.Group("/")
	registered.Use(h.Resolver.RequireRegistered())
	registered.GET("/chat/history", h.History)
	registered.GET("/usage", h.Usage)

	return r
}
