package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zaqqye/proctoring_backend/internal/controllers"
	"github.com/zaqqye/proctoring_backend/internal/identity"
	"github.com/zaqqye/proctoring_backend/internal/kv"
	"github.com/zaqqye/proctoring_backend/internal/liveness"
	"github.com/zaqqye/proctoring_backend/internal/middleware"
	"github.com/zaqqye/proctoring_backend/internal/models"
	"github.com/zaqqye/proctoring_backend/internal/pairing"
	"github.com/zaqqye/proctoring_backend/internal/proctoring"
	"github.com/zaqqye/proctoring_backend/internal/sessions"
	"github.com/zaqqye/proctoring_backend/internal/ws"
)

// Deps is everything the HTTP surface is wired to.
type Deps struct {
	Users    controllers.UserStore
	Tokens   *identity.Provider
	KV       kv.Store
	Registry *sessions.Registry
	Broker   *pairing.Broker
	Liveness *liveness.Tracker
	Pipeline *proctoring.Pipeline
	Relay    *ws.Relay
}

func Register(r *gin.Engine, d Deps) {
	authCtrl := &controllers.AuthController{Users: d.Users, Tokens: d.Tokens, KV: d.KV}
	adminCtrl := &controllers.AdminController{Users: d.Users, Registry: d.Registry, Broker: d.Broker, Liveness: d.Liveness}
	sessionCtrl := &controllers.SessionController{Registry: d.Registry, Broker: d.Broker, Liveness: d.Liveness}
	proctorCtrl := &controllers.ProctoringController{Pipeline: d.Pipeline}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	r.GET("/ws", ws.Handler(d.Relay))

	// Public, rate limited per client IP
	authLimit := middleware.RateLimit(d.KV, "auth", 30, 15*time.Minute, middleware.ByClientIP)
	auth := r.Group("/api/v1/auth", authLimit)
	{
		auth.POST("/login", authCtrl.Login)
		auth.POST("/refresh", authCtrl.Refresh)
		auth.POST("/logout", authCtrl.Logout)
	}
	r.POST("/api/v1/pairing/claim", authLimit, sessionCtrl.ClaimPairing)

	// User or mobile token
	either := r.Group("/api/v1", middleware.UserOrMobile(d.Tokens, d.Users))
	{
		either.POST("/sessions/:id/heartbeat", sessionCtrl.Heartbeat)
		either.POST("/proctoring/events",
			middleware.RateLimit(d.KV, "events", 300, time.Minute, middleware.ByIdentity),
			proctorCtrl.Ingest)
	}

	// Protected
	api := r.Group("/api/v1", middleware.AuthMiddleware(d.Tokens, d.Users))
	{
		api.GET("/auth/me", authCtrl.Me)

		candidate := api.Group("/sessions", middleware.RequireRoles(models.RoleCandidate))
		{
			candidate.POST("/start", sessionCtrl.Start)
			candidate.POST("/:id/pairing-token", sessionCtrl.IssuePairingToken)
			candidate.POST("/:id/answers", sessionCtrl.SaveAnswer)
			candidate.POST("/:id/submit", sessionCtrl.Submit)
		}
		api.GET("/sessions/:id", sessionCtrl.Get)

		reviewers := middleware.RequireRoles(models.RoleProctor)
		api.GET("/proctoring/sessions/:id/events", reviewers, proctorCtrl.ListEvents)

		admin := api.Group("/admin")
		{
			admin.GET("/sessions/live", reviewers, adminCtrl.ListLive)
			admin.POST("/sessions/:id/decision", reviewers, adminCtrl.Decide)

			// Admin-only registration (supports role/active)
			admin.POST("/users", middleware.RequireRoles(models.RoleAdmin), authCtrl.Register)
			admin.POST("/users/import", middleware.RequireRoles(models.RoleAdmin), adminCtrl.ImportUsers)
		}
	}
}
