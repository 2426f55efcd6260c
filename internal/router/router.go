package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-runner/internal/config"
	"github.com/stemsi/exstem-runner/internal/handler"
	"github.com/stemsi/exstem-runner/internal/middleware"
	"github.com/stemsi/exstem-runner/internal/observability"
	"github.com/stemsi/exstem-runner/internal/response"
	"github.com/stemsi/exstem-runner/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Runner *handler.RunnerHandler
	Timer  *handler.TimerHandler
	WS     *handler.WSHandler
	System *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	tokens *service.TokenService,
	runner *service.RunnerService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	// ─── Public ────────────────────────────────────────────────────────
	router.GET("/health", handlers.System.Health)
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	api := router.Group("/api/v1")
	api.Use(middleware.NoStore())

	// Login is public; 30 attempts per minute per IP.
	loginLimiter := middleware.NewRateLimiter(30, time.Minute)
	api.POST("/session/login", loginLimiter.Middleware(), handlers.Runner.Login)

	// ─── Authenticated (JWT + active session) ──────────────────────────
	authed := api.Group("")
	authed.Use(
		middleware.RequireRunnerJWT(tokens),
		middleware.CheckActiveSession(runner),
	)
	{
		authed.POST("/session/logout", handlers.Runner.Logout)
		authed.GET("/session", handlers.Runner.GetSession)
		authed.POST("/navigation/advance", handlers.Runner.Advance)

		timers := authed.Group("/timers")
		timers.GET("", handlers.Timer.ListTimers)
		timers.GET("/:scope", handlers.Timer.GetTimer)
		timers.POST("/:scope/start", handlers.Timer.StartTimer)
		timers.POST("/:scope/pause", handlers.Timer.PauseTimer)
		timers.POST("/:scope/resume", handlers.Timer.ResumeTimer)
		timers.POST("/:scope/reset", handlers.Timer.ResetTimer)
	}

	// Interaction logging is chatty; 600 per minute per session.
	logLimiter := middleware.NewRateLimiter(600, time.Minute)
	logged := authed.Group("")
	logged.Use(logLimiter.Middleware())
	{
		logged.POST("/operations", handlers.Runner.RecordOperation)
		logged.POST("/answers", handlers.Runner.CollectAnswer)
	}

	// ─── WebSocket ─────────────────────────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireRunnerWSAuth(tokens))
	{
		ws.GET("/events", handlers.WS.EventStream)
	}

	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	})

	return router
}
