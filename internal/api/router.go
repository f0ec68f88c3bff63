// Package api wires together all HTTP routes for the prism backend.
//
// Route grouping:
//   - /health, /ready and /version are public probes.
//   - /api/v1/auth/login and /api/v1/auth/callback are public and draw from the
//     strict auth rate limit, as does invitation acceptance.
//   - Everything else under /api/v1 requires a session. Project-scoped
//     authorization happens in the service layer; the audit log route, which
//     has no service, is gated by RequirePermission.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/prism-analytics/prism/internal/api/admin"
	"github.com/prism-analytics/prism/internal/audit"
	"github.com/prism-analytics/prism/internal/auth"
	"github.com/prism-analytics/prism/internal/auth/oauth"
	"github.com/prism-analytics/prism/internal/config"
	"github.com/prism-analytics/prism/internal/db/models"
	"github.com/prism-analytics/prism/internal/db/repositories"
	"github.com/prism-analytics/prism/internal/middleware"
	"github.com/prism-analytics/prism/internal/notify"
	"github.com/prism-analytics/prism/internal/services"
	"github.com/prism-analytics/prism/internal/session"
)

// Version is stamped at build time with -ldflags "-X .../internal/api.Version=...".
var Version = "dev"

// BackgroundServices holds references to background work and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	// SuperAdmins is swapped in place when the config file changes.
	SuperAdmins *auth.SuperAdmins

	recorder     *audit.Recorder
	shipper      *audit.MultiShipper
	stopLimiters []func()
}

// Shutdown waits for queued audit records, flushes the shippers and stops the
// rate limiter cleanup goroutines.
func (bg *BackgroundServices) Shutdown(ctx context.Context) {
	slog.Info("stopping background services")
	if err := bg.recorder.Wait(ctx); err != nil {
		slog.Warn("audit records still pending at shutdown", "error", err)
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	for _, stop := range bg.stopLimiters {
		stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. redisClient may be nil, in
// which case rate limits are kept in process.
func NewRouter(ctx context.Context, cfg *config.Config, database *sql.DB, redisClient *redis.Client) (*gin.Engine, *BackgroundServices, error) {
	sqlxDB := sqlx.NewDb(database, "postgres")

	userRepo := repositories.NewUserRepository(database, cfg.Database.QueryTimeout)
	auditRepo := repositories.NewAuditRepository(database, cfg.Database.QueryTimeout)
	membershipRepo := repositories.NewMembershipRepository(sqlxDB, cfg.Database.QueryTimeout)
	projectRepo := repositories.NewProjectRepository(sqlxDB, cfg.Database.QueryTimeout)
	invitationRepo := repositories.NewInvitationRepository(sqlxDB, cfg.Database.QueryTimeout)

	shipper, err := audit.NewMultiShipper(ctx, cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	recorder := audit.NewRecorder(auditRepo, shipper)

	simulationRole, err := models.ParseRole(cfg.Auth.ImpersonationRole)
	if err != nil {
		return nil, nil, fmt.Errorf("auth.impersonation_role: %w", err)
	}
	superAdmins := auth.NewSuperAdmins(cfg.Auth.SuperAdmins)
	engine := auth.NewEngine(membershipRepo, projectRepo, simulationRole, superAdmins.Checker(userRepo))

	sessions, err := session.NewStore(&cfg.Auth.Session, cfg.Server.Production)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize session store: %w", err)
	}
	state, err := auth.NewStateManager(&cfg.Auth.State, cfg.Auth.Session.Secret, cfg.Server.Production)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize state manager: %w", err)
	}
	provider, err := oauth.NewProvider(ctx, &cfg.Auth.OAuth)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize identity provider: %w", err)
	}
	exchange := auth.NewCredentialExchange(provider, state, userRepo, membershipRepo, sessions)

	publicURL := cfg.Server.GetPublicURL()
	projectService := services.NewProjectService(engine, projectRepo, membershipRepo, userRepo, recorder)
	invitationService := services.NewInvitationService(
		engine, invitationRepo, membershipRepo, projectRepo, userRepo,
		notify.New(&cfg.Notifications), recorder, &cfg.Invitations, publicURL,
	)

	bg := &BackgroundServices{
		SuperAdmins: superAdmins,
		recorder:    recorder,
		shipper:     shipper,
	}

	r := &Routes{
		Config:   cfg,
		DB:       database,
		Redis:    redisClient,
		Sessions: sessions,
		Authz:    engine,
		Auth:     admin.NewAuthHandlers(exchange, sessions, engine, userRepo, membershipRepo, recorder, publicURL),
		Simulate: admin.NewSimulationHandlers(sessions, bg.SuperAdmins, userRepo, projectRepo, recorder),
		Projects: admin.NewProjectHandlers(projectService, sessions),
		Invites:  admin.NewInvitationHandlers(invitationService, sessions),
		Audit:    admin.NewAuditHandlers(auditRepo),
	}
	if cfg.Security.RateLimiting.Enabled {
		var stopAPI, stopAuth func()
		r.APILimiter, stopAPI = middleware.NewLimiter(redisClient, middleware.DefaultRateLimitConfig(&cfg.Security.RateLimiting))
		r.AuthLimiter, stopAuth = middleware.NewLimiter(redisClient, middleware.AuthRateLimitConfig())
		bg.stopLimiters = append(bg.stopLimiters, stopAPI, stopAuth)
	}

	return r.Engine(), bg, nil
}

// Routes holds everything the route table needs. Handlers are built by
// NewRouter; tests assemble Routes directly with fakes behind the handlers.
type Routes struct {
	Config   *config.Config
	DB       *sql.DB
	Redis    *redis.Client
	Sessions *session.Store
	Authz    *auth.Engine

	// Nil limiters disable rate limiting.
	APILimiter  middleware.Limiter
	AuthLimiter middleware.Limiter

	Auth     *admin.AuthHandlers
	Simulate *admin.SimulationHandlers
	Projects *admin.ProjectHandlers
	Invites  *admin.InvitationHandlers
	Audit    *admin.AuditHandlers
}

func (r *Routes) rateLimit(limiter middleware.Limiter, scope string) gin.HandlerFunc {
	if limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RateLimitMiddleware(limiter, scope)
}

// Engine builds the gin.Engine with the global middleware chain and all routes.
func (r *Routes) Engine() *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(r.Config.Server.TrustedProxies); err != nil {
		slog.Error("invalid server.trusted_proxies, trusting none", "error", err)
		_ = router.SetTrustedProxies(nil)
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(r.Config.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(r.Config.Server.Production)))
	router.Use(middleware.RequestInfo())
	router.Use(middleware.LoadSession(r.Sessions))
	router.Use(middleware.EndRevokedSimulation(r.Sessions, r.Authz))

	router.GET("/health", healthCheckHandler(r.DB))
	router.GET("/ready", readinessHandler(r.DB, r.Redis))
	router.GET("/version", versionHandler())

	authLimit := r.rateLimit(r.AuthLimiter, "auth")
	apiLimit := r.rateLimit(r.APILimiter, "api")

	v1 := router.Group("/api/v1")

	public := v1.Group("/auth")
	public.Use(authLimit)
	{
		public.GET("/login", r.Auth.LoginHandler())
		public.GET("/callback", r.Auth.CallbackHandler())
		public.POST("/logout", r.Auth.LogoutHandler())
	}

	authed := v1.Group("")
	authed.Use(apiLimit, middleware.RequireSession())
	{
		authed.GET("/auth/me", r.Auth.MeHandler())
		authed.PUT("/auth/session/project", r.Auth.SwitchProjectHandler())

		authed.POST("/admin/simulate", r.Simulate.StartHandler())
		authed.DELETE("/admin/simulate", r.Simulate.StopHandler())

		authed.GET("/projects", r.Projects.ListProjectsHandler())
		authed.POST("/projects", r.Projects.CreateProjectHandler())

		project := authed.Group("/projects/:" + middleware.ProjectIDParam)
		{
			project.GET("", r.Projects.GetProjectHandler())
			project.DELETE("", r.Projects.DeleteProjectHandler())
			project.POST("/transfer", r.Projects.TransferOwnershipHandler())

			project.GET("/members", r.Projects.ListMembersHandler())
			project.POST("/members", r.Projects.AddMemberHandler())
			project.PUT("/members/:userId", r.Projects.ChangeRoleHandler())
			project.DELETE("/members/:userId", r.Projects.RemoveMemberHandler())

			project.GET("/invitations", r.Invites.ListHandler())
			project.POST("/invitations", r.Invites.IssueHandler())

			project.GET("/audit-logs",
				middleware.RequirePermission(r.Authz, auth.ActionAuditRead),
				r.Audit.ListAuditLogsHandler(),
			)
		}

		authed.POST("/invitations/:invitationId/resend", r.Invites.ResendHandler())
		authed.DELETE("/invitations/:invitationId", r.Invites.RevokeHandler())
	}

	// Acceptance needs a session but is brute-forceable, so it shares the auth budget.
	v1.POST("/invitations/accept", authLimit, middleware.RequireSession(), r.Invites.AcceptHandler())

	return router
}

// @Summary      Health check
// @Description  Liveness probe. Checks database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service.
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and, when configured, Redis.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true"
// @Failure      503  {object}  map[string]interface{}  "ready: false"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service. Redis is only
// reported, never gating: rate limiting fails open without it.
func readinessHandler(db *sql.DB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if redisClient != nil {
			if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "degraded"
			} else {
				checks["redis"] = "healthy"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
