// Package server wires the HTTP API: the Execution Engine's workflow and
// execution routes, the Session-Key Authority's session routes, and the
// ambient scaffolding (auth, health, metrics, realtime) that boots them.
package server

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/alancoin/internal/auth"
	"github.com/mbd888/alancoin/internal/blocks"
	"github.com/mbd888/alancoin/internal/config"
	"github.com/mbd888/alancoin/internal/health"
	"github.com/mbd888/alancoin/internal/logging"
	"github.com/mbd888/alancoin/internal/mcpserver"
	"github.com/mbd888/alancoin/internal/metrics"
	"github.com/mbd888/alancoin/internal/ratelimit"
	"github.com/mbd888/alancoin/internal/realtime"
	"github.com/mbd888/alancoin/internal/security"
	"github.com/mbd888/alancoin/internal/sessionkeys"
	"github.com/mbd888/alancoin/internal/sessionmonitor"
	"github.com/mbd888/alancoin/internal/traces"
	"github.com/mbd888/alancoin/internal/validation"
	"github.com/mbd888/alancoin/internal/workflow"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg            *config.Config
	sessionMgr     *sessionkeys.Manager
	sessionMonitor *sessionmonitor.Monitor
	authMgr        *auth.Manager
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	workflowStore  workflow.Store
	workflowEngine *workflow.Engine
	blockRegistry  *blocks.Registry
	healthRegistry *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracerShutdown func(context.Context) error

	// internalAgentAddress identifies the platform itself when the AI_AGENT
	// block's reasoning loop calls back into the workflow/session-key API
	// through mcpserver.PlatformClient.
	internalAgentAddress string

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize distributed tracing (no-op if endpoint not configured)
	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	var sessionStore sessionkeys.Store
	var policyStore sessionkeys.PolicyStore
	var authStore auth.Store

	if cfg.DatabaseURL != "" {
		dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dbDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgSessionStore := sessionkeys.NewPostgresStore(db)
		if err := pgSessionStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session key store", "error", err)
		}
		sessionStore = pgSessionStore

		pgPolicyStore := sessionkeys.NewPolicyPostgresStore(db)
		if err := pgPolicyStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate policy store", "error", err)
		}
		policyStore = pgPolicyStore

		pgAuthStore := auth.NewPostgresStore(db)
		if err := pgAuthStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = pgAuthStore

		pgWorkflowStore := workflow.NewPostgresStore(db)
		if err := pgWorkflowStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate workflow store", "error", err)
		}
		s.workflowStore = pgWorkflowStore
		s.logger.Info("workflow engine enabled (postgres)")
	} else {
		sessionStore = sessionkeys.NewMemoryStore()
		policyStore = sessionkeys.NewPolicyMemoryStore()
		authStore = auth.NewMemoryStore()
		s.workflowStore = workflow.NewMemoryStore()
		s.logger.Info("workflow engine enabled (in-memory)")
	}

	s.sessionMgr = sessionkeys.NewManager(sessionStore, nil, policyStore)
	if s.db != nil {
		s.sessionMgr = s.sessionMgr.WithTransactionLog(sessionkeys.NewPostgresTransactionLog(s.db))
	} else {
		s.sessionMgr = s.sessionMgr.WithTransactionLog(sessionkeys.NewMemoryTransactionLog(30 * 24 * time.Hour))
	}

	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	s.internalAgentAddress, err = generateInternalAgentAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to generate internal agent address: %w", err)
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Execution Engine: block registry + handler services
	s.blockRegistry = blocks.NewRegistry()
	blocks.RegisterDefaults(s.blockRegistry)
	mcpClient := mcpserver.NewPlatformClient(mcpserver.Config{
		APIURL:       "http://localhost:" + cfg.Port,
		AgentAddress: s.internalAgentAddress,
	})
	s.blockRegistry.Register("AI_AGENT", &blocks.AgentHandler{Tools: blocks.NewMCPTools(mcpClient)})
	blockServices := &blocks.Services{SessionKeys: s.sessionMgr, HTTPTimeout: 30 * time.Second}
	s.workflowEngine = workflow.NewEngine(s.workflowStore, s.blockRegistry, s.logger, blockServices).
		WithEmitter(&workflowEventEmitter{s.realtimeHub})
	s.logger.Info("workflow execution engine enabled")

	// Session-key anomaly-detection sweep, always on: budget/expiry/velocity
	// alerts broadcast over the realtime hub for live dashboards.
	alertNotifier := &realtimeAlertNotifier{hub: s.realtimeHub}
	s.sessionMonitor = sessionmonitor.NewMonitor(s.sessionMgr, alertNotifier, s.logger)

	// Subsystem health registry, consulted by /health and /health/ready
	s.healthRegistry = health.NewRegistry()
	if s.db != nil {
		s.healthRegistry.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// generateInternalAgentAddress mints a pseudo Ethereum-style address for the
// platform's own session-key identity (used only by the AI_AGENT block's
// tool calls back into this API, never signed on-chain).
func generateInternalAgentAddress() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())

	// Registration (public, returns an API key)
	v1.POST("/agents", s.registerAgentHandler)

	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr))
	{
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentAgent)
	}

	// Session-key routes (bounded autonomy). Dry-run mode: the validation,
	// policy, and audit-trail path runs in full; on-chain execution is out
	// of scope, so no WalletService/TransactionRecorder/BalanceService is wired.
	sessionHandler := sessionkeys.NewHandler(s.sessionMgr, s.logger).
		WithEvents(&realtimeEventEmitter{s.realtimeHub})
	if s.db == nil {
		sessionHandler = sessionHandler.WithDemoMode()
	}

	protectedSessions := v1.Group("")
	protectedSessions.Use(auth.Middleware(s.authMgr))
	{
		protectedSessions.GET("/agents/:address/sessions", auth.RequireOwnership(s.authMgr, "address"), sessionHandler.ListSessionKeys)
		protectedSessions.GET("/agents/:address/sessions/:keyId", auth.RequireOwnership(s.authMgr, "address"), sessionHandler.GetSessionKey)
		protectedSessions.GET("/agents/:address/sessions/:keyId/events", auth.RequireOwnership(s.authMgr, "address"), sessionHandler.GetSessionEvents)
		protectedSessions.POST("/agents/:address/sessions", auth.RequireOwnership(s.authMgr, "address"), sessionHandler.CreateSessionKey)
		protectedSessions.DELETE("/agents/:address/sessions/:keyId", auth.RequireOwnership(s.authMgr, "address"), sessionHandler.RevokeSessionKey)
		protectedSessions.POST("/agents/:address/sessions/delegated", auth.RequireOwnership(s.authMgr, "address"), sessionHandler.CreateDelegatedSession)
	}

	adminSessions := v1.Group("/admin")
	adminSessions.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	adminSessions.POST("/sessions/cleanup", sessionHandler.CleanupExpiredSessions)

	protectedPolicies := v1.Group("")
	protectedPolicies.Use(auth.Middleware(s.authMgr))
	protectedPolicies.Use(auth.RequireOwnership(s.authMgr, "address"))
	sessionHandler.RegisterPolicyRoutes(protectedPolicies)

	// Using a session key to transact doesn't require API key; the session
	// key signature is the authorization.
	v1.POST("/agents/:address/sessions/:keyId/transact", sessionHandler.Transact)

	// Delegation (agent-to-agent) — authenticated by session key signature.
	v1.POST("/sessions/:keyId/delegate", sessionHandler.CreateDelegation)
	v1.GET("/sessions/:keyId/tree", sessionHandler.GetDelegationTree)

	// Workflow engine routes (definitions + executions)
	workflowHandler := workflow.NewHandler(s.workflowStore, s.workflowEngine, s.logger)
	protectedWorkflows := v1.Group("")
	protectedWorkflows.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	workflowHandler.RegisterRoutes(protectedWorkflows)
}

func (s *Server) registerAgentHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Address string `json:"address" binding:"required"`
		Name    string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}
	req.Name = validation.SanitizeString(req.Name, 200)

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, req.Address, "Primary key")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register agent",
		})
		return
	}

	s.logger.Info("agent registered with API key", "address", req.Address, "name", req.Name, "keyId", keyInfo.ID)

	c.JSON(http.StatusCreated, gin.H{
		"address": req.Address,
		"name":    req.Name,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true
	if s.healthRegistry != nil {
		var statuses []health.Status
		healthy, statuses = s.healthRegistry.CheckAll(ctx)
		for _, st := range statuses {
			if st.Healthy {
				checks[st.Name] = "healthy"
			} else {
				checks[st.Name] = "unhealthy"
			}
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	checks := make(map[string]string)
	allOK := true

	if s.healthRegistry != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		registryHealthy, statuses := s.healthRegistry.CheckAll(ctx)
		if !registryHealthy {
			allOK = false
		}
		for _, st := range statuses {
			if st.Healthy {
				checks[st.Name] = "healthy"
			} else {
				checks[st.Name] = "unhealthy"
			}
		}
	}

	checks["session_monitor"] = timerStatus(s.sessionMonitor)
	if s.workflowEngine != nil {
		checks["workflow_engine"] = "healthy"
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}

type runnable interface{ Running() bool }

func timerStatus(t interface{}) string {
	if t == nil {
		return "not_configured"
	}
	if tr, ok := t.(runnable); ok {
		if tr.Running() {
			return "running"
		}
		return "stopped"
	}
	return "unknown"
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "workflow-platform",
		"description": "Workflow automation for autonomous agents, with scoped session-key spend authority",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	if s.sessionMonitor != nil {
		go s.sessionMonitor.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.sessionMonitor != nil {
		s.sessionMonitor.Stop()
		s.logger.Info("session monitor stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		} else {
			s.logger.Info("tracer shutdown complete")
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// appendDSNParams adds connect_timeout and statement_timeout to a PostgreSQL DSN.
func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipWriter) WriteString(s string) (int, error) {
	return w.writer.Write([]byte(s))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// realtimeEventEmitter adapts realtime.Hub to sessionkeys.EventEmitter.
type realtimeEventEmitter struct {
	hub *realtime.Hub
}

func (e *realtimeEventEmitter) EmitTransaction(tx map[string]interface{}) {
	if e.hub != nil {
		e.hub.BroadcastTransaction(tx)
	}
}

func (e *realtimeEventEmitter) EmitSessionKeyUsed(keyID, agentAddr, amount string) {
	if e.hub != nil {
		e.hub.Broadcast(&realtime.Event{
			Type:      realtime.EventTransaction,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"sessionKeyId": keyID,
				"agentAddr":    agentAddr,
				"amount":       amount,
				"event":        "session_key_used",
			},
		})
	}
}

// workflowEventEmitter adapts realtime.Hub to workflow.Emitter, broadcasting
// each NodeExecution's terminal status as the engine drives an execution.
type workflowEventEmitter struct {
	hub *realtime.Hub
}

func (e *workflowEventEmitter) EmitNodeEvent(executionID, nodeID, status string, data map[string]interface{}) {
	if e.hub == nil {
		return
	}
	payload := map[string]interface{}{
		"executionId": executionID,
		"nodeId":      nodeID,
		"status":      status,
	}
	for k, v := range data {
		payload[k] = v
	}
	e.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventWorkflowNode,
		Timestamp: time.Now(),
		Data:      payload,
	})
}

// realtimeAlertNotifier adapts realtime.Hub to sessionkeys.AlertNotifier,
// broadcasting session-key alerts (budget warnings, expiry, anomaly
// detections from the session monitor sweep) to WebSocket subscribers.
type realtimeAlertNotifier struct {
	hub *realtime.Hub
}

func (n *realtimeAlertNotifier) NotifyAlert(_ context.Context, event sessionkeys.AlertEvent) error {
	if n.hub == nil {
		return nil
	}
	n.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventSessionAlert,
		Timestamp: time.Now(),
		Data:      event,
	})
	return nil
}
