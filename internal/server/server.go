// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/peertrade/internal/config"
	"github.com/mbd888/peertrade/internal/lightning"
	"github.com/mbd888/peertrade/internal/logging"
	"github.com/mbd888/peertrade/internal/metrics"
	"github.com/mbd888/peertrade/internal/notify"
	"github.com/mbd888/peertrade/internal/order"
	"github.com/mbd888/peertrade/internal/payments"
	"github.com/mbd888/peertrade/internal/trade"
	"github.com/mbd888/peertrade/internal/user"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ln           lightning.Client
	orders       order.Store
	users        user.Store
	payoutStore  payments.Store
	payouts      *payments.Service
	coordinator  *trade.Coordinator
	trades       *trade.Service
	hub          *notify.Hub
	expiryTimer  *trade.ExpiryTimer
	sweeper      *payments.Sweeper
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLightning sets a custom escrow node client (for testing)
func WithLightning(ln lightning.Client) Option {
	return func(s *Server) {
		s.ln = ln
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set node client/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.orders = order.NewPostgresStore(db)
		s.users = user.NewPostgresStore(db)
		s.payoutStore = payments.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.orders = order.NewMemoryStore()
		s.users = user.NewMemoryStore()
		s.payoutStore = payments.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Escrow node client if not injected
	if s.ln == nil {
		if cfg.LNDRestURL != "" {
			s.ln = lightning.NewLNDClient(
				cfg.LNDRestURL,
				cfg.LNDMacaroon,
				cfg.InvoicePollInterval,
				cfg.InvoiceExpiry,
				s.logger,
			)
			s.logger.Info("escrow node configured", "url", cfg.LNDRestURL)
		} else {
			s.ln = lightning.NewFakeNode()
			s.logger.Warn("no escrow node configured, using in-process fake (no real funds move)")
		}
	}

	// Realtime hub for WebSocket notifications and the public order feed
	s.hub = notify.NewHub(s.logger)

	s.coordinator = trade.NewCoordinator(s.ln, s.orders, s.hub, s.logger)

	s.payouts = payments.NewService(s.payoutStore, cfg.MaxPaymentAttempts, s.logger)

	s.trades = trade.NewService(s.orders, s.users, s.coordinator, s.hub, s.logger).
		WithPayouts(s.payouts).
		WithFee(cfg.FeePercent).
		WithDisputePolicy(cfg.MaxDisputes).
		WithPublicChannel(cfg.PublicChannel)

	s.expiryTimer = trade.NewExpiryTimer(s.trades, s.orders,
		cfg.OrderExpirationWindow, cfg.ExpirySweepInterval, s.logger)

	s.sweeper = payments.NewSweeper(s.payoutStore, s.ln,
		cfg.PendingPaymentInterval, cfg.MaxPaymentAttempts, cfg.MaxRoutingFeeSats, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
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
	// Recovery with logging
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

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// userAuthMiddleware resolves the caller's identity. Identity is asserted via
// the X-User-ID header; the gateway in front of the service is expected to
// have authenticated it.
func (s *Server) userAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid := c.GetHeader("X-User-ID"); uid != "" {
			c.Set("authUserID", uid)
		}
		c.Next()
	}
}

// adminAuthMiddleware gates force-cancel/force-settle behind a shared secret.
// In development with no secret configured, any caller is allowed through.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Admin-Secret")
		if s.cfg.AdminSecret != "" {
			if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "unauthorized",
					"message": "Invalid admin secret",
				})
				return
			}
		} else if !s.cfg.IsDevelopment() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Admin access not configured",
			})
			return
		}

		adminID := c.GetHeader("X-Admin-ID")
		if adminID == "" {
			adminID = "admin"
		}
		c.Set("adminID", adminID)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time order and trade events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(s.userAuthMiddleware())

	tradeHandler := trade.NewHandler(s.trades)
	tradeHandler.RegisterRoutes(v1)

	payoutHandler := payments.NewHandler(s.payouts)
	payoutHandler.RegisterRoutes(v1)

	// User profile routes
	v1.GET("/users/me", s.getProfileHandler)
	v1.PUT("/users/me/payout", s.setPayoutRequestHandler)

	// Admin routes (force-cancel/force-settle)
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	tradeHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// getProfileHandler handles GET /v1/users/me
func (s *Server) getProfileHandler(c *gin.Context) {
	callerID := c.GetString("authUserID")
	if callerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "X-User-ID header required",
		})
		return
	}

	u, err := s.users.GetOrCreate(c.Request.Context(), callerID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load user", "user_id", callerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load profile",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": u})
}

// setPayoutRequestHandler handles PUT /v1/users/me/payout
// Stores the invoice future payouts for this user are sent to.
func (s *Server) setPayoutRequestHandler(c *gin.Context) {
	callerID := c.GetString("authUserID")
	if callerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "X-User-ID header required",
		})
		return
	}

	var req struct {
		PaymentRequest string `json:"paymentRequest" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentRequest is required",
		})
		return
	}

	ctx := c.Request.Context()
	u, err := s.users.GetOrCreate(ctx, callerID)
	if err != nil {
		logging.L(ctx).Error("failed to load user", "user_id", callerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load profile",
		})
		return
	}

	u.PayoutRequest = req.PaymentRequest
	if err := s.users.Update(ctx, u); err != nil {
		logging.L(ctx).Error("failed to update user", "user_id", callerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to save payout destination",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": u})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start escrow event coordinator
	go s.coordinator.Run(runCtx)

	// Start invoice polling when the real node client is in use
	if lnd, ok := s.ln.(*lightning.LNDClient); ok {
		go lnd.Start(runCtx)
	}

	// Start order expiry sweep
	go s.expiryTimer.Start(runCtx)

	// Start payout sweep
	go s.sweeper.Start(runCtx)

	// Collect database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, coordinator, sweeps)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop order expiry sweep
	s.expiryTimer.Stop()
	s.logger.Info("expiry timer stopped")

	// Stop payout sweep
	s.sweeper.Stop()
	s.logger.Info("payout sweeper stopped")

	// Close database connection pool
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
