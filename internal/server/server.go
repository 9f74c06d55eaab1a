// Package server wires the gift relayer together and serves its HTTP API
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/giftlink/internal/auth"
	"github.com/mbd888/giftlink/internal/bridge"
	"github.com/mbd888/giftlink/internal/chain"
	"github.com/mbd888/giftlink/internal/circuitbreaker"
	"github.com/mbd888/giftlink/internal/config"
	"github.com/mbd888/giftlink/internal/escrowledger"
	"github.com/mbd888/giftlink/internal/gifts"
	"github.com/mbd888/giftlink/internal/health"
	"github.com/mbd888/giftlink/internal/logging"
	"github.com/mbd888/giftlink/internal/metrics"
	"github.com/mbd888/giftlink/internal/ratelimit"
	"github.com/mbd888/giftlink/internal/retry"
	"github.com/mbd888/giftlink/internal/trading"
	"github.com/mbd888/giftlink/internal/validation"
	"github.com/mbd888/giftlink/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if gift records are in memory
	ledgerStore  io.Closer
	escrow       *escrowledger.Ledger // nil in chain mode
	events       *escrowledger.MemoryEvents
	chain        *chain.Client // nil in local mode
	tradingLocal *trading.MemoryLedger
	breaker      *circuitbreaker.Breaker
	giftStore    gifts.Store
	gifts        *gifts.Service
	sweeper      *gifts.Timer
	limiter      *ratelimit.Limiter
	keys         *auth.Keyring
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drain        time.Duration
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

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the server is no longer ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drain = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		drain:   5 * time.Second,
		breaker: circuitbreaker.New(5, 30*time.Second),
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	}

	keys, err := auth.ParseKeyring(cfg.IntakeAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("invalid INTAKE_API_KEYS: %w", err)
	}
	s.keys = keys
	if keys.Len() == 0 {
		s.logger.Warn("gift registration is unauthenticated (no INTAKE_API_KEYS set)")
	}

	ctx := context.Background()

	if err := s.initGiftStore(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	escrow, forwarder, custodian, err := s.initEscrow()
	if err != nil {
		s.closeStores()
		return nil, err
	}

	signer, settler, deposit, err := s.initSettlement()
	if err != nil {
		s.closeStores()
		return nil, err
	}

	svc := gifts.NewService(s.giftStore, escrow, s.initOracle(), gifts.Config{
		Custodian:      custodian,
		DepositAddress: deposit,
		Asset:          cfg.TradingAsset,
		CallTimeout:    cfg.CallTimeout,
		LeaseTTL:       cfg.LeaseTTL,
		StaleCreating:  cfg.StaleCreating,
		Retry: retry.Schedule{
			Base:       cfg.RetryBaseDelay,
			Max:        cfg.RetryMaxDelay,
			AlertAfter: cfg.AlertAfterAttempts,
		},
	})
	if signer != nil {
		svc.WithSettlement(forwarder, signer, settler)
	}
	s.gifts = svc
	s.sweeper = gifts.NewTimer(svc, s.giftStore, cfg.SweepInterval, s.logger)

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.ClaimsPerMinute,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.registerHealthChecks()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// initGiftStore opens Postgres when DATABASE_URL is set, otherwise keeps
// gift records in memory.
func (s *Server) initGiftStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("using in-memory gift records (no DATABASE_URL set)")
		s.giftStore = gifts.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	s.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	s.giftStore = gifts.NewPostgresStore(db)
	return nil
}

// initEscrow selects the escrow ledger: the deployed contract when RPC_URL
// is set, otherwise the in-process ledger.
func (s *Server) initEscrow() (gifts.EscrowLedger, gifts.Forwarder, common.Address, error) {
	if s.cfg.RPCURL != "" {
		client, err := chain.New(chain.Config{
			RPCURL:         s.cfg.RPCURL,
			PrivateKey:     s.cfg.PrivateKey,
			ChainID:        s.cfg.ChainID,
			EscrowContract: s.cfg.EscrowContract,
			USDCContract:   s.cfg.USDCContract,
			DeployBlock:    uint64(max(s.cfg.DeployBlock, 0)),
		})
		if err != nil {
			return nil, nil, common.Address{}, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chain = client
		s.logger.Info("escrow ledger on chain",
			"chain_id", s.cfg.ChainID,
			"escrow", s.cfg.EscrowContract,
			"custodian", client.Address().Hex())
		return client, client, client.Address(), nil
	}

	var store escrowledger.Store
	if s.cfg.LedgerPath != "" {
		bolt, err := escrowledger.OpenBoltStore(s.cfg.LedgerPath)
		if err != nil {
			return nil, nil, common.Address{}, fmt.Errorf("failed to open escrow ledger: %w", err)
		}
		s.ledgerStore = bolt
		store = bolt
		s.logger.Info("escrow ledger on disk", "path", s.cfg.LedgerPath)
	} else {
		s.logger.Warn("using in-memory escrow ledger (no RPC_URL or LEDGER_PATH set)")
		store = escrowledger.NewMemoryStore()
	}

	s.events = escrowledger.NewMemoryEvents()
	s.escrow = escrowledger.New(store, escrowledger.WithEvents(s.events))

	var custodian common.Address
	if s.cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(s.cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, nil, common.Address{}, fmt.Errorf("invalid PRIVATE_KEY: %w", err)
		}
		custodian = crypto.PubkeyToAddress(key.PublicKey)
	} else {
		s.logger.Warn("no PRIVATE_KEY set: claims will be rejected as misconfigured")
	}

	local := gifts.NewLocalLedger(s.escrow, custodian)
	return local, local, custodian, nil
}

func (s *Server) initOracle() bridge.Oracle {
	if s.cfg.BridgeStatusURL == "" {
		s.logger.Warn("no BRIDGE_STATUS_URL set: every source transfer is treated as final")
		return bridge.NewStatic().WithFallback(bridge.StatusDone)
	}
	return bridge.NewClient(s.cfg.BridgeStatusURL,
		bridge.WithBreaker(s.breaker),
		bridge.WithLocalChain(s.cfg.ChainID))
}

// initSettlement builds the settlement signer once a signing key is
// available. The in-process trading ledger is used when TRADING_API_URL is
// not set; its deposit intake then defaults to the signer's own address.
func (s *Server) initSettlement() (*trading.Signer, trading.Settler, common.Address, error) {
	deposit := common.HexToAddress(s.cfg.TradingDepositAddress)

	key := s.cfg.SigningKey()
	if key == "" {
		return nil, nil, deposit, nil
	}

	domain := trading.Domain{
		Name:    s.cfg.TradingDomainName,
		Version: "1",
		ChainID: s.cfg.TradingChainID,
	}
	signer, err := trading.NewSigner(key, domain)
	if err != nil {
		return nil, nil, common.Address{}, fmt.Errorf("failed to create settlement signer: %w", err)
	}

	var settler trading.Settler
	if s.cfg.TradingAPIURL != "" {
		settler = trading.NewClient(s.cfg.TradingAPIURL, trading.WithBreaker(s.breaker))
	} else {
		s.logger.Warn("using in-process trading ledger (no TRADING_API_URL set)")
		s.tradingLocal = trading.NewMemoryLedger(domain, signer.Address())
		settler = s.tradingLocal
		if s.cfg.TradingDepositAddress == "" {
			deposit = signer.Address()
		}
	}

	s.logger.Info("settlement enabled",
		"signer", signer.Address().Hex(),
		"deposit_address", deposit.Hex())
	return signer, settler, deposit, nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Ping(s.db))
	}
	if s.escrow != nil {
		s.health.Register("escrow_ledger", health.Solvent(s.escrow))
	}
	if s.chain != nil {
		client := s.chain
		s.health.RegisterOptional("rpc", func(ctx context.Context) health.Status {
			if _, err := client.CustodyBalance(ctx); err != nil {
				return health.Status{Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
	s.health.Register("sweeper", func(ctx context.Context) health.Status {
		if !s.ready.Load() {
			return health.Status{Healthy: true, Detail: "not started"}
		}
		return health.Running(s.sweeper.Running)(ctx)
	})
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

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, funding watcher)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	giftHandler := gifts.NewHandler(s.gifts)
	giftHandler.RegisterRoutes(v1.Group("", s.limiter.Middleware()))
	giftHandler.RegisterProtectedRoutes(v1.Group("", auth.RequireKey(s.keys)))

	if s.escrow != nil {
		escrowHandler := escrowledger.NewHandler(s.escrow, s.events)
		escrowHandler.RegisterRoutes(v1)
		// Refunds trust the X-Sender-Address header, so only outside production.
		if !s.cfg.IsProduction() {
			escrowHandler.RegisterProtectedRoutes(v1)
		}
		if s.cfg.IsDevelopment() {
			escrowHandler.RegisterDevRoutes(v1)
		}
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      4*s.cfg.CallTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweeper.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	if s.escrow != nil {
		go metrics.StartLedgerAuditCollector(runCtx, s.escrow, time.Minute, s.logger)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drain)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight claims have finished or detached by now; stop the loops.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweeper.Stop()
	s.limiter.Stop()
	s.logger.Info("gift sweeper stopped")

	if s.chain != nil {
		if err := s.chain.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}
	s.closeStores()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.ledgerStore != nil {
		if err := s.ledgerStore.Close(); err != nil {
			s.logger.Error("escrow ledger close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
