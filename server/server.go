package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/auth"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/config"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/middleware"
	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// App is the settlement service application.
type App struct {
	engine            *gin.Engine
	config            *config.Config
	logger            zerolog.Logger
	settlementService *settlement.Service
	settlementHandler *SettlementHandler
	streamHandler     *StreamHandler
	httpServer        *http.Server
	onShutdown        []func()
}

// Options holds server configuration options.
type Options struct {
	Config            *config.Config
	Logger            zerolog.Logger
	SettlementService *settlement.Service
}

// New creates a new settlement service application.
func New(opts Options) *App {
	// Marshal decimals as JSON numbers. Clients doing IEEE 754 math may lose
	// precision on very large awards; the API contract accepts that.
	decimal.MarshalJSONWithoutQuotes = true

	if opts.Config.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		engine:            gin.New(),
		config:            opts.Config,
		logger:            opts.Logger,
		settlementService: opts.SettlementService,
	}

	app.settlementHandler = NewSettlementHandler(app)
	app.streamHandler = NewStreamHandler(app)

	return app
}

// UseCommonMiddlewares adds recovery, tracing, logging and CORS.
func (a *App) UseCommonMiddlewares() {
	a.engine.Use(middleware.Recovery(a.logger))
	a.engine.Use(middleware.TraceID())
	a.engine.Use(middleware.Logging(a.logger))

	if a.config.Server.EnableCORS {
		a.engine.Use(middleware.CORS())
	}
}

// UseMiddleware adds a custom middleware.
func (a *App) UseMiddleware(m gin.HandlerFunc) {
	a.engine.Use(m)
}

// RegisterSettlementRoutes wires the settlement API.
//
// Routes registered:
//   - GET  /api/pools                      -> SettlementHandler.List
//   - POST /api/pools/:pool_id/settle      -> SettlementHandler.Settle
//   - GET  /api/pools/:pool_id/status      -> SettlementHandler.Status
//   - POST /api/pools/:pool_id/claim       -> SettlementHandler.ClaimPoolPrize
//   - POST /api/rewards/:reward_id/claim   -> SettlementHandler.Claim
//   - GET  /api/pools/:pool_id/events      -> StreamHandler.StreamEvents (SSE)
//   - GET  /api/pools/:pool_id/events/ws   -> StreamHandler.StreamEventsWebSocket
func (a *App) RegisterSettlementRoutes() {
	// The event streams are long-lived, so the request timeout only
	// wraps the plain API handlers.
	reqTimeout := middleware.Timeout(a.config.Server.RequestTimeout)

	pools := a.engine.Group("/api/pools")
	pools.Use(ScopeMiddleware())
	{
		pools.GET("", reqTimeout, a.settlementHandler.List)
		pools.POST("/:pool_id/settle",
			reqTimeout,
			auth.OptionalJWTMiddleware(a.config.JWT.Secret, a.logger),
			a.settlementHandler.Settle)
		pools.GET("/:pool_id/status",
			reqTimeout,
			auth.OptionalJWTMiddleware(a.config.JWT.Secret, a.logger),
			a.settlementHandler.Status)
		pools.POST("/:pool_id/claim",
			reqTimeout,
			auth.JWTMiddleware(a.config.JWT.Secret, a.logger),
			a.settlementHandler.ClaimPoolPrize)

		pools.GET("/:pool_id/events", a.streamHandler.StreamEvents)
		pools.GET("/:pool_id/events/ws", a.streamHandler.StreamEventsWebSocket)
	}

	rewards := a.engine.Group("/api/rewards")
	rewards.Use(ScopeMiddleware())
	rewards.Use(auth.JWTMiddleware(a.config.JWT.Secret, a.logger))
	{
		rewards.POST("/:reward_id/claim", reqTimeout, a.settlementHandler.Claim)
	}

	a.logger.Info().Msg("Settlement routes registered: /api/pools, /api/rewards")
}

// RegisterHealthCheck adds health check endpoints.
func (a *App) RegisterHealthCheck() {
	a.engine.GET("/health", a.healthCheck)
	a.engine.GET("/api/health", a.healthCheck)
}

func (a *App) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now(),
		"environment": a.config.Environment,
	})
}

// RegisterRoutes registers custom routes using a callback.
func (a *App) RegisterRoutes(fn func(*gin.Engine)) {
	fn(a.engine)
}

// Router returns the Gin engine for custom route registration.
func (a *App) Router() *gin.Engine {
	return a.engine
}

// OnShutdown registers a function to be called on shutdown.
func (a *App) OnShutdown(fn func()) {
	a.onShutdown = append(a.onShutdown, fn)
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	a.startHTTPServer()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return a.shutdown()
}

// RunWithContext starts the HTTP server and shuts down when ctx is done.
func (a *App) RunWithContext(ctx context.Context) error {
	errChan := a.startHTTPServer()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errChan:
		return err
	}
}

func (a *App) startHTTPServer() <-chan error {
	addr := fmt.Sprintf(":%d", a.config.Server.Port)

	a.httpServer = &http.Server{
		Addr:         addr,
		Handler:      a.engine,
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
		IdleTimeout:  a.config.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info().
			Int("port", a.config.Server.Port).
			Str("environment", a.config.Environment).
			Msg("Starting HTTP server")

		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	return errChan
}

func (a *App) shutdown() error {
	a.logger.Info().Msg("Shutting down server")

	for _, fn := range a.onShutdown {
		fn()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}

	a.logger.Info().Msg("Server exited")
	return nil
}
