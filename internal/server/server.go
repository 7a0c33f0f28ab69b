// Package server assembles deskd, the development backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	"ticketdesk/internal/core/services"
	httphandlers "ticketdesk/internal/handlers/http"
	"ticketdesk/internal/infrastructure/distributed"
	"ticketdesk/internal/infrastructure/middleware"
	"ticketdesk/internal/infrastructure/monitoring"
	"ticketdesk/internal/infrastructure/repositories"
	"ticketdesk/internal/infrastructure/repositories/memory"
	"ticketdesk/internal/infrastructure/signal"
	"ticketdesk/pkg/cache"
	"ticketdesk/pkg/config"
	"ticketdesk/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	cfg       *config.Config
	logger    *zap.SugaredLogger
	startTime time.Time

	factory     *repositories.RepositoryFactory
	bus         *distributed.EventBus
	websocket   *signal.WebSocketServer
	broadcaster ports.Broadcaster
	health      *monitoring.HealthChecker
	router      *gin.Engine
	stats       *cache.Cache[domain.DashboardStats]
}

const statsTTL = 30 * time.Second

// Accounts hashes the configured fixture users.
func Accounts(users []config.FixtureUser) ([]services.Account, error) {
	accounts := make([]services.Account, 0, len(users))
	for _, u := range users {
		role := domain.Role(u.Role)
		if !role.Valid() {
			return nil, fmt.Errorf("fixture user %s: unknown role %q", u.Email, u.Role)
		}
		account, err := services.NewAccount(domain.User{
			ID:    domain.UserID(u.ID),
			Name:  u.Name,
			Email: u.Email,
			Role:  domain.RoleRef{Name: role},
		}, u.Password)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// New builds the gin engine and its collaborators. Metrics are registered on
// registry.
func New(cfg *config.Config, log *zap.SugaredLogger, registry *prometheus.Registry) (*Server, error) {
	if cfg.Realtime.AppKey == "" || cfg.Broadcasting.AppSecret == "" {
		return nil, errors.New("realtime.app_key and broadcasting.app_secret are required")
	}

	accounts, err := Accounts(cfg.Auth.Users)
	if err != nil {
		return nil, err
	}

	factory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("create repository factory: %w", err)
	}

	metrics := monitoring.NewServerMetrics(registry)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, accounts)
	signer := services.NewBroadcastAuthService(cfg.Realtime.AppKey, cfg.Broadcasting.AppSecret)

	ws := signal.NewWebSocketServer(signer, signal.Options{
		ActivityTimeout:   cfg.Signal.ActivityTimeout,
		PongTimeout:       cfg.Signal.PongTimeout,
		MaxMessageSize:    cfg.Signal.MaxMessageSizeBytes,
		MessagesPerSecond: rateIf(cfg.RateLimiting.Enabled, cfg.RateLimiting.WebSocket.MessagesPerSecond),
		MessageBurst:      cfg.RateLimiting.WebSocket.Burst,
	}, metrics, log)

	s := &Server{
		cfg:         cfg,
		logger:      log,
		startTime:   time.Now(),
		factory:     factory,
		websocket:   ws,
		broadcaster: ws,
		health:      monitoring.NewHealthChecker(),
	}

	if client := factory.RedisClient(); client != nil {
		s.bus = distributed.NewEventBus(client, "", "", log)
		s.broadcaster = distributed.NewFanoutBroadcaster(ws, s.bus, log)
		s.health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
		log.Infow("broadcasts shared over Redis", "instance_id", s.bus.InstanceID())
	}

	s.stats = cache.New[domain.DashboardStats](statsTTL)
	tickets := services.NewTicketService(
		memory.NewTicketRepository(memory.DemoTickets(time.Now())),
		s.broadcaster,
		log,
		services.WithStatsCache(s.stats),
	)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RequestLoggerMiddleware(log),
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		metrics.Middleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewAuthHandler(authService, signer, metrics, log).SetupRoutes(router)
	httphandlers.NewDeskHandler(authService, tickets, s.broadcaster).SetupRoutes(router)

	router.GET("/app/:key", middleware.NewWebSocketRateLimitMiddleware(cfg), gin.WrapF(ws.HandleWebSocket))
	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readyHandler)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	s.router = router
	return s, nil
}

func rateIf(enabled bool, v float64) float64 {
	if enabled {
		return v
	}
	return 0
}

func (s *Server) Handler() http.Handler { return s.router }

// Broadcaster delivers to local subscribers and, with Redis, to other
// instances.
func (s *Server) Broadcaster() ports.Broadcaster { return s.broadcaster }

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now(),
		"uptime":      utils.FormatDuration(time.Since(s.startTime)),
		"connections": s.websocket.ConnectionCount(),
	})
}

func (s *Server) readyHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := s.health.GetReadinessStatus(ctx)
	if status.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Run listens on server.address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: s.cfg.Server.ReadTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	if s.bus != nil {
		go func() {
			if err := s.bus.Relay(ctx, nil, s.websocket); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("event bus relay: %w", err)
			}
		}()
	}
	s.health.StartBackgroundChecks(ctx, func(name, result string) {
		if result != "healthy" {
			s.logger.Warnw("health check failing", "check", name, "result", result)
		}
	})

	go func() {
		s.logger.Infow("starting deskd", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		s.logger.Errorw("server failed", "error", runErr)
	case <-ctx.Done():
		s.logger.Infow("shutting down deskd")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}
	return runErr
}

func (s *Server) Close() error {
	s.stats.Stop()
	if s.bus != nil {
		s.bus.Close()
	}
	return s.factory.Close()
}
