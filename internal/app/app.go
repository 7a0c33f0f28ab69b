// Package app assembles the desk client from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	"ticketdesk/internal/core/services"
	"ticketdesk/internal/infrastructure/httpclient"
	"ticketdesk/internal/infrastructure/monitoring"
	"ticketdesk/internal/infrastructure/realtime"
	"ticketdesk/internal/infrastructure/repositories"
	"ticketdesk/pkg/circuitbreaker"
	"ticketdesk/pkg/config"
	"ticketdesk/pkg/retry"
	"ticketdesk/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Options struct {
	// Ephemeral keeps the session in memory only.
	Ephemeral bool
	// Reload is the logout fallback when no router is attached.
	Reload func()
}

// App holds the wired client components. Build it with New and release it
// with Close.
type App struct {
	Config   *config.Config
	Logger   *zap.SugaredLogger
	Registry *prometheus.Registry
	Metrics  *monitoring.ClientMetrics

	Store      ports.CredentialStore
	HTTP       *httpclient.Client
	Session    *services.SessionService
	Router     *services.Router
	Broadcast  *httpclient.BroadcastAPI
	Authorizer *services.ChannelAuthorizer
	Desk       *httpclient.DeskAPI

	factory *repositories.RepositoryFactory
	tracer  *tracing.TracerProvider
}

func New(cfg *config.Config, log *zap.SugaredLogger, opts Options) (*App, error) {
	if opts.Ephemeral {
		c := *cfg
		c.Credentials.Backend = config.CredentialsBackendMemory
		cfg = &c
	}

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	factory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("create repository factory: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewClientMetrics(registry)

	client, err := httpclient.New(httpclient.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		UserAgent: cfg.API.UserAgent,
	}, log, httpclient.WithMetrics(metrics))
	if err != nil {
		factory.Close()
		return nil, err
	}

	store := factory.CreateCredentialStore()
	sessionOpts := []services.SessionOption{services.WithSessionMetrics(metrics)}
	if opts.Reload != nil {
		sessionOpts = append(sessionOpts, services.WithReload(opts.Reload))
	}
	session := services.NewSessionService(store, httpclient.NewAuthAPI(client), log, sessionOpts...)

	router, err := services.NewRouter(domain.DefaultRoutes(), session, log)
	if err != nil {
		factory.Close()
		return nil, fmt.Errorf("build router: %w", err)
	}
	session.AttachNavigator(router)

	// Interceptors need the session, which needs the client.
	client.UseRequest(httpclient.BearerToken(session), httpclient.RequestID())
	client.UseResponse(httpclient.LogoutOnUnauthorized(session, log))

	broadcast := httpclient.NewBroadcastAPI(client, cfg.BroadcastAuthEndpoint())

	return &App{
		Config:     cfg,
		Logger:     log,
		Registry:   registry,
		Metrics:    metrics,
		Store:      store,
		HTTP:       client,
		Session:    session,
		Router:     router,
		Broadcast:  broadcast,
		Authorizer: services.NewChannelAuthorizer(broadcast, log, metrics, cfg.API.Timeout),
		Desk:       httpclient.NewDeskAPI(client),
		factory:    factory,
		tracer:     tracer,
	}, nil
}

// Start restores the persisted session.
func (a *App) Start(ctx context.Context) error {
	return a.Session.Hydrate(ctx)
}

// RealtimeConfig maps the realtime settings onto the transport config.
func (a *App) RealtimeConfig() realtime.Config {
	rc := a.Config.Realtime
	return realtime.Config{
		Key:             rc.AppKey,
		Host:            rc.Host,
		Port:            rc.Port,
		ForceTLS:        a.Config.ForceTLS(),
		ActivityTimeout: rc.ActivityTimeout,
		PongTimeout:     rc.PongTimeout,
		Reconnect: retry.Config{
			MaxAttempts:  rc.ReconnectAttempts,
			InitialDelay: rc.ReconnectInitialDelay,
			MaxDelay:     rc.ReconnectMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold: rc.BreakerThreshold,
			Timeout:          rc.BreakerTimeout,
		},
	}
}

// Realtime builds a realtime client authorized through the shared HTTP client.
func (a *App) Realtime() (*realtime.Client, error) {
	client, err := realtime.NewClient(a.RealtimeConfig(), a.Authorizer, a.Logger, realtime.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}
	client.OnStateChange(func(from, to realtime.State) {
		a.Metrics.SetRealtimeConnected(to == realtime.StateConnected)
	})
	return client, nil
}

// Health returns checks for the credential store and API reachability.
func (a *App) Health() *monitoring.HealthChecker {
	h := monitoring.NewHealthChecker()
	timeout := a.Config.API.Timeout
	h.AddCredentialStoreCheck(a.Store, 0, timeout)
	h.AddHTTPCheck("api", a.HTTP.BaseURL(), nil, 0, timeout)
	if rc := a.factory.RedisClient(); rc != nil {
		h.AddRedisCheck(rc, 0, timeout)
	}
	return h
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.factory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close repositories: %w", err))
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}
