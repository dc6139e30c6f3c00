// Command server runs the fableverse gateway: edge auth, the routed proxy,
// the chat orchestrator, and real-time event fanout.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/fableverse/gateway/internal/auth"
	"github.com/fableverse/gateway/internal/chat"
	"github.com/fableverse/gateway/internal/config"
	"github.com/fableverse/gateway/internal/conversations"
	"github.com/fableverse/gateway/internal/eventbus"
	"github.com/fableverse/gateway/internal/gateway"
	"github.com/fableverse/gateway/internal/health"
	"github.com/fableverse/gateway/internal/identity"
	"github.com/fableverse/gateway/internal/kb"
	"github.com/fableverse/gateway/internal/logger"
	"github.com/fableverse/gateway/internal/metrics"
	"github.com/fableverse/gateway/internal/orchestrator"
	"github.com/fableverse/gateway/internal/provider"
	"github.com/fableverse/gateway/internal/ratelimit"
	"github.com/fableverse/gateway/internal/routes"
	"github.com/fableverse/gateway/internal/sse"
)

const (
	exitConfig = 1
	exitListen = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfig)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	gin.SetMode(cfg.GinMode)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	table, err := routes.Load(cfg.RouteTablePath)
	if err != nil {
		log.Error("loading route table", "path", cfg.RouteTablePath, "error", err)
		os.Exit(exitConfig)
	}
	log.Info("route table loaded", "path", cfg.RouteTablePath, "routes", len(table.Entries()))

	// Edge auth: opaque keys against the identity service, bearer tokens
	// against its JWKS.
	identityClient := identity.NewClient(cfg.IdentityEndpoint, 5*time.Second)
	bearer := auth.NewBearerVerifier(cfg.IdentityEndpoint+"/.well-known/jwks.json", cfg.JWKSCacheTTL)
	resolver, err := auth.NewResolver(identityClient, bearer, log, m)
	if err != nil {
		log.Error("building credential resolver", "error", err)
		os.Exit(exitConfig)
	}
	authMW := auth.NewMiddleware(resolver, log)

	store, err := openStore(cfg, log, m)
	if err != nil {
		log.Error("opening conversation store", "error", err)
		os.Exit(exitConfig)
	}

	bus := openBus(cfg, log, m)
	defer bus.Close()

	providers, err := provider.NewRegistry(cfg.Providers, cfg.DefaultModel)
	if err != nil {
		log.Error("building provider registry", "error", err)
		os.Exit(exitConfig)
	}

	kbEndpoint, ok := table.BackendURL("kb")
	if !ok {
		log.Warn("no kb backend in route table, tool calls will fail")
	}
	kbClient := kb.NewClient(kbEndpoint, 15*time.Second)

	orch := orchestrator.New(providers, store, kbClient, orchestrator.Options{
		ToolIterationsMax:  cfg.ToolIterationsMax,
		ClassifierDeadline: cfg.ClassifierDeadline,
	}, log, m)

	chatHandler := chat.NewHandler(orch, bus, sse.Options{
		IdleTimeout:        cfg.StreamingIdleTimeout,
		WordCeilingBytes:   cfg.WordBufferCeilingBytes,
		DirectiveScanBytes: cfg.DirectiveScanLimitBytes,
		FinalizeGrace:      cfg.DetachedPersistenceDeadline,
	}, log, m)

	limiter := ratelimit.NewRegistry(cfg.RateLimitAnonymousPerMinute, cfg.RateLimitAuthenticatedPerMinute, m)

	router := gin.New()
	router.Use(gin.Recovery(), gateway.RequestID(), gateway.AccessLog(log), m.Middleware())

	checks := health.New(3*time.Second, log)
	registerHealthChecks(checks, cfg, table, store, bus)
	checks.Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	convHandlers := conversations.NewHandlers(store, log)
	for _, version := range []string{"v1", "v0.3"} {
		group := router.Group("/api/" + version)
		group.POST("/chat", authMW.RequirePrincipal(), limiter.Middleware(), chatHandler.Handle(version))

		protected := group.Group("")
		protected.Use(authMW.RequirePrincipal(), limiter.Middleware())
		convHandlers.Register(protected)
	}

	// Everything else goes through the routed proxy.
	proxy := gateway.New(table, resolver, cfg, log, m)
	router.NoRoute(proxy.Handler())

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "X-API-Key", "Content-Type", "Accept", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           corsWrapper.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	evictDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := limiter.EvictStale(); n > 0 {
					log.Debug("evicted stale rate limit buckets", "count", n)
				}
			case <-evictDone:
				return
			}
		}
	}()

	listenErr := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.ListenAddr, "tls", cfg.TLSCertPath != "")
		if cfg.TLSCertPath != "" {
			listenErr <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			listenErr <- srv.ListenAndServe()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed to start", "error", err)
			os.Exit(exitListen)
		}
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	close(evictDone)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
	}
	log.Info("gateway stopped")
}

// openStore picks the conversation store. The literal DSN "memory" selects
// the in-process store for local development.
func openStore(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (conversations.Store, error) {
	if cfg.ConversationStoreDSN == "memory" {
		log.Warn("using in-memory conversation store, data will not survive restarts")
		return conversations.NewMemoryStore(), nil
	}
	return conversations.Open(cfg, m)
}

// openBus connects the event bus, or falls back to in-process fanout when
// disabled. A down broker does not block startup; readiness reports it.
func openBus(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) eventbus.Bus {
	if cfg.EventBusDisabled() {
		log.Info("event bus disabled, using in-process fanout")
		return eventbus.NewMemoryBus()
	}
	bus, err := eventbus.Connect(cfg.EventBusEndpoint, log, m)
	if err != nil {
		log.Warn("event bus unreachable, using in-process fanout", "endpoint", cfg.EventBusEndpoint, "error", err)
		return eventbus.NewMemoryBus()
	}
	return bus
}

func registerHealthChecks(checks *health.Handler, cfg *config.Config, table *routes.Table, store conversations.Store, bus eventbus.Bus) {
	probeClient := &http.Client{Timeout: 3 * time.Second}
	probe := func(base string) health.CheckFunc {
		return func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := probeClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("status %d", resp.StatusCode)
			}
			return nil
		}
	}

	checks.AddCheck("identity", probe(cfg.IdentityEndpoint))
	if kbURL, ok := table.BackendURL("kb"); ok {
		checks.AddCheck("kb", probe(kbURL))
	}
	checks.AddReadiness("store", store.Ping)
	checks.AddReadiness("eventbus", func(context.Context) error {
		if !bus.Connected() {
			return errors.New("broker disconnected")
		}
		return nil
	})
}
