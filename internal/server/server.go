package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/confluence"
	"github.com/ksred/klear-exec/internal/cooldown"
	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/decision"
	"github.com/ksred/klear-exec/internal/engine"
	"github.com/ksred/klear-exec/internal/exchange"
	"github.com/ksred/klear-exec/internal/gate"
	"github.com/ksred/klear-exec/internal/intent"
	"github.com/ksred/klear-exec/internal/market"
	"github.com/ksred/klear-exec/internal/metrics"
	"github.com/ksred/klear-exec/internal/position"
	"github.com/ksred/klear-exec/internal/regime"
	"github.com/ksred/klear-exec/internal/trailing"
	"github.com/ksred/klear-exec/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Server owns every long-lived component of one engine process.
type Server struct {
	cfg      *config.Config
	Store    *database.Store
	Engine   *engine.Engine
	Monitor  *engine.Monitor
	Paper    *exchange.Paper
	Feed     *market.Static
	Auth     *auth.Service
	Registry *prometheus.Registry
	limiter  *middleware.RateLimiter
}

// New opens the store and wires the engine over a guarded paper venue.
// The process must be the only writer of cfg.Database.Path.
func New(cfg *config.Config) (*Server, error) {
	store, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	paper := exchange.NewPaper(cfg.Exchange.Paper.PaperConfig())
	feed := market.NewStatic()
	for sym, price := range cfg.Exchange.Paper.Prices {
		paper.SetPrice(sym, price)
		feed.SetPrice(sym, price)
	}

	positions := position.NewService(store, cfg.Positions)
	e := engine.New(cfg.Engine, engine.Deps{
		Store:      store,
		Intents:    intent.NewService(store, cfg.Registry),
		Positions:  positions,
		Cooldowns:  cooldown.NewLedger(store, cfg.Cooldown),
		Trailing:   trailing.NewEngine(cfg.Trailing, positions),
		Classifier: regime.NewClassifier(cfg.Regime, regime.NewCache(cfg.Regime.CacheTTL)),
		Scorer:     confluence.NewScorer(cfg.Confluence),
		Gate:       gate.NewGate(cfg.Gate),
		Exchange:   exchange.NewGuarded(paper, cfg.Exchange.Guard),
		Market:     feed,
		Metrics:    m,
	})

	var collabs []decision.Named
	for i, url := range cfg.Decision.URLs {
		collabs = append(collabs, decision.Named{
			Name:         fmt.Sprintf("collaborator-%d", i+1),
			Collaborator: decision.NewHTTPCollaborator(url, cfg.Decision.Timeout),
		})
	}

	authService := auth.NewService(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	for _, c := range cfg.Server.Clients {
		authService.RegisterClient(c)
	}

	return &Server{
		cfg:      cfg,
		Store:    store,
		Engine:   e,
		Monitor:  engine.NewMonitor(e, cfg.Monitor, collabs...),
		Paper:    paper,
		Feed:     feed,
		Auth:     authService,
		Registry: reg,
		limiter:  middleware.NewRateLimiter(cfg.Server.RateLimits),
	}, nil
}

// Router builds the HTTP API.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	engineHandlers := engine.NewGinHandlers(s.Engine)
	authHandlers := auth.NewGinHandlers(s.Auth)
	marketHandlers := market.NewGinHandlers(s.Feed, s.Paper.SetPrice)

	router.GET("/health", engineHandlers.HealthHandler())
	router.GET("/metrics", gin.WrapH(metrics.Handler(s.Registry)))

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(s.limiter.Middleware())
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		api := v1.Group("")
		api.Use(middleware.JWTAuth(s.cfg.Server.JWTSecret), s.limiter.Middleware())
		{
			api.POST("/intents", middleware.RequirePermission(auth.PermSubmit), engineHandlers.SubmitIntentHandler())
			api.GET("/intents/open", middleware.RequirePermission(auth.PermRead), engineHandlers.OpenIntentsHandler())
			api.GET("/positions/:symbol", middleware.RequirePermission(auth.PermRead), engineHandlers.PositionStateHandler())
			api.POST("/positions/:symbol/:side/close", middleware.RequirePermission(auth.PermClose), engineHandlers.ClosePositionHandler())
			api.GET("/trades/history", middleware.RequirePermission(auth.PermRead), engineHandlers.HistoryHandler())
			api.POST("/market/snapshots", middleware.RequirePermission(auth.PermSubmit), marketHandlers.SnapshotHandler())
		}
	}
	return router
}

// Run serves HTTP on the configured port and runs the monitor until ctx is
// cancelled, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.Server.Port,
		Handler: s.Router(),
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		s.Monitor.Start(monitorCtx)
	}()

	stopCleanup := make(chan struct{})
	go s.limiter.RunCleanup(time.Minute, stopCleanup)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	log.Info().Msg("Shutting down server...")

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	stopMonitor()
	<-monitorDone
	close(stopCleanup)
	return serveErr
}

// Close releases the store.
func (s *Server) Close() error {
	return s.Store.Close()
}
