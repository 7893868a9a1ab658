// Package server exposes the ranking system over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shoprank/shoprank/internal/config"
	"github.com/shoprank/shoprank/internal/recalc"
	"github.com/shoprank/shoprank/pkg/models"
)

// DefaultHTTPTimeout bounds handler execution.
const DefaultHTTPTimeout = 60 * time.Second

// ScoreReader serves score reads, typically the scoring engine.
type ScoreReader interface {
	CachedScore(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID) (float64, error)
	ScoreBreakdown(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID) (models.ScoreBreakdown, error)
}

// ScoreLister serves category leaderboards.
type ScoreLister interface {
	TopByCategory(ctx context.Context, categoryID models.CategoryID, limit int) ([]models.RelevanceScore, error)
}

// CatalogReader resolves item category memberships.
type CatalogReader interface {
	ListCategoryIDs(ctx context.Context, itemID models.ItemID) ([]models.CategoryID, error)
}

// InteractionTracker records catalog interactions.
type InteractionTracker interface {
	RecordView(ctx context.Context, itemID models.ItemID, categoryID models.CategoryID, visitor models.VisitorIdentity) (bool, error)
	RecordPurchase(ctx context.Context, itemID models.ItemID, quantity int) error
	RecordReview(ctx context.Context, itemID models.ItemID, rating int) error
}

// RecalcController drives bulk recalculation and single-item refreshes.
type RecalcController interface {
	Start(ctx context.Context) (recalc.StartResult, error)
	Cancel(ctx context.Context) error
	Progress(ctx context.Context) models.Progress
	EnqueueItemUpdate(ctx context.Context, itemID models.ItemID, categoryIDs []models.CategoryID) error
}

// Service is the HTTP front of the ranking system.
type Service struct {
	engine       ScoreReader
	scores       ScoreLister
	catalog      CatalogReader
	tracker      InteractionTracker
	orchestrator RecalcController

	cfg    config.ServerConfig
	router chi.Router
	srv    *http.Server
	log    zerolog.Logger
}

// Deps carries the collaborators the service fronts.
type Deps struct {
	Engine       ScoreReader
	Scores       ScoreLister
	Catalog      CatalogReader
	Tracker      InteractionTracker
	Orchestrator RecalcController
}

// NewService wires the router. Call Start to begin serving.
func NewService(deps Deps, cfg config.ServerConfig, log zerolog.Logger) *Service {
	s := &Service{
		engine:       deps.Engine,
		scores:       deps.Scores,
		catalog:      deps.Catalog,
		tracker:      deps.Tracker,
		orchestrator: deps.Orchestrator,
		cfg:          cfg,
		log:          log.With().Str("component", "http").Logger(),
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// Score reads
	s.router.Get("/api/items/{itemID}/score", s.handleGetScore)
	s.router.Get("/api/items/{itemID}/breakdown", s.handleGetBreakdown)
	s.router.Get("/api/categories/{categoryID}/top", s.handleTopByCategory)

	// On-demand refresh
	s.router.Post("/api/items/{itemID}/refresh", s.handleRefreshItem)

	// Interaction tracking
	s.router.Post("/api/track/view", s.handleTrackView)
	s.router.Post("/api/track/purchase", s.handleTrackPurchase)
	s.router.Post("/api/track/review", s.handleTrackReview)

	// Bulk recalculation
	s.router.Post("/api/recalculation/start", s.handleRecalcStart)
	s.router.Get("/api/recalculation/progress", s.handleRecalcProgress)
	s.router.Post("/api/recalculation/cancel", s.handleRecalcCancel)
}

// Router exposes the handler tree, used by tests and by Start.
func (s *Service) Router() http.Handler {
	return s.router
}

// Start serves HTTP until the context is cancelled, then drains within the
// configured shutdown timeout.
func (s *Service) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

// categoriesOf resolves an item's categories or fails the request.
func (s *Service) categoriesOf(ctx context.Context, itemID models.ItemID) ([]models.CategoryID, error) {
	return s.catalog.ListCategoryIDs(ctx, itemID)
}
