package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cardpricer/internal/cache"
	"cardpricer/internal/config"
	"cardpricer/internal/pricing"
	"cardpricer/internal/syncer"
)

// Resolver is the pricing entry point the API exposes.
type Resolver interface {
	Resolve(ctx context.Context, key string, priority pricing.Priority) (pricing.PriceResult, error)
	ResolveMany(ctx context.Context, keys []string, priority pricing.Priority) (map[string]pricing.PriceResult, error)
}

// Server serves the resolution API to the application layer.
type Server struct {
	resolver Resolver
	cache    *cache.Cache
	syncer   *syncer.Syncer
	router   chi.Router
	logger   zerolog.Logger
	cfg      config.ServerConfig
}

// New builds the server and its routes. The cache and syncer are optional;
// when present their stats show up on the health endpoint.
func New(resolver Resolver, priceCache *cache.Cache, sync *syncer.Syncer, cfg config.ServerConfig, logger zerolog.Logger) *Server {
	s := &Server{
		resolver: resolver,
		cache:    priceCache,
		syncer:   sync,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		cfg:      cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/prices/{key}", s.getPrice)
		r.Post("/prices/resolve", s.resolveMany)
	})
	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type priceResponse struct {
	ItemKey      string                     `json:"item_key"`
	State        string                     `json:"state"`
	Source       string                     `json:"source"`
	RawPrice     *decimal.Decimal           `json:"raw_price,omitempty"`
	GradedPrices map[string]decimal.Decimal `json:"graded_prices,omitempty"`
	Currency     string                     `json:"currency,omitempty"`
	FetchedAt    *time.Time                 `json:"fetched_at,omitempty"`
}

func toPriceResponse(key string, res pricing.PriceResult) priceResponse {
	out := priceResponse{
		ItemKey: key,
		State:   res.State.String(),
		Source:  res.Source.String(),
	}
	if res.Record == nil {
		return out
	}
	rec := res.Record
	if rec.RawPrice.Valid {
		raw := rec.RawPrice.Decimal
		out.RawPrice = &raw
	}
	out.GradedPrices = rec.GradedPrices
	out.Currency = rec.Currency
	fetched := rec.FetchedAt
	out.FetchedAt = &fetched
	return out
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		http.Error(w, "item key required", http.StatusBadRequest)
		return
	}

	priority, err := pricing.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.resolver.Resolve(r.Context(), key, priority)
	if err != nil {
		s.logger.Error().Err(err).Str("item_key", key).Msg("resolve failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, toPriceResponse(key, res))
}

type resolveManyRequest struct {
	Keys     []string `json:"keys"`
	Priority string   `json:"priority"`
}

func (s *Server) resolveMany(w http.ResponseWriter, r *http.Request) {
	var req resolveManyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Keys) == 0 {
		http.Error(w, "at least one key required", http.StatusBadRequest)
		return
	}

	priority, err := pricing.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	results, err := s.resolver.ResolveMany(r.Context(), req.Keys, priority)
	if err != nil {
		s.logger.Error().Err(err).Int("keys", len(req.Keys)).Msg("bulk resolve failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make(map[string]priceResponse, len(results))
	for key, res := range results {
		out[key] = toPriceResponse(key, res)
	}
	writeJSON(w, out)
}

type healthResponse struct {
	Status  string             `json:"status"`
	Cache   *cache.Stats       `json:"cache,omitempty"`
	LastRun *syncer.RunSummary `json:"last_sync,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
	}
	if s.syncer != nil {
		last := s.syncer.LastRun()
		if !last.StartedAt.IsZero() {
			resp.LastRun = &last
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}
