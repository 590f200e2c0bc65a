// Package status serves a read-only operational API over the bot's state.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/watcher"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// EMASource supplies the latest EMA row per timeframe.
type EMASource interface {
	Latest(tf string) (ema.Snapshot, bool)
}

// Sources wires the server to the running components. Nil members are
// reported as empty.
type Sources struct {
	Positions func() []*models.Position
	Marks     func() map[string]watcher.PositionUpdate
	EMA       EMASource
	// DailyPnL returns realized P&L for a YYYY-MM-DD day.
	DailyPnL func(day string, loc *time.Location) (float64, error)
	// LastPrice reports the latest underlying price and where it came from.
	LastPrice func(ctx context.Context) (price float64, source string, ok bool)
	Location  *time.Location
}

// Config holds listener settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the status HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	sources   Sources
	logger    logrus.FieldLogger
	port      int
	authToken string
	now       func() time.Time
}

// PositionView is a position with its latest mark.
type PositionView struct {
	ID            string     `json:"id"`
	Contract      string     `json:"contract"`
	OptionSymbol  string     `json:"option_symbol,omitempty"`
	Status        string     `json:"status"`
	StrategyTag   string     `json:"strategy_tag,omitempty"`
	QuantityOpen  int        `json:"quantity_open"`
	AvgEntry      *float64   `json:"avg_entry"`
	RealizedPnL   float64    `json:"realized_pnl"`
	MarkPrice     *float64   `json:"mark_price"`
	MarkSource    string     `json:"mark_source,omitempty"`
	UnrealizedPnL *float64   `json:"unrealized_pnl"`
	UnrealizedPct *float64   `json:"unrealized_pct"`
	MarkedAt      *time.Time `json:"marked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Statistics summarizes the position book.
type Statistics struct {
	TotalPositions int      `json:"total_positions"`
	OpenPositions  int      `json:"open_positions"`
	RealizedTotal  float64  `json:"realized_total"`
	RealizedToday  *float64 `json:"realized_today"`
	UnrealizedOpen float64  `json:"unrealized_open"`
	Day            string   `json:"day"`
	LastPrice      *float64 `json:"last_price"`
	PriceSource    string   `json:"price_source,omitempty"`
}

// NewServer builds the router. Start or Run serves it.
func NewServer(cfg Config, sources Sources, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sources.Location == nil {
		sources.Location = time.UTC
	}
	s := &Server{
		router:    chi.NewRouter(),
		sources:   sources,
		logger:    logger.WithField("component", "status"),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		now:       time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/position/{id}", s.handleGetPosition)
	s.router.Get("/api/stats", s.handleGetStats)
	s.router.Get("/api/ema/{timeframe}", s.handleGetEMA)
	s.router.Handle("/metrics", metrics.Handler())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting status server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "healthy",
		"time":   s.now().UTC().Format(time.RFC3339),
	}
	if price, source, ok := s.lastPrice(r.Context()); ok {
		body["last_price"] = price
		body["price_source"] = source
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) lastPrice(ctx context.Context) (float64, string, bool) {
	if s.sources.LastPrice == nil {
		return 0, "", false
	}
	return s.sources.LastPrice(ctx)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.views())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, v := range s.views() {
		if v.ID == id {
			s.writeJSON(w, http.StatusOK, v)
			return
		}
	}
	http.Error(w, "Position not found", http.StatusNotFound)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	views := s.views()
	day := s.now().In(s.sources.Location).Format("2006-01-02")
	stats := Statistics{TotalPositions: len(views), Day: day}
	for _, v := range views {
		stats.RealizedTotal += v.RealizedPnL
		if v.Status != string(models.StatusClosed) {
			stats.OpenPositions++
			if v.UnrealizedPnL != nil {
				stats.UnrealizedOpen += *v.UnrealizedPnL
			}
		}
	}
	if s.sources.DailyPnL != nil {
		pnl, err := s.sources.DailyPnL(day, s.sources.Location)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read daily realized P&L")
		} else {
			stats.RealizedToday = &pnl
		}
	}
	if price, source, ok := s.lastPrice(r.Context()); ok {
		stats.LastPrice = &price
		stats.PriceSource = source
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetEMA(w http.ResponseWriter, r *http.Request) {
	tf := strings.ToUpper(chi.URLParam(r, "timeframe"))
	if s.sources.EMA == nil {
		http.Error(w, "EMA not available", http.StatusNotFound)
		return
	}
	snap, ok := s.sources.EMA.Latest(tf)
	if !ok {
		http.Error(w, "No EMA for timeframe "+tf, http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"timeframe": tf, "ema": snap})
}

func (s *Server) views() []PositionView {
	if s.sources.Positions == nil {
		return []PositionView{}
	}
	var marks map[string]watcher.PositionUpdate
	if s.sources.Marks != nil {
		marks = s.sources.Marks()
	}
	positions := s.sources.Positions()
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{
			ID:           p.ID,
			Contract:     p.Contract.Key(),
			Status:       string(p.Status),
			StrategyTag:  p.StrategyTag,
			QuantityOpen: p.QuantityOpen,
			AvgEntry:     p.AvgEntry,
			RealizedPnL:  p.RealizedPnL,
			CreatedAt:    p.CreatedAt,
			UpdatedAt:    p.UpdatedAt,
		}
		if occ, err := p.Contract.OCCSymbol(); err == nil {
			v.OptionSymbol = occ
		}
		if m, ok := marks[p.ID]; ok {
			at := m.UpdatedAt
			v.MarkPrice = m.MarkPrice
			v.MarkSource = m.MarkSource
			v.UnrealizedPnL = m.UnrealizedPnL
			v.UnrealizedPct = m.UnrealizedPct
			v.MarkedAt = &at
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
