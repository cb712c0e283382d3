// Package server exposes the engine's public read model over HTTP: a
// delayed, redacted view of fills and rollups with no order IDs, intent
// keys, or live position data. It never touches the ops namespace.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/weatheredge/internal/cities"
	"github.com/aristath/weatheredge/internal/database"
	"github.com/aristath/weatheredge/internal/repository"
)

// Config holds server configuration.
type Config struct {
	Port        int
	Log         zerolog.Logger
	AnalyticsDB *database.DB
	Cities      *cities.Registry
	DevMode     bool
}

// Server is the public HTTP read model.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	repo   *repository.AnalyticsRepository
	cities *cities.Registry
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		repo:   repository.NewAnalyticsRepository(cfg.AnalyticsDB),
		cities: cfg.Cities,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/cities", s.handleListCities)
		r.Route("/cities/{code}", func(r chi.Router) {
			r.Get("/fills", s.handleCityFills)
			r.Get("/rollups", s.handleCityRollups)
		})
		r.Get("/clusters/{cluster}/rollups", s.handleClusterRollups)
		r.Get("/equity-curve", s.handleEquityCurve)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting public read model server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down public read model server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPct, ramPct := s.systemStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "OK",
		"cpu_percent":  cpuPct,
		"ram_percent":  ramPct,
	})
}

// systemStats reports host CPU and RAM utilization for the health
// endpoint's operational snapshot. A 100ms sampling window keeps the
// request fast without reading a stale instantaneous spike.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("reading cpu percent")
		cpuPercent = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("reading memory stats")
		return cpuPercent[0], 0
	}
	return cpuPercent[0], memStat.UsedPercent
}

func (s *Server) handleListCities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cities.All())
}

func (s *Server) handleCityFills(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, ok := s.cities.Get(code); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown city"})
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	fills, err := s.repo.ListPublicFills(r.Context(), code, limit)
	if err != nil {
		s.log.Error().Err(err).Str("city", code).Msg("listing public fills")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, fills)
}

func (s *Server) handleCityRollups(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, ok := s.cities.Get(code); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown city"})
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	rollups, err := s.repo.DailyRollupsForCity(r.Context(), code, date)
	if err != nil {
		s.log.Error().Err(err).Str("city", code).Msg("listing daily rollups")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, rollups)
}

func (s *Server) handleClusterRollups(w http.ResponseWriter, r *http.Request) {
	cluster := chi.URLParam(r, "cluster")

	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	roll, err := s.repo.ClusterRollup(r.Context(), cluster, date)
	if err != nil {
		s.log.Error().Err(err).Str("cluster", cluster).Msg("fetching cluster rollup")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if roll == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no rollup for date"})
		return
	}
	writeJSON(w, http.StatusOK, roll)
}

func (s *Server) handleEquityCurve(w http.ResponseWriter, r *http.Request) {
	limit := 90
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 3650 {
			limit = n
		}
	}

	points, err := s.repo.EquityCurve(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("fetching equity curve")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, points)
}
