package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"eventseries/internal/config"
	"eventseries/internal/ics"
	appLog "eventseries/internal/log"
	"eventseries/internal/model"
	"eventseries/internal/series"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SeriesService is the lifecycle surface the API drives.
type SeriesService interface {
	Create(ctx context.Context, req series.CreateRequest, actor string) (*model.Series, error)
	Update(ctx context.Context, slug string, req series.UpdateRequest, actor string) (*model.Series, int, error)
	Delete(ctx context.Context, slug, actor string, deleteOccurrences bool) error
	Get(ctx context.Context, slug string) (*model.Series, error)
	List(ctx context.Context) ([]model.Series, error)
}

// OccurrenceService is the materializer surface the API drives.
type OccurrenceService interface {
	FindOccurrence(ctx context.Context, slug string, date time.Time) (*model.Occurrence, error)
	GetOrCreateOccurrence(ctx context.Context, slug string, date time.Time, actor string) (*model.Occurrence, error)
	GetUpcomingOccurrences(ctx context.Context, slug string, count int, includePast bool) ([]model.UpcomingEntry, error)
	MaterializeNextOccurrence(ctx context.Context, slug string, actor string) (*model.Occurrence, error)
	UpdateFutureOccurrences(ctx context.Context, slug string, from time.Time, patch model.OccurrencePatch, actor string) (int, error)
}

// CalendarFetcher downloads an ICS payload for import.
type CalendarFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

const maxBodyBytes = 1 << 20

// Server exposes the series and occurrence API over HTTP.
type Server struct {
	cfg         *config.Config
	series      SeriesService
	occurrences OccurrenceService
	fetcher     CalendarFetcher
	gatherer    prometheus.Gatherer
	now         func() time.Time
	mux         *http.ServeMux
}

// NewServer constructs a Server. A nil gatherer serves the default registry
// on /metrics.
func NewServer(cfg *config.Config, svc SeriesService, occ OccurrenceService, fetcher CalendarFetcher, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:         cfg,
		series:      svc,
		occurrences: occ,
		fetcher:     fetcher,
		gatherer:    gatherer,
		now:         time.Now,
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler with request logging and, when
// configured, basic auth applied.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return logRequests(h)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="eventseries", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("POST /api/series", s.handleCreateSeries)
	s.mux.HandleFunc("POST /api/series/import", s.handleImport)
	s.mux.HandleFunc("GET /api/series", s.handleListSeries)
	s.mux.HandleFunc("GET /api/series/{slug}", s.handleGetSeries)
	s.mux.HandleFunc("PATCH /api/series/{slug}", s.handleUpdateSeries)
	s.mux.HandleFunc("DELETE /api/series/{slug}", s.handleDeleteSeries)

	s.mux.HandleFunc("GET /api/series/{slug}/occurrences", s.handleUpcoming)
	s.mux.HandleFunc("PATCH /api/series/{slug}/occurrences", s.handleUpdateFuture)
	s.mux.HandleFunc("GET /api/series/{slug}/occurrences/{date}", s.handleFindOccurrence)
	s.mux.HandleFunc("POST /api/series/{slug}/occurrences/{date}", s.handleGetOrCreate)
	s.mux.HandleFunc("POST /api/series/{slug}/next", s.handleNext)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// actor names the caller: the basic auth user when auth is on, otherwise
// the X-Actor-ID header.
func (s *Server) actor(r *http.Request) string {
	if s.basicAuthEnabled() {
		if u, _, ok := r.BasicAuth(); ok {
			return u
		}
	}
	if id := strings.TrimSpace(r.Header.Get("X-Actor-ID")); id != "" {
		return id
	}
	return "anonymous"
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBoolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

var _ CalendarFetcher = (*ics.Fetcher)(nil)
