// Package api exposes the query facade, the rule administration endpoints and
// the push ingest endpoint over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pnode-monitor/internal/discovery"
	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/logging"
	"pnode-monitor/internal/metrics"
	"pnode-monitor/internal/query"
)

const (
	Version         = "1.0.0"
	maxIngestBytes  = 8 << 20
	shutdownTimeout = 30 * time.Second
)

type Server struct {
	router   *mux.Router
	query    *query.Service
	push     *discovery.PushSource
	health   func(ctx context.Context) error
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Server)

// WithPushSource enables POST /v1/ingest/nodes.
func WithPushSource(p *discovery.PushSource) Option { return func(s *Server) { s.push = p } }

// WithHealthCheck adds a dependency probe to GET /health.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func NewServer(q *query.Service, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		query:    q,
		metrics:  m,
		gatherer: prometheus.DefaultGatherer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Component("api")
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.Handle("/metrics/prometheus", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/nodes", s.listNodesHandler).Methods("GET")
	v1.HandleFunc("/nodes/{id}", s.getNodeHandler).Methods("GET")
	v1.HandleFunc("/network", s.networkHandler).Methods("GET")

	v1.HandleFunc("/alerts", s.listAlertsHandler).Methods("GET")
	v1.HandleFunc("/alerts/{id}", s.getAlertHandler).Methods("GET")
	v1.HandleFunc("/alerts/{id}/resolve", s.resolveAlertHandler).Methods("POST")

	v1.HandleFunc("/rules", s.listRulesHandler).Methods("GET")
	v1.HandleFunc("/rules", s.createRuleHandler).Methods("POST")
	v1.HandleFunc("/rules/{id}", s.getRuleHandler).Methods("GET")
	v1.HandleFunc("/rules/{id}", s.updateRuleHandler).Methods("PATCH")
	v1.HandleFunc("/rules/{id}/resolve-all", s.resolveAllHandler).Methods("POST")

	an := v1.PathPrefix("/analytics").Subrouter()
	an.HandleFunc("/nodes/{id}/risk", s.riskHandler).Methods("GET")
	an.HandleFunc("/nodes/{id}/benchmark", s.benchmarkHandler).Methods("GET")
	an.HandleFunc("/nodes/{id}/forecast", s.forecastHandler).Methods("GET")
	an.HandleFunc("/nodes/{id}/anomalies", s.anomaliesHandler).Methods("GET")
	an.HandleFunc("/correlation", s.correlationHandler).Methods("GET")
	an.HandleFunc("/regression", s.regressionHandler).Methods("GET")
	an.HandleFunc("/summary", s.summaryHandler).Methods("GET")

	v1.HandleFunc("/collector/trigger", s.triggerHandler).Methods("POST")
	v1.HandleFunc("/collector/status", s.collectorStatusHandler).Methods("GET")

	if s.push != nil {
		v1.HandleFunc("/ingest/nodes", s.ingestHandler).Methods("POST")
	}
}

// ServeHTTP lets the server be mounted or driven by httptest directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency labelled by route template,
// so path parameters do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		s.metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body exceeds %d bytes", apperrors.ErrInvalidArgument, maxErr.Limit)
		}
		return fmt.Errorf("%w: malformed JSON body: %v", apperrors.ErrInvalidArgument, err)
	}
	return nil
}

// Run serves on addr until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server is ready to handle requests", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", addr, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("server is shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not gracefully shutdown the server: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}
