// Package analytics computes quantitative views over the snapshot history:
// risk profiles, benchmarks, cross-sectional correlation and regression,
// linear forecasts, network summaries and rolling z-score anomalies.
//
// Everything except the streaming anomaly tracker is a pure read of the
// store; results are recomputed on every call and never persisted.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/logging"
	"pnode-monitor/internal/metrics"
	"pnode-monitor/internal/models"
	"pnode-monitor/internal/timeseries"
)

type Config struct {
	// HistoryWindow bounds node history reads, counted back from the latest
	// cycle. Zero reads all history.
	HistoryWindow    time.Duration
	AnomalyWindow    int
	AnomalyThreshold float64
	MaxForecastDays  int
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow:    30 * 24 * time.Hour,
		AnomalyWindow:    DefaultWindowSize,
		AnomalyThreshold: DefaultZScoreThreshold,
		MaxForecastDays:  90,
	}
}

type Service struct {
	store   timeseries.Reader
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	streaming map[string]*Analyzer
}

func NewService(store timeseries.Reader, cfg Config, m *metrics.Metrics, log *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.AnomalyWindow < 2 {
		cfg.AnomalyWindow = def.AnomalyWindow
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = def.AnomalyThreshold
	}
	if cfg.MaxForecastDays <= 0 {
		cfg.MaxForecastDays = def.MaxForecastDays
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if log == nil {
		log = logging.Component("analytics")
	}
	return &Service{
		store:     store,
		cfg:       cfg,
		metrics:   m,
		log:       log,
		streaming: make(map[string]*Analyzer),
	}
}

// population reads the current cross-section of every requested metric.
func (s *Service) population(ctx context.Context, ms ...models.Metric) (Population, time.Time, error) {
	pop := make(Population, len(ms))
	var at time.Time
	for _, m := range ms {
		values, ts, err := timeseries.Population(ctx, s.store, m)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("read %s population: %w", m, err)
		}
		pop[m] = values
		at = ts
	}
	return pop, at, nil
}

func (s *Service) history(ctx context.Context, nodeID string, metric models.Metric, latest time.Time) ([]models.Point, error) {
	var from time.Time
	if s.cfg.HistoryWindow > 0 && !latest.IsZero() {
		from = latest.Add(-s.cfg.HistoryWindow)
	}
	points, err := s.store.Query(ctx, nodeID, metric, from, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read %s history of %s: %w", metric, nodeID, err)
	}
	return points, nil
}

func requireNodeMetric(m models.Metric) error {
	scope, ok := m.Scope()
	if !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidMetric, m)
	}
	if scope != models.ScopePNode {
		return fmt.Errorf("%w: %s is not a node metric", apperrors.ErrInvalidMetric, m)
	}
	return nil
}

func (s *Service) GetRiskProfile(ctx context.Context, nodeID string) (models.RiskProfile, error) {
	pop, at, err := s.population(ctx, models.MetricPerformanceScore)
	if err != nil {
		return models.RiskProfile{}, err
	}
	scores := pop[models.MetricPerformanceScore]
	score, ok := scores[nodeID]
	if !ok {
		return models.RiskProfile{}, fmt.Errorf("%w: %s", apperrors.ErrNodeNotFound, nodeID)
	}

	points, err := s.history(ctx, nodeID, models.MetricPerformanceScore, at)
	if err != nil {
		return models.RiskProfile{}, err
	}
	history := make([]float64, len(points))
	for i, p := range points {
		history[i] = p.Value
	}
	return Risk(nodeID, score, history, scores), nil
}

func (s *Service) GetBenchmark(ctx context.Context, nodeID string) (models.Benchmark, error) {
	pop, _, err := s.population(ctx, BenchmarkMetrics...)
	if err != nil {
		return models.Benchmark{}, err
	}
	b, ok := Benchmark(nodeID, pop)
	if !ok {
		return models.Benchmark{}, fmt.Errorf("%w: %s", apperrors.ErrNodeNotFound, nodeID)
	}
	return b, nil
}

// GetCorrelationMatrix uses DefaultCorrelationMetrics when ms is empty.
func (s *Service) GetCorrelationMatrix(ctx context.Context, ms ...models.Metric) (models.CorrelationMatrix, error) {
	if len(ms) == 0 {
		ms = DefaultCorrelationMetrics
	}
	for _, m := range ms {
		if err := requireNodeMetric(m); err != nil {
			return models.CorrelationMatrix{}, err
		}
	}
	pop, _, err := s.population(ctx, ms...)
	if err != nil {
		return models.CorrelationMatrix{}, err
	}
	return Correlation(pop, ms), nil
}

func (s *Service) GetRegression(ctx context.Context, dependent, independent models.Metric) (models.RegressionResult, error) {
	if err := requireNodeMetric(dependent); err != nil {
		return models.RegressionResult{}, err
	}
	if err := requireNodeMetric(independent); err != nil {
		return models.RegressionResult{}, err
	}
	pop, _, err := s.population(ctx, dependent, independent)
	if err != nil {
		return models.RegressionResult{}, err
	}
	return Regress(pop, dependent, independent), nil
}

// GetForecast returns nil without error when the history is too short to
// fit a trend.
func (s *Service) GetForecast(ctx context.Context, nodeID string, metric models.Metric, horizonDays int) (*models.Forecast, error) {
	if err := requireNodeMetric(metric); err != nil {
		return nil, err
	}
	if horizonDays <= 0 || horizonDays > s.cfg.MaxForecastDays {
		return nil, fmt.Errorf("%w: horizon must be between 1 and %d days", apperrors.ErrInvalidArgument, s.cfg.MaxForecastDays)
	}

	latest, ok, err := s.store.Latest(ctx, nodeID, metric)
	if err != nil {
		return nil, fmt.Errorf("read latest %s of %s: %w", metric, nodeID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNodeNotFound, nodeID)
	}
	points, err := s.history(ctx, nodeID, metric, latest.Timestamp)
	if err != nil {
		return nil, err
	}
	return ForecastSeries(nodeID, metric, points, horizonDays), nil
}

func (s *Service) GetNetworkSummary(ctx context.Context) (models.NetworkQuantSummary, error) {
	ms := append([]models.Metric(nil), DefaultCorrelationMetrics...)
	pop, at, err := s.population(ctx, ms...)
	if err != nil {
		return models.NetworkQuantSummary{}, err
	}
	return Summarize(pop, at)
}

// GetAnomalies replays a node's history of metric through a fresh rolling
// window and reports the samples flagged as anomalous.
func (s *Service) GetAnomalies(ctx context.Context, nodeID string, metric models.Metric) (models.AnalyticsStats, error) {
	if err := requireNodeMetric(metric); err != nil {
		return models.AnalyticsStats{}, err
	}
	latest, ok, err := s.store.Latest(ctx, nodeID, metric)
	if err != nil {
		return models.AnalyticsStats{}, fmt.Errorf("read latest %s of %s: %w", metric, nodeID, err)
	}
	if !ok {
		return models.AnalyticsStats{}, fmt.Errorf("%w: %s", apperrors.ErrNodeNotFound, nodeID)
	}
	points, err := s.history(ctx, nodeID, metric, latest.Timestamp)
	if err != nil {
		return models.AnalyticsStats{}, err
	}

	a := NewAnalyzer(nodeID, metric, s.cfg.AnomalyWindow, s.cfg.AnomalyThreshold)
	for _, p := range points {
		a.Analyze(p)
	}
	return a.Stats(), nil
}

// Observe feeds the performance scores of a finished cycle into per-node
// rolling windows and counts the anomalies found. It returns the anomalous
// samples of this cycle. Windows of nodes missing from the cycle are dropped.
func (s *Service) Observe(ctx context.Context, cycle models.Cycle) ([]models.AnalysisResult, error) {
	scores, at, err := timeseries.Population(ctx, s.store, models.MetricPerformanceScore)
	if err != nil {
		return nil, fmt.Errorf("read performance population: %w", err)
	}
	if !cycle.Timestamp.IsZero() && !at.Equal(cycle.Timestamp) {
		// A newer cycle already landed; the next Observe covers it.
		return nil, nil
	}

	var found []models.AnalysisResult
	s.mu.Lock()
	for id := range s.streaming {
		if _, ok := scores[id]; !ok {
			delete(s.streaming, id)
		}
	}
	for _, id := range sortedKeys(scores) {
		a, ok := s.streaming[id]
		if !ok {
			a = NewAnalyzer(id, models.MetricPerformanceScore, s.cfg.AnomalyWindow, s.cfg.AnomalyThreshold)
			s.streaming[id] = a
		}
		if r := a.Analyze(models.Point{Timestamp: at, Value: scores[id]}); r.IsAnomaly {
			found = append(found, r)
		}
	}
	s.mu.Unlock()

	for _, r := range found {
		s.metrics.AnomaliesDetected.Inc()
		s.log.Warn("performance anomaly", "pnode", r.EntityID, "value", r.Value,
			"rolling_average", r.RollingAverage, "z_score", r.ZScore)
	}
	return found, nil
}
