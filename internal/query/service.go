// Package query is the read facade used by the HTTP layer. It forwards to the
// collector view, the alert engine and the analytics service, adding only
// filtering, pagination and request coalescing.
package query

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"pnode-monitor/internal/alerting"
	"pnode-monitor/internal/analytics"
	"pnode-monitor/internal/collector"
	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/models"
)

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

type NodeView interface {
	Nodes() []models.NodeRecord
	Node(id string) (models.NodeRecord, bool)
	Network() (models.NetworkStats, bool)
}

type Indexer interface {
	RunCycle(ctx context.Context) (collector.CycleResult, error)
	State() collector.State
	LastCycle() (collector.CycleResult, bool)
}

type Alerts interface {
	CreateRule(spec models.RuleSpec) (models.AlertRule, error)
	UpdateRule(id string, upd models.RuleUpdate) (models.AlertRule, error)
	GetRule(id string) (models.AlertRule, error)
	ListRules(includeDisabled bool) []models.AlertRule
	ListAlerts(f models.AlertFilter) []models.Alert
	GetAlert(id string) (models.Alert, error)
	ResolveAlert(ctx context.Context, id string) (models.Alert, error)
	ResolveAllForRule(ctx context.Context, ruleID string) (int, error)
}

type Analytics interface {
	GetRiskProfile(ctx context.Context, nodeID string) (models.RiskProfile, error)
	GetBenchmark(ctx context.Context, nodeID string) (models.Benchmark, error)
	GetCorrelationMatrix(ctx context.Context, ms ...models.Metric) (models.CorrelationMatrix, error)
	GetRegression(ctx context.Context, dependent, independent models.Metric) (models.RegressionResult, error)
	GetForecast(ctx context.Context, nodeID string, metric models.Metric, horizonDays int) (*models.Forecast, error)
	GetNetworkSummary(ctx context.Context) (models.NetworkQuantSummary, error)
	GetAnomalies(ctx context.Context, nodeID string, metric models.Metric) (models.AnalyticsStats, error)
}

var (
	_ Alerts    = (*alerting.Engine)(nil)
	_ Analytics = (*analytics.Service)(nil)
	_ NodeView  = (*collector.Collector)(nil)
	_ Indexer   = (*collector.Collector)(nil)
)

type Service struct {
	nodes     NodeView
	indexer   Indexer
	alerts    Alerts
	analytics Analytics

	group singleflight.Group
}

func NewService(nodes NodeView, indexer Indexer, alerts Alerts, quant Analytics) *Service {
	return &Service{nodes: nodes, indexer: indexer, alerts: alerts, analytics: quant}
}

// Page is one window of a list result.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxLimit {
		return DefaultLimit
	}
	return limit
}

func paginate[T any](items []T, limit, offset int) Page[T] {
	limit = clampLimit(limit)
	offset = max(offset, 0)
	p := Page[T]{Total: len(items), Limit: limit, Offset: offset, Items: []T{}}
	if offset >= len(items) {
		return p
	}
	end := min(offset+limit, len(items))
	p.Items = items[offset:end]
	return p
}

// =============================================================================
// Nodes
// =============================================================================

func (s *Service) ListNodes(status string, limit, offset int) (Page[models.NodeRecord], error) {
	want := models.NodeStatus(strings.ToLower(strings.TrimSpace(status)))
	switch want {
	case "", models.StatusOnline, models.StatusDelinquent, models.StatusOffline:
	default:
		return Page[models.NodeRecord]{}, fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidArgument, status)
	}

	all := s.nodes.Nodes()
	if want != "" {
		filtered := all[:0]
		for _, n := range all {
			if n.Status == want {
				filtered = append(filtered, n)
			}
		}
		all = filtered
	}
	return paginate(all, limit, offset), nil
}

func (s *Service) GetNode(id string) (models.NodeRecord, error) {
	n, ok := s.nodes.Node(id)
	if !ok {
		return models.NodeRecord{}, fmt.Errorf("%w: %s", apperrors.ErrNodeNotFound, id)
	}
	return n, nil
}

func (s *Service) GetNetworkStats() (models.NetworkStats, error) {
	stats, ok := s.nodes.Network()
	if !ok {
		return models.NetworkStats{}, fmt.Errorf("%w: no indexing cycle has completed yet", apperrors.ErrNotFound)
	}
	return stats, nil
}

// =============================================================================
// Alerts and rules
// =============================================================================

func (s *Service) ListAlerts(f models.AlertFilter) ([]models.Alert, error) {
	if f.Severity != "" {
		f.Severity = models.Severity(strings.ToUpper(string(f.Severity)))
		if !f.Severity.Valid() {
			return nil, fmt.Errorf("%w: unknown severity %q", apperrors.ErrInvalidArgument, f.Severity)
		}
	}
	f.Limit = clampLimit(f.Limit)
	return s.alerts.ListAlerts(f), nil
}

func (s *Service) GetAlert(id string) (models.Alert, error) {
	return s.alerts.GetAlert(id)
}

func (s *Service) ResolveAlert(ctx context.Context, id string) (models.Alert, error) {
	return s.alerts.ResolveAlert(ctx, id)
}

func (s *Service) ResolveAllForRule(ctx context.Context, ruleID string) (int, error) {
	return s.alerts.ResolveAllForRule(ctx, ruleID)
}

func (s *Service) ListRules(includeDisabled bool) []models.AlertRule {
	return s.alerts.ListRules(includeDisabled)
}

func (s *Service) CreateRule(spec models.RuleSpec) (models.AlertRule, error) {
	return s.alerts.CreateRule(spec)
}

func (s *Service) UpdateRule(id string, upd models.RuleUpdate) (models.AlertRule, error) {
	return s.alerts.UpdateRule(id, upd)
}

func (s *Service) GetRule(id string) (models.AlertRule, error) {
	return s.alerts.GetRule(id)
}

// =============================================================================
// Analytics
// =============================================================================

// coalesce runs fn once for concurrent callers sharing key.
func coalesce[T any](g *singleflight.Group, key string, fn func() (T, error)) (T, error) {
	v, err, _ := g.Do(key, func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (s *Service) GetRiskProfile(ctx context.Context, nodeID string) (models.RiskProfile, error) {
	return coalesce(&s.group, "risk:"+nodeID, func() (models.RiskProfile, error) {
		return s.analytics.GetRiskProfile(ctx, nodeID)
	})
}

func (s *Service) GetBenchmark(ctx context.Context, nodeID string) (models.Benchmark, error) {
	return coalesce(&s.group, "benchmark:"+nodeID, func() (models.Benchmark, error) {
		return s.analytics.GetBenchmark(ctx, nodeID)
	})
}

func (s *Service) GetCorrelationMatrix(ctx context.Context, ms ...models.Metric) (models.CorrelationMatrix, error) {
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = string(m)
	}
	return coalesce(&s.group, "correlation:"+strings.Join(names, ","), func() (models.CorrelationMatrix, error) {
		return s.analytics.GetCorrelationMatrix(ctx, ms...)
	})
}

func (s *Service) GetRegression(ctx context.Context, dependent, independent models.Metric) (models.RegressionResult, error) {
	key := fmt.Sprintf("regression:%s~%s", dependent, independent)
	return coalesce(&s.group, key, func() (models.RegressionResult, error) {
		return s.analytics.GetRegression(ctx, dependent, independent)
	})
}

func (s *Service) GetNetworkSummary(ctx context.Context) (models.NetworkQuantSummary, error) {
	return coalesce(&s.group, "summary", func() (models.NetworkQuantSummary, error) {
		return s.analytics.GetNetworkSummary(ctx)
	})
}

// GetForecast returns nil when there is not enough history.
func (s *Service) GetForecast(ctx context.Context, nodeID string, metric models.Metric, horizonDays int) (*models.Forecast, error) {
	return s.analytics.GetForecast(ctx, nodeID, metric, horizonDays)
}

func (s *Service) GetAnomalies(ctx context.Context, nodeID string, metric models.Metric) (models.AnalyticsStats, error) {
	return s.analytics.GetAnomalies(ctx, nodeID, metric)
}

// =============================================================================
// Collector
// =============================================================================

// CollectorStatus describes the indexing loop.
type CollectorStatus struct {
	State     collector.State        `json:"state"`
	LastCycle *collector.CycleResult `json:"last_cycle"`
}

func (s *Service) TriggerCycle(ctx context.Context) (collector.CycleResult, error) {
	return s.indexer.RunCycle(ctx)
}

func (s *Service) CollectorStatus() CollectorStatus {
	st := CollectorStatus{State: s.indexer.State()}
	if last, ok := s.indexer.LastCycle(); ok {
		st.LastCycle = &last
	}
	return st
}
