// Package alerting evaluates threshold rules against the latest snapshots and
// owns the alert lifecycle.
//
// Invariants:
//   - at most one unresolved alert per (rule, entity) pair
//   - a new alert for a pair is raised only when the previous one for that
//     pair was created at least CooldownMinutes earlier
//   - resolving is idempotent
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/logging"
	"pnode-monitor/internal/metrics"
	"pnode-monitor/internal/models"
	"pnode-monitor/internal/notify"
	"pnode-monitor/internal/timeseries"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

type Config struct {
	DefaultCooldownMinutes int
	CriticalMultiple       float64
}

func DefaultConfig() Config {
	return Config{DefaultCooldownMinutes: 15, CriticalMultiple: 2}
}

type alertKey struct {
	ruleID string
	entity string
}

// Engine is safe for concurrent use. Evaluate is expected to be called by a
// single collector at a time.
type Engine struct {
	store timeseries.Reader
	cfg   Config

	mu          sync.Mutex
	rules       map[string]*models.AlertRule
	ruleOrder   []string
	alerts      []*models.Alert
	byID        map[string]*models.Alert
	active      map[alertKey]*models.Alert
	lastCreated map[alertKey]time.Time

	publisher notify.Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithPublisher(p notify.Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

func NewEngine(store timeseries.Reader, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.DefaultCooldownMinutes <= 0 {
		cfg.DefaultCooldownMinutes = def.DefaultCooldownMinutes
	}
	if cfg.CriticalMultiple < 1 {
		cfg.CriticalMultiple = def.CriticalMultiple
	}

	e := &Engine{
		store:       store,
		cfg:         cfg,
		rules:       make(map[string]*models.AlertRule),
		byID:        make(map[string]*models.Alert),
		active:      make(map[alertKey]*models.Alert),
		lastCreated: make(map[alertKey]time.Time),
		publisher:   notify.Nop{},
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Component("alerting")
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNop()
	}
	return e
}

// =============================================================================
// Rules
// =============================================================================

// CreateRule validates spec and stores a new rule. Invalid input is rejected
// before any state changes.
func (e *Engine) CreateRule(spec models.RuleSpec) (models.AlertRule, error) {
	rule, err := buildRule(spec, e.cfg)
	if err != nil {
		return models.AlertRule{}, err
	}

	now := e.now()
	rule.ID = e.newID()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	e.mu.Lock()
	e.rules[rule.ID] = &rule
	e.ruleOrder = append(e.ruleOrder, rule.ID)
	e.mu.Unlock()

	e.log.Info("rule created", "rule_id", rule.ID, "name", rule.Name, "metric", rule.Metric,
		"operator", rule.Operator, "threshold", rule.Threshold, "scope", rule.Scope)
	return rule, nil
}

// UpdateRule applies the edits a rule allows after creation: toggling it and
// changing its threshold.
func (e *Engine) UpdateRule(id string, upd models.RuleUpdate) (models.AlertRule, error) {
	if upd.Threshold != nil && (math.IsNaN(*upd.Threshold) || math.IsInf(*upd.Threshold, 0)) {
		return models.AlertRule{}, fmt.Errorf("%w: threshold must be finite", apperrors.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[id]
	if !ok {
		return models.AlertRule{}, fmt.Errorf("%w: %s", apperrors.ErrRuleNotFound, id)
	}
	if upd.Enabled != nil {
		rule.Enabled = *upd.Enabled
	}
	if upd.Threshold != nil {
		rule.Threshold = *upd.Threshold
	}
	rule.UpdatedAt = e.now()
	return *rule, nil
}

func (e *Engine) GetRule(id string) (models.AlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[id]
	if !ok {
		return models.AlertRule{}, fmt.Errorf("%w: %s", apperrors.ErrRuleNotFound, id)
	}
	return *rule, nil
}

// ListRules returns rules in creation order.
func (e *Engine) ListRules(includeDisabled bool) []models.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.AlertRule, 0, len(e.ruleOrder))
	for _, id := range e.ruleOrder {
		rule := e.rules[id]
		if !rule.Enabled && !includeDisabled {
			continue
		}
		out = append(out, *rule)
	}
	return out
}

// =============================================================================
// Evaluation
// =============================================================================

// EvaluationResult summarises one Evaluate call.
type EvaluationResult struct {
	Evaluated  int            `json:"evaluated"`
	Created    []models.Alert `json:"created"`
	Resolved   []models.Alert `json:"resolved"`
	Suppressed int            `json:"suppressed"`
}

type observation struct {
	rule   models.AlertRule
	entity string
	value  float64
}

// Evaluate checks every enabled rule against the snapshots of cycle. Alert
// timestamps use the cycle time so decisions are reproducible. Store read
// failures abort evaluation without changing any alert.
func (e *Engine) Evaluate(ctx context.Context, cycle models.Cycle) (EvaluationResult, error) {
	at := cycle.Timestamp
	if at.IsZero() {
		at = e.now()
	}

	rules := e.ListRules(false)
	observations, err := e.observe(ctx, rules)
	if err != nil {
		return EvaluationResult{}, err
	}

	var (
		result EvaluationResult
		events []notify.AlertEvent
	)

	e.mu.Lock()
	for _, obs := range observations {
		// The rule may have been disabled or edited since it was read.
		current, ok := e.rules[obs.rule.ID]
		if !ok || !current.Enabled {
			continue
		}
		rule := *current
		result.Evaluated++

		key := alertKey{ruleID: rule.ID, entity: obs.entity}
		activeAlert := e.active[key]

		if !rule.Operator.Apply(obs.value, rule.Threshold) {
			if activeAlert != nil {
				e.resolveLocked(activeAlert, at)
				result.Resolved = append(result.Resolved, *activeAlert)
				events = append(events, notify.AlertEvent{Type: notify.EventAlertResolved, Alert: *activeAlert, OccurredAt: at})
			}
			continue
		}

		if activeAlert != nil {
			continue
		}
		if last, ok := e.lastCreated[key]; ok && at.Sub(last) < rule.Cooldown() {
			result.Suppressed++
			continue
		}

		alert := &models.Alert{
			ID:           e.newID(),
			RuleID:       rule.ID,
			RuleName:     rule.Name,
			PNodeID:      obs.entity,
			Metric:       rule.Metric,
			Severity:     severityFor(rule, obs.value),
			TriggerValue: obs.value,
			Threshold:    rule.Threshold,
			CreatedAt:    at,
		}
		e.alerts = append(e.alerts, alert)
		e.byID[alert.ID] = alert
		e.active[key] = alert
		e.lastCreated[key] = at
		e.metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()

		result.Created = append(result.Created, *alert)
		events = append(events, notify.AlertEvent{Type: notify.EventAlertCreated, Alert: *alert, OccurredAt: at})
	}
	e.metrics.ActiveAlerts.Set(float64(len(e.active)))
	e.mu.Unlock()

	for _, a := range result.Created {
		e.log.Info("alert created", "alert_id", a.ID, "rule", a.RuleName, "pnode", a.PNodeID,
			"severity", a.Severity, "value", a.TriggerValue, "threshold", a.Threshold)
	}
	for _, a := range result.Resolved {
		e.log.Info("alert auto-resolved", "alert_id", a.ID, "rule", a.RuleName, "pnode", a.PNodeID)
	}
	e.publish(ctx, events)

	return result, nil
}

// observe reads the current value of every (rule, entity) pair.
func (e *Engine) observe(ctx context.Context, rules []models.AlertRule) ([]observation, error) {
	var out []observation
	populations := make(map[models.Metric]map[string]float64)

	for _, rule := range rules {
		switch rule.Scope {
		case models.ScopeNetwork:
			p, ok, err := e.store.Latest(ctx, models.NetworkEntity, rule.Metric)
			if err != nil {
				return nil, fmt.Errorf("read %s for rule %s: %w", rule.Metric, rule.ID, err)
			}
			if ok {
				out = append(out, observation{rule: rule, value: p.Value})
			}

		case models.ScopePNode:
			pop, ok := populations[rule.Metric]
			if !ok {
				var err error
				pop, _, err = timeseries.Population(ctx, e.store, rule.Metric)
				if err != nil {
					return nil, fmt.Errorf("read %s population for rule %s: %w", rule.Metric, rule.ID, err)
				}
				populations[rule.Metric] = pop
			}

			ids := make([]string, 0, len(pop))
			for id := range pop {
				if matchesFilter(rule, id) {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)
			for _, id := range ids {
				out = append(out, observation{rule: rule, entity: id, value: pop[id]})
			}
		}
	}
	return out, nil
}

// =============================================================================
// Alerts
// =============================================================================

func (e *Engine) resolveLocked(a *models.Alert, at time.Time) {
	resolvedAt := at
	a.ResolvedAt = &resolvedAt
	delete(e.active, alertKey{ruleID: a.RuleID, entity: a.PNodeID})
	e.metrics.AlertsResolved.Inc()
}

// ResolveAlert resolves one alert. Resolving an already-resolved alert is a
// no-op that returns it unchanged.
func (e *Engine) ResolveAlert(ctx context.Context, id string) (models.Alert, error) {
	e.mu.Lock()
	a, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return models.Alert{}, fmt.Errorf("%w: %s", apperrors.ErrAlertNotFound, id)
	}
	if !a.Active() {
		out := *a
		e.mu.Unlock()
		return out, nil
	}
	e.resolveLocked(a, e.now())
	e.metrics.ActiveAlerts.Set(float64(len(e.active)))
	out := *a
	e.mu.Unlock()

	e.log.Info("alert resolved by operator", "alert_id", id)
	e.publish(ctx, []notify.AlertEvent{{Type: notify.EventAlertResolved, Alert: out, OccurredAt: *out.ResolvedAt}})
	return out, nil
}

// ResolveAllForRule resolves every active alert of a rule and reports how
// many changed.
func (e *Engine) ResolveAllForRule(ctx context.Context, ruleID string) (int, error) {
	e.mu.Lock()
	if _, ok := e.rules[ruleID]; !ok {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", apperrors.ErrRuleNotFound, ruleID)
	}

	now := e.now()
	var events []notify.AlertEvent
	for key, a := range e.active {
		if key.ruleID != ruleID {
			continue
		}
		e.resolveLocked(a, now)
		events = append(events, notify.AlertEvent{Type: notify.EventAlertResolved, Alert: *a, OccurredAt: now})
	}
	e.metrics.ActiveAlerts.Set(float64(len(e.active)))
	e.mu.Unlock()

	if len(events) > 0 {
		e.log.Info("alerts resolved for rule", "rule_id", ruleID, "count", len(events))
	}
	e.publish(ctx, events)
	return len(events), nil
}

func (e *Engine) GetAlert(id string) (models.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.byID[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: %s", apperrors.ErrAlertNotFound, id)
	}
	return *a, nil
}

// ListAlerts returns alerts newest first.
func (e *Engine) ListAlerts(f models.AlertFilter) []models.Alert {
	limit := f.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = DefaultListLimit
	}
	offset := max(f.Offset, 0)

	e.mu.Lock()
	matched := make([]models.Alert, 0, len(e.alerts))
	for i := len(e.alerts) - 1; i >= 0; i-- {
		a := e.alerts[i]
		if f.UnresolvedOnly && !a.Active() {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.RuleID != "" && a.RuleID != f.RuleID {
			continue
		}
		matched = append(matched, *a)
	}
	e.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []models.Alert{}
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// ActiveCount returns the number of unresolved alerts.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) publish(ctx context.Context, events []notify.AlertEvent) {
	if len(events) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, events...); err != nil {
		e.log.Warn("publish alert events failed", "count", len(events), "error", err)
	}
}
