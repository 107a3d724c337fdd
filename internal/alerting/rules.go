package alerting

import (
	"fmt"
	"math"
	"path"
	"strings"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/models"
)

// buildRule validates spec and returns the rule it describes. Nothing is
// stored; callers assign ID and timestamps.
func buildRule(spec models.RuleSpec, cfg Config) (models.AlertRule, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return models.AlertRule{}, fmt.Errorf("%w: name", apperrors.ErrMissingField)
	}

	if strings.TrimSpace(spec.Metric) == "" {
		return models.AlertRule{}, fmt.Errorf("%w: metric", apperrors.ErrMissingField)
	}
	metric, err := models.ParseMetric(spec.Metric)
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidMetric, err)
	}
	metricScope, _ := metric.Scope()

	if strings.TrimSpace(spec.Operator) == "" {
		return models.AlertRule{}, fmt.Errorf("%w: operator", apperrors.ErrMissingField)
	}
	op := models.Operator(strings.TrimSpace(spec.Operator))
	if !op.Valid() {
		return models.AlertRule{}, fmt.Errorf("%w: %q (want one of <, >, ==, <=, >=)", apperrors.ErrInvalidOperator, spec.Operator)
	}

	if spec.Threshold == nil {
		return models.AlertRule{}, fmt.Errorf("%w: threshold", apperrors.ErrMissingField)
	}
	threshold := *spec.Threshold
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return models.AlertRule{}, fmt.Errorf("%w: threshold must be finite", apperrors.ErrInvalidArgument)
	}

	scope := models.Scope(strings.ToUpper(strings.TrimSpace(spec.Scope)))
	if scope == "" {
		scope = metricScope
	}
	if !scope.Valid() {
		return models.AlertRule{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidScope, spec.Scope)
	}
	if scope != metricScope {
		return models.AlertRule{}, fmt.Errorf("%w: metric %s is recorded for %s, not %s",
			apperrors.ErrInvalidScope, metric, metricScope, scope)
	}

	filter := strings.TrimSpace(spec.PNodeFilter)
	if filter != "" {
		if scope != models.ScopePNode {
			return models.AlertRule{}, fmt.Errorf("%w: pnode_filter requires PNODE scope", apperrors.ErrInvalidScope)
		}
		if _, err := path.Match(filter, ""); err != nil {
			return models.AlertRule{}, fmt.Errorf("%w: pnode_filter %q: %v", apperrors.ErrInvalidArgument, filter, err)
		}
	}

	cooldown := cfg.DefaultCooldownMinutes
	if spec.CooldownMinutes != nil {
		cooldown = *spec.CooldownMinutes
	}
	if cooldown < 0 {
		return models.AlertRule{}, fmt.Errorf("%w: cooldown_minutes must not be negative", apperrors.ErrInvalidArgument)
	}

	severity := models.Severity(strings.ToUpper(strings.TrimSpace(spec.Severity)))
	if severity == "" {
		severity = models.SeverityWarning
	}
	if !severity.Valid() {
		return models.AlertRule{}, fmt.Errorf("%w: unknown severity %q", apperrors.ErrInvalidRule, spec.Severity)
	}

	multiple := spec.CriticalMultiple
	if multiple == 0 {
		multiple = cfg.CriticalMultiple
	}
	if multiple < 1 {
		return models.AlertRule{}, fmt.Errorf("%w: critical_multiple must be >= 1", apperrors.ErrInvalidArgument)
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	return models.AlertRule{
		Name:             name,
		Metric:           metric,
		Operator:         op,
		Threshold:        threshold,
		Scope:            scope,
		PNodeFilter:      filter,
		CooldownMinutes:  cooldown,
		Severity:         severity,
		CriticalMultiple: multiple,
		Enabled:          enabled,
	}, nil
}

// matchesFilter reports whether a node id passes the rule's glob filter.
func matchesFilter(rule models.AlertRule, nodeID string) bool {
	if rule.PNodeFilter == "" {
		return true
	}
	ok, err := path.Match(rule.PNodeFilter, nodeID)
	return err == nil && ok
}

// severityFor derives the alert severity. A WARNING rule escalates to
// CRITICAL once the value is beyond the threshold by the rule's multiple.
func severityFor(rule models.AlertRule, value float64) models.Severity {
	base := rule.Severity
	if base == "" {
		base = models.SeverityWarning
	}
	if base != models.SeverityWarning || rule.Threshold <= 0 {
		return base
	}

	m := rule.CriticalMultiple
	if m < 1 {
		m = 1
	}
	switch rule.Operator {
	case models.OpGreater, models.OpGreaterEqual:
		if value >= rule.Threshold*m {
			return models.SeverityCritical
		}
	case models.OpLess, models.OpLessEqual:
		if value <= rule.Threshold/m {
			return models.SeverityCritical
		}
	}
	return base
}
