package models

import "time"

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeveritySuccess  Severity = "SUCCESS"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical, SeveritySuccess:
		return true
	}
	return false
}

// AlertRule is a threshold rule evaluated after every collector cycle.
type AlertRule struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Metric           Metric    `json:"metric"`
	Operator         Operator  `json:"operator"`
	Threshold        float64   `json:"threshold"`
	Scope            Scope     `json:"scope"`
	PNodeFilter      string    `json:"pnode_filter,omitempty"`
	CooldownMinutes  int       `json:"cooldown_minutes"`
	Severity         Severity  `json:"severity"`
	CriticalMultiple float64   `json:"critical_multiple"`
	Enabled          bool      `json:"enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Cooldown returns the rule's cooldown window.
func (r AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// RuleSpec is the administrative input for creating a rule. Pointer fields
// distinguish "unset" from zero.
type RuleSpec struct {
	Name             string   `json:"name" yaml:"name"`
	Metric           string   `json:"metric" yaml:"metric"`
	Operator         string   `json:"operator" yaml:"operator"`
	Threshold        *float64 `json:"threshold" yaml:"threshold"`
	Scope            string   `json:"scope" yaml:"scope"`
	PNodeFilter      string   `json:"pnode_filter,omitempty" yaml:"pnode_filter"`
	CooldownMinutes  *int     `json:"cooldown_minutes,omitempty" yaml:"cooldown_minutes"`
	Severity         string   `json:"severity,omitempty" yaml:"severity"`
	CriticalMultiple float64  `json:"critical_multiple,omitempty" yaml:"critical_multiple"`
	Enabled          *bool    `json:"enabled,omitempty" yaml:"enabled"`
}

// RuleUpdate carries the edits allowed on an existing rule.
type RuleUpdate struct {
	Enabled   *bool    `json:"enabled,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// Alert is raised when a rule breaches for an entity. ResolvedAt is nil while
// the alert is active.
type Alert struct {
	ID           string     `json:"id"`
	RuleID       string     `json:"rule_id"`
	RuleName     string     `json:"rule_name"`
	PNodeID      string     `json:"pnode_id,omitempty"`
	Metric       Metric     `json:"metric"`
	Severity     Severity   `json:"severity"`
	TriggerValue float64    `json:"trigger_value"`
	Threshold    float64    `json:"threshold"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at"`
}

func (a Alert) Active() bool {
	return a.ResolvedAt == nil
}

// AlertFilter narrows ListAlerts results.
type AlertFilter struct {
	Limit          int
	Offset         int
	UnresolvedOnly bool
	Severity       Severity
	RuleID         string
}
