package models

import (
	"fmt"
	"math"
	"strings"
)

// Scope says whether a metric or rule applies to the network aggregate or to
// individual nodes.
type Scope string

const (
	ScopeNetwork Scope = "NETWORK"
	ScopePNode   Scope = "PNODE"
)

func (s Scope) Valid() bool {
	return s == ScopeNetwork || s == ScopePNode
}

// Metric names a tracked series. The set is closed; see ParseMetric.
type Metric string

const (
	MetricPerformanceScore     Metric = "performanceScore"
	MetricUptimeSeconds        Metric = "uptimeSeconds"
	MetricLatencyMs            Metric = "latencyMs"
	MetricStorageCapacityBytes Metric = "storageCapacityBytes"
	MetricStorageUsedBytes     Metric = "storageUsedBytes"
	MetricStorageUtilization   Metric = "storageUtilization"
	MetricOnline               Metric = "online"

	MetricTotalNodes           Metric = "totalNodes"
	MetricOnlineNodes          Metric = "onlineNodes"
	MetricDelinquentNodes      Metric = "delinquentNodes"
	MetricOfflineNodes         Metric = "offlineNodes"
	MetricHealthScore          Metric = "healthScore"
	MetricAveragePerformance   Metric = "averagePerformance"
	MetricTotalCapacityBytes   Metric = "totalCapacityBytes"
	MetricTotalUsedBytes       Metric = "totalUsedBytes"
	MetricAverageUptimeSeconds Metric = "averageUptimeSeconds"
	MetricAverageLatencyMs     Metric = "averageLatencyMs"
)

var nodeMetrics = []Metric{
	MetricPerformanceScore,
	MetricUptimeSeconds,
	MetricLatencyMs,
	MetricStorageCapacityBytes,
	MetricStorageUsedBytes,
	MetricStorageUtilization,
	MetricOnline,
}

var networkMetrics = []Metric{
	MetricTotalNodes,
	MetricOnlineNodes,
	MetricDelinquentNodes,
	MetricOfflineNodes,
	MetricHealthScore,
	MetricAveragePerformance,
	MetricTotalCapacityBytes,
	MetricTotalUsedBytes,
	MetricAverageUptimeSeconds,
	MetricAverageLatencyMs,
}

var metricScopes = func() map[Metric]Scope {
	m := make(map[Metric]Scope, len(nodeMetrics)+len(networkMetrics))
	for _, metric := range nodeMetrics {
		m[metric] = ScopePNode
	}
	for _, metric := range networkMetrics {
		m[metric] = ScopeNetwork
	}
	return m
}()

// NodeMetrics returns the per-node metrics in snapshot order.
func NodeMetrics() []Metric {
	return append([]Metric(nil), nodeMetrics...)
}

// NetworkMetrics returns the network metrics in snapshot order.
func NetworkMetrics() []Metric {
	return append([]Metric(nil), networkMetrics...)
}

// Scope reports which entity kind the metric is recorded for.
func (m Metric) Scope() (Scope, bool) {
	s, ok := metricScopes[m]
	return s, ok
}

// ParseMetric validates a metric name against the registry.
func ParseMetric(s string) (Metric, error) {
	m := Metric(strings.TrimSpace(s))
	if _, ok := metricScopes[m]; !ok {
		return "", fmt.Errorf("unknown metric %q", s)
	}
	return m, nil
}

// NodeValues extracts every node metric from a normalized record.
func NodeValues(n NodeRecord) map[Metric]float64 {
	online := 0.0
	if n.Status == StatusOnline {
		online = 1
	}
	return map[Metric]float64{
		MetricPerformanceScore:     n.PerformanceScore,
		MetricUptimeSeconds:        float64(n.Performance.UptimeSeconds),
		MetricLatencyMs:            n.Performance.AverageLatencyMs,
		MetricStorageCapacityBytes: float64(n.Storage.CapacityBytes),
		MetricStorageUsedBytes:     float64(n.Storage.UsedBytes),
		MetricStorageUtilization:   n.Storage.Utilization(),
		MetricOnline:               online,
	}
}

// NetworkValues extracts every network metric from the aggregate.
func NetworkValues(s NetworkStats) map[Metric]float64 {
	return map[Metric]float64{
		MetricTotalNodes:           float64(s.TotalNodes),
		MetricOnlineNodes:          float64(s.OnlineNodes),
		MetricDelinquentNodes:      float64(s.DelinquentNodes),
		MetricOfflineNodes:         float64(s.OfflineNodes),
		MetricHealthScore:          s.HealthScore,
		MetricAveragePerformance:   s.AveragePerformance,
		MetricTotalCapacityBytes:   s.TotalCapacityBytes,
		MetricTotalUsedBytes:       s.TotalUsedBytes,
		MetricAverageUptimeSeconds: s.AverageUptimeSeconds,
		MetricAverageLatencyMs:     s.AverageLatencyMs,
	}
}

// Operator is a comparison applied between a metric value and a threshold.
type Operator string

const (
	OpLess         Operator = "<"
	OpGreater      Operator = ">"
	OpEqual        Operator = "=="
	OpLessEqual    Operator = "<="
	OpGreaterEqual Operator = ">="
)

const equalTolerance = 1e-9

var operators = map[Operator]func(value, threshold float64) bool{
	OpLess:         func(v, t float64) bool { return v < t },
	OpGreater:      func(v, t float64) bool { return v > t },
	OpEqual:        func(v, t float64) bool { return math.Abs(v-t) <= equalTolerance },
	OpLessEqual:    func(v, t float64) bool { return v <= t },
	OpGreaterEqual: func(v, t float64) bool { return v >= t },
}

func (o Operator) Valid() bool {
	_, ok := operators[o]
	return ok
}

// Apply reports whether value breaches threshold under o. Unknown operators
// never breach.
func (o Operator) Apply(value, threshold float64) bool {
	fn, ok := operators[o]
	if !ok || math.IsNaN(value) {
		return false
	}
	return fn(value, threshold)
}
