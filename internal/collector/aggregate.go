package collector

import (
	"time"

	"pnode-monitor/internal/models"
)

// Aggregate computes the network-level view of a cycle. Health is the share
// of online nodes scaled to 0-100; averages run over all normalized nodes.
func Aggregate(records []models.NodeRecord, now time.Time) models.NetworkStats {
	stats := models.NetworkStats{TotalNodes: len(records), LastUpdated: now}
	if len(records) == 0 {
		return stats
	}

	var perf, uptime, latency float64
	latencyN := 0
	for _, r := range records {
		switch r.Status {
		case models.StatusOnline:
			stats.OnlineNodes++
		case models.StatusDelinquent:
			stats.DelinquentNodes++
		default:
			stats.OfflineNodes++
		}
		perf += r.PerformanceScore
		uptime += float64(r.Performance.UptimeSeconds)
		if r.Performance.AverageLatencyMs > 0 {
			latency += r.Performance.AverageLatencyMs
			latencyN++
		}
		stats.TotalCapacityBytes += float64(r.Storage.CapacityBytes)
		stats.TotalUsedBytes += float64(r.Storage.UsedBytes)
	}

	n := float64(len(records))
	stats.HealthScore = 100 * float64(stats.OnlineNodes) / n
	stats.AveragePerformance = perf / n
	stats.AverageUptimeSeconds = uptime / n
	if latencyN > 0 {
		stats.AverageLatencyMs = latency / float64(latencyN)
	}
	return stats
}

// BuildSnapshots emits one snapshot per (node, metric) followed by the
// network snapshots, all stamped with the cycle time.
func BuildSnapshots(records []models.NodeRecord, stats models.NetworkStats, at time.Time) []models.Snapshot {
	nodeMetrics := models.NodeMetrics()
	networkMetrics := models.NetworkMetrics()
	out := make([]models.Snapshot, 0, len(records)*len(nodeMetrics)+len(networkMetrics))

	for _, r := range records {
		values := models.NodeValues(r)
		for _, m := range nodeMetrics {
			out = append(out, models.Snapshot{EntityID: r.ID, Metric: m, Value: values[m], Timestamp: at})
		}
	}

	values := models.NetworkValues(stats)
	for _, m := range networkMetrics {
		out = append(out, models.Snapshot{EntityID: models.NetworkEntity, Metric: m, Value: values[m], Timestamp: at})
	}
	return out
}

// dedupe keeps one record per node id, the one seen most recently. Input must
// be sorted by id.
func dedupe(records []models.NodeRecord) ([]models.NodeRecord, int) {
	if len(records) < 2 {
		return records, 0
	}
	out := records[:1]
	dropped := 0
	for _, r := range records[1:] {
		last := &out[len(out)-1]
		if r.ID != last.ID {
			out = append(out, r)
			continue
		}
		dropped++
		if r.LastSeenAt.After(last.LastSeenAt) {
			*last = r
		}
	}
	return out, dropped
}
