package models

import "time"

// NetworkEntity is the entity id under which network-wide snapshots are stored.
const NetworkEntity = "network"

type NodeStatus string

const (
	StatusOnline     NodeStatus = "online"
	StatusDelinquent NodeStatus = "delinquent"
	StatusOffline    NodeStatus = "offline"
)

// RawNode is one record as reported by the discovery source. Any field may be
// zero when the upstream did not report it.
type RawNode struct {
	Pubkey            string  `json:"pubkey"`
	Address           string  `json:"address"`
	Version           string  `json:"version"`
	LastSeenTimestamp int64   `json:"last_seen_timestamp"`
	RPCPort           int     `json:"rpc_port,omitempty"`
	IsPublic          bool    `json:"is_public,omitempty"`
	StorageCommitted  uint64  `json:"storage_committed,omitempty"`
	StorageUsed       uint64  `json:"storage_used,omitempty"`
	Uptime            int64   `json:"uptime,omitempty"`
	LatencyMs         float64 `json:"latency_ms,omitempty"`
}

type StorageInfo struct {
	CapacityBytes uint64 `json:"capacity_bytes"`
	UsedBytes     uint64 `json:"used_bytes"`
}

// Utilization returns used/capacity, or 0 when capacity is unknown.
func (s StorageInfo) Utilization() float64 {
	if s.CapacityBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.CapacityBytes)
}

type PerformanceInfo struct {
	UptimeSeconds    int64   `json:"uptime_seconds"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// NodeRecord is the canonical node model derived from a RawNode each cycle.
type NodeRecord struct {
	ID               string          `json:"id"`
	Address          string          `json:"address"`
	Version          string          `json:"version"`
	RPCPort          int             `json:"rpc_port,omitempty"`
	IsPublic         bool            `json:"is_public"`
	LastSeenAt       time.Time       `json:"last_seen_at"`
	Status           NodeStatus      `json:"status"`
	PerformanceScore float64         `json:"performance_score"`
	Storage          StorageInfo     `json:"storage"`
	Performance      PerformanceInfo `json:"performance"`
}

// Snapshot is one immutable (entity, metric, value, time) sample.
type Snapshot struct {
	EntityID  string    `json:"entity_id"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Point is a single value of a series read back from the store.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// NetworkStats is the aggregate written as the network snapshot each cycle.
type NetworkStats struct {
	TotalNodes           int       `json:"total_nodes"`
	OnlineNodes          int       `json:"online_nodes"`
	DelinquentNodes      int       `json:"delinquent_nodes"`
	OfflineNodes         int       `json:"offline_nodes"`
	HealthScore          float64   `json:"health_score"`
	AveragePerformance   float64   `json:"average_performance"`
	TotalCapacityBytes   float64   `json:"total_capacity_bytes"`
	TotalUsedBytes       float64   `json:"total_used_bytes"`
	AverageUptimeSeconds float64   `json:"average_uptime_seconds"`
	AverageLatencyMs     float64   `json:"average_latency_ms"`
	LastUpdated          time.Time `json:"last_updated"`
}

// Cycle identifies the snapshot set written by one collector cycle.
type Cycle struct {
	Timestamp time.Time `json:"timestamp"`
	NodeIDs   []string  `json:"node_ids"`
}
