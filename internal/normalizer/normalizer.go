// Package normalizer turns raw discovery records into canonical node records.
// Everything here is a pure function of its inputs.
package normalizer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/models"
)

// Weights are the composite score weights. They are normalised by their sum,
// so they need not add up to one.
type Weights struct {
	Uptime  float64
	Latency float64
	Version float64
	Storage float64
}

type Options struct {
	DelinquentAfter    time.Duration
	OfflineAfter       time.Duration
	Weights            Weights
	LatencyReferenceMs float64
	UptimeHorizon      time.Duration
	// LatestVersion is the reference for version recency. When empty,
	// NormalizeAll uses the highest version present in the batch.
	LatestVersion string
}

func DefaultOptions() Options {
	return Options{
		DelinquentAfter:    5 * time.Minute,
		OfflineAfter:       30 * time.Minute,
		Weights:            Weights{Uptime: 0.35, Latency: 0.25, Version: 0.20, Storage: 0.20},
		LatencyReferenceMs: 100,
		UptimeHorizon:      7 * 24 * time.Hour,
	}
}

type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.DelinquentAfter <= 0 {
		opts.DelinquentAfter = def.DelinquentAfter
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = def.OfflineAfter
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = def.Weights
	}
	if opts.LatencyReferenceMs <= 0 {
		opts.LatencyReferenceMs = def.LatencyReferenceMs
	}
	if opts.UptimeHorizon <= 0 {
		opts.UptimeHorizon = def.UptimeHorizon
	}
	return &Normalizer{opts: opts}
}

// Discard records a raw entry that could not be normalized.
type Discard struct {
	ID     string
	Reason error
}

// Normalize converts one raw record. Records without a pubkey or last-seen
// timestamp are rejected with an error wrapping errors.ErrSkipped.
func (n *Normalizer) Normalize(raw models.RawNode, now time.Time) (models.NodeRecord, error) {
	return n.normalize(raw, now, n.opts.LatestVersion)
}

// NormalizeAll converts a batch. Each record is handled independently; the
// failures are returned alongside the successes.
func (n *Normalizer) NormalizeAll(raws []models.RawNode, now time.Time) ([]models.NodeRecord, []Discard) {
	latest := n.opts.LatestVersion
	if latest == "" {
		latest = HighestVersion(raws)
	}

	records := make([]models.NodeRecord, 0, len(raws))
	var discards []Discard
	for _, raw := range raws {
		rec, err := n.normalize(raw, now, latest)
		if err != nil {
			discards = append(discards, Discard{ID: raw.Pubkey, Reason: err})
			continue
		}
		records = append(records, rec)
	}
	return records, discards
}

func (n *Normalizer) normalize(raw models.RawNode, now time.Time, latest string) (models.NodeRecord, error) {
	id := strings.TrimSpace(raw.Pubkey)
	if id == "" {
		return models.NodeRecord{}, fmt.Errorf("%w: missing pubkey (address %q)", apperrors.ErrSkipped, raw.Address)
	}
	if raw.LastSeenTimestamp <= 0 {
		return models.NodeRecord{}, fmt.Errorf("%w: node %s has no last-seen timestamp", apperrors.ErrSkipped, id)
	}

	used := raw.StorageUsed
	if used > raw.StorageCommitted {
		used = raw.StorageCommitted
	}
	uptime := raw.Uptime
	if uptime < 0 {
		uptime = 0
	}
	latency := raw.LatencyMs
	if latency < 0 || math.IsNaN(latency) {
		latency = 0
	}

	lastSeen := time.Unix(raw.LastSeenTimestamp, 0).UTC()
	rec := models.NodeRecord{
		ID:         id,
		Address:    strings.TrimSpace(raw.Address),
		Version:    strings.TrimSpace(raw.Version),
		RPCPort:    raw.RPCPort,
		IsPublic:   raw.IsPublic,
		LastSeenAt: lastSeen,
		Status:     Status(lastSeen, now, n.opts.DelinquentAfter, n.opts.OfflineAfter),
		Storage: models.StorageInfo{
			CapacityBytes: raw.StorageCommitted,
			UsedBytes:     used,
		},
		Performance: models.PerformanceInfo{
			UptimeSeconds:    uptime,
			AverageLatencyMs: latency,
		},
	}
	rec.PerformanceScore = n.Score(rec, latest)
	return rec, nil
}

// Status classifies liveness from the last-seen offset. The lower bound of
// each band is inclusive: exactly delinquentAfter is delinquent, exactly
// offlineAfter is offline.
func Status(lastSeen, now time.Time, delinquentAfter, offlineAfter time.Duration) models.NodeStatus {
	offset := now.Sub(lastSeen)
	switch {
	case offset < delinquentAfter:
		return models.StatusOnline
	case offset < offlineAfter:
		return models.StatusDelinquent
	default:
		return models.StatusOffline
	}
}

// Score computes the composite performance score in [0, 100].
func (n *Normalizer) Score(rec models.NodeRecord, latestVersion string) float64 {
	w := n.opts.Weights
	total := w.Uptime + w.Latency + w.Version + w.Storage
	if total <= 0 {
		return 0
	}

	sum := w.Uptime*uptimeComponent(rec.Performance.UptimeSeconds, n.opts.UptimeHorizon) +
		w.Latency*latencyComponent(rec.Performance.AverageLatencyMs, n.opts.LatencyReferenceMs) +
		w.Version*VersionRecency(rec.Version, latestVersion) +
		w.Storage*storageBalance(rec.Storage)

	return round2(clamp(100*sum/total, 0, 100))
}

func uptimeComponent(uptimeSeconds int64, horizon time.Duration) float64 {
	if uptimeSeconds <= 0 || horizon <= 0 {
		return 0
	}
	return clamp(float64(uptimeSeconds)/horizon.Seconds(), 0, 1)
}

// latencyComponent is 1 at zero latency and decays towards 0. Unknown
// latency (reported as 0) scores neutral.
func latencyComponent(latencyMs, referenceMs float64) float64 {
	if latencyMs <= 0 {
		return 0.5
	}
	return clamp(1/(1+latencyMs/referenceMs), 0, 1)
}

// storageBalance peaks at 50% utilisation and falls to 0 at empty or full.
func storageBalance(s models.StorageInfo) float64 {
	if s.CapacityBytes == 0 {
		return 0
	}
	return clamp(1-2*math.Abs(s.Utilization()-0.5), 0, 1)
}

// VersionRecency scores a version against the latest known one: 1 when
// current, 0.9 for a patch behind, minus 0.25 per minor release behind,
// 0 for an older major or an unparseable version.
func VersionRecency(version, latest string) float64 {
	v, ok := parseVersion(version)
	if !ok {
		return 0
	}
	l, ok := parseVersion(latest)
	if !ok {
		return 1
	}
	if compareVersions(v, l) >= 0 {
		return 1
	}
	if v[0] != l[0] {
		return 0
	}
	if v[1] == l[1] {
		return 0.9
	}
	return clamp(1-0.25*float64(l[1]-v[1]), 0, 1)
}

// HighestVersion returns the highest parseable version in the batch.
func HighestVersion(raws []models.RawNode) string {
	var best [3]int
	bestRaw := ""
	for _, raw := range raws {
		v, ok := parseVersion(raw.Version)
		if !ok {
			continue
		}
		if bestRaw == "" || compareVersions(v, best) > 0 {
			best = v
			bestRaw = raw.Version
		}
	}
	return bestRaw
}

// parseVersion reads the leading major.minor.patch of strings such as
// "v0.8.1" or "0.8.0-trynet.20250101".
func parseVersion(s string) ([3]int, bool) {
	var out [3]int
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return out, false
	}
	if i := strings.IndexAny(s, "-+ "); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

func compareVersions(a, b [3]int) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func clamp(value, min, max float64) float64 {
	if math.IsNaN(value) || value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
