// Package timeseries defines the append-only snapshot history shared by the
// collector (sole writer) and the alerting and analytics engines (readers).
package timeseries

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/models"
)

// Reader is the read side of the store. Implementations must make an
// appended snapshot visible to every subsequent read.
type Reader interface {
	// Query returns points in [from, to] ascending by time. A zero from or
	// to leaves that end unbounded. No data is an empty slice, not an error.
	Query(ctx context.Context, entityID string, metric models.Metric, from, to time.Time) ([]models.Point, error)

	// Latest returns the most recent point of a series; ok is false when the
	// series is empty.
	Latest(ctx context.Context, entityID string, metric models.Metric) (p models.Point, ok bool, err error)

	// LatestByEntity returns the most recent point of metric for every node
	// entity that has one. The network entity is excluded.
	LatestByEntity(ctx context.Context, metric models.Metric) (map[string]models.Point, error)
}

type Writer interface {
	// Append stores a batch of snapshots atomically: either every snapshot
	// becomes visible or none does.
	Append(ctx context.Context, snapshots ...models.Snapshot) error
}

type Store interface {
	Reader
	Writer
	Close() error
}

// Validate checks a batch before it is written.
func Validate(snapshots []models.Snapshot) error {
	for i, s := range snapshots {
		if s.EntityID == "" {
			return fmt.Errorf("%w: snapshot %d has no entity id", apperrors.ErrInvalidArgument, i)
		}
		if _, ok := s.Metric.Scope(); !ok {
			return fmt.Errorf("%w: snapshot %d has unknown metric %q", apperrors.ErrInvalidArgument, i, s.Metric)
		}
		if s.Timestamp.IsZero() {
			return fmt.Errorf("%w: snapshot %d has no timestamp", apperrors.ErrInvalidArgument, i)
		}
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			return fmt.Errorf("%w: snapshot %d value is not finite", apperrors.ErrInvalidArgument, i)
		}
	}
	return nil
}

// LatestCycle returns the timestamp of the most recent network snapshot,
// which marks the last completed collector cycle.
func LatestCycle(ctx context.Context, r Reader) (time.Time, bool, error) {
	p, ok, err := r.Latest(ctx, models.NetworkEntity, models.MetricTotalNodes)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return p.Timestamp, true, nil
}

// Population returns metric values of the nodes present in the most recent
// cycle, keyed by node id. Nodes that dropped out of discovery are not part
// of the population even though their history remains.
func Population(ctx context.Context, r Reader, metric models.Metric) (map[string]float64, time.Time, error) {
	at, ok, err := LatestCycle(ctx, r)
	if err != nil {
		return nil, time.Time{}, err
	}
	if !ok {
		return map[string]float64{}, time.Time{}, nil
	}

	latest, err := r.LatestByEntity(ctx, metric)
	if err != nil {
		return nil, time.Time{}, err
	}
	out := make(map[string]float64, len(latest))
	for id, p := range latest {
		if p.Timestamp.Equal(at) {
			out[id] = p.Value
		}
	}
	return out, at, nil
}
