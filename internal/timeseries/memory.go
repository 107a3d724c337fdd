package timeseries

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"pnode-monitor/internal/models"
)

type seriesKey struct {
	entity string
	metric models.Metric
}

// Memory is an in-process Store. Batches are applied under one write lock, so
// readers never see part of a batch.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	series map[seriesKey][]models.Point
}

func NewMemory() *Memory {
	return &Memory{series: make(map[seriesKey][]models.Point)}
}

func (m *Memory) Append(_ context.Context, snapshots ...models.Snapshot) error {
	if err := Validate(snapshots); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range snapshots {
		key := seriesKey{entity: s.EntityID, metric: s.Metric}
		m.series[key] = insertPoint(m.series[key], models.Point{Timestamp: s.Timestamp.UTC(), Value: s.Value})
	}
	return nil
}

// insertPoint keeps points ordered by time. A bit-identical (time, value)
// pair already present is not stored twice.
func insertPoint(points []models.Point, p models.Point) []models.Point {
	idx := sort.Search(len(points), func(i int) bool {
		return points[i].Timestamp.After(p.Timestamp)
	})
	for j := idx - 1; j >= 0 && points[j].Timestamp.Equal(p.Timestamp); j-- {
		if math.Float64bits(points[j].Value) == math.Float64bits(p.Value) {
			return points
		}
	}

	points = append(points, models.Point{})
	copy(points[idx+1:], points[idx:])
	points[idx] = p
	return points
}

func (m *Memory) Query(_ context.Context, entityID string, metric models.Metric, from, to time.Time) ([]models.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := m.series[seriesKey{entity: entityID, metric: metric}]
	start := 0
	if !from.IsZero() {
		start = sort.Search(len(points), func(i int) bool {
			return !points[i].Timestamp.Before(from)
		})
	}
	end := len(points)
	if !to.IsZero() {
		end = sort.Search(len(points), func(i int) bool {
			return points[i].Timestamp.After(to)
		})
	}

	if start >= end {
		return []models.Point{}, nil
	}
	out := make([]models.Point, end-start)
	copy(out, points[start:end])
	return out, nil
}

func (m *Memory) Latest(_ context.Context, entityID string, metric models.Metric) (models.Point, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := m.series[seriesKey{entity: entityID, metric: metric}]
	if len(points) == 0 {
		return models.Point{}, false, nil
	}
	return points[len(points)-1], true, nil
}

func (m *Memory) LatestByEntity(_ context.Context, metric models.Metric) (map[string]models.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]models.Point)
	for key, points := range m.series {
		if key.metric != metric || key.entity == models.NetworkEntity || len(points) == 0 {
			continue
		}
		out[key.entity] = points[len(points)-1]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
