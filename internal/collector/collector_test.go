package collector

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pnode-monitor/internal/alerting"
	"pnode-monitor/internal/discovery"
	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/logging"
	"pnode-monitor/internal/metrics"
	"pnode-monitor/internal/models"
	"pnode-monitor/internal/normalizer"
	"pnode-monitor/internal/timeseries"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func rawNodes() []models.RawNode {
	return []models.RawNode{
		{Pubkey: "n1", Version: "0.8.0", LastSeenTimestamp: now.Add(-time.Minute).Unix(), StorageCommitted: 100, StorageUsed: 50, Uptime: 86400, LatencyMs: 40},
		{Pubkey: "n2", Version: "0.7.0", LastSeenTimestamp: now.Add(-10 * time.Minute).Unix(), StorageCommitted: 100, StorageUsed: 90, Uptime: 3600},
		{Pubkey: "n3", Version: "0.8.0", LastSeenTimestamp: now.Add(-2 * time.Hour).Unix()},
		{Address: "10.0.0.1:9001", LastSeenTimestamp: now.Unix()},
	}
}

func staticSource(raws []models.RawNode) discovery.Source {
	return discovery.SourceFunc(func(context.Context) ([]models.RawNode, error) {
		out := make([]models.RawNode, len(raws))
		copy(out, raws)
		return out, nil
	})
}

type countingEvaluator struct {
	mu     sync.Mutex
	cycles []models.Cycle
}

func (e *countingEvaluator) Evaluate(_ context.Context, c models.Cycle) (alerting.EvaluationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycles = append(e.cycles, c)
	return alerting.EvaluationResult{}, nil
}

type failingWriter struct{}

func (failingWriter) Append(context.Context, ...models.Snapshot) error {
	return apperrors.ErrStoreUnavailable
}

func newCollector(src discovery.Source, w timeseries.Writer, ev Evaluator, opts ...Option) *Collector {
	base := []Option{WithLogger(logging.Discard()), WithClock(func() time.Time { return now })}
	return New(src, normalizer.New(normalizer.DefaultOptions()), w, ev, Config{FetchTimeout: time.Second}, append(base, opts...)...)
}

func TestRunCycle_PersistsAndEvaluates(t *testing.T) {
	t.Parallel()

	store := timeseries.NewMemory()
	ev := &countingEvaluator{}
	m := metrics.New(prometheus.NewRegistry())
	c := newCollector(staticSource(rawNodes()), store, ev, WithMetrics(m))
	ctx := context.Background()

	res, err := c.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Fetched != 4 || res.Normalized != 3 || res.Discarded != 1 {
		t.Fatalf("result=%+v", res)
	}
	wantSnapshots := 3*len(models.NodeMetrics()) + len(models.NetworkMetrics())
	if res.Snapshots != wantSnapshots {
		t.Fatalf("snapshots=%d want %d", res.Snapshots, wantSnapshots)
	}

	health, ok, err := store.Latest(ctx, models.NetworkEntity, models.MetricHealthScore)
	if err != nil || !ok || !health.Timestamp.Equal(now) {
		t.Fatalf("health=%+v ok=%v err=%v", health, ok, err)
	}
	if want := 100.0 / 3; health.Value != want {
		t.Fatalf("health=%v want %v", health.Value, want)
	}

	stats, ok := c.Network()
	if !ok || stats.OnlineNodes != 1 || stats.DelinquentNodes != 1 || stats.OfflineNodes != 1 {
		t.Fatalf("stats=%+v", stats)
	}
	n2, ok := c.Node("n2")
	if !ok || n2.Status != models.StatusDelinquent {
		t.Fatalf("n2=%+v", n2)
	}
	if len(c.Nodes()) != 3 || c.Nodes()[0].ID != "n1" {
		t.Fatalf("nodes=%v", c.Nodes())
	}

	if len(ev.cycles) != 1 || !ev.cycles[0].Timestamp.Equal(now) || len(ev.cycles[0].NodeIDs) != 3 {
		t.Fatalf("evaluated=%+v", ev.cycles)
	}
	if c.State() != StateIdle {
		t.Fatalf("state=%s", c.State())
	}
	if last, ok := c.LastCycle(); !ok || last.Error != "" || last.Snapshots != wantSnapshots {
		t.Fatalf("last=%+v", last)
	}
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("success cycles=%v", got)
	}
	if got := testutil.ToFloat64(m.RecordsDiscarded); got != 1 {
		t.Fatalf("discarded=%v", got)
	}
}

func TestRunCycle_FetchFailureWritesNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  discovery.Source
		want error
	}{
		{"transport error", discovery.SourceFunc(func(context.Context) ([]models.RawNode, error) {
			return nil, errors.New("connection refused")
		}), apperrors.ErrUpstreamUnavailable},
		{"empty result", staticSource(nil), apperrors.ErrEmptyDiscovery},
		{"all malformed", staticSource([]models.RawNode{{Address: "x"}}), apperrors.ErrEmptyDiscovery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := timeseries.NewMemory()
			ev := &countingEvaluator{}
			c := newCollector(tt.src, store, ev)

			_, err := c.RunCycle(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
			if _, ok, _ := timeseries.LatestCycle(context.Background(), store); ok {
				t.Fatalf("store written on aborted cycle")
			}
			if len(ev.cycles) != 0 {
				t.Fatalf("evaluated aborted cycle")
			}
			if last, ok := c.LastCycle(); !ok || last.Error == "" {
				t.Fatalf("last=%+v", last)
			}
		})
	}
}

func TestRunCycle_FetchTimeout(t *testing.T) {
	t.Parallel()

	slow := discovery.SourceFunc(func(ctx context.Context) ([]models.RawNode, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	store := timeseries.NewMemory()
	c := New(slow, normalizer.New(normalizer.DefaultOptions()), store, nil,
		Config{FetchTimeout: 20 * time.Millisecond}, WithLogger(logging.Discard()))

	start := time.Now()
	_, err := c.RunCycle(context.Background())
	if !errors.Is(err, apperrors.ErrUpstreamUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("fetch timeout not applied")
	}
	if _, ok, _ := timeseries.LatestCycle(context.Background(), store); ok {
		t.Fatalf("store written on timeout")
	}
}

func TestRunCycle_PersistFailureSkipsEvaluation(t *testing.T) {
	t.Parallel()

	ev := &countingEvaluator{}
	c := newCollector(staticSource(rawNodes()), failingWriter{}, ev)

	_, err := c.RunCycle(context.Background())
	if !errors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if len(ev.cycles) != 0 {
		t.Fatalf("evaluated after failed persist")
	}
	if _, ok := c.Network(); ok {
		t.Fatalf("view published after failed persist")
	}
}

func TestRunCycle_ConcurrentTriggerDropped(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := discovery.SourceFunc(func(context.Context) ([]models.RawNode, error) {
		close(entered)
		<-release
		return rawNodes(), nil
	})
	c := newCollector(blocking, timeseries.NewMemory(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.RunCycle(context.Background())
		done <- err
	}()

	<-entered
	if c.State() != StateFetching {
		t.Fatalf("state=%s", c.State())
	}
	if _, err := c.RunCycle(context.Background()); !errors.Is(err, apperrors.ErrCycleInProgress) {
		t.Fatalf("second trigger err=%v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestRunCycle_Deterministic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := timeseries.NewMemory(), timeseries.NewMemory()
	if _, err := newCollector(staticSource(rawNodes()), a, nil).RunCycle(ctx); err != nil {
		t.Fatalf("cycle a: %v", err)
	}
	if _, err := newCollector(staticSource(rawNodes()), b, nil).RunCycle(ctx); err != nil {
		t.Fatalf("cycle b: %v", err)
	}

	for _, id := range []string{"n1", "n2", "n3"} {
		for _, m := range models.NodeMetrics() {
			pa, _ := a.Query(ctx, id, m, time.Time{}, time.Time{})
			pb, _ := b.Query(ctx, id, m, time.Time{}, time.Time{})
			if len(pa) != 1 || !reflect.DeepEqual(pa, pb) {
				t.Fatalf("%s/%s differs: %v vs %v", id, m, pa, pb)
			}
		}
	}
	for _, m := range models.NetworkMetrics() {
		pa, _ := a.Query(ctx, models.NetworkEntity, m, time.Time{}, time.Time{})
		pb, _ := b.Query(ctx, models.NetworkEntity, m, time.Time{}, time.Time{})
		if !reflect.DeepEqual(pa, pb) {
			t.Fatalf("network %s differs: %v vs %v", m, pa, pb)
		}
	}
}

func TestRunCycle_WithAlertEngine(t *testing.T) {
	t.Parallel()

	store := timeseries.NewMemory()
	engine := alerting.NewEngine(store, alerting.DefaultConfig(), alerting.WithLogger(logging.Discard()))
	threshold := 50.0
	if _, err := engine.CreateRule(models.RuleSpec{Name: "health", Metric: "healthScore", Operator: "<", Threshold: &threshold}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	c := newCollector(staticSource(rawNodes()), store, engine)
	res, err := c.RunCycle(context.Background())
	if err != nil || res.AlertsCreated != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

// cancelOnAppend cancels the caller's context as soon as a batch is written
// and fails every later read made under a done context.
type cancelOnAppend struct {
	*timeseries.Memory
	cancel context.CancelFunc
}

func (s cancelOnAppend) Append(ctx context.Context, snaps ...models.Snapshot) error {
	err := s.Memory.Append(ctx, snaps...)
	s.cancel()
	return err
}

func (s cancelOnAppend) Query(ctx context.Context, id string, m models.Metric, from, to time.Time) ([]models.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.Query(ctx, id, m, from, to)
}

func (s cancelOnAppend) Latest(ctx context.Context, id string, m models.Metric) (models.Point, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Point{}, false, err
	}
	return s.Memory.Latest(ctx, id, m)
}

func (s cancelOnAppend) LatestByEntity(ctx context.Context, m models.Metric) (map[string]models.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.LatestByEntity(ctx, m)
}

func TestRunCycle_CallerCancelAfterPersistStillEvaluates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cancelOnAppend{Memory: timeseries.NewMemory(), cancel: cancel}

	engine := alerting.NewEngine(store, alerting.DefaultConfig(), alerting.WithLogger(logging.Discard()))
	threshold := 101.0
	if _, err := engine.CreateRule(models.RuleSpec{Name: "health", Metric: "healthScore", Operator: "<", Threshold: &threshold}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	c := newCollector(staticSource(rawNodes()), store, engine)
	res, err := c.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("caller context was not cancelled")
	}
	if res.AlertsCreated != 1 || engine.ActiveCount() != 1 {
		t.Fatalf("res=%+v active=%d", res, engine.ActiveCount())
	}
}

func TestRunCycle_CancelledBeforeFetchAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := discovery.SourceFunc(func(ctx context.Context) ([]models.RawNode, error) {
		return nil, ctx.Err()
	})
	store := timeseries.NewMemory()
	if _, err := newCollector(src, store, nil).RunCycle(ctx); err == nil {
		t.Fatalf("cycle succeeded on cancelled context")
	}
	if _, ok, _ := timeseries.LatestCycle(context.Background(), store); ok {
		t.Fatalf("store written after cancelled fetch")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	src := discovery.SourceFunc(func(context.Context) ([]models.RawNode, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return rawNodes(), nil
	})
	c := newCollector(src, timeseries.NewMemory(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(stopped)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("calls=%d", calls)
	}
}

type blockingEvaluator struct {
	entered chan struct{}
	release chan struct{}
}

func (e *blockingEvaluator) Evaluate(context.Context, models.Cycle) (alerting.EvaluationResult, error) {
	close(e.entered)
	<-e.release
	return alerting.EvaluationResult{}, nil
}

func TestStart_DoneWaitsForInFlightCycle(t *testing.T) {
	t.Parallel()

	ev := &blockingEvaluator{entered: make(chan struct{}), release: make(chan struct{})}
	c := newCollector(staticSource(rawNodes()), timeseries.NewMemory(), ev)

	ctx, cancel := context.WithCancel(context.Background())
	done := c.Start(ctx, time.Hour)

	<-ev.entered
	cancel()
	select {
	case <-done:
		t.Fatalf("driver stopped while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(ev.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("driver did not stop")
	}
	if last, ok := c.LastCycle(); !ok || last.Error != "" {
		t.Fatalf("last=%+v", last)
	}
}

func TestDedupeKeepsFreshest(t *testing.T) {
	t.Parallel()

	recs := []models.NodeRecord{
		{ID: "a", LastSeenAt: now.Add(-time.Hour)},
		{ID: "a", LastSeenAt: now},
		{ID: "b", LastSeenAt: now},
	}
	out, dropped := dedupe(recs)
	if dropped != 1 || len(out) != 2 || !out[0].LastSeenAt.Equal(now) {
		t.Fatalf("out=%+v dropped=%d", out, dropped)
	}
}
