// Package collector runs the indexing cycle: fetch raw node records, normalize
// them, persist one batch of snapshots and evaluate alert rules against it.
//
// At most one cycle runs at a time. A trigger that arrives while a cycle is in
// flight is dropped with errors.ErrCycleInProgress rather than queued.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pnode-monitor/internal/alerting"
	"pnode-monitor/internal/discovery"
	apperrors "pnode-monitor/internal/errors"
	"pnode-monitor/internal/logging"
	"pnode-monitor/internal/metrics"
	"pnode-monitor/internal/models"
	"pnode-monitor/internal/normalizer"
	"pnode-monitor/internal/timeseries"
)

type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StatePersisting  State = "persisting"
	StateEvaluating  State = "evaluating"
)

const (
	DefaultFetchTimeout  = 15 * time.Second
	DefaultCommitTimeout = 30 * time.Second
)

// Evaluator is run synchronously after every successful persist.
type Evaluator interface {
	Evaluate(ctx context.Context, cycle models.Cycle) (alerting.EvaluationResult, error)
}

// Observer receives every completed cycle after evaluation. Failures are
// logged and do not fail the cycle.
type Observer interface {
	Observe(ctx context.Context, cycle models.Cycle) ([]models.AnalysisResult, error)
}

// CycleResult describes one cycle attempt.
type CycleResult struct {
	Timestamp      time.Time     `json:"timestamp"`
	Fetched        int           `json:"fetched"`
	Normalized     int           `json:"normalized"`
	Discarded      int           `json:"discarded"`
	Snapshots      int           `json:"snapshots"`
	AlertsCreated  int           `json:"alerts_created"`
	AlertsResolved int           `json:"alerts_resolved"`
	Anomalies      int           `json:"anomalies"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

type Config struct {
	FetchTimeout time.Duration
	// CommitTimeout bounds persist, evaluation and observation. These stages
	// ignore cancellation of the caller's context.
	CommitTimeout time.Duration
}

type Collector struct {
	source     discovery.Source
	normalizer *normalizer.Normalizer
	store      timeseries.Writer
	evaluator  Evaluator
	observer   Observer
	cfg        Config

	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	running sync.Mutex
	state   atomic.Value // State

	mu      sync.RWMutex
	last    *CycleResult
	nodes   map[string]models.NodeRecord
	network *models.NetworkStats
}

type Option func(*Collector)

func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Collector) { c.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(c *Collector) { c.log = l } }

func WithObserver(o Observer) Option { return func(c *Collector) { c.observer = o } }

func New(source discovery.Source, norm *normalizer.Normalizer, store timeseries.Writer, evaluator Evaluator, cfg Config, opts ...Option) *Collector {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	c := &Collector{
		source:     source,
		normalizer: norm,
		store:      store,
		evaluator:  evaluator,
		cfg:        cfg,
		now:        time.Now,
		nodes:      make(map[string]models.NodeRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Component("collector")
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNop()
	}
	c.state.Store(StateIdle)
	return c
}

func (c *Collector) State() State {
	return c.state.Load().(State)
}

func (c *Collector) setState(s State) {
	c.state.Store(s)
}

// LastCycle returns the result of the most recent cycle attempt that was not
// dropped.
func (c *Collector) LastCycle() (CycleResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return CycleResult{}, false
	}
	return *c.last, true
}

// RunCycle executes one full cycle. It fails fast with ErrCycleInProgress
// when another cycle holds the lock.
func (c *Collector) RunCycle(ctx context.Context) (CycleResult, error) {
	if !c.running.TryLock() {
		c.metrics.CyclesTotal.WithLabelValues("dropped").Inc()
		return CycleResult{}, apperrors.ErrCycleInProgress
	}
	defer c.running.Unlock()
	defer c.setState(StateIdle)

	started := time.Now()
	res, outcome, err := c.cycle(ctx)
	res.Duration = time.Since(started)
	if err != nil {
		res.Error = err.Error()
	}

	c.metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		c.metrics.CycleDuration.Observe(res.Duration.Seconds())
	}

	c.mu.Lock()
	c.last = &res
	c.mu.Unlock()

	return res, err
}

func (c *Collector) cycle(ctx context.Context) (CycleResult, string, error) {
	now := c.now().UTC()
	res := CycleResult{Timestamp: now}

	c.setState(StateFetching)
	raws, err := c.fetch(ctx)
	if err != nil {
		c.log.Error("cycle aborted: fetch failed", "error", err)
		return res, "fetch_failed", err
	}
	res.Fetched = len(raws)

	c.setState(StateNormalizing)
	records, discards := c.normalizer.NormalizeAll(raws, now)
	res.Normalized = len(records)
	res.Discarded = len(discards)
	for _, d := range discards {
		c.log.Warn("record discarded", "pnode", d.ID, "reason", d.Reason)
	}
	c.metrics.RecordsDiscarded.Add(float64(len(discards)))
	if len(records) == 0 {
		err := fmt.Errorf("%w: all %d records were discarded", apperrors.ErrEmptyDiscovery, len(raws))
		c.log.Error("cycle aborted", "error", err)
		return res, "empty", err
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	records, dupes := dedupe(records)
	if dupes > 0 {
		c.log.Warn("duplicate node records dropped", "count", dupes)
		res.Normalized = len(records)
		res.Discarded += dupes
	}
	stats := Aggregate(records, now)
	snapshots := BuildSnapshots(records, stats, now)

	// Only the fetch is cancellable. Once persisting starts the cycle runs to
	// completion, so a written batch is always evaluated.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()

	c.setState(StatePersisting)
	if err := c.store.Append(cctx, snapshots...); err != nil {
		err = fmt.Errorf("persist cycle: %w", err)
		c.log.Error("cycle aborted: persist failed", "error", err)
		return res, "persist_failed", err
	}
	res.Snapshots = len(snapshots)
	c.metrics.SnapshotsWritten.Add(float64(len(snapshots)))
	c.publishView(records, stats)

	cycle := models.Cycle{Timestamp: now, NodeIDs: make([]string, len(records))}
	for i, r := range records {
		cycle.NodeIDs[i] = r.ID
	}

	c.setState(StateEvaluating)
	if c.evaluator != nil {
		eval, err := c.evaluator.Evaluate(cctx, cycle)
		if err != nil {
			err = fmt.Errorf("evaluate alerts: %w", err)
			c.log.Error("alert evaluation failed", "error", err)
			return res, "evaluate_failed", err
		}
		res.AlertsCreated = len(eval.Created)
		res.AlertsResolved = len(eval.Resolved)
	}
	if c.observer != nil {
		found, err := c.observer.Observe(cctx, cycle)
		if err != nil {
			c.log.Warn("anomaly scan failed", "error", err)
		}
		res.Anomalies = len(found)
	}

	c.log.Info("cycle completed",
		"nodes", res.Normalized, "discarded", res.Discarded, "snapshots", res.Snapshots,
		"health_score", stats.HealthScore, "alerts_created", res.AlertsCreated, "alerts_resolved", res.AlertsResolved)
	return res, "success", nil
}

func (c *Collector) fetch(ctx context.Context) ([]models.RawNode, error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	raws, err := c.source.FetchLatest(fctx)
	if err != nil {
		if apperrors.IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUpstreamUnavailable, err)
	}
	if len(raws) == 0 {
		return nil, apperrors.ErrEmptyDiscovery
	}
	return raws, nil
}

func (c *Collector) publishView(records []models.NodeRecord, stats models.NetworkStats) {
	nodes := make(map[string]models.NodeRecord, len(records))
	for _, r := range records {
		nodes[r.ID] = r
	}

	c.mu.Lock()
	c.nodes = nodes
	c.network = &stats
	c.mu.Unlock()

	c.metrics.NodesByStatus.WithLabelValues(string(models.StatusOnline)).Set(float64(stats.OnlineNodes))
	c.metrics.NodesByStatus.WithLabelValues(string(models.StatusDelinquent)).Set(float64(stats.DelinquentNodes))
	c.metrics.NodesByStatus.WithLabelValues(string(models.StatusOffline)).Set(float64(stats.OfflineNodes))
	c.metrics.NetworkHealth.Set(stats.HealthScore)
}

// Nodes returns the node records of the last persisted cycle ordered by id.
func (c *Collector) Nodes() []models.NodeRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.NodeRecord, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Collector) Node(id string) (models.NodeRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Network returns the aggregate of the last persisted cycle.
func (c *Collector) Network() (models.NetworkStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.network == nil {
		return models.NetworkStats{}, false
	}
	return *c.network, true
}

// Start runs the periodic driver in a goroutine. The returned channel is
// closed once the driver has stopped and no cycle is in flight.
func (c *Collector) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, interval)
	}()
	return done
}

// Run triggers a cycle immediately and then every interval until ctx is
// done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("collector started", "interval", interval)
	for {
		if _, err := c.RunCycle(ctx); err != nil && apperrors.Is(err, apperrors.ErrCycleInProgress) {
			c.log.Debug("cycle skipped: previous cycle still running")
		}

		select {
		case <-ctx.Done():
			c.log.Info("collector stopped")
			return
		case <-ticker.C:
		}
	}
}
