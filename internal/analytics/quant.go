package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"pnode-monitor/internal/models"
)

const (
	minRegressionPoints = 3
	minForecastPoints   = 3
	minSummaryNodes     = 3
	riskiestNodes       = 5
	highRiskZ           = 1.0
	forecastZ           = 1.96
	sketchAccuracy      = 0.01
)

// DefaultCorrelationMetrics is the metric set compared in the correlation
// matrix and the network summary.
var DefaultCorrelationMetrics = []models.Metric{
	models.MetricPerformanceScore,
	models.MetricUptimeSeconds,
	models.MetricLatencyMs,
	models.MetricStorageCapacityBytes,
	models.MetricStorageUtilization,
}

// BenchmarkMetrics are ranked per node by Benchmark.
var BenchmarkMetrics = []models.Metric{
	models.MetricPerformanceScore,
	models.MetricUptimeSeconds,
	models.MetricStorageCapacityBytes,
}

// Population holds one cross-sectional value per node for each metric.
type Population map[models.Metric]map[string]float64

// Risk builds a node's risk profile from its own score history and the
// current population scores.
func Risk(nodeID string, score float64, history []float64, population map[string]float64) models.RiskProfile {
	scores := values(population)
	rp := models.RiskProfile{
		NodeID:           nodeID,
		PerformanceScore: score,
		HistoryPoints:    len(history),
		PercentileRank:   round2(fractionAtOrBelow(scores, score)),
		PopulationSize:   len(scores),
		PopulationMean:   round2(mean(scores)),
	}

	if v, ok := sampleStdDev(history); ok {
		rp.Volatility = ptr(v)
	}
	if v, ok := downsideDeviation(history); ok {
		rp.DownsideDeviation = ptr(v)
	}
	if sd, ok := sampleStdDev(scores); ok {
		rp.PopulationStdDev = sd
		if sd > 0 {
			rp.RelativeRisk = ptr((mean(scores) - score) / sd)
		}
	}
	return rp
}

// Benchmark ranks a node against the population on every benchmark metric
// it has a value for. ok is false when the node is not in the population.
func Benchmark(nodeID string, pop Population) (models.Benchmark, bool) {
	perf, ok := pop[models.MetricPerformanceScore][nodeID]
	if !ok {
		return models.Benchmark{}, false
	}

	b := models.Benchmark{
		NodeID:         nodeID,
		Percentiles:    make(map[models.Metric]float64, len(BenchmarkMetrics)),
		PopulationSize: len(pop[models.MetricPerformanceScore]),
	}
	for _, m := range BenchmarkMetrics {
		v, ok := pop[m][nodeID]
		if !ok {
			continue
		}
		b.Percentiles[m] = round2(rankPercentile(values(pop[m]), v))
	}

	p := rankPercentile(values(pop[models.MetricPerformanceScore]), perf)
	switch {
	case p >= 90:
		b.Tier = models.TierTop
	case p < 10:
		b.Tier = models.TierBottom
	default:
		b.Tier = models.TierMid
	}
	return b, true
}

// paired returns aligned samples of two metrics over the nodes that report
// both, in node id order.
func paired(pop Population, x, y models.Metric) ([]float64, []float64) {
	xm, ym := pop[x], pop[y]
	ids := sortedKeys(xm)
	xs := make([]float64, 0, len(ids))
	ys := make([]float64, 0, len(ids))
	for _, id := range ids {
		yv, ok := ym[id]
		if !ok {
			continue
		}
		xs = append(xs, xm[id])
		ys = append(ys, yv)
	}
	return xs, ys
}

// Correlation computes the cross-sectional Pearson matrix. Pairs where either
// side has zero variance are nil.
func Correlation(pop Population, metrics []models.Metric) models.CorrelationMatrix {
	cm := models.CorrelationMatrix{
		Metrics: append([]models.Metric(nil), metrics...),
		Values:  make([][]*float64, len(metrics)),
	}
	for _, m := range metrics {
		cm.SampleSize = max(cm.SampleSize, len(pop[m]))
	}
	if cm.SampleSize < 2 {
		cm.InsufficientData = true
		cm.Reason = fmt.Sprintf("need at least 2 nodes, have %d", cm.SampleSize)
	}

	for i, mi := range metrics {
		cm.Values[i] = make([]*float64, len(metrics))
		for j, mj := range metrics {
			if j < i {
				cm.Values[i][j] = cm.Values[j][i]
				continue
			}
			xs, ys := paired(pop, mi, mj)
			cm.Values[i][j] = pearson(xs, ys)
		}
	}
	return cm
}

// Regress fits dependent = intercept + slope*independent across nodes.
func Regress(pop Population, dependent, independent models.Metric) models.RegressionResult {
	xs, ys := paired(pop, independent, dependent)
	res := models.RegressionResult{
		Dependent:   dependent,
		Independent: independent,
		SampleSize:  len(xs),
	}
	if len(xs) < minRegressionPoints {
		res.InsufficientData = true
		res.Reason = fmt.Sprintf("need at least %d data points, have %d", minRegressionPoints, len(xs))
		return res
	}

	fit, ok := fitOLS(xs, ys)
	if !ok {
		res.InsufficientData = true
		res.Reason = fmt.Sprintf("%s has no variance across the population", independent)
		return res
	}

	res.Slope = ptr(fit.slope)
	res.Intercept = ptr(fit.intercept)
	res.RSquared = fit.rSquared
	if fit.slopeSE > 0 {
		t := fit.slope / fit.slopeSE
		res.TStatistic = ptr(t)
		res.PValue = ptr(studentTwoTailedP(t, float64(fit.n-2)))
	} else if fit.n > 2 {
		// Perfect fit: residuals are all zero.
		res.PValue = ptr(0)
	}
	return res
}

// ForecastSeries fits a linear trend over points and projects it one point
// per day for horizonDays. It returns nil with fewer than three points or
// when all points share a timestamp.
func ForecastSeries(nodeID string, metric models.Metric, points []models.Point, horizonDays int) *models.Forecast {
	if len(points) < minForecastPoints || horizonDays <= 0 {
		return nil
	}

	origin := points[0].Timestamp
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.Timestamp.Sub(origin).Hours() / 24
		ys[i] = p.Value
	}
	fit, ok := fitOLS(xs, ys)
	if !ok {
		return nil
	}

	last := points[len(points)-1].Timestamp
	lastX := xs[len(xs)-1]
	band := forecastZ * fit.stdErr

	f := &models.Forecast{
		NodeID:           nodeID,
		Metric:           metric,
		HorizonDays:      horizonDays,
		HistoryPoints:    len(points),
		SlopePerDay:      fit.slope,
		Intercept:        fit.intercept,
		ResidualStdError: fit.stdErr,
		Points:           make([]models.ForecastPoint, 0, horizonDays),
	}
	for d := 1; d <= horizonDays; d++ {
		v := fit.intercept + fit.slope*(lastX+float64(d))
		f.Points = append(f.Points, models.ForecastPoint{
			Timestamp: last.Add(time.Duration(d) * 24 * time.Hour),
			Value:     v,
			Lower:     v - band,
			Upper:     v + band,
		})
	}
	return f
}

// Summarize aggregates risk, correlation and regression across the whole
// population.
func Summarize(pop Population, at time.Time) (models.NetworkQuantSummary, error) {
	scores := pop[models.MetricPerformanceScore]
	s := models.NetworkQuantSummary{
		PopulationSize: len(scores),
		ComputedAt:     at,
	}
	if len(scores) < minSummaryNodes {
		s.InsufficientData = true
		s.Reason = fmt.Sprintf("need at least %d nodes, have %d", minSummaryNodes, len(scores))
		return s, nil
	}

	vals := values(scores)
	m := mean(vals)
	sd, _ := sampleStdDev(vals)
	s.MeanPerformance = round2(m)
	s.StdDevPerformance = round2(sd)

	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return s, fmt.Errorf("create sketch: %w", err)
	}
	for _, v := range vals {
		if err := sketch.Add(v); err != nil {
			return s, fmt.Errorf("add to sketch: %w", err)
		}
	}
	qs, err := sketch.GetValuesAtQuantiles([]float64{0.1, 0.5, 0.9})
	if err != nil {
		return s, fmt.Errorf("read quantiles: %w", err)
	}
	s.Quantiles = map[string]float64{"p10": round2(qs[0]), "p50": round2(qs[1]), "p90": round2(qs[2])}

	if sd > 0 {
		entries := make([]models.RiskEntry, 0, len(scores))
		for _, id := range sortedKeys(scores) {
			z := (m - scores[id]) / sd
			if z > highRiskZ {
				s.HighRiskCount++
			}
			entries = append(entries, models.RiskEntry{NodeID: id, PerformanceScore: scores[id], RelativeRisk: z})
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].RelativeRisk > entries[j].RelativeRisk
		})
		s.RiskiestNodes = entries[:min(riskiestNodes, len(entries))]
	}

	cm := Correlation(pop, DefaultCorrelationMetrics)
	s.Correlation = &cm
	s.Regressions = []models.RegressionResult{
		Regress(pop, models.MetricPerformanceScore, models.MetricUptimeSeconds),
		Regress(pop, models.MetricPerformanceScore, models.MetricLatencyMs),
	}
	return s, nil
}

func values(m map[string]float64) []float64 {
	out := make([]float64, 0, len(m))
	for _, k := range sortedKeys(m) {
		v := m[k]
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
