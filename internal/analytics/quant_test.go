package analytics

import (
	"math"
	"testing"
	"time"

	"pnode-monitor/internal/models"
)

const tol = 1e-9

func near(a, b, eps float64) bool { return math.Abs(a-b) <= eps }

func TestRisk_ThreeNodeScenario(t *testing.T) {
	t.Parallel()

	pop := map[string]float64{"a": 90, "b": 50, "c": 10}
	ra := Risk("a", 90, []float64{90}, pop)
	rb := Risk("b", 50, []float64{50}, pop)
	rc := Risk("c", 10, []float64{10}, pop)

	if !(ra.PercentileRank > rb.PercentileRank && rb.PercentileRank > rc.PercentileRank) {
		t.Fatalf("percentiles not ordered: %v %v %v", ra.PercentileRank, rb.PercentileRank, rc.PercentileRank)
	}
	if ra.PercentileRank != 100 {
		t.Fatalf("top percentile=%v", ra.PercentileRank)
	}
	if ra.PopulationMean != 50 || !near(ra.PopulationStdDev, 40, tol) {
		t.Fatalf("mean=%v sd=%v", ra.PopulationMean, ra.PopulationStdDev)
	}
	if rc.RelativeRisk == nil || *rc.RelativeRisk <= 0 {
		t.Fatalf("low scorer relative risk=%v", rc.RelativeRisk)
	}
	if ra.RelativeRisk == nil || *ra.RelativeRisk >= 0 {
		t.Fatalf("high scorer relative risk=%v", ra.RelativeRisk)
	}
	if ra.Volatility != nil || ra.DownsideDeviation != nil {
		t.Fatalf("single history point must leave volatility undefined: %+v", ra)
	}
}

func TestRisk_Volatility(t *testing.T) {
	t.Parallel()

	rp := Risk("n", 3, []float64{1, 3}, map[string]float64{"n": 3})
	if rp.Volatility == nil || !near(*rp.Volatility, math.Sqrt2, tol) {
		t.Fatalf("volatility=%v", rp.Volatility)
	}
	if rp.DownsideDeviation == nil || !near(*rp.DownsideDeviation, math.Sqrt(0.5), tol) {
		t.Fatalf("downside=%v", rp.DownsideDeviation)
	}
	if rp.RelativeRisk != nil {
		t.Fatalf("single-node population has no spread: %v", *rp.RelativeRisk)
	}
}

func TestBenchmark_RankCount(t *testing.T) {
	t.Parallel()

	pop := Population{
		models.MetricPerformanceScore:     {"a": 90, "b": 50, "c": 10},
		models.MetricUptimeSeconds:        {"a": 10, "b": 20, "c": 30},
		models.MetricStorageCapacityBytes: {"a": 5, "b": 5, "c": 5},
	}
	want := map[string]struct {
		perf, uptime float64
		tier         models.Tier
	}{
		"a": {100, 0, models.TierTop},
		"b": {50, 50, models.TierMid},
		"c": {0, 100, models.TierBottom},
	}
	for id, w := range want {
		b, ok := Benchmark(id, pop)
		if !ok {
			t.Fatalf("%s missing", id)
		}
		if b.Percentiles[models.MetricPerformanceScore] != w.perf || b.Percentiles[models.MetricUptimeSeconds] != w.uptime || b.Tier != w.tier {
			t.Fatalf("%s: %+v", id, b)
		}
		if b.Percentiles[models.MetricStorageCapacityBytes] != 0 || b.PopulationSize != 3 {
			t.Fatalf("%s ties: %+v", id, b)
		}
	}

	if _, ok := Benchmark("zz", pop); ok {
		t.Fatalf("unknown node benchmarked")
	}
	single, _ := Benchmark("a", Population{models.MetricPerformanceScore: {"a": 1}})
	if single.Tier != models.TierTop || single.Percentiles[models.MetricPerformanceScore] != 100 {
		t.Fatalf("single=%+v", single)
	}
}

func TestCorrelation(t *testing.T) {
	t.Parallel()

	pop := Population{
		models.MetricPerformanceScore: {"a": 10, "b": 40, "c": 35, "d": 80},
		models.MetricLatencyMs:        {"a": 400, "b": 100, "c": 150, "d": 20},
		models.MetricUptimeSeconds:    {"a": 7, "b": 7, "c": 7, "d": 7},
	}
	ms := []models.Metric{models.MetricPerformanceScore, models.MetricLatencyMs, models.MetricUptimeSeconds}
	cm := Correlation(pop, ms)

	if cm.InsufficientData || cm.SampleSize != 4 {
		t.Fatalf("matrix=%+v", cm)
	}
	for i := range ms[:2] {
		if cm.Values[i][i] == nil || !near(*cm.Values[i][i], 1, 1e-12) {
			t.Fatalf("self correlation of %s = %v", ms[i], cm.Values[i][i])
		}
	}
	if r := cm.Values[0][1]; r == nil || *r >= 0 || *r != *cm.Values[1][0] {
		t.Fatalf("perf~latency=%v", r)
	}
	for i := range ms {
		if cm.Values[i][2] != nil || cm.Values[2][i] != nil {
			t.Fatalf("zero-variance column must be nil at %d", i)
		}
	}

	small := Correlation(Population{models.MetricPerformanceScore: {"a": 1}}, ms[:1])
	if !small.InsufficientData || small.Values[0][0] != nil {
		t.Fatalf("small=%+v", small)
	}
}

func TestPearsonSelfCorrelationRandom(t *testing.T) {
	t.Parallel()

	for n := 2; n < 40; n++ {
		xs := make([]float64, n)
		for i := range xs {
			xs[i] = math.Sin(float64(i*7+n)) * 1e3
		}
		r := pearson(xs, xs)
		if r == nil || !near(*r, 1, 1e-12) {
			t.Fatalf("n=%d r=%v", n, r)
		}
	}
}

func TestRegress(t *testing.T) {
	t.Parallel()

	few := Regress(Population{
		models.MetricPerformanceScore: {"a": 1, "b": 2},
		models.MetricUptimeSeconds:    {"a": 1, "b": 2},
	}, models.MetricPerformanceScore, models.MetricUptimeSeconds)
	if !few.InsufficientData || few.Slope != nil || few.SampleSize != 2 {
		t.Fatalf("few=%+v", few)
	}

	flat := Regress(Population{
		models.MetricPerformanceScore: {"a": 1, "b": 2, "c": 3},
		models.MetricUptimeSeconds:    {"a": 5, "b": 5, "c": 5},
	}, models.MetricPerformanceScore, models.MetricUptimeSeconds)
	if !flat.InsufficientData {
		t.Fatalf("flat=%+v", flat)
	}

	exact := Regress(Population{
		models.MetricPerformanceScore: {"a": 3, "b": 5, "c": 7, "d": 9},
		models.MetricUptimeSeconds:    {"a": 1, "b": 2, "c": 3, "d": 4},
	}, models.MetricPerformanceScore, models.MetricUptimeSeconds)
	if exact.InsufficientData || !near(*exact.Slope, 2, tol) || !near(*exact.Intercept, 1, tol) || !near(*exact.RSquared, 1, tol) {
		t.Fatalf("exact=%+v", exact)
	}
	if exact.PValue == nil || *exact.PValue != 0 {
		t.Fatalf("perfect fit p=%v", exact.PValue)
	}

	noisy := Regress(Population{
		models.MetricPerformanceScore: {"a": 2, "b": 1, "c": 4, "d": 3, "e": 6},
		models.MetricUptimeSeconds:    {"a": 1, "b": 2, "c": 3, "d": 4, "e": 5},
	}, models.MetricPerformanceScore, models.MetricUptimeSeconds)
	if noisy.TStatistic == nil || noisy.PValue == nil || *noisy.PValue <= 0 || *noisy.PValue >= 1 {
		t.Fatalf("noisy=%+v", noisy)
	}
	if *noisy.RSquared <= 0 || *noisy.RSquared >= 1 {
		t.Fatalf("r2=%v", *noisy.RSquared)
	}
}

func TestStudentTwoTailedP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		t, df, want, eps float64
	}{
		{0, 5, 1, 1e-12},
		{1, 1, 0.5, 1e-9}, // Cauchy
		{2.228, 10, 0.05, 1e-3},
		{2.042, 30, 0.05, 1e-3},
		{-2.228, 10, 0.05, 1e-3},
	}
	for _, tt := range tests {
		if got := studentTwoTailedP(tt.t, tt.df); !near(got, tt.want, tt.eps) {
			t.Fatalf("p(t=%v, df=%v)=%v want %v", tt.t, tt.df, got, tt.want)
		}
	}
}

func TestForecastSeries(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	if f := ForecastSeries("n", models.MetricPerformanceScore, []models.Point{
		{Timestamp: start, Value: 1}, {Timestamp: start.Add(day), Value: 2},
	}, 7); f != nil {
		t.Fatalf("two points produced forecast %+v", f)
	}
	if f := ForecastSeries("n", models.MetricPerformanceScore, []models.Point{
		{Timestamp: start, Value: 1}, {Timestamp: start, Value: 2}, {Timestamp: start, Value: 3},
	}, 7); f != nil {
		t.Fatalf("same-instant points produced forecast %+v", f)
	}

	var points []models.Point
	for i := 0; i < 5; i++ {
		points = append(points, models.Point{Timestamp: start.Add(time.Duration(i) * day), Value: 10 + 2*float64(i)})
	}
	f := ForecastSeries("n", models.MetricPerformanceScore, points, 3)
	if f == nil {
		t.Fatalf("no forecast")
	}
	if !near(f.SlopePerDay, 2, tol) || !near(f.ResidualStdError, 0, tol) || len(f.Points) != 3 || f.HistoryPoints != 5 {
		t.Fatalf("forecast=%+v", f)
	}
	p := f.Points[0]
	if !near(p.Value, 20, tol) || !p.Timestamp.Equal(start.Add(5*day)) || p.Lower > p.Value || p.Upper < p.Value {
		t.Fatalf("first point=%+v", p)
	}

	points[2].Value += 3
	wobbly := ForecastSeries("n", models.MetricPerformanceScore, points, 1)
	if wobbly.ResidualStdError <= 0 {
		t.Fatalf("stderr=%v", wobbly.ResidualStdError)
	}
	band := wobbly.Points[0].Upper - wobbly.Points[0].Value
	if !near(band, 1.96*wobbly.ResidualStdError, 1e-9) {
		t.Fatalf("band=%v", band)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	small, err := Summarize(Population{models.MetricPerformanceScore: {"a": 1, "b": 2}}, at)
	if err != nil || !small.InsufficientData || small.PopulationSize != 2 {
		t.Fatalf("small=%+v err=%v", small, err)
	}

	pop := Population{
		models.MetricPerformanceScore: {},
		models.MetricUptimeSeconds:    {},
		models.MetricLatencyMs:        {},
	}
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		pop[models.MetricPerformanceScore][id] = float64(i * 10)
		pop[models.MetricUptimeSeconds][id] = float64(i * 1000)
		pop[models.MetricLatencyMs][id] = float64(500 - i*40)
	}

	s, err := Summarize(pop, at)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.InsufficientData || s.PopulationSize != 10 || s.MeanPerformance != 45 {
		t.Fatalf("summary=%+v", s)
	}
	if s.HighRiskCount != 2 {
		t.Fatalf("high risk=%d", s.HighRiskCount)
	}
	if len(s.RiskiestNodes) != 5 || s.RiskiestNodes[0].NodeID != "a" {
		t.Fatalf("riskiest=%+v", s.RiskiestNodes)
	}
	if !(s.Quantiles["p10"] <= s.Quantiles["p50"] && s.Quantiles["p50"] <= s.Quantiles["p90"]) || s.Quantiles["p90"] > 91 {
		t.Fatalf("quantiles=%v", s.Quantiles)
	}
	if s.Correlation == nil || len(s.Regressions) != 2 {
		t.Fatalf("summary=%+v", s)
	}
	if r := s.Regressions[0]; r.InsufficientData || !near(*r.RSquared, 1, 1e-9) {
		t.Fatalf("perf~uptime=%+v", r)
	}
	if !s.ComputedAt.Equal(at) {
		t.Fatalf("computed at %s", s.ComputedAt)
	}
}
