package analytics

import (
	"math"
	"sync"

	"pnode-monitor/internal/models"
)

const (
	DefaultWindowSize      = 50
	DefaultZScoreThreshold = 2.0
	minAnomalySamples      = 10
	maxRecentAnomalies     = 100
)

// Analyzer flags samples that deviate from the rolling mean of the window
// by more than zScoreThreshold sample standard deviations. One Analyzer
// tracks one series.
type Analyzer struct {
	entityID        string
	metric          models.Metric
	windowSize      int
	zScoreThreshold float64
	window          []float64
	anomalies       []models.AnalysisResult
	stats           models.AnalyticsStats
	mu              sync.RWMutex
}

func NewAnalyzer(entityID string, metric models.Metric, windowSize int, zScoreThreshold float64) *Analyzer {
	if windowSize < 2 {
		windowSize = DefaultWindowSize
	}
	if zScoreThreshold <= 0 {
		zScoreThreshold = DefaultZScoreThreshold
	}
	return &Analyzer{
		entityID:        entityID,
		metric:          metric,
		windowSize:      windowSize,
		zScoreThreshold: zScoreThreshold,
		window:          make([]float64, 0, windowSize),
		anomalies:       make([]models.AnalysisResult, 0, 16),
		stats: models.AnalyticsStats{
			EntityID:        entityID,
			Metric:          metric,
			WindowSize:      windowSize,
			ZScoreThreshold: zScoreThreshold,
		},
	}
}

func (a *Analyzer) Analyze(p models.Point) models.AnalysisResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window = append(a.window, p.Value)
	if len(a.window) > a.windowSize {
		a.window = a.window[1:]
	}

	rollingAvg := a.rollingAverage()
	zScore := a.zScore(p.Value, rollingAvg)
	isAnomaly := math.Abs(zScore) > a.zScoreThreshold && len(a.window) >= minAnomalySamples

	result := models.AnalysisResult{
		Timestamp:      p.Timestamp,
		EntityID:       a.entityID,
		Metric:         a.metric,
		Value:          p.Value,
		RollingAverage: rollingAvg,
		ZScore:         zScore,
		IsAnomaly:      isAnomaly,
	}

	a.stats.RollingAverage = rollingAvg
	a.stats.TotalSamples++

	if isAnomaly {
		a.stats.TotalAnomalies++
		a.stats.LastAnomalyTime = p.Timestamp

		a.anomalies = append(a.anomalies, result)
		if len(a.anomalies) > maxRecentAnomalies {
			a.anomalies = a.anomalies[1:]
		}
	}
	a.stats.AnomalyRate = float64(a.stats.TotalAnomalies) / float64(a.stats.TotalSamples)

	return result
}

func (a *Analyzer) rollingAverage() float64 {
	if len(a.window) == 0 {
		return 0
	}

	var sum float64
	for _, v := range a.window {
		sum += v
	}
	return sum / float64(len(a.window))
}

func (a *Analyzer) zScore(value, mean float64) float64 {
	if len(a.window) < 2 {
		return 0
	}

	var variance float64
	for _, v := range a.window {
		diff := v - mean
		variance += diff * diff
	}

	stdDev := math.Sqrt(variance / float64(len(a.window)-1))
	if stdDev == 0 {
		return 0
	}
	return (value - mean) / stdDev
}

// Stats returns the running statistics together with the retained
// anomalies, oldest first.
func (a *Analyzer) Stats() models.AnalyticsStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := a.stats
	out.Anomalies = append([]models.AnalysisResult(nil), a.anomalies...)
	return out
}
