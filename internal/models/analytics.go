package models

import "time"

// Nil *float64 fields below are "undefined" and encode as JSON null.

type RiskProfile struct {
	NodeID            string   `json:"node_id"`
	PerformanceScore  float64  `json:"performance_score"`
	HistoryPoints     int      `json:"history_points"`
	Volatility        *float64 `json:"volatility"`
	DownsideDeviation *float64 `json:"downside_deviation"`
	PercentileRank    float64  `json:"percentile_rank"`
	RelativeRisk      *float64 `json:"relative_risk"`
	PopulationSize    int      `json:"population_size"`
	PopulationMean    float64  `json:"population_mean"`
	PopulationStdDev  float64  `json:"population_std_dev"`
}

type Tier string

const (
	TierTop    Tier = "top"
	TierMid    Tier = "mid"
	TierBottom Tier = "bottom"
)

type Benchmark struct {
	NodeID         string             `json:"node_id"`
	Percentiles    map[Metric]float64 `json:"percentiles"`
	Tier           Tier               `json:"tier"`
	PopulationSize int                `json:"population_size"`
}

type CorrelationMatrix struct {
	Metrics          []Metric     `json:"metrics"`
	Values           [][]*float64 `json:"values"`
	SampleSize       int          `json:"sample_size"`
	InsufficientData bool         `json:"insufficient_data"`
	Reason           string       `json:"reason,omitempty"`
}

type RegressionResult struct {
	Dependent        Metric   `json:"dependent"`
	Independent      Metric   `json:"independent"`
	SampleSize       int      `json:"sample_size"`
	Slope            *float64 `json:"slope"`
	Intercept        *float64 `json:"intercept"`
	RSquared         *float64 `json:"r_squared"`
	TStatistic       *float64 `json:"t_statistic"`
	PValue           *float64 `json:"p_value"`
	InsufficientData bool     `json:"insufficient_data"`
	Reason           string   `json:"reason,omitempty"`
}

type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Lower     float64   `json:"lower"`
	Upper     float64   `json:"upper"`
}

type Forecast struct {
	NodeID           string          `json:"node_id"`
	Metric           Metric          `json:"metric"`
	HorizonDays      int             `json:"horizon_days"`
	HistoryPoints    int             `json:"history_points"`
	SlopePerDay      float64         `json:"slope_per_day"`
	Intercept        float64         `json:"intercept"`
	ResidualStdError float64         `json:"residual_std_error"`
	Points           []ForecastPoint `json:"points"`
}

// AnalysisResult is one sample checked against its rolling window.
type AnalysisResult struct {
	Timestamp      time.Time `json:"timestamp"`
	EntityID       string    `json:"entity_id"`
	Metric         Metric    `json:"metric"`
	Value          float64   `json:"value"`
	RollingAverage float64   `json:"rolling_average"`
	ZScore         float64   `json:"z_score"`
	IsAnomaly      bool      `json:"is_anomaly"`
}

// AnalyticsStats summarises an anomaly scan over one series.
type AnalyticsStats struct {
	EntityID        string           `json:"entity_id"`
	Metric          Metric           `json:"metric"`
	TotalSamples    int64            `json:"total_samples"`
	TotalAnomalies  int64            `json:"total_anomalies"`
	AnomalyRate     float64          `json:"anomaly_rate"`
	RollingAverage  float64          `json:"rolling_average"`
	LastAnomalyTime time.Time        `json:"last_anomaly_time,omitempty"`
	WindowSize      int              `json:"window_size"`
	ZScoreThreshold float64          `json:"z_score_threshold"`
	Anomalies       []AnalysisResult `json:"anomalies"`
}

type RiskEntry struct {
	NodeID           string  `json:"node_id"`
	PerformanceScore float64 `json:"performance_score"`
	RelativeRisk     float64 `json:"relative_risk"`
}

type NetworkQuantSummary struct {
	PopulationSize    int                `json:"population_size"`
	MeanPerformance   float64            `json:"mean_performance"`
	StdDevPerformance float64            `json:"std_dev_performance"`
	Quantiles         map[string]float64 `json:"quantiles,omitempty"`
	HighRiskCount     int                `json:"high_risk_count"`
	RiskiestNodes     []RiskEntry        `json:"riskiest_nodes,omitempty"`
	Correlation       *CorrelationMatrix `json:"correlation,omitempty"`
	Regressions       []RegressionResult `json:"regressions,omitempty"`
	InsufficientData  bool               `json:"insufficient_data"`
	Reason            string             `json:"reason,omitempty"`
	ComputedAt        time.Time          `json:"computed_at"`
}
