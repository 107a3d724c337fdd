package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pnode-monitor/internal/models"
)

const (
	DefaultHTTPAddr           = ":8080"
	DefaultRedisAddr          = "localhost:6379"
	DefaultRedisPrefix        = "pnode"
	DefaultRPCMethod          = "get-pods-with-stats"
	DefaultFetchTimeout       = 15 * time.Second
	DefaultCollectorInterval  = time.Minute
	DefaultDelinquentAfter    = 5 * time.Minute
	DefaultOfflineAfter       = 30 * time.Minute
	DefaultCooldownMinutes    = 15
	DefaultCriticalMultiple   = 2.0
	DefaultHistoryWindow      = 30 * 24 * time.Hour
	DefaultAnomalyWindow      = 50
	DefaultAnomalyThreshold   = 2.0
	DefaultMaxForecastHorizon = 365
	DefaultKafkaTopic         = "pnode.alerts"

	StoreMemory = "memory"
	StoreRedis  = "redis"

	DiscoveryRPC      = "rpc"
	DiscoveryPush     = "push"
	DiscoveryFallback = "fallback"
)

type Config struct {
	HTTPAddr  string          `yaml:"http_addr"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Collector CollectorConfig `yaml:"collector"`
	Status    StatusConfig    `yaml:"status"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type DiscoveryConfig struct {
	Mode    string        `yaml:"mode"`
	Seeds   []string      `yaml:"seeds"`
	Method  string        `yaml:"method"`
	Timeout time.Duration `yaml:"timeout"`
}

type CollectorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type StatusConfig struct {
	DelinquentAfter time.Duration `yaml:"delinquent_after"`
	OfflineAfter    time.Duration `yaml:"offline_after"`
}

type ScoringConfig struct {
	UptimeWeight       float64       `yaml:"uptime_weight"`
	LatencyWeight      float64       `yaml:"latency_weight"`
	VersionWeight      float64       `yaml:"version_weight"`
	StorageWeight      float64       `yaml:"storage_weight"`
	LatencyReferenceMs float64       `yaml:"latency_reference_ms"`
	UptimeHorizon      time.Duration `yaml:"uptime_horizon"`
	LatestVersion      string        `yaml:"latest_version"`
}

type AlertsConfig struct {
	DefaultCooldownMinutes int               `yaml:"default_cooldown_minutes"`
	CriticalMultiple       float64           `yaml:"critical_multiple"`
	Rules                  []models.RuleSpec `yaml:"rules"`
}

type AnalyticsConfig struct {
	HistoryWindow      time.Duration `yaml:"history_window"`
	AnomalyWindow      int           `yaml:"anomaly_window"`
	AnomalyThreshold   float64       `yaml:"anomaly_threshold"`
	MaxForecastHorizon int           `yaml:"max_forecast_horizon_days"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads a YAML config file, applies defaults and then environment
// overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyEnv overrides config values with environment variables when set.
func ApplyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	if port := getEnv("PORT", ""); port != "" {
		cfg.HTTPAddr = ":" + port
	}
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.RedisAddr = getEnv("REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisDB = getEnvInt("REDIS_DB", cfg.Store.RedisDB)
	cfg.Discovery.Mode = getEnv("DISCOVERY_MODE", cfg.Discovery.Mode)
	if seeds := splitList(getEnv("DISCOVERY_SEEDS", "")); len(seeds) > 0 {
		cfg.Discovery.Seeds = seeds
	}
	if brokers := splitList(getEnv("KAFKA_BROKERS", "")); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = DefaultRedisAddr
	}
	if cfg.Store.RedisPrefix == "" {
		cfg.Store.RedisPrefix = DefaultRedisPrefix
	}

	if cfg.Discovery.Mode == "" {
		cfg.Discovery.Mode = DiscoveryRPC
	}
	if cfg.Discovery.Method == "" {
		cfg.Discovery.Method = DefaultRPCMethod
	}
	if cfg.Discovery.Timeout == 0 {
		cfg.Discovery.Timeout = DefaultFetchTimeout
	}

	if cfg.Collector.Interval == 0 {
		cfg.Collector.Interval = DefaultCollectorInterval
	}
	if cfg.Collector.FetchTimeout == 0 {
		cfg.Collector.FetchTimeout = DefaultFetchTimeout
	}

	if cfg.Status.DelinquentAfter == 0 {
		cfg.Status.DelinquentAfter = DefaultDelinquentAfter
	}
	if cfg.Status.OfflineAfter == 0 {
		cfg.Status.OfflineAfter = DefaultOfflineAfter
	}

	s := &cfg.Scoring
	if s.UptimeWeight == 0 && s.LatencyWeight == 0 && s.VersionWeight == 0 && s.StorageWeight == 0 {
		s.UptimeWeight, s.LatencyWeight, s.VersionWeight, s.StorageWeight = 0.35, 0.25, 0.20, 0.20
	}
	if s.LatencyReferenceMs == 0 {
		s.LatencyReferenceMs = 100
	}
	if s.UptimeHorizon == 0 {
		s.UptimeHorizon = 7 * 24 * time.Hour
	}

	if cfg.Alerts.DefaultCooldownMinutes == 0 {
		cfg.Alerts.DefaultCooldownMinutes = DefaultCooldownMinutes
	}
	if cfg.Alerts.CriticalMultiple == 0 {
		cfg.Alerts.CriticalMultiple = DefaultCriticalMultiple
	}

	if cfg.Analytics.HistoryWindow == 0 {
		cfg.Analytics.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Analytics.AnomalyWindow == 0 {
		cfg.Analytics.AnomalyWindow = DefaultAnomalyWindow
	}
	if cfg.Analytics.AnomalyThreshold == 0 {
		cfg.Analytics.AnomalyThreshold = DefaultAnomalyThreshold
	}
	if cfg.Analytics.MaxForecastHorizon == 0 {
		cfg.Analytics.MaxForecastHorizon = DefaultMaxForecastHorizon
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = DefaultKafkaTopic
	}
}

// Validate performs minimal validation of values defaults cannot repair.
func Validate(cfg Config) error {
	switch cfg.Store.Backend {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreMemory, StoreRedis, cfg.Store.Backend)
	}
	switch cfg.Discovery.Mode {
	case DiscoveryRPC, DiscoveryFallback:
		if len(cfg.Discovery.Seeds) == 0 {
			return fmt.Errorf("discovery.seeds is required for mode %q", cfg.Discovery.Mode)
		}
	case DiscoveryPush:
	default:
		return fmt.Errorf("unknown discovery.mode %q", cfg.Discovery.Mode)
	}
	if cfg.Status.DelinquentAfter >= cfg.Status.OfflineAfter {
		return fmt.Errorf("status.delinquent_after (%s) must be below status.offline_after (%s)",
			cfg.Status.DelinquentAfter, cfg.Status.OfflineAfter)
	}
	s := cfg.Scoring
	if s.UptimeWeight < 0 || s.LatencyWeight < 0 || s.VersionWeight < 0 || s.StorageWeight < 0 {
		return fmt.Errorf("scoring weights must not be negative")
	}
	if cfg.Alerts.CriticalMultiple < 1 {
		return fmt.Errorf("alerts.critical_multiple must be >= 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
