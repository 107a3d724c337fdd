package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pnode-monitor/internal/alerting"
	"pnode-monitor/internal/analytics"
	"pnode-monitor/internal/api"
	"pnode-monitor/internal/cache"
	"pnode-monitor/internal/collector"
	"pnode-monitor/internal/config"
	"pnode-monitor/internal/discovery"
	"pnode-monitor/internal/logging"
	"pnode-monitor/internal/metrics"
	"pnode-monitor/internal/normalizer"
	"pnode-monitor/internal/notify"
	"pnode-monitor/internal/query"
	"pnode-monitor/internal/timeseries"
)

type store interface {
	timeseries.Store
	Health(ctx context.Context) error
}

type memoryStore struct{ *timeseries.Memory }

func (memoryStore) Health(context.Context) error { return nil }

func openStore(ctx context.Context, cfg config.StoreConfig) (store, error) {
	if cfg.Backend != config.StoreRedis {
		return memoryStore{timeseries.NewMemory()}, nil
	}
	rs, err := cache.NewRedisStore(ctx, cache.Options{
		Addr:   cfg.RedisAddr,
		DB:     cfg.RedisDB,
		Prefix: cfg.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rs, nil
}

func openSource(cfg config.DiscoveryConfig, push *discovery.PushSource) discovery.Source {
	rpc := func() *discovery.RPCSource {
		return discovery.NewRPCSource(discovery.RPCConfig{
			Seeds:   cfg.Seeds,
			Method:  cfg.Method,
			Timeout: cfg.Timeout,
		}, logging.Component("discovery"))
	}
	switch cfg.Mode {
	case config.DiscoveryPush:
		return push
	case config.DiscoveryFallback:
		return discovery.NewFallback(logging.Component("discovery"), rpc(), push)
	default:
		return rpc()
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logging.Component("main")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	var publisher notify.Publisher = notify.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		log.Info("publishing alert events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	defer publisher.Close()

	engine := alerting.NewEngine(st, alerting.Config{
		DefaultCooldownMinutes: cfg.Alerts.DefaultCooldownMinutes,
		CriticalMultiple:       cfg.Alerts.CriticalMultiple,
	}, alerting.WithPublisher(publisher), alerting.WithMetrics(m))
	for _, spec := range cfg.Alerts.Rules {
		rule, err := engine.CreateRule(spec)
		if err != nil {
			return fmt.Errorf("seed rule %q: %w", spec.Name, err)
		}
		log.Info("alert rule loaded", "rule", rule.ID, "name", rule.Name)
	}

	quant := analytics.NewService(st, analytics.Config{
		HistoryWindow:    cfg.Analytics.HistoryWindow,
		AnomalyWindow:    cfg.Analytics.AnomalyWindow,
		AnomalyThreshold: cfg.Analytics.AnomalyThreshold,
		MaxForecastDays:  cfg.Analytics.MaxForecastHorizon,
	}, m, logging.Component("analytics"))

	norm := normalizer.New(normalizer.Options{
		DelinquentAfter: cfg.Status.DelinquentAfter,
		OfflineAfter:    cfg.Status.OfflineAfter,
		Weights: normalizer.Weights{
			Uptime:  cfg.Scoring.UptimeWeight,
			Latency: cfg.Scoring.LatencyWeight,
			Version: cfg.Scoring.VersionWeight,
			Storage: cfg.Scoring.StorageWeight,
		},
		LatencyReferenceMs: cfg.Scoring.LatencyReferenceMs,
		UptimeHorizon:      cfg.Scoring.UptimeHorizon,
		LatestVersion:      cfg.Scoring.LatestVersion,
	})

	push := discovery.NewPushSource()
	coll := collector.New(openSource(cfg.Discovery, push), norm, st, engine,
		collector.Config{FetchTimeout: cfg.Collector.FetchTimeout},
		collector.WithMetrics(m), collector.WithObserver(quant))

	opts := []api.Option{api.WithGatherer(reg), api.WithHealthCheck(st.Health)}
	if cfg.Discovery.Mode != config.DiscoveryRPC {
		opts = append(opts, api.WithPushSource(push))
	}
	server := api.NewServer(query.NewService(coll, coll, engine, quant), m, opts...)

	collected := coll.Start(ctx, cfg.Collector.Interval)
	err = server.Run(ctx, cfg.HTTPAddr)
	stop()
	<-collected
	log.Info("collector drained")
	return err
}

func main() {
	configPath := flag.String("config", getEnv("PNODE_CONFIG", "config.yaml"), "path to the YAML config file")
	listen := flag.String("listen", "", "HTTP listen address, overrides http_addr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.HTTPAddr = *listen
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)

	if err := run(cfg); err != nil {
		logging.Component("main").Error("server exited", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
