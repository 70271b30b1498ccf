package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/orgcoord/internal/api"
	"github.com/jordanhubbard/orgcoord/internal/auth"
	"github.com/jordanhubbard/orgcoord/internal/cache"
	"github.com/jordanhubbard/orgcoord/internal/consumer"
	"github.com/jordanhubbard/orgcoord/internal/coordinator"
	"github.com/jordanhubbard/orgcoord/internal/logging"
	"github.com/jordanhubbard/orgcoord/internal/messagebus"
	"github.com/jordanhubbard/orgcoord/internal/metrics"
	"github.com/jordanhubbard/orgcoord/internal/notify"
	"github.com/jordanhubbard/orgcoord/internal/records"
	"github.com/jordanhubbard/orgcoord/internal/statestore"
	"github.com/jordanhubbard/orgcoord/internal/telemetry"
	"github.com/jordanhubbard/orgcoord/internal/temporal"
	"github.com/jordanhubbard/orgcoord/pkg/config"
)

const version = "0.1.0"

// healthTimeout bounds each backend ping made by GET /health
const healthTimeout = 2 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if *showVersion {
		fmt.Printf("orgcoord v%s\n", version)
		return
	}

	logs := logging.NewManager(logging.DefaultBufferSize)
	logs.InstallLogInterceptor(os.Stderr)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}
	applyEnv(cfg)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(context.Background(), cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	m := metrics.NewMetrics()
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Printf("close error: %v", err)
			}
		}
	}()

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}

	source, err := openRecords(cfg.Records)
	if err != nil {
		log.Fatalf("failed to open records source: %v", err)
	}
	if c, ok := source.(io.Closer); ok {
		closers = append(closers, c)
	}

	queue, err := openQueue(cfg.Queue, m)
	if err != nil {
		log.Fatalf("failed to open task queue: %v", err)
	}
	closers = append(closers, queue)

	notifier, eventLog, err := buildNotifier(cfg.Notify, queue, m, &closers)
	if err != nil {
		log.Fatalf("failed to configure notifiers: %v", err)
	}

	watchers := coordinator.NewHub(32)
	defer watchers.Close()

	registry, err := coordinator.NewRegistry(coordinator.Deps{
		Store:    store,
		Records:  source,
		Queue:    queue,
		Notifier: notifier,
		Metrics:  m,
		Watchers: watchers,
		Policy: coordinator.Policy{
			LocatorTTL:         cfg.Coordinator.LocatorTTL,
			RetryCeiling:       cfg.Coordinator.RetryCeiling,
			HighValueThreshold: cfg.Coordinator.HighValueThreshold,
		},
		IdleTimeout:   cfg.Coordinator.ActorIdleTimeout,
		NotifyTimeout: cfg.Coordinator.NotifyTimeout,
	})
	if err != nil {
		log.Fatalf("failed to create coordinator registry: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerDone := make(chan struct{})
	if err := startConsumer(runCtx, cfg, queue, registry, m, workerDone); err != nil {
		log.Fatalf("failed to start consumer: %v", err)
	}

	var scheduler *temporal.Manager
	if cfg.Temporal.Enabled {
		scheduler, err = temporal.NewManager(&cfg.Temporal, registry)
		if err != nil {
			log.Printf("Warning: Temporal unavailable, scheduled orchestration disabled: %v", err)
		} else if err := scheduler.Start(); err != nil {
			log.Printf("Warning: %v", err)
			scheduler.Stop()
			scheduler = nil
		} else if err := scheduler.StartScheduledOrchestration(runCtx); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	apiServer := api.NewServer(registry, watchers, m)
	apiServer.AddHealthCheck("queue", queue.Health)
	apiServer.AddHealthDetail("queue", func() interface{} { return queue.Stats() })
	if p, ok := store.(api.Pinger); ok {
		apiServer.AddHealthCheck("store", api.PingCheck(p, healthTimeout))
	}
	if p, ok := source.(api.Pinger); ok {
		apiServer.AddHealthCheck("records", api.PingCheck(p, healthTimeout))
	}
	if eventLog != nil {
		apiServer.AddHealthCheck("event_log", api.PingCheck(eventLog, healthTimeout))
	}

	sampler := &metrics.Sampler{Metrics: m, Interval: cfg.Server.StatsInterval}
	if pc, ok := store.(statestore.PhaseCounter); ok {
		sampler.PhaseCounts = func(ctx context.Context) (map[string]int, error) {
			return phaseCounts(ctx, pc)
		}
		apiServer.AddHealthDetail("phases", func() interface{} {
			ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
			defer cancel()
			counts, err := phaseCounts(ctx, pc)
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return counts
		})
	}
	if cr, ok := source.(*cachedRecords); ok {
		sampler.CacheStats = func() (int64, int64, int64) {
			st := cr.GetStats()
			return st.Hits, st.Misses, st.TotalEntries
		}
		apiServer.AddHealthDetail("records_cache", func() interface{} { return cr.GetStats() })
	}
	go sampler.Run(runCtx)

	apiServer.SetLogs(logs)
	if cfg.Auth.Enabled {
		am, err := auth.NewManager(cfg.Auth)
		if err != nil {
			log.Fatalf("failed to configure auth: %v", err)
		}
		apiServer.SetAuth(am)
		log.Printf("API authentication enabled with %d API key(s)", len(cfg.Auth.APIKeys))
	}
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "orgcoord-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("orgcoord API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	cancel()
	<-workerDone
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := registry.Close(); err != nil {
		log.Printf("registry close error: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("Config file %s not found, using defaults", path)
		return config.DefaultConfig(), nil
	}
	return config.LoadConfigFromFile(path)
}

// applyEnv overrides connection settings from the environment
func applyEnv(cfg *config.Config) {
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Queue.URL = v
		log.Printf("Using NATS URL from environment: %s", v)
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Store.DSN = v
		cfg.Records.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("TEMPORAL_HOST"); v != "" {
		cfg.Temporal.Host = v
		log.Printf("Using Temporal host from environment: %s", v)
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		cfg.Temporal.Namespace = v
	}
	if v := os.Getenv("ORGCOORD_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

func openStore(cfg config.StoreConfig) (statestore.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return statestore.NewPostgres(cfg.DSN)
	case "redis":
		return statestore.NewRedis(context.Background(), cfg.RedisURL, cfg.KeyPrefix)
	default:
		log.Println("Using in-memory state store; state will not survive a restart")
		return statestore.NewMemoryStore(), nil
	}
}

func openRecords(cfg config.RecordsConfig) (records.Source, error) {
	if cfg.Backend == "postgres" {
		pg, err := records.NewPostgresSource(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.CacheTTL <= 0 {
			return pg, nil
		}
		return &cachedRecords{Cache: cache.New(pg, cache.Config{TTL: cfg.CacheTTL, CleanupPeriod: time.Minute}), db: pg}, nil
	}

	src, err := records.NewFileSource(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Watch {
		if err := src.Watch(); err != nil {
			log.Printf("Warning: not watching %s for changes: %v", cfg.Path, err)
		}
	}
	return src, nil
}

// cachedRecords closes both the cache and the database behind it
type cachedRecords struct {
	*cache.Cache
	db *records.PostgresSource
}

func (c *cachedRecords) Ping(ctx context.Context) error {
	return c.db.Ping(ctx)
}

func (c *cachedRecords) Close() error {
	c.Cache.Close()
	return c.db.Close()
}

func phaseCounts(ctx context.Context, pc statestore.PhaseCounter) (map[string]int, error) {
	counts, err := pc.CountByPhase(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for phase, n := range counts {
		out[string(phase)] = n
	}
	return out, nil
}

func openQueue(cfg config.QueueConfig, m *metrics.Metrics) (messagebus.Queue, error) {
	qcfg := messagebus.Config{
		URL:            cfg.URL,
		StreamName:     cfg.StreamName,
		ConsumerPrefix: cfg.ConsumerPrefix,
		MaxDeliver:     cfg.MaxDeliver,
		AckWait:        cfg.AckWait,
		RetryDelay:     cfg.RetryDelay,
		Source:         "orgcoord",
		Metrics:        m,
	}
	if cfg.Backend == "nats" {
		return messagebus.NewNatsQueue(qcfg)
	}
	log.Println("Using in-memory task queue")
	return messagebus.NewMemoryQueue(qcfg), nil
}

// buildNotifier also returns the event log, when configured, so its database
// can be health checked
func buildNotifier(cfg config.NotifyConfig, queue messagebus.Queue, m *metrics.Metrics, closers *[]io.Closer) (notify.Notifier, *notify.EventLog, error) {
	notifiers := []notify.Notifier{notify.Log{}}
	var eventLog *notify.EventLog

	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, cfg.Timeout))
	}
	if cfg.EventLog {
		el, err := notify.NewEventLog(cfg.EventLogDSN, cfg.AccountID)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, el)
		notifiers = append(notifiers, el)
		eventLog = el
	}
	if cfg.PublishEvents {
		notifiers = append(notifiers, notify.NewBus(queue, "orgcoord"))
	}

	return notify.NewMulti(m.RecordNotification, notifiers...), eventLog, nil
}

// startConsumer runs the queue consumer until ctx ends; done closes when it stops
func startConsumer(ctx context.Context, cfg *config.Config, queue messagebus.Queue, reg *coordinator.Registry, m *metrics.Metrics, done chan struct{}) error {
	if !cfg.Consumer.Enabled || len(cfg.Agents.Endpoints) == 0 {
		log.Println("Queue consumer disabled; tasks wait for an external consumer")
		close(done)
		return nil
	}

	agents, err := consumer.HTTPAgents(cfg.Agents.Endpoints, cfg.Agents.Timeout)
	if err != nil {
		close(done)
		return err
	}

	var router consumer.Router = consumer.LocalRouter{Registry: reg}
	if cfg.Consumer.CoordinatorURL != "" {
		hr := consumer.NewHTTPRouter(cfg.Consumer.CoordinatorURL, cfg.Consumer.DeliverTimeout)
		hr.APIKey = cfg.Consumer.APIKey
		router = hr
	}

	worker := consumer.NewWorker(queue, router, agents, consumer.Config{
		Concurrency:    cfg.Consumer.Concurrency,
		AgentTimeout:   cfg.Agents.Timeout,
		DeliverTimeout: cfg.Consumer.DeliverTimeout,
	}, m)

	go func() {
		defer close(done)
		log.Printf("Queue consumer running for %v", worker.Kinds())
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Queue consumer stopped: %v", err)
		}
	}()
	return nil
}

func printHelp() {
	fmt.Println("Usage: orgcoord [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file (default: config.yaml)")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  NATS_URL, POSTGRES_DSN, REDIS_URL  Backend connection overrides")
	fmt.Println("  TEMPORAL_HOST, TEMPORAL_NAMESPACE  Temporal connection overrides")
	fmt.Println("  OTEL_EXPORTER_OTLP_ENDPOINT        OpenTelemetry collector endpoint")
	fmt.Println("  ORGCOORD_JWT_SECRET                Signing secret for API tokens")
}
