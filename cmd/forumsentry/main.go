// Package main wires together the sentry service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/api"
	"github.com/forumsentry/forumsentry/internal/browser"
	"github.com/forumsentry/forumsentry/internal/bypass"
	"github.com/forumsentry/forumsentry/internal/clock/system"
	"github.com/forumsentry/forumsentry/internal/config"
	"github.com/forumsentry/forumsentry/internal/discovery"
	"github.com/forumsentry/forumsentry/internal/events"
	"github.com/forumsentry/forumsentry/internal/events/sinks"
	"github.com/forumsentry/forumsentry/internal/fetcher"
	"github.com/forumsentry/forumsentry/internal/fingerprint"
	"github.com/forumsentry/forumsentry/internal/hash/sha256"
	"github.com/forumsentry/forumsentry/internal/id/uuid"
	"github.com/forumsentry/forumsentry/internal/logging"
	"github.com/forumsentry/forumsentry/internal/metrics"
	"github.com/forumsentry/forumsentry/internal/monitor"
	"github.com/forumsentry/forumsentry/internal/planner"
	"github.com/forumsentry/forumsentry/internal/probe"
	"github.com/forumsentry/forumsentry/internal/scheduler"
	snapshotgcs "github.com/forumsentry/forumsentry/internal/snapshot/gcs"
	snapshotlocal "github.com/forumsentry/forumsentry/internal/snapshot/local"
	snapshotmemory "github.com/forumsentry/forumsentry/internal/snapshot/memory"
	storagememory "github.com/forumsentry/forumsentry/internal/storage/memory"
	storagepostgres "github.com/forumsentry/forumsentry/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	clock := system.New()
	idGen := uuid.NewUUIDGenerator()
	hasher := sha256.New()
	registry := fingerprint.NewRegistry()

	store, closeStore, err := buildTargetStore(ctx, cfg)
	if err != nil {
		logger.Fatal("target store init failed", zap.Error(err))
	}
	defer closeStore()

	snapshots, err := buildSnapshotStore(ctx, cfg)
	if err != nil {
		logger.Fatal("snapshot store init failed", zap.Error(err))
	}

	browserDriver, err := browser.New(browser.Config{
		MaxParallel: cfg.Browser.MaxParallel,
		UserAgent:   cfg.Browser.UserAgent,
	})
	if err != nil {
		logger.Fatal("browser driver init failed", zap.Error(err))
	}
	defer browserDriver.Close()

	passive := fetcher.New(fetcher.Config{
		UserAgent: cfg.Browser.UserAgent,
		Timeout:   time.Duration(cfg.Probe.PassiveTimeoutSeconds) * time.Second,
	})

	var bypassClient monitor.BypassClient
	if cfg.Bypass.Endpoint != "" {
		bypassClient = bypass.New(bypass.Config{
			Endpoint:   cfg.Bypass.Endpoint,
			Timeout:    time.Duration(cfg.Bypass.TimeoutSeconds) * time.Second,
			MaxSolveMs: cfg.Bypass.MaxSolveMs,
		}, logger.Named("bypass"))
	}

	var plannerClient monitor.Planner
	if cfg.Planner.APIKey != "" {
		plannerClient = planner.New(planner.Config{
			Endpoint: cfg.Planner.Endpoint,
			APIKey:   cfg.Planner.APIKey,
			Model:    cfg.Planner.Model,
			Timeout:  time.Duration(cfg.Planner.TimeoutSeconds) * time.Second,
			Persona:  cfg.Planner.Persona,
		}, logger.Named("planner"))
	}

	hub, closePubSub, err := buildEventHub(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("event hub init failed", zap.Error(err))
	}
	defer closePubSub()

	engine := probe.New(
		browserDriver,
		registry,
		passive,
		bypassClient,
		plannerClient,
		snapshots,
		hasher,
		probe.Config{
			NavigationTimeout: time.Duration(cfg.Probe.NavTimeoutSeconds) * time.Second,
			PassiveTimeout:    time.Duration(cfg.Probe.PassiveTimeoutSeconds) * time.Second,
			FallbackPathLimit: cfg.Probe.FallbackPathLimit,
			SnapshotPrefix:    cfg.Snapshot.Prefix,
		},
		logger.Named("probe"),
	)

	sched := scheduler.New(store, engine, hub, clock, scheduler.Config{
		Interval:           cfg.SchedulerInterval(),
		Jitter:             cfg.SchedulerJitter(),
		ProbeTimeout:       cfg.ProbeTimeout(),
		TargetPause:        time.Duration(cfg.Scheduler.TargetPauseSeconds) * time.Second,
		StaleCheckingAfter: time.Duration(cfg.Scheduler.StaleCheckingMinutes) * time.Minute,
	}, logger.Named("scheduler"))

	var poller *discovery.Poller
	if cfg.Discovery.FeedURL != "" {
		feed, feedErr := discovery.NewHTTPFeed(passive, cfg.Discovery.FeedURL)
		if feedErr != nil {
			logger.Fatal("discovery feed init failed", zap.Error(feedErr))
		}
		poller = discovery.NewPoller(
			feed,
			&candidateRegistrar{store: store, idGen: idGen, clock: clock},
			clock,
			discovery.Config{
				Interval:        time.Duration(cfg.Discovery.IntervalSeconds) * time.Second,
				Jitter:          time.Duration(cfg.Discovery.JitterSeconds) * time.Second,
				Keywords:        cfg.Discovery.Keywords,
				DenylistDomains: cfg.Discovery.DenylistDomains,
			},
			logger.Named("discovery"),
		)
	}

	apiCfg := api.Config{}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(store, sched, poller, idGen, clock, apiCfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started",
			zap.Duration("interval", cfg.SchedulerInterval()),
			zap.Duration("jitter", cfg.SchedulerJitter()),
		)
		sched.Run(ctx)
	}()

	if poller != nil {
		go func() {
			logger.Info("discovery poller started", zap.String("feed", cfg.Discovery.FeedURL))
			poller.Run(ctx)
		}()
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildTargetStore(ctx context.Context, cfg config.Config) (monitor.TargetStore, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		store, err := storagepostgres.NewTargetStore(ctx, storagepostgres.TargetStoreConfig{
			DSN:   cfg.Storage.DSN,
			Table: cfg.Storage.Table,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return storagememory.NewTargetStore(), func() {}, nil
	}
}

func buildSnapshotStore(ctx context.Context, cfg config.Config) (monitor.SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case "memory":
		return snapshotmemory.New(), nil
	case "local":
		return snapshotlocal.New(snapshotlocal.Config{BaseDir: cfg.Snapshot.BaseDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return snapshotgcs.New(client, snapshotgcs.Config{Bucket: cfg.Snapshot.GCSBucket})
	default:
		// Snapshot archiving disabled.
		return nil, nil
	}
}

func buildEventHub(ctx context.Context, cfg config.Config, logger *zap.Logger) (*events.Hub, func(), error) {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus sink: %w", err)
	}
	hubSinks := []events.Sink{
		sinks.NewLogSink(logger.Named("events")),
		promSink,
	}
	closePubSub := func() {}

	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		hubSinks = append(hubSinks, sinks.NewPubSubSink(client.Topic(cfg.PubSub.TopicName)))
		closePubSub = func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("pubsub client close error", zap.Error(closeErr))
			}
		}
	}

	hub := events.NewHub(events.Config{
		Logger: logger.Named("hub"),
	}, hubSinks...)
	return hub, closePubSub, nil
}

// candidateRegistrar adapts the target store to the discovery callback. A
// candidate URL already present in the collection is reported as a
// duplicate, not re-added.
type candidateRegistrar struct {
	store monitor.TargetStore
	idGen monitor.IDGenerator
	clock monitor.Clock
}

func (r *candidateRegistrar) AddCandidate(ctx context.Context, url string) (bool, error) {
	existing, err := r.store.LoadAll(ctx)
	if err != nil {
		return false, fmt.Errorf("list targets: %w", err)
	}
	for _, t := range existing {
		if t.URL == url {
			return false, nil
		}
	}
	id, err := r.idGen.NewID()
	if err != nil {
		return false, fmt.Errorf("generate target id: %w", err)
	}
	target := monitor.Target{
		ID:        id,
		URL:       url,
		Status:    monitor.StatusIdle,
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.Upsert(ctx, target); err != nil {
		return false, fmt.Errorf("store target: %w", err)
	}
	return true, nil
}
