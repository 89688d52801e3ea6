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

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/merlab/mer-backend/pkg/api"
	"github.com/merlab/mer-backend/pkg/auth"
	"github.com/merlab/mer-backend/pkg/cleanup"
	"github.com/merlab/mer-backend/pkg/config"
	"github.com/merlab/mer-backend/pkg/hub"
	"github.com/merlab/mer-backend/pkg/logging"
	"github.com/merlab/mer-backend/pkg/metrics"
	"github.com/merlab/mer-backend/pkg/orchestrator"
	"github.com/merlab/mer-backend/pkg/pipeline"
	"github.com/merlab/mer-backend/pkg/queue"
	"github.com/merlab/mer-backend/pkg/ratelimit"
	"github.com/merlab/mer-backend/pkg/shutdown"
	"github.com/merlab/mer-backend/pkg/store"
	tlsutil "github.com/merlab/mer-backend/pkg/tls"
	"github.com/merlab/mer-backend/pkg/tracing"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed certificate at http.tls_cert/http.tls_key if missing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if *generateCert {
		if err := ensureCert(cfg.HTTP, logger); err != nil {
			logger.Error("Failed to generate certificate", map[string]interface{}{"error": err.Error()})
			logger.Close()
			os.Exit(1)
		}
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("merd exited with error", map[string]interface{}{"error": err.Error()})
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	jsonFormat := cfg.Format != "console"
	if cfg.Dir == "" {
		return logging.NewLogger(level, jsonFormat), nil
	}
	return logging.NewFileLogger(cfg.Dir, "merd", level, jsonFormat)
}

func ensureCert(cfg config.HTTPConfig, logger *logging.Logger) error {
	if cfg.TLSCert == "" || cfg.TLSKey == "" {
		return errors.New("http.tls_cert and http.tls_key must be set")
	}
	if _, err := os.Stat(cfg.TLSCert); err == nil {
		return nil
	}
	host, _ := os.Hostname()
	if err := tlsutil.GenerateSelfSigned(cfg.TLSCert, cfg.TLSKey, "mer-backend", host); err != nil {
		return err
	}
	logger.Info("Generated self-signed certificate", map[string]interface{}{
		"cert": cfg.TLSCert,
		"key":  cfg.TLSKey,
	})
	return nil
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting mer backend", map[string]interface{}{
		"version":  version,
		"addr":     cfg.HTTP.Addr,
		"database": cfg.Database.Type,
		"ack_mode": cfg.Broker.AckMode,
	})

	shutdownMgr := shutdown.New(cfg.HTTP.ShutdownTimeout, logger)

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	shutdownMgr.Register("tracing", tp.Shutdown)

	dataStore, err := store.NewStore(store.Config{
		Type:         cfg.Database.Type,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		Quota: store.Quota{
			Authenticated: cfg.Quota.Authenticated,
			Anonymous:     cfg.Quota.Anonymous,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	shutdownMgr.Register("store", shutdown.CloseResource(dataStore))

	// The pipeline mirror is optional; without it progress comes from pushed
	// stage updates alone
	var mirror pipeline.Mirror
	mongoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mongoMirror, err := pipeline.NewMongoMirror(mongoCtx, cfg.MongoURI(), cfg.Mongo.Database, cfg.Mongo.Collection)
	cancel()
	if err != nil {
		logger.Warn("pipeline mirror unavailable, continuing without it", map[string]interface{}{"error": err.Error()})
	} else {
		mirror = mongoMirror
		shutdownMgr.Register("mongo", mongoMirror.Close)
	}

	m := metrics.New()
	m.MustRegister(metrics.NewStoreCollector(dataStore))

	brokerURL := cfg.BrokerURL()
	publisher := queue.NewPublisher(brokerURL, logger)
	shutdownMgr.Register("publisher", shutdown.CloseResource(publisher))

	notifications := hub.New(m)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Poller = orchestrator.PollerConfig{
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
		StaleAfter:  cfg.Poller.StaleAfter,
	}
	orch := orchestrator.New(orchCfg, orchestrator.Deps{
		Store:     dataStore,
		Mirror:    mirror,
		Publisher: publisher,
		Notifier:  notifications,
		Logger:    logger,
		Metrics:   m,
		Tracer:    tp,
	})

	// Let an in-flight tick finish before the store closes
	poller := orch.Poller()
	shutdownMgr.Register("poller", shutdown.WaitForJobs(poller.Idle, 50*time.Millisecond))

	consumerCfg := queue.DefaultConsumerConfig(brokerURL)
	consumerCfg.AckMode = queue.AckMode(cfg.Broker.AckMode)
	consumerCfg.MaxAttempts = cfg.Broker.MaxAttempts
	consumerCfg.Prefetch = cfg.Broker.Prefetch
	consumer := queue.NewConsumer(consumerCfg, orch, logger, m, tp)

	cleanupMgr := cleanup.NewManager(cleanup.Config{
		Enabled:         cfg.Cleanup.Enabled,
		RetentionDays:   cfg.Cleanup.RetentionDays,
		Statuses:        cleanup.DefaultConfig().Statuses,
		CleanupInterval: cfg.Cleanup.Interval,
		VacuumInterval:  cfg.Cleanup.VacuumInterval,
		InitialDelay:    cleanup.DefaultConfig().InitialDelay,
		DeleteBatchSize: cleanup.DefaultConfig().DeleteBatchSize,
	}, dataStore, logger)
	cleanupMgr.Start()
	shutdownMgr.Register("cleanup", shutdown.Func(cleanupMgr.Stop))

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	proxies, err := ratelimit.ParseProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return fmt.Errorf("http.trusted_proxies: %w", err)
	}

	handler := api.NewHandler(dataStore, orch, logger)
	handler.SetRateLimiter(limiter)
	handler.SetTrustedProxies(proxies)
	adminKey, err := auth.NewAdminKey(cfg.HTTP.AdminKey, cfg.HTTP.AdminKeyHash)
	if err != nil {
		return err
	}
	if !adminKey.Enabled() {
		logger.Warn("No admin key configured, admin API disabled")
	}
	handler.SetPurger(cleanupMgr, adminKey)
	handler.SetWebSocket(hub.NewWSHandler(notifications, hub.WSConfig{
		SendBuffer:     cfg.Hub.SendBuffer,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, logger))

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tp))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.HTTP.TLSCert != "" {
		tlsCfg, err := tlsutil.ServerConfig(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}
	shutdownMgr.Register("http", shutdown.StopHTTPServer(srv))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.HTTP.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdownMgr.Register("metrics", shutdown.StopHTTPServer(metricsSrv))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", map[string]interface{}{"addr": srv.Addr, "tls": srv.TLSConfig != nil})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Metrics server listening", map[string]interface{}{"addr": metricsSrv.Addr})
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				limiter.CleanupOldLimiters(10 * time.Minute)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")
		return shutdownMgr.Shutdown()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("mer backend shutdown complete")
	return nil
}
