package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"voicebridge/internal/auth"
	"voicebridge/internal/awsutil"
	"voicebridge/internal/batch"
	"voicebridge/internal/bootstrap"
	"voicebridge/internal/config"
	"voicebridge/internal/dedupe"
	"voicebridge/internal/httpserver"
	"voicebridge/internal/logging"
	"voicebridge/internal/observability"
	"voicebridge/internal/providers/elevenlabs"
	sqsqueue "voicebridge/internal/queue/sqs"
	"voicebridge/internal/store/pg"
	"voicebridge/internal/tenant"
	"voicebridge/internal/usage"
)

func main() {
	cfg := config.LoadAPI()
	logger := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	// Postgres is optional; without it nothing is persisted.
	var st *pg.Store
	if cfg.DBDSN != "" {
		db, err := pg.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Error("api db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		st = pg.New(db)
	} else {
		logger.Warn("DB_DSN not set, persistence disabled")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		c, err := dedupe.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("api redis connect failed", "err", err)
			os.Exit(1)
		}
		defer c.Close()
		rdb = c
	}

	tenants := tenant.NewStore(cfg.AgentsDir, logger)
	if cfg.AgentsWatch {
		go func() {
			if err := tenants.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("tenant watch stopped", "err", err)
			}
		}()
	}

	el := elevenlabs.NewClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsBaseURL, cfg.ElevenLabsHTTPTimeout)

	variants, err := usage.ParseVariants(cfg.AnalyticsVariants)
	if err != nil {
		logger.Error("invalid USAGE_ANALYTICS_VARIANTS", "err", err)
		os.Exit(1)
	}
	aggregator := &usage.Aggregator{
		Client:                el,
		Variants:              variants,
		Retry:                 elevenlabs.RetryPolicy{MaxAttempts: cfg.MaxRounds, Base: cfg.BackoffBase, Factor: cfg.BackoffFactor},
		PageSize:              cfg.PageSize,
		MaxPages:              cfg.MaxPages,
		FallbackCreditsPerSec: cfg.CreditsPerSecFallback,
		Logger:                logger,
	}

	dispatcher := &batch.Dispatcher{
		Client:      el,
		Mode:        cfg.BatchMode,
		Retry:       elevenlabs.RetryPolicy{MaxAttempts: cfg.BatchMaxAttempts, Base: time.Second, Factor: 1.5},
		Delay:       cfg.BatchDelay,
		Concurrency: cfg.BatchConcurrency,
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "elevenlabs",
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
		Logger: logger,
	}
	if cfg.BatchRPS > 0 {
		dispatcher.Limiter = rate.NewLimiter(rate.Limit(cfg.BatchRPS), cfg.BatchBurst)
	}

	var rec bootstrap.Recorder
	if st != nil {
		rec = st
	}
	processor, err := bootstrap.Workflow(ctx, cfg.Workflow, rec, logger)
	if err != nil {
		logger.Error("api workflow init failed", "err", err)
		os.Exit(1)
	}

	tokens, err := auth.NewManager(cfg.JWTSigningSecret(), cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		logger.Error("api token manager init failed", "err", err)
		os.Exit(1)
	}
	loc, _ := time.LoadLocation(cfg.ReportTimezone)

	webhook := &httpserver.Webhook{
		Tenants:   tenants,
		Secret:    cfg.HMACSecret,
		SkipHMAC:  cfg.SkipHMAC,
		Processor: processor,
		Logger:    logger,
	}
	if rdb != nil {
		webhook.Dedupe = dedupe.New(rdb, cfg.WebhookDedupeTTL)
	}
	if cfg.WebhookEventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.Queue)
		if err != nil {
			logger.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		webhook.Queue = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.WebhookEventsQueueURL, GroupBuckets: 16}
		logger.Info("webhook events are queued", "queue_url", cfg.WebhookEventsQueueURL)
	}

	panel := &httpserver.Panel{
		Tenants:      tenants,
		Tokens:       tokens,
		Usage:        aggregator,
		Dispatcher:   dispatcher,
		USDPerCredit: cfg.USDPerCredit,
		Location:     loc,
		Logger:       logger,
	}
	twilioStatus := &httpserver.TwilioStatus{
		AuthToken: cfg.TwilioAuthToken,
		PublicURL: cfg.TwilioCallbackURL(),
		Logger:    logger,
	}
	var checks []httpserver.ReadyzCheck
	if st != nil {
		webhook.Audit = st
		panel.Batches = st
		twilioStatus.Store = st
		checks = append(checks, st.Ping)
	}
	if rdb != nil {
		checks = append(checks, func(c context.Context) error { return rdb.Ping(c).Err() })
	}

	s := httpserver.New(logger)
	webhook.Register(s.Mux)
	panel.Register(s.Mux)
	twilioStatus.Register(s.Mux)
	(&httpserver.Admin{Directory: el, Token: cfg.AdminToken, Logger: logger}).Register(s.Mux)
	httpserver.RegisterHealth(s.Mux, checks...)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsMux(prometheus.DefaultGatherer)}

	srvErrCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		logger.Info("api metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-srvErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "err", err)
			exitCode = 1
		}
	case err := <-metricsErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api metrics server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		logger.Info("api shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
