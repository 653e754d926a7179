package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"

	"voicebridge/internal/awsutil"
	"voicebridge/internal/bootstrap"
	"voicebridge/internal/config"
	"voicebridge/internal/httpserver"
	"voicebridge/internal/logging"
	"voicebridge/internal/observability"
	sqsqueue "voicebridge/internal/queue/sqs"
	"voicebridge/internal/store/pg"
	"voicebridge/internal/tenant"
	"voicebridge/internal/webhook"
	"voicebridge/internal/workflow"
)

func main() {
	cfg := config.LoadProcessor()
	logger := logging.Init("webhook-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("webhook-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.Queue)
	if err != nil {
		logger.Error("webhook-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	tenants := tenant.NewStore(cfg.AgentsDir, logger)
	if cfg.AgentsWatch {
		go func() {
			if err := tenants.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("tenant watch stopped", "err", err)
			}
		}()
	}

	processor, err := bootstrap.Workflow(ctx, cfg.Workflow, st, logger)
	if err != nil {
		logger.Error("webhook-processor workflow init failed", "err", err)
		os.Exit(1)
	}

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.WebhookEventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
		Logger:            logger,
	}
	handler := &eventHandler{tenants: tenants, processor: processor, audit: st, logger: logger}

	// health + metrics servers
	health := httpserver.New(logger)
	httpserver.RegisterHealth(health.Mux,
		st.Ping,
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.WebhookEventsQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsMux(prometheus.DefaultGatherer)}

	healthErrCh := make(chan error, 1)
	go func() {
		logger.Info("webhook-processor health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		logger.Info("webhook-processor metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		logger.Info("webhook-processor starting poll", "queue_url", cfg.WebhookEventsQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.ProcessorConcurrency, func(ctx context.Context, job sqsqueue.EventJob) (err error) {
			start := time.Now()
			defer func() {
				if err != nil {
					logger.Info("webhook job finish", "event_id", job.ID, "status", "error", "duration", time.Since(start), "err", err)
				} else {
					logger.Info("webhook job finish", "event_id", job.ID, "status", "ok", "duration", time.Since(start))
				}
			}()
			return handler.handle(ctx, job)
		})
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("webhook-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("webhook-processor health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("webhook-processor metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("webhook-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		logger.Info("webhook-processor shutdown timeout waiting for poll loop")
	}
}

type tenantLookup interface {
	BySlug(slug string) (tenant.Config, error)
}

type eventProcessor interface {
	Process(ctx context.Context, cfg tenant.Config, ev webhook.Event) (workflow.Result, error)
}

type eventAudit interface {
	MarkWebhookEvent(ctx context.Context, id, status string) error
}

type eventHandler struct {
	tenants   tenantLookup
	processor eventProcessor
	audit     eventAudit
	logger    *slog.Logger
}

// handle returns an error only for failures worth a redelivery. A tenant
// removed after the event was queued is dropped.
func (h *eventHandler) handle(ctx context.Context, job sqsqueue.EventJob) error {
	cfg, err := h.tenants.BySlug(job.TenantSlug)
	if errors.Is(err, tenant.ErrNotFound) {
		h.mark(ctx, job.ID, "tenant_missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("tenant %s: %w", job.TenantSlug, err)
	}

	res, err := h.processor.Process(ctx, cfg, job.Event)
	if err != nil {
		return err
	}
	h.mark(ctx, job.ID, res.Status)
	return nil
}

func (h *eventHandler) mark(ctx context.Context, id, status string) {
	if h.audit == nil || id == "" {
		return
	}
	// Bounded so a slow database does not hold the message past its visibility.
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.audit.MarkWebhookEvent(dbCtx, id, status); err != nil {
		h.logger.Warn("mark webhook event failed", "event_id", id, "status", status, "err", err)
	}
}
