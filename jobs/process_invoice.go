package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/apflow/apflow/internal/invoice"
	jobmetrics "github.com/apflow/apflow/internal/jobs"
	"github.com/apflow/apflow/internal/pipeline"
	"github.com/apflow/apflow/internal/shared"
)

// ProcessInvoiceJob drives one invoice through the pipeline.
type ProcessInvoiceJob struct {
	Orchestrator *pipeline.Orchestrator
	Invoices     invoice.Repository
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
}

// NewProcessInvoiceJob initialises the pipeline handler.
func NewProcessInvoiceJob(orc *pipeline.Orchestrator, invoices invoice.Repository, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProcessInvoiceJob {
	return &ProcessInvoiceJob{Orchestrator: orc, Invoices: invoices, Logger: logger, Metrics: metrics}
}

// Handle executes the pipeline for the invoice named in the payload.
// A missing invoice skips retry; transient failures bubble up so the
// broker retries with backoff.
func (j *ProcessInvoiceJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Orchestrator == nil {
		return errors.New("process invoice: handler not configured")
	}
	var payload ProcessInvoicePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger().With(slog.String("invoice_id", payload.InvoiceID.String()))
	start := time.Now()
	tracker := j.metrics().Track(TaskProcessInvoice)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger.Info("starting invoice pipeline")
	if err := j.Orchestrator.Process(ctx, payload.InvoiceID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			logger.Warn("invoice not found, dropping task")
			return asynq.SkipRetry
		}
		resultErr = err
		logger.Error("pipeline run failed", slog.Any("error", err))
		return resultErr
	}

	if j.Invoices != nil {
		if inv, err := j.Invoices.Get(ctx, payload.InvoiceID); err == nil {
			j.metrics().AddPipelineOutcome(string(inv.Status))
		}
	}
	logger.Info("completed invoice pipeline", slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *ProcessInvoiceJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskProcessInvoice))
	}
	return slog.Default().With(slog.String("job", TaskProcessInvoice))
}

func (j *ProcessInvoiceJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
