package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/apflow/apflow/internal/jobs"
	"github.com/apflow/apflow/internal/sla"
)

// SLASweepJob raises deadline alerts and expires stale compliance
// documents.
type SLASweepJob struct {
	Sweeper *sla.Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSLASweepJob initialises the SLA handler.
func NewSLASweepJob(sweeper *sla.Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *SLASweepJob {
	return &SLASweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// HandleSweep runs the daily deadline check.
func (j *SLASweepJob) HandleSweep(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("sla sweep: handler not configured")
	}
	start := time.Now()
	tracker := j.metrics().Track(TaskSLASweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Sweeper.Sweep(ctx)
	if err != nil {
		resultErr = err
		j.logger(TaskSLASweep).Error("sla sweep failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddSLAAlerts(string(sla.AlertCritical), res.Critical)
	j.metrics().AddSLAAlerts(string(sla.AlertWarning), res.Warning)
	j.logger(TaskSLASweep).Info("sla sweep complete",
		slog.Int("checked", res.Checked),
		slog.Int("critical", res.Critical),
		slog.Int("warning", res.Warning),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

// HandleComplianceExpiry runs the weekly compliance-document sweep.
func (j *SLASweepJob) HandleComplianceExpiry(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("compliance expiry: handler not configured")
	}
	tracker := j.metrics().Track(TaskComplianceExpiry)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	n, err := j.Sweeper.ExpireComplianceDocs(ctx)
	if err != nil {
		resultErr = err
		j.logger(TaskComplianceExpiry).Error("compliance expiry failed", slog.Any("error", err))
		return resultErr
	}
	j.logger(TaskComplianceExpiry).Info("compliance expiry complete", slog.Int64("expired", n))
	return resultErr
}

func (j *SLASweepJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *SLASweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
