package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/apflow/apflow/internal/jobs"
	"github.com/apflow/apflow/internal/recurring"
)

// RecurringDetectJob refreshes per-vendor recurring patterns weekly.
type RecurringDetectJob struct {
	Detector *recurring.Detector
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewRecurringDetectJob initialises the detection handler.
func NewRecurringDetectJob(detector *recurring.Detector, logger *slog.Logger, metrics *jobmetrics.Metrics) *RecurringDetectJob {
	return &RecurringDetectJob{Detector: detector, Logger: logger, Metrics: metrics}
}

// Handle runs one detection pass.
func (j *RecurringDetectJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Detector == nil {
		return errors.New("recurring detect: handler not configured")
	}
	start := time.Now()
	tracker := j.metrics().Track(TaskRecurringDetect)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Detector.Run(ctx)
	if err != nil {
		resultErr = err
		j.logger().Error("recurring detection failed", slog.Any("error", err))
		return resultErr
	}
	j.logger().Info("recurring detection complete",
		slog.Int("vendors", res.Vendors),
		slog.Int("updated", res.Updated),
		slog.Int("skipped", res.Skipped),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *RecurringDetectJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRecurringDetect))
	}
	return slog.Default().With(slog.String("job", TaskRecurringDetect))
}

func (j *RecurringDetectJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
