package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/apflow/apflow/internal/feedback"
	jobmetrics "github.com/apflow/apflow/internal/jobs"
)

// FeedbackAnalyzeJob runs the weekly correction-pattern analysis.
type FeedbackAnalyzeJob struct {
	Service *feedback.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewFeedbackAnalyzeJob initialises the analysis handler.
func NewFeedbackAnalyzeJob(svc *feedback.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *FeedbackAnalyzeJob {
	return &FeedbackAnalyzeJob{Service: svc, Logger: logger, Metrics: metrics}
}

// Handle runs one analysis pass.
func (j *FeedbackAnalyzeJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("feedback analyze: handler not configured")
	}
	tracker := j.metrics().Track(TaskFeedbackAnalyze)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Service.Analyze(ctx)
	if err != nil {
		resultErr = err
		j.logger().Error("feedback analysis failed", slog.Any("error", err))
		return resultErr
	}
	j.logger().Info("feedback analysis complete",
		slog.Int("corrections", res.TotalCorrections),
		slog.Int("recommendations", res.Created),
	)
	return resultErr
}

func (j *FeedbackAnalyzeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskFeedbackAnalyze))
	}
	return slog.Default().With(slog.String("job", TaskFeedbackAnalyze))
}

func (j *FeedbackAnalyzeJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
