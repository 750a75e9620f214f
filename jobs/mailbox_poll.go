package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/apflow/apflow/internal/jobs"
	"github.com/apflow/apflow/internal/mailbox"
)

// MailboxPollJob drains the AP mailbox drop directory on a schedule.
type MailboxPollJob struct {
	Poller  *mailbox.Poller
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMailboxPollJob initialises the mailbox handler.
func NewMailboxPollJob(poller *mailbox.Poller, logger *slog.Logger, metrics *jobmetrics.Metrics) *MailboxPollJob {
	return &MailboxPollJob{Poller: poller, Logger: logger, Metrics: metrics}
}

// Handle runs one poll pass. Per-file failures are absorbed by the
// poller; only infrastructure errors trigger a retry.
func (j *MailboxPollJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Poller == nil {
		return errors.New("mailbox poll: handler not configured")
	}
	start := time.Now()
	tracker := j.metrics().Track(TaskMailboxPoll)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Poller.Poll(ctx)
	if err != nil {
		resultErr = err
		j.logger().Error("mailbox poll failed", slog.Any("error", err))
		return resultErr
	}
	j.logger().Info("mailbox poll complete",
		slog.Int("files", res.Files),
		slog.Int("ingested", res.Ingested),
		slog.Int("errors", res.Errors),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *MailboxPollJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMailboxPoll))
	}
	return slog.Default().With(slog.String("job", TaskMailboxPoll))
}

func (j *MailboxPollJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
