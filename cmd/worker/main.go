package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/apflow/apflow/internal/app"
	"github.com/apflow/apflow/internal/approval"
	"github.com/apflow/apflow/internal/duplicate"
	"github.com/apflow/apflow/internal/extraction"
	"github.com/apflow/apflow/internal/feedback"
	"github.com/apflow/apflow/internal/fraud"
	"github.com/apflow/apflow/internal/fx"
	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/mailbox"
	"github.com/apflow/apflow/internal/match"
	"github.com/apflow/apflow/internal/notify"
	"github.com/apflow/apflow/internal/pipeline"
	"github.com/apflow/apflow/internal/platform/blob"
	"github.com/apflow/apflow/internal/platform/cache"
	"github.com/apflow/apflow/internal/platform/db"
	"github.com/apflow/apflow/internal/procurement"
	"github.com/apflow/apflow/internal/recurring"
	"github.com/apflow/apflow/internal/rules"
	"github.com/apflow/apflow/internal/sla"
	"github.com/apflow/apflow/internal/users"
	"github.com/apflow/apflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	store, err := blob.NewMinioStore(blob.MinioConfig{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		UseTLS:    cfg.BlobUseTLS,
	})
	if err != nil {
		logger.Error("connect blob store", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("create job client", slog.Any("error", err))
		os.Exit(1)
	}

	usersRepo := users.NewRepository(pool)

	feedbackRepo := feedback.NewRepository(pool)
	feedbackService := feedback.NewService(feedbackRepo, logger)

	invoiceRepo := invoice.NewRepository(pool)
	invoiceService := invoice.NewService(invoiceRepo, store, cfg.BlobBucket, queue, feedbackService, logger)

	sender := notify.NewSender(smtpConfig(cfg), logger)
	notifier := notify.NewNotifier(sender, usersRepo, logger)

	approvalRepo := approval.NewRepository(pool)
	approvalTokens := approval.NewTokens([]byte(cfg.ApprovalTokenSecret))
	approvalService := approval.NewService(approvalRepo, invoiceRepo, approvalTokens, notifier, approval.Config{
		BaseURL:            cfg.AppBaseURL,
		TokenTTL:           time.Duration(cfg.ApprovalTokenExpireHours) * time.Hour,
		DefaultDueHours:    cfg.ApprovalDueHours,
		CriticalFraudScore: cfg.FraudCriticalThreshold,
	}, logger)

	llm := extraction.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)
	extractor := extraction.NewService(llm, extraction.NewPGCallLogger(pool), logger)

	rulesRepo := rules.NewRepository(pool)
	rulesCache := rules.NewCache(redisClient, 5*time.Minute)
	rulesService := rules.NewService(rulesRepo, rulesCache, extraction.NewPolicyExtractor(llm), logger)

	procurementRepo := procurement.NewRepository(pool)
	matchEngine := match.NewEngine(invoiceRepo, procurementRepo, rulesService,
		match.NewRepository(pool), approvalService, logger)

	duplicates := duplicate.NewDetector(duplicate.NewRepository(pool), duplicate.Config{
		AmountTolerancePct: cfg.DuplicateAmountTolerancePct,
		DateWindowDays:     cfg.DuplicateDateWindowDays,
	}, logger)

	thresholds := fraud.Thresholds{
		Medium:   cfg.FraudMediumThreshold,
		High:     cfg.FraudHighThreshold,
		Critical: cfg.FraudCriticalThreshold,
	}
	scorer := fraud.NewScorer(fraud.NewRepository(pool), fraud.Config{
		Thresholds:          thresholds,
		DuplicateWindowDays: cfg.DuplicateWindowDays,
	})

	orchestrator := pipeline.NewOrchestrator(invoiceRepo, pipeline.NewRepository(pool), store,
		extraction.NewFitzOCR(llm), extractor, fx.NewStaticConverter(cfg.ReferenceCurrency),
		duplicates, scorer, matchEngine, pipeline.Config{
			Bucket:                cfg.BlobBucket,
			OCRMinConfidence:      cfg.OCRMinConfidence,
			DualPassMaxMismatches: cfg.DualPassMaxMismatch,
			FraudThresholds:       thresholds,
		}, logger)

	processJob := jobs.NewProcessInvoiceJob(orchestrator, invoiceRepo, logger, nil)

	poller := mailbox.NewPoller(cfg.InboxDir, invoiceService, cfg.InboxConcurrency, logger)
	mailboxJob := jobs.NewMailboxPollJob(poller, logger, nil)

	slaRepo := sla.NewRepository(pool)
	sweeper := sla.NewSweeper(invoiceRepo, slaRepo, notifier, sla.Config{
		WarningDays: cfg.SLAWarningDaysBefore,
		Recipients:  cfg.SLAAlertRecipients,
	}, logger)
	slaJob := jobs.NewSLASweepJob(sweeper, logger, nil)

	detector := recurring.NewDetector(recurring.NewRepository(pool), logger)
	recurringJob := jobs.NewRecurringDetectJob(detector, logger, nil)

	feedbackJob := jobs.NewFeedbackAnalyzeJob(feedbackService, logger, nil)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskProcessInvoice, Handler: processJob.Handle},
			{Type: jobs.TaskMailboxPoll, Handler: mailboxJob.Handle},
			{Type: jobs.TaskSLASweep, Handler: slaJob.HandleSweep},
			{Type: jobs.TaskComplianceExpiry, Handler: slaJob.HandleComplianceExpiry},
			{Type: jobs.TaskRecurringDetect, Handler: recurringJob.Handle},
			{Type: jobs.TaskFeedbackAnalyze, Handler: feedbackJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CronMailboxPoll, Task: jobs.NewScheduledTask(jobs.TaskMailboxPoll)},
			{Spec: cfg.CronSLASweep, Task: jobs.NewScheduledTask(jobs.TaskSLASweep)},
			{Spec: cfg.CronComplianceExpiry, Task: jobs.NewScheduledTask(jobs.TaskComplianceExpiry)},
			{Spec: cfg.CronRecurringScan, Task: jobs.NewScheduledTask(jobs.TaskRecurringDetect)},
			{Spec: cfg.CronFeedbackAnalysis, Task: jobs.NewScheduledTask(jobs.TaskFeedbackAnalyze)},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func smtpConfig(cfg *app.Config) notify.SMTPConfig {
	out := notify.SMTPConfig{Port: cfg.SMTPPort, From: cfg.SMTPFrom}
	if cfg.MailEnabled {
		out.Host = cfg.SMTPHost
	}
	return out
}
