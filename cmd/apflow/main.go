package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/apflow/apflow/internal/app"
	"github.com/apflow/apflow/internal/approval"
	"github.com/apflow/apflow/internal/audit"
	audithttp "github.com/apflow/apflow/internal/audit/http"
	"github.com/apflow/apflow/internal/exception"
	"github.com/apflow/apflow/internal/extraction"
	"github.com/apflow/apflow/internal/feedback"
	"github.com/apflow/apflow/internal/invoice"
	"github.com/apflow/apflow/internal/notify"
	"github.com/apflow/apflow/internal/observability"
	"github.com/apflow/apflow/internal/platform/blob"
	"github.com/apflow/apflow/internal/platform/cache"
	"github.com/apflow/apflow/internal/platform/db"
	"github.com/apflow/apflow/internal/rules"
	"github.com/apflow/apflow/internal/users"
	"github.com/apflow/apflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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
	if err := store.EnsureBucket(ctx, cfg.BlobBucket); err != nil {
		logger.Error("ensure bucket", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("create job client", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	usersRepo := users.NewRepository(pool)
	usersService := users.NewService(usersRepo)
	usersHandler := users.NewHandler(logger, usersService)

	feedbackRepo := feedback.NewRepository(pool)
	feedbackService := feedback.NewService(feedbackRepo, logger)
	feedbackHandler := feedback.NewHandler(feedbackService, logger)

	invoiceRepo := invoice.NewRepository(pool)
	invoiceService := invoice.NewService(invoiceRepo, store, cfg.BlobBucket, queue, feedbackService, logger)
	invoiceHandler := invoice.NewHandler(invoiceService, logger)

	sender := notify.NewSender(notify.SMTPConfig{
		Host: smtpHost(cfg),
		Port: cfg.SMTPPort,
		From: cfg.SMTPFrom,
	}, logger)
	notifier := notify.NewNotifier(sender, usersRepo, logger)

	approvalRepo := approval.NewRepository(pool)
	approvalTokens := approval.NewTokens([]byte(cfg.ApprovalTokenSecret))
	approvalService := approval.NewService(approvalRepo, invoiceRepo, approvalTokens, notifier, approval.Config{
		BaseURL:            cfg.AppBaseURL,
		TokenTTL:           time.Duration(cfg.ApprovalTokenExpireHours) * time.Hour,
		DefaultDueHours:    cfg.ApprovalDueHours,
		CriticalFraudScore: cfg.FraudCriticalThreshold,
	}, logger)
	approvalHandler := approval.NewHandler(approvalService, logger)

	exceptionRepo := exception.NewRepository(pool)
	exceptionService := exception.NewService(exceptionRepo, feedbackService, logger)
	exceptionHandler := exception.NewHandler(exceptionService, logger)

	llm := extraction.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)
	policyExtractor := extraction.NewPolicyExtractor(llm)

	rulesRepo := rules.NewRepository(pool)
	rulesCache := rules.NewCache(redisClient, 5*time.Minute)
	rulesService := rules.NewService(rulesRepo, rulesCache, policyExtractor, logger)
	rulesHandler := rules.NewHandler(rulesService, logger)

	auditRepo := audit.NewRepository(pool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audithttp.NewHandler(logger, auditService, audit.CSVExporter{})

	inspector := asynq.NewInspector(redisOpts)
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InvoiceHandler:   invoiceHandler,
		ApprovalHandler:  approvalHandler,
		ExceptionHandler: exceptionHandler,
		RulesHandler:     rulesHandler,
		FeedbackHandler:  feedbackHandler,
		UsersHandler:     usersHandler,
		AuditHandler:     auditHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func smtpHost(cfg *app.Config) string {
	if !cfg.MailEnabled {
		return ""
	}
	return cfg.SMTPHost
}
