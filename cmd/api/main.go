package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"internflow/internal/app"
	"internflow/internal/config"
	"internflow/internal/dispatch"
	"internflow/internal/documents"
	"internflow/internal/email"
	"internflow/internal/events"
	"internflow/internal/logging"
	"internflow/internal/notify"
	"internflow/internal/search"
	"internflow/internal/store"
	"internflow/internal/tracing"
	"internflow/internal/workflow"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, err := tracing.Init(ctx, "internflow", serviceVersion, os.Stdout)
		if err != nil {
			logger.Fatal("tracing init failed", zap.Error(err))
		}
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	dataStore := store.NewPostgresStore(db)

	queue, closeQueue := openQueue(cfg, logger)
	defer closeQueue()

	searchService := openSearch(cfg, dataStore, logger)

	dispatcher := dispatch.New(queue, logger, dispatch.Options{
		MaxAttempts:  cfg.DispatchMaxAttempt,
		PollInterval: cfg.DispatchPoll,
		Workers:      cfg.DispatchWorkers,
	})
	dispatcher.Register(workflow.IntentNotify,
		notify.New(dataStore, dataStore, openSender(ctx, cfg, logger), cfg.PublicBaseURL, logger))
	dispatcher.Register(workflow.IntentGenerateDocument,
		documents.NewGenerator(dataStore, dataStore, &documents.ChromeRenderer{}, openObjectStore(ctx, cfg, logger), logger))
	dispatcher.Register(workflow.IntentStatusChanged,
		events.NewProjector(dataStore, searchService, openPublisher(ctx, cfg, logger), logger))

	relay := dispatch.NewRelay(dataStore, dispatcher, logger)
	service := app.New(cfg, dataStore, relay, searchService, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		httpServer.ServeDocuments(cfg.DocumentsDir)
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		relay.Run(ctx, cfg.DispatchPoll)
	}()
	go func() {
		defer workers.Done()
		runStartSweep(ctx, service, cfg.StartSweepInterval, logger)
	}()
	go searchService.Reindex(ctx)

	go func() {
		logger.Info("internflow API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	workers.Wait()
}

func openQueue(cfg config.Config, logger *zap.Logger) (dispatch.Queue, func()) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("REDIS_URL is empty; side effects are queued in memory and lost on restart")
		return dispatch.NewMemoryQueue(), func() {}
	}
	queue, err := dispatch.NewRedisQueue(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	logger.Info("using redis dispatch queue")
	return queue, func() { _ = queue.Close() }
}

func openSearch(cfg config.Config, dataStore *store.PostgresStore, logger *zap.Logger) *search.Service {
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	return search.NewService(meili, search.NewPgFTS(dataStore), logger)
}

// openSender prefers SES, then SMTP. A nil sender leaves notifications
// in-app only.
func openSender(ctx context.Context, cfg config.Config, logger *zap.Logger) email.Sender {
	if cfg.SESFrom != "" {
		sender, err := email.NewSESSender(ctx, cfg.AWSRegion, cfg.SESFrom)
		if err != nil {
			logger.Fatal("ses init failed", zap.Error(err))
		}
		return sender
	}
	smtp := email.NewSMTPSender(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !smtp.IsConfigured() {
		logger.Info("email delivery disabled")
		return nil
	}
	return smtp
}

func openObjectStore(ctx context.Context, cfg config.Config, logger *zap.Logger) documents.ObjectStore {
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		if err := os.MkdirAll(cfg.DocumentsDir, 0o755); err != nil {
			logger.Fatal("create documents dir failed", zap.Error(err))
		}
		return documents.NewLocalStore(cfg.DocumentsDir, cfg.PublicBaseURL)
	}
	objects, err := documents.NewMinioStore(ctx, documents.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		logger.Fatal("minio init failed", zap.Error(err))
	}
	return objects
}

func openPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) events.Publisher {
	if cfg.SNSTopicARN == "" {
		return nil
	}
	publisher, err := events.NewSNSPublisher(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
	if err != nil {
		logger.Fatal("sns init failed", zap.Error(err))
	}
	return publisher
}

func runStartSweep(ctx context.Context, service *app.Service, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started, err := service.StartDue(ctx)
			if err != nil {
				logger.Warn("start sweep failed", zap.Error(err))
				continue
			}
			if started > 0 {
				logger.Info("start sweep", zap.Int("started", started))
			}
		}
	}
}
