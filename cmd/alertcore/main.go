package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm/logger"

	"github.com/rodovia/alertcore/internal/alerts/adapters"
	"github.com/rodovia/alertcore/internal/config"
	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/handlers"
	"github.com/rodovia/alertcore/internal/jobs"
	"github.com/rodovia/alertcore/internal/logging"
	"github.com/rodovia/alertcore/internal/middleware"
	"github.com/rodovia/alertcore/internal/notify"
	"github.com/rodovia/alertcore/internal/notify/channels"
	"github.com/rodovia/alertcore/internal/services"
	slackutil "github.com/rodovia/alertcore/internal/slack"
	"github.com/rodovia/alertcore/internal/workqueue"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Debugf("No .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Printf("Starting alertcore %s", handlers.Version)

	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}
	jwtAuth := middleware.NewJWTAuthMiddleware(middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/metrics",
			"/webhook/*",
			"/auth/login",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rules and recipients
	alertService := services.NewAlertService(db)
	deviceService := services.NewDeviceAlertService(db)
	ruleService := services.NewRuleService(db, cfg.DefaultChannel)

	var recipients map[string]config.RecipientsByRound
	if cfg.RulesFile != "" {
		rulesFile, err := config.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			log.Fatalf("Failed to load rules file: %v", err)
		}
		if err := ruleService.Seed(ctx, rulesFile.Rules); err != nil {
			log.Fatalf("Failed to seed alert rules: %v", err)
		}
		recipients = rulesFile.Recipients
	} else {
		log.Warn("RULES_FILE not set; only rules created through the API apply")
	}
	directory := notify.NewStaticDirectory(recipients)

	// Notification channels
	registry := notify.NewRegistry(notify.GuardSettings{
		RatePerSecond:    cfg.ChannelRatePerSecond,
		Burst:            cfg.ChannelBurst,
		FailureThreshold: notify.DefaultGuardSettings().FailureThreshold,
		OpenTimeout:      notify.DefaultGuardSettings().OpenTimeout,
	})

	hub := channels.NewHub()
	registry.Register(hub)
	if cfg.SMTP.Enabled() {
		registry.Register(channels.NewEmail(cfg.SMTP))
	}
	if cfg.Slack.BotToken != "" {
		registry.Register(slackutil.NewNotifier(cfg.Slack.BotToken))
	}
	if cfg.Telegram.BotToken != "" {
		tg, err := channels.NewTelegram(cfg.Telegram)
		if err != nil {
			log.Fatalf("Failed to initialize Telegram: %v", err)
		}
		registry.Register(tg)
	}
	if cfg.WhatsApp.Enabled() {
		registry.Register(channels.NewWhatsApp(cfg.WhatsApp))
	}
	log.Printf("Notification channels registered: %v", registry.Names())

	renderer, err := notify.NewRenderer("", "")
	if err != nil {
		log.Fatalf("Failed to build message templates: %v", err)
	}
	dispatcher := notify.NewDispatcher(db, alertService, registry, directory, renderer, notify.Options{
		SendTimeout:    cfg.NotifySendTimeout,
		Concurrency:    cfg.NotifyConcurrency,
		RetryBaseDelay: cfg.RetryBaseDelay,
	})
	dispatchQueue := notify.NewQueue(dispatcher, cfg.NotifyQueueSize, cfg.NotifyWorkers)

	scheduler := jobs.NewEscalationScheduler(alertService, dispatchQueue)
	retrySweep := jobs.NewRetrySweep(dispatcher, alertService, cfg.RetryMaxAttempts)

	// Operators acknowledging from the live console
	hub.SetAckHandler(func(ctx context.Context, alertID uint, operator string) error {
		_, err := alertService.Acknowledge(ctx, alertID, operator)
		return err
	})
	alertService.SetObserver(hub)

	// Intake
	ingestService := services.NewIngestService(db, alertService, deviceService, ruleService)
	ingestService.RegisterAdapter(adapters.NewAlertmanagerAdapter(cfg.WebhookSecret))
	ingestService.RegisterAdapter(adapters.NewZabbixAdapter(cfg.WebhookSecret))
	ingestService.RegisterAdapter(adapters.NewDeviceAdapter(cfg.WebhookSecret))
	ingestService.RegisterAdapter(adapters.NewWhatsAppAdapter(cfg.WhatsApp.AppSecret))
	ingestService.SetEvaluator(scheduler)
	ingestService.SetDeliveryTracker(dispatcher)
	ingestService.SetAckKeywords(cfg.WhatsApp.AckKeywords)

	envelopeQueue := workqueue.New[uint]("IngestQueue", cfg.IngestQueueSize, cfg.IngestWorkers, ingestService.ProcessEnvelope)
	ingestService.SetQueue(envelopeQueue)

	// Background workers
	var workers sync.WaitGroup
	dispatchQueue.Start(ctx)
	envelopeQueue.Start(ctx)
	workers.Add(2)
	go func() {
		defer workers.Done()
		scheduler.Start(ctx, cfg.SchedulerInterval)
	}()
	go func() {
		defer workers.Done()
		retrySweep.Start(ctx, cfg.RetryInterval)
	}()

	if n, err := ingestService.RecoverPending(ctx); err != nil {
		log.Errorf("Failed to recover pending envelopes: %v", err)
	} else if n > 0 {
		log.Printf("Re-queued %d envelopes left unfinished", n)
	}
	if n, err := scheduler.RecoverRounds(ctx, dispatcher); err != nil {
		log.Errorf("Failed to recover escalation rounds: %v", err)
	} else if n > 0 {
		log.Printf("Resubmitted %d escalation rounds without a notification record", n)
	}

	// HTTP routes
	mux := http.NewServeMux()
	handlers.NewHTTPHandler(db).SetupRoutes(mux)
	handlers.NewWebhookHandler(ingestService, cfg.WhatsApp.VerifyToken).SetupRoutes(mux)
	handlers.NewAPIHandler(alertService, deviceService, ruleService, ingestService, dispatcher).SetupRoutes(mux)
	handlers.NewAuthHandler(jwtAuth).SetupRoutes(mux)
	handlers.NewFeedHandler(hub).SetupRoutes(mux)

	cors := middleware.NewCORSMiddleware(cfg.CORSOrigins...)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           middleware.RequestIDMiddleware(middleware.AccessLog(cors.Wrap(jwtAuth.Wrap(mux)))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Alert webhook endpoint: http://localhost:%d/webhook/alert/{source}", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Error shutting down HTTP server: %v", err)
	}

	cancel()
	workers.Wait()
	dispatchQueue.Wait()
	envelopeQueue.Wait()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Println("Shutdown complete")
}
