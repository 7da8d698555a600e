package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/oplink/clinic-tracker/internal/clock"
	"github.com/oplink/clinic-tracker/internal/config"
	"github.com/oplink/clinic-tracker/internal/handler/admin"
	"github.com/oplink/clinic-tracker/internal/notifier"
	"github.com/oplink/clinic-tracker/internal/orchestrator"
	"github.com/oplink/clinic-tracker/internal/repository/postgres"
	"github.com/oplink/clinic-tracker/internal/router"
	"github.com/oplink/clinic-tracker/internal/scraper"
	"github.com/oplink/clinic-tracker/internal/scraper/cmuh"
	"github.com/oplink/clinic-tracker/internal/scraper/hmmh"
	"github.com/oplink/clinic-tracker/internal/service/notification"
	"github.com/oplink/clinic-tracker/internal/service/scrape"
	"github.com/oplink/clinic-tracker/pkg/logger"
	"github.com/oplink/clinic-tracker/pkg/messaging"
	redisbroker "github.com/oplink/clinic-tracker/pkg/messaging/redis"
	"github.com/oplink/clinic-tracker/pkg/metrics"
)

func main() {
	log := logger.NewLogger(nil)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err, "failed to load config")
	}

	clk, err := clock.New(cfg.Scraper.Timezone)
	if err != nil {
		log.Fatal(err, "failed to initialize clock")
	}

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	var broker messaging.Broker
	broker, err = redisbroker.NewRedisBroker(redisbroker.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &log.ZL)
	if err != nil {
		log.Fatal(err, "failed to connect to redis")
	}

	m := metrics.NewMetrics("clinic_tracker")

	registry := scraper.NewRegistry()
	for _, code := range cfg.Scraper.Hospitals {
		switch code {
		case cmuh.HospitalCode:
			registry.Register(cmuh.New(cfg.Scraper.RequestTimeout, log))
		case hmmh.HospitalCode:
			registry.Register(hmmh.New(cfg.Scraper.RequestTimeout, log))
		default:
			log.Fatal(fmt.Errorf("unknown hospital code %q", code), "invalid scraper configuration")
		}
	}

	hospitalRepo := postgres.NewHospitalRepository(db, m)
	snapshotRepo := postgres.NewSnapshotRepository(db, m)
	subscriptionRepo := postgres.NewSubscriptionRepository(db, m)
	notificationLogRepo := postgres.NewNotificationLogRepository(db, m)

	channels := []notifier.Channel{
		notifier.NewEmailChannel(cfg.SMTP, log),
		notifier.NewPushChannel(cfg.Push, log),
	}

	notificationSvc := notification.NewService(
		subscriptionRepo,
		snapshotRepo,
		notificationLogRepo,
		channels,
		broker,
		cfg.Notifications.BrokerChannel,
		log,
		m,
	)

	scrapeSvc := scrape.NewService(
		registry,
		hospitalRepo,
		snapshotRepo,
		subscriptionRepo,
		notificationSvc,
		clk,
		scrape.Config{
			JitterMin:     time.Duration(cfg.Scraper.JitterMinSeconds * float64(time.Second)),
			JitterMax:     time.Duration(cfg.Scraper.JitterMaxSeconds * float64(time.Second)),
			RatePerSecond: cfg.Scraper.RatePerSecond,
		},
		log,
		m,
	)

	orch, err := orchestrator.New(clk, scrapeSvc, orchestrator.Schedule{
		MasterDataCron:  cfg.Scraper.MasterDataCron,
		MorningSyncCron: cfg.Scraper.MorningSyncCron,
		TrackedInterval: time.Duration(cfg.Scraper.IntervalMinutes) * time.Minute,
	}, log, m)
	if err != nil {
		log.Fatal(err, "failed to build orchestrator")
	}
	orch.Start()

	adminHandler := admin.NewHandler(orch, log)
	engine := router.Setup(adminHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err, "http server shutdown failed")
	}
	if err := orch.Stop(ctx); err != nil {
		log.Error(err, "orchestrator shutdown failed")
	}
	if err := broker.Close(); err != nil {
		log.Error(err, "broker close failed")
	}
	log.Info("shutdown complete")
}
