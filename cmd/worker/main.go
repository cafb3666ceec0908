package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/primestrides/outreach/internal/accounts"
	"github.com/primestrides/outreach/internal/allocator"
	"github.com/primestrides/outreach/internal/config"
	"github.com/primestrides/outreach/internal/dispatch"
	"github.com/primestrides/outreach/internal/pkg/logger"
	"github.com/primestrides/outreach/internal/reputation"
	"github.com/primestrides/outreach/internal/schedule"
	"github.com/primestrides/outreach/internal/sender"
	"github.com/primestrides/outreach/internal/transport"
)

func main() {
	log.Println("Starting outreach send worker...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Server.LogLevel))

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	store, err := reputation.NewStoreFromURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()
	log.Println("Connected to Redis")

	registry, err := accounts.NewRegistry(cfg.Accounts, cfg.Warmup, cfg.Sending)
	if err != nil {
		log.Fatalf("Invalid account configuration: %v", err)
	}
	log.Printf("Account pool loaded: %d accounts", registry.Count())

	calendar, err := schedule.NewCalendar(cfg.Sending)
	if err != nil {
		log.Fatalf("Invalid sending calendar: %v", err)
	}
	loc := cfg.Location()
	planner := schedule.NewPlanner(cfg.Sessions, cfg.Sending, loc)
	timing := schedule.NewTimingPolicy(cfg.Sending, loc, 0)

	claimTTL := time.Duration(cfg.Retry.ClaimTTLMinutes) * time.Minute
	alloc := allocator.New(registry, store, calendar, planner, cfg.Sending, claimTTL)

	espSender, err := buildSender(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
	}
	log.Printf("Transport: %s", espSender.Name())

	queue := dispatch.NewQueue(db)
	breaker := sender.NewBreaker(cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.ProbeSeconds)*time.Second)

	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	loop := sender.New(workerID, queue, alloc, store, calendar, timing,
		espSender, breaker, cfg.Retry)
	loop.SetSkipProbability(cfg.Sending.BreakSkipProbability)
	recovery := dispatch.NewRecoveryWorker(db, claimTTL, cfg.Retry.MaxRetries)
	warmup := sender.NewWarmupProducer(queue, calendar, cfg.Warmup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go recovery.Start(ctx)
	go warmup.Start(ctx)
	go loop.Run(ctx)

	log.Printf("Worker %s running", workerID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down...", sig)
	cancel()
	time.Sleep(time.Second)
	log.Println("Worker stopped")
}

func buildSender(cfg *config.Config) (transport.Sender, error) {
	switch cfg.Transport.Kind {
	case "ses":
		return transport.NewSESSender(cfg.Transport.SES)
	case "resend":
		return transport.NewResendSender(cfg.Transport.Resend)
	default:
		return transport.NewSMTPSender(cfg.Transport.SMTP), nil
	}
}
