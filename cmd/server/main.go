package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"

	"dukapos/backend/internal/config"
	"dukapos/backend/internal/events"
	"dukapos/backend/internal/httpapi"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
	pgstore "dukapos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("invalid BUSINESS_TIMEZONE %q: %v", cfg.Timezone, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("postgres schema: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var broadcaster events.Broadcaster
	if cfg.RedisAddr != "" {
		redisBroadcaster := events.NewRedisBroadcaster(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisBroadcaster.Ping(ctx); err != nil {
			log.Fatalf("redis unavailable (%v) and REDIS_ADDR is set; refusing to start with in-process events", err)
		}
		broadcaster = redisBroadcaster
		closers = append(closers, redisBroadcaster.Close)
		log.Println("events: redis pub/sub")
	} else {
		broadcaster = events.NewHub()
		log.Println("events: in-process hub")
	}

	svc := service.New(repo, broadcaster, location, cfg.LowStockThreshold)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, broadcaster, cfg.AllowedOrigin)

	// The periodic profit-updated tick is the fallback poll cue: a terminal
	// that missed an event re-aggregates on the next tick at the latest.
	scheduler := gocron.NewScheduler(location)
	if _, err := scheduler.Every(cfg.HeartbeatSeconds).Seconds().Do(func() {
		tickCtx, tickCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tickCancel()
		if err := broadcaster.Publish(tickCtx, events.New(events.TypeProfitUpdated, "")); err != nil {
			log.Printf("[main] WARN: heartbeat publish: %v", err)
		}
	}); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	scheduler.StartAsync()

	// No WriteTimeout: the /api/v1/events stream stays open indefinitely.
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("dukapos backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AccessTokenTTLMinutes > 24*60 {
		return fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must not exceed 24 hours")
	}
	return nil
}
