package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/openreserve/reserved/internal/archive"
	"github.com/openreserve/reserved/internal/auth"
	"github.com/openreserve/reserved/internal/cache"
	"github.com/openreserve/reserved/internal/config"
	"github.com/openreserve/reserved/internal/engine"
	"github.com/openreserve/reserved/internal/gateway"
	"github.com/openreserve/reserved/internal/leader"
	"github.com/openreserve/reserved/internal/metrics"
	"github.com/openreserve/reserved/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	store := archive.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "reserved",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  10,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	assetCache := cache.New(cfg.RedisURL, 30*time.Second)
	defer assetCache.Close()

	var recorder *metrics.Recorder
	if cfg.InfluxURL != "" {
		recorder = metrics.NewRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer recorder.Close()
	}

	hostname, _ := os.Hostname()
	elector, err := leader.NewElector(cfg.EtcdURL, hostname)
	if err != nil {
		log.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer elector.Close()

	authSvc := auth.NewService(db, cfg.JWTSecret, cfg.TokenTTL)
	eng := engine.New(cfg.OwnerID)

	var metricsSink gateway.MetricsRecorder
	if recorder != nil {
		metricsSink = recorder
	}

	gw := gateway.New(gateway.Config{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		IsLeader:        elector.IsLeader,
	}, eng, authSvc, natsClient, store, metricsSink, assetCache)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: gw.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := elector.Campaign(ctx); err != nil {
			return err
		}
		log.Printf("Instance %s elected leader", hostname)
		return nil
	})

	g.Go(func() error {
		log.Printf("Reserve service listening on :%s (owner %s)", cfg.Port, cfg.OwnerID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if elector.IsLeader() {
			if err := elector.Resign(shutdownCtx); err != nil {
				log.Printf("Failed to resign leadership: %v", err)
			}
		}
		if err := natsClient.Drain(); err != nil {
			log.Printf("Failed to drain NATS: %v", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Service error: %v", err)
	}
	log.Println("Shutdown complete")
}
