package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/litanlitudan/soc-validation/internal/api"
	"github.com/litanlitudan/soc-validation/internal/board"
	"github.com/litanlitudan/soc-validation/internal/device"
	"github.com/litanlitudan/soc-validation/internal/lock"
	"github.com/litanlitudan/soc-validation/internal/obs"
	"github.com/litanlitudan/soc-validation/internal/store"
)

func main() {
	var (
		addr          = pflag.String("addr", envOr("BOARDFARM_ADDR", ":8080"), "HTTP listen address")
		redisURL      = pflag.String("redis-url", envOr("BOARDFARM_REDIS_URL", "redis://localhost:6379"), "Redis connection URL")
		boardsPath    = pflag.String("boards", envOr("BOARDFARM_BOARDS", "./boards.yaml"), "path to the boards catalog")
		lockTTL       = pflag.Duration("lock-ttl", 30*time.Second, "default board lock TTL")
		leaseTTL      = pflag.Duration("lease-ttl", 30*time.Minute, "default lease TTL")
		sweepInterval = pflag.Duration("sweep-interval", 60*time.Second, "interval between lock sweeps")
		quarantineAt  = pflag.Int("quarantine-threshold", 3, "failures before a board is quarantined")
		debug         = pflag.Bool("debug", false, "log at debug level")
	)
	pflag.Parse()

	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	minLevel := obs.LevelInfo
	if *debug {
		minLevel = obs.LevelDebug
	}
	logger := obs.NewLoggerAt(minLevel)
	metrics := obs.NewMetrics()

	catalog, err := board.Load(*boardsPath)
	if err != nil {
		log.Fatalf("catalog load: %v", err)
	}
	report := catalog.Validate()
	for _, warning := range report.Warnings {
		logger.Warn(map[string]interface{}{"component": "catalog", "msg": "catalog warning", "detail": warning})
	}
	if !report.OK() {
		for _, e := range report.Errors {
			log.Printf("catalog error: %s", e)
		}
		log.Fatalf("catalog invalid: %d error(s)", len(report.Errors))
	}

	st, err := store.Open(ctx, store.Config{URL: *redisURL}, logger, metrics)
	if err != nil {
		log.Fatalf("store open: %v", err)
	}
	defer st.Close()

	locks := lock.NewManager(st, lock.Options{DefaultTTL: *lockTTL}, logger, metrics)
	devices := device.NewManager(catalog, locks, st, device.Options{
		DefaultLeaseTTL:     *leaseTTL,
		QuarantineThreshold: *quarantineAt,
	}, logger, metrics)

	apiServer := api.NewServer(devices, catalog, st, logger)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	// Repair locks left without a TTL by interrupted writers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				repaired, err := locks.SweepUnexpired(ctx)
				if err != nil {
					logger.Warn(map[string]interface{}{"component": "sweeper", "msg": "lock sweep failed", "error": err.Error()})
					continue
				}
				if repaired > 0 {
					logger.Info(map[string]interface{}{"component": "sweeper", "msg": "lock sweep repaired locks", "count": repaired})
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("boardfarmd up addr=%s boards=%d redis=%s", *addr, catalog.Len(), *redisURL)
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	wg.Wait()
	log.Printf("boardfarmd stopped")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
