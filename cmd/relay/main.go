package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ciphergroup/internal/observability/logging"
	"ciphergroup/internal/observability/metrics"
	"ciphergroup/internal/relay"
)

func main() {
	_ = godotenv.Load()

	log := logging.NewLogger(logging.Config{
		ServiceName: "relay",
		Environment: getenv("RELAY_ENV", "development"),
		Level:       getenv("RELAY_LOG_LEVEL", "info"),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []relay.ServerOption{
		relay.WithServerMetrics(metrics.New(reg), reg),
		relay.WithServerLogger(log),
	}
	if v := getenv("RELAY_RATE_LIMIT", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Error("invalid RELAY_RATE_LIMIT", "value", v)
			os.Exit(1)
		}
		opts = append(opts, relay.WithRateLimit(n))
	}

	srv := &http.Server{
		Addr:              getenv("RELAY_ADDR", ":8080"),
		Handler:           relay.NewServer(opts...).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		log.Error("shutdown", "error", err)
	}
	log.Info("relay stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
