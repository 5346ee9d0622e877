// Command gateway is the client-facing edge process: a minimal
// OpenAI-compatible chi HTTP handler in front of the request-plane
// controller (C7), present so the fabric is runnable end-to-end. Full
// edge concerns (auth, rate limiting, multi-tenant routing) are out of
// scope.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inferfabric/fabric/pkg/bus"
	"github.com/inferfabric/fabric/pkg/coalescing"
	"github.com/inferfabric/fabric/pkg/config"
	"github.com/inferfabric/fabric/pkg/controller"
	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/rpc"
)

func main() {
	log, err := logging.New(logging.Options{Level: envOr("LOG_LEVEL", "info"), Component: "gateway"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if path := os.Getenv("FABRIC_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Error(err, "load config")
			os.Exit(1)
		}
		cfg = loaded
	}

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)

	b, err := bus.Connect(log, bus.Config{Addr: cfg.Bus.Addr, Password: cfg.Bus.Password, DB: cfg.Bus.DB})
	if err != nil {
		log.Error(err, "connect bus")
		os.Exit(1)
	}
	defer b.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	caller := controller.NewBusCaller(log, b)
	ctrl := controller.New(log, caller, controller.Config{
		Strategy:                controller.Strategy(cfg.Controller.Strategy),
		CircuitFailureThreshold: uint32(cfg.Controller.CircuitFailureThreshold),
		CircuitSuccessThreshold: uint32(cfg.Controller.CircuitSuccessThreshold),
		CircuitTimeout:          cfg.Controller.CircuitTimeout,
		LatencyLoadFactor:       1.0,
	}, reg)

	retryableCodes := make(map[rpc.Kind]bool, len(cfg.Controller.RetryableCodes))
	for _, code := range cfg.Controller.RetryableCodes {
		retryableCodes[rpc.Kind(code)] = true
	}
	reqConfig := controller.RequestConfig{
		Timeout: cfg.Controller.DefaultTimeout, StreamingTimeout: cfg.Controller.StreamingTimeout,
		Retry: controller.RetryPolicy{
			Enabled: cfg.Controller.RetryEnabled, MaxRetries: cfg.Controller.RetryMaxAttempts,
			Delay: cfg.Controller.RetryDelay, RetryableCodes: retryableCodes,
		},
	}

	unsubLifecycle, err := controller.SubscribeWorkerLifecycle(ctx, log, b, ctrl)
	if err != nil {
		log.Error(err, "subscribe worker lifecycle")
		os.Exit(1)
	}
	defer unsubLifecycle()

	coalesce := coalescing.New(log, coalescing.Config{
		MaxSubscribers: cfg.Coalescing.MaxSubscribers, Timeout: cfg.Coalescing.Timeout,
	}, reg)

	h := &chatCompletionsHandler{log: log, ctrl: ctrl, reqConfig: reqConfig, coalesce: coalesce, samplesBus: b}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}}))
	r.Post("/v1/chat/completions", h.ServeHTTP)
	r.Get("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: r}
	go func() {
		log.Info("gateway listening", "addr", cfg.Gateway.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
