// Command worker runs one GPU-node worker instance (C8): it spawns the
// configured generator subprocess, wires the bridge (C1-C3) over its
// stdio, and drives the worker lifecycle against the message bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inferfabric/fabric/pkg/batcher"
	"github.com/inferfabric/fabric/pkg/bridge"
	"github.com/inferfabric/fabric/pkg/bus"
	"github.com/inferfabric/fabric/pkg/config"
	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/streaming"
	"github.com/inferfabric/fabric/pkg/worker"
)

func main() {
	log, err := logging.New(logging.Options{Level: envOr("LOG_LEVEL", "info"), Component: "worker"})
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
	if id := os.Getenv("WORKER_ID"); id != "" {
		cfg.Worker.WorkerID = id
	}

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)

	generatorCmd := os.Getenv("GENERATOR_CMD")
	if generatorCmd == "" {
		log.Error(nil, "GENERATOR_CMD is required (path to the local generator subprocess)")
		os.Exit(1)
	}
	proc := exec.Command(generatorCmd, strings.Fields(os.Getenv("GENERATOR_ARGS"))...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		log.Error(err, "open generator stdin")
		os.Exit(1)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		log.Error(err, "open generator stdout")
		os.Exit(1)
	}
	proc.Stderr = os.Stderr
	if err := proc.Start(); err != nil {
		log.Error(err, "start generator subprocess")
		os.Exit(1)
	}

	br := bridge.New(log, stdin, stdout, bridge.Config{
		MaxPending: cfg.Bridge.MaxPending, LineBufferBytes: cfg.Bridge.LineBufferBytes,
		Circuit: bridge.CircuitConfig{
			FailureThreshold: cfg.Bridge.FailureThreshold, FailureWindow: cfg.Bridge.FailureWindow,
			RecoveryTimeout: cfg.Bridge.RecoveryTimeout, HalfOpenMaxCalls: cfg.Bridge.HalfOpenMaxCalls,
			HalfOpenSuccessThresh: cfg.Bridge.HalfOpenSuccessThresh,
		},
		RetryInitialDelay: cfg.Bridge.RetryInitialDelay, RetryMultiplier: cfg.Bridge.RetryMultiplier,
		RetryMaxDelay: cfg.Bridge.RetryMaxDelay, RetryMaxAttempts: cfg.Bridge.RetryMaxAttempts,
		Multiplexer: bridge.MultiplexerConfig{
			MaxBatchSize: cfg.Bridge.MuxMaxBatchSize, MinBatchSize: cfg.Bridge.MuxMinBatchSize,
			MinHold: cfg.Bridge.MuxMinHold, MaxHold: cfg.Bridge.MuxMaxHold,
			LowConcurrencyThreshold: cfg.Bridge.MuxLowConcurrencyThreshold,
			HighConcurrencyThreshold: cfg.Bridge.MuxHighConcurrencyThreshold,
		},
	})
	defer br.Close()

	b, err := bus.Connect(log, bus.Config{Addr: cfg.Bus.Addr, Password: cfg.Bus.Password, DB: cfg.Bus.DB})
	if err != nil {
		log.Error(err, "connect bus")
		os.Exit(1)
	}
	defer b.Disconnect()

	port, _ := strconv.Atoi(envOr("WORKER_PORT", "7000"))
	hostname, _ := os.Hostname()
	var prewarm []string
	if models := os.Getenv("PREWARM_MODELS"); models != "" {
		prewarm = strings.Split(models, ",")
	}

	maxRPS, _ := strconv.ParseFloat(envOr("MAX_REQUESTS_PER_SECOND", "0"), 64)
	rm := worker.NewRuntimeResourceManager(10000, 16<<30, maxRPS)

	w := worker.New(log, b, br, rm, worker.Config{
		WorkerID: cfg.Worker.WorkerID, Hostname: hostname, IP: envOr("WORKER_IP", "127.0.0.1"), Port: port,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval, RegisterWhen: cfg.Worker.RegisterWhen,
		QueueCapacity: cfg.Worker.QueueCapacity, MicroBatchTimeout: cfg.Worker.MicroBatchTimeout,
		Batch: batcher.Config{
			Enabled: cfg.Batcher.Enabled, MaxBatchSize: cfg.Batcher.MaxBatchSize, MinBatchSize: cfg.Batcher.MinBatchSize,
			InitialTargetSize: cfg.Batcher.InitialTargetSize, HoldMsDefault: cfg.Batcher.HoldMsDefault,
			HoldMsBackground: cfg.Batcher.HoldMsBackground, TargetDispatchTime: cfg.Batcher.TargetDispatchTime,
			PauseOnBackpressure: cfg.Batcher.PauseOnBackpressure,
		},
		Streams: streaming.Config{
			HardMaxStreams: cfg.Streams.HardMaxStreams, InitialLimit: cfg.Streams.InitialLimit,
			BackpressureThreshold: cfg.Streams.BackpressureThreshold, SlowConsumerWindow: cfg.Streams.SlowConsumerWindow,
		},
		DrainGracePeriod: cfg.Worker.DrainGracePeriod, PrewarmModels: prewarm,
		PrewarmBlocking: os.Getenv("PREWARM_BLOCKING") == "true",
	}, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		log.Error(err, "start worker")
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(w.State().String()))
	})
	srv := &http.Server{Addr: envOr("HEALTH_ADDR", ":8081"), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "health server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", "worker_id", cfg.Worker.WorkerID)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainGracePeriod)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		log.Error(err, "graceful stop")
	}
	_ = srv.Close()
	_ = proc.Process.Kill()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
