// Command controller runs the QoS monitor (C9): it evaluates SLOs against
// qos.sample observations published by the gateway, and drives policy-
// matched remediation through the Slack/logging action executors.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"

	"github.com/inferfabric/fabric/pkg/bus"
	"github.com/inferfabric/fabric/pkg/config"
	"github.com/inferfabric/fabric/pkg/logging"
	"github.com/inferfabric/fabric/pkg/metrics"
	"github.com/inferfabric/fabric/pkg/qos"
	"github.com/inferfabric/fabric/pkg/qos/policy"
)

// defaultSLOs are registered unconditionally; a deployment wanting
// per-tenant thresholds layers those through policy bundle matches
// instead (spec §4.9 "policy-driven remediation").
func defaultSLOs() []qos.SLO {
	return []qos.SLO{
		{Name: "ttft", Metric: qos.MetricTTFT, Threshold: 1.0, Window: time.Minute},
		{Name: "latency-p95", Metric: qos.MetricLatencyP95, Threshold: 5.0, Window: 5 * time.Minute},
		{Name: "error-rate", Metric: qos.MetricErrorRate, Threshold: 0.05, Window: time.Minute},
		{Name: "throughput", Metric: qos.MetricThroughput, Threshold: 1.0, Window: time.Minute},
	}
}

func main() {
	log, err := logging.New(logging.Options{Level: envOr("LOG_LEVEL", "info"), Component: "controller"})
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

	evaluator := qos.NewEvaluator(log, reg, time.Now)
	for _, s := range defaultSLOs() {
		evaluator.RegisterSLO(s)
	}

	unsubSample, err := b.Subscribe(ctx, qos.SampleSubject, func(_ string, payload []byte) {
		sample, err := qos.DecodeSample(payload)
		if err != nil {
			log.Error(err, "decode qos.sample")
			return
		}
		evaluator.RecordSample(sample)
	})
	if err != nil {
		log.Error(err, "subscribe qos.sample")
		os.Exit(1)
	}
	defer unsubSample()

	var action qos.ActionExecutor = qos.LoggingActionExecutor{Log: log}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		action = qos.SlackAlertExecutor{
			Client: slack.New(token), Channel: envOr("SLACK_CHANNEL", "#alerts"), Next: action,
		}
	}
	executor := qos.NewExecutor(log, action, reg, time.Now)

	store := policy.New(log, policy.Config{BundleDir: envOr("POLICY_BUNDLE_DIR", "./policies")})
	if err := store.StartHotReload(ctx); err != nil {
		log.Error(err, "start policy hot reload")
		os.Exit(1)
	}
	defer store.Stop()

	monitor := qos.NewMonitor(log, evaluator, store, executor, cfg.QoS.EvaluationInterval)
	go monitor.Run(ctx)

	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{Addr: envOr("HEALTH_ADDR", ":8082"), Handler: r}
	go func() {
		log.Info("controller listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down controller")
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
