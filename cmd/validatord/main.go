// Command validatord runs one validator node's consensus core: the worker
// loop that drives instructions through views, proposals, and finalization,
// and the ingress HTTP surface that admits new instructions.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"validatorcore/config"
	"validatorcore/consensus/ids"
	"validatorcore/consensus/ingress"
	"validatorcore/consensus/instruction"
	"validatorcore/consensus/lease"
	"validatorcore/consensus/metrics"
	"validatorcore/consensus/selector"
	"validatorcore/consensus/store"
	"validatorcore/consensus/template"
	"validatorcore/consensus/transport"
	"validatorcore/consensus/worker"
	"validatorcore/observability/logging"
	telemetry "validatorcore/observability/otel"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	env := strings.TrimSpace(os.Getenv("VALIDATOR_ENV"))
	logger := logging.Setup("validatord", env)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Only the standard library log package is redirected to the rotated
	// file; the slog logger returned by logging.Setup keeps writing JSON to
	// stdout.
	if cfg.LogFile != "" {
		logger.Info("rotating log output to file", "path", cfg.LogFile)
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}

	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "validatord",
		Environment: env,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	entityStore := store.New(db)
	leaseMgr := lease.NewManager(db, nil)
	machine := instruction.NewMachine(entityStore, collector)
	templates := template.NewRegistry()
	registerContracts(templates)

	sel := selector.New(entityStore, selector.Fixed{Leader_: cfg.Committee[0]}, selector.AtLeastOne{})
	idgen := ids.NewGenerator(cfg.NodeID)
	channel := transport.NewInProcess()

	runner := worker.New(worker.Config{
		Self:      cfg.NodeID,
		Committee: cfg.Committee,
		Assets:    entityStore.ListDigitalAssetIDs,
		Store:     entityStore,
		Selector:  sel,
		Lease:     leaseMgr,
		Transport: channel,
		Metrics:   collector,
		IDs:       idgen,
		LeaseSeconds: cfg.LeaseSeconds,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go runner.Run(ctx)
	if cfg.ExportDir != "" {
		go exportMetricsPeriodically(ctx, logger, collector, cfg.ExportDir, cfg.PollInterval*60)
	}

	ctrl := ingress.New(machine, templates, idgen, cfg.NodeID)
	ingressSrv := ingress.NewServer(ctrl)
	handler := otelhttp.NewHandler(ingressSrv.Handler(), "validatord-ingress")

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.LeaseSeconds)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting validatord", "addr", cfg.HTTPAddr, "node_id", cfg.NodeID.String())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// exportMetricsPeriodically drains the collector's instruction-state-change
// event log on a fixed interval and writes each batch to a timestamped
// Parquet file under dir, for analytics consumers that don't scrape
// Prometheus (§9 design notes). A drain that finds no events is skipped.
func exportMetricsPeriodically(ctx context.Context, logger *slog.Logger, collector *metrics.Collector, dir string, interval time.Duration) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("metrics export: create export dir failed", "dir", dir, "error", err)
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events := collector.DrainEvents()
			if len(events) == 0 {
				continue
			}
			path := filepath.Join(dir, fmt.Sprintf("events-%d.parquet", time.Now().UnixNano()))
			if err := metrics.ExportEvents(path, events); err != nil {
				logger.Error("metrics export failed", "path", path, "error", err)
				continue
			}
			logger.Info("exported instruction events", "path", path, "count", len(events))
		}
	}
}

// registerContracts wires the example contract bodies a deployment needs for
// its asset templates. Real contracts are out of scope for the consensus
// core (§1 Non-goals); a no-op accept-everything contract keeps the ingress
// path exercisable end to end without one.
func registerContracts(reg *template.Registry) {
	reg.Register(ids.TemplateID{}, "noop", template.ContractFunc(func(_ context.Context, _ store.Instruction) (template.Result, error) {
		return template.Result{}, nil
	}))
}
