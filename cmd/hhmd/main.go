// Command hhmd is the Hinted Handoff Manager daemon: it wires a Manager
// to a real storage backend, starts the scheduler, and exposes the
// operator control surface over a Unix socket. Grounded on the teacher's
// cmd/bd daemon entrypoint (cobra root command, config load, signal-
// driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	hhm "bolt-hhm.dev/hhm"
	"bolt-hhm.dev/hhm/internal/hhconfig"
	"bolt-hhm.dev/hhm/internal/hhmetrics"
	"bolt-hhm.dev/hhm/internal/hhrpc"
	"bolt-hhm.dev/hhm/internal/hhstore/sqlstore"
	"bolt-hhm.dev/hhm/internal/hhtestutil"
)

var (
	configPath   string
	dsn          string
	socketPath   string
	clusterSz    int
	otlpEndpoint string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hhmd",
	Short: "hhmd - Hinted Handoff Manager daemon",
	Long:  `Stores and replays mutations addressed to temporarily unreachable peers.`,
	RunE:  runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "hhm.yaml", "path to the daemon's configuration file")
	rootCmd.Flags().StringVar(&dsn, "store-dsn", "file://./hhm-data", "hint store DSN (file:// for embedded Dolt, otherwise a MySQL DSN)")
	rootCmd.Flags().StringVar(&socketPath, "socket", "/tmp/hhmd.sock", "management RPC Unix socket path")
	rootCmd.Flags().IntVar(&clusterSz, "cluster-size", 3, "cluster node count for the per-node throttle share, used when the membership view reports no endpoints")
	rootCmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP metrics collector endpoint; when unset, metrics are written to stdout instead")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := hhconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("hhmd: load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlstore.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("hhmd: open store: %w", err)
	}
	defer store.Close()

	metrics, err := newMetricsRecorder(ctx)
	if err != nil {
		return fmt.Errorf("hhmd: metrics: %w", err)
	}

	// The RPC transport, failure detector, membership view, and gossip
	// schema surface are owned by the surrounding cluster this manager is
	// embedded in; hhmd standalone wires deterministic fakes so the
	// daemon is runnable and its control surface exercisable without a
	// live cluster. An embedding process links hhm.New directly instead
	// of running this binary.
	rpc := &hhtestutil.FakeRPC{}
	fd := hhtestutil.NewFakeFailureDetector()
	membership := hhtestutil.NewFakeMembership()
	gossip := hhtestutil.NewFakeGossip()
	local := hhtestutil.NewFakeLocalSchema(hhm.SchemaVersion{})
	truncations := hhtestutil.NewFakeTruncations()

	manager := hhm.New(store, hhm.Config{
		MaxHintThreads:          cfg.MaxHintThreads,
		MaxHintTTL:              cfg.MaxHintTTL,
		GlobalThrottleKB:        cfg.GlobalThrottleKB,
		ClusterSize:             clusterSz,
		InMemoryCompactionLimit: cfg.InMemoryCompactionLimit,
		TombstoneWarnThreshold:  cfg.TombstoneWarnThreshold,
		RingDelay:               cfg.RingDelay,
		SchemaAgreementPoll:     cfg.SchemaAgreementPoll,
	}, rpc, fd, membership, gossip, local, truncations, metrics, logger)

	manager.Scheduler.Start(ctx)
	defer manager.Scheduler.Stop()

	stopWatch, err := hhconfig.WatchFile(configPath, func(c *hhconfig.Config) {
		logger.Info("hhm: configuration reloaded")
	}, func(err error) {
		logger.Warn("hhm: config reload failed", "err", err)
	})
	if err == nil {
		defer stopWatch()
	}

	server, err := hhrpc.Listen(socketPath, manager.Control, logger)
	if err != nil {
		return fmt.Errorf("hhmd: listen: %w", err)
	}

	logger.Info("hhm: daemon started", "socket", socketPath, "store", dsn)
	return server.Serve(ctx)
}

func newMetricsRecorder(ctx context.Context) (*hhmetrics.Recorder, error) {
	metricExporter, err := newMetricExporter(ctx)
	if err != nil {
		return nil, err
	}
	traceExporter, err := stdouttrace.New()
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	return hhmetrics.New(meterProvider.Meter("bolt-hhm.dev/hhm"), tracerProvider.Tracer("bolt-hhm.dev/hhm"))
}

// newMetricExporter picks the OTLP/HTTP exporter when --otlp-endpoint is
// set, falling back to the stdout exporter for a zero-dependency local
// run. Both implement sdkmetric.Reader's underlying exporter interface
// identically from the rest of the wiring's point of view.
func newMetricExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	if otlpEndpoint == "" {
		return stdoutmetric.New()
	}
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(otlpEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
}
