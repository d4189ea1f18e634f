package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/V4T54L/logsmith/internal/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "logsmith",
		Short:         "Error log ingestion and grouping pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newIngestCmd(), newGroupCmd(), newBackupCmd(), newRestoreCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// serveMetrics exposes the registry on cfg.MetricsAddr when set. The returned
// shutdown func is a no-op otherwise.
func serveMetrics(cfg *config.Config, reg *prometheus.Registry, log *slog.Logger) func(context.Context) {
	if cfg.MetricsAddr == "" {
		return func(context.Context) {}
	}

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		log.Info("starting metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	return func(ctx context.Context) {
		_ = srv.Shutdown(ctx)
	}
}
