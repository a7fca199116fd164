// Command nbpulse runs the notebook telemetry agent: it reads raw
// interaction events from stdin, buffers them under a fixed memory bound
// and ships batches to the configured collector with bounded retry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mkowalik/nbpulse/internal/compression"
	"github.com/mkowalik/nbpulse/internal/dispatch"
	"github.com/mkowalik/nbpulse/internal/errclass"
	"github.com/mkowalik/nbpulse/internal/health"
	"github.com/mkowalik/nbpulse/internal/logging"
	"github.com/mkowalik/nbpulse/internal/settings"
	"github.com/mkowalik/nbpulse/internal/source"
	"github.com/mkowalik/nbpulse/internal/stats"
	"github.com/mkowalik/nbpulse/internal/timerpool"
	"github.com/mkowalik/nbpulse/internal/transmit"
)

// version is set at build time via ldflags.
var version = "dev"

type flags struct {
	settingsFile    string
	pluginID        string
	statsAddr       string
	logLevel        string
	compressionType string
	maxTimers       int
	jitter          bool
	shutdownTimeout time.Duration
	memoryRatio     float64
	showVersion     bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.settingsFile, "settings", "nbpulse.yaml", "Path to the YAML settings file")
	flag.StringVar(&f.pluginID, "plugin-id", "nbpulse", "Plugin ID used to select the settings section")
	flag.StringVar(&f.statsAddr, "stats-addr", ":9217", "Listen address for /metrics, /live and /ready")
	flag.StringVar(&f.logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	flag.StringVar(&f.compressionType, "compression", "none", "Request body compression (none, gzip, zstd)")
	flag.IntVar(&f.maxTimers, "max-timers", timerpool.DefaultMaxConcurrent, "Cap on concurrent retry backoff timers")
	flag.BoolVar(&f.jitter, "retry-jitter", false, "Randomize retry backoff waits")
	flag.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for in-flight batches on shutdown")
	flag.Float64Var(&f.memoryRatio, "memory-limit-ratio", 0.9, "Fraction of the container memory limit used for GOMEMLIMIT")
	flag.BoolVar(&f.showVersion, "version", false, "Print version and exit")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()
	if f.showVersion {
		fmt.Printf("nbpulse %s\n", version)
		return
	}

	logging.SetMinLevel(logging.ParseLevel(f.logLevel))
	logging.SetResource(map[string]string{
		"service.name":    "nbpulse",
		"service.version": version,
	})

	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(f.memoryRatio)); err != nil {
		logging.Debug("no container memory limit detected", logging.F("error", err.Error()))
	}

	compType, err := compression.ParseType(f.compressionType)
	if err != nil {
		logging.Fatal("invalid compression flag", logging.F("error", err.Error()))
	}

	classifier := errclass.New(errclass.WithNotifier(logNotifier{}))

	store := settings.NewStore(classifier)
	provider := settings.NewFileProvider(f.settingsFile)
	if err := store.Initialize(provider, f.pluginID); err != nil {
		// Startup failures are the one path allowed to propagate upward.
		fatal := classifier.Handle(err, errclass.CategoryInitialization, errclass.SeverityCritical, "agent startup", nil)
		logging.Fatal("agent failed to start", logging.F("error", fatal.Error()))
	}

	pool := timerpool.New(f.maxTimers)
	sender := transmit.NewHTTPSender(store, transmit.HTTPSenderConfig{Compression: compType})
	defer sender.Close()

	svcOpts := []transmit.ServiceOption{}
	if f.jitter {
		svcOpts = append(svcOpts, transmit.WithJitter())
	}
	service := transmit.NewService(sender, store, pool, classifier, svcOpts...)

	collector := stats.NewCollector()
	pipeline := dispatch.New(store, service, classifier, collector)

	checker := health.New()
	checker.Register("settings", func() error {
		if store.Current().ServerURL == "" {
			return errors.New("no collector URL configured")
		}
		return nil
	})
	checker.Register("buffer", func() error {
		buf := pipeline.Buffer()
		if buf.Len() >= buf.Capacity() {
			return fmt.Errorf("buffer full (%d/%d), events being evicted", buf.Len(), buf.Capacity())
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", checker.LiveHandler())
	mux.HandleFunc("/ready", checker.ReadyHandler())
	statsServer := &http.Server{Addr: f.statsAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the settings file; validated changes propagate live.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("stats endpoint started", logging.F("addr", f.statsAddr))
		if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stats server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		collector.StartPeriodicLogging(gctx, 30*time.Second)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := provider.Reload(); err != nil {
					_ = classifier.Handle(err, errclass.CategorySettings, errclass.SeverityHigh, "settings reload", nil)
				}
			}
		}
	})

	// The reader runs outside the errgroup: a blocked stdin read cannot be
	// interrupted, and shutdown must not wait on it. EOF means the host is
	// done and triggers shutdown itself.
	reader := source.NewReader(os.Stdin, pipeline, classifier)
	go func() {
		if err := reader.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error("event source failed", logging.F("error", err.Error()))
		}
		stop()
	}()

	logging.Info("nbpulse started", logging.F(
		"version", version,
		"settings_file", f.settingsFile,
		"collector_url", store.Current().ServerURL,
		"batch_size", store.Current().BatchSize,
		"buffer_capacity", store.Current().BufferCapacity,
		"max_timers", pool.MaxConcurrent(),
	))

	<-gctx.Done()
	logging.Info("shutting down")
	checker.SetShuttingDown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.shutdownTimeout)
	defer cancel()

	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		// Abandon whatever retry waits are still pending.
		cleared := pool.ClearAll()
		logging.Warn("forced shutdown", logging.F(
			"error", err.Error(),
			"timers_cleared", cleared,
		))
	}

	_ = statsServer.Shutdown(shutdownCtx)
	if err := g.Wait(); err != nil {
		logging.Error("agent exited with error", logging.F("error", err.Error()))
		os.Exit(1)
	}
	logging.Info("shutdown complete")
}

// logNotifier satisfies errclass.Notifier for the headless agent: user
// notifications become structured log lines the host UI can relay.
type logNotifier struct{}

func (logNotifier) Notify(message string, severity errclass.Severity, autoClose time.Duration) {
	logging.Warn("user notification", logging.F(
		"message", message,
		"severity", severity.String(),
		"auto_close_ms", autoClose.Milliseconds(),
		"sticky", autoClose == errclass.Sticky,
	))
}
