// Package main implements the extmesh app runner: it loads the property
// file, registers the built-in addons, starts the app with its predefined
// graphs, and serves Prometheus metrics until a shutdown signal arrives.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/extmesh/app"
	"github.com/c360/extmesh/builtin"
	"github.com/c360/extmesh/config"
	"github.com/c360/extmesh/message"
	"github.com/c360/extmesh/metric"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "extmesh"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	property, err := config.Load(cliCfg.PropertyPath)
	if err != nil {
		return fmt.Errorf("load property file: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Property file is valid", "path", cliCfg.PropertyPath)
		return nil
	}

	// CLI flags override the property file's logging choices.
	level := property.Log.Level
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	format := property.Log.Format
	if cliCfg.LogFormat != "" {
		format = cliCfg.LogFormat
	}
	logger := setupLogger(level, format)
	slog.SetDefault(logger)

	slog.Info("Starting extmesh",
		"version", Version,
		"property_path", cliCfg.PropertyPath,
		"uri", property.URI)

	metrics := metric.NewRegistry()
	if cliCfg.MetricsPort > 0 {
		serveMetrics(cliCfg.MetricsPort, metrics)
	}

	a := app.New(app.Config{
		URI:        property.URI,
		NATSUrl:    property.NATSUrl,
		Logger:     logger,
		Metrics:    metrics,
		CmdTimeout: property.CmdTimeout(),
	})
	if err := a.Start(); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	if err := builtin.Register(a.AddonManager()); err != nil {
		return fmt.Errorf("register builtin addons: %w", err)
	}

	if err := startPredefinedGraphs(a, property); err != nil {
		return err
	}

	// Block until a shutdown signal, then drain the app.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("Received shutdown signal")

	a.Close()

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		return fmt.Errorf("graceful shutdown timed out")
	}

	slog.Info("extmesh shutdown complete")
	return nil
}

// startPredefinedGraphs starts every auto-start graph from the property file.
func startPredefinedGraphs(a *app.App, property *config.Property) error {
	for _, pg := range property.Graphs {
		if !pg.AutoStart {
			continue
		}

		start, err := message.NewControlCmd(message.KindStartGraph)
		if err != nil {
			return err
		}
		start.SetProp("graph_json", string(pg.Graph))

		name := pg.Name
		if err := a.Submit(start, func(result *message.Msg) {
			if result.Status() != message.StatusOK {
				slog.Error("predefined graph rejected",
					"graph", name, "detail", result.PropString("detail", ""))
				return
			}
			slog.Info("predefined graph started",
				"graph", name, "graph_id", result.PropString("graph_id", ""))
		}); err != nil {
			return fmt.Errorf("start predefined graph %s: %w", name, err)
		}
	}
	return nil
}

// serveMetrics exposes the Prometheus registry on /metrics.
func serveMetrics(port int, metrics *metric.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		metrics.Prometheus(), promhttp.HandlerOpts{}))

	go func() {
		addr := fmt.Sprintf(":%d", port)
		slog.Info("metrics endpoint up", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics endpoint failed", "error", err)
		}
	}()
}
