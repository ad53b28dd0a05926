package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	PropertyPath string
	LogLevel     string
	LogFormat    string
	MetricsPort  int
	ShowVersion  bool
	ShowHelp     bool
	Validate     bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.PropertyPath, "property",
		getEnv("EXTMESH_PROPERTY", "property.json"),
		"Path to the app property file (env: EXTMESH_PROPERTY)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("EXTMESH_LOG_LEVEL", ""),
		"Log level: verbose, debug, info, warn, error (env: EXTMESH_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("EXTMESH_LOG_FORMAT", ""),
		"Log format: text, json (env: EXTMESH_LOG_FORMAT)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("EXTMESH_METRICS_PORT", 0),
		"Prometheus metrics port, 0 to disable (env: EXTMESH_METRICS_PORT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate the property file and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.PropertyPath); err != nil {
		return fmt.Errorf("property file not found: %s", cfg.PropertyPath)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - dataflow runtime for composable extensions

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a property file
  %s --property=/etc/extmesh/property.json

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Validate the property file only
  %s --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], Version)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
