package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths []string
	EnvFile     string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var paths stringList
	fs.Var(&paths, "config", "YAML config file, repeat to layer (env: REFWATCH_CONFIG, comma separated)")
	fs.Var(&paths, "c", "Shorthand for -config")
	fs.StringVar(&cfg.EnvFile, "env-file", getEnv("REFWATCH_ENV_FILE", ".env"), "Optional .env file (env: REFWATCH_ENV_FILE)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Override log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Override log format: json, text")
	fs.BoolVar(&cfg.Debug, "debug", false, "Shorthand for -log-level=debug")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPaths = paths
	if len(cfg.ConfigPaths) == 0 {
		for _, p := range strings.Split(getEnv("REFWATCH_CONFIG", ""), ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.ConfigPaths = append(cfg.ConfigPaths, p)
			}
		}
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - tournament data access with tiered caching and realtime status

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Base config plus a production overlay
  %s -config=configs/refwatch.yaml -config=configs/prod.yaml

  # Everything from the environment
  export REFWATCH_ORIGIN_BASE_URL=https://api.example.org
  export REFWATCH_STORAGE_BACKEND=redis
  %s

  # Validate configuration only
  %s -validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
