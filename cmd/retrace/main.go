package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"retrace/internal/cdp"
	"retrace/internal/config"
	"retrace/internal/page"
	"retrace/internal/store"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3
)

// Config holds the CLI configuration.
type Config struct {
	ConfigPath string
	DBPath     string
	Host       string
	Port       int
	Timeout    time.Duration
	Output     string // json, ndjson, text
	Target     string // target index or ID

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// explicit tracks fields set by CLI flags or env vars, which take
	// precedence over the YAML config file.
	explicit map[string]bool
}

// DefaultConfig returns the default configuration. Output defaults to
// text when stdout is a terminal and json otherwise.
func DefaultConfig() *Config {
	out := "json"
	if isTerminal(os.Stdout) {
		out = "text"
	}
	return &Config{
		DBPath:  "retrace.db",
		Host:    "localhost",
		Port:    9222,
		Timeout: 30 * time.Second,
		Output:  out,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

func main() {
	os.Exit(run(os.Args[1:], DefaultConfig()))
}

func run(args []string, cfg *Config) int {
	fs := flag.NewFlagSet("retrace", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "Config file (YAML)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Recording database path (env: RETRACE_DB)")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Chrome debug host (env: RETRACE_HOST)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Chrome debug port (env: RETRACE_PORT)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Command timeout")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "Output format: json, ndjson, text")
	fs.StringVar(&cfg.Target, "target", cfg.Target, "Target page (index or ID)")

	fs.Usage = func() { printUsage(cfg, fs) }

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	applyEnvVars(cfg, explicit)
	cfg.explicit = explicit

	remaining := fs.Args()
	if len(remaining) < 1 {
		printUsage(cfg, fs)
		return ExitError
	}

	cmd := remaining[0]
	info, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(cfg.Stderr, "unknown command: %s\n", cmd)
		return ExitError
	}
	return info.Run(cfg, remaining[1:])
}

// applyEnvVars applies environment variables to cfg, but only for
// fields not already set by explicit CLI flags. Env-set fields count as
// explicit so they also win over the config file.
func applyEnvVars(cfg *Config, explicit map[string]bool) {
	if !explicit["db"] {
		if v := os.Getenv("RETRACE_DB"); v != "" {
			cfg.DBPath = v
			explicit["db"] = true
		}
	}
	if !explicit["host"] {
		if v := os.Getenv("RETRACE_HOST"); v != "" {
			cfg.Host = v
			explicit["host"] = true
		}
	}
	if !explicit["port"] {
		if v := os.Getenv("RETRACE_PORT"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				cfg.Port = i
				explicit["port"] = true
			}
		}
	}
}

// loadFileConfig resolves the YAML config file. CLI flags for db, host
// and port take precedence over it when set explicitly.
func loadFileConfig(cfg *Config) (*config.Config, error) {
	path := cfg.ConfigPath
	if path == "" {
		path = "retrace.yaml"
	}
	fc, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.explicit["db"] {
		fc.Store.Path = cfg.DBPath
	}
	if cfg.explicit["host"] {
		fc.Chrome.Host = cfg.Host
	}
	if cfg.explicit["port"] {
		fc.Chrome.Port = cfg.Port
	}
	return fc, nil
}

// withStore executes a function with an open recording store.
func withStore(cfg *Config, fn func(db *store.Store) (interface{}, error)) int {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	defer db.Close()

	result, err := fn(db)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	if result == nil {
		return ExitSuccess
	}
	return outputResult(cfg, result)
}

// resolveTarget resolves the target page from cfg.Target. Empty means
// the first page, a number is an index, anything else a target ID.
func resolveTarget(ctx context.Context, client *cdp.Client, cfg *Config) (*cdp.TargetInfo, error) {
	pages, err := client.Pages(ctx)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages available")
	}

	if cfg.Target == "" {
		return &pages[0], nil
	}

	if idx, err := strconv.Atoi(cfg.Target); err == nil {
		if idx < 0 || idx >= len(pages) {
			return nil, fmt.Errorf("invalid target index: %d (have %d pages)", idx, len(pages))
		}
		return &pages[idx], nil
	}

	for i := range pages {
		if pages[i].ID == cfg.Target {
			return &pages[i], nil
		}
	}
	return nil, fmt.Errorf("invalid target: %s (not found)", cfg.Target)
}

// withPage executes a function with a live page attached over CDP.
func withPage(cfg *Config, fn func(ctx context.Context, p page.Page) (interface{}, error)) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	client, err := cdp.Connect(ctx, cfg.Host, cfg.Port)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitConnFailed
	}
	defer client.Close()

	target, err := resolveTarget(ctx, client, cfg)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	p, err := page.NewCDP(ctx, client, target.ID)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	result, err := fn(ctx, p)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			fmt.Fprintln(cfg.Stderr, "error: timeout")
			return ExitTimeout
		}
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	if result == nil {
		return ExitSuccess
	}
	return outputResult(cfg, result)
}
