package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"retrace/internal/cdp"
	"retrace/internal/page"
	"retrace/internal/server"
	"retrace/internal/store"
)

func cmdServe(cfg *Config, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	listen := fs.String("listen", "", "Listen address (overrides config file)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}

	fc, err := loadFileConfig(cfg)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	if *listen != "" {
		fc.Listen = *listen
	}

	db, err := store.Open(fc.Store.Path)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	defer db.Close()

	host, port := fc.Chrome.Host, fc.Chrome.Port
	provider := server.ProviderFunc(func(ctx context.Context) (page.Page, func(), error) {
		client, err := cdp.Connect(ctx, host, port)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to chrome at %s:%d: %w", host, port, err)
		}
		pages, err := client.Pages(ctx)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		if len(pages) == 0 {
			client.Close()
			return nil, nil, fmt.Errorf("no pages available")
		}
		p, err := page.NewCDP(ctx, client, pages[0].ID)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return p, func() { client.Close() }, nil
	})

	srv := server.NewServer(db, provider, fc.Options(), fc.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	return ExitSuccess
}
