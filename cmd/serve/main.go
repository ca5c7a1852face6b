package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/kosh-serve/internal/config"
	"github.com/Kush-Singh-26/kosh-serve/internal/server"
	"github.com/Kush-Singh-26/kosh-serve/internal/static"
	"github.com/Kush-Singh-26/kosh-serve/internal/watch"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "-help", "--help":
			printUsage()
			return 0
		case "serve":
			args = args[1:]
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printUsage()
		return 2
	}

	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			if sig == os.Interrupt {
				// The terminal echoed ^C without a newline
				fmt.Fprintln(os.Stdout)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := static.Options{
		Out:             os.Stdout,
		Root:            root,
		Compress:        cfg.Compress,
		CompressMinSize: cfg.CompressMinSize,
		CompressMaxSize: cfg.CompressMaxSize,
		Minify:          cfg.Minify,
		Logger:          logger,
	}

	if cfg.Watch {
		var cache *static.ListingCache
		w, err := watch.New(root, func(ev watch.Event) {
			cache.Invalidate(ev.Rel)
		}, logger)
		if err != nil {
			logger.Warn("Directory listing cache disabled", "error", err)
		} else {
			cache = static.NewListingCache(w.Watching)
			opts.Cache = cache
			go func() {
				if err := w.Start(ctx); err != nil {
					logger.Warn("File watcher stopped", "error", err)
				}
			}()
		}
	}

	// The working directory is the document root, read-only
	fsys := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
	handler, err := static.NewHandler(fsys, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = handler.Close() }()

	srv := server.New(cfg, handler, os.Stdout, logger)
	if err := srv.Run(ctx); err != nil {
		var bindErr *server.BindError
		if errors.As(err, &bindErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", bindErr)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: server failed: %v\n", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Println("Usage: kosh-serve [serve] [flags]")
	fmt.Println("\nServes the current directory over HTTP with Access-Control-Allow-Origin: *")
	fmt.Println("\nFlags:")
	fmt.Println("  -host <addr>     Interface to listen on (default 0.0.0.0)")
	fmt.Println("  -port <n>        TCP port (default 5000)")
	fmt.Println("  -config <file>   YAML or TOML config file (default ./serve.yaml if present)")
	fmt.Println("  -compress        Enable zstd/gzip compression")
	fmt.Println("  -watch           Cache directory listings, invalidated on change")
	fmt.Println("\nEnvironment:")
	fmt.Println("  SERVE_HOST, SERVE_PORT override the config file")
}
