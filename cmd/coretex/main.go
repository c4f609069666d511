// Command coretex runs a replicated key-value node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyp3rd/coretex"
	"github.com/hyp3rd/coretex/pkg/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the TOML configuration file")
	nodeID := flag.String("id", "", "Override node.id")
	logLevel := flag.String("log-level", "", "Override log.level (trace, debug, info, warn, error)")
	flag.Parse()

	cfg, err := load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coretex: %v\n", err)
		os.Exit(1)
	}

	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	node, err := coretex.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coretex: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = node.Start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coretex: start: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = node.Stop(shutdownCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coretex: stop: %v\n", err)
		os.Exit(1) //nolint:gocritic
	}
}

func load(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()

		return cfg, cfg.Validate()
	}

	return config.Load(path)
}
