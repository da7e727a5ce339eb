// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nishisan-dev/n-sync/internal/client"
	"github.com/nishisan-dev/n-sync/internal/config"
	"github.com/nishisan-dev/n-sync/internal/logging"
)

const usage = `usage:
  nsync-client init --config <path>
  nsync-client sync --config <path> [--once] [--progress]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "sync":
		runSync(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// runInit creates the hidden state directory under the configured
// working tree root, mirroring the original's `mf init`.
func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "/etc/nsync/client.yaml", "path to client config file")
	fs.Parse(args)

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := client.InitTree(cfg.Tree.Root); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing tree: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized sync tree at %s\n", cfg.Tree.Root)
}

// runSync performs one sync run with --once, and otherwise starts the
// daemon loop on the configured schedule.
func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "/etc/nsync/client.yaml", "path to client config file")
	once := fs.Bool("once", false, "run a single sync and exit (no daemon)")
	showProgress := fs.Bool("progress", false, "show progress bar (only with --once)")
	fs.Parse(args)

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if *once {
		var progress *client.ProgressReporter
		if *showProgress {
			progress = client.NewProgressReporter(cfg.Client.Name, 0, 0)
		}

		result, err := client.RunWithRetry(context.Background(), cfg, progress, logger)
		if progress != nil {
			progress.Stop()
		}
		if err != nil {
			logger.Error("sync failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Sync complete: base=%d new=%d added=%d removed=%d\n",
			result.BaseVersion, result.NewVersion, len(result.Diff.Added), len(result.Diff.Removed))
		return
	}

	if err := client.RunDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}
