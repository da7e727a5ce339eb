// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-sync/internal/config"
)

// RunDaemon starts the client in daemon mode with a single cron job
// driving scheduled sync runs. Blocks until SIGTERM or SIGINT.
// SIGHUP reloads configuration without downtime (systemctl reload).
func RunDaemon(configPath string, cfg *config.ClientConfig, logger *slog.Logger) error {
	logger.Info("starting daemon", "client", cfg.Client.Name, "schedule", cfg.Daemon.Schedule)

	runFn := func(ctx context.Context) (RunResult, error) {
		return RunWithRetry(ctx, cfg, nil, logger)
	}

	sched, err := NewScheduler(cfg, logger, runFn)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.LoadClientConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			sched.Stop(stopCtx)
			stopCancel()

			cfg = newCfg
			runFn = func(ctx context.Context) (RunResult, error) {
				return RunWithRetry(ctx, cfg, nil, logger)
			}
			sched, err = NewScheduler(cfg, logger, runFn)
			if err != nil {
				logger.Error("failed to create scheduler after reload", "error", err)
				return fmt.Errorf("reload scheduler: %w", err)
			}
			sched.Start()

			logger.Info("config reloaded successfully", "client", cfg.Client.Name, "schedule", cfg.Daemon.Schedule)
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		sched.Stop(ctx)
		cancel()
		return nil
	}
}

// RunWithRetry performs one sync with exponential-backoff retry; every
// failed attempt is retried until Retry.MaxAttempts is reached.
func RunWithRetry(ctx context.Context, cfg *config.ClientConfig, progress *ProgressReporter, logger *slog.Logger) (RunResult, error) {
	var lastErr error

	for attempt := 0; attempt < cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if progress != nil {
				progress.AddRetry()
			}
			delay := calculateBackoff(attempt, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
			logger.Info("retrying sync", "attempt", attempt+1, "delay", delay)

			select {
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := RunOnce(ctx, cfg, progress, logger)
		if err == nil {
			return result, nil
		}

		lastErr = err
		logger.Warn("sync attempt failed", "attempt", attempt+1, "error", err)
	}

	return RunResult{}, fmt.Errorf("all %d sync attempts failed, last error: %w", cfg.Retry.MaxAttempts, lastErr)
}

// calculateBackoff computes the capped exponential-backoff delay.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
