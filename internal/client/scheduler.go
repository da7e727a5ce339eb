// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/n-sync/internal/config"
	"github.com/robfig/cron/v3"
)

// LastResult stores the outcome of the most recent scheduled sync.
type LastResult struct {
	Status      string // "completed", "failed", "skipped"
	Duration    time.Duration
	NewVersion  uint64
	Timestamp   time.Time
	Err         error
}

// Scheduler runs one cron job that triggers a sync of the configured
// working tree on cfg.Daemon.Schedule. Unlike the teacher's per-entry
// scheduler, a sync client manages a single tree, so there is exactly
// one job rather than one per backup entry.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	last    *LastResult
}

// NewScheduler creates a Scheduler that calls runFn once per firing of
// cfg.Daemon.Schedule.
func NewScheduler(cfg *config.ClientConfig, logger *slog.Logger, runFn func(ctx context.Context) (RunResult, error)) (*Scheduler, error) {
	s := &Scheduler{logger: logger}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(cfg.Daemon.Schedule, func() {
		s.execute(runFn)
	}); err != nil {
		return nil, fmt.Errorf("adding cron job: %w", err)
	}

	logger.Info("registered sync job", "schedule", cfg.Daemon.Schedule)
	s.cron = c
	return s, nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop stops the scheduler and waits for any in-flight run.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Last returns the outcome of the most recent run, or nil if none has
// completed yet.
func (s *Scheduler) Last() *LastResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) execute(runFn func(ctx context.Context) (RunResult, error)) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("sync already running, skipping scheduled run")
		s.mu.Lock()
		s.last = &LastResult{Status: "skipped", Timestamp: time.Now()}
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduled sync triggered")
	start := time.Now()

	result, err := runFn(context.Background())
	duration := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Error("scheduled sync failed", "error", err, "duration", duration)
		s.last = &LastResult{Status: "failed", Duration: duration, Timestamp: time.Now(), Err: err}
		return
	}
	s.logger.Info("scheduled sync completed", "duration", duration, "new_version", result.NewVersion)
	s.last = &LastResult{Status: "completed", Duration: duration, NewVersion: result.NewVersion, Timestamp: time.Now()}
}
