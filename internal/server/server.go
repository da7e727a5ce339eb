// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-sync/internal/config"
	"github.com/nishisan-dev/n-sync/internal/pki"
	"github.com/nishisan-dev/n-sync/internal/protocol"
	"github.com/nishisan-dev/n-sync/internal/replication"
	"github.com/nishisan-dev/n-sync/internal/repo"
	"github.com/nishisan-dev/n-sync/internal/server/observability"
)

var sessionSeq atomic.Int64

// Run starts the sync server and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("configuring TLS: %w", err)
	}

	ln, err := tls.Listen("tcp", cfg.Server.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	defer ln.Close()

	logger.Info("server listening", "address", cfg.Server.Listen)
	return RunWithListener(ctx, ln, cfg, logger)
}

// RunWithListener starts the sync server on an already-open listener
// (used by tests, and by Run above once TLS is wrapped).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.ServerConfig, logger *slog.Logger) error {
	repository, err := repo.Init(cfg.Repository.Root, cfg.Repository.CompressBlobs)
	if err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}

	if cfg.Replication.Enabled {
		replicator, err := replication.New(ctx, cfg.Replication, logger)
		if err != nil {
			return fmt.Errorf("configuring replication: %w", err)
		}
		repository.Replicator = replicator
		logger.Info("replication enabled", "bucket", cfg.Replication.Bucket, "prefix", cfg.Replication.Prefix)

		go func() {
			<-ctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := replicator.Close(closeCtx); err != nil {
				logger.Warn("replication queue did not drain before shutdown", "error", err)
			}
		}()
	}

	metrics := &observability.Metrics{}

	var events *observability.EventRing
	if cfg.WebUI.Enabled {
		events = startWebUI(ctx, cfg, repository, metrics, logger)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		go dispatch(conn, repository, metrics, events, logger)
	}
}

// dispatch runs one Session to completion over conn, updating metrics
// and logging the outcome. A panic inside Session.Run is already
// converted into an error(report) frame and a returned error, so no
// recover is needed here.
func dispatch(conn net.Conn, repository *repo.Repository, metrics *observability.Metrics, events *observability.EventRing, logger *slog.Logger) {
	defer conn.Close()

	id := fmt.Sprintf("sess-%d", sessionSeq.Add(1))
	metrics.ActiveConns.Add(1)
	defer metrics.ActiveConns.Add(-1)

	ch := protocol.NewChannel(conn, conn)
	sess := NewSession(id, repository, ch, logger, events)

	metrics.SessionsTotal.Add(1)
	if err := sess.Run(); err != nil {
		metrics.SessionsFailed.Add(1)
		logger.Error("session ended with error", "session", id, "remote", conn.RemoteAddr(), "error", err)
		return
	}
	logger.Info("session complete", "session", id, "remote", conn.RemoteAddr())
}

// startWebUI starts the observability dashboard's HTTP listener in the
// background and returns the EventRing sessions should log to. The
// server shuts down gracefully when ctx is cancelled.
func startWebUI(ctx context.Context, cfg *config.ServerConfig, repository *repo.Repository, metrics *observability.Metrics, logger *slog.Logger) *observability.EventRing {
	acl := observability.NewACL(cfg.WebUI.ParsedCIDRs)

	store, err := observability.NewEventStore(cfg.WebUI.EventsFile, 1000, cfg.WebUI.EventsMaxLines)
	if err != nil {
		logger.Error("creating event store", "error", err, "path", cfg.WebUI.EventsFile)
		store, _ = observability.NewEventStore(filepath.Join(os.TempDir(), "nsync-events.jsonl"), 1000, cfg.WebUI.EventsMaxLines)
	}

	router := observability.NewRouter(repository, metrics, store, acl, time.Now(), cfg.Repository.Root)

	webSrv := &http.Server{
		Addr:              cfg.WebUI.Listen,
		Handler:           router,
		ReadTimeout:       cfg.WebUI.ReadTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      cfg.WebUI.WriteTimeout,
		IdleTimeout:       cfg.WebUI.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("web UI listening", "address", cfg.WebUI.Listen)
		if err := webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("web UI server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := webSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("web UI shutdown error", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("event store close error", "error", err)
		}
		logger.Info("web UI shutdown complete")
	}()

	return store.Ring()
}
