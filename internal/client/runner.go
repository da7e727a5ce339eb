// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/n-sync/internal/config"
	"github.com/nishisan-dev/n-sync/internal/pki"
	"github.com/nishisan-dev/n-sync/internal/protocol"
)

// RunResult summarizes one completed sync run, reported by the
// scheduler and printed by the interactive "sync" command.
type RunResult struct {
	BaseVersion uint64
	NewVersion  uint64
	Diff        protocol.CommitDiff
}

// RunOnce performs a single sync: loads the tree's local cache and
// last_sync marker, scans the working tree, dials the server, runs the
// session, then persists the updated cache and marker. progress, when
// non-nil, is fed byte/object counters as the session runs.
func RunOnce(ctx context.Context, cfg *config.ClientConfig, progress *ProgressReporter, logger *slog.Logger) (RunResult, error) {
	lastSync, err := LoadLastSync(cfg.Tree.Root)
	if err != nil {
		return RunResult{}, fmt.Errorf("loading last_sync: %w", err)
	}

	cachePath := cfg.Tree.CacheFile
	if !filepath.IsAbs(cachePath) {
		cachePath = filepath.Join(cfg.Tree.Root, cachePath)
	}
	cache, err := LoadCache(cachePath)
	if err != nil {
		return RunResult{}, fmt.Errorf("loading cache: %w", err)
	}

	excludes := cfg.Tree.Exclude
	if rel, err := filepath.Rel(cfg.Tree.Root, cachePath); err == nil && !strings.HasPrefix(rel, "..") {
		excludes = append(append([]string{}, excludes...), filepath.ToSlash(rel))
	}

	scanner := NewScanner(cfg.Tree.Root, excludes, cache)
	localBag, err := scanner.Scan(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("scanning working tree: %w", err)
	}
	logger.Info("local tree scanned", "files", len(localBag), "base_version", lastSync)

	tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		return RunResult{}, fmt.Errorf("building tls config: %w", err)
	}
	host, _, err := net.SplitHostPort(cfg.Server.Address)
	if err == nil {
		tlsCfg.ServerName = host
	}

	conn, err := dialWithContext(ctx, cfg.Server.Address, tlsCfg)
	if err != nil {
		return RunResult{}, fmt.Errorf("connecting to server: %w", err)
	}
	defer conn.Close()

	var writer io.Writer = conn
	if cfg.Tree.BandwidthLimitRaw > 0 {
		writer = NewThrottledWriter(ctx, conn, cfg.Tree.BandwidthLimitRaw)
	}

	ch := protocol.NewChannel(conn, writer)
	sess := NewSession(cfg.Tree.Root, ch)
	sess.Progress = progress

	newVersion, diff, err := sess.Run(lastSync, localBag)
	if err != nil {
		return RunResult{}, fmt.Errorf("sync session: %w", err)
	}

	if err := cache.Save(cachePath); err != nil {
		logger.Warn("failed to persist checksum cache", "error", err)
	}
	if err := SaveLastSync(cfg.Tree.Root, newVersion); err != nil {
		return RunResult{}, fmt.Errorf("persisting last_sync: %w", err)
	}

	return RunResult{
		BaseVersion: lastSync,
		NewVersion:  newVersion,
		Diff:        diff,
	}, nil
}

// dialWithContext connects via TLS honoring ctx for cancellation,
// mirroring the teacher's agent-side dial helper.
func dialWithContext(ctx context.Context, address string, tlsCfg *tls.Config) (*tls.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}
