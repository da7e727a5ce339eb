// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package replication mirrors committed blobs and version indices to an
// S3-compatible bucket, best-effort and asynchronously, so a repository
// outage doesn't block the sync session that triggered it.
package replication

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-sync/internal/config"
)

const (
	maxAttempts = 4
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 10 * time.Second
	putTimeout  = 30 * time.Second
)

type job struct {
	key  string
	body []byte
}

// Replicator queues PutObject uploads onto a bounded channel drained by
// a small worker pool, implementing repo.Replicator. A full queue drops
// the job rather than blocking the caller — replication is a mirror,
// never the source of truth.
type Replicator struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger

	queue   chan job
	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
}

// New builds a Replicator from cfg. It resolves AWS credentials and
// region through the default SDK credential chain (env vars, shared
// config, instance profile), optionally pointed at a custom endpoint
// for S3-compatible providers (e.g. MinIO).
func New(ctx context.Context, cfg config.ReplicationConfig, logger *slog.Logger) (*Replicator, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	r := &Replicator{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
		queue:  make(chan job, depth),
	}

	workers := 4
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	return r, nil
}

// ReplicateBlob queues a content-addressed blob for upload under
// <prefix>blobs/<checksum>.
func (r *Replicator) ReplicateBlob(checksum string, body []byte) {
	r.enqueue(blobKey(r.prefix, checksum), body)
}

// ReplicateVersion queues a version index for upload under
// <prefix>versions/<n>.
func (r *Replicator) ReplicateVersion(n int, body []byte) {
	r.enqueue(versionKey(r.prefix, n), body)
}

func blobKey(prefix, checksum string) string {
	return prefix + "blobs/" + checksum
}

func versionKey(prefix string, n int) string {
	return fmt.Sprintf("%sversions/%d", prefix, n)
}

func (r *Replicator) enqueue(key string, body []byte) {
	select {
	case r.queue <- job{key: key, body: body}:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.Warn("replication queue full, dropping object", "key", key)
	}
}

// Dropped returns the number of objects dropped due to a full queue,
// for observability.
func (r *Replicator) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting new work and waits for queued uploads to drain,
// up to ctx's deadline.
func (r *Replicator) Close(ctx context.Context) error {
	close(r.queue)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replicator) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.upload(j)
	}
}

func (r *Replicator) upload(j job) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
		_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &r.bucket,
			Key:    &j.key,
			Body:   bytes.NewReader(j.body),
		})
		cancel()

		if err == nil {
			return
		}
		lastErr = err
	}
	r.logger.Warn("replication upload failed after retries", "key", j.key, "error", lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
