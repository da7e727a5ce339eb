// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package blobstore implements the content-addressed blob store: a
// two-level directory layout keyed by the SHA-1 checksum of each blob's
// contents.
package blobstore

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/nishisan-dev/n-sync/internal/protocol"
)

// ErrChecksumMismatch is returned when a scoped writer's computed hash
// disagrees with the checksum it was opened with.
var ErrChecksumMismatch = errors.New("blobstore: checksum mismatch")

// ErrNotFound is returned by Reader when the requested blob is absent.
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is a content-addressed blob store rooted at a directory.
// Optionally, blob bodies are stored zstd-compressed on disk; the
// checksum is always computed over the uncompressed bytes, so on-disk
// compression never changes the store's content-addressing semantics.
type Store struct {
	root     string
	compress bool
}

// New returns a Store rooted at root. compress enables zstd compression
// of blob bodies at rest.
func New(root string, compress bool) *Store {
	return &Store{root: root, compress: compress}
}

func bucketPath(root, checksum string) string {
	return filepath.Join(root, checksum[:2])
}

func blobPath(root, checksum string) string {
	return filepath.Join(root, checksum[:2], checksum[2:])
}

// Contains reports whether the store holds a blob for checksum.
func (s *Store) Contains(checksum string) (bool, error) {
	if err := validateChecksum(checksum); err != nil {
		return false, err
	}
	_, err := os.Stat(blobPath(s.root, checksum))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("blobstore: stat blob: %w", err)
}

// Reader opens the blob for checksum for reading.
func (s *Store) Reader(checksum string) (io.ReadCloser, error) {
	if err := validateChecksum(checksum); err != nil {
		return nil, err
	}
	f, err := os.Open(blobPath(s.root, checksum))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, checksum)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: opening blob: %w", err)
	}
	if !s.compress {
		return f, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstore: opening zstd reader: %w", err)
	}
	return &zstdReadCloser{zr: zr, f: f}, nil
}

type zstdReadCloser struct {
	zr *zstd.Decoder
	f  *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.zr.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.zr.Close()
	return z.f.Close()
}

// Writer is a scoped writer that hashes everything written. Exactly one
// of Commit or Abort must be called: Commit finalizes the blob under its content
// address (verifying expectedChecksum if non-empty), Abort discards the
// temporary file.
type Writer struct {
	store *Store
	tmp   *os.File
	hash  hash.Hash
	dst   io.Writer
	zw    *zstd.Encoder
	done  bool
}

// Writer returns a scoped writer for a new blob. If the expectedChecksum
// passed to Commit is non-empty, Commit verifies the written bytes hash to it.
func (s *Store) Writer() (*Writer, error) {
	tmp, err := os.CreateTemp(s.root, "blob-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating temp file: %w", err)
	}
	w := &Writer{store: s, tmp: tmp, hash: sha1.New()}
	w.dst = tmp
	if s.compress {
		zw, err := zstd.NewWriter(tmp)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("blobstore: creating zstd writer: %w", err)
		}
		w.zw = zw
		w.dst = zw
	}
	return w, nil
}

// Write implements io.Writer, hashing data as it is written.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
	}
	return n, err
}

// Commit finalizes the blob: flushes and closes the temp file, verifies
// expectedChecksum (if non-empty) against the bytes written, then moves
// the temp file into its bucket directory (created if absent).
func (w *Writer) Commit(expectedChecksum string) (string, error) {
	if w.done {
		return "", fmt.Errorf("blobstore: writer already closed")
	}
	w.done = true

	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			w.abortTemp()
			return "", fmt.Errorf("blobstore: closing zstd writer: %w", err)
		}
	}
	if err := w.tmp.Close(); err != nil {
		w.abortTemp()
		return "", fmt.Errorf("blobstore: closing temp file: %w", err)
	}

	checksum := fmt.Sprintf("%x", w.hash.Sum(nil))
	if expectedChecksum != "" && expectedChecksum != checksum {
		w.abortTemp()
		return "", fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expectedChecksum, checksum)
	}

	bucket := bucketPath(w.store.root, checksum)
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		w.abortTemp()
		return "", fmt.Errorf("blobstore: creating bucket directory: %w", err)
	}
	if err := os.Rename(w.tmp.Name(), blobPath(w.store.root, checksum)); err != nil {
		w.abortTemp()
		return "", fmt.Errorf("blobstore: renaming into bucket: %w", err)
	}
	return checksum, nil
}

// Abort discards the temporary file without committing a blob.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.zw != nil {
		w.zw.Close()
	}
	w.tmp.Close()
	return os.Remove(w.tmp.Name())
}

func (w *Writer) abortTemp() {
	if w.zw != nil {
		w.zw.Close()
	}
	os.Remove(w.tmp.Name())
}

func validateChecksum(checksum string) error {
	if len(checksum) != protocol.ChecksumLen {
		return fmt.Errorf("%w: checksum %q is not %d hex characters", protocol.ErrInvariantViolation, checksum, protocol.ChecksumLen)
	}
	for _, c := range checksum {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: checksum %q is not lowercase hex", protocol.ErrInvariantViolation, checksum)
		}
	}
	return nil
}
