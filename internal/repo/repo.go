// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package repo composes the blob store and version index codec into the
// on-disk repository format: a directory holding objects/ (blobs) and
// versions/ (one immutable text file per version number).
package repo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/nishisan-dev/n-sync/internal/blobstore"
	"github.com/nishisan-dev/n-sync/internal/protocol"
	"github.com/nishisan-dev/n-sync/internal/versionindex"
)

// ErrVersionExists is returned by WriteVersion when n already has a file.
var ErrVersionExists = errors.New("repo: version already exists")

// ErrNotFound is returned when a version number has no file.
var ErrNotFound = errors.New("repo: version not found")

// Replicator mirrors committed blobs and versions to a secondary store.
// Implementations must be best-effort: a replication failure is logged
// by the implementation and never fails the repository operation that triggered
// it. A nil Replicator disables replication entirely.
type Replicator interface {
	ReplicateBlob(checksum string, body []byte)
	ReplicateVersion(n int, body []byte)
}

// Repository wraps a root directory containing objects/ and versions/.
type Repository struct {
	root       string
	versions   string
	Blobs      *blobstore.Store
	Replicator Replicator
}

// Open returns a Repository for an already-initialized root.
func Open(root string, compress bool) *Repository {
	return &Repository{
		root:     root,
		versions: filepath.Join(root, "versions"),
		Blobs:    blobstore.New(filepath.Join(root, "objects"), compress),
	}
}

// Init creates objects/ and versions/ under root and writes an empty
// versions/0, if the repository does not already exist.
func Init(root string, compress bool) (*Repository, error) {
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("repo: creating objects directory: %w", err)
	}
	versionsDir := filepath.Join(root, "versions")
	if err := os.MkdirAll(versionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("repo: creating versions directory: %w", err)
	}

	r := Open(root, compress)
	zeroPath := filepath.Join(versionsDir, "0")
	if _, err := os.Stat(zeroPath); os.IsNotExist(err) {
		if err := r.WriteVersion(0, nil); err != nil {
			return nil, fmt.Errorf("repo: writing version 0: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("repo: checking version 0: %w", err)
	}
	return r, nil
}

func (r *Repository) versionPath(n int) string {
	return filepath.Join(r.versions, strconv.Itoa(n))
}

// LatestVersion returns the highest version number present.
func (r *Repository) LatestVersion() (int, error) {
	entries, err := os.ReadDir(r.versions)
	if err != nil {
		return 0, fmt.Errorf("repo: reading versions directory: %w", err)
	}
	latest := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	if latest < 0 {
		return 0, fmt.Errorf("repo: no versions present under %s", r.versions)
	}
	return latest, nil
}

// ReadVersion decodes version n's file into its set of FileItems.
func (r *Repository) ReadVersion(n int) ([]protocol.FileItem, error) {
	f, err := os.Open(r.versionPath(n))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: version %d", ErrNotFound, n)
	}
	if err != nil {
		return nil, fmt.Errorf("repo: opening version %d: %w", n, err)
	}
	defer f.Close()
	return versionindex.Decode(f)
}

// WriteVersion atomically creates versions/<n> (temp file + rename) in
// canonical sorted form. Fails with ErrVersionExists if n is taken.
func (r *Repository) WriteVersion(n int, items []protocol.FileItem) error {
	path := r.versionPath(n)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: version %d", ErrVersionExists, n)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("repo: checking version %d: %w", n, err)
	}

	tmp, err := os.CreateTemp(r.versions, "version-*.tmp")
	if err != nil {
		return fmt.Errorf("repo: creating temp version file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := versionindex.Encode(tmp, items); err != nil {
		tmp.Close()
		return fmt.Errorf("repo: encoding version %d: %w", n, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("repo: closing temp version file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("repo: renaming version %d into place: %w", n, err)
	}

	if r.Replicator != nil {
		body, err := os.ReadFile(path)
		if err == nil {
			r.Replicator.ReplicateVersion(n, body)
		}
	}
	return nil
}

// Contains reports whether the blob store holds checksum.
func (r *Repository) Contains(checksum string) (bool, error) {
	return r.Blobs.Contains(checksum)
}

// ReadBlob opens checksum for reading.
func (r *Repository) ReadBlob(checksum string) (io.ReadCloser, error) {
	return r.Blobs.Reader(checksum)
}

// WriteBlob returns a scoped writer for a new blob. Finalizing it through
// CommitBlob (not Writer.Commit) replicates the blob (best-effort) when a
// Replicator is configured.
func (r *Repository) WriteBlob() (*blobstore.Writer, error) {
	return r.Blobs.Writer()
}

// CommitBlob finalizes w, verifying expectedChecksum, and triggers
// best-effort replication of the committed blob.
func (r *Repository) CommitBlob(w *blobstore.Writer, expectedChecksum string) (string, error) {
	checksum, err := w.Commit(expectedChecksum)
	if err != nil {
		return "", err
	}
	if r.Replicator != nil {
		if rc, openErr := r.Blobs.Reader(checksum); openErr == nil {
			body, readErr := io.ReadAll(rc)
			rc.Close()
			if readErr == nil {
				r.Replicator.ReplicateBlob(checksum, body)
			}
		}
	}
	return checksum, nil
}

// SortedPaths returns the paths of items in ascending order, used by
// callers (e.g. the server session) that need deterministic iteration.
func SortedPaths(items []protocol.FileItem) []string {
	paths := make([]string, len(items))
	for i, item := range items {
		paths[i] = item.Path
	}
	sort.Strings(paths)
	return paths
}
