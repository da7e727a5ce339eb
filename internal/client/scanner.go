// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implements the sync client (nsync-client): the
// filesystem walker, the mtime/size cache, the session state machine
// that reconciles a local working tree against the server, and the
// runner/scheduler/daemon layers that drive a session on demand or on
// a cron schedule.
package client

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/n-sync/internal/protocol"
)

// Scanner walks a single working-tree root and filters files against
// exclude glob patterns, the same matching rules the teacher's backup
// scanner used (basename match, "dir/" trailing-slash directory match,
// "dir/**" recursive match, full relative-path match).
type Scanner struct {
	root     string
	excludes []string
	cache    *Cache
}

// NewScanner creates a Scanner rooted at root, consulting cache (which
// may be nil) to skip re-hashing files whose size and mtime match a
// prior scan. The private state directory (stateDirName) is always
// excluded, regardless of what excludes the caller supplies — it holds
// per-tree sync bookkeeping, not tracked content.
func NewScanner(root string, excludes []string, cache *Cache) *Scanner {
	all := make([]string, 0, len(excludes)+1)
	all = append(all, excludes...)
	all = append(all, stateDirName+"/")
	return &Scanner{root: filepath.Clean(root), excludes: all, cache: cache}
}

// Scan walks the tree and returns the current snapshot as a bag of
// FileItems in walk order (lexical within each directory), each
// identified by its SHA-1 checksum and size.
func (s *Scanner) Scan(ctx context.Context) ([]protocol.FileItem, error) {
	var items []protocol.FileItem

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if s.isExcluded(relPath, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		item, err := s.itemFor(path, relPath, info)
		if err != nil {
			return nil
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// itemFor resolves a FileItem for path, reusing a cached checksum when
// size and mtime are unchanged, and hashing the file otherwise.
func (s *Scanner) itemFor(absPath, relPath string, info fs.FileInfo) (protocol.FileItem, error) {
	size := uint64(info.Size())

	if s.cache != nil {
		if entry, ok := s.cache.Lookup(relPath); ok && entry.Size == size && entry.ModTime.Equal(info.ModTime()) {
			return protocol.FileItem{Path: relPath, Checksum: entry.Checksum, Size: size}, nil
		}
	}

	checksum, err := hashFile(absPath)
	if err != nil {
		return protocol.FileItem{}, err
	}

	if s.cache != nil {
		s.cache.Update(relPath, CacheEntry{Size: size, ModTime: info.ModTime(), Checksum: checksum})
	}

	return protocol.FileItem{Path: relPath, Checksum: checksum, Size: size}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isExcluded reports whether relPath matches any of the scanner's
// exclude patterns.
func (s *Scanner) isExcluded(relPath string, isDir bool) bool {
	base := filepath.Base(relPath)
	parts := strings.Split(relPath, "/")

	for _, pattern := range s.excludes {
		if strings.HasSuffix(pattern, "/") {
			if isDir {
				dirPattern := strings.TrimSuffix(pattern, "/")
				dirPattern = strings.TrimPrefix(dirPattern, "*/")
				for _, part := range parts {
					if matched, _ := filepath.Match(dirPattern, part); matched {
						return true
					}
				}
			}
			continue
		}

		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			for _, part := range parts {
				if matched, _ := filepath.Match(prefix, part); matched {
					return true
				}
			}
			continue
		}

		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
