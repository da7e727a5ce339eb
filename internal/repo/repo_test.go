// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package repo

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nishisan-dev/n-sync/internal/protocol"
)

func TestInit_CreatesEmptyVersionZero(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "objects")); err != nil {
		t.Fatalf("objects dir missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "versions")); err != nil {
		t.Fatalf("versions dir missing: %v", err)
	}

	items, err := r.ReadVersion(0)
	if err != nil {
		t.Fatalf("ReadVersion(0): %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("version 0 = %v, want empty", items)
	}

	latest, err := r.LatestVersion()
	if err != nil || latest != 0 {
		t.Fatalf("LatestVersion = %d, %v; want 0, nil", latest, err)
	}
}

func TestInit_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if _, err := Init(dir, false); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if _, err := Init(dir, false); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestWriteVersion_NoGapsAdvancement(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	items := []protocol.FileItem{{Path: "a.txt", Checksum: strings.Repeat("a", 40), Size: 3}}
	if err := r.WriteVersion(1, items); err != nil {
		t.Fatalf("WriteVersion(1): %v", err)
	}

	latest, err := r.LatestVersion()
	if err != nil || latest != 1 {
		t.Fatalf("LatestVersion = %d, %v; want 1, nil", latest, err)
	}

	got, err := r.ReadVersion(1)
	if err != nil {
		t.Fatalf("ReadVersion(1): %v", err)
	}
	if len(got) != 1 || !got[0].Equal(items[0]) {
		t.Fatalf("got %+v, want %+v", got, items)
	}
}

func TestWriteVersion_RejectsExistingVersion(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	err = r.WriteVersion(0, nil)
	if !errors.Is(err, ErrVersionExists) {
		t.Fatalf("err = %v, want ErrVersionExists", err)
	}
}

func TestWriteVersion_FailureLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_ = r.WriteVersion(0, nil)

	entries, err := os.ReadDir(filepath.Join(dir, "versions"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file leaked: %s", e.Name())
		}
	}
}

func TestReadVersion_NotFound(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, err = r.ReadVersion(99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRepository_BlobPassthrough(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	w, err := r.WriteBlob()
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	w.Write([]byte("repo-level blob"))
	checksum, err := r.CommitBlob(w, "")
	if err != nil {
		t.Fatalf("CommitBlob: %v", err)
	}

	ok, err := r.Contains(checksum)
	if err != nil || !ok {
		t.Fatalf("Contains = %v, %v; want true, nil", ok, err)
	}

	rc, err := r.ReadBlob(checksum)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "repo-level blob" {
		t.Fatalf("got %q", got)
	}
}

type recordingReplicator struct {
	blobs    []string
	versions []int
}

func (r *recordingReplicator) ReplicateBlob(checksum string, body []byte) {
	r.blobs = append(r.blobs, checksum)
}

func (r *recordingReplicator) ReplicateVersion(n int, body []byte) {
	r.versions = append(r.versions, n)
}

func TestRepository_ReplicatesOnCommit(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	rep := &recordingReplicator{}
	r.Replicator = rep

	w, err := r.WriteBlob()
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	w.Write([]byte("replicated"))
	checksum, err := r.CommitBlob(w, "")
	if err != nil {
		t.Fatalf("CommitBlob: %v", err)
	}

	if err := r.WriteVersion(1, []protocol.FileItem{{Path: "x", Checksum: checksum, Size: 10}}); err != nil {
		t.Fatalf("WriteVersion: %v", err)
	}

	if len(rep.blobs) != 1 || rep.blobs[0] != checksum {
		t.Fatalf("blobs replicated = %v, want [%s]", rep.blobs, checksum)
	}
	if len(rep.versions) != 1 || rep.versions[0] != 1 {
		t.Fatalf("versions replicated = %v, want [1]", rep.versions)
	}
}
