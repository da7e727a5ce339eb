// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCache_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	c := NewCache()
	c.Update("a.txt", CacheEntry{Size: 5, ModTime: time.Now().Truncate(time.Second), Checksum: "abc"})

	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadCache(path)
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	entry, ok := loaded.Lookup("a.txt")
	if !ok {
		t.Fatal("expected entry for a.txt after reload")
	}
	if entry.Checksum != "abc" || entry.Size != 5 {
		t.Errorf("got %+v", entry)
	}
}

func TestLoadCache_MissingFileReturnsEmpty(t *testing.T) {
	c, err := LoadCache(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.Lookup("anything"); ok {
		t.Fatal("expected empty cache")
	}
}

func TestLoadCache_CorruptFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	c, err := LoadCache(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.Lookup("a.txt"); ok {
		t.Fatal("expected empty cache for corrupt file")
	}
}
