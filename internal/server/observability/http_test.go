// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
)

type fakeRepository struct {
	latest int
	err    error
}

func (f fakeRepository) LatestVersion() (int, error) { return f.latest, f.err }

func TestRouter_Health(t *testing.T) {
	metrics := &Metrics{}
	router := NewRouter(fakeRepository{latest: 3}, metrics, nil, nil, time.Now(), t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok", resp.Status)
	}
}

func TestRouter_Metrics(t *testing.T) {
	metrics := &Metrics{}
	metrics.SessionsTotal.Store(5)
	metrics.ActiveConns.Store(2)
	router := NewRouter(fakeRepository{latest: 7}, metrics, nil, nil, time.Now(), t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp MetricsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.SessionsTotal != 5 || resp.ActiveConns != 2 || resp.LatestVersion != 7 {
		t.Fatalf("got %+v", resp)
	}
}

func TestRouter_Events(t *testing.T) {
	store, err := NewEventStore(filepath.Join(t.TempDir(), "events.jsonl"), 100, 1000)
	if err != nil {
		t.Fatalf("NewEventStore: %v", err)
	}
	defer store.Close()
	store.PushEvent("info", "sync_session", "sess-1", "sync complete", 0)

	metrics := &Metrics{}
	router := NewRouter(fakeRepository{latest: 1}, metrics, store, nil, time.Now(), t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Message != "sync complete" {
		t.Fatalf("got %+v", resp.Events)
	}
}

func TestRouter_EventsExport(t *testing.T) {
	store, err := NewEventStore(filepath.Join(t.TempDir(), "events.jsonl"), 100, 1000)
	if err != nil {
		t.Fatalf("NewEventStore: %v", err)
	}
	defer store.Close()
	store.PushEvent("info", "sync_session", "sess-1", "sync complete", 0)

	metrics := &Metrics{}
	router := NewRouter(fakeRepository{latest: 1}, metrics, store, nil, time.Now(), t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/export", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", rec.Header().Get("Content-Encoding"))
	}

	gzr, err := pgzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("pgzip.NewReader: %v", err)
	}
	defer gzr.Close()

	var line struct {
		Message string `json:"message"`
	}
	dec := json.NewDecoder(gzr)
	if err := dec.Decode(&line); err != nil {
		t.Fatalf("decoding exported event: %v", err)
	}
	if line.Message != "sync complete" {
		t.Fatalf("message = %q, want %q", line.Message, "sync complete")
	}
}

func TestRouter_EventsExport_NotFoundWithoutStore(t *testing.T) {
	metrics := &Metrics{}
	router := NewRouter(fakeRepository{latest: 1}, metrics, nil, nil, time.Now(), t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/export", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRouter_ACLBlocksDisallowedIP(t *testing.T) {
	acl := NewACL(nil)
	metrics := &Metrics{}
	router := NewRouter(fakeRepository{latest: 1}, metrics, nil, acl, time.Now(), t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
