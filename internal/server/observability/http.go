// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

// Metrics is the set of server-side counters the dashboard exposes.
// On-demand stats such as the current latest version number are read
// from the Repository passed to NewRouter.
type Metrics struct {
	SessionsTotal  atomic.Int64
	SessionsFailed atomic.Int64
	ActiveConns    atomic.Int32
	DiskWrite      atomic.Int64
}

// Repository is the minimal view of internal/repo.Repository the
// dashboard needs, kept as an interface to avoid an import cycle.
type Repository interface {
	LatestVersion() (int, error)
}

// NewRouter builds the dashboard's HTTP handler: health, metrics and
// recent-events endpoints, gated by acl.
func NewRouter(repository Repository, metrics *Metrics, events *EventStore, acl *ACL, startedAt time.Time, storageRoot string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(startedAt).Round(time.Second).String(),
			Version: "n-sync",
			Go:      runtime.Version(),
		}
		if usage, err := disk.Usage(storageRoot); err == nil {
			resp.DiskFreeMB = float64(usage.Free) / (1024 * 1024)
		}
		if avg, err := load.Avg(); err == nil {
			resp.LoadAverage = avg.Load1
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/api/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		resp := MetricsResponse{
			SessionsTotal:  metrics.SessionsTotal.Load(),
			SessionsFailed: metrics.SessionsFailed.Load(),
			ActiveConns:    metrics.ActiveConns.Load(),
			DiskWriteBytes: metrics.DiskWrite.Load(),
		}
		if latest, err := repository.LatestVersion(); err == nil {
			resp.LatestVersion = latest
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if events == nil {
			writeJSON(w, EventsResponse{Events: []EventEntry{}})
			return
		}
		writeJSON(w, EventsResponse{Events: events.Recent(limit)})
	})

	mux.HandleFunc("/api/v1/events/export", func(w http.ResponseWriter, r *http.Request) {
		if events == nil {
			http.Error(w, "events not enabled", http.StatusNotFound)
			return
		}
		if err := exportEventLog(w, events.Path()); err != nil {
			http.Error(w, "failed to export events", http.StatusInternalServerError)
		}
	})

	if acl != nil {
		return acl.Middleware(mux)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// exportEventLog streams the full events.jsonl history gzip-compressed.
// pgzip splits the stream across blocks compressed in parallel, which
// matters here since the log can grow to events_max_lines before rotation.
func exportEventLog(w http.ResponseWriter, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="events.jsonl.gz"`)

	gzw := pgzip.NewWriter(w)
	if _, err := io.Copy(gzw, f); err != nil {
		gzw.Close()
		return err
	}
	return gzw.Close()
}
