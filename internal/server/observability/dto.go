// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

// EventEntry is one operational event recorded by the ring buffer and
// JSONL event store.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Type      string `json:"type"`
	Agent     string `json:"agent,omitempty"`
	Message   string `json:"message"`
	Stream    int    `json:"stream,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status      string  `json:"status"`
	Uptime      string  `json:"uptime"`
	Version     string  `json:"version"`
	Go          string  `json:"go"`
	DiskFreeMB  float64 `json:"disk_free_mb,omitempty"`
	LoadAverage float64 `json:"load_average,omitempty"`
}

// MetricsResponse is returned by GET /api/v1/metrics.
type MetricsResponse struct {
	SessionsTotal    int64 `json:"sessions_total"`
	SessionsFailed   int64 `json:"sessions_failed"`
	ActiveConns      int32 `json:"active_conns"`
	LatestVersion    int   `json:"latest_version"`
	DiskWriteBytes   int64 `json:"disk_write_bytes"`
	BlobsStoredTotal int64 `json:"blobs_stored_total,omitempty"`
}

// EventsResponse is returned by GET /api/v1/events.
type EventsResponse struct {
	Events []EventEntry `json:"events"`
}
