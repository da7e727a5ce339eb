// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"testing"
	"time"
)

func TestCalculateBackoff_CapsAtMaxDelay(t *testing.T) {
	initial := 1 * time.Second
	max := 5 * time.Second

	got := calculateBackoff(10, initial, max)
	if got != max {
		t.Errorf("expected backoff capped at %v, got %v", max, got)
	}
}

func TestCalculateBackoff_GrowsExponentially(t *testing.T) {
	initial := 1 * time.Second
	max := time.Hour

	first := calculateBackoff(1, initial, max)
	second := calculateBackoff(2, initial, max)

	if first != initial {
		t.Errorf("expected first attempt delay to equal initial delay, got %v", first)
	}
	if second <= first {
		t.Errorf("expected backoff to grow, got first=%v second=%v", first, second)
	}
}
