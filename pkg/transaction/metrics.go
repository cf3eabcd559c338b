// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package transaction

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metrics is the outcome record of one transaction, finalized when the
// transaction ends and appended to the coordinator's rolling history.
type Metrics struct {
	ID               uuid.UUID     `json:"id"`
	Kind             Kind          `json:"kind"`
	StartedAt        time.Time     `json:"startedAt"`
	EndedAt          time.Time     `json:"endedAt"`
	Duration         time.Duration `json:"duration"`
	StepsExecuted    int           `json:"stepsExecuted"`
	StepsCompensated int           `json:"stepsCompensated"`
	RetryCount       int           `json:"retryCount"`
	DeadlockCount    int           `json:"deadlockCount"`
	Success          bool          `json:"success"`
}

// Stats aggregates the coordinator's transaction history.
type Stats struct {
	Total       int64         `json:"total"`
	Succeeded   int64         `json:"succeeded"`
	SuccessRate float64       `json:"successRate"`
	AvgDuration time.Duration `json:"avgDuration"`
	Retries     int64         `json:"retries"`
	Deadlocks   int64         `json:"deadlocks"`
	Active      int           `json:"active"`
}

// history is a bounded rolling window of finalized transaction metrics.
// Once full, each new record evicts the oldest.
type history struct {
	mu      sync.Mutex
	entries []Metrics
	limit   int
}

func newHistory(limit int) *history {
	if limit < 1 {
		limit = 1
	}

	return &history{limit: limit}
}

func (h *history) add(m Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, m)
	if len(h.entries) > h.limit {
		h.entries = h.entries[1:]
	}
}

func (h *history) snapshot() []Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Metrics, len(h.entries))
	copy(out, h.entries)

	return out
}

func (h *history) aggregate() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{Total: int64(len(h.entries))}
	if stats.Total == 0 {
		stats.SuccessRate = 1.0
		return stats
	}

	var totalDuration time.Duration

	for _, m := range h.entries {
		if m.Success {
			stats.Succeeded++
		}

		totalDuration += m.Duration
		stats.Retries += int64(m.RetryCount)
		stats.Deadlocks += int64(m.DeadlockCount)
	}

	stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	stats.AvgDuration = totalDuration / time.Duration(stats.Total)

	return stats
}
