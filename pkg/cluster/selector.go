// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package cluster

import (
	"sync/atomic"

	"github.com/LerianStudio/lib-dbcluster/pkg/constant"
)

// selector picks which healthy replica serves the next read.
type selector struct {
	strategy SelectionStrategy
	counter  atomic.Uint64
}

func newSelector(strategy SelectionStrategy) *selector {
	return &selector{strategy: strategy}
}

// pick returns one candidate. Ties break on the lowest slice index, so the
// choice is stable for equal metrics. An unknown strategy behaves as
// first-available; an empty candidate set is NoReplicaAvailableError.
func (s *selector) pick(candidates []*Node) (*Node, error) {
	if len(candidates) == 0 {
		return nil, NoReplicaAvailableError{Code: constant.ErrNoReplicaAvailable.Error()}
	}

	switch s.strategy {
	case SelectRoundRobin:
		idx := s.counter.Add(1) - 1
		return candidates[idx%uint64(len(candidates))], nil

	case SelectLeastConnections:
		best := candidates[0]
		bestActive := best.metrics.activeCount()

		for _, c := range candidates[1:] {
			if active := c.metrics.activeCount(); active < bestActive {
				best, bestActive = c, active
			}
		}

		return best, nil

	case SelectFastestResponse:
		best := candidates[0]
		bestLatency := best.metrics.averageLatency()

		for _, c := range candidates[1:] {
			if latency := c.metrics.averageLatency(); latency < bestLatency {
				best, bestLatency = c, latency
			}
		}

		return best, nil

	default:
		// SelectFirstAvailable and anything unrecognized.
		return candidates[0], nil
	}
}
