// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package constant

import "time"

// Query Retry Configuration
const (
	// RetryMaxAttempts is the maximum number of executions per operation, first try included.
	RetryMaxAttempts = 3

	// RetryBaseDelay is the delay before the first retry attempt.
	RetryBaseDelay = 500 * time.Millisecond

	// RetryMaxDelay is the upper bound for any computed backoff delay.
	RetryMaxDelay = 10 * time.Second

	// RetryBackoffMultiplier is the growth factor applied on each successive retry.
	RetryBackoffMultiplier = 2.0
)
