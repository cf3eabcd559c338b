// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package constant

import "time"

// Transaction Defaults
const (
	TransactionTimeout       = 30 * time.Second
	TransactionRetryAttempts = 3
	TransactionRetryDelay    = 100 * time.Millisecond
	TransactionDeadlockWait  = 10 * time.Second
)

// Two-Phase Commit Configuration
const (
	// PrepareTimeout bounds the prepare phase of a single participant.
	PrepareTimeout = 10 * time.Second

	// CommitPreparedTimeout bounds the commit of an already-prepared participant.
	// Kept longer than PrepareTimeout: at this point giving up leaves the
	// transaction pending on the server and requires manual resolution.
	CommitPreparedTimeout = 30 * time.Second
)

// Deadlock Detector Configuration
const (
	// DeadlockDetectorInterval is the period between background blocking-lock scans.
	DeadlockDetectorInterval = 1 * time.Minute

	// DeadlockDetectorQueryTimeout bounds each pg_locks inspection query.
	DeadlockDetectorQueryTimeout = 5 * time.Second
)

// Transaction Metrics Configuration
const (
	// TransactionHistoryLimit caps the in-memory ring of completed-transaction
	// metric samples. Oldest entries are evicted once the cap is reached.
	TransactionHistoryLimit = 1000
)

// Restricted-Data Configuration
const (
	// SubjectHashLength is the number of hex characters kept from the SHA-256
	// digest of a subject identifier. Long enough to correlate audit events,
	// short enough to be obviously not the raw identifier.
	SubjectHashLength = 16
)

// RestrictedFields lists payload keys that are stripped from operation records
// and audit details before they are logged or persisted.
var RestrictedFields = []string{
	"ssn",
	"tax_id",
	"document_number",
	"card_number",
	"password",
	"secret",
	"access_token",
	"refresh_token",
	"api_key",
}
