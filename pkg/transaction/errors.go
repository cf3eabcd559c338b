// Copyright (c) 2026 Lerian Studio. All rights reserved.
// Use of this source code is governed by the Elastic License 2.0
// that can be found in the LICENSE file.

package transaction

import (
	"fmt"
)

// InvalidStateError indicates an operation was attempted from a state that
// does not allow it, such as committing an already aborted transaction.
type InvalidStateError struct {
	TxnID string
	Op    string
	State State
	Code  string
}

// Error implements the error interface.
func (e InvalidStateError) Error() string {
	return fmt.Sprintf("transaction %s cannot %s from state %s", e.TxnID, e.Op, e.State)
}

// SagaStepFailure is returned after a saga step's forward action failed and
// every executed step has been compensated in reverse order.
type SagaStepFailure struct {
	TxnID  string
	StepID string
	Code   string
	Err    error
}

// Error implements the error interface.
func (e SagaStepFailure) Error() string {
	return fmt.Sprintf("saga step %s failed: %v", e.StepID, e.Err)
}

// Unwrap returns the step's original error.
func (e SagaStepFailure) Unwrap() error {
	return e.Err
}

// PrepareFailure is returned when a participant refused to prepare during
// the first phase of a distributed commit. Participants that had already
// prepared have been rolled back by the time this error surfaces.
type PrepareFailure struct {
	TxnID       string
	Participant string
	Code        string
	Err         error
}

// Error implements the error interface.
func (e PrepareFailure) Error() string {
	return fmt.Sprintf("participant %s failed to prepare transaction %s: %v", e.Participant, e.TxnID, e.Err)
}

// Unwrap returns the participant's error.
func (e PrepareFailure) Unwrap() error {
	return e.Err
}

// CommitFailure is returned when a prepared participant failed to commit.
// This is a fatal condition: some participants may have committed while
// others did not, and the prepared transactions left behind need manual
// resolution. It is never retried or swallowed.
type CommitFailure struct {
	TxnID       string
	Participant string
	Code        string
	Err         error
}

// Error implements the error interface.
func (e CommitFailure) Error() string {
	return fmt.Sprintf("participant %s failed to commit prepared transaction %s: %v", e.Participant, e.TxnID, e.Err)
}

// Unwrap returns the participant's error.
func (e CommitFailure) Unwrap() error {
	return e.Err
}
