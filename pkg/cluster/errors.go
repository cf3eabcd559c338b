package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-dbcluster/pkg/constant"

	"github.com/jackc/pgx/v5/pgconn"
)

// CircuitOpenError indicates the node's circuit breaker rejected the request
// before any connection was attempted.
type CircuitOpenError struct {
	Node string
	Code string
}

// Error implements the error interface.
func (e CircuitOpenError) Error() string {
	return fmt.Sprintf("node %s is currently unavailable (circuit breaker open)", e.Node)
}

// PoolUninitializedError indicates an operation reached a node whose pool was
// never built or was already closed.
type PoolUninitializedError struct {
	Node string
	Code string
}

// Error implements the error interface.
func (e PoolUninitializedError) Error() string {
	return fmt.Sprintf("connection pool for node %s is not initialized", e.Node)
}

// AcquireTimeoutError indicates the pool could not hand out a connection
// within the node's acquire timeout.
type AcquireTimeoutError struct {
	Node    string
	Timeout time.Duration
	Code    string
	Err     error
}

// Error implements the error interface.
func (e AcquireTimeoutError) Error() string {
	return fmt.Sprintf("acquiring connection from node %s timed out after %s", e.Node, e.Timeout)
}

// Unwrap implements the error interface introduced in Go 1.13 to unwrap the internal error.
func (e AcquireTimeoutError) Unwrap() error {
	return e.Err
}

// QueryTimeoutError indicates a query or command exceeded the node's query timeout.
type QueryTimeoutError struct {
	Node    string
	Timeout time.Duration
	Code    string
	Err     error
}

// Error implements the error interface.
func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query on node %s timed out after %s", e.Node, e.Timeout)
}

// Unwrap implements the error interface introduced in Go 1.13 to unwrap the internal error.
func (e QueryTimeoutError) Unwrap() error {
	return e.Err
}

// DeadlockError indicates PostgreSQL chose this session as a deadlock victim (SQLSTATE 40P01).
type DeadlockError struct {
	Node string
	Code string
	Err  error
}

// Error implements the error interface.
func (e DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected on node %s", e.Node)
}

// Unwrap implements the error interface introduced in Go 1.13 to unwrap the internal error.
func (e DeadlockError) Unwrap() error {
	return e.Err
}

// SerializationConflictError indicates a serialization failure under
// REPEATABLE READ or SERIALIZABLE isolation (SQLSTATE 40001).
type SerializationConflictError struct {
	Node string
	Code string
	Err  error
}

// Error implements the error interface.
func (e SerializationConflictError) Error() string {
	return fmt.Sprintf("serialization conflict on node %s", e.Node)
}

// Unwrap implements the error interface introduced in Go 1.13 to unwrap the internal error.
func (e SerializationConflictError) Unwrap() error {
	return e.Err
}

// PermanentSchemaError indicates a failure retrying cannot fix, such as a
// missing database or table.
type PermanentSchemaError struct {
	Node     string
	SQLState string
	Code     string
	Err      error
}

// Error implements the error interface.
func (e PermanentSchemaError) Error() string {
	return fmt.Sprintf("permanent schema error on node %s (SQLSTATE %s)", e.Node, e.SQLState)
}

// Unwrap implements the error interface introduced in Go 1.13 to unwrap the internal error.
func (e PermanentSchemaError) Unwrap() error {
	return e.Err
}

// NoHealthyNodeError indicates a write found neither a usable primary nor any
// healthy backup.
type NoHealthyNodeError struct {
	Role Role
	Code string
	Err  error
}

// Error implements the error interface.
func (e NoHealthyNodeError) Error() string {
	return fmt.Sprintf("no healthy %s node available", e.Role)
}

// Unwrap implements the error interface introduced in Go 1.13 to unwrap the internal error.
func (e NoHealthyNodeError) Unwrap() error {
	return e.Err
}

// InvalidConfigError aggregates every configuration problem found during the
// single validation pass at construction time.
type InvalidConfigError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid cluster configuration: %s", e.Message)
}

// NoReplicaAvailableError indicates replica selection ran with an empty
// candidate set.
type NoReplicaAvailableError struct {
	Code string
}

// Error implements the error interface.
func (e NoReplicaAvailableError) Error() string {
	return "no replica available for read routing"
}

// UnknownNodeError indicates an operation referenced a node name that is not
// part of the cluster.
type UnknownNodeError struct {
	Node string
}

// Error implements the error interface.
func (e UnknownNodeError) Error() string {
	return fmt.Sprintf("node %s is not part of the cluster", e.Node)
}

// ExecutionError wraps the last failure of an exhausted retry loop with the
// node identity and how many attempts were made.
type ExecutionError struct {
	Node     string
	Role     Role
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e ExecutionError) Error() string {
	return fmt.Sprintf("operation on %s node %s failed after %d attempt(s): %v", e.Role, e.Node, e.Attempts, e.Err)
}

// Unwrap implements the error interface introduced in Go 1.13 to unwrap the internal error.
func (e ExecutionError) Unwrap() error {
	return e.Err
}

// ErrorKind buckets a failure for retry dispatch. Dispatch happens on the
// kind, never on string matching or concrete driver types at call sites.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindTimeout
	KindDeadlock
	KindSerialization
	KindCircuitOpen
	KindCanceled
	KindPermanent
)

// String returns the lowercase name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindDeadlock:
		return "deadlock"
	case KindSerialization:
		return "serialization"
	case KindCircuitOpen:
		return "circuit-open"
	case KindCanceled:
		return "canceled"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt against the same node can succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindDeadlock, KindSerialization:
		return true
	default:
		return false
	}
}

// RetryableInTransaction reports whether re-running a transaction body from
// scratch is worthwhile. Only lock-ordering casualties qualify.
func (k ErrorKind) RetryableInTransaction() bool {
	return k == KindDeadlock || k == KindSerialization
}

// SQLSTATE codes dispatched on individually.
const (
	pgCodeDeadlockDetected  = "40P01"
	pgCodeSerializationFail = "40001"
	pgCodeQueryCanceled     = "57014"
)

// Classify buckets any error into an ErrorKind.
//
// The permanent set is deliberately narrow by class: schema/catalog problems
// (3D, 42), authentication (28), data and integrity violations (22, 23).
// Everything else a live server can emit is treated as transient, because
// connection-class and resource-class failures are exactly what the retry
// loop and failover exist for.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var circuitOpen CircuitOpenError
	if errors.As(err, &circuitOpen) {
		return KindCircuitOpen
	}

	var poolUninitialized PoolUninitializedError
	if errors.As(err, &poolUninitialized) {
		return KindPermanent
	}

	var acquireTimeout AcquireTimeoutError
	if errors.As(err, &acquireTimeout) {
		return KindTimeout
	}

	var queryTimeout QueryTimeoutError
	if errors.As(err, &queryTimeout) {
		return KindTimeout
	}

	var deadlock DeadlockError
	if errors.As(err, &deadlock) {
		return KindDeadlock
	}

	var serialization SerializationConflictError
	if errors.As(err, &serialization) {
		return KindSerialization
	}

	var schema PermanentSchemaError
	if errors.As(err, &schema) {
		return KindPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCodeDeadlockDetected:
			return KindDeadlock
		case pgCodeSerializationFail:
			return KindSerialization
		case pgCodeQueryCanceled:
			return KindTimeout
		}

		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "3D", "42", "28", "22", "23":
				return KindPermanent
			}
		}

		return KindTransient
	}

	return KindTransient
}

// WrapPGError converts a raw driver failure into this package's typed
// taxonomy at the driver boundary, so callers dispatch on kinds instead of
// pgconn internals. Errors that are not PostgreSQL protocol errors pass
// through untouched.
func WrapPGError(nodeName string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgCodeDeadlockDetected:
		return DeadlockError{Node: nodeName, Code: constant.ErrDeadlockDetected.Error(), Err: err}
	case pgCodeSerializationFail:
		return SerializationConflictError{Node: nodeName, Code: constant.ErrSerializationConflict.Error(), Err: err}
	}

	if len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "3D", "42":
			return PermanentSchemaError{
				Node:     nodeName,
				SQLState: pgErr.Code,
				Code:     constant.ErrPermanentSchema.Error(),
				Err:      err,
			}
		}
	}

	return err
}
