package constant

import (
	"errors"
)

// List of errors that can be returned.
// You can standardize errors
// Standardized error
var (
	ErrCircuitOpen              = errors.New("DBC-0001")
	ErrPoolUninitialized        = errors.New("DBC-0002")
	ErrAcquireTimeout           = errors.New("DBC-0003")
	ErrQueryTimeout             = errors.New("DBC-0004")
	ErrDeadlockDetected         = errors.New("DBC-0005")
	ErrSerializationConflict    = errors.New("DBC-0006")
	ErrPermanentSchema          = errors.New("DBC-0007")
	ErrNoHealthyNode            = errors.New("DBC-0008")
	ErrNoReplicaAvailable       = errors.New("DBC-0009")
	ErrSagaStepFailed           = errors.New("DBC-0010")
	ErrPrepareFailed            = errors.New("DBC-0011")
	ErrCommitFailed             = errors.New("DBC-0012")
	ErrInvalidClusterConfig     = errors.New("DBC-0013")
	ErrInvalidNodeConfig        = errors.New("DBC-0014")
	ErrInvalidTransactionState  = errors.New("DBC-0015")
	ErrTransactionAlreadyClosed = errors.New("DBC-0016")
	ErrNoParticipants           = errors.New("DBC-0017")
	ErrAuditRecordFailed        = errors.New("DBC-0018")
	ErrManagerNotStarted        = errors.New("DBC-0019")
	ErrManagerAlreadyStarted    = errors.New("DBC-0020")
)
