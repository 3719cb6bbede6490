package types

import (
	"errors"
	"fmt"
	"strings"
)

// Store errors.
var (
	ErrNotFound           = errors.New("record not found")
	ErrTxClosed           = errors.New("transaction is closed")
	ErrTxConflict         = errors.New("transaction conflict")
	ErrReadOnlyTx         = errors.New("write in read-only transaction")
	ErrStoreClosed        = errors.New("store is closed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Schema errors.
var (
	ErrSchemaCycle     = errors.New("schema cycle")
	ErrTableNotFound   = errors.New("table not found")
	ErrDuplicateTable  = errors.New("table already registered")
	ErrInvalidTable    = errors.New("invalid table definition")
	ErrInvalidRow      = errors.New("invalid row")
	ErrNullKey         = errors.New("key attribute is null")
	ErrInvalidKeyValue = errors.New("unsupported key attribute value")
	ErrHeadingMismatch = errors.New("key headings differ")
)

// Integrity errors.
var (
	ErrForeignKey    = errors.New("foreign key violation")
	ErrIntegrity     = errors.New("integrity error")
	ErrComputedWrite = errors.New("computed tables are written by populate only")
	ErrDuplicateKey  = errors.New("primary key already exists")
	ErrPartDelete    = errors.New("part rows are deleted through their master")
	ErrNoBlobStore   = errors.New("no blob store configured for external_blob values")
)

// Populate errors.
var (
	ErrReservationConflict = errors.New("key is reserved by another worker")
	ErrComputation         = errors.New("computation failed")
	ErrNotComputed         = errors.New("table is not a computed table")
	ErrAlreadyRegistered   = errors.New("computation already registered")
	ErrNoComputation       = errors.New("no computation registered")
)

// SchemaCycleError reports a foreign-key cycle found while registering tables.
// Path lists the tables along the cycle; the first table is repeated at the end.
type SchemaCycleError struct {
	Path []string
}

func (e *SchemaCycleError) Error() string {
	return fmt.Sprintf("schema cycle: %s", strings.Join(e.Path, " -> "))
}

// Is reports whether target is ErrSchemaCycle.
func (e *SchemaCycleError) Is(target error) bool { return target == ErrSchemaCycle }

// ForeignKeyViolation reports a row whose foreign-key values have no match in
// the referenced table.
type ForeignKeyViolation struct {
	Table      string
	Referenced string
	Values     Row
}

func (e *ForeignKeyViolation) Error() string {
	return fmt.Sprintf("foreign key violation: %s references missing %s %s", e.Table, e.Referenced, e.Values)
}

// Is reports whether target is ErrForeignKey.
func (e *ForeignKeyViolation) Is(target error) bool { return target == ErrForeignKey }

// IntegrityError wraps a store failure during a cascading delete. The delete
// was rolled back.
type IntegrityError struct {
	Table string
	Key   Row
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error deleting %s %s: %v", e.Table, e.Key, e.Err)
}

// Is reports whether target is ErrIntegrity.
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func (e *IntegrityError) Unwrap() error { return e.Err }

// ComputationFailure is the failure reason returned by a computation callback.
// The key stays pending.
type ComputationFailure struct {
	Table  string
	Key    Row
	Reason error
}

func (e *ComputationFailure) Error() string {
	return fmt.Sprintf("computing %s %s: %v", e.Table, e.Key, e.Reason)
}

// Is reports whether target is ErrComputation.
func (e *ComputationFailure) Is(target error) bool { return target == ErrComputation }

func (e *ComputationFailure) Unwrap() error { return e.Reason }

// PopulateError carries the key whose commit failed so the driving loop can
// back off and re-run the whole pass.
type PopulateError struct {
	Table string
	Key   Row
	Err   error
}

func (e *PopulateError) Error() string {
	if e.Key == nil {
		return fmt.Sprintf("populating %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("populating %s %s: %v", e.Table, e.Key, e.Err)
}

func (e *PopulateError) Unwrap() error { return e.Err }
