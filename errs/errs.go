// Package errs defines the sentinel error taxonomy for the objectdb
// transaction engine. Errors are wrapped with fmt.Errorf("...: %w", sentinel)
// at the call site and checked with errors.Is, following the same pattern
// one sentinel per failure class, wrapped with more specific context.
package errs

import "errors"

var (
	// ErrInvalidState is returned when an operation is attempted on a
	// transaction that isn't OPEN, or a nested transaction's commit is
	// attempted onto a parent transaction that is no longer OPEN.
	ErrInvalidState = errors.New("objectdb: invalid transaction state")

	// ErrTypeError is returned by CommitCombined when it is given fewer
	// than two transactions, or a nested transaction (one whose commit
	// target is another Transaction).
	ErrTypeError = errors.New("objectdb: unexpected type")

	// ErrSchemaChangeNotInTransaction is returned by Transaction.CreateIndex.
	ErrSchemaChangeNotInTransaction = errors.New("objectdb: schema change not allowed inside a transaction")

	// ErrSchemaChangeWhileConnected is returned by ObjectStore.CreateIndex
	// after the owning Database has connected, and by CreateObjectStore when
	// a store of that name is already registered. CreateObjectStore and
	// DeleteObjectStore do not check whether the Database has connected.
	ErrSchemaChangeWhileConnected = errors.New("objectdb: schema change not allowed after connect")

	// ErrWatchdogTimeout is surfaced, joined with ErrInvalidState, by any
	// later operation on a transaction whose watchdog deadline fired and
	// forcibly aborted it.
	ErrWatchdogTimeout = errors.New("objectdb: transaction watchdog timeout")

	// ErrBackend wraps I/O failures propagated from the underlying Store.
	ErrBackend = errors.New("objectdb: backend error")
)
