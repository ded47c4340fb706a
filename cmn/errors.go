// Error taxonomy for the metadata engine (spec §7). Every backend entry
// point returns one of these kinds rather than throwing; BackendError.Halts
// reports which kinds halt the volume when the data path observes them.
// Destructors never propagate errors - they log through
// 3rdparty/glog and swallow.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a MetaDataStoreBackendException-shaped error so callers
// can decide whether to halt the volume, retry, or treat it as a recovery.
type Kind int

const (
	KindTransient Kind = iota // RPC timeout, partition, temporary unavailability
	KindPermanent             // schema/serialization mismatch, reserved-key collision
	KindOwnership             // owner tag verify mismatch
	KindRestart               // TLogWithoutFinalCRC and friends
	KindProgrammingError      // assertion / invariant violation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindOwnership:
		return "ownership"
	case KindRestart:
		return "restart"
	case KindProgrammingError:
		return "programming-error"
	default:
		return "unknown"
	}
}

// BackendError is the Go analogue of MetaDataStoreBackendException: every
// MetadataBackend operation that can fail returns one, wrapping the
// underlying transport/serialization cause.
type BackendError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("metadata backend: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func NewBackendError(kind Kind, op string, cause error) *BackendError {
	return &BackendError{Kind: kind, Op: op, Err: errors.WithStack(cause)}
}

// Halts reports whether this error's kind alone halts the volume: true for
// every kind except KindTransient. It does not know which path observed
// the error; whether a transient error halts is left to that caller.
func (e *BackendError) Halts() bool { return e.Kind != KindTransient }

// ErrOwnerTagMismatch is raised when verifying the namespace owner tag
// returns a value different from the expected one.
type ErrOwnerTagMismatch struct {
	Namespace string
	Expected  string
	Actual    string
}

func (e *ErrOwnerTagMismatch) Error() string {
	return fmt.Sprintf("namespace %q: owner tag mismatch: expected %q, got %q", e.Namespace, e.Expected, e.Actual)
}

// ErrTLogWithoutFinalCRC is fatal: the local scanner found a TLog missing
// its terminating TLogCRC entry while further TLogs exist on disk.
type ErrTLogWithoutFinalCRC struct {
	Path string
}

func (e *ErrTLogWithoutFinalCRC) Error() string {
	return fmt.Sprintf("tlog %q: missing final TLogCRC with further tlogs on disk", e.Path)
}

// ErrReservedKeyCollision guards the static key-size-collision design note:
// a page address must never alias a reserved system key.
type ErrReservedKeyCollision struct {
	PageAddress uint64
}

func (e *ErrReservedKeyCollision) Error() string {
	return fmt.Sprintf("page address %d collides with a reserved system key", e.PageAddress)
}

// ErrVolumeHalted is returned by every CachedMetadataStore operation once
// the volume has observed an unexpected exception and halted; a process
// restart is required to clear it.
var ErrVolumeHalted = errors.New("volume halted: restart required")

// ErrFrozenParentRequired is returned when a freezeable backend is asked to
// copy a cork from a parent that doesn't have one.
var ErrFrozenParentRequired = errors.New("parent backend has no cork to freeze from")
