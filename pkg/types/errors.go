package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Ledger errors
	ErrSync         = errors.New("ledger sync failed")
	ErrPushRejected = errors.New("ledger push rejected")
	ErrConflict     = errors.New("ledger conflict")
	ErrCorruptState = errors.New("state file is corrupt")

	// Lock errors
	ErrAlreadyLocked   = errors.New("resource is already locked")
	ErrNotLocked       = errors.New("resource is not locked")
	ErrNotLockOwner    = errors.New("caller is not the lock owner")
	ErrInvalidArgument = errors.New("invalid argument")
)

// transient, the remote or network was unavailable
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool { return target == ErrSync }

// retries exhausted against a contended ledger
type PushError struct {
	Attempts int
	Err      error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("ledger push rejected after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

func (e *PushError) Is(target error) bool { return target == ErrPushRejected }

// local and remote changes collide on the same files
type ConflictError struct {
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger conflict on %s", strings.Join(e.Files, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// the persisted state file exists but cannot be parsed
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

func (e *CorruptStateError) Is(target error) bool { return target == ErrCorruptState }

type AlreadyLockedError struct {
	ResourceID    string
	CurrentHolder string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("%s is already locked by %s", e.ResourceID, e.CurrentHolder)
}

func (e *AlreadyLockedError) Is(target error) bool { return target == ErrAlreadyLocked }

type NotLockedError struct {
	ResourceID string
}

func (e *NotLockedError) Error() string {
	return fmt.Sprintf("%s is not locked", e.ResourceID)
}

func (e *NotLockedError) Is(target error) bool { return target == ErrNotLocked }

type OwnershipError struct {
	ResourceID string
	Holder     string
	Requester  string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s is locked by %s, not %s", e.ResourceID, e.Holder, e.Requester)
}

func (e *OwnershipError) Is(target error) bool { return target == ErrNotLockOwner }

// reports whether the operation may succeed if the caller tries again later
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSync) || errors.Is(err, ErrPushRejected)
}

// business outcomes are expected results, not failures of the service
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrAlreadyLocked) ||
		errors.Is(err, ErrNotLocked) ||
		errors.Is(err, ErrNotLockOwner)
}

// message shown to a user, contention and unavailability are never conflated
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var already *AlreadyLockedError
	if errors.As(err, &already) {
		return fmt.Sprintf("already locked by %s", already.CurrentHolder)
	}

	switch {
	case errors.Is(err, ErrNotLocked):
		return "file is not locked"
	case errors.Is(err, ErrNotLockOwner):
		return err.Error()
	case IsRetryable(err):
		return "lock service unavailable, try again"
	case errors.Is(err, ErrInvalidArgument):
		return err.Error()
	default:
		return "internal error, contact an administrator"
	}
}
