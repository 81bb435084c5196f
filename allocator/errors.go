package allocator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLockTimeout is returned when the document lock could not be acquired in
// time.
var ErrLockTimeout = errors.New("timed out waiting for status lock")

// NotFoundError is returned for a GPU id that is not part of the pool.
type NotFoundError struct {
	GPUID string
	Valid []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("gpu %q not found (valid: %s)", e.GPUID, strings.Join(e.Valid, ", "))
}

// ConflictError is returned when claiming a GPU that is already in use.
type ConflictError struct {
	GPUID  string
	Holder Claim
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("gpu %s already in use by %s", e.GPUID, e.Holder.UserName)
}

// PermissionError is returned when someone other than the claimant releases a
// GPU.
type PermissionError struct {
	GPUID  string
	Holder Claim
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("gpu %s is claimed by %s", e.GPUID, e.Holder.UserName)
}

// StoreError wraps an I/O, lock or decode failure of the status document.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("status store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
