package store

import (
	"errors"
	"fmt"
)

// ErrContractViolation is returned by CheckAndPut when the caller claims a
// non-zero prior timestamp for a path that does not exist. This is a caller
// bug, not a concurrency conflict, and is never worth retrying.
var ErrContractViolation = errors.New("store: old timestamp must be 0 for absent resource")

// ConflictError reports a check-and-put whose conditional update matched no
// row: another writer moved the timestamp first.
type ConflictError struct {
	Path       string
	ExpectedTS int64
	ActualTS   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: overwriting conflict %s, expect old TS %d, but it is %d",
		e.Path, e.ExpectedTS, e.ActualTS)
}

// SizeLimitError reports always-inline metadata content exceeding the hard
// error threshold. The write is rejected before any I/O.
type SizeLimitError struct {
	Path  string
	Size  int
	Limit int
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("store: metadata entry at %s is %d bytes, exceeding the %d byte limit",
		e.Path, e.Size, e.Limit)
}
