package tt

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSize = errors.New("invalid table size")
	ErrAllocation  = errors.New("failed to allocate transposition table")
	ErrIndexRange  = errors.New("cluster index out of range")
	ErrRefMismatch = errors.New("cluster back-reference mismatch")
)

type TableError struct {
	Op    string
	Cause error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("tt %s: %v", e.Op, e.Cause)
}

func (e *TableError) Unwrap() error {
	return e.Cause
}

func wrapError(op string, err error) *TableError {
	return &TableError{
		Op:    op,
		Cause: err,
	}
}
