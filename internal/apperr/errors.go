// Package apperr holds the error values shared across the emulator's service boundaries.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Reject is returned when a call completed with a rejection. Code uses the
// rejection code numbering of the replica (1 = SysFatal ... 6 = Unknown).
type Reject struct {
	Code    int
	Message string
}

func (e *Reject) Error() string {
	return fmt.Sprintf("call rejected (code %d): %s", e.Code, e.Message)
}

// NewReject builds a *Reject.
func NewReject(code int, format string, args ...any) *Reject {
	return &Reject{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsReject unwraps err into a *Reject when it carries one.
func AsReject(err error) (*Reject, bool) {
	var r *Reject
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
