package models

import "errors"

// Validation and state-machine errors. These are rejected synchronously at
// the call that would violate an invariant and are never partially applied.
var (
	ErrInvalidAutomation = errors.New("invalid automation")
	ErrInvalidStep       = errors.New("invalid step definition")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidContext    = errors.New("invalid enrollment context")
	ErrNotDue            = errors.New("execution is not due")
)
