package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected marks a request that failed validation. State is unchanged.
	ErrRejected = errors.New("rejected")
	// ErrUnknownSetting is returned for a setting name outside the registry.
	ErrUnknownSetting = errors.New("unknown setting")
	// ErrUnknownAction is returned for an action verb outside the fixed set.
	ErrUnknownAction = errors.New("unknown action")
	// ErrRateLimited is returned when requests arrive faster than allowed.
	ErrRateLimited = errors.New("too many requests")
)

// RejectedError describes why a request was refused.
type RejectedError struct {
	Name   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Name, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

func reject(name, format string, args ...any) error {
	return &RejectedError{Name: name, Reason: fmt.Sprintf(format, args...)}
}
