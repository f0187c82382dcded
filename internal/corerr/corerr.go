// Package corerr defines the stable wire error-code vocabulary (spec §7)
// and the helpers that map internal errors onto it. A session's fatal
// error path uses CodeOf(err) to pick the {code,message} pair sent in the
// outbound "error" wire frame without string-matching error text.
package corerr

import (
	"errors"
	"fmt"
)

// Code is one of the stable wire error codes a peer can branch on.
type Code string

const (
	CodeProviderUnreachable Code = "provider_unreachable"
	CodeProviderFatal       Code = "provider_fatal"
	CodeInitFailed          Code = "init_failed"
	CodeInternal            Code = "internal"
)

// CodedError carries a stable Code alongside the usual wrapped error chain.
type CodedError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New builds a CodedError with the given code and message, wrapping cause.
func New(code Code, message string, cause error) error {
	return &CodedError{Code: code, Message: message, Cause: cause}
}

// Wrap attaches context to cause while preserving %w-chain unwrapping,
// matching the teacher's fmt.Errorf("...: %w", err) idiom.
func Wrap(cause error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, cause)...)
}

// CodeOf extracts the wire Code for err, defaulting to CodeInternal when
// err (or any error in its chain) is not a *CodedError.
func CodeOf(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// MessageOf extracts a peer-safe message for err.
func MessageOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return "internal error"
}
