// Package errs defines the coded errors that cross the supervisor/runtime
// boundary.
//
// Every error that leaves a broker carries a stable Code. The code is the
// wire representation inside an IPC reply ({"code": ..., "message": ...}),
// and the receiving peer rebuilds an *Error from it so callers on either
// side can match with errors.Is against the sentinels below.
//
// Example Usage:
//
//	if err := broker.Resolve(win, p); errors.Is(err, errs.ErrPathNotApproved) {
//	    ...
//	}
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error kind.
type Code string

const (
	CodePathEscape       Code = "ERR_PATH_ESCAPE"
	CodeModuleNotAllowed Code = "ERR_MODULE_NOT_ALLOWED"
	CodeMessageTooLarge  Code = "ERR_MESSAGE_TOO_LARGE"
	CodePathNotApproved  Code = "ERR_PATH_NOT_APPROVED"
	CodeSessionNotFound  Code = "ERR_SESSION_NOT_FOUND"
	CodeActivationFailed Code = "ERR_ACTIVATION_FAILED"
	CodeRequestTimeout   Code = "ERR_REQUEST_TIMEOUT"
	CodeProcessExited    Code = "ERR_PROCESS_EXITED"

	CodeNoHandler       Code = "ERR_NO_HANDLER"
	CodeMethodNotFound  Code = "ERR_METHOD_NOT_FOUND"
	CodeInvalidParams   Code = "ERR_INVALID_PARAMS"
	CodeLimitExceeded   Code = "ERR_LIMIT_EXCEEDED"
	CodeFileTooLarge    Code = "ERR_FILE_TOO_LARGE"
	CodeNotFound        Code = "ERR_NOT_FOUND"
	CodeShellNotAllowed Code = "ERR_SHELL_NOT_ALLOWED"
	CodeCommandNotFound Code = "ERR_COMMAND_NOT_FOUND"
	CodePanelNotFound   Code = "ERR_PANEL_NOT_FOUND"
	CodeSpawnThrottled  Code = "ERR_SPAWN_THROTTLED"
	CodeProtocol        Code = "ERR_PROTOCOL"
	CodeInternal        Code = "ERR_INTERNAL"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrPathEscape       = &Error{Code: CodePathEscape}
	ErrModuleNotAllowed = &Error{Code: CodeModuleNotAllowed}
	ErrMessageTooLarge  = &Error{Code: CodeMessageTooLarge}
	ErrPathNotApproved  = &Error{Code: CodePathNotApproved}
	ErrSessionNotFound  = &Error{Code: CodeSessionNotFound}
	ErrActivationFailed = &Error{Code: CodeActivationFailed}
	ErrRequestTimeout   = &Error{Code: CodeRequestTimeout}
	ErrProcessExited    = &Error{Code: CodeProcessExited}
	ErrNoHandler        = &Error{Code: CodeNoHandler}
	ErrMethodNotFound   = &Error{Code: CodeMethodNotFound}
	ErrInvalidParams    = &Error{Code: CodeInvalidParams}
	ErrLimitExceeded    = &Error{Code: CodeLimitExceeded}
	ErrFileTooLarge     = &Error{Code: CodeFileTooLarge}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrShellNotAllowed  = &Error{Code: CodeShellNotAllowed}
	ErrCommandNotFound  = &Error{Code: CodeCommandNotFound}
	ErrPanelNotFound    = &Error{Code: CodePanelNotFound}
	ErrSpawnThrottled   = &Error{Code: CodeSpawnThrottled}
	ErrProtocol         = &Error{Code: CodeProtocol}
)

// Error is a coded error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around a cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports code equality so sentinels match any message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code from an error chain. Non-coded errors map to
// CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the human-readable part of an error without the code
// prefix.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			if e.Err != nil {
				return fmt.Sprintf("%s: %v", e.Message, e.Err)
			}
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Code)
	}
	return err.Error()
}
