// Package errs provides kind-bearing errors shared across the toolkit's
// services, so a CLI layer can map failures to a one-line message and exit
// code without string-matching error text.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure a service surfaced.
type Kind string

const (
	KindConfig     Kind = "ConfigError"
	KindAuthFailed Kind = "AuthFailed"
	KindConnection Kind = "ConnectionError"
	KindTransfer   Kind = "TransferError"
	KindFileSync   Kind = "FileSyncError"
	KindBlockSync  Kind = "BlockSyncError"
	KindScriptExec Kind = "ScriptExecutionError"
	KindProxy      Kind = "ProxyError"
)

// Error wraps an underlying error with a Kind, so errors.Is/errors.As keep
// working through the chain while callers can still branch on Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Config wraps err as a ConfigError.
func Config(err error, format string, args ...any) *Error {
	return newf(KindConfig, err, format, args...)
}

// AuthFailed wraps err as an AuthFailed error.
func AuthFailed(err error, format string, args ...any) *Error {
	return newf(KindAuthFailed, err, format, args...)
}

// Connection wraps err as a ConnectionError.
func Connection(err error, format string, args ...any) *Error {
	return newf(KindConnection, err, format, args...)
}

// Transfer wraps err as a TransferError.
func Transfer(err error, format string, args ...any) *Error {
	return newf(KindTransfer, err, format, args...)
}

// FileSync wraps err as a FileSyncError.
func FileSync(err error, format string, args ...any) *Error {
	return newf(KindFileSync, err, format, args...)
}

// BlockSync wraps err as a BlockSyncError.
func BlockSync(err error, format string, args ...any) *Error {
	return newf(KindBlockSync, err, format, args...)
}

// ScriptExec wraps err as a ScriptExecutionError.
func ScriptExec(err error, format string, args ...any) *Error {
	return newf(KindScriptExec, err, format, args...)
}

// Proxy wraps err as a ProxyError.
func Proxy(err error, format string, args ...any) *Error {
	return newf(KindProxy, err, format, args...)
}

// As reports whether err's chain contains an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
