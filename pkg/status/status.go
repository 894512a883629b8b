// Package status defines the error values surfaced by LiteCore. Every
// failure that crosses a package boundary is a *status.Error carrying a
// domain, a numeric code and a human-readable message. Messages are for
// humans and are not stable; domain+code are.
package status

import (
	"errors"
	"fmt"
)

// Domain groups error codes by origin.
type Domain int

const (
	DomainDatabase Domain = iota + 1
	DomainNetwork
	DomainWebSocket
	DomainPOSIX
)

func (d Domain) String() string {
	switch d {
	case DomainDatabase:
		return "Database"
	case DomainNetwork:
		return "Network"
	case DomainWebSocket:
		return "WebSocket"
	case DomainPOSIX:
		return "POSIX"
	}
	return fmt.Sprintf("Domain(%d)", int(d))
}

// Code identifies an error kind. The same codes are used in every domain;
// POSIX-domain errors use CodeIOError and wrap the underlying OS error,
// which carries the errno.
type Code int

const (
	CodeNotFound Code = iota + 1
	CodeConflict
	CodeBadRevID
	CodeBadDocID
	CodeBadBlobKey
	CodeCorruptData
	CodeCantOpenFile
	CodeIOError
	CodeBusy
	CodeTransactionNotClosed
	CodeRemoteError
	CodeDisconnected
	CodeUnimplemented
	CodeInternal
)

var codeNames = map[Code]string{
	CodeNotFound:             "NotFound",
	CodeConflict:             "Conflict",
	CodeBadRevID:             "BadRevID",
	CodeBadDocID:             "BadDocID",
	CodeBadBlobKey:           "BadBlobKey",
	CodeCorruptData:          "CorruptData",
	CodeCantOpenFile:         "CantOpenFile",
	CodeIOError:              "IOError",
	CodeBusy:                 "Busy",
	CodeTransactionNotClosed: "TransactionNotClosed",
	CodeRemoteError:          "RemoteError",
	CodeDisconnected:         "Disconnected",
	CodeUnimplemented:        "Unimplemented",
	CodeInternal:             "Internal",
}

// Error is the concrete error type used across LiteCore.
type Error struct {
	Domain  Domain
	Code    Code
	Message string
	wrapped error
}

func (e *Error) Error() string {
	name, ok := codeNames[e.Code]
	if !ok {
		name = fmt.Sprintf("code %d", int(e.Code))
	}
	if e.Message == "" {
		return fmt.Sprintf("%s error: %s", e.Domain, name)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Domain, name, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds an error in the given domain.
func New(domain Domain, code Code, format string, args ...interface{}) *Error {
	return &Error{Domain: domain, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause so errors.Is/As keep working through the taxonomy.
func Wrap(err error, domain Domain, code Code, format string, args ...interface{}) *Error {
	return &Error{
		Domain:  domain,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		wrapped: err,
	}
}

func NotFound(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeConflict, format, args...)
}

func BadRevID(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeBadRevID, format, args...)
}

func BadDocID(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeBadDocID, format, args...)
}

func BadBlobKey(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeBadBlobKey, format, args...)
}

func CorruptData(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeCorruptData, format, args...)
}

func CantOpenFile(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeCantOpenFile, format, args...)
}

func IOError(err error, format string, args ...interface{}) *Error {
	return Wrap(err, DomainPOSIX, CodeIOError, format, args...)
}

func Busy(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeBusy, format, args...)
}

func RemoteError(format string, args ...interface{}) *Error {
	return New(DomainNetwork, CodeRemoteError, format, args...)
}

func Disconnected(format string, args ...interface{}) *Error {
	return New(DomainNetwork, CodeDisconnected, format, args...)
}

func Unimplemented(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeUnimplemented, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return New(DomainDatabase, CodeInternal, format, args...)
}

// Is reports whether err carries the given code in any domain.
func Is(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func IsNotFound(err error) bool     { return Is(err, CodeNotFound) }
func IsConflict(err error) bool     { return Is(err, CodeConflict) }
func IsCorruptData(err error) bool  { return Is(err, CodeCorruptData) }
func IsDisconnected(err error) bool { return Is(err, CodeDisconnected) }
