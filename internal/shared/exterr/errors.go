// Package exterr defines the public error taxonomy of the extension runtime.
//
// Every error that crosses the script bridge is an *Error. Callers compare
// with errors.Is against the Kind sentinels:
//
//	if errors.Is(err, exterr.ErrQuotaExceeded) { ... }
//
// Payload converts any error into the {message} shape delivered to scripts.
package exterr

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error
type Kind int

const (
	KindInternal Kind = iota
	KindUnknownAPI
	KindInsufficientPermissions
	KindNoMessageReceiver
	KindMessagePortClosed
	KindQuotaExceeded
	KindValueError
	KindPermissionDenied
	KindNotAvailable
	KindManagedStorageReadOnly
	KindStorageAreaNotAvailable
	KindExtensionAlreadyExists
	KindExtensionNotFound
	KindNavigationFailed
)

var kindNames = map[Kind]string{
	KindInternal:                "InternalError",
	KindUnknownAPI:              "UnknownAPI",
	KindInsufficientPermissions: "InsufficientPermissions",
	KindNoMessageReceiver:       "NoMessageReceiver",
	KindMessagePortClosed:       "MessagePortClosed",
	KindQuotaExceeded:           "QuotaExceeded",
	KindValueError:              "ValueError",
	KindPermissionDenied:        "PermissionDenied",
	KindNotAvailable:            "NotAvailable",
	KindManagedStorageReadOnly:  "ManagedStorageReadOnly",
	KindStorageAreaNotAvailable: "StorageAreaNotAvailable",
	KindExtensionAlreadyExists:  "ExtensionAlreadyExists",
	KindExtensionNotFound:       "ExtensionNotFound",
	KindNavigationFailed:        "NavigationFailed",
}

// String returns the taxonomy name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is a classified runtime error
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error returns the human-readable message shown to scripts
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

// Unwrap exposes the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrInternal                = &Error{Kind: KindInternal}
	ErrUnknownAPI              = &Error{Kind: KindUnknownAPI}
	ErrInsufficientPermissions = &Error{Kind: KindInsufficientPermissions}
	ErrNoMessageReceiver       = &Error{Kind: KindNoMessageReceiver}
	ErrMessagePortClosed       = &Error{Kind: KindMessagePortClosed}
	ErrQuotaExceeded           = &Error{Kind: KindQuotaExceeded}
	ErrValueError              = &Error{Kind: KindValueError}
	ErrPermissionDenied        = &Error{Kind: KindPermissionDenied}
	ErrNotAvailable            = &Error{Kind: KindNotAvailable}
	ErrManagedStorageReadOnly  = &Error{Kind: KindManagedStorageReadOnly}
	ErrStorageAreaNotAvailable = &Error{Kind: KindStorageAreaNotAvailable}
	ErrExtensionAlreadyExists  = &Error{Kind: KindExtensionAlreadyExists}
	ErrExtensionNotFound       = &Error{Kind: KindExtensionNotFound}
	ErrNavigationFailed        = &Error{Kind: KindNavigationFailed}
)

func UnknownAPI(api string) *Error {
	return &Error{Kind: KindUnknownAPI, Message: fmt.Sprintf("Unknown API: %s", api)}
}

func InsufficientPermissions(permission string) *Error {
	return &Error{Kind: KindInsufficientPermissions, Message: fmt.Sprintf("Insufficient permissions: %s", permission)}
}

func NoMessageReceiver() *Error {
	return &Error{Kind: KindNoMessageReceiver, Message: "Could not establish connection. Receiving end does not exist."}
}

func MessagePortClosed() *Error {
	return &Error{Kind: KindMessagePortClosed, Message: "The message port closed before a response was received."}
}

func QuotaExceeded(detail string) *Error {
	msg := "Storage quota exceeded"
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return &Error{Kind: KindQuotaExceeded, Message: msg}
}

func ValueError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValueError, Message: fmt.Sprintf(format, args...)}
}

// DecodeError reports a request body that does not fit the handler's shape
func DecodeError(api string, err error) *Error {
	return &Error{Kind: KindValueError, Message: fmt.Sprintf("Invalid arguments for %s", api), Err: err}
}

func PermissionDenied(detail string) *Error {
	msg := "Permission denied"
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return &Error{Kind: KindPermissionDenied, Message: msg}
}

func NotAvailable(detail string) *Error {
	msg := "Not available"
	if detail != "" {
		msg = detail
	}
	return &Error{Kind: KindNotAvailable, Message: msg}
}

func Internal(detail string, err error) *Error {
	msg := "Internal error"
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

func ManagedStorageReadOnly() *Error {
	return &Error{Kind: KindManagedStorageReadOnly, Message: "This is a read-only store."}
}

func StorageAreaNotAvailable(area string) *Error {
	return &Error{Kind: KindStorageAreaNotAvailable, Message: fmt.Sprintf("Access to storage area '%s' is not allowed from this context.", area)}
}

func ExtensionAlreadyExists(id string) *Error {
	return &Error{Kind: KindExtensionAlreadyExists, Message: fmt.Sprintf("Extension %s is already active", id)}
}

func ExtensionNotFound(id string) *Error {
	return &Error{Kind: KindExtensionNotFound, Message: fmt.Sprintf("Extension %s not found", id)}
}

func NavigationFailed(url string, err error) *Error {
	return &Error{Kind: KindNavigationFailed, Message: fmt.Sprintf("Background navigation to %s failed", url), Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message is the serialized form of an error crossing the bridge
type Message struct {
	Message string `json:"message"`
}

// Payload converts err into the script-visible {message} shape.
// Unclassified errors never leak their text.
func Payload(err error) Message {
	var e *Error
	if errors.As(err, &e) {
		return Message{Message: e.Error()}
	}
	return Message{Message: "Internal error"}
}
