package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
)

// Provider persists extension storage. Values are JSON text. The runtime
// never stores data itself; a host supplies a Provider.
type Provider interface {
	// Get returns the stored values for keys, or every value when keys is nil.
	// Missing keys are absent from the result.
	Get(ctx context.Context, ext extension.ID, area Area, keys []string) (map[string]string, error)
	// Set stores items and returns the previous value of every key that existed
	Set(ctx context.Context, ext extension.ID, area Area, items map[string]string) (map[string]string, error)
	// Remove deletes keys and returns the values of the keys that existed
	Remove(ctx context.Context, ext extension.ID, area Area, keys []string) (map[string]string, error)
	// Clear deletes every key and returns what was stored
	Clear(ctx context.Context, ext extension.ID, area Area) (map[string]string, error)
	// Usage measures keys, or the whole area when keys is nil
	Usage(ctx context.Context, ext extension.ID, area Area, keys []string) (Usage, error)
	AccessLevel(ctx context.Context, ext extension.ID, area Area) (AccessLevel, error)
	SetAccessLevel(ctx context.Context, ext extension.ID, area Area, level AccessLevel) error
}

// ProviderErrorKind classifies provider failures
type ProviderErrorKind int

const (
	QuotaExceededError ProviderErrorKind = iota
	InvalidKeyError
	InvalidValueError
	PermissionDeniedError
	BackendError
	OperationNotSupportedError
)

var providerErrorNames = map[ProviderErrorKind]string{
	QuotaExceededError:         "quotaExceeded",
	InvalidKeyError:            "invalidKey",
	InvalidValueError:          "invalidValue",
	PermissionDeniedError:      "permissionDenied",
	BackendError:               "backendError",
	OperationNotSupportedError: "operationNotSupported",
}

func (k ProviderErrorKind) String() string {
	if name, ok := providerErrorNames[k]; ok {
		return name
	}
	return "unknown"
}

// ProviderError is the only error type a Provider should return
type ProviderError struct {
	Kind    ProviderErrorKind
	Keys    []string
	Message string
	Err     error
}

// NewProviderError creates a provider error
func NewProviderError(kind ProviderErrorKind, message string, keys ...string) *ProviderError {
	return &ProviderError{Kind: kind, Message: message, Keys: keys}
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("storage provider %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("storage provider %s", e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsBackendFailure reports whether err indicates an unhealthy provider rather
// than a rejected request
func IsBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == BackendError
	}
	return true
}
