package utils

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Bridge payload limits (in bytes)
const (
	MaxEnvelopeSize = 8 * 1024 * 1024 // one bridge call
	MaxMessageSize  = 64 * 1024 * 1024
	MaxStorageKey   = 4096
)

// APIPattern matches a dotted API name such as storage.local.get
var APIPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(\.[A-Za-z][A-Za-z0-9]*)+$`)

// JSONSizeValidator validates JSON payload limits
type JSONSizeValidator struct {
	maxSize int
}

// NewJSONSizeValidator creates a new validator with the specified max size
func NewJSONSizeValidator(maxSize int) *JSONSizeValidator {
	return &JSONSizeValidator{maxSize: maxSize}
}

// DefaultJSONValidator returns a validator sized for bridge envelopes
func DefaultJSONValidator() *JSONSizeValidator {
	return NewJSONSizeValidator(MaxEnvelopeSize)
}

// ValidateSize checks if the data size is within limits
func (v *JSONSizeValidator) ValidateSize(data []byte) error {
	if len(data) > v.maxSize {
		return fmt.Errorf("JSON size %d bytes exceeds maximum %d bytes", len(data), v.maxSize)
	}
	return nil
}

// ValidateJSON validates both size and JSON structure
func (v *JSONSizeValidator) ValidateJSON(data []byte) error {
	if err := v.ValidateSize(data); err != nil {
		return err
	}
	if !sonic.Valid(data) {
		return fmt.Errorf("invalid JSON")
	}
	return nil
}

// ValidateAPIName checks the dotted namespace.method shape
func ValidateAPIName(api string) error {
	if !APIPattern.MatchString(api) {
		return fmt.Errorf("malformed API name %q", api)
	}
	return nil
}

// ValidateStorageKey rejects keys a storage provider cannot represent
func ValidateStorageKey(key string) error {
	if !utf8.ValidString(key) {
		return fmt.Errorf("storage key is not valid UTF-8")
	}
	if len(key) > MaxStorageKey {
		return fmt.Errorf("storage key length %d exceeds maximum %d", len(key), MaxStorageKey)
	}
	return nil
}
