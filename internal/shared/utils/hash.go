package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// HashAlgorithm represents the hashing algorithm to use
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
)

// Hasher provides content hashing
type Hasher struct {
	algorithm HashAlgorithm
}

// NewHasher creates a new hasher with the specified algorithm
func NewHasher(algorithm HashAlgorithm) *Hasher {
	return &Hasher{
		algorithm: algorithm,
	}
}

// DefaultHasher returns a hasher with the default algorithm
func DefaultHasher() *Hasher {
	return NewHasher(SHA256)
}

// Sum returns the raw digest of data
func (h *Hasher) Sum(data []byte) []byte {
	switch h.algorithm {
	case SHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

// Hash computes a hex digest of the input data
func (h *Hasher) Hash(data []byte) string {
	return hex.EncodeToString(h.Sum(data))
}

// HashString computes a hex digest of a string
func (h *Hasher) HashString(s string) string {
	return h.Hash([]byte(s))
}

// ExtensionIDLength is the length of a derived extension identifier
const ExtensionIDLength = 32

// ExtensionIdentifier derives stable extension identifiers from install paths.
//
// The identifier is the first 16 bytes of the path digest, hex encoded, with
// each hex digit shifted into 'a'..'p'. The alphabet has no digits or dots, so
// an identifier can never look like an IP address in a URL host position.
type ExtensionIdentifier struct {
	hasher *Hasher
}

// NewExtensionIdentifier creates an identifier using hasher, or sha256 when nil
func NewExtensionIdentifier(hasher *Hasher) *ExtensionIdentifier {
	if hasher == nil {
		hasher = DefaultHasher()
	}
	return &ExtensionIdentifier{hasher: hasher}
}

// FromPath derives the identifier for an install path.
// The path is made absolute and cleaned first so equivalent spellings agree.
func (ei *ExtensionIdentifier) FromPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty extension path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve extension path: %w", err)
	}
	abs = filepath.Clean(abs)

	digest := hex.EncodeToString(ei.hasher.Sum([]byte(abs))[:ExtensionIDLength/2])
	return remapHex(digest), nil
}

// IsValid reports whether s has the shape of a derived identifier
func (ei *ExtensionIdentifier) IsValid(s string) bool {
	if len(s) != ExtensionIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'p' {
			return false
		}
	}
	return true
}

func remapHex(digest string) string {
	out := make([]byte, len(digest))
	for i := 0; i < len(digest); i++ {
		c := digest[i]
		switch {
		case c >= '0' && c <= '9':
			out[i] = 'a' + (c - '0')
		default:
			out[i] = 'k' + (c - 'a')
		}
	}
	return string(out)
}
