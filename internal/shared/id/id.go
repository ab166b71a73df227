// Package id provides centralized ID generation for the runtime.
//
// IDs are prefixed ULIDs:
//   - Lexicographic sortability: request and node IDs order by creation time
//   - Prefixed types: req_*, node_*, host_* make logs readable
//   - Type safety: separate types prevent mixing a node ID with a request ID
//
// Extension IDs are not ULIDs. They are content-addressed from the install
// path, see utils.ExtensionIdentifier.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RequestID correlates a bridge call or a published message with its reply
type RequestID string

// NodeID identifies one execution context registered with the router
type NodeID string

// HostID identifies a script host view
type HostID string

// TraceID identifies a dispatch trace
type TraceID string

const (
	RequestPrefix = "req"
	NodePrefix    = "node"
	HostPrefix    = "host"
	TracePrefix   = "trace"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Tests use it for deterministic IDs.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func NewNodeID() NodeID {
	return NodeID(Default().GenerateWithPrefix(NodePrefix))
}

func NewHostID() HostID {
	return HostID(Default().GenerateWithPrefix(HostPrefix))
}

func NewTraceID() TraceID {
	return TraceID(Default().GenerateWithPrefix(TracePrefix))
}

func (id RequestID) String() string { return string(id) }
func (id NodeID) String() string    { return string(id) }
func (id HostID) String() string    { return string(id) }
func (id TraceID) String() string   { return string(id) }

// NewSecret returns an unguessable identifier-safe token (32 hex chars).
// Used for script-visible names and tokens that page scripts must not predict.
func NewSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsValid checks if an ID string is a valid ULID, with or without a prefix
func IsValid(id string) bool {
	_, err := Parse(id)
	return err == nil
}

// Parse parses a ULID string, stripping a known prefix when present
func Parse(id string) (ulid.ULID, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	return ulid.Parse(id)
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
