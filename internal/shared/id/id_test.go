package id

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
	if id1.Compare(id2) >= 0 {
		t.Error("Monotonic IDs should sort in generation order")
	}
}

func TestTypedIDGeneration(t *testing.T) {
	tests := []struct {
		prefix string
		id     string
	}{
		{"req", NewRequestID().String()},
		{"node", NewNodeID().String()},
		{"host", NewHostID().String()},
		{"trace", NewTraceID().String()},
	}

	for _, tt := range tests {
		parts := strings.Split(tt.id, "_")
		if len(parts) != 2 {
			t.Fatalf("ID should have format 'prefix_ulid', got: %s", tt.id)
		}
		if parts[0] != tt.prefix {
			t.Errorf("Expected prefix '%s', got '%s'", tt.prefix, parts[0])
		}
		if !IsValid(tt.id) {
			t.Errorf("Prefixed ID should parse: %s", tt.id)
		}
	}
}

func TestIsValid(t *testing.T) {
	invalidIDs := []string{
		"",
		"invalid",
		"req_",
		"zzzzzzzzzzzzzzzzzzzzzzzzzzz",
	}

	for _, id := range invalidIDs {
		if IsValid(id) {
			t.Errorf("ID should be invalid: %s", id)
		}
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now()
	id := NewRequestID()
	after := time.Now()

	ts, err := Timestamp(id.String())
	if err != nil {
		t.Fatalf("Failed to extract timestamp: %v", err)
	}

	if ts.UnixMilli() < before.UnixMilli() || ts.UnixMilli() > after.UnixMilli() {
		t.Errorf("Timestamp %v outside [%v, %v]", ts, before, after)
	}
}

func TestNewSecret(t *testing.T) {
	a, b := NewSecret(), NewSecret()

	if len(a) != 32 {
		t.Errorf("Secret should be 32 characters, got %d", len(a))
	}
	if strings.Contains(a, "-") {
		t.Errorf("Secret must be identifier-safe: %s", a)
	}
	if a == b {
		t.Error("Secrets should be unique")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	ids := make(chan RequestID, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- NewRequestID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[RequestID]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestGeneratorWithEntropyIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 64)
	a := NewGeneratorWithEntropy(bytes.NewReader(seed))
	b := NewGeneratorWithEntropy(bytes.NewReader(seed))

	if a.Generate().Entropy()[0] != b.Generate().Entropy()[0] {
		t.Error("Generators with the same entropy should produce the same random component")
	}
}
