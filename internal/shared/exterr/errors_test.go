package exterr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same kind", UnknownAPI("foo.bar"), ErrUnknownAPI, true},
		{"different kind", UnknownAPI("foo.bar"), ErrValueError, false},
		{"wrapped", fmt.Errorf("dispatch: %w", QuotaExceeded("")), ErrQuotaExceeded, true},
		{"area detail ignored", StorageAreaNotAvailable("session"), ErrStorageAreaNotAvailable, true},
		{"decode is a value error", DecodeError("storage.local.get", errors.New("bad")), ErrValueError, true},
		{"plain error", errors.New("boom"), ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestPayload(t *testing.T) {
	assert.Equal(t, "Unknown API: x.y", Payload(UnknownAPI("x.y")).Message)
	assert.Equal(t, "This is a read-only store.", Payload(ManagedStorageReadOnly()).Message)
	assert.Equal(t, "Internal error", Payload(errors.New("sql: connection refused")).Message)
	assert.Equal(t, "Insufficient permissions: storage", Payload(fmt.Errorf("wrap: %w", InsufficientPermissions("storage"))).Message)
}

func TestUnwrapKeepsCause(t *testing.T) {
	err := NavigationFailed("webext://abc/_generated_background_page.html", context.Canceled)

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrNavigationFailed)
	assert.Equal(t, KindNavigationFailed, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "QuotaExceeded", KindQuotaExceeded.String())
	assert.Equal(t, "unknown", Kind(999).String())
}
