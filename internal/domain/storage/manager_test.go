package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
)

const extA extension.ID = "aaaabbbbccccddddeeeeffffgggghhhh"

type broadcastCall struct {
	function    string
	args        []interface{}
	ext         extension.ID
	trustedOnly bool
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *recordingBroadcaster) BroadcastEvent(_ context.Context, function string, args []interface{}, ext extension.ID, trustedOnly bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{function, args, ext, trustedOnly})
	return 1
}

func (b *recordingBroadcaster) changes(t *testing.T, i int) Changes {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Greater(t, len(b.calls), i)
	changes, ok := b.calls[i].args[0].(Changes)
	require.True(t, ok)
	return changes
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestManager() (*Manager, *MemoryProvider, *recordingBroadcaster) {
	provider := NewMemoryProvider()
	broadcaster := &recordingBroadcaster{}
	return NewManager(provider, broadcaster, nil), provider, broadcaster
}

var (
	trusted   = Caller{ExtensionID: extA, Trusted: true}
	untrusted = Caller{ExtensionID: extA, Trusted: false}
)

func TestSetSameValueTwiceBroadcastsOnce(t *testing.T) {
	m, _, b := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, untrusted, Local, map[string]string{"k": `"1"`}))
	require.NoError(t, m.Set(ctx, untrusted, Local, map[string]string{"k": `"1"`}))

	require.Equal(t, 1, b.count())
	call := b.calls[0]
	assert.Equal(t, ChangedEventFunction, call.function)
	assert.Equal(t, extA, call.ext)
	assert.Equal(t, "local", call.args[1])
	assert.False(t, call.trustedOnly)

	change := b.changes(t, 0)["k"]
	assert.Nil(t, change.OldValue)
	require.NotNil(t, change.NewValue)
	assert.Equal(t, `"1"`, *change.NewValue)
}

func TestSetBatchesChangedKeysOnly(t *testing.T) {
	m, _, b := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, trusted, Local, map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, m.Set(ctx, trusted, Local, map[string]string{"a": "1", "b": "3", "c": "4"}))

	require.Equal(t, 2, b.count())
	changes := b.changes(t, 1)
	assert.Equal(t, []string{"b", "c"}, changes.Keys())
	assert.Equal(t, "2", *changes["b"].OldValue)
	assert.Equal(t, "3", *changes["b"].NewValue)
}

func TestRoundTrip(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	values := map[string]string{
		"string": `"hello"`,
		"number": `42`,
		"object": `{"nested":[1,2,3]}`,
		"null":   `null`,
	}
	for key, value := range values {
		t.Run(key, func(t *testing.T) {
			require.NoError(t, m.Set(ctx, trusted, Sync, map[string]string{key: value}))
			got, err := m.Get(ctx, trusted, Sync, []string{key})
			require.NoError(t, err)
			assert.Equal(t, map[string]string{key: value}, got)
		})
	}

	all, err := m.Get(ctx, trusted, Sync, nil)
	require.NoError(t, err)
	assert.Len(t, all, len(values))
}

func TestRemoveAndClear(t *testing.T) {
	m, _, b := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, trusted, Local, map[string]string{"a": "1", "b": "2", "c": "3"}))

	require.NoError(t, m.Remove(ctx, trusted, Local, []string{"a", "missing"}))
	require.Equal(t, 2, b.count())
	removed := b.changes(t, 1)
	assert.Equal(t, []string{"a"}, removed.Keys())
	assert.Nil(t, removed["a"].NewValue)
	assert.Equal(t, "1", *removed["a"].OldValue)

	require.NoError(t, m.Remove(ctx, trusted, Local, []string{"missing"}))
	assert.Equal(t, 2, b.count(), "removing absent keys is silent")

	require.NoError(t, m.Clear(ctx, trusted, Local))
	require.Equal(t, 3, b.count())
	assert.Equal(t, []string{"b", "c"}, b.changes(t, 2).Keys())

	require.NoError(t, m.Clear(ctx, trusted, Local))
	assert.Equal(t, 3, b.count(), "clearing an empty area is silent")
}

func TestAccessLevelEnforcement(t *testing.T) {
	m, _, b := newTestManager()
	ctx := context.Background()

	_, err := m.Get(ctx, untrusted, Session, nil)
	assert.ErrorIs(t, err, exterr.ErrStorageAreaNotAvailable)

	_, err = m.Get(ctx, trusted, Session, nil)
	assert.NoError(t, err)

	require.NoError(t, m.SetStorageAccessLevel(ctx, trusted, Local, TrustedContexts))
	err = m.Set(ctx, untrusted, Local, map[string]string{"k": "1"})
	assert.ErrorIs(t, err, exterr.ErrStorageAreaNotAvailable)
	assert.Equal(t, 0, b.count(), "rejected calls never mutate")

	require.NoError(t, m.Set(ctx, trusted, Local, map[string]string{"k": "1"}))
	require.Equal(t, 1, b.count())
	assert.True(t, b.calls[0].trustedOnly)

	require.NoError(t, m.SetStorageAccessLevel(ctx, trusted, Session, TrustedAndUntrustedContexts))
	_, err = m.Get(ctx, untrusted, Session, nil)
	assert.NoError(t, err)
}

func TestSetStorageAccessLevel(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	tests := []struct {
		name   string
		caller Caller
		area   Area
		level  AccessLevel
		want   *exterr.Error
	}{
		{"managed trusted", trusted, Managed, TrustedContexts, exterr.ErrManagedStorageReadOnly},
		{"managed untrusted", untrusted, Managed, TrustedAndUntrustedContexts, exterr.ErrManagedStorageReadOnly},
		{"untrusted caller", untrusted, Local, TrustedContexts, exterr.ErrPermissionDenied},
		{"bad level", trusted, Local, AccessLevel("EVERYONE"), exterr.ErrValueError},
		{"unknown area", trusted, Area("cloud"), TrustedContexts, exterr.ErrValueError},
		{"ok", trusted, Sync, TrustedContexts, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.SetStorageAccessLevel(ctx, tt.caller, tt.area, tt.level)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestManagedStorage(t *testing.T) {
	m, provider, b := newTestManager()
	ctx := context.Background()

	require.NoError(t, provider.SeedManaged(extA, map[string]string{"policy": `{"enabled":true}`}))

	got, err := m.Get(ctx, untrusted, Managed, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"enabled":true}`, got["policy"])

	assert.ErrorIs(t, m.Set(ctx, trusted, Managed, map[string]string{"x": "1"}), exterr.ErrManagedStorageReadOnly)
	assert.ErrorIs(t, m.Remove(ctx, trusted, Managed, []string{"policy"}), exterr.ErrManagedStorageReadOnly)
	assert.ErrorIs(t, m.Clear(ctx, trusted, Managed), exterr.ErrManagedStorageReadOnly)
	assert.Equal(t, 0, b.count())
}

func TestQuota(t *testing.T) {
	ctx := context.Background()

	t.Run("sync per item", func(t *testing.T) {
		m, _, b := newTestManager()
		big := `"` + strings.Repeat("x", syncQuotaBytesPerItem) + `"`
		err := m.Set(ctx, trusted, Sync, map[string]string{"k": big})
		assert.ErrorIs(t, err, exterr.ErrQuotaExceeded)
		assert.Contains(t, err.Error(), "QUOTA_BYTES_PER_ITEM")
		assert.Equal(t, 0, b.count())
	})

	t.Run("sync max items", func(t *testing.T) {
		m, _, _ := newTestManager()
		items := make(map[string]string, syncMaxItems)
		for i := 0; i < syncMaxItems; i++ {
			items[fmt.Sprintf("k%d", i)] = "1"
		}
		require.NoError(t, m.Set(ctx, trusted, Sync, items))

		err := m.Set(ctx, trusted, Sync, map[string]string{"one-more": "1"})
		assert.ErrorIs(t, err, exterr.ErrQuotaExceeded)
		assert.Contains(t, err.Error(), "MAX_ITEMS")

		for k := range items {
			require.NoError(t, m.Set(ctx, trusted, Sync, map[string]string{k: "2"}), "overwrites do not add items")
			break
		}
	})

	t.Run("local total and unlimitedStorage", func(t *testing.T) {
		m, _, _ := newTestManager()
		huge := `"` + strings.Repeat("x", localQuotaBytes) + `"`

		err := m.Set(ctx, trusted, Local, map[string]string{"k": huge})
		assert.ErrorIs(t, err, exterr.ErrQuotaExceeded)

		unlimited := trusted
		unlimited.UnlimitedStorage = true
		assert.NoError(t, m.Set(ctx, unlimited, Local, map[string]string{"k": huge}))
	})
}

func TestGetUsage(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, trusted, Local, map[string]string{"ab": "12", "c": `"x"`}))

	usage, err := m.GetUsage(ctx, trusted, Local, nil)
	require.NoError(t, err)
	assert.Equal(t, Usage{Bytes: 4 + 4, Items: 2}, usage)

	usage, err = m.GetUsage(ctx, trusted, Local, []string{"ab", "missing"})
	require.NoError(t, err)
	assert.Equal(t, Usage{Bytes: 4, Items: 1}, usage)
}

// failingProvider returns err from every call
type failingProvider struct {
	*MemoryProvider
	err   error
	calls int
}

func (p *failingProvider) Set(ctx context.Context, ext extension.ID, area Area, items map[string]string) (map[string]string, error) {
	p.calls++
	return nil, p.err
}

func TestProviderErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *exterr.Error
		msg  string
	}{
		{"quota", NewProviderError(QuotaExceededError, ""), exterr.ErrQuotaExceeded, "Storage quota exceeded"},
		{"invalid key", NewProviderError(InvalidKeyError, "", "bad"), exterr.ErrValueError, "Invalid key bad"},
		{"invalid value", NewProviderError(InvalidValueError, "nope"), exterr.ErrValueError, "Invalid value nope"},
		{"permission", NewProviderError(PermissionDeniedError, ""), exterr.ErrPermissionDenied, "Permission denied"},
		{"unsupported", NewProviderError(OperationNotSupportedError, ""), exterr.ErrNotAvailable, "Not available"},
		{"backend", NewProviderError(BackendError, "disk on fire"), exterr.ErrInternal, "Internal error: Storage error"},
		{"foreign", errors.New("sql: connection reset"), exterr.ErrInternal, "Internal error: Storage error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &failingProvider{MemoryProvider: NewMemoryProvider(), err: tt.err}
			m := NewManager(provider, &recordingBroadcaster{}, nil)

			err := m.Set(context.Background(), trusted, Local, map[string]string{"k": "1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.msg, exterr.Payload(err).Message)

			var pe *ProviderError
			assert.False(t, errors.As(err, &pe), "provider errors never cross the manager")
		})
	}
}

func TestBreakerOpensOnBackendFailures(t *testing.T) {
	provider := &failingProvider{MemoryProvider: NewMemoryProvider(), err: NewProviderError(BackendError, "down")}
	settings := BreakerSettings()
	settings.Timeout = time.Minute
	settings.ReadyToTrip = func(c resilience.Counts) bool { return c.TotalFailures >= 2 }

	m := NewManager(provider, nil, nil).WithBreaker(resilience.New("storage", settings))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, m.Set(ctx, trusted, Local, map[string]string{"k": "1"}), exterr.ErrInternal)
	}

	err := m.Set(ctx, trusted, Local, map[string]string{"k": "1"})
	assert.ErrorIs(t, err, exterr.ErrNotAvailable)
	assert.Equal(t, "Storage temporarily unavailable", err.Error())
	assert.Equal(t, 2, provider.calls)
}

func TestCallerErrorsDoNotTripBreaker(t *testing.T) {
	provider := &failingProvider{MemoryProvider: NewMemoryProvider(), err: NewProviderError(InvalidValueError, "bad")}
	m := NewManager(provider, nil, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		assert.ErrorIs(t, m.Set(ctx, trusted, Local, map[string]string{"k": "1"}), exterr.ErrValueError)
	}
	assert.Equal(t, resilience.StateClosed, m.breaker.State())
}

func TestMemoryProviderValidation(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	err := m.Set(ctx, trusted, Local, map[string]string{"k": "{not json"})
	assert.ErrorIs(t, err, exterr.ErrValueError)

	err = m.Set(ctx, trusted, Local, map[string]string{strings.Repeat("k", 5000): "1"})
	assert.ErrorIs(t, err, exterr.ErrValueError)
	assert.Contains(t, err.Error(), "Invalid key")
}

func TestAreasAreIndependent(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()
	other := Caller{ExtensionID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Trusted: true}

	require.NoError(t, m.Set(ctx, trusted, Local, map[string]string{"k": "1"}))

	got, err := m.Get(ctx, trusted, Sync, []string{"k"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.Get(ctx, other, Local, []string{"k"})
	require.NoError(t, err)
	assert.Empty(t, got)
}
