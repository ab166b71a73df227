package storage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
)

// Caller identifies who is using storage
type Caller struct {
	ExtensionID      extension.ID
	Trusted          bool
	UnlimitedStorage bool
}

// Broadcaster fans an event out to the script contexts of an extension and
// returns how many received it. trustedOnly restricts delivery to trusted
// contexts.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, function string, args []interface{}, ext extension.ID, trustedOnly bool) int
}

// Manager enforces access levels and quota in front of a Provider and
// broadcasts change events
type Manager struct {
	provider    Provider
	broadcaster Broadcaster
	breaker     *resilience.Breaker
	logger      *logging.Logger
	metrics     *monitoring.Metrics
}

// BreakerSettings returns the circuit breaker settings used around provider
// calls unless overridden with WithBreaker
func BreakerSettings() resilience.Settings {
	return resilience.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5 || (c.Requests >= 20 && c.TotalFailures*2 >= c.Requests)
		},
		IsFailure: IsBackendFailure,
	}
}

// NewManager creates a storage manager. broadcaster may be nil, in which case
// change events are dropped with a warning.
func NewManager(provider Provider, broadcaster Broadcaster, logger *logging.Logger) *Manager {
	log := logging.OrNop(logger).Named("storage")
	settings := BreakerSettings()
	settings.OnStateChange = func(name string, from, to resilience.State) {
		log.Warn("Storage provider breaker changed state",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Manager{
		provider:    provider,
		broadcaster: broadcaster,
		breaker:     resilience.New("storage", settings),
		logger:      log,
	}
}

// WithMetrics attaches a metrics collector
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithBreaker replaces the provider circuit breaker
func (m *Manager) WithBreaker(b *resilience.Breaker) *Manager {
	m.breaker = b
	return m
}

// Get returns stored values for keys, or everything when keys is nil
func (m *Manager) Get(ctx context.Context, caller Caller, area Area, keys []string) (result map[string]string, err error) {
	defer m.record(area, "get", &err)

	if _, err = m.validateAccess(ctx, caller, area); err != nil {
		return nil, err
	}

	err = m.call(func() error {
		result, err = m.provider.Get(ctx, caller.ExtensionID, area, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Set stores items (JSON text values) and broadcasts the keys that changed
func (m *Manager) Set(ctx context.Context, caller Caller, area Area, items map[string]string) (err error) {
	defer m.record(area, "set", &err)

	level, err := m.validateAccess(ctx, caller, area)
	if err != nil {
		return err
	}
	if area.ReadOnly() {
		return exterr.ManagedStorageReadOnly()
	}
	if len(items) == 0 {
		return nil
	}
	if err = m.checkQuota(ctx, caller, area, items); err != nil {
		return err
	}

	var previous map[string]string
	err = m.call(func() error {
		previous, err = m.provider.Set(ctx, caller.ExtensionID, area, items)
		return err
	})
	if err != nil {
		return err
	}

	m.broadcast(ctx, caller.ExtensionID, area, level, diffSet(previous, items))
	return nil
}

// Remove deletes keys and broadcasts the ones that existed
func (m *Manager) Remove(ctx context.Context, caller Caller, area Area, keys []string) (err error) {
	defer m.record(area, "remove", &err)

	level, err := m.validateAccess(ctx, caller, area)
	if err != nil {
		return err
	}
	if area.ReadOnly() {
		return exterr.ManagedStorageReadOnly()
	}
	if len(keys) == 0 {
		return nil
	}

	var removed map[string]string
	err = m.call(func() error {
		removed, err = m.provider.Remove(ctx, caller.ExtensionID, area, keys)
		return err
	})
	if err != nil {
		return err
	}

	m.broadcast(ctx, caller.ExtensionID, area, level, diffRemoved(removed))
	return nil
}

// Clear deletes every key in area. Clearing an empty area broadcasts nothing.
func (m *Manager) Clear(ctx context.Context, caller Caller, area Area) (err error) {
	defer m.record(area, "clear", &err)

	level, err := m.validateAccess(ctx, caller, area)
	if err != nil {
		return err
	}
	if area.ReadOnly() {
		return exterr.ManagedStorageReadOnly()
	}

	var removed map[string]string
	err = m.call(func() error {
		removed, err = m.provider.Clear(ctx, caller.ExtensionID, area)
		return err
	})
	if err != nil {
		return err
	}

	m.broadcast(ctx, caller.ExtensionID, area, level, diffRemoved(removed))
	return nil
}

// GetUsage measures keys, or the whole area when keys is nil
func (m *Manager) GetUsage(ctx context.Context, caller Caller, area Area, keys []string) (usage Usage, err error) {
	defer m.record(area, "usage", &err)

	if _, err = m.validateAccess(ctx, caller, area); err != nil {
		return Usage{}, err
	}

	err = m.call(func() error {
		usage, err = m.provider.Usage(ctx, caller.ExtensionID, area, keys)
		return err
	})
	if err != nil {
		return Usage{}, err
	}
	return usage, nil
}

// SetStorageAccessLevel changes which contexts may use area. Managed storage
// is rejected regardless of trust; otherwise only trusted callers may change it.
func (m *Manager) SetStorageAccessLevel(ctx context.Context, caller Caller, area Area, level AccessLevel) (err error) {
	defer m.record(area, "set_access_level", &err)

	if !area.Valid() {
		return exterr.ValueError("Unknown storage area %s", area)
	}
	if area == Managed {
		return exterr.ManagedStorageReadOnly()
	}
	if !caller.Trusted {
		return exterr.PermissionDenied("untrusted contexts cannot change storage access levels")
	}
	if _, perr := ParseAccessLevel(string(level)); perr != nil {
		return exterr.ValueError("Invalid accessLevel: %s", level)
	}

	return m.call(func() error {
		return m.provider.SetAccessLevel(ctx, caller.ExtensionID, area, level)
	})
}

// AccessLevel reports the current level of area for ext
func (m *Manager) AccessLevel(ctx context.Context, ext extension.ID, area Area) (level AccessLevel, err error) {
	if !area.Valid() {
		return "", exterr.ValueError("Unknown storage area %s", area)
	}
	err = m.call(func() error {
		level, err = m.provider.AccessLevel(ctx, ext, area)
		return err
	})
	return level, err
}

func (m *Manager) validateAccess(ctx context.Context, caller Caller, area Area) (AccessLevel, error) {
	if !area.Valid() {
		return "", exterr.ValueError("Unknown storage area %s", area)
	}
	if m.provider == nil {
		return "", exterr.Internal("Storage provider not configured", nil)
	}
	if area == Managed {
		return TrustedAndUntrustedContexts, nil
	}

	level, err := m.AccessLevel(ctx, caller.ExtensionID, area)
	if err != nil {
		return "", err
	}
	if !level.Allows(caller.Trusted) {
		return "", exterr.StorageAreaNotAvailable(string(area))
	}
	return level, nil
}

// checkQuota rejects a set before the provider is touched
func (m *Manager) checkQuota(ctx context.Context, caller Caller, area Area, items map[string]string) error {
	quota := QuotaFor(area, caller.UnlimitedStorage)
	if quota.Unlimited() {
		return nil
	}

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}

	var total, replaced Usage
	err := m.call(func() error {
		var err error
		if total, err = m.provider.Usage(ctx, caller.ExtensionID, area, nil); err != nil {
			return err
		}
		replaced, err = m.provider.Usage(ctx, caller.ExtensionID, area, keys)
		return err
	})
	if err != nil {
		return err
	}

	projected := Usage{
		Bytes: total.Bytes - replaced.Bytes,
		Items: total.Items - replaced.Items + len(items),
	}
	for k, v := range items {
		projected.Bytes += ItemSize(k, v)
	}

	if limit, ok := quota.Check(items, projected); !ok {
		return exterr.QuotaExceeded(limit + " quota exceeded")
	}
	return nil
}

func (m *Manager) broadcast(ctx context.Context, ext extension.ID, area Area, level AccessLevel, changes Changes) {
	if len(changes) == 0 {
		return
	}
	if m.broadcaster == nil {
		m.logger.Warn("No broadcaster configured, dropping storage change event",
			zap.String("extension_id", ext.String()),
			zap.String("area", area.String()),
		)
		return
	}

	m.logger.Debug("Broadcasting storage change",
		zap.String("extension_id", ext.String()),
		zap.String("area", area.String()),
		zap.Strings("keys", changes.Keys()),
	)
	m.metrics.RecordStorageChanges(area.String(), len(changes))
	m.broadcaster.BroadcastEvent(ctx, ChangedEventFunction, []interface{}{changes, area.String()}, ext, level == TrustedContexts)
}

// call runs fn through the breaker and translates its error into the public
// taxonomy
func (m *Manager) call(fn func() error) error {
	if err := m.breaker.Execute(fn); err != nil {
		return m.mapError(err)
	}
	return nil
}

func (m *Manager) mapError(err error) error {
	var public *exterr.Error
	if errors.As(err, &public) {
		return public
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return exterr.NotAvailable("Storage temporarily unavailable")
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		m.logger.Error("Storage provider returned an unclassified error", zap.Error(err))
		return exterr.Internal("Storage error", nil)
	}

	switch pe.Kind {
	case QuotaExceededError:
		return exterr.QuotaExceeded(pe.Message)
	case InvalidKeyError:
		key := "unknown"
		if len(pe.Keys) > 0 {
			key = pe.Keys[0]
		}
		return exterr.ValueError("Invalid key %s", key)
	case InvalidValueError:
		msg := pe.Message
		if msg == "" {
			msg = "Invalid value"
		}
		return exterr.ValueError("Invalid value %s", msg)
	case PermissionDeniedError:
		return exterr.PermissionDenied(pe.Message)
	case OperationNotSupportedError:
		return exterr.NotAvailable("")
	default:
		m.logger.Error("Storage backend failure", zap.Error(err))
		return exterr.Internal("Storage error", nil)
	}
}

func (m *Manager) record(area Area, op string, err *error) {
	m.metrics.RecordStorageOperation(area.String(), op, monitoring.StatusOf(*err))
}
