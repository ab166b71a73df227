package storage

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/shared/utils"
)

type areaKey struct {
	ext  extension.ID
	area Area
}

// MemoryProvider is an in-process Provider. Managed values are only written
// through SeedManaged.
type MemoryProvider struct {
	mu     sync.RWMutex
	data   map[areaKey]map[string]string
	levels map[areaKey]AccessLevel
}

// NewMemoryProvider creates an empty provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		data:   make(map[areaKey]map[string]string),
		levels: make(map[areaKey]AccessLevel),
	}
}

// SeedManaged replaces the managed values of ext
func (p *MemoryProvider) SeedManaged(ext extension.ID, items map[string]string) error {
	for k, v := range items {
		if err := validateItem(k, v); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stored := make(map[string]string, len(items))
	for k, v := range items {
		stored[k] = v
	}
	p.data[areaKey{ext, Managed}] = stored
	return nil
}

func (p *MemoryProvider) Get(ctx context.Context, ext extension.ID, area Area, keys []string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stored := p.data[areaKey{ext, area}]
	out := make(map[string]string)
	if keys == nil {
		for k, v := range stored {
			out[k] = v
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := stored[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (p *MemoryProvider) Set(ctx context.Context, ext extension.ID, area Area, items map[string]string) (map[string]string, error) {
	if area.ReadOnly() {
		return nil, NewProviderError(OperationNotSupportedError, "managed storage is read-only")
	}
	for k, v := range items {
		if err := validateItem(k, v); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := areaKey{ext, area}
	stored := p.data[key]
	if stored == nil {
		stored = make(map[string]string)
		p.data[key] = stored
	}

	previous := make(map[string]string)
	for k, v := range items {
		if old, ok := stored[k]; ok {
			previous[k] = old
		}
		stored[k] = v
	}
	return previous, nil
}

func (p *MemoryProvider) Remove(ctx context.Context, ext extension.ID, area Area, keys []string) (map[string]string, error) {
	if area.ReadOnly() {
		return nil, NewProviderError(OperationNotSupportedError, "managed storage is read-only")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stored := p.data[areaKey{ext, area}]
	removed := make(map[string]string)
	for _, k := range keys {
		if old, ok := stored[k]; ok {
			removed[k] = old
			delete(stored, k)
		}
	}
	return removed, nil
}

func (p *MemoryProvider) Clear(ctx context.Context, ext extension.ID, area Area) (map[string]string, error) {
	if area.ReadOnly() {
		return nil, NewProviderError(OperationNotSupportedError, "managed storage is read-only")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := areaKey{ext, area}
	removed := p.data[key]
	delete(p.data, key)
	if removed == nil {
		removed = make(map[string]string)
	}
	return removed, nil
}

func (p *MemoryProvider) Usage(ctx context.Context, ext extension.ID, area Area, keys []string) (Usage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stored := p.data[areaKey{ext, area}]
	var usage Usage
	if keys == nil {
		for k, v := range stored {
			usage.Bytes += ItemSize(k, v)
			usage.Items++
		}
		return usage, nil
	}
	for _, k := range keys {
		if v, ok := stored[k]; ok {
			usage.Bytes += ItemSize(k, v)
			usage.Items++
		}
	}
	return usage, nil
}

func (p *MemoryProvider) AccessLevel(ctx context.Context, ext extension.ID, area Area) (AccessLevel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if level, ok := p.levels[areaKey{ext, area}]; ok {
		return level, nil
	}
	return DefaultAccessLevel(area), nil
}

func (p *MemoryProvider) SetAccessLevel(ctx context.Context, ext extension.ID, area Area, level AccessLevel) error {
	if area.ReadOnly() {
		return NewProviderError(OperationNotSupportedError, "managed storage access level is fixed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.levels[areaKey{ext, area}] = level
	return nil
}

// Forget drops everything stored for ext
func (p *MemoryProvider) Forget(ext extension.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.data {
		if key.ext == ext {
			delete(p.data, key)
		}
	}
	for key := range p.levels {
		if key.ext == ext {
			delete(p.levels, key)
		}
	}
}

func validateItem(key, value string) error {
	if err := utils.ValidateStorageKey(key); err != nil {
		return &ProviderError{Kind: InvalidKeyError, Keys: []string{key}, Message: err.Error(), Err: err}
	}
	if !sonic.Valid([]byte(value)) {
		return NewProviderError(InvalidValueError, "value for "+key+" is not JSON", key)
	}
	return nil
}
