package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/permission"
	"github.com/GriffinCanCode/webext/internal/domain/storage"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
)

// AreaNotifier tells content scripts whether a storage area is usable from
// their context, see router.Router.SetStorageAreaAllowed
type AreaNotifier interface {
	SetStorageAreaAllowed(ctx context.Context, ext extension.ID, area string, allowed bool)
}

// StorageKeys is the keys argument of storage calls: null, a key, a list of
// keys or, for get, an object of defaults whose values are JSON text
type StorageKeys struct {
	All      bool
	Keys     []string
	Defaults map[string]string
}

var errKeysShape = errors.New("keys must be null, a string, an array of strings or an object")

// UnmarshalJSON accepts every keys form
func (k *StorageKeys) UnmarshalJSON(data []byte) error {
	*k = StorageKeys{}
	trimmed := trimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		k.All = true
		return nil
	}

	switch trimmed[0] {
	case '"':
		var key string
		if err := sonic.Unmarshal(trimmed, &key); err != nil {
			return err
		}
		k.Keys = []string{key}
	case '[':
		keys := []string{}
		if err := sonic.Unmarshal(trimmed, &keys); err != nil {
			return err
		}
		k.Keys = keys
	case '{':
		defaults := map[string]string{}
		if err := sonic.Unmarshal(trimmed, &defaults); err != nil {
			return err
		}
		k.Defaults = defaults
		k.Keys = make([]string, 0, len(defaults))
		for key := range defaults {
			k.Keys = append(k.Keys, key)
		}
	default:
		return errKeysShape
	}
	return nil
}

// list returns the provider keys argument, nil meaning every key
func (k StorageKeys) list() []string {
	if k.All {
		return nil
	}
	if k.Keys == nil {
		return []string{}
	}
	return k.Keys
}

func trimSpace(data []byte) []byte {
	start, end := 0, len(data)
	for start < end && isSpace(data[start]) {
		start++
	}
	for end > start && isSpace(data[end-1]) {
		end--
	}
	return data[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

type storageKeysRequest struct {
	Keys *StorageKeys `json:"keys"`
}

// keys treats a missing keys field like null
func (r storageKeysRequest) keys() StorageKeys {
	if r.Keys == nil {
		return StorageKeys{All: true}
	}
	return *r.Keys
}

type storageSetRequest struct {
	Items map[string]string `json:"items"`
}

type storageRemoveRequest struct {
	Keys *StorageKeys `json:"keys"`
}

type accessLevelDetails struct {
	AccessLevel string `json:"accessLevel"`
}

type storageAccessLevelRequest struct {
	Details *accessLevelDetails `json:"details"`
}

func callerOf(call *Context) storage.Caller {
	return storage.Caller{
		ExtensionID:      call.Extension.ID,
		Trusted:          call.Trusted,
		UnlimitedStorage: call.Extension.Permissions.Has(permission.UnlimitedStorage),
	}
}

// RegisterStorage adds storage.<area>.* handlers for every area. notifier may
// be nil.
func RegisterStorage(d *Dispatcher, manager *storage.Manager, notifier AreaNotifier) {
	for _, area := range storage.Areas {
		registerStorageArea(d, manager, notifier, area)
	}
}

func registerStorageArea(d *Dispatcher, manager *storage.Manager, notifier AreaNotifier, area storage.Area) {
	var required []permission.API
	if area != storage.Managed {
		required = []permission.API{permission.Storage}
	}
	name := func(method string) string {
		return fmt.Sprintf("storage.%s.%s", area, method)
	}

	d.MustRegister(name("get"), Typed[storageKeysRequest, map[string]string]{
		Permissions: required,
		Fn: func(ctx context.Context, call *Context, req storageKeysRequest) (map[string]string, error) {
			keys := req.keys()
			stored, err := manager.Get(ctx, callerOf(call), area, keys.list())
			if err != nil {
				return nil, err
			}
			result := make(map[string]string, len(keys.Defaults)+len(stored))
			for k, v := range keys.Defaults {
				result[k] = v
			}
			for k, v := range stored {
				result[k] = v
			}
			return result, nil
		},
	})

	d.MustRegister(name("getBytesInUse"), Typed[storageKeysRequest, int]{
		Permissions: required,
		Fn: func(ctx context.Context, call *Context, req storageKeysRequest) (int, error) {
			usage, err := manager.GetUsage(ctx, callerOf(call), area, req.keys().list())
			if err != nil {
				return 0, err
			}
			return usage.Bytes, nil
		},
	})

	d.MustRegister(name("set"), Typed[storageSetRequest, Void]{
		Permissions: required,
		Fn: func(ctx context.Context, call *Context, req storageSetRequest) (Void, error) {
			return Void{}, manager.Set(ctx, callerOf(call), area, req.Items)
		},
	})

	d.MustRegister(name("remove"), Typed[storageRemoveRequest, Void]{
		Permissions: required,
		Fn: func(ctx context.Context, call *Context, req storageRemoveRequest) (Void, error) {
			if req.Keys == nil || req.Keys.All {
				return Void{}, exterr.ValueError("remove requires keys")
			}
			return Void{}, manager.Remove(ctx, callerOf(call), area, req.Keys.list())
		},
	})

	d.MustRegister(name("clear"), Typed[struct{}, Void]{
		Permissions: required,
		Fn: func(ctx context.Context, call *Context, _ struct{}) (Void, error) {
			return Void{}, manager.Clear(ctx, callerOf(call), area)
		},
	})

	d.MustRegister(name("setAccessLevel"), Typed[storageAccessLevelRequest, Void]{
		Permissions: required,
		Fn: func(ctx context.Context, call *Context, req storageAccessLevelRequest) (Void, error) {
			level := ""
			if req.Details != nil {
				level = req.Details.AccessLevel
			}
			if err := manager.SetStorageAccessLevel(ctx, callerOf(call), area, storage.AccessLevel(level)); err != nil {
				return Void{}, err
			}
			if notifier != nil {
				notifier.SetStorageAreaAllowed(ctx, call.Extension.ID, area.String(), storage.AccessLevel(level).Allows(false))
			}
			return Void{}, nil
		},
	})
}
