package storage

import (
	"sort"
)

// ChangedEventFunction is the script-side dispatcher for storage.onChanged
const ChangedEventFunction = "__EXT_fireStorageChanged__"

// Change describes one key's transition. Values are JSON text; an absent
// side means the key did not exist before or after.
type Change struct {
	OldValue *string `json:"oldValue,omitempty"`
	NewValue *string `json:"newValue,omitempty"`
}

// Changes maps keys to their transitions
type Changes map[string]Change

// Keys returns the changed keys sorted
func (c Changes) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// diffSet builds records for keys whose value actually changed
func diffSet(previous, items map[string]string) Changes {
	changes := make(Changes)
	for k, v := range items {
		newValue := v
		old, existed := previous[k]
		if existed && old == newValue {
			continue
		}
		change := Change{NewValue: &newValue}
		if existed {
			oldValue := old
			change.OldValue = &oldValue
		}
		changes[k] = change
	}
	return changes
}

// diffRemoved builds records for keys that existed before removal
func diffRemoved(removed map[string]string) Changes {
	changes := make(Changes, len(removed))
	for k, v := range removed {
		oldValue := v
		changes[k] = Change{OldValue: &oldValue}
	}
	return changes
}
