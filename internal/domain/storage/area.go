package storage

import (
	"fmt"
)

// Area is one of the per-extension key spaces
type Area string

const (
	Local   Area = "local"
	Sync    Area = "sync"
	Session Area = "session"
	Managed Area = "managed"
)

// Areas lists every storage area in a stable order
var Areas = []Area{Local, Sync, Session, Managed}

// ParseArea validates an area name
func ParseArea(s string) (Area, error) {
	switch Area(s) {
	case Local, Sync, Session, Managed:
		return Area(s), nil
	}
	return "", fmt.Errorf("unknown storage area %q", s)
}

// Valid reports whether a is a known area
func (a Area) Valid() bool {
	_, err := ParseArea(string(a))
	return err == nil
}

func (a Area) String() string { return string(a) }

// ReadOnly reports whether scripts are barred from mutating the area
func (a Area) ReadOnly() bool { return a == Managed }

// AccessLevel controls which contexts may use an area
type AccessLevel string

const (
	TrustedContexts             AccessLevel = "TRUSTED_CONTEXTS"
	TrustedAndUntrustedContexts AccessLevel = "TRUSTED_AND_UNTRUSTED_CONTEXTS"
)

// ParseAccessLevel validates an access level name
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch AccessLevel(s) {
	case TrustedContexts, TrustedAndUntrustedContexts:
		return AccessLevel(s), nil
	}
	return "", fmt.Errorf("invalid access level %q", s)
}

// Allows reports whether a caller with the given trust may use the area
func (l AccessLevel) Allows(trusted bool) bool {
	return trusted || l == TrustedAndUntrustedContexts
}

// DefaultAccessLevel is the level an area starts with for every extension
func DefaultAccessLevel(area Area) AccessLevel {
	switch area {
	case Local, Sync:
		return TrustedAndUntrustedContexts
	default:
		return TrustedContexts
	}
}

// Quota bounds an area's contents. Zero fields are unlimited.
type Quota struct {
	MaxBytes        int
	MaxBytesPerItem int
	MaxItems        int
}

// Unlimited reports whether no bound applies
func (q Quota) Unlimited() bool {
	return q.MaxBytes == 0 && q.MaxBytesPerItem == 0 && q.MaxItems == 0
}

const (
	syncQuotaBytes        = 102400
	syncQuotaBytesPerItem = 8192
	syncMaxItems          = 512
	localQuotaBytes       = 10 * 1024 * 1024
	sessionQuotaBytes     = 10 * 1024 * 1024
)

// QuotaFor returns the policy for area. unlimitedStorage lifts the local quota.
func QuotaFor(area Area, unlimitedStorage bool) Quota {
	switch area {
	case Sync:
		return Quota{MaxBytes: syncQuotaBytes, MaxBytesPerItem: syncQuotaBytesPerItem, MaxItems: syncMaxItems}
	case Local:
		if unlimitedStorage {
			return Quota{}
		}
		return Quota{MaxBytes: localQuotaBytes}
	case Session:
		return Quota{MaxBytes: sessionQuotaBytes}
	default:
		return Quota{}
	}
}

// ItemSize is the quota cost of one stored item
func ItemSize(key, value string) int {
	return len(key) + len(value)
}

// Usage is the space an extension occupies in one area
type Usage struct {
	Bytes int `json:"bytes"`
	Items int `json:"items"`
}

// Check reports which limit, if any, the projected usage exceeds. The
// returned name matches the chrome.storage constant.
func (q Quota) Check(items map[string]string, projected Usage) (string, bool) {
	if q.MaxBytesPerItem > 0 {
		for k, v := range items {
			if ItemSize(k, v) > q.MaxBytesPerItem {
				return "QUOTA_BYTES_PER_ITEM", false
			}
		}
	}
	if q.MaxItems > 0 && projected.Items > q.MaxItems {
		return "MAX_ITEMS", false
	}
	if q.MaxBytes > 0 && projected.Bytes > q.MaxBytes {
		return "QUOTA_BYTES", false
	}
	return "", true
}
