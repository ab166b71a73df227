// Package permission classifies manifest capability strings.
//
// API permissions form a closed enumeration. Names the runtime does not know
// are kept as Unknown with their raw spelling so newer manifests still load.
// Host permissions are match patterns and are parsed separately, see
// MatchPattern.
package permission

import (
	"sort"
	"strings"
)

// API is a known extension API permission
type API int

const (
	Unknown API = iota
	AccessibilityFeaturesModify
	AccessibilityFeaturesRead
	ActiveTab
	Alarms
	Audio
	Background
	Bookmarks
	BrowsingData
	CertificateProvider
	ClipboardRead
	ClipboardWrite
	ContentSettings
	ContextMenus
	Cookies
	Debugger
	DeclarativeContent
	DeclarativeNetRequest
	DeclarativeNetRequestFeedback
	DeclarativeNetRequestWithHostAccess
	DesktopCapture
	DNS
	DocumentScan
	Downloads
	DownloadsOpen
	DownloadsUI
	EnterpriseDeviceAttributes
	EnterpriseHardwarePlatform
	EnterpriseNetworkingAttributes
	EnterprisePlatformKeys
	Favicon
	FileBrowserHandler
	FileSystemProvider
	FontSettings
	GCM
	Geolocation
	History
	Identity
	IdentityEmail
	Idle
	LoginState
	Management
	NativeMessaging
	Notifications
	Offscreen
	PageCapture
	PlatformKeys
	Power
	PrinterProvider
	Printing
	PrintingMetrics
	Privacy
	Processes
	Proxy
	ReadingList
	Runtime
	Scripting
	Search
	Sessions
	SidePanel
	Storage
	SystemCPU
	SystemDisplay
	SystemMemory
	SystemStorage
	TabCapture
	TabGroups
	Tabs
	TopSites
	TTS
	TTSEngine
	UnlimitedStorage
	UserScripts
	VPNProvider
	Wallpaper
	WebAuthenticationProxy
	WebNavigation
	WebRequest
	WebRequestAuthProvider
	WebRequestBlocking
	WebView
	Contextual
	Experimental
)

var apiNames = map[API]string{
	AccessibilityFeaturesModify:         "accessibilityFeatures.modify",
	AccessibilityFeaturesRead:           "accessibilityFeatures.read",
	ActiveTab:                           "activeTab",
	Alarms:                              "alarms",
	Audio:                               "audio",
	Background:                          "background",
	Bookmarks:                           "bookmarks",
	BrowsingData:                        "browsingData",
	CertificateProvider:                 "certificateProvider",
	ClipboardRead:                       "clipboardRead",
	ClipboardWrite:                      "clipboardWrite",
	ContentSettings:                     "contentSettings",
	ContextMenus:                        "contextMenus",
	Cookies:                             "cookies",
	Debugger:                            "debugger",
	DeclarativeContent:                  "declarativeContent",
	DeclarativeNetRequest:               "declarativeNetRequest",
	DeclarativeNetRequestFeedback:       "declarativeNetRequestFeedback",
	DeclarativeNetRequestWithHostAccess: "declarativeNetRequestWithHostAccess",
	DesktopCapture:                      "desktopCapture",
	DNS:                                 "dns",
	DocumentScan:                        "documentScan",
	Downloads:                           "downloads",
	DownloadsOpen:                       "downloads.open",
	DownloadsUI:                         "downloads.ui",
	EnterpriseDeviceAttributes:          "enterprise.deviceAttributes",
	EnterpriseHardwarePlatform:          "enterprise.hardwarePlatform",
	EnterpriseNetworkingAttributes:      "enterprise.networkingAttributes",
	EnterprisePlatformKeys:              "enterprise.platformKeys",
	Favicon:                             "favicon",
	FileBrowserHandler:                  "fileBrowserHandler",
	FileSystemProvider:                  "fileSystemProvider",
	FontSettings:                        "fontSettings",
	GCM:                                 "gcm",
	Geolocation:                         "geolocation",
	History:                             "history",
	Identity:                            "identity",
	IdentityEmail:                       "identity.email",
	Idle:                                "idle",
	LoginState:                          "loginState",
	Management:                          "management",
	NativeMessaging:                     "nativeMessaging",
	Notifications:                       "notifications",
	Offscreen:                           "offscreen",
	PageCapture:                         "pageCapture",
	PlatformKeys:                        "platformKeys",
	Power:                               "power",
	PrinterProvider:                     "printerProvider",
	Printing:                            "printing",
	PrintingMetrics:                     "printingMetrics",
	Privacy:                             "privacy",
	Processes:                           "processes",
	Proxy:                               "proxy",
	ReadingList:                         "readingList",
	Runtime:                             "runtime",
	Scripting:                           "scripting",
	Search:                              "search",
	Sessions:                            "sessions",
	SidePanel:                           "sidePanel",
	Storage:                             "storage",
	SystemCPU:                           "system.cpu",
	SystemDisplay:                       "system.display",
	SystemMemory:                        "system.memory",
	SystemStorage:                       "system.storage",
	TabCapture:                          "tabCapture",
	TabGroups:                           "tabGroups",
	Tabs:                                "tabs",
	TopSites:                            "topSites",
	TTS:                                 "tts",
	TTSEngine:                           "ttsEngine",
	UnlimitedStorage:                    "unlimitedStorage",
	UserScripts:                         "userScripts",
	VPNProvider:                         "vpnProvider",
	Wallpaper:                           "wallpaper",
	WebAuthenticationProxy:              "webAuthenticationProxy",
	WebNavigation:                       "webNavigation",
	WebRequest:                          "webRequest",
	WebRequestAuthProvider:              "webRequestAuthProvider",
	WebRequestBlocking:                  "webRequestBlocking",
	WebView:                             "webview",
	Contextual:                          "contextualIdentities",
	Experimental:                        "experimental",
}

var apiByName = func() map[string]API {
	m := make(map[string]API, len(apiNames))
	for api, name := range apiNames {
		m[name] = api
	}
	return m
}()

// String returns the manifest spelling of the permission
func (a API) String() string {
	if name, ok := apiNames[a]; ok {
		return name
	}
	return "unknown"
}

// Known returns every known API permission, sorted by name
func Known() []API {
	out := make([]API, 0, len(apiNames))
	for api := range apiNames {
		out = append(out, api)
	}
	sort.Slice(out, func(i, j int) bool { return apiNames[out[i]] < apiNames[out[j]] })
	return out
}

// Permission is a classified API permission string
type Permission struct {
	API API
	// Name is the manifest spelling; for Unknown it preserves the raw input
	Name string
}

// IsKnown reports whether the permission maps to a known API
func (p Permission) IsKnown() bool {
	return p.API != Unknown
}

func (p Permission) String() string {
	return p.Name
}

// Parse classifies a single API permission string
func Parse(s string) Permission {
	s = strings.TrimSpace(s)
	if api, ok := apiByName[s]; ok {
		return Permission{API: api, Name: s}
	}
	return Permission{API: Unknown, Name: s}
}

// Set is the granted permission set of one extension
type Set struct {
	apis    map[API]struct{}
	unknown []string
	hosts   []*MatchPattern
}

// NewSet classifies manifest "permissions" and "host_permissions".
//
// Entries of permissions that parse as match patterns are treated as host
// permissions, which is how manifest v2 bundles declared them.
func NewSet(permissions, hostPermissions []string) *Set {
	s := &Set{apis: make(map[API]struct{})}
	for _, raw := range permissions {
		if looksLikePattern(raw) {
			if mp, err := ParseMatchPattern(raw); err == nil {
				s.hosts = append(s.hosts, mp)
				continue
			}
		}
		p := Parse(raw)
		if p.IsKnown() {
			s.apis[p.API] = struct{}{}
		} else if p.Name != "" {
			s.unknown = append(s.unknown, p.Name)
		}
	}
	for _, raw := range hostPermissions {
		if mp, err := ParseMatchPattern(raw); err == nil {
			s.hosts = append(s.hosts, mp)
		} else {
			s.unknown = append(s.unknown, raw)
		}
	}
	return s
}

// Has reports whether api was granted
func (s *Set) Has(api API) bool {
	if s == nil {
		return false
	}
	_, ok := s.apis[api]
	return ok
}

// Missing returns the first required permission not in the set
func (s *Set) Missing(required []API) (API, bool) {
	for _, api := range required {
		if !s.Has(api) {
			return api, true
		}
	}
	return Unknown, false
}

// APIs returns the granted API permissions sorted by name
func (s *Set) APIs() []API {
	if s == nil {
		return nil
	}
	out := make([]API, 0, len(s.apis))
	for api := range s.apis {
		out = append(out, api)
	}
	sort.Slice(out, func(i, j int) bool { return apiNames[out[i]] < apiNames[out[j]] })
	return out
}

// Unknown returns the preserved unrecognized permission names
func (s *Set) Unknown() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.unknown...)
}

// Hosts returns the granted host patterns
func (s *Set) Hosts() []*MatchPattern {
	if s == nil {
		return nil
	}
	return append([]*MatchPattern(nil), s.hosts...)
}

// HasHostAccess reports whether any host permission matches rawURL
func (s *Set) HasHostAccess(rawURL string) bool {
	if s == nil {
		return false
	}
	for _, mp := range s.hosts {
		if mp.MatchString(rawURL) {
			return true
		}
	}
	return false
}

func looksLikePattern(s string) bool {
	return s == AllURLs || strings.Contains(s, "://")
}
