// Package host defines the contract between the extension runtime and the
// application that supplies script execution contexts.
//
// A host exposes views (pages) that run script in one or more content worlds.
// The runtime installs user scripts and message handlers into views, evaluates
// script in a chosen world, and receives messages posted by scripts. Background
// contexts are hidden views created through a ViewFactory with navigation and
// UI delegates attached.
//
// The runtime never assumes which goroutine a view runs script on. Views must
// accept calls from any goroutine and must invoke message handlers without
// holding their own script lock, so a handler may evaluate back into the view.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GriffinCanCode/webext/internal/shared/id"
)

var (
	// ErrViewClosed is returned by operations on a view that has been torn down
	ErrViewClosed = errors.New("view closed")
	// ErrNavigationCancelled reports a navigation refused by the policy delegate
	ErrNavigationCancelled = errors.New("navigation cancelled by policy")
	// ErrProcessTerminated reports that the script process died
	ErrProcessTerminated = errors.New("script process terminated")
)

// ContentWorld names an isolated script namespace inside a view. The zero
// value is the page world.
type ContentWorld struct {
	Name string
}

// PageWorld is the world page scripts run in
var PageWorld = ContentWorld{}

// IsPage reports whether w is the page world
func (w ContentWorld) IsPage() bool { return w.Name == "" }

func (w ContentWorld) String() string {
	if w.IsPage() {
		return "page"
	}
	return w.Name
}

// InjectionTime says when a user script runs in a document
type InjectionTime int

const (
	AtDocumentStart InjectionTime = iota
	AtDocumentEnd
)

func (t InjectionTime) String() string {
	if t == AtDocumentEnd {
		return "document_end"
	}
	return "document_start"
}

// UserScript is script the view runs on every document load
type UserScript struct {
	Source        string
	InjectionTime InjectionTime
	MainFrameOnly bool
	World         ContentWorld
	// Tag identifies the owner, normally an extension ID
	Tag string
}

// ScriptMessage is a message posted by script through a named handler
type ScriptMessage struct {
	Name        string
	Body        json.RawMessage
	World       ContentWorld
	FrameURL    string
	IsMainFrame bool
}

// MessageHandler receives script messages. Views call it off their script
// loop.
type MessageHandler interface {
	HandleMessage(ctx context.Context, view WebView, msg ScriptMessage)
}

// MessageHandlerFunc adapts a function to MessageHandler
type MessageHandlerFunc func(ctx context.Context, view WebView, msg ScriptMessage)

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, view WebView, msg ScriptMessage) {
	f(ctx, view, msg)
}

// WebView is a script host
type WebView interface {
	ID() id.HostID
	// Alive is false once the underlying view has been deallocated
	Alive() bool
	URL() string

	// Evaluate runs js in world and returns the JSON encoding of its result,
	// or nil when the result is undefined
	Evaluate(ctx context.Context, js string, world ContentWorld) (json.RawMessage, error)

	AddUserScript(script UserScript)
	RemoveAllUserScripts()
	UserScripts() []UserScript

	// AddMessageHandler exposes webkit.messageHandlers[name] in world. Adding a
	// name twice in the same world is an error.
	AddMessageHandler(name string, world ContentWorld, handler MessageHandler) error
	RemoveMessageHandler(name string, world ContentWorld)
	// MessageHandlerWorlds lists the worlds that have at least one handler
	MessageHandlerWorlds() []ContentWorld
}

// NavigationAction describes a navigation awaiting a policy decision
type NavigationAction struct {
	URL        string
	IsRedirect bool
	MainFrame  bool
}

// NavigationPolicy is a delegate's decision
type NavigationPolicy int

const (
	NavigationCancel NavigationPolicy = iota
	NavigationAllow
)

// NavigationDelegate observes and gates navigations of a view
type NavigationDelegate interface {
	DecidePolicy(action NavigationAction) NavigationPolicy
	DidFinish(url string)
	DidFail(url string, err error)
	ProcessTerminated()
}

// DialogKind is a JavaScript dialog type
type DialogKind string

const (
	DialogAlert   DialogKind = "alert"
	DialogConfirm DialogKind = "confirm"
	DialogPrompt  DialogKind = "prompt"
)

// UIDelegate decides on UI requests made by script
type UIDelegate interface {
	AllowWindowOpen(url string) bool
	AllowDialog(kind DialogKind, message string) bool
	AllowFilePanel() bool
	AllowMediaCapture(kind string) bool
}

// BackgroundView is a hidden view that owns its navigation
type BackgroundView interface {
	WebView

	SetNavigationDelegate(delegate NavigationDelegate)
	SetUIDelegate(delegate UIDelegate)

	// Load starts navigating to url and returns once the navigation has been
	// scheduled. Progress is reported through the navigation delegate.
	Load(url string) error
	StopLoading()
	// Close tears the view down. Further calls fail with ErrViewClosed.
	Close()
}

// ViewConfig configures a new background view
type ViewConfig struct {
	// SchemeHandlers serve custom URL schemes, keyed by scheme
	SchemeHandlers map[string]http.Handler
	// Label is used in logs
	Label string
}

// ViewFactory creates background views
type ViewFactory interface {
	NewBackgroundView(ctx context.Context, cfg ViewConfig) (BackgroundView, error)
}
