package hosttest

import (
	"context"
	"errors"
	"sync"

	"github.com/GriffinCanCode/webext/internal/host"
)

// LoadFunc decides what happens when a background view loads a URL. It runs
// on its own goroutine and reports through the delegate.
type LoadFunc func(view *BackgroundView, url string)

// FinishLoad reports a successful navigation after asking for policy
func FinishLoad(view *BackgroundView, url string) {
	delegate := view.NavigationDelegate()
	if delegate == nil {
		return
	}
	if delegate.DecidePolicy(host.NavigationAction{URL: url, MainFrame: true}) == host.NavigationCancel {
		delegate.DidFail(url, host.ErrNavigationCancelled)
		return
	}
	view.SetURL(url)
	delegate.DidFinish(url)
}

// FailLoad reports a failed navigation
func FailLoad(err error) LoadFunc {
	return func(view *BackgroundView, url string) {
		if delegate := view.NavigationDelegate(); delegate != nil {
			delegate.DidFail(url, err)
		}
	}
}

// HangLoad never completes the navigation
func HangLoad(*BackgroundView, string) {}

// BackgroundView is a fake hidden view
type BackgroundView struct {
	*View

	mu     sync.Mutex
	nav    host.NavigationDelegate
	ui     host.UIDelegate
	onLoad LoadFunc
	config host.ViewConfig
	loads  []string
	stops  int
	closed bool
}

// NewBackgroundView creates a background view that completes loads with
// FinishLoad unless onLoad says otherwise
func NewBackgroundView(cfg host.ViewConfig, onLoad LoadFunc) *BackgroundView {
	if onLoad == nil {
		onLoad = FinishLoad
	}
	return &BackgroundView{View: NewView("about:blank"), onLoad: onLoad, config: cfg}
}

func (b *BackgroundView) SetNavigationDelegate(delegate host.NavigationDelegate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nav = delegate
}

func (b *BackgroundView) SetUIDelegate(delegate host.UIDelegate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ui = delegate
}

// NavigationDelegate returns the attached navigation delegate
func (b *BackgroundView) NavigationDelegate() host.NavigationDelegate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nav
}

// UIDelegate returns the attached UI delegate
func (b *BackgroundView) UIDelegate() host.UIDelegate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ui
}

// Config returns the configuration the view was created with
func (b *BackgroundView) Config() host.ViewConfig {
	return b.config
}

func (b *BackgroundView) Load(url string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return host.ErrViewClosed
	}
	b.loads = append(b.loads, url)
	onLoad := b.onLoad
	b.mu.Unlock()

	go onLoad(b, url)
	return nil
}

// Loads returns every URL passed to Load
func (b *BackgroundView) Loads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loads...)
}

func (b *BackgroundView) StopLoading() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
}

// Stops counts StopLoading calls
func (b *BackgroundView) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

func (b *BackgroundView) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Kill()
}

// Closed reports whether Close was called
func (b *BackgroundView) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Terminate simulates a crashed script process
func (b *BackgroundView) Terminate() {
	if delegate := b.NavigationDelegate(); delegate != nil {
		delegate.ProcessTerminated()
	}
}

var _ host.BackgroundView = (*BackgroundView)(nil)

// ErrFactoryFailed is returned by a Factory configured to fail
var ErrFactoryFailed = errors.New("view creation failed")

// Factory creates fake background views
type Factory struct {
	mu     sync.Mutex
	OnLoad LoadFunc
	Fail   bool
	views  []*BackgroundView
}

func (f *Factory) NewBackgroundView(ctx context.Context, cfg host.ViewConfig) (host.BackgroundView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail {
		return nil, ErrFactoryFailed
	}
	view := NewBackgroundView(cfg, f.OnLoad)
	f.views = append(f.views, view)
	return view, nil
}

// Views returns every view created so far
func (f *Factory) Views() []*BackgroundView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*BackgroundView(nil), f.views...)
}

var _ host.ViewFactory = (*Factory)(nil)
