// Package gojahost is a script host backed by goja.
//
// Every View owns one loop goroutine that runs all of its script. Each
// content world of the current document is a separate goja runtime, so
// globals never leak between worlds. Documents have no DOM: a load asks the
// navigation delegate for policy, fetches the URL through a registered
// scheme handler when there is one, resets the worlds and runs the user
// scripts in injection order.
//
// Scripts reach native code through webkit.messageHandlers[name].postMessage.
// Handlers are invoked on their own goroutine so they may evaluate back into
// the view.
package gojahost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

const (
	taskBuffer   = 64
	maxRedirects = 10
	blankURL     = "about:blank"
)

// Options configures a View
type Options struct {
	Label          string
	SchemeHandlers map[string]http.Handler
	Logger         *logging.Logger
}

type handlerKey struct {
	name  string
	world string
}

// View is a goja-backed WebView and BackgroundView
type View struct {
	id     id.HostID
	label  string
	logger *logging.Logger

	tasks     chan func()
	quit      chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup

	mu         sync.Mutex
	url        string
	alive      bool
	scripts    []host.UserScript
	handlers   map[handlerKey]host.MessageHandler
	schemes    map[string]http.Handler
	nav        host.NavigationDelegate
	ui         host.UIDelegate
	cancelLoad context.CancelFunc

	// owned by the loop goroutine
	worlds map[string]*world
}

// NewView creates a view showing about:blank and starts its loop
func NewView(opts Options) *View {
	label := opts.Label
	if label == "" {
		label = "view"
	}
	v := &View{
		id:       id.NewHostID(),
		label:    label,
		tasks:    make(chan func(), taskBuffer),
		quit:     make(chan struct{}),
		url:      blankURL,
		alive:    true,
		handlers: make(map[handlerKey]host.MessageHandler),
		schemes:  make(map[string]http.Handler, len(opts.SchemeHandlers)),
		worlds:   make(map[string]*world),
	}
	v.logger = logging.OrNop(opts.Logger).Named("gojahost").With(
		zap.String("view", v.id.String()),
		zap.String("label", label),
	)
	for scheme, handler := range opts.SchemeHandlers {
		v.schemes[scheme] = handler
	}

	go v.loop()
	return v
}

func (v *View) loop() {
	for {
		select {
		case task := <-v.tasks:
			v.runTask(task)
		case <-v.quit:
			v.disposeWorlds()
			return
		}
	}
}

func (v *View) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("Script loop panicked", zap.Any("panic", r))
			go v.terminate()
		}
	}()
	task()
}

// terminate tears the view down after its loop failed
func (v *View) terminate() {
	nav := v.navigation()
	v.Close()
	if nav != nil {
		nav.ProcessTerminated()
	}
}

// submit queues fn on the loop
func (v *View) submit(fn func()) error {
	select {
	case <-v.quit:
		return host.ErrViewClosed
	default:
	}
	select {
	case v.tasks <- fn:
		return nil
	case <-v.quit:
		return host.ErrViewClosed
	}
}

func (v *View) ID() id.HostID { return v.id }

func (v *View) Alive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.alive
}

func (v *View) URL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url
}

type evalResult struct {
	raw json.RawMessage
	err error
}

// Evaluate runs js in world. Cancelling ctx interrupts running script.
func (v *View) Evaluate(ctx context.Context, js string, w host.ContentWorld) (json.RawMessage, error) {
	if !v.Alive() {
		return nil, host.ErrViewClosed
	}

	done := make(chan evalResult, 1)
	err := v.submit(func() {
		if err := ctx.Err(); err != nil {
			done <- evalResult{err: err}
			return
		}
		rt := v.world(w)
		val, err := rt.run(ctx, js)
		if err != nil {
			done <- evalResult{err: fmt.Errorf("evaluation failed: %w", err)}
			return
		}
		raw, err := stringify(rt.vm, val)
		done <- evalResult{raw: raw, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-v.quit:
		return nil, host.ErrViewClosed
	}
}

func (v *View) AddUserScript(script host.UserScript) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripts = append(v.scripts, script)
}

func (v *View) RemoveAllUserScripts() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripts = nil
}

func (v *View) UserScripts() []host.UserScript {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]host.UserScript(nil), v.scripts...)
}

func (v *View) AddMessageHandler(name string, w host.ContentWorld, handler host.MessageHandler) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := handlerKey{name: name, world: w.Name}
	if _, exists := v.handlers[key]; exists {
		return fmt.Errorf("message handler %q already registered in %s world", name, w)
	}
	v.handlers[key] = handler
	return nil
}

func (v *View) RemoveMessageHandler(name string, w host.ContentWorld) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.handlers, handlerKey{name: name, world: w.Name})
}

func (v *View) MessageHandlerWorlds() []host.ContentWorld {
	v.mu.Lock()
	defer v.mu.Unlock()

	seen := make(map[string]bool)
	var out []host.ContentWorld
	for key := range v.handlers {
		if !seen[key.world] {
			seen[key.world] = true
			out = append(out, host.ContentWorld{Name: key.world})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (v *View) handler(name, w string) (host.MessageHandler, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.handlers[handlerKey{name: name, world: w}]
	return h, ok
}

func (v *View) handlerNames(w string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var names []string
	for key := range v.handlers {
		if key.world == w {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

// dispatch hands a posted message to its handler off the loop
func (v *View) dispatch(name, w string, body json.RawMessage) {
	handler, ok := v.handler(name, w)
	if !ok {
		v.logger.Debug("Dropped message for missing handler", zap.String("handler", name))
		return
	}
	msg := host.ScriptMessage{
		Name:        name,
		Body:        body,
		World:       host.ContentWorld{Name: w},
		FrameURL:    v.URL(),
		IsMainFrame: true,
	}

	v.inflight.Add(1)
	go func() {
		defer v.inflight.Done()
		handler.HandleMessage(context.Background(), v, msg)
	}()
}

// Wait blocks until every handler invocation has returned
func (v *View) Wait() {
	v.inflight.Wait()
}

func (v *View) SetNavigationDelegate(delegate host.NavigationDelegate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nav = delegate
}

func (v *View) SetUIDelegate(delegate host.UIDelegate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ui = delegate
}

func (v *View) navigation() host.NavigationDelegate {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nav
}

func (v *View) uiDelegate() host.UIDelegate {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ui
}

// Load navigates to target in the background and reports the outcome to the
// navigation delegate
func (v *View) Load(target string) error {
	if !v.Alive() {
		return host.ErrViewClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	v.mu.Lock()
	if v.cancelLoad != nil {
		v.cancelLoad()
	}
	v.cancelLoad = cancel
	v.mu.Unlock()

	go func() {
		defer cancel()
		final, err := v.navigate(ctx, target, 0)

		nav := v.navigation()
		if nav == nil {
			if err != nil {
				v.logger.Warn("Load failed", zap.String("url", target), zap.Error(err))
			}
			return
		}
		if err != nil {
			nav.DidFail(target, err)
			return
		}
		nav.DidFinish(final)
	}()
	return nil
}

// Navigate loads target and waits for its user scripts to run
func (v *View) Navigate(ctx context.Context, target string) error {
	if !v.Alive() {
		return host.ErrViewClosed
	}
	_, err := v.navigate(ctx, target, 0)
	return err
}

func (v *View) StopLoading() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelLoad != nil {
		v.cancelLoad()
		v.cancelLoad = nil
	}
}

// Close stops the loop. Pending evaluations fail with ErrViewClosed.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.alive = false
		if v.cancelLoad != nil {
			v.cancelLoad()
			v.cancelLoad = nil
		}
		v.mu.Unlock()
		close(v.quit)
	})
}

// navigate loads target, following redirects, and returns the committed URL
func (v *View) navigate(ctx context.Context, target string, redirects int) (string, error) {
	if nav := v.navigation(); nav != nil {
		action := host.NavigationAction{URL: target, IsRedirect: redirects > 0, MainFrame: true}
		if nav.DecidePolicy(action) == host.NavigationCancel {
			return "", host.ErrNavigationCancelled
		}
	}

	next, err := v.fetch(ctx, target)
	if err != nil {
		return "", err
	}
	if next != "" {
		if redirects >= maxRedirects {
			return "", fmt.Errorf("too many redirects loading %s", target)
		}
		return v.navigate(ctx, next, redirects+1)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	done := make(chan struct{})
	if err := v.submit(func() {
		defer close(done)
		v.commit(target)
	}); err != nil {
		return "", err
	}
	select {
	case <-done:
		return target, nil
	case <-v.quit:
		return "", host.ErrViewClosed
	}
}

// fetch resolves target through its scheme handler and returns the redirect
// location, if any. URLs without a handler load as empty documents.
func (v *View) fetch(ctx context.Context, target string) (string, error) {
	if target == blankURL {
		return "", nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", target, err)
	}

	v.mu.Lock()
	handler := v.schemes[u.Scheme]
	v.mu.Unlock()
	if handler == nil {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", target, err)
	}
	resp := newResponseBuffer()
	handler.ServeHTTP(resp, req)

	switch {
	case resp.status >= 300 && resp.status < 400:
		location := resp.header.Get("Location")
		if location == "" {
			return "", fmt.Errorf("redirect without location loading %s", target)
		}
		next, err := u.Parse(location)
		if err != nil {
			return "", fmt.Errorf("invalid redirect location %q: %w", location, err)
		}
		return next.String(), nil
	case resp.status >= 400:
		return "", fmt.Errorf("loading %s: %d %s", target, resp.status, http.StatusText(resp.status))
	}
	return "", nil
}

// commit replaces the document and runs user scripts. Runs on the loop.
func (v *View) commit(target string) {
	v.disposeWorlds()

	v.mu.Lock()
	v.url = target
	scripts := append([]host.UserScript(nil), v.scripts...)
	v.mu.Unlock()

	for _, when := range []host.InjectionTime{host.AtDocumentStart, host.AtDocumentEnd} {
		for _, script := range scripts {
			if script.InjectionTime != when {
				continue
			}
			rt := v.world(script.World)
			if _, err := rt.run(context.Background(), script.Source); err != nil {
				v.logger.Warn("User script failed",
					zap.String("tag", script.Tag),
					zap.String("world", script.World.String()),
					zap.String("injection", when.String()),
					zap.Error(err),
				)
			}
		}
	}
	v.logger.Debug("Document loaded", zap.String("url", target), zap.Int("scripts", len(scripts)))
}

// world returns the runtime for w in the current document. Runs on the loop.
func (v *View) world(w host.ContentWorld) *world {
	if rt, ok := v.worlds[w.Name]; ok {
		return rt
	}
	rt := newWorld(v, w.Name)
	v.worlds[w.Name] = rt
	return rt
}

func (v *View) disposeWorlds() {
	for name, rt := range v.worlds {
		rt.dispose()
		delete(v.worlds, name)
	}
}

type responseBuffer struct {
	header http.Header
	status int
	body   []byte
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (r *responseBuffer) Header() http.Header { return r.header }

func (r *responseBuffer) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseBuffer) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body = append(r.body, p...)
	return len(p), nil
}

var _ host.BackgroundView = (*View)(nil)
var _ goja.DynamicObject = (*handlerTable)(nil)
