// Package background runs extension background scripts in hidden views.
//
// Each extension with a background entry gets one view loaded with the
// generated background page. The view carries the trusted API prelude and
// the background sources as user scripts, registers a trusted router node,
// and admits no navigation besides its initial load.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/bridge"
	"github.com/GriffinCanCode/webext/internal/domain/events"
	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/router"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/jsapi"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
)

// ErrStopped is wrapped by a start interrupted by Stop
var ErrStopped = errors.New("background context stopped")

type state int

const (
	starting state = iota
	running
)

// Context is one background view
type Context struct {
	Extension *extension.Extension
	URL       string
	Started   time.Time

	view    host.BackgroundView
	node    *router.Node
	nav     *navigation
	state   state
	ready   chan struct{}
	stopped chan struct{}
	err     error
}

// Service owns the background contexts of active extensions
type Service struct {
	mu       sync.Mutex
	contexts map[extension.ID]*Context

	factory host.ViewFactory
	bridge  *bridge.Bridge
	scheme  http.Handler

	logger  *logging.Logger
	metrics *monitoring.Metrics
	events  *events.Hub
}

// NewService creates a background service. scheme serves the extension URL
// scheme inside background views.
func NewService(factory host.ViewFactory, b *bridge.Bridge, scheme http.Handler, logger *logging.Logger) *Service {
	return &Service{
		contexts: make(map[extension.ID]*Context),
		factory:  factory,
		bridge:   b,
		scheme:   scheme,
		logger:   logging.OrNop(logger).Named("background"),
	}
}

// WithMetrics attaches a metrics collector
func (s *Service) WithMetrics(metrics *monitoring.Metrics) *Service {
	s.metrics = metrics
	return s
}

// WithEvents attaches an event hub
func (s *Service) WithEvents(hub *events.Hub) *Service {
	s.events = hub
	return s
}

// PageURL returns the generated background page of ext
func (s *Service) PageURL(ext extension.ID) string {
	return s.bridge.BaseURL(ext) + GeneratedPage
}

// Start launches ext's background context and waits for its page to load.
// Starting a running context, or one without background scripts, is a no-op.
func (s *Service) Start(ctx context.Context, ext *extension.Extension) error {
	if ext == nil || !ext.HasBackground() {
		return nil
	}

	s.mu.Lock()
	if existing, ok := s.contexts[ext.ID]; ok {
		s.mu.Unlock()
		select {
		case <-existing.ready:
			return existing.err
		case <-ctx.Done():
			return exterr.NavigationFailed(existing.URL, ctx.Err())
		}
	}
	c := &Context{
		Extension: ext,
		URL:       s.PageURL(ext.ID),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.contexts[ext.ID] = c
	s.mu.Unlock()

	start := time.Now()
	err := s.launch(ctx, c)

	s.mu.Lock()
	if err == nil && s.contexts[ext.ID] != c {
		err = exterr.NavigationFailed(c.URL, ErrStopped)
	}
	c.err = err
	if err == nil {
		c.state = running
		c.Started = time.Now()
	}
	count := s.runningLocked()
	s.mu.Unlock()
	close(c.ready)

	log := s.logger.With(zap.String("extension_id", ext.ID.String()))
	if err != nil {
		log.Error("Background context failed to start", zap.Error(err))
		s.metrics.RecordBackgroundStart(monitoring.StatusOf(err), time.Since(start))
		s.events.Publish(events.New(events.BackgroundFailed, ext.ID.String(), map[string]interface{}{
			"error": err.Error(),
		}))
		s.release(c)
		return err
	}

	log.Info("Background context started",
		zap.String("url", c.URL),
		zap.Duration("duration", time.Since(start)),
	)
	s.metrics.RecordBackgroundStart(monitoring.StatusSuccess, time.Since(start))
	s.metrics.SetBackgroundContexts(count)
	s.events.Publish(events.New(events.BackgroundStarted, ext.ID.String(), nil))
	return nil
}

// launch builds c's view, installs its scripts and waits for the load
func (s *Service) launch(ctx context.Context, c *Context) error {
	ext := c.Extension
	log := s.logger.With(zap.String("extension_id", ext.ID.String()))

	view, err := s.factory.NewBackgroundView(ctx, host.ViewConfig{
		SchemeHandlers: map[string]http.Handler{s.bridge.Scheme(): s.scheme},
		Label:          "background:" + ext.ID.String(),
	})
	if err != nil {
		return exterr.NavigationFailed(c.URL, err)
	}

	c.nav = newNavigation(c.URL, log, func() { s.terminated(c) })

	s.mu.Lock()
	c.view = view
	s.mu.Unlock()

	view.SetNavigationDelegate(c.nav)
	view.SetUIDelegate(denyUI{logger: log})

	if err := s.install(ctx, c, view); err != nil {
		return exterr.NavigationFailed(c.URL, err)
	}

	if err := view.Load(c.URL); err != nil {
		return exterr.NavigationFailed(c.URL, err)
	}

	select {
	case err := <-c.nav.done:
		if err != nil {
			return exterr.NavigationFailed(c.URL, err)
		}
		return nil
	case <-c.stopped:
		view.StopLoading()
		return exterr.NavigationFailed(c.URL, ErrStopped)
	case <-ctx.Done():
		view.StopLoading()
		return exterr.NavigationFailed(c.URL, ctx.Err())
	}
}

func (s *Service) install(ctx context.Context, c *Context, view host.BackgroundView) error {
	ext := c.Extension

	if err := view.AddMessageHandler(jsapi.ConsoleHandler, host.PageWorld, s.consoleHandler(ext.ID)); err != nil {
		return err
	}
	view.AddUserScript(host.UserScript{
		Source:        jsapi.ConsoleCapture(),
		InjectionTime: host.AtDocumentStart,
		MainFrameOnly: true,
		World:         host.PageWorld,
		Tag:           ext.ID.String(),
	})

	prelude, err := s.bridge.Prelude(ctx, ext, true, "", false)
	if err != nil {
		return err
	}
	view.AddUserScript(host.UserScript{
		Source:        prelude,
		InjectionTime: host.AtDocumentStart,
		MainFrameOnly: true,
		World:         host.PageWorld,
		Tag:           ext.ID.String(),
	})

	if err := s.bridge.Install(view, host.PageWorld, ext, true); err != nil {
		return err
	}

	for _, src := range ext.Background.Scripts {
		view.AddUserScript(host.UserScript{
			Source:        src.Code,
			InjectionTime: host.AtDocumentEnd,
			MainFrameOnly: true,
			World:         host.PageWorld,
			Tag:           ext.ID.String(),
		})
	}

	node := s.bridge.Router().AddNode(ext.ID, view, host.PageWorld, true, "")
	s.mu.Lock()
	c.node = node
	s.mu.Unlock()
	return nil
}

type consoleEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (s *Service) consoleHandler(ext extension.ID) host.MessageHandler {
	log := s.logger.Named("console").With(zap.String("extension_id", ext.String()))
	return host.MessageHandlerFunc(func(_ context.Context, _ host.WebView, msg host.ScriptMessage) {
		var entry consoleEntry
		if err := sonic.Unmarshal(msg.Body, &entry); err != nil {
			log.Debug("Malformed console message", zap.Error(err))
			return
		}
		switch entry.Level {
		case "error":
			log.Error(entry.Message)
		case "warn":
			log.Warn(entry.Message)
		case "debug":
			log.Debug(entry.Message)
		default:
			log.Info(entry.Message)
		}
	})
}

// terminated drops a running context whose script process died
func (s *Service) terminated(c *Context) {
	s.mu.Lock()
	current := s.contexts[c.Extension.ID] == c
	s.mu.Unlock()
	if !current {
		return
	}
	s.events.Publish(events.New(events.BackgroundFailed, c.Extension.ID.String(), map[string]interface{}{
		"error": host.ErrProcessTerminated.Error(),
	}))
	if err := s.Stop(context.Background(), c.Extension.ID); err != nil {
		s.logger.Debug("Failed to stop terminated context", zap.Error(err))
	}
}

// Stop tears down ext's background context. Stopping an absent context is a
// no-op.
func (s *Service) Stop(_ context.Context, ext extension.ID) error {
	s.mu.Lock()
	c, ok := s.contexts[ext]
	if ok {
		delete(s.contexts, ext)
	}
	count := s.runningLocked()
	s.mu.Unlock()

	if !ok {
		return nil
	}

	close(c.stopped)
	s.teardown(c)

	s.logger.Info("Background context stopped", zap.String("extension_id", ext.String()))
	s.metrics.SetBackgroundContexts(count)
	s.events.Publish(events.New(events.BackgroundStopped, ext.String(), nil))
	return nil
}

// release forgets c if it is still current and tears it down
func (s *Service) release(c *Context) {
	s.mu.Lock()
	if s.contexts[c.Extension.ID] == c {
		delete(s.contexts, c.Extension.ID)
	}
	count := s.runningLocked()
	s.mu.Unlock()

	s.teardown(c)
	s.metrics.SetBackgroundContexts(count)
}

// teardown releases c's view and router node. It is safe to call more than
// once.
func (s *Service) teardown(c *Context) {
	s.mu.Lock()
	view, node := c.view, c.node
	c.view, c.node = nil, nil
	s.mu.Unlock()

	if node != nil {
		s.bridge.Router().RemoveNode(node.ID)
	}
	if view == nil {
		return
	}
	s.bridge.Callbacks().Forget(view.ID())
	s.bridge.Uninstall(view, host.PageWorld)
	view.RemoveMessageHandler(jsapi.ConsoleHandler, host.PageWorld)
	view.StopLoading()
	view.Close()
}

// StopAll stops every background context
func (s *Service) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]extension.ID, 0, len(s.contexts))
	for extID := range s.contexts {
		ids = append(ids, extID)
	}
	s.mu.Unlock()

	for _, extID := range ids {
		_ = s.Stop(ctx, extID)
	}
}

// IsActive reports whether ext's background context is running
func (s *Service) IsActive(ext extension.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[ext]
	return ok && c.state == running
}

// ActiveIDs lists extensions with a running background context
func (s *Service) ActiveIDs() []extension.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []extension.ID
	for extID, c := range s.contexts {
		if c.state == running {
			out = append(out, extID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evaluate runs js in ext's running background page
func (s *Service) Evaluate(ctx context.Context, ext extension.ID, js string) (json.RawMessage, error) {
	s.mu.Lock()
	c, ok := s.contexts[ext]
	var view host.BackgroundView
	if ok && c.state == running {
		view = c.view
	}
	s.mu.Unlock()

	if view == nil {
		return nil, exterr.NotAvailable("Background context not running")
	}
	return view.Evaluate(ctx, js, host.PageWorld)
}

func (s *Service) runningLocked() int {
	n := 0
	for _, c := range s.contexts {
		if c.state == running {
			n++
		}
	}
	return n
}
