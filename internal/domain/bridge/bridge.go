// Package bridge connects script contexts to the dispatcher.
//
// A Bridge installs the request and listener-response message handlers into
// a view's world and renders the matching API prelude. Calls arriving on the
// request handler are dispatched asynchronously and answered through the
// callback channel in the world they came from.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/callback"
	"github.com/GriffinCanCode/webext/internal/domain/dispatch"
	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/router"
	"github.com/GriffinCanCode/webext/internal/domain/storage"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/jsapi"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

// DefaultScheme is the URL scheme extension resources are served under
const DefaultScheme = "webext-extension"

// Bridge wires script contexts to the runtime
type Bridge struct {
	dispatcher *dispatch.Dispatcher
	callbacks  *callback.Channel
	router     *router.Router
	storage    *storage.Manager
	scheme     string
	logger     *logging.Logger

	inflight sync.WaitGroup
}

// Config holds the collaborators of a Bridge. Storage may be nil, in which
// case preludes assume default access levels.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Callbacks  *callback.Channel
	Router     *router.Router
	Storage    *storage.Manager
	Scheme     string
	Logger     *logging.Logger
}

// New creates a bridge
func New(cfg Config) *Bridge {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	return &Bridge{
		dispatcher: cfg.Dispatcher,
		callbacks:  cfg.Callbacks,
		router:     cfg.Router,
		storage:    cfg.Storage,
		scheme:     scheme,
		logger:     logging.OrNop(cfg.Logger).Named("bridge"),
	}
}

// Scheme returns the extension URL scheme
func (b *Bridge) Scheme() string {
	return b.scheme
}

// BaseURL returns the origin of ext's resources with a trailing slash
func (b *Bridge) BaseURL(ext extension.ID) string {
	return fmt.Sprintf("%s://%s/", b.scheme, ext)
}

// Router returns the router nodes are registered with
func (b *Bridge) Router() *router.Router {
	return b.router
}

// Dispatcher returns the API dispatcher
func (b *Bridge) Dispatcher() *dispatch.Dispatcher {
	return b.dispatcher
}

// Callbacks returns the response channel
func (b *Bridge) Callbacks() *callback.Channel {
	return b.callbacks
}

// Prelude renders the API script for ext in a trusted or untrusted context
func (b *Bridge) Prelude(ctx context.Context, ext *extension.Extension, trusted bool, token string, withContentScripts bool) (string, error) {
	return jsapi.Prelude(jsapi.Config{
		Extension:          ext,
		BaseURL:            b.BaseURL(ext.ID),
		Trusted:            trusted,
		CallbackFunction:   b.callbacks.FunctionName(),
		Token:              token,
		AreaAllowed:        b.areaAllowed(ctx, ext.ID, trusted),
		WithContentScripts: withContentScripts,
	})
}

func (b *Bridge) areaAllowed(ctx context.Context, ext extension.ID, trusted bool) map[storage.Area]bool {
	if trusted || b.storage == nil {
		return nil
	}
	allowed := make(map[storage.Area]bool, len(storage.Areas))
	for _, area := range storage.Areas {
		if area == storage.Managed {
			continue
		}
		level, err := b.storage.AccessLevel(ctx, ext, area)
		if err != nil {
			b.logger.Warn("Failed to read storage access level",
				zap.String("extension_id", ext.String()),
				zap.String("area", area.String()),
				zap.Error(err),
			)
			level = storage.DefaultAccessLevel(area)
		}
		allowed[area] = level.Allows(false)
	}
	return allowed
}

// Install adds the request and response handlers for ext to world
func (b *Bridge) Install(view host.WebView, world host.ContentWorld, ext *extension.Extension, trusted bool) error {
	if err := view.AddMessageHandler(jsapi.RequestHandler, world, b.RequestHandler(ext, trusted)); err != nil {
		return fmt.Errorf("failed to add request handler: %w", err)
	}
	if err := view.AddMessageHandler(jsapi.ResponseHandler, world, b.ResponseHandler()); err != nil {
		view.RemoveMessageHandler(jsapi.RequestHandler, world)
		return fmt.Errorf("failed to add response handler: %w", err)
	}
	return nil
}

// Uninstall removes the handlers added by Install
func (b *Bridge) Uninstall(view host.WebView, world host.ContentWorld) {
	view.RemoveMessageHandler(jsapi.RequestHandler, world)
	view.RemoveMessageHandler(jsapi.ResponseHandler, world)
}

// Wait blocks until every dispatched call has been answered
func (b *Bridge) Wait() {
	b.inflight.Wait()
}

// RequestHandler handles API calls posted by ext's scripts
func (b *Bridge) RequestHandler(ext *extension.Extension, trusted bool) host.MessageHandler {
	return host.MessageHandlerFunc(func(ctx context.Context, view host.WebView, msg host.ScriptMessage) {
		b.handleRequest(context.WithoutCancel(ctx), view, msg, ext, trusted)
	})
}

func (b *Bridge) handleRequest(ctx context.Context, view host.WebView, msg host.ScriptMessage, ext *extension.Extension, trusted bool) {
	target := callback.Target{View: view, World: msg.World}

	env, err := dispatch.DecodeEnvelope(msg.Body)
	if err != nil {
		requestID := dispatch.RequestIDOf(msg.Body)
		b.logger.Warn("Malformed bridge call",
			zap.String("extension_id", ext.ID.String()),
			zap.String("request_id", requestID.String()),
			zap.Error(err),
		)
		if requestID != "" && b.callbacks.Track(requestID, target) == nil {
			b.callbacks.Reject(ctx, requestID, err)
		}
		return
	}

	if err := b.callbacks.Track(env.RequestID, target); err != nil {
		b.logger.Warn("Refusing bridge call",
			zap.String("api", env.API),
			zap.String("request_id", env.RequestID.String()),
			zap.Error(err),
		)
		return
	}

	call := &dispatch.Context{
		Extension:   ext,
		RequestID:   env.RequestID,
		Trusted:     trusted,
		View:        view,
		World:       msg.World,
		FrameURL:    msg.FrameURL,
		IsMainFrame: msg.IsMainFrame,
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.run(ctx, env, call)
	}()
}

func (b *Bridge) run(ctx context.Context, env dispatch.Envelope, call *dispatch.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked",
				zap.String("api", env.API),
				zap.Any("panic", r),
			)
			b.callbacks.Reject(ctx, env.RequestID, exterr.Internal("handler panicked", nil))
		}
	}()

	result, err := b.dispatcher.Dispatch(ctx, env, call)
	if err != nil {
		b.logger.Debug("Bridge call failed",
			zap.String("api", env.API),
			zap.String("request_id", env.RequestID.String()),
			zap.Error(err),
		)
		b.callbacks.Reject(ctx, env.RequestID, err)
		return
	}
	b.callbacks.Resolve(ctx, env.RequestID, result)
}

type listenerResponse struct {
	RequestID string          `json:"requestId"`
	Response  json.RawMessage `json:"response"`
}

// ResponseHandler routes sendResponse calls back to the waiting publisher
func (b *Bridge) ResponseHandler() host.MessageHandler {
	return host.MessageHandlerFunc(func(ctx context.Context, view host.WebView, msg host.ScriptMessage) {
		var resp listenerResponse
		if err := sonic.Unmarshal(msg.Body, &resp); err != nil || resp.RequestID == "" {
			b.logger.Warn("Malformed listener response", zap.ByteString("body", msg.Body), zap.Error(err))
			return
		}
		b.router.SendReply(id.RequestID(resp.RequestID), view, msg.World, resp.Response)
	})
}
