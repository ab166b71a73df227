// Package dispatch routes bridge calls to API handlers.
//
// Handlers live in a static map keyed by the exact dotted API name. For every
// call the dispatcher checks the handler's required permissions against the
// calling extension before the body is decoded, so a handler never runs, and
// never sees arguments, for an extension that was not granted it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/permission"
	"github.com/GriffinCanCode/webext/internal/domain/router"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
	"github.com/GriffinCanCode/webext/internal/shared/id"
	"github.com/GriffinCanCode/webext/internal/shared/utils"
)

// NoValue is the result of handlers that only have side effects. It reaches
// script as undefined, unlike a JSON null result.
var NoValue json.RawMessage

// IsNoValue reports whether result is the no-value sentinel
func IsNoValue(result json.RawMessage) bool {
	return len(result) == 0
}

// Envelope is an inbound bridge call. Body holds the whole call object; the
// method-specific fields sit next to api and requestId.
type Envelope struct {
	API       string
	RequestID id.RequestID
	Body      json.RawMessage
}

type envelopeHeader struct {
	API       string `json:"api"`
	RequestID string `json:"requestId"`
}

// DecodeEnvelope parses a bridge call
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if err := utils.DefaultJSONValidator().ValidateSize(raw); err != nil {
		return Envelope{}, exterr.ValueError("%s", err.Error())
	}

	var header envelopeHeader
	if err := sonic.Unmarshal(raw, &header); err != nil {
		return Envelope{}, exterr.ValueError("Malformed request: %s", err.Error())
	}
	if header.API == "" {
		return Envelope{}, exterr.ValueError("Missing api")
	}
	if header.RequestID == "" {
		return Envelope{}, exterr.ValueError("Missing requestId")
	}

	return Envelope{
		API:       header.API,
		RequestID: id.RequestID(header.RequestID),
		Body:      json.RawMessage(raw),
	}, nil
}

// Context describes the caller of one dispatch. It is built fresh per call.
type Context struct {
	Extension *extension.Extension
	RequestID id.RequestID
	// Trusted is true for background and extension pages
	Trusted     bool
	View        host.WebView
	World       host.ContentWorld
	FrameURL    string
	IsMainFrame bool
}

// Sender describes the caller as a runtime.MessageSender
func (c *Context) Sender() router.MessageSender {
	sender := router.MessageSender{ID: c.Extension.ID, URL: c.FrameURL}
	if u, err := url.Parse(c.FrameURL); err == nil && u.Scheme != "" && u.Host != "" {
		sender.Origin = u.Scheme + "://" + u.Host
	}
	if !c.Trusted && c.IsMainFrame {
		frameID := 0
		sender.FrameID = &frameID
	}
	return sender
}

// Handler implements one API
type Handler interface {
	RequiredPermissions() []permission.API
	Handle(ctx context.Context, call *Context, body json.RawMessage) (json.RawMessage, error)
}

// Void is the response type of side-effect-only handlers
type Void struct{}

// Typed adapts a function over decoded request and response types to Handler.
// A Void response becomes NoValue; a json.RawMessage response is passed
// through, nil meaning NoValue.
type Typed[Req, Resp any] struct {
	Permissions []permission.API
	Fn          func(ctx context.Context, call *Context, req Req) (Resp, error)
}

func (t Typed[Req, Resp]) RequiredPermissions() []permission.API {
	return t.Permissions
}

func (t Typed[Req, Resp]) Handle(ctx context.Context, call *Context, body json.RawMessage) (json.RawMessage, error) {
	var req Req
	if len(body) > 0 {
		if err := sonic.Unmarshal(body, &req); err != nil {
			return nil, errDecode(err)
		}
	}

	resp, err := t.Fn(ctx, call, req)
	if err != nil {
		return nil, err
	}

	switch v := any(resp).(type) {
	case Void:
		return NoValue, nil
	case json.RawMessage:
		return v, nil
	}

	data, err := sonic.Marshal(resp)
	if err != nil {
		return nil, exterr.Internal("failed to encode result", err)
	}
	return data, nil
}

// decodeError marks failures to fit a body into a handler's request shape.
// Dispatch turns it into a public error naming the API.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func errDecode(err error) error { return &decodeError{err: err} }

// Dispatcher routes calls to handlers
type Dispatcher struct {
	handlers map[string]Handler

	limitMu  sync.Mutex
	limiters map[extension.ID]*rate.Limiter
	rps      rate.Limit
	burst    int

	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
}

// New creates an empty dispatcher
func New(logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		limiters: make(map[extension.ID]*rate.Limiter),
		rps:      rate.Inf,
		logger:   logging.OrNop(logger).Named("dispatch"),
	}
}

// WithMetrics attaches a metrics collector
func (d *Dispatcher) WithMetrics(metrics *monitoring.Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// WithTracer attaches a tracer
func (d *Dispatcher) WithTracer(tracer *tracing.Tracer) *Dispatcher {
	d.tracer = tracer
	return d
}

// WithRateLimit limits each extension to rps calls per second with the given
// burst. A non-positive rps disables limiting.
func (d *Dispatcher) WithRateLimit(rps float64, burst int) *Dispatcher {
	d.limitMu.Lock()
	defer d.limitMu.Unlock()

	if rps <= 0 {
		d.rps = rate.Inf
	} else {
		d.rps = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	d.burst = burst
	d.limiters = make(map[extension.ID]*rate.Limiter)
	return d
}

// Register adds a handler. Names must be dotted and unique.
func (d *Dispatcher) Register(api string, h Handler) error {
	if err := utils.ValidateAPIName(api); err != nil {
		return err
	}
	if _, exists := d.handlers[api]; exists {
		return fmt.Errorf("handler for %s already registered", api)
	}
	d.handlers[api] = h
	return nil
}

// MustRegister is Register for static tables
func (d *Dispatcher) MustRegister(api string, h Handler) {
	if err := d.Register(api, h); err != nil {
		panic(err)
	}
}

// APIs lists the registered API names
func (d *Dispatcher) APIs() []string {
	out := make([]string, 0, len(d.handlers))
	for api := range d.handlers {
		out = append(out, api)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for env.API on behalf of call
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope, call *Context) (result json.RawMessage, err error) {
	timer := monitoring.NewTimer(d.metrics, env.API)
	defer func() { timer.Stop(err) }()

	handler, ok := d.handlers[env.API]
	if !ok {
		d.logger.Debug("Unknown API", zap.String("api", env.API), zap.String("request_id", env.RequestID.String()))
		return nil, exterr.UnknownAPI(env.API)
	}
	if call == nil || call.Extension == nil {
		return nil, exterr.Internal("dispatch without a calling extension", nil)
	}

	if missing, ok := call.Extension.Permissions.Missing(handler.RequiredPermissions()); ok {
		d.logger.Info("Permission check failed",
			zap.String("api", env.API),
			zap.String("extension_id", call.Extension.ID.String()),
			zap.String("permission", missing.String()),
		)
		return nil, exterr.InsufficientPermissions(missing.String())
	}

	if !d.allow(call.Extension.ID) {
		d.logger.Warn("Rate limit exceeded",
			zap.String("api", env.API),
			zap.String("extension_id", call.Extension.ID.String()),
		)
		return nil, exterr.NotAvailable("Rate limit exceeded")
	}

	span, ctx := d.startSpan(ctx, env, call)
	defer func() {
		if span != nil {
			span.SetError(err)
			span.Finish()
			d.tracer.Submit(span)
		}
	}()

	result, err = handler.Handle(ctx, call, env.Body)
	if err != nil {
		var de *decodeError
		if errors.As(err, &de) {
			return nil, exterr.DecodeError(env.API, de.err)
		}
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) startSpan(ctx context.Context, env Envelope, call *Context) (*tracing.Span, context.Context) {
	if d.tracer == nil {
		return nil, ctx
	}
	span, ctx := d.tracer.StartSpan(ctx, env.API)
	span.SetTag("request_id", env.RequestID.String())
	span.SetTag("extension_id", call.Extension.ID.String())
	span.SetTag("world", call.World.String())
	return span, ctx
}

func (d *Dispatcher) allow(ext extension.ID) bool {
	d.limitMu.Lock()
	defer d.limitMu.Unlock()

	if d.rps == rate.Inf {
		return true
	}
	limiter, ok := d.limiters[ext]
	if !ok {
		limiter = rate.NewLimiter(d.rps, d.burst)
		d.limiters[ext] = limiter
	}
	return limiter.Allow()
}

// Forget drops per-extension state, such as its rate limiter
func (d *Dispatcher) Forget(ext extension.ID) {
	d.limitMu.Lock()
	defer d.limitMu.Unlock()
	delete(d.limiters, ext)
}

// RequestIDOf extracts the requestId of a call that may not be a valid
// envelope, so malformed calls can still be rejected
func RequestIDOf(raw []byte) id.RequestID {
	var header envelopeHeader
	if err := sonic.Unmarshal(raw, &header); err != nil {
		return ""
	}
	return id.RequestID(header.RequestID)
}
