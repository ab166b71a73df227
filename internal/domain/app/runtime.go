// Package app assembles the extension runtime from its components and
// drives extension lifecycle for the admin API and the CLI.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/background"
	"github.com/GriffinCanCode/webext/internal/domain/bridge"
	"github.com/GriffinCanCode/webext/internal/domain/callback"
	"github.com/GriffinCanCode/webext/internal/domain/dispatch"
	"github.com/GriffinCanCode/webext/internal/domain/events"
	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/permission"
	"github.com/GriffinCanCode/webext/internal/domain/router"
	"github.com/GriffinCanCode/webext/internal/domain/storage"
	"github.com/GriffinCanCode/webext/internal/domain/world"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

// Config holds the collaborators and tunables of a Runtime
type Config struct {
	// Factory creates background views; nil disables background contexts
	Factory host.ViewFactory
	// Provider stores extension data; nil uses an in-memory provider
	Provider storage.Provider
	// Loader reads manifests; nil reads manifest.json from disk
	Loader extension.Loader

	Scheme      string
	RateLimit   float64
	RateBurst   int
	EventBuffer int
	// StartTimeout bounds background context loads; zero means no bound
	StartTimeout time.Duration

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
}

// Runtime owns every component of the extension runtime
type Runtime struct {
	registry   *extension.Registry
	router     *router.Router
	callbacks  *callback.Channel
	dispatcher *dispatch.Dispatcher
	provider   storage.Provider
	storage    *storage.Manager
	bridge     *bridge.Bridge
	background *background.Service
	worlds     *world.Manager
	events     *events.Hub

	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// Status summarizes one registered extension
type Status struct {
	ID            extension.ID `json:"id"`
	Name          string       `json:"name"`
	Version       string       `json:"version"`
	Description   string       `json:"description,omitempty"`
	Path          string       `json:"path"`
	Active        bool         `json:"active"`
	HasBackground bool         `json:"has_background"`
	Background    bool         `json:"background_running"`
	Permissions   []string     `json:"permissions"`
}

// Stats reports runtime counters
type Stats struct {
	Registered       int `json:"registered"`
	Active           int `json:"active"`
	Hosts            int `json:"hosts"`
	Background       int `json:"background"`
	PendingCallbacks int `json:"pending_callbacks"`
	PendingReplies   int `json:"pending_replies"`
	Subscribers      int `json:"event_subscribers"`
}

// New wires a runtime
func New(cfg Config) *Runtime {
	logger := logging.OrNop(cfg.Logger)
	hub := events.NewHub(cfg.EventBuffer, logger)

	provider := cfg.Provider
	if provider == nil {
		provider = storage.NewMemoryProvider()
	}

	r := router.New(logger).WithMetrics(cfg.Metrics).WithEvents(hub)
	callbacks := callback.New(logger).WithMetrics(cfg.Metrics)
	store := storage.NewManager(provider, r, logger).WithMetrics(cfg.Metrics)

	d := dispatch.New(logger).WithMetrics(cfg.Metrics).WithTracer(cfg.Tracer)
	if cfg.RateLimit > 0 {
		d.WithRateLimit(cfg.RateLimit, cfg.RateBurst)
	}
	dispatch.RegisterRuntime(d, r)
	dispatch.RegisterStorage(d, store, r)

	b := bridge.New(bridge.Config{
		Dispatcher: d,
		Callbacks:  callbacks,
		Router:     r,
		Storage:    store,
		Scheme:     cfg.Scheme,
		Logger:     logger,
	})

	rt := &Runtime{
		registry:   extension.NewRegistry(cfg.Loader, logger),
		router:     r,
		callbacks:  callbacks,
		dispatcher: d,
		provider:   provider,
		storage:    store,
		bridge:     b,
		events:     hub,
		logger:     logger.Named("runtime"),
		metrics:    cfg.Metrics,
	}

	var bg world.Background
	if cfg.Factory != nil {
		scheme := background.NewSchemeHandler(b.Scheme(), rt.registry.Get, logger)
		rt.background = background.NewService(cfg.Factory, b, scheme, logger).
			WithMetrics(cfg.Metrics).
			WithEvents(hub)
		bg = rt.background
	}
	rt.worlds = world.NewManager(b, bg, logger).
		WithMetrics(cfg.Metrics).
		WithEvents(hub).
		WithStartTimeout(cfg.StartTimeout)
	return rt
}

// Events returns the runtime event hub
func (r *Runtime) Events() *events.Hub {
	return r.events
}

// Storage returns the storage manager
func (r *Runtime) Storage() *storage.Manager {
	return r.storage
}

// Bridge returns the script bridge
func (r *Runtime) Bridge() *bridge.Bridge {
	return r.bridge
}

// Worlds returns the active-extension manager
func (r *Runtime) Worlds() *world.Manager {
	return r.worlds
}

// Register loads and registers the extension at path
func (r *Runtime) Register(path string) (*extension.Extension, error) {
	ext, err := r.registry.Register(path)
	if err != nil {
		if errors.Is(err, extension.ErrAlreadyRegistered) {
			extID, _ := extension.IDFromPath(path)
			return nil, exterr.ExtensionAlreadyExists(extID.String())
		}
		return nil, err
	}
	r.registered(ext)
	return ext, nil
}

// Discover registers every extension under root
func (r *Runtime) Discover(ctx context.Context, root string) ([]*extension.Extension, error) {
	exts, err := r.registry.RegisterAll(ctx, root)
	if err != nil {
		return nil, err
	}
	for _, ext := range exts {
		r.registered(ext)
	}
	return exts, nil
}

func (r *Runtime) registered(ext *extension.Extension) {
	r.metrics.SetExtensionsRegistered(r.registry.Count())
	r.events.Publish(events.New(events.ExtensionRegistered, ext.ID.String(), map[string]interface{}{
		"name":    ext.Manifest.Name,
		"version": ext.Manifest.Version,
	}))
}

// Unregister deactivates ext if needed and removes it from the registry
func (r *Runtime) Unregister(ctx context.Context, extID extension.ID) error {
	if _, ok := r.registry.Get(extID); !ok {
		return exterr.ExtensionNotFound(extID.String())
	}
	if r.worlds.IsActive(extID) {
		if err := r.worlds.Deactivate(ctx, extID); err != nil {
			return err
		}
	}
	if err := r.registry.Unregister(extID); err != nil {
		return exterr.ExtensionNotFound(extID.String())
	}
	if forgetter, ok := r.provider.(interface{ Forget(extension.ID) }); ok {
		forgetter.Forget(extID)
	}

	r.metrics.SetExtensionsRegistered(r.registry.Count())
	r.events.Publish(events.New(events.ExtensionUnregistered, extID.String(), nil))
	r.logger.Info("Extension unregistered", zap.String("extension_id", extID.String()))
	return nil
}

// Activate makes a registered extension active
func (r *Runtime) Activate(ctx context.Context, extID extension.ID) error {
	ext, ok := r.registry.Get(extID)
	if !ok {
		return exterr.ExtensionNotFound(extID.String())
	}
	return r.worlds.Activate(ctx, ext)
}

// ActivateAll activates every registered extension that is not yet active
func (r *Runtime) ActivateAll(ctx context.Context) error {
	var errs []error
	for _, ext := range r.registry.List() {
		if r.worlds.IsActive(ext.ID) {
			continue
		}
		if err := r.worlds.Activate(ctx, ext); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ext.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Deactivate deactivates an active extension
func (r *Runtime) Deactivate(ctx context.Context, extID extension.ID) error {
	return r.worlds.Deactivate(ctx, extID)
}

// Get returns the status of one extension
func (r *Runtime) Get(extID extension.ID) (Status, bool) {
	ext, ok := r.registry.Get(extID)
	if !ok {
		return Status{}, false
	}
	return r.status(ext), true
}

// List returns the status of every registered extension
func (r *Runtime) List() []Status {
	return lo.Map(r.registry.List(), func(ext *extension.Extension, _ int) Status {
		return r.status(ext)
	})
}

func (r *Runtime) status(ext *extension.Extension) Status {
	perms := lo.Map(ext.Permissions.APIs(), func(api permission.API, _ int) string { return api.String() })
	sort.Strings(perms)

	running := r.background != nil && r.background.IsActive(ext.ID)
	return Status{
		ID:            ext.ID,
		Name:          ext.Manifest.Name,
		Version:       ext.Manifest.Version,
		Description:   ext.Manifest.Description,
		Path:          ext.Path,
		Active:        r.worlds.IsActive(ext.ID),
		HasBackground: ext.HasBackground(),
		Background:    running,
		Permissions:   perms,
	}
}

// RegisterWebView keeps view in sync with the active extensions
func (r *Runtime) RegisterWebView(ctx context.Context, view host.WebView) world.Handle {
	return r.worlds.RegisterWebView(ctx, view)
}

// UnregisterWebView stops tracking a view
func (r *Runtime) UnregisterWebView(ctx context.Context, h world.Handle) {
	r.worlds.UnregisterWebView(ctx, h)
}

// Dispatch performs an API call on behalf of ext from a trusted context
// outside any view. raw is a request envelope; a missing requestId is
// generated.
func (r *Runtime) Dispatch(ctx context.Context, extID extension.ID, raw json.RawMessage) (json.RawMessage, error) {
	ext, ok := r.registry.Get(extID)
	if !ok {
		return nil, exterr.ExtensionNotFound(extID.String())
	}

	if dispatch.RequestIDOf(raw) == "" {
		var err error
		if raw, err = withRequestID(raw); err != nil {
			return nil, err
		}
	}
	env, err := dispatch.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	return r.dispatcher.Dispatch(ctx, env, &dispatch.Context{
		Extension: ext,
		RequestID: env.RequestID,
		Trusted:   true,
		FrameURL:  r.bridge.BaseURL(ext.ID),
	})
}

func withRequestID(raw json.RawMessage) (json.RawMessage, error) {
	var body map[string]interface{}
	if err := sonic.Unmarshal(raw, &body); err != nil || body == nil {
		return nil, exterr.ValueError("Malformed request")
	}
	body["requestId"] = "admin_" + id.NewRequestID().String()
	encoded, err := sonic.Marshal(body)
	if err != nil {
		return nil, exterr.Internal("failed to encode request", err)
	}
	return encoded, nil
}

// StorageSnapshot returns every value ext holds in area, decoded
func (r *Runtime) StorageSnapshot(ctx context.Context, extID extension.ID, area storage.Area) (map[string]json.RawMessage, error) {
	ext, ok := r.registry.Get(extID)
	if !ok {
		return nil, exterr.ExtensionNotFound(extID.String())
	}
	caller := storage.Caller{ExtensionID: ext.ID, Trusted: true}
	items, err := r.storage.Get(ctx, caller, area, nil)
	if err != nil {
		return nil, err
	}
	return lo.MapValues(items, func(v string, _ string) json.RawMessage {
		return json.RawMessage(v)
	}), nil
}

// EvaluateBackground runs js in the background context of ext
func (r *Runtime) EvaluateBackground(ctx context.Context, extID extension.ID, js string) (json.RawMessage, error) {
	if _, ok := r.registry.Get(extID); !ok {
		return nil, exterr.ExtensionNotFound(extID.String())
	}
	if r.background == nil {
		return nil, exterr.NotAvailable("Background contexts are disabled")
	}
	return r.background.Evaluate(ctx, extID, js)
}

// ApplyPolicy seeds managed storage from an administrator policy
func (r *Runtime) ApplyPolicy(policy storage.Policy) error {
	seeder, ok := r.provider.(storage.ManagedSeeder)
	if !ok {
		return fmt.Errorf("storage provider cannot seed managed storage")
	}
	if err := policy.Apply(seeder); err != nil {
		return fmt.Errorf("failed to apply policy: %w", err)
	}
	r.logger.Info("Managed storage policy applied", zap.Int("extensions", len(policy)))
	return nil
}

// Stats reports runtime counters
func (r *Runtime) Stats() Stats {
	stats := Stats{
		Registered:       r.registry.Count(),
		Active:           len(r.worlds.ActiveIDs()),
		Hosts:            len(r.worlds.Hosts()),
		PendingCallbacks: r.callbacks.Pending(),
		PendingReplies:   r.router.PendingReplies(),
		Subscribers:      r.events.Subscribers(),
	}
	if r.background != nil {
		stats.Background = len(r.background.ActiveIDs())
	}
	return stats
}

// Close deactivates every extension and waits for in-flight calls
func (r *Runtime) Close(ctx context.Context) {
	r.worlds.DeactivateAll(ctx)
	r.worlds.Wait()
	if r.background != nil {
		r.background.StopAll(ctx)
	}
	r.bridge.Wait()
	r.logger.Info("Runtime closed")
}
