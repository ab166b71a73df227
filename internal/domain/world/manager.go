// Package world tracks active extensions and keeps every registered view's
// injected scripts in sync with them.
//
// Each active extension owns one content world. Views are held in an arena
// of generation-checked slots rather than by reference, and every mutation
// prunes views whose underlying page is gone before reinstalling. After any
// activation, deactivation or registration, every live view carries exactly
// one user script per active extension.
package world

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/domain/bridge"
	"github.com/GriffinCanCode/webext/internal/domain/events"
	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/host"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
	"github.com/GriffinCanCode/webext/internal/shared/id"
)

// WorldPrefix starts every extension content world name
const WorldPrefix = "Extension-"

// WorldFor returns the content world of ext
func WorldFor(ext extension.ID) host.ContentWorld {
	return host.ContentWorld{Name: WorldPrefix + ext.String()}
}

// Background runs extensions' background contexts
type Background interface {
	Start(ctx context.Context, ext *extension.Extension) error
	Stop(ctx context.Context, ext extension.ID) error
}

// Active is an activated extension
type Active struct {
	Extension *extension.Extension
	World     host.ContentWorld
	// Token authorizes storage availability updates in the extension's
	// content worlds
	Token string
}

// Handle refers to a registered view. A handle whose slot was reused is
// stale and ignored.
type Handle struct {
	index      int
	generation uint64
}

type slot struct {
	view       host.WebView
	generation uint64
	// worlds that already carry the bridge handlers
	worlds map[string]bool
}

// Manager owns the active set and the registered views
type Manager struct {
	mu     sync.Mutex
	active map[extension.ID]*Active
	slots  []slot
	free   []int

	// installMu serializes reinstall passes
	installMu sync.Mutex

	bridge     *bridge.Bridge
	background Background

	// startTimeout bounds background starts; zero means no bound
	startTimeout time.Duration

	wg      sync.WaitGroup
	logger  *logging.Logger
	metrics *monitoring.Metrics
	events  *events.Hub
}

// NewManager creates a manager. background may be nil.
func NewManager(b *bridge.Bridge, background Background, logger *logging.Logger) *Manager {
	return &Manager{
		active:     make(map[extension.ID]*Active),
		bridge:     b,
		background: background,
		logger:     logging.OrNop(logger).Named("world"),
	}
}

// WithMetrics attaches a metrics collector
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithEvents attaches an event hub
func (m *Manager) WithEvents(hub *events.Hub) *Manager {
	m.events = hub
	return m
}

// WithStartTimeout bounds how long a background context may take to load
func (m *Manager) WithStartTimeout(d time.Duration) *Manager {
	m.startTimeout = d
	return m
}

// Activate allocates a world for ext, installs it into every registered view
// and starts its background context asynchronously
func (m *Manager) Activate(ctx context.Context, ext *extension.Extension) error {
	if ext == nil {
		return exterr.ValueError("Missing extension")
	}

	m.mu.Lock()
	if _, exists := m.active[ext.ID]; exists {
		m.mu.Unlock()
		return exterr.ExtensionAlreadyExists(ext.ID.String())
	}
	record := &Active{
		Extension: ext,
		World:     WorldFor(ext.ID),
		Token:     id.NewSecret(),
	}
	m.active[ext.ID] = record
	count := len(m.active)
	m.mu.Unlock()

	m.logger.Info("Activated extension",
		zap.String("extension_id", ext.ID.String()),
		zap.String("name", ext.Manifest.Name),
		zap.String("world", record.World.String()),
	)
	m.metrics.SetExtensionsActive(count)
	m.events.Publish(events.New(events.ExtensionActivated, ext.ID.String(), map[string]interface{}{
		"name": ext.Manifest.Name,
	}))

	m.reinstall(ctx)

	if m.background != nil && ext.HasBackground() {
		bgCtx := context.WithoutCancel(ctx)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if m.startTimeout > 0 {
				var cancel context.CancelFunc
				bgCtx, cancel = context.WithTimeout(bgCtx, m.startTimeout)
				defer cancel()
			}
			if err := m.background.Start(bgCtx, ext); err != nil {
				m.logger.Error("Failed to start background context",
					zap.String("extension_id", ext.ID.String()),
					zap.Error(err),
				)
			}
		}()
	}
	return nil
}

// Deactivate removes ext from the active set, stops its background context
// and reinstalls the remaining extensions
func (m *Manager) Deactivate(ctx context.Context, extID extension.ID) error {
	m.mu.Lock()
	if _, exists := m.active[extID]; !exists {
		m.mu.Unlock()
		return exterr.ExtensionNotFound(extID.String())
	}
	delete(m.active, extID)
	count := len(m.active)
	m.mu.Unlock()

	if m.background != nil {
		if err := m.background.Stop(ctx, extID); err != nil {
			m.logger.Warn("Failed to stop background context",
				zap.String("extension_id", extID.String()),
				zap.Error(err),
			)
		}
	}
	// an install pass running on an older snapshot may still add nodes for
	// extID, so removal waits for it
	m.installMu.Lock()
	m.bridge.Router().RemoveExtension(extID)
	m.installMu.Unlock()
	if d := m.bridge.Dispatcher(); d != nil {
		d.Forget(extID)
	}

	m.logger.Info("Deactivated extension", zap.String("extension_id", extID.String()))
	m.metrics.SetExtensionsActive(count)
	m.events.Publish(events.New(events.ExtensionDeactivated, extID.String(), nil))

	m.reinstall(ctx)
	return nil
}

// DeactivateAll deactivates every active extension
func (m *Manager) DeactivateAll(ctx context.Context) {
	for _, extID := range m.ActiveIDs() {
		if err := m.Deactivate(ctx, extID); err != nil {
			m.logger.Debug("Extension already deactivated", zap.String("extension_id", extID.String()))
		}
	}
}

// Wait blocks until background starts launched by Activate have finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// IsActive reports whether extID is active
func (m *Manager) IsActive(extID extension.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[extID]
	return ok
}

// Get returns the active record of extID
func (m *Manager) Get(extID extension.ID) (*Active, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.active[extID]
	return record, ok
}

// ActiveIDs returns the active extension IDs in sorted order
func (m *Manager) ActiveIDs() []extension.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeIDsLocked()
}

func (m *Manager) activeIDsLocked() []extension.ID {
	out := make([]extension.ID, 0, len(m.active))
	for extID := range m.active {
		out = append(out, extID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegisterWebView starts keeping view in sync with the active set and
// installs the current scripts into it. Registering a view twice returns its
// existing handle.
func (m *Manager) RegisterWebView(ctx context.Context, view host.WebView) Handle {
	m.prune()

	m.mu.Lock()
	handle, existing := m.findLocked(view.ID())
	if !existing {
		handle = m.allocateLocked(view)
	}
	hosts := m.hostCountLocked()
	m.mu.Unlock()

	if !existing {
		m.logger.Debug("Registered view", zap.String("view", view.ID().String()), zap.String("url", view.URL()))
		m.metrics.SetRegisteredHosts(hosts)
		m.events.Publish(events.New(events.HostRegistered, "", map[string]interface{}{"view": view.ID().String()}))
	}

	m.installMu.Lock()
	defer m.installMu.Unlock()
	if snapshot, ok := m.snapshotFor(handle); ok {
		m.install(ctx, handle, snapshot.view, snapshot.active)
	}
	return handle
}

// UnregisterWebView stops tracking the view behind h. A stale handle is a
// no-op.
func (m *Manager) UnregisterWebView(ctx context.Context, h Handle) {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.mu.Lock()
	if !m.validLocked(h) {
		m.mu.Unlock()
		return
	}
	s := m.slots[h.index]
	m.releaseLocked(h.index)
	hosts := m.hostCountLocked()
	m.mu.Unlock()

	m.detach(s)
	if s.view.Alive() {
		s.view.RemoveAllUserScripts()
		for world := range s.worlds {
			m.bridge.Uninstall(s.view, host.ContentWorld{Name: world})
		}
	}

	m.logger.Debug("Unregistered view", zap.String("view", s.view.ID().String()))
	m.metrics.SetRegisteredHosts(hosts)
	m.events.Publish(events.New(events.HostUnregistered, "", map[string]interface{}{"view": s.view.ID().String()}))
}

// Hosts returns the live registered views
func (m *Manager) Hosts() []host.WebView {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []host.WebView
	for _, s := range m.slots {
		if s.view != nil && s.view.Alive() {
			out = append(out, s.view)
		}
	}
	return out
}

func (m *Manager) findLocked(viewID id.HostID) (Handle, bool) {
	for i, s := range m.slots {
		if s.view != nil && s.view.ID() == viewID {
			return Handle{index: i, generation: s.generation}, true
		}
	}
	return Handle{}, false
}

func (m *Manager) allocateLocked(view host.WebView) Handle {
	if n := len(m.free); n > 0 {
		index := m.free[n-1]
		m.free = m.free[:n-1]
		s := &m.slots[index]
		s.view = view
		s.worlds = make(map[string]bool)
		return Handle{index: index, generation: s.generation}
	}
	m.slots = append(m.slots, slot{view: view, generation: 1, worlds: make(map[string]bool)})
	return Handle{index: len(m.slots) - 1, generation: 1}
}

func (m *Manager) releaseLocked(index int) {
	s := &m.slots[index]
	s.view = nil
	s.worlds = nil
	s.generation++
	m.free = append(m.free, index)
}

func (m *Manager) validLocked(h Handle) bool {
	return h.index >= 0 && h.index < len(m.slots) &&
		m.slots[h.index].view != nil &&
		m.slots[h.index].generation == h.generation
}

func (m *Manager) hostCountLocked() int {
	n := 0
	for _, s := range m.slots {
		if s.view != nil {
			n++
		}
	}
	return n
}

// detach drops router nodes and pending responses of a view leaving the set
func (m *Manager) detach(s slot) {
	m.bridge.Router().RemoveView(s.view.ID())
	m.bridge.Callbacks().Forget(s.view.ID())
}

// prune releases slots whose view has been deallocated
func (m *Manager) prune() {
	m.mu.Lock()
	var dead []slot
	for i := range m.slots {
		s := m.slots[i]
		if s.view != nil && !s.view.Alive() {
			dead = append(dead, s)
			m.releaseLocked(i)
		}
	}
	hosts := m.hostCountLocked()
	m.mu.Unlock()

	if len(dead) == 0 {
		return
	}
	for _, s := range dead {
		m.detach(s)
	}
	m.logger.Debug("Pruned deallocated views", zap.Int("count", len(dead)))
	m.metrics.SetRegisteredHosts(hosts)
}

type hostSnapshot struct {
	view   host.WebView
	active []*Active
}

// snapshotFor captures the view behind h and the active set, or false when h
// is stale or its view is gone
func (m *Manager) snapshotFor(h Handle) (hostSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.validLocked(h) || !m.slots[h.index].view.Alive() {
		return hostSnapshot{}, false
	}
	return hostSnapshot{view: m.slots[h.index].view, active: m.activeLocked()}, true
}

func (m *Manager) activeLocked() []*Active {
	ids := m.activeIDsLocked()
	out := make([]*Active, 0, len(ids))
	for _, extID := range ids {
		out = append(out, m.active[extID])
	}
	return out
}

// reinstall prunes dead views and brings every live view in line with the
// active set
func (m *Manager) reinstall(ctx context.Context) {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.prune()

	m.mu.Lock()
	var handles []Handle
	for i, s := range m.slots {
		if s.view != nil {
			handles = append(handles, Handle{index: i, generation: s.generation})
		}
	}
	m.mu.Unlock()

	for _, h := range handles {
		if snapshot, ok := m.snapshotFor(h); ok {
			m.install(ctx, h, snapshot.view, snapshot.active)
		}
	}

	m.metrics.IncReinstalls()
	m.events.Publish(events.New(events.ScriptsReinstalled, "", map[string]interface{}{
		"hosts":      len(handles),
		"extensions": m.activeCount(),
	}))
}

func (m *Manager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// install replaces view's user scripts with one entry per active extension.
// Callers hold installMu.
func (m *Manager) install(ctx context.Context, h Handle, view host.WebView, active []*Active) {
	view.RemoveAllUserScripts()

	wanted := make(map[string]*Active, len(active))
	for _, record := range active {
		wanted[record.World.Name] = record
	}

	m.mu.Lock()
	if !m.validLocked(h) {
		m.mu.Unlock()
		return
	}
	worlds := m.slots[h.index].worlds
	var stale []string
	for world := range worlds {
		if _, ok := wanted[world]; !ok {
			stale = append(stale, world)
			delete(worlds, world)
		}
	}
	var missing []*Active
	for _, record := range active {
		if !worlds[record.World.Name] {
			missing = append(missing, record)
		}
	}
	m.mu.Unlock()

	for _, world := range stale {
		m.bridge.Uninstall(view, host.ContentWorld{Name: world})
	}

	for _, record := range missing {
		if err := m.bridge.Install(view, record.World, record.Extension, false); err != nil {
			m.logger.Error("Failed to install message handlers",
				zap.String("view", view.ID().String()),
				zap.String("world", record.World.String()),
				zap.Error(err),
			)
			continue
		}
		m.mu.Lock()
		if m.validLocked(h) {
			m.slots[h.index].worlds[record.World.Name] = true
		}
		m.mu.Unlock()
	}

	for _, record := range active {
		m.bridge.Router().AddNode(record.Extension.ID, view, record.World, false, record.Token)

		source, err := m.bridge.Prelude(ctx, record.Extension, false, record.Token, true)
		if err != nil {
			m.logger.Error("Failed to render content prelude",
				zap.String("extension_id", record.Extension.ID.String()),
				zap.Error(err),
			)
			continue
		}
		view.AddUserScript(host.UserScript{
			Source:        source,
			InjectionTime: host.AtDocumentStart,
			MainFrameOnly: false,
			World:         record.World,
			Tag:           record.Extension.ID.String(),
		})
	}
}
