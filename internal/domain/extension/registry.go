package extension

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
)

var (
	ErrAlreadyRegistered = errors.New("extension already registered")
	ErrNotRegistered     = errors.New("extension not registered")
)

// Registry manages registered extensions
type Registry struct {
	mu         sync.RWMutex
	extensions map[ID]*Extension
	loader     Loader
	logger     *logging.Logger
}

// NewRegistry creates a registry. A nil loader reads manifest.json from disk.
func NewRegistry(loader Loader, logger *logging.Logger) *Registry {
	if loader == nil {
		loader = FileLoader{}
	}
	return &Registry{
		extensions: make(map[ID]*Extension),
		loader:     loader,
		logger:     logging.OrNop(logger).Named("registry"),
	}
}

// Register loads the extension at path and adds it to the registry
func (r *Registry) Register(path string) (*Extension, error) {
	ext, err := Load(path, r.loader)
	if err != nil {
		return nil, fmt.Errorf("failed to load extension at %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.extensions[ext.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, ext.ID)
	}
	r.extensions[ext.ID] = ext

	r.logger.Info("Extension registered",
		zap.String("extension_id", ext.ID.String()),
		zap.String("name", ext.Manifest.Name),
		zap.String("version", ext.Manifest.Version),
		zap.Int("content_scripts", len(ext.ContentScripts)),
		zap.Bool("background", ext.HasBackground()),
		zap.Strings("unknown_permissions", ext.Permissions.Unknown()),
	)
	return ext, nil
}

// Add inserts an already built record
func (r *Registry) Add(ext *Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.extensions[ext.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, ext.ID)
	}
	r.extensions[ext.ID] = ext
	return nil
}

// Unregister removes an extension
func (r *Registry) Unregister(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.extensions[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(r.extensions, id)
	r.logger.Info("Extension unregistered", zap.String("extension_id", id.String()))
	return nil
}

// Get retrieves an extension by ID
func (r *Registry) Get(id ID) (*Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.extensions[id]
	return ext, ok
}

// List returns all registered extensions ordered by ID
func (r *Registry) List() []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Extension, 0, len(r.extensions))
	for _, ext := range r.extensions {
		out = append(out, ext)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered extensions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.extensions)
}

// Discover returns every directory under root that contains a manifest,
// sorted. Nested extensions inside an extension are not descended into.
func Discover(ctx context.Context, root string) ([]string, error) {
	var (
		mu   sync.Mutex
		dirs []string
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil || d.IsDir() || d.Name() != ManifestFile {
			return nil
		}

		mu.Lock()
		dirs = append(dirs, filepath.Dir(p))
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	sort.Strings(dirs)
	return pruneNested(dirs), nil
}

func pruneNested(sorted []string) []string {
	out := make([]string, 0, len(sorted))
outer:
	for _, dir := range sorted {
		for _, parent := range out {
			if rel, err := filepath.Rel(parent, dir); err == nil && filepath.IsLocal(rel) {
				continue outer
			}
		}
		out = append(out, dir)
	}
	return out
}

// RegisterAll registers every extension found under root, logging and
// skipping the ones that fail to load.
func (r *Registry) RegisterAll(ctx context.Context, root string) ([]*Extension, error) {
	dirs, err := Discover(ctx, root)
	if err != nil {
		return nil, err
	}

	var registered []*Extension
	for _, dir := range dirs {
		ext, err := r.Register(dir)
		if err != nil {
			r.logger.Warn("Skipping extension", zap.String("path", dir), zap.Error(err))
			continue
		}
		registered = append(registered, ext)
	}
	return registered, nil
}
