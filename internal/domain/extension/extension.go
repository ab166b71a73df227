// Package extension holds registered extension records.
//
// An Extension is built once at registration: the manifest is loaded through a
// Loader, match patterns are parsed, and every content and background script
// source is read from disk eagerly. After that the record is immutable and is
// shared freely between the world manager, the background host and handlers.
package extension

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GriffinCanCode/webext/internal/domain/permission"
	"github.com/GriffinCanCode/webext/internal/shared/utils"
)

// ID is the content-addressed extension identifier
type ID string

func (id ID) String() string { return string(id) }

// IDFromPath derives the identifier for an install path
func IDFromPath(path string) (ID, error) {
	s, err := utils.NewExtensionIdentifier(nil).FromPath(path)
	if err != nil {
		return "", err
	}
	return ID(s), nil
}

// ScriptSource is one script file with its text already loaded
type ScriptSource struct {
	Path string
	Code string
}

// ContentScript is a content_scripts entry with parsed patterns and sources
type ContentScript struct {
	Matches        []*permission.MatchPattern
	ExcludeMatches []*permission.MatchPattern
	RunAt          RunAt
	AllFrames      bool
	Scripts        []ScriptSource
}

// MatchesURL reports whether the content script should run on rawURL
func (cs ContentScript) MatchesURL(rawURL string) bool {
	return permission.MatchAny(cs.Matches, rawURL) && !permission.MatchAny(cs.ExcludeMatches, rawURL)
}

// BackgroundScript holds the loaded background sources
type BackgroundScript struct {
	Scripts       []ScriptSource
	ServiceWorker bool
	Persistent    bool
}

// Extension is a registered extension record
type Extension struct {
	ID             ID
	Path           string
	Manifest       *Manifest
	ContentScripts []ContentScript
	Background     *BackgroundScript
	Permissions    *permission.Set
}

// HasBackground reports whether the extension declares a background script
func (e *Extension) HasBackground() bool {
	return e.Background != nil && len(e.Background.Scripts) > 0
}

// Load builds an Extension record from the directory at path
func Load(path string, loader Loader) (*Extension, error) {
	if loader == nil {
		loader = FileLoader{}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve extension path: %w", err)
	}

	id, err := IDFromPath(abs)
	if err != nil {
		return nil, err
	}

	manifest, err := loader.Load(abs)
	if err != nil {
		return nil, err
	}

	ext := &Extension{
		ID:             id,
		Path:           abs,
		Manifest:       manifest,
		ContentScripts: []ContentScript{},
		Permissions:    permission.NewSet(manifest.Permissions, manifest.HostPermissions),
	}

	for i, cfg := range manifest.ContentScripts {
		cs, err := loadContentScript(abs, cfg)
		if err != nil {
			return nil, fmt.Errorf("content_scripts[%d]: %w", i, err)
		}
		ext.ContentScripts = append(ext.ContentScripts, cs)
	}

	if bg := manifest.Background; bg != nil {
		loaded, err := loadBackground(abs, bg)
		if err != nil {
			return nil, fmt.Errorf("background: %w", err)
		}
		ext.Background = loaded
	}

	return ext, nil
}

func loadContentScript(root string, cfg ContentScriptConfig) (ContentScript, error) {
	cs := ContentScript{
		RunAt:     cfg.RunAt,
		AllFrames: cfg.AllFrames,
	}
	if cs.RunAt == "" {
		cs.RunAt = RunAtDocumentIdle
	}

	for _, raw := range cfg.Matches {
		mp, err := permission.ParseMatchPattern(raw)
		if err != nil {
			return cs, err
		}
		cs.Matches = append(cs.Matches, mp)
	}
	for _, raw := range cfg.ExcludeMatches {
		mp, err := permission.ParseMatchPattern(raw)
		if err != nil {
			return cs, err
		}
		cs.ExcludeMatches = append(cs.ExcludeMatches, mp)
	}

	for _, rel := range cfg.JS {
		src, err := ReadResource(root, rel)
		if err != nil {
			return cs, err
		}
		cs.Scripts = append(cs.Scripts, ScriptSource{Path: rel, Code: string(src)})
	}
	return cs, nil
}

func loadBackground(root string, cfg *BackgroundConfig) (*BackgroundScript, error) {
	bg := &BackgroundScript{
		ServiceWorker: cfg.ServiceWorker != "",
		Persistent:    cfg.Persistent != nil && *cfg.Persistent,
	}

	files := cfg.Scripts
	if cfg.ServiceWorker != "" {
		files = []string{cfg.ServiceWorker}
	}
	for _, rel := range files {
		src, err := ReadResource(root, rel)
		if err != nil {
			return nil, err
		}
		bg.Scripts = append(bg.Scripts, ScriptSource{Path: rel, Code: string(src)})
	}
	return bg, nil
}

// ResolveResource maps a manifest-relative path into root, refusing escapes
func ResolveResource(root, rel string) (string, error) {
	clean := strings.TrimLeft(filepath.FromSlash(rel), `/\`)
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("resource %q escapes the extension directory", rel)
	}
	return filepath.Join(root, clean), nil
}

// ReadResource reads a manifest-relative file
func ReadResource(root, rel string) ([]byte, error) {
	full, err := ResolveResource(root, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}
