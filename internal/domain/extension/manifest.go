package extension

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// ManifestFile is the manifest file name inside an extension directory
const ManifestFile = "manifest.json"

// SupportedManifestVersion is the only manifest_version accepted
const SupportedManifestVersion = 3

// ErrInvalidManifest is wrapped by every manifest validation failure
var ErrInvalidManifest = errors.New("invalid manifest")

// RunAt is the content script injection timing
type RunAt string

const (
	RunAtDocumentStart RunAt = "document_start"
	RunAtDocumentEnd   RunAt = "document_end"
	RunAtDocumentIdle  RunAt = "document_idle"
)

// Manifest holds the manifest fields the runtime consumes
type Manifest struct {
	ManifestVersion        int                     `json:"manifest_version"`
	Name                   string                  `json:"name"`
	Version                string                  `json:"version"`
	Description            string                  `json:"description,omitempty"`
	Permissions            []string                `json:"permissions,omitempty"`
	HostPermissions        []string                `json:"host_permissions,omitempty"`
	ContentScripts         []ContentScriptConfig   `json:"content_scripts,omitempty"`
	Background             *BackgroundConfig       `json:"background,omitempty"`
	WebAccessibleResources []WebAccessibleResource `json:"web_accessible_resources,omitempty"`
}

// ContentScriptConfig is one content_scripts entry
type ContentScriptConfig struct {
	Matches        []string `json:"matches"`
	ExcludeMatches []string `json:"exclude_matches,omitempty"`
	JS             []string `json:"js,omitempty"`
	RunAt          RunAt    `json:"run_at,omitempty"`
	AllFrames      bool     `json:"all_frames,omitempty"`
}

// BackgroundConfig is the background entry
type BackgroundConfig struct {
	ServiceWorker string   `json:"service_worker,omitempty"`
	Scripts       []string `json:"scripts,omitempty"`
	Persistent    *bool    `json:"persistent,omitempty"`
}

// WebAccessibleResource is one web_accessible_resources entry
type WebAccessibleResource struct {
	Resources []string `json:"resources"`
	Matches   []string `json:"matches,omitempty"`
}

// Validate checks the constraints the runtime relies on
func (m *Manifest) Validate() error {
	if m.ManifestVersion != SupportedManifestVersion {
		return fmt.Errorf("%w: manifest_version must be %d, got %d", ErrInvalidManifest, SupportedManifestVersion, m.ManifestVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	for i, cs := range m.ContentScripts {
		if len(cs.Matches) == 0 {
			return fmt.Errorf("%w: content_scripts[%d] has no matches", ErrInvalidManifest, i)
		}
		switch cs.RunAt {
		case "", RunAtDocumentStart, RunAtDocumentEnd, RunAtDocumentIdle:
		default:
			return fmt.Errorf("%w: content_scripts[%d] has unknown run_at %q", ErrInvalidManifest, i, cs.RunAt)
		}
	}
	if bg := m.Background; bg != nil && bg.ServiceWorker != "" && len(bg.Scripts) > 0 {
		return fmt.Errorf("%w: background declares both service_worker and scripts", ErrInvalidManifest)
	}
	return nil
}

// Loader reads and validates a manifest from an extension directory
type Loader interface {
	Load(dir string) (*Manifest, error)
}

// FileLoader loads manifest.json from disk
type FileLoader struct{}

// Load implements Loader
func (FileLoader) Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest JSON
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
