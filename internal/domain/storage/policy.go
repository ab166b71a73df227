package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
)

// Policy holds administrator-provided managed storage, keyed by extension.
// Values are JSON text.
type Policy map[extension.ID]map[string]string

// LoadPolicyFile reads a managed storage policy. The format follows the file
// extension: .yaml/.yml, .toml or .json.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParsePolicy decodes a policy document of the given format
func ParsePolicy(data []byte, format string) (Policy, error) {
	var raw map[string]map[string]interface{}

	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML policy: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse TOML policy: %w", err)
		}
	case "json":
		if err := sonic.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}

	policy := make(Policy, len(raw))
	for id, values := range raw {
		items := make(map[string]string, len(values))
		for key, value := range values {
			encoded, err := sonic.MarshalString(value)
			if err != nil {
				return nil, fmt.Errorf("failed to encode policy value %s.%s: %w", id, key, err)
			}
			items[key] = encoded
		}
		policy[extension.ID(id)] = items
	}
	return policy, nil
}

// Extensions returns the extension IDs the policy covers, sorted
func (p Policy) Extensions() []extension.ID {
	ids := make([]extension.ID, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ManagedSeeder accepts managed storage contents
type ManagedSeeder interface {
	SeedManaged(ext extension.ID, items map[string]string) error
}

// Apply seeds every extension's managed values into s
func (p Policy) Apply(s ManagedSeeder) error {
	for _, id := range p.Extensions() {
		if err := s.SeedManaged(id, p[id]); err != nil {
			return fmt.Errorf("failed to seed managed storage for %s: %w", id, err)
		}
	}
	return nil
}
