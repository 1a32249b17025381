// Package manifest parses the declarative application manifest (the
// hand-authored YAML file a developer writes) and resolves it into a
// lockedapp.LockedApp: the fully resolved form the kernel actually runs.
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// AppManifest is the declarative, developer-authored application
// description, analogous to a docker-compose.yml for components.
type AppManifest struct {
	ManifestVersion int                         `yaml:"manifest_version"`
	Application     AppDetails                  `yaml:"application"`
	Variables       map[string]VariableDecl     `yaml:"variables,omitempty"`
	Triggers        map[string][]TriggerDecl    `yaml:"triggers,omitempty"`
	Components      map[string]ComponentManifest `yaml:"components"`
}

// AppDetails holds top-level application metadata.
type AppDetails struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Authors     []string `yaml:"authors,omitempty"`
}

// VariableDecl declares a custom configuration variable.
type VariableDecl struct {
	Default  *string `yaml:"default,omitempty"`
	Required bool    `yaml:"required,omitempty"`
	Secret   bool    `yaml:"secret,omitempty"`
}

// TriggerDecl configures one trigger instance of a given type.
type TriggerDecl struct {
	ID         string                 `yaml:"id,omitempty"`
	Component  string                 `yaml:"component,omitempty"`
	Components map[string][]string    `yaml:"components,omitempty"`
	Config     map[string]interface{} `yaml:",inline"`
}

// ComponentSource is either a local file path or a remote URL with a
// required sha256 digest.
type ComponentSource struct {
	Local  string `yaml:"-"`
	Remote string `yaml:"-"`
	Digest string `yaml:"-"`
}

// UnmarshalYAML accepts either a bare string (local path) or a mapping with
// `url` and `digest` keys (remote source).
func (s *ComponentSource) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		s.Local = asString
		return nil
	}
	var asRemote struct {
		URL    string `yaml:"url"`
		Digest string `yaml:"digest"`
	}
	if err := value.Decode(&asRemote); err != nil {
		return fmt.Errorf("manifest: invalid component source: %w", err)
	}
	if asRemote.URL == "" {
		return fmt.Errorf("manifest: remote component source missing `url`")
	}
	s.Remote = asRemote.URL
	s.Digest = asRemote.Digest
	return nil
}

// IsRemote reports whether this source names a remote URL.
func (s ComponentSource) IsRemote() bool { return s.Remote != "" }

// WasiFilesMount is either a bare glob/path pattern, or a
// source/destination placement.
type WasiFilesMount struct {
	Pattern     string `yaml:"-"`
	Source      string `yaml:"-"`
	Destination string `yaml:"-"`
	isPlacement bool
}

// IsPlacement reports whether this mount names an explicit
// source/destination pair rather than a bare pattern.
func (m WasiFilesMount) IsPlacement() bool { return m.isPlacement }

func (m *WasiFilesMount) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		m.Pattern = asString
		return nil
	}
	var asPlacement struct {
		Source      string `yaml:"source"`
		Destination string `yaml:"destination"`
	}
	if err := value.Decode(&asPlacement); err != nil {
		return fmt.Errorf("manifest: invalid files entry: %w", err)
	}
	m.Source = asPlacement.Source
	m.Destination = asPlacement.Destination
	m.isPlacement = true
	return nil
}

// ComponentManifest is a single component's declarative configuration.
type ComponentManifest struct {
	Description     string                 `yaml:"description,omitempty"`
	Source          ComponentSource        `yaml:"source"`
	Environment     map[string]string      `yaml:"environment,omitempty"`
	Files           []WasiFilesMount       `yaml:"files,omitempty"`
	ExcludeFiles    []string               `yaml:"exclude_files,omitempty"`
	AllowedHosts    []string               `yaml:"allowed_outbound_hosts,omitempty"`
	KeyValueStores  []string               `yaml:"key_value_stores,omitempty"`
	SqliteDatabases []string               `yaml:"sqlite_databases,omitempty"`
	AIModels        []string               `yaml:"ai_models,omitempty"`
	Variables       map[string]string      `yaml:"variables,omitempty"`
	Build           map[string]interface{} `yaml:"build,omitempty"`
	Dependencies    map[string]DependencyManifest `yaml:"dependencies,omitempty"`
}

// DependencyManifest declares one component dependency.
type DependencyManifest struct {
	Source  ComponentSource `yaml:"-"`
	Export  string          `yaml:"export,omitempty"`
	Inherit interface{}     `yaml:"inherit,omitempty"`
}

func (d *DependencyManifest) UnmarshalYAML(value *yaml.Node) error {
	var asSource ComponentSource
	if err := value.Decode(&asSource); err == nil && (asSource.Local != "" || asSource.Remote != "") {
		d.Source = asSource
		return nil
	}
	var full struct {
		Source  ComponentSource `yaml:"source"`
		Export  string          `yaml:"export,omitempty"`
		Inherit interface{}     `yaml:"inherit,omitempty"`
	}
	if err := value.Decode(&full); err != nil {
		return fmt.Errorf("manifest: invalid dependency entry: %w", err)
	}
	d.Source = full.Source
	d.Export = full.Export
	d.Inherit = full.Inherit
	return nil
}

// ParseManifest parses a declarative manifest document, validating its
// gross structure against the manifest JSON Schema before decoding it
// strongly-typed.
func ParseManifest(data []byte) (*AppManifest, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if err := ValidateStructure(raw); err != nil {
		return nil, err
	}

	var m AppManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	if len(m.Components) == 0 {
		return nil, fmt.Errorf("manifest: at least one component is required")
	}
	return &m, nil
}
