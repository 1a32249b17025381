// Package lockedapp implements the fully resolved application manifest: the
// output of the Manifest Loader and Composer, and the input to the
// Capability Binder. It is the wire format that gets hashed, cached, and
// replayed across host runs.
package lockedapp

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// ServiceChainingKey, if present and required in HostRequirements, means the
// host must support local service chaining (*.internal) or reject the app.
const ServiceChainingKey = "local_service_chaining"

const (
	hostReqOptional = "optional"
	hostReqRequired = "required"
)

// supportedHostRequirements lists every host-requirement key this host
// understands. Any other required key fails deserialization.
var supportedHostRequirements = map[string]struct{}{
	ServiceChainingKey: {},
}

// MustUnderstand names a LockedApp field that this host must act on when
// present, or refuse to load the application.
type MustUnderstand string

// MustUnderstandHostRequirements is the only currently defined value: if
// present, the host must honor every key in HostRequirements.
const MustUnderstandHostRequirements MustUnderstand = "host_requirements"

// Variable describes a custom configuration variable declared by an app.
type Variable struct {
	Default *string `json:"default,omitempty"`
	Secret  bool    `json:"secret,omitempty"`
}

// ContentRef locates content for a Wasm source or a filesystem mount. At
// least one of Source, Inline, or Digest is expected to be set; which
// combinations are required is a matter for the component consuming it.
type ContentRef struct {
	Source *string `json:"source,omitempty"`
	Inline []byte  `json:"-"`
	Digest *string `json:"digest,omitempty"`
}

// contentRefWire mirrors ContentRef but carries Inline as base64 text, the
// form it actually takes on the wire.
type contentRefWire struct {
	Source *string `json:"source,omitempty"`
	Inline *string `json:"inline,omitempty"`
	Digest *string `json:"digest,omitempty"`
}

// MarshalJSON base64-encodes Inline, matching spin_serde::base64.
func (c ContentRef) MarshalJSON() ([]byte, error) {
	w := contentRefWire{Source: c.Source, Digest: c.Digest}
	if c.Inline != nil {
		s := base64Encode(c.Inline)
		w.Inline = &s
	}
	return json.Marshal(w)
}

func (c *ContentRef) UnmarshalJSON(data []byte) error {
	var w contentRefWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Source = w.Source
	c.Digest = w.Digest
	if w.Inline != nil {
		b, err := base64Decode(*w.Inline)
		if err != nil {
			return fmt.Errorf("lockedapp: invalid inline content: %w", err)
		}
		c.Inline = b
	} else {
		c.Inline = nil
	}
	return nil
}

// LockedComponentSource names a Wasm source by content type plus a
// ContentRef, flattened onto the same JSON object in the original format.
type LockedComponentSource struct {
	ContentType string `json:"content_type"`
	ContentRef
}

func (s LockedComponentSource) MarshalJSON() ([]byte, error) {
	ref, err := s.ContentRef.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return mergeFlatten([]byte(fmt.Sprintf(`{"content_type":%q}`, s.ContentType)), ref)
}

func (s *LockedComponentSource) UnmarshalJSON(data []byte) error {
	var head struct {
		ContentType string `json:"content_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	var ref ContentRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	s.ContentType = head.ContentType
	s.ContentRef = ref
	return nil
}

// ContentPath maps a ContentRef to a WASI filesystem path.
type ContentPath struct {
	ContentRef
	Path string `json:"path"`
}

func (p ContentPath) MarshalJSON() ([]byte, error) {
	ref, err := p.ContentRef.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return mergeFlatten([]byte(fmt.Sprintf(`{"path":%q}`, p.Path)), ref)
}

func (p *ContentPath) UnmarshalJSON(data []byte) error {
	var tail struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(data, &tail); err != nil {
		return err
	}
	var ref ContentRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	p.Path = tail.Path
	p.ContentRef = ref
	return nil
}

// InheritConfiguration selects which configuration values a dependency
// inherits from its parent component. The zero value is Some(nil), i.e.
// deny-all, matching the Rust Default impl.
type InheritConfiguration struct {
	All    bool
	Some   []string
	isSome bool
}

// InheritAll builds the All variant.
func InheritAll() InheritConfiguration { return InheritConfiguration{All: true} }

// InheritSome builds the Some(configs) variant. A nil/empty slice is
// deny-all.
func InheritSome(configs []string) InheritConfiguration {
	return InheritConfiguration{Some: configs, isSome: true}
}

// IsNone reports whether this is the default deny-all Some([]) variant,
// mirroring InheritConfiguration::is_none.
func (i InheritConfiguration) IsNone() bool {
	return !i.All && len(i.Some) == 0
}

func (i InheritConfiguration) MarshalJSON() ([]byte, error) {
	if i.All {
		return json.Marshal("All")
	}
	return json.Marshal(map[string][]string{"Some": i.Some})
}

func (i *InheritConfiguration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString != "All" {
			return fmt.Errorf("lockedapp: unknown InheritConfiguration variant %q", asString)
		}
		*i = InheritConfiguration{All: true}
		return nil
	}
	var asObject map[string][]string
	if err := json.Unmarshal(data, &asObject); err != nil {
		return fmt.Errorf("lockedapp: invalid InheritConfiguration: %w", err)
	}
	configs, ok := asObject["Some"]
	if !ok {
		return fmt.Errorf("lockedapp: InheritConfiguration object missing Some variant")
	}
	*i = InheritConfiguration{Some: configs, isSome: true}
	return nil
}

// LockedComponentDependency is a fully resolved component dependency.
type LockedComponentDependency struct {
	Source  LockedComponentSource `json:"source"`
	Export  *string               `json:"export,omitempty"`
	Inherit InheritConfiguration  `json:"inherit,omitempty"`
}

func (d LockedComponentDependency) MarshalJSON() ([]byte, error) {
	type alias LockedComponentDependency
	if d.Inherit.IsNone() {
		return json.Marshal(struct {
			Source LockedComponentSource `json:"source"`
			Export *string               `json:"export,omitempty"`
		}{d.Source, d.Export})
	}
	return json.Marshal(alias(d))
}

// LockedComponent is a fully resolved component: its Wasm source, its
// environment, its filesystem mounts, its config, and its dependency graph.
type LockedComponent struct {
	ID           string                                `json:"id"`
	Metadata     map[string]json.RawMessage           `json:"metadata,omitempty"`
	Source       LockedComponentSource                 `json:"source"`
	Env          map[string]string                     `json:"env,omitempty"`
	Files        []ContentPath                         `json:"files,omitempty"`
	Config       map[string]string                     `json:"config,omitempty"`
	Dependencies map[string]LockedComponentDependency   `json:"dependencies,omitempty"`
}

// LockedTrigger configures an application trigger of a given type.
type LockedTrigger struct {
	ID            string          `json:"id"`
	TriggerType   string          `json:"trigger_type"`
	TriggerConfig json.RawMessage `json:"trigger_config"`
}

// LockedApp is a fully resolved application: the output of loading and
// composing a manifest, ready to hand to the Capability Binder.
type LockedApp struct {
	MustUnderstand   []MustUnderstand           `json:"-"`
	Metadata         map[string]json.RawMessage `json:"-"`
	HostRequirements map[string]json.RawMessage `json:"-"`
	Variables        map[string]Variable        `json:"-"`
	Triggers         []LockedTrigger            `json:"-"`
	Components       []LockedComponent          `json:"-"`
}

type lockedAppWire struct {
	SpinLockVersion  int                       `json:"spin_lock_version"`
	MustUnderstand   []MustUnderstand          `json:"must_understand,omitempty"`
	Metadata         map[string]json.RawMessage  `json:"metadata,omitempty"`
	HostRequirements map[string]json.RawMessage  `json:"host_requirements,omitempty"`
	Variables        map[string]Variable       `json:"variables,omitempty"`
	Triggers         []LockedTrigger           `json:"triggers"`
	Components       []LockedComponent         `json:"components"`
}

// MarshalJSON emits schema version 0 when neither MustUnderstand nor
// HostRequirements is populated, and version 1 otherwise - the same
// backward-compatible switch the original format uses so that older hosts
// can keep reading locked apps that don't exercise the newer fields.
func (a LockedApp) MarshalJSON() ([]byte, error) {
	version := 0
	if len(a.MustUnderstand) > 0 || len(a.HostRequirements) > 0 {
		version = 1
	}
	w := lockedAppWire{
		SpinLockVersion:  version,
		MustUnderstand:   a.MustUnderstand,
		Metadata:         a.Metadata,
		HostRequirements: a.HostRequirements,
		Variables:        a.Variables,
		Triggers:         a.Triggers,
		Components:       a.Components,
	}
	if w.Triggers == nil {
		w.Triggers = []LockedTrigger{}
	}
	if w.Components == nil {
		w.Components = []LockedComponent{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts schema versions 0 and 1, rejects anything else,
// rejects must_understand entries this host doesn't recognize, and filters
// "optional" host requirements while rejecting unsupported "required" ones.
func (a *LockedApp) UnmarshalJSON(data []byte) error {
	var raw struct {
		SpinLockVersion  int                       `json:"spin_lock_version"`
		MustUnderstand   []string                  `json:"must_understand"`
		Metadata         map[string]json.RawMessage  `json:"metadata"`
		HostRequirements map[string]json.RawMessage  `json:"host_requirements"`
		Variables        map[string]Variable       `json:"variables"`
		Triggers         []LockedTrigger           `json:"triggers"`
		Components       []LockedComponent         `json:"components"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.SpinLockVersion != 0 && raw.SpinLockVersion != 1 {
		return fmt.Errorf("lockedapp: unsupported spin_lock_version %d", raw.SpinLockVersion)
	}

	understood := make([]MustUnderstand, 0, len(raw.MustUnderstand))
	for _, mu := range raw.MustUnderstand {
		if mu != string(MustUnderstandHostRequirements) {
			return fmt.Errorf("lockedapp: unknown must_understand field %q", mu)
		}
		understood = append(understood, MustUnderstand(mu))
	}

	hostReqs := make(map[string]json.RawMessage, len(raw.HostRequirements))
	var unsupported []string
	for k, v := range raw.HostRequirements {
		var asString string
		if json.Unmarshal(v, &asString) == nil && asString == hostReqOptional {
			continue
		}
		if _, ok := supportedHostRequirements[k]; !ok {
			unsupported = append(unsupported, k)
			continue
		}
		hostReqs[k] = v
	}
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return fmt.Errorf("this host does not support the following features required by this application: %v", unsupported)
	}

	a.MustUnderstand = understood
	a.Metadata = raw.Metadata
	a.HostRequirements = hostReqs
	a.Variables = raw.Variables
	a.Triggers = raw.Triggers
	a.Components = raw.Components
	if a.Triggers == nil {
		a.Triggers = []LockedTrigger{}
	}
	if a.Components == nil {
		a.Components = []LockedComponent{}
	}
	return nil
}

// FromJSON parses a LockedApp document.
func FromJSON(contents []byte) (*LockedApp, error) {
	var a LockedApp
	if err := json.Unmarshal(contents, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ToJSON serializes the LockedApp into canonical JSON (RFC 8785), so that
// two semantically identical apps hash to the same bytes regardless of
// struct-field iteration order.
func (a LockedApp) ToJSON() ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// EnsureNeedsOnly checks that the app has no host requirements outside the
// supported set, returning an error that lists the unmet requirements in
// sorted order.
func (a *LockedApp) EnsureNeedsOnly(supported []string) error {
	supportedSet := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		supportedSet[s] = struct{}{}
	}
	var unmet []string
	for k := range a.HostRequirements {
		if _, ok := supportedSet[k]; !ok {
			unmet = append(unmet, k)
		}
	}
	if len(unmet) == 0 {
		return nil
	}
	sort.Strings(unmet)
	return fmt.Errorf("unmet host requirements: %v", unmet)
}
