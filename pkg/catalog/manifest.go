// Package catalog describes the tools a worker exposes, filtered per session
// capability set and served under a negotiated API version.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/harun/toolrelay/pkg/protocol"
)

// Response headers carried by metadata endpoints.
const (
	HeaderAcceptVersion       = "Accept-Version"
	HeaderAPIVersion          = "API-Version"
	HeaderToolManifestVersion = "Tool-Manifest-Version"
	HeaderSupportedVersions   = "Supported-Versions"
)

// DefaultAPIVersion is served when a manifest declares none.
const DefaultAPIVersion = "1.0.0"

// Tool is one manifest entry.
type Tool struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description" json:"description"`
	Capability  string                 `yaml:"capability,omitempty" json:"capability,omitempty"`
	InputSchema map[string]interface{} `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
}

// RequiredCapability returns the capability gating the tool, BASE when unset.
func (t Tool) RequiredCapability() string {
	if c := protocol.NormalizeCapability(t.Capability); c != "" {
		return c
	}
	return protocol.DefaultCapability
}

// Manifest is the full tool catalog.
type Manifest struct {
	APIVersion          string   `yaml:"apiVersion" json:"apiVersion"`
	ToolManifestVersion string   `yaml:"toolManifestVersion,omitempty" json:"toolManifestVersion,omitempty"`
	SupportedVersions   []string `yaml:"supportedVersions,omitempty" json:"supportedVersions,omitempty"`
	Tools               []Tool   `yaml:"tools" json:"tools"`
}

// Validate checks versions and tool entries.
func (m Manifest) Validate() error {
	if _, err := semver.NewVersion(m.apiVersion()); err != nil {
		return fmt.Errorf("invalid apiVersion %q: %w", m.APIVersion, err)
	}
	for _, v := range m.SupportedVersions {
		if _, err := semver.NewVersion(v); err != nil {
			return fmt.Errorf("invalid supported version %q: %w", v, err)
		}
	}
	seen := make(map[string]bool, len(m.Tools))
	for i, tool := range m.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return fmt.Errorf("tool %d: name cannot be empty", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate tool %q", name)
		}
		seen[name] = true
	}
	return nil
}

func (m Manifest) apiVersion() string {
	if m.APIVersion == "" {
		return DefaultAPIVersion
	}
	return m.APIVersion
}

// Versions returns every version the manifest can be served as, newest first.
func (m Manifest) Versions() []string {
	set := map[string]*semver.Version{}
	for _, raw := range append([]string{m.apiVersion()}, m.SupportedVersions...) {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		set[v.String()] = v
	}
	versions := make([]*semver.Version, 0, len(set))
	for _, v := range set {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(semver.Collection(versions)))

	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.String()
	}
	return out
}

// Negotiate picks the version to serve for an Accept-Version value. Empty
// means the newest. A plain version must match exactly; anything else is
// read as a constraint such as "^1" or ">=1.2, <2" and resolves to the newest
// matching version.
func (m Manifest) Negotiate(accept string) (string, error) {
	versions := m.Versions()
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return versions[0], nil
	}

	if want, err := semver.StrictNewVersion(strings.TrimPrefix(accept, "v")); err == nil {
		for _, raw := range versions {
			if semver.MustParse(raw).Equal(want) {
				return raw, nil
			}
		}
		return "", fmt.Errorf("%w: %s", protocol.ErrVersionNotSupported, accept)
	}

	constraint, err := semver.NewConstraint(accept)
	if err != nil {
		return "", fmt.Errorf("%w: %s", protocol.ErrVersionNotSupported, accept)
	}
	for _, raw := range versions {
		if constraint.Check(semver.MustParse(raw)) {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%w: %s", protocol.ErrVersionNotSupported, accept)
}

// Filter returns a copy holding only the tools caps grants.
func (m Manifest) Filter(caps protocol.CapabilitySet) Manifest {
	out := m
	out.Tools = make([]Tool, 0, len(m.Tools))
	for _, tool := range m.Tools {
		if caps.Has(tool.RequiredCapability()) {
			out.Tools = append(out.Tools, tool)
		}
	}
	return out
}

// ToolNames lists the tool names in manifest order.
func (m Manifest) ToolNames() []string {
	names := make([]string, len(m.Tools))
	for i, tool := range m.Tools {
		names[i] = tool.Name
	}
	return names
}

// Merge returns m with extra's tools appended where m has no tool of the
// same name.
func (m Manifest) Merge(extra Manifest) Manifest {
	out := m
	out.Tools = append([]Tool(nil), m.Tools...)
	have := make(map[string]bool, len(m.Tools))
	for _, tool := range m.Tools {
		have[tool.Name] = true
	}
	for _, tool := range extra.Tools {
		if !have[tool.Name] {
			out.Tools = append(out.Tools, tool)
		}
	}
	return out
}
