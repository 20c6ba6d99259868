package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"simswap.dev/internal/hotswap/hotswaperr"
	"simswap.dev/internal/hotswap/version"
)

// Manifest is the on-disk description of a loadable module. It is validated
// against manifestSchema before a descriptor is built from it.
type Manifest struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Author       string        `json:"author,omitempty"`
	Version      string        `json:"version"`
	Path         string        `json:"path,omitempty"`
	Flags        []string      `json:"flags,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Requirements []string      `json:"requirements,omitempty"`
	Dependencies []ManifestDep `json:"dependencies,omitempty"`
}

type ManifestDep struct {
	Name         string   `json:"name"`
	Range        string   `json:"range"`
	RequiredCaps []string `json:"required_caps,omitempty"`
	Optional     bool     `json:"optional,omitempty"`
}

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 64},
    "description": {"type": "string"},
    "author": {"type": "string"},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+(\\+[0-9]+)?$"},
    "path": {"type": "string"},
    "flags": {"type": "array", "items": {"type": "string"}},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "requirements": {"type": "array", "items": {"type": "string"}},
    "dependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "range"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "range": {"type": "string", "minLength": 1},
          "required_caps": {"type": "array", "items": {"type": "string"}},
          "optional": {"type": "boolean"}
        }
      }
    }
  }
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchema)

var versionFlagNames = map[string]version.Flags{
	"stable":       version.Stable,
	"beta":         version.Beta,
	"alpha":        version.Alpha,
	"dev":          version.Development,
	"hotfix":       version.Hotfix,
	"breaking":     version.Breaking,
	"deprecated":   version.Deprecated,
	"security":     version.Security,
	"experimental": version.Experimental,
	"lts":          version.LTS,
	"prerelease":   version.Prerelease,
	"snapshot":     version.Snapshot,
}

// ParseManifest validates raw JSON against the manifest schema and builds a
// descriptor. The Hooks field is left nil; the loader fills it in.
func ParseManifest(raw []byte) (*Descriptor, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("manifest: %w: %v", hotswaperr.ErrInvalidArgument, err)
	}
	if err := compiledManifestSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("manifest schema: %w: %v", hotswaperr.ErrInvalidArgument, err)
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: %w: %v", hotswaperr.ErrInvalidArgument, err)
	}

	v, err := version.Parse(m.Version)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	for _, f := range m.Flags {
		bit, ok := versionFlagNames[f]
		if !ok {
			return nil, fmt.Errorf("manifest: unknown version flag %q: %w", f, hotswaperr.ErrInvalidArgument)
		}
		v.Flags |= bit
	}

	d := &Descriptor{
		Name:        m.Name,
		Description: m.Description,
		Author:      m.Author,
		Version:     v,
		Path:        m.Path,
	}
	for _, c := range m.Capabilities {
		bit := CapabilityFromName(c)
		if bit == 0 {
			return nil, fmt.Errorf("manifest: unknown capability %q: %w", c, hotswaperr.ErrInvalidArgument)
		}
		d.Capabilities |= bit
	}
	for _, c := range m.Requirements {
		bit := CapabilityFromName(c)
		if bit == 0 {
			return nil, fmt.Errorf("manifest: unknown requirement %q: %w", c, hotswaperr.ErrInvalidArgument)
		}
		d.Requirements |= bit
	}
	for _, md := range m.Dependencies {
		cons, err := version.ParseConstraint(md.Range)
		if err != nil {
			return nil, fmt.Errorf("manifest dependency %q: %w", md.Name, err)
		}
		dep := Dependency{
			Name:     md.Name,
			Min:      cons.Min,
			Optional: md.Optional,
		}
		if cons.HasMax {
			dep.Max = cons.Max
		} else {
			dep.Max = version.Version{Major: ^uint32(0), Minor: ^uint32(0), Patch: ^uint32(0), Build: ^uint32(0)}
		}
		for _, c := range md.RequiredCaps {
			bit := CapabilityFromName(c)
			if bit == 0 {
				return nil, fmt.Errorf("manifest dependency %q: unknown capability %q: %w",
					md.Name, c, hotswaperr.ErrInvalidArgument)
			}
			dep.RequiredCaps |= bit
		}
		d.Dependencies = append(d.Dependencies, dep)
	}
	return d, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	d, err := ParseManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	// Path names the module's code; a manifest that does not declare one is
	// assumed to sit next to its code.
	if d.Path == "" {
		d.Path = path
	}
	return d, nil
}
