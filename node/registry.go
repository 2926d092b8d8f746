package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"idealsize/sizing"

	"golang.org/x/mod/semver"
)

// Output is a node result record.
type Output interface {
	OutputType() string
}

// Invocation is a decoded node instance ready to run.
type Invocation interface {
	Validate() error
	Invoke(ctx context.Context, ic *InvocationContext) (Output, error)
}

// Defaults are the input values applied when a payload omits a field.
type Defaults struct {
	Width      int
	Height     int
	Multiplier float64
}

// DefaultInputs returns the stock defaults (1024x576, multiplier 1).
func DefaultInputs() Defaults {
	return Defaults{Width: 1024, Height: 576, Multiplier: sizing.DefaultMultiplier}
}

// Definition registers one version of a node type.
type Definition struct {
	Type    string
	Version string // semantic version without the "v" prefix
	Schema  func(Defaults) Schema
	// New returns an invocation pre-populated with defaults, ready to decode into.
	New func(Defaults) Invocation
}

// Registry holds node definitions by type and version.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]map[string]Definition
	defaults Defaults
}

// NewRegistry creates an empty registry.
func NewRegistry(defaults Defaults) *Registry {
	return &Registry{
		defs:     make(map[string]map[string]Definition),
		defaults: defaults,
	}
}

// NewDefaultRegistry creates a registry with every built-in node registered.
func NewDefaultRegistry(defaults Defaults) (*Registry, error) {
	r := NewRegistry(defaults)
	for _, def := range IdealSizeDefinitions() {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("node type is required")
	}
	if !semver.IsValid("v" + def.Version) {
		return fmt.Errorf("node %s: invalid version %q", def.Type, def.Version)
	}
	if def.New == nil || def.Schema == nil {
		return fmt.Errorf("node %s@%s: New and Schema are required", def.Type, def.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.defs[def.Type]
	if !ok {
		versions = make(map[string]Definition)
		r.defs[def.Type] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("%w: %s@%s", ErrDuplicateNode, def.Type, def.Version)
	}
	versions[def.Version] = def
	return nil
}

// Lookup returns the definition for a type and version.
// An empty version selects the newest one.
func (r *Registry) Lookup(nodeType, version string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.defs[nodeType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeType)
	}

	if version == "" {
		var latest Definition
		for v, def := range versions {
			if latest.Version == "" || semver.Compare("v"+v, "v"+latest.Version) > 0 {
				latest = def
			}
		}
		return latest, nil
	}

	def, ok := versions[version]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s@%s", ErrUnknownNode, nodeType, version)
	}
	return def, nil
}

// Schemas lists every registered node version, ordered by type then version.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := []Schema{}
	for _, versions := range r.defs {
		for _, def := range versions {
			schemas = append(schemas, def.Schema(r.defaults))
		}
	}
	sort.Slice(schemas, func(i, j int) bool {
		if schemas[i].Type != schemas[j].Type {
			return schemas[i].Type < schemas[j].Type
		}
		return semver.Compare("v"+schemas[i].Version, "v"+schemas[j].Version) < 0
	})
	return schemas
}

// Decode builds an invocation from a JSON payload, applying defaults for
// omitted inputs. An empty payload yields all defaults.
func (r *Registry) Decode(nodeType, version string, payload []byte) (Invocation, error) {
	def, err := r.Lookup(nodeType, version)
	if err != nil {
		return nil, err
	}

	inv := def.New(r.defaults)
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return inv, nil
	}

	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if header.Type != "" && header.Type != nodeType {
		return nil, fmt.Errorf("%w: payload type %q does not match node %q", ErrInvalidInput, header.Type, nodeType)
	}

	if err := json.Unmarshal(payload, inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return inv, nil
}

// Invoke decodes the payload and runs the invocation.
func (r *Registry) Invoke(ctx context.Context, ic *InvocationContext, nodeType, version string, payload []byte) (Output, error) {
	inv, err := r.Decode(nodeType, version, payload)
	if err != nil {
		return nil, err
	}
	return inv.Invoke(ctx, ic)
}
