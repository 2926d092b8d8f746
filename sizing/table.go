package sizing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Native dimension defaults
const (
	DefaultNativeDimension = 512
	SD2NativeDimension     = 768
	SDXLNativeDimension    = 1024
)

// FamilyTable maps model families to their native (square) training dimension.
// A FamilyTable is immutable once built; use With to derive extended tables.
type FamilyTable struct {
	fallback int
	dims     map[ModelFamily]int
}

// FamilyEntry is a single row of a FamilyTable, ordered by family tag.
type FamilyEntry struct {
	Family    ModelFamily `json:"family" yaml:"family"`
	Dimension int         `json:"dimension" yaml:"dimension"`
}

// tableFile is the on-disk YAML layout of a family table.
type tableFile struct {
	DefaultDimension int            `yaml:"default_dimension"`
	Families         map[string]int `yaml:"families"`
}

// DefaultFamilyTable returns the built-in table.
func DefaultFamilyTable() *FamilyTable {
	return &FamilyTable{
		fallback: DefaultNativeDimension,
		dims: map[ModelFamily]int{
			StableDiffusion1:  DefaultNativeDimension,
			StableDiffusion2:  SD2NativeDimension,
			StableDiffusionXL: SDXLNativeDimension,
		},
	}
}

// NativeDimension returns the native dimension for a family, or the
// table fallback if the family is not listed.
func (t *FamilyTable) NativeDimension(f ModelFamily) int {
	if d, ok := t.dims[f]; ok {
		return d
	}
	return t.fallback
}

// Fallback returns the dimension used for unknown families.
func (t *FamilyTable) Fallback() int {
	return t.fallback
}

// Has reports whether the family has an explicit entry.
func (t *FamilyTable) Has(f ModelFamily) bool {
	_, ok := t.dims[f]
	return ok
}

// With returns a copy of the table with the given entries added or replaced.
func (t *FamilyTable) With(entries map[ModelFamily]int) (*FamilyTable, error) {
	out := &FamilyTable{
		fallback: t.fallback,
		dims:     make(map[ModelFamily]int, len(t.dims)+len(entries)),
	}
	for f, d := range t.dims {
		out.dims[f] = d
	}
	for f, d := range entries {
		if d <= 0 {
			return nil, fmt.Errorf("%w: family %q has non-positive dimension %d", ErrInvalidTable, f, d)
		}
		out.dims[ParseModelFamily(string(f))] = d
	}
	return out, nil
}

// WithFallback returns a copy of the table with a different fallback dimension.
func (t *FamilyTable) WithFallback(dim int) (*FamilyTable, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: default dimension must be positive, got %d", ErrInvalidTable, dim)
	}
	out, err := t.With(nil)
	if err != nil {
		return nil, err
	}
	out.fallback = dim
	return out, nil
}

// Entries returns all explicit entries sorted by family tag.
func (t *FamilyTable) Entries() []FamilyEntry {
	entries := make([]FamilyEntry, 0, len(t.dims))
	for f, d := range t.dims {
		entries = append(entries, FamilyEntry{Family: f, Dimension: d})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Family < entries[j].Family
	})
	return entries
}

// ParseFamilyTable decodes a YAML table and merges it over the built-in table.
//
// Example:
//
//	default_dimension: 512
//	families:
//	  sd-3: 1024
//	  flux: 1024
func ParseFamilyTable(data []byte) (*FamilyTable, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}

	table := DefaultFamilyTable()
	if file.DefaultDimension != 0 {
		var err error
		if table, err = table.WithFallback(file.DefaultDimension); err != nil {
			return nil, err
		}
	}

	entries := make(map[ModelFamily]int, len(file.Families))
	for tag, dim := range file.Families {
		entries[ModelFamily(tag)] = dim
	}
	return table.With(entries)
}

// LoadFamilyTable reads a YAML family table from path.
// An empty path returns the built-in table.
func LoadFamilyTable(path string) (*FamilyTable, error) {
	if path == "" {
		return DefaultFamilyTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read family table %s: %w", path, err)
	}
	table, err := ParseFamilyTable(data)
	if err != nil {
		return nil, fmt.Errorf("family table %s: %w", path, err)
	}
	return table, nil
}
