package node

// FieldSpec describes one node input. Every input is optional: scalars
// fall back to Default and model references may be omitted.
type FieldSpec struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description"`
}

// OutputSpec describes the node output record.
type OutputSpec struct {
	Type     string   `json:"type"`
	Required []string `json:"required"`
}

// UIConfig holds presentation hints for node pickers.
type UIConfig struct {
	Title    string   `json:"title"`
	Tags     []string `json:"tags"`
	Category string   `json:"category"`
}

// Schema describes a node version to the host.
type Schema struct {
	Type        string      `json:"type"`
	Version     string      `json:"version"`
	Description string      `json:"description"`
	UI          UIConfig    `json:"ui"`
	Inputs      []FieldSpec `json:"inputs"`
	Output      OutputSpec  `json:"output"`
}

// Input returns the named input spec.
func (s Schema) Input(name string) (FieldSpec, bool) {
	for _, f := range s.Inputs {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}
