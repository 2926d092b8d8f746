package sizing

import "strings"

// ModelFamily identifies the base model a pipeline was built from.
// The value is the host's base model tag, so families unknown to this
// package can still be carried around and looked up in a FamilyTable.
type ModelFamily string

const (
	// Unknown is used when no model is attached or its tag is not recognised.
	Unknown ModelFamily = "unknown"
	// StableDiffusion1 covers SD 1.x checkpoints (512x512 training).
	StableDiffusion1 ModelFamily = "sd-1"
	// StableDiffusion2 covers SD 2.x checkpoints (768x768 training).
	StableDiffusion2 ModelFamily = "sd-2"
	// StableDiffusionXL covers SDXL base checkpoints (1024x1024 training).
	StableDiffusionXL ModelFamily = "sdxl"
)

// String returns the family tag.
func (f ModelFamily) String() string {
	if f == "" {
		return string(Unknown)
	}
	return string(f)
}

// familyAliases maps normalized spellings to canonical tags.
var familyAliases = map[string]ModelFamily{
	"":                    Unknown,
	"unknown":             Unknown,
	"any":                 Unknown,
	"sd1":                 StableDiffusion1,
	"sd-1":                StableDiffusion1,
	"sd15":                StableDiffusion1,
	"stablediffusion1":    StableDiffusion1,
	"stable-diffusion-1":  StableDiffusion1,
	"sd2":                 StableDiffusion2,
	"sd-2":                StableDiffusion2,
	"stablediffusion2":    StableDiffusion2,
	"stable-diffusion-2":  StableDiffusion2,
	"sdxl":                StableDiffusionXL,
	"sd-xl":               StableDiffusionXL,
	"stablediffusionxl":   StableDiffusionXL,
	"stable-diffusion-xl": StableDiffusionXL,
}

// ParseModelFamily converts a base model tag to a ModelFamily.
// Known aliases are folded to their canonical tag; anything else is returned
// lowercased as-is so a FamilyTable can still resolve it. Lookup of a tag the
// table does not know falls back to the default dimension.
//
// Example:
//
//	ParseModelFamily("StableDiffusionXL") // sdxl
//	ParseModelFamily("sdxl-refiner")      // sdxl-refiner (uses fallback dimension)
func ParseModelFamily(s string) ModelFamily {
	key := strings.ToLower(strings.TrimSpace(s))
	if f, ok := familyAliases[key]; ok {
		return f
	}
	key = strings.ReplaceAll(key, "_", "-")
	if f, ok := familyAliases[key]; ok {
		return f
	}
	return ModelFamily(key)
}
