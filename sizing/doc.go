// Package sizing computes the "ideal" working resolution for a diffusion model.
//
// Given a target width and height and the family of the attached model, the
// calculator returns a width/height pair whose pixel area is close to the
// square of the model's native training resolution while keeping the requested
// aspect ratio. Both dimensions are trimmed down to a multiple of 8 so that the
// latent tensors line up with the model's strides.
//
// # Quick Start
//
//	size, err := sizing.Compute(1024, 576, sizing.StableDiffusionXL, 1.0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(size) // 1360x768
//
// # Model Families
//
// Native dimensions are looked up in a FamilyTable rather than hardcoded:
//
//	unknown  512 (fallback)
//	sd-1     512
//	sd-2     768
//	sdxl    1024
//
// New families can be added without code changes by loading a YAML table:
//
//	default_dimension: 512
//	families:
//	  sd-3: 1024
//	  flux: 1024
//
// # Error Handling
//
//   - ErrDivisionByZero: target height (or width) is zero
//   - ErrDomain: mixed-sign targets or a non-finite result
//   - ErrInvalidTable: malformed family table
//
// A non-positive multiplier is not rejected here; the node layer validates it.
//
// # Thread Safety
//
// Calculator and FamilyTable are immutable after construction and safe for
// concurrent use.
package sizing
