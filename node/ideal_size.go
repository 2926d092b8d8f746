package node

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"idealsize/sizing"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Node identifiers.
const (
	IdealSizeType       = "ideal_size"
	IdealSizeOutputType = "ideal_size_output"

	// IdealSizeVersion1 has no multiplier input.
	IdealSizeVersion1 = "1.0.0"
	// IdealSizeVersion is the current version.
	IdealSizeVersion = "1.1.0"
)

// IdealSizeOutput is the node result.
type IdealSizeOutput struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// NewIdealSizeOutput wraps a computed size.
func NewIdealSizeOutput(size sizing.Size) IdealSizeOutput {
	return IdealSizeOutput{Type: IdealSizeOutputType, Width: size.Width, Height: size.Height}
}

// OutputType implements Output.
func (o IdealSizeOutput) OutputType() string {
	return o.Type
}

// IdealSizeInvocation computes the ideal generation size for a target size
// and model.
type IdealSizeInvocation struct {
	Width      int        `json:"width" validate:"gt=0"`
	Height     int        `json:"height" validate:"gt=0"`
	UNet       *UNetField `json:"unet,omitempty"`
	Vae        *VaeField  `json:"vae,omitempty"`
	Multiplier float64    `json:"multiplier" validate:"gt=0"`

	version string
}

// idealSizeV1 is the 1.0.0 payload.
type idealSizeV1 struct {
	Width  int        `json:"width"`
	Height int        `json:"height"`
	UNet   *UNetField `json:"unet,omitempty"`
	Vae    *VaeField  `json:"vae,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every invalid input at once.
func (inv *IdealSizeInvocation) Validate() error {
	var errs error

	if err := validate.Struct(inv); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		for _, fe := range fieldErrs {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s must be greater than %s, got %v",
				ErrInvalidInput, fe.Field(), fe.Param(), fe.Value()))
		}
	}
	if math.IsInf(inv.Multiplier, 0) {
		errs = multierr.Append(errs, fmt.Errorf("%w: multiplier must be finite", ErrInvalidInput))
	}

	return errs
}

// Invoke validates the inputs, resolves the model family and computes the
// ideal size. The outcome is handed to the history recorder either way.
func (inv *IdealSizeInvocation) Invoke(ctx context.Context, ic *InvocationContext) (Output, error) {
	start := time.Now()
	entry := HistoryEntry{
		NodeType:     IdealSizeType,
		NodeVersion:  inv.nodeVersion(),
		TargetWidth:  inv.Width,
		TargetHeight: inv.Height,
		Multiplier:   inv.Multiplier,
		StartedAt:    start,
	}
	if inv.UNet != nil {
		entry.ModelKey = inv.UNet.UNet.Key
	}

	out, family, err := inv.compute(ctx, ic)

	entry.Family = family
	entry.Duration = time.Since(start)
	entry.Err = err
	if err == nil {
		entry.Output = &out
	}
	ic.record(ctx, entry)

	if err != nil {
		ic.logger().Debug("ideal size failed",
			zap.Int("width", inv.Width),
			zap.Int("height", inv.Height),
			zap.Error(err))
		return nil, err
	}

	ic.logger().Info("ideal size computed",
		zap.String("family", family.String()),
		zap.Int("target_width", inv.Width),
		zap.Int("target_height", inv.Height),
		zap.Float64("multiplier", inv.Multiplier),
		zap.Int("width", out.Width),
		zap.Int("height", out.Height),
		zap.Duration("duration", entry.Duration))
	return out, nil
}

func (inv *IdealSizeInvocation) compute(ctx context.Context, ic *InvocationContext) (IdealSizeOutput, sizing.ModelFamily, error) {
	if err := inv.Validate(); err != nil {
		return IdealSizeOutput{}, sizing.Unknown, err
	}

	family, err := resolveFamily(ctx, ic, inv.UNet)
	if err != nil {
		return IdealSizeOutput{}, family, err
	}

	size, err := ic.calculator().Compute(sizing.Request{
		TargetWidth:  inv.Width,
		TargetHeight: inv.Height,
		Family:       family,
		Multiplier:   inv.Multiplier,
	})
	if err != nil {
		return IdealSizeOutput{}, family, err
	}
	return NewIdealSizeOutput(size), family, nil
}

func (inv *IdealSizeInvocation) nodeVersion() string {
	if inv.version == "" {
		return IdealSizeVersion
	}
	return inv.version
}

func (v *idealSizeV1) upgrade() *IdealSizeInvocation {
	return &IdealSizeInvocation{
		Width:      v.Width,
		Height:     v.Height,
		UNet:       v.UNet,
		Vae:        v.Vae,
		Multiplier: sizing.DefaultMultiplier,
		version:    IdealSizeVersion1,
	}
}

func (v *idealSizeV1) Validate() error {
	return v.upgrade().Validate()
}

func (v *idealSizeV1) Invoke(ctx context.Context, ic *InvocationContext) (Output, error) {
	return v.upgrade().Invoke(ctx, ic)
}

// IdealSizeDefinitions returns the definitions of every ideal_size version.
func IdealSizeDefinitions() []Definition {
	return []Definition{
		{
			Type:    IdealSizeType,
			Version: IdealSizeVersion1,
			Schema:  func(d Defaults) Schema { return idealSizeSchema(IdealSizeVersion1, d) },
			New: func(d Defaults) Invocation {
				return &idealSizeV1{Width: d.Width, Height: d.Height}
			},
		},
		{
			Type:    IdealSizeType,
			Version: IdealSizeVersion,
			Schema:  func(d Defaults) Schema { return idealSizeSchema(IdealSizeVersion, d) },
			New: func(d Defaults) Invocation {
				return &IdealSizeInvocation{
					Width:      d.Width,
					Height:     d.Height,
					Multiplier: d.Multiplier,
					version:    IdealSizeVersion,
				}
			},
		},
	}
}

func idealSizeSchema(version string, d Defaults) Schema {
	inputs := []FieldSpec{
		{Name: "width", Type: "integer", Default: d.Width, Description: "Target width"},
		{Name: "height", Type: "integer", Default: d.Height, Description: "Target height"},
		{Name: "unet", Type: "UNetField", Description: "UNet submodel"},
		{Name: "vae", Type: "VaeField", Description: "Vae submodel"},
	}
	if version != IdealSizeVersion1 {
		inputs = append(inputs, FieldSpec{
			Name: "multiplier", Type: "number", Default: d.Multiplier,
			Description: "Dimensional multiplier",
		})
	}

	return Schema{
		Type:        IdealSizeType,
		Version:     version,
		Description: "Calculates the ideal size for generation to avoid duplication",
		UI: UIConfig{
			Title:    "Ideal Size",
			Tags:     []string{"math", "ideal_size"},
			Category: "math",
		},
		Inputs: inputs,
		Output: OutputSpec{
			Type:     IdealSizeOutputType,
			Required: []string{"type", "width", "height"},
		},
	}
}
