package node

import (
	"context"
	"fmt"

	"idealsize/logging"
	"idealsize/sizing"

	"go.uber.org/zap"
)

// ModelField references a model by value.
type ModelField struct {
	Key       string `json:"key"`
	Name      string `json:"name,omitempty"`
	BaseModel string `json:"base_model,omitempty"`
	Type      string `json:"type,omitempty"`
}

// IsZero reports whether the reference carries no information.
func (m ModelField) IsZero() bool {
	return m.Key == "" && m.BaseModel == ""
}

// UNetField wraps the UNet submodel of a loaded pipeline.
type UNetField struct {
	UNet ModelField `json:"unet"`
}

// VaeField wraps the VAE submodel. It is accepted for wiring compatibility
// and does not affect the result.
type VaeField struct {
	Vae ModelField `json:"vae"`
}

// ModelResolver looks up the base model tag of a model key.
// Implementations should wrap ErrUnknownModel when the key is not registered.
type ModelResolver interface {
	ResolveBaseModel(ctx context.Context, key string) (string, error)
}

// resolveFamily determines the model family of a UNet reference.
// An explicit base_model wins; otherwise the key is resolved. A nil or empty
// reference is Unknown.
func resolveFamily(ctx context.Context, ic *InvocationContext, unet *UNetField) (sizing.ModelFamily, error) {
	if unet == nil || unet.UNet.IsZero() {
		return sizing.Unknown, nil
	}
	model := unet.UNet
	if model.BaseModel != "" {
		return sizing.ParseModelFamily(model.BaseModel), nil
	}

	if ic.Models == nil {
		ic.logger().Debug("no model resolver, using fallback family",
			zap.String("model_key", model.Key))
		return sizing.Unknown, nil
	}

	base, err := ic.Models.ResolveBaseModel(ctx, model.Key)
	if err != nil {
		return sizing.Unknown, fmt.Errorf("resolve model %s: %w", model.Key, err)
	}
	return sizing.ParseModelFamily(base), nil
}

// logger returns the context logger or a no-op one.
func (ic *InvocationContext) logger() *logging.Logger {
	if ic == nil || ic.Logger == nil {
		return logging.NewNop()
	}
	return ic.Logger
}
