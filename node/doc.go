// Package node exposes the ideal size calculator as a versioned invocation
// node that a graph host can discover, decode and invoke.
//
// The host sends a JSON payload with the node inputs:
//
//	{
//	  "width": 1920,
//	  "height": 1080,
//	  "unet": {"unet": {"key": "sdxl-base", "base_model": "sdxl", "type": "main"}},
//	  "multiplier": 1.0
//	}
//
// and receives an output record:
//
//	{"type": "ideal_size_output", "width": 1360, "height": 768}
//
// Model references are plain values. When only a key is given, the
// InvocationContext's ModelResolver supplies the base model. A missing unet
// uses the fallback native dimension.
//
// # Versions
//
//   - 1.0.0: width, height, unet, vae
//   - 1.1.0: adds multiplier
//
// An empty version selects the newest registered one.
package node
