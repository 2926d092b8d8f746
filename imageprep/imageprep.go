// Package imageprep resizes init and reference images to the ideal
// generation size for their aspect ratio.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"strings"

	// Decoders beyond the ones imaging registers
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"

	"idealsize/sizing"
)

// Image preparation errors
var (
	ErrEmptyImage        = errors.New("imageprep: empty image data")
	ErrInvalidImage      = errors.New("imageprep: invalid image data")
	ErrUnsupportedFormat = errors.New("imageprep: unsupported image format")
	ErrInvalidMode       = errors.New("imageprep: invalid resize mode")
	ErrInvalidMultiplier = errors.New("imageprep: invalid multiplier")
)

// DefaultJPEGQuality is used when Options.JPEGQuality is unset.
const DefaultJPEGQuality = 90

// ResizeMode selects how the source is mapped onto the target size.
type ResizeMode int

const (
	// ModeFill scales to cover the target and crops the overflow around the center.
	ModeFill ResizeMode = iota
	// ModeFit scales to fit inside the target and pads with black.
	ModeFit
	// ModeStretch resizes to the target ignoring the source aspect ratio.
	ModeStretch
)

func (m ResizeMode) String() string {
	switch m {
	case ModeFill:
		return "fill"
	case ModeFit:
		return "fit"
	case ModeStretch:
		return "stretch"
	default:
		return fmt.Sprintf("ResizeMode(%d)", int(m))
	}
}

// ParseResizeMode converts "fill", "fit" or "stretch" to a ResizeMode.
func ParseResizeMode(s string) (ResizeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fill":
		return ModeFill, nil
	case "fit":
		return ModeFit, nil
	case "stretch":
		return ModeStretch, nil
	default:
		return ModeFill, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Options controls Prepare.
type Options struct {
	Family sizing.ModelFamily
	// Multiplier must be finite and greater than 0
	Multiplier float64
	Mode       ResizeMode
	// Calculator defaults to the built-in family table
	Calculator  *sizing.Calculator
	JPEGQuality int
}

// Result is a prepared image.
type Result struct {
	Image  image.Image
	Source sizing.Size
	Target sizing.Size
	// Format is the decoded source format name ("png", "jpeg", ...)
	Format string
}

// ReadDimensions returns the size and format of an encoded image without
// decoding the pixels.
func ReadDimensions(r io.Reader) (sizing.Size, string, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return sizing.Size{}, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return sizing.Size{}, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return sizing.Size{Width: cfg.Width, Height: cfg.Height}, format, nil
}

// Prepare decodes data, computes the ideal size for its aspect ratio and
// resizes it accordingly.
func Prepare(data []byte, opts Options) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrEmptyImage
	}

	_, format, err := ReadDimensions(bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	result, err := PrepareImage(img, opts)
	if err != nil {
		return Result{}, err
	}
	result.Format = format
	return result, nil
}

// PrepareImage resizes an already decoded image.
func PrepareImage(img image.Image, opts Options) (Result, error) {
	bounds := img.Bounds()
	source := sizing.Size{Width: bounds.Dx(), Height: bounds.Dy()}
	if source.Width == 0 || source.Height == 0 {
		return Result{}, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}

	calc := opts.Calculator
	if calc == nil {
		calc = sizing.NewCalculator(nil)
	}
	multiplier := opts.Multiplier
	if !(multiplier > 0) || math.IsInf(multiplier, 0) {
		return Result{}, fmt.Errorf("%w: must be a finite number greater than 0, got %v", ErrInvalidMultiplier, multiplier)
	}

	target, err := calc.Compute(sizing.Request{
		TargetWidth:  source.Width,
		TargetHeight: source.Height,
		Family:       opts.Family,
		Multiplier:   multiplier,
	})
	if err != nil {
		return Result{}, err
	}
	if target.Width <= 0 || target.Height <= 0 {
		return Result{}, fmt.Errorf("%w: ideal size %s is empty", ErrInvalidImage, target)
	}

	resized, err := resize(img, target, opts.Mode)
	if err != nil {
		return Result{}, err
	}
	return Result{Image: resized, Source: source, Target: target}, nil
}

func resize(img image.Image, target sizing.Size, mode ResizeMode) (image.Image, error) {
	switch mode {
	case ModeFill:
		return imaging.Fill(img, target.Width, target.Height, imaging.Center, imaging.Lanczos), nil
	case ModeStretch:
		return imaging.Resize(img, target.Width, target.Height, imaging.Lanczos), nil
	case ModeFit:
		b := img.Bounds()
		scale := math.Min(float64(target.Width)/float64(b.Dx()), float64(target.Height)/float64(b.Dy()))
		w := max(1, int(math.Round(float64(b.Dx())*scale)))
		h := max(1, int(math.Round(float64(b.Dy())*scale)))
		scaled := imaging.Resize(img, min(w, target.Width), min(h, target.Height), imaging.Lanczos)
		canvas := imaging.New(target.Width, target.Height, color.Black)
		return imaging.PasteCenter(canvas, scaled), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
}

// Encode writes img in the format implied by filename's extension.
func Encode(w io.Writer, img image.Image, filename string, jpegQuality int) error {
	format, err := imaging.FormatFromFilename(filename)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	if jpegQuality <= 0 {
		jpegQuality = DefaultJPEGQuality
	}
	return imaging.Encode(w, img, format, imaging.JPEGQuality(jpegQuality))
}

// PrepareFile reads input, prepares it and writes the result to output.
// The output format follows output's extension.
func PrepareFile(input, output string, opts Options) (Result, error) {
	if _, err := imaging.FormatFromFilename(output); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, output)
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read %s: %w", input, err)
	}

	result, err := Prepare(data, opts)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", input, err)
	}

	f, err := os.Create(output)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create %s: %w", output, err)
	}
	if err := Encode(f, result.Image, output, opts.JPEGQuality); err != nil {
		f.Close()
		return Result{}, fmt.Errorf("failed to encode %s: %w", output, err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to write %s: %w", output, err)
	}
	return result, nil
}
