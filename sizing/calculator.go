package sizing

import (
	"fmt"
	"math"
)

const (
	// DefaultMultiple is the dimension granularity required by SD-class models.
	DefaultMultiple = 8

	// DefaultMultiplier leaves the native dimension unchanged.
	DefaultMultiplier = 1.0

	// minDimensionRatio bounds the short side at half the native dimension.
	minDimensionRatio = 0.5

	maxDimension = math.MaxInt32
)

// Size is a width/height pair in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// String formats the size as WIDTHxHEIGHT.
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Area returns the pixel count.
func (s Size) Area() int {
	return s.Width * s.Height
}

// Request holds the inputs of a single computation.
type Request struct {
	TargetWidth  int
	TargetHeight int
	Family       ModelFamily
	Multiplier   float64
}

// Calculator computes ideal sizes against a FamilyTable.
type Calculator struct {
	table    *FamilyTable
	multiple int
}

// NewCalculator creates a Calculator. A nil table uses DefaultFamilyTable.
func NewCalculator(table *FamilyTable) *Calculator {
	if table == nil {
		table = DefaultFamilyTable()
	}
	return &Calculator{table: table, multiple: DefaultMultiple}
}

// Table returns the family table used by the calculator.
func (c *Calculator) Table() *FamilyTable {
	return c.table
}

var defaultCalculator = NewCalculator(nil)

// Compute returns the ideal size using the built-in family table.
func Compute(targetWidth, targetHeight int, family ModelFamily, multiplier float64) (Size, error) {
	return defaultCalculator.Compute(Request{
		TargetWidth:  targetWidth,
		TargetHeight: targetHeight,
		Family:       family,
		Multiplier:   multiplier,
	})
}

// Compute returns the ideal size for the request.
//
// The area of the result approximates (nativeDimension*multiplier)^2 and the
// target aspect ratio is kept. The short side never drops below half the
// scaled native dimension. Both sides are floored and then trimmed down to a
// multiple of 8.
func (c *Calculator) Compute(req Request) (Size, error) {
	if req.TargetHeight == 0 {
		return Size{}, fmt.Errorf("%w: target height is zero", ErrDivisionByZero)
	}
	aspect := float64(req.TargetWidth) / float64(req.TargetHeight)

	native := float64(c.table.NativeDimension(req.Family)) * req.Multiplier
	minDimension := math.Floor(native * minDimensionRatio)
	area := native * native

	var width, height float64
	if aspect > 1.0 {
		height = math.Max(minDimension, math.Sqrt(area/aspect))
		width = height * aspect
	} else {
		if aspect == 0 {
			return Size{}, fmt.Errorf("%w: target width is zero", ErrDivisionByZero)
		}
		if area*aspect < 0 {
			return Size{}, fmt.Errorf("%w: aspect ratio %g is negative", ErrDomain, aspect)
		}
		width = math.Max(minDimension, math.Sqrt(area*aspect))
		height = width / aspect
	}

	if !isFinite(width) || !isFinite(height) {
		return Size{}, fmt.Errorf("%w: non-finite size %gx%g", ErrDomain, width, height)
	}
	if math.Abs(width) > maxDimension || math.Abs(height) > maxDimension {
		return Size{}, fmt.Errorf("%w: size %gx%g overflows", ErrDomain, width, height)
	}

	dims := TrimToMultipleOf(c.multiple, int(math.Floor(width)), int(math.Floor(height)))
	return Size{Width: dims[0], Height: dims[1]}, nil
}

// TrimToMultipleOf rounds each value down to the nearest multiple.
// Negative values are rounded toward negative infinity, so the result is never
// greater than the input.
func TrimToMultipleOf(multiple int, values ...int) []int {
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = v - floorMod(v, multiple)
	}
	return out
}

func floorMod(v, m int) int {
	r := v % m
	if r < 0 {
		r += m
	}
	return r
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
