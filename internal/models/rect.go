package models

import (
	"errors"
	"image"
	"math"
)

// PixelRect is a crop rectangle in source pixel units
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FractionalRect is a resolution independent crop rectangle. Every field is a
// fraction of the source width or height.
type FractionalRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FullFrame covers the whole source image
var FullFrame = FractionalRect{X: 0, Y: 0, Width: 1, Height: 1}

// Clamp returns the rectangle shrunk and shifted to lie fully inside a
// width x height source. The result is never empty for a non-empty source.
func (r PixelRect) Clamp(width, height int) PixelRect {
	r.Width = clampInt(r.Width, 1, width)
	r.Height = clampInt(r.Height, 1, height)
	r.X = clampInt(r.X, 0, width-r.Width)
	r.Y = clampInt(r.Y, 0, height-r.Height)
	return r
}

// Rectangle converts to an image.Rectangle anchored at the origin
func (r PixelRect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// ToFractional converts pixel units to fractions of the source size
func (r PixelRect) ToFractional(width, height int) FractionalRect {
	if width <= 0 || height <= 0 {
		return FullFrame
	}
	w, h := float64(width), float64(height)
	return FractionalRect{
		X:      float64(r.X) / w,
		Y:      float64(r.Y) / h,
		Width:  float64(r.Width) / w,
		Height: float64(r.Height) / h,
	}
}

// ToPixels converts to pixel units for a width x height source and clamps the
// result inside it.
func (r FractionalRect) ToPixels(width, height int) PixelRect {
	w, h := float64(width), float64(height)
	px := PixelRect{
		X:      int(math.Round(finite(r.X) * w)),
		Y:      int(math.Round(finite(r.Y) * h)),
		Width:  int(math.Round(finite(r.Width) * w)),
		Height: int(math.Round(finite(r.Height) * h)),
	}
	return px.Clamp(width, height)
}

// Validate rejects rectangles with no area or non-finite values
func (r FractionalRect) Validate() error {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("crop values must be finite")
		}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return errors.New("crop width and height must be positive")
	}
	return nil
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
