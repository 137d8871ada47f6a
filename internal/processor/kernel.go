package processor

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/timkrebs/photo-variants/internal/models"
)

// maxContrast keeps the contrast factor finite; the formula divides by 1-c.
const maxContrast = 0.99

// kernel holds the normalized per-pixel adjustments of one run
type kernel struct {
	brightness float64 // additive offset in channel units
	contrast   float64 // factor applied around mid gray
	saturation float64 // 1 + normalized saturation
	filter     models.FilterType
	intensity  float64

	adjustBrightness bool
	adjustContrast   bool
	adjustSaturation bool
}

func newKernel(params models.ImageParameters) kernel {
	k := kernel{
		filter:    params.Filter.Name,
		intensity: params.Filter.Intensity,
	}

	if params.Brightness != 0 {
		k.adjustBrightness = true
		k.brightness = 255 * (params.Brightness / 100)
	}

	if params.Contrast != 0 {
		k.adjustContrast = true
		c := math.Min(params.Contrast/100, maxContrast)
		k.contrast = 259 * (c + 1) / (255 * (1 - c))
	}

	if params.Saturation != 0 {
		k.adjustSaturation = true
		k.saturation = 1 + params.Saturation/100
	}

	return k
}

// identity reports whether the kernel leaves every pixel unchanged
func (k kernel) identity() bool {
	return !k.adjustBrightness && !k.adjustContrast && !k.adjustSaturation && !k.hasFilterMath()
}

func (k kernel) hasFilterMath() bool {
	return k.filter.Implemented() && k.filter != models.FilterNormal
}

// apply runs the kernel over every pixel and returns a new image
func (k kernel) apply(img *image.NRGBA) *image.NRGBA {
	if k.identity() {
		return img
	}
	return imaging.AdjustFunc(img, k.pixel)
}

// pixel maps one color. Steps run in a fixed order and every step clamps.
// The named filter runs last and replaces the adjusted color.
func (k kernel) pixel(c color.NRGBA) color.NRGBA {
	r, g, b := float64(c.R), float64(c.G), float64(c.B)

	if k.adjustBrightness {
		r = clampChannel(r + k.brightness)
		g = clampChannel(g + k.brightness)
		b = clampChannel(b + k.brightness)
	}

	if k.adjustContrast {
		r = clampChannel(k.contrast*(r-128) + 128)
		g = clampChannel(k.contrast*(g-128) + 128)
		b = clampChannel(k.contrast*(b-128) + 128)
	}

	if k.adjustSaturation {
		luma := 0.2989*r + 0.587*g + 0.114*b
		r = clampChannel(luma + k.saturation*(r-luma))
		g = clampChannel(luma + k.saturation*(g-luma))
		b = clampChannel(luma + k.saturation*(b-luma))
	}

	if k.hasFilterMath() {
		fr, fg, fb := filterColor(k.filter, r, g, b)
		if k.intensity > 0 && k.intensity < 1 {
			fr = r + k.intensity*(fr-r)
			fg = g + k.intensity*(fg-g)
			fb = b + k.intensity*(fb-b)
		}
		r, g, b = clampChannel(fr), clampChannel(fg), clampChannel(fb)
	}

	return color.NRGBA{R: toByte(r), G: toByte(g), B: toByte(b), A: c.A}
}

// filterColor computes the named filter from the adjusted channels.
// Filters without pixel math return the input unchanged.
func filterColor(f models.FilterType, r, g, b float64) (float64, float64, float64) {
	switch f {
	case models.FilterGrayscale:
		v := 0.299*r + 0.587*g + 0.114*b
		return v, v, v
	case models.FilterSepia:
		return 0.393*r + 0.769*g + 0.189*b,
			0.349*r + 0.686*g + 0.168*b,
			0.272*r + 0.534*g + 0.131*b
	case models.FilterVintage:
		return r*0.9 + 25, g*0.8 + 20, b*0.6 + 10
	case models.FilterCool:
		return r * 0.8, g * 0.9, b * 1.2
	case models.FilterWarm:
		return r * 1.1, g * 0.9, b * 0.8
	default:
		return r, g, b
	}
}

func clampChannel(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func toByte(v float64) uint8 {
	return uint8(math.Round(clampChannel(v)))
}
