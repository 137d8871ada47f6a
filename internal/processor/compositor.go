package processor

import (
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/timkrebs/photo-variants/internal/models"
)

// grainAmplitude bounds the per-pixel noise around mid gray
const grainAmplitude = 25

// composite layers sharpen, vignette and grain over img in that order.
// Each effect is skipped when its parameter is zero.
func composite(img *image.NRGBA, params models.ImageParameters, rng *rand.Rand) *image.NRGBA {
	if params.Sharpen > 0 {
		sharpen(img, params.Sharpen)
	}
	if params.Vignette.Opacity > 0 {
		img = vignette(img, params.Vignette)
	}
	if params.Grain > 0 {
		grain(img, params.Grain, rng)
	}
	return img
}

// sharpen overlays the image onto itself at half the sharpen amount. This
// boosts local contrast without a convolution kernel.
func sharpen(img *image.NRGBA, amount float64) {
	blendInPlace(img, img, amount*0.5, overlay)
}

// vignette darkens toward the edges with a radial gradient that is clear at
// the center and black at opacity from radius max(w,h)*spread outward.
// Over with a black source equals multiply with black on opaque pixels.
func vignette(img *image.NRGBA, v models.Vignette) *image.NRGBA {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	radius := math.Max(w, h) * v.Radius
	if radius <= 0 {
		return img
	}

	dc := gg.NewContextForImage(img)
	gradient := gg.NewRadialGradient(w/2, h/2, 0, w/2, h/2, radius)
	gradient.AddColorStop(0, color.NRGBA{})
	gradient.AddColorStop(1, color.NRGBA{A: uint8(math.Round(v.Opacity * 255))})
	dc.SetFillStyle(gradient)
	dc.DrawRectangle(0, 0, w, h)
	dc.Fill()

	return imaging.Clone(dc.Image())
}

// grain overlays a noise buffer whose pixels are mid gray plus a uniform
// offset in [-grainAmplitude, grainAmplitude].
func grain(img *image.NRGBA, amount float64, rng *rand.Rand) {
	b := img.Bounds()
	noise := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for i := 0; i < len(noise.Pix); i += 4 {
		v := uint8(128 + rng.IntN(2*grainAmplitude+1) - grainAmplitude)
		noise.Pix[i] = v
		noise.Pix[i+1] = v
		noise.Pix[i+2] = v
		noise.Pix[i+3] = 0xff
	}
	blendInPlace(img, noise, amount, overlay)
}
