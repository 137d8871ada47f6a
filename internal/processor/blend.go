package processor

import "image"

// blendFunc combines a backdrop and a source channel, both in [0,1]
type blendFunc func(backdrop, source float64) float64

// overlay is multiply for dark backdrops and screen for light ones
func overlay(backdrop, source float64) float64 {
	if backdrop <= 0.5 {
		return 2 * backdrop * source
	}
	return 1 - 2*(1-backdrop)*(1-source)
}

// blendInPlace composites src onto dst with the given blend mode at a global
// alpha. src is read at the same relative offset as dst and must be at least
// as large. The backdrop alpha is preserved.
func blendInPlace(dst, src *image.NRGBA, alpha float64, mode blendFunc) {
	if alpha <= 0 {
		return
	}
	if alpha > 1 {
		alpha = 1
	}

	db, sb := dst.Bounds(), src.Bounds()
	for y := 0; y < db.Dy(); y++ {
		di := dst.PixOffset(db.Min.X, db.Min.Y+y)
		si := src.PixOffset(sb.Min.X, sb.Min.Y+y)
		for x := 0; x < db.Dx(); x++ {
			a := alpha * float64(src.Pix[si+3]) / 255
			for c := 0; c < 3; c++ {
				cb := float64(dst.Pix[di+c]) / 255
				cs := float64(src.Pix[si+c]) / 255
				out := (1-a)*cb + a*mode(cb, cs)
				dst.Pix[di+c] = toByte(out * 255)
			}
			di += 4
			si += 4
		}
	}
}
