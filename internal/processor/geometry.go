package processor

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/timkrebs/photo-variants/internal/models"
)

// transformGeometry crops src to the clamped rectangle and rotates the
// cropped region around the output center. The output always has the crop's
// pixel size; corners uncovered by the rotation stay transparent.
func transformGeometry(src image.Image, crop models.FractionalRect, angle float64) *image.NRGBA {
	bounds := src.Bounds()
	rect := crop.ToPixels(bounds.Dx(), bounds.Dy())

	cropped := imaging.Crop(src, rect.Rectangle().Add(bounds.Min))
	if angle == 0 {
		return cropped
	}

	// imaging rotates counter-clockwise; positive angles turn clockwise on screen.
	rotated := imaging.Rotate(cropped, -angle, color.Transparent)
	canvas := imaging.New(rect.Width, rect.Height, color.Transparent)
	return imaging.PasteCenter(canvas, rotated)
}
