package processor

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/timkrebs/photo-variants/internal/models"
)

// Ranges of the generated parameters. They are tuned to keep variants close
// to the source image.
const (
	cropScaleMin    = 0.80
	cropScaleMax    = 0.95
	cropMaxOffsetPx = 10.0

	rotateMax     = 3.0
	brightnessMax = 15.0
	contrastMax   = 10.0
	saturationMax = 15.0

	filterIntensityMin = 0.05
	filterIntensityMax = 0.2

	vignetteRadiusMin  = 0.6
	vignetteRadiusMax  = 0.9
	vignetteOpacityMin = 0.05
	vignetteOpacityMax = 0.2

	grainMin   = 0.02
	grainMax   = 0.08
	sharpenMin = 0.05
	sharpenMax = 0.3

	minRandomCategories = 2
	maxRandomCategories = 4
)

// variantFilters are the filters a generated parameter set may pick
var variantFilters = []models.FilterType{models.FilterVintage, models.FilterCool, models.FilterWarm}

// Generator produces bounded random parameter sets. It is safe for
// concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator. A nil rng uses a randomly seeded source.
func NewGenerator(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = newRand()
	}
	return &Generator{rng: rng}
}

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// Generate returns parameters covering exactly the given categories for a
// width x height source. With no categories it picks 2 to 4 at random.
func (g *Generator) Generate(width, height int, categories []models.Category) models.ImageParameters {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(categories) == 0 {
		categories = g.pickCategories()
	}

	params := models.ImageParameters{Filter: models.Filter{Name: models.FilterNormal}}
	for _, c := range categories {
		switch c {
		case models.CategoryCrop:
			if width > 0 && height > 0 {
				crop := g.crop(width, height)
				params.Crop = &crop
			}
		case models.CategoryFilter:
			params.Filter = models.Filter{
				Name:      variantFilters[g.rng.IntN(len(variantFilters))],
				Intensity: g.between(filterIntensityMin, filterIntensityMax),
			}
		case models.CategoryRotate:
			params.Rotate = g.between(-rotateMax, rotateMax)
		case models.CategoryBrightness:
			params.Brightness = g.between(-brightnessMax, brightnessMax)
		case models.CategoryContrast:
			params.Contrast = g.between(-contrastMax, contrastMax)
		case models.CategorySaturation:
			params.Saturation = g.between(-saturationMax, saturationMax)
		case models.CategoryVignette:
			params.Vignette = models.Vignette{
				Radius:  g.between(vignetteRadiusMin, vignetteRadiusMax),
				Opacity: g.between(vignetteOpacityMin, vignetteOpacityMax),
			}
		case models.CategoryGrain:
			params.Grain = g.between(grainMin, grainMax)
		case models.CategorySharpen:
			params.Sharpen = g.between(sharpenMin, sharpenMax)
		}
	}
	return params
}

func (g *Generator) pickCategories() []models.Category {
	n := minRandomCategories + g.rng.IntN(maxRandomCategories-minRandomCategories+1)
	perm := g.rng.Perm(len(models.Categories))
	out := make([]models.Category, n)
	for i := range out {
		out[i] = models.Categories[perm[i]]
	}
	return out
}

// crop keeps 80-95% of each side and shifts the window off center by at
// most min(10px, half the removed margin) per axis.
func (g *Generator) crop(width, height int) models.FractionalRect {
	scale := g.between(cropScaleMin, cropScaleMax)
	w, h := float64(width), float64(height)
	cw, ch := w*scale, h*scale

	maxX := math.Min(cropMaxOffsetPx, (w-cw)/2)
	maxY := math.Min(cropMaxOffsetPx, (h-ch)/2)
	x := (w-cw)/2 + g.between(-maxX, maxX)
	y := (h-ch)/2 + g.between(-maxY, maxY)

	return models.FractionalRect{X: x / w, Y: y / h, Width: scale, Height: scale}
}

func (g *Generator) between(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}
