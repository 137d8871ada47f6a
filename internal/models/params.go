package models

import (
	"fmt"
	"math"
	"strings"
)

// FilterType is a named color filter
type FilterType string

const (
	FilterNormal        FilterType = "normal"
	FilterVintage       FilterType = "vintage"
	FilterFilm          FilterType = "film"
	FilterBlackWhite    FilterType = "blackwhite"
	FilterFresh         FilterType = "fresh"
	FilterDark          FilterType = "dark"
	FilterGrayscale     FilterType = "grayscale"
	FilterSepia         FilterType = "sepia"
	FilterCool          FilterType = "cool"
	FilterWarm          FilterType = "warm"
	FilterPolaroid      FilterType = "polaroid"
	FilterBlackAndWhite FilterType = "blackAndWhite"
	FilterCinema        FilterType = "cinema"
	FilterDuotone       FilterType = "duotone"
	FilterKodachrome    FilterType = "kodachrome"
	FilterTechnicolor   FilterType = "technicolor"
)

// FilterTypes lists every selectable filter in display order
var FilterTypes = []FilterType{
	FilterNormal, FilterVintage, FilterFilm, FilterBlackWhite, FilterFresh, FilterDark,
	FilterGrayscale, FilterSepia, FilterCool, FilterWarm, FilterPolaroid, FilterBlackAndWhite,
	FilterCinema, FilterDuotone, FilterKodachrome, FilterTechnicolor,
}

// Implemented reports whether the filter has pixel math. The others are
// selectable but leave pixels unchanged.
func (f FilterType) Implemented() bool {
	switch f {
	case FilterNormal, FilterGrayscale, FilterSepia, FilterVintage, FilterCool, FilterWarm:
		return true
	}
	return false
}

// ParseFilterType validates a filter name. An empty name is normal.
func ParseFilterType(s string) (FilterType, error) {
	if s == "" {
		return FilterNormal, nil
	}
	for _, f := range FilterTypes {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown filter: %s", s)
}

// Filter selects a named filter and how strongly it replaces the adjusted color.
// Intensity in (0,1) blends; 0 or >= 1 is a full overwrite.
type Filter struct {
	Name      FilterType `json:"name"`
	Intensity float64    `json:"intensity,omitempty"`
}

// Vignette describes the radial edge darkening. Radius is the gradient
// spread as a fraction of max(width, height).
type Vignette struct {
	Radius  float64 `json:"radius"`
	Opacity float64 `json:"opacity"`
}

// ToneShift is reserved for split toning and is not read by any stage
type ToneShift struct {
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
}

// DefaultVignetteRadius is used when a vignette has opacity but no radius
const DefaultVignetteRadius = 0.7

// MaxSharpen is the sharpen ceiling offered to editor clients. The pipeline
// itself accepts the full [0, 1] range.
const MaxSharpen = 0.5

// ImageParameters is the full parameter set of one pipeline run.
// Brightness, contrast and saturation are percentages in [-100, 100].
type ImageParameters struct {
	Crop       *FractionalRect `json:"crop,omitempty"`
	Filter     Filter          `json:"filter"`
	Rotate     float64         `json:"rotate"`
	Brightness float64         `json:"brightness"`
	Contrast   float64         `json:"contrast"`
	Saturation float64         `json:"saturation"`
	Vignette   Vignette        `json:"vignette"`
	Grain      float64         `json:"grain"`
	Sharpen    float64         `json:"sharpen"`

	// Reserved, kept for parameter sets persisted by older clients.
	ChromaAberration float64    `json:"chromaAberration,omitempty"`
	Highlights       *ToneShift `json:"highlights,omitempty"`
	Shadows          *ToneShift `json:"shadows,omitempty"`
}

// Normalize clamps every field into its documented range and fills defaults
func (p *ImageParameters) Normalize() {
	p.Brightness = clampFloat(p.Brightness, -100, 100)
	p.Contrast = clampFloat(p.Contrast, -100, 100)
	p.Saturation = clampFloat(p.Saturation, -100, 100)
	p.Grain = clampFloat(p.Grain, 0, 1)
	p.Sharpen = clampFloat(p.Sharpen, 0, 1)
	p.Vignette.Opacity = clampFloat(p.Vignette.Opacity, 0, 1)
	if p.Vignette.Radius <= 0 {
		p.Vignette.Radius = DefaultVignetteRadius
	}
	p.Filter.Intensity = clampFloat(p.Filter.Intensity, 0, 1)
	if p.Filter.Name == "" {
		p.Filter.Name = FilterNormal
	}
	if math.IsNaN(p.Rotate) || math.IsInf(p.Rotate, 0) {
		p.Rotate = 0
	}
}

// Validate rejects parameter sets the pipeline cannot run. Filter names
// outside FilterTypes are not an error here; the kernel leaves pixels
// unchanged for them.
func (p *ImageParameters) Validate() error {
	if p.Crop != nil {
		if err := p.Crop.Validate(); err != nil {
			return fmt.Errorf("invalid crop: %w", err)
		}
	}
	return nil
}

// ValidateRequest checks a parameter set sent by a client. On top of
// Validate it requires a known filter name and caps sharpen at MaxSharpen.
func (p *ImageParameters) ValidateRequest() error {
	if _, err := ParseFilterType(string(p.Filter.Name)); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Sharpen > MaxSharpen {
		p.Sharpen = MaxSharpen
	}
	return nil
}

// Category is a randomizable group of parameters
type Category string

const (
	CategoryCrop       Category = "crop"
	CategoryFilter     Category = "filter"
	CategoryRotate     Category = "rotate"
	CategoryBrightness Category = "brightness"
	CategoryContrast   Category = "contrast"
	CategorySaturation Category = "saturation"
	CategoryVignette   Category = "vignette"
	CategoryGrain      Category = "grain"
	CategorySharpen    Category = "sharpen"
)

// Categories is the fixed set of randomizable categories
var Categories = []Category{
	CategoryCrop, CategoryFilter, CategoryRotate, CategoryBrightness, CategoryContrast,
	CategorySaturation, CategoryVignette, CategoryGrain, CategorySharpen,
}

// ParseCategories parses a comma separated category list. Blank input yields nil.
func ParseCategories(s string) ([]Category, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Category
	for _, part := range strings.Split(s, ",") {
		name := Category(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if !isCategory(name) {
			return nil, fmt.Errorf("unknown category: %s", name)
		}
		out = append(out, name)
	}
	return out, nil
}

func isCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
