package processor

import (
	"context"
	"fmt"
	"image"
	"math/rand/v2"
	"time"

	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/models"
)

// Stage names a completed pipeline stage
type Stage string

const (
	StageGeometry  Stage = "geometry"
	StageFilter    Stage = "filter"
	StageComposite Stage = "composite"
)

// StageFunc is called after each stage completes. It replaces a timer driven
// progress indicator with real completion signals.
type StageFunc func(stage Stage, elapsed time.Duration)

// Pipeline runs the geometric, pixel filter and compositing stages in order.
// Each run works on its own raster, so a Pipeline is safe for concurrent use.
type Pipeline struct {
	metrics *metrics.PipelineMetrics
	rand    func() *rand.Rand
}

// NewPipeline creates a pipeline. A nil randFn seeds every run randomly.
func NewPipeline(m *metrics.PipelineMetrics, randFn func() *rand.Rand) *Pipeline {
	if randFn == nil {
		randFn = newRand
	}
	return &Pipeline{metrics: m, rand: randFn}
}

// Run transforms src with params and returns a new raster. src is not modified.
func (p *Pipeline) Run(ctx context.Context, src image.Image, params models.ImageParameters, onStage StageFunc) (*image.NRGBA, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, ErrInvalidImage
	}

	params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	crop := models.FullFrame
	if params.Crop != nil {
		crop = *params.Crop
	}

	var img *image.NRGBA
	stages := []struct {
		stage Stage
		run   func()
	}{
		{StageGeometry, func() { img = transformGeometry(src, crop, params.Rotate) }},
		{StageFilter, func() { img = newKernel(params).apply(img) }},
		{StageComposite, func() { img = composite(img, params, p.rand()) }},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		s.run()
		elapsed := time.Since(start)

		if p.metrics != nil {
			p.metrics.StageDuration.WithLabelValues(string(s.stage)).Observe(elapsed.Seconds())
		}
		if onStage != nil {
			onStage(s.stage, elapsed)
		}
	}

	return img, nil
}
