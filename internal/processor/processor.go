package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/timkrebs/photo-variants/internal/metrics"
	"github.com/timkrebs/photo-variants/internal/models"
)

var (
	// ErrInvalidImage is returned when a source cannot be decoded or is empty
	ErrInvalidImage = errors.New("invalid image")
	// ErrInvalidParameters is returned for parameter sets the pipeline rejects
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrBusy is returned when an editor is already processing
	ErrBusy = errors.New("editor is busy")
	// ErrEmptyBatch is returned when a batch has no sources
	ErrEmptyBatch = errors.New("batch has no images")
)

// DefaultQuality is the JPEG quality used when none is configured
const DefaultQuality = 90

// Options configures a Processor
type Options struct {
	Metrics *metrics.PipelineMetrics
	Logger  *slog.Logger
	// Rand returns the random source of one pipeline run (grain noise).
	Rand func() *rand.Rand
	// Generator overrides the random parameter generator.
	Generator *Generator
	Quality   int
}

// Processor decodes, transforms and encodes images
type Processor struct {
	pipeline  *Pipeline
	generator *Generator
	metrics   *metrics.PipelineMetrics
	logger    *slog.Logger
	quality   int
}

// New creates a new image processor
func New(opts Options) *Processor {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Generator == nil {
		opts.Generator = NewGenerator(nil)
	}
	return &Processor{
		pipeline:  NewPipeline(opts.Metrics, opts.Rand),
		generator: opts.Generator,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		quality:   opts.Quality,
	}
}

// Result contains the processed image and metadata
type Result struct {
	Parameters  models.ImageParameters
	Data        []byte
	ContentType string
	Format      Format
	Width       int
	Height      int
}

// DataURL returns the encoded image as a base64 data URL
func (r *Result) DataURL() string {
	return DataURL(r.Data, r.ContentType)
}

// Generate returns random parameters for a width x height source
func (p *Processor) Generate(width, height int, categories []models.Category) models.ImageParameters {
	return p.generator.Generate(width, height, categories)
}

// Process decodes an image and applies params to it
func (p *Processor) Process(ctx context.Context, r io.Reader, params models.ImageParameters, format Format) (*Result, error) {
	src, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return p.Apply(ctx, src, params, format, nil)
}

// Apply runs the pipeline over a decoded source and encodes the result.
// A blank format keeps JPEG sources as JPEG and writes everything else as PNG.
func (p *Processor) Apply(ctx context.Context, src *Decoded, params models.ImageParameters, format Format, onStage StageFunc) (*Result, error) {
	if src == nil {
		return nil, ErrInvalidImage
	}
	if format == "" {
		format = formatFor(src.Format)
	}

	if p.metrics != nil {
		p.metrics.RunsActive.Inc()
		defer p.metrics.RunsActive.Dec()
	}

	img, err := p.pipeline.Run(ctx, src.Image, params, onStage)
	if err != nil {
		return nil, err
	}

	data, err := Encode(img, format, p.quality)
	if err != nil {
		return nil, err
	}

	params.Normalize()
	bounds := img.Bounds()
	return &Result{
		Parameters:  params,
		Data:        data,
		ContentType: format.ContentType(),
		Format:      format,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}

// encodeOriginal encodes the untouched source for side by side comparison
func (p *Processor) encodeOriginal(src *Decoded, format Format) (*Result, error) {
	if format == "" {
		format = formatFor(src.Format)
	}
	data, err := Encode(src.Image, format, p.quality)
	if err != nil {
		return nil, err
	}
	bounds := src.Image.Bounds()
	return &Result{
		Parameters:  models.ImageParameters{Filter: models.Filter{Name: models.FilterNormal}},
		Data:        data,
		ContentType: format.ContentType(),
		Format:      format,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}

func (p *Processor) record(mode string, err error) {
	if p.metrics != nil {
		p.metrics.RunsTotal.WithLabelValues(mode, metrics.Status(err)).Inc()
	}
}

// UserMessage converts a pipeline error into the single message shown to users
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidImage):
		return "The image could not be read. Please use a JPEG, PNG, GIF, WebP, BMP or TIFF file."
	case errors.Is(err, ErrInvalidParameters):
		return fmt.Sprintf("The edit settings are not valid: %s", strings.TrimPrefix(err.Error(), ErrInvalidParameters.Error()+": "))
	case errors.Is(err, ErrBusy):
		return "An edit is already in progress. Please wait for it to finish."
	case errors.Is(err, ErrEmptyBatch):
		return "Select at least one image to process."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Processing was interrupted. Please try again."
	default:
		return "Image processing failed. Please try again."
	}
}
