package processor

import (
	"context"
	"sync"

	"github.com/timkrebs/photo-variants/internal/models"
)

// Editor drives single-image edits. It moves idle -> processing -> done|error
// and rejects a new edit with ErrBusy while one is processing.
type Editor struct {
	proc    *Processor
	mu      sync.Mutex
	state   models.EditorState
	lastErr error
}

// NewEditor creates an idle editor
func NewEditor(proc *Processor) *Editor {
	return &Editor{proc: proc, state: models.EditorIdle}
}

// State returns the current state and the error of the last failed edit
func (e *Editor) State() (models.EditorState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.lastErr
}

func (e *Editor) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == models.EditorProcessing {
		if e.proc.metrics != nil {
			e.proc.metrics.Rejected.Inc()
		}
		return ErrBusy
	}
	e.state = models.EditorProcessing
	e.lastErr = nil
	return nil
}

func (e *Editor) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = models.EditorError
		e.lastErr = err
		return
	}
	e.state = models.EditorDone
}

// ManualApply applies user supplied parameters. A nil crop edits the full
// image; otherwise the pixel rectangle is clamped to the source and converted
// to fractions before it reaches the pipeline.
func (e *Editor) ManualApply(ctx context.Context, src *Decoded, params models.ImageParameters, crop *models.PixelRect, format Format, onStage StageFunc) (*Result, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}

	res, err := e.manualApply(ctx, src, params, crop, format, onStage)
	e.finish(err)
	e.proc.record("manual", err)
	return res, err
}

func (e *Editor) manualApply(ctx context.Context, src *Decoded, params models.ImageParameters, crop *models.PixelRect, format Format, onStage StageFunc) (*Result, error) {
	if src == nil {
		return nil, ErrInvalidImage
	}

	full := models.FullFrame
	params.Crop = &full
	if crop != nil {
		b := src.Image.Bounds()
		fr := crop.Clamp(b.Dx(), b.Dy()).ToFractional(b.Dx(), b.Dy())
		params.Crop = &fr
	}

	return e.proc.Apply(ctx, src, params, format, onStage)
}

// Comparison pairs the untouched source with a generated variant
type Comparison struct {
	Original *Result
	Variant  *Result
}

// OneClick applies freshly generated random parameters. With no categories
// the generator picks 2 to 4 of them.
func (e *Editor) OneClick(ctx context.Context, src *Decoded, categories []models.Category, format Format, onStage StageFunc) (*Comparison, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}

	cmp, err := e.oneClick(ctx, src, categories, format, onStage)
	e.finish(err)
	e.proc.record("one_click", err)
	return cmp, err
}

func (e *Editor) oneClick(ctx context.Context, src *Decoded, categories []models.Category, format Format, onStage StageFunc) (*Comparison, error) {
	if src == nil {
		return nil, ErrInvalidImage
	}

	b := src.Image.Bounds()
	params := e.proc.Generate(b.Dx(), b.Dy(), categories)

	variant, err := e.proc.Apply(ctx, src, params, format, onStage)
	if err != nil {
		return nil, err
	}

	original, err := e.proc.encodeOriginal(src, variant.Format)
	if err != nil {
		return nil, err
	}

	return &Comparison{Original: original, Variant: variant}, nil
}
