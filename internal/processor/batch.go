package processor

import (
	"context"
	"fmt"
	"io"

	"github.com/timkrebs/photo-variants/internal/models"
)

// Source is one input file of a batch
type Source struct {
	Open func(ctx context.Context) (io.ReadCloser, error)
	Name string
}

// ItemResult is the outcome of one batch item
type ItemResult struct {
	Err         error
	Name        string
	OutputName  string
	ContentType string
	Data        []byte
	Parameters  models.ImageParameters
}

// OK reports whether the item produced an output
func (r ItemResult) OK() bool {
	return r.Err == nil
}

// BatchReport lists every item in input order
type BatchReport struct {
	Items     []ItemResult
	Succeeded int
	Failed    int
}

// BatchHooks receive progress while a batch runs. Both are optional.
type BatchHooks struct {
	// OnProgress is called before each file and once after the last one.
	OnProgress func(models.Progress)
	// OnItem is called after each file with its outcome.
	OnItem func(index int, result ItemResult)
}

// Batch processes sources one at a time in input order, each with freshly
// generated parameters. A failing item is recorded and the batch continues.
// The returned error is non-nil only for an empty batch or a canceled context;
// in the latter case the report holds the items finished so far.
func (p *Processor) Batch(ctx context.Context, sources []Source, categories []models.Category, hooks BatchHooks) (*BatchReport, error) {
	if len(sources) == 0 {
		return nil, ErrEmptyBatch
	}

	report := &BatchReport{Items: make([]ItemResult, 0, len(sources))}
	progress := models.Progress{Total: len(sources)}

	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		progress.Processed = i
		progress.CurrentFile = src.Name
		if hooks.OnProgress != nil {
			hooks.OnProgress(progress)
		}

		result := p.batchItem(ctx, src, categories)
		if result.OK() {
			report.Succeeded++
		} else {
			report.Failed++
			p.logger.Warn("batch item failed", "file", src.Name, "error", result.Err)
		}
		p.record("batch", result.Err)

		report.Items = append(report.Items, result)
		if hooks.OnItem != nil {
			hooks.OnItem(i, result)
		}
	}

	progress.Processed = len(sources)
	progress.CurrentFile = ""
	if hooks.OnProgress != nil {
		hooks.OnProgress(progress)
	}

	return report, nil
}

func (p *Processor) batchItem(ctx context.Context, src Source, categories []models.Category) ItemResult {
	result := ItemResult{Name: src.Name}

	if src.Open == nil {
		result.Err = fmt.Errorf("%w: no data for %s", ErrInvalidImage, src.Name)
		return result
	}

	rc, err := src.Open(ctx)
	if err != nil {
		result.Err = fmt.Errorf("failed to open %s: %w", src.Name, err)
		return result
	}
	defer rc.Close()

	decoded, err := Decode(rc)
	if err != nil {
		result.Err = err
		return result
	}

	b := decoded.Image.Bounds()
	params := p.Generate(b.Dx(), b.Dy(), categories)

	out, err := p.Apply(ctx, decoded, params, "", nil)
	if err != nil {
		result.Err = err
		return result
	}

	result.Parameters = out.Parameters
	result.Data = out.Data
	result.ContentType = out.ContentType
	result.OutputName = OutputName(src.Name, out.Format)
	return result
}
