package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/timkrebs/photo-variants/internal/models"
	"github.com/timkrebs/photo-variants/internal/processor"
)

// EditResponse is one encoded image with the parameters that produced it
type EditResponse struct {
	Parameters  models.ImageParameters `json:"parameters"`
	DataURL     string                 `json:"data_url"`
	ContentType string                 `json:"content_type"`
	Width       int                    `json:"width"`
	Height      int                    `json:"height"`
}

// VariantResponse pairs the source with its random variant
type VariantResponse struct {
	Original EditResponse `json:"original"`
	Variant  EditResponse `json:"variant"`
}

func newEditResponse(res *processor.Result) EditResponse {
	return EditResponse{
		Parameters:  res.Parameters,
		DataURL:     res.DataURL(),
		ContentType: res.ContentType,
		Width:       res.Width,
		Height:      res.Height,
	}
}

// ApplyEdit handles POST /api/v1/edits. The form carries the source as an
// "image" file or an "url", the "parameters" JSON and an optional pixel "crop".
func (h *Handlers) ApplyEdit(w http.ResponseWriter, r *http.Request) {
	if !h.edits.TryAcquire(1) {
		h.writeError(w, http.StatusTooManyRequests, "too many edits in progress, please retry")
		return
	}
	defer h.edits.Release(1)

	src, ok := h.readSource(w, r)
	if !ok {
		return
	}

	var params models.ImageParameters
	if raw := r.FormValue("parameters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid parameters JSON: "+err.Error())
			return
		}
	}
	if err := params.ValidateRequest(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var crop *models.PixelRect
	if raw := r.FormValue("crop"); raw != "" {
		crop = &models.PixelRect{}
		if err := json.Unmarshal([]byte(raw), crop); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid crop JSON: "+err.Error())
			return
		}
	} else if params.Crop != nil {
		b := src.Image.Bounds()
		px := params.Crop.ToPixels(b.Dx(), b.Dy())
		crop = &px
	}

	format, ok := h.outputFormatOf(w, r)
	if !ok {
		return
	}

	res, err := h.editor(r).ManualApply(r.Context(), src, params, crop, format, nil)
	if err != nil {
		h.writeProcessingError(w, err)
		return
	}

	if r.URL.Query().Get("output") == "binary" {
		h.writeImage(w, res)
		return
	}
	h.writeJSON(w, http.StatusOK, newEditResponse(res))
}

// CreateVariant handles POST /api/v1/variants. The optional "categories" field
// is a comma separated list; without it 2 to 4 categories are picked.
func (h *Handlers) CreateVariant(w http.ResponseWriter, r *http.Request) {
	if !h.edits.TryAcquire(1) {
		h.writeError(w, http.StatusTooManyRequests, "too many edits in progress, please retry")
		return
	}
	defer h.edits.Release(1)

	src, ok := h.readSource(w, r)
	if !ok {
		return
	}

	categories, err := models.ParseCategories(r.FormValue("categories"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	format, ok := h.outputFormatOf(w, r)
	if !ok {
		return
	}

	cmp, err := h.editor(r).OneClick(r.Context(), src, categories, format, nil)
	if err != nil {
		h.writeProcessingError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, VariantResponse{
		Original: newEditResponse(cmp.Original),
		Variant:  newEditResponse(cmp.Variant),
	})
}

// GetEditorState handles GET /api/v1/editor
func (h *Handlers) GetEditorState(w http.ResponseWriter, r *http.Request) {
	state, err := h.editor(r).State()
	response := map[string]string{"state": string(state)}
	if err != nil {
		response["error"] = processor.UserMessage(err)
	}
	h.writeJSON(w, http.StatusOK, response)
}

// editor returns the session editor, or a fresh one for requests outside a session
func (h *Handlers) editor(r *http.Request) *processor.Editor {
	if editor, ok := GetEditor(r.Context()); ok {
		return editor
	}
	return processor.NewEditor(h.proc)
}

// readSource decodes the uploaded or linked source image. It writes the error
// response itself and reports whether the caller may continue.
func (h *Handlers) readSource(w http.ResponseWriter, r *http.Request) (*processor.Decoded, bool) {
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return nil, false
	}

	file, header, err := r.FormFile("image")
	if err == nil {
		defer file.Close()
		if _, ok := uploadContentType(header.Header.Get("Content-Type"), header.Filename); !ok {
			h.writeError(w, http.StatusBadRequest, processor.UserMessage(processor.ErrInvalidImage))
			return nil, false
		}
		src, err := processor.Decode(file)
		if err != nil {
			h.writeProcessingError(w, err)
			return nil, false
		}
		return src, true
	}

	rawURL := r.FormValue("url")
	if rawURL == "" {
		h.writeError(w, http.StatusBadRequest, "image file or url is required")
		return nil, false
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		h.writeError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return nil, false
	}

	data, err := processor.Fetch(r.Context(), h.fetcher, u.String(), h.maxUploadSize)
	if err != nil {
		h.logger.Warn("failed to fetch image", "url", u.Redacted(), "error", err)
		if errors.Is(err, processor.ErrForbiddenAddress) {
			h.writeError(w, http.StatusBadRequest, "url must point to a public address")
			return nil, false
		}
		if errors.Is(err, processor.ErrInvalidImage) {
			h.writeProcessingError(w, err)
			return nil, false
		}
		h.writeError(w, http.StatusBadGateway, "failed to fetch image")
		return nil, false
	}

	src, err := processor.Decode(bytes.NewReader(data))
	if err != nil {
		h.writeProcessingError(w, err)
		return nil, false
	}
	return src, true
}

func (h *Handlers) outputFormatOf(w http.ResponseWriter, r *http.Request) (processor.Format, bool) {
	raw := r.FormValue("format")
	if raw == "" {
		return h.outputFormat, true
	}
	format, err := processor.ParseFormat(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return format, true
}

func (h *Handlers) writeImage(w http.ResponseWriter, res *processor.Result) {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		h.logger.Error("failed to write image", "error", err)
	}
}

// writeProcessingError maps pipeline errors to a status and the user message
func (h *Handlers) writeProcessingError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, processor.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, processor.ErrInvalidImage), errors.Is(err, processor.ErrInvalidParameters):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("image processing failed", "error", err)
	}
	h.writeError(w, status, processor.UserMessage(err))
}
