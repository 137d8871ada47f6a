package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/timkrebs/photo-variants/internal/models"
)

// createTestImage creates a simple test image for testing
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	// Fill with a gradient pattern
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8((x * 255) / width),
				G: uint8((y * 255) / height),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

// createUniformImage creates an image filled with a single color
func createUniformImage(width, height int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// encodeTestImage encodes a test image to bytes
func encodeTestImage(t *testing.T, img image.Image, format string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "png":
		err = png.Encode(&buf, img)
	default:
		t.Fatalf("unsupported format: %s", format)
	}
	if err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	return buf.Bytes()
}

func seededRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func newTestProcessor() *Processor {
	return New(Options{Rand: seededRand, Generator: NewGenerator(seededRand())})
}

func TestNew(t *testing.T) {
	p := New(Options{})
	if p == nil {
		t.Fatal("New() returned nil")
	}
	if p.quality != DefaultQuality {
		t.Errorf("quality = %d, want %d", p.quality, DefaultQuality)
	}
}

func TestProcessor_Process_PNG(t *testing.T) {
	p := newTestProcessor()
	data := encodeTestImage(t, createTestImage(64, 48), "png")

	result, err := p.Process(context.Background(), bytes.NewReader(data), models.ImageParameters{Brightness: 10}, "")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", result.ContentType)
	}
	if result.Width != 64 || result.Height != 48 {
		t.Errorf("Dimensions = %dx%d, want 64x48", result.Width, result.Height)
	}
	if !strings.HasPrefix(result.DataURL(), "data:image/png;base64,") {
		t.Errorf("DataURL() prefix = %q", result.DataURL()[:30])
	}
}

func TestProcessor_Process_JPEGStaysJPEG(t *testing.T) {
	p := newTestProcessor()
	data := encodeTestImage(t, createTestImage(64, 48), "jpeg")

	result, err := p.Process(context.Background(), bytes.NewReader(data), models.ImageParameters{}, "")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q, want image/jpeg", result.ContentType)
	}

	result, err = p.Process(context.Background(), bytes.NewReader(data), models.ImageParameters{}, FormatPNG)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.ContentType != "image/png" {
		t.Errorf("explicit format ContentType = %q, want image/png", result.ContentType)
	}
}

func TestProcessor_Process_Crop(t *testing.T) {
	p := newTestProcessor()
	data := encodeTestImage(t, createTestImage(200, 100), "png")

	params := models.ImageParameters{Crop: &models.FractionalRect{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5}}
	result, err := p.Process(context.Background(), bytes.NewReader(data), params, "")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Width != 100 || result.Height != 50 {
		t.Errorf("Dimensions = %dx%d, want 100x50", result.Width, result.Height)
	}
}

func TestProcessor_Process_InvalidImage(t *testing.T) {
	p := newTestProcessor()

	_, err := p.Process(context.Background(), bytes.NewReader([]byte("not an image")), models.ImageParameters{}, "")
	if !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Process() error = %v, want ErrInvalidImage", err)
	}
}

func TestProcessor_Process_InvalidParameters(t *testing.T) {
	p := newTestProcessor()
	data := encodeTestImage(t, createTestImage(10, 10), "png")

	params := models.ImageParameters{Crop: &models.FractionalRect{Width: 0, Height: 1}}
	_, err := p.Process(context.Background(), bytes.NewReader(data), params, "")
	if !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("Process() error = %v, want ErrInvalidParameters", err)
	}
}

func TestProcessor_Apply_NilSource(t *testing.T) {
	p := newTestProcessor()
	if _, err := p.Apply(context.Background(), nil, models.ImageParameters{}, "", nil); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Apply(nil) error = %v, want ErrInvalidImage", err)
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"invalid image", ErrInvalidImage, "could not be read"},
		{"wrapped invalid image", errors.Join(errors.New("decode"), ErrInvalidImage), "could not be read"},
		{"parameters", errors.Join(ErrInvalidParameters), "not valid"},
		{"busy", ErrBusy, "already in progress"},
		{"empty batch", ErrEmptyBatch, "at least one image"},
		{"canceled", context.Canceled, "interrupted"},
		{"other", io.ErrUnexpectedEOF, "processing failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UserMessage(tt.err)
			if tt.want == "" && got != "" {
				t.Errorf("UserMessage() = %q, want empty", got)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("UserMessage() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func BenchmarkProcessor_Apply(b *testing.B) {
	p := New(Options{})
	src := &Decoded{Image: createTestImage(500, 500), Format: "png"}
	params := models.ImageParameters{
		Brightness: 10, Contrast: 10, Saturation: -10,
		Filter:   models.Filter{Name: models.FilterWarm},
		Vignette: models.Vignette{Radius: 0.7, Opacity: 0.3},
		Grain:    0.1, Sharpen: 0.2, Rotate: 2,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Apply(context.Background(), src, params, FormatJPEG, nil)
	}
}
