package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/timkrebs/photo-variants/internal/models"
)

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func TestKernel_Pixel(t *testing.T) {
	tests := []struct {
		name   string
		params models.ImageParameters
		in     color.NRGBA
		want   color.NRGBA
	}{
		{
			name:   "brightness on mid gray",
			params: models.ImageParameters{Brightness: 20},
			in:     color.NRGBA{128, 128, 128, 255},
			want:   color.NRGBA{179, 179, 179, 255},
		},
		{
			name:   "brightness clamps high",
			params: models.ImageParameters{Brightness: 100},
			in:     color.NRGBA{10, 200, 250, 255},
			want:   color.NRGBA{255, 255, 255, 255},
		},
		{
			name:   "brightness clamps low",
			params: models.ImageParameters{Brightness: -100},
			in:     color.NRGBA{10, 200, 250, 255},
			want:   color.NRGBA{0, 0, 0, 255},
		},
		{
			name:   "alpha preserved",
			params: models.ImageParameters{Brightness: 10},
			in:     color.NRGBA{100, 100, 100, 40},
			want:   color.NRGBA{126, 126, 126, 40},
		},
		{
			name:   "desaturate fully",
			params: models.ImageParameters{Saturation: -100},
			in:     color.NRGBA{255, 0, 0, 255},
			want:   color.NRGBA{76, 76, 76, 255},
		},
		{
			name:   "cool filter",
			params: models.ImageParameters{Filter: models.Filter{Name: models.FilterCool}},
			in:     color.NRGBA{100, 100, 100, 255},
			want:   color.NRGBA{80, 90, 120, 255},
		},
		{
			name:   "warm filter blended at half intensity",
			params: models.ImageParameters{Filter: models.Filter{Name: models.FilterWarm, Intensity: 0.5}},
			in:     color.NRGBA{100, 100, 100, 255},
			want:   color.NRGBA{105, 95, 90, 255},
		},
		{
			name:   "vintage filter",
			params: models.ImageParameters{Filter: models.Filter{Name: models.FilterVintage}},
			in:     color.NRGBA{100, 100, 100, 255},
			want:   color.NRGBA{115, 100, 70, 255},
		},
		{
			name:   "selectable filter without pixel math",
			params: models.ImageParameters{Filter: models.Filter{Name: models.FilterKodachrome}},
			in:     color.NRGBA{12, 34, 56, 255},
			want:   color.NRGBA{12, 34, 56, 255},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.params.Normalize()
			got := newKernel(tt.params).pixel(tt.in)
			if got != tt.want {
				t.Errorf("pixel(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestKernel_Sepia(t *testing.T) {
	params := models.ImageParameters{Filter: models.Filter{Name: models.FilterSepia}}
	got := newKernel(params).pixel(color.NRGBA{200, 150, 100, 255})

	// 0.393*200+0.769*150+0.189*100 = 212.85, then 189.5 and 147.6
	want := color.NRGBA{213, 190, 148, 255}
	if absDiff(got.R, want.R) > 1 || absDiff(got.G, want.G) > 1 || absDiff(got.B, want.B) > 1 {
		t.Errorf("sepia = %v, want %v within 1", got, want)
	}
}

func TestKernel_GrayscaleOverwritesAdjustments(t *testing.T) {
	adjust := models.ImageParameters{Brightness: 10, Contrast: 20, Saturation: -30}
	gray := adjust
	gray.Filter = models.Filter{Name: models.FilterGrayscale}

	for _, in := range []color.NRGBA{{200, 40, 90, 255}, {10, 250, 130, 255}, {128, 128, 128, 255}} {
		adjusted := newKernel(adjust).pixel(in)
		got := newKernel(gray).pixel(in)

		if got.R != got.G || got.G != got.B {
			t.Errorf("grayscale(%v) = %v, channels differ", in, got)
		}
		want := 0.299*float64(adjusted.R) + 0.587*float64(adjusted.G) + 0.114*float64(adjusted.B)
		if math.Abs(float64(got.R)-want) > 1 {
			t.Errorf("grayscale(%v) = %d, want %.2f within 1", in, got.R, want)
		}
	}
}

func TestKernel_MaxContrastStaysFinite(t *testing.T) {
	k := newKernel(models.ImageParameters{Contrast: 100})
	for v := 0; v < 256; v++ {
		got := k.pixel(color.NRGBA{uint8(v), uint8(v), uint8(v), 255})
		var want uint8
		switch {
		case v < 128:
			want = 0
		case v > 128:
			want = 255
		default:
			want = 128
		}
		if got.R != want {
			t.Fatalf("contrast 100 on %d = %d, want %d", v, got.R, want)
		}
	}
}

func TestKernel_Identity(t *testing.T) {
	tests := []struct {
		name   string
		params models.ImageParameters
		want   bool
	}{
		{"zero", models.ImageParameters{}, true},
		{"normal filter", models.ImageParameters{Filter: models.Filter{Name: models.FilterNormal}}, true},
		{"filter without math", models.ImageParameters{Filter: models.Filter{Name: models.FilterCinema}}, true},
		{"contrast", models.ImageParameters{Contrast: 1}, false},
		{"sepia", models.ImageParameters{Filter: models.Filter{Name: models.FilterSepia}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newKernel(tt.params).identity(); got != tt.want {
				t.Errorf("identity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransformGeometry_Crop(t *testing.T) {
	src := createTestImage(100, 80)

	got := transformGeometry(src, models.FractionalRect{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5}, 0)
	if got.Bounds().Dx() != 50 || got.Bounds().Dy() != 40 {
		t.Fatalf("size = %v, want 50x40", got.Bounds().Size())
	}
	if got.NRGBAAt(0, 0) != src.NRGBAAt(10, 8) {
		t.Errorf("origin = %v, want %v", got.NRGBAAt(0, 0), src.NRGBAAt(10, 8))
	}
}

func TestTransformGeometry_CropIsClamped(t *testing.T) {
	src := createTestImage(40, 40)

	got := transformGeometry(src, models.FractionalRect{X: 0.9, Y: 0.9, Width: 0.5, Height: 0.5}, 0)
	if got.Bounds().Dx() != 20 || got.Bounds().Dy() != 20 {
		t.Fatalf("size = %v, want 20x20", got.Bounds().Size())
	}
	if got.NRGBAAt(19, 19) != src.NRGBAAt(39, 39) {
		t.Errorf("clamped crop should end at the source corner")
	}
}

func TestTransformGeometry_RotateKeepsCropSize(t *testing.T) {
	src := createUniformImage(60, 40, color.NRGBA{90, 120, 150, 255})

	for _, angle := range []float64{-3, 1.5, 45, 90} {
		got := transformGeometry(src, models.FullFrame, angle)
		if got.Bounds().Dx() != 60 || got.Bounds().Dy() != 40 {
			t.Errorf("angle %v: size = %v, want 60x40", angle, got.Bounds().Size())
		}
		if c := got.NRGBAAt(30, 20); c != (color.NRGBA{90, 120, 150, 255}) {
			t.Errorf("angle %v: center = %v", angle, c)
		}
	}

	corner := transformGeometry(src, models.FullFrame, 45).NRGBAAt(0, 0)
	if corner.A != 0 {
		t.Errorf("uncovered corner alpha = %d, want 0", corner.A)
	}
}

func TestComposite_ZeroIsNoop(t *testing.T) {
	img := createTestImage(20, 20)
	want := append([]uint8(nil), img.Pix...)

	got := composite(img, models.ImageParameters{Vignette: models.Vignette{Radius: 0.7}}, seededRand())
	if !bytes.Equal(got.Pix, want) {
		t.Error("composite with zero parameters changed pixels")
	}
}

func TestComposite_Sharpen(t *testing.T) {
	tests := []struct {
		name string
		in   uint8
		want uint8
	}{
		{"dark gets darker", 64, 56},
		{"light gets lighter", 192, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := createUniformImage(4, 4, color.NRGBA{tt.in, tt.in, tt.in, 255})
			sharpen(img, models.MaxSharpen)
			if got := img.NRGBAAt(1, 1).R; absDiff(got, tt.want) > 1 {
				t.Errorf("sharpen(%d) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestComposite_VignetteDarkensEdges(t *testing.T) {
	img := createUniformImage(101, 101, color.NRGBA{200, 200, 200, 255})

	got := vignette(img, models.Vignette{Radius: 0.5, Opacity: 0.8})
	center := got.NRGBAAt(50, 50)
	corner := got.NRGBAAt(0, 0)

	if absDiff(center.R, 200) > 1 {
		t.Errorf("center = %v, want about 200", center)
	}
	if corner.R > 60 {
		t.Errorf("corner = %v, want about 40", corner)
	}
	if corner.A != 255 {
		t.Errorf("corner alpha = %d, want 255", corner.A)
	}
}

func TestComposite_GrainIsBoundedAndGray(t *testing.T) {
	img := createUniformImage(32, 32, color.NRGBA{128, 128, 128, 255})
	grain(img, 1, seededRand())

	varied := false
	for i := 0; i < len(img.Pix); i += 4 {
		r, g, b := img.Pix[i], img.Pix[i+1], img.Pix[i+2]
		if r != g || g != b {
			t.Fatalf("grain pixel %d is not neutral: %d,%d,%d", i/4, r, g, b)
		}
		if r < 100 || r > 156 {
			t.Fatalf("grain pixel %d = %d, outside noise range", i/4, r)
		}
		if r != 128 {
			varied = true
		}
	}
	if !varied {
		t.Error("grain did not change any pixel")
	}
}

func TestPipeline_ZeroParametersIsIdentity(t *testing.T) {
	src := createTestImage(37, 23)
	p := NewPipeline(nil, seededRand)

	got, err := p.Run(context.Background(), src, models.ImageParameters{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(got.Pix, src.Pix) {
		t.Error("zero parameters changed the image")
	}
	if got == src {
		t.Error("Run() should return a new raster")
	}
}

func TestPipeline_BrightnessOnGray(t *testing.T) {
	src := createUniformImage(2, 2, color.NRGBA{128, 128, 128, 255})
	p := NewPipeline(nil, seededRand)

	got, err := p.Run(context.Background(), src, models.ImageParameters{Brightness: 20}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			if c := got.NRGBAAt(x, y); c != (color.NRGBA{179, 179, 179, 255}) {
				t.Errorf("pixel (%d,%d) = %v, want 179 gray", x, y, c)
			}
		}
	}
}

func TestPipeline_DoesNotModifySource(t *testing.T) {
	src := createTestImage(30, 30)
	want := append([]uint8(nil), src.Pix...)
	p := NewPipeline(nil, seededRand)

	params := models.ImageParameters{Sharpen: 0.3, Grain: 0.2, Brightness: 5}
	if _, err := p.Run(context.Background(), src, params, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(src.Pix, want) {
		t.Error("Run() modified the source")
	}
}

func TestPipeline_StageOrder(t *testing.T) {
	p := NewPipeline(nil, seededRand)

	var stages []Stage
	onStage := func(s Stage, _ time.Duration) { stages = append(stages, s) }
	if _, err := p.Run(context.Background(), createTestImage(8, 8), models.ImageParameters{Grain: 0.1}, onStage); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []Stage{StageGeometry, StageFilter, StageComposite}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestPipeline_UnknownFilterIsNoop(t *testing.T) {
	p := NewPipeline(nil, seededRand)
	src := createTestImage(4, 4)

	out, err := p.Run(context.Background(), src, models.ImageParameters{Filter: models.Filter{Name: "lomo", Intensity: 1}}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want, err := p.Run(context.Background(), src, models.ImageParameters{}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Bounds().Eq(want.Bounds()) {
		t.Fatalf("bounds = %v, want %v", out.Bounds(), want.Bounds())
	}
	b := out.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if out.At(x, y) != want.At(x, y) {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, out.At(x, y), want.At(x, y))
			}
		}
	}
}

func TestPipeline_Errors(t *testing.T) {
	p := NewPipeline(nil, seededRand)
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		src     image.Image
		params  models.ImageParameters
		wantErr error
	}{
		{"nil source", context.Background(), nil, models.ImageParameters{}, ErrInvalidImage},
		{"empty source", context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 0)), models.ImageParameters{}, ErrInvalidImage},
		{"bad crop", context.Background(), createTestImage(4, 4), models.ImageParameters{Crop: &models.FractionalRect{Width: 0, Height: 1}}, ErrInvalidParameters},
		{"canceled", canceled, createTestImage(4, 4), models.ImageParameters{}, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Run(tt.ctx, tt.src, tt.params, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
