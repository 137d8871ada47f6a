package processor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Format is an output encoding
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ParseFormat maps a user supplied format name; blank yields "".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", s)
	}
}

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// Extension returns the file extension of the format including the dot
func (f Format) Extension() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return ".png"
}

// formatFor picks the output format for a decoded source format. JPEG stays
// JPEG; everything else is written as PNG to keep transparency.
func formatFor(sourceFormat string) Format {
	if sourceFormat == "jpeg" {
		return FormatJPEG
	}
	return FormatPNG
}

// Decoded is a decoded source image
type Decoded struct {
	Image  image.Image
	Format string
}

// Decode reads an image and applies its EXIF orientation
func Decode(r io.Reader) (*Decoded, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Bounds().Empty() {
		return nil, ErrInvalidImage
	}

	return &Decoded{Image: img, Format: format}, nil
}

// Encode writes img in the given format
func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch format {
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		err = imaging.Encode(&buf, img, imaging.PNG)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// DataURL encodes data as a base64 data URL
func DataURL(data []byte, contentType string) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// OutputName replaces the extension of a source filename with the output format's
func OutputName(filename string, format Format) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" {
		base = "image"
	}
	return strings.TrimSuffix(base, path.Ext(base)) + format.Extension()
}
