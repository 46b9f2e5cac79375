// Package preprocess turns an uploaded fundus photograph into the
// contrast-normalized image the classifier is trained on.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
)

// ErrInvalidImage is returned for empty, undecodable or zero-area input.
var ErrInvalidImage = errors.New("invalid image")

// RawImage is a decoded upload. It is read-only once created.
type RawImage struct {
	Image  image.Image
	Format string
}

// Bounds returns the pixel bounds of the decoded image.
func (r *RawImage) Bounds() image.Rectangle {
	return r.Image.Bounds()
}

// ProcessedImage is the CLAHE-enhanced green channel replicated into R, G and B.
type ProcessedImage struct {
	*image.RGBA
}

// MaxPixels caps the decoded area of an upload. A compressed payload far below
// the upload limit can still expand to a huge raster.
const MaxPixels = 50_000_000

// Decode decodes JPEG or PNG bytes. The header is checked against MaxPixels
// before any pixel data is decoded.
func Decode(data []byte) (*RawImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-area image", ErrInvalidImage)
	}
	if area := int64(cfg.Width) * int64(cfg.Height); area > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: zero-area image", ErrInvalidImage)
	}
	return &RawImage{Image: img, Format: format}, nil
}

// EncodePNG renders img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
