// Package report lays out the printable analysis report.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/example/hypertensight/internal/diagnosis"
	"github.com/example/hypertensight/internal/preprocess"
)

const (
	Title     = "Hypertensive Retinopathy Analysis Report"
	Watermark = "Hypertensight Tech"

	OriginalCaption  = "Original Image"
	ProcessedCaption = "Processed Image"
)

// Page geometry in millimetres on A4 portrait.
const (
	lineWidth  = 200.0
	lineHeight = 10.0

	watermarkAngle = 50.0
	watermarkX     = -150.0
	watermarkY     = 194.0
	watermarkSize  = 85.0
	watermarkGray  = 200

	bodyFontSize = 12.0

	imageY      = 115.0
	imageWidth  = 90.0
	imageHeight = 80.0
	originalX   = 10.0
	processedX  = 110.0

	captionY          = 205.0
	originalCaptionX  = 41.0
	processedCaptionX = 139.0
)

// Option configures a Builder.
type Option func(*Builder)

// WithCompression toggles deflate compression of page content streams.
func WithCompression(on bool) Option {
	return func(b *Builder) {
		b.compress = on
	}
}

// WithJPEGQuality sets the quality used to embed the original image.
func WithJPEGQuality(q int) Option {
	return func(b *Builder) {
		b.jpegQuality = q
	}
}

// Builder assembles report documents. It holds no per-report state and is
// safe for concurrent use.
type Builder struct {
	compress    bool
	jpegQuality int
}

// NewBuilder returns a Builder with compression on and JPEG quality 90.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{compress: true, jpegQuality: 90}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build renders the one-page report. An invalid patient fails with
// ErrInvalidPatient; any other failure is a *GenerationFailure. Partial
// output is never exposed.
func (b *Builder) Build(patient Patient, msg diagnosis.Message, original *preprocess.RawImage, processed *preprocess.ProcessedImage, ts time.Time) (*Document, error) {
	if err := patient.Validate(); err != nil {
		return nil, err
	}
	if original == nil || original.Image == nil {
		return nil, fail("input", errors.New("missing original image"))
	}
	if processed == nil || processed.RGBA == nil {
		return nil, fail("input", errors.New("missing processed image"))
	}
	if msg.Text == "" {
		return nil, fail("input", errors.New("missing diagnosis message"))
	}

	originalData, err := encodeJPEG(original.Image, b.jpegQuality)
	if err != nil {
		return nil, fail("encode original image", err)
	}
	processedData, err := preprocess.EncodePNG(processed.RGBA)
	if err != nil {
		return nil, fail("encode processed image", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(b.compress)
	pdf.SetTitle(Title, false)
	pdf.SetCreator("Hypertensight", false)
	pdf.SetCreationDate(ts)
	pdf.SetModificationDate(ts)
	pdf.AddUTF8FontFromBytes(fontFamily, "", goregular.TTF)
	pdf.AddUTF8FontFromBytes(fontFamily, "B", gobold.TTF)

	pdf.AddPage()
	pdf.SetFont(fontFamily, "B", bodyFontSize)
	pdf.CellFormat(lineWidth, lineHeight, Title, "", 1, "C", false, 0, "")
	pdf.Ln(lineHeight)

	// Watermark goes down before the body so the body is painted over it.
	x, y := pdf.GetXY()
	pdf.SetTextColor(watermarkGray, watermarkGray, watermarkGray)
	pdf.SetFont(fontFamily, "", watermarkSize)
	pdf.TransformBegin()
	pdf.TransformRotate(watermarkAngle, x, y)
	pdf.Text(watermarkX, watermarkY, Watermark)
	pdf.TransformEnd()

	pdf.SetFont(fontFamily, "", bodyFontSize)
	pdf.SetTextColor(0, 0, 0)
	for _, line := range bodyLines(patient, ts) {
		pdf.CellFormat(lineWidth, lineHeight, line, "", 1, "L", false, 0, "")
	}
	pdf.MultiCell(lineWidth, lineHeight, "Analysis Result: "+msg.Text, "", "L", false)

	opts := fpdf.ImageOptions{ImageType: "JPG"}
	pdf.RegisterImageOptionsReader("original", opts, bytes.NewReader(originalData))
	pdf.ImageOptions("original", originalX, imageY, imageWidth, imageHeight, false, opts, 0, "")
	opts = fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("processed", opts, bytes.NewReader(processedData))
	pdf.ImageOptions("processed", processedX, imageY, imageWidth, imageHeight, false, opts, 0, "")

	pdf.SetFont(fontFamily, "", bodyFontSize)
	pdf.SetTextColor(0, 0, 0)
	pdf.Text(originalCaptionX, captionY, OriginalCaption)
	pdf.Text(processedCaptionX, captionY, ProcessedCaption)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fail("render", err)
	}
	return &Document{Filename: Filename, ContentType: ContentType, Data: buf.Bytes()}, nil
}

// bodyLines are the fixed metadata lines, in print order.
func bodyLines(p Patient, ts time.Time) []string {
	return []string{
		"Date: " + ts.Format("2006-01-02"),
		"Time: " + ts.Format("15:04:05"),
		"Patient Name: " + printable(p.Name),
		"Patient Age: " + FormatAge(p.Age),
		"Patient Gender: " + string(p.Gender),
		"Duration of Hypertension: " + string(p.Duration),
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
