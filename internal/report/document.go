package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrReportGeneration matches every *GenerationFailure.
var ErrReportGeneration = errors.New("report generation failure")

// GenerationFailure reports the step of document assembly that failed.
type GenerationFailure struct {
	Step string
	Err  error
}

func (f *GenerationFailure) Error() string {
	return fmt.Sprintf("report generation failed during %s: %v", f.Step, f.Err)
}

func (f *GenerationFailure) Unwrap() error { return f.Err }

// Is makes errors.Is(err, ErrReportGeneration) hold for any GenerationFailure.
func (f *GenerationFailure) Is(target error) bool { return target == ErrReportGeneration }

func fail(step string, err error) error {
	return &GenerationFailure{Step: step, Err: err}
}

const (
	Filename    = "report.pdf"
	ContentType = "application/pdf"
)

// Document is a finished PDF held in memory.
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

// WriteTo streams the PDF to w.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	n, err := io.Copy(w, bytes.NewReader(d.Data))
	return n, err
}

// WriteFile stores the PDF at path. The bytes go to a uniquely named
// temporary file in the same directory first and are renamed into place only
// after a complete, synced write; nothing is left behind on failure.
func (d *Document) WriteFile(path string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.pdf.tmp")
	if err != nil {
		return fail("write", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(d.Data); err != nil {
		return fail("write", err)
	}
	if err = tmp.Sync(); err != nil {
		return fail("write", err)
	}
	if err = tmp.Close(); err != nil {
		return fail("write", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fail("write", err)
	}
	return nil
}
