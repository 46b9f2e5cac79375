package usecase

import (
	"errors"

	"github.com/example/hypertensight/internal/classifier"
	"github.com/example/hypertensight/internal/diagnosis"
	"github.com/example/hypertensight/internal/preprocess"
	"github.com/example/hypertensight/internal/report"
)

// Error kinds, used as metric labels, status records and API error codes.
const (
	KindNone                  = "completed"
	KindInvalidPatient        = "invalid_patient"
	KindInvalidImage          = "invalid_image"
	KindClassificationFailure = "classification_failure"
	KindUnrecognizedLabel     = "unrecognized_label"
	KindReportGeneration      = "report_generation_failure"
	KindInternal              = "internal"
)

// ErrorKind classifies err into the pipeline error taxonomy.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, report.ErrInvalidPatient):
		return KindInvalidPatient
	case errors.Is(err, preprocess.ErrInvalidImage):
		return KindInvalidImage
	case errors.Is(err, classifier.ErrClassificationFailure):
		return KindClassificationFailure
	case errors.Is(err, diagnosis.ErrUnrecognizedLabel), errors.Is(err, diagnosis.ErrConfidenceRange):
		return KindUnrecognizedLabel
	case errors.Is(err, report.ErrReportGeneration):
		return KindReportGeneration
	}
	return KindInternal
}
