// Package classifier adapts an opaque image classifier to the typed result
// the diagnosis step consumes.
package classifier

import (
	"context"
	"errors"
	"fmt"
)

// Label is the clinical category of a classification.
type Label string

const (
	LabelDiagnosed Label = "diagnosed"
	LabelHealthy   Label = "healthy"
)

// Result is the normalized top-1 classification.
type Result struct {
	Label Label
	// ClassName is the class name exactly as the model reported it.
	ClassName string
	// Confidence is the top-1 probability rounded to 3 decimals, as a
	// percentage in [0, 100].
	Confidence float64
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Prediction is the raw top-1 output of the model.
type Prediction struct {
	Top1     int
	Top1Conf float64
	Names    map[int]string
}

// Predictor is the classifier capability. Implementations must be safe for
// concurrent read-only use.
type Predictor interface {
	Predict(ctx context.Context, input *Tensor) (*Prediction, error)
}

// ErrClassificationFailure matches every *Failure.
var ErrClassificationFailure = errors.New("classification failure")

// Stages reported by Failure.
const (
	StageResize    = "resize"
	StageTensor    = "tensor"
	StageInference = "inference"
	StageOutput    = "output"
)

// Failure reports which classification stage failed and why.
type Failure struct {
	Stage string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("classification failed during %s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is makes errors.Is(err, ErrClassificationFailure) hold for any Failure.
func (f *Failure) Is(target error) bool { return target == ErrClassificationFailure }

func fail(stage string, err error) error {
	return &Failure{Stage: stage, Err: err}
}
