package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/hypertensight/internal/preprocess"
)

// DefaultLabels maps model class names to clinical labels.
var DefaultLabels = map[string]Label{
	"optdiagnosed": LabelDiagnosed,
	"opthealthy":   LabelHealthy,
	"diagnosed":    LabelDiagnosed,
	"healthy":      LabelHealthy,
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout bounds each inference call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = d
	}
}

// WithLabels replaces the class-name to label table.
func WithLabels(labels map[string]Label) Option {
	return func(a *Adapter) {
		a.labels = labels
	}
}

// Adapter runs a processed image through a Predictor.
type Adapter struct {
	predictor Predictor
	timeout   time.Duration
	labels    map[string]Label
	logger    *zap.Logger
}

// NewAdapter wraps predictor. The predictor is shared, never re-created.
func NewAdapter(predictor Predictor, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		predictor: predictor,
		timeout:   10 * time.Second,
		labels:    DefaultLabels,
		logger:    logger.Named("classifier"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Classify resizes img to the model input size, runs inference and
// normalizes the top-1 output. Every failure is a *Failure; nothing is retried.
func (a *Adapter) Classify(ctx context.Context, img *preprocess.ProcessedImage) (Result, error) {
	if img == nil || img.RGBA == nil || img.Bounds().Empty() {
		return Result{}, fail(StageResize, errors.New("empty processed image"))
	}

	resized := Resize(img.RGBA, InputSize)
	tensor, err := ToTensor(resized)
	if err != nil {
		return Result{}, fail(StageTensor, err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	pred, err := a.predictor.Predict(ctx, tensor)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return Result{}, fail(StageInference, err)
	}
	if pred == nil {
		return Result{}, fail(StageOutput, errors.New("empty prediction"))
	}

	result, err := a.normalize(pred)
	if err != nil {
		return Result{}, fail(StageOutput, err)
	}

	a.logger.Debug("classified image",
		zap.String("label", string(result.Label)),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("inference", time.Since(start)),
	)
	return result, nil
}

func (a *Adapter) normalize(pred *Prediction) (Result, error) {
	conf := pred.Top1Conf
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return Result{}, fmt.Errorf("top-1 confidence %v outside [0, 1]", conf)
	}
	name, ok := pred.Names[pred.Top1]
	if !ok {
		return Result{}, fmt.Errorf("no class name for index %d", pred.Top1)
	}

	label, ok := a.labels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		label = Label(name)
	}
	return Result{Label: label, ClassName: name, Confidence: Percent(conf)}, nil
}

// Percent rounds a probability to 3 decimals and scales it to a percentage.
// Rounding and scaling are one division, so 0.859 yields 85.9 exactly.
func Percent(p float64) float64 {
	return math.Round(p*1000) / 10
}
