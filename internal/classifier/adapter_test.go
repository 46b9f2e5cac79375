package classifier

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/hypertensight/internal/preprocess"
)

var yoloNames = map[int]string{0: "optdiagnosed", 1: "opthealthy"}

type stubPredictor struct {
	prediction *Prediction
	err        error
	block      bool
	calls      int
	lastInput  *Tensor
}

func (s *stubPredictor) Predict(ctx context.Context, input *Tensor) (*Prediction, error) {
	s.calls++
	s.lastInput = input
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.prediction, nil
}

func processedFixture(t *testing.T) *preprocess.ProcessedImage {
	t.Helper()
	src := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 90, G: uint8(x*6 + y), B: 20, A: 0xff})
		}
	}
	out, err := preprocess.Preprocess(&preprocess.RawImage{Image: src})
	if err != nil {
		t.Fatalf("preprocess fixture: %v", err)
	}
	return out
}

func TestClassifyMapsTopOnePrediction(t *testing.T) {
	cases := []struct {
		top1      int
		conf      float64
		wantLabel Label
		wantConf  float64
	}{
		{0, 0.932, LabelDiagnosed, 93.2},
		{1, 0.90, LabelHealthy, 90},
		{1, 0.70, LabelHealthy, 70},
	}
	for _, c := range cases {
		p := &stubPredictor{prediction: &Prediction{Top1: c.top1, Top1Conf: c.conf, Names: yoloNames}}
		a := NewAdapter(p, zap.NewNop())

		res, err := a.Classify(context.Background(), processedFixture(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Label != c.wantLabel || res.Confidence != c.wantConf {
			t.Fatalf("expected %s/%v, got %s/%v", c.wantLabel, c.wantConf, res.Label, res.Confidence)
		}
		if res.ClassName != yoloNames[c.top1] {
			t.Fatalf("expected class name %s, got %s", yoloNames[c.top1], res.ClassName)
		}
	}
}

func TestClassifySendsNCHWTensor(t *testing.T) {
	p := &stubPredictor{prediction: &Prediction{Top1: 1, Top1Conf: 0.5, Names: yoloNames}}
	if _, err := NewAdapter(p, zap.NewNop()).Classify(context.Background(), processedFixture(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	in := p.lastInput
	want := []int{1, 3, InputSize, InputSize}
	if len(in.Shape) != 4 || in.Shape[0] != want[0] || in.Shape[1] != want[1] || in.Shape[2] != want[2] || in.Shape[3] != want[3] {
		t.Fatalf("expected shape %v, got %v", want, in.Shape)
	}
	area := InputSize * InputSize
	if len(in.Data) != 3*area {
		t.Fatalf("expected %d values, got %d", 3*area, len(in.Data))
	}
	for i := 0; i < area; i++ {
		r, g, b := in.Data[i], in.Data[area+i], in.Data[2*area+i]
		if r != g || g != b {
			t.Fatalf("value %d: channel planes differ (%v, %v, %v)", i, r, g, b)
		}
		if r < 0 || r > 1 {
			t.Fatalf("value %d out of [0,1]: %v", i, r)
		}
	}
}

func TestClassifyPassesThroughUnknownClassName(t *testing.T) {
	p := &stubPredictor{prediction: &Prediction{Top1: 2, Top1Conf: 0.6, Names: map[int]string{2: "optungradable"}}}
	res, err := NewAdapter(p, zap.NewNop()).Classify(context.Background(), processedFixture(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != Label("optungradable") {
		t.Fatalf("expected raw label, got %s", res.Label)
	}
}

func TestClassifyFailures(t *testing.T) {
	boom := errors.New("inference server exploded")
	cases := []struct {
		name      string
		predictor *stubPredictor
		image     *preprocess.ProcessedImage
		wantStage string
		wantCause error
	}{
		{"empty image", &stubPredictor{}, &preprocess.ProcessedImage{}, StageResize, nil},
		{"inference error", &stubPredictor{err: boom}, nil, StageInference, boom},
		{"nil prediction", &stubPredictor{}, nil, StageOutput, nil},
		{"confidence above one", &stubPredictor{prediction: &Prediction{Top1: 0, Top1Conf: 1.2, Names: yoloNames}}, nil, StageOutput, nil},
		{"confidence NaN", &stubPredictor{prediction: &Prediction{Top1: 0, Top1Conf: math.NaN(), Names: yoloNames}}, nil, StageOutput, nil},
		{"unknown index", &stubPredictor{prediction: &Prediction{Top1: 7, Top1Conf: 0.9, Names: yoloNames}}, nil, StageOutput, nil},
	}
	for _, c := range cases {
		img := c.image
		if img == nil {
			img = processedFixture(t)
		}
		_, err := NewAdapter(c.predictor, zap.NewNop()).Classify(context.Background(), img)
		if !errors.Is(err, ErrClassificationFailure) {
			t.Fatalf("%s: expected ErrClassificationFailure, got %v", c.name, err)
		}
		var failure *Failure
		if !errors.As(err, &failure) || failure.Stage != c.wantStage {
			t.Fatalf("%s: expected stage %s, got %v", c.name, c.wantStage, err)
		}
		if c.wantCause != nil && !errors.Is(err, c.wantCause) {
			t.Fatalf("%s: expected cause %v in chain", c.name, c.wantCause)
		}
	}
}

func TestClassifyTimeout(t *testing.T) {
	p := &stubPredictor{block: true}
	a := NewAdapter(p, zap.NewNop(), WithTimeout(20*time.Millisecond))

	_, err := a.Classify(context.Background(), processedFixture(t))
	if !errors.Is(err, ErrClassificationFailure) {
		t.Fatalf("expected ErrClassificationFailure, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", p.calls)
	}
}

func TestClassifyCustomLabels(t *testing.T) {
	p := &stubPredictor{prediction: &Prediction{Top1: 0, Top1Conf: 0.8, Names: map[int]string{0: "HR"}}}
	a := NewAdapter(p, zap.NewNop(), WithLabels(map[string]Label{"hr": LabelDiagnosed}))

	res, err := a.Classify(context.Background(), processedFixture(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != LabelDiagnosed {
		t.Fatalf("expected diagnosed, got %s", res.Label)
	}
}

func TestPercent(t *testing.T) {
	cases := map[float64]float64{
		0:       0,
		1:       100,
		0.85:    85,
		0.85001: 85,
		0.8506:  85.1,
		0.859:   85.9,
		0.932:   93.2,
		0.9999:  100,
	}
	for in, want := range cases {
		if got := Percent(in); got != want {
			t.Fatalf("Percent(%v) = %v, want %v", in, got, want)
		}
	}
}
