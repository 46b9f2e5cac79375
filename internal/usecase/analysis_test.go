package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/example/hypertensight/internal/classifier"
	"github.com/example/hypertensight/internal/diagnosis"
	"github.com/example/hypertensight/internal/logging"
	"github.com/example/hypertensight/internal/preprocess"
	"github.com/example/hypertensight/internal/report"
)

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
	values    map[string]string
}

func (s *stubCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.setValues = append(s.setValues, value)
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(s.getValues) > 0 {
		v := s.getValues[0]
		s.getValues = s.getValues[1:]
		return v, nil
	}
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

type stubClassifier struct {
	result classifier.Result
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, img *preprocess.ProcessedImage) (classifier.Result, error) {
	s.calls++
	if s.err != nil {
		return classifier.Result{}, s.err
	}
	return s.result, nil
}

type stubBuilder struct {
	err     error
	calls   int
	patient report.Patient
	message diagnosis.Message
	ts      time.Time
}

func (s *stubBuilder) Build(patient report.Patient, msg diagnosis.Message, original *preprocess.RawImage, processed *preprocess.ProcessedImage, ts time.Time) (*report.Document, error) {
	s.calls++
	s.patient, s.message, s.ts = patient, msg, ts
	if s.err != nil {
		return nil, s.err
	}
	return &report.Document{Filename: report.Filename, ContentType: report.ContentType, Data: []byte("%PDF-stub")}, nil
}

type transientCacheError struct{}

func (transientCacheError) Error() string   { return "cache transient" }
func (transientCacheError) Timeout() bool   { return true }
func (transientCacheError) Temporary() bool { return true }

var testPatient = report.Patient{Name: "Jane Doe", Age: 54, Gender: report.GenderFemale, Duration: report.DurationUnderFiveYears}

func pngFixture(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 120, G: uint8(x*8 + y), B: 30, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func newTestUseCase(cls Classifier, builder ReportBuilder, cache Cache, metrics *Metrics) *AnalysisUseCase {
	uc := NewAnalysisUseCase(cls, diagnosis.NewInterpreter(0), builder, cache, metrics, zap.NewNop())
	uc.retry = cacheRetry{attempts: 3, attemptTimeout: time.Second, initialBackoff: time.Millisecond, maxBackoff: 2 * time.Millisecond}
	return uc
}

func TestAnalyzeProducesReport(t *testing.T) {
	cls := &stubClassifier{result: classifier.Result{Label: classifier.LabelDiagnosed, ClassName: "optdiagnosed", Confidence: 93.2}}
	builder := &stubBuilder{}
	cache := &stubCache{}
	metrics := NewMetrics(prometheus.NewRegistry())
	uc := newTestUseCase(cls, builder, cache, metrics)
	fixed := time.Date(2026, time.October, 14, 8, 0, 0, 0, time.UTC)
	uc.now = func() time.Time { return fixed }

	analysis, err := uc.Analyze(context.Background(), AnalyzeRequest{Patient: testPatient, Image: pngFixture(t)})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if analysis.RequestID == "" {
		t.Fatal("expected request id")
	}
	if analysis.Message.Text != "Hypertensive Retinopathy detected with 93.2% certainty." {
		t.Fatalf("unexpected message: %q", analysis.Message.Text)
	}
	if builder.patient != testPatient || builder.message.Text != analysis.Message.Text || !builder.ts.Equal(fixed) {
		t.Fatalf("builder received unexpected input: %+v", builder)
	}
	if analysis.Report == nil || analysis.Report.Filename != "report.pdf" {
		t.Fatalf("unexpected report: %+v", analysis.Report)
	}
	if got := testutil.ToFloat64(metrics.Analyses.WithLabelValues(KindNone)); got != 1 {
		t.Fatalf("expected one completed analysis, got %v", got)
	}

	if len(cache.setKeys) != 2 || cache.setKeys[0] != "analysis:"+analysis.RequestID {
		t.Fatalf("unexpected status writes: %v", cache.setKeys)
	}
	for _, v := range cache.setValues {
		if bytes.Contains([]byte(v), []byte("Jane")) {
			t.Fatalf("status record leaked patient data: %s", v)
		}
	}
	status, err := uc.GetStatus(context.Background(), analysis.RequestID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %+v", status)
	}
}

func TestAnalyzeInvalidImageStopsPipeline(t *testing.T) {
	for name, data := range map[string][]byte{"empty": nil, "garbage": []byte("GIF89a")} {
		cls := &stubClassifier{}
		builder := &stubBuilder{}
		cache := &stubCache{}
		uc := newTestUseCase(cls, builder, cache, nil)

		_, err := uc.Analyze(context.Background(), AnalyzeRequest{Patient: testPatient, Image: data})
		if !errors.Is(err, preprocess.ErrInvalidImage) {
			t.Fatalf("%s: expected ErrInvalidImage, got %v", name, err)
		}
		if cls.calls != 0 || builder.calls != 0 {
			t.Fatalf("%s: downstream stages ran (classify=%d build=%d)", name, cls.calls, builder.calls)
		}
		if op := logging.OperationOf(err); op != "usecase.decode" {
			t.Fatalf("%s: expected failing operation usecase.decode, got %s", name, op)
		}

		var record StatusRecord
		if err := json.Unmarshal([]byte(cache.setValues[len(cache.setValues)-1]), &record); err != nil {
			t.Fatalf("%s: decode status: %v", name, err)
		}
		if record.Status != StatusFailed || record.ErrorKind != KindInvalidImage {
			t.Fatalf("%s: unexpected final status %+v", name, record)
		}
	}
}

func TestAnalyzeStageFailuresKeepTaxonomy(t *testing.T) {
	cases := []struct {
		name     string
		cls      *stubClassifier
		builder  *stubBuilder
		patient  report.Patient
		sentinel error
		kind     string
	}{
		{
			name:     "classification failure",
			cls:      &stubClassifier{err: &classifier.Failure{Stage: classifier.StageInference, Err: errors.New("unavailable")}},
			builder:  &stubBuilder{},
			patient:  testPatient,
			sentinel: classifier.ErrClassificationFailure,
			kind:     KindClassificationFailure,
		},
		{
			name:     "unrecognized label",
			cls:      &stubClassifier{result: classifier.Result{Label: "optungradable", Confidence: 80}},
			builder:  &stubBuilder{},
			patient:  testPatient,
			sentinel: diagnosis.ErrUnrecognizedLabel,
			kind:     KindUnrecognizedLabel,
		},
		{
			name:     "report failure",
			cls:      &stubClassifier{result: classifier.Result{Label: classifier.LabelHealthy, Confidence: 90}},
			builder:  &stubBuilder{err: &report.GenerationFailure{Step: "render", Err: errors.New("disk full")}},
			patient:  testPatient,
			sentinel: report.ErrReportGeneration,
			kind:     KindReportGeneration,
		},
		{
			name:     "invalid patient",
			cls:      &stubClassifier{},
			builder:  &stubBuilder{},
			patient:  report.Patient{Age: 54, Gender: report.GenderFemale, Duration: report.DurationUnderFiveYears},
			sentinel: report.ErrInvalidPatient,
			kind:     KindInvalidPatient,
		},
	}
	for _, c := range cases {
		metrics := NewMetrics(prometheus.NewRegistry())
		uc := newTestUseCase(c.cls, c.builder, &stubCache{}, metrics)

		analysis, err := uc.Analyze(context.Background(), AnalyzeRequest{Patient: c.patient, Image: pngFixture(t)})
		if analysis != nil {
			t.Fatalf("%s: expected no analysis on failure", c.name)
		}
		if !errors.Is(err, c.sentinel) {
			t.Fatalf("%s: expected %v, got %v", c.name, c.sentinel, err)
		}
		if ErrorKind(err) != c.kind {
			t.Fatalf("%s: expected kind %s, got %s", c.name, c.kind, ErrorKind(err))
		}
		if logging.RequestIDOf(err) == "" {
			t.Fatalf("%s: expected request id on error", c.name)
		}
		if got := testutil.ToFloat64(metrics.Analyses.WithLabelValues(c.kind)); got != 1 {
			t.Fatalf("%s: expected outcome counter 1, got %v", c.name, got)
		}
	}
}

func TestAnalyzeSurvivesCacheOutage(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("connection refused"), errors.New("connection refused")}}
	cls := &stubClassifier{result: classifier.Result{Label: classifier.LabelHealthy, Confidence: 90}}
	uc := newTestUseCase(cls, &stubBuilder{}, cache, nil)

	if _, err := uc.Analyze(context.Background(), AnalyzeRequest{Patient: testPatient, Image: pngFixture(t)}); err != nil {
		t.Fatalf("expected cache outage to be tolerated, got %v", err)
	}
}

func TestRecordStatusRetriesTransientErrors(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientCacheError{}}}
	uc := newTestUseCase(&stubClassifier{}, &stubBuilder{}, cache, nil)

	uc.recordStatus(context.Background(), "req-1", StatusProcessing, "", time.Minute)
	if len(cache.setKeys) != 2 {
		t.Fatalf("expected one retry, got %d attempts", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
}

func TestRecordStatusSurvivesCanceledRequest(t *testing.T) {
	cache := &stubCache{}
	uc := newTestUseCase(&stubClassifier{}, &stubBuilder{}, cache, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	uc.recordStatus(ctx, "req-3", StatusFailed, KindClassificationFailure, time.Minute)

	status, err := uc.GetStatus(context.Background(), "req-3")
	if err != nil {
		t.Fatalf("expected the final status to be stored, got %v", err)
	}
	if status.Status != StatusFailed || status.ErrorKind != KindClassificationFailure {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestGetStatusDoesNotRetryMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil, transientCacheError{}}}
	uc := newTestUseCase(&stubClassifier{}, &stubBuilder{}, cache, nil)

	if _, err := uc.GetStatus(context.Background(), "req-4"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
	if len(cache.getErrs) != 1 {
		t.Fatalf("expected a single lookup, %d queued errors left", len(cache.getErrs))
	}
}

func TestCacheCallReturnsOperationError(t *testing.T) {
	uc := newTestUseCase(&stubClassifier{}, &stubBuilder{}, &stubCache{}, nil)

	attempts := 0
	err := uc.cacheCall(context.Background(), "req-2", "cache.set.processing", func(context.Context) error {
		attempts++
		return errors.New("boom")
	})
	if attempts != 1 {
		t.Fatalf("expected non-transient error to stop after 1 attempt, got %d", attempts)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.processing" || opErr.RequestID != "req-2" {
		t.Fatalf("unexpected operation error: %+v", opErr)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	uc := newTestUseCase(&stubClassifier{}, &stubBuilder{}, nil, nil)
	if _, err := uc.GetStatus(context.Background(), "missing"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	uc := newTestUseCase(&stubClassifier{}, &stubBuilder{}, nil, nil)

	out, err := uc.Preview(context.Background(), pngFixture(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
		t.Fatalf("unexpected preview bounds %v", img.Bounds())
	}

	if _, err := uc.Preview(context.Background(), nil); !errors.Is(err, preprocess.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}
