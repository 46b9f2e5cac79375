package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/hypertensight/internal/classifier"
	"github.com/example/hypertensight/internal/diagnosis"
	"github.com/example/hypertensight/internal/logging"
	"github.com/example/hypertensight/internal/preprocess"
	"github.com/example/hypertensight/internal/report"
)

// ErrStatusNotFound is returned by GetStatus for unknown or expired requests.
var ErrStatusNotFound = errors.New("analysis status not found")

// Classifier runs inference on a processed image.
type Classifier interface {
	Classify(ctx context.Context, img *preprocess.ProcessedImage) (classifier.Result, error)
}

// Interpreter phrases a classification result.
type Interpreter interface {
	Interpret(result classifier.Result) (diagnosis.Message, error)
}

// ReportBuilder assembles the printable report.
type ReportBuilder interface {
	Build(patient report.Patient, msg diagnosis.Message, original *preprocess.RawImage, processed *preprocess.ProcessedImage, ts time.Time) (*report.Document, error)
}

// AnalyzeRequest is one upload with its patient metadata.
type AnalyzeRequest struct {
	Patient report.Patient
	Image   []byte
}

// Analysis is the outcome of a successful request.
type Analysis struct {
	RequestID string
	Result    classifier.Result
	Message   diagnosis.Message
	Report    *report.Document
}

// Status values recorded for a request.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// StatusRecord is what the cache holds for a request. It carries no patient
// data, images or report bytes.
type StatusRecord struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	ErrorKind string    `json:"error_kind,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnalysisUseCase runs the image-to-report pipeline.
type AnalysisUseCase struct {
	classifier    Classifier
	interpreter   Interpreter
	builder       ReportBuilder
	cache         Cache
	metrics       *Metrics
	logger        *zap.Logger
	now           func() time.Time
	retry         cacheRetry
	processingTTL time.Duration
	resultTTL     time.Duration
}

// NewAnalysisUseCase wires the pipeline stages. A nil cache disables status
// tracking; nil metrics are replaced by unregistered collectors.
func NewAnalysisUseCase(cls Classifier, interp Interpreter, builder ReportBuilder, cache Cache, metrics *Metrics, logger *zap.Logger) *AnalysisUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &AnalysisUseCase{
		classifier:    cls,
		interpreter:   interp,
		builder:       builder,
		cache:         cache,
		metrics:       metrics,
		logger:        logger.Named("analysis_usecase"),
		now:           time.Now,
		retry:         defaultCacheRetry(),
		processingTTL: time.Minute,
		resultTTL:     10 * time.Minute,
	}
}

// Analyze decodes, preprocesses, classifies and interprets the upload and
// builds the report. The first failing stage ends the request; its error is
// wrapped in a logging.OperationError and keeps its sentinel.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze", requestID)

	analysis, err := uc.analyze(ctx, requestID, req)
	outcome := ErrorKind(err)
	uc.metrics.Analyses.WithLabelValues(outcome).Inc()

	if err != nil {
		opLogger.Error("analysis failed", zap.Error(err), zap.String("kind", outcome))
		uc.recordStatus(ctx, requestID, StatusFailed, outcome, uc.resultTTL)
		return nil, err
	}

	opLogger.Info("analysis completed",
		zap.String("label", string(analysis.Result.Label)),
		zap.Float64("confidence", analysis.Result.Confidence),
		zap.Bool("advisory", analysis.Message.Advisory),
		zap.Int("report_bytes", len(analysis.Report.Data)),
	)
	uc.recordStatus(ctx, requestID, StatusCompleted, "", uc.resultTTL)
	return analysis, nil
}

func (uc *AnalysisUseCase) analyze(ctx context.Context, requestID string, req AnalyzeRequest) (*Analysis, error) {
	if err := req.Patient.Validate(); err != nil {
		return nil, logging.NewOperationError("usecase.validate_patient", requestID, err)
	}
	uc.recordStatus(ctx, requestID, StatusProcessing, "", uc.processingTTL)

	var (
		raw       *preprocess.RawImage
		processed *preprocess.ProcessedImage
		result    classifier.Result
		msg       diagnosis.Message
		doc       *report.Document
	)
	stages := []struct {
		name string
		run  func() error
	}{
		{"decode", func() (err error) {
			raw, err = preprocess.Decode(req.Image)
			return err
		}},
		{"preprocess", func() (err error) {
			processed, err = preprocess.Preprocess(raw)
			return err
		}},
		{"classify", func() (err error) {
			result, err = uc.classifier.Classify(ctx, processed)
			return err
		}},
		{"interpret", func() (err error) {
			msg, err = uc.interpreter.Interpret(result)
			return err
		}},
		{"report", func() (err error) {
			doc, err = uc.builder.Build(req.Patient, msg, raw, processed, uc.now())
			return err
		}},
	}
	for _, stage := range stages {
		if err := uc.timed(stage.name, stage.run); err != nil {
			return nil, logging.NewOperationError("usecase."+stage.name, requestID, err)
		}
	}

	return &Analysis{RequestID: requestID, Result: result, Message: msg, Report: doc}, nil
}

// Preview returns the processed form of an upload as PNG.
func (uc *AnalysisUseCase) Preview(ctx context.Context, image []byte) ([]byte, error) {
	var out []byte
	err := uc.timed("preview", func() error {
		raw, err := preprocess.Decode(image)
		if err != nil {
			return err
		}
		processed, err := preprocess.Preprocess(raw)
		if err != nil {
			return err
		}
		out, err = preprocess.EncodePNG(processed)
		return err
	})
	if err != nil {
		return nil, logging.NewOperationError("usecase.preview", "", err)
	}
	return out, nil
}

// GetStatus reads the status record of a request.
func (uc *AnalysisUseCase) GetStatus(ctx context.Context, requestID string) (*StatusRecord, error) {
	key := statusKey(requestID)
	var value string
	err := uc.cacheCall(ctx, requestID, "cache.get.status", func(ctx context.Context) error {
		v, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}

	var record StatusRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, logging.NewOperationError("usecase.decode_status", requestID, err)
	}
	return &record, nil
}

func (uc *AnalysisUseCase) timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	uc.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return err
}

// recordStatus is best effort: a cache outage is logged and never fails the
// analysis. The write outlives a canceled request so a client that hangs up
// still leaves a final status behind.
func (uc *AnalysisUseCase) recordStatus(ctx context.Context, requestID, status, kind string, ttl time.Duration) {
	ctx = context.WithoutCancel(ctx)
	record := StatusRecord{RequestID: requestID, Status: status, ErrorKind: kind, UpdatedAt: uc.now().UTC()}
	serialized, err := json.Marshal(record)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.record_status", requestID).Warn("failed to encode status", zap.Error(err))
		return
	}

	if err := uc.cacheCall(ctx, requestID, "cache.set."+status, func(ctx context.Context) error {
		return uc.cache.Set(ctx, statusKey(requestID), string(serialized), ttl)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.record_status", requestID).Warn("failed to record status", zap.Error(err))
	}
}

// cacheCall runs fn under the cache retry policy and tags any error with the
// operation.
func (uc *AnalysisUseCase) cacheCall(ctx context.Context, requestID, operation string, fn func(ctx context.Context) error) error {
	attempts, err := uc.retry.run(ctx, fn)
	if attempts > 1 {
		logging.WithOperation(uc.logger, operation, requestID).Info("cache operation retried",
			zap.Int("attempts", attempts), zap.Bool("succeeded", err == nil))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func statusKey(requestID string) string {
	return "analysis:" + requestID
}
