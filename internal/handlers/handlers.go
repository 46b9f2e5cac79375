package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/example/hypertensight/internal/logging"
	"github.com/example/hypertensight/internal/report"
	"github.com/example/hypertensight/internal/usecase"
)

// MaxUploadSize is the default limit for an uploaded image.
const MaxUploadSize = 10 << 20

// formOverhead covers multipart boundaries and the text fields.
const formOverhead = 64 << 10

var allowedImageTypes = []string{"image/jpeg", "image/png"}

// AnalysisService is the use case surface the handlers depend on.
type AnalysisService interface {
	Analyze(ctx context.Context, req usecase.AnalyzeRequest) (*usecase.Analysis, error)
	Preview(ctx context.Context, image []byte) ([]byte, error)
	GetStatus(ctx context.Context, requestID string) (*usecase.StatusRecord, error)
}

// HealthChecker reports whether the classifier backend is serving.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options tunes the routes. Zero values fall back to defaults; a nil Health
// or Gatherer leaves that part out.
type Options struct {
	MaxUploadBytes int64
	RateLimit      rate.Limit
	RateBurst      int
	Health         HealthChecker
	Gatherer       prometheus.Gatherer
}

type uploadError struct {
	status  int
	message string
}

func (e *uploadError) Error() string { return e.message }

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc AnalysisService, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 2
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	limiter := NewRateLimiter(RateLimiterConfig{Rate: opts.RateLimit, Burst: opts.RateBurst})

	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if opts.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			body["classifier"] = "ok"
			if err := opts.Health.Health(ctx); err != nil {
				body["classifier"] = "unavailable"
			}
		}
		c.JSON(http.StatusOK, body)
	})

	router.POST("/analyze", limiter.RateLimit(), func(c *gin.Context) {
		data, uerr := readImage(c, opts.MaxUploadBytes)
		if uerr != nil {
			c.JSON(uerr.status, gin.H{"error": uerr.message})
			return
		}

		patient, err := parsePatient(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": usecase.KindInvalidPatient})
			return
		}

		analysis, err := svc.Analyze(c.Request.Context(), usecase.AnalyzeRequest{Patient: patient, Image: data})
		if err != nil {
			writeError(c, err)
			return
		}

		c.Header("X-Request-ID", analysis.RequestID)
		c.Header("X-Diagnosis", analysis.Message.Text)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", analysis.Report.Filename))
		c.Data(http.StatusOK, analysis.Report.ContentType, analysis.Report.Data)
	})

	router.POST("/preprocess", limiter.RateLimit(), func(c *gin.Context) {
		data, uerr := readImage(c, opts.MaxUploadBytes)
		if uerr != nil {
			c.JSON(uerr.status, gin.H{"error": uerr.message})
			return
		}

		out, err := svc.Preview(c.Request.Context(), data)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", out)
	})

	router.GET("/analyses/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		record, err := svc.GetStatus(c.Request.Context(), requestID)
		if errors.Is(err, usecase.ErrStatusNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
			return
		}
		c.JSON(http.StatusOK, record)
	})

	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

func readImage(c *gin.Context, limit int64) ([]byte, *uploadError) {
	tooLarge := &uploadError{status: http.StatusRequestEntityTooLarge, message: fmt.Sprintf("image exceeds %d bytes", limit)}
	if c.Request.ContentLength > limit+formOverhead {
		return nil, tooLarge
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+formOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge
		}
		return nil, &uploadError{status: http.StatusBadRequest, message: "image file is required"}
	}
	if file.Size > limit {
		return nil, tooLarge
	}

	src, err := file.Open()
	if err != nil {
		return nil, &uploadError{status: http.StatusBadRequest, message: "unable to open image"}
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, &uploadError{status: http.StatusInternalServerError, message: "failed to read image"}
	}
	if int64(len(data)) > limit {
		return nil, tooLarge
	}

	detected := mimetype.Detect(data)
	if !mimetype.EqualsAny(detected.String(), allowedImageTypes...) {
		return nil, &uploadError{
			status:  http.StatusUnsupportedMediaType,
			message: fmt.Sprintf("unsupported image type %s", detected.String()),
		}
	}
	return data, nil
}

func parsePatient(c *gin.Context) (report.Patient, error) {
	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		return report.Patient{}, errors.New("name is required")
	}
	age, err := strconv.ParseFloat(strings.TrimSpace(c.PostForm("age")), 64)
	if err != nil {
		return report.Patient{}, errors.New("age must be a number")
	}
	gender, err := report.ParseGender(c.PostForm("gender"))
	if err != nil {
		return report.Patient{}, err
	}
	duration, err := report.ParseHypertensionDuration(c.PostForm("duration"))
	if err != nil {
		return report.Patient{}, err
	}

	patient := report.Patient{Name: name, Age: age, Gender: gender, Duration: duration}
	if err := patient.Validate(); err != nil {
		return report.Patient{}, err
	}
	return patient, nil
}

func writeError(c *gin.Context, err error) {
	kind := usecase.ErrorKind(err)
	body := gin.H{"error": publicMessage(kind), "kind": kind}
	if id := logging.RequestIDOf(err); id != "" {
		body["request_id"] = id
	}
	c.JSON(StatusFor(err), body)
}

// StatusFor maps a pipeline error onto an HTTP status code.
func StatusFor(err error) int {
	switch usecase.ErrorKind(err) {
	case usecase.KindInvalidPatient:
		return http.StatusBadRequest
	case usecase.KindInvalidImage:
		return http.StatusUnprocessableEntity
	case usecase.KindClassificationFailure, usecase.KindUnrecognizedLabel:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func publicMessage(kind string) string {
	switch kind {
	case usecase.KindInvalidPatient:
		return "invalid patient data"
	case usecase.KindInvalidImage:
		return "image could not be decoded"
	case usecase.KindClassificationFailure:
		return "classification failed"
	case usecase.KindUnrecognizedLabel:
		return "classifier returned an unrecognized result"
	case usecase.KindReportGeneration:
		return "report generation failed"
	}
	return "internal error"
}
