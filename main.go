package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/hypertensight/internal/classifier"
	"github.com/example/hypertensight/internal/config"
	"github.com/example/hypertensight/internal/diagnosis"
	"github.com/example/hypertensight/internal/grpcclient"
	"github.com/example/hypertensight/internal/handlers"
	"github.com/example/hypertensight/internal/logging"
	"github.com/example/hypertensight/internal/report"
	"github.com/example/hypertensight/internal/usecase"
)

const usage = `usage:
  hypertensight [serve]
  hypertensight report -image fundus.jpg -name NAME -age AGE -gender GENDER -duration DURATION [-out report.pdf]
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = runServe(cfg, logger)
	case "report":
		err = runReport(cfg, logger, args, os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal(command+" failed", zap.Error(err))
	}
}

func runServe(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClassifierDialTimeout+5*time.Second)
	defer cancel()

	client, err := dialClassifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient, err := initRedis(redisCtx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient, usecase.DefaultKeyPrefix)
	} else {
		logger.Info("REDIS_ADDR not set, status tracking disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	uc := newUseCase(cfg, client, cache, usecase.NewMetrics(reg), logger)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	handlers.RegisterRoutes(r, uc, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimit:      rate.Limit(cfg.RateLimitRPS),
		RateBurst:      cfg.RateLimitBurst,
		Health:         client,
		Gatherer:       reg,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Hypertensight API listening", zap.String("addr", cfg.HTTPAddr))
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

// runReport runs one analysis from the command line and writes the PDF.
func runReport(cfg *config.Config, logger *zap.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	imagePath := fs.String("image", "", "fundus image (JPEG or PNG)")
	name := fs.String("name", "", "patient name")
	age := fs.String("age", "", "patient age")
	gender := fs.String("gender", "", "male, female or undisclosed")
	duration := fs.String("duration", "", "<1y, <5y or >5y")
	out := fs.String("out", report.Filename, "output PDF path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	patient, err := parsePatientFlags(*name, *age, *gender, *duration)
	if err != nil {
		return err
	}
	if *imagePath == "" {
		return errors.New("-image is required")
	}
	data, err := os.ReadFile(*imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClassifierDialTimeout+cfg.ClassifierTimeout+5*time.Second)
	defer cancel()

	client, err := dialClassifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	uc := newUseCase(cfg, client, nil, nil, logger)
	analysis, err := uc.Analyze(ctx, usecase.AnalyzeRequest{Patient: patient, Image: data})
	if err != nil {
		return err
	}
	if err := analysis.Report.WriteFile(*out); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%s\n%s written\n", analysis.Message.Text, *out)
	return nil
}

func parsePatientFlags(name, age, gender, duration string) (report.Patient, error) {
	ageValue, err := strconv.ParseFloat(age, 64)
	if err != nil {
		return report.Patient{}, fmt.Errorf("%w: -age must be a number", report.ErrInvalidPatient)
	}
	g, err := report.ParseGender(gender)
	if err != nil {
		return report.Patient{}, err
	}
	d, err := report.ParseHypertensionDuration(duration)
	if err != nil {
		return report.Patient{}, err
	}
	patient := report.Patient{Name: name, Age: ageValue, Gender: g, Duration: d}
	return patient, patient.Validate()
}

func newUseCase(cfg *config.Config, predictor classifier.Predictor, cache usecase.Cache, metrics *usecase.Metrics, logger *zap.Logger) *usecase.AnalysisUseCase {
	adapter := classifier.NewAdapter(predictor, logger, classifier.WithTimeout(cfg.ClassifierTimeout))
	return usecase.NewAnalysisUseCase(
		adapter,
		diagnosis.NewInterpreter(cfg.AdvisoryThreshold),
		report.NewBuilder(),
		cache,
		metrics,
		logger,
	)
}

func dialClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*grpcclient.Client, error) {
	client, err := grpcclient.DialClassifier(ctx, grpcclient.Config{
		Addr:            cfg.ClassifierAddr,
		DialTimeout:     cfg.ClassifierDialTimeout,
		BreakerFailures: cfg.ClassifierBreakerFailures,
		BreakerTimeout:  cfg.ClassifierBreakerTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to classifier: %w", err)
	}
	return client, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal, draining", zap.String("signal", sig.String()), zap.Duration("timeout", shutdownTimeout))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
