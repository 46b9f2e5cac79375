package grpcclient

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/hypertensight/internal/classifier"
	"github.com/example/hypertensight/internal/logging"
)

// PredictMethod is the unary method exposed by the inference service. Both
// request and response are google.protobuf.Struct.
const PredictMethod = "/hypertensight.v1.Classifier/Predict"

const maxMessageSize = 50 * 1024 * 1024

// Config describes how to reach the inference service.
type Config struct {
	Addr            string
	DialTimeout     time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client is the long-lived classifier handle shared by all requests.
type Client struct {
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ classifier.Predictor = (*Client)(nil)

// DialClassifier creates the classifier connection without waiting for the
// backend. The connection keeps reconnecting in the background, so the service
// starts while the classifier is down and Health reports its state. A failed
// readiness check within the dial timeout is logged, not returned.
func DialClassifier(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.DialContext(
		ctx,
		cfg.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to create classifier connection", zap.Error(wrapped), zap.String("addr", cfg.Addr))
		return nil, wrapped
	}
	client := NewClient(conn, cfg, logger)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Health(readyCtx); err != nil {
		client.logger.Warn("classifier not ready, continuing", zap.String("addr", cfg.Addr), zap.Error(err))
	} else {
		client.logger.Info("connected to classifier", zap.String("addr", cfg.Addr))
	}
	return client, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, cfg Config, logger *zap.Logger) *Client {
	logger = logger.Named("grpcclient")
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "classifier",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("circuit_breaker", name),
				zap.String("from_state", from.String()),
				zap.String("to_state", to.String()),
			)
		},
	}
	return &Client{conn: conn, breaker: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

// Predict sends one tensor to the inference service.
func (c *Client) Predict(ctx context.Context, input *classifier.Tensor) (*classifier.Prediction, error) {
	req, err := encodeRequest(input)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_request", "", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp := &structpb.Struct{}
		if err := c.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", "", err)
		c.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	pred, err := decodeResponse(out.(*structpb.Struct))
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", err)
	}
	return pred, nil
}

// Health asks the service's standard gRPC health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("classifier status %s", resp.GetStatus())
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func encodeRequest(t *classifier.Tensor) (*structpb.Struct, error) {
	if t == nil || len(t.Data) == 0 {
		return nil, errors.New("empty tensor")
	}
	n := 1
	shape := make([]interface{}, len(t.Shape))
	for i, d := range t.Shape {
		n *= d
		shape[i] = d
	}
	if n != len(t.Data) {
		return nil, fmt.Errorf("shape %v does not match %d values", t.Shape, len(t.Data))
	}

	raw := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return structpb.NewStruct(map[string]interface{}{
		"shape": shape,
		"dtype": "float32",
		"data":  base64.StdEncoding.EncodeToString(raw),
	})
}

func decodeResponse(resp *structpb.Struct) (*classifier.Prediction, error) {
	fields := resp.GetFields()
	top1, ok := fields["top1"]
	if !ok {
		return nil, errors.New("response missing top1")
	}
	conf, ok := fields["top1conf"]
	if !ok {
		return nil, errors.New("response missing top1conf")
	}
	names := fields["names"].GetStructValue()
	if names == nil {
		return nil, errors.New("response missing names")
	}

	idx, err := classIndex(top1)
	if err != nil {
		return nil, err
	}
	if _, ok := conf.GetKind().(*structpb.Value_NumberValue); !ok {
		return nil, errors.New("top1conf is not a number")
	}

	pred := &classifier.Prediction{
		Top1:     idx,
		Top1Conf: conf.GetNumberValue(),
		Names:    make(map[int]string, len(names.GetFields())),
	}
	for key, value := range names.GetFields() {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("class index %q: %w", key, err)
		}
		pred.Names[idx] = value.GetStringValue()
	}
	return pred, nil
}

// classIndex accepts only whole, non-negative numbers; a fractional index
// would otherwise truncate onto a real class.
func classIndex(v *structpb.Value) (int, error) {
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
		return 0, errors.New("top1 is not a number")
	}
	f := v.GetNumberValue()
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < 0 || f > math.MaxInt32 {
		return 0, fmt.Errorf("top1 %v is not a class index", f)
	}
	return int(f), nil
}
