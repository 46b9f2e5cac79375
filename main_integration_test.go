package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/hypertensight/internal/diagnosis"
	"github.com/example/hypertensight/internal/handlers"
	"github.com/example/hypertensight/internal/report"
	"github.com/example/hypertensight/internal/usecase"
)

// slowAnalysis holds every Analyze call until release is closed.
type slowAnalysis struct {
	started chan struct{}
	release chan struct{}
}

func (s *slowAnalysis) Analyze(ctx context.Context, req usecase.AnalyzeRequest) (*usecase.Analysis, error) {
	close(s.started)
	<-s.release
	return &usecase.Analysis{
		RequestID: "req-drain",
		Message:   diagnosis.Message{Text: "No Hypertensive Retinopathy detected with 90.0% certainty."},
		Report:    &report.Document{Filename: report.Filename, ContentType: report.ContentType, Data: []byte("%PDF-1.3 drained")},
	}, nil
}

func (s *slowAnalysis) Preview(context.Context, []byte) ([]byte, error) { return nil, nil }

func (s *slowAnalysis) GetStatus(context.Context, string) (*usecase.StatusRecord, error) {
	return nil, usecase.ErrStatusNotFound
}

func TestServerDrainsInFlightAnalysis(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &slowAnalysis{started: make(chan struct{}), release: make(chan struct{})}
	released := false
	defer func() {
		if !released {
			close(svc.release)
		}
	}()

	router := gin.New()
	router.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(router, svc, handlers.Options{})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, zap.NewNop(), listener, signalCh)
	}()
	addr := listener.Addr().String()
	waitForServer(t, addr)

	body, contentType := analyzeForm(t)
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Post("http://"+addr+"/analyze", contentType, body)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-svc.started:
	case err := <-errCh:
		t.Fatalf("request failed before reaching the use case: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("analysis did not start in time")
	}

	signalCh <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)

	// Draining: the listener is closed to new work while the analysis runs.
	if conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
		conn.Close()
		t.Fatal("expected listener to be closed during shutdown")
	}

	close(svc.release)
	released = true

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, data)
		}
		if resp.Header.Get("Content-Type") != report.ContentType || resp.Header.Get("X-Request-ID") != "req-drain" {
			t.Fatalf("unexpected headers: %v", resp.Header)
		}
		if string(data) != "%PDF-1.3 drained" {
			t.Fatalf("unexpected report body %q", data)
		}
	case err := <-errCh:
		t.Fatalf("in-flight analysis was dropped: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight analysis did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func analyzeForm(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var img bytes.Buffer
	if err := png.Encode(&img, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range map[string]string{"name": "Jane Doe", "age": "54", "gender": "female", "duration": "<5y"} {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	part, err := writer.CreateFormFile("image", "fundus.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(img.Bytes()); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
