package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nadmax/taskforge/internal/task"
)

const DefaultGenerateTimeout = 2 * time.Minute

type generateRequest struct {
	TaskID  string         `json:"task_id"`
	Attempt int            `json:"attempt"`
	Payload map[string]any `json:"payload"`
}

// GenerateHandler forwards the task payload to a generation service over
// HTTP. The service is opaque: any 2xx is success, anything else a failure.
type GenerateHandler struct {
	taskType string
	endpoint string
	apiKey   string
	client   *http.Client
}

type GenerateOption func(*GenerateHandler)

func WithAPIKey(key string) GenerateOption {
	return func(h *GenerateHandler) { h.apiKey = key }
}

func WithHTTPClient(c *http.Client) GenerateOption {
	return func(h *GenerateHandler) { h.client = c }
}

func WithTaskType(t string) GenerateOption {
	return func(h *GenerateHandler) { h.taskType = t }
}

func NewGenerateHandler(endpoint string, opts ...GenerateOption) *GenerateHandler {
	h := &GenerateHandler{
		taskType: task.DefaultType,
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultGenerateTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *GenerateHandler) TaskType() string { return h.taskType }

func (h *GenerateHandler) Handle(ctx context.Context, msg *task.Message) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.generate")
	defer span.End()

	if h.endpoint == "" {
		err := errors.New("generate handler has no endpoint configured")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing endpoint")
		return err
	}

	body, err := json.Marshal(generateRequest{
		TaskID:  msg.TaskID,
		Attempt: msg.Attempt(),
		Payload: msg.Payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return fmt.Errorf("encode generate request: %w", err)
	}

	span.SetAttributes(
		attribute.String("task.id", msg.TaskID),
		attribute.String("generate.endpoint", h.endpoint),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.TaskID)
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("generate call to %s: %w", h.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("generate %s returned status %d", h.endpoint, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}

	return nil
}
