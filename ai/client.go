package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"npc-dialogue-ai/backend/pkg/logger"
	"npc-dialogue-ai/backend/pkg/middleware"
	"npc-dialogue-ai/backend/pkg/resilience"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "npc-dialogue-ai/backend/ai"
	maxResponseBytes    = 1 << 20
)

// Dialogue service operations, used as span names and metric labels
const (
	OpCreateCharacter = "create_character"
	OpGenerate        = "generate"
	OpBranching       = "branching"
	OpTranslate       = "translate"
)

// ServiceError is a failed call to the dialogue service
type ServiceError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dialogue service %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dialogue service %s: %s", e.Op, e.Message)
}

// Options configures the dialogue service client
type Options struct {
	BaseURL    string
	WSURL      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker
}

// Client talks to the dialogue service over one-shot HTTP calls
type Client struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	apiKey     string
	breaker    *resilience.CircuitBreaker
	tracer     trace.Tracer
	latency    metric.Float64Histogram
	log        *logger.Logger
}

// NewClient creates a dialogue service client
func NewClient(opts Options, log *logger.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	log = log.WithComponent("dialogue-client")
	breaker := opts.Breaker
	if breaker == nil {
		cfg := resilience.DefaultConfig("dialogue-service")
		cfg.IsFailure = IsServiceFailure
		breaker = resilience.NewCircuitBreaker(cfg, log)
	}

	latency, err := otel.Meter(instrumentationName).Float64Histogram(
		"dialogue.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Latency of dialogue service calls"),
	)
	if err != nil {
		log.Warn("failed to create latency histogram", "error", err.Error())
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		wsURL:      strings.TrimRight(opts.WSURL, "/"),
		apiKey:     opts.APIKey,
		breaker:    breaker,
		tracer:     otel.Tracer(instrumentationName),
		latency:    latency,
		log:        log,
	}
}

// IsServiceFailure reports whether err should count against the circuit
// breaker. Client-side rejections (4xx) do not indicate an unhealthy service.
func IsServiceFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		return false
	}
	return true
}

// BaseURL is the dialogue service root, used by the health checker
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ChannelURL is the persistent channel endpoint for a character/session pair
func (c *Client) ChannelURL(characterID, sessionID string) string {
	return fmt.Sprintf("%s/ws/%s/%s", c.wsURL, url.PathEscape(characterID), url.PathEscape(sessionID))
}

// ChannelHeader carries credentials for the channel handshake
func (c *Client) ChannelHeader() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

// CreateCharacter registers a character and returns its service-assigned id
func (c *Client) CreateCharacter(ctx context.Context, req CreateCharacterRequest) (string, error) {
	var resp createCharacterResponse
	if err := c.post(ctx, OpCreateCharacter, "/api/character/create", req, &resp); err != nil {
		return "", err
	}
	id := resp.id()
	if id == "" {
		return "", &ServiceError{Op: OpCreateCharacter, Message: "response carried no character_id"}
	}
	return id, nil
}

// Generate requests a free-form reply
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var resp generateResponse
	if err := c.post(ctx, OpGenerate, "/api/dialogue/generate", req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Response) == "" {
		return "", &ServiceError{Op: OpGenerate, Message: "empty response"}
	}
	return resp.Response, nil
}

// Branching requests the next branching-dialogue turn
func (c *Client) Branching(ctx context.Context, req BranchingRequest) (BranchingResponse, error) {
	var resp BranchingResponse
	if err := c.post(ctx, OpBranching, "/api/dialogue/branching", req, &resp); err != nil {
		return BranchingResponse{}, err
	}
	if strings.TrimSpace(resp.Dialogue) == "" {
		return BranchingResponse{}, &ServiceError{Op: OpBranching, Message: "empty dialogue"}
	}
	return resp, nil
}

// Translate translates text into targetLanguage
func (c *Client) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	var resp translateResponse
	req := translateRequest{Text: text, TargetLanguage: targetLanguage}
	if err := c.post(ctx, OpTranslate, "/api/translate", req, &resp); err != nil {
		return "", err
	}
	if resp.Translated == "" {
		return "", &ServiceError{Op: OpTranslate, Message: "empty translation"}
	}
	return resp.Translated, nil
}

// post performs one JSON call through the breaker, a span and the latency histogram
func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	ctx, span := c.tracer.Start(ctx, "dialogue."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("dialogue.op", op)),
	)
	defer span.End()

	start := time.Now()
	err := c.breaker.Execute(func() error {
		return c.do(ctx, op, path, in, out, span)
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			outcome = "circuit_open"
			err = &ServiceError{Op: op, Message: err.Error()}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("dialogue service call failed",
			"op", op,
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
	}
	if c.latency != nil {
		c.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
	return err
}

func (c *Client) do(ctx context.Context, op, path string, in, out any, span trace.Span) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if requestID := middleware.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ServiceError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ServiceError{Op: op, StatusCode: resp.StatusCode, Message: "read body: " + err.Error()}
	}

	var eb errorBody
	_ = json.Unmarshal(data, &eb)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := eb.message()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &ServiceError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	if msg := eb.message(); msg != "" {
		return &ServiceError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &ServiceError{Op: op, StatusCode: resp.StatusCode, Message: "decode body: " + err.Error()}
	}
	return nil
}
