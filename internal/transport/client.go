package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"

	"github.com/comigor/streamchat/internal/logger"
	"github.com/comigor/streamchat/internal/request"
	"github.com/comigor/streamchat/internal/stream"
)

var (
	ErrRequestFailed     = errors.New("API request failed")
	ErrNoResponseBody    = errors.New("response has no body")
	ErrTimeout           = errors.New("request timed out")
	ErrCancelled         = errors.New("request cancelled")
	ErrStreamInterrupted = errors.New("stream interrupted")
)

const (
	defaultRequestTimeout = 30 * time.Second
	readChunkSize         = 4 << 10
	maxErrorBodyBytes     = 64 << 10
)

// RequestError is returned for a non-success HTTP status.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %d - %s", ErrRequestFailed, e.StatusCode, e.Message)
}

func (e *RequestError) Unwrap() error { return ErrRequestFailed }

// Client handles communication with the chat endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	models     singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the deadline of one whole exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a new client for the endpoint rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the deadline applied to each exchange.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Stream sends desc and calls onEvent for each decoded event, in arrival
// order, on the calling goroutine. It returns nil once the stream ended. On
// timeout or cancellation it returns ErrTimeout or ErrCancelled; events
// already delivered are not retracted.
func (c *Client) Stream(ctx context.Context, desc *request.Descriptor, onEvent func(stream.Event)) error {
	ctx, cancel := context.WithTimeoutCause(ctx, c.timeout, ErrTimeout)
	defer cancel()
	return c.stream(ctx, desc, onEvent)
}

func (c *Client) stream(ctx context.Context, desc *request.Descriptor, onEvent func(stream.Event)) error {
	body, contentType, err := desc.Encode()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, desc.Method(), c.baseURL+desc.Path, body)
	if err != nil {
		body.Close()
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")

	logger.L.Debug("HTTP request", "method", desc.Method(), "url", c.baseURL+desc.Path, "mode", desc.Mode)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if cause := interruption(ctx); cause != nil {
			return cause
		}
		logger.L.Error("HTTP request failed", "error", err)
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	logger.L.Debug("HTTP response", "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{StatusCode: resp.StatusCode, Message: errorMessage(resp)}
		logger.L.Error("API error", "status", resp.StatusCode, "message", reqErr.Message)
		return reqErr
	}
	// the transport swaps empty bodies for http.NoBody
	if resp.Body == nil || resp.Body == http.NoBody {
		return ErrNoResponseBody
	}

	return c.processStream(ctx, resp.Body, onEvent)
}

// processStream feeds body bytes to a decoder as they arrive.
func (c *Client) processStream(ctx context.Context, body io.Reader, onEvent func(stream.Event)) error {
	dec := stream.NewDecoder()
	buf := make([]byte, readChunkSize)
	sawEnd := false

	emit := func(events []stream.Event) {
		for _, ev := range events {
			if ev.Type == stream.EventEnd {
				sawEnd = true
			}
			onEvent(ev)
		}
	}

	for {
		if cause := interruption(ctx); cause != nil {
			dec.Reset()
			return cause
		}

		n, err := body.Read(buf)
		if n > 0 {
			if cause := interruption(ctx); cause != nil {
				dec.Reset()
				return cause
			}
			emit(dec.Feed(string(buf[:n])))
			if dec.Done() {
				return nil
			}
		}

		if errors.Is(err, io.EOF) {
			emit(dec.Flush())
			if !sawEnd {
				logger.L.Debug("stream ended without terminator")
				onEvent(stream.End())
			}
			return nil
		}
		if err != nil {
			if cause := interruption(ctx); cause != nil {
				dec.Reset()
				return cause
			}
			logger.L.Error("stream read failed", "error", err, "pending_bytes", dec.Pending())
			dec.Reset()
			return fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
		}
	}
}

// interruption maps a finished context to ErrTimeout or ErrCancelled.
func interruption(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout), errors.Is(cause, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrCancelled
	}
}

// errorMessage extracts a readable message from a failed response.
func errorMessage(resp *http.Response) string {
	var raw []byte
	if resp.Body != nil {
		raw, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	}
	if msg := structuredMessage(raw); msg != "" {
		return msg
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return "request failed"
}

func structuredMessage(raw []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	if msg := fieldMessage(fields["detail"]); msg != "" {
		return msg
	}
	var apiErr openai.ErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	if msg := fieldMessage(fields["error"]); msg != "" {
		return msg
	}
	return fieldMessage(fields["message"])
}

func fieldMessage(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	// FastAPI validation errors carry a list of {msg} objects.
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(v, &items); err == nil && len(items) > 0 {
		return items[0].Msg
	}
	return ""
}
