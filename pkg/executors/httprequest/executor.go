// Package httprequest provides the HTTP request executor backing update steps
// that call external APIs.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/template"
)

const defaultTimeoutSeconds = 30

var (
	// ErrURLRequired is returned when the step config carries no URL.
	ErrURLRequired = errors.New("http request executor requires a 'url'")
)

// Executor performs one HTTP request per dispatch. Templating against the
// execution context applies to the URL, headers, and body.
type Executor struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
	logger  *slog.Logger
}

func NewExecutor(config map[string]any, logger *slog.Logger) (*Executor, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, ErrURLRequired
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	body, _ := config["body"].(string)

	headers := make(map[string]string)

	if headersConfig, exists := config["headers"]; exists {
		if headersMap, ok := headersConfig.(map[string]any); ok {
			for k, v := range headersMap {
				if strVal, ok := v.(string); ok {
					headers[k] = strVal
				}
			}
		}
	}

	timeout := defaultTimeoutSeconds * time.Second
	if seconds, ok := config["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	executor := &Executor{
		Method:  strings.ToUpper(method),
		URL:     url,
		Headers: headers,
		Body:    body,
		Timeout: timeout,
		logger:  logger.With("module", "httprequest_executor"),
	}

	if err := executor.validate(); err != nil {
		return nil, err
	}

	return executor, nil
}

func (e *Executor) validate() error {
	if _, err := template.Parse(e.URL); err != nil {
		return fmt.Errorf("invalid url template: %w", err)
	}

	if _, err := template.Parse(e.Body); err != nil {
		return fmt.Errorf("invalid body template: %w", err)
	}

	for key, value := range e.Headers {
		if _, err := template.Parse(value); err != nil {
			return fmt.Errorf("invalid header '%s' template: %w", key, err)
		}
	}

	return nil
}

func (e *Executor) Execute(ctx context.Context, _ map[string]any, executionContext map[string]any) (*protocol.Result, error) {
	e.logger.InfoContext(ctx, "Executing HTTP request step", "method", e.Method, "url", e.URL)

	url, err := template.RenderString(e.URL, executionContext)
	if err != nil {
		return protocol.FailedResult(fmt.Sprintf("failed to render url: %v", err)), nil
	}

	body, err := template.RenderString(e.Body, executionContext)
	if err != nil {
		return protocol.FailedResult(fmt.Sprintf("failed to render body: %v", err)), nil
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, e.Method, url, reader)
	if err != nil {
		return protocol.FailedResult(fmt.Sprintf("failed to build request: %v", err)), nil
	}

	for key, value := range e.Headers {
		rendered, err := template.RenderString(value, executionContext)
		if err != nil {
			return protocol.FailedResult(fmt.Sprintf("failed to render header %s: %v", key, err)), nil
		}

		req.Header.Set(key, rendered)
	}

	client := &http.Client{Timeout: e.Timeout}

	resp, err := client.Do(req)
	if err != nil {
		// Cancellation surfaces as an infrastructure error so the engine can
		// tell an aborted dispatch from a failed endpoint.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return protocol.FailedResult(fmt.Sprintf("http request failed: %v", err)), nil
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.ErrorContext(ctx, "Failed to close response body", "error", closeErr)
		}
	}()

	return e.processResponse(resp)
}

// Resume is not supported: HTTP request steps never suspend.
func (e *Executor) Resume(_ context.Context, _ string, _ map[string]any) (*protocol.Result, error) {
	return protocol.FailedResult("http request steps cannot be resumed"), nil
}

func (e *Executor) processResponse(resp *http.Response) (*protocol.Result, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.FailedResult(fmt.Sprintf("failed to read response body: %v", err)), nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = string(raw)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"body":        decoded,
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &protocol.Result{
			Status: protocol.ResultFailed,
			Output: output,
			Error:  fmt.Sprintf("http request returned status %d", resp.StatusCode),
		}, nil
	}

	return protocol.CompletedResult(output), nil
}
