// Package executor adapts the external Workflow Executor service behind the
// epic.ExecutorClient interface. The engine never assumes synchronous
// completion: it starts an execution, then polls until a terminal status.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/retry"
	"github.com/deepnoodle-ai/epic/slogger"
)

// HTTPClientOptions configures an HTTPClient.
type HTTPClientOptions struct {
	BaseURL     string
	HTTPClient  *http.Client
	Logger      slogger.Logger
	MaxAttempts int
	BaseWait    time.Duration
}

// HTTPClient implements epic.ExecutorClient over the executor's REST API:
//
//	POST {base}/executions                -> {execution_id}
//	GET  {base}/executions/{id}           -> {status, output, cost, error}
//	POST {base}/executions/{id}/stop
//
// Transport failures are retried with backoff here, at the adapter layer, so
// they never surface as epic-level failures unless retries are exhausted.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	logger      slogger.Logger
	maxAttempts int
	baseWait    time.Duration
}

// NewHTTPClient creates an executor client for the given base URL.
func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("executor base url is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = retry.DefaultMaxAttempts
	}
	if opts.BaseWait <= 0 {
		opts.BaseWait = retry.DefaultBaseWait
	}
	return &HTTPClient{
		baseURL:     opts.BaseURL,
		client:      opts.HTTPClient,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		baseWait:    opts.BaseWait,
	}, nil
}

type startRequest struct {
	StepID  string                `json:"step_id"`
	Context epic.ExecutionContext `json:"context"`
}

type startResponse struct {
	ExecutionID string `json:"execution_id"`
}

func (c *HTTPClient) Start(ctx context.Context, stepID string, execCtx epic.ExecutionContext) (*epic.ExecutionHandle, error) {
	body, err := json.Marshal(startRequest{StepID: stepID, Context: execCtx})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal start request: %w", err)
	}
	var response startResponse
	err = retry.Do(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, c.baseURL+"/executions", body, &response)
	}, retry.WithMaxAttempts(c.maxAttempts), retry.WithBaseWait(c.baseWait))
	if err != nil {
		return nil, fmt.Errorf("failed to start step %q: %w", stepID, err)
	}
	if response.ExecutionID == "" {
		return nil, fmt.Errorf("executor returned no execution id for step %q", stepID)
	}
	c.logger.Debug("execution started", "step_id", stepID, "execution_id", response.ExecutionID)
	return &epic.ExecutionHandle{ID: response.ExecutionID, StepID: stepID}, nil
}

func (c *HTTPClient) Poll(ctx context.Context, handle *epic.ExecutionHandle) (*epic.ExecutionResult, error) {
	var result epic.ExecutionResult
	err := retry.Do(ctx, func() error {
		return c.doJSON(ctx, http.MethodGet, c.baseURL+"/executions/"+handle.ID, nil, &result)
	}, retry.WithMaxAttempts(c.maxAttempts), retry.WithBaseWait(c.baseWait))
	if err != nil {
		return nil, fmt.Errorf("failed to poll execution %s: %w", handle.ID, err)
	}
	switch result.Status {
	case epic.ExecutionStatusRunning, epic.ExecutionStatusSucceeded, epic.ExecutionStatusFailed:
		return &result, nil
	default:
		return nil, fmt.Errorf("executor reported unknown status %q for %s", result.Status, handle.ID)
	}
}

func (c *HTTPClient) Stop(ctx context.Context, handle *epic.ExecutionHandle) error {
	err := retry.Do(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, c.baseURL+"/executions/"+handle.ID+"/stop", nil, nil)
	}, retry.WithMaxAttempts(c.maxAttempts), retry.WithBaseWait(c.baseWait))
	if err != nil {
		return fmt.Errorf("failed to stop execution %s: %w", handle.ID, err)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return &httpError{status: response.StatusCode, message: string(message)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode executor response: %w", err)
	}
	return nil
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("executor returned %d: %s", e.status, e.message)
}

func (e *httpError) StatusCode() int { return e.status }
