// Package coze is the HTTP client for the Coze workflow API: file upload,
// workflow run with alternate parameter encodings, run-status polling, and
// normalization of the run response shapes.
package coze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/retry"
)

// DefaultBaseURL is used when no COZE_API_BASE_URL override is configured.
const DefaultBaseURL = "https://api.coze.cn"

var (
	ErrMissingToken      = errors.New("coze: api token is required")
	ErrMissingWorkflowID = errors.New("coze: workflow id is required")
)

// StatusError reports a completed upstream exchange with a non-2xx status.
// It is never produced by the retry layer: a 4xx/5xx response is a final
// outcome, and treating it as success is the caller's bug to avoid.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coze: upstream status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Options configures the Coze client.
type Options struct {
	BaseURL    string
	Token      string
	WorkflowID string
	SpaceID    string
	HTTPClient *http.Client
	Logger     *infra.Logger

	UploadRetry  retry.Options
	ResolveRetry retry.Options
	RunRetry     retry.Options
	RunRetryAlt  retry.Options
	StatusRetry  retry.Options
}

// Client performs authenticated calls against one Coze workflow.
type Client struct {
	baseURL    string
	token      string
	workflowID string
	spaceID    string
	httpClient *http.Client
	logger     *infra.Logger

	uploadRetry  retry.Options
	resolveRetry retry.Options
	runRetry     retry.Options
	runRetryAlt  retry.Options
	statusRetry  retry.Options
}

// NewClient validates credentials and fills retry defaults. Missing token or
// workflow id is a configuration error surfaced here, not a cryptic upstream
// 401 later.
func NewClient(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, ErrMissingToken
	}
	workflowID := strings.TrimSpace(opts.WorkflowID)
	if workflowID == "" {
		return nil, ErrMissingWorkflowID
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-level timeout: per-attempt deadlines come from retry.
		httpClient = &http.Client{}
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		baseURL:      baseURL,
		token:        token,
		workflowID:   workflowID,
		spaceID:      strings.TrimSpace(opts.SpaceID),
		httpClient:   httpClient,
		logger:       logger,
		uploadRetry:  withRetryDefaults(opts.UploadRetry, 2, 500*time.Millisecond, 60*time.Second),
		resolveRetry: withRetryDefaults(opts.ResolveRetry, 2, 500*time.Millisecond, 30*time.Second),
		runRetry:     withRetryDefaults(opts.RunRetry, 2, 600*time.Millisecond, 90*time.Second),
		runRetryAlt:  withRetryDefaults(opts.RunRetryAlt, 2, 800*time.Millisecond, 90*time.Second),
		statusRetry:  withRetryDefaults(opts.StatusRetry, 1, 0, 30*time.Second),
	}, nil
}

func withRetryDefaults(o retry.Options, attempts int, baseDelay, timeout time.Duration) retry.Options {
	if o.Attempts <= 0 {
		o.Attempts = attempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = baseDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = timeout
	}
	return o
}

// WorkflowID returns the configured workflow identifier.
func (c *Client) WorkflowID() string {
	return c.workflowID
}

type exchange struct {
	status int
	body   []byte
}

func (e *exchange) ok() bool {
	return e.status >= 200 && e.status < 300
}

// roundTrip runs one request under the retry policy. build is invoked per
// attempt because request bodies are single-use readers.
func (c *Client) roundTrip(ctx context.Context, opts retry.Options, build func(ctx context.Context) (*http.Request, error)) (*exchange, error) {
	return retry.Do(ctx, opts, func(ctx context.Context) (*exchange, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &exchange{status: resp.StatusCode, body: body}, nil
	})
}

// UploadResult is the upstream handle for an uploaded asset. It is valid for
// the duration of one workflow run and never persisted.
type UploadResult struct {
	FileID string
	Raw    json.RawMessage
}

// UploadFile pushes the image bytes to /v1/files/upload and extracts the
// remote file id.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (*UploadResult, error) {
	ex, err := c.roundTrip(ctx, c.uploadRetry, func(ctx context.Context) (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files/upload", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("coze: upload file: %w", err)
	}
	if !ex.ok() {
		return nil, &StatusError{StatusCode: ex.status, Body: string(ex.body)}
	}
	var decoded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
		ID string `json:"id"`
	}
	_ = json.Unmarshal(ex.body, &decoded)
	fileID := decoded.Data.ID
	if fileID == "" {
		fileID = decoded.ID
	}
	if fileID == "" {
		return nil, fmt.Errorf("coze: upload response missing file id: %s", strings.TrimSpace(string(ex.body)))
	}
	c.logger.Debug().Str("file_id", fileID).Int("bytes", len(data)).Msg("coze: uploaded file")
	return &UploadResult{FileID: fileID, Raw: ex.body}, nil
}

// FileURL resolves a public URL for an uploaded file. Callers treat failure
// as missing metadata, not as a pipeline error.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	ex, err := c.roundTrip(ctx, c.resolveRetry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+url.PathEscape(fileID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("coze: resolve file url: %w", err)
	}
	if !ex.ok() {
		return "", &StatusError{StatusCode: ex.status, Body: string(ex.body)}
	}
	var decoded struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(ex.body, &decoded); err != nil {
		return "", fmt.Errorf("coze: decode file info: %w", err)
	}
	fileURL := decoded.Data.URL
	if fileURL == "" {
		fileURL = decoded.URL
	}
	return fileURL, nil
}

// RunInput carries the resolved asset handle and the user options into a
// workflow run.
type RunInput struct {
	FileID     string
	FileURL    string
	InputKey   string
	PromptType domain.PromptType
	UseQuery   string
	Language   string
}

// RunOutcome is the raw successful run response plus the parameters that
// produced it, kept for the debug section of the API response.
type RunOutcome struct {
	Body       []byte
	StatusCode int
	Parameters map[string]any
}

type paramEncoding struct {
	name   string
	encode func(RunInput) map[string]any
	retry  retry.Options
}

// RunWorkflow invokes /v1/workflow/run, trying each parameter encoding in
// order until one returns 2xx. Deployments differ in how the file reference
// must be wrapped, so a rejected encoding is retried with the next shape
// rather than surfaced immediately.
func (c *Client) RunWorkflow(ctx context.Context, in RunInput) (*RunOutcome, error) {
	encodings := []paramEncoding{
		{name: "json_object", encode: encodeFileIDObject, retry: c.runRetry},
		{name: "id_array", encode: encodeFileIDArray, retry: c.runRetryAlt},
	}
	var lastErr error
	for _, enc := range encodings {
		params := enc.encode(in)
		payload := map[string]any{
			"workflow_id": c.workflowID,
			"is_async":    false,
			"parameters":  params,
		}
		if c.spaceID != "" {
			payload["space_id"] = c.spaceID
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("coze: encode run payload: %w", err)
		}
		ex, err := c.roundTrip(ctx, enc.retry, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/workflow/run", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			return req, nil
		})
		if err != nil {
			lastErr = fmt.Errorf("coze: run workflow (%s): %w", enc.name, err)
			continue
		}
		if ex.ok() {
			return &RunOutcome{Body: ex.body, StatusCode: ex.status, Parameters: params}, nil
		}
		lastErr = &StatusError{StatusCode: ex.status, Body: string(ex.body)}
		c.logger.Debug().
			Str("encoding", enc.name).
			Int("status", ex.status).
			Msg("coze: run rejected, trying next parameter encoding")
	}
	return nil, lastErr
}

func encodeFileIDObject(in RunInput) map[string]any {
	ref, _ := json.Marshal(map[string]string{"file_id": in.FileID})
	params := map[string]any{in.InputKey: string(ref)}
	return withCommonParams(params, in)
}

func encodeFileIDArray(in RunInput) map[string]any {
	params := map[string]any{in.InputKey: []string{in.FileID}}
	return withCommonParams(params, in)
}

func withCommonParams(params map[string]any, in RunInput) map[string]any {
	if in.FileURL != "" {
		params[in.InputKey+"_url"] = in.FileURL
	}
	params["promptType"] = string(in.PromptType)
	params["useQuery"] = in.UseQuery
	params["language"] = in.Language
	return params
}

// RunStatusResult is the decoded state of an asynchronous workflow run.
type RunStatusResult struct {
	Status   string
	Prompt   string
	DebugURL string
	Detail   string
	Raw      json.RawMessage
}

// RunStatus polls the execution status of a previous run.
func (c *Client) RunStatus(ctx context.Context, executeID string) (*RunStatusResult, error) {
	ex, err := c.roundTrip(ctx, c.statusRetry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/workflow/"+url.PathEscape(executeID)+"/status", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("coze: run status: %w", err)
	}
	if !ex.ok() {
		return nil, &StatusError{StatusCode: ex.status, Body: string(ex.body)}
	}
	var decoded struct {
		Data struct {
			Status string `json:"status"`
			Result struct {
				Prompt string `json:"prompt"`
				Output string `json:"output"`
			} `json:"result"`
			Error string `json:"error"`
		} `json:"data"`
		Status string `json:"status"`
		Result struct {
			Prompt string `json:"prompt"`
			Output string `json:"output"`
		} `json:"result"`
		Error    string `json:"error"`
		DebugURL string `json:"debug_url"`
	}
	if err := json.Unmarshal(ex.body, &decoded); err != nil {
		return nil, fmt.Errorf("coze: decode status response: %w", err)
	}
	status := decoded.Data.Status
	if status == "" {
		status = decoded.Status
	}
	prompt := decoded.Data.Result.Prompt
	if prompt == "" {
		prompt = decoded.Data.Result.Output
	}
	if prompt == "" {
		prompt = decoded.Result.Prompt
	}
	if prompt == "" {
		prompt = decoded.Result.Output
	}
	detail := decoded.Data.Error
	if detail == "" {
		detail = decoded.Error
	}
	return &RunStatusResult{
		Status:   status,
		Prompt:   prompt,
		DebugURL: decoded.DebugURL,
		Detail:   detail,
		Raw:      ex.body,
	}, nil
}

// Ping probes upstream connectivity for health reporting. It returns the
// observed status code; any completed exchange counts as reachable.
func (c *Client) Ping(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
