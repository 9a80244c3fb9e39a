package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imageforge/internal/infra"
)

const (
	defaultBaseURL      = "http://127.0.0.1:8000"
	defaultPollInterval = 500 * time.Millisecond
	healthCheckTimeout  = 5 * time.Second
)

// Options configures the engine client.
type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *infra.Logger
	PollInterval time.Duration
}

// Client performs HTTP calls against the node-graph image generation engine.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	logger       *infra.Logger
	pollInterval time.Duration
}

// QueueResponse is the engine's answer to a workflow submission.
type QueueResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

// OutputImage identifies one generated image inside the engine's output
// namespace.
type OutputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// JobOutput holds the images a single output node produced.
type JobOutput struct {
	Images []OutputImage `json:"images"`
}

// JobState is the engine's view of a submitted job. Messages are
// [type, detail] pairs in the order the engine recorded them.
type JobState struct {
	Outputs map[string]JobOutput `json:"outputs"`
	Status  struct {
		StatusStr string              `json:"status_str"`
		Completed bool                `json:"completed"`
		Messages  [][]json.RawMessage `json:"messages"`
	} `json:"status"`
}

// OutputImages returns the images of the first output node that produced
// any, preserving engine order.
func (s *JobState) OutputImages() []OutputImage {
	for _, out := range s.Outputs {
		if len(out.Images) > 0 {
			return out.Images
		}
	}
	return nil
}

// ExecutionErrors joins the detail payloads of every execution_error
// message into one string.
func (s *JobState) ExecutionErrors() string {
	var parts []string
	for _, msg := range s.Status.Messages {
		if len(msg) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		parts = append(parts, string(msg[1]))
	}
	return strings.Join(parts, ", ")
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.Nop()
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		baseURL:      baseURL,
		httpClient:   httpClient,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// BaseURL returns the configured engine address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit queues a workflow for execution and returns the engine's job id.
func (c *Client) Submit(ctx context.Context, workflow Workflow) (string, error) {
	body, err := json.Marshal(map[string]Workflow{"prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("comfy: encode workflow: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("comfy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SubmissionError{Body: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("comfy: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var decoded QueueResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("comfy: decode response: %w", err)
	}
	c.logger.Debug().Str("prompt_id", decoded.PromptID).Msg("comfy: queued workflow")
	return decoded.PromptID, nil
}

// JobStatus reads the engine's history entry for a job. A nil state with a
// nil error means the engine does not know the id yet, which is normal
// right after submission.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &QueryError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &QueryError{StatusCode: resp.StatusCode}
	}

	var entries map[string]*JobState
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, &QueryError{Err: err}
	}
	return entries[jobID], nil
}

// WaitUntilDone polls the engine until the job completes. There is
// deliberately no timeout: generations can legitimately run for hours, so
// the only way out is completion, an engine-reported error, or ctx
// cancellation.
func (c *Client) WaitUntilDone(ctx context.Context, jobID string) (*JobState, error) {
	for {
		state, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			if state.Status.Completed {
				return state, nil
			}
			if state.Status.StatusStr == "error" {
				return nil, &ExecutionError{Details: state.ExecutionErrors()}
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// FetchOutput downloads one generated image.
func (c *Client) FetchOutput(ctx context.Context, img OutputImage) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", img.Filename)
	params.Set("subfolder", img.Subfolder)
	params.Set("type", img.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &FetchError{StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return data, nil
}

// UploadReference pushes a reference image into the engine's input
// namespace and returns the filename the engine assigned to it.
func (c *Client) UploadReference(ctx context.Context, data []byte, filename string) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("comfy: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("comfy: write form: %w", err)
	}
	if err := form.WriteField("overwrite", "true"); err != nil {
		return "", fmt.Errorf("comfy: write form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("comfy: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("comfy: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	if resp.StatusCode >= 300 {
		return "", &UploadError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var decoded struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &UploadError{Err: err}
	}
	return decoded.Name, nil
}

// HealthCheck probes the engine with a short timeout. Any failure,
// including the timeout, reads as "engine down"; it never returns an error.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// WebSocketURL derives the push channel address from the base URL.
func (c *Client) WebSocketURL() string {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + parsed.Host + "/ws"
}
