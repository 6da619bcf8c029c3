// Package renderer provides the HTTP client for the ComfyUI prompt API:
// submitting node graphs, polling execution history, inspecting queue
// activity and interrupting the running workflow.
package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/visionsuit/gpu-agent/internal/agenthttp"
	"github.com/visionsuit/gpu-agent/logger"
)

const defaultUserAgent = "visionsuit-gpu-agent/renderer"

// Config is configuration for the renderer Client.
type Config struct {
	// APIURL is the base URL of the ComfyUI HTTP API, eg http://127.0.0.1:8188
	APIURL string

	// ClientID identifies this agent to the renderer when submitting prompts.
	ClientID string

	// PollInterval is how long to sleep between history polls while waiting
	// for a submitted prompt to finish.
	PollInterval time.Duration

	// User agent sent with every request.
	UserAgent string

	// If true, requests and responses will be dumped and set to the logger
	DebugHTTP bool

	// If true timings for each request will be logged
	TraceHTTP bool

	// Per-request timeout. This bounds a single HTTP exchange, not the
	// lifetime of a rendering job.
	Timeout time.Duration

	// The http client used, leave nil for the default
	HTTPClient *http.Client
}

// A Client manages communication with the ComfyUI HTTP API.
type Client struct {
	conf   Config
	client *http.Client
	logger logger.Logger
}

// NewClient returns a new renderer API Client.
func NewClient(l logger.Logger, conf Config) *Client {
	if conf.UserAgent == "" {
		conf.UserAgent = defaultUserAgent
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 60 * time.Second
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 2 * time.Second
	}

	if conf.HTTPClient != nil {
		return &Client{
			logger: l,
			client: conf.HTTPClient,
			conf:   conf,
		}
	}

	return &Client{
		logger: l,
		client: agenthttp.NewClient(
			agenthttp.WithAllowHTTP2(false),
			agenthttp.WithTimeout(conf.Timeout),
		),
		conf: conf,
	}
}

// Config returns the internal configuration for the Client
func (c *Client) Config() Config {
	return c.conf
}

// Submit posts a prompt-format node graph to the renderer and returns the
// prompt ID assigned to it.
func (c *Client) Submit(ctx context.Context, prompt map[string]any, clientID string) (string, error) {
	if clientID == "" {
		clientID = c.conf.ClientID
	}
	body := map[string]any{"prompt": prompt}
	if clientID != "" {
		body["client_id"] = clientID
	}

	req, err := c.newRequest(ctx, "POST", "prompt", body)
	if err != nil {
		return "", err
	}

	var result struct {
		PromptID string `json:"prompt_id"`
		ID       string `json:"id"`
	}
	if _, err := c.doRequest(req, &result); err != nil {
		return "", err
	}

	promptID := result.PromptID
	if promptID == "" {
		promptID = result.ID
	}
	if promptID == "" {
		return "", protocolErrorf("prompt response did not include a prompt identifier")
	}
	return promptID, nil
}

// History fetches the execution history record for a prompt. Some renderer
// builds wrap the record under the prompt ID key, so both shapes are
// accepted. A nil record with a nil error means the renderer has not
// recorded the prompt yet.
func (c *Client) History(ctx context.Context, promptID string) (map[string]any, error) {
	req, err := c.newRequest(ctx, "GET", "history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if _, err := c.doRequest(req, &raw); err != nil {
		return nil, err
	}

	if wrapped, ok := raw[promptID].(map[string]any); ok {
		return wrapped, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// HistoryListOptions specifies optional parameters for ListHistory.
type HistoryListOptions struct {
	MaxItems int `url:"max_items,omitempty"`
}

// ListHistory fetches the renderer's recent execution history keyed by
// prompt ID.
func (c *Client) ListHistory(ctx context.Context, opt *HistoryListOptions) (map[string]any, error) {
	u, err := addOptions("history", opt)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if _, err := c.doRequest(req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Activity is a point-in-time snapshot of the renderer's queue.
type Activity struct {
	// Pending is the number of queued prompts, nil when the queue payload
	// did not expose it in a recognisable shape.
	Pending *int

	// Running is the number of executing prompts, nil when unknown.
	Running *int

	// Raw is the queue payload as returned by the renderer.
	Raw map[string]any
}

// DescribeActivity reports the renderer's queue depth. Failures are reported
// to the caller; the agent treats them as "activity unknown" rather than as
// fatal.
func (c *Client) DescribeActivity(ctx context.Context) (*Activity, error) {
	req, err := c.newRequest(ctx, "GET", "queue", nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if _, err := c.doRequest(req, &raw); err != nil {
		return nil, err
	}

	return &Activity{
		Pending: countQueueEntries(raw["queue_pending"]),
		Running: countQueueEntries(raw["queue_running"]),
		Raw:     raw,
	}, nil
}

// countQueueEntries interprets the queue payload values, which are a list of
// entries on stock ComfyUI but a plain count on some proxies.
func countQueueEntries(value any) *int {
	var n int
	switch v := value.(type) {
	case []any:
		n = len(v)
	case map[string]any:
		n = len(v)
	case float64:
		n = int(v)
	case int:
		n = v
	default:
		return nil
	}
	return &n
}

// ObjectInfo fetches the renderer's node class metadata, which advertises
// the checkpoint, VAE, CLIP and LoRA names it can load.
func (c *Client) ObjectInfo(ctx context.Context) (map[string]any, error) {
	req, err := c.newRequest(ctx, "GET", "object_info", nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if _, err := c.doRequest(req, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Interrupt asks the renderer to abort the prompt it is currently executing.
// ComfyUI applies this to the active prompt only, so it is meaningful solely
// while a submitted job is running.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := c.newRequest(ctx, "POST", "interrupt", nil)
	if err != nil {
		return err
	}
	_, err = c.doRequest(req, nil)
	return err
}

// WaitForCompletion polls the history endpoint until the prompt finishes,
// the timeout elapses, the cancel channel closes or ctx is done. On success
// it returns the history record. A renderer-reported failure is returned as
// a *JobFailedError carrying the record; transient polling errors are logged
// and retried on the next tick.
//
// When the cancel channel closes, a best-effort interrupt is sent to the
// renderer before returning a *CancelledError.
func (c *Client) WaitForCompletion(ctx context.Context, promptID string, timeout time.Duration, cancel <-chan struct{}) (map[string]any, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.conf.PollInterval)
	defer ticker.Stop()

	// A cancellation that fired before the first poll skips the poll
	// entirely.
	select {
	case <-cancel:
		return nil, c.cancelPrompt(ctx, promptID)
	default:
	}

	for {
		record, done, err := c.checkHistory(ctx, promptID)
		switch {
		case err != nil:
			var failed *JobFailedError
			if errors.As(err, &failed) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Polling history for prompt %s: %v", promptID, err)
		case done:
			c.logger.Info("Prompt %s completed", promptID)
			return record, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cancel:
			return nil, c.cancelPrompt(ctx, promptID)
		case <-deadline.C:
			return nil, &TimeoutError{PromptID: promptID, Timeout: timeout}
		case <-ticker.C:
		}
	}
}

// cancelPrompt interrupts the renderer and returns the cancellation error
// for the prompt. The interrupt is best effort: the renderer may already
// have finished, or be unreachable.
func (c *Client) cancelPrompt(ctx context.Context, promptID string) error {
	interruptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.conf.Timeout)
	defer cancel()
	if err := c.Interrupt(interruptCtx); err != nil {
		c.logger.Warn("Interrupting prompt %s: %v", promptID, err)
	}
	return &CancelledError{PromptID: promptID}
}

// checkHistory performs a single history poll and interprets the record.
func (c *Client) checkHistory(ctx context.Context, promptID string) (map[string]any, bool, error) {
	record, err := c.History(ctx, promptID)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, nil
	}

	statusStr, completed, hasStatus := historyStatus(record)
	switch {
	case completed || statusStr == "completed" || statusStr == "success":
		return record, true, nil
	case statusStr == "failed" || statusStr == "error":
		return nil, false, &JobFailedError{PromptID: promptID, History: record}
	}

	// Older renderer builds omit the status block and only publish outputs.
	if !hasStatus {
		if outputs, ok := record["outputs"].(map[string]any); ok && len(outputs) > 0 {
			return record, true, nil
		}
	}
	return nil, false, nil
}

// historyStatus pulls the status string and completion flag out of a history
// record, tolerating both the status_str and nested status spellings.
func historyStatus(record map[string]any) (statusStr string, completed bool, hasStatus bool) {
	status, ok := record["status"].(map[string]any)
	if !ok {
		return "", false, false
	}
	if s, ok := status["status_str"].(string); ok {
		statusStr = s
	} else if s, ok := status["status"].(string); ok {
		statusStr = s
	}
	completed, _ = status["completed"].(bool)
	return strings.ToLower(strings.TrimSpace(statusStr)), completed, true
}

type Header struct {
	Name  string
	Value string
}

// newRequest creates a renderer API request. u is resolved relative to the
// configured API URL. If specified, the value pointed to by body is JSON
// encoded and included as the request body.
func (c *Client) newRequest(
	ctx context.Context,
	method, u string,
	body any,
	headers ...Header,
) (*http.Request, error) {
	u = joinURLPath(c.conf.APIURL, u)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}

	req.Header.Add("User-Agent", c.conf.UserAgent)

	for _, header := range headers {
		req.Header.Add(header.Name, header.Value)
	}

	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	return req, nil
}

// Response is a renderer API response. This wraps the standard http.Response.
type Response struct {
	*http.Response
}

// doRequest sends an API request and returns the API response. The API
// response is JSON decoded and stored in the value pointed to by v, or
// returned as an error if an API error has occurred.
func (c *Client) doRequest(req *http.Request, v any) (*Response, error) {
	resp, err := agenthttp.Do(c.logger, c.client, req,
		agenthttp.WithDebugHTTP(c.conf.DebugHTTP),
		agenthttp.WithTraceHTTP(c.conf.TraceHTTP),
	)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	response := &Response{Response: resp}

	if err := checkResponse(resp); err != nil {
		return response, err
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return response, protocolErrorf("failed to decode JSON response: %v", err)
		}
	}

	return response, nil
}

// ErrorResponse reports a non-2xx renderer reply.
type ErrorResponse struct {
	Response *http.Response // HTTP response that caused this error
	Body     string         // raw response body, truncated
}

func (r *ErrorResponse) Error() string {
	s := fmt.Sprintf("%v %v: %s",
		r.Response.Request.Method, r.Response.Request.URL,
		r.Response.Status)

	if r.Body != "" {
		s = fmt.Sprintf("%s: %s", s, r.Body)
	}

	return s
}

const errorBodyLimit = 1024

func checkResponse(r *http.Response) error {
	if c := r.StatusCode; 200 <= c && c <= 299 {
		return nil
	}

	errorResponse := &ErrorResponse{Response: r}
	buf := make([]byte, errorBodyLimit)
	if n, _ := r.Body.Read(buf); n > 0 {
		errorResponse.Body = strings.TrimSpace(string(buf[:n]))
	}

	return errorResponse
}

// addOptions adds the parameters in opt as URL query parameters to s. opt
// must be a struct whose fields may contain "url" tags.
func addOptions(s string, opt any) (string, error) {
	v := reflect.ValueOf(opt)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return s, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return s, err
	}

	qs, err := query.Values(opt)
	if err != nil {
		return s, err
	}

	u.RawQuery = qs.Encode()
	return u.String(), nil
}

func joinURLPath(endpoint string, path string) string {
	return strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}
