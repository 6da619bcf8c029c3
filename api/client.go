// Package api provides the HTTP client for the VisionSuit controller's
// callback endpoints, plus the payload types shared with it.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/visionsuit/gpu-agent/internal/agenthttp"
	"github.com/visionsuit/gpu-agent/logger"
)

const defaultUserAgent = "visionsuit-gpu-agent/api"

// Config is configuration for the API Client
type Config struct {
	// BaseURL, when set, anchors relative callback targets and overrides the
	// scheme and host of absolute ones. Empty means absolute targets are used
	// verbatim and relative targets are rejected.
	BaseURL string

	// User agent used when communicating with the controller.
	UserAgent string

	// If true, HTTP2 is disabled
	DisableHTTP2 bool

	// If true, requests and responses will be dumped and set to the logger
	DebugHTTP bool

	// If true timings for each request will be logged
	TraceHTTP bool

	// If true, the controller's TLS certificate is not verified
	InsecureSkipVerify bool

	// Per-request timeout
	Timeout time.Duration

	// The http client used, leave nil for the default
	HTTPClient *http.Client

	// optional TLS configuration primarily used for testing
	TLSConfig *tls.Config
}

// A Client manages communication with the controller's callback endpoints.
type Client struct {
	// The client configuration
	conf Config

	// HTTP client used to communicate with the API.
	client *http.Client

	// The logger used
	logger logger.Logger
}

// NewClient returns a new controller API Client.
func NewClient(l logger.Logger, conf Config) *Client {
	if conf.UserAgent == "" {
		conf.UserAgent = defaultUserAgent
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
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
			agenthttp.WithAllowHTTP2(!conf.DisableHTTP2),
			agenthttp.WithTLSConfig(conf.TLSConfig),
			agenthttp.WithInsecureSkipVerify(conf.InsecureSkipVerify),
			agenthttp.WithTimeout(conf.Timeout),
		),
		conf: conf,
	}
}

// Config returns the internal configuration for the Client
func (c *Client) Config() Config {
	return c.conf
}

// ResolveURL applies the configured base URL to a callback target. Absolute
// targets keep their path, query and fragment but adopt the base's scheme and
// host; relative targets are joined onto the base. A relative target with no
// base is an error.
func (c *Client) ResolveURL(target string) (string, error) {
	candidate := strings.TrimSpace(target)
	if candidate == "" {
		return "", errors.New("callback URL cannot be empty")
	}

	base := strings.TrimSpace(c.conf.BaseURL)
	if strings.HasPrefix(candidate, "http://") || strings.HasPrefix(candidate, "https://") {
		if base == "" {
			return candidate, nil
		}
		parsedBase, err := url.Parse(base)
		if err != nil || parsedBase.Scheme == "" || parsedBase.Host == "" {
			return candidate, nil
		}
		parsedCandidate, err := url.Parse(candidate)
		if err != nil {
			return "", fmt.Errorf("parsing callback URL: %w", err)
		}
		resolved := url.URL{
			Scheme:   parsedBase.Scheme,
			Host:     parsedBase.Host,
			Path:     parsedCandidate.Path,
			RawQuery: parsedCandidate.RawQuery,
			Fragment: parsedCandidate.Fragment,
		}
		if resolved.Path == "" {
			resolved.Path = "/"
		}
		return resolved.String(), nil
	}

	if base == "" {
		return "", errors.New("callback URL cannot be relative when no base URL configured")
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(candidate, "/"), nil
}

type Header struct {
	Name  string
	Value string
}

// newRequest creates an API request against an already-resolved URL. If
// specified, the value pointed to by body is JSON encoded and included as the
// request body.
func (c *Client) newRequest(
	ctx context.Context,
	method, u string,
	body any,
	headers ...Header,
) (*http.Request, error) {
	buf := new(bytes.Buffer)
	if body != nil {
		err := json.NewEncoder(buf).Encode(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
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

// Response is a controller API response. This wraps the standard
// http.Response.
type Response struct {
	*http.Response
}

// newResponse creates a new Response for the provided http.Response.
func newResponse(r *http.Response) *Response {
	response := &Response{Response: r}
	return response
}

// doRequest sends an API request and returns the API response. The API
// response is JSON decoded and stored in the value pointed to by v, or
// returned as an error if an API error has occurred. If v implements the
// io.Writer interface, the raw response body will be written to v, without
// attempting to first decode it.
func (c *Client) doRequest(req *http.Request, v any) (*Response, error) {
	resp, err := agenthttp.Do(c.logger, c.client, req,
		agenthttp.WithDebugHTTP(c.conf.DebugHTTP),
		agenthttp.WithTraceHTTP(c.conf.TraceHTTP),
	)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body) //nolint:errcheck // Body is drained so the conn can be reused.

	response := newResponse(resp)

	if err := checkResponse(resp); err != nil {
		// even though there was an error, we still return the response
		// in case the caller wants to inspect it further
		return response, err
	}

	if v != nil {
		if w, ok := v.(io.Writer); ok {
			_, err = io.Copy(w, resp.Body)
			return response, err
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return response, fmt.Errorf("failed to decode JSON response: %w", err)
		}
	}

	return response, nil
}

// ErrorResponse provides a message.
type ErrorResponse struct {
	Response *http.Response // HTTP response that caused this error
	Message  string         `json:"message"` // error message
}

func (r *ErrorResponse) Error() string {
	s := fmt.Sprintf("%v %v: %s",
		r.Response.Request.Method, r.Response.Request.URL,
		r.Response.Status)

	if r.Message != "" {
		s = fmt.Sprintf("%s: %v", s, r.Message)
	}

	return s
}

func IsErrHavingStatus(err error, code int) bool {
	var apierr *ErrorResponse
	return errors.As(err, &apierr) && apierr.Response.StatusCode == code
}

func checkResponse(r *http.Response) error {
	if c := r.StatusCode; 200 <= c && c <= 299 {
		return nil
	}

	errorResponse := &ErrorResponse{Response: r}
	data, err := io.ReadAll(r.Body)
	if err == nil && data != nil {
		json.Unmarshal(data, errorResponse) //nolint:errcheck // Message stays empty for non-JSON bodies.
	}

	return errorResponse
}
