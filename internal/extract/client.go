// Package extract implements the client for the downstream extraction API
// and the interpretation of its responses.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is one extraction submission. Content carries the file body
// base64-encoded.
type Request struct {
	FileName  string `json:"file_name"`
	Brand     string `json:"brand"`
	Purchaser string `json:"purchaser"`
	Content   string `json:"content"`
}

// Result is the raw outcome of one HTTP attempt. StatusCode 0 means the
// request never produced an HTTP response (transport failure); Err then
// carries the transport error and Body is nil.
type Result struct {
	StatusCode int
	LatencyMs  int64
	Body       []byte
	Err        error
}

// Invoker submits one extraction request. Implementations must not retry;
// retry policy belongs to the worker pool.
type Invoker interface {
	Submit(ctx context.Context, req Request) Result
}

// Client is the HTTP Invoker against the extraction API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given base URL. timeout bounds one
// request end to end.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit POSTs the request to the extraction endpoint and returns the raw
// result. The response body is read fully regardless of status so the caller
// can record it.
func (c *Client) Submit(ctx context.Context, req Request) Result {
	start := time.Now()

	payload, err := json.Marshal(req)
	if err != nil {
		return Result{Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/extract", bytes.NewReader(payload))
	if err != nil {
		return Result{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Result{LatencyMs: latency, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	latency = time.Since(start).Milliseconds()
	if err != nil {
		return Result{StatusCode: resp.StatusCode, LatencyMs: latency,
			Err: fmt.Errorf("read response: %w", err)}
	}
	return Result{StatusCode: resp.StatusCode, LatencyMs: latency, Body: body}
}

// Outcome is the interpreted result of a finished attempt.
type Outcome struct {
	Success      bool
	PatternKey   string
	ErrorMessage string
	FullResponse json.RawMessage
}

// Interpret applies the response contract to a raw result: the body is parsed
// as JSON when possible, patternKey comes from pattern.pattern_key, and an
// explicit {"success": false} marks an application failure even on HTTP 2xx.
// Unparsable bodies are preserved as {"raw": bodyText}.
func Interpret(res Result) Outcome {
	httpSuccess := res.StatusCode >= 200 && res.StatusCode < 300

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(res.Body, &parsed); err != nil || parsed == nil {
		raw, _ := json.Marshal(map[string]string{"raw": string(res.Body)})
		out := Outcome{Success: httpSuccess, FullResponse: raw}
		if !httpSuccess {
			out.ErrorMessage = httpFailureMessage(res)
		}
		return out
	}

	out := Outcome{Success: httpSuccess, FullResponse: res.Body}

	var pattern struct {
		PatternKey string `json:"pattern_key"`
	}
	if raw, ok := parsed["pattern"]; ok {
		if json.Unmarshal(raw, &pattern) == nil {
			out.PatternKey = pattern.PatternKey
		}
	}

	if raw, ok := parsed["success"]; ok {
		var success bool
		if json.Unmarshal(raw, &success) == nil && !success {
			out.Success = false
			out.ErrorMessage = appErrorMessage(parsed)
		}
	}
	if !httpSuccess {
		out.Success = false
		out.ErrorMessage = httpFailureMessage(res)
	}
	return out
}

// httpFailureMessage is the persisted error text for an HTTP failure: the
// literal response body. The caller truncates and annotates it.
func httpFailureMessage(res Result) string {
	if len(res.Body) == 0 {
		return fmt.Sprintf("HTTP %d", res.StatusCode)
	}
	return string(res.Body)
}

// appErrorMessage pulls the most specific message out of a parsed failure
// body, preferring error over message.
func appErrorMessage(parsed map[string]json.RawMessage) string {
	for _, key := range []string{"error", "message"} {
		raw, ok := parsed[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
		return string(raw)
	}
	return "extraction failed"
}
