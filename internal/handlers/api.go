package handlers

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rendis/blockflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultAPITimeout      = 30 * time.Second
	defaultMaxRedirects    = 10
)

const apiSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": { "type": "string", "minLength": 1 },
    "method": { "type": "string" },
    "headers": { "type": "object" },
    "query": { "type": "object" },
    "body": {},
    "body_encoding": { "type": "string", "enum": ["json", "form", "text", "raw"] },
    "auth": {
      "type": "object",
      "properties": {
        "type": { "type": "string", "enum": ["bearer", "basic", "api_key"] },
        "token": { "type": "string" },
        "username": { "type": "string" },
        "password": { "type": "string" },
        "header_name": { "type": "string" },
        "header_value": { "type": "string" }
      }
    },
    "timeout": { "type": "string" },
    "follow_redirects": { "type": "boolean" },
    "max_redirects": { "type": "integer", "minimum": 0 },
    "tls_skip_verify": { "type": "boolean" },
    "fail_on_error_status": { "type": "boolean" }
  }
}`

// apiHandler performs one HTTP request per execution. Its output is
// {data, status, headers, content_type, duration_ms}; data is the decoded
// JSON body when the response is JSON and the raw text otherwise.
type apiHandler struct {
	maxBody int64
	timeout time.Duration
	// transport is cloned per request; nil means http.DefaultTransport.
	transport *http.Transport
}

func newAPIHandler() *apiHandler {
	return &apiHandler{maxBody: defaultMaxResponseBody, timeout: defaultAPITimeout}
}

func (h *apiHandler) Execute(ctx context.Context, req *Request) (*schema.ExecutionResult, error) {
	rawURL := req.StringInput("url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "api: invalid url %q", rawURL).WithBlock(req.BlockID())
	}
	if q, ok := req.Inputs["query"].(map[string]any); ok && len(q) > 0 {
		values := u.Query()
		for k, v := range q {
			values.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = values.Encode()
	}

	method := strings.ToUpper(req.StringInput("method", http.MethodGet))
	timeout := h.timeout
	if ts := req.StringInput("timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "api: invalid timeout %q", ts).WithBlock(req.BlockID())
		}
		timeout = d
	}

	body, contentType, err := encodeBody(req.Inputs["body"], req.StringInput("body_encoding", "json"))
	if err != nil {
		return nil, blockErr(err, req)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, blockErr(err, req)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := req.Inputs["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}
	if auth, ok := req.Inputs["auth"].(map[string]any); ok {
		applyAuth(httpReq, auth)
	}

	client := h.client(req.Inputs)
	start := time.Now()
	resp, err := client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, blockErr(fmt.Errorf("request failed: %w", err), req)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, blockErr(fmt.Errorf("read response body: %w", err), req)
	}

	respType := resp.Header.Get("Content-Type")
	var data any
	if len(raw) > 0 {
		data = string(raw)
		if strings.Contains(respType, "json") {
			var decoded any
			if json.Unmarshal(raw, &decoded) == nil {
				data = decoded
			}
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	output := map[string]any{
		"data":         data,
		"status":       resp.StatusCode,
		"headers":      headers,
		"content_type": respType,
		"duration_ms":  durationMs,
	}

	if boolInput(req.Inputs, "fail_on_error_status") && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerExecution, "api: server returned %d", resp.StatusCode).
			WithBlock(req.BlockID()).
			WithDetails(output)
	}
	return Success(output), nil
}

// client builds a client for the block's TLS and redirect settings.
func (h *apiHandler) client(inputs map[string]any) *http.Client {
	base := h.transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}
	transport := base.Clone()
	if boolInput(inputs, "tls_skip_verify") {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	follow := true
	if v, ok := inputs["follow_redirects"].(bool); ok {
		follow = v
	}
	if !follow {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		return client
	}
	limit := intValue(inputs["max_redirects"], defaultMaxRedirects)
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}
	return client
}

func encodeBody(body any, encoding string) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		fields, ok := body.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "api: form body must be an object")
		}
		values := url.Values{}
		for k, v := range fields {
			values.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(body)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(body)), "", nil
	case "json":
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "api: unknown body_encoding %q", encoding)
	}
}

func applyAuth(r *http.Request, auth map[string]any) {
	str := func(key string) string {
		s, _ := auth[key].(string)
		return s
	}
	switch str("type") {
	case "bearer":
		r.Header.Set("Authorization", "Bearer "+str("token"))
	case "basic":
		r.SetBasicAuth(str("username"), str("password"))
	case "api_key":
		if name := str("header_name"); name != "" {
			r.Header.Set(name, str("header_value"))
		}
	}
}

func boolInput(inputs map[string]any, key string) bool {
	b, _ := inputs[key].(bool)
	return b
}
