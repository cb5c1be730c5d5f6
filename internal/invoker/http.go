package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"taskdialog/internal/domain"
)

// HTTPTransport calls http(s) endpoints. GET and DELETE send parameters in
// the query string, every other method sends them as a JSON body.
type HTTPTransport struct {
	http *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{http: client}
}

func (t *HTTPTransport) Call(ctx context.Context, fc domain.FunctionCall, params map[string]any) (map[string]any, error) {
	method := strings.ToUpper(strings.TrimSpace(fc.Method))
	if method == "" {
		method = http.MethodPost
	}

	endpoint := fc.Endpoint
	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, format(v))
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range fc.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return decodeObject(respBody)
}

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status=%d", e.Code)
	}
	return fmt.Sprintf("status=%d body=%s", e.Code, e.Body)
}

// decodeObject keeps numbers as json.Number so ids render verbatim. A
// non-object payload is exposed under "result".
func decodeObject(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": v}, nil
}
