// Package intent provides recognizers: an HTTP client for an externally
// hosted classifier, a lexical matcher over example utterances, and
// wrappers for fallback and memoization.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskdialog/internal/domain"
)

type Recognizer interface {
	Recognize(ctx context.Context, utterance string, sessionCtx map[string]string) (domain.Recognition, error)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type recognizeRequest struct {
	Text    string            `json:"text"`
	Context map[string]string `json:"context,omitempty"`
}

func (c *Client) Recognize(ctx context.Context, utterance string, sessionCtx map[string]string) (domain.Recognition, error) {
	if !c.Enabled() {
		return domain.Recognition{}, fmt.Errorf("recognizer service is not configured")
	}
	body, _ := json.Marshal(recognizeRequest{Text: strings.TrimSpace(utterance), Context: sessionCtx})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/intents/recognize", bytes.NewReader(body))
	if err != nil {
		return domain.Recognition{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Recognition{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return domain.Recognition{}, fmt.Errorf("recognizer status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out domain.Recognition
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.Recognition{}, err
	}
	return out, nil
}
