// Package extract pulls a candidate slot value out of an utterance, either
// through an external extraction service or with local per-type rules.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskdialog/internal/domain"
)

type Extractor interface {
	ExtractSlot(ctx context.Context, slot domain.Slot, utterance string, turnCtx map[string]string) (domain.Extraction, bool, error)
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

func (c *Client) ExtractSlot(ctx context.Context, slot domain.Slot, utterance string, turnCtx map[string]string) (domain.Extraction, bool, error) {
	if !c.Enabled() {
		return domain.Extraction{}, false, fmt.Errorf("extractor service is not configured")
	}
	payload := map[string]any{
		"slot":      slot,
		"utterance": strings.TrimSpace(utterance),
		"context":   turnCtx,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/slots/extract", bytes.NewReader(body))
	if err != nil {
		return domain.Extraction{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Extraction{}, false, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return domain.Extraction{}, false, nil
	}
	if resp.StatusCode >= 300 {
		return domain.Extraction{}, false, fmt.Errorf("extractor status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out struct {
		Found      *bool   `json:"found"`
		Raw        string  `json:"raw_value"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return domain.Extraction{}, false, err
	}
	if (out.Found != nil && !*out.Found) || strings.TrimSpace(out.Raw) == "" {
		return domain.Extraction{}, false, nil
	}
	return domain.Extraction{Raw: out.Raw, Confidence: out.Confidence}, true, nil
}

// Fallback tries each extractor in order until one finds a value. Errors are
// logged and the next extractor is tried.
type Fallback struct {
	chain  []Extractor
	logger *slog.Logger
}

func NewFallback(logger *slog.Logger, chain ...Extractor) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{chain: chain, logger: logger}
}

func (f *Fallback) ExtractSlot(ctx context.Context, slot domain.Slot, utterance string, turnCtx map[string]string) (domain.Extraction, bool, error) {
	var lastErr error
	for _, e := range f.chain {
		ext, ok, err := e.ExtractSlot(ctx, slot, utterance, turnCtx)
		if err != nil {
			if ctx.Err() != nil {
				return domain.Extraction{}, false, err
			}
			f.logger.Warn("slot extractor failed", "slot", slot.Name, "error", err)
			lastErr = err
			continue
		}
		if ok {
			return ext, true, nil
		}
	}
	if lastErr != nil && len(f.chain) == 1 {
		return domain.Extraction{}, false, lastErr
	}
	return domain.Extraction{}, false, nil
}
