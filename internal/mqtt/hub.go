// Package mqtt carries function calls to actions that live behind a broker
// (endpoints of the form mqtt://<action>) and listens for catalog
// invalidation broadcasts.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"taskdialog/internal/domain"
)

type HubConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// ActionRequest is published on {prefix}/action/{action}/invoke/{requestId}.
type ActionRequest struct {
	RequestID string         `json:"request_id"`
	Intent    string         `json:"intent"`
	Params    map[string]any `json:"params"`
}

// ActionResult is expected on {prefix}/action/{action}/result/{requestId}.
type ActionResult struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Invalidator drops cached catalog entries and reports how many went.
type Invalidator func() int

type publisher interface {
	Publish(topic string, payload []byte) error
}

type Hub struct {
	cfg        HubConfig
	client     paho.Client
	pub        publisher
	invalidate Invalidator
	logger     *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan ActionResult
}

func NewHub(cfg HubConfig, invalidate Invalidator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:        cfg,
		invalidate: invalidate,
		logger:     logger,
		pending:    make(map[string]chan ActionResult),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(h.cfg.BrokerURL).
		SetClientID(h.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		h.logger.Error("mqtt connection lost", "error", err)
	})

	h.client = paho.NewClient(opts)
	if token := h.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	h.pub = pahoPublisher{client: h.client}

	if err := h.subscribeHandlers(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		h.client.Disconnect(100)
	}()

	return nil
}

func (h *Hub) subscribeHandlers() error {
	if token := h.client.Subscribe(TopicActionResults(h.cfg.TopicPrefix), 1, func(_ paho.Client, msg paho.Message) {
		h.handleResult(msg.Topic(), msg.Payload())
	}); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := h.client.Subscribe(TopicCatalogInvalidate(h.cfg.TopicPrefix), 1, func(_ paho.Client, msg paho.Message) {
		h.handleInvalidate(msg.Topic())
	}); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (h *Hub) handleResult(topic string, payload []byte) {
	at, err := ParseActionTopic(topic, h.cfg.TopicPrefix)
	if err != nil || at.Kind != KindResult {
		h.logger.Warn("skip invalid result topic", "topic", topic, "error", err)
		return
	}
	action, requestID := at.Action, at.RequestID

	var result ActionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		h.logger.Warn("invalid action result", "action", action, "topic", topic, "error", err)
		return
	}
	if result.RequestID == "" {
		result.RequestID = requestID
	}

	h.pendingMu.Lock()
	ch, ok := h.pending[result.RequestID]
	h.pendingMu.Unlock()
	if !ok {
		h.logger.Debug("late action result dropped", "action", action, "request_id", result.RequestID)
		return
	}

	select {
	case ch <- result:
	default:
	}
}

func (h *Hub) handleInvalidate(topic string) {
	if h.invalidate == nil {
		return
	}
	n := h.invalidate()
	h.logger.Info("catalog invalidated", "topic", topic, "entries", n)
}

// Call publishes one invocation of fc and waits for its result or ctx.
func (h *Hub) Call(ctx context.Context, fc domain.FunctionCall, params map[string]any) (map[string]any, error) {
	if h.pub == nil {
		return nil, errors.New("mqtt hub not started")
	}
	action, err := actionName(fc.Endpoint)
	if err != nil {
		return nil, &domain.ConfigError{Intent: fc.Intent, Err: err}
	}
	if params == nil {
		params = map[string]any{}
	}

	requestID := uuid.NewString()
	body, err := json.Marshal(ActionRequest{RequestID: requestID, Intent: fc.Intent, Params: params})
	if err != nil {
		return nil, err
	}

	resultCh := make(chan ActionResult, 1)
	h.pendingMu.Lock()
	h.pending[requestID] = resultCh
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, requestID)
		h.pendingMu.Unlock()
	}()

	if err := h.pub.Publish(TopicActionInvoke(h.cfg.TopicPrefix, action, requestID), body); err != nil {
		return nil, fmt.Errorf("publish %s: %w", action, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if !result.OK {
			if result.Error == "" {
				result.Error = "action invocation failed"
			}
			return nil, fmt.Errorf("action %s: %s", action, result.Error)
		}
		return decodeData(result.Data)
	}
}

func actionName(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	name := u.Host
	if name == "" || strings.ContainsAny(name, "+#") || strings.Trim(u.Path, "/") != "" {
		return "", fmt.Errorf("invalid action in endpoint %q", endpoint)
	}
	return name, nil
}

func decodeData(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode action data: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	out["result"] = v
	return out, nil
}

type pahoPublisher struct {
	client paho.Client
}

func (p pahoPublisher) Publish(topic string, payload []byte) error {
	if token := p.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}
