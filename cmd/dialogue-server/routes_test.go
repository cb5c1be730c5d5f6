package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdialog/internal/cache"
	"taskdialog/internal/domain"
	"taskdialog/internal/orchestrator"
)

type fakeDialogue struct {
	resp domain.TurnResponse
	err  error

	mu  sync.Mutex
	got domain.TurnRequest
}

func (f *fakeDialogue) HandleTurn(_ context.Context, req domain.TurnRequest) (domain.TurnResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = req
	return f.resp, f.err
}

func (f *fakeDialogue) last() domain.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func (f *fakeDialogue) Conversation(_ context.Context, id string) (domain.Conversation, []domain.Turn, error) {
	if id != "c-1" {
		return domain.Conversation{}, nil, domain.ErrConversationNotFound
	}
	return domain.Conversation{ID: "c-1", Status: domain.StatusCompleted}, []domain.Turn{{ConversationID: "c-1", Turn: 1}}, nil
}

func newTestServer(t *testing.T, d *fakeDialogue) (*httptest.Server, *cache.Cache, *atomic.Int32) {
	t.Helper()
	c := cache.New()
	calls := new(atomic.Int32)
	srv := httptest.NewServer(newRouter(api{
		dialogue:   d,
		cache:      c,
		invalidate: func() int { calls.Add(1); return 4 },
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}))
	t.Cleanup(srv.Close)
	return srv, c, calls
}

func postTurn(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/turns", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestTurnStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"invalid request", fmt.Errorf("%w: utterance is required", orchestrator.ErrInvalidRequest), http.StatusBadRequest},
		{"unknown conversation", domain.ErrConversationNotFound, http.StatusNotFound},
		{"configuration", &domain.ConfigError{Intent: "book_flight", Err: fmt.Errorf("bad endpoint")}, http.StatusInternalServerError},
		{"store failure", fmt.Errorf("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialogue{resp: domain.TurnResponse{SessionID: "s-1", Reply: "好的"}, err: tt.err}
			srv, _, _ := newTestServer(t, d)
			resp, _ := postTurn(t, srv, `{"session_id":"s-1","utterance":"我要订机票"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestTurnPassesRequestThrough(t *testing.T) {
	d := &fakeDialogue{resp: domain.TurnResponse{SessionID: "s-1", ConversationID: "c-1", Reply: "请问从哪里出发？", Status: domain.StatusSlotFilling}}
	srv, _, _ := newTestServer(t, d)

	_, body := postTurn(t, srv, `{"session_id":"s-1","utterance":"订机票","context":{"city":"北京"}}`)
	assert.Equal(t, "订机票", d.last().Utterance)
	assert.Equal(t, "北京", d.last().Context["city"])
	assert.Equal(t, "请问从哪里出发？", body["reply"])
	assert.Equal(t, string(domain.StatusSlotFilling), body["conversation_status"])
}

func TestTurnConfigErrorKeepsReply(t *testing.T) {
	d := &fakeDialogue{
		resp: domain.TurnResponse{SessionID: "s-1", Reply: "抱歉，系统出现错误", Status: domain.StatusAbandoned},
		err:  &domain.ConfigError{Intent: "book_flight", Err: fmt.Errorf("unsupported scheme")},
	}
	srv, _, _ := newTestServer(t, d)

	resp, body := postTurn(t, srv, `{"session_id":"s-1","utterance":"北京"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "抱歉，系统出现错误", body["reply"])
	assert.Contains(t, body["error"], "unsupported scheme")
}

func TestTurnRejectsMalformedJSON(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeDialogue{})
	resp, body := postTurn(t, srv, `{"session_id":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid json", body["error"])
}

func TestTurnStreamCarriesIDs(t *testing.T) {
	d := &fakeDialogue{resp: domain.TurnResponse{SessionID: "s-1", ConversationID: "c-1", Reply: "请问从哪里出发？", Status: domain.StatusSlotFilling}}
	srv, _, _ := newTestServer(t, d)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/turns/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(domain.TurnRequest{SessionID: "s-1", Utterance: "订机票"}))
	var first domain.TurnResponse
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, "c-1", first.ConversationID)

	require.NoError(t, ws.WriteJSON(domain.TurnRequest{Utterance: "北京"}))
	var second domain.TurnResponse
	require.NoError(t, ws.ReadJSON(&second))
	assert.Equal(t, "s-1", d.last().SessionID)
	assert.Equal(t, "c-1", d.last().ConversationID)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{")))
	var bad map[string]any
	require.NoError(t, ws.ReadJSON(&bad))
	assert.Equal(t, "invalid json", bad["error"])
}

func TestConversationLookup(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeDialogue{})

	resp, err := http.Get(srv.URL + "/v1/conversations/c-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Conversation domain.Conversation `json:"conversation"`
		Turns        []domain.Turn       `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, domain.StatusCompleted, body.Conversation.Status)
	assert.Len(t, body.Turns, 1)

	missing, err := http.Get(srv.URL + "/v1/conversations/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCacheEndpoints(t *testing.T) {
	srv, c, _ := newTestServer(t, &fakeDialogue{})
	c.Set("a", 1, time.Minute)
	c.Get("a")

	resp, err := http.Get(srv.URL + "/v1/cache/stats")
	require.NoError(t, err)
	var stats cache.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.Entries)
	assert.EqualValues(t, 1, stats.Hits)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/cache", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, c.Exists("a"))
}

func TestCatalogInvalidateEndpoint(t *testing.T) {
	srv, _, calls := newTestServer(t, &fakeDialogue{})

	resp, err := http.Post(srv.URL+"/v1/catalog/invalidate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 4, body["invalidated"])
	assert.EqualValues(t, 1, calls.Load())
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("json", "debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("text", "warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger("text", "").Enabled(ctx, slog.LevelInfo))
}
