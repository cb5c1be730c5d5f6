package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"taskdialog/internal/cache"
	"taskdialog/internal/domain"
	"taskdialog/internal/orchestrator"
)

type dialogue interface {
	HandleTurn(ctx context.Context, req domain.TurnRequest) (domain.TurnResponse, error)
	Conversation(ctx context.Context, id string) (domain.Conversation, []domain.Turn, error)
}

type api struct {
	dialogue   dialogue
	cache      *cache.Cache
	invalidate func() int
	logger     *slog.Logger
}

// turnFailure keeps the reply the user should see next to the error.
type turnFailure struct {
	domain.TurnResponse
	Error string `json:"error"`
}

func newRouter(a api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Post("/v1/turns", a.handleTurn)
	r.Get("/v1/turns/ws", a.handleTurnStream)
	r.Get("/v1/conversations/{id}", a.handleConversation)

	r.Get("/v1/cache/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.cache.Stats())
	})
	r.Delete("/v1/cache", func(w http.ResponseWriter, _ *http.Request) {
		a.cache.Clear()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Post("/v1/catalog/invalidate", func(w http.ResponseWriter, _ *http.Request) {
		n := a.invalidate()
		a.logger.Info("catalog invalidated over http", "entries", n)
		writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
	})
	return r
}

func (a api) handleTurn(w http.ResponseWriter, req *http.Request) {
	var turnReq domain.TurnRequest
	if err := json.NewDecoder(req.Body).Decode(&turnReq); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}

	resp, err := a.dialogue.HandleTurn(req.Context(), turnReq)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrConversationNotFound), errors.Is(err, domain.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrConfiguration):
		a.logger.Error("turn hit a configuration error", "session_id", turnReq.SessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, turnFailure{TurnResponse: resp, Error: err.Error()})
	default:
		a.logger.Error("turn failed", "session_id", turnReq.SessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleTurnStream serves one turn per text frame. A frame carries a turn
// request; the answer is the turn response or an {"error": ...} object.
// Omitted session and conversation ids are taken from the previous answer.
func (a api) handleTurnStream(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.logger.Warn("upgrade websocket failed", "error", err)
		return
	}
	defer ws.Close()

	var last domain.TurnResponse
	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			a.logger.Debug("turn websocket closed", "session_id", last.SessionID)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var turnReq domain.TurnRequest
		if err := json.Unmarshal(payload, &turnReq); err != nil {
			if err := ws.WriteJSON(map[string]any{"error": "invalid json"}); err != nil {
				return
			}
			continue
		}
		if turnReq.SessionID == "" {
			turnReq.SessionID = last.SessionID
		}
		if turnReq.ConversationID == "" && !last.Status.Terminal() {
			turnReq.ConversationID = last.ConversationID
		}

		resp, err := a.dialogue.HandleTurn(req.Context(), turnReq)
		var out any = resp
		switch {
		case err == nil:
			last = resp
		case errors.Is(err, domain.ErrConfiguration):
			last = resp
			out = turnFailure{TurnResponse: resp, Error: err.Error()}
		default:
			out = map[string]any{"error": err.Error()}
		}
		if err := ws.WriteJSON(out); err != nil {
			return
		}
	}
}

func (a api) handleConversation(w http.ResponseWriter, req *http.Request) {
	conv, turns, err := a.dialogue.Conversation(req.Context(), chi.URLParam(req, "id"))
	if errors.Is(err, domain.ErrConversationNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	if err != nil {
		a.logger.Error("load conversation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "turns": turns})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
