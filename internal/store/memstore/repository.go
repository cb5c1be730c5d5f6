// Package memstore holds conversations and configuration in process memory.
// Every value crossing the API is copied so callers never share maps with
// the store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskdialog/internal/domain"
)

// Repository is a volatile conversation store for tests, the CLI and
// deployments without a database.
type Repository struct {
	mu            sync.RWMutex
	sessions      map[string]domain.Session
	conversations map[string]domain.Conversation
	turns         map[string][]domain.Turn
}

func NewRepository() *Repository {
	return &Repository{
		sessions:      make(map[string]domain.Session),
		conversations: make(map[string]domain.Conversation),
		turns:         make(map[string][]domain.Turn),
	}
}

func (r *Repository) GetSession(_ context.Context, id string) (domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s, nil
}

func (r *Repository) SaveSession(_ context.Context, s domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

func (r *Repository) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return c.Clone(), nil
}

func (r *Repository) SaveConversation(_ context.Context, c domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[c.ID] = c.Clone()
	return nil
}

func (r *Repository) AppendTurn(_ context.Context, t domain.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[t.ConversationID] = append(r.turns[t.ConversationID], t)
	return nil
}

func (r *Repository) Turns(_ context.Context, conversationID string) ([]domain.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Turn(nil), r.turns[conversationID]...), nil
}

// IdleConversations lists non-terminal conversations last active before cutoff,
// oldest first.
func (r *Repository) IdleConversations(_ context.Context, cutoff time.Time) ([]domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Conversation
	for _, c := range r.conversations {
		if c.Status.Terminal() || !c.LastActiveAt.Before(cutoff) {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.Before(out[j].LastActiveAt) })
	return out, nil
}
