package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdialog/internal/domain"
)

func TestRepositoryClonesConversations(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	conv := domain.Conversation{
		ID:     "c1",
		Status: domain.StatusSlotFilling,
		Slots:  map[string]domain.SlotValue{"city": {Slot: "city", Value: "北京"}},
	}
	require.NoError(t, repo.SaveConversation(ctx, conv))
	conv.Slots["city"] = domain.SlotValue{Slot: "city", Value: "上海"}

	got, err := repo.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "北京", got.Slots["city"].Value)

	got.Slots["other"] = domain.SlotValue{}
	again, _ := repo.GetConversation(ctx, "c1")
	assert.NotContains(t, again.Slots, "other")

	_, err = repo.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	_, err = repo.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestIdleConversationsSkipsTerminalAndRecent(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	base := time.Date(2024, 12, 10, 9, 0, 0, 0, time.UTC)
	for _, c := range []domain.Conversation{
		{ID: "old", Status: domain.StatusSlotFilling, LastActiveAt: base.Add(-2 * time.Hour)},
		{ID: "older", Status: domain.StatusAmbiguous, LastActiveAt: base.Add(-3 * time.Hour)},
		{ID: "done", Status: domain.StatusCompleted, LastActiveAt: base.Add(-3 * time.Hour)},
		{ID: "fresh", Status: domain.StatusSlotFilling, LastActiveAt: base},
	} {
		require.NoError(t, repo.SaveConversation(ctx, c))
	}

	idle, err := repo.IdleConversations(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 2)
	assert.Equal(t, "older", idle[0].ID)
	assert.Equal(t, "old", idle[1].ID)
}

func TestTurnsKeepArrivalOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.AppendTurn(ctx, domain.Turn{ConversationID: "c1", Turn: i}))
	}
	turns, err := repo.Turns(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, 3, turns[2].Turn)
}

func TestConfigStore(t *testing.T) {
	ctx := context.Background()
	s := NewConfigStore()
	s.PutIntent(domain.Intent{Name: "b", Active: true, Slots: []domain.Slot{{Name: "x", Type: domain.SlotText}}})
	s.PutIntent(domain.Intent{Name: "a", Active: true})
	s.PutIntent(domain.Intent{Name: "off"})
	s.PutFunctionCall(domain.FunctionCall{Intent: "a", Endpoint: "http://x"})

	active, err := s.ActiveIntents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].Name)

	in, err := s.Intent(ctx, "b")
	require.NoError(t, err)
	in.Slots[0].Name = "mutated"
	again, _ := s.Intent(ctx, "b")
	assert.Equal(t, "x", again.Slots[0].Name)

	_, err = s.FunctionCall(ctx, "b")
	assert.ErrorIs(t, err, domain.ErrFunctionCallNotFound)
	_, err = s.PromptTemplate(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrPromptNotFound)
}

func TestConfigStoreReplace(t *testing.T) {
	ctx := context.Background()
	s := NewConfigStore()
	s.PutIntent(domain.Intent{Name: "old", Active: true})
	s.PutFunctionCall(domain.FunctionCall{Intent: "old", Endpoint: "http://old"})

	s.Replace([]domain.Intent{{Name: "new", Active: true}}, nil, []domain.PromptTemplate{{Name: "fallback", Content: "再说一遍？"}})

	_, err := s.Intent(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
	_, err = s.FunctionCall(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrFunctionCallNotFound)
	active, err := s.ActiveIntents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].Name)
	tpl, err := s.PromptTemplate(ctx, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "再说一遍？", tpl.Content)
}
