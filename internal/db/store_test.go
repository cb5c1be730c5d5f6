package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdialog/internal/domain"
)

func TestJSONBHelpers(t *testing.T) {
	got, err := jsonb(map[string]string(nil))
	require.NoError(t, err)
	assert.Equal(t, "{}", got)

	got, err = jsonbList([]string(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", got)

	got, err = jsonb(domain.ValidationRules{MinLength: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"min_length": 2}`, got)

	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "x", nullIfEmpty("x"))
}

// openTestStore connects to TASKDIALOG_TEST_DSN; the test is skipped without it.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TASKDIALOG_TEST_DSN")
	if dsn == "" {
		t.Skip("TASKDIALOG_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestCatalogRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	name := "it_" + uuid.NewString()[:8]

	in := domain.Intent{
		Name:        name,
		DisplayName: "订机票",
		Active:      true,
		Examples:    []string{"我要订机票"},
		Slots: []domain.Slot{
			{Name: "departure_city", Type: domain.SlotText, Required: true, Prompt: "从哪里出发？"},
			{Name: "arrival_city", Type: domain.SlotText, Required: true, Prompt: "去哪里？",
				Dependencies: []domain.SlotDependency{{Slot: "departure_city", Kind: domain.DependencyDiffersFrom}}},
		},
	}
	require.NoError(t, s.PutIntent(ctx, in))
	got, err := s.Intent(ctx, name)
	require.NoError(t, err)
	if diff := cmp.Diff(in, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("intent mismatch (-want +got):\n%s", diff)
	}

	fc := domain.FunctionCall{Intent: name, Endpoint: "http://example.com", Method: "POST", RetryTimes: 3, RetryDelay: 200 * time.Millisecond, Backoff: 2, Timeout: time.Second}
	require.NoError(t, s.PutFunctionCall(ctx, fc))
	gotFC, err := s.FunctionCall(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, fc.RetryDelay, gotFC.RetryDelay)
	assert.Equal(t, fc.Timeout, gotFC.Timeout)

	_, err = s.Intent(ctx, name+"_missing")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
	_, err = s.FunctionCall(ctx, name+"_missing")
	assert.ErrorIs(t, err, domain.ErrFunctionCallNotFound)
}

func TestConversationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	conv := domain.Conversation{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		Status:    domain.StatusSlotFilling,
		Intent:    "book_train",
		Turn:      3,
		Slots:     map[string]domain.SlotValue{"departure_city": {Slot: "departure_city", Type: domain.SlotText, Value: "北京", Source: domain.SourceCarryover}},
		Attempts:  map[string]int{"travel_date": 1},
		Transfers: []domain.IntentTransfer{{From: "book_flight", To: "book_train", Carried: []string{"departure_city"}, Turn: 3, At: now}},
		CreatedAt: now, UpdatedAt: now, LastActiveAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.SaveConversation(ctx, conv))
	require.NoError(t, s.SaveConversation(ctx, conv), "saving twice keeps one transfer")

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.Slots, got.Slots)
	assert.Len(t, got.Transfers, 1)

	idle, err := s.IdleConversations(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	found := false
	for _, c := range idle {
		found = found || c.ID == conv.ID
	}
	assert.True(t, found)

	_, err = s.GetSession(ctx, conv.SessionID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
