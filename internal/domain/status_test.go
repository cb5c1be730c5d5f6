package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ConversationStatus
		want     bool
	}{
		{StatusStarted, StatusRecognizing, true},
		{StatusStarted, StatusSlotFilling, false},
		{StatusRecognizing, StatusAmbiguous, true},
		{StatusSlotFilling, StatusRecognizing, true},
		{StatusSlotFilling, StatusCompleted, false},
		{StatusReadyForAction, StatusActionPending, true},
		{StatusActionPending, StatusActionFailed, true},
		{StatusAmbiguous, StatusAbandoned, true},
		{StatusCompleted, StatusAbandoned, false},
		{StatusAbandoned, StatusRecognizing, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRecognitionCandidatesKeepsBestPerIntent(t *testing.T) {
	r := Recognition{
		Intent:     "book_flight",
		Confidence: 0.55,
		Alternatives: []Candidate{
			{Intent: "check_balance", Confidence: 0.5},
			{Intent: "book_flight", Confidence: 0.6},
			{Intent: "", Confidence: 0.9},
		},
	}
	got := r.Candidates()
	assert.Len(t, got, 2)
	assert.Equal(t, "book_flight", got[0].Intent)
	assert.Equal(t, 0.6, got[0].Confidence)
}

func TestSortCandidatesBreaksTiesByPriority(t *testing.T) {
	cs := []Candidate{
		{Intent: "a", Confidence: 0.5, Priority: 1},
		{Intent: "b", Confidence: 0.5, Priority: 5},
		{Intent: "c", Confidence: 0.7},
	}
	SortCandidates(cs)
	assert.Equal(t, []string{"c", "b", "a"}, []string{cs[0].Intent, cs[1].Intent, cs[2].Intent})
}

func TestConfigErrorMatchesSentinels(t *testing.T) {
	err := error(&ConfigError{Intent: "book_flight", Err: ErrCyclicDependency})
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.True(t, errors.Is(err, ErrCyclicDependency))
	assert.Contains(t, err.Error(), "book_flight")
}

func TestConversationCloneDoesNotShareMaps(t *testing.T) {
	c := Conversation{
		Slots:     map[string]SlotValue{"city": {Slot: "city", Value: "北京"}},
		Attempts:  map[string]int{"city": 1},
		Ambiguity: &IntentAmbiguity{Candidates: []Candidate{{Intent: "a"}}},
	}
	cp := c.Clone()
	cp.Slots["city"] = SlotValue{Slot: "city", Value: "上海"}
	cp.Attempts["city"] = 2
	cp.Ambiguity.Candidates[0].Intent = "b"

	assert.Equal(t, "北京", c.Slots["city"].Value)
	assert.Equal(t, 1, c.Attempts["city"])
	assert.Equal(t, "a", c.Ambiguity.Candidates[0].Intent)
}
