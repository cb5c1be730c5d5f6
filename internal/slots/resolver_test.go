package slots

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdialog/internal/domain"
)

// echoExtractor returns the whole utterance as the candidate value.
type echoExtractor struct {
	err error
}

func (e echoExtractor) ExtractSlot(_ context.Context, _ domain.Slot, utterance string, _ map[string]string) (domain.Extraction, bool, error) {
	if e.err != nil {
		return domain.Extraction{}, false, e.err
	}
	if utterance == "" {
		return domain.Extraction{}, false, nil
	}
	return domain.Extraction{Raw: utterance, Confidence: 0.9}, true, nil
}

type mapMemory map[string]domain.SlotValue

func (m mapMemory) Recall(sessionID, slot string) (domain.SlotValue, bool) {
	v, ok := m[sessionID+"/"+slot]
	return v, ok
}

func (m mapMemory) Remember(sessionID string, v domain.SlotValue) {
	m[sessionID+"/"+v.Slot] = v
}

func flightIntent() domain.Intent {
	return domain.Intent{
		Name: "book_flight",
		Slots: []domain.Slot{
			{Name: "departure_city", DisplayName: "出发城市", Type: domain.SlotText, Required: true, Prompt: "请问您从哪里出发？"},
			{Name: "arrival_city", DisplayName: "到达城市", Type: domain.SlotText, Required: true, Prompt: "请问您要去哪里？",
				Dependencies: []domain.SlotDependency{{Slot: "departure_city", Kind: domain.DependencyDiffersFrom}}},
			{Name: "departure_date", DisplayName: "出发日期", Type: domain.SlotDate, Required: true},
			{Name: "note", Type: domain.SlotText},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConv() *domain.Conversation {
	return &domain.Conversation{ID: "c1", SessionID: "s1", Turn: 1}
}

func TestFillWalksRequiredSlotsInOrder(t *testing.T) {
	mem := mapMemory{}
	r := NewResolver(echoExtractor{}, mem, NewValidator(fixedNow), 3, quietLogger())
	intent := flightIntent()
	conv := newConv()

	st := r.Status(intent, conv)
	require.Equal(t, OutcomePrompt, st.Outcome)
	assert.Equal(t, "请问您从哪里出发？", st.Prompt)
	assert.Equal(t, []string{"departure_city", "arrival_city", "departure_date"}, st.Missing)

	res, err := r.Fill(context.Background(), intent, conv, "北京", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomePrompt, res.Outcome)
	assert.Equal(t, "arrival_city", res.Slot.Name)
	require.Len(t, res.Bound, 1)
	assert.Equal(t, domain.SourceExtractor, res.Bound[0].Source)

	res, err = r.Fill(context.Background(), intent, conv, "上海", nil)
	require.NoError(t, err)
	assert.Equal(t, "departure_date", res.Slot.Name)
	assert.Equal(t, "请提供出发日期。", res.Prompt)

	res, err = r.Fill(context.Background(), intent, conv, "2024-12-15", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Empty(t, res.Missing)
	assert.Equal(t, "2024-12-15", conv.Slots["departure_date"].Value)

	_, remembered := mem.Recall("s1", "arrival_city")
	assert.True(t, remembered)
}

func TestFillRetriesThenExhausts(t *testing.T) {
	r := NewResolver(echoExtractor{}, nil, NewValidator(fixedNow), 3, quietLogger())
	intent := flightIntent()
	conv := newConv()
	conv.Slots = map[string]domain.SlotValue{
		"departure_city": {Slot: "departure_city", Type: domain.SlotText, Value: "北京"},
		"arrival_city":   {Slot: "arrival_city", Type: domain.SlotText, Value: "上海"},
	}

	for attempt := 1; attempt < 3; attempt++ {
		res, err := r.Fill(context.Background(), intent, conv, "某天", nil)
		require.NoError(t, err)
		require.Equal(t, OutcomeRetry, res.Outcome, "attempt %d", attempt)
		assert.Contains(t, res.Prompt, "请提供出发日期。")
		assert.ErrorIs(t, res.Problem, domain.ErrValidation)
		assert.Equal(t, attempt, conv.Attempts["departure_date"])
	}

	res, err := r.Fill(context.Background(), intent, conv, "某天", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Contains(t, res.Prompt, "出发日期")
	_, bound := conv.Slots["departure_date"]
	assert.False(t, bound)
}

func TestFillRejectsValueEqualToDependency(t *testing.T) {
	r := NewResolver(echoExtractor{}, nil, NewValidator(fixedNow), 3, quietLogger())
	intent := flightIntent()
	conv := newConv()

	_, err := r.Fill(context.Background(), intent, conv, "北京", nil)
	require.NoError(t, err)
	res, err := r.Fill(context.Background(), intent, conv, "北京", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)
	var vErr *domain.ValidationError
	require.True(t, errors.As(res.Problem, &vErr))
	assert.Equal(t, "differs_from", vErr.Rule)
}

func TestFillFallsBackToUserContext(t *testing.T) {
	mem := mapMemory{"s1/departure_city": {Slot: "departure_city", Type: domain.SlotText, Value: "广州"}}
	r := NewResolver(echoExtractor{err: errors.New("extractor down")}, mem, NewValidator(fixedNow), 3, quietLogger())
	conv := newConv()

	res, err := r.Fill(context.Background(), flightIntent(), conv, "随便", nil)
	require.NoError(t, err)
	require.Len(t, res.Bound, 1)
	assert.Equal(t, domain.SourceUserContext, res.Bound[0].Source)
	assert.Equal(t, "广州", conv.Slots["departure_city"].Value)
}

func TestFillIgnoresUserContextOfAnotherType(t *testing.T) {
	mem := mapMemory{"s1/departure_city": {Slot: "departure_city", Type: domain.SlotNumber, Value: "3"}}
	r := NewResolver(nil, mem, NewValidator(fixedNow), 3, quietLogger())
	conv := newConv()

	res, err := r.Fill(context.Background(), flightIntent(), conv, "", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, missingValueMessage+retryPromptSeparator+"请问您从哪里出发？", res.Prompt)
}

func TestFillSurfacesConfigurationErrors(t *testing.T) {
	r := NewResolver(echoExtractor{}, nil, NewValidator(fixedNow), 3, quietLogger())
	intent := domain.Intent{Name: "broken", Slots: []domain.Slot{{Name: "code", Type: domain.SlotText, Required: true, Rules: domain.ValidationRules{Pattern: "("}}}}

	_, err := r.Fill(context.Background(), intent, newConv(), "abc", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestBindEntitiesSkipsInvalidValues(t *testing.T) {
	r := NewResolver(nil, nil, NewValidator(fixedNow), 3, quietLogger())
	conv := newConv()

	bound := r.BindEntities(flightIntent(), conv, map[string]string{
		"departure_city": "北京",
		"arrival_city":   "北京",
		"departure_date": "明天",
		"unknown":        "x",
	})
	require.Len(t, bound, 2)
	assert.Equal(t, "2024-12-11", conv.Slots["departure_date"].Value)
	assert.Equal(t, domain.SourceRecognizer, conv.Slots["departure_city"].Source)
	_, hasArrival := conv.Slots["arrival_city"]
	assert.False(t, hasArrival)
}

func TestRebindingDependencyUnbindsConflictingSlot(t *testing.T) {
	r := NewResolver(echoExtractor{}, nil, NewValidator(fixedNow), 3, quietLogger())
	intent := flightIntent()
	conv := newConv()
	ctx := context.Background()

	_, err := r.Fill(ctx, intent, conv, "北京", nil)
	require.NoError(t, err)
	_, err = r.Fill(ctx, intent, conv, "上海", nil)
	require.NoError(t, err)

	bound := r.BindEntities(intent, conv, map[string]string{"departure_city": "上海"})
	require.Len(t, bound, 1)
	assert.Equal(t, "上海", conv.Slots["departure_city"].Value)
	_, hasArrival := conv.Slots["arrival_city"]
	assert.False(t, hasArrival, "arrival equal to the new departure must be asked again")

	st := r.Status(intent, conv)
	require.Equal(t, OutcomePrompt, st.Outcome)
	assert.Equal(t, "arrival_city", st.Slot.Name)
	assert.Equal(t, []string{"arrival_city", "departure_date"}, st.Missing)

	res, err := r.Fill(ctx, intent, conv, "上海", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)

	_, err = r.Fill(ctx, intent, conv, "广州", nil)
	require.NoError(t, err)
	res, err = r.Fill(ctx, intent, conv, "2024-12-15", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, "上海", conv.Slots["departure_city"].Value)
	assert.Equal(t, "广州", conv.Slots["arrival_city"].Value)
}

func TestCompatibleMatchesNameAndType(t *testing.T) {
	values := map[string]domain.SlotValue{
		"departure_city": {Slot: "departure_city", Type: domain.SlotText, Value: "北京"},
		"departure_date": {Slot: "departure_date", Type: domain.SlotText, Value: "明天"},
		"seat":           {Slot: "seat", Type: domain.SlotEnum, Value: "A"},
	}
	kept, dropped := Compatible(values, flightIntent())
	assert.Len(t, kept, 1)
	assert.Contains(t, kept, "departure_city")
	assert.Contains(t, dropped, "departure_date")
	assert.Contains(t, dropped, "seat")
}
