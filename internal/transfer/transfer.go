// Package transfer switches a conversation's active intent mid slot-filling,
// carrying over values the new intent can use.
package transfer

import (
	"log/slog"
	"sort"
	"time"

	"taskdialog/internal/domain"
	"taskdialog/internal/slots"
)

const DefaultOverrideMargin = 0.05

type Handler struct {
	overrideMargin float64
	threshold      func(domain.Intent) float64
	now            func() time.Time
	logger         *slog.Logger
}

// New builds a Handler. threshold resolves an intent's effective recognition
// threshold; nil means the intent's own value.
func New(overrideMargin float64, threshold func(domain.Intent) float64, now func() time.Time, logger *slog.Logger) *Handler {
	if overrideMargin < 0 {
		overrideMargin = DefaultOverrideMargin
	}
	if threshold == nil {
		threshold = func(in domain.Intent) float64 { return in.Threshold }
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{overrideMargin: overrideMargin, threshold: threshold, now: now, logger: logger}
}

// ShouldTransfer reports whether a recognition of target at targetConf beats
// the active intent's original recognition. The target must clear its own
// threshold by more than the active intent cleared its threshold, plus the
// override margin.
func (h *Handler) ShouldTransfer(active domain.Intent, activeConf float64, target domain.Intent, targetConf float64) bool {
	if target.Name == "" || target.Name == active.Name || !target.Active {
		return false
	}
	targetLead := targetConf - h.threshold(target)
	if targetLead < -domain.ConfidenceEpsilon {
		return false
	}
	activeLead := activeConf - h.threshold(active)
	return targetLead > activeLead+h.overrideMargin+domain.ConfidenceEpsilon
}

// Apply moves conv from its active intent to to. Values whose (name, type)
// exist on to are carried; the rest are dropped and kept on the record. When
// to was left earlier in this conversation, the values dropped at that point
// are restored if still unset.
func (h *Handler) Apply(conv *domain.Conversation, from, to domain.Intent, confidence float64) domain.IntentTransfer {
	kept, dropped := slots.Compatible(conv.Slots, to)
	for name, v := range kept {
		v.Source = domain.SourceCarryover
		kept[name] = v
	}

	var restored []string
	if prev, ok := lastDeparture(conv.Transfers, to.Name); ok {
		for name, v := range prev.Dropped {
			if _, set := kept[name]; set || !to.HasSlot(name, v.Type) {
				continue
			}
			kept[name] = v
			restored = append(restored, name)
		}
	}

	carried := make([]string, 0, len(kept))
	for name := range kept {
		carried = append(carried, name)
	}
	sort.Strings(carried)

	record := domain.IntentTransfer{
		From:    from.Name,
		To:      to.Name,
		Carried: carried,
		Turn:    conv.Turn,
		At:      h.now(),
	}
	if len(dropped) > 0 {
		record.Dropped = dropped
	}

	conv.Slots = kept
	conv.Attempts = make(map[string]int)
	conv.Intent = to.Name
	conv.IntentConfidence = confidence
	conv.Transfers = append(conv.Transfers, record)

	h.logger.Info("intent transferred",
		"conversation_id", conv.ID,
		"from", from.Name,
		"to", to.Name,
		"carried", carried,
		"dropped", len(dropped),
		"restored", restored,
	)
	return record
}

func lastDeparture(transfers []domain.IntentTransfer, intent string) (domain.IntentTransfer, bool) {
	for i := len(transfers) - 1; i >= 0; i-- {
		if transfers[i].From == intent {
			return transfers[i], true
		}
	}
	return domain.IntentTransfer{}, false
}
