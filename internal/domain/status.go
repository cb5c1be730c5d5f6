package domain

type ConversationStatus string

const (
	StatusStarted        ConversationStatus = "STARTED"
	StatusRecognizing    ConversationStatus = "RECOGNIZING"
	StatusAmbiguous      ConversationStatus = "AMBIGUOUS"
	StatusSlotFilling    ConversationStatus = "SLOT_FILLING"
	StatusReadyForAction ConversationStatus = "READY_FOR_ACTION"
	StatusActionPending  ConversationStatus = "ACTION_PENDING"
	StatusCompleted      ConversationStatus = "COMPLETED"
	StatusActionFailed   ConversationStatus = "ACTION_FAILED"
	StatusSlotFailed     ConversationStatus = "SLOT_FAILED"
	StatusAbandoned      ConversationStatus = "ABANDONED"
)

func (s ConversationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusActionFailed, StatusSlotFailed, StatusAbandoned:
		return true
	}
	return false
}

var transitions = map[ConversationStatus][]ConversationStatus{
	StatusStarted:        {StatusRecognizing},
	StatusRecognizing:    {StatusRecognizing, StatusAmbiguous, StatusSlotFilling},
	StatusAmbiguous:      {StatusAmbiguous, StatusRecognizing, StatusSlotFilling},
	StatusSlotFilling:    {StatusSlotFilling, StatusRecognizing, StatusReadyForAction, StatusSlotFailed},
	StatusReadyForAction: {StatusActionPending},
	StatusActionPending:  {StatusActionPending, StatusCompleted, StatusActionFailed},
}

// CanTransition reports whether from -> to is a legal edge. ABANDONED is
// reachable from every non-terminal state.
func CanTransition(from, to ConversationStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusAbandoned {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
