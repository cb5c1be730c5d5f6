package orchestrator

import "taskdialog/internal/domain"

// outcome is what one turn decided to do. Exactly one variant is produced
// per turn and apply handles each of them.
type outcome interface {
	isOutcome()
}

// noMatch leaves the conversation where it is and re-prompts.
type noMatch struct{}

// ambiguous asks the user to pick among candidates.
type ambiguous struct {
	candidates []domain.Candidate
}

// intentChosen starts slot-filling for a recognized or disambiguated intent.
type intentChosen struct {
	candidate domain.Candidate
	entities  map[string]string
	forced    bool
}

// transferred switches the active intent mid slot-filling.
type transferred struct {
	from       domain.Intent
	to         domain.Intent
	confidence float64
	entities   map[string]string
}

// fillSlot feeds the utterance to the slot resolver for the active intent.
type fillSlot struct {
	intent   domain.Intent
	entities map[string]string
}

// invokeAction runs the function call of an intent whose slots are complete.
type invokeAction struct {
	intent domain.Intent
}

// actionPending answers while an earlier action is still in flight.
type actionPending struct{}

func (noMatch) isOutcome()       {}
func (ambiguous) isOutcome()     {}
func (intentChosen) isOutcome()  {}
func (transferred) isOutcome()   {}
func (fillSlot) isOutcome()      {}
func (invokeAction) isOutcome()  {}
func (actionPending) isOutcome() {}
