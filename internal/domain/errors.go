package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration        = errors.New("configuration error")
	ErrIntentNotFound       = errors.New("intent not found")
	ErrSlotNotFound         = errors.New("slot not found")
	ErrCyclicDependency     = errors.New("cyclic slot dependency")
	ErrValidation           = errors.New("slot validation failed")
	ErrExternalCall         = errors.New("external call failed")
	ErrSessionExpired       = errors.New("session expired")
	ErrSessionNotFound      = errors.New("session not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrFunctionCallNotFound = errors.New("function call not found")
	ErrPromptNotFound       = errors.New("prompt template not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
)

// ConfigError marks a broken intent configuration. It is never retried.
type ConfigError struct {
	Intent string
	Slot   string
	Err    error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Slot != "":
		return fmt.Sprintf("intent %s slot %s: %v", e.Intent, e.Slot, e.Err)
	case e.Intent != "":
		return fmt.Sprintf("intent %s: %v", e.Intent, e.Err)
	}
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfiguration, e.Err} }

type ValidationError struct {
	Slot    string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("slot %s failed %s: %s", e.Slot, e.Rule, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type ExternalCallError struct {
	Endpoint   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *ExternalCallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("call %s status=%d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("call %s: %v", e.Endpoint, e.Err)
}

func (e *ExternalCallError) Unwrap() []error { return []error{ErrExternalCall, e.Err} }
