// Package slots orders an intent's slots by their dependencies, validates
// candidate values and drives multi-turn elicitation.
package slots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"taskdialog/internal/domain"
)

type Extractor interface {
	ExtractSlot(ctx context.Context, slot domain.Slot, utterance string, turnCtx map[string]string) (domain.Extraction, bool, error)
}

// Memory is the session-scoped store of values the user gave earlier.
type Memory interface {
	Recall(sessionID, slot string) (domain.SlotValue, bool)
	Remember(sessionID string, value domain.SlotValue)
}

type Outcome int

const (
	// OutcomePrompt asks for the next missing slot.
	OutcomePrompt Outcome = iota
	// OutcomeRetry re-asks the same slot after a rejected or missing value.
	OutcomeRetry
	OutcomeComplete
	// OutcomeExhausted means a slot ran out of attempts.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePrompt:
		return "prompt"
	case OutcomeRetry:
		return "retry"
	case OutcomeComplete:
		return "complete"
	case OutcomeExhausted:
		return "exhausted"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Slot    domain.Slot
	Prompt  string
	Problem error
	Bound   []domain.SlotValue
	Missing []string
}

const (
	defaultMaxAttempts     = 3
	userContextConfidence  = 0.5
	defaultPromptFormat    = "请提供%s。"
	missingValueMessage    = "没有识别到有效内容"
	retryPromptSeparator   = "。"
	exhaustedReplyTemplate = "抱歉，多次未能获取有效的%s，本次对话已结束。"
)

type Resolver struct {
	extractor   Extractor
	memory      Memory
	validator   *Validator
	maxAttempts int
	logger      *slog.Logger
}

func NewResolver(extractor Extractor, memory Memory, validator *Validator, maxAttempts int, logger *slog.Logger) *Resolver {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if validator == nil {
		validator = NewValidator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		extractor:   extractor,
		memory:      memory,
		validator:   validator,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Missing lists required slots without a bound value, in plan order.
func Missing(intent domain.Intent, bound map[string]domain.SlotValue) []domain.Slot {
	var out []domain.Slot
	for _, s := range intent.Slots {
		if !s.Required {
			continue
		}
		if _, ok := bound[s.Name]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// MissingNames is Missing reduced to slot names.
func MissingNames(intent domain.Intent, bound map[string]domain.SlotValue) []string {
	missing := Missing(intent, bound)
	out := make([]string, 0, len(missing))
	for _, s := range missing {
		out = append(out, s.Name)
	}
	return out
}

// Next returns the first missing required slot whose dependencies are bound.
func Next(intent domain.Intent, bound map[string]domain.SlotValue) (domain.Slot, bool) {
	for _, s := range Missing(intent, bound) {
		if dependenciesMet(s, bound) {
			return s, true
		}
	}
	return domain.Slot{}, false
}

func dependenciesMet(s domain.Slot, bound map[string]domain.SlotValue) bool {
	for _, dep := range s.Dependencies {
		if _, ok := bound[dep.Slot]; !ok {
			return false
		}
	}
	return true
}

func PromptFor(slot domain.Slot) string {
	if p := strings.TrimSpace(slot.Prompt); p != "" {
		return p
	}
	return fmt.Sprintf(defaultPromptFormat, slot.Label())
}

// Status reports where elicitation stands without consuming input.
func (r *Resolver) Status(intent domain.Intent, conv *domain.Conversation) Result {
	missing := MissingNames(intent, conv.Slots)
	next, ok := Next(intent, conv.Slots)
	if !ok {
		if len(missing) > 0 {
			// unreachable for a compiled intent: Plan rejects required->optional edges
			r.logger.Error("missing slots are not elicitable", "intent", intent.Name, "missing", missing)
		}
		return Result{Outcome: OutcomeComplete, Missing: missing}
	}
	return Result{Outcome: OutcomePrompt, Slot: next, Prompt: PromptFor(next), Missing: missing}
}

// Fill consumes one utterance for the next eligible slot and updates conv in place.
func (r *Resolver) Fill(ctx context.Context, intent domain.Intent, conv *domain.Conversation, utterance string, turnCtx map[string]string) (Result, error) {
	target, ok := Next(intent, conv.Slots)
	if !ok {
		return r.Status(intent, conv), nil
	}

	candidate, source, confidence, found := r.candidate(ctx, conv.SessionID, target, utterance, turnCtx)
	if !found {
		return r.reject(intent, conv, target, &domain.ValidationError{Slot: target.Name, Rule: "extract", Message: missingValueMessage}), nil
	}

	normalized, err := r.validator.Validate(target, candidate, conv.Slots)
	if err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Intent = intent.Name
			return Result{}, cfgErr
		}
		r.logger.Info("slot value rejected",
			"conversation_id", conv.ID,
			"intent", intent.Name,
			"slot", target.Name,
			"source", source,
			"error", err,
		)
		return r.reject(intent, conv, target, err), nil
	}

	value := domain.SlotValue{
		Slot:       target.Name,
		Type:       target.Type,
		Raw:        candidate,
		Value:      normalized,
		Confidence: confidence,
		Turn:       conv.Turn,
		Source:     source,
	}
	r.bind(intent, conv, value)

	res := r.Status(intent, conv)
	res.Bound = []domain.SlotValue{value}
	return res, nil
}

// BindEntities validates values the recognizer already pulled out of the
// utterance. Unknown or invalid entities are skipped.
func (r *Resolver) BindEntities(intent domain.Intent, conv *domain.Conversation, entities map[string]string) []domain.SlotValue {
	var bound []domain.SlotValue
	for _, slot := range intent.Slots {
		raw, ok := entities[slot.Name]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		normalized, err := r.validator.Validate(slot, raw, conv.Slots)
		if err != nil {
			r.logger.Debug("skip recognizer entity", "intent", intent.Name, "slot", slot.Name, "error", err)
			continue
		}
		value := domain.SlotValue{
			Slot:       slot.Name,
			Type:       slot.Type,
			Raw:        raw,
			Value:      normalized,
			Confidence: 1,
			Turn:       conv.Turn,
			Source:     domain.SourceRecognizer,
		}
		r.bind(intent, conv, value)
		bound = append(bound, value)
	}
	return bound
}

func (r *Resolver) candidate(ctx context.Context, sessionID string, slot domain.Slot, utterance string, turnCtx map[string]string) (string, domain.SlotSource, float64, bool) {
	if r.extractor != nil {
		ext, ok, err := r.extractor.ExtractSlot(ctx, slot, utterance, turnCtx)
		if err != nil {
			r.logger.Warn("slot extraction failed", "slot", slot.Name, "error", err)
		} else if ok && strings.TrimSpace(ext.Raw) != "" {
			return ext.Raw, domain.SourceExtractor, ext.Confidence, true
		}
	}
	if r.memory != nil {
		if prev, ok := r.memory.Recall(sessionID, slot.Name); ok && prev.Type == slot.Type {
			return prev.Value, domain.SourceUserContext, userContextConfidence, true
		}
	}
	return "", "", 0, false
}

func (r *Resolver) bind(intent domain.Intent, conv *domain.Conversation, value domain.SlotValue) {
	if conv.Slots == nil {
		conv.Slots = make(map[string]domain.SlotValue)
	}
	conv.Slots[value.Slot] = value
	delete(conv.Attempts, value.Slot)
	if r.memory != nil && conv.SessionID != "" {
		r.memory.Remember(conv.SessionID, value)
	}
	r.recheckDependents(intent, conv, value.Slot)
}

// recheckDependents re-validates bound slots that depend on changed and
// unbinds the ones that no longer pass so they are asked for again.
func (r *Resolver) recheckDependents(intent domain.Intent, conv *domain.Conversation, changed string) {
	for _, slot := range intent.Slots {
		if slot.Name == changed || !dependsOn(slot, changed) {
			continue
		}
		prev, ok := conv.Slots[slot.Name]
		if !ok {
			continue
		}
		_, err := r.validator.Validate(slot, prev.Value, conv.Slots)
		if err == nil {
			continue
		}
		r.logger.Info("bound slot invalidated by dependency change",
			"conversation_id", conv.ID,
			"intent", intent.Name,
			"slot", slot.Name,
			"dependency", changed,
			"error", err,
		)
		delete(conv.Slots, slot.Name)
	}
}

func dependsOn(slot domain.Slot, name string) bool {
	for _, dep := range slot.Dependencies {
		if dep.Slot == name {
			return true
		}
	}
	return false
}

func (r *Resolver) reject(intent domain.Intent, conv *domain.Conversation, slot domain.Slot, problem error) Result {
	if conv.Attempts == nil {
		conv.Attempts = make(map[string]int)
	}
	conv.Attempts[slot.Name]++
	missing := MissingNames(intent, conv.Slots)
	if conv.Attempts[slot.Name] >= r.maxAttempts {
		return Result{
			Outcome: OutcomeExhausted,
			Slot:    slot,
			Prompt:  fmt.Sprintf(exhaustedReplyTemplate, slot.Label()),
			Problem: problem,
			Missing: missing,
		}
	}
	msg := missingValueMessage
	var vErr *domain.ValidationError
	if errors.As(problem, &vErr) && vErr.Message != "" {
		msg = vErr.Message
	}
	return Result{
		Outcome: OutcomeRetry,
		Slot:    slot,
		Prompt:  msg + retryPromptSeparator + PromptFor(slot),
		Problem: problem,
		Missing: missing,
	}
}

// Compatible splits values into those whose (name, type) exists on every
// given intent and those that do not.
func Compatible(values map[string]domain.SlotValue, intents ...domain.Intent) (kept, dropped map[string]domain.SlotValue) {
	kept = make(map[string]domain.SlotValue, len(values))
	dropped = make(map[string]domain.SlotValue)
	for name, v := range values {
		ok := len(intents) > 0
		for _, in := range intents {
			if !in.HasSlot(name, v.Type) {
				ok = false
				break
			}
		}
		if ok {
			kept[name] = v
		} else {
			dropped[name] = v
		}
	}
	return kept, dropped
}
