package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"taskdialog/internal/ambiguity"
	"taskdialog/internal/domain"
	"taskdialog/internal/invoker"
	"taskdialog/internal/slots"
)

const (
	promptFallback          = "fallback"
	promptSystemError       = "system_error"
	promptMaxTurns          = "max_turns"
	promptSessionExpired    = "session_expired"
	promptConversationEnded = "conversation_ended"
	promptActionPending     = "action_pending"
	promptCompleted         = "completed"
)

var defaultPrompts = map[string]string{
	promptFallback:          "抱歉，我没有理解您的意思，请换个说法。",
	promptSystemError:       "抱歉，系统出现错误，本次对话已结束，请稍后再试。",
	promptMaxTurns:          "对话轮次过多，本次对话已结束。",
	promptSessionExpired:    "会话长时间未活动，本次对话已结束。",
	promptConversationEnded: "本次对话已结束，如需办理其他事项请直接告诉我。",
	promptActionPending:     "您的请求正在处理中，请稍候。",
	promptCompleted:         "已为您完成{intent}。",
}

// prompt loads a system reply from the catalog and fills {name} placeholders.
func (s *Service) prompt(ctx context.Context, name string, vars map[string]any) string {
	fallback := defaultPrompts[name]
	tmpl := s.catalog.Prompt(ctx, name, fallback)
	if len(vars) == 0 && len(invoker.Fields(tmpl)) == 0 {
		return tmpl
	}
	out, err := invoker.Render(tmpl, vars)
	if err != nil {
		s.logger.Warn("render system prompt", "template", name, "error", err)
		if out, err = invoker.Render(fallback, vars); err != nil {
			return fallback
		}
	}
	return out
}

// run advances the conversation by one turn.
func (s *Service) run(ctx context.Context, t *turn) error {
	conv := t.conv
	conv.Turn++
	if conv.Turn > s.cfg.MaxTurns {
		s.logger.Warn("max turns reached, abandoning conversation",
			"session_id", conv.SessionID,
			"conversation_id", conv.ID,
			"turn", conv.Turn,
		)
		t.reply = s.prompt(ctx, promptMaxTurns, nil)
		return t.to(domain.StatusAbandoned)
	}
	if conv.Status == domain.StatusStarted {
		if err := t.to(domain.StatusRecognizing); err != nil {
			return err
		}
	}
	if conv.Intent != "" {
		intent, err := s.loadIntent(ctx, conv.Intent)
		if err != nil {
			return err
		}
		t.intent = intent
	}

	out, err := s.decide(ctx, t)
	if err != nil {
		return err
	}
	return s.apply(ctx, t, out)
}

// loadIntent treats an intent that vanished from the catalog mid-conversation
// as a configuration error.
func (s *Service) loadIntent(ctx context.Context, name string) (domain.Intent, error) {
	intent, err := s.catalog.Intent(ctx, name)
	if errors.Is(err, domain.ErrIntentNotFound) {
		return domain.Intent{}, &domain.ConfigError{Intent: name, Err: err}
	}
	return intent, err
}

func (s *Service) decide(ctx context.Context, t *turn) (outcome, error) {
	switch t.conv.Status {
	case domain.StatusRecognizing:
		return s.recognize(ctx, t)
	case domain.StatusAmbiguous:
		return s.disambiguate(ctx, t)
	case domain.StatusSlotFilling:
		return s.continueFilling(ctx, t)
	case domain.StatusReadyForAction:
		return invokeAction{intent: t.intent}, nil
	case domain.StatusActionPending:
		return actionPending{}, nil
	}
	return nil, fmt.Errorf("%w: no turn handling for %s", domain.ErrInvalidTransition, t.conv.Status)
}

func (s *Service) assess(ctx context.Context, t *turn) (ambiguity.Assessment, domain.Recognition, map[string]domain.Intent, error) {
	intents, err := s.catalog.Intents(ctx)
	if err != nil {
		return ambiguity.Assessment{}, domain.Recognition{}, nil, err
	}
	rec, err := s.recognizer.Recognize(ctx, t.req.Utterance, t.req.Context)
	if err != nil {
		if ctx.Err() != nil {
			return ambiguity.Assessment{}, domain.Recognition{}, nil, ctx.Err()
		}
		s.logger.Warn("recognition failed", "conversation_id", t.conv.ID, "error", err)
		return ambiguity.Assessment{Verdict: ambiguity.VerdictNoMatch}, domain.Recognition{}, intents, nil
	}
	return s.ambiguity.Assess(rec, intents), rec, intents, nil
}

func (s *Service) recognize(ctx context.Context, t *turn) (outcome, error) {
	a, rec, _, err := s.assess(ctx, t)
	if err != nil {
		return nil, err
	}
	switch a.Verdict {
	case ambiguity.VerdictClear:
		return intentChosen{candidate: a.Chosen, entities: rec.Entities}, nil
	case ambiguity.VerdictAmbiguous:
		return ambiguous{candidates: a.Candidates}, nil
	}
	return noMatch{}, nil
}

func (s *Service) disambiguate(ctx context.Context, t *turn) (outcome, error) {
	amb := t.conv.Ambiguity
	if amb == nil {
		return s.recognize(ctx, t)
	}
	if c, ok := s.ambiguity.Resolve(t.req.Utterance, amb); ok {
		return intentChosen{candidate: c}, nil
	}
	amb.Turns++
	if s.ambiguity.Exhausted(amb) {
		c, _ := s.ambiguity.Force(t.conv.ID, amb)
		return intentChosen{candidate: c, forced: true}, nil
	}
	return s.recognize(ctx, t)
}

func (s *Service) continueFilling(ctx context.Context, t *turn) (outcome, error) {
	active := t.intent
	a, rec, intents, err := s.assess(ctx, t)
	if err != nil {
		return nil, err
	}
	if a.Verdict == ambiguity.VerdictAmbiguous && s.leavesActive(t, a.Candidates, intents) {
		return ambiguous{candidates: a.Candidates}, nil
	}
	if a.Verdict != ambiguity.VerdictClear {
		return fillSlot{intent: active}, nil
	}
	if a.Chosen.Intent == active.Name {
		return fillSlot{intent: active, entities: rec.Entities}, nil
	}
	target := intents[a.Chosen.Intent]
	if s.transfer.ShouldTransfer(active, t.conv.IntentConfidence, target, a.Chosen.Confidence) {
		return transferred{from: active, to: target, confidence: a.Chosen.Confidence, entities: rec.Entities}, nil
	}
	s.logger.Debug("transfer below override margin",
		"conversation_id", t.conv.ID,
		"active", active.Name,
		"candidate", a.Chosen.Intent,
		"confidence", a.Chosen.Confidence,
	)
	return fillSlot{intent: active}, nil
}

// leavesActive reports whether an ambiguous recognition during slot-filling
// points away from the active intent: the active intent is not among the
// candidates and the leading one would have been strong enough to transfer to.
func (s *Service) leavesActive(t *turn, candidates []domain.Candidate, intents map[string]domain.Intent) bool {
	if len(candidates) == 0 {
		return false
	}
	for _, c := range candidates {
		if c.Intent == t.intent.Name {
			return false
		}
	}
	lead := candidates[0]
	return s.transfer.ShouldTransfer(t.intent, t.conv.IntentConfidence, intents[lead.Intent], lead.Confidence)
}

func (s *Service) apply(ctx context.Context, t *turn, out outcome) error {
	conv := t.conv
	switch o := out.(type) {
	case noMatch:
		if conv.Status == domain.StatusAmbiguous && conv.Ambiguity != nil {
			t.reply = s.prompt(ctx, promptFallback, nil) + "\n" + ambiguity.Prompt(conv.Ambiguity.Candidates)
			return nil
		}
		t.reply = s.prompt(ctx, promptFallback, nil)
		return nil

	case ambiguous:
		return s.enterAmbiguity(ctx, t, o.candidates)

	case intentChosen:
		intent, err := s.loadIntent(ctx, o.candidate.Intent)
		if err != nil {
			return err
		}
		if o.forced {
			s.logger.Info("ambiguity resolved by forced choice", "conversation_id", conv.ID, "intent", intent.Name)
		}
		kept, dropped := slots.Compatible(conv.Slots, intent)
		if len(dropped) > 0 {
			s.logger.Debug("dropping slots not owned by chosen intent", "conversation_id", conv.ID, "intent", intent.Name, "dropped", len(dropped))
		}
		conv.Slots = kept
		conv.Intent = intent.Name
		conv.IntentConfidence = o.candidate.Confidence
		conv.Ambiguity = nil
		t.intent = intent
		s.slots.BindEntities(intent, conv, o.entities)
		if err := t.to(domain.StatusSlotFilling); err != nil {
			return err
		}
		return s.progress(ctx, t, s.slots.Status(intent, conv))

	case transferred:
		if err := t.to(domain.StatusRecognizing); err != nil {
			return err
		}
		s.transfer.Apply(conv, o.from, o.to, o.confidence)
		t.intent = o.to
		s.slots.BindEntities(o.to, conv, o.entities)
		if err := t.to(domain.StatusSlotFilling); err != nil {
			return err
		}
		return s.progress(ctx, t, s.slots.Status(o.to, conv))

	case fillSlot:
		if len(o.entities) > 0 {
			if bound := s.slots.BindEntities(o.intent, conv, o.entities); len(bound) > 0 {
				return s.progress(ctx, t, s.slots.Status(o.intent, conv))
			}
		}
		res, err := s.slots.Fill(ctx, o.intent, conv, t.req.Utterance, t.req.Context)
		if err != nil {
			return err
		}
		return s.progress(ctx, t, res)

	case invokeAction:
		return s.invoke(ctx, t, o.intent)

	case actionPending:
		t.reply = s.prompt(ctx, promptActionPending, nil)
		return nil
	}
	return fmt.Errorf("unhandled turn outcome %T", out)
}

func (s *Service) enterAmbiguity(ctx context.Context, t *turn, candidates []domain.Candidate) error {
	conv := t.conv
	intents, err := s.catalog.Intents(ctx)
	if err != nil {
		return err
	}
	owners := make([]domain.Intent, 0, len(candidates))
	for _, c := range candidates {
		owners = append(owners, intents[c.Intent])
	}
	if conv.Status == domain.StatusSlotFilling {
		if err := t.to(domain.StatusRecognizing); err != nil {
			return err
		}
		s.logger.Info("leaving active intent for disambiguation",
			"conversation_id", conv.ID,
			"intent", conv.Intent,
			"candidates", len(candidates),
		)
		conv.Intent = ""
		conv.IntentConfidence = 0
		t.intent = domain.Intent{}
	}
	if len(conv.Slots) > 0 {
		var dropped map[string]domain.SlotValue
		conv.Slots, dropped = slots.Compatible(conv.Slots, owners...)
		if len(dropped) > 0 {
			s.logger.Debug("dropping slots not shared by all candidates", "conversation_id", conv.ID, "dropped", len(dropped))
		}
	}
	conv.Attempts = make(map[string]int)

	amb := &domain.IntentAmbiguity{Candidates: candidates, RaisedAtTurn: conv.Turn}
	if prev := conv.Ambiguity; prev != nil {
		amb.RaisedAtTurn = prev.RaisedAtTurn
		amb.Turns = prev.Turns
	}
	conv.Ambiguity = amb
	if err := t.to(domain.StatusAmbiguous); err != nil {
		return err
	}
	t.reply = ambiguity.Prompt(candidates)
	return nil
}

func (s *Service) progress(ctx context.Context, t *turn, res slots.Result) error {
	switch res.Outcome {
	case slots.OutcomePrompt, slots.OutcomeRetry:
		t.reply = res.Prompt
		return t.to(domain.StatusSlotFilling)
	case slots.OutcomeExhausted:
		s.logger.Info("slot attempts exhausted",
			"conversation_id", t.conv.ID,
			"intent", t.intent.Name,
			"slot", res.Slot.Name,
			"error", res.Problem,
		)
		t.reply = res.Prompt
		return t.to(domain.StatusSlotFailed)
	case slots.OutcomeComplete:
		return s.invoke(ctx, t, t.intent)
	}
	return fmt.Errorf("unhandled slot outcome %s", res.Outcome)
}

func (s *Service) invoke(ctx context.Context, t *turn, intent domain.Intent) error {
	conv := t.conv
	if missing := slots.MissingNames(intent, conv.Slots); len(missing) > 0 {
		return fmt.Errorf("%w: intent %s still misses %v", domain.ErrInvalidTransition, intent.Name, missing)
	}
	if err := t.to(domain.StatusReadyForAction); err != nil {
		return err
	}
	if err := t.to(domain.StatusActionPending); err != nil {
		return err
	}
	conv.UpdatedAt = s.now()
	if err := s.repo.SaveConversation(ctx, *conv); err != nil {
		return fmt.Errorf("checkpoint conversation: %w", err)
	}

	fc, err := s.catalog.FunctionCall(ctx, intent.Name)
	if errors.Is(err, domain.ErrFunctionCallNotFound) {
		t.reply = s.prompt(ctx, promptCompleted, map[string]any{"intent": intent.Label()})
		return t.to(domain.StatusCompleted)
	}
	if err != nil {
		return err
	}
	if s.invoker == nil {
		return &domain.ConfigError{Intent: intent.Name, Err: errors.New("no action invoker configured")}
	}

	res, err := s.invoker.Invoke(ctx, fc, conv.Slots)
	if err != nil {
		return err
	}
	t.reply = res.Reply
	if res.OK {
		s.logger.Info("action completed", "conversation_id", conv.ID, "intent", intent.Name, "attempt", res.Attempts)
		return t.to(domain.StatusCompleted)
	}
	s.logger.Warn("action failed",
		"conversation_id", conv.ID,
		"intent", intent.Name,
		"attempt", res.Attempts,
		"error", res.Err,
	)
	return t.to(domain.StatusActionFailed)
}
