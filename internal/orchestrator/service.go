// Package orchestrator runs the per-turn conversation state machine: it
// recognizes intents, drives disambiguation, transfer and slot-filling, and
// invokes the mapped action once every required slot is bound.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskdialog/internal/ambiguity"
	"taskdialog/internal/domain"
	"taskdialog/internal/invoker"
	"taskdialog/internal/slots"
	"taskdialog/internal/transfer"
)

type Recognizer interface {
	Recognize(ctx context.Context, utterance string, sessionCtx map[string]string) (domain.Recognition, error)
}

type Catalog interface {
	Intent(ctx context.Context, name string) (domain.Intent, error)
	Intents(ctx context.Context) (map[string]domain.Intent, error)
	FunctionCall(ctx context.Context, intent string) (domain.FunctionCall, error)
	Prompt(ctx context.Context, name, fallback string) string
}

type Repository interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	SaveSession(ctx context.Context, s domain.Session) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	SaveConversation(ctx context.Context, c domain.Conversation) error
	AppendTurn(ctx context.Context, t domain.Turn) error
	Turns(ctx context.Context, conversationID string) ([]domain.Turn, error)
	IdleConversations(ctx context.Context, cutoff time.Time) ([]domain.Conversation, error)
}

type ActionInvoker interface {
	Invoke(ctx context.Context, fc domain.FunctionCall, values map[string]domain.SlotValue) (invoker.Result, error)
}

var ErrInvalidRequest = errors.New("invalid turn request")

type Config struct {
	// MaxTurns abandons a conversation on the turn after the ceiling.
	MaxTurns int
	// IdleTimeout abandons sessions and conversations without activity.
	IdleTimeout time.Duration
}

type Deps struct {
	Recognizer Recognizer
	Catalog    Catalog
	Repository Repository
	Slots      *slots.Resolver
	Ambiguity  *ambiguity.Resolver
	Transfer   *transfer.Handler
	Invoker    ActionInvoker
	Now        func() time.Time
	NewID      func() string
}

type Service struct {
	cfg        Config
	recognizer Recognizer
	catalog    Catalog
	repo       Repository
	slots      *slots.Resolver
	ambiguity  *ambiguity.Resolver
	transfer   *transfer.Handler
	invoker    ActionInvoker
	now        func() time.Time
	newID      func() string
	locks      *keyedLock
	logger     *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Slots == nil {
		deps.Slots = slots.NewResolver(nil, nil, slots.NewValidator(deps.Now), 0, logger)
	}
	if deps.Ambiguity == nil {
		deps.Ambiguity = ambiguity.New(ambiguity.DefaultConfig(), logger)
	}
	if deps.Transfer == nil {
		deps.Transfer = transfer.New(transfer.DefaultOverrideMargin, deps.Ambiguity.Threshold, deps.Now, logger)
	}
	return &Service{
		cfg:        cfg,
		recognizer: deps.Recognizer,
		catalog:    deps.Catalog,
		repo:       deps.Repository,
		slots:      deps.Slots,
		ambiguity:  deps.Ambiguity,
		transfer:   deps.Transfer,
		invoker:    deps.Invoker,
		now:        deps.Now,
		newID:      deps.NewID,
		locks:      newKeyedLock(),
		logger:     logger,
	}
}

// turn is the working state of one HandleTurn call.
type turn struct {
	req    domain.TurnRequest
	conv   *domain.Conversation
	intent domain.Intent
	reply  string
	trace  []domain.ConversationStatus
}

// to moves the conversation along a legal edge and records it in the trace.
// Staying in the same status is not recorded.
func (t *turn) to(next domain.ConversationStatus) error {
	if t.conv.Status == next {
		return nil
	}
	if !domain.CanTransition(t.conv.Status, next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.conv.Status, next)
	}
	t.conv.Status = next
	t.trace = append(t.trace, next)
	return nil
}

func sessionKey(id string) string { return "session:" + id }

func conversationKey(id string) string { return "conversation:" + id }

// HandleTurn processes one user utterance. Turns of the same conversation
// are applied one at a time in arrival order. A configuration error abandons
// the conversation; the response is still returned alongside the error.
func (s *Service) HandleTurn(ctx context.Context, req domain.TurnRequest) (domain.TurnResponse, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.Utterance = strings.TrimSpace(req.Utterance)
	if req.SessionID == "" {
		return domain.TurnResponse{}, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if req.Utterance == "" {
		return domain.TurnResponse{}, fmt.Errorf("%w: utterance is required", ErrInvalidRequest)
	}

	conv, expiredID, unlock, err := s.acquire(ctx, req)
	if err != nil {
		return domain.TurnResponse{}, err
	}
	defer unlock()

	t := &turn{req: req, conv: &conv}
	if conv.Status.Terminal() {
		if conv.ID == expiredID {
			t.reply = conv.LastReply
			t.trace = []domain.ConversationStatus{conv.Status}
		} else {
			t.reply = s.prompt(ctx, promptConversationEnded, nil)
		}
		return s.respond(t), nil
	}

	runErr := s.run(ctx, t)
	if runErr != nil {
		if !errors.Is(runErr, domain.ErrConfiguration) {
			return domain.TurnResponse{}, runErr
		}
		s.logger.Error("configuration error, abandoning conversation",
			"session_id", conv.SessionID,
			"conversation_id", conv.ID,
			"intent", conv.Intent,
			"error", runErr,
		)
		if err := t.to(domain.StatusAbandoned); err != nil {
			return domain.TurnResponse{}, errors.Join(runErr, err)
		}
		t.reply = s.prompt(ctx, promptSystemError, nil)
	}
	if len(t.trace) == 0 {
		t.trace = []domain.ConversationStatus{conv.Status}
	}

	now := s.now()
	conv.LastReply = t.reply
	conv.UpdatedAt = now
	conv.LastActiveAt = now
	if err := s.repo.SaveConversation(ctx, conv); err != nil {
		return domain.TurnResponse{}, errors.Join(runErr, fmt.Errorf("save conversation: %w", err))
	}
	record := domain.Turn{
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		Turn:           conv.Turn,
		Utterance:      req.Utterance,
		Reply:          t.reply,
		Status:         conv.Status,
		Intent:         conv.Intent,
		At:             now,
	}
	if err := s.repo.AppendTurn(ctx, record); err != nil {
		return domain.TurnResponse{}, errors.Join(runErr, fmt.Errorf("append turn: %w", err))
	}

	s.logger.Info("turn handled",
		"session_id", conv.SessionID,
		"conversation_id", conv.ID,
		"turn", conv.Turn,
		"intent", conv.Intent,
		"status", conv.Status,
	)
	return s.respond(t), runErr
}

// acquire resolves the conversation for req and returns it locked. The
// session lock is held only while the conversation is resolved so that
// arrival order is kept across a session's first turns.
func (s *Service) acquire(ctx context.Context, req domain.TurnRequest) (domain.Conversation, string, func(), error) {
	unlockSession, err := s.locks.Lock(ctx, sessionKey(req.SessionID))
	if err != nil {
		return domain.Conversation{}, "", nil, err
	}
	defer unlockSession()

	now := s.now()
	sess, err := s.repo.GetSession(ctx, req.SessionID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		sess = domain.Session{ID: req.SessionID, CreatedAt: now}
	case err != nil:
		return domain.Conversation{}, "", nil, fmt.Errorf("load session: %w", err)
	}

	var expiredID string
	if s.cfg.IdleTimeout > 0 && !sess.LastActiveAt.IsZero() && now.Sub(sess.LastActiveAt) > s.cfg.IdleTimeout && sess.ActiveConversationID != "" {
		expiredID, err = s.expire(ctx, sess.ActiveConversationID)
		if err != nil {
			return domain.Conversation{}, "", nil, err
		}
	}

	conv, unlock, err := s.resolveConversation(ctx, req, sess)
	if err != nil {
		return domain.Conversation{}, "", nil, err
	}

	sess.ActiveConversationID = conv.ID
	sess.LastActiveAt = now
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		unlock()
		return domain.Conversation{}, "", nil, fmt.Errorf("save session: %w", err)
	}
	return conv, expiredID, unlock, nil
}

func (s *Service) resolveConversation(ctx context.Context, req domain.TurnRequest, sess domain.Session) (domain.Conversation, func(), error) {
	if req.ConversationID != "" {
		conv, unlock, err := s.lockConversation(ctx, req.ConversationID)
		if err != nil {
			return domain.Conversation{}, nil, err
		}
		if conv.SessionID != req.SessionID {
			unlock()
			return domain.Conversation{}, nil, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, req.ConversationID)
		}
		return conv, unlock, nil
	}

	if id := sess.ActiveConversationID; id != "" {
		conv, unlock, err := s.lockConversation(ctx, id)
		switch {
		case err == nil && !conv.Status.Terminal():
			return conv, unlock, nil
		case err == nil:
			unlock()
		case !errors.Is(err, domain.ErrConversationNotFound):
			return domain.Conversation{}, nil, err
		}
	}

	now := s.now()
	conv := domain.Conversation{
		ID:           s.newID(),
		SessionID:    req.SessionID,
		Status:       domain.StatusStarted,
		Slots:        make(map[string]domain.SlotValue),
		Attempts:     make(map[string]int),
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
	}
	unlock, err := s.locks.Lock(ctx, conversationKey(conv.ID))
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	if err := s.repo.SaveConversation(ctx, conv); err != nil {
		unlock()
		return domain.Conversation{}, nil, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("conversation started", "session_id", req.SessionID, "conversation_id", conv.ID)
	return conv, unlock, nil
}

func (s *Service) lockConversation(ctx context.Context, id string) (domain.Conversation, func(), error) {
	unlock, err := s.locks.Lock(ctx, conversationKey(id))
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		unlock()
		return domain.Conversation{}, nil, err
	}
	return conv, unlock, nil
}

// expire abandons the session's live conversation after the session went idle.
func (s *Service) expire(ctx context.Context, id string) (string, error) {
	conv, unlock, err := s.lockConversation(ctx, id)
	if errors.Is(err, domain.ErrConversationNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer unlock()
	if conv.Status.Terminal() {
		return "", nil
	}
	if err := s.abandon(ctx, &conv, promptSessionExpired); err != nil {
		return "", err
	}
	s.logger.Info("session expired, conversation abandoned",
		"session_id", conv.SessionID,
		"conversation_id", conv.ID,
		"error", domain.ErrSessionExpired,
	)
	return conv.ID, nil
}

func (s *Service) abandon(ctx context.Context, conv *domain.Conversation, reason string) error {
	if !domain.CanTransition(conv.Status, domain.StatusAbandoned) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, conv.Status, domain.StatusAbandoned)
	}
	conv.Status = domain.StatusAbandoned
	conv.LastReply = s.prompt(ctx, reason, nil)
	conv.UpdatedAt = s.now()
	return s.repo.SaveConversation(ctx, *conv)
}

// SweepIdle abandons non-terminal conversations idle longer than the
// configured timeout. Conversations with a turn in flight are skipped.
func (s *Service) SweepIdle(ctx context.Context) (int, error) {
	if s.cfg.IdleTimeout <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.IdleTimeout)
	idle, err := s.repo.IdleConversations(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range idle {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		unlock, ok := s.locks.TryLock(conversationKey(c.ID))
		if !ok {
			continue
		}
		conv, err := s.repo.GetConversation(ctx, c.ID)
		if err == nil && !conv.Status.Terminal() && conv.LastActiveAt.Before(cutoff) {
			err = s.abandon(ctx, &conv, promptSessionExpired)
			if err == nil {
				n++
				s.logger.Info("idle conversation abandoned", "session_id", conv.SessionID, "conversation_id", conv.ID, "last_active_at", conv.LastActiveAt)
			}
		}
		unlock()
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Conversation returns a stored conversation and its turn history.
func (s *Service) Conversation(ctx context.Context, id string) (domain.Conversation, []domain.Turn, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	turns, err := s.repo.Turns(ctx, id)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	return conv, turns, nil
}

func (s *Service) respond(t *turn) domain.TurnResponse {
	conv := t.conv
	resp := domain.TurnResponse{
		SessionID:      conv.SessionID,
		ConversationID: conv.ID,
		Reply:          t.reply,
		Status:         conv.Status,
		ActiveIntent:   conv.Intent,
		Trace:          t.trace,
	}
	switch conv.Status {
	case domain.StatusSlotFilling, domain.StatusSlotFailed:
		if t.intent.Name != "" {
			resp.MissingSlots = slots.MissingNames(t.intent, conv.Slots)
		}
	case domain.StatusAmbiguous:
		if conv.Ambiguity != nil {
			resp.AmbiguityCandidates = append([]domain.Candidate(nil), conv.Ambiguity.Candidates...)
		}
	}
	return resp
}
