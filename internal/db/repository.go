package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"taskdialog/internal/domain"
)

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var (
		sess       domain.Session
		activeID   *string
		lastActive *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, active_conversation_id, created_at, last_active_at
		FROM dialog_sessions
		WHERE session_id=$1
	`, id).Scan(&sess.ID, &activeID, &sess.CreatedAt, &lastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	if activeID != nil {
		sess.ActiveConversationID = *activeID
	}
	if lastActive != nil {
		sess.LastActiveAt = *lastActive
	}
	return sess, nil
}

func (s *Store) SaveSession(ctx context.Context, sess domain.Session) error {
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dialog_sessions(session_id, active_conversation_id, created_at, last_active_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id)
		DO UPDATE SET
			active_conversation_id = EXCLUDED.active_conversation_id,
			last_active_at = EXCLUDED.last_active_at
	`, sess.ID, nullIfEmpty(sess.ActiveConversationID), created, sess.LastActiveAt)
	return err
}

const conversationColumns = `conversation_id, session_id, status, intent_name, intent_confidence, turn, slots, attempts, ambiguity, last_reply, created_at, updated_at, last_active_at`

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var (
		c                                  domain.Conversation
		status                             string
		slotsRaw, attemptsRaw, ambiguityRaw []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.SessionID,
		&status,
		&c.Intent,
		&c.IntentConfidence,
		&c.Turn,
		&slotsRaw,
		&attemptsRaw,
		&ambiguityRaw,
		&c.LastReply,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.LastActiveAt,
	); err != nil {
		return domain.Conversation{}, err
	}
	c.Status = domain.ConversationStatus(status)
	c.Slots = map[string]domain.SlotValue{}
	c.Attempts = map[string]int{}
	if err := unmarshalIfSet(slotsRaw, &c.Slots); err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation %s slots: %w", c.ID, err)
	}
	if err := unmarshalIfSet(attemptsRaw, &c.Attempts); err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation %s attempts: %w", c.ID, err)
	}
	if len(ambiguityRaw) > 0 {
		var amb domain.IntentAmbiguity
		if err := unmarshalIfSet(ambiguityRaw, &amb); err != nil {
			return domain.Conversation{}, fmt.Errorf("conversation %s ambiguity: %w", c.ID, err)
		}
		c.Ambiguity = &amb
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE conversation_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, id)
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	transfers, err := s.transfers(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	c.Transfers = transfers
	return c, nil
}

func (s *Store) transfers(ctx context.Context, conversationID string) ([]domain.IntentTransfer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT from_intent, to_intent, carried, dropped, turn, transferred_at
		FROM conversation_transfers
		WHERE conversation_id=$1
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.IntentTransfer
	for rows.Next() {
		var (
			t                   domain.IntentTransfer
			carried, droppedRaw []byte
		)
		if err := rows.Scan(&t.From, &t.To, &carried, &droppedRaw, &t.Turn, &t.At); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(carried, &t.Carried); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(droppedRaw, &t.Dropped); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveConversation upserts the conversation and appends transfers not stored yet.
func (s *Store) SaveConversation(ctx context.Context, c domain.Conversation) error {
	slots, err := jsonb(c.Slots)
	if err != nil {
		return err
	}
	attempts, err := jsonb(c.Attempts)
	if err != nil {
		return err
	}
	var ambiguity any
	if c.Ambiguity != nil {
		if ambiguity, err = jsonb(c.Ambiguity); err != nil {
			return err
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversations(`+conversationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11, $12, $13)
			ON CONFLICT (conversation_id)
			DO UPDATE SET
				status = EXCLUDED.status,
				intent_name = EXCLUDED.intent_name,
				intent_confidence = EXCLUDED.intent_confidence,
				turn = EXCLUDED.turn,
				slots = EXCLUDED.slots,
				attempts = EXCLUDED.attempts,
				ambiguity = EXCLUDED.ambiguity,
				last_reply = EXCLUDED.last_reply,
				updated_at = EXCLUDED.updated_at,
				last_active_at = EXCLUDED.last_active_at
		`, c.ID, c.SessionID, string(c.Status), c.Intent, c.IntentConfidence, c.Turn,
			slots, attempts, ambiguity, c.LastReply, c.CreatedAt, c.UpdatedAt, c.LastActiveAt); err != nil {
			return err
		}
		for seq, t := range c.Transfers {
			carried, err := jsonbList(t.Carried)
			if err != nil {
				return err
			}
			var dropped any
			if len(t.Dropped) > 0 {
				if dropped, err = jsonb(t.Dropped); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO conversation_transfers(conversation_id, seq, from_intent, to_intent, carried, dropped, turn, transferred_at)
				VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8)
				ON CONFLICT (conversation_id, seq) DO NOTHING
			`, c.ID, seq, t.From, t.To, carried, dropped, t.Turn, t.At); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) AppendTurn(ctx context.Context, t domain.Turn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_turns(conversation_id, session_id, turn, utterance, reply, status, intent_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ConversationID, t.SessionID, t.Turn, t.Utterance, t.Reply, string(t.Status), t.Intent, t.At)
	return err
}

func (s *Store) Turns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, session_id, turn, utterance, reply, status, intent_name, created_at
		FROM conversation_turns
		WHERE conversation_id=$1
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Turn
	for rows.Next() {
		var (
			t      domain.Turn
			status string
		)
		if err := rows.Scan(&t.ConversationID, &t.SessionID, &t.Turn, &t.Utterance, &t.Reply, &status, &t.Intent, &t.At); err != nil {
			return nil, err
		}
		t.Status = domain.ConversationStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// IdleConversations lists non-terminal conversations last active before
// cutoff, oldest first.
func (s *Store) IdleConversations(ctx context.Context, cutoff time.Time) ([]domain.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status <> ALL($1) AND last_active_at < $2
		ORDER BY last_active_at ASC
		LIMIT 500
	`, terminalStatuses(), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func terminalStatuses() []string {
	return []string{
		string(domain.StatusCompleted),
		string(domain.StatusActionFailed),
		string(domain.StatusSlotFailed),
		string(domain.StatusAbandoned),
	}
}
