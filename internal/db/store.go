package db

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the intent catalog and conversation state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS intents (
			name TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
			priority INT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			examples JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS intent_slots (
			intent_name TEXT NOT NULL REFERENCES intents(name) ON DELETE CASCADE,
			name TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			slot_type TEXT NOT NULL,
			required BOOLEAN NOT NULL DEFAULT FALSE,
			sort_order INT NOT NULL DEFAULT 0,
			position INT NOT NULL DEFAULT 0,
			rules JSONB NOT NULL DEFAULT '{}'::jsonb,
			prompt TEXT NOT NULL DEFAULT '',
			examples JSONB NOT NULL DEFAULT '[]'::jsonb,
			PRIMARY KEY (intent_name, name)
		);`,
		`CREATE TABLE IF NOT EXISTS slot_dependencies (
			intent_name TEXT NOT NULL,
			slot_name TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'requires',
			PRIMARY KEY (intent_name, slot_name, depends_on),
			FOREIGN KEY (intent_name, slot_name) REFERENCES intent_slots(intent_name, name) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS function_calls (
			intent_name TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT 'POST',
			headers JSONB NOT NULL DEFAULT '{}'::jsonb,
			param_mapping JSONB NOT NULL DEFAULT '{}'::jsonb,
			retry_times INT NOT NULL DEFAULT 1,
			retry_delay_ms BIGINT NOT NULL DEFAULT 0,
			backoff DOUBLE PRECISION NOT NULL DEFAULT 1,
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			success_template TEXT NOT NULL DEFAULT '',
			error_template TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS prompt_templates (
			name TEXT PRIMARY KEY,
			content TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dialog_sessions (
			session_id TEXT PRIMARY KEY,
			active_conversation_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_active_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			intent_name TEXT NOT NULL DEFAULT '',
			intent_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			turn INT NOT NULL DEFAULT 0,
			slots JSONB NOT NULL DEFAULT '{}'::jsonb,
			attempts JSONB NOT NULL DEFAULT '{}'::jsonb,
			ambiguity JSONB,
			last_reply TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status_active ON conversations(status, last_active_at);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);`,
		`CREATE TABLE IF NOT EXISTS conversation_transfers (
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
			seq INT NOT NULL,
			from_intent TEXT NOT NULL,
			to_intent TEXT NOT NULL,
			carried JSONB NOT NULL DEFAULT '[]'::jsonb,
			dropped JSONB,
			turn INT NOT NULL,
			transferred_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			turn INT NOT NULL,
			utterance TEXT NOT NULL,
			reply TEXT NOT NULL,
			status TEXT NOT NULL,
			intent_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_conversation ON conversation_turns(conversation_id, id);`,
	}

	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonb marshals v for a JSONB parameter; nil maps and slices become their
// empty JSON forms so NOT NULL columns accept them.
func jsonb(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	switch string(b) {
	case "null":
		return "{}", nil
	}
	return string(b), nil
}

func jsonbList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalIfSet(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
