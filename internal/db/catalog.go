package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"taskdialog/internal/domain"
)

func (s *Store) Intent(ctx context.Context, name string) (domain.Intent, error) {
	var (
		in          domain.Intent
		examplesRaw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT name, intent_id, display_name, threshold, priority, active, examples
		FROM intents
		WHERE name=$1
	`, name).Scan(&in.Name, &in.ID, &in.DisplayName, &in.Threshold, &in.Priority, &in.Active, &examplesRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Intent{}, fmt.Errorf("%w: %s", domain.ErrIntentNotFound, name)
	}
	if err != nil {
		return domain.Intent{}, err
	}
	if err := unmarshalIfSet(examplesRaw, &in.Examples); err != nil {
		return domain.Intent{}, err
	}
	slots, err := s.intentSlots(ctx, name)
	if err != nil {
		return domain.Intent{}, err
	}
	in.Slots = slots
	return in, nil
}

func (s *Store) ActiveIntents(ctx context.Context) ([]domain.Intent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name
		FROM intents
		WHERE active
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	out := make([]domain.Intent, 0, len(names))
	for _, name := range names {
		in, err := s.Intent(ctx, name)
		if errors.Is(err, domain.ErrIntentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func (s *Store) intentSlots(ctx context.Context, intent string) ([]domain.Slot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, display_name, slot_type, required, sort_order, rules, prompt, examples
		FROM intent_slots
		WHERE intent_name=$1
		ORDER BY position ASC, name ASC
	`, intent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Slot
	index := map[string]int{}
	for rows.Next() {
		var (
			slot        domain.Slot
			slotType    string
			rulesRaw    []byte
			examplesRaw []byte
		)
		if err := rows.Scan(&slot.Name, &slot.DisplayName, &slotType, &slot.Required, &slot.Order, &rulesRaw, &slot.Prompt, &examplesRaw); err != nil {
			return nil, err
		}
		slot.Type = domain.SlotType(slotType)
		if err := unmarshalIfSet(rulesRaw, &slot.Rules); err != nil {
			return nil, fmt.Errorf("slot %s rules: %w", slot.Name, err)
		}
		if err := unmarshalIfSet(examplesRaw, &slot.Examples); err != nil {
			return nil, fmt.Errorf("slot %s examples: %w", slot.Name, err)
		}
		index[slot.Name] = len(out)
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depRows, err := s.pool.Query(ctx, `
		SELECT slot_name, depends_on, kind
		FROM slot_dependencies
		WHERE intent_name=$1
		ORDER BY slot_name ASC, depends_on ASC
	`, intent)
	if err != nil {
		return nil, err
	}
	defer depRows.Close()
	for depRows.Next() {
		var slotName, dependsOn, kind string
		if err := depRows.Scan(&slotName, &dependsOn, &kind); err != nil {
			return nil, err
		}
		i, ok := index[slotName]
		if !ok {
			continue
		}
		out[i].Dependencies = append(out[i].Dependencies, domain.SlotDependency{Slot: dependsOn, Kind: domain.DependencyKind(kind)})
	}
	return out, depRows.Err()
}

// PutIntent replaces the intent together with its slots and dependencies.
func (s *Store) PutIntent(ctx context.Context, in domain.Intent) error {
	examples, err := jsonbList(in.Examples)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO intents(name, intent_id, display_name, threshold, priority, active, examples)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
			ON CONFLICT (name)
			DO UPDATE SET
				intent_id = EXCLUDED.intent_id,
				display_name = EXCLUDED.display_name,
				threshold = EXCLUDED.threshold,
				priority = EXCLUDED.priority,
				active = EXCLUDED.active,
				examples = EXCLUDED.examples,
				updated_at = NOW()
		`, in.Name, in.ID, in.DisplayName, in.Threshold, in.Priority, in.Active, examples); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM intent_slots WHERE intent_name=$1`, in.Name); err != nil {
			return err
		}
		for pos, slot := range in.Slots {
			rules, err := jsonb(slot.Rules)
			if err != nil {
				return err
			}
			slotExamples, err := jsonbList(slot.Examples)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO intent_slots(intent_name, name, display_name, slot_type, required, sort_order, position, rules, prompt, examples)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10::jsonb)
			`, in.Name, slot.Name, slot.DisplayName, string(slot.Type), slot.Required, slot.Order, pos, rules, slot.Prompt, slotExamples); err != nil {
				return fmt.Errorf("insert slot %s: %w", slot.Name, err)
			}
		}
		for _, slot := range in.Slots {
			for _, dep := range slot.Dependencies {
				kind := dep.Kind
				if kind == "" {
					kind = domain.DependencyRequires
				}
				if _, err := tx.Exec(ctx, `
					INSERT INTO slot_dependencies(intent_name, slot_name, depends_on, kind)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT DO NOTHING
				`, in.Name, slot.Name, dep.Slot, string(kind)); err != nil {
					return fmt.Errorf("insert dependency %s->%s: %w", slot.Name, dep.Slot, err)
				}
			}
		}
		return nil
	})
}

func (s *Store) FunctionCall(ctx context.Context, intent string) (domain.FunctionCall, error) {
	var (
		fc                  domain.FunctionCall
		headersRaw          []byte
		mappingRaw          []byte
		retryDelay, timeout int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT intent_name, endpoint, method, headers, param_mapping, retry_times, retry_delay_ms, backoff, timeout_ms, success_template, error_template
		FROM function_calls
		WHERE intent_name=$1
	`, intent).Scan(
		&fc.Intent,
		&fc.Endpoint,
		&fc.Method,
		&headersRaw,
		&mappingRaw,
		&fc.RetryTimes,
		&retryDelay,
		&fc.Backoff,
		&timeout,
		&fc.SuccessTemplate,
		&fc.ErrorTemplate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FunctionCall{}, fmt.Errorf("%w: %s", domain.ErrFunctionCallNotFound, intent)
	}
	if err != nil {
		return domain.FunctionCall{}, err
	}
	if err := unmarshalIfSet(headersRaw, &fc.Headers); err != nil {
		return domain.FunctionCall{}, err
	}
	if err := unmarshalIfSet(mappingRaw, &fc.ParamMapping); err != nil {
		return domain.FunctionCall{}, err
	}
	fc.RetryDelay = time.Duration(retryDelay) * time.Millisecond
	fc.Timeout = time.Duration(timeout) * time.Millisecond
	return fc, nil
}

func (s *Store) PutFunctionCall(ctx context.Context, fc domain.FunctionCall) error {
	headers, err := jsonb(fc.Headers)
	if err != nil {
		return err
	}
	mapping, err := jsonb(fc.ParamMapping)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO function_calls(intent_name, endpoint, method, headers, param_mapping, retry_times, retry_delay_ms, backoff, timeout_ms, success_template, error_template)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (intent_name)
		DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			method = EXCLUDED.method,
			headers = EXCLUDED.headers,
			param_mapping = EXCLUDED.param_mapping,
			retry_times = EXCLUDED.retry_times,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			backoff = EXCLUDED.backoff,
			timeout_ms = EXCLUDED.timeout_ms,
			success_template = EXCLUDED.success_template,
			error_template = EXCLUDED.error_template
	`, fc.Intent, fc.Endpoint, fc.Method, headers, mapping, fc.RetryTimes,
		fc.RetryDelay.Milliseconds(), fc.Backoff, fc.Timeout.Milliseconds(),
		fc.SuccessTemplate, fc.ErrorTemplate)
	return err
}

func (s *Store) PromptTemplate(ctx context.Context, name string) (domain.PromptTemplate, error) {
	t := domain.PromptTemplate{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT content FROM prompt_templates WHERE name=$1`, name).Scan(&t.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PromptTemplate{}, fmt.Errorf("%w: %s", domain.ErrPromptNotFound, name)
	}
	if err != nil {
		return domain.PromptTemplate{}, err
	}
	return t, nil
}

func (s *Store) PutPromptTemplate(ctx context.Context, t domain.PromptTemplate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prompt_templates(name, content)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET content = EXCLUDED.content
	`, t.Name, t.Content)
	return err
}
