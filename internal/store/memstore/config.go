package memstore

import (
	"context"
	"sort"
	"sync"

	"taskdialog/internal/domain"
)

// ConfigStore is an in-memory configuration source. The yaml loader fills
// one from a catalog file.
type ConfigStore struct {
	mu      sync.RWMutex
	intents map[string]domain.Intent
	calls   map[string]domain.FunctionCall
	prompts map[string]domain.PromptTemplate
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		intents: make(map[string]domain.Intent),
		calls:   make(map[string]domain.FunctionCall),
		prompts: make(map[string]domain.PromptTemplate),
	}
}

func (s *ConfigStore) PutIntent(in domain.Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.Name] = cloneIntent(in)
}

func (s *ConfigStore) PutFunctionCall(fc domain.FunctionCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[fc.Intent] = fc
}

func (s *ConfigStore) PutPromptTemplate(t domain.PromptTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[t.Name] = t
}

// Replace swaps the whole configuration in one step, dropping entries that
// are not in the new set.
func (s *ConfigStore) Replace(intents []domain.Intent, calls []domain.FunctionCall, prompts []domain.PromptTemplate) {
	ni := make(map[string]domain.Intent, len(intents))
	for _, in := range intents {
		ni[in.Name] = cloneIntent(in)
	}
	nc := make(map[string]domain.FunctionCall, len(calls))
	for _, fc := range calls {
		nc[fc.Intent] = fc
	}
	np := make(map[string]domain.PromptTemplate, len(prompts))
	for _, t := range prompts {
		np[t.Name] = t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents, s.calls, s.prompts = ni, nc, np
}

func (s *ConfigStore) Intent(_ context.Context, name string) (domain.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[name]
	if !ok {
		return domain.Intent{}, domain.ErrIntentNotFound
	}
	return cloneIntent(in), nil
}

// ActiveIntents returns active intents sorted by name.
func (s *ConfigStore) ActiveIntents(_ context.Context) ([]domain.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Intent, 0, len(s.intents))
	for _, in := range s.intents {
		if in.Active {
			out = append(out, cloneIntent(in))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *ConfigStore) FunctionCall(_ context.Context, intent string) (domain.FunctionCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fc, ok := s.calls[intent]
	if !ok {
		return domain.FunctionCall{}, domain.ErrFunctionCallNotFound
	}
	return fc, nil
}

func (s *ConfigStore) PromptTemplate(_ context.Context, name string) (domain.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.prompts[name]
	if !ok {
		return domain.PromptTemplate{}, domain.ErrPromptNotFound
	}
	return t, nil
}

func cloneIntent(in domain.Intent) domain.Intent {
	out := in
	out.Examples = append([]string(nil), in.Examples...)
	out.Slots = make([]domain.Slot, len(in.Slots))
	for i, s := range in.Slots {
		s.Examples = append([]string(nil), s.Examples...)
		s.Dependencies = append([]domain.SlotDependency(nil), s.Dependencies...)
		s.Rules.Enum = append([]string(nil), s.Rules.Enum...)
		out.Slots[i] = s
	}
	return out
}
