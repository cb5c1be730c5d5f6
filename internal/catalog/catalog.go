// Package catalog serves intent, function-call and prompt configuration from
// a backing store through the TTL cache. Intents are validated and their
// slots put in elicitation order when loaded.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"taskdialog/internal/cache"
	"taskdialog/internal/domain"
	"taskdialog/internal/slots"
)

// Store is the read-only configuration source.
type Store interface {
	Intent(ctx context.Context, name string) (domain.Intent, error)
	ActiveIntents(ctx context.Context) ([]domain.Intent, error)
	FunctionCall(ctx context.Context, intent string) (domain.FunctionCall, error)
	PromptTemplate(ctx context.Context, name string) (domain.PromptTemplate, error)
}

const (
	keyPrefix       = "cfg:"
	keyActive       = keyPrefix + "active"
	keyIntentPrefix = keyPrefix + "intent:"
	keyCallPrefix   = keyPrefix + "fc:"
	keyPromptPrefix = keyPrefix + "tpl:"
)

type Catalog struct {
	store  Store
	cache  *cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

func New(store Store, c *cache.Cache, ttl time.Duration, logger *slog.Logger) *Catalog {
	if c == nil {
		c = cache.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, cache: c, ttl: ttl, logger: logger}
}

// Intent returns the compiled intent. A broken configuration surfaces as a
// *domain.ConfigError.
func (c *Catalog) Intent(ctx context.Context, name string) (domain.Intent, error) {
	key := keyIntentPrefix + name
	if in, ok := cache.Get[domain.Intent](c.cache, key); ok {
		return in, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		raw, err := c.store.Intent(ctx, name)
		if err != nil {
			return nil, err
		}
		compiled, err := slots.Compile(raw)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, compiled, c.ttl)
		return compiled, nil
	})
	if err != nil {
		return domain.Intent{}, err
	}
	return v.(domain.Intent), nil
}

// Intents returns the active intents keyed by name. Intents that fail to
// compile are logged and left out.
func (c *Catalog) Intents(ctx context.Context) (map[string]domain.Intent, error) {
	if m, ok := cache.Get[map[string]domain.Intent](c.cache, keyActive); ok {
		return m, nil
	}
	v, err, _ := c.group.Do(keyActive, func() (any, error) {
		list, err := c.store.ActiveIntents(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]domain.Intent, len(list))
		for _, raw := range list {
			compiled, err := slots.Compile(raw)
			if err != nil {
				c.logger.Error("skip invalid intent", "intent", raw.Name, "error", err)
				continue
			}
			out[compiled.Name] = compiled
			c.cache.Set(keyIntentPrefix+compiled.Name, compiled, c.ttl)
		}
		c.cache.Set(keyActive, out, c.ttl)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]domain.Intent), nil
}

// Validate compiles every active intent and joins all configuration errors.
func (c *Catalog) Validate(ctx context.Context) error {
	list, err := c.store.ActiveIntents(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, in := range list {
		if _, err := slots.Compile(in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) FunctionCall(ctx context.Context, intent string) (domain.FunctionCall, error) {
	key := keyCallPrefix + intent
	if fc, ok := cache.Get[domain.FunctionCall](c.cache, key); ok {
		return fc, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		fc, err := c.store.FunctionCall(ctx, intent)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, fc, c.ttl)
		return fc, nil
	})
	if err != nil {
		return domain.FunctionCall{}, err
	}
	return v.(domain.FunctionCall), nil
}

// Prompt returns the named template's content, or fallback when the store
// has none.
func (c *Catalog) Prompt(ctx context.Context, name, fallback string) string {
	key := keyPromptPrefix + name
	if s, ok := cache.Get[string](c.cache, key); ok {
		return s
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		tpl, err := c.store.PromptTemplate(ctx, name)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, tpl.Content, c.ttl)
		return tpl.Content, nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrPromptNotFound) {
			c.logger.Warn("load prompt template failed", "template", name, "error", err)
		}
		return fallback
	}
	if s := v.(string); s != "" {
		return s
	}
	return fallback
}

// Invalidate drops every cached configuration entry and returns the count.
func (c *Catalog) Invalidate() int {
	n := c.cache.DeletePrefix(keyPrefix)
	c.logger.Info("configuration cache invalidated", "entries", n)
	return n
}
