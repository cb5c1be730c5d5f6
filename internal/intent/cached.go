package intent

import (
	"context"
	"hash/fnv"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"taskdialog/internal/cache"
	"taskdialog/internal/domain"
)

const cacheKeyPrefix = "rec:"

// Cached memoizes recognition results per normalized utterance and session
// context.
type Cached struct {
	next  Recognizer
	cache *cache.Cache
	ttl   time.Duration
}

func NewCached(next Recognizer, c *cache.Cache, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: c, ttl: ttl}
}

func (c *Cached) Recognize(ctx context.Context, utterance string, sessionCtx map[string]string) (domain.Recognition, error) {
	key := cacheKey(utterance, sessionCtx)
	if rec, ok := cache.Get[domain.Recognition](c.cache, key); ok {
		return rec, nil
	}
	rec, err := c.next.Recognize(ctx, utterance, sessionCtx)
	if err != nil {
		return domain.Recognition{}, err
	}
	c.cache.Set(key, rec, c.ttl)
	return rec, nil
}

// cacheKey appends a hash of the sorted context pairs when there are any, so
// a recognition made under one context is never replayed under another.
func cacheKey(utterance string, sessionCtx map[string]string) string {
	key := cacheKeyPrefix + strings.TrimSpace(utterance)
	if len(sessionCtx) == 0 {
		return key
	}
	names := make([]string, 0, len(sessionCtx))
	for k := range sessionCtx {
		names = append(names, k)
	}
	slices.Sort(names)
	h := fnv.New64a()
	for _, k := range names {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(sessionCtx[k]))
		h.Write([]byte{0})
	}
	return key + "#" + strconv.FormatUint(h.Sum64(), 36)
}

// Purge drops every memoized recognition.
func (c *Cached) Purge() int {
	return c.cache.DeletePrefix(cacheKeyPrefix)
}

// Fallback asks primary first and secondary when primary fails.
type Fallback struct {
	primary   Recognizer
	secondary Recognizer
	logger    *slog.Logger
}

func NewFallback(primary, secondary Recognizer, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) Recognize(ctx context.Context, utterance string, sessionCtx map[string]string) (domain.Recognition, error) {
	rec, err := f.primary.Recognize(ctx, utterance, sessionCtx)
	if err == nil {
		return rec, nil
	}
	if ctx.Err() != nil {
		return domain.Recognition{}, err
	}
	f.logger.Warn("recognizer failed, using fallback", "error", err)
	return f.secondary.Recognize(ctx, utterance, sessionCtx)
}
