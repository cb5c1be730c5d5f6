// Package invoker performs the external action mapped to a completed intent
// and renders the reply from its templates.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"taskdialog/internal/domain"
)

const (
	maxAttempts     = 10
	maxRetryDelay   = 30 * time.Second
	defaultTimeout  = 10 * time.Second
	fallbackFailure = "抱歉，操作未能完成，请稍后再试。"
	fallbackSuccess = "操作已完成。"
)

// ErrResponseMismatch means the action succeeded but its response lacks a
// field the success template needs.
var ErrResponseMismatch = errors.New("response does not satisfy success template")

// Transport performs a single attempt of a function call.
type Transport interface {
	Call(ctx context.Context, fc domain.FunctionCall, params map[string]any) (map[string]any, error)
}

type Result struct {
	OK       bool
	Reply    string
	Response map[string]any
	Attempts int
	// Err is the last failure when OK is false.
	Err error
}

type Invoker struct {
	transports     map[string]Transport
	defaultTimeout time.Duration
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

type Option func(*Invoker)

// WithTransport registers t for endpoints with the given URL scheme.
func WithTransport(scheme string, t Transport) Option {
	return func(inv *Invoker) {
		if t != nil {
			inv.transports[strings.ToLower(scheme)] = t
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(inv *Invoker) {
		if d > 0 {
			inv.defaultTimeout = d
		}
	}
}

// New returns an Invoker with the HTTP transport registered for http and https.
func New(logger *slog.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	httpTransport := NewHTTPTransport(nil)
	inv := &Invoker{
		transports:     map[string]Transport{"http": httpTransport, "https": httpTransport},
		defaultTimeout: defaultTimeout,
		logger:         logger,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Params maps bound slot values onto API parameter names. Without a mapping
// every bound slot is passed under its own name.
func Params(fc domain.FunctionCall, values map[string]domain.SlotValue) map[string]any {
	params := make(map[string]any, len(values))
	if len(fc.ParamMapping) == 0 {
		for name, v := range values {
			params[name] = v.Value
		}
		return params
	}
	for slot, param := range fc.ParamMapping {
		if v, ok := values[slot]; ok {
			params[param] = v.Value
		}
	}
	return params
}

// Invoke runs fc with retries and renders the reply. The returned error is
// reserved for configuration problems; call failures are reported through
// Result.
func (inv *Invoker) Invoke(ctx context.Context, fc domain.FunctionCall, values map[string]domain.SlotValue) (Result, error) {
	transport, err := inv.transportFor(fc)
	if err != nil {
		return Result{}, err
	}

	params := Params(fc, values)
	attempts := fc.RetryTimes
	if attempts < 1 {
		attempts = 1
	}
	if attempts > maxAttempts {
		attempts = maxAttempts
	}
	timeout := fc.Timeout
	if timeout <= 0 {
		timeout = inv.defaultTimeout
	}

	var (
		lastErr error
		resp    map[string]any
		made    int
	)
	delay := fc.RetryDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, lastErr = transport.Call(attemptCtx, fc, params)
		cancel()
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, domain.ErrConfiguration) {
			return Result{Attempts: attempt}, lastErr
		}
		if errors.Is(lastErr, context.DeadlineExceeded) && ctx.Err() == nil {
			lastErr = fmt.Errorf("timeout after %s: %w", timeout, lastErr)
		}
		inv.logger.Warn("function call attempt failed",
			"intent", fc.Intent,
			"endpoint", fc.Endpoint,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", lastErr,
		)
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		if err := inv.sleep(ctx, delay); err != nil {
			break
		}
		if fc.Backoff > 1 {
			delay = time.Duration(float64(delay) * fc.Backoff)
		}
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	if lastErr != nil {
		callErr := &domain.ExternalCallError{Endpoint: fc.Endpoint, Attempts: made, Err: lastErr}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) {
			callErr.StatusCode = statusErr.Code
		}
		return Result{Reply: inv.failureReply(fc, values, lastErr), Attempts: made, Err: callErr}, nil
	}

	vars := make(map[string]any, len(resp)+1)
	for k, v := range resp {
		vars[k] = v
	}
	if _, clash := resp[slotNamespace]; clash {
		inv.logger.Warn("response field shadowed by slot namespace", "intent", fc.Intent, "field", slotNamespace)
	}
	vars[slotNamespace] = slotVars(values)
	if strings.TrimSpace(fc.SuccessTemplate) == "" {
		return Result{OK: true, Reply: fallbackSuccess, Response: resp, Attempts: made}, nil
	}
	if missing := Missing(fc.SuccessTemplate, vars); len(missing) > 0 {
		mismatch := fmt.Errorf("%w: missing %s", ErrResponseMismatch, strings.Join(missing, ", "))
		inv.logger.Error("function call response incomplete", "intent", fc.Intent, "endpoint", fc.Endpoint, "missing", missing)
		return Result{
			Reply:    inv.failureReply(fc, values, mismatch),
			Response: resp,
			Attempts: made,
			Err:      &domain.ExternalCallError{Endpoint: fc.Endpoint, Attempts: made, Err: mismatch},
		}, nil
	}
	reply, err := Render(fc.SuccessTemplate, vars)
	if err != nil {
		return Result{}, err
	}
	return Result{OK: true, Reply: reply, Response: resp, Attempts: made}, nil
}

func (inv *Invoker) transportFor(fc domain.FunctionCall) (Transport, error) {
	u, err := url.Parse(strings.TrimSpace(fc.Endpoint))
	if err != nil || u.Scheme == "" {
		return nil, &domain.ConfigError{Intent: fc.Intent, Err: fmt.Errorf("invalid endpoint %q", fc.Endpoint)}
	}
	t, ok := inv.transports[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, &domain.ConfigError{Intent: fc.Intent, Err: fmt.Errorf("no transport for scheme %q", u.Scheme)}
	}
	return t, nil
}

func (inv *Invoker) failureReply(fc domain.FunctionCall, values map[string]domain.SlotValue, cause error) string {
	if strings.TrimSpace(fc.ErrorTemplate) == "" {
		return fallbackFailure
	}
	vars := map[string]any{
		"error":       cause.Error(),
		slotNamespace: slotVars(values),
	}
	reply, err := Render(fc.ErrorTemplate, vars)
	if err != nil {
		inv.logger.Error("render error template", "intent", fc.Intent, "error", err)
		return fallbackFailure
	}
	return reply
}

// slotNamespace is the template prefix for slot values, as in
// {slot.departure_city}. Bare names refer to response fields only.
const slotNamespace = "slot"

func slotVars(values map[string]domain.SlotValue) map[string]any {
	vars := make(map[string]any, len(values))
	for name, v := range values {
		vars[name] = v.Value
	}
	return vars
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
