package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdialog/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func flightValues() map[string]domain.SlotValue {
	return map[string]domain.SlotValue{
		"departure_city": {Slot: "departure_city", Value: "北京"},
		"arrival_city":   {Slot: "arrival_city", Value: "上海"},
		"departure_date": {Slot: "departure_date", Value: "2024-12-15"},
	}
}

func flightCall(endpoint string) domain.FunctionCall {
	return domain.FunctionCall{
		Intent:   "book_flight",
		Endpoint: endpoint,
		Method:   http.MethodPost,
		Headers:  map[string]string{"X-Api-Key": "secret"},
		ParamMapping: map[string]string{
			"departure_city": "from",
			"arrival_city":   "to",
			"departure_date": "date",
		},
		RetryTimes:      3,
		Timeout:         time.Second,
		SuccessTemplate: "您的机票预订成功！订单号：{order_id}",
		ErrorTemplate:   "抱歉，{slot.departure_city}到{slot.arrival_city}的机票预订失败：{error}",
	}
}

func noSleep(inv *Invoker) {
	inv.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
}

func TestInvokeSuccessRendersResponseFields(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"order_id": 12345, "status": "confirmed"}`))
	}))
	defer srv.Close()

	inv := New(quietLogger())
	res, err := inv.Invoke(context.Background(), flightCall(srv.URL), flightValues())
	require.NoError(t, err)
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, "您的机票预订成功！订单号：12345", res.Reply)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, map[string]string{"from": "北京", "to": "上海", "date": "2024-12-15"}, got)
}

func TestInvokeConnectionFailureExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	inv := New(quietLogger(), noSleep)
	res, err := inv.Invoke(context.Background(), flightCall(endpoint), flightValues())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Reply, "抱歉，北京到上海的机票预订失败：")
	assert.Contains(t, res.Reply, "connection refused")

	var callErr *domain.ExternalCallError
	require.True(t, errors.As(res.Err, &callErr))
	assert.Equal(t, 3, callErr.Attempts)
	assert.ErrorIs(t, res.Err, domain.ErrExternalCall)
}

func TestInvokeRetriesNonSuccessStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"order_id":"A1"}`))
	}))
	defer srv.Close()

	inv := New(quietLogger(), noSleep)
	res, err := inv.Invoke(context.Background(), flightCall(srv.URL), flightValues())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeReportsLastStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	fc := flightCall(srv.URL)
	fc.RetryTimes = 2
	res, err := New(quietLogger(), noSleep).Invoke(context.Background(), fc, flightValues())
	require.NoError(t, err)
	var callErr *domain.ExternalCallError
	require.True(t, errors.As(res.Err, &callErr))
	assert.Equal(t, http.StatusBadGateway, callErr.StatusCode)
	assert.Contains(t, res.Reply, "status=502")
}

func TestInvokeEnforcesPerAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	fc := flightCall(srv.URL)
	fc.RetryTimes = 2
	fc.Timeout = 50 * time.Millisecond

	start := time.Now()
	res, err := New(quietLogger(), noSleep).Invoke(context.Background(), fc, flightValues())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Reply, "timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvokeMissingResponseFieldFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	res, err := New(quietLogger(), noSleep).Invoke(context.Background(), flightCall(srv.URL), flightValues())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrResponseMismatch)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, res.Reply, "order_id")
}

func TestInvokeSlotValuesDoNotStandInForResponseFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"order_id":"A1"}`))
	}))
	defer srv.Close()

	fc := flightCall(srv.URL)
	fc.SuccessTemplate = "{departure_city}出发，订单号：{order_id}"
	res, err := New(quietLogger()).Invoke(context.Background(), fc, flightValues())
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrResponseMismatch)
	assert.Contains(t, res.Reply, "抱歉，北京到上海的机票预订失败：")

	fc.SuccessTemplate = "{slot.departure_city}出发，订单号：{order_id}"
	res, err = New(quietLogger()).Invoke(context.Background(), fc, flightValues())
	require.NoError(t, err)
	require.True(t, res.OK, "err: %v", res.Err)
	assert.Equal(t, "北京出发，订单号：A1", res.Reply)
}

func TestInvokeGetSendsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "6222", r.URL.Query().Get("account"))
		_, _ = w.Write([]byte(`{"balance": {"amount": 100.25, "currency": "CNY"}}`))
	}))
	defer srv.Close()

	fc := domain.FunctionCall{
		Intent:          "check_balance",
		Endpoint:        srv.URL + "/balance",
		Method:          "get",
		ParamMapping:    map[string]string{"account_no": "account"},
		SuccessTemplate: "您的余额为{balance.amount}{balance.currency}",
	}
	values := map[string]domain.SlotValue{"account_no": {Slot: "account_no", Value: "6222"}}
	res, err := New(quietLogger()).Invoke(context.Background(), fc, values)
	require.NoError(t, err)
	assert.Equal(t, "您的余额为100.25CNY", res.Reply)
}

type recordingTransport struct {
	calls int
	err   error
}

func (r *recordingTransport) Call(context.Context, domain.FunctionCall, map[string]any) (map[string]any, error) {
	r.calls++
	return nil, r.err
}

func TestInvokeBackoffIsCapped(t *testing.T) {
	tr := &recordingTransport{err: errors.New("boom")}
	var delays []time.Duration
	inv := New(quietLogger(), WithTransport("mqtt", tr), func(inv *Invoker) {
		inv.sleep = func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}
	})
	fc := domain.FunctionCall{
		Intent:        "x",
		Endpoint:      "mqtt://lights",
		RetryTimes:    25,
		RetryDelay:    10 * time.Second,
		Backoff:       2,
		ErrorTemplate: "失败：{error}",
	}
	res, err := inv.Invoke(context.Background(), fc, nil)
	require.NoError(t, err)
	assert.Equal(t, maxAttempts, tr.calls)
	assert.Equal(t, "失败：boom", res.Reply)
	require.Len(t, delays, maxAttempts-1)
	assert.Equal(t, 10*time.Second, delays[0])
	assert.Equal(t, 20*time.Second, delays[1])
	assert.Equal(t, maxRetryDelay, delays[len(delays)-1])
}

func TestInvokeUnknownSchemeIsConfigError(t *testing.T) {
	_, err := New(quietLogger()).Invoke(context.Background(), domain.FunctionCall{Intent: "x", Endpoint: "ftp://host"}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestParamsWithoutMappingPassesSlotNames(t *testing.T) {
	got := Params(domain.FunctionCall{}, flightValues())
	assert.Equal(t, "北京", got["departure_city"])
	assert.Len(t, got, 3)
}
