package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/ctrader"
	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

type fakeSession struct {
	mu      sync.Mutex
	state   session.State
	connID  string
	pending int
	subs    []session.Subscription
	failure error
}

func (f *fakeSession) State() session.State { return f.state }
func (f *fakeSession) ConnID() string       { return f.connID }
func (f *fakeSession) Pending() int         { return f.pending }

func (f *fakeSession) Subscriptions() []session.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Subscription(nil), f.subs...)
}

func (f *fakeSession) Subscribe(_ context.Context, sub session.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeSession) Unsubscribe(_ context.Context, sub session.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	for i, s := range f.subs {
		if s == sub {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	return nil
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsSessionState(t *testing.T) {
	sess := &fakeSession{state: session.Reconnecting}
	h := NewHandler("demo", sess)

	rec := serve(t, h, http.MethodGet, healthPath, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "reconnecting")

	sess.state = session.Ready
	rec = serve(t, h, http.MethodGet, healthPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestStatusReportsSessionSnapshot(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := start
	sess := &fakeSession{
		state:   session.Ready,
		connID:  "9a3c",
		pending: 2,
		subs:    []session.Subscription{ctrader.SpotSubscription(1, 2)},
	}
	h := newHandler("live", sess, func() time.Time { return now })
	now = start.Add(90 * time.Second)

	rec := serve(t, h, http.MethodGet, statusPath, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, StatusResponse{
		Environment:   "live",
		State:         "ready",
		Ready:         true,
		ConnID:        "9a3c",
		Pending:       2,
		Subscriptions: 1,
		Uptime:        "1m30s",
	}, got)
}

func TestSubscriptionsListIsSorted(t *testing.T) {
	sess := &fakeSession{subs: []session.Subscription{
		ctrader.TrendbarSubscription(2, 1, openapi.PeriodH1),
		ctrader.DepthSubscription(1, 5),
		ctrader.SpotSubscription(1, 5),
	}}
	rec := serve(t, NewHandler("demo", sess), http.MethodGet, subscriptionsPath, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Subscriptions []SubscriptionView `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []SubscriptionView{
		{Kind: "depth", AccountID: 1, SymbolID: 5},
		{Kind: "spot", AccountID: 1, SymbolID: 5},
		{Kind: "live_trendbar", AccountID: 2, SymbolID: 1, Period: "H1"},
	}, body.Subscriptions)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	sess := &fakeSession{state: session.Ready}
	h := NewHandler("demo", sess)

	rec := serve(t, h, http.MethodPost, subscriptionsPath, `{"accountId":7,"symbolId":3,"kind":"live_trendbar","period":"m5"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, []session.Subscription{ctrader.TrendbarSubscription(7, 3, openapi.PeriodM5)}, sess.Subscriptions())

	rec = serve(t, h, http.MethodDelete, subscriptionsPath, `{"accountId":7,"symbolId":3,"kind":"live_trendbar","period":"M5"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Empty(t, sess.Subscriptions())
}

func TestSubscribeRejectsBadPayloads(t *testing.T) {
	h := NewHandler("demo", &fakeSession{})
	cases := map[string]string{
		"malformed":     `{"accountId":`,
		"unknown field": `{"accountId":1,"symbolId":1,"extra":true}`,
		"missing ids":   `{"kind":"spot"}`,
		"bad period":    `{"accountId":1,"symbolId":1,"kind":"live_trendbar","period":"M7"}`,
	}
	for name, body := range cases {
		rec := serve(t, h, http.MethodPost, subscriptionsPath, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d (%s)", name, rec.Code, rec.Body.String())
		}
	}

	rec := serve(t, h, http.MethodPost, subscriptionsPath, `{"accountId":1,"symbolId":1,"kind":"`+strings.Repeat("x", int(maxJSONBodyBytes))+`"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubscribeMapsSessionErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.New("session", errs.CodeProtocol, errs.WithRawCode("INVALID_REQUEST")), http.StatusUnprocessableEntity},
		{errs.New("session", errs.CodeTimeout), http.StatusGatewayTimeout},
		{errs.New("session", errs.CodeClosed), http.StatusServiceUnavailable},
		{errs.New("session", errs.CodeQueueFull), http.StatusServiceUnavailable},
		{errs.New("session", errs.CodeTransport), http.StatusBadGateway},
	}
	for _, tc := range cases {
		h := NewHandler("demo", &fakeSession{failure: tc.err})
		rec := serve(t, h, http.MethodPost, subscriptionsPath, `{"accountId":1,"symbolId":1}`)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestMethodNotAllowedAndPreflight(t *testing.T) {
	h := NewHandler("demo", &fakeSession{})

	rec := serve(t, h, http.MethodPut, subscriptionsPath, "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "DELETE, GET, POST", rec.Header().Get("Allow"))

	rec = serve(t, h, http.MethodOptions, statusPath, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
