// Package httpserver exposes the session status API: health, live session state and
// the replayed subscription set.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/internal/infra/config"
	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

const (
	maxJSONBodyBytes int64 = 64 << 10

	healthPath        = "/healthz"
	statusPath        = "/status"
	subscriptionsPath = "/subscriptions"
)

// Session is the slice of the engine the API reads and drives.
type Session interface {
	State() session.State
	ConnID() string
	Pending() int
	Subscriptions() []session.Subscription
	Subscribe(ctx context.Context, sub session.Subscription) error
	Unsubscribe(ctx context.Context, sub session.Subscription) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment string
	session     Session
	started     time.Time
	now         func() time.Time
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Environment   string `json:"environment"`
	State         string `json:"state"`
	Ready         bool   `json:"ready"`
	ConnID        string `json:"connId,omitempty"`
	Pending       int    `json:"pendingRequests"`
	Subscriptions int    `json:"subscriptions"`
	Uptime        string `json:"uptime"`
}

// SubscriptionView is one subscription as rendered by the API.
type SubscriptionView struct {
	Kind      string `json:"kind"`
	AccountID int64  `json:"accountId"`
	SymbolID  int64  `json:"symbolId"`
	Period    string `json:"period,omitempty"`
}

// NewHandler routes the status API for one session.
func NewHandler(environment string, sess Session) http.Handler {
	return newHandler(environment, sess, time.Now)
}

func newHandler(environment string, sess Session, now func() time.Time) http.Handler {
	server := &httpServer{environment: environment, session: sess, started: now(), now: now}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.status,
	}))
	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.listSubscriptions,
		http.MethodPost:   server.subscribe,
		http.MethodDelete: server.unsubscribe,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// health answers 200 only while the session is Ready.
func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	state := s.session.State()
	if state != session.Ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) status(w http.ResponseWriter, _ *http.Request) {
	state := s.session.State()
	writeJSON(w, http.StatusOK, StatusResponse{
		Environment:   s.environment,
		State:         state.String(),
		Ready:         state == session.Ready,
		ConnID:        s.session.ConnID(),
		Pending:       s.session.Pending(),
		Subscriptions: len(s.session.Subscriptions()),
		Uptime:        s.now().Sub(s.started).Truncate(time.Second).String(),
	})
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.session.Subscriptions()
	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, viewOf(sub))
	}
	sort.Slice(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.SymbolID != b.SymbolID {
			return a.SymbolID < b.SymbolID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Period < b.Period
	})
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

func (s *httpServer) subscribe(w http.ResponseWriter, r *http.Request) {
	s.changeSubscription(w, r, http.StatusCreated, s.session.Subscribe)
}

func (s *httpServer) unsubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeSubscription(w, r, http.StatusOK, s.session.Unsubscribe)
}

func (s *httpServer) changeSubscription(w http.ResponseWriter, r *http.Request, okStatus int, apply func(context.Context, session.Subscription) error) {
	limitRequestBody(w, r)
	sub, err := decodeSubscription(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := apply(r.Context(), sub); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, okStatus, viewOf(sub))
}

func decodeSubscription(r *http.Request) (session.Subscription, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return session.Subscription{}, fmt.Errorf("read payload: %w", err)
	}
	var payload config.SubscriptionConfig
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return session.Subscription{}, fmt.Errorf("decode payload: %w", err)
	}
	sub, err := payload.Subscription()
	if err != nil {
		return session.Subscription{}, fmt.Errorf("invalid subscription: %w", err)
	}
	return sub, nil
}

func viewOf(sub session.Subscription) SubscriptionView {
	view := SubscriptionView{
		Kind:      string(sub.Kind),
		AccountID: sub.Key.AccountID,
		SymbolID:  sub.Key.SymbolID,
	}
	if sub.Key.Period != 0 {
		view.Period = openapi.TrendbarPeriod(sub.Key.Period).String()
	}
	return view
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrProtocol):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, errs.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, errs.ErrClosed), errors.Is(err, errs.ErrNotConnected), errors.Is(err, errs.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
