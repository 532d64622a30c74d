package ctrader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/frame"
	"github.com/cowanweks/ctrader-go/pkg/observability"
	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
	"github.com/cowanweks/ctrader-go/pkg/transport"
)

const accountRecoveryTimeout = 30 * time.Second

// Client issues typed Open API requests over one session engine.
type Client struct {
	engine *session.Engine
	creds  *Credentials
	log    observability.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	watchOnce sync.Once
	watcher   conc.WaitGroup
}

// New wires the Open API schema into a session engine. The engine connects on
// Connect or Start.
func New(cfg session.Config, dialer transport.Dialer, creds *Credentials, opts ...session.Option) (*Client, error) {
	if creds == nil {
		return nil, errs.New("ctrader", errs.CodeInvalid, errs.WithMessage("credentials required"))
	}
	base := []session.Option{
		session.WithAuthenticator(creds),
		session.WithSubscriptionProtocol(SpotProtocol{}),
		session.WithErrorClassifier(openapi.ClassifyError),
		session.WithDisconnectClassifier(openapi.IsDisconnect),
		session.WithHistoricalClassifier(openapi.IsHistorical),
		session.WithHeartbeatPayloadType(openapi.TypeHeartbeatEvent),
	}
	engine, err := session.New(cfg, dialer, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		engine: engine,
		creds:  creds,
		log:    observability.Log(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Engine exposes the underlying session engine.
func (c *Client) Engine() *session.Engine { return c.engine }

// Credentials returns the credential set used for every handshake.
func (c *Client) Credentials() *Credentials { return c.creds }

// Connect starts the session and waits until it is Ready.
func (c *Client) Connect(ctx context.Context) error {
	c.watchAccounts()
	return c.engine.Connect(ctx)
}

// Start launches the session without waiting for it.
func (c *Client) Start(ctx context.Context) error {
	c.watchAccounts()
	return c.engine.Start(ctx)
}

// Close shuts the session down and waits for background work.
func (c *Client) Close(ctx context.Context) error {
	c.cancel()
	if err := c.engine.Shutdown(ctx); err != nil {
		return err
	}
	c.watcher.Wait()
	return nil
}

// State returns the session state.
func (c *Client) State() session.State { return c.engine.State() }

// Done is closed when the session is closed.
func (c *Client) Done() <-chan struct{} { return c.engine.Done() }

// Err returns the fatal error that closed the session, or nil.
func (c *Client) Err() error { return c.engine.Err() }

func call[T any, P unmarshaler[T]](ctx context.Context, c *Client, req openapi.Message, expected uint32) (T, error) {
	var out T
	f, err := c.engine.Request(ctx, req.PayloadType(), req.Marshal(), session.WithExpectedType(expected))
	if err != nil {
		return out, err
	}
	if err := P(&out).Unmarshal(f.Payload); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) exec(ctx context.Context, req openapi.Message, expected uint32) (frame.Frame, error) {
	return c.engine.Request(ctx, req.PayloadType(), req.Marshal(), session.WithExpectedType(expected))
}

// Version returns the proxy version.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := call[openapi.VersionRes](ctx, c, openapi.VersionReq{}, openapi.TypeVersionRes)
	return res.Version, err
}

// AccountsByAccessToken lists the accounts the current access token grants.
func (c *Client) AccountsByAccessToken(ctx context.Context) ([]openapi.TraderAccount, error) {
	res, err := call[openapi.GetAccountsByAccessTokenRes](ctx, c,
		openapi.GetAccountsByAccessTokenReq{AccessToken: c.creds.AccessToken()},
		openapi.TypeGetAccountsByAccessTokenRes)
	return res.Accounts, err
}

// RefreshToken renews the access token and stores the new pair in the credentials.
func (c *Client) RefreshToken(ctx context.Context) (openapi.RefreshTokenRes, error) {
	res, err := call[openapi.RefreshTokenRes](ctx, c,
		openapi.RefreshTokenReq{RefreshToken: c.creds.RefreshToken()},
		openapi.TypeRefreshTokenRes)
	if err != nil {
		return res, err
	}
	c.creds.SetAccessToken(res.AccessToken, res.RefreshToken)
	c.log.Info("access token refreshed", observability.F("expires_in", res.ExpiresIn))
	return res, nil
}

// AuthorizeAccount authorises an extra account now and on every reconnect.
func (c *Client) AuthorizeAccount(ctx context.Context, accountID int64) error {
	if _, err := c.exec(ctx, openapi.AccountAuthReq{AccountID: accountID, AccessToken: c.creds.AccessToken()},
		openapi.TypeAccountAuthRes); err != nil {
		return err
	}
	c.creds.AddAccount(accountID)
	return nil
}

// Logout ends the account's authorisation and forgets its subscriptions.
func (c *Client) Logout(ctx context.Context, accountID int64) error {
	c.creds.RemoveAccount(accountID)
	forgotten := c.engine.ForgetAccount(accountID)
	c.log.Info("account logout",
		observability.F("account_id", accountID),
		observability.F("subscriptions_forgotten", forgotten))
	_, err := c.exec(ctx, openapi.AccountLogoutReq{AccountID: accountID}, openapi.TypeAccountLogoutRes)
	return err
}

// SubscribeSpots starts spot quotes for each symbol.
func (c *Client) SubscribeSpots(ctx context.Context, accountID int64, symbolIDs ...int64) error {
	for _, id := range symbolIDs {
		if err := c.engine.Subscribe(ctx, SpotSubscription(accountID, id)); err != nil {
			return fmt.Errorf("subscribe spots %d: %w", id, err)
		}
	}
	return nil
}

// UnsubscribeSpots stops spot quotes for each symbol.
func (c *Client) UnsubscribeSpots(ctx context.Context, accountID int64, symbolIDs ...int64) error {
	for _, id := range symbolIDs {
		if err := c.engine.Unsubscribe(ctx, SpotSubscription(accountID, id)); err != nil {
			return fmt.Errorf("unsubscribe spots %d: %w", id, err)
		}
	}
	return nil
}

// SubscribeDepth starts depth of market updates for each symbol.
func (c *Client) SubscribeDepth(ctx context.Context, accountID int64, symbolIDs ...int64) error {
	for _, id := range symbolIDs {
		if err := c.engine.Subscribe(ctx, DepthSubscription(accountID, id)); err != nil {
			return fmt.Errorf("subscribe depth %d: %w", id, err)
		}
	}
	return nil
}

// UnsubscribeDepth stops depth of market updates for each symbol.
func (c *Client) UnsubscribeDepth(ctx context.Context, accountID int64, symbolIDs ...int64) error {
	for _, id := range symbolIDs {
		if err := c.engine.Unsubscribe(ctx, DepthSubscription(accountID, id)); err != nil {
			return fmt.Errorf("unsubscribe depth %d: %w", id, err)
		}
	}
	return nil
}

// SubscribeLiveTrendbar adds live bars to a spot subscription of the same symbol.
func (c *Client) SubscribeLiveTrendbar(ctx context.Context, accountID, symbolID int64, period openapi.TrendbarPeriod) error {
	return c.engine.Subscribe(ctx, TrendbarSubscription(accountID, symbolID, period))
}

// UnsubscribeLiveTrendbar removes live bars.
func (c *Client) UnsubscribeLiveTrendbar(ctx context.Context, accountID, symbolID int64, period openapi.TrendbarPeriod) error {
	return c.engine.Unsubscribe(ctx, TrendbarSubscription(accountID, symbolID, period))
}

// Spots streams decoded spot events.
func (c *Client) Spots(opts ...session.ListenerOption) *Stream[openapi.SpotEvent] {
	return newStream[openapi.SpotEvent](c.engine.Events(session.Types(openapi.TypeSpotEvent), opts...), c.log)
}

// Depth streams decoded depth events.
func (c *Client) Depth(opts ...session.ListenerOption) *Stream[openapi.DepthEvent] {
	return newStream[openapi.DepthEvent](c.engine.Events(session.Types(openapi.TypeDepthEvent), opts...), c.log)
}

// Executions streams execution reports that were not claimed as a response.
func (c *Client) Executions(opts ...session.ListenerOption) *Stream[openapi.ExecutionEvent] {
	return newStream[openapi.ExecutionEvent](c.engine.Events(session.Types(openapi.TypeExecutionEvent), opts...), c.log)
}

// Events attaches a raw listener for the given payload types; no types means all.
func (c *Client) Events(types ...uint32) *session.Listener {
	var filter session.Filter
	if len(types) > 0 {
		filter = session.Types(types...)
	}
	return c.engine.Events(filter)
}

// PlaceOrder validates and sends an order. The first execution report for the
// request is returned; rejections surface as protocol errors.
func (c *Client) PlaceOrder(ctx context.Context, req openapi.NewOrderReq) (openapi.ExecutionEvent, error) {
	if err := req.Validate(); err != nil {
		return openapi.ExecutionEvent{}, err
	}
	return call[openapi.ExecutionEvent](ctx, c, req, openapi.TypeExecutionEvent)
}

// NewMarketOrder places a market order. Volume is in cents of a unit.
func (c *Client) NewMarketOrder(ctx context.Context, accountID, symbolID int64, side openapi.TradeSide, volume int64) (openapi.ExecutionEvent, error) {
	return c.PlaceOrder(ctx, openapi.NewOrderReq{
		AccountID: accountID, SymbolID: symbolID, OrderType: openapi.OrderMarket, TradeSide: side, Volume: volume,
	})
}

// NewLimitOrder places a limit order.
func (c *Client) NewLimitOrder(ctx context.Context, accountID, symbolID int64, side openapi.TradeSide, volume int64, price decimal.Decimal) (openapi.ExecutionEvent, error) {
	return c.PlaceOrder(ctx, openapi.NewOrderReq{
		AccountID: accountID, SymbolID: symbolID, OrderType: openapi.OrderLimit, TradeSide: side, Volume: volume,
		LimitPrice: price,
	})
}

// NewStopOrder places a stop order.
func (c *Client) NewStopOrder(ctx context.Context, accountID, symbolID int64, side openapi.TradeSide, volume int64, price decimal.Decimal) (openapi.ExecutionEvent, error) {
	return c.PlaceOrder(ctx, openapi.NewOrderReq{
		AccountID: accountID, SymbolID: symbolID, OrderType: openapi.OrderStop, TradeSide: side, Volume: volume,
		StopPrice: price,
	})
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID int64) (openapi.ExecutionEvent, error) {
	return call[openapi.ExecutionEvent](ctx, c, openapi.CancelOrderReq{AccountID: accountID, OrderID: orderID},
		openapi.TypeExecutionEvent)
}

// ClosePosition closes volume of a position.
func (c *Client) ClosePosition(ctx context.Context, accountID, positionID, volume int64) (openapi.ExecutionEvent, error) {
	return call[openapi.ExecutionEvent](ctx, c,
		openapi.ClosePositionReq{AccountID: accountID, PositionID: positionID, Volume: volume},
		openapi.TypeExecutionEvent)
}

// Reconcile lists open positions and pending orders.
func (c *Client) Reconcile(ctx context.Context, accountID int64) (openapi.ReconcileRes, error) {
	return call[openapi.ReconcileRes](ctx, c, openapi.ReconcileReq{AccountID: accountID}, openapi.TypeReconcileRes)
}

// Trader returns account details.
func (c *Client) Trader(ctx context.Context, accountID int64) (openapi.Trader, error) {
	res, err := call[openapi.TraderRes](ctx, c, openapi.TraderReq{AccountID: accountID}, openapi.TypeTraderRes)
	return res.Trader, err
}

// SymbolsList lists the symbols of an account.
func (c *Client) SymbolsList(ctx context.Context, accountID int64, includeArchived bool) ([]openapi.LightSymbol, error) {
	res, err := call[openapi.SymbolsListRes](ctx, c,
		openapi.SymbolsListReq{AccountID: accountID, IncludeArchivedSymbols: includeArchived},
		openapi.TypeSymbolsListRes)
	return res.Symbols, err
}

// Trendbars fetches historical bars under the historical rate limit.
func (c *Client) Trendbars(ctx context.Context, req openapi.GetTrendbarsReq) (openapi.GetTrendbarsRes, error) {
	return call[openapi.GetTrendbarsRes](ctx, c, req, openapi.TypeGetTrendbarsRes)
}

// TickData fetches historical ticks under the historical rate limit.
func (c *Client) TickData(ctx context.Context, req openapi.GetTickDataReq) (openapi.GetTickDataRes, error) {
	return call[openapi.GetTickDataRes](ctx, c, req, openapi.TypeGetTickDataRes)
}

// watchAccounts reacts to account level notices for the lifetime of the engine.
func (c *Client) watchAccounts() {
	c.watchOnce.Do(func() {
		l := c.engine.Events(session.Types(openapi.TypeAccountDisconnectEvent, openapi.TypeAccountsTokenInvalidatedEvent))
		c.watcher.Go(func() {
			for f := range l.C() {
				c.handleAccountNotice(f)
			}
		})
	})
}

func (c *Client) handleAccountNotice(f frame.Frame) {
	switch f.PayloadType {
	case openapi.TypeAccountsTokenInvalidatedEvent:
		var ev openapi.AccountsTokenInvalidatedEvent
		if err := ev.Unmarshal(f.Payload); err != nil {
			c.log.Warn("undecodable token invalidation", observability.F("error", err))
			return
		}
		for _, id := range ev.AccountIDs {
			c.creds.RemoveAccount(id)
			n := c.engine.ForgetAccount(id)
			c.log.Warn("account token invalidated",
				observability.F("account_id", id),
				observability.F("reason", ev.Reason),
				observability.F("subscriptions_forgotten", n))
		}
	case openapi.TypeAccountDisconnectEvent:
		var ev openapi.AccountDisconnectEvent
		if err := ev.Unmarshal(f.Payload); err != nil {
			c.log.Warn("undecodable account disconnect", observability.F("error", err))
			return
		}
		if !c.creds.HasAccount(ev.AccountID) {
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, accountRecoveryTimeout)
		defer cancel()
		if err := c.recoverAccount(ctx, ev.AccountID); err != nil {
			c.log.Error("account recovery failed", observability.F("account_id", ev.AccountID), observability.F("error", err))
		}
	}
}

// recoverAccount re-authorises an account the server logged out and re-issues
// its subscriptions.
func (c *Client) recoverAccount(ctx context.Context, accountID int64) error {
	c.log.Warn("account disconnected by server, re-authorising", observability.F("account_id", accountID))
	if _, err := c.exec(ctx, openapi.AccountAuthReq{AccountID: accountID, AccessToken: c.creds.AccessToken()},
		openapi.TypeAccountAuthRes); err != nil {
		return err
	}
	var failures []error
	for _, sub := range c.engine.Subscriptions() {
		if sub.Key.AccountID != accountID {
			continue
		}
		out, err := SpotProtocol{}.SubscribeRequest(sub)
		if err != nil || out.PayloadType == 0 {
			failures = append(failures, err)
			continue
		}
		_, err = c.engine.Request(ctx, out.PayloadType, out.Payload, session.WithExpectedType(out.ExpectedType))
		if err != nil {
			err = fmt.Errorf("%s: %w", sub, err)
		}
		failures = append(failures, err)
	}
	return observability.AggregateErrors("resubscribe account", failures, observability.F("account_id", accountID))
}
