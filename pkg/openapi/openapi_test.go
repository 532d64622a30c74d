package openapi

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/frame"
)

func nested(e *encoder, num protowire.Number, inner *encoder) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, inner.b)
}

func body() *encoder { return &encoder{} }

func fields(t *testing.T, b []byte) map[protowire.Number][]value {
	t.Helper()
	out := make(map[protowire.Number][]value)
	require.NoError(t, walk(b, func(num protowire.Number, v value) error {
		out[num] = append(out[num], v)
		return nil
	}))
	return out
}

func TestRequestsCarryPayloadTypeField(t *testing.T) {
	msgs := []Message{
		ApplicationAuthReq{ClientID: "id", ClientSecret: "secret"},
		AccountAuthReq{AccountID: 1, AccessToken: "token"},
		VersionReq{},
		SubscribeSpotsReq{AccountID: 1, SymbolIDs: []int64{1}},
		GetTrendbarsReq{AccountID: 1, SymbolID: 1, Period: PeriodM1},
		NewOrderReq{AccountID: 1, SymbolID: 1},
		AccountLogoutReq{AccountID: 1},
	}
	for _, m := range msgs {
		got := fields(t, m.Marshal())
		require.Len(t, got[fieldPayloadType], 1, TypeName(m.PayloadType()))
		require.Equal(t, uint64(m.PayloadType()), got[fieldPayloadType][0].u)
	}
}

func TestApplicationAndAccountAuthFields(t *testing.T) {
	app := fields(t, ApplicationAuthReq{ClientID: "client", ClientSecret: "secret"}.Marshal())
	require.Equal(t, "client", app[2][0].str())
	require.Equal(t, "secret", app[3][0].str())

	acc := fields(t, AccountAuthReq{AccountID: 44, AccessToken: "tok"}.Marshal())
	require.Equal(t, int64(44), acc[2][0].int64())
	require.Equal(t, "tok", acc[3][0].str())
}

func TestSubscribeSpotsRepeatsSymbolIDs(t *testing.T) {
	got := fields(t, SubscribeSpotsReq{AccountID: 9, SymbolIDs: []int64{1, 2, 3}}.Marshal())
	require.Equal(t, int64(9), got[2][0].int64())
	require.Len(t, got[3], 3)
	require.Equal(t, int64(3), got[3][2].int64())
	require.Empty(t, got[4], "timestamp flag omitted unless requested")
}

func TestSpotEventDecodesPricesAndBars(t *testing.T) {
	bar := body()
	bar.int(3, 1000)
	bar.int(4, int64(PeriodM1))
	bar.int(5, 110000)
	bar.uint(6, 10)
	bar.uint(7, 20)
	bar.uint(8, 30)
	bar.uint(9, 28000000)

	e := newEncoder(TypeSpotEvent)
	e.int(2, 7)
	e.int(3, 1)
	e.uint(4, 110012)
	nested(e, 6, bar)
	e.int(8, 1700000000000)

	var ev SpotEvent
	require.NoError(t, ev.Unmarshal(e.bytes()))
	require.Equal(t, int64(7), ev.AccountID)
	require.True(t, ev.HasBid)
	require.False(t, ev.HasAsk)
	require.True(t, ev.BidPrice().Equal(decimal.RequireFromString("1.10012")))
	require.Equal(t, int64(1700000000000), ev.Time().UnixMilli())

	require.Len(t, ev.Trendbars, 1)
	b := ev.Trendbars[0]
	require.True(t, b.LowPrice().Equal(decimal.RequireFromString("1.1")))
	require.True(t, b.OpenPrice().Equal(decimal.RequireFromString("1.1001")))
	require.True(t, b.ClosePrice().Equal(decimal.RequireFromString("1.1002")))
	require.True(t, b.HighPrice().Equal(decimal.RequireFromString("1.1003")))
	require.Equal(t, int64(28000000*60), b.Time().Unix())
}

func TestDepthEventAcceptsPackedAndUnpackedDeletes(t *testing.T) {
	quote := body()
	quote.uint(1, 5)
	quote.uint(3, 100)
	quote.uint(4, 110000)

	e := newEncoder(TypeDepthEvent)
	e.int(2, 7)
	e.uint(3, 1)
	nested(e, 4, quote)
	var packed []byte
	packed = protowire.AppendVarint(packed, 11)
	packed = protowire.AppendVarint(packed, 12)
	e.b = protowire.AppendTag(e.b, 5, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, packed)
	e.uint(5, 13)

	var ev DepthEvent
	require.NoError(t, ev.Unmarshal(e.bytes()))
	require.Equal(t, []DepthQuote{{ID: 5, Size: 100, Bid: 110000}}, ev.NewQuotes)
	require.Equal(t, []uint64{11, 12, 13}, ev.DeletedQuotes)
}

func TestTickDataResolvesDeltas(t *testing.T) {
	e := newEncoder(TypeGetTickDataRes)
	e.int(2, 1)
	for _, tick := range [][2]int64{{1000, 110000}, {-10, 5}, {-20, -15}} {
		inner := body()
		inner.int(1, tick[0])
		inner.int(2, tick[1])
		nested(e, 3, inner)
	}
	e.bool(4, true)

	var res GetTickDataRes
	require.NoError(t, res.Unmarshal(e.bytes()))
	require.True(t, res.HasMore)
	ticks := res.Ticks()
	require.Len(t, ticks, 3)
	require.Equal(t, int64(970), ticks[2].Timestamp)
	require.True(t, ticks[1].Price.Equal(decimal.RequireFromString("1.10005")))
	require.True(t, ticks[2].Price.Equal(decimal.RequireFromString("1.0999")))
}

func TestAccountListDecoding(t *testing.T) {
	acc := body()
	acc.uint(1, 123)
	acc.bool(2, true)
	acc.int(3, 555)
	acc.str(6, "Broker")

	e := newEncoder(TypeGetAccountsByAccessTokenRes)
	e.str(2, "tok")
	e.int(3, int64(ScopeTrading))
	nested(e, 4, acc)

	var res GetAccountsByAccessTokenRes
	require.NoError(t, res.Unmarshal(e.bytes()))
	require.Equal(t, ScopeTrading, res.PermissionScope)
	require.Equal(t, []TraderAccount{{AccountID: 123, IsLive: true, TraderLogin: 555, BrokerTitleShort: "Broker"}}, res.Accounts)
}

func TestTraderBalanceUsesMoneyDigits(t *testing.T) {
	tr := body()
	tr.int(1, 9)
	tr.int(2, 123456)
	tr.uint(20, 3)
	e := newEncoder(TypeTraderRes)
	e.int(2, 9)
	nested(e, 3, tr)

	var res TraderRes
	require.NoError(t, res.Unmarshal(e.bytes()))
	require.True(t, res.Trader.BalanceDecimal().Equal(decimal.RequireFromString("123.456")))

	require.True(t, Trader{Balance: 1050}.BalanceDecimal().Equal(decimal.RequireFromString("10.5")))
}

func TestExecutionEventHeader(t *testing.T) {
	pos := body()
	pos.int(1, 77)
	order := body()
	order.int(1, 88)
	e := newEncoder(TypeExecutionEvent)
	e.int(2, 1)
	e.int(3, int64(ExecutionOrderFilled))
	nested(e, 4, pos)
	nested(e, 5, order)

	var ev ExecutionEvent
	require.NoError(t, ev.Unmarshal(e.bytes()))
	require.Equal(t, ExecutionOrderFilled, ev.ExecutionType)
	require.Equal(t, int64(77), ev.PositionID)
	require.Equal(t, int64(88), ev.OrderID)
}

func TestReconcileCollectsIDs(t *testing.T) {
	e := newEncoder(TypeReconcileRes)
	e.int(2, 1)
	for _, id := range []int64{10, 11} {
		p := body()
		p.int(1, id)
		nested(e, 3, p)
	}
	o := body()
	o.int(1, 20)
	nested(e, 4, o)

	var res ReconcileRes
	require.NoError(t, res.Unmarshal(e.bytes()))
	require.Equal(t, []int64{10, 11}, res.PositionIDs)
	require.Equal(t, []int64{20}, res.OrderIDs)
}

func TestNewOrderValidation(t *testing.T) {
	base := NewOrderReq{AccountID: 1, SymbolID: 1, TradeSide: Buy, Volume: 100000, OrderType: OrderMarket}
	require.NoError(t, base.Validate())

	limit := base
	limit.OrderType = OrderLimit
	require.ErrorIs(t, limit.Validate(), errs.ErrInvalid)
	limit.LimitPrice = decimal.RequireFromString("1.1")
	require.NoError(t, limit.Validate())

	stop := base
	stop.OrderType = OrderStop
	require.ErrorIs(t, stop.Validate(), errs.ErrInvalid)

	noVolume := base
	noVolume.Volume = 0
	require.ErrorIs(t, noVolume.Validate(), errs.ErrInvalid)
}

func TestNewOrderEncodesPricesAsDoubles(t *testing.T) {
	req := NewOrderReq{
		AccountID: 1, SymbolID: 2, OrderType: OrderLimit, TradeSide: Sell, Volume: 1000,
		LimitPrice: decimal.RequireFromString("1.234567"),
		Label:      "grid",
	}
	got := fields(t, req.Marshal())
	require.Equal(t, protowire.Fixed64Type, got[7][0].typ)
	require.InDelta(t, 1.23457, got[7][0].double(), 1e-12)
	require.Empty(t, got[8], "stop price omitted")
	require.Equal(t, "grid", got[16][0].str())
	require.Equal(t, int64(Sell), got[5][0].int64())
}

func TestClassifyError(t *testing.T) {
	common := newEncoder(TypeErrorRes)
	common.str(2, "CH_CLIENT_AUTH_FAILURE")
	common.str(3, "bad secret")
	err := ClassifyError(frame.Frame{PayloadType: TypeErrorRes, Payload: common.bytes()})
	require.ErrorIs(t, err, errs.ErrProtocol)
	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "CH_CLIENT_AUTH_FAILURE", envelope.RawCode)
	require.Equal(t, "bad secret", envelope.RawMsg)

	oa := newEncoder(TypeOAErrorRes)
	oa.int(2, 42)
	oa.str(3, "ALREADY_SUBSCRIBED")
	err = ClassifyError(frame.Frame{PayloadType: TypeOAErrorRes, Payload: oa.bytes()})
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "ALREADY_SUBSCRIBED", envelope.RawCode)
	require.Equal(t, "42", envelope.Metadata["account_id"])

	orderErr := newEncoder(TypeOrderErrorEvent)
	orderErr.str(2, "TRADING_BAD_VOLUME")
	orderErr.int(5, 42)
	err = ClassifyError(frame.Frame{PayloadType: TypeOrderErrorEvent, Payload: orderErr.bytes()})
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "TRADING_BAD_VOLUME", envelope.RawCode)

	rejected := newEncoder(TypeExecutionEvent)
	rejected.int(2, 42)
	rejected.int(3, int64(ExecutionOrderRejected))
	rejected.str(9, "NOT_ENOUGH_MONEY")
	err = ClassifyError(frame.Frame{PayloadType: TypeExecutionEvent, Payload: rejected.bytes()})
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "NOT_ENOUGH_MONEY", envelope.RawCode)

	accepted := newEncoder(TypeExecutionEvent)
	accepted.int(3, int64(ExecutionOrderAccepted))
	require.NoError(t, ClassifyError(frame.Frame{PayloadType: TypeExecutionEvent, Payload: accepted.bytes()}))
	require.NoError(t, ClassifyError(frame.Frame{PayloadType: TypeSpotEvent}))
}

func TestClassifyErrorKeepsUndecodableErrors(t *testing.T) {
	err := ClassifyError(frame.Frame{PayloadType: TypeOAErrorRes, Payload: []byte{0x1a, 0x05}})
	require.ErrorIs(t, err, errs.ErrProtocol)
	require.False(t, errs.IsSessionFailure(err))
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	var ev SpotEvent
	err := ev.Unmarshal([]byte{0x10})
	require.ErrorIs(t, err, errs.ErrProtocol)
}

func TestClassifiers(t *testing.T) {
	require.True(t, IsDisconnect(frame.Frame{PayloadType: TypeClientDisconnectEvent}))
	require.False(t, IsDisconnect(frame.Frame{PayloadType: TypeAccountDisconnectEvent}))
	require.True(t, IsHistorical(TypeGetTrendbarsReq))
	require.True(t, IsHistorical(TypeGetTickDataReq))
	require.False(t, IsHistorical(TypeNewOrderReq))
	require.Equal(t, "SPOT_EVENT", TypeName(TypeSpotEvent))
	require.Equal(t, "9999", TypeName(9999))
}

func TestPriceConversions(t *testing.T) {
	require.True(t, Price(110012).Equal(decimal.RequireFromString("1.10012")))
	require.True(t, PriceU(5).Equal(decimal.RequireFromString("0.00005")))
	require.Equal(t, int64(110013), RawPrice(decimal.RequireFromString("1.100125")))
	require.Equal(t, 1.5, PriceFloat(decimal.RequireFromString("1.499999"), 3))
}

func TestTokenInvalidatedEvent(t *testing.T) {
	e := newEncoder(TypeAccountsTokenInvalidatedEvent)
	e.int(2, 1)
	e.int(2, 2)
	e.str(3, "revoked")
	var ev AccountsTokenInvalidatedEvent
	require.NoError(t, ev.Unmarshal(e.bytes()))
	require.Equal(t, []int64{1, 2}, ev.AccountIDs)
	require.Equal(t, "revoked", ev.Reason)
}

func TestTrendbarPeriodNames(t *testing.T) {
	p, ok := ParseTrendbarPeriod(" h4 ")
	require.True(t, ok)
	require.Equal(t, PeriodH4, p)
	require.Equal(t, "MN1", PeriodMN1.String())
	require.Equal(t, "99", TrendbarPeriod(99).String())

	_, ok = ParseTrendbarPeriod("M7")
	require.False(t, ok)
}
