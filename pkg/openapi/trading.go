package openapi

import (
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cowanweks/ctrader-go/errs"
)

// OrderType is the Open API order type.
type OrderType int32

const (
	OrderMarket             OrderType = 1
	OrderLimit              OrderType = 2
	OrderStop               OrderType = 3
	OrderStopLossTakeProfit OrderType = 4
	OrderMarketRange        OrderType = 5
	OrderStopLimit          OrderType = 6
)

// TradeSide is the direction of an order.
type TradeSide int32

const (
	Buy  TradeSide = 1
	Sell TradeSide = 2
)

// TimeInForce controls order lifetime.
type TimeInForce int32

const (
	GoodTillDate      TimeInForce = 1
	GoodTillCancel    TimeInForce = 2
	ImmediateOrCancel TimeInForce = 3
	FillOrKill        TimeInForce = 4
	MarketOnOpen      TimeInForce = 5
)

// NewOrderReq places an order. Volume is in cents of a unit. Zero prices are
// omitted from the message.
type NewOrderReq struct {
	AccountID           int64
	SymbolID            int64
	OrderType           OrderType
	TradeSide           TradeSide
	Volume              int64
	LimitPrice          decimal.Decimal
	StopPrice           decimal.Decimal
	TimeInForce         TimeInForce
	ExpirationTimestamp int64
	StopLoss            decimal.Decimal
	TakeProfit          decimal.Decimal
	Comment             string
	Label               string
	PositionID          int64
	ClientOrderID       string
	RelativeStopLoss    int64
	RelativeTakeProfit  int64
	TrailingStopLoss    bool
}

func (NewOrderReq) PayloadType() uint32 { return TypeNewOrderReq }

// Validate checks the fields the broker requires for the order type.
func (m NewOrderReq) Validate() error {
	switch {
	case m.AccountID <= 0:
		return invalidOrder("account id required")
	case m.SymbolID <= 0:
		return invalidOrder("symbol id required")
	case m.Volume <= 0:
		return invalidOrder("volume must be positive")
	case m.TradeSide != Buy && m.TradeSide != Sell:
		return invalidOrder("trade side required")
	}
	switch m.OrderType {
	case OrderMarket, OrderMarketRange:
	case OrderLimit:
		if !m.LimitPrice.IsPositive() {
			return invalidOrder("limit order requires a limit price")
		}
	case OrderStop:
		if !m.StopPrice.IsPositive() {
			return invalidOrder("stop order requires a stop price")
		}
	case OrderStopLimit:
		if !m.StopPrice.IsPositive() || !m.LimitPrice.IsPositive() {
			return invalidOrder("stop limit order requires stop and limit prices")
		}
	default:
		return invalidOrder("unsupported order type")
	}
	return nil
}

func (m NewOrderReq) Marshal() []byte {
	e := newEncoder(TypeNewOrderReq)
	e.int(2, m.AccountID)
	e.int(3, m.SymbolID)
	e.int(4, int64(m.OrderType))
	e.int(5, int64(m.TradeSide))
	e.int(6, m.Volume)
	if !m.LimitPrice.IsZero() {
		e.double(7, PriceFloat(m.LimitPrice, PriceScale))
	}
	if !m.StopPrice.IsZero() {
		e.double(8, PriceFloat(m.StopPrice, PriceScale))
	}
	e.optInt(9, int64(m.TimeInForce))
	e.optInt(10, m.ExpirationTimestamp)
	if !m.StopLoss.IsZero() {
		e.double(11, PriceFloat(m.StopLoss, PriceScale))
	}
	if !m.TakeProfit.IsZero() {
		e.double(12, PriceFloat(m.TakeProfit, PriceScale))
	}
	e.optStr(13, m.Comment)
	e.optStr(16, m.Label)
	e.optInt(17, m.PositionID)
	e.optStr(18, m.ClientOrderID)
	e.optInt(19, m.RelativeStopLoss)
	e.optInt(20, m.RelativeTakeProfit)
	if m.TrailingStopLoss {
		e.bool(22, true)
	}
	return e.bytes()
}

// CancelOrderReq cancels a pending order.
type CancelOrderReq struct {
	AccountID int64
	OrderID   int64
}

func (CancelOrderReq) PayloadType() uint32 { return TypeCancelOrderReq }

func (m CancelOrderReq) Marshal() []byte {
	e := newEncoder(TypeCancelOrderReq)
	e.int(2, m.AccountID)
	e.int(3, m.OrderID)
	return e.bytes()
}

// ClosePositionReq closes volume of an open position.
type ClosePositionReq struct {
	AccountID  int64
	PositionID int64
	Volume     int64
}

func (ClosePositionReq) PayloadType() uint32 { return TypeClosePositionReq }

func (m ClosePositionReq) Marshal() []byte {
	e := newEncoder(TypeClosePositionReq)
	e.int(2, m.AccountID)
	e.int(3, m.PositionID)
	e.int(4, m.Volume)
	return e.bytes()
}

// ReconcileReq asks for open positions and pending orders.
type ReconcileReq struct {
	AccountID              int64
	ReturnProtectionOrders bool
}

func (ReconcileReq) PayloadType() uint32 { return TypeReconcileReq }

func (m ReconcileReq) Marshal() []byte {
	e := newEncoder(TypeReconcileReq)
	e.int(2, m.AccountID)
	if m.ReturnProtectionOrders {
		e.bool(3, true)
	}
	return e.bytes()
}

// ReconcileRes lists the ids of open positions and pending orders.
type ReconcileRes struct {
	AccountID   int64
	PositionIDs []int64
	OrderIDs    []int64
}

func (m *ReconcileRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			id, err := firstID(v.b)
			if err != nil {
				return err
			}
			m.PositionIDs = append(m.PositionIDs, id)
		case 4:
			id, err := firstID(v.b)
			if err != nil {
				return err
			}
			m.OrderIDs = append(m.OrderIDs, id)
		}
		return nil
	})
	if err != nil {
		return decodeError("reconcile response", err)
	}
	return nil
}

// TraderReq asks for account details.
type TraderReq struct {
	AccountID int64
}

func (TraderReq) PayloadType() uint32 { return TypeTraderReq }

func (m TraderReq) Marshal() []byte {
	e := newEncoder(TypeTraderReq)
	e.int(2, m.AccountID)
	return e.bytes()
}

// Trader holds the account fields the client uses.
type Trader struct {
	AccountID       int64
	Balance         int64
	DepositAssetID  int64
	LeverageInCents uint32
	TraderLogin     int64
	BrokerName      string
	MoneyDigits     uint32
	hasMoneyDigits  bool
}

// BalanceDecimal scales the balance by MoneyDigits, which defaults to 2.
func (t Trader) BalanceDecimal() decimal.Decimal {
	digits := int32(2)
	if t.hasMoneyDigits {
		digits = int32(t.MoneyDigits)
	}
	return decimal.New(t.Balance, -digits)
}

// TraderRes carries account details.
type TraderRes struct {
	AccountID int64
	Trader    Trader
}

func (m *TraderRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			return walk(v.b, func(num protowire.Number, v value) error {
				t := &m.Trader
				switch num {
				case 1:
					t.AccountID = v.int64()
				case 2:
					t.Balance = v.int64()
				case 8:
					t.DepositAssetID = v.int64()
				case 10:
					t.LeverageInCents = uint32(v.u)
				case 14:
					t.TraderLogin = v.int64()
				case 16:
					t.BrokerName = v.str()
				case 20:
					t.MoneyDigits, t.hasMoneyDigits = uint32(v.u), true
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return decodeError("trader response", err)
	}
	return nil
}

// ExecutionType classifies an execution event.
type ExecutionType int32

const (
	ExecutionOrderAccepted        ExecutionType = 2
	ExecutionOrderFilled          ExecutionType = 3
	ExecutionOrderReplaced        ExecutionType = 4
	ExecutionOrderCancelled       ExecutionType = 5
	ExecutionOrderExpired         ExecutionType = 6
	ExecutionOrderRejected        ExecutionType = 7
	ExecutionOrderCancelRejected  ExecutionType = 8
	ExecutionSwap                 ExecutionType = 9
	ExecutionDepositWithdraw      ExecutionType = 10
	ExecutionOrderPartialFill     ExecutionType = 11
	ExecutionBonusDepositWithdraw ExecutionType = 12
)

// Rejected reports whether the event reports a refused order operation.
func (t ExecutionType) Rejected() bool {
	return t == ExecutionOrderRejected || t == ExecutionOrderCancelRejected
}

// ExecutionEvent carries the header of an execution report.
type ExecutionEvent struct {
	AccountID     int64
	ExecutionType ExecutionType
	PositionID    int64
	OrderID       int64
	DealID        int64
	ErrorCode     string
	IsServerEvent bool
}

func (m *ExecutionEvent) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		var err error
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			m.ExecutionType = ExecutionType(v.int32())
		case 4:
			m.PositionID, err = firstID(v.b)
		case 5:
			m.OrderID, err = firstID(v.b)
		case 6:
			m.DealID, err = firstID(v.b)
		case 9:
			m.ErrorCode = v.str()
		case 10:
			m.IsServerEvent = v.bool()
		}
		return err
	})
	if err != nil {
		return decodeError("execution event", err)
	}
	return nil
}

// firstID reads field 1 of a nested entity, which holds its id in every
// position, order and deal message.
func firstID(b []byte) (int64, error) {
	var id int64
	err := walk(b, func(num protowire.Number, v value) error {
		if num == 1 {
			id = v.int64()
		}
		return nil
	})
	return id, err
}

func invalidOrder(msg string) error {
	return errs.New("openapi", errs.CodeInvalid, errs.WithMessage("new order: "+msg))
}
