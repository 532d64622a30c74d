package openapi

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// SubscribeSpotsReq starts spot quotes for symbols of an account.
type SubscribeSpotsReq struct {
	AccountID                int64
	SymbolIDs                []int64
	SubscribeToSpotTimestamp bool
}

func (SubscribeSpotsReq) PayloadType() uint32 { return TypeSubscribeSpotsReq }

func (m SubscribeSpotsReq) Marshal() []byte {
	e := newEncoder(TypeSubscribeSpotsReq)
	e.int(2, m.AccountID)
	for _, id := range m.SymbolIDs {
		e.int(3, id)
	}
	if m.SubscribeToSpotTimestamp {
		e.bool(4, true)
	}
	return e.bytes()
}

// UnsubscribeSpotsReq stops spot quotes.
type UnsubscribeSpotsReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (UnsubscribeSpotsReq) PayloadType() uint32 { return TypeUnsubscribeSpotsReq }

func (m UnsubscribeSpotsReq) Marshal() []byte {
	e := newEncoder(TypeUnsubscribeSpotsReq)
	e.int(2, m.AccountID)
	for _, id := range m.SymbolIDs {
		e.int(3, id)
	}
	return e.bytes()
}

// SpotEvent is a quote update. Bid and Ask are absent when unchanged.
type SpotEvent struct {
	AccountID    int64
	SymbolID     int64
	Bid          uint64
	Ask          uint64
	HasBid       bool
	HasAsk       bool
	Trendbars    []Trendbar
	SessionClose uint64
	Timestamp    int64
}

func (m *SpotEvent) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			m.SymbolID = v.int64()
		case 4:
			m.Bid, m.HasBid = v.u, true
		case 5:
			m.Ask, m.HasAsk = v.u, true
		case 6:
			var bar Trendbar
			if err := bar.unmarshal(v.b); err != nil {
				return err
			}
			m.Trendbars = append(m.Trendbars, bar)
		case 7:
			m.SessionClose = v.u
		case 8:
			m.Timestamp = v.int64()
		}
		return nil
	})
	if err != nil {
		return decodeError("spot event", err)
	}
	return nil
}

// BidPrice returns the bid as a decimal.
func (m SpotEvent) BidPrice() decimal.Decimal { return PriceU(m.Bid) }

// AskPrice returns the ask as a decimal.
func (m SpotEvent) AskPrice() decimal.Decimal { return PriceU(m.Ask) }

// Time returns the server timestamp, or the zero time when absent.
func (m SpotEvent) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp).UTC()
}

// SubscribeDepthQuotesReq starts depth of market updates.
type SubscribeDepthQuotesReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (SubscribeDepthQuotesReq) PayloadType() uint32 { return TypeSubscribeDepthQuotesReq }

func (m SubscribeDepthQuotesReq) Marshal() []byte {
	e := newEncoder(TypeSubscribeDepthQuotesReq)
	e.int(2, m.AccountID)
	for _, id := range m.SymbolIDs {
		e.int(3, id)
	}
	return e.bytes()
}

// UnsubscribeDepthQuotesReq stops depth of market updates.
type UnsubscribeDepthQuotesReq struct {
	AccountID int64
	SymbolIDs []int64
}

func (UnsubscribeDepthQuotesReq) PayloadType() uint32 { return TypeUnsubscribeDepthQuotesReq }

func (m UnsubscribeDepthQuotesReq) Marshal() []byte {
	e := newEncoder(TypeUnsubscribeDepthQuotesReq)
	e.int(2, m.AccountID)
	for _, id := range m.SymbolIDs {
		e.int(3, id)
	}
	return e.bytes()
}

// DepthQuote is one level of the book. Exactly one of Bid or Ask is set.
type DepthQuote struct {
	ID   uint64
	Size uint64
	Bid  uint64
	Ask  uint64
}

// DepthEvent adds and removes book levels.
type DepthEvent struct {
	AccountID     int64
	SymbolID      int64
	NewQuotes     []DepthQuote
	DeletedQuotes []uint64
}

func (m *DepthEvent) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			m.SymbolID = v.int64()
		case 4:
			var q DepthQuote
			if err := walk(v.b, func(num protowire.Number, v value) error {
				switch num {
				case 1:
					q.ID = v.u
				case 3:
					q.Size = v.u
				case 4:
					q.Bid = v.u
				case 5:
					q.Ask = v.u
				}
				return nil
			}); err != nil {
				return err
			}
			m.NewQuotes = append(m.NewQuotes, q)
		case 5:
			ids, err := v.packed()
			if err != nil {
				return err
			}
			m.DeletedQuotes = append(m.DeletedQuotes, ids...)
		}
		return nil
	})
	if err != nil {
		return decodeError("depth event", err)
	}
	return nil
}

// TrendbarPeriod is the bar width.
type TrendbarPeriod int32

const (
	PeriodM1  TrendbarPeriod = 1
	PeriodM2  TrendbarPeriod = 2
	PeriodM3  TrendbarPeriod = 3
	PeriodM4  TrendbarPeriod = 4
	PeriodM5  TrendbarPeriod = 5
	PeriodM10 TrendbarPeriod = 6
	PeriodM15 TrendbarPeriod = 7
	PeriodM30 TrendbarPeriod = 8
	PeriodH1  TrendbarPeriod = 9
	PeriodH4  TrendbarPeriod = 10
	PeriodH12 TrendbarPeriod = 11
	PeriodD1  TrendbarPeriod = 12
	PeriodW1  TrendbarPeriod = 13
	PeriodMN1 TrendbarPeriod = 14
)

var periodNames = [...]string{"", "M1", "M2", "M3", "M4", "M5", "M10", "M15", "M30", "H1", "H4", "H12", "D1", "W1", "MN1"}

func (p TrendbarPeriod) String() string {
	if p > 0 && int(p) < len(periodNames) {
		return periodNames[p]
	}
	return strconv.Itoa(int(p))
}

// ParseTrendbarPeriod accepts the period names M1 through MN1 in any case.
func ParseTrendbarPeriod(s string) (TrendbarPeriod, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i := 1; i < len(periodNames); i++ {
		if periodNames[i] == s {
			return TrendbarPeriod(i), true
		}
	}
	return 0, false
}

// Trendbar is one OHLC bar; open, close and high are deltas above Low.
type Trendbar struct {
	Volume                int64
	Period                TrendbarPeriod
	Low                   int64
	DeltaOpen             uint64
	DeltaClose            uint64
	DeltaHigh             uint64
	UTCTimestampInMinutes uint32
}

func (t *Trendbar) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 3:
			t.Volume = v.int64()
		case 4:
			t.Period = TrendbarPeriod(v.int32())
		case 5:
			t.Low = v.int64()
		case 6:
			t.DeltaOpen = v.u
		case 7:
			t.DeltaClose = v.u
		case 8:
			t.DeltaHigh = v.u
		case 9:
			t.UTCTimestampInMinutes = uint32(v.u)
		}
		return nil
	})
}

func (t Trendbar) LowPrice() decimal.Decimal   { return Price(t.Low) }
func (t Trendbar) OpenPrice() decimal.Decimal  { return Price(t.Low + int64(t.DeltaOpen)) }
func (t Trendbar) ClosePrice() decimal.Decimal { return Price(t.Low + int64(t.DeltaClose)) }
func (t Trendbar) HighPrice() decimal.Decimal  { return Price(t.Low + int64(t.DeltaHigh)) }

// Time returns the bar open time.
func (t Trendbar) Time() time.Time {
	return time.Unix(int64(t.UTCTimestampInMinutes)*60, 0).UTC()
}

// SubscribeLiveTrendbarReq adds live bars to an existing spot subscription.
type SubscribeLiveTrendbarReq struct {
	AccountID int64
	Period    TrendbarPeriod
	SymbolID  int64
}

func (SubscribeLiveTrendbarReq) PayloadType() uint32 { return TypeSubscribeLiveTrendbarReq }

func (m SubscribeLiveTrendbarReq) Marshal() []byte {
	e := newEncoder(TypeSubscribeLiveTrendbarReq)
	e.int(2, m.AccountID)
	e.int(3, int64(m.Period))
	e.int(4, m.SymbolID)
	return e.bytes()
}

// UnsubscribeLiveTrendbarReq removes live bars.
type UnsubscribeLiveTrendbarReq struct {
	AccountID int64
	Period    TrendbarPeriod
	SymbolID  int64
}

func (UnsubscribeLiveTrendbarReq) PayloadType() uint32 { return TypeUnsubscribeLiveTrendbarReq }

func (m UnsubscribeLiveTrendbarReq) Marshal() []byte {
	e := newEncoder(TypeUnsubscribeLiveTrendbarReq)
	e.int(2, m.AccountID)
	e.int(3, int64(m.Period))
	e.int(4, m.SymbolID)
	return e.bytes()
}

// GetTrendbarsReq requests historical bars. Timestamps are unix milliseconds.
type GetTrendbarsReq struct {
	AccountID     int64
	FromTimestamp int64
	ToTimestamp   int64
	Period        TrendbarPeriod
	SymbolID      int64
	Count         uint32
}

func (GetTrendbarsReq) PayloadType() uint32 { return TypeGetTrendbarsReq }

func (m GetTrendbarsReq) Marshal() []byte {
	e := newEncoder(TypeGetTrendbarsReq)
	e.int(2, m.AccountID)
	e.optInt(3, m.FromTimestamp)
	e.optInt(4, m.ToTimestamp)
	e.int(5, int64(m.Period))
	e.int(6, m.SymbolID)
	if m.Count > 0 {
		e.uint(7, uint64(m.Count))
	}
	return e.bytes()
}

// GetTrendbarsRes carries historical bars.
type GetTrendbarsRes struct {
	AccountID int64
	Period    TrendbarPeriod
	Trendbars []Trendbar
	SymbolID  int64
	HasMore   bool
}

func (m *GetTrendbarsRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			m.Period = TrendbarPeriod(v.int32())
		case 5:
			var bar Trendbar
			if err := bar.unmarshal(v.b); err != nil {
				return err
			}
			m.Trendbars = append(m.Trendbars, bar)
		case 6:
			m.SymbolID = v.int64()
		case 7:
			m.HasMore = v.bool()
		}
		return nil
	})
	if err != nil {
		return decodeError("trendbars response", err)
	}
	return nil
}

// QuoteType selects the side of tick data.
type QuoteType int32

const (
	QuoteBid QuoteType = 1
	QuoteAsk QuoteType = 2
)

// GetTickDataReq requests historical ticks. Timestamps are unix milliseconds.
type GetTickDataReq struct {
	AccountID     int64
	SymbolID      int64
	Type          QuoteType
	FromTimestamp int64
	ToTimestamp   int64
}

func (GetTickDataReq) PayloadType() uint32 { return TypeGetTickDataReq }

func (m GetTickDataReq) Marshal() []byte {
	e := newEncoder(TypeGetTickDataReq)
	e.int(2, m.AccountID)
	e.int(3, m.SymbolID)
	e.int(4, int64(m.Type))
	e.int(5, m.FromTimestamp)
	e.int(6, m.ToTimestamp)
	return e.bytes()
}

// Tick is one historical quote with absolute values.
type Tick struct {
	Timestamp int64
	Price     decimal.Decimal
}

// GetTickDataRes carries delta encoded ticks: the first entry is absolute and
// each following entry is relative to its predecessor.
type GetTickDataRes struct {
	AccountID int64
	Raw       [][2]int64
	HasMore   bool
}

func (m *GetTickDataRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			var tick [2]int64
			if err := walk(v.b, func(num protowire.Number, v value) error {
				switch num {
				case 1:
					tick[0] = v.int64()
				case 2:
					tick[1] = v.int64()
				}
				return nil
			}); err != nil {
				return err
			}
			m.Raw = append(m.Raw, tick)
		case 4:
			m.HasMore = v.bool()
		}
		return nil
	})
	if err != nil {
		return decodeError("tick data response", err)
	}
	return nil
}

// Ticks resolves the delta encoding.
func (m GetTickDataRes) Ticks() []Tick {
	out := make([]Tick, 0, len(m.Raw))
	var ts, price int64
	for i, raw := range m.Raw {
		if i == 0 {
			ts, price = raw[0], raw[1]
		} else {
			ts += raw[0]
			price += raw[1]
		}
		out = append(out, Tick{Timestamp: ts, Price: Price(price)})
	}
	return out
}

// SymbolsListReq lists the symbols available to an account.
type SymbolsListReq struct {
	AccountID              int64
	IncludeArchivedSymbols bool
}

func (SymbolsListReq) PayloadType() uint32 { return TypeSymbolsListReq }

func (m SymbolsListReq) Marshal() []byte {
	e := newEncoder(TypeSymbolsListReq)
	e.int(2, m.AccountID)
	if m.IncludeArchivedSymbols {
		e.bool(3, true)
	}
	return e.bytes()
}

// LightSymbol is the summary entry of the symbol list.
type LightSymbol struct {
	SymbolID     int64
	Name         string
	Enabled      bool
	BaseAssetID  int64
	QuoteAssetID int64
	CategoryID   int64
	Description  string
}

// SymbolsListRes carries the symbol list.
type SymbolsListRes struct {
	AccountID int64
	Symbols   []LightSymbol
}

func (m *SymbolsListRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			var s LightSymbol
			if err := walk(v.b, func(num protowire.Number, v value) error {
				switch num {
				case 1:
					s.SymbolID = v.int64()
				case 2:
					s.Name = v.str()
				case 3:
					s.Enabled = v.bool()
				case 4:
					s.BaseAssetID = v.int64()
				case 5:
					s.QuoteAssetID = v.int64()
				case 6:
					s.CategoryID = v.int64()
				case 7:
					s.Description = v.str()
				}
				return nil
			}); err != nil {
				return err
			}
			m.Symbols = append(m.Symbols, s)
		}
		return nil
	})
	if err != nil {
		return decodeError("symbols list response", err)
	}
	return nil
}
