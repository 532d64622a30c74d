package main

import (
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

type barLine struct {
	Period string    `json:"period"`
	Time   time.Time `json:"time"`
	Open   string    `json:"open"`
	High   string    `json:"high"`
	Low    string    `json:"low"`
	Close  string    `json:"close"`
	Volume int64     `json:"volume"`
}

type spotLine struct {
	Type      string    `json:"type"`
	AccountID int64     `json:"accountId"`
	SymbolID  int64     `json:"symbolId"`
	Bid       string    `json:"bid,omitempty"`
	Ask       string    `json:"ask,omitempty"`
	Time      string    `json:"time,omitempty"`
	Bars      []barLine `json:"bars,omitempty"`
}

type depthLine struct {
	Type      string   `json:"type"`
	AccountID int64    `json:"accountId"`
	SymbolID  int64    `json:"symbolId"`
	Bids      int      `json:"bids"`
	Asks      int      `json:"asks"`
	Deleted   []uint64 `json:"deleted,omitempty"`
}

type executionLine struct {
	Type          string `json:"type"`
	AccountID     int64  `json:"accountId"`
	ExecutionType int32  `json:"executionType"`
	OrderID       int64  `json:"orderId,omitempty"`
	PositionID    int64  `json:"positionId,omitempty"`
	DealID        int64  `json:"dealId,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
}

type stateLine struct {
	Type   string    `json:"type"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	ConnID string    `json:"connId,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

func renderSpot(ev openapi.SpotEvent) spotLine {
	line := spotLine{Type: "spot", AccountID: ev.AccountID, SymbolID: ev.SymbolID}
	if ts := ev.Time(); !ts.IsZero() {
		line.Time = ts.UTC().Format(time.RFC3339Nano)
	}
	if ev.HasBid {
		line.Bid = ev.BidPrice().String()
	}
	if ev.HasAsk {
		line.Ask = ev.AskPrice().String()
	}
	for _, bar := range ev.Trendbars {
		line.Bars = append(line.Bars, barLine{
			Period: bar.Period.String(),
			Time:   bar.Time(),
			Open:   bar.OpenPrice().String(),
			High:   bar.HighPrice().String(),
			Low:    bar.LowPrice().String(),
			Close:  bar.ClosePrice().String(),
			Volume: bar.Volume,
		})
	}
	return line
}

func renderDepth(ev openapi.DepthEvent) depthLine {
	line := depthLine{Type: "depth", AccountID: ev.AccountID, SymbolID: ev.SymbolID, Deleted: ev.DeletedQuotes}
	for _, q := range ev.NewQuotes {
		if q.Bid != 0 {
			line.Bids++
		}
		if q.Ask != 0 {
			line.Asks++
		}
	}
	return line
}

func renderExecution(ev openapi.ExecutionEvent) executionLine {
	return executionLine{
		Type:          "execution",
		AccountID:     ev.AccountID,
		ExecutionType: int32(ev.ExecutionType),
		OrderID:       ev.OrderID,
		PositionID:    ev.PositionID,
		DealID:        ev.DealID,
		ErrorCode:     ev.ErrorCode,
	}
}

func renderState(change session.StateChange) stateLine {
	line := stateLine{
		Type:   "state",
		From:   change.From.String(),
		To:     change.To.String(),
		ConnID: change.ConnID,
		At:     change.At,
	}
	if change.Err != nil {
		line.Error = change.Err.Error()
	}
	return line
}

// lineWriter serialises JSON lines from several goroutines onto one writer.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}
