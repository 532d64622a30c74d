package ctrader

import (
	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
)

// SpotProtocol maps session subscriptions onto Open API subscribe requests.
// Execution events arrive implicitly after account auth and need no request.
type SpotProtocol struct{}

var _ session.SubscriptionProtocol = SpotProtocol{}

func (SpotProtocol) SubscribeRequest(sub session.Subscription) (session.Outbound, error) {
	k := sub.Key
	switch sub.Kind {
	case session.KindSpot:
		return outbound(openapi.SubscribeSpotsReq{AccountID: k.AccountID, SymbolIDs: []int64{k.SymbolID}},
			openapi.TypeSubscribeSpotsRes), nil
	case session.KindDepth:
		return outbound(openapi.SubscribeDepthQuotesReq{AccountID: k.AccountID, SymbolIDs: []int64{k.SymbolID}},
			openapi.TypeSubscribeDepthQuotesRes), nil
	case session.KindLiveTrendbar:
		return outbound(openapi.SubscribeLiveTrendbarReq{
			AccountID: k.AccountID,
			Period:    openapi.TrendbarPeriod(k.Period),
			SymbolID:  k.SymbolID,
		}, openapi.TypeSubscribeLiveTrendbarRes), nil
	case session.KindExecution:
		return session.Outbound{}, nil
	default:
		return session.Outbound{}, unknownKind(sub)
	}
}

func (SpotProtocol) UnsubscribeRequest(sub session.Subscription) (session.Outbound, error) {
	k := sub.Key
	switch sub.Kind {
	case session.KindSpot:
		return outbound(openapi.UnsubscribeSpotsReq{AccountID: k.AccountID, SymbolIDs: []int64{k.SymbolID}},
			openapi.TypeUnsubscribeSpotsRes), nil
	case session.KindDepth:
		return outbound(openapi.UnsubscribeDepthQuotesReq{AccountID: k.AccountID, SymbolIDs: []int64{k.SymbolID}},
			openapi.TypeUnsubscribeDepthQuotesRes), nil
	case session.KindLiveTrendbar:
		return outbound(openapi.UnsubscribeLiveTrendbarReq{
			AccountID: k.AccountID,
			Period:    openapi.TrendbarPeriod(k.Period),
			SymbolID:  k.SymbolID,
		}, openapi.TypeUnsubscribeLiveTrendbarRes), nil
	case session.KindExecution:
		return session.Outbound{}, nil
	default:
		return session.Outbound{}, unknownKind(sub)
	}
}

func outbound(m openapi.Message, expected uint32) session.Outbound {
	return session.Outbound{
		PayloadType:  m.PayloadType(),
		Payload:      m.Marshal(),
		ExpectedType: expected,
		HasExpected:  true,
	}
}

func unknownKind(sub session.Subscription) error {
	return errs.New("ctrader", errs.CodeInvalid,
		errs.WithMessage("unsupported subscription kind"),
		errs.WithField("subscription", sub.String()))
}

// SpotSubscription names the spot stream of one symbol.
func SpotSubscription(accountID, symbolID int64) session.Subscription {
	return session.Subscription{Kind: session.KindSpot, Key: session.Key{AccountID: accountID, SymbolID: symbolID}}
}

// DepthSubscription names the depth stream of one symbol.
func DepthSubscription(accountID, symbolID int64) session.Subscription {
	return session.Subscription{Kind: session.KindDepth, Key: session.Key{AccountID: accountID, SymbolID: symbolID}}
}

// TrendbarSubscription names the live trendbar stream of one symbol and period.
func TrendbarSubscription(accountID, symbolID int64, period openapi.TrendbarPeriod) session.Subscription {
	return session.Subscription{
		Kind: session.KindLiveTrendbar,
		Key:  session.Key{AccountID: accountID, SymbolID: symbolID, Period: int32(period)},
	}
}
