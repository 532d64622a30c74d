// Package openapi describes the cTrader Open API payload types and encodes the
// message bodies carried inside session frames.
package openapi

import "strconv"

// Common payload types.
const (
	TypeErrorRes       uint32 = 50
	TypeHeartbeatEvent uint32 = 51
)

// Open API payload types.
const (
	TypeApplicationAuthReq            uint32 = 2100
	TypeApplicationAuthRes            uint32 = 2101
	TypeAccountAuthReq                uint32 = 2102
	TypeAccountAuthRes                uint32 = 2103
	TypeVersionReq                    uint32 = 2104
	TypeVersionRes                    uint32 = 2105
	TypeNewOrderReq                   uint32 = 2106
	TypeTrailingSLChangedEvent        uint32 = 2107
	TypeCancelOrderReq                uint32 = 2108
	TypeAmendOrderReq                 uint32 = 2109
	TypeAmendPositionSLTPReq          uint32 = 2110
	TypeClosePositionReq              uint32 = 2111
	TypeAssetListReq                  uint32 = 2112
	TypeAssetListRes                  uint32 = 2113
	TypeSymbolsListReq                uint32 = 2114
	TypeSymbolsListRes                uint32 = 2115
	TypeSymbolByIDReq                 uint32 = 2116
	TypeSymbolByIDRes                 uint32 = 2117
	TypeSymbolsForConversionReq       uint32 = 2118
	TypeSymbolsForConversionRes       uint32 = 2119
	TypeSymbolChangedEvent            uint32 = 2120
	TypeTraderReq                     uint32 = 2121
	TypeTraderRes                     uint32 = 2122
	TypeTraderUpdateEvent             uint32 = 2123
	TypeReconcileReq                  uint32 = 2124
	TypeReconcileRes                  uint32 = 2125
	TypeExecutionEvent                uint32 = 2126
	TypeSubscribeSpotsReq             uint32 = 2127
	TypeSubscribeSpotsRes             uint32 = 2128
	TypeUnsubscribeSpotsReq           uint32 = 2129
	TypeUnsubscribeSpotsRes           uint32 = 2130
	TypeSpotEvent                     uint32 = 2131
	TypeOrderErrorEvent               uint32 = 2132
	TypeDealListReq                   uint32 = 2133
	TypeDealListRes                   uint32 = 2134
	TypeSubscribeLiveTrendbarReq      uint32 = 2135
	TypeUnsubscribeLiveTrendbarReq    uint32 = 2136
	TypeGetTrendbarsReq               uint32 = 2137
	TypeGetTrendbarsRes               uint32 = 2138
	TypeExpectedMarginReq             uint32 = 2139
	TypeExpectedMarginRes             uint32 = 2140
	TypeMarginChangedEvent            uint32 = 2141
	TypeOAErrorRes                    uint32 = 2142
	TypeCashFlowHistoryListReq        uint32 = 2143
	TypeCashFlowHistoryListRes        uint32 = 2144
	TypeGetTickDataReq                uint32 = 2145
	TypeGetTickDataRes                uint32 = 2146
	TypeAccountsTokenInvalidatedEvent uint32 = 2147
	TypeClientDisconnectEvent         uint32 = 2148
	TypeGetAccountsByAccessTokenReq   uint32 = 2149
	TypeGetAccountsByAccessTokenRes   uint32 = 2150
	TypeGetCtidProfileByTokenReq      uint32 = 2151
	TypeGetCtidProfileByTokenRes      uint32 = 2152
	TypeAssetClassListReq             uint32 = 2153
	TypeAssetClassListRes             uint32 = 2154
	TypeDepthEvent                    uint32 = 2155
	TypeSubscribeDepthQuotesReq       uint32 = 2156
	TypeSubscribeDepthQuotesRes       uint32 = 2157
	TypeUnsubscribeDepthQuotesReq     uint32 = 2158
	TypeUnsubscribeDepthQuotesRes     uint32 = 2159
	TypeSymbolCategoryListReq         uint32 = 2160
	TypeSymbolCategoryListRes         uint32 = 2161
	TypeAccountLogoutReq              uint32 = 2162
	TypeAccountLogoutRes              uint32 = 2163
	TypeAccountDisconnectEvent        uint32 = 2164
	TypeSubscribeLiveTrendbarRes      uint32 = 2165
	TypeUnsubscribeLiveTrendbarRes    uint32 = 2166
	TypeMarginCallListReq             uint32 = 2167
	TypeMarginCallListRes             uint32 = 2168
	TypeMarginCallUpdateReq           uint32 = 2169
	TypeMarginCallUpdateRes           uint32 = 2170
	TypeMarginCallUpdateEvent         uint32 = 2171
	TypeMarginCallTriggerEvent        uint32 = 2172
	TypeRefreshTokenReq               uint32 = 2173
	TypeRefreshTokenRes               uint32 = 2174
	TypeOrderListReq                  uint32 = 2175
	TypeOrderListRes                  uint32 = 2176
	TypeGetDynamicLeverageReq         uint32 = 2177
	TypeGetDynamicLeverageRes         uint32 = 2178
	TypeDealListByPositionIDReq       uint32 = 2179
	TypeDealListByPositionIDRes       uint32 = 2180
	TypeOrderDetailsReq               uint32 = 2181
	TypeOrderDetailsRes               uint32 = 2182
	TypeOrderListByPositionIDReq      uint32 = 2183
	TypeOrderListByPositionIDRes      uint32 = 2184
	TypeDealOffsetListReq             uint32 = 2185
	TypeDealOffsetListRes             uint32 = 2186
	TypeGetPositionUnrealizedPnLReq   uint32 = 2187
	TypeGetPositionUnrealizedPnLRes   uint32 = 2188
)

var typeNames = map[uint32]string{
	TypeErrorRes:                      "ERROR_RES",
	TypeHeartbeatEvent:                "HEARTBEAT_EVENT",
	TypeApplicationAuthReq:            "APPLICATION_AUTH_REQ",
	TypeApplicationAuthRes:            "APPLICATION_AUTH_RES",
	TypeAccountAuthReq:                "ACCOUNT_AUTH_REQ",
	TypeAccountAuthRes:                "ACCOUNT_AUTH_RES",
	TypeVersionReq:                    "VERSION_REQ",
	TypeVersionRes:                    "VERSION_RES",
	TypeNewOrderReq:                   "NEW_ORDER_REQ",
	TypeCancelOrderReq:                "CANCEL_ORDER_REQ",
	TypeClosePositionReq:              "CLOSE_POSITION_REQ",
	TypeSymbolsListReq:                "SYMBOLS_LIST_REQ",
	TypeSymbolsListRes:                "SYMBOLS_LIST_RES",
	TypeTraderReq:                     "TRADER_REQ",
	TypeTraderRes:                     "TRADER_RES",
	TypeReconcileReq:                  "RECONCILE_REQ",
	TypeReconcileRes:                  "RECONCILE_RES",
	TypeExecutionEvent:                "EXECUTION_EVENT",
	TypeSubscribeSpotsReq:             "SUBSCRIBE_SPOTS_REQ",
	TypeSubscribeSpotsRes:             "SUBSCRIBE_SPOTS_RES",
	TypeUnsubscribeSpotsReq:           "UNSUBSCRIBE_SPOTS_REQ",
	TypeUnsubscribeSpotsRes:           "UNSUBSCRIBE_SPOTS_RES",
	TypeSpotEvent:                     "SPOT_EVENT",
	TypeOrderErrorEvent:               "ORDER_ERROR_EVENT",
	TypeSubscribeLiveTrendbarReq:      "SUBSCRIBE_LIVE_TRENDBAR_REQ",
	TypeUnsubscribeLiveTrendbarReq:    "UNSUBSCRIBE_LIVE_TRENDBAR_REQ",
	TypeGetTrendbarsReq:               "GET_TRENDBARS_REQ",
	TypeGetTrendbarsRes:               "GET_TRENDBARS_RES",
	TypeOAErrorRes:                    "OA_ERROR_RES",
	TypeGetTickDataReq:                "GET_TICKDATA_REQ",
	TypeGetTickDataRes:                "GET_TICKDATA_RES",
	TypeAccountsTokenInvalidatedEvent: "ACCOUNTS_TOKEN_INVALIDATED_EVENT",
	TypeClientDisconnectEvent:         "CLIENT_DISCONNECT_EVENT",
	TypeGetAccountsByAccessTokenReq:   "GET_ACCOUNTS_BY_ACCESS_TOKEN_REQ",
	TypeGetAccountsByAccessTokenRes:   "GET_ACCOUNTS_BY_ACCESS_TOKEN_RES",
	TypeDepthEvent:                    "DEPTH_EVENT",
	TypeSubscribeDepthQuotesReq:       "SUBSCRIBE_DEPTH_QUOTES_REQ",
	TypeSubscribeDepthQuotesRes:       "SUBSCRIBE_DEPTH_QUOTES_RES",
	TypeUnsubscribeDepthQuotesReq:     "UNSUBSCRIBE_DEPTH_QUOTES_REQ",
	TypeUnsubscribeDepthQuotesRes:     "UNSUBSCRIBE_DEPTH_QUOTES_RES",
	TypeAccountLogoutReq:              "ACCOUNT_LOGOUT_REQ",
	TypeAccountLogoutRes:              "ACCOUNT_LOGOUT_RES",
	TypeAccountDisconnectEvent:        "ACCOUNT_DISCONNECT_EVENT",
	TypeSubscribeLiveTrendbarRes:      "SUBSCRIBE_LIVE_TRENDBAR_RES",
	TypeUnsubscribeLiveTrendbarRes:    "UNSUBSCRIBE_LIVE_TRENDBAR_RES",
	TypeRefreshTokenReq:               "REFRESH_TOKEN_REQ",
	TypeRefreshTokenRes:               "REFRESH_TOKEN_RES",
}

// TypeName returns the protocol name of a payload type, or its number when unknown.
func TypeName(payloadType uint32) string {
	if name, ok := typeNames[payloadType]; ok {
		return name
	}
	return strconv.FormatUint(uint64(payloadType), 10)
}

// IsHistorical reports whether requests of this type count against the
// historical data rate limit.
func IsHistorical(payloadType uint32) bool {
	switch payloadType {
	case TypeGetTrendbarsReq, TypeGetTickDataReq:
		return true
	default:
		return false
	}
}
