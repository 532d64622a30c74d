package openapi

import "google.golang.org/protobuf/encoding/protowire"

// ApplicationAuthReq authorises the application on a new connection.
type ApplicationAuthReq struct {
	ClientID     string
	ClientSecret string
}

func (ApplicationAuthReq) PayloadType() uint32 { return TypeApplicationAuthReq }

func (m ApplicationAuthReq) Marshal() []byte {
	e := newEncoder(TypeApplicationAuthReq)
	e.str(2, m.ClientID)
	e.str(3, m.ClientSecret)
	return e.bytes()
}

// AccountAuthReq authorises one trading account with an access token.
type AccountAuthReq struct {
	AccountID   int64
	AccessToken string
}

func (AccountAuthReq) PayloadType() uint32 { return TypeAccountAuthReq }

func (m AccountAuthReq) Marshal() []byte {
	e := newEncoder(TypeAccountAuthReq)
	e.int(2, m.AccountID)
	e.str(3, m.AccessToken)
	return e.bytes()
}

// AccountAuthRes confirms an account authorisation.
type AccountAuthRes struct {
	AccountID int64
}

func (m *AccountAuthRes) Unmarshal(b []byte) error {
	return decodeAccountOnly(b, &m.AccountID, "account auth response")
}

// AccountLogoutReq ends the authorisation of an account.
type AccountLogoutReq struct {
	AccountID int64
}

func (AccountLogoutReq) PayloadType() uint32 { return TypeAccountLogoutReq }

func (m AccountLogoutReq) Marshal() []byte {
	e := newEncoder(TypeAccountLogoutReq)
	e.int(2, m.AccountID)
	return e.bytes()
}

// VersionReq asks for the proxy version.
type VersionReq struct{}

func (VersionReq) PayloadType() uint32 { return TypeVersionReq }

func (VersionReq) Marshal() []byte { return newEncoder(TypeVersionReq).bytes() }

// VersionRes carries the proxy version.
type VersionRes struct {
	Version string
}

func (m *VersionRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		if num == 2 {
			m.Version = v.str()
		}
		return nil
	})
	if err != nil {
		return decodeError("version response", err)
	}
	return nil
}

// RefreshTokenReq exchanges a refresh token for a new access token.
type RefreshTokenReq struct {
	RefreshToken string
}

func (RefreshTokenReq) PayloadType() uint32 { return TypeRefreshTokenReq }

func (m RefreshTokenReq) Marshal() []byte {
	e := newEncoder(TypeRefreshTokenReq)
	e.str(2, m.RefreshToken)
	return e.bytes()
}

// RefreshTokenRes carries the renewed token pair.
type RefreshTokenRes struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
}

func (m *RefreshTokenRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccessToken = v.str()
		case 3:
			m.TokenType = v.str()
		case 4:
			m.ExpiresIn = v.int64()
		case 5:
			m.RefreshToken = v.str()
		}
		return nil
	})
	if err != nil {
		return decodeError("refresh token response", err)
	}
	return nil
}

// GetAccountsByAccessTokenReq lists the accounts an access token grants.
type GetAccountsByAccessTokenReq struct {
	AccessToken string
}

func (GetAccountsByAccessTokenReq) PayloadType() uint32 { return TypeGetAccountsByAccessTokenReq }

func (m GetAccountsByAccessTokenReq) Marshal() []byte {
	e := newEncoder(TypeGetAccountsByAccessTokenReq)
	e.str(2, m.AccessToken)
	return e.bytes()
}

// PermissionScope is the scope granted to an access token.
type PermissionScope int32

const (
	ScopeView    PermissionScope = 0
	ScopeTrading PermissionScope = 1
)

// TraderAccount is one account reachable with an access token.
type TraderAccount struct {
	AccountID        int64
	IsLive           bool
	TraderLogin      int64
	BrokerTitleShort string
}

// GetAccountsByAccessTokenRes lists accounts for a token.
type GetAccountsByAccessTokenRes struct {
	AccessToken     string
	PermissionScope PermissionScope
	Accounts        []TraderAccount
}

func (m *GetAccountsByAccessTokenRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccessToken = v.str()
		case 3:
			m.PermissionScope = PermissionScope(v.int32())
		case 4:
			var acc TraderAccount
			if err := walk(v.b, func(num protowire.Number, v value) error {
				switch num {
				case 1:
					acc.AccountID = v.int64()
				case 2:
					acc.IsLive = v.bool()
				case 3:
					acc.TraderLogin = v.int64()
				case 6:
					acc.BrokerTitleShort = v.str()
				}
				return nil
			}); err != nil {
				return err
			}
			m.Accounts = append(m.Accounts, acc)
		}
		return nil
	})
	if err != nil {
		return decodeError("account list response", err)
	}
	return nil
}

func decodeAccountOnly(b []byte, accountID *int64, what string) error {
	err := walk(b, func(num protowire.Number, v value) error {
		if num == 2 {
			*accountID = v.int64()
		}
		return nil
	})
	if err != nil {
		return decodeError(what, err)
	}
	return nil
}
