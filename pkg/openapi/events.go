package openapi

import (
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/frame"
)

// ErrorRes is the common or Open API error response.
type ErrorRes struct {
	AccountID               int64
	ErrorCode               string
	Description             string
	MaintenanceEndTimestamp int64
}

// UnmarshalCommon decodes the common error response (payload type 50).
func (m *ErrorRes) UnmarshalCommon(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.ErrorCode = v.str()
		case 3:
			m.Description = v.str()
		case 4:
			m.MaintenanceEndTimestamp = v.int64()
		}
		return nil
	})
	if err != nil {
		return decodeError("error response", err)
	}
	return nil
}

// Unmarshal decodes the Open API error response (payload type 2142).
func (m *ErrorRes) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.AccountID = v.int64()
		case 3:
			m.ErrorCode = v.str()
		case 4:
			m.Description = v.str()
		case 5:
			m.MaintenanceEndTimestamp = v.int64()
		}
		return nil
	})
	if err != nil {
		return decodeError("error response", err)
	}
	return nil
}

// OrderErrorEvent reports a failed order operation.
type OrderErrorEvent struct {
	AccountID   int64
	ErrorCode   string
	OrderID     int64
	PositionID  int64
	Description string
}

func (m *OrderErrorEvent) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			m.ErrorCode = v.str()
		case 3:
			m.OrderID = v.int64()
		case 5:
			m.AccountID = v.int64()
		case 6:
			m.PositionID = v.int64()
		case 7:
			m.Description = v.str()
		}
		return nil
	})
	if err != nil {
		return decodeError("order error event", err)
	}
	return nil
}

// ClientDisconnectEvent announces that the proxy is dropping the connection.
type ClientDisconnectEvent struct {
	Reason string
}

func (m *ClientDisconnectEvent) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		if num == 2 {
			m.Reason = v.str()
		}
		return nil
	})
	if err != nil {
		return decodeError("client disconnect event", err)
	}
	return nil
}

// AccountsTokenInvalidatedEvent lists accounts whose token stopped working.
type AccountsTokenInvalidatedEvent struct {
	AccountIDs []int64
	Reason     string
}

func (m *AccountsTokenInvalidatedEvent) Unmarshal(b []byte) error {
	err := walk(b, func(num protowire.Number, v value) error {
		switch num {
		case 2:
			ids, err := v.packed()
			if err != nil {
				return err
			}
			for _, id := range ids {
				m.AccountIDs = append(m.AccountIDs, int64(id))
			}
		case 3:
			m.Reason = v.str()
		}
		return nil
	})
	if err != nil {
		return decodeError("token invalidated event", err)
	}
	return nil
}

// AccountDisconnectEvent reports that one account was logged out by the server.
type AccountDisconnectEvent struct {
	AccountID int64
}

func (m *AccountDisconnectEvent) Unmarshal(b []byte) error {
	return decodeAccountOnly(b, &m.AccountID, "account disconnect event")
}

// ClassifyError turns broker error frames into protocol errors carrying the
// broker's error code. It returns nil for every other frame.
func ClassifyError(f frame.Frame) error {
	var (
		code, desc string
		account    int64
		decodeErr  error
	)
	switch f.PayloadType {
	case TypeErrorRes:
		var m ErrorRes
		decodeErr = m.UnmarshalCommon(f.Payload)
		code, desc = m.ErrorCode, m.Description
	case TypeOAErrorRes:
		var m ErrorRes
		decodeErr = m.Unmarshal(f.Payload)
		code, desc, account = m.ErrorCode, m.Description, m.AccountID
	case TypeOrderErrorEvent:
		var m OrderErrorEvent
		decodeErr = m.Unmarshal(f.Payload)
		code, desc, account = m.ErrorCode, m.Description, m.AccountID
	case TypeExecutionEvent:
		var m ExecutionEvent
		if err := m.Unmarshal(f.Payload); err != nil || !m.ExecutionType.Rejected() {
			return nil
		}
		code, account = m.ErrorCode, m.AccountID
	default:
		return nil
	}
	opts := []errs.Option{
		errs.WithMessage("broker rejected request"),
		errs.WithRawCode(code),
		errs.WithRawMessage(desc),
		errs.WithField("payload_type", TypeName(f.PayloadType)),
	}
	if account != 0 {
		opts = append(opts, errs.WithField("account_id", strconv.FormatInt(account, 10)))
	}
	if decodeErr != nil {
		opts = append(opts, errs.WithCause(decodeErr))
	}
	return errs.New("openapi", errs.CodeProtocol, opts...)
}

// IsDisconnect reports whether f announces that the proxy is closing the connection.
func IsDisconnect(f frame.Frame) bool {
	return f.PayloadType == TypeClientDisconnectEvent
}
