package domain

import "errors"

// Engine error taxonomy. Callers match with errors.Is; producers wrap with
// fmt.Errorf("...: %w", ErrX).
var (
	ErrConnectionFailed       = errors.New("connection failed")
	ErrAuthFailed             = errors.New("authentication failed")
	ErrLoginFailed            = errors.New("login failed")
	ErrBrokerTimeout          = errors.New("broker request timed out")
	ErrSendOrderFailed        = errors.New("send order failed")
	ErrCancelOrderFailed      = errors.New("cancel order failed")
	ErrTradletGroupNotEnabled = errors.New("tradlet group not enabled")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrPersistence            = errors.New("persistence error")
	ErrClockSkew              = errors.New("clock skew with exchange")
	ErrOrderNotFound          = errors.New("order not found")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrConnectionFailed, "ConnectionFailed"},
	{ErrAuthFailed, "AuthFailed"},
	{ErrLoginFailed, "LoginFailed"},
	{ErrBrokerTimeout, "BrokerTimeout"},
	{ErrSendOrderFailed, "SendOrderFailed"},
	{ErrCancelOrderFailed, "CancelOrderFailed"},
	{ErrTradletGroupNotEnabled, "TradletGroupNotEnabled"},
	{ErrInvalidInstrument, "InvalidInstrument"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrPersistence, "PersistenceError"},
	{ErrClockSkew, "ClockSkew"},
	{ErrOrderNotFound, "OrderNotFound"},
	{ErrInvalidPrice, "InvalidPrice"},
}

// ErrorKind returns the taxonomy name of err for structured logs, or
// "Unknown".
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Unknown"
}
