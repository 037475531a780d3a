package broker

// EventKind tags an Event.
type EventKind int

const (
	EventFrontConnected EventKind = iota + 1
	EventFrontDisconnected
	EventRspAuthenticate
	EventRspUserLogin
	EventRspOrderInsert
	EventErrRtnOrderInsert
	EventRspOrderAction
	EventErrRtnOrderAction
	EventRtnOrder
	EventRtnTrade
	EventRspError
	EventHeartBeatWarning
)

var eventNames = map[EventKind]string{
	EventFrontConnected:    "FrontConnected",
	EventFrontDisconnected: "FrontDisconnected",
	EventRspAuthenticate:   "RspAuthenticate",
	EventRspUserLogin:      "RspUserLogin",
	EventRspOrderInsert:    "RspOrderInsert",
	EventErrRtnOrderInsert: "ErrRtnOrderInsert",
	EventRspOrderAction:    "RspOrderAction",
	EventErrRtnOrderAction: "ErrRtnOrderAction",
	EventRtnOrder:          "RtnOrder",
	EventRtnTrade:          "RtnTrade",
	EventRspError:          "RspError",
	EventHeartBeatWarning:  "HeartBeatWarning",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "Unknown"
}

// Material reports whether the account must apply events of this kind.
func (k EventKind) Material() bool {
	switch k {
	case EventRtnOrder, EventRtnTrade, EventRspOrderInsert, EventErrRtnOrderInsert,
		EventRspOrderAction, EventErrRtnOrderAction:
		return true
	}
	return false
}

// Event is one asynchronous callback from the API. Which payload fields are
// set depends on Kind.
type Event struct {
	Kind    EventKind
	Reason  int
	RspInfo *RspInfo
	Login   *RspUserLogin
	Order   *OrderField
	Trade   *TradeField
	Input   *InputOrder
	Action  *InputOrderAction
}
