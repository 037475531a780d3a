package broker

// Single-byte enumerations used on the wire.
const (
	DirectionBuy  byte = '0'
	DirectionSell byte = '1'

	PosiDirectionNet   byte = '1'
	PosiDirectionLong  byte = '2'
	PosiDirectionShort byte = '3'

	OffsetOpen           byte = '0'
	OffsetClose          byte = '1'
	OffsetForceClose     byte = '2'
	OffsetCloseToday     byte = '3'
	OffsetCloseYesterday byte = '4'

	PriceTypeAny   byte = '1'
	PriceTypeLimit byte = '2'
	PriceTypeBest  byte = '3'

	VolumeConditionAny byte = '1'
	VolumeConditionMin byte = '2'
	VolumeConditionAll byte = '3'

	TimeConditionIOC byte = '1'
	TimeConditionGFD byte = '3'

	ActionFlagDelete byte = '0'

	OrderStatusAllTraded             byte = '0'
	OrderStatusPartTradedQueueing    byte = '1'
	OrderStatusPartTradedNotQueueing byte = '2'
	OrderStatusNoTradeQueueing       byte = '3'
	OrderStatusNoTradeNotQueueing    byte = '4'
	OrderStatusCanceled              byte = '5'
	OrderStatusUnknown               byte = 'a'

	SubmitStatusInsertSubmitted byte = '0'
	SubmitStatusCancelSubmitted byte = '1'
	SubmitStatusAccepted        byte = '3'
	SubmitStatusInsertRejected  byte = '4'
	SubmitStatusCancelRejected  byte = '5'
)

// RspInfo carries the result code of a reply.
type RspInfo struct {
	ErrorID  int
	ErrorMsg string
}

// Failed reports whether the reply is an error.
func (r *RspInfo) Failed() bool {
	return r != nil && r.ErrorID != 0
}

type ReqAuthenticate struct {
	BrokerID string
	UserID   string
	AppID    string
	AuthCode string
}

type ReqUserLogin struct {
	BrokerID string
	UserID   string
	Password string
}

type RspUserLogin struct {
	TradingDay  string
	LoginTime   string
	FrontID     int
	SessionID   int
	MaxOrderRef string
}

type SettlementInfoConfirm struct {
	BrokerID    string
	InvestorID  string
	ConfirmDate string
	ConfirmTime string
}

// SettlementInfo is one fragment of the settlement statement. Content is
// raw GBK bytes and may split a multi-byte character across fragments.
type SettlementInfo struct {
	TradingDay   string
	SettlementID int
	SequenceNo   int
	Content      []byte
}

type InstrumentField struct {
	InstrumentID   string
	ExchangeID     string
	ProductID      string
	PriceTick      float64
	VolumeMultiple int
	IsTrading      bool
}

type MarginRate struct {
	InstrumentID             string
	LongMarginRatioByMoney   float64
	LongMarginRatioByVolume  float64
	ShortMarginRatioByMoney  float64
	ShortMarginRatioByVolume float64
}

type CommissionRate struct {
	InstrumentID            string
	OpenRatioByMoney        float64
	OpenRatioByVolume       float64
	CloseRatioByMoney       float64
	CloseRatioByVolume      float64
	CloseTodayRatioByMoney  float64
	CloseTodayRatioByVolume float64
}

type TradingAccount struct {
	Balance          float64
	Available        float64
	CurrMargin       float64
	PreMargin        float64
	FrozenMargin     float64
	FrozenCash       float64
	FrozenCommission float64
	Commission       float64
	CloseProfit      float64
	PositionProfit   float64
	Deposit          float64
	Withdraw         float64
	WithdrawQuota    float64
}

// InvestorPosition is a summary row, one per instrument and direction.
type InvestorPosition struct {
	InstrumentID   string
	ExchangeID     string
	PosiDirection  byte
	Position       int
	TodayPosition  int
	YdPosition     int
	LongFrozen     int
	ShortFrozen    int
	UseMargin      float64
	FrozenMargin   float64
	ExchangeMargin float64
	PositionCost   float64
	OpenCost       float64
	CloseProfit    float64
	PositionProfit float64
}

// PositionDetail is one open lot.
type PositionDetail struct {
	InstrumentID string
	ExchangeID   string
	Direction    byte
	OpenDate     string
	TradingDay   string
	Volume       int
	OpenPrice    float64
	Margin       float64
	ExchMargin   float64
}

type InputOrder struct {
	BrokerID            string
	InvestorID          string
	InstrumentID        string
	ExchangeID          string
	OrderRef            string
	Direction           byte
	CombOffsetFlag      byte
	OrderPriceType      byte
	VolumeCondition     byte
	TimeCondition       byte
	LimitPrice          float64
	VolumeTotalOriginal int
	MinVolume           int
}

type InputOrderAction struct {
	BrokerID     string
	InvestorID   string
	InstrumentID string
	ExchangeID   string
	OrderRef     string
	OrderSysID   string
	FrontID      int
	SessionID    int
	ActionFlag   byte
}

// OrderField is an order return or a row of the order query.
type OrderField struct {
	OrderRef            string
	InstrumentID        string
	ExchangeID          string
	OrderSysID          string
	FrontID             int
	SessionID           int
	Direction           byte
	CombOffsetFlag      byte
	OrderPriceType      byte
	LimitPrice          float64
	VolumeTotalOriginal int
	VolumeTraded        int
	VolumeTotal         int
	OrderStatus         byte
	OrderSubmitStatus   byte
	InsertDate          string
	InsertTime          string
	StatusMsg           string
}

// TradeField is a trade return or a row of the trade query.
type TradeField struct {
	TradeID      string
	OrderRef     string
	OrderSysID   string
	InstrumentID string
	ExchangeID   string
	Direction    byte
	OffsetFlag   byte
	Price        float64
	Volume       int
	TradeDate    string
	TradeTime    string
	TradingDay   string
}
