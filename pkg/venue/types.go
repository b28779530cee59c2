package venue

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel names a venue sub-connection.
type Channel string

const (
	ChannelTrade      Channel = "trade"
	ChannelMarketData Channel = "md"
)

// Direction denotes order direction.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Offset denotes whether an order opens or closes a position.
type Offset string

const (
	OffsetOpen           Offset = "OPEN"
	OffsetClose          Offset = "CLOSE"
	OffsetCloseToday     Offset = "CLOSE_TODAY"
	OffsetCloseYesterday Offset = "CLOSE_YESTERDAY"
)

// IsClose reports whether the offset reduces a position.
func (o Offset) IsClose() bool {
	return o == OffsetClose || o == OffsetCloseToday || o == OffsetCloseYesterday
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusSubmitting    OrderStatus = "SUBMITTING"
	StatusSubmitted     OrderStatus = "SUBMITTED"
	StatusPartialFilled OrderStatus = "PARTIAL_FILLED"
	StatusAllFilled     OrderStatus = "ALL_FILLED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusRejected      OrderStatus = "REJECTED"
)

// IsTerminal reports whether no transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusAllFilled || s == StatusCancelled || s == StatusRejected
}

// Credentials identify the gateway to the venue.
type Credentials struct {
	BrokerID string
	UserID   string
	Password string
	AppID    string
	AuthCode string
}

// Order is an order instruction sent to the venue.
type Order struct {
	OrderRef   string
	Symbol     string
	Exchange   string
	Direction  Direction
	Offset     Offset
	Type       OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Volume     int64
}

// Ack is the synchronous acceptance of a submitted order.
type Ack struct {
	OrderRef     string
	VenueOrderID string
}

// OrderReport is an asynchronous order status update from the venue.
type OrderReport struct {
	OrderRef     string
	VenueOrderID string
	Status       OrderStatus
	Message      string
	Time         time.Time
}

// TradeReport is a single fill reported by the venue.
type TradeReport struct {
	TradeID   string // may be empty; the gateway assigns one
	OrderRef  string
	Symbol    string
	Direction Direction
	Offset    Offset
	Price     decimal.Decimal
	Volume    int64
	Time      time.Time
}

// Tick is a market data snapshot for one symbol.
type Tick struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange,omitempty"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       int64           `json:"volume"`
	BidPrice     decimal.Decimal `json:"bid_price"`
	BidVolume    int64           `json:"bid_volume"`
	AskPrice     decimal.Decimal `json:"ask_price"`
	AskVolume    int64           `json:"ask_volume"`
	OpenInterest int64           `json:"open_interest"`
	TradingDay   string          `json:"trading_day,omitempty"`
	UpdateTime   time.Time       `json:"update_time"`
}

// CodeDisconnected is the Error code a venue raises when it drops a channel.
const CodeDisconnected = -1

// Error is an asynchronous error event raised by the venue.
type Error struct {
	Channel  Channel
	Code     int
	Message  string
	OrderRef string // set when the error concerns one order
	Time     time.Time
}

func (e Error) Error() string {
	if e.OrderRef != "" {
		return "venue error " + string(e.Channel) + " order " + e.OrderRef + ": " + e.Message
	}
	return "venue error " + string(e.Channel) + ": " + e.Message
}
