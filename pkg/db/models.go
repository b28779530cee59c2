package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is an order row.
type Order struct {
	UserID          string          `json:"user_id"`
	OrderRef        string          `json:"order_ref"`
	VenueOrderID    string          `json:"venue_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange,omitempty"`
	Direction       string          `json:"direction"`
	Offset          string          `json:"offset"`
	OrderType       string          `json:"order_type"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	Volume          int64           `json:"volume"`
	TradedVolume    int64           `json:"traded_volume"`
	RemainingVolume int64           `json:"remaining_volume"`
	Status          string          `json:"status"`
	StatusMessage   string          `json:"status_message,omitempty"`
	CancelTime      *time.Time      `json:"cancel_time,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OrderUpdate lists the order fields to change. Nil fields are left as they are.
type OrderUpdate struct {
	VenueOrderID    *string
	Status          *string
	StatusMessage   *string
	TradedVolume    *int64
	RemainingVolume *int64
	CancelTime      *time.Time
}

// Trade is a fill row. Trades are never updated.
type Trade struct {
	ID        string          `json:"trade_id"`
	UserID    string          `json:"user_id"`
	OrderRef  string          `json:"order_ref"`
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"`
	Offset    string          `json:"offset"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	TradeTime time.Time       `json:"trade_time"`
}

// Position is the net holding per user, symbol and direction.
type Position struct {
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Direction   string          `json:"direction"`
	Volume      int64           `json:"volume"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OrderFilter narrows FindOrders. Zero values match everything.
type OrderFilter struct {
	Symbol string
	Status string
	Limit  int
}

// TradeFilter narrows FindTrades. Zero values match everything.
type TradeFilter struct {
	Symbol   string
	OrderRef string
	Limit    int
}

const defaultLimit = 100
