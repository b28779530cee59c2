package order

import (
	"time"

	"github.com/shopspring/decimal"

	"venue-gateway/pkg/db"
	"venue-gateway/pkg/venue"
)

// Request is an order instruction from a caller.
type Request struct {
	Symbol     string          `json:"symbol" validate:"required,max=32"`
	Exchange   string          `json:"exchange" validate:"max=16"`
	Direction  venue.Direction `json:"direction" validate:"required,oneof=LONG SHORT"`
	Offset     venue.Offset    `json:"offset" validate:"required,oneof=OPEN CLOSE CLOSE_TODAY CLOSE_YESTERDAY"`
	Type       venue.OrderType `json:"order_type" validate:"required,oneof=LIMIT MARKET STOP"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Volume     int64           `json:"volume" validate:"gt=0"`
}

// Order is the tracked state of a submitted order.
type Order struct {
	UserID          string            `json:"user_id"`
	OrderRef        string            `json:"order_ref"`
	VenueOrderID    string            `json:"venue_order_id,omitempty"`
	Symbol          string            `json:"symbol"`
	Exchange        string            `json:"exchange,omitempty"`
	Direction       venue.Direction   `json:"direction"`
	Offset          venue.Offset      `json:"offset"`
	Type            venue.OrderType   `json:"order_type"`
	LimitPrice      decimal.Decimal   `json:"limit_price"`
	StopPrice       decimal.Decimal   `json:"stop_price"`
	Volume          int64             `json:"volume"`
	TradedVolume    int64             `json:"traded_volume"`
	RemainingVolume int64             `json:"remaining_volume"`
	Status          venue.OrderStatus `json:"status"`
	StatusMessage   string            `json:"status_message,omitempty"`
	CancelTime      *time.Time        `json:"cancel_time,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`

	// stored is set once the order row exists; fills arriving earlier wait in pending.
	stored  bool
	pending []venue.TradeReport
}

// Trade is one fill applied to an order.
type Trade struct {
	TradeID   string          `json:"trade_id"`
	UserID    string          `json:"user_id"`
	OrderRef  string          `json:"order_ref"`
	Symbol    string          `json:"symbol"`
	Direction venue.Direction `json:"direction"`
	Offset    venue.Offset    `json:"offset"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	TradeTime time.Time       `json:"trade_time"`
}

func (o *Order) venueOrder() venue.Order {
	return venue.Order{
		OrderRef:   o.OrderRef,
		Symbol:     o.Symbol,
		Exchange:   o.Exchange,
		Direction:  o.Direction,
		Offset:     o.Offset,
		Type:       o.Type,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		Volume:     o.Volume,
	}
}

func (o *Order) record() db.Order {
	return db.Order{
		UserID:          o.UserID,
		OrderRef:        o.OrderRef,
		VenueOrderID:    o.VenueOrderID,
		Symbol:          o.Symbol,
		Exchange:        o.Exchange,
		Direction:       string(o.Direction),
		Offset:          string(o.Offset),
		OrderType:       string(o.Type),
		LimitPrice:      o.LimitPrice,
		StopPrice:       o.StopPrice,
		Volume:          o.Volume,
		TradedVolume:    o.TradedVolume,
		RemainingVolume: o.RemainingVolume,
		Status:          string(o.Status),
		StatusMessage:   o.StatusMessage,
		CancelTime:      o.CancelTime,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// updateSince lists the columns that differ from an earlier record of the order.
func (o *Order) updateSince(rec db.Order) (db.OrderUpdate, bool) {
	var u db.OrderUpdate
	changed := false
	if o.VenueOrderID != rec.VenueOrderID {
		id := o.VenueOrderID
		u.VenueOrderID = &id
		changed = true
	}
	if string(o.Status) != rec.Status {
		status := string(o.Status)
		u.Status = &status
		changed = true
	}
	if o.StatusMessage != rec.StatusMessage {
		msg := o.StatusMessage
		u.StatusMessage = &msg
		changed = true
	}
	if o.TradedVolume != rec.TradedVolume || o.RemainingVolume != rec.RemainingVolume {
		traded, remaining := o.TradedVolume, o.RemainingVolume
		u.TradedVolume = &traded
		u.RemainingVolume = &remaining
		changed = true
	}
	if o.CancelTime != nil && rec.CancelTime == nil {
		ct := *o.CancelTime
		u.CancelTime = &ct
		changed = true
	}
	return u, changed
}

// snapshot copies the exported fields.
func (o *Order) snapshot() Order {
	out := *o
	out.pending = nil
	if o.CancelTime != nil {
		t := *o.CancelTime
		out.CancelTime = &t
	}
	return out
}

func (t Trade) record() db.Trade {
	return db.Trade{
		ID:        t.TradeID,
		UserID:    t.UserID,
		OrderRef:  t.OrderRef,
		Symbol:    t.Symbol,
		Direction: string(t.Direction),
		Offset:    string(t.Offset),
		Price:     t.Price,
		Volume:    t.Volume,
		TradeTime: t.TradeTime,
	}
}
