package bridge

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"

	"venue-gateway/pkg/venue"
)

// Event kinds carried in the "kind" field of stream messages.
const (
	kindTick  = "tick"
	kindOrder = "order"
	kindTrade = "trade"
	kindError = "error"
)

type fields map[string]any

func (f fields) str(k string) string {
	s, _ := f[k].(string)
	return s
}

func (f fields) int(k string) int64 {
	switch v := f[k].(type) {
	case float64:
		return int64(v)
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d.IntPart()
		}
	}
	return 0
}

func (f fields) dec(k string) decimal.Decimal {
	switch v := f[k].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	}
	return decimal.Zero
}

func (f fields) time(k string) time.Time {
	s := f.str(k)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeFront(front string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"front": front})
}

func encodeCredentials(c venue.Credentials) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"broker_id": c.BrokerID,
		"user_id":   c.UserID,
		"password":  c.Password,
		"app_id":    c.AppID,
		"auth_code": c.AuthCode,
	})
}

func encodeSymbols(symbols []string) (*structpb.Struct, error) {
	list := make([]any, len(symbols))
	for i, s := range symbols {
		list[i] = s
	}
	return structpb.NewStruct(map[string]any{"symbols": list})
}

func encodeOrder(o venue.Order) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"order_ref":   o.OrderRef,
		"symbol":      o.Symbol,
		"exchange":    o.Exchange,
		"direction":   string(o.Direction),
		"offset":      string(o.Offset),
		"order_type":  string(o.Type),
		"limit_price": o.LimitPrice.String(),
		"stop_price":  o.StopPrice.String(),
		"volume":      o.Volume,
	})
}

func decodeAck(ref string, s *structpb.Struct) venue.Ack {
	f := fields(s.AsMap())
	ack := venue.Ack{OrderRef: f.str("order_ref"), VenueOrderID: f.str("venue_order_id")}
	if ack.OrderRef == "" {
		ack.OrderRef = ref
	}
	return ack
}

// dispatch decodes one stream message and hands it to h.
func dispatch(s *structpb.Struct, h venue.EventHandler) error {
	f := fields(s.AsMap())
	switch kind := f.str("kind"); kind {
	case kindTick:
		h.OnTick(venue.Tick{
			Symbol:       f.str("symbol"),
			Exchange:     f.str("exchange"),
			LastPrice:    f.dec("last_price"),
			Volume:       f.int("volume"),
			BidPrice:     f.dec("bid_price"),
			BidVolume:    f.int("bid_volume"),
			AskPrice:     f.dec("ask_price"),
			AskVolume:    f.int("ask_volume"),
			OpenInterest: f.int("open_interest"),
			TradingDay:   f.str("trading_day"),
			UpdateTime:   f.time("update_time"),
		})
	case kindOrder:
		h.OnOrder(venue.OrderReport{
			OrderRef:     f.str("order_ref"),
			VenueOrderID: f.str("venue_order_id"),
			Status:       venue.OrderStatus(f.str("status")),
			Message:      f.str("message"),
			Time:         f.time("time"),
		})
	case kindTrade:
		h.OnTrade(venue.TradeReport{
			TradeID:   f.str("trade_id"),
			OrderRef:  f.str("order_ref"),
			Symbol:    f.str("symbol"),
			Direction: venue.Direction(f.str("direction")),
			Offset:    venue.Offset(f.str("offset")),
			Price:     f.dec("price"),
			Volume:    f.int("volume"),
			Time:      f.time("time"),
		})
	case kindError:
		h.OnError(venue.Error{
			Channel:  venue.Channel(f.str("channel")),
			Code:     int(f.int("code")),
			Message:  f.str("message"),
			OrderRef: f.str("order_ref"),
			Time:     f.time("time"),
		})
	default:
		return fmt.Errorf("unknown event kind %q", kind)
	}
	return nil
}
