package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-gateway/internal/order"
	"venue-gateway/internal/session"
	"venue-gateway/pkg/config"
	"venue-gateway/pkg/db"
	"venue-gateway/pkg/venue"
	"venue-gateway/pkg/venue/sim"
)

type inbox struct {
	mu   sync.Mutex
	msgs []session.Message
}

func (b *inbox) Send(_ context.Context, msg session.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *inbox) count(msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func newEngine(t *testing.T) (*Impl, *sim.Venue) {
	t.Helper()
	app := config.Default()
	app.DBPath = ":memory:"
	app.SimTickInterval = 0
	app.OrderRatePerSec = 0
	app.Venue.BrokerID = "9999"
	app.Venue.UserID = "000001"
	app.Venue.Password = "secret"
	app.Venue.TradeFront = "tcp://sim:10130"
	app.Venue.MDFront = "tcp://sim:10131"

	database, err := db.New(app.DBPath)
	require.NoError(t, err)
	v := sim.New(sim.Options{})

	e, err := NewImpl(Config{App: &app, Venue: v, DB: database})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, v
}

func TestEndToEnd(t *testing.T) {
	e, v := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Connect(ctx))
	require.True(t, e.GatewayStatus().IsReady())

	box := &inbox{}
	require.NoError(t, e.Sessions.Connect("c1", box, "alice"))
	require.NoError(t, e.Market.Subscribe(ctx, "c1", []string{"rb2405"}))
	assert.True(t, v.Subscribed("rb2405"))

	o, err := e.SubmitOrder(ctx, "alice", order.Request{
		Symbol:     "rb2405",
		Exchange:   "SHFE",
		Direction:  venue.DirectionLong,
		Offset:     venue.OffsetOpen,
		Type:       venue.OrderTypeLimit,
		LimitPrice: decimal.NewFromInt(3650),
		Volume:     4,
	})
	require.NoError(t, err)
	require.NoError(t, v.Sync(ctx))

	current, ok := e.Tracker.Get("alice", o.OrderRef)
	require.True(t, ok)
	assert.Equal(t, venue.StatusPartialFilled, current.Status)
	assert.Equal(t, 1, box.count(order.MsgTradeUpdate))
	assert.GreaterOrEqual(t, box.count(order.MsgOrderUpdate), 2)

	v.PushTick(venue.Tick{Symbol: "rb2405", LastPrice: decimal.NewFromInt(3651)})
	require.NoError(t, v.Sync(ctx))
	assert.Equal(t, 1, box.count(session.MsgTick))
	_, ok = e.Market.LastTick("rb2405")
	assert.True(t, ok)

	status := e.GatewayStatus()
	assert.Equal(t, int64(1), status.OrderCount)
	assert.Equal(t, int64(1), status.TradeCount)
	assert.Equal(t, int64(1), status.SubscribeCount)

	sys := e.GetSystemStatus(ctx)
	assert.Equal(t, 1, sys.Sessions)
	assert.Equal(t, []string{"rb2405"}, sys.ActiveSymbols)
	assert.Equal(t, 1, sys.Metrics.SubmitLatency.Count)

	// Reconnect clears connection-scoped state and replays subscriptions.
	require.NoError(t, e.Reconnect(ctx))
	assert.True(t, e.GatewayStatus().IsReady())
	assert.Zero(t, e.GatewayStatus().OrderCount)
	_, ok = e.Tracker.Get("alice", o.OrderRef)
	assert.False(t, ok)
	_, ok = e.Market.LastTick("rb2405")
	assert.False(t, ok)
	assert.True(t, v.Subscribed("rb2405"))
	assert.Equal(t, []string{"c1"}, e.Market.SubscribersOf("rb2405"))

	orders, err := e.ListOrders(ctx, "alice", db.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "PARTIAL_FILLED", orders[0].Status)

	positions, err := e.ListPositions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(2), positions[0].Volume)

	trades, err := e.ListTrades(ctx, "bob", db.TradeFilter{})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestVenueDropMarksChannelDown(t *testing.T) {
	e, v := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Connect(ctx))

	v.Drop(venue.ChannelMarketData)
	require.NoError(t, v.Sync(ctx))

	status := e.GatewayStatus()
	assert.True(t, status.TradeReady())
	assert.False(t, status.MDReady())
	require.NotNil(t, status.LastError)

	// Subscribing a new symbol needs market data.
	require.NoError(t, e.Sessions.Connect("c1", &inbox{}, ""))
	assert.Error(t, e.Market.Subscribe(ctx, "c1", []string{"au2406"}))
}

func TestConnectWithoutCredentials(t *testing.T) {
	app := config.Default()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	v := sim.New(sim.Options{})
	e, err := NewImpl(Config{App: &app, Venue: v, DB: database})
	require.NoError(t, err)
	defer e.Close(context.Background())

	err = e.Connect(context.Background())
	require.Error(t, err)
	assert.Zero(t, v.Calls(sim.OpConnectTrade))
}
