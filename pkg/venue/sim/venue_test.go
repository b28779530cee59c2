package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-gateway/pkg/venue"
)

type recorder struct {
	mu     sync.Mutex
	ticks  []venue.Tick
	orders []venue.OrderReport
	trades []venue.TradeReport
	errors []venue.Error
}

func (r *recorder) OnTick(t venue.Tick) {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	r.mu.Unlock()
}

func (r *recorder) OnOrder(o venue.OrderReport) {
	r.mu.Lock()
	r.orders = append(r.orders, o)
	r.mu.Unlock()
}

func (r *recorder) OnTrade(t venue.TradeReport) {
	r.mu.Lock()
	r.trades = append(r.trades, t)
	r.mu.Unlock()
}

func (r *recorder) OnError(e venue.Error) {
	r.mu.Lock()
	r.errors = append(r.errors, e)
	r.mu.Unlock()
}

func readyVenue(t *testing.T, opts Options) (*Venue, *recorder) {
	t.Helper()
	v := New(opts)
	t.Cleanup(v.Shutdown)
	rec := &recorder{}
	v.SetHandler(rec)

	ctx := context.Background()
	creds := venue.Credentials{BrokerID: "9999", UserID: "000001", Password: "secret"}
	require.NoError(t, v.ConnectTrade(ctx, "tcp://sim-trade"))
	require.NoError(t, v.ConnectMarketData(ctx, "tcp://sim-md"))
	require.NoError(t, v.LoginTrade(ctx, creds))
	require.NoError(t, v.LoginMarketData(ctx, creds))
	return v, rec
}

func limitOrder(ref string, volume int64) venue.Order {
	return venue.Order{
		OrderRef:   ref,
		Symbol:     "rb2501",
		Direction:  venue.DirectionLong,
		Offset:     venue.OffsetOpen,
		Type:       venue.OrderTypeLimit,
		LimitPrice: decimal.NewFromInt(3600),
		Volume:     volume,
	}
}

func TestLoginRequiresConnect(t *testing.T) {
	v := New(Options{})
	defer v.Shutdown()

	err := v.LoginTrade(context.Background(), venue.Credentials{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubmitFillsHalfTheVolume(t *testing.T) {
	v, rec := readyVenue(t, Options{})
	ctx := context.Background()

	ack, err := v.SubmitOrder(ctx, limitOrder("GW01", 4))
	require.NoError(t, err)
	assert.Equal(t, "GW01", ack.OrderRef)
	assert.NotEmpty(t, ack.VenueOrderID)

	_, err = v.SubmitOrder(ctx, limitOrder("GW02", 1))
	require.NoError(t, err)

	require.NoError(t, v.Sync(ctx))
	rec.mu.Lock()
	defer rec.mu.Unlock()

	require.Len(t, rec.orders, 2)
	assert.Equal(t, venue.StatusSubmitted, rec.orders[0].Status)
	require.Len(t, rec.trades, 1, "volume 1 produces no fill")
	assert.Equal(t, "GW01", rec.trades[0].OrderRef)
	assert.Equal(t, int64(2), rec.trades[0].Volume)
	assert.True(t, rec.trades[0].Price.Equal(decimal.NewFromInt(3600)))
	assert.NotEmpty(t, rec.trades[0].TradeID)
}

func TestCancelAndFill(t *testing.T) {
	v, rec := readyVenue(t, Options{})
	ctx := context.Background()

	_, err := v.SubmitOrder(ctx, limitOrder("GW01", 4))
	require.NoError(t, err)
	require.NoError(t, v.Fill("GW01", 10, decimal.NewFromInt(3601)))
	assert.ErrorIs(t, v.CancelOrder(ctx, "GW01"), ErrOrderClosed)

	_, err = v.SubmitOrder(ctx, limitOrder("GW02", 3))
	require.NoError(t, err)
	require.NoError(t, v.CancelOrder(ctx, "GW02"))
	assert.ErrorIs(t, v.CancelOrder(ctx, "GW02"), ErrOrderClosed)
	assert.ErrorIs(t, v.CancelOrder(ctx, "GW99"), ErrUnknownOrder)

	require.NoError(t, v.Sync(ctx))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.trades, 3)
	assert.Equal(t, int64(2), rec.trades[1].Volume, "second fill capped at remaining volume")
	last := rec.orders[len(rec.orders)-1]
	assert.Equal(t, "GW02", last.OrderRef)
	assert.Equal(t, venue.StatusCancelled, last.Status)
}

func TestFaultInjection(t *testing.T) {
	v, _ := readyVenue(t, Options{})
	ctx := context.Background()
	boom := errors.New("front busy")

	v.SetFault(OpSubscribe, boom)
	assert.ErrorIs(t, v.Subscribe(ctx, []string{"rb2501"}), boom)
	assert.False(t, v.Subscribed("rb2501"))

	v.SetFault(OpSubscribe, nil)
	require.NoError(t, v.Subscribe(ctx, []string{"rb2501"}))
	assert.True(t, v.Subscribed("rb2501"))
	assert.Equal(t, 2, v.Calls(OpSubscribe))
}

func TestTickLoopPublishesSubscribedSymbols(t *testing.T) {
	v, rec := readyVenue(t, Options{TickInterval: 5 * time.Millisecond})
	require.NoError(t, v.Subscribe(context.Background(), []string{"au2512"}))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.ticks) >= 3
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	tick := rec.ticks[0]
	rec.mu.Unlock()
	assert.Equal(t, "au2512", tick.Symbol)
	assert.True(t, tick.LastPrice.IsPositive())
	assert.True(t, tick.AskPrice.GreaterThan(tick.BidPrice))
}

func TestDropReportsDisconnect(t *testing.T) {
	v, rec := readyVenue(t, Options{})
	ctx := context.Background()

	v.Drop(venue.ChannelMarketData)
	assert.ErrorIs(t, v.Subscribe(ctx, []string{"rb2501"}), ErrNotLoggedIn)

	require.NoError(t, v.Sync(ctx))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errors, 1)
	assert.Equal(t, venue.CodeDisconnected, rec.errors[0].Code)
	assert.Equal(t, venue.ChannelMarketData, rec.errors[0].Channel)
}

func TestCloseForgetsState(t *testing.T) {
	v, _ := readyVenue(t, Options{})
	ctx := context.Background()
	require.NoError(t, v.Subscribe(ctx, []string{"rb2501"}))

	require.NoError(t, v.Close(ctx))
	assert.False(t, v.Subscribed("rb2501"))
	_, err := v.SubmitOrder(ctx, limitOrder("GW01", 2))
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

// stalledHandler blocks on the first tick until release is closed, then calls
// back into the venue on every tick like a session drop does.
type stalledHandler struct {
	recorder
	v       *Venue
	release chan struct{}
	once    sync.Once
}

func (h *stalledHandler) OnTick(t venue.Tick) {
	h.once.Do(func() { <-h.release })
	_ = h.v.Unsubscribe(context.Background(), []string{t.Symbol})
	h.recorder.OnTick(t)
}

func TestStalledHandlerDoesNotBlockVenueCalls(t *testing.T) {
	v, _ := readyVenue(t, Options{})
	h := &stalledHandler{v: v, release: make(chan struct{})}
	v.SetHandler(h)

	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for i := 0; i < 1100; i++ {
			v.PushTick(venue.Tick{Symbol: "rb2501", LastPrice: decimal.NewFromInt(int64(3600 + i))})
		}
	}()
	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		close(h.release)
		t.Fatal("PushTick blocked behind a stalled handler")
	}

	submitted := make(chan error, 1)
	go func() {
		_, err := v.SubmitOrder(context.Background(), limitOrder("GW01", 2))
		submitted <- err
	}()
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(h.release)
		t.Fatal("SubmitOrder blocked behind a stalled handler")
	}

	close(h.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, v.Sync(ctx))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.ticks, 1100)
	require.Len(t, h.orders, 1)
	assert.Equal(t, "GW01", h.orders[0].OrderRef)
}
