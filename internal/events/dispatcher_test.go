package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-gateway/pkg/venue"
)

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(nil)
	var got []int
	d.OnTick(func(venue.Tick) error { got = append(got, 1); return nil })
	d.OnTick(func(venue.Tick) error { got = append(got, 2); return nil })
	d.OnTick(func(venue.Tick) error { got = append(got, 3); return nil })

	d.DispatchTick(venue.Tick{Symbol: "rb2501"})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestFailingHandlerDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher(nil)
	var failures []Kind
	d.OnHandlerFailure = func(k Kind) { failures = append(failures, k) }

	var reached []string
	d.OnOrder(func(venue.OrderReport) error { return errors.New("boom") })
	d.OnOrder(func(venue.OrderReport) error { panic("bad handler") })
	d.OnOrder(func(r venue.OrderReport) error { reached = append(reached, r.OrderRef); return nil })

	require.NotPanics(t, func() {
		d.DispatchOrder(venue.OrderReport{OrderRef: "GW000001"})
	})
	assert.Equal(t, []string{"GW000001"}, reached)
	assert.Equal(t, []Kind{KindOrder, KindOrder}, failures)
}

func TestOffRemovesHandler(t *testing.T) {
	d := NewDispatcher(nil)
	removed, kept := 0, 0
	id := d.OnTrade(func(venue.TradeReport) error { removed++; return nil })
	d.OnTrade(func(venue.TradeReport) error { kept++; return nil })

	d.Off(id)
	d.Off(HandlerID(9999))
	d.DispatchTrade(venue.TradeReport{OrderRef: "GW000001", Volume: 1})

	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, kept)
}

func TestSinkRoutesByKind(t *testing.T) {
	d := NewDispatcher(nil)
	var (
		ticks  []venue.Tick
		errs   []venue.Error
		trades []venue.TradeReport
	)
	d.OnTick(func(tk venue.Tick) error { ticks = append(ticks, tk); return nil })
	d.OnError(func(e venue.Error) error { errs = append(errs, e); return nil })
	d.OnTrade(func(r venue.TradeReport) error { trades = append(trades, r); return nil })

	sink := d.Sink()
	sink.OnTick(venue.Tick{Symbol: "rb2501", LastPrice: decimal.NewFromInt(3500)})
	sink.OnError(venue.Error{Channel: venue.ChannelTrade, Code: 22, Message: "duplicate"})
	sink.OnOrder(venue.OrderReport{OrderRef: "unrouted"})

	require.Len(t, ticks, 1)
	assert.Equal(t, "rb2501", ticks[0].Symbol)
	require.Len(t, errs, 1)
	assert.Equal(t, 22, errs[0].Code)
	assert.Empty(t, trades)
}

func TestRegistrationDuringDispatch(t *testing.T) {
	d := NewDispatcher(nil)
	var (
		wg    sync.WaitGroup
		base  atomic.Int64
		extra atomic.Int64
	)
	d.OnTick(func(venue.Tick) error { base.Add(1); return nil })

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.DispatchTick(venue.Tick{Symbol: "au2512"})
			}
		}()
		go func() {
			defer wg.Done()
			id := d.OnTick(func(venue.Tick) error { extra.Add(1); return nil })
			d.Off(id)
		}()
	}
	wg.Wait()

	before := extra.Load()
	d.DispatchTick(venue.Tick{Symbol: "au2512"})
	assert.Equal(t, int64(801), base.Load())
	assert.Equal(t, before, extra.Load())
}
