package monitor

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-gateway/internal/events"
	"venue-gateway/internal/gateway"
	"venue-gateway/pkg/venue"
)

type memSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *memSink) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestMonitorCountsAndAlerts(t *testing.T) {
	m := NewMetrics()
	sink := &memSink{}
	d := events.NewDispatcher(nil)
	New(m, sink, nil).Attach(d)
	d.OnTick(func(venue.Tick) error { return errors.New("consumer broke") })

	d.DispatchTick(venue.Tick{Symbol: "rb2405"})
	d.DispatchTick(venue.Tick{Symbol: "rb2405"})
	d.DispatchOrder(venue.OrderReport{Status: venue.StatusCancelled})
	d.DispatchTrade(venue.TradeReport{})
	d.DispatchError(venue.Error{Channel: venue.ChannelTrade, Code: 42, Message: "bad price"})
	d.DispatchError(venue.Error{Channel: venue.ChannelMarketData, Code: venue.CodeDisconnected, Message: "front closed"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trades))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orderReports.WithLabelValues("CANCELLED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.handlerFailures.WithLabelValues(string(events.KindTick))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.venueErrors.WithLabelValues("md")))

	require.Len(t, sink.msgs, 1)
	assert.Contains(t, sink.msgs[0], "md channel disconnected: front closed")
}

func TestScrapeIncludesSources(t *testing.T) {
	m := NewMetrics()
	m.RegisterSources(Sources{
		Status:        func() gateway.Status { return gateway.Status{TradeConnected: true, TradeLoggedIn: true, OrderCount: 3} },
		Sessions:      func() int { return 2 },
		ActiveSymbols: func() int { return 5 },
	})
	m.ObserveSubmit(0, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"venue_gateway_ready 0",
		"venue_gateway_trade_ready 1",
		"venue_gateway_session_orders 3",
		"venue_gateway_client_sessions 2",
		"venue_gateway_active_symbols 5",
		`venue_gateway_order_submits_total{result="ok"} 1`,
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}
	assert.Equal(t, 1, m.GetSnapshot().SubmitLatency.Count)
}

func TestLatencyStats(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{5, 1, 3, 9} {
		h.Record(v)
	}
	s := h.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.Equal(t, 3.0, s.P50)

	timer := NewTimer(h)
	assert.GreaterOrEqual(t, timer.Stop().Nanoseconds(), int64(0))
	assert.Equal(t, 3, h.Stats().Count)
}
