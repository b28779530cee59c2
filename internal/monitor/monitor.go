// Package monitor exports gateway metrics and raises alerts on venue trouble.
package monitor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"venue-gateway/internal/events"
	"venue-gateway/pkg/venue"
)

// Monitor watches dispatched venue events, counts them and emits alerts.
type Monitor struct {
	Metrics *Metrics
	Sink    AlertSink
	log     *zap.Logger
}

// New creates a Monitor. A nil sink disables alerts.
func New(m *Metrics, sink AlertSink, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{Metrics: m, Sink: sink, log: log.Named("monitor")}
}

// Attach registers the monitor's handlers on d and counts failed handlers.
func (m *Monitor) Attach(d *events.Dispatcher) {
	d.OnHandlerFailure = m.Metrics.HandlerFailed
	d.OnTick(func(venue.Tick) error {
		m.Metrics.ObserveTick()
		return nil
	})
	d.OnOrder(func(r venue.OrderReport) error {
		m.Metrics.ObserveOrderReport(r.Status)
		return nil
	})
	d.OnTrade(func(venue.TradeReport) error {
		m.Metrics.ObserveTrade()
		return nil
	})
	d.OnError(m.handleError)
}

func (m *Monitor) handleError(e venue.Error) error {
	m.Metrics.ObserveVenueError(e.Channel)
	if e.Code != venue.CodeDisconnected {
		return nil
	}
	return m.alert(fmt.Sprintf("%s channel disconnected: %s", e.Channel, e.Message))
}

func (m *Monitor) alert(msg string) error {
	if m.Sink == nil {
		return nil
	}
	if err := m.Sink.Send(formatAlert(msg)); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

func formatAlert(msg string) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + msg
}
