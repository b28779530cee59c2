// Package events routes asynchronous venue events to the components that consume them.
package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"venue-gateway/pkg/venue"
)

// Kind enumerates the event kinds a venue produces.
type Kind string

const (
	KindTick  Kind = "tick"
	KindOrder Kind = "order_update"
	KindTrade Kind = "trade"
	KindError Kind = "error"
)

// HandlerID identifies a registered handler so it can be removed with Off.
type HandlerID uint64

type entry[T any] struct {
	id HandlerID
	fn func(T) error
}

// Dispatcher keeps typed handler lists per event kind and invokes them in
// registration order. A handler that fails or panics is logged and skipped; the
// remaining handlers still run and the caller of a Dispatch method never sees the
// failure.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID HandlerID
	ticks  []entry[venue.Tick]
	orders []entry[venue.OrderReport]
	trades []entry[venue.TradeReport]
	errors []entry[venue.Error]

	log *zap.Logger

	// OnHandlerFailure, when set, is called once per failed handler invocation.
	OnHandlerFailure func(kind Kind)
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log.Named("events")}
}

func (d *Dispatcher) OnTick(fn func(venue.Tick) error) HandlerID {
	return add(d, &d.ticks, fn)
}

func (d *Dispatcher) OnOrder(fn func(venue.OrderReport) error) HandlerID {
	return add(d, &d.orders, fn)
}

func (d *Dispatcher) OnTrade(fn func(venue.TradeReport) error) HandlerID {
	return add(d, &d.trades, fn)
}

func (d *Dispatcher) OnError(fn func(venue.Error) error) HandlerID {
	return add(d, &d.errors, fn)
}

// Off removes a handler. Unknown ids are ignored.
func (d *Dispatcher) Off(id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ticks = remove(d.ticks, id)
	d.orders = remove(d.orders, id)
	d.trades = remove(d.trades, id)
	d.errors = remove(d.errors, id)
}

func (d *Dispatcher) DispatchTick(t venue.Tick) {
	d.mu.RLock()
	list := d.ticks
	d.mu.RUnlock()
	run(d, KindTick, list, t)
}

func (d *Dispatcher) DispatchOrder(r venue.OrderReport) {
	d.mu.RLock()
	list := d.orders
	d.mu.RUnlock()
	run(d, KindOrder, list, r)
}

func (d *Dispatcher) DispatchTrade(r venue.TradeReport) {
	d.mu.RLock()
	list := d.trades
	d.mu.RUnlock()
	run(d, KindTrade, list, r)
}

func (d *Dispatcher) DispatchError(e venue.Error) {
	d.mu.RLock()
	list := d.errors
	d.mu.RUnlock()
	run(d, KindError, list, e)
}

// Sink adapts the dispatcher to venue.EventHandler so it can be installed on a
// venue.Gateway.
func (d *Dispatcher) Sink() venue.EventHandler { return sink{d} }

type sink struct{ d *Dispatcher }

func (s sink) OnTick(t venue.Tick)         { s.d.DispatchTick(t) }
func (s sink) OnOrder(r venue.OrderReport) { s.d.DispatchOrder(r) }
func (s sink) OnTrade(r venue.TradeReport) { s.d.DispatchTrade(r) }
func (s sink) OnError(e venue.Error)       { s.d.DispatchError(e) }

func add[T any](d *Dispatcher, list *[]entry[T], fn func(T) error) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	// Copy on write: dispatchers iterate over a snapshot without holding the lock.
	next := make([]entry[T], len(*list), len(*list)+1)
	copy(next, *list)
	*list = append(next, entry[T]{id: id, fn: fn})
	return id
}

func remove[T any](list []entry[T], id HandlerID) []entry[T] {
	for i, e := range list {
		if e.id == id {
			next := make([]entry[T], 0, len(list)-1)
			next = append(next, list[:i]...)
			return append(next, list[i+1:]...)
		}
	}
	return list
}

func run[T any](d *Dispatcher, kind Kind, list []entry[T], payload T) {
	for _, e := range list {
		if err := invoke(e.fn, payload); err != nil {
			d.log.Warn("event handler failed",
				zap.String("kind", string(kind)),
				zap.Uint64("handler", uint64(e.id)),
				zap.Error(err))
			if d.OnHandlerFailure != nil {
				d.OnHandlerFailure(kind)
			}
		}
	}
}

func invoke[T any](fn func(T) error, payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(payload)
}
