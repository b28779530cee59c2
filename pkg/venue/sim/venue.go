// Package sim is an in-process venue for local development and tests.
//
// It accepts every well-formed order, fills half of the requested volume (integer
// division, nothing when the volume is 1) and random-walks a price for each
// subscribed symbol. Events are delivered asynchronously, in order, from a single
// goroutine, the way a real venue calls back from its own thread.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"venue-gateway/pkg/venue"
)

// Op names a venue call that can be made to fail.
type Op string

const (
	OpConnectTrade      Op = "connect_trade"
	OpConnectMarketData Op = "connect_md"
	OpLoginTrade        Op = "login_trade"
	OpLoginMarketData   Op = "login_md"
	OpSubmit            Op = "submit"
	OpCancel            Op = "cancel"
	OpSubscribe         Op = "subscribe"
	OpUnsubscribe       Op = "unsubscribe"
)

var (
	ErrNotConnected = errors.New("sim: channel not connected")
	ErrNotLoggedIn  = errors.New("sim: channel not logged in")
	ErrUnknownOrder = errors.New("sim: unknown order")
	ErrOrderClosed  = errors.New("sim: order already closed")
)

// Options configures the simulated venue.
type Options struct {
	// TickInterval drives the random walk. Zero disables generated ticks.
	TickInterval time.Duration
	StartPrice   decimal.Decimal
	Step         decimal.Decimal
	Logger       *zap.Logger
}

type simOrder struct {
	venue.Order
	venueID string
	traded  int64
	closed  bool
}

// Venue implements venue.Gateway.
type Venue struct {
	opts Options
	log  *zap.Logger

	hmu     sync.RWMutex
	handler venue.EventHandler

	mu             sync.Mutex
	tradeConnected bool
	mdConnected    bool
	tradeLoggedIn  bool
	mdLoggedIn     bool
	prices         map[string]decimal.Decimal // subscribed symbol -> last price
	orders         map[string]*simOrder
	seq            int64
	faults         map[Op]error
	calls          map[Op]int
	rng            *rand.Rand
	stopTicks      context.CancelFunc

	// queue is unbounded so emit never blocks while mu is held.
	qmu   sync.Mutex
	queue []func(venue.EventHandler)
	wake  chan struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var _ venue.Gateway = (*Venue)(nil)

// New creates a simulated venue and starts its event pump. Call Shutdown to stop it.
func New(opts Options) *Venue {
	if opts.StartPrice.IsZero() {
		opts.StartPrice = decimal.NewFromInt(3500)
	}
	if opts.Step.IsZero() {
		opts.Step = decimal.NewFromInt(1)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	v := &Venue{
		opts:   opts,
		log:    opts.Logger.Named("sim"),
		prices: make(map[string]decimal.Decimal),
		orders: make(map[string]*simOrder),
		faults: make(map[Op]error),
		calls:  make(map[Op]int),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go v.pump()
	return v
}

// SetHandler installs the event receiver.
func (v *Venue) SetHandler(h venue.EventHandler) {
	v.hmu.Lock()
	v.handler = h
	v.hmu.Unlock()
}

// SetFault makes op fail with err until cleared with a nil err.
func (v *Venue) SetFault(op Op, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.faults, op)
		return
	}
	v.faults[op] = err
}

// Calls returns how many times op was invoked, failed calls included.
func (v *Venue) Calls(op Op) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

// Subscribed reports whether the symbol is subscribed upstream.
func (v *Venue) Subscribed(symbol string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.prices[symbol]
	return ok
}

func (v *Venue) ConnectTrade(ctx context.Context, front string) error {
	return v.connect(ctx, OpConnectTrade, &v.tradeConnected, front)
}

func (v *Venue) ConnectMarketData(ctx context.Context, front string) error {
	return v.connect(ctx, OpConnectMarketData, &v.mdConnected, front)
}

func (v *Venue) LoginTrade(ctx context.Context, creds venue.Credentials) error {
	return v.login(ctx, OpLoginTrade, &v.tradeLoggedIn, creds)
}

func (v *Venue) LoginMarketData(ctx context.Context, creds venue.Credentials) error {
	if err := v.login(ctx, OpLoginMarketData, &v.mdLoggedIn, creds); err != nil {
		return err
	}
	v.startTicks()
	return nil
}

func (v *Venue) connect(ctx context.Context, op Op, flag *bool, front string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(op); err != nil {
		return err
	}
	*flag = true
	v.log.Debug("front connected", zap.String("op", string(op)), zap.String("front", front))
	return nil
}

func (v *Venue) login(ctx context.Context, op Op, flag *bool, creds venue.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(op); err != nil {
		return err
	}
	connected := v.tradeConnected
	if op == OpLoginMarketData {
		connected = v.mdConnected
	}
	if !connected {
		return ErrNotConnected
	}
	*flag = true
	v.log.Debug("logged in", zap.String("op", string(op)), zap.String("user_id", creds.UserID))
	return nil
}

// SubmitOrder acknowledges the order and queues the acceptance report and the
// synthesized partial fill.
func (v *Venue) SubmitOrder(ctx context.Context, o venue.Order) (venue.Ack, error) {
	if err := ctx.Err(); err != nil {
		return venue.Ack{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpSubmit); err != nil {
		return venue.Ack{}, err
	}
	if !v.tradeLoggedIn {
		return venue.Ack{}, ErrNotLoggedIn
	}
	if o.Volume <= 0 {
		return venue.Ack{}, fmt.Errorf("sim: invalid volume %d", o.Volume)
	}

	v.seq++
	so := &simOrder{Order: o, venueID: fmt.Sprintf("SIM%08d", v.seq)}
	v.orders[o.OrderRef] = so

	accepted := venue.OrderReport{
		OrderRef:     o.OrderRef,
		VenueOrderID: so.venueID,
		Status:       venue.StatusSubmitted,
		Time:         time.Now(),
	}
	v.emit(func(h venue.EventHandler) { h.OnOrder(accepted) })

	if fill := o.Volume / 2; fill > 0 {
		v.fillLocked(so, fill, v.fillPrice(o))
	}
	return venue.Ack{OrderRef: o.OrderRef, VenueOrderID: so.venueID}, nil
}

// CancelOrder cancels the unfilled remainder and queues a CANCELLED report.
func (v *Venue) CancelOrder(ctx context.Context, orderRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpCancel); err != nil {
		return err
	}
	if !v.tradeLoggedIn {
		return ErrNotLoggedIn
	}
	so, ok := v.orders[orderRef]
	if !ok {
		return ErrUnknownOrder
	}
	if so.closed {
		return ErrOrderClosed
	}
	so.closed = true
	report := venue.OrderReport{
		OrderRef:     orderRef,
		VenueOrderID: so.venueID,
		Status:       venue.StatusCancelled,
		Time:         time.Now(),
	}
	v.emit(func(h venue.EventHandler) { h.OnOrder(report) })
	return nil
}

// Fill queues a further fill for an open order, capped at its remaining volume.
func (v *Venue) Fill(orderRef string, volume int64, price decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	so, ok := v.orders[orderRef]
	if !ok {
		return ErrUnknownOrder
	}
	if so.closed {
		return ErrOrderClosed
	}
	if remaining := so.Volume - so.traded; volume > remaining {
		volume = remaining
	}
	if volume <= 0 {
		return ErrOrderClosed
	}
	v.fillLocked(so, volume, price)
	return nil
}

// Reject closes an open order and queues a REJECTED report.
func (v *Venue) Reject(orderRef, message string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	so, ok := v.orders[orderRef]
	if !ok {
		return ErrUnknownOrder
	}
	if so.closed {
		return ErrOrderClosed
	}
	so.closed = true
	report := venue.OrderReport{
		OrderRef:     orderRef,
		VenueOrderID: so.venueID,
		Status:       venue.StatusRejected,
		Message:      message,
		Time:         time.Now(),
	}
	v.emit(func(h venue.EventHandler) { h.OnOrder(report) })
	return nil
}

func (v *Venue) fillLocked(so *simOrder, volume int64, price decimal.Decimal) {
	so.traded += volume
	if so.traded >= so.Volume {
		so.closed = true
	}
	trade := venue.TradeReport{
		TradeID:   uuid.NewString(),
		OrderRef:  so.OrderRef,
		Symbol:    so.Symbol,
		Direction: so.Direction,
		Offset:    so.Offset,
		Price:     price,
		Volume:    volume,
		Time:      time.Now(),
	}
	v.emit(func(h venue.EventHandler) { h.OnTrade(trade) })
}

func (v *Venue) fillPrice(o venue.Order) decimal.Decimal {
	if o.Type == venue.OrderTypeLimit && o.LimitPrice.IsPositive() {
		return o.LimitPrice
	}
	if p, ok := v.prices[o.Symbol]; ok {
		return p
	}
	return v.opts.StartPrice
}

func (v *Venue) Subscribe(ctx context.Context, symbols []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpSubscribe); err != nil {
		return err
	}
	if !v.mdLoggedIn {
		return ErrNotLoggedIn
	}
	for _, s := range symbols {
		if _, ok := v.prices[s]; !ok {
			v.prices[s] = v.opts.StartPrice
		}
	}
	return nil
}

func (v *Venue) Unsubscribe(ctx context.Context, symbols []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpUnsubscribe); err != nil {
		return err
	}
	if !v.mdLoggedIn {
		return ErrNotLoggedIn
	}
	for _, s := range symbols {
		delete(v.prices, s)
	}
	return nil
}

// PushTick queues a tick as if the venue had published it.
func (v *Venue) PushTick(t venue.Tick) {
	if t.UpdateTime.IsZero() {
		t.UpdateTime = time.Now()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emit(func(h venue.EventHandler) { h.OnTick(t) })
}

// Drop simulates the venue losing a channel and queues a disconnect error.
func (v *Venue) Drop(ch venue.Channel) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ch == venue.ChannelTrade {
		v.tradeConnected, v.tradeLoggedIn = false, false
	} else {
		v.mdConnected, v.mdLoggedIn = false, false
		v.stopTicksLocked()
	}
	e := venue.Error{Channel: ch, Code: venue.CodeDisconnected, Message: "front disconnected", Time: time.Now()}
	v.emit(func(h venue.EventHandler) { h.OnError(e) })
}

// Close logs out of both channels and forgets orders and subscriptions.
func (v *Venue) Close(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tradeConnected, v.mdConnected = false, false
	v.tradeLoggedIn, v.mdLoggedIn = false, false
	v.stopTicksLocked()
	v.prices = make(map[string]decimal.Decimal)
	v.orders = make(map[string]*simOrder)
	return nil
}

// Sync blocks until every event queued before the call has been delivered.
func (v *Venue) Sync(ctx context.Context) error {
	marker := make(chan struct{})
	v.emit(func(venue.EventHandler) { close(marker) })
	select {
	case <-marker:
		return nil
	case <-v.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the tick loop and the event pump. Queued events are dropped.
func (v *Venue) Shutdown() {
	v.once.Do(func() {
		v.mu.Lock()
		v.stopTicksLocked()
		v.mu.Unlock()
		close(v.stop)
		<-v.done
	})
}

// enter counts the call and returns the injected fault, if any. Caller holds mu.
func (v *Venue) enter(op Op) error {
	v.calls[op]++
	return v.faults[op]
}

// emit queues an event for the pump. Callers hold mu so queue order matches the
// order of state changes; emit itself never blocks and the pump never takes mu.
func (v *Venue) emit(fn func(venue.EventHandler)) {
	v.qmu.Lock()
	v.queue = append(v.queue, fn)
	v.qmu.Unlock()
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

func (v *Venue) pump() {
	defer close(v.done)
	for {
		select {
		case <-v.stop:
			return
		case <-v.wake:
		}
		for {
			v.qmu.Lock()
			batch := v.queue
			v.queue = nil
			v.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				select {
				case <-v.stop:
					return
				default:
				}
				v.hmu.RLock()
				h := v.handler
				v.hmu.RUnlock()
				if h == nil {
					h = nopHandler{}
				}
				fn(h)
			}
		}
	}
}

func (v *Venue) startTicks() {
	if v.opts.TickInterval <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopTicksLocked()
	ctx, cancel := context.WithCancel(context.Background())
	v.stopTicks = cancel
	go v.tickLoop(ctx)
}

func (v *Venue) stopTicksLocked() {
	if v.stopTicks != nil {
		v.stopTicks()
		v.stopTicks = nil
	}
}

func (v *Venue) tickLoop(ctx context.Context) {
	t := time.NewTicker(v.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stop:
			return
		case <-t.C:
			v.walk()
		}
	}
}

// walk moves every subscribed price by a random step and publishes a tick.
func (v *Venue) walk() {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	for sym, price := range v.prices {
		delta := v.opts.Step.Mul(decimal.NewFromFloat(v.rng.Float64()*2 - 1)).Round(2)
		price = price.Add(delta)
		if !price.IsPositive() {
			price = v.opts.Step
		}
		v.prices[sym] = price
		tick := venue.Tick{
			Symbol:     sym,
			LastPrice:  price,
			Volume:     int64(v.rng.Intn(50) + 1),
			BidPrice:   price.Sub(v.opts.Step),
			BidVolume:  int64(v.rng.Intn(20) + 1),
			AskPrice:   price.Add(v.opts.Step),
			AskVolume:  int64(v.rng.Intn(20) + 1),
			TradingDay: now.Format("20060102"),
			UpdateTime: now,
		}
		v.emit(func(h venue.EventHandler) { h.OnTick(tick) })
	}
}

type nopHandler struct{}

func (nopHandler) OnTick(venue.Tick)         {}
func (nopHandler) OnOrder(venue.OrderReport) {}
func (nopHandler) OnTrade(venue.TradeReport) {}
func (nopHandler) OnError(venue.Error)       {}
