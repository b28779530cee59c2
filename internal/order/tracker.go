// Package order tracks orders from submission to a terminal status and records
// their fills.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"venue-gateway/internal/orderref"
	"venue-gateway/pkg/db"
	"venue-gateway/pkg/errs"
	"venue-gateway/pkg/venue"
)

// Outbound message types published to the owning user.
const (
	MsgOrderUpdate = "order_update"
	MsgTradeUpdate = "trade_update"
)

// Store persists orders, trades and positions.
type Store interface {
	CreateOrder(ctx context.Context, o db.Order) error
	UpdateOrder(ctx context.Context, userID, orderRef string, u db.OrderUpdate) error
	FindOrder(ctx context.Context, userID, orderRef string) (*db.Order, error)
	CreateTrade(ctx context.Context, t db.Trade) error
	FindOrders(ctx context.Context, userID string, f db.OrderFilter) ([]db.Order, error)
	FindTrades(ctx context.Context, userID string, f db.TradeFilter) ([]db.Trade, error)
	FindPositions(ctx context.Context, userID string) ([]db.Position, error)
}

// Connection is the part of the connection manager the tracker needs.
type Connection interface {
	TradeReady() bool
	RecordOrder()
	RecordTrade()
}

// Notifier delivers a message to every session of a user.
type Notifier interface {
	Publish(ctx context.Context, userID, msgType string, data any)
}

// Options wires a Tracker.
type Options struct {
	Allocator *orderref.Allocator
	Conn      Connection
	Venue     venue.Gateway
	Store     Store
	Notifier  Notifier
	// Limiter paces submissions to the venue. Nil disables pacing.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

type key struct {
	userID string
	ref    string
}

// Tracker owns the in-memory order table for the current connection session.
type Tracker struct {
	mu     sync.Mutex
	orders map[key]*Order
	owner  map[string]key      // order ref -> table key
	seen   map[string]struct{} // applied trade ids

	alloc    *orderref.Allocator
	conn     Connection
	venue    venue.Gateway
	store    Store
	notify   Notifier
	limiter  *rate.Limiter
	validate *Validator
	log      *zap.Logger
}

// NewTracker creates a tracker with an empty order table.
func NewTracker(opts Options) *Tracker {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		orders:   make(map[key]*Order),
		owner:    make(map[string]key),
		seen:     make(map[string]struct{}),
		alloc:    opts.Allocator,
		conn:     opts.Conn,
		venue:    opts.Venue,
		store:    opts.Store,
		notify:   opts.Notifier,
		limiter:  opts.Limiter,
		validate: NewValidator(),
		log:      log.Named("order"),
	}
}

// Submit sends a new order to the venue. On failure no order row is left behind
// and the order is dropped from the table.
func (t *Tracker) Submit(ctx context.Context, req Request, userID string) (Order, error) {
	if !t.conn.TradeReady() {
		return Order{}, &errs.OrderError{Op: "submit", Err: errs.ErrNotReady}
	}
	if userID == "" {
		return Order{}, &errs.OrderError{Op: "submit", Err: errs.ErrInvalidRequest}
	}
	if err := t.validate.Validate(req); err != nil {
		return Order{}, &errs.OrderError{Op: "submit", Err: err}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return Order{}, &errs.OrderError{Op: "submit", Err: err}
		}
	}

	now := time.Now()
	o := &Order{
		UserID:          userID,
		OrderRef:        t.alloc.Next(),
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		Direction:       req.Direction,
		Offset:          req.Offset,
		Type:            req.Type,
		LimitPrice:      req.LimitPrice,
		StopPrice:       req.StopPrice,
		Volume:          req.Volume,
		RemainingVolume: req.Volume,
		Status:          venue.StatusSubmitting,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	k := key{userID: userID, ref: o.OrderRef}

	t.mu.Lock()
	t.orders[k] = o
	t.owner[o.OrderRef] = k
	vo := o.venueOrder()
	t.mu.Unlock()

	ack, err := t.venue.SubmitOrder(ctx, vo)
	if err != nil {
		t.drop(k)
		t.log.Warn("order submit failed", zap.String("order_ref", k.ref), zap.Error(err))
		return Order{}, &errs.OrderError{Op: "submit", OrderRef: k.ref, Err: err}
	}
	if !t.conn.TradeReady() {
		t.drop(k)
		return Order{}, &errs.OrderError{Op: "submit", OrderRef: k.ref, Err: errs.ErrNotReady}
	}

	t.mu.Lock()
	if ack.VenueOrderID != "" {
		o.VenueOrderID = ack.VenueOrderID
	}
	// A rejection may already have arrived; it stays.
	if o.Status == venue.StatusSubmitting {
		o.Status = venue.StatusSubmitted
	}
	o.UpdatedAt = time.Now()
	rec := o.record()
	t.mu.Unlock()

	if err := t.store.CreateOrder(ctx, rec); err != nil {
		t.drop(k)
		if cerr := t.venue.CancelOrder(context.WithoutCancel(ctx), k.ref); cerr != nil {
			t.log.Warn("cancel after failed persist", zap.String("order_ref", k.ref), zap.Error(cerr))
		}
		return Order{}, &errs.OrderError{Op: "submit", OrderRef: k.ref, Err: err}
	}
	t.conn.RecordOrder()

	t.mu.Lock()
	o.stored = true
	pending := o.pending
	o.pending = nil
	snap := o.snapshot()
	catchUp, changed := o.updateSince(rec)
	t.mu.Unlock()

	// A report that landed while the row was being written only changed memory.
	if changed {
		if err := t.store.UpdateOrder(ctx, userID, k.ref, catchUp); err != nil {
			t.log.Error("persist order report", zap.String("order_ref", k.ref), zap.Error(err))
		}
	}

	t.log.Info("order submitted",
		zap.String("order_ref", snap.OrderRef),
		zap.String("user_id", userID),
		zap.String("symbol", snap.Symbol),
		zap.Int64("volume", snap.Volume))
	t.publish(ctx, userID, MsgOrderUpdate, snap)

	for _, tr := range pending {
		if err := t.applyTrade(ctx, tr); err != nil {
			t.log.Error("apply buffered fill", zap.String("order_ref", k.ref), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		if cur, ok := t.Get(userID, k.ref); ok {
			return cur, nil
		}
	}
	return snap, nil
}

// Cancel cancels an order owned by userID. Only SUBMITTED and PARTIAL_FILLED
// orders may be cancelled.
func (t *Tracker) Cancel(ctx context.Context, orderRef, userID string) error {
	if !t.conn.TradeReady() {
		return &errs.OrderError{Op: "cancel", OrderRef: orderRef, Err: errs.ErrNotReady}
	}
	k := key{userID: userID, ref: orderRef}

	t.mu.Lock()
	o, inMemory := t.orders[k]
	var status venue.OrderStatus
	if inMemory {
		status = o.Status
	}
	t.mu.Unlock()

	if !inMemory {
		rec, err := t.store.FindOrder(ctx, userID, orderRef)
		if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrUserIDRequired) {
			return &errs.OrderError{Op: "cancel", OrderRef: orderRef, Err: errs.ErrOrderNotFound}
		}
		if err != nil {
			return &errs.OrderError{Op: "cancel", OrderRef: orderRef, Err: err}
		}
		status = venue.OrderStatus(rec.Status)
	}
	if !Cancellable(status) {
		return &errs.OrderError{Op: "cancel", OrderRef: orderRef, Err: errs.ErrInvalidState}
	}

	if err := t.venue.CancelOrder(ctx, orderRef); err != nil {
		return &errs.OrderError{Op: "cancel", OrderRef: orderRef, Err: err}
	}
	if !t.conn.TradeReady() {
		return &errs.OrderError{Op: "cancel", OrderRef: orderRef, Err: errs.ErrNotReady}
	}

	now := time.Now()
	var snap Order
	if inMemory {
		t.mu.Lock()
		if !CanTransition(o.Status, venue.StatusCancelled) {
			t.mu.Unlock()
			return &errs.OrderError{Op: "cancel", OrderRef: orderRef, Err: errs.ErrInvalidState}
		}
		o.Status = venue.StatusCancelled
		o.CancelTime = &now
		o.UpdatedAt = now
		snap = o.snapshot()
		t.mu.Unlock()
	}

	cancelled := string(venue.StatusCancelled)
	if err := t.store.UpdateOrder(ctx, userID, orderRef, db.OrderUpdate{Status: &cancelled, CancelTime: &now}); err != nil {
		return &errs.OrderError{Op: "cancel", OrderRef: orderRef, Err: err}
	}
	t.log.Info("order cancelled", zap.String("order_ref", orderRef), zap.String("user_id", userID))
	if inMemory {
		t.publish(ctx, userID, MsgOrderUpdate, snap)
	}
	return nil
}

// Get returns an order from the in-memory table.
func (t *Tracker) Get(userID, orderRef string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[key{userID: userID, ref: orderRef}]
	if !ok {
		return Order{}, false
	}
	return o.snapshot(), true
}

// QueryOrders returns the user's stored orders, newest first.
func (t *Tracker) QueryOrders(ctx context.Context, userID string, f db.OrderFilter) ([]db.Order, error) {
	return t.store.FindOrders(ctx, userID, f)
}

// QueryTrades returns the user's stored trades, newest first.
func (t *Tracker) QueryTrades(ctx context.Context, userID string, f db.TradeFilter) ([]db.Trade, error) {
	return t.store.FindTrades(ctx, userID, f)
}

// QueryPositions returns the user's open positions.
func (t *Tracker) QueryPositions(ctx context.Context, userID string) ([]db.Position, error) {
	return t.store.FindPositions(ctx, userID)
}

// Reset clears the in-memory table. Stored orders are unaffected.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.orders = make(map[key]*Order)
	t.owner = make(map[string]key)
	t.seen = make(map[string]struct{})
	t.mu.Unlock()
}

// HandleOrderReport applies an asynchronous order status report.
func (t *Tracker) HandleOrderReport(r venue.OrderReport) error {
	ctx := context.Background()

	t.mu.Lock()
	k, ok := t.owner[r.OrderRef]
	if !ok {
		t.mu.Unlock()
		t.log.Debug("report for unknown order", zap.String("order_ref", r.OrderRef))
		return nil
	}
	o := t.orders[k]

	var u db.OrderUpdate
	switch r.Status {
	case venue.StatusSubmitted:
		if r.VenueOrderID == "" || r.VenueOrderID == o.VenueOrderID {
			t.mu.Unlock()
			return nil
		}
		o.VenueOrderID = r.VenueOrderID
		u.VenueOrderID = &r.VenueOrderID
	case venue.StatusCancelled, venue.StatusRejected:
		if !CanTransition(o.Status, r.Status) {
			t.mu.Unlock()
			return nil
		}
		now := time.Now()
		o.Status = r.Status
		o.StatusMessage = r.Message
		o.UpdatedAt = now
		status := string(r.Status)
		u.Status = &status
		u.StatusMessage = &r.Message
		if r.Status == venue.StatusCancelled {
			o.CancelTime = &now
			u.CancelTime = &now
		}
	default:
		// Fill progress is driven by trade reports.
		t.mu.Unlock()
		return nil
	}
	stored := o.stored
	snap := o.snapshot()
	t.mu.Unlock()

	if !stored {
		// Submit persists the current status once the row is written.
		return nil
	}
	if err := t.store.UpdateOrder(ctx, k.userID, k.ref, u); err != nil {
		t.log.Error("persist order report", zap.String("order_ref", k.ref), zap.Error(err))
		return err
	}
	if u.Status != nil {
		t.log.Info("order status from venue",
			zap.String("order_ref", k.ref),
			zap.String("status", string(snap.Status)),
			zap.String("message", snap.StatusMessage))
		t.publish(ctx, k.userID, MsgOrderUpdate, snap)
	}
	return nil
}

// HandleTradeReport applies one fill. A storage failure is returned after the fill
// has been applied in memory and published, so the stored row lags the live order
// until the next update for it succeeds.
func (t *Tracker) HandleTradeReport(r venue.TradeReport) error {
	return t.applyTrade(context.Background(), r)
}

// HandleVenueError rejects the order an order-scoped venue error refers to.
func (t *Tracker) HandleVenueError(e venue.Error) error {
	if e.OrderRef == "" {
		return nil
	}
	return t.HandleOrderReport(venue.OrderReport{
		OrderRef: e.OrderRef,
		Status:   venue.StatusRejected,
		Message:  e.Message,
		Time:     e.Time,
	})
}

func (t *Tracker) applyTrade(ctx context.Context, r venue.TradeReport) error {
	t.mu.Lock()
	k, ok := t.owner[r.OrderRef]
	if !ok {
		t.mu.Unlock()
		t.log.Warn("trade for unknown order", zap.String("order_ref", r.OrderRef))
		return nil
	}
	o := t.orders[k]
	if !o.stored {
		o.pending = append(o.pending, r)
		t.mu.Unlock()
		return nil
	}
	if r.TradeID == "" {
		r.TradeID = uuid.NewString()
	}
	if _, dup := t.seen[r.TradeID]; dup {
		t.mu.Unlock()
		return nil
	}

	vol := min(r.Volume, o.RemainingVolume)
	next := venue.StatusPartialFilled
	if o.RemainingVolume-vol == 0 {
		next = venue.StatusAllFilled
	}
	if vol <= 0 || !CanTransition(o.Status, next) {
		t.mu.Unlock()
		t.log.Warn("fill ignored",
			zap.String("order_ref", k.ref),
			zap.String("status", string(o.Status)),
			zap.Int64("volume", r.Volume))
		return nil
	}
	t.seen[r.TradeID] = struct{}{}

	now := time.Now()
	o.TradedVolume += vol
	o.RemainingVolume -= vol
	o.Status = next
	o.UpdatedAt = now
	snap := o.snapshot()
	if r.Time.IsZero() {
		r.Time = now
	}
	trade := Trade{
		TradeID:   r.TradeID,
		UserID:    k.userID,
		OrderRef:  k.ref,
		Symbol:    o.Symbol,
		Direction: o.Direction,
		Offset:    o.Offset,
		Price:     r.Price,
		Volume:    vol,
		TradeTime: r.Time,
	}
	t.mu.Unlock()

	var persistErr error
	if err := t.store.CreateTrade(ctx, trade.record()); err != nil {
		t.log.Error("persist trade", zap.String("trade_id", trade.TradeID), zap.Error(err))
		persistErr = fmt.Errorf("persist trade %s: %w", trade.TradeID, err)
	}
	status := string(snap.Status)
	if err := t.store.UpdateOrder(ctx, k.userID, k.ref, db.OrderUpdate{
		Status:          &status,
		TradedVolume:    &snap.TradedVolume,
		RemainingVolume: &snap.RemainingVolume,
	}); err != nil {
		t.log.Error("persist fill", zap.String("order_ref", k.ref), zap.Error(err))
		persistErr = errors.Join(persistErr, fmt.Errorf("persist fill %s: %w", k.ref, err))
	}
	t.conn.RecordTrade()

	t.log.Info("order filled",
		zap.String("order_ref", k.ref),
		zap.Int64("volume", vol),
		zap.String("price", trade.Price.String()),
		zap.String("status", status))
	t.publish(ctx, k.userID, MsgTradeUpdate, trade)
	t.publish(ctx, k.userID, MsgOrderUpdate, snap)
	return persistErr
}

func (t *Tracker) drop(k key) {
	t.mu.Lock()
	delete(t.orders, k)
	if t.owner[k.ref] == k {
		delete(t.owner, k.ref)
	}
	t.mu.Unlock()
}

func (t *Tracker) publish(ctx context.Context, userID, msgType string, data any) {
	if t.notify == nil {
		return
	}
	t.notify.Publish(ctx, userID, msgType, data)
}
