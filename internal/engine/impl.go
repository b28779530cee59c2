package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"venue-gateway/internal/events"
	"venue-gateway/internal/gateway"
	"venue-gateway/internal/market"
	"venue-gateway/internal/monitor"
	"venue-gateway/internal/order"
	"venue-gateway/internal/orderref"
	"venue-gateway/internal/session"
	"venue-gateway/pkg/config"
	"venue-gateway/pkg/db"
	"venue-gateway/pkg/venue"
)

// Impl implements Service by composing the gateway components. It is built once
// at start-up and owns every component for the life of the process.
type Impl struct {
	Dispatcher *events.Dispatcher
	Manager    *gateway.Manager
	Allocator  *orderref.Allocator
	Tracker    *order.Tracker
	Market     *market.Registry
	Sessions   *session.Registry
	WS         *session.Handler
	Metrics    *monitor.Metrics
	Monitor    *monitor.Monitor

	venue     venue.Gateway
	db        *db.Database
	venueMode string
	startedAt time.Time
	log       *zap.Logger
}

var _ Service = (*Impl)(nil)

// Config holds the collaborators for creating an engine. Venue and DB are built
// from App when nil.
type Config struct {
	App    *config.Config
	Venue  venue.Gateway
	DB     *db.Database
	Alerts monitor.AlertSink
	Logger *zap.Logger
}

// NewImpl builds the components and wires venue events to their handlers.
func NewImpl(cfg Config) (*Impl, error) {
	app := cfg.App
	if app == nil {
		def := config.Default()
		app = &def
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	database := cfg.DB
	if database == nil {
		var err error
		if database, err = db.New(app.DBPath); err != nil {
			return nil, err
		}
	}
	if err := db.ApplyMigrations(database); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	gw := cfg.Venue
	if gw == nil {
		var err error
		if gw, err = gateway.NewVenue(app, log); err != nil {
			return nil, err
		}
	}

	e := &Impl{
		venue:     gw,
		db:        database,
		venueMode: app.Venue.Mode,
		startedAt: time.Now(),
		log:       log.Named("engine"),
	}

	e.Dispatcher = events.NewDispatcher(log)
	e.Manager = gateway.NewManager(gateway.ConfigFrom(app), gw, log)
	e.Allocator = orderref.New(app.OrderRefPrefix, app.OrderRefBase, app.OrderRefMax)
	e.Metrics = monitor.NewMetrics()
	e.Monitor = monitor.New(e.Metrics, cfg.Alerts, log)

	e.Market = market.NewRegistry(market.Options{
		Upstream:   gw,
		Conn:       e.Manager,
		MaxSymbols: app.MaxSubscriptions,
		Logger:     log,
	})
	e.Sessions = session.NewRegistry(session.Options{
		Market: e.Market,
		Logger: log,
		OnDrop: e.Metrics.SessionDropped,
	})

	var limiter *rate.Limiter
	if app.OrderRatePerSec > 0 {
		burst := app.OrderBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(app.OrderRatePerSec), burst)
	}
	e.Tracker = order.NewTracker(order.Options{
		Allocator: e.Allocator,
		Conn:      e.Manager,
		Venue:     gw,
		Store:     database.Store(),
		Notifier:  e.Sessions,
		Limiter:   limiter,
		Logger:    log,
	})
	e.WS = session.NewHandler(e.Sessions, e.Market, func() any { return e.Manager.Status() }, log)

	e.Metrics.RegisterSources(monitor.Sources{
		Status:        e.Manager.Status,
		Sessions:      e.Sessions.Count,
		ActiveSymbols: func() int { return len(e.Market.ActiveSymbols()) },
	})

	e.wire()
	return e, nil
}

// wire connects venue events and connection lifecycle hooks to the components.
func (e *Impl) wire() {
	d := e.Dispatcher
	e.Monitor.Attach(d)

	d.OnOrder(e.Tracker.HandleOrderReport)
	d.OnTrade(e.Tracker.HandleTradeReport)
	d.OnError(e.Manager.HandleError)
	d.OnError(e.Tracker.HandleVenueError)
	d.OnTick(e.Sessions.HandleTick)

	e.Manager.OnReady(func(ctx context.Context) {
		if err := e.Market.Resubscribe(ctx); err != nil {
			e.log.Error("replay subscriptions failed", zap.Error(err))
		}
	})
	e.Manager.OnReset(func() {
		e.Tracker.Reset()
		e.Market.Reset()
		e.db.Release()
	})

	e.venue.SetHandler(d.Sink())
}

// --- Connection ---

func (e *Impl) Connect(ctx context.Context) error {
	return e.Manager.Initialize(ctx)
}

func (e *Impl) Disconnect(ctx context.Context) {
	e.Manager.Disconnect(ctx)
}

func (e *Impl) Reconnect(ctx context.Context) error {
	return e.Manager.Reconnect(ctx)
}

func (e *Impl) GatewayStatus() gateway.Status {
	return e.Manager.Status()
}

// --- Orders ---

func (e *Impl) SubmitOrder(ctx context.Context, userID string, req order.Request) (order.Order, error) {
	start := time.Now()
	o, err := e.Tracker.Submit(ctx, req, userID)
	e.Metrics.ObserveSubmit(time.Since(start), err)
	return o, err
}

func (e *Impl) CancelOrder(ctx context.Context, userID, orderRef string) error {
	return e.Tracker.Cancel(ctx, orderRef, userID)
}

// --- Queries ---

func (e *Impl) ListOrders(ctx context.Context, userID string, f db.OrderFilter) ([]db.Order, error) {
	defer monitor.NewTimer(e.Metrics.DBLatency).Stop()
	return e.Tracker.QueryOrders(ctx, userID, f)
}

func (e *Impl) ListTrades(ctx context.Context, userID string, f db.TradeFilter) ([]db.Trade, error) {
	defer monitor.NewTimer(e.Metrics.DBLatency).Stop()
	return e.Tracker.QueryTrades(ctx, userID, f)
}

func (e *Impl) ListPositions(ctx context.Context, userID string) ([]db.Position, error) {
	defer monitor.NewTimer(e.Metrics.DBLatency).Stop()
	return e.Tracker.QueryPositions(ctx, userID)
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	return &SystemStatus{
		VenueMode:     e.venueMode,
		Gateway:       e.Manager.Status(),
		Sessions:      e.Sessions.Count(),
		ActiveSymbols: e.Market.ActiveSymbols(),
		Metrics:       e.Metrics.GetSnapshot(),
		StartedAt:     e.startedAt,
		Uptime:        time.Since(e.startedAt).Round(time.Second).String(),
	}
}

// Close disconnects from the venue, stops venue background work and closes the
// database.
func (e *Impl) Close(ctx context.Context) error {
	e.Manager.Disconnect(ctx)
	switch v := e.venue.(type) {
	case interface{ Shutdown() error }:
		if err := v.Shutdown(); err != nil {
			e.log.Warn("venue shutdown failed", zap.Error(err))
		}
	case interface{ Shutdown() }:
		v.Shutdown()
	}
	return e.db.Close()
}
