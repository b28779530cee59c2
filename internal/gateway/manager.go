// Package gateway owns the connection to the trading venue: both channel state
// machines, the readiness predicate and the connection counters.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"venue-gateway/pkg/errs"
	"venue-gateway/pkg/venue"
)

// DefaultConnectTimeout bounds Initialize when Config.ConnectTimeout is zero.
const DefaultConnectTimeout = 30 * time.Second

// Config holds the venue endpoints and credentials.
type Config struct {
	TradeFront     string
	MDFront        string
	Credentials    venue.Credentials
	ConnectTimeout time.Duration
}

// Validate checks the fields Initialize needs before touching the venue.
func (c Config) Validate() error {
	switch {
	case c.Credentials.BrokerID == "":
		return errs.NewConfigError("broker_id")
	case c.Credentials.UserID == "":
		return errs.NewConfigError("user_id")
	case c.Credentials.Password == "":
		return errs.NewConfigError("password")
	case c.TradeFront == "":
		return errs.NewConfigError("trade_front")
	case c.MDFront == "":
		return errs.NewConfigError("md_front")
	}
	return nil
}

// Manager drives the trade and market data channels through
// DISCONNECTED → CONNECTING → CONNECTED → LOGGING_IN → READY.
type Manager struct {
	mu     sync.Mutex
	status Status
	// gen increments on every Disconnect; bring-up goroutines from an older
	// generation must not touch the status.
	gen uint64

	cfg   Config
	venue venue.Gateway
	log   *zap.Logger

	hooksMu    sync.Mutex
	readyHooks []func(context.Context)
	resetHooks []func()
}

// NewManager creates a manager with a zeroed status. It does not connect.
func NewManager(cfg Config, gw venue.Gateway, log *zap.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		status: newStatus(),
		cfg:    cfg,
		venue:  gw,
		log:    log.Named("gateway"),
	}
}

// Venue returns the underlying venue gateway.
func (m *Manager) Venue() venue.Gateway { return m.venue }

// OnReady registers a hook run after every successful Initialize.
func (m *Manager) OnReady(fn func(ctx context.Context)) {
	m.hooksMu.Lock()
	m.readyHooks = append(m.readyHooks, fn)
	m.hooksMu.Unlock()
}

// OnReset registers a hook run by Disconnect after the status is reset. Used to
// drop cached order and market state and to release the storage session.
func (m *Manager) OnReset(fn func()) {
	m.hooksMu.Lock()
	m.resetHooks = append(m.resetHooks, fn)
	m.hooksMu.Unlock()
}

// Initialize validates the configuration, then connects and logs in both channels
// concurrently and waits for readiness. On timeout the partial state is kept.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		m.log.Error("gateway config invalid", zap.Error(err))
		return err
	}

	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		return m.bringUp(ctx, gen, venue.ChannelTrade)
	})
	p.Go(func(ctx context.Context) error {
		return m.bringUp(ctx, gen, venue.ChannelMarketData)
	})

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
	}

	if m.Status().IsReady() {
		m.log.Info("gateway ready")
		m.runReadyHooks(context.WithoutCancel(ctx))
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cerr := &errs.ConnectionError{Op: "initialize", Err: errs.ErrConnectTimeout}
		m.RecordError(cerr)
		m.log.Error("gateway not ready before timeout",
			zap.Duration("timeout", m.cfg.ConnectTimeout))
		return cerr
	}
	if err == nil {
		err = &errs.ConnectionError{Op: "initialize", Err: ctx.Err()}
	}
	return err
}

// Disconnect tears down both channels and resets the status. It runs regardless of
// in-flight operations; those observe a non-ready status when they resume.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.gen++
	m.status = newStatus()
	m.mu.Unlock()

	if err := m.venue.Close(ctx); err != nil {
		m.log.Warn("venue close failed", zap.Error(err))
	}

	m.hooksMu.Lock()
	hooks := append([]func(){}, m.resetHooks...)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	m.log.Info("gateway disconnected")
}

// Reconnect is Disconnect followed by Initialize.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.Disconnect(ctx)
	return m.Initialize(ctx)
}

// Status returns a snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.clone()
}

func (m *Manager) IsReady() bool    { return m.Status().IsReady() }
func (m *Manager) TradeReady() bool { return m.Status().TradeReady() }
func (m *Manager) MDReady() bool    { return m.Status().MDReady() }

func (m *Manager) RecordOrder()     { m.bump(&m.status.OrderCount) }
func (m *Manager) RecordTrade()     { m.bump(&m.status.TradeCount) }
func (m *Manager) RecordSubscribe() { m.bump(&m.status.SubscribeCount) }

// RecordError stores err as last_error and counts it.
func (m *Manager) RecordError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	m.mu.Lock()
	m.status.LastError = &msg
	m.status.ErrorCount++
	m.mu.Unlock()
}

// HandleError consumes asynchronous venue errors. A disconnect report drops the
// affected channel out of READY.
func (m *Manager) HandleError(e venue.Error) error {
	m.RecordError(e)
	if e.Code != venue.CodeDisconnected {
		m.log.Warn("venue error",
			zap.String("channel", string(e.Channel)),
			zap.Int("code", e.Code),
			zap.String("order_ref", e.OrderRef),
			zap.String("message", e.Message))
		return nil
	}

	m.mu.Lock()
	switch e.Channel {
	case venue.ChannelTrade:
		m.status.TradeConnected, m.status.TradeLoggedIn = false, false
		m.status.TradeState = StateDisconnected
	case venue.ChannelMarketData:
		m.status.MDConnected, m.status.MDLoggedIn = false, false
		m.status.MDState = StateDisconnected
	}
	m.mu.Unlock()
	m.log.Error("venue channel dropped", zap.String("channel", string(e.Channel)), zap.String("message", e.Message))
	return nil
}

func (m *Manager) bringUp(ctx context.Context, gen uint64, ch venue.Channel) error {
	front := m.cfg.TradeFront
	connect, login := m.venue.ConnectTrade, m.venue.LoginTrade
	if ch == venue.ChannelMarketData {
		front = m.cfg.MDFront
		connect, login = m.venue.ConnectMarketData, m.venue.LoginMarketData
	}

	m.update(gen, func(s *Status) { setState(s, ch, StateConnecting) })
	if err := connect(ctx, front); err != nil {
		m.update(gen, func(s *Status) { setState(s, ch, StateDisconnected) })
		return m.fail(gen, ch, "connect", err)
	}
	m.update(gen, func(s *Status) {
		now := time.Now()
		if ch == venue.ChannelTrade {
			s.TradeConnected, s.TradeConnectTime = true, &now
		} else {
			s.MDConnected, s.MDConnectTime = true, &now
		}
		setState(s, ch, StateConnected)
	})
	m.log.Info("channel connected", zap.String("channel", string(ch)), zap.String("front", front))

	m.update(gen, func(s *Status) { setState(s, ch, StateLoggingIn) })
	if err := login(ctx, m.cfg.Credentials); err != nil {
		m.update(gen, func(s *Status) { setState(s, ch, StateConnected) })
		return m.fail(gen, ch, "login", err)
	}
	m.update(gen, func(s *Status) {
		now := time.Now()
		if ch == venue.ChannelTrade {
			s.TradeLoggedIn, s.TradeLoginTime = true, &now
		} else {
			s.MDLoggedIn, s.MDLoginTime = true, &now
		}
		setState(s, ch, StateReady)
	})
	m.log.Info("channel logged in", zap.String("channel", string(ch)))
	return nil
}

func (m *Manager) fail(gen uint64, ch venue.Channel, op string, err error) error {
	cerr := &errs.ConnectionError{Channel: string(ch), Op: op, Err: err}
	m.mu.Lock()
	if m.gen == gen {
		msg := cerr.Error()
		m.status.LastError = &msg
		m.status.ErrorCount++
	}
	m.mu.Unlock()
	m.log.Error("channel bring-up failed", zap.String("channel", string(ch)), zap.String("op", op), zap.Error(err))
	return cerr
}

func (m *Manager) update(gen uint64, fn func(*Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	fn(&m.status)
}

func (m *Manager) bump(counter *int64) {
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

func (m *Manager) runReadyHooks(ctx context.Context) {
	m.hooksMu.Lock()
	hooks := append([]func(context.Context){}, m.readyHooks...)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
}

func setState(s *Status, ch venue.Channel, st ChannelState) {
	if ch == venue.ChannelTrade {
		s.TradeState = st
	} else {
		s.MDState = st
	}
}
