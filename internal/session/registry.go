// Package session tracks connected downstream clients and delivers market data and
// order updates to them.
package session

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"venue-gateway/pkg/errs"
	"venue-gateway/pkg/venue"
)

// Outbound message types.
const (
	MsgTick  = "tick"
	MsgError = "error"
	MsgPong  = "pong"
)

// Message is the envelope of every message sent to a client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Transport delivers messages to one client. A Transport that also implements
// io.Closer is closed when its session is dropped.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Subscriptions is the part of the market registry the session registry drives.
type Subscriptions interface {
	Unsubscribe(ctx context.Context, clientID string, symbols []string) error
	SubscribersOf(symbol string) []string
	RecordTick(t venue.Tick)
}

// Session is one connected client.
type Session struct {
	ClientID    string
	UserID      string
	ConnectedAt time.Time
	transport   Transport
}

// Options wires a Registry.
type Options struct {
	Market Subscriptions
	Logger *zap.Logger
	// OnDrop runs after a session was removed because a send failed.
	OnDrop func(clientID string)
}

// Registry maps client ids to sessions. Sends happen outside the lock and must not
// block; a session whose send fails, including one whose outbound queue is full, is
// removed from the registry and from every market data subscription before the call
// returns.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	market Subscriptions
	onDrop func(string)
	log    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		market:   opts.Market,
		onDrop:   opts.OnDrop,
		log:      log.Named("session"),
	}
}

// Connect registers a client. A client reconnecting under the same id replaces its
// previous transport, but only for the user that holds the id.
func (r *Registry) Connect(clientID string, t Transport, userID string) error {
	s := &Session{ClientID: clientID, UserID: userID, ConnectedAt: time.Now(), transport: t}

	r.mu.Lock()
	old := r.sessions[clientID]
	if old != nil && old.UserID != userID {
		r.mu.Unlock()
		return &errs.TransportError{ClientID: clientID, Err: errs.ErrSessionConflict}
	}
	r.sessions[clientID] = s
	r.mu.Unlock()

	if old != nil && old.transport != t {
		closeTransport(old.transport)
	}
	r.log.Info("client connected", zap.String("client_id", clientID), zap.String("user_id", userID))
	return nil
}

// Disconnect removes a client and all of its market data subscriptions.
func (r *Registry) Disconnect(ctx context.Context, clientID string) {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	delete(r.sessions, clientID)
	r.mu.Unlock()

	if r.market != nil {
		if err := r.market.Unsubscribe(ctx, clientID, nil); err != nil {
			r.log.Warn("unsubscribe on disconnect failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	if ok {
		closeTransport(s.transport)
		r.log.Info("client disconnected", zap.String("client_id", clientID))
	}
}

// release disconnects clientID only while t is still its transport. A client that
// reconnected under the same id keeps its new session.
func (r *Registry) release(ctx context.Context, clientID string, t Transport) {
	r.mu.RLock()
	s, ok := r.sessions[clientID]
	r.mu.RUnlock()
	if ok && s.transport != t {
		closeTransport(t)
		return
	}
	r.Disconnect(ctx, clientID)
}

// Get returns the session for clientID.
func (r *Registry) Get(clientID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ClientIDs returns the connected client ids, sorted.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Send delivers msg to one client. A failed send drops the client and is reported
// as a TransportError.
func (r *Registry) Send(ctx context.Context, clientID string, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[clientID]
	r.mu.RUnlock()
	if !ok {
		return &errs.TransportError{ClientID: clientID, Err: errs.ErrSendFailed}
	}
	if err := s.transport.Send(ctx, msg); err != nil {
		r.drop(ctx, s, err)
		return &errs.TransportError{ClientID: clientID, Err: err}
	}
	return nil
}

// Broadcast sends msg to every client subscribed to symbol and returns how many
// received it.
func (r *Registry) Broadcast(ctx context.Context, symbol string, msg Message) int {
	if r.market == nil {
		return 0
	}
	ids := r.market.SubscribersOf(symbol)
	if len(ids) == 0 {
		return 0
	}

	r.mu.RLock()
	targets := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	return r.deliver(ctx, targets, msg)
}

// SendToUser sends msg to every session of userID and returns how many received it.
func (r *Registry) SendToUser(ctx context.Context, userID string, msg Message) int {
	if userID == "" {
		return 0
	}
	r.mu.RLock()
	var targets []*Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	return r.deliver(ctx, targets, msg)
}

// Publish pushes an order or trade update to the sessions of userID.
func (r *Registry) Publish(ctx context.Context, userID, msgType string, data any) {
	r.SendToUser(ctx, userID, Message{Type: msgType, Data: data})
}

// HandleTick caches t and fans it out to the symbol's subscribers.
func (r *Registry) HandleTick(t venue.Tick) error {
	if r.market != nil {
		r.market.RecordTick(t)
	}
	r.Broadcast(context.Background(), t.Symbol, Message{Type: MsgTick, Data: t})
	return nil
}

func (r *Registry) deliver(ctx context.Context, targets []*Session, msg Message) int {
	sent := 0
	for _, s := range targets {
		if err := s.transport.Send(ctx, msg); err != nil {
			r.drop(ctx, s, err)
			continue
		}
		sent++
	}
	return sent
}

// drop removes s unless the client already reconnected with a new transport.
func (r *Registry) drop(ctx context.Context, s *Session, cause error) {
	r.mu.Lock()
	current, ok := r.sessions[s.ClientID]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ClientID)
	r.mu.Unlock()

	r.log.Warn("send failed, dropping client",
		zap.String("client_id", s.ClientID),
		zap.Error(cause),
	)
	if r.market != nil {
		if err := r.market.Unsubscribe(ctx, s.ClientID, nil); err != nil {
			r.log.Warn("unsubscribe on drop failed", zap.String("client_id", s.ClientID), zap.Error(err))
		}
	}
	closeTransport(s.transport)
	if r.onDrop != nil {
		r.onDrop(s.ClientID)
	}
}

func closeTransport(t Transport) {
	if c, ok := t.(io.Closer); ok {
		_ = c.Close()
	}
}
