// Package market multiplexes client market data subscriptions onto one upstream feed.
package market

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"venue-gateway/pkg/cache"
	"venue-gateway/pkg/errs"
	"venue-gateway/pkg/venue"
)

// DefaultMaxSymbols caps upstream subscriptions when Options.MaxSymbols is zero.
const DefaultMaxSymbols = 500

// Upstream is the venue's market data subscription capability.
type Upstream interface {
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
}

// Connection is the part of the connection manager the registry needs.
type Connection interface {
	MDReady() bool
	RecordSubscribe()
}

// Options wires a Registry.
type Options struct {
	Upstream   Upstream
	Conn       Connection
	MaxSymbols int
	Logger     *zap.Logger
}

type set map[string]struct{}

// Registry keeps symbol -> clients and client -> symbols in step. Upstream
// subscribe and unsubscribe happen only when a symbol gains its first or loses
// its last subscriber, and run under the registry lock so transitions for the
// same symbol are totally ordered.
type Registry struct {
	mu          sync.Mutex
	subscribers map[string]set // symbol -> client ids
	clients     map[string]set // client id -> symbols

	upstream Upstream
	conn     Connection
	max      int
	ticks    *cache.ShardedTickCache
	log      *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.MaxSymbols <= 0 {
		opts.MaxSymbols = DefaultMaxSymbols
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		subscribers: make(map[string]set),
		clients:     make(map[string]set),
		upstream:    opts.Upstream,
		conn:        opts.Conn,
		max:         opts.MaxSymbols,
		ticks:       cache.NewShardedTickCache(),
		log:         log.Named("market"),
	}
}

// Subscribe adds clientID to each symbol. Symbols nobody held before are
// subscribed upstream in one batch. Nothing changes when the batch would exceed
// the symbol limit or the upstream call fails.
func (r *Registry) Subscribe(ctx context.Context, clientID string, symbols []string) error {
	symbols = normalize(symbols)
	if len(symbols) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var activated []string
	for _, s := range symbols {
		if len(r.subscribers[s]) == 0 {
			activated = append(activated, s)
		}
	}
	if len(r.subscribers)+len(activated) > r.max {
		return &errs.SubscriptionError{ClientID: clientID, Err: errs.ErrSubscriptionLimit}
	}
	if len(activated) > 0 {
		if !r.conn.MDReady() {
			return &errs.SubscriptionError{ClientID: clientID, Err: errs.ErrNotReady}
		}
		if err := r.upstream.Subscribe(ctx, activated); err != nil {
			r.log.Warn("upstream subscribe failed", zap.Strings("symbols", activated), zap.Error(err))
			return &errs.SubscriptionError{ClientID: clientID, Err: err}
		}
		r.log.Info("upstream subscribed", zap.Strings("symbols", activated))
	}

	mine := r.clients[clientID]
	if mine == nil {
		mine = make(set)
		r.clients[clientID] = mine
	}
	for _, s := range symbols {
		subs := r.subscribers[s]
		if subs == nil {
			subs = make(set)
			r.subscribers[s] = subs
		}
		subs[clientID] = struct{}{}
		mine[s] = struct{}{}
	}
	r.conn.RecordSubscribe()
	return nil
}

// Unsubscribe removes clientID from the given symbols, or from all of its symbols
// when none are given. Symbols left without subscribers are unsubscribed
// upstream; that call is skipped when market data is not ready since the
// upstream subscription is already gone. Local state is updated either way.
func (r *Registry) Unsubscribe(ctx context.Context, clientID string, symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mine := r.clients[clientID]
	if len(mine) == 0 {
		delete(r.clients, clientID)
		return nil
	}
	if len(symbols) == 0 {
		symbols = keys(mine)
	} else {
		symbols = normalize(symbols)
	}

	var deactivated []string
	for _, s := range symbols {
		if _, ok := mine[s]; !ok {
			continue
		}
		delete(mine, s)
		subs := r.subscribers[s]
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.subscribers, s)
			deactivated = append(deactivated, s)
		}
	}
	if len(mine) == 0 {
		delete(r.clients, clientID)
	}
	if len(deactivated) == 0 {
		return nil
	}

	for _, s := range deactivated {
		r.ticks.Delete(s)
	}
	if !r.conn.MDReady() {
		return nil
	}
	if err := r.upstream.Unsubscribe(ctx, deactivated); err != nil {
		r.log.Warn("upstream unsubscribe failed", zap.Strings("symbols", deactivated), zap.Error(err))
		return &errs.SubscriptionError{ClientID: clientID, Err: err}
	}
	r.log.Info("upstream unsubscribed", zap.Strings("symbols", deactivated))
	return nil
}

// SubscribersOf returns the clients subscribed to symbol, sorted.
func (r *Registry) SubscribersOf(symbol string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keys(r.subscribers[symbol])
}

// SymbolsOf returns the symbols clientID is subscribed to, sorted.
func (r *Registry) SymbolsOf(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keys(r.clients[clientID])
}

// ActiveSymbols returns every symbol with at least one subscriber, sorted.
func (r *Registry) ActiveSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subscribers))
	for s := range r.subscribers {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Resubscribe replays every active symbol upstream. Run after a reconnect.
func (r *Registry) Resubscribe(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subscribers) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(r.subscribers))
	for s := range r.subscribers {
		symbols = append(symbols, s)
	}
	slices.Sort(symbols)
	if err := r.upstream.Subscribe(ctx, symbols); err != nil {
		r.log.Error("resubscribe failed", zap.Int("symbols", len(symbols)), zap.Error(err))
		return err
	}
	r.log.Info("resubscribed", zap.Int("symbols", len(symbols)))
	return nil
}

// RecordTick caches the latest tick for get_tick lookups.
func (r *Registry) RecordTick(t venue.Tick) {
	r.ticks.Set(t)
}

// LastTick returns the latest cached tick for symbol.
func (r *Registry) LastTick(symbol string) (venue.Tick, bool) {
	return r.ticks.Get(symbol)
}

// Reset drops cached ticks. Subscriptions survive so they can be replayed.
func (r *Registry) Reset() {
	r.ticks.Clear()
}

func normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(set, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func keys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
