// Package venue defines the boundary between the gateway core and a trading venue.
//
// The core never speaks a venue wire protocol. It drives a Gateway and receives
// asynchronous events through an EventHandler.
package venue

import "context"

// Gateway abstracts a trading venue with separate trade and market data channels.
type Gateway interface {
	ConnectTrade(ctx context.Context, front string) error
	ConnectMarketData(ctx context.Context, front string) error
	LoginTrade(ctx context.Context, creds Credentials) error
	LoginMarketData(ctx context.Context, creds Credentials) error

	SubmitOrder(ctx context.Context, o Order) (Ack, error)
	CancelOrder(ctx context.Context, orderRef string) error

	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error

	// Close tears down both channels. The gateway may be connected again afterwards.
	Close(ctx context.Context) error

	// SetHandler installs the receiver of asynchronous venue events.
	SetHandler(h EventHandler)
}

// EventHandler receives asynchronous venue events. One method per event kind.
type EventHandler interface {
	OnTick(t Tick)
	OnOrder(r OrderReport)
	OnTrade(r TradeReport)
	OnError(e Error)
}
