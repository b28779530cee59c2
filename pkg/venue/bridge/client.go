// Package bridge is a venue.Gateway backed by an out-of-process venue bridge.
//
// The bridge owns the venue's native API. The gateway talks to it over gRPC with
// google.protobuf.Struct payloads, so no generated stubs are needed on either side.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"venue-gateway/pkg/venue"
)

const (
	service = "/venue.Bridge/"

	callTimeout          = 10 * time.Second
	maxReconnectWait     = 30 * time.Second
	initialReconnectWait = 500 * time.Millisecond
)

var eventsDesc = &grpc.StreamDesc{StreamName: "Events", ServerStreams: true}

// Client implements venue.Gateway over a gRPC connection to the bridge.
type Client struct {
	conn *grpc.ClientConn
	log  *zap.Logger

	hmu     sync.RWMutex
	handler venue.EventHandler

	mu         sync.Mutex
	stopEvents context.CancelFunc
	eventsDone chan struct{}
}

var _ venue.Gateway = (*Client)(nil)

// New creates a client for the bridge at addr. The connection is established lazily.
func New(addr string, log *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge client %s: %w", addr, err)
	}
	return &Client{conn: conn, log: log.Named("bridge"), handler: nopHandler{}}, nil
}

// SetHandler installs the receiver of stream events.
func (c *Client) SetHandler(h venue.EventHandler) {
	if h == nil {
		h = nopHandler{}
	}
	c.hmu.Lock()
	c.handler = h
	c.hmu.Unlock()
}

func (c *Client) ConnectTrade(ctx context.Context, front string) error {
	c.startEvents()
	return c.call(ctx, "ConnectTrade", func() (*structpb.Struct, error) { return encodeFront(front) }, nil)
}

func (c *Client) ConnectMarketData(ctx context.Context, front string) error {
	c.startEvents()
	return c.call(ctx, "ConnectMarketData", func() (*structpb.Struct, error) { return encodeFront(front) }, nil)
}

func (c *Client) LoginTrade(ctx context.Context, creds venue.Credentials) error {
	return c.call(ctx, "LoginTrade", func() (*structpb.Struct, error) { return encodeCredentials(creds) }, nil)
}

func (c *Client) LoginMarketData(ctx context.Context, creds venue.Credentials) error {
	return c.call(ctx, "LoginMarketData", func() (*structpb.Struct, error) { return encodeCredentials(creds) }, nil)
}

func (c *Client) SubmitOrder(ctx context.Context, o venue.Order) (venue.Ack, error) {
	resp := &structpb.Struct{}
	if err := c.call(ctx, "SubmitOrder", func() (*structpb.Struct, error) { return encodeOrder(o) }, resp); err != nil {
		return venue.Ack{}, err
	}
	return decodeAck(o.OrderRef, resp), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderRef string) error {
	return c.call(ctx, "CancelOrder", func() (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"order_ref": orderRef})
	}, nil)
}

func (c *Client) Subscribe(ctx context.Context, symbols []string) error {
	return c.call(ctx, "Subscribe", func() (*structpb.Struct, error) { return encodeSymbols(symbols) }, nil)
}

func (c *Client) Unsubscribe(ctx context.Context, symbols []string) error {
	return c.call(ctx, "Unsubscribe", func() (*structpb.Struct, error) { return encodeSymbols(symbols) }, nil)
}

// Close logs out of both channels and stops the event stream. The gRPC connection
// stays open so the gateway can connect again.
func (c *Client) Close(ctx context.Context) error {
	err := c.call(ctx, "Logout", func() (*structpb.Struct, error) { return &structpb.Struct{}, nil }, nil)
	c.stopEventStream()
	return err
}

// Shutdown stops the event stream and closes the gRPC connection.
func (c *Client) Shutdown() error {
	c.stopEventStream()
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, build func() (*structpb.Struct, error), resp *structpb.Struct) error {
	req, err := build()
	if err != nil {
		return fmt.Errorf("bridge %s: encode: %w", method, err)
	}
	if resp == nil {
		resp = &structpb.Struct{}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}
	if err := c.conn.Invoke(ctx, service+method, req, resp); err != nil {
		return fmt.Errorf("bridge %s: %w", method, err)
	}
	return nil
}

func (c *Client) startEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopEvents != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.stopEvents = cancel
	c.eventsDone = done
	go func() {
		defer close(done)
		c.eventLoop(ctx)
	}()
}

func (c *Client) stopEventStream() {
	c.mu.Lock()
	cancel, done := c.stopEvents, c.eventsDone
	c.stopEvents, c.eventsDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// eventLoop keeps the event stream open, re-opening it with exponential backoff.
// A stream that breaks after delivering events means the bridge state is unknown,
// so both channels are reported as disconnected.
func (c *Client) eventLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialReconnectWait
	b.MaxInterval = maxReconnectWait

	for {
		received, err := c.readEvents(ctx)
		if ctx.Err() != nil {
			return
		}
		if received > 0 {
			b.Reset()
			c.lost(err)
		}
		c.log.Warn("event stream closed", zap.Int("received", received), zap.Error(err))

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectWait
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (c *Client) readEvents(ctx context.Context) (int, error) {
	stream, err := c.conn.NewStream(ctx, eventsDesc, service+"Events")
	if err != nil {
		return 0, err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return 0, err
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}

	received := 0
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			return received, err
		}
		received++
		c.hmu.RLock()
		h := c.handler
		c.hmu.RUnlock()
		if err := dispatch(msg, h); err != nil {
			c.log.Warn("dropping event", zap.Error(err))
		}
	}
}

func (c *Client) lost(cause error) {
	msg := "event stream lost"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		msg += ": " + cause.Error()
	}
	c.hmu.RLock()
	h := c.handler
	c.hmu.RUnlock()
	now := time.Now()
	h.OnError(venue.Error{Channel: venue.ChannelTrade, Code: venue.CodeDisconnected, Message: msg, Time: now})
	h.OnError(venue.Error{Channel: venue.ChannelMarketData, Code: venue.CodeDisconnected, Message: msg, Time: now})
}

type nopHandler struct{}

func (nopHandler) OnTick(venue.Tick)         {}
func (nopHandler) OnOrder(venue.OrderReport) {}
func (nopHandler) OnTrade(venue.TradeReport) {}
func (nopHandler) OnError(venue.Error)       {}
