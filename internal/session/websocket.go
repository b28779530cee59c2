package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"venue-gateway/pkg/errs"
	"venue-gateway/pkg/venue"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendQueueSize  = 256
)

// WSTransport sends messages over a gorilla websocket connection. Send only
// enqueues; one writer goroutine owns the connection's data frames. A full queue
// fails the Send, and a failed write closes the connection.
type WSTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	out       chan []byte
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewWSTransport wraps conn and starts its writer.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return newWSTransport(conn, sendQueueSize)
}

func newWSTransport(conn *websocket.Conn, queue int) *WSTransport {
	t := &WSTransport{
		conn:      conn,
		writeWait: writeWait,
		out:       make(chan []byte, queue),
		done:      make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Send encodes msg as JSON and queues it as one text frame.
func (t *WSTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errs.ErrSendFailed
	}
	select {
	case t.out <- data:
		return nil
	default:
		return errs.ErrSlowConsumer
	}
}

func (t *WSTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case data := <-t.out:
			err := t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err == nil {
				err = t.conn.WriteMessage(websocket.TextMessage, data)
			}
			if err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

func (t *WSTransport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

// Close stops the writer, sends a close frame and closes the connection. Safe to
// call twice.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// Inbound command types.
const (
	CmdSubscribe   = "subscribe_market"
	CmdUnsubscribe = "unsubscribe_market"
	CmdStatus      = "get_status"
	CmdTick        = "get_tick"
	CmdPing        = "ping"
)

type command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type symbolsArgs struct {
	Symbols []string `json:"symbols"`
}

type tickArgs struct {
	Symbol string `json:"symbol"`
}

// Market is the subscription surface clients drive through commands.
type Market interface {
	Subscribe(ctx context.Context, clientID string, symbols []string) error
	Unsubscribe(ctx context.Context, clientID string, symbols []string) error
	SymbolsOf(clientID string) []string
	LastTick(symbol string) (venue.Tick, bool)
}

// Handler runs the command loop of websocket clients.
type Handler struct {
	reg    *Registry
	market Market
	status func() any
	log    *zap.Logger
}

// NewHandler creates a Handler. status returns the gateway status for get_status.
func NewHandler(reg *Registry, market Market, status func() any, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{reg: reg, market: market, status: status, log: log.Named("ws")}
}

// Serve registers conn as clientID and processes commands until the connection
// closes or ctx is done. The client is disconnected from both registries on return.
func (h *Handler) Serve(ctx context.Context, conn *websocket.Conn, clientID, userID string) {
	t := NewWSTransport(conn)
	if err := h.reg.Connect(clientID, t, userID); err != nil {
		h.log.Warn("connect refused", zap.String("client_id", clientID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = t.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.reg.release(context.Background(), clientID, t)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.keepalive(ctx, t)

	_ = t.Send(ctx, Message{Type: "connected", Data: map[string]string{"client_id": clientID}})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("read failed", zap.String("client_id", clientID), zap.Error(err))
			}
			return
		}
		reply := h.Handle(ctx, clientID, raw)
		if err := t.Send(ctx, reply); err != nil {
			h.log.Warn("reply failed", zap.String("client_id", clientID), zap.Error(err))
			return
		}
	}
}

func (h *Handler) keepalive(ctx context.Context, t *WSTransport) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				return
			}
		}
	}
}

// Handle executes one raw command for clientID and returns the reply.
func (h *Handler) Handle(ctx context.Context, clientID string, raw []byte) Message {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return errorMessage(errors.New("malformed message"))
	}

	switch cmd.Type {
	case CmdSubscribe:
		var args symbolsArgs
		if err := decodeArgs(cmd.Data, &args); err != nil {
			return errorMessage(err)
		}
		if len(args.Symbols) == 0 {
			return errorMessage(errors.New("symbols required"))
		}
		if err := h.market.Subscribe(ctx, clientID, args.Symbols); err != nil {
			return errorMessage(err)
		}
		return Message{Type: "subscribed", Data: symbolsArgs{Symbols: h.market.SymbolsOf(clientID)}}

	case CmdUnsubscribe:
		var args symbolsArgs
		if err := decodeArgs(cmd.Data, &args); err != nil {
			return errorMessage(err)
		}
		if err := h.market.Unsubscribe(ctx, clientID, args.Symbols); err != nil {
			return errorMessage(err)
		}
		return Message{Type: "unsubscribed", Data: symbolsArgs{Symbols: h.market.SymbolsOf(clientID)}}

	case CmdStatus:
		var status any
		if h.status != nil {
			status = h.status()
		}
		return Message{Type: "status", Data: status}

	case CmdTick:
		var args tickArgs
		if err := decodeArgs(cmd.Data, &args); err != nil {
			return errorMessage(err)
		}
		tick, ok := h.market.LastTick(args.Symbol)
		if !ok {
			return errorMessage(fmt.Errorf("no tick for %q", args.Symbol))
		}
		return Message{Type: MsgTick, Data: tick}

	case CmdPing:
		return Message{Type: MsgPong, Data: map[string]int64{"time": time.Now().UnixMilli()}}

	default:
		return errorMessage(fmt.Errorf("unknown message type %q", cmd.Type))
	}
}

func decodeArgs(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("malformed data")
	}
	return nil
}

func errorMessage(err error) Message {
	return Message{Type: MsgError, Data: map[string]string{"message": err.Error()}}
}
