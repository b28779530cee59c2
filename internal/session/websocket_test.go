package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-gateway/internal/market"
	"venue-gateway/pkg/errs"
	"venue-gateway/pkg/venue"
)

func newHandler() (*Handler, *Registry, *market.Registry) {
	reg, mkt, _ := newFixture()
	status := func() any { return map[string]bool{"is_ready": true} }
	return NewHandler(reg, mkt, status, nil), reg, mkt
}

func TestHandleCommands(t *testing.T) {
	h, _, mkt := newHandler()
	ctx := context.Background()

	reply := h.Handle(ctx, "c1", []byte(`{"type":"subscribe_market","data":{"symbols":["rb2405","au2406"]}}`))
	assert.Equal(t, "subscribed", reply.Type)
	assert.Equal(t, []string{"au2406", "rb2405"}, mkt.SymbolsOf("c1"))

	reply = h.Handle(ctx, "c1", []byte(`{"type":"unsubscribe_market","data":{"symbols":["au2406"]}}`))
	assert.Equal(t, "unsubscribed", reply.Type)
	assert.Equal(t, []string{"rb2405"}, mkt.SymbolsOf("c1"))

	mkt.RecordTick(venue.Tick{Symbol: "rb2405", LastPrice: decimal.NewFromInt(3550)})
	reply = h.Handle(ctx, "c1", []byte(`{"type":"get_tick","data":{"symbol":"rb2405"}}`))
	require.Equal(t, MsgTick, reply.Type)
	assert.Equal(t, "rb2405", reply.Data.(venue.Tick).Symbol)

	reply = h.Handle(ctx, "c1", []byte(`{"type":"get_status"}`))
	assert.Equal(t, "status", reply.Type)

	reply = h.Handle(ctx, "c1", []byte(`{"type":"ping","data":{}}`))
	assert.Equal(t, MsgPong, reply.Type)

	// No symbols means all of them.
	reply = h.Handle(ctx, "c1", []byte(`{"type":"unsubscribe_market","data":{}}`))
	assert.Equal(t, "unsubscribed", reply.Type)
	assert.Empty(t, mkt.ActiveSymbols())
}

func TestHandleErrors(t *testing.T) {
	h, _, _ := newHandler()
	ctx := context.Background()

	cases := map[string]string{
		"malformed":       `{not json`,
		"unknown type":    `{"type":"place_order"}`,
		"missing symbols": `{"type":"subscribe_market","data":{}}`,
		"bad data":        `{"type":"subscribe_market","data":{"symbols":"rb2405"}}`,
		"no tick":         `{"type":"get_tick","data":{"symbol":"zz"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			reply := h.Handle(ctx, "c1", []byte(raw))
			require.Equal(t, MsgError, reply.Type)
			data := reply.Data.(map[string]string)
			assert.NotEmpty(t, data["message"])
		})
	}
}

func TestServeOverWebsocket(t *testing.T) {
	h, reg, mkt := newHandler()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(r.Context(), conn, "ws-1", "u1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	read := func() map[string]any {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	}

	assert.Equal(t, "connected", read()["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"subscribe_market","data":{"symbols":["rb2405"]}}`)))
	assert.Equal(t, "subscribed", read()["type"])

	require.NoError(t, reg.HandleTick(venue.Tick{Symbol: "rb2405", LastPrice: decimal.NewFromInt(3600)}))
	msg := read()
	require.Equal(t, "tick", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "rb2405", data["symbol"])
	assert.Equal(t, "3600", data["last_price"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return reg.Count() == 0 && len(mkt.ActiveSymbols()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func dialServer(t *testing.T, serve func(conn *websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSlowClientIsDroppedWithoutStallingFanOut(t *testing.T) {
	reg, mkt, _ := newFixture()
	ctx := context.Background()

	serverSide := make(chan *websocket.Conn, 1)
	// The client never reads, so its socket buffers fill and writes stall.
	dialServer(t, func(conn *websocket.Conn) { serverSide <- conn })
	slow := newWSTransport(<-serverSide, 4)
	t.Cleanup(func() { _ = slow.Close() })
	fast := &fakeTransport{}

	require.NoError(t, reg.Connect("slow", slow, ""))
	require.NoError(t, reg.Connect("fast", fast, ""))
	require.NoError(t, mkt.Subscribe(ctx, "slow", []string{"rb2405"}))
	require.NoError(t, mkt.Subscribe(ctx, "fast", []string{"rb2405"}))

	payload := strings.Repeat("x", 64<<10)
	start := time.Now()
	for i := 0; i < 500; i++ {
		reg.Broadcast(ctx, "rb2405", Message{Type: MsgTick, Data: payload})
	}
	assert.Less(t, time.Since(start), 5*time.Second)

	_, ok := reg.Get("slow")
	assert.False(t, ok)
	assert.Empty(t, mkt.SymbolsOf("slow"))
	assert.Len(t, fast.messages(), 500)
	assert.ErrorIs(t, slow.Send(ctx, Message{Type: MsgPong}), errs.ErrSendFailed)
}

func TestServeRefusesTakeoverByAnotherUser(t *testing.T) {
	h, reg, _ := newHandler()
	owner := &fakeTransport{}
	require.NoError(t, reg.Connect("ws-1", owner, "u1"))

	conn := dialServer(t, func(conn *websocket.Conn) {
		h.Serve(context.Background(), conn, "ws-1", "")
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	s, ok := reg.Get("ws-1")
	require.True(t, ok)
	assert.Equal(t, "u1", s.UserID)
	assert.Zero(t, owner.closed)
}
