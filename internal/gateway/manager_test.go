package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-gateway/pkg/errs"
	"venue-gateway/pkg/venue"
)

type fakeVenue struct {
	mu       sync.Mutex
	calls    []string
	loginErr map[venue.Channel]error
	blockMD  bool
	closed   int
}

func (f *fakeVenue) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeVenue) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeVenue) ConnectTrade(context.Context, string) error {
	f.record("connect_trade")
	return nil
}

func (f *fakeVenue) ConnectMarketData(context.Context, string) error {
	f.record("connect_md")
	return nil
}

func (f *fakeVenue) LoginTrade(context.Context, venue.Credentials) error {
	f.record("login_trade")
	return f.loginErr[venue.ChannelTrade]
}

func (f *fakeVenue) LoginMarketData(ctx context.Context, _ venue.Credentials) error {
	f.record("login_md")
	if f.blockMD {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.loginErr[venue.ChannelMarketData]
}

func (f *fakeVenue) SubmitOrder(context.Context, venue.Order) (venue.Ack, error) {
	return venue.Ack{}, nil
}
func (f *fakeVenue) CancelOrder(context.Context, string) error   { return nil }
func (f *fakeVenue) Subscribe(context.Context, []string) error   { return nil }
func (f *fakeVenue) Unsubscribe(context.Context, []string) error { return nil }
func (f *fakeVenue) SetHandler(venue.EventHandler)               {}

func (f *fakeVenue) Close(context.Context) error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		TradeFront: "tcp://127.0.0.1:41205",
		MDFront:    "tcp://127.0.0.1:41213",
		Credentials: venue.Credentials{
			BrokerID: "9999",
			UserID:   "000001",
			Password: "secret",
		},
		ConnectTimeout: time.Second,
	}
}

func TestInitializeMissingUserIDFailsWithoutVenueCall(t *testing.T) {
	fv := &fakeVenue{}
	cfg := testConfig()
	cfg.Credentials.UserID = ""
	m := NewManager(cfg, fv, nil)

	err := m.Initialize(context.Background())

	var cerr *errs.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "user_id", cerr.Field)
	assert.ErrorIs(t, err, errs.ErrMissingConfig)
	assert.Zero(t, fv.callCount())
	assert.False(t, m.IsReady())
}

func TestInitializeReachesReady(t *testing.T) {
	fv := &fakeVenue{}
	m := NewManager(testConfig(), fv, nil)
	hookRuns := 0
	m.OnReady(func(context.Context) { hookRuns++ })

	require.NoError(t, m.Initialize(context.Background()))

	st := m.Status()
	assert.True(t, st.IsReady())
	assert.Equal(t, StateReady, st.TradeState)
	assert.Equal(t, StateReady, st.MDState)
	require.NotNil(t, st.TradeConnectTime)
	require.NotNil(t, st.MDLoginTime)
	assert.Nil(t, st.LastError)
	assert.Equal(t, 1, hookRuns)
	assert.Equal(t, 4, fv.callCount())
}

func TestReconnectResetsCountersAndRefreshesTimes(t *testing.T) {
	fv := &fakeVenue{}
	m := NewManager(testConfig(), fv, nil)
	require.NoError(t, m.Initialize(context.Background()))

	m.RecordOrder()
	m.RecordOrder()
	m.RecordTrade()
	before := m.Status()
	require.Equal(t, int64(2), before.OrderCount)

	resets := 0
	m.OnReset(func() { resets++ })
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, m.Reconnect(context.Background()))

	after := m.Status()
	assert.True(t, after.IsReady())
	assert.Zero(t, after.OrderCount)
	assert.Zero(t, after.TradeCount)
	assert.True(t, after.TradeConnectTime.After(*before.TradeConnectTime))
	assert.True(t, after.MDLoginTime.After(*before.MDLoginTime))
	assert.Equal(t, 1, resets)
	assert.Equal(t, 1, fv.closed)
}

func TestInitializeTimeoutKeepsPartialState(t *testing.T) {
	fv := &fakeVenue{blockMD: true}
	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	m := NewManager(cfg, fv, nil)

	err := m.Initialize(context.Background())

	var cerr *errs.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, errs.ErrConnectTimeout)

	st := m.Status()
	assert.True(t, st.TradeReady())
	assert.False(t, st.MDReady())
	assert.True(t, st.MDConnected)
	assert.NotNil(t, st.LastError)
	assert.GreaterOrEqual(t, st.ErrorCount, int64(1))
}

func TestLoginFailureIsRecorded(t *testing.T) {
	fv := &fakeVenue{loginErr: map[venue.Channel]error{
		venue.ChannelMarketData: errors.New("invalid password"),
	}}
	m := NewManager(testConfig(), fv, nil)

	err := m.Initialize(context.Background())

	var cerr *errs.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "md", cerr.Channel)
	assert.Equal(t, "login", cerr.Op)

	st := m.Status()
	assert.Equal(t, int64(1), st.ErrorCount)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "invalid password")
	assert.Equal(t, StateConnected, st.MDState)
}

func TestHandleErrorDisconnectDropsChannel(t *testing.T) {
	m := NewManager(testConfig(), &fakeVenue{}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, m.HandleError(venue.Error{Channel: venue.ChannelMarketData, Code: 42, Message: "slow consumer"}))
	assert.True(t, m.IsReady())

	require.NoError(t, m.HandleError(venue.Error{Channel: venue.ChannelMarketData, Code: venue.CodeDisconnected, Message: "front lost"}))
	st := m.Status()
	assert.True(t, st.TradeReady())
	assert.False(t, st.MDReady())
	assert.Equal(t, StateDisconnected, st.MDState)
	assert.Equal(t, int64(2), st.ErrorCount)
}

func TestStatusSnapshotIsDetached(t *testing.T) {
	m := NewManager(testConfig(), &fakeVenue{}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	st := m.Status()
	*st.TradeConnectTime = time.Time{}
	assert.False(t, m.Status().TradeConnectTime.IsZero())
}
