package gateway

import (
	"time"

	json "github.com/goccy/go-json"
)

// ChannelState is the bring-up state of one venue channel.
type ChannelState string

const (
	StateDisconnected ChannelState = "DISCONNECTED"
	StateConnecting   ChannelState = "CONNECTING"
	StateConnected    ChannelState = "CONNECTED"
	StateLoggingIn    ChannelState = "LOGGING_IN"
	StateReady        ChannelState = "READY"
)

// Status is a snapshot of the connection to the venue.
type Status struct {
	TradeState ChannelState `json:"trade_state"`
	MDState    ChannelState `json:"md_state"`

	TradeConnected bool `json:"trade_connected"`
	MDConnected    bool `json:"md_connected"`
	TradeLoggedIn  bool `json:"trade_logged_in"`
	MDLoggedIn     bool `json:"md_logged_in"`

	TradeConnectTime *time.Time `json:"trade_connect_time"`
	MDConnectTime    *time.Time `json:"md_connect_time"`
	TradeLoginTime   *time.Time `json:"trade_login_time"`
	MDLoginTime      *time.Time `json:"md_login_time"`

	LastError *string `json:"last_error"`

	ErrorCount     int64 `json:"error_count"`
	OrderCount     int64 `json:"order_count"`
	TradeCount     int64 `json:"trade_count"`
	SubscribeCount int64 `json:"subscribe_count"`
}

func newStatus() Status {
	return Status{TradeState: StateDisconnected, MDState: StateDisconnected}
}

func (s Status) TradeReady() bool { return s.TradeConnected && s.TradeLoggedIn }
func (s Status) MDReady() bool    { return s.MDConnected && s.MDLoggedIn }
func (s Status) IsReady() bool    { return s.TradeReady() && s.MDReady() }

// MarshalJSON adds the derived readiness flags.
func (s Status) MarshalJSON() ([]byte, error) {
	type plain Status
	return json.Marshal(struct {
		plain
		TradeReady bool `json:"trade_ready"`
		MDReady    bool `json:"md_ready"`
		IsReady    bool `json:"is_ready"`
	}{plain(s), s.TradeReady(), s.MDReady(), s.IsReady()})
}

// clone copies the pointer fields so callers never share memory with the manager.
func (s Status) clone() Status {
	out := s
	out.TradeConnectTime = copyTime(s.TradeConnectTime)
	out.MDConnectTime = copyTime(s.MDConnectTime)
	out.TradeLoginTime = copyTime(s.TradeLoginTime)
	out.MDLoginTime = copyTime(s.MDLoginTime)
	if s.LastError != nil {
		msg := *s.LastError
		out.LastError = &msg
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
