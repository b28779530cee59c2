package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"venue-gateway/pkg/config"
	"venue-gateway/pkg/venue"
	"venue-gateway/pkg/venue/bridge"
	"venue-gateway/pkg/venue/sim"
)

// NewVenue creates the venue implementation selected by cfg.Venue.Mode.
func NewVenue(cfg *config.Config, log *zap.Logger) (venue.Gateway, error) {
	switch cfg.Venue.Mode {
	case config.VenueSim, "":
		return sim.New(sim.Options{TickInterval: cfg.SimTickInterval, Logger: log}), nil
	case config.VenueBridge:
		return bridge.New(cfg.Venue.BridgeAddr, log)
	default:
		return nil, fmt.Errorf("unsupported venue mode: %s", cfg.Venue.Mode)
	}
}

// ConfigFrom maps the process configuration onto the manager configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TradeFront: cfg.Venue.TradeFront,
		MDFront:    cfg.Venue.MDFront,
		Credentials: venue.Credentials{
			BrokerID: cfg.Venue.BrokerID,
			UserID:   cfg.Venue.UserID,
			Password: cfg.Venue.Password,
			AppID:    cfg.Venue.AppID,
			AuthCode: cfg.Venue.AuthCode,
		},
		ConnectTimeout: cfg.ConnectTimeout,
	}
}
