package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"venue-gateway/pkg/crypto"
)

// Venue modes.
const (
	VenueSim    = "sim"
	VenueBridge = "bridge"
)

// Config holds settings for the gateway process.
//
// Values come from an optional YAML file (CONFIG_FILE), then the environment
// (optionally via .env), with the environment taking precedence.
type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	JWTSecret string `yaml:"jwt_secret"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	LogDev   bool   `yaml:"log_dev"`

	// HTTP API rate limiting per client IP
	APIRatePerSec float64 `yaml:"api_rate_per_sec"`
	APIBurst      int     `yaml:"api_burst"`

	Venue Venue `yaml:"venue"`

	// AutoConnect initializes the venue connection at start-up.
	AutoConnect bool `yaml:"auto_connect"`

	// Order reference allocation
	OrderRefPrefix string `yaml:"order_ref_prefix"`
	OrderRefBase   int64  `yaml:"order_ref_base"`
	OrderRefMax    int64  `yaml:"order_ref_max"`

	// Order flow control towards the venue
	OrderRatePerSec float64 `yaml:"order_rate_per_sec"`
	OrderBurst      int     `yaml:"order_burst"`

	MaxSubscriptions int           `yaml:"max_subscriptions"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`

	// Simulated venue
	SimTickInterval time.Duration `yaml:"sim_tick_interval"`
}

// Venue holds the credentials and endpoints of the trading venue.
type Venue struct {
	Mode       string `yaml:"mode"` // "sim" or "bridge"
	BridgeAddr string `yaml:"bridge_addr"`
	BrokerID   string `yaml:"broker_id"`
	UserID     string `yaml:"user_id"`
	Password   string `yaml:"password"`
	TradeFront string `yaml:"trade_front"`
	MDFront    string `yaml:"md_front"`
	AppID      string `yaml:"app_id"`
	AuthCode   string `yaml:"auth_code"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:             "8080",
		DBPath:           "./data/gateway.db",
		JWTSecret:        "dev-secret",
		LogLevel:         "info",
		APIRatePerSec:    20,
		APIBurst:         50,
		Venue:            Venue{Mode: VenueSim, BridgeAddr: "localhost:50051"},
		OrderRefPrefix:   "GW",
		OrderRefBase:     1,
		OrderRefMax:      999999,
		OrderRatePerSec:  6,
		OrderBurst:       6,
		MaxSubscriptions: 500,
		ConnectTimeout:   30 * time.Second,
		SimTickInterval:  time.Second,
	}
}

// Load reads the optional YAML file and environment variables into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	if err := openSecrets(&cfg, os.Getenv("VENUE_SECRET_KEY")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.LogDev = getEnvBool("LOG_DEV", cfg.LogDev)
	cfg.APIRatePerSec = getEnvFloat("API_RATE_PER_SEC", cfg.APIRatePerSec)
	cfg.APIBurst = getEnvInt("API_BURST", cfg.APIBurst)
	cfg.AutoConnect = getEnvBool("AUTO_CONNECT", cfg.AutoConnect)

	cfg.Venue.Mode = strings.ToLower(getEnv("VENUE_MODE", cfg.Venue.Mode))
	cfg.Venue.BridgeAddr = getEnv("VENUE_BRIDGE_ADDR", cfg.Venue.BridgeAddr)
	cfg.Venue.BrokerID = getEnv("VENUE_BROKER_ID", cfg.Venue.BrokerID)
	cfg.Venue.UserID = getEnv("VENUE_USER_ID", cfg.Venue.UserID)
	cfg.Venue.Password = getEnv("VENUE_PASSWORD", cfg.Venue.Password)
	cfg.Venue.TradeFront = getEnv("VENUE_TRADE_FRONT", cfg.Venue.TradeFront)
	cfg.Venue.MDFront = getEnv("VENUE_MD_FRONT", cfg.Venue.MDFront)
	cfg.Venue.AppID = getEnv("VENUE_APP_ID", cfg.Venue.AppID)
	cfg.Venue.AuthCode = getEnv("VENUE_AUTH_CODE", cfg.Venue.AuthCode)

	cfg.OrderRefPrefix = getEnv("ORDER_REF_PREFIX", cfg.OrderRefPrefix)
	cfg.OrderRefBase = getEnvInt64("ORDER_REF_BASE", cfg.OrderRefBase)
	cfg.OrderRefMax = getEnvInt64("ORDER_REF_MAX", cfg.OrderRefMax)
	cfg.OrderRatePerSec = getEnvFloat("ORDER_RATE_PER_SEC", cfg.OrderRatePerSec)
	cfg.OrderBurst = getEnvInt("ORDER_BURST", cfg.OrderBurst)
	cfg.MaxSubscriptions = getEnvInt("MAX_SUBSCRIPTIONS", cfg.MaxSubscriptions)
	cfg.ConnectTimeout = getEnvDuration("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.SimTickInterval = getEnvDuration("SIM_TICK_INTERVAL", cfg.SimTickInterval)
}

// openSecrets decrypts sealed venue credentials with the base64 key.
func openSecrets(cfg *Config, key string) error {
	fields := []*string{&cfg.Venue.Password, &cfg.Venue.AuthCode}
	sealed := false
	for _, f := range fields {
		sealed = sealed || crypto.IsSealed(*f)
	}
	if !sealed {
		return nil
	}
	if key == "" {
		return errors.New("sealed venue credentials need VENUE_SECRET_KEY")
	}
	sealer, err := crypto.NewSealerFromBase64(key)
	if err != nil {
		return err
	}
	for _, f := range fields {
		plain, err := sealer.Open(*f)
		if err != nil {
			return fmt.Errorf("open venue credential: %w", err)
		}
		*f = plain
	}
	return nil
}

// Validate checks process-level settings. Venue credentials are checked by the
// connection manager when it initializes, so a process can start without them.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	switch c.Venue.Mode {
	case VenueSim:
	case VenueBridge:
		if c.Venue.BridgeAddr == "" {
			return errors.New("bridge address is required in bridge mode")
		}
	default:
		return fmt.Errorf("unknown venue mode %q", c.Venue.Mode)
	}
	if c.OrderRefBase < 0 || c.OrderRefMax <= c.OrderRefBase {
		return fmt.Errorf("order ref range [%d, %d] is empty", c.OrderRefBase, c.OrderRefMax)
	}
	if c.MaxSubscriptions <= 0 {
		return errors.New("max subscriptions must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
