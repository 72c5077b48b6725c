package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/mathduel/go/internal/realtime/api"
	"github.com/mcdev12/mathduel/go/internal/realtime/echo"
	"github.com/mcdev12/mathduel/go/internal/realtime/publisher"
	"github.com/mcdev12/mathduel/go/internal/realtime/session"
	"github.com/mcdev12/mathduel/go/internal/realtime/transport"
)

const (
	transportWebSocket = "websocket"
	transportNATS      = "nats"

	userAgent = "mathduel-client"
)

// Config is the client configuration. Tuning comes from the YAML file, endpoints and identity from the
// environment.
type Config struct {
	APIBase    string `yaml:"api_base"`
	WSBase     string `yaml:"ws_base"`
	NATSURL    string `yaml:"nats_url"`
	Transport  string `yaml:"transport"`
	AuthToken  string `yaml:"-"`
	UserID     string `yaml:"user_id"`
	UserName   string `yaml:"user_name"`
	RoomID     string `yaml:"room_id"`
	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`

	APITimeout time.Duration `yaml:"api_timeout"`

	Reconnect struct {
		BaseDelay    time.Duration `yaml:"base_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		PingInterval time.Duration `yaml:"ping_interval"`
	} `yaml:"reconnect"`

	Session struct {
		DebounceWindow time.Duration `yaml:"debounce_window"`
		EchoTTL        time.Duration `yaml:"echo_ttl"`
		TransitionHold time.Duration `yaml:"transition_hold"`
		NavigateDelay  time.Duration `yaml:"navigate_delay"`
	} `yaml:"session"`
}

func defaultConfig() *Config {
	cfg := &Config{
		APIBase:    "http://localhost:8000",
		WSBase:     "ws://localhost:8000",
		NATSURL:    transport.DefaultNATSConfig().URL,
		Transport:  transportWebSocket,
		LogLevel:   "info",
		APITimeout: api.DefaultTimeout,
	}
	tc := transport.DefaultConfig()
	cfg.Reconnect.BaseDelay = tc.BaseDelay
	cfg.Reconnect.MaxDelay = tc.MaxDelay
	cfg.Reconnect.PingInterval = tc.PingInterval
	cfg.Session.DebounceWindow = publisher.DefaultWindow
	cfg.Session.EchoTTL = echo.DefaultTTL
	cfg.Session.TransitionHold = session.DefaultTransitionHold
	cfg.Session.NavigateDelay = session.DefaultNavigateDelay
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the YAML file at path when it exists, then applies environment overrides
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.APIBase = getEnv("API_BASE", config.APIBase)
	config.WSBase = getEnv("WS_BASE", config.WSBase)
	config.NATSURL = getEnv("NATS_URL", config.NATSURL)
	config.Transport = getEnv("TRANSPORT", config.Transport)
	config.AuthToken = getEnv("AUTH_TOKEN", config.AuthToken)
	config.UserID = getEnv("USER_ID", config.UserID)
	config.UserName = getEnv("USER_NAME", config.UserName)
	config.RoomID = getEnv("ROOM_ID", config.RoomID)
	config.StatusAddr = getEnv("STATUS_ADDR", config.StatusAddr)
	config.LogLevel = getEnv("LOG_LEVEL", config.LogLevel)
	if ms := getEnvAsInt("DEBOUNCE_MS", 0); ms > 0 {
		config.Session.DebounceWindow = time.Duration(ms) * time.Millisecond
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.UserID == "" {
		return errors.New("USER_ID is required")
	}
	switch c.Transport {
	case transportWebSocket, transportNATS:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api_timeout must be positive, got %s", c.APITimeout)
	}
	return nil
}

func (c *Config) apiClient() *api.Client {
	client := api.NewClient(c.APIBase, c.AuthToken)
	client.SetTimeout(c.APITimeout)
	client.SetHeader("User-Agent", userAgent)
	return client
}

func (c *Config) transportConfig() transport.Config {
	tc := transport.DefaultConfig()
	tc.BaseDelay = c.Reconnect.BaseDelay
	tc.MaxDelay = c.Reconnect.MaxDelay
	tc.PingInterval = c.Reconnect.PingInterval
	return tc
}

func (c *Config) dialer() transport.Dialer {
	if c.Transport == transportNATS {
		nc := transport.DefaultNATSConfig()
		nc.URL = c.NATSURL
		return transport.NewNATSDialer(nc)
	}
	return transport.NewWebSocketDialer(c.WSBase, transport.DefaultWebSocketConfig())
}

func (c *Config) channel() transport.Channel {
	if c.RoomID == "" {
		return transport.Channel{Kind: "lobby", AuthToken: c.AuthToken}
	}
	return transport.Channel{Kind: "room", ID: c.RoomID, AuthToken: c.AuthToken}
}
