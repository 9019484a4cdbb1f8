package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"

	"github.com/petervdpas/parley/internal/util"
)

// EnvPrefix prefixes every environment override, e.g. PARLEY_RELAY_JWT_SECRET.
const EnvPrefix = "PARLEY_"

// FileName is the config file inside a working directory.
const FileName = "parley.json"

// PathIn returns the config file path for dir.
func PathIn(dir string) string { return filepath.Join(dir, FileName) }

type Config struct {
	Identity Identity `json:"identity" envPrefix:"IDENTITY_"`
	Relay    Relay    `json:"relay" envPrefix:"RELAY_"`
	Client   Client   `json:"client" envPrefix:"CLIENT_"`
	Log      Log      `json:"log" envPrefix:"LOG_"`
}

type Identity struct {
	// Optional; the token's subject wins when both are set.
	UserID    string `json:"user_id" env:"USER_ID"`
	TokenFile string `json:"token_file" env:"TOKEN_FILE"`

	// Token is only ever taken from the environment.
	Token string `json:"-" env:"TOKEN"`
}

type Relay struct {
	// Client side: where to connect.
	WSURL   string `json:"ws_url" env:"WS_URL"`
	HTTPURL string `json:"http_url" env:"HTTP_URL"`

	// Server side.
	Bind      string `json:"bind" env:"BIND"`
	Port      int    `json:"port" env:"PORT"`
	JWTSecret string `json:"jwt_secret" env:"JWT_SECRET"`
	DBPath    string `json:"db_path" env:"DB_PATH"`

	// Optional redis for multi-instance fan-out. Empty means in-process.
	RedisURL string `json:"redis_url" env:"REDIS_URL"`
}

type Client struct {
	ReconnectInitialMs int `json:"reconnect_initial_ms" env:"RECONNECT_INITIAL_MS"`
	ReconnectMaxMs     int `json:"reconnect_max_ms" env:"RECONNECT_MAX_MS"`

	// 0 = retry forever.
	ReconnectAttempts int `json:"reconnect_attempts" env:"RECONNECT_ATTEMPTS"`

	TypingIdleMs   int      `json:"typing_idle_ms" env:"TYPING_IDLE_MS"`
	RingTimeoutSec int      `json:"ring_timeout_seconds" env:"RING_TIMEOUT_SECONDS"`
	ICEServers     []string `json:"ice_servers" env:"ICE_SERVERS" envSeparator:","`
	MediaEnabled   bool     `json:"media_enabled" env:"MEDIA_ENABLED"`
	HistoryLimit   int      `json:"history_limit" env:"HISTORY_LIMIT"`
}

func (c Client) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialMs) * time.Millisecond
}

func (c Client) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

func (c Client) TypingIdle() time.Duration {
	return time.Duration(c.TypingIdleMs) * time.Millisecond
}

func (c Client) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

type Log struct {
	Level string `json:"level" env:"LEVEL"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			TokenFile: "data/token",
		},
		Relay: Relay{
			WSURL:   "ws://127.0.0.1:8787/ws",
			HTTPURL: "http://127.0.0.1:8787",
			Bind:    "127.0.0.1",
			Port:    8787,
			DBPath:  "data/relay.db",
		},
		Client: Client{
			ReconnectInitialMs: 500,
			ReconnectMaxMs:     30000,
			ReconnectAttempts:  0,
			TypingIdleMs:       1000,
			RingTimeoutSec:     30,
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			MediaEnabled:       false,
			HistoryLimit:       200,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Relay (client side)
	if err := validateURL(c.Relay.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("relay.ws_url: %w", err)
	}
	if err := validateURL(c.Relay.HTTPURL, "http", "https"); err != nil {
		return fmt.Errorf("relay.http_url: %w", err)
	}

	// Relay (server side)
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}
	if strings.TrimSpace(c.Relay.DBPath) == "" {
		return errors.New("relay.db_path is required")
	}
	if r := strings.TrimSpace(c.Relay.RedisURL); r != "" {
		if err := validateURL(r, "redis", "rediss"); err != nil {
			return fmt.Errorf("relay.redis_url: %w", err)
		}
	}

	// Client
	if c.Client.ReconnectInitialMs <= 0 {
		return errors.New("client.reconnect_initial_ms must be > 0")
	}
	if c.Client.ReconnectMaxMs < c.Client.ReconnectInitialMs {
		return errors.New("client.reconnect_max_ms must be >= client.reconnect_initial_ms")
	}
	if c.Client.ReconnectAttempts < 0 {
		return errors.New("client.reconnect_attempts must be >= 0")
	}
	if c.Client.TypingIdleMs <= 0 {
		return errors.New("client.typing_idle_ms must be > 0")
	}
	if c.Client.RingTimeoutSec <= 0 {
		return errors.New("client.ring_timeout_seconds must be > 0")
	}
	if c.Client.HistoryLimit < 0 {
		return errors.New("client.history_limit must be >= 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

// ValidateServer checks the settings only the relay needs.
func (c *Config) ValidateServer() error {
	if strings.TrimSpace(c.Relay.JWTSecret) == "" {
		return errors.New("relay.jwt_secret is required to run the relay")
	}
	return nil
}

// Addr is the relay listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Relay.Bind, strconv.Itoa(c.Relay.Port))
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

// LoadDotEnv loads dir/.env into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overlays PARLEY_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads path, applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without environment overrides or
// validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, cfg.Validate()
}
