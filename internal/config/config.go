// Package config loads the YAML configuration of the server and client
// binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/deltasync/internal/core/observability/log"
	"github.com/zeusync/deltasync/internal/server"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    log.Config   `yaml:"log"`
}

type ServerConfig struct {
	Transport  string `yaml:"transport"`
	ListenAddr string `yaml:"listen_addr"`
	// WebSocketPath is the upgrade endpoint of the websocket transport.
	WebSocketPath string `yaml:"websocket_path"`
	// CertFile and KeyFile are used by the quic transport. Without them a
	// self-signed certificate is generated.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// FrameInterval is how often the simulation loop runs.
	FrameInterval time.Duration `yaml:"frame_interval"`
	TickMode      string        `yaml:"tick_mode"`
	// TickInterval is the minimum gap between ticks for max_tick_rate.
	TickInterval time.Duration `yaml:"tick_interval"`
	MaxClients   int           `yaml:"max_clients"`
	Workers      int           `yaml:"workers"`
	// StatsAddr enables the HTTP stats endpoint when set.
	StatsAddr string `yaml:"stats_addr"`
}

type ClientConfig struct {
	Transport string `yaml:"transport"`
	// ServerAddr is a ws:// URL for websocket or host:port for quic.
	ServerAddr    string        `yaml:"server_addr"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	FrameInterval time.Duration `yaml:"frame_interval"`
	// InsecureSkipVerify accepts self-signed quic servers.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

func Default() *Config {
	replication := server.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Transport:     TransportWebSocket,
			ListenAddr:    "127.0.0.1:7777",
			WebSocketPath: "/ws",
			FrameInterval: 50 * time.Millisecond,
			TickMode:      replication.TickPolicy.Mode.String(),
			MaxClients:    replication.MaxClients,
			Workers:       replication.Workers,
		},
		Client: ClientConfig{
			Transport:          TransportWebSocket,
			ServerAddr:         "ws://127.0.0.1:7777/ws",
			DialTimeout:        5 * time.Second,
			FrameInterval:      50 * time.Millisecond,
			InsecureSkipVerify: true,
		},
		Log: log.Config{Level: log.LevelInfo.String()},
	}
}

// Load decodes YAML from r over the defaults and validates the result.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validTransport(c.Server.Transport); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validTransport(c.Client.Transport); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is empty: %w", ErrInvalid)
	}
	if c.Server.FrameInterval <= 0 || c.Client.FrameInterval <= 0 {
		return fmt.Errorf("frame interval must be positive: %w", ErrInvalid)
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together: %w", ErrInvalid)
	}
	if _, ok := log.ParseLevel(c.Log.Level); !ok && c.Log.Level != "" {
		return fmt.Errorf("log level %q: %w", c.Log.Level, ErrInvalid)
	}
	if _, err := c.Server.Replication(); err != nil {
		return err
	}
	return nil
}

func validTransport(name string) error {
	switch name {
	case TransportWebSocket, TransportQUIC:
		return nil
	default:
		return fmt.Errorf("transport %q: %w", name, ErrInvalid)
	}
}

// Replication converts the server section into the replication server config.
func (s ServerConfig) Replication() (server.Config, error) {
	mode, err := server.ParseTickMode(s.TickMode)
	if err != nil {
		return server.Config{}, err
	}
	cfg := server.Config{
		MaxClients: s.MaxClients,
		Workers:    s.Workers,
		TickPolicy: server.TickPolicy{Mode: mode, Interval: s.TickInterval},
	}
	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}
