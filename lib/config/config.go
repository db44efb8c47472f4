// Package config loads the netcored TOML configuration and converts it into
// the settings of the server, pool and dialer packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-i2p/i2pkeys"
	"github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/netcore/lib/dialer"
	apperrors "github.com/go-i2p/netcore/lib/errors"
	"github.com/go-i2p/netcore/lib/pool"
	"github.com/go-i2p/netcore/lib/resilience"
	"github.com/go-i2p/netcore/lib/server"
)

// Default configuration values
const (
	DefaultTCPAddress     = "127.0.0.1:8080"
	DefaultMaxConnections = server.DefaultMaxConnections
	DefaultUpstreamPort   = 80
	DefaultConnectTimeout = 2 * time.Second
)

// Duration is a time.Duration written as a string ("1.5s") in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration for netcored.
type Config struct {
	Server ServerConfig `toml:"server"`
	Pool   PoolConfig   `toml:"pool"`
	MySQL  MySQLConfig  `toml:"mysql"`
	I2P    I2PConfig    `toml:"i2p"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// TCPAddress is the TCP address to serve on. Empty disables TCP.
	TCPAddress string `toml:"tcp_address"`
	// UnixSocket is an optional Unix socket path.
	UnixSocket string `toml:"unix_socket,omitempty"`
	// MaxConnections caps concurrently served sockets.
	MaxConnections int              `toml:"max_connections"`
	Connection     ConnectionConfig `toml:"connection"`
	Handlers       HandlersConfig   `toml:"handlers"`
}

// ConnectionConfig tunes each connection pipeline.
type ConnectionConfig struct {
	InBufferSize               int      `toml:"in_buffer_size"`
	KeepaliveTimeout           Duration `toml:"keepalive_timeout"`
	RequestsQueueSizeThreshold int      `toml:"requests_queue_size_threshold"`
	PipelineResponses          bool     `toml:"pipeline_responses"`
	MaxPipelinedResponses      int      `toml:"max_pipelined_responses"`
	PipelinedBytesThreshold    int      `toml:"pipelined_bytes_threshold"`
	WriteTimeout               Duration `toml:"write_timeout"`
	MaxBodySize                int64    `toml:"max_body_size"`
}

// HandlersConfig contains dispatch settings.
type HandlersConfig struct {
	// DefaultTimeout bounds handlers without their own timeout.
	DefaultTimeout Duration `toml:"default_timeout"`
	// RPSLimit caps requests per second across the server. 0 disables it.
	RPSLimit int `toml:"rps_limit"`
	// PeerRPSLimit caps requests per second from one peer IP. 0 disables it.
	PeerRPSLimit float64 `toml:"peer_rps_limit"`
	PeerBurst    int     `toml:"peer_burst"`
}

// PoolSettings are the sizing and timing knobs shared by every pool.
type PoolSettings struct {
	InitialSize          int      `toml:"initial_size"`
	MaxSize              int      `toml:"max_size"`
	MaxConnecting        int      `toml:"max_connecting"`
	QueueTimeout         Duration `toml:"queue_timeout"`
	MaintenanceInterval  Duration `toml:"maintenance_interval"`
	UnavailableThreshold Duration `toml:"unavailable_threshold"`
	PingTimeout          Duration `toml:"ping_timeout"`
}

// PoolConfig configures the upstream TCP pool.
type PoolConfig struct {
	PoolSettings
	// Host is the upstream host. Empty disables the pool.
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// ConnectTimeout bounds each dial.
	ConnectTimeout Duration      `toml:"connect_timeout"`
	Breaker        BreakerConfig `toml:"breaker"`
}

// BreakerConfig configures the per-address dial breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. 0 disables it.
	FailureThreshold int      `toml:"failure_threshold"`
	Cooldown         Duration `toml:"cooldown"`
	HalfOpenProbes   int      `toml:"half_open_probes"`
}

// MySQLConfig configures the MySQL pool.
type MySQLConfig struct {
	PoolSettings
	// DSN is a go-sql-driver/mysql data source name. Empty disables the pool.
	DSN string `toml:"dsn"`
}

// I2PConfig configures the optional I2P tunnel.
type I2PConfig struct {
	PoolSettings
	// TunnelName names the tunnel on the SAM bridge. Empty disables I2P.
	TunnelName string `toml:"tunnel_name"`
	SAMAddress string `toml:"sam_address"`
	// Listen serves HTTP on the tunnel's own destination as well.
	Listen bool `toml:"listen"`
	// Upstream is a destination to pool stream connections to. Empty
	// disables the pool.
	Upstream string `toml:"upstream"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	conn := server.DefaultConnectionConfig()
	poolDef := pool.DefaultConfig()
	breaker := resilience.DefaultBreakerConfig()

	settings := PoolSettings{
		InitialSize:          poolDef.InitialSize,
		MaxSize:              poolDef.MaxSize,
		MaxConnecting:        poolDef.MaxConnecting,
		QueueTimeout:         Duration(poolDef.QueueTimeout),
		MaintenanceInterval:  Duration(poolDef.MaintenanceInterval),
		UnavailableThreshold: Duration(poolDef.UnavailableThreshold),
		PingTimeout:          Duration(poolDef.PingTimeout),
	}

	return &Config{
		Server: ServerConfig{
			TCPAddress:     DefaultTCPAddress,
			MaxConnections: DefaultMaxConnections,
			Connection: ConnectionConfig{
				InBufferSize:               conn.InBufferSize,
				KeepaliveTimeout:           Duration(conn.KeepaliveTimeout),
				RequestsQueueSizeThreshold: conn.RequestsQueueSizeThreshold,
				PipelineResponses:          conn.PipelineResponses,
				MaxPipelinedResponses:      conn.MaxPipelinedResponses,
				PipelinedBytesThreshold:    conn.PipelinedBytesThreshold,
				WriteTimeout:               Duration(conn.WriteTimeout),
				MaxBodySize:                conn.MaxBodySize,
			},
		},
		Pool: PoolConfig{
			PoolSettings:   settings,
			Port:           DefaultUpstreamPort,
			ConnectTimeout: Duration(DefaultConnectTimeout),
			Breaker: BreakerConfig{
				FailureThreshold: breaker.FailureThreshold,
				Cooldown:         Duration(breaker.Cooldown),
				HalfOpenProbes:   breaker.HalfOpenProbes,
			},
		},
		MySQL: MySQLConfig{
			PoolSettings: settings,
		},
		I2P: I2PConfig{
			PoolSettings: settings,
			SAMAddress:   dialer.DefaultSAMAddress,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.TCPAddress == "" && c.Server.UnixSocket == "" {
		return configError("server.tcp_address or server.unix_socket is required")
	}
	if c.Server.MaxConnections < 0 {
		return configError("server.max_connections must not be negative")
	}
	if c.Server.Connection.MaxBodySize < 0 {
		return configError("server.connection.max_body_size must not be negative")
	}
	if c.Server.Handlers.RPSLimit < 0 || c.Server.Handlers.PeerRPSLimit < 0 {
		return configError("server.handlers rate limits must not be negative")
	}
	if c.Pool.Host != "" {
		if c.Pool.Port <= 0 || c.Pool.Port > 65535 {
			return configError("pool.port must be between 1 and 65535")
		}
		if err := c.ToPoolConfig("upstream").Validate(); err != nil {
			return fmt.Errorf("pool: %w", err)
		}
	}
	if c.MySQL.DSN != "" {
		if err := c.MySQL.PoolSettings.toPool("mysql").Validate(); err != nil {
			return fmt.Errorf("mysql: %w", err)
		}
	}
	if c.I2P.TunnelName == "" && (c.I2P.Listen || c.I2P.Upstream != "") {
		return configError("i2p.tunnel_name is required to listen or dial over i2p")
	}
	if c.I2P.Upstream != "" {
		if err := c.ToI2PPoolConfig("i2p_upstream").Validate(); err != nil {
			return fmt.Errorf("i2p: %w", err)
		}
	}
	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %w", apperrors.ErrConfiguration, errors.New(msg))
}

func (s PoolSettings) toPool(name string) pool.Config {
	return pool.Config{
		Name:                 name,
		InitialSize:          s.InitialSize,
		MaxSize:              s.MaxSize,
		MaxConnecting:        s.MaxConnecting,
		QueueTimeout:         s.QueueTimeout.Std(),
		MaintenanceInterval:  s.MaintenanceInterval.Std(),
		UnavailableThreshold: s.UnavailableThreshold.Std(),
		PingTimeout:          s.PingTimeout.Std(),
	}
}

// ToPoolConfig returns the upstream pool settings under name.
func (c *Config) ToPoolConfig(name string) pool.Config {
	return c.Pool.PoolSettings.toPool(name)
}

// ToMySQLPoolConfig returns the MySQL pool settings under name.
func (c *Config) ToMySQLPoolConfig(name string) pool.Config {
	return c.MySQL.PoolSettings.toPool(name)
}

// ToI2PPoolConfig returns the I2P upstream pool settings under name.
func (c *Config) ToI2PPoolConfig(name string) pool.Config {
	return c.I2P.PoolSettings.toPool(name)
}

// I2PUpstream returns the configured I2P upstream destination.
func (c *Config) I2PUpstream() i2pkeys.I2PAddr {
	return i2pkeys.I2PAddr(c.I2P.Upstream)
}

// ToDialerConfig returns the upstream connector settings.
func (c *Config) ToDialerConfig() dialer.Config {
	cfg := dialer.DefaultConfig()
	cfg.ConnectTimeout = c.Pool.ConnectTimeout.Std()
	cfg.Breaker = resilience.BreakerConfig{
		FailureThreshold: c.Pool.Breaker.FailureThreshold,
		Cooldown:         c.Pool.Breaker.Cooldown.Std(),
		HalfOpenProbes:   c.Pool.Breaker.HalfOpenProbes,
	}
	return cfg
}

// Endpoint returns the upstream endpoint.
func (c *Config) Endpoint() dialer.Endpoint {
	return dialer.Endpoint{Host: c.Pool.Host, Port: c.Pool.Port}
}

// ToConnectionConfig returns the per-connection pipeline settings.
func (c *Config) ToConnectionConfig() server.ConnectionConfig {
	cc := c.Server.Connection
	return server.ConnectionConfig{
		InBufferSize:               cc.InBufferSize,
		KeepaliveTimeout:           cc.KeepaliveTimeout.Std(),
		RequestsQueueSizeThreshold: cc.RequestsQueueSizeThreshold,
		PipelineResponses:          cc.PipelineResponses,
		MaxPipelinedResponses:      cc.MaxPipelinedResponses,
		PipelinedBytesThreshold:    cc.PipelinedBytesThreshold,
		WriteTimeout:               cc.WriteTimeout.Std(),
		MaxBodySize:                cc.MaxBodySize,
	}
}

// ToServerConfig returns the server settings.
func (c *Config) ToServerConfig() server.Config {
	h := c.Server.Handlers
	return server.Config{
		UnixSocketPath: c.Server.UnixSocket,
		TCPAddress:     c.Server.TCPAddress,
		MaxConnections: c.Server.MaxConnections,
		Connection:     c.ToConnectionConfig(),
		Handlers: server.HandlerSettings{
			DefaultTimeout: h.DefaultTimeout.Std(),
			RPSLimit:       h.RPSLimit,
			PeerRPSLimit:   h.PeerRPSLimit,
			PeerBurst:      h.PeerBurst,
		},
	}
}
