package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/netcore/lib/dialer"
	apperrors "github.com/go-i2p/netcore/lib/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.TCPAddress != DefaultTCPAddress {
		t.Errorf("TCPAddress = %q, want %q", cfg.Server.TCPAddress, DefaultTCPAddress)
	}
	if cfg.Pool.Host != "" {
		t.Error("default config should not enable the upstream pool")
	}
	if cfg.MySQL.DSN != "" {
		t.Error("default config should not enable the MySQL pool")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no listeners",
			modify: func(c *Config) {
				c.Server.TCPAddress = ""
				c.Server.UnixSocket = ""
			},
			wantErr: true,
		},
		{
			name: "unix socket only",
			modify: func(c *Config) {
				c.Server.TCPAddress = ""
				c.Server.UnixSocket = "/tmp/netcore.sock"
			},
			wantErr: false,
		},
		{
			name:    "negative max connections",
			modify:  func(c *Config) { c.Server.MaxConnections = -1 },
			wantErr: true,
		},
		{
			name:    "negative rps limit",
			modify:  func(c *Config) { c.Server.Handlers.RPSLimit = -5 },
			wantErr: true,
		},
		{
			name:    "upstream pool enabled",
			modify:  func(c *Config) { c.Pool.Host = "backend.internal" },
			wantErr: false,
		},
		{
			name: "upstream bad port",
			modify: func(c *Config) {
				c.Pool.Host = "backend.internal"
				c.Pool.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "threshold not above maintenance interval",
			modify: func(c *Config) {
				c.Pool.Host = "backend.internal"
				c.Pool.UnavailableThreshold = Duration(2 * time.Second)
				c.Pool.MaintenanceInterval = Duration(2 * time.Second)
			},
			wantErr: true,
		},
		{
			name: "threshold ignored while pool disabled",
			modify: func(c *Config) {
				c.Pool.UnavailableThreshold = Duration(time.Second)
			},
			wantErr: false,
		},
		{
			name: "mysql initial size over max",
			modify: func(c *Config) {
				c.MySQL.DSN = "user:pass@tcp(db:3306)/app"
				c.MySQL.InitialSize = 20
				c.MySQL.MaxSize = 5
			},
			wantErr: true,
		},
		{
			name: "i2p listen without tunnel",
			modify: func(c *Config) {
				c.I2P.Listen = true
			},
			wantErr: true,
		},
		{
			name: "i2p upstream",
			modify: func(c *Config) {
				c.I2P.TunnelName = "netcored"
				c.I2P.Upstream = "backend.b32.i2p"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperrors.ErrConfiguration) {
				t.Errorf("Validate() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestLoadConfig_NotExist(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.TCPAddress != DefaultTCPAddress {
		t.Error("missing file should give the default config")
	}
}

func TestLoadConfig_Partial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netcored.toml")
	data := `
[server]
tcp_address = "0.0.0.0:9000"

[server.connection]
keepalive_timeout = "30s"
pipeline_responses = true

[server.handlers]
rps_limit = 500

[pool]
host = "backend.internal"
port = 6379
max_size = 32
queue_timeout = "250ms"

[pool.breaker]
failure_threshold = 3

[i2p]
tunnel_name = "netcored"
listen = true
upstream = "backend.b32.i2p"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.TCPAddress != "0.0.0.0:9000" {
		t.Errorf("TCPAddress = %q", cfg.Server.TCPAddress)
	}
	cc := cfg.ToConnectionConfig()
	if cc.KeepaliveTimeout != 30*time.Second {
		t.Errorf("KeepaliveTimeout = %v, want 30s", cc.KeepaliveTimeout)
	}
	if !cc.PipelineResponses {
		t.Error("PipelineResponses should be set")
	}
	if cc.InBufferSize != DefaultConfig().Server.Connection.InBufferSize {
		t.Error("unset keys should keep their defaults")
	}

	pc := cfg.ToPoolConfig("upstream")
	if pc.Name != "upstream" || pc.MaxSize != 32 || pc.QueueTimeout != 250*time.Millisecond {
		t.Errorf("pool config = %+v", pc)
	}
	if got := cfg.Endpoint().Address(); got != "backend.internal:6379" {
		t.Errorf("Endpoint() = %q", got)
	}
	if dc := cfg.ToDialerConfig(); dc.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker threshold = %d, want 3", dc.Breaker.FailureThreshold)
	}
	if sc := cfg.ToServerConfig(); sc.Handlers.RPSLimit != 500 {
		t.Errorf("RPSLimit = %d, want 500", sc.Handlers.RPSLimit)
	}

	if !cfg.I2P.Listen || string(cfg.I2PUpstream()) != "backend.b32.i2p" {
		t.Errorf("i2p config = %+v", cfg.I2P)
	}
	if cfg.I2P.SAMAddress != dialer.DefaultSAMAddress {
		t.Errorf("SAMAddress = %q, want default", cfg.I2P.SAMAddress)
	}
	if ic := cfg.ToI2PPoolConfig("i2p_upstream"); ic.Name != "i2p_upstream" || ic.MaxSize != DefaultConfig().I2P.MaxSize {
		t.Errorf("i2p pool config = %+v", ic)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[server\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Error("malformed TOML should fail")
	}

	badDuration := filepath.Join(dir, "duration.toml")
	if err := os.WriteFile(badDuration, []byte("[server.connection]\nwrite_timeout = \"soon\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(badDuration); err == nil {
		t.Error("bad duration should fail")
	}

	invalid := filepath.Join(dir, "invalid.toml")
	if err := os.WriteFile(invalid, []byte("[server]\ntcp_address = \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(invalid); err == nil {
		t.Error("config without listeners should fail validation")
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "netcored.toml")

	original := DefaultConfig()
	original.Server.UnixSocket = "/run/netcored.sock"
	original.Server.Connection.WriteTimeout = Duration(5 * time.Second)
	original.Pool.Host = "backend.internal"
	original.Pool.MaintenanceInterval = Duration(3 * time.Second)
	original.MySQL.DSN = "app:secret@tcp(db:3306)/app"
	original.MySQL.MaxSize = 4

	if err := SaveConfig(original, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if loaded.Server.UnixSocket != original.Server.UnixSocket {
		t.Errorf("unix socket mismatch: got %q", loaded.Server.UnixSocket)
	}
	if loaded.Server.Connection.WriteTimeout != original.Server.Connection.WriteTimeout {
		t.Errorf("write timeout mismatch: got %v", loaded.Server.Connection.WriteTimeout.Std())
	}
	if loaded.Pool.Host != original.Pool.Host {
		t.Errorf("pool host mismatch: got %q", loaded.Pool.Host)
	}
	if loaded.Pool.MaintenanceInterval != original.Pool.MaintenanceInterval {
		t.Errorf("maintenance interval mismatch: got %v", loaded.Pool.MaintenanceInterval.Std())
	}
	if loaded.MySQL.DSN != original.MySQL.DSN || loaded.MySQL.MaxSize != 4 {
		t.Errorf("mysql mismatch: got %+v", loaded.MySQL)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("Std() = %v, want 1m30s", d.Std())
	}
	text, _ := d.MarshalText()
	if string(text) != "1m30s" {
		t.Errorf("MarshalText() = %q", text)
	}
}
