// Package config holds the daemon settings and the persistent whitelist,
// host table and named settings.
//
// Settings come from viper: defaults, then an optional YAML file, then
// NGMESH_* environment variables (NGMESH_SECURITY_IDLE_TIMEOUT overrides
// security.idle_timeout).
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"

	"github.com/TheusHen/ngmesh/ngmesh/compression"
	"github.com/TheusHen/ngmesh/ngmesh/ngsocket"
	"github.com/TheusHen/ngmesh/ngmesh/security"
)

const (
	EnvPrefix = "NGMESH"
	DirName   = ".ngmesh"
)

var (
	ErrInvalidPort        = errors.New("config: listen port out of range")
	ErrInvalidCompression = errors.New("config: unknown compression algorithm")
)

type Config struct {
	ListenPort      int      `mapstructure:"listen_port"`
	BaseServers     []string `mapstructure:"base_servers"`
	DashboardDomain string   `mapstructure:"dashboard_domain"`
	// WebsetupID is the management device that is always whitelisted.
	WebsetupID    string   `mapstructure:"websetup_id"`
	STUNServers   []string `mapstructure:"stun_servers"`
	NATPMPGateway string   `mapstructure:"natpmp_gateway"`
	UPnP          bool     `mapstructure:"upnp"`
	MDNS          bool     `mapstructure:"mdns"`

	Compression      CompressionConfig `mapstructure:"compression"`
	WhitelistEnabled bool              `mapstructure:"whitelist_enabled"`
	InterfaceName    string            `mapstructure:"interface_name"`
	DataDir          string            `mapstructure:"data_dir"`
	DBPath           string            `mapstructure:"db_path"`

	Security  SecurityConfig  `mapstructure:"security"`
	Transport TransportConfig `mapstructure:"transport"`
}

type CompressionConfig struct {
	Algorithm string `mapstructure:"algorithm"`
	Threshold int    `mapstructure:"threshold"`
}

type SecurityConfig struct {
	HandshakeRetry    time.Duration `mapstructure:"handshake_retry"`
	HandshakeAttempts int           `mapstructure:"handshake_attempts"`
	SessionMaxAge     time.Duration `mapstructure:"session_max_age"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	LatencyInterval   time.Duration `mapstructure:"latency_interval"`
	MaxQueued         int           `mapstructure:"max_queued"`
}

type TransportConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	ActiveWindow     time.Duration `mapstructure:"active_window"`
	PeerInfoInterval time.Duration `mapstructure:"peer_info_interval"`
}

// DefaultDataDir returns $HOME/.ngmesh, or ./.ngmesh when no home is known.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// Default returns the built-in settings.
func Default() Config {
	st := security.DefaultTimers()
	tt := ngsocket.DefaultTimers()
	dir := DefaultDataDir()
	return Config{
		ListenPort:      ngsocket.DefaultPort,
		DashboardDomain: "app.ngmesh.local",
		STUNServers:     []string{"stun.l.google.com:19302"},
		UPnP:            true,
		MDNS:            true,
		Compression: CompressionConfig{
			Algorithm: compression.LZ4.String(),
			Threshold: compression.DefaultThreshold,
		},
		WhitelistEnabled: true,
		InterfaceName:    "ngmesh0",
		DataDir:          dir,
		DBPath:           filepath.Join(dir, "config.db"),
		Security: SecurityConfig{
			HandshakeRetry:    st.HandshakeRetry,
			HandshakeAttempts: st.HandshakeAttempts,
			SessionMaxAge:     st.SessionMaxAge,
			IdleTimeout:       st.IdleTimeout,
			LatencyInterval:   st.LatencyInterval,
			MaxQueued:         st.MaxQueued,
		},
		Transport: TransportConfig{
			ProbeInterval:    tt.ProbeInterval,
			StaleAfter:       tt.StaleAfter,
			ActiveWindow:     tt.ActiveWindow,
			PeerInfoInterval: tt.PeerInfoInterval,
		},
	}
}

// NewViper returns a viper instance carrying the defaults and the
// environment binding. Callers may bind flags to it before calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen_port", d.ListenPort)
	v.SetDefault("base_servers", d.BaseServers)
	v.SetDefault("dashboard_domain", d.DashboardDomain)
	v.SetDefault("websetup_id", d.WebsetupID)
	v.SetDefault("stun_servers", d.STUNServers)
	v.SetDefault("natpmp_gateway", d.NATPMPGateway)
	v.SetDefault("upnp", d.UPnP)
	v.SetDefault("mdns", d.MDNS)

	v.SetDefault("compression.algorithm", d.Compression.Algorithm)
	v.SetDefault("compression.threshold", d.Compression.Threshold)
	v.SetDefault("whitelist_enabled", d.WhitelistEnabled)
	v.SetDefault("interface_name", d.InterfaceName)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", "")

	v.SetDefault("security.handshake_retry", d.Security.HandshakeRetry)
	v.SetDefault("security.handshake_attempts", d.Security.HandshakeAttempts)
	v.SetDefault("security.session_max_age", d.Security.SessionMaxAge)
	v.SetDefault("security.idle_timeout", d.Security.IdleTimeout)
	v.SetDefault("security.latency_interval", d.Security.LatencyInterval)
	v.SetDefault("security.max_queued", d.Security.MaxQueued)

	v.SetDefault("transport.probe_interval", d.Transport.ProbeInterval)
	v.SetDefault("transport.stale_after", d.Transport.StaleAfter)
	v.SetDefault("transport.active_window", d.Transport.ActiveWindow)
	v.SetDefault("transport.peer_info_interval", d.Transport.PeerInfoInterval)
}

// Load reads settings from path (optional) and the environment.
func Load(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, oops.Wrapf(err, "read config file %s", path)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, oops.Wrapf(err, "decode config")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "config.db")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return ErrInvalidPort
	}
	if _, err := compression.ParseAlgorithm(c.Compression.Algorithm); err != nil {
		return ErrInvalidCompression
	}
	return nil
}

// CompressionAlgorithm returns the parsed algorithm. Validate has already
// rejected unknown names.
func (c Config) CompressionAlgorithm() compression.Algorithm {
	a, _ := compression.ParseAlgorithm(c.Compression.Algorithm)
	return a
}

func (c Config) SecurityTimers() security.Timers {
	t := security.DefaultTimers()
	t.HandshakeRetry = c.Security.HandshakeRetry
	t.HandshakeAttempts = c.Security.HandshakeAttempts
	t.SessionMaxAge = c.Security.SessionMaxAge
	t.RekeyAfter = 0
	t.IdleTimeout = c.Security.IdleTimeout
	t.LatencyInterval = c.Security.LatencyInterval
	t.MaxQueued = c.Security.MaxQueued
	return t
}

func (c Config) TransportTimers() ngsocket.Timers {
	t := ngsocket.DefaultTimers()
	t.ProbeInterval = c.Transport.ProbeInterval
	t.StaleAfter = c.Transport.StaleAfter
	t.ActiveWindow = c.Transport.ActiveWindow
	t.PeerInfoInterval = c.Transport.PeerInfoInterval
	return t
}
