package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	NodeID              string           `mapstructure:"node_id"`
	LogLevel            string           `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration    `mapstructure:"-"`
	Mesh                MeshConfig       `mapstructure:"mesh"`
	Client              ClientConfig     `mapstructure:"client"`
	Admin               AdminConfig      `mapstructure:"admin"`
	Keystore            KeystoreConfig   `mapstructure:"keystore"`
	GRPCServer          GRPCServerConfig `mapstructure:"grpc_server"`
}

// MeshConfig controls node-to-node links.
type MeshConfig struct {
	ListenAddress    string        `mapstructure:"listen_address"`
	PublishAddress   string        `mapstructure:"publish_address"`
	Peers            []string      `mapstructure:"peers"`
	TLS              TLSConfig     `mapstructure:"tls"`
	TrustedKeys      []string      `mapstructure:"trusted_keys"`
	IdentitySecret   string        `mapstructure:"identity_secret"`
	RetryLimit       int           `mapstructure:"retry_limit"`
	HandshakeTimeout time.Duration `mapstructure:"-"`
	CallTimeout      time.Duration `mapstructure:"-"`
	ConnectJitter    time.Duration `mapstructure:"-"`
	ConnectInterval  time.Duration `mapstructure:"-"`
	ReconnectDelay   time.Duration `mapstructure:"-"`
	OfflineTTL       time.Duration `mapstructure:"-"`
}

// TLSConfig points at PEM material for fnodes:// links.
type TLSConfig struct {
	CertPath           string `mapstructure:"cert_path"`
	KeyPath            string `mapstructure:"key_path"`
	CAPath             string `mapstructure:"ca_path"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ClientConfig controls the WebSocket listener for client sessions.
type ClientConfig struct {
	Address          string        `mapstructure:"address"`
	Path             string        `mapstructure:"path"`
	PingInterval     time.Duration `mapstructure:"-"`
	ForceLogoutGrace time.Duration `mapstructure:"-"`
	// OriginPatterns are extra host patterns allowed in the Origin header.
	// Same-origin upgrades are always accepted.
	OriginPatterns []string `mapstructure:"origin_patterns"`
}

// AdminConfig controls the metrics and health listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"-"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// GRPCServerConfig tunes the NodeMesh gRPC server.
type GRPCServerConfig struct {
	KeepaliveTime     time.Duration `mapstructure:"-"`
	KeepaliveTimeout  time.Duration `mapstructure:"-"`
	MaxConnectionIdle time.Duration `mapstructure:"-"`
}

const (
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultMeshListenAddress   = "0.0.0.0:7000"
	defaultRetryLimit          = 10
	defaultHandshakeTimeout    = 5 * time.Second
	defaultCallTimeout         = 120 * time.Second
	defaultConnectJitter       = 4 * time.Second
	defaultConnectInterval     = 8 * time.Second
	defaultReconnectDelay      = 2 * time.Second
	defaultOfflineTTL          = 10 * time.Second
	defaultIdentitySecret      = "mesh_identity"
	defaultClientAddress       = "0.0.0.0:7080"
	defaultClientPath          = "/fmtc"
	defaultPingInterval        = 30 * time.Second
	defaultForceLogoutGrace    = 500 * time.Millisecond
	defaultAdminAddress        = "127.0.0.1:7090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultPassphraseEnv       = "FMTC_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
	defaultKeepaliveTime       = 30 * time.Second
	defaultKeepaliveTimeout    = 10 * time.Second
	defaultMaxConnectionIdle   = time.Duration(0)
)

// durationField binds a config key to the struct field it fills.
type durationField struct {
	key string
	def time.Duration
	dst func(*Config) *time.Duration
}

var durationFields = []durationField{
	{"shutdown_grace_period", defaultShutdownGracePeriod, func(c *Config) *time.Duration { return &c.ShutdownGracePeriod }},
	{"mesh.handshake_timeout", defaultHandshakeTimeout, func(c *Config) *time.Duration { return &c.Mesh.HandshakeTimeout }},
	{"mesh.call_timeout", defaultCallTimeout, func(c *Config) *time.Duration { return &c.Mesh.CallTimeout }},
	{"mesh.connect_jitter", defaultConnectJitter, func(c *Config) *time.Duration { return &c.Mesh.ConnectJitter }},
	{"mesh.connect_interval", defaultConnectInterval, func(c *Config) *time.Duration { return &c.Mesh.ConnectInterval }},
	{"mesh.reconnect_delay", defaultReconnectDelay, func(c *Config) *time.Duration { return &c.Mesh.ReconnectDelay }},
	{"mesh.offline_ttl", defaultOfflineTTL, func(c *Config) *time.Duration { return &c.Mesh.OfflineTTL }},
	{"client.ping_interval", defaultPingInterval, func(c *Config) *time.Duration { return &c.Client.PingInterval }},
	{"client.force_logout_grace", defaultForceLogoutGrace, func(c *Config) *time.Duration { return &c.Client.ForceLogoutGrace }},
	{"admin.read_header_timeout", defaultReadHeaderTimeout, func(c *Config) *time.Duration { return &c.Admin.ReadHeaderTimeout }},
	{"grpc_server.keepalive_time", defaultKeepaliveTime, func(c *Config) *time.Duration { return &c.GRPCServer.KeepaliveTime }},
	{"grpc_server.keepalive_timeout", defaultKeepaliveTimeout, func(c *Config) *time.Duration { return &c.GRPCServer.KeepaliveTimeout }},
	{"grpc_server.max_connection_idle", defaultMaxConnectionIdle, func(c *Config) *time.Duration { return &c.GRPCServer.MaxConnectionIdle }},
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with FMTC_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FMTC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("node_id", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("mesh.listen_address", defaultMeshListenAddress)
	v.SetDefault("mesh.publish_address", "")
	v.SetDefault("mesh.peers", []string{})
	v.SetDefault("mesh.trusted_keys", []string{})
	v.SetDefault("mesh.identity_secret", defaultIdentitySecret)
	v.SetDefault("mesh.retry_limit", defaultRetryLimit)
	v.SetDefault("mesh.tls.cert_path", "")
	v.SetDefault("mesh.tls.key_path", "")
	v.SetDefault("mesh.tls.ca_path", "")
	v.SetDefault("mesh.tls.insecure_skip_verify", false)
	v.SetDefault("client.address", defaultClientAddress)
	v.SetDefault("client.path", defaultClientPath)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	for _, f := range durationFields {
		v.SetDefault(f.key, f.def.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, f := range durationFields {
		dur, err := time.ParseDuration(v.GetString(f.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		if dur < 0 {
			return Config{}, fmt.Errorf("invalid %s: negative duration", f.key)
		}
		*f.dst(&cfg) = dur
	}

	// Env overrides arrive as one comma separated string.
	cfg.Mesh.Peers = splitList(v.GetStringSlice("mesh.peers"))
	cfg.Mesh.TrustedKeys = splitList(v.GetStringSlice("mesh.trusted_keys"))
	cfg.Client.OriginPatterns = splitList(v.GetStringSlice("client.origin_patterns"))

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Mesh.ListenAddress == "" {
		cfg.Mesh.ListenAddress = defaultMeshListenAddress
	}
	if cfg.Mesh.IdentitySecret == "" {
		cfg.Mesh.IdentitySecret = defaultIdentitySecret
	}
	if cfg.Mesh.RetryLimit <= 0 {
		cfg.Mesh.RetryLimit = defaultRetryLimit
	}
	if cfg.Client.Path == "" {
		cfg.Client.Path = defaultClientPath
	}
	if !strings.HasPrefix(cfg.Client.Path, "/") {
		cfg.Client.Path = "/" + cfg.Client.Path
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}

	return cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
