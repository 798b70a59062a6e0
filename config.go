package dkimsignd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// KeyDeclarationConfig is one entry of the configured ordered list of key
// declarations.
type KeyDeclarationConfig struct {
	Domain      string   `mapstructure:"domain"`
	Selector    string   `mapstructure:"selector"`
	KeyFile     string   `mapstructure:"key_file"`
	Granularity string   `mapstructure:"granularity"`
	Hashes      []string `mapstructure:"hashes"`
	Services    []string `mapstructure:"services"`
	Flags       []string `mapstructure:"flags"`
	Notes       string   `mapstructure:"notes"`
}

// TagMapEntryConfig is one query-key's partial tag set within a sender-options
// tag-map.
type TagMapEntryConfig map[string]string

// TagMapConfig is one ordered tag-map: query key -> partial tag set.
type TagMapConfig map[string]TagMapEntryConfig

// ServerConfig holds everything needed to run the daemon. Prefer building one
// with NewConfigBuilder, or loading one with LoadConfig.
type ServerConfig struct {
	ListenNetwork string // "tcp", "tcp6", or "unix"
	ListenAddr    string // host:port, or a filesystem path for "unix"

	User      string // unprivileged user to switch to after bind
	Group     string
	ChrootDir string
	PIDFile   string

	SyslogIdent    string
	SyslogFacility string // "mail" by default
	LogLevel       int    // 0-5, mapped to syslog priorities

	IntrospectionSocket string // optional Unix socket path for C9c

	MaxLineLength int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	KeyDeclarations []KeyDeclarationConfig
	SenderOptions   []TagMapConfig

	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults. Callers
// layer a config file, then environment variables, then explicit overrides
// on top of these defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenNetwork:  "unix",
		ListenAddr:     "/var/run/dkimsignd/dkimsignd.sock",
		SyslogIdent:    "dkimsignd",
		SyslogFacility: "mail",
		LogLevel:       4, // info
		MaxLineLength:  4096,
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   30 * time.Second,
		Logger:         slog.Default(),
	}
}

// ConfigBuilder provides a fluent API for assembling a ServerConfig, in the
// same spirit as this daemon's connection-handling lineage builds its server
// configuration.
type ConfigBuilder struct {
	cfg ServerConfig
}

// NewConfigBuilder starts from DefaultServerConfig.
func NewConfigBuilder() *ConfigBuilder {
	cfg := DefaultServerConfig()
	return &ConfigBuilder{cfg: cfg}
}

func (b *ConfigBuilder) Listen(network, addr string) *ConfigBuilder {
	b.cfg.ListenNetwork = network
	b.cfg.ListenAddr = addr
	return b
}

func (b *ConfigBuilder) User(user, group string) *ConfigBuilder {
	b.cfg.User = user
	b.cfg.Group = group
	return b
}

func (b *ConfigBuilder) Chroot(dir string) *ConfigBuilder {
	b.cfg.ChrootDir = dir
	return b
}

func (b *ConfigBuilder) PIDFile(path string) *ConfigBuilder {
	b.cfg.PIDFile = path
	return b
}

func (b *ConfigBuilder) Syslog(ident, facility string, level int) *ConfigBuilder {
	b.cfg.SyslogIdent = ident
	b.cfg.SyslogFacility = facility
	b.cfg.LogLevel = level
	return b
}

func (b *ConfigBuilder) Introspection(socketPath string) *ConfigBuilder {
	b.cfg.IntrospectionSocket = socketPath
	return b
}

func (b *ConfigBuilder) Logger(logger *slog.Logger) *ConfigBuilder {
	b.cfg.Logger = logger
	return b
}

func (b *ConfigBuilder) Keys(decls ...KeyDeclarationConfig) *ConfigBuilder {
	b.cfg.KeyDeclarations = append(b.cfg.KeyDeclarations, decls...)
	return b
}

func (b *ConfigBuilder) SenderOptionMaps(maps ...TagMapConfig) *ConfigBuilder {
	b.cfg.SenderOptions = append(b.cfg.SenderOptions, maps...)
	return b
}

func (b *ConfigBuilder) Build() ServerConfig {
	return b.cfg
}

// LoadConfig layers a config file and environment variables (prefixed
// DKIMSIGND_) over DefaultServerConfig using viper, the way this codebase's
// wider mail-stack lineage loads daemon configuration.
func LoadConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DKIMSIGND")
	v.AutomaticEnv()

	v.SetDefault("listen_network", cfg.ListenNetwork)
	v.SetDefault("listen_addr", cfg.ListenAddr)
	v.SetDefault("syslog_ident", cfg.SyslogIdent)
	v.SetDefault("syslog_facility", cfg.SyslogFacility)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("max_line_length", cfg.MaxLineLength)

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("dkimsignd: reading config %s: %w", path, err)
	}

	cfg.ListenNetwork = v.GetString("listen_network")
	cfg.ListenAddr = v.GetString("listen_addr")
	cfg.User = v.GetString("user")
	cfg.Group = v.GetString("group")
	cfg.ChrootDir = v.GetString("chroot_dir")
	cfg.PIDFile = v.GetString("pid_file")
	cfg.SyslogIdent = v.GetString("syslog_ident")
	cfg.SyslogFacility = v.GetString("syslog_facility")
	cfg.LogLevel = v.GetInt("log_level")
	cfg.IntrospectionSocket = v.GetString("introspection_socket")
	if n := v.GetInt("max_line_length"); n > 0 {
		cfg.MaxLineLength = n
	}

	if err := v.UnmarshalKey("keys", &cfg.KeyDeclarations); err != nil {
		return cfg, fmt.Errorf("dkimsignd: parsing keys: %w", err)
	}
	if err := v.UnmarshalKey("sender_options", &cfg.SenderOptions); err != nil {
		return cfg, fmt.Errorf("dkimsignd: parsing sender_options: %w", err)
	}

	return cfg, nil
}
